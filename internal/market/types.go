package market

import "time"

type Candle struct {
	Symbol   string
	Interval string
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

type Ticker struct {
	Symbol         string
	LastPrice      float64
	PriceChangePct float64
	QuoteVolume    float64
	SpreadPct      float64
	ListedAt       time.Time
	ContractType   string
	QuoteAsset     string
	Status         string
}

type Level struct {
	Price float64
	Qty   float64
}

type OrderBook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
}

// BidRatio returns the share of resting bid quantity in the visible
// book. 0.5 is balanced, above 0.65 is heavily bid.
func (b OrderBook) BidRatio() float64 {
	var bidQty, askQty float64
	for _, l := range b.Bids {
		bidQty += l.Qty
	}
	for _, l := range b.Asks {
		askQty += l.Qty
	}
	total := bidQty + askQty
	if total == 0 {
		return 0.5
	}
	return bidQty / total
}

type OISample struct {
	Time         time.Time
	OpenInterest float64
}

// Snapshot is everything the signal evaluation needs for one symbol,
// captured at a single point in a scan cycle.
type Snapshot struct {
	Symbol    string
	Candles1m []Candle
	Candles5m []Candle
	Book      OrderBook
	OIHistory []OISample
	Funding   float64
	Ticker    Ticker
	TakenAt   time.Time
}

type MarkPrice struct {
	Symbol     string
	Price      float64
	Funding    float64
	ObservedAt time.Time
}
