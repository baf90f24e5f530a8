package rest

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"
)

type SymbolInfo struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	ContractType      string
	Status            string
	OnboardDate       time.Time
	PricePrecision    int
	QuantityPrecision int
	MinQty            float64
	StepSize          float64
	MinNotional       float64
}

type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Closed   bool
}

type Ticker24h struct {
	Symbol         string
	LastPrice      float64
	PriceChangePct float64
	QuoteVolume    float64
}

type BookTicker struct {
	Symbol   string
	BidPrice float64
	BidQty   float64
	AskPrice float64
	AskQty   float64
}

type DepthLevel struct {
	Price float64
	Qty   float64
}

type Depth struct {
	Symbol string
	Bids   []DepthLevel
	Asks   []DepthLevel
}

type OpenInterestPoint struct {
	Time         time.Time
	OpenInterest float64
	NotionalUSD  float64
}

type PremiumIndex struct {
	Symbol          string
	MarkPrice       float64
	LastFundingRate float64
	NextFundingTime time.Time
}

func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var raw struct {
		Symbols []struct {
			Symbol            string           `json:"symbol"`
			BaseAsset         string           `json:"baseAsset"`
			QuoteAsset        string           `json:"quoteAsset"`
			ContractType      string           `json:"contractType"`
			Status            string           `json:"status"`
			OnboardDate       int64            `json:"onboardDate"`
			PricePrecision    int              `json:"pricePrecision"`
			QuantityPrecision int              `json:"quantityPrecision"`
			Filters           []map[string]any `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, &raw); err != nil {
		return nil, err
	}
	infos := make([]SymbolInfo, 0, len(raw.Symbols))
	for _, s := range raw.Symbols {
		info := SymbolInfo{
			Symbol:            s.Symbol,
			BaseAsset:         s.BaseAsset,
			QuoteAsset:        s.QuoteAsset,
			ContractType:      s.ContractType,
			Status:            s.Status,
			OnboardDate:       time.UnixMilli(s.OnboardDate).UTC(),
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, filter := range s.Filters {
			switch stringField(filter, "filterType") {
			case "LOT_SIZE":
				info.MinQty = floatField(filter, "minQty")
				info.StepSize = floatField(filter, "stepSize")
			case "MIN_NOTIONAL":
				info.MinNotional = floatField(filter, "notional")
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	var raw [][]any
	if err := c.get(ctx, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}
	klines := make([]Kline, 0, len(raw))
	now := time.Now().UTC()
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		closeTime := time.UnixMilli(int64(floatFromAny(row[6]))).UTC()
		klines = append(klines, Kline{
			OpenTime: time.UnixMilli(int64(floatFromAny(row[0]))).UTC(),
			Open:     floatFromAny(row[1]),
			High:     floatFromAny(row[2]),
			Low:      floatFromAny(row[3]),
			Close:    floatFromAny(row[4]),
			Volume:   floatFromAny(row[5]),
			Closed:   closeTime.Before(now),
		})
	}
	if len(klines) == 0 {
		return nil, errors.New("empty kline response")
	}
	return klines, nil
}

func (c *Client) Ticker24hAll(ctx context.Context) ([]Ticker24h, error) {
	var raw []struct {
		Symbol         string `json:"symbol"`
		LastPrice      string `json:"lastPrice"`
		PriceChangePct string `json:"priceChangePercent"`
		QuoteVolume    string `json:"quoteVolume"`
	}
	if err := c.get(ctx, "/fapi/v1/ticker/24hr", nil, &raw); err != nil {
		return nil, err
	}
	tickers := make([]Ticker24h, 0, len(raw))
	for _, t := range raw {
		tickers = append(tickers, Ticker24h{
			Symbol:         t.Symbol,
			LastPrice:      parseFloat(t.LastPrice),
			PriceChangePct: parseFloat(t.PriceChangePct),
			QuoteVolume:    parseFloat(t.QuoteVolume),
		})
	}
	return tickers, nil
}

func (c *Client) BookTickerAll(ctx context.Context) ([]BookTicker, error) {
	var raw []struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	if err := c.get(ctx, "/fapi/v1/ticker/bookTicker", nil, &raw); err != nil {
		return nil, err
	}
	books := make([]BookTicker, 0, len(raw))
	for _, b := range raw {
		books = append(books, BookTicker{
			Symbol:   b.Symbol,
			BidPrice: parseFloat(b.BidPrice),
			BidQty:   parseFloat(b.BidQty),
			AskPrice: parseFloat(b.AskPrice),
			AskQty:   parseFloat(b.AskQty),
		})
	}
	return books, nil
}

func (c *Client) Depth(ctx context.Context, symbol string, limit int) (Depth, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var raw struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := c.get(ctx, "/fapi/v1/depth", params, &raw); err != nil {
		return Depth{}, err
	}
	depth := Depth{Symbol: symbol}
	for _, level := range raw.Bids {
		if len(level) >= 2 {
			depth.Bids = append(depth.Bids, DepthLevel{Price: parseFloat(level[0]), Qty: parseFloat(level[1])})
		}
	}
	for _, level := range raw.Asks {
		if len(level) >= 2 {
			depth.Asks = append(depth.Asks, DepthLevel{Price: parseFloat(level[0]), Qty: parseFloat(level[1])})
		}
	}
	return depth, nil
}

func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]OpenInterestPoint, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("period", period)
	params.Set("limit", strconv.Itoa(limit))
	var raw []struct {
		Timestamp            int64  `json:"timestamp"`
		SumOpenInterest      string `json:"sumOpenInterest"`
		SumOpenInterestValue string `json:"sumOpenInterestValue"`
	}
	if err := c.get(ctx, "/futures/data/openInterestHist", params, &raw); err != nil {
		return nil, err
	}
	points := make([]OpenInterestPoint, 0, len(raw))
	for _, p := range raw {
		points = append(points, OpenInterestPoint{
			Time:         time.UnixMilli(p.Timestamp).UTC(),
			OpenInterest: parseFloat(p.SumOpenInterest),
			NotionalUSD:  parseFloat(p.SumOpenInterestValue),
		})
	}
	return points, nil
}

func (c *Client) PremiumIndex(ctx context.Context, symbol string) (PremiumIndex, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var raw struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		LastFundingRate string `json:"lastFundingRate"`
		NextFundingTime int64  `json:"nextFundingTime"`
	}
	if err := c.get(ctx, "/fapi/v1/premiumIndex", params, &raw); err != nil {
		return PremiumIndex{}, err
	}
	return PremiumIndex{
		Symbol:          raw.Symbol,
		MarkPrice:       parseFloat(raw.MarkPrice),
		LastFundingRate: parseFloat(raw.LastFundingRate),
		NextFundingTime: time.UnixMilli(raw.NextFundingTime).UTC(),
	}, nil
}
