package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"moonshot-bot/internal/exchange/rest"
	"moonshot-bot/internal/exchange/ws"

	"go.uber.org/zap"
)

// Feed caches market data for the scan loop and tracks live mark prices
// for open positions. REST responses are cached per cycle so that the
// candidate evaluators never hit the venue twice for the same data.
type Feed struct {
	rest *rest.Client
	ws   *ws.Client
	log  *zap.Logger

	mu          sync.RWMutex
	tickers     map[string]Ticker
	marks       map[string]MarkPrice
	symbols     map[string]rest.SymbolInfo
	candles     map[string]candleEntry
	oiHistory   map[string][]OISample
	candleTTL   time.Duration
	lastRefresh time.Time
}

type candleEntry struct {
	candles   []Candle
	fetchedAt time.Time
}

func NewFeed(restClient *rest.Client, wsClient *ws.Client, log *zap.Logger) *Feed {
	return &Feed{
		rest:      restClient,
		ws:        wsClient,
		log:       log,
		tickers:   make(map[string]Ticker),
		marks:     make(map[string]MarkPrice),
		symbols:   make(map[string]rest.SymbolInfo),
		candles:   make(map[string]candleEntry),
		oiHistory: make(map[string][]OISample),
		candleTTL: 5 * time.Second,
	}
}

// Start runs the websocket session until ctx is cancelled.
func (f *Feed) Start(ctx context.Context) error {
	if f.ws == nil {
		return nil
	}
	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	go func() {
		if err := f.ws.Run(ctx, f.handleMessage); err != nil && ctx.Err() == nil {
			f.log.Error("ws session ended", zap.Error(err))
		}
	}()
	return nil
}

// RefreshSymbols pulls contract metadata. Called at startup and then
// periodically to pick up new listings.
func (f *Feed) RefreshSymbols(ctx context.Context) error {
	infos, err := f.rest.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	f.mu.Lock()
	for _, info := range infos {
		f.symbols[info.Symbol] = info
	}
	f.mu.Unlock()
	return nil
}

// RefreshUniverse pulls 24h tickers and book tickers and merges them
// into per-symbol metadata used by pair filtering.
func (f *Feed) RefreshUniverse(ctx context.Context) error {
	tickers, err := f.rest.Ticker24hAll(ctx)
	if err != nil {
		return fmt.Errorf("24h tickers: %w", err)
	}
	books, err := f.rest.BookTickerAll(ctx)
	if err != nil {
		return fmt.Errorf("book tickers: %w", err)
	}
	spread := make(map[string]float64, len(books))
	for _, b := range books {
		mid := (b.BidPrice + b.AskPrice) / 2
		if mid > 0 && b.AskPrice >= b.BidPrice {
			spread[b.Symbol] = (b.AskPrice - b.BidPrice) / mid * 100
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tickers {
		info := f.symbols[t.Symbol]
		f.tickers[t.Symbol] = Ticker{
			Symbol:         t.Symbol,
			LastPrice:      t.LastPrice,
			PriceChangePct: t.PriceChangePct,
			QuoteVolume:    t.QuoteVolume,
			SpreadPct:      spread[t.Symbol],
			ListedAt:       info.OnboardDate,
			ContractType:   info.ContractType,
			QuoteAsset:     info.QuoteAsset,
			Status:         info.Status,
		}
	}
	f.lastRefresh = time.Now().UTC()
	return nil
}

func (f *Feed) Universe() []Ticker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Ticker, 0, len(f.tickers))
	for _, t := range f.tickers {
		out = append(out, t)
	}
	return out
}

func (f *Feed) Ticker(symbol string) (Ticker, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tickers[symbol]
	return t, ok
}

func (f *Feed) SymbolInfo(symbol string) (rest.SymbolInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	info, ok := f.symbols[symbol]
	return info, ok
}

// Precision returns the quantity and price precision for a symbol.
// Unknown symbols fall back to conservative defaults.
func (f *Feed) Precision(symbol string) (qty, px int) {
	info, ok := f.SymbolInfo(symbol)
	if !ok {
		return 3, 2
	}
	return info.QuantityPrecision, info.PricePrecision
}

// Candles returns recent candles for the symbol, cached briefly so
// concurrent evaluators within one cycle share a single fetch.
func (f *Feed) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	key := symbol + ":" + interval
	f.mu.RLock()
	entry, ok := f.candles[key]
	f.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < f.candleTTL && len(entry.candles) >= limit {
		return entry.candles[len(entry.candles)-limit:], nil
	}
	klines, err := f.rest.Klines(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, Candle{
			Symbol:   symbol,
			Interval: interval,
			OpenTime: k.OpenTime,
			Open:     k.Open,
			High:     k.High,
			Low:      k.Low,
			Close:    k.Close,
			Volume:   k.Volume,
		})
	}
	f.mu.Lock()
	f.candles[key] = candleEntry{candles: candles, fetchedAt: time.Now()}
	f.mu.Unlock()
	return candles, nil
}

// Snapshot assembles the per-symbol view a candidate evaluation reads.
func (f *Feed) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	candles1m, err := f.Candles(ctx, symbol, "1m", 30)
	if err != nil {
		return Snapshot{}, fmt.Errorf("1m candles %s: %w", symbol, err)
	}
	candles5m, err := f.Candles(ctx, symbol, "5m", 30)
	if err != nil {
		return Snapshot{}, fmt.Errorf("5m candles %s: %w", symbol, err)
	}
	depth, err := f.rest.Depth(ctx, symbol, 20)
	if err != nil {
		return Snapshot{}, fmt.Errorf("depth %s: %w", symbol, err)
	}
	oi, err := f.refreshOpenInterest(ctx, symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open interest %s: %w", symbol, err)
	}
	premium, err := f.rest.PremiumIndex(ctx, symbol)
	if err != nil {
		return Snapshot{}, fmt.Errorf("premium index %s: %w", symbol, err)
	}
	ticker, _ := f.Ticker(symbol)
	book := OrderBook{Symbol: symbol}
	for _, l := range depth.Bids {
		book.Bids = append(book.Bids, Level{Price: l.Price, Qty: l.Qty})
	}
	for _, l := range depth.Asks {
		book.Asks = append(book.Asks, Level{Price: l.Price, Qty: l.Qty})
	}
	return Snapshot{
		Symbol:    symbol,
		Candles1m: candles1m,
		Candles5m: candles5m,
		Book:      book,
		OIHistory: oi,
		Funding:   premium.LastFundingRate,
		Ticker:    ticker,
		TakenAt:   time.Now().UTC(),
	}, nil
}

func (f *Feed) refreshOpenInterest(ctx context.Context, symbol string) ([]OISample, error) {
	points, err := f.rest.OpenInterestHist(ctx, symbol, "5m", 6)
	if err != nil {
		return nil, err
	}
	samples := make([]OISample, 0, len(points))
	for _, p := range points {
		samples = append(samples, OISample{Time: p.Time, OpenInterest: p.OpenInterest})
	}
	f.mu.Lock()
	f.oiHistory[symbol] = samples
	f.mu.Unlock()
	return samples, nil
}

// WatchMark subscribes the symbol's mark price stream for exit
// monitoring.
func (f *Feed) WatchMark(ctx context.Context, symbol string) error {
	if f.ws == nil {
		return nil
	}
	return f.ws.Subscribe(ctx, strings.ToLower(symbol)+"@markPrice@1s")
}

func (f *Feed) UnwatchMark(ctx context.Context, symbol string) error {
	if f.ws == nil {
		return nil
	}
	f.mu.Lock()
	delete(f.marks, symbol)
	f.mu.Unlock()
	return f.ws.Unsubscribe(ctx, strings.ToLower(symbol)+"@markPrice@1s")
}

// Mark returns the most recent mark price seen on the stream. When the
// stream has not delivered for the symbol yet the feed falls back to
// the REST premium index.
func (f *Feed) Mark(ctx context.Context, symbol string) (MarkPrice, error) {
	f.mu.RLock()
	mark, ok := f.marks[symbol]
	f.mu.RUnlock()
	if ok && time.Since(mark.ObservedAt) < 10*time.Second {
		return mark, nil
	}
	premium, err := f.rest.PremiumIndex(ctx, symbol)
	if err != nil {
		if ok {
			return mark, nil
		}
		return MarkPrice{}, err
	}
	mark = MarkPrice{
		Symbol:     symbol,
		Price:      premium.MarkPrice,
		Funding:    premium.LastFundingRate,
		ObservedAt: time.Now().UTC(),
	}
	f.mu.Lock()
	f.marks[symbol] = mark
	f.mu.Unlock()
	return mark, nil
}

type markPriceEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	Funding   string `json:"r"`
	EventTime int64  `json:"E"`
}

func (f *Feed) handleMessage(raw json.RawMessage) {
	var event markPriceEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return
	}
	if event.EventType != "markPriceUpdate" || event.Symbol == "" {
		return
	}
	price, err := strconv.ParseFloat(event.MarkPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	funding, _ := strconv.ParseFloat(event.Funding, 64)
	f.mu.Lock()
	f.marks[event.Symbol] = MarkPrice{
		Symbol:     event.Symbol,
		Price:      price,
		Funding:    funding,
		ObservedAt: time.UnixMilli(event.EventTime).UTC(),
	}
	f.mu.Unlock()
}

// LastRefresh reports when the universe was last pulled, used to detect
// stale data before a scan cycle.
func (f *Feed) LastRefresh() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastRefresh
}
