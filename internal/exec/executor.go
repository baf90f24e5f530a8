package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"moonshot-bot/internal/exchange/rest"
	"moonshot-bot/internal/position"
	"moonshot-bot/internal/state"

	"go.uber.org/zap"
)

// ErrRejected wraps a definitive venue rejection. Callers must not
// retry: the same request will be refused again.
var ErrRejected = errors.New("order rejected")

// ExchangeClient is the slice of the REST surface the executor needs.
type ExchangeClient interface {
	PlaceOrder(ctx context.Context, req rest.OrderRequest) (rest.OrderResponse, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetIsolatedMargin(ctx context.Context, symbol string) error
}

// Fill is the outcome of a filled market order.
type Fill struct {
	OrderID  int64
	AvgPrice float64
	Quantity float64
}

// Executor places orders with bounded retry on transient failures and
// deduplicates by client order id through the store, so a crash between
// placement and persistence cannot double-send on restart.
type Executor struct {
	rest  ExchangeClient
	store state.Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(restClient ExchangeClient, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		rest:  restClient,
		store: store,
		log:   log,
		cache: make(map[string]string),
	}
}

// OpenMarket sets up leverage and isolated margin for the symbol, then
// fills a market entry.
func (e *Executor) OpenMarket(ctx context.Context, symbol string, side position.Side, quantity float64, leverage int, qtyPrecision, pxPrecision int, clientOrderID string) (Fill, error) {
	if err := e.retry(ctx, func() error {
		return e.rest.SetIsolatedMargin(ctx, symbol)
	}); err != nil {
		return Fill{}, fmt.Errorf("set isolated margin: %w", err)
	}
	if err := e.retry(ctx, func() error {
		return e.rest.SetLeverage(ctx, symbol, leverage)
	}); err != nil {
		return Fill{}, fmt.Errorf("set leverage: %w", err)
	}
	return e.fillMarket(ctx, rest.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide(side, false),
		Type:          "MARKET",
		Quantity:      quantity,
		ClientOrderID: clientOrderID,
		QtyPrecision:  qtyPrecision,
		PxPrecision:   pxPrecision,
	})
}

// CloseMarket fills a reduce-only market order against the position.
func (e *Executor) CloseMarket(ctx context.Context, symbol string, side position.Side, quantity float64, qtyPrecision, pxPrecision int, clientOrderID string) (Fill, error) {
	return e.fillMarket(ctx, rest.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide(side, true),
		Type:          "MARKET",
		Quantity:      quantity,
		ReduceOnly:    true,
		ClientOrderID: clientOrderID,
		QtyPrecision:  qtyPrecision,
		PxPrecision:   pxPrecision,
	})
}

// ReplaceStop cancels resting orders for the symbol and arms a new
// close-position stop at the given level.
func (e *Executor) ReplaceStop(ctx context.Context, symbol string, side position.Side, stopPrice float64, pxPrecision int) error {
	if err := e.retry(ctx, func() error {
		return e.rest.CancelAllOrders(ctx, symbol)
	}); err != nil {
		return fmt.Errorf("cancel orders: %w", err)
	}
	_, err := e.place(ctx, rest.OrderRequest{
		Symbol:        symbol,
		Side:          orderSide(side, true),
		Type:          "STOP_MARKET",
		StopPrice:     stopPrice,
		ClosePosition: true,
		PxPrecision:   pxPrecision,
	})
	return err
}

func (e *Executor) fillMarket(ctx context.Context, req rest.OrderRequest) (Fill, error) {
	resp, err := e.place(ctx, req)
	if err != nil {
		return Fill{}, err
	}
	if resp.ExecutedQty <= 0 || resp.AvgPrice <= 0 {
		return Fill{}, fmt.Errorf("order %d not filled: status %s", resp.OrderID, resp.Status)
	}
	return Fill{OrderID: resp.OrderID, AvgPrice: resp.AvgPrice, Quantity: resp.ExecutedQty}, nil
}

// place sends one order. With a client order id set, a previously
// recorded send short-circuits to the cached response id.
func (e *Executor) place(ctx context.Context, req rest.OrderRequest) (rest.OrderResponse, error) {
	if req.ClientOrderID == "" {
		return e.placeWithRetry(ctx, req)
	}
	cacheKey := "cloid:" + req.ClientOrderID
	if resp, ok, err := e.cachedResponse(ctx, cacheKey); err != nil {
		return rest.OrderResponse{}, err
	} else if ok {
		return resp, nil
	}
	resp, err := e.placeWithRetry(ctx, req)
	if err != nil {
		return rest.OrderResponse{}, err
	}
	e.rememberResponse(ctx, cacheKey, resp)
	return resp, nil
}

func (e *Executor) cachedResponse(ctx context.Context, cacheKey string) (rest.OrderResponse, bool, error) {
	e.mu.Lock()
	raw, ok := e.cache[cacheKey]
	e.mu.Unlock()
	if !ok && e.store != nil {
		var err error
		raw, ok, err = e.store.Get(ctx, cacheKey)
		if err != nil {
			return rest.OrderResponse{}, false, err
		}
	}
	if !ok {
		return rest.OrderResponse{}, false, nil
	}
	resp, err := decodeResponse(raw)
	if err != nil {
		return rest.OrderResponse{}, false, err
	}
	return resp, true, nil
}

func (e *Executor) rememberResponse(ctx context.Context, cacheKey string, resp rest.OrderResponse) {
	raw := encodeResponse(resp)
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, raw); err != nil {
			e.log.Warn("failed to persist order response", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = raw
	e.mu.Unlock()
}

func (e *Executor) placeWithRetry(ctx context.Context, req rest.OrderRequest) (rest.OrderResponse, error) {
	var resp rest.OrderResponse
	err := e.retry(ctx, func() error {
		var err error
		resp, err = e.rest.PlaceOrder(ctx, req)
		return err
	})
	if err != nil {
		return rest.OrderResponse{}, err
	}
	return resp, nil
}

// retry runs fn up to 5 times with doubling backoff starting at 200ms.
// Definitive rejections abort immediately.
func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if rest.IsRejection(err) {
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		if attempt == 4 {
			return fmt.Errorf("retry failed: %w", err)
		}
		e.log.Warn("transient exchange error, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil
}

func orderSide(side position.Side, closing bool) string {
	long := side == position.Long
	if closing {
		long = !long
	}
	if long {
		return "BUY"
	}
	return "SELL"
}

func encodeResponse(resp rest.OrderResponse) string {
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func decodeResponse(raw string) (rest.OrderResponse, error) {
	var resp rest.OrderResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return rest.OrderResponse{}, fmt.Errorf("decode cached order response: %w", err)
	}
	return resp, nil
}
