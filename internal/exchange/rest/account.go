package rest

import (
	"context"
	"errors"
	"net/url"
	"strconv"
)

type AccountSummary struct {
	Equity           float64
	AvailableBalance float64
	UnrealizedPnL    float64
}

type PositionRisk struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	MarkPrice        float64
	LiquidationPrice float64
	Leverage         int
	IsolatedMargin   float64
	UnrealizedPnL    float64
}

type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string // MARKET or STOP_MARKET
	Quantity      float64
	StopPrice     float64
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
	QtyPrecision  int
	PxPrecision   int
}

type OrderResponse struct {
	OrderID       int64
	ClientOrderID string
	Status        string
	AvgPrice      float64
	ExecutedQty   float64
}

func (c *Client) Account(ctx context.Context) (AccountSummary, error) {
	var raw struct {
		TotalMarginBalance string `json:"totalMarginBalance"`
		AvailableBalance   string `json:"availableBalance"`
		TotalUnrealized    string `json:"totalUnrealizedProfit"`
	}
	if err := c.signedGet(ctx, "/fapi/v2/account", nil, &raw); err != nil {
		return AccountSummary{}, err
	}
	summary := AccountSummary{
		Equity:           parseFloat(raw.TotalMarginBalance),
		AvailableBalance: parseFloat(raw.AvailableBalance),
		UnrealizedPnL:    parseFloat(raw.TotalUnrealized),
	}
	if summary.Equity <= 0 {
		return summary, errors.New("account equity unavailable")
	}
	return summary, nil
}

func (c *Client) PositionRisks(ctx context.Context) ([]PositionRisk, error) {
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		LiquidationPrice string `json:"liquidationPrice"`
		Leverage         string `json:"leverage"`
		IsolatedMargin   string `json:"isolatedMargin"`
		UnrealizedProfit string `json:"unRealizedProfit"`
	}
	if err := c.signedGet(ctx, "/fapi/v2/positionRisk", nil, &raw); err != nil {
		return nil, err
	}
	risks := make([]PositionRisk, 0, len(raw))
	for _, p := range raw {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		risks = append(risks, PositionRisk{
			Symbol:           p.Symbol,
			PositionAmt:      amt,
			EntryPrice:       parseFloat(p.EntryPrice),
			MarkPrice:        parseFloat(p.MarkPrice),
			LiquidationPrice: parseFloat(p.LiquidationPrice),
			Leverage:         int(parseFloat(p.Leverage)),
			IsolatedMargin:   parseFloat(p.IsolatedMargin),
			UnrealizedPnL:    parseFloat(p.UnrealizedProfit),
		})
	}
	return risks, nil
}

func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", req.Side)
	params.Set("type", req.Type)
	if req.Quantity > 0 {
		params.Set("quantity", formatQty(req.Quantity, req.QtyPrecision))
	}
	if req.StopPrice > 0 {
		params.Set("stopPrice", formatQty(req.StopPrice, req.PxPrecision))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	params.Set("newOrderRespType", "RESULT")
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
		AvgPrice      string `json:"avgPrice"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := c.signedPost(ctx, "/fapi/v1/order", params, &raw); err != nil {
		return OrderResponse{}, err
	}
	return OrderResponse{
		OrderID:       raw.OrderID,
		ClientOrderID: raw.ClientOrderID,
		Status:        raw.Status,
		AvgPrice:      parseFloat(raw.AvgPrice),
		ExecutedQty:   parseFloat(raw.ExecutedQty),
	}, nil
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return c.signedDelete(ctx, "/fapi/v1/allOpenOrders", params, nil)
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.signedPost(ctx, "/fapi/v1/leverage", params, nil)
}

// SetIsolatedMargin switches the symbol to isolated margin mode. The
// venue returns an error when the mode is already set, which callers
// treat as success.
func (c *Client) SetIsolatedMargin(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", "ISOLATED")
	err := c.signedPost(ctx, "/fapi/v1/marginType", params, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == -4046 {
		return nil
	}
	return err
}
