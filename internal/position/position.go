package position

import (
	"time"

	"github.com/google/uuid"
)

type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusClosed      Status = "CLOSED"
	StatusStoppedOut  Status = "STOPPED_OUT"
	StatusFundingExit Status = "FUNDING_EXIT"
)

// Rung is one take-profit level. Fired is sticky: a rung never fires
// twice even if price revisits the trigger.
type Rung struct {
	TriggerPct    float64 `msgpack:"trigger_pct"`
	CloseFraction float64 `msgpack:"close_fraction"`
	Action        string  `msgpack:"action"`
	Fired         bool    `msgpack:"fired"`
}

// Position is the durable record of one open trade plus its exit
// state. Quantity shrinks as rungs and partial exits fill.
type Position struct {
	ID         string    `msgpack:"id"`
	Symbol     string    `msgpack:"symbol"`
	Side       Side      `msgpack:"side"`
	Status     Status    `msgpack:"status"`
	EntryPrice float64   `msgpack:"entry_price"`
	Quantity   float64   `msgpack:"quantity"`
	Margin     float64   `msgpack:"margin"`
	Leverage   int       `msgpack:"leverage"`
	Score      int       `msgpack:"score"`
	OpenedAt   time.Time `msgpack:"opened_at"`

	StopLoss         float64 `msgpack:"stop_loss"`
	LiquidationPrice float64 `msgpack:"liquidation_price"`

	HighWater float64 `msgpack:"high_water"`
	LowWater  float64 `msgpack:"low_water"`

	TrailingActive   bool    `msgpack:"trailing_active"`
	TrailingDistance float64 `msgpack:"trailing_distance"`

	Rungs []Rung `msgpack:"rungs"`

	FundingAdverseSince time.Time `msgpack:"funding_adverse_since"`
	FundingReduced      bool      `msgpack:"funding_reduced"`
	VelocityReduced     bool      `msgpack:"velocity_reduced"`
	PumpReduced         bool      `msgpack:"pump_reduced"`

	RealizedPnL float64   `msgpack:"realized_pnl"`
	ClosedAt    time.Time `msgpack:"closed_at"`
	ExitReason  string    `msgpack:"exit_reason"`
}

func NewID() string {
	return uuid.NewString()
}

// ProfitPct is the signed move from entry in the position's favor, as
// a percentage of entry price.
func (p *Position) ProfitPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == Short {
		move = -move
	}
	return move
}

// UnrealizedPnL at the given mark price for the remaining quantity.
func (p *Position) UnrealizedPnL(price float64) float64 {
	diff := price - p.EntryPrice
	if p.Side == Short {
		diff = -diff
	}
	return diff * p.Quantity
}

func (p *Position) Notional(price float64) float64 {
	return p.Quantity * price
}

// StopHit reports whether the mark price has crossed the stop level.
func (p *Position) StopHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == Long {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// UpdateWatermarks records new favorable extremes and returns true if
// one moved.
func (p *Position) UpdateWatermarks(price float64) bool {
	moved := false
	if p.HighWater == 0 || price > p.HighWater {
		p.HighWater = price
		moved = p.Side == Long
	}
	if p.LowWater == 0 || price < p.LowWater {
		p.LowWater = price
		if p.Side == Short {
			moved = true
		}
	}
	return moved
}

// Clone returns a copy safe to hand outside the tracker lock.
func (p *Position) Clone() *Position {
	cp := *p
	cp.Rungs = append([]Rung(nil), p.Rungs...)
	return &cp
}

func (p *Position) Open() bool {
	return p.Status == StatusOpen
}
