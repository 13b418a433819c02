package domain

import "time"

type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the side of an order that closes a position held on s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

type Liquidity string

const (
	LiquidityMaker Liquidity = "maker"
	LiquidityTaker Liquidity = "taker"
)

// Position is one open exposure in one coin on one venue.
// At most one open Position exists per coin, and an existing
// Position always has Quantity > 0; the side carries the sign.
type Position struct {
	Coin       string
	Venue      string
	Side       Side
	Quantity   float64
	EntryPrice float64

	// StopLoss / TakeProfit are trigger prices; 0 means not set.
	StopLoss   float64
	TakeProfit float64

	Leverage  int
	Margin    float64 // USD posted to carry the position
	FeesPaid  float64
	RiskUSD   float64 // |entry - stop| * quantity at entry time
	Liquidity Liquidity

	Justification string
	EntryOrderID  string
	SLOrderID     string
	TPOrderID     string
	OpenedAt      time.Time
}

// Notional returns the position value at entry.
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// GrossPnL returns side-aware profit before fees at the given exit price.
func (p *Position) GrossPnL(exitPrice float64) float64 {
	if p.Side == SideLong {
		return (exitPrice - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - exitPrice) * p.Quantity
}

// StopHit reports whether the stored stop loss is breached at price.
func (p *Position) StopHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// TargetHit reports whether the stored take profit is reached at price.
func (p *Position) TargetHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Side == SideLong {
		return price >= p.TakeProfit
	}
	return price <= p.TakeProfit
}

// ClosedPosition is the journal record written after a confirmed full close.
type ClosedPosition struct {
	ID           string
	Coin         string
	Venue        string
	Side         Side
	Quantity     float64
	EntryPrice   float64
	ExitPrice    float64
	NetPnL       float64
	FeesPaid     float64
	Leverage     int
	Reason       string
	CloseOrderID string
	ClosedAt     time.Time
}
