package domain

import (
	"context"
	"time"
)

// EntryRequest carries everything an adapter needs to open a position.
type EntryRequest struct {
	Coin          string
	Side          Side
	Quantity      float64
	PriceHint     float64 // last known price, used for marketable limit pricing
	StopLoss      float64 // 0 = no stop attached
	TakeProfit    float64 // 0 = no target attached
	Leverage      int
	Liquidity     Liquidity
	ClientOrderID string
}

// CloseRequest carries everything an adapter needs to close a position.
// Quantity 0 means "close the venue's entire live position".
type CloseRequest struct {
	Coin          string
	Side          Side // side of the held position, not of the closing order
	Quantity      float64
	FallbackPrice float64
	ClientOrderID string
}

// Exchange is the uniform capability surface over one venue's order API.
// Implementations convert every venue rejection and transport failure into
// the normalized Result types; a Go error never crosses this boundary for
// order placement.
type Exchange interface {
	Venue() string
	PlaceEntry(ctx context.Context, req EntryRequest) EntryResult
	ClosePosition(ctx context.Context, req CloseRequest) CloseResult
	UpdateTPSL(ctx context.Context, coin string, side Side, quantity, newSL, newTP float64) TPSLResult
	GetAccountSnapshot(ctx context.Context) (*AccountSnapshot, error)
	FetchIncome(ctx context.Context, start, end time.Time) (*AuditReport, error)
}

// MarketData provides current prices for the monitor and the executor.
type MarketData interface {
	GetCurrentPrice(ctx context.Context, coin string) (float64, error)
}

// Notifier is the operator-visible message sink. Implementations must never
// let delivery failures affect control flow.
type Notifier interface {
	Notify(message string, metadata map[string]string)
}

// DecisionSource produces the raw reasoning-engine text for one cycle.
// An empty string with a nil error means "skip this cycle".
type DecisionSource interface {
	FetchDecisions(ctx context.Context) (string, error)
}

// BotState is the opaque snapshot persisted at the end of every cycle.
type BotState struct {
	Balance     float64
	Iteration   int64
	Positions   map[string]*Position
	RiskControl RiskControlState
	UpdatedAt   time.Time
}

// StateRepository persists and restores the bot snapshot.
type StateRepository interface {
	Load(ctx context.Context) (*BotState, error)
	Save(ctx context.Context, state *BotState) error
}

// TradeJournal records confirmed trades and per-cycle decisions.
type TradeJournal interface {
	SaveClosedPosition(ctx context.Context, closed *ClosedPosition) error
	ListClosedPositions(ctx context.Context, limit int) ([]*ClosedPosition, error)
	SaveDecision(ctx context.Context, coin string, decision Decision, at time.Time) error
	SaveEquityPoint(ctx context.Context, equity float64, at time.Time) error
}
