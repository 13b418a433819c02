package domain

type Signal string

const (
	SignalHold  Signal = "hold"
	SignalEntry Signal = "entry"
	SignalClose Signal = "close"
)

// Decision is one per-coin instruction extracted from a reasoning-engine
// response. Decisions live for a single cycle and are never persisted
// beyond the decision log.
type Decision struct {
	Signal        Signal  `json:"signal"`
	Side          Side    `json:"side,omitempty"`
	Quantity      float64 `json:"quantity,omitempty"`
	Leverage      int     `json:"leverage,omitempty"`
	StopLoss      float64 `json:"stop_loss,omitempty"`
	ProfitTarget  float64 `json:"profit_target,omitempty"`
	Confidence    float64 `json:"confidence"`
	Justification string  `json:"justification,omitempty"`
}

// HoldDecision is the default applied to coins whose decision could not be
// recovered from a malformed response.
func HoldDecision(reason string) Decision {
	return Decision{
		Signal:        SignalHold,
		Confidence:    0,
		Justification: reason,
	}
}
