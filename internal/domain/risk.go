package domain

import "time"

// RiskState is the gate state derived from RiskControlState.
type RiskState string

const (
	RiskNormal        RiskState = "NORMAL"
	RiskKilled        RiskState = "KILLED"
	RiskDailyLimitHit RiskState = "DAILY_LIMIT_HIT"
)

// RiskControlState holds kill-switch status and the UTC daily loss
// baseline. It is created once at startup (or restored from the last
// snapshot), mutated at most once per cycle, and persisted alongside
// the position store.
type RiskControlState struct {
	KillSwitchActive      bool      `json:"kill_switch_active"`
	KillSwitchReason      string    `json:"kill_switch_reason,omitempty"`
	KillSwitchTriggeredAt time.Time `json:"kill_switch_triggered_at,omitzero"`

	DailyStartEquity   float64 `json:"daily_start_equity"`
	DailyStartDate     string  `json:"daily_start_date"` // YYYY-MM-DD, UTC
	DailyLossPct       float64 `json:"daily_loss_pct"`   // signed, negative = loss
	DailyLossTriggered bool    `json:"daily_loss_triggered"`
}

// State reports the gate state implied by the stored flags.
func (s *RiskControlState) State() RiskState {
	switch {
	case s.DailyLossTriggered:
		return RiskDailyLimitHit
	case s.KillSwitchActive:
		return RiskKilled
	default:
		return RiskNormal
	}
}
