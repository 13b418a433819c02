package usecase

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
)

const dailyLossReason = "daily loss limit"

// RiskGate decides whether new entries are allowed and maintains the
// kill switch and daily loss tracking. All methods take and return the
// risk control state by value so callers own persistence.
type RiskGate struct {
	maxDailyLossPct float64
	notifier        domain.Notifier
	log             *zap.Logger
}

func NewRiskGate(maxDailyLossPct float64, notifier domain.Notifier, log *zap.Logger) *RiskGate {
	return &RiskGate{maxDailyLossPct: maxDailyLossPct, notifier: notifier, log: log}
}

// Evaluate rolls the daily baseline at UTC midnight, recomputes the loss
// percentage against current equity and trips the kill switch when the
// configured limit is breached. It returns the updated state and whether
// new entries are allowed.
func (g *RiskGate) Evaluate(state domain.RiskControlState, equity float64, now time.Time) (domain.RiskControlState, bool) {
	date := now.UTC().Format("2006-01-02")
	if state.DailyStartDate != date {
		state.DailyStartDate = date
		state.DailyStartEquity = equity
		state.DailyLossPct = 0
		if state.DailyLossTriggered {
			state.DailyLossTriggered = false
			if state.KillSwitchReason == dailyLossReason {
				state.KillSwitchActive = false
				state.KillSwitchReason = ""
				state.KillSwitchTriggeredAt = time.Time{}
			}
			g.log.Info("daily loss limit reset for new trading day", zap.String("date", date))
		}
	}

	if state.DailyStartEquity > 0 {
		state.DailyLossPct = (equity - state.DailyStartEquity) / state.DailyStartEquity * 100
		if g.maxDailyLossPct > 0 && state.DailyLossPct < -g.maxDailyLossPct && !state.DailyLossTriggered {
			state.DailyLossTriggered = true
			state.KillSwitchActive = true
			state.KillSwitchReason = dailyLossReason
			state.KillSwitchTriggeredAt = now.UTC()
			g.log.Warn("daily loss limit breached, entries halted",
				zap.Float64("daily_loss_pct", state.DailyLossPct),
				zap.Float64("limit_pct", g.maxDailyLossPct))
			g.notifier.Notify("Daily loss limit breached, new entries halted", map[string]string{
				"daily_loss_pct": fmt.Sprintf("%.2f", state.DailyLossPct),
				"limit_pct":      fmt.Sprintf("%.2f", g.maxDailyLossPct),
			})
		}
	}

	return state, state.State() == domain.RiskNormal
}

// Kill activates the kill switch manually. Closing positions stays allowed.
func (g *RiskGate) Kill(state domain.RiskControlState, reason string, now time.Time) domain.RiskControlState {
	if reason == "" {
		reason = "manual"
	}
	state.KillSwitchActive = true
	state.KillSwitchReason = reason
	state.KillSwitchTriggeredAt = now.UTC()
	g.log.Warn("kill switch activated", zap.String("reason", reason))
	g.notifier.Notify("Kill switch activated", map[string]string{"reason": reason})
	return state
}

// Resume clears the kill switch and the daily loss trigger so trading
// restarts immediately instead of waiting for the UTC day roll.
func (g *RiskGate) Resume(state domain.RiskControlState) domain.RiskControlState {
	state.KillSwitchActive = false
	state.KillSwitchReason = ""
	state.KillSwitchTriggeredAt = time.Time{}
	state.DailyLossTriggered = false
	g.log.Info("kill switch cleared, trading resumed")
	g.notifier.Notify("Kill switch cleared, trading resumed", nil)
	return state
}
