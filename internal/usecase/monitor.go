package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
)

const (
	closeReasonStopLoss   = "stop_loss"
	closeReasonTakeProfit = "take_profit"
	closeReasonDecision   = "decision"
	closeReasonManual     = "manual"
)

// Monitor sweeps open positions against current prices and closes any
// whose stop loss or take profit is breached. It is the software backstop
// for venue-side triggers and runs at the top of every cycle.
type Monitor struct {
	store    *PositionStore
	market   domain.MarketData
	executor *TradeExecutor
	log      *zap.Logger
}

func NewMonitor(store *PositionStore, market domain.MarketData, executor *TradeExecutor, log *zap.Logger) *Monitor {
	return &Monitor{store: store, market: market, executor: executor, log: log}
}

// Sweep checks every open position once. A failed price fetch skips only
// that coin; the position is rechecked next cycle.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, pos := range m.store.List() {
		price, err := m.market.GetCurrentPrice(ctx, pos.Coin)
		if err != nil {
			m.log.Warn("price unavailable, skipping trigger check",
				zap.String("coin", pos.Coin), zap.Error(err))
			continue
		}
		switch {
		case pos.StopHit(price):
			m.log.Info("stop loss triggered",
				zap.String("coin", pos.Coin),
				zap.Float64("price", price),
				zap.Float64("stop_loss", pos.StopLoss))
			if err := m.executor.ExecuteClose(ctx, pos.Coin, price, closeReasonStopLoss); err != nil {
				m.log.Error("stop loss close failed", zap.String("coin", pos.Coin), zap.Error(err))
			}
		case pos.TargetHit(price):
			m.log.Info("take profit triggered",
				zap.String("coin", pos.Coin),
				zap.Float64("price", price),
				zap.Float64("take_profit", pos.TakeProfit))
			if err := m.executor.ExecuteClose(ctx, pos.Coin, price, closeReasonTakeProfit); err != nil {
				m.log.Error("take profit close failed", zap.String("coin", pos.Coin), zap.Error(err))
			}
		}
	}
}
