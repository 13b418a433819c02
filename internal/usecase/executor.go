package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/metrics"
)

// TradeExecutor is the single writer of the position store and the paper
// balance. It turns parsed decisions into adapter calls and mutates state
// only after an adapter reports confirmed success.
type TradeExecutor struct {
	store        *PositionStore
	exchanges    map[string]domain.Exchange
	defaultVenue string
	journal      domain.TradeJournal
	notifier     domain.Notifier
	takerFeeRate float64
	makerFeeRate float64
	log          *zap.Logger
	now          func() time.Time
}

func NewTradeExecutor(
	store *PositionStore,
	exchanges map[string]domain.Exchange,
	defaultVenue string,
	journal domain.TradeJournal,
	notifier domain.Notifier,
	takerFeeRate, makerFeeRate float64,
	log *zap.Logger,
) *TradeExecutor {
	return &TradeExecutor{
		store:        store,
		exchanges:    exchanges,
		defaultVenue: defaultVenue,
		journal:      journal,
		notifier:     notifier,
		takerFeeRate: takerFeeRate,
		makerFeeRate: makerFeeRate,
		log:          log,
		now:          time.Now,
	}
}

func (e *TradeExecutor) exchangeFor(venue string) (domain.Exchange, error) {
	if venue == "" {
		venue = e.defaultVenue
	}
	ex, ok := e.exchanges[venue]
	if !ok {
		return nil, fmt.Errorf("no exchange adapter configured for venue %q", venue)
	}
	return ex, nil
}

func (e *TradeExecutor) feeRate(liquidity domain.Liquidity) float64 {
	if liquidity == domain.LiquidityMaker {
		return e.makerFeeRate
	}
	return e.takerFeeRate
}

// ExecuteEntry opens a position for coin per the decision. Nothing is
// mutated unless the adapter confirms the fill; every rejection path
// returns an error and leaves the store untouched.
func (e *TradeExecutor) ExecuteEntry(ctx context.Context, coin string, d domain.Decision, price float64) error {
	if _, exists := e.store.Get(coin); exists {
		metrics.RejectedEntries.WithLabelValues("duplicate").Inc()
		return fmt.Errorf("entry rejected for %s: position already open", coin)
	}
	if d.Quantity <= 0 {
		metrics.RejectedEntries.WithLabelValues("invalid").Inc()
		return fmt.Errorf("entry rejected for %s: non-positive quantity %v", coin, d.Quantity)
	}
	if d.Side != domain.SideLong && d.Side != domain.SideShort {
		metrics.RejectedEntries.WithLabelValues("invalid").Inc()
		return fmt.Errorf("entry rejected for %s: unknown side %q", coin, d.Side)
	}
	if price <= 0 {
		metrics.RejectedEntries.WithLabelValues("invalid").Inc()
		return fmt.Errorf("entry rejected for %s: no current price", coin)
	}

	leverage := d.Leverage
	if leverage < 1 {
		leverage = 1
	}
	liquidity := domain.LiquidityTaker
	notional := price * d.Quantity
	margin := notional / float64(leverage)
	entryFee := notional * e.feeRate(liquidity)
	riskUSD := 0.0
	if d.StopLoss > 0 {
		riskUSD = math.Abs(price-d.StopLoss) * d.Quantity
	}

	if balance := e.store.Balance(); margin+entryFee > balance {
		metrics.RejectedEntries.WithLabelValues("insufficient_balance").Inc()
		e.notifier.Notify("Entry rejected: insufficient balance", map[string]string{
			"coin":     coin,
			"required": fmt.Sprintf("%.2f", margin+entryFee),
			"balance":  fmt.Sprintf("%.2f", balance),
		})
		return fmt.Errorf("entry rejected for %s: required %.2f exceeds balance %.2f", coin, margin+entryFee, balance)
	}

	venue := e.defaultVenue
	ex, err := e.exchangeFor(venue)
	if err != nil {
		return err
	}

	result := ex.PlaceEntry(ctx, domain.EntryRequest{
		Coin:       coin,
		Side:       d.Side,
		Quantity:   d.Quantity,
		PriceHint:  price,
		StopLoss:   d.StopLoss,
		TakeProfit: d.ProfitTarget,
		Leverage:   leverage,
		Liquidity:  liquidity,
	})
	if !result.Success {
		metrics.RejectedEntries.WithLabelValues("venue").Inc()
		e.log.Warn("entry rejected by venue",
			zap.String("coin", coin),
			zap.String("venue", result.Venue),
			zap.Strings("errors", result.Errors))
		e.notifier.Notify("Entry rejected by venue", map[string]string{
			"coin":   coin,
			"venue":  result.Venue,
			"errors": strings.Join(result.Errors, "; "),
		})
		return fmt.Errorf("entry rejected for %s on %s: %s", coin, result.Venue, strings.Join(result.Errors, "; "))
	}

	pos := &domain.Position{
		Coin:          coin,
		Venue:         result.Venue,
		Side:          d.Side,
		Quantity:      d.Quantity,
		EntryPrice:    price,
		StopLoss:      d.StopLoss,
		TakeProfit:    d.ProfitTarget,
		Leverage:      leverage,
		Margin:        margin,
		FeesPaid:      entryFee,
		RiskUSD:       riskUSD,
		Liquidity:     liquidity,
		Justification: d.Justification,
		EntryOrderID:  result.EntryOrderID,
		SLOrderID:     result.SLOrderID,
		TPOrderID:     result.TPOrderID,
		OpenedAt:      e.now().UTC(),
	}
	e.store.set(pos)
	e.store.addBalance(-(margin + entryFee))
	metrics.Entries.WithLabelValues(result.Venue, string(d.Side)).Inc()
	metrics.OpenPositions.Set(float64(e.store.Len()))

	e.log.Info("position opened",
		zap.String("coin", coin),
		zap.String("venue", result.Venue),
		zap.String("side", string(d.Side)),
		zap.Float64("quantity", d.Quantity),
		zap.Float64("entry_price", price),
		zap.Float64("margin", margin),
		zap.Float64("risk_usd", riskUSD))
	meta := map[string]string{
		"coin":     coin,
		"venue":    result.Venue,
		"side":     string(d.Side),
		"quantity": fmt.Sprintf("%v", d.Quantity),
		"price":    fmt.Sprintf("%v", price),
		"leverage": fmt.Sprintf("%d", leverage),
	}
	e.notifier.Notify("Position opened", meta)

	// Entry filled but trigger placement partially failed; the position is
	// live either way, so we report and keep it.
	if len(result.Errors) > 0 {
		e.log.Warn("entry filled with attachment errors",
			zap.String("coin", coin),
			zap.Strings("errors", result.Errors))
		e.notifier.Notify("Stop/target attachment incomplete", map[string]string{
			"coin":   coin,
			"errors": strings.Join(result.Errors, "; "),
		})
	}
	return nil
}

// ExecuteClose flattens the open position for coin at the given mark price.
// A missing position is a no-op. The position record and balance are only
// touched after the adapter confirms the close.
func (e *TradeExecutor) ExecuteClose(ctx context.Context, coin string, price float64, reason string) error {
	pos, ok := e.store.Get(coin)
	if !ok {
		e.log.Debug("close requested with no open position", zap.String("coin", coin))
		return nil
	}
	if price <= 0 {
		return fmt.Errorf("close rejected for %s: no current price", coin)
	}

	ex, err := e.exchangeFor(pos.Venue)
	if err != nil {
		return err
	}
	result := ex.ClosePosition(ctx, domain.CloseRequest{
		Coin:          coin,
		Side:          pos.Side,
		Quantity:      pos.Quantity,
		FallbackPrice: price,
	})
	if !result.Success {
		e.log.Error("close rejected by venue",
			zap.String("coin", coin),
			zap.String("venue", result.Venue),
			zap.Strings("errors", result.Errors))
		e.notifier.Notify("Close rejected by venue", map[string]string{
			"coin":   coin,
			"venue":  result.Venue,
			"errors": strings.Join(result.Errors, "; "),
		})
		return fmt.Errorf("close rejected for %s on %s: %s", coin, result.Venue, strings.Join(result.Errors, "; "))
	}

	grossPnL := pos.GrossPnL(price)
	exitFee := price * pos.Quantity * e.takerFeeRate
	netPnL := grossPnL - exitFee

	e.store.remove(coin)
	e.store.addBalance(pos.Margin + netPnL)
	metrics.Closes.WithLabelValues(result.Venue, reason).Inc()
	metrics.OpenPositions.Set(float64(e.store.Len()))

	closed := &domain.ClosedPosition{
		Coin:         coin,
		Venue:        pos.Venue,
		Side:         pos.Side,
		Quantity:     pos.Quantity,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    price,
		NetPnL:       netPnL,
		FeesPaid:     pos.FeesPaid + exitFee,
		Leverage:     pos.Leverage,
		Reason:       reason,
		CloseOrderID: result.CloseOrderID,
		ClosedAt:     e.now().UTC(),
	}
	if err := e.journal.SaveClosedPosition(ctx, closed); err != nil {
		e.log.Error("failed to journal closed position", zap.String("coin", coin), zap.Error(err))
	}

	e.log.Info("position closed",
		zap.String("coin", coin),
		zap.String("venue", pos.Venue),
		zap.String("reason", reason),
		zap.Float64("exit_price", price),
		zap.Float64("net_pnl", netPnL))
	e.notifier.Notify("Position closed", map[string]string{
		"coin":    coin,
		"venue":   pos.Venue,
		"reason":  reason,
		"price":   fmt.Sprintf("%v", price),
		"net_pnl": fmt.Sprintf("%.2f", netPnL),
	})
	return nil
}

// ProcessHold refreshes the stored justification for an open position.
// Hold on a coin without a position changes nothing.
func (e *TradeExecutor) ProcessHold(coin string, d domain.Decision) {
	if d.Justification == "" {
		return
	}
	e.store.setJustification(coin, d.Justification)
}

// UpdateTPSL replaces the stop loss and/or take profit triggers on an open
// position. Thresholds in the store change only after the venue accepts
// the new triggers.
func (e *TradeExecutor) UpdateTPSL(ctx context.Context, coin string, newSL, newTP float64) error {
	pos, ok := e.store.Get(coin)
	if !ok {
		return fmt.Errorf("no open position for %s", coin)
	}
	ex, err := e.exchangeFor(pos.Venue)
	if err != nil {
		return err
	}
	result := ex.UpdateTPSL(ctx, coin, pos.Side, pos.Quantity, newSL, newTP)
	if !result.Success {
		return fmt.Errorf("trigger update rejected for %s on %s: %s", coin, result.Venue, strings.Join(result.Errors, "; "))
	}
	e.store.setThresholds(coin, newSL, newTP, result.SLOrderID, result.TPOrderID)
	e.log.Info("triggers updated",
		zap.String("coin", coin),
		zap.Float64("stop_loss", newSL),
		zap.Float64("take_profit", newTP))
	return nil
}
