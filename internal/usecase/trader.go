package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/metrics"
)

// Trader runs the decision loop: sweep triggers, evaluate the risk gate,
// fetch and parse a reasoning response, route decisions to the executor,
// then persist the snapshot. All state mutation happens on this goroutine.
type Trader struct {
	coins            []string
	maxOpenPositions int
	checkInterval    time.Duration

	store    *PositionStore
	gate     *RiskGate
	monitor  *Monitor
	executor *TradeExecutor
	parser   *Parser
	source   domain.DecisionSource
	market   domain.MarketData
	repo     domain.StateRepository
	journal  domain.TradeJournal
	notifier domain.Notifier

	risk domain.RiskControlState
	log  *zap.Logger
	now  func() time.Time
}

// TraderDeps bundles the collaborators wired in by main.
type TraderDeps struct {
	Coins            []string
	MaxOpenPositions int
	CheckInterval    time.Duration
	Store            *PositionStore
	Gate             *RiskGate
	Monitor          *Monitor
	Executor         *TradeExecutor
	Parser           *Parser
	Source           domain.DecisionSource
	Market           domain.MarketData
	Repo             domain.StateRepository
	Journal          domain.TradeJournal
	Notifier         domain.Notifier
	Log              *zap.Logger
}

func NewTrader(deps TraderDeps) *Trader {
	return &Trader{
		coins:            deps.Coins,
		maxOpenPositions: deps.MaxOpenPositions,
		checkInterval:    deps.CheckInterval,
		store:            deps.Store,
		gate:             deps.Gate,
		monitor:          deps.Monitor,
		executor:         deps.Executor,
		parser:           deps.Parser,
		source:           deps.Source,
		market:           deps.Market,
		repo:             deps.Repo,
		journal:          deps.Journal,
		notifier:         deps.Notifier,
		log:              deps.Log,
		now:              time.Now,
	}
}

// LoadState restores the last persisted snapshot, if one exists.
func (t *Trader) LoadState(ctx context.Context) error {
	state, err := t.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if state == nil {
		t.log.Info("no persisted state, starting fresh",
			zap.Float64("balance", t.store.Balance()))
		return nil
	}
	t.store.Restore(state)
	t.risk = state.RiskControl
	t.log.Info("state restored",
		zap.Float64("balance", state.Balance),
		zap.Int64("iteration", state.Iteration),
		zap.Int("open_positions", len(state.Positions)),
		zap.String("risk_state", string(t.risk.State())))
	return nil
}

// Run executes one cycle immediately, then one per tick until ctx ends.
// A failed cycle is logged and the loop keeps going.
func (t *Trader) Run(ctx context.Context) error {
	if err := t.RunCycle(ctx); err != nil {
		t.log.Error("cycle failed", zap.Error(err))
	}
	ticker := time.NewTicker(t.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			t.log.Info("trader stopping")
			t.persist(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			if err := t.RunCycle(ctx); err != nil {
				t.log.Error("cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle performs a single decision cycle. The snapshot is persisted on
// every exit path so a crash never loses more than one cycle, and a panic
// from a collaborator is recovered so the run loop keeps ticking.
func (t *Trader) RunCycle(ctx context.Context) error {
	defer t.persist(ctx)
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("cycle panicked",
				zap.Any("panic", r), zap.Stack("stack"))
			t.notifier.Notify("Cycle panicked", map[string]string{"panic": fmt.Sprint(r)})
		}
	}()

	iteration := t.store.IncrementIteration()
	equity := t.Equity(ctx)
	metrics.Cycles.Inc()
	metrics.Equity.Set(equity)
	metrics.OpenPositions.Set(float64(t.store.Len()))

	var allowEntry bool
	t.risk, allowEntry = t.gate.Evaluate(t.risk, equity, t.now())
	t.log.Info("cycle start",
		zap.Int64("iteration", iteration),
		zap.Float64("equity", equity),
		zap.Float64("daily_loss_pct", t.risk.DailyLossPct),
		zap.String("risk_state", string(t.risk.State())))

	t.monitor.Sweep(ctx)

	text, err := t.source.FetchDecisions(ctx)
	if err != nil {
		t.log.Error("decision fetch failed", zap.Error(err))
		t.notifier.Notify("Decision fetch failed", map[string]string{"error": err.Error()})
		return nil
	}
	if text == "" {
		t.log.Info("empty decision response, holding all positions")
		return nil
	}

	result := t.parser.Parse(text)
	if result == nil {
		return nil
	}
	t.processDecisions(ctx, result.Decisions, allowEntry)

	if err := t.journal.SaveEquityPoint(ctx, t.Equity(ctx), t.now().UTC()); err != nil {
		t.log.Warn("failed to journal equity point", zap.Error(err))
	}
	return nil
}

// processDecisions routes each configured coin's decision. Unknown coins
// in the response are ignored; a coin absent from the response is a hold.
func (t *Trader) processDecisions(ctx context.Context, decisions map[string]domain.Decision, allowEntry bool) {
	now := t.now().UTC()
	for _, coin := range t.coins {
		d, ok := decisions[coin]
		if !ok {
			continue
		}
		if err := t.journal.SaveDecision(ctx, coin, d, now); err != nil {
			t.log.Warn("failed to journal decision", zap.String("coin", coin), zap.Error(err))
		}

		switch d.Signal {
		case domain.SignalHold:
			t.executor.ProcessHold(coin, d)
		case domain.SignalClose:
			price, err := t.market.GetCurrentPrice(ctx, coin)
			if err != nil {
				t.log.Error("price unavailable for close", zap.String("coin", coin), zap.Error(err))
				continue
			}
			if err := t.executor.ExecuteClose(ctx, coin, price, closeReasonDecision); err != nil {
				t.log.Error("close failed", zap.String("coin", coin), zap.Error(err))
			}
		case domain.SignalEntry:
			if !allowEntry {
				metrics.RejectedEntries.WithLabelValues("risk_gate").Inc()
				t.log.Info("entry blocked by risk gate",
					zap.String("coin", coin),
					zap.String("risk_state", string(t.risk.State())))
				continue
			}
			if t.maxOpenPositions > 0 && t.store.Len() >= t.maxOpenPositions {
				metrics.RejectedEntries.WithLabelValues("position_limit").Inc()
				t.log.Info("entry blocked by position limit",
					zap.String("coin", coin),
					zap.Int("open", t.store.Len()),
					zap.Int("limit", t.maxOpenPositions))
				continue
			}
			price, err := t.market.GetCurrentPrice(ctx, coin)
			if err != nil {
				t.log.Error("price unavailable for entry", zap.String("coin", coin), zap.Error(err))
				continue
			}
			if err := t.executor.ExecuteEntry(ctx, coin, d, price); err != nil {
				t.log.Warn("entry not executed", zap.String("coin", coin), zap.Error(err))
			}
		default:
			t.log.Warn("unknown signal ignored",
				zap.String("coin", coin), zap.String("signal", string(d.Signal)))
		}
	}
}

// Equity is balance plus posted margin plus unrealized PnL across open
// positions. A coin whose price cannot be fetched contributes margin only.
func (t *Trader) Equity(ctx context.Context) float64 {
	equity := t.store.Balance() + t.store.TotalMargin()
	for _, pos := range t.store.List() {
		price, err := t.market.GetCurrentPrice(ctx, pos.Coin)
		if err != nil {
			continue
		}
		equity += pos.GrossPnL(price)
	}
	return equity
}

// Reconcile compares local positions against each venue's live view and
// reports drift. It never mutates state; the operator decides.
func (t *Trader) Reconcile(ctx context.Context) {
	byVenue := make(map[string]map[string]*domain.Position)
	for _, pos := range t.store.List() {
		if byVenue[pos.Venue] == nil {
			byVenue[pos.Venue] = make(map[string]*domain.Position)
		}
		byVenue[pos.Venue][pos.Coin] = pos
	}

	for venue, ex := range t.executor.exchanges {
		snapshot, err := ex.GetAccountSnapshot(ctx)
		if err != nil {
			t.log.Warn("reconcile snapshot failed", zap.String("venue", venue), zap.Error(err))
			continue
		}
		live := make(map[string]*domain.Position, len(snapshot.Positions))
		for _, p := range snapshot.Positions {
			live[p.Coin] = p
		}
		for coin := range byVenue[venue] {
			if _, ok := live[coin]; !ok {
				t.log.Warn("local position missing on venue",
					zap.String("venue", venue), zap.String("coin", coin))
				t.notifier.Notify("Position drift: local position missing on venue", map[string]string{
					"venue": venue, "coin": coin,
				})
			}
		}
		for coin := range live {
			if _, ok := byVenue[venue][coin]; !ok {
				t.log.Warn("venue position not tracked locally",
					zap.String("venue", venue), zap.String("coin", coin))
				t.notifier.Notify("Position drift: venue position not tracked locally", map[string]string{
					"venue": venue, "coin": coin,
				})
			}
		}
	}
}

func (t *Trader) persist(ctx context.Context) {
	state := t.store.Snapshot(t.now().UTC())
	state.RiskControl = t.risk
	if err := t.repo.Save(ctx, state); err != nil {
		t.log.Error("failed to persist state", zap.Error(err))
	}
}
