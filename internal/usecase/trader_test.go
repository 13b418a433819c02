package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
	"github.com/vitos/llm_trader/internal/usecase"
)

type traderHarness struct {
	trader   *usecase.Trader
	store    *usecase.PositionStore
	exchange *mockExchange
	market   *mockMarket
	source   *mockSource
	repo     *mockRepo
	journal  *mockJournal
	notifier *mockNotifier
}

func newTraderHarness(t *testing.T, maxOpen int) *traderHarness {
	t.Helper()
	store := usecase.NewPositionStore(10000)
	ex := newMockExchange(testVenue)
	market := newMockMarket(map[string]float64{"BTC": 100, "ETH": 50})
	journal := &mockJournal{}
	repo := &mockRepo{}
	notifier := &mockNotifier{}
	source := &mockSource{}
	log := zap.NewNop()

	executor := usecase.NewTradeExecutor(store, map[string]domain.Exchange{testVenue: ex},
		testVenue, journal, notifier, testTakerFee, testMakerFee, log)
	trader := usecase.NewTrader(usecase.TraderDeps{
		Coins:            []string{"BTC", "ETH"},
		MaxOpenPositions: maxOpen,
		CheckInterval:    time.Minute,
		Store:            store,
		Gate:             usecase.NewRiskGate(5.0, notifier, log),
		Monitor:          usecase.NewMonitor(store, market, executor, log),
		Executor:         executor,
		Parser:           usecase.NewParser([]string{"BTC", "ETH"}, notifier, log),
		Source:           source,
		Market:           market,
		Repo:             repo,
		Journal:          journal,
		Notifier:         notifier,
		Log:              log,
	})
	return &traderHarness{
		trader: trader, store: store, exchange: ex, market: market,
		source: source, repo: repo, journal: journal, notifier: notifier,
	}
}

const entryResponse = `{
  "BTC": {"signal": "entry", "side": "long", "quantity": 10, "leverage": 2,
          "stop_loss": 90, "profit_target": 130, "confidence": 0.8,
          "justification": "breakout"},
  "ETH": {"signal": "hold", "confidence": 0.5, "justification": "no edge"}
}`

func TestRunCycleOpensPositionFromDecision(t *testing.T) {
	h := newTraderHarness(t, 0)
	h.source.text = entryResponse

	require.NoError(t, h.trader.RunCycle(context.Background()))

	pos, ok := h.store.Get("BTC")
	require.True(t, ok)
	require.Equal(t, domain.SideLong, pos.Side)

	require.Len(t, h.journal.decisions, 2)
	require.Len(t, h.journal.equity, 1)
	require.Equal(t, 1, h.repo.saves)
	require.Len(t, h.repo.state.Positions, 1)
}

func TestRunCycleBlocksEntryWhenKilled(t *testing.T) {
	h := newTraderHarness(t, 0)
	h.repo.state = &domain.BotState{
		Balance:   10000,
		Positions: map[string]*domain.Position{},
		RiskControl: domain.RiskControlState{
			KillSwitchActive: true,
			KillSwitchReason: "manual",
		},
	}
	ctx := context.Background()
	require.NoError(t, h.trader.LoadState(ctx))

	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))

	_, ok := h.store.Get("BTC")
	require.False(t, ok)
	require.Empty(t, h.exchange.entryCalls)
	// kill switch only blocks entries; decisions are still journaled
	require.Len(t, h.journal.decisions, 2)
}

func TestRunCycleAllowsCloseWhenKilled(t *testing.T) {
	h := newTraderHarness(t, 0)
	ctx := context.Background()

	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))
	_, ok := h.store.Get("BTC")
	require.True(t, ok)

	// kill switch arrives via persisted state, e.g. the kill command
	h.repo.state.RiskControl = domain.RiskControlState{
		KillSwitchActive: true,
		KillSwitchReason: "manual",
	}
	require.NoError(t, h.trader.LoadState(ctx))

	h.source.text = `{"BTC": {"signal": "close", "confidence": 0.9, "justification": "flatten"}}`
	require.NoError(t, h.trader.RunCycle(ctx))

	_, ok = h.store.Get("BTC")
	require.False(t, ok)
	require.Len(t, h.journal.closed, 1)
}

func TestRunCycleEnforcesPositionLimit(t *testing.T) {
	h := newTraderHarness(t, 1)
	ctx := context.Background()

	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))
	require.Equal(t, 1, h.store.Len())

	h.source.text = `{"ETH": {"signal": "entry", "side": "long", "quantity": 1, "leverage": 2,
		"stop_loss": 45, "profit_target": 60, "confidence": 0.8, "justification": "follow"}}`
	require.NoError(t, h.trader.RunCycle(ctx))

	_, ok := h.store.Get("ETH")
	require.False(t, ok)
	require.Equal(t, 1, h.store.Len())
	require.Len(t, h.exchange.entryCalls, 1)
}

func TestRunCycleSkipsOnEmptyResponse(t *testing.T) {
	h := newTraderHarness(t, 0)
	h.source.text = ""

	require.NoError(t, h.trader.RunCycle(context.Background()))
	require.Equal(t, 0, h.store.Len())
	require.Empty(t, h.journal.decisions)
	require.Equal(t, 1, h.repo.saves)
}

func TestRunCycleSurvivesSourceFailure(t *testing.T) {
	h := newTraderHarness(t, 0)
	h.source.err = context.DeadlineExceeded

	require.NoError(t, h.trader.RunCycle(context.Background()))
	require.Equal(t, 1, h.repo.saves)
	require.Equal(t, 1, h.notifier.count())
}

func TestRunCycleRecoversFromPanic(t *testing.T) {
	h := newTraderHarness(t, 0)
	ctx := context.Background()

	h.source.panicMsg = "decision source blew up"
	require.NotPanics(t, func() {
		require.NoError(t, h.trader.RunCycle(ctx))
	})
	require.Equal(t, 1, h.repo.saves)
	require.Equal(t, 1, h.notifier.count())

	// The next cycle runs normally once the collaborator behaves again.
	h.source.panicMsg = ""
	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))
	_, ok := h.store.Get("BTC")
	require.True(t, ok)
	require.Equal(t, 2, h.repo.saves)
}

func TestRunCycleSweepsTriggersBeforeDecisions(t *testing.T) {
	h := newTraderHarness(t, 0)
	ctx := context.Background()

	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))

	// price gaps through the stop before the next cycle
	h.market.setPrice("BTC", 85)
	h.source.text = ""
	require.NoError(t, h.trader.RunCycle(ctx))

	_, ok := h.store.Get("BTC")
	require.False(t, ok)
	require.Equal(t, "stop_loss", h.journal.closed[0].Reason)
}

func TestEquityIncludesMarginAndUnrealized(t *testing.T) {
	h := newTraderHarness(t, 0)
	ctx := context.Background()

	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))

	h.market.setPrice("BTC", 110)
	// balance 10000 - 501, margin 500, unrealized (110-100)*10 = 100
	require.InDelta(t, 10099.0, h.trader.Equity(ctx), 1e-9)
}

func TestTraderDailyLossHaltsEntries(t *testing.T) {
	h := newTraderHarness(t, 0)
	ctx := context.Background()

	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))

	// drop far enough that equity is down more than 5% from the baseline
	h.market.setPrice("BTC", 40)
	h.source.text = ""
	require.NoError(t, h.trader.RunCycle(ctx))

	// stop loss flattened the book; a fresh entry must now be rejected
	h.source.text = entryResponse
	require.NoError(t, h.trader.RunCycle(ctx))
	require.Equal(t, 0, h.store.Len())
	require.Len(t, h.exchange.entryCalls, 1)
	require.Equal(t, domain.RiskDailyLimitHit, h.repo.state.RiskControl.State())
}
