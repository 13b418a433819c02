package usecase_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/llm_trader/internal/domain"
)

type mockExchange struct {
	venue string

	entryResult domain.EntryResult
	closeResult domain.CloseResult
	tpslResult  domain.TPSLResult
	snapshot    *domain.AccountSnapshot

	entryCalls []domain.EntryRequest
	closeCalls []domain.CloseRequest
}

func newMockExchange(venue string) *mockExchange {
	return &mockExchange{
		venue:       venue,
		entryResult: domain.EntryResult{Success: true, Venue: venue, EntryOrderID: "entry-1", SLOrderID: "sl-1", TPOrderID: "tp-1"},
		closeResult: domain.CloseResult{Success: true, Venue: venue, CloseOrderID: "close-1"},
		tpslResult:  domain.TPSLResult{Success: true, Venue: venue, SLOrderID: "sl-2", TPOrderID: "tp-2"},
	}
}

func (m *mockExchange) Venue() string { return m.venue }

func (m *mockExchange) PlaceEntry(ctx context.Context, req domain.EntryRequest) domain.EntryResult {
	m.entryCalls = append(m.entryCalls, req)
	return m.entryResult
}

func (m *mockExchange) ClosePosition(ctx context.Context, req domain.CloseRequest) domain.CloseResult {
	m.closeCalls = append(m.closeCalls, req)
	return m.closeResult
}

func (m *mockExchange) UpdateTPSL(ctx context.Context, coin string, side domain.Side, quantity, newSL, newTP float64) domain.TPSLResult {
	return m.tpslResult
}

func (m *mockExchange) GetAccountSnapshot(ctx context.Context) (*domain.AccountSnapshot, error) {
	if m.snapshot == nil {
		return nil, errors.New("no snapshot configured")
	}
	return m.snapshot, nil
}

func (m *mockExchange) FetchIncome(ctx context.Context, start, end time.Time) (*domain.AuditReport, error) {
	return domain.NewAuditReport(m.venue, start, end), nil
}

type mockMarket struct {
	mu     sync.Mutex
	prices map[string]float64
}

func newMockMarket(prices map[string]float64) *mockMarket {
	return &mockMarket{prices: prices}
}

func (m *mockMarket) setPrice(coin string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[coin] = price
}

func (m *mockMarket) GetCurrentPrice(ctx context.Context, coin string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[coin]
	if !ok {
		return 0, errors.New("no price for " + coin)
	}
	return price, nil
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
	metadata []map[string]string
}

func (m *mockNotifier) Notify(message string, metadata map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, message)
	m.metadata = append(m.metadata, metadata)
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockJournal struct {
	closed    []*domain.ClosedPosition
	decisions []domain.Decision
	equity    []float64
}

func (m *mockJournal) SaveClosedPosition(ctx context.Context, closed *domain.ClosedPosition) error {
	m.closed = append(m.closed, closed)
	return nil
}

func (m *mockJournal) ListClosedPositions(ctx context.Context, limit int) ([]*domain.ClosedPosition, error) {
	return m.closed, nil
}

func (m *mockJournal) SaveDecision(ctx context.Context, coin string, decision domain.Decision, at time.Time) error {
	m.decisions = append(m.decisions, decision)
	return nil
}

func (m *mockJournal) SaveEquityPoint(ctx context.Context, equity float64, at time.Time) error {
	m.equity = append(m.equity, equity)
	return nil
}

type mockRepo struct {
	state *domain.BotState
	saves int
}

func (m *mockRepo) Load(ctx context.Context) (*domain.BotState, error) { return m.state, nil }

func (m *mockRepo) Save(ctx context.Context, state *domain.BotState) error {
	m.state = state
	m.saves++
	return nil
}

type mockSource struct {
	text     string
	err      error
	panicMsg string
}

func (m *mockSource) FetchDecisions(ctx context.Context) (string, error) {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	return m.text, m.err
}

func testLogger() *zap.Logger { return zap.NewNop() }
