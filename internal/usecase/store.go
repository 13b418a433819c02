package usecase

import (
	"sync"
	"time"

	"github.com/vitos/llm_trader/internal/domain"
)

// PositionStore is the authoritative in-memory table of open positions
// plus the paper balance and cycle counter. Reads are safe from any
// goroutine; every mutation goes through the TradeExecutor.
type PositionStore struct {
	mu        sync.RWMutex
	balance   float64
	iteration int64
	positions map[string]*domain.Position
}

func NewPositionStore(startCapital float64) *PositionStore {
	return &PositionStore{
		balance:   startCapital,
		positions: make(map[string]*domain.Position),
	}
}

// Get returns a copy of the open position for coin, if any.
func (s *PositionStore) Get(coin string) (*domain.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[coin]
	if !ok {
		return nil, false
	}
	copied := *p
	return &copied, true
}

// List returns copies of all open positions.
func (s *PositionStore) List() []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		copied := *p
		out = append(out, &copied)
	}
	return out
}

func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

func (s *PositionStore) set(p *domain.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.positions[p.Coin] = &copied
}

func (s *PositionStore) remove(coin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.positions, coin)
}

func (s *PositionStore) setJustification(coin, justification string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[coin]; ok {
		p.Justification = justification
	}
}

func (s *PositionStore) setThresholds(coin string, stopLoss, takeProfit float64, slOrderID, tpOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[coin]
	if !ok {
		return
	}
	if stopLoss > 0 {
		p.StopLoss = stopLoss
		p.SLOrderID = slOrderID
	}
	if takeProfit > 0 {
		p.TakeProfit = takeProfit
		p.TPOrderID = tpOrderID
	}
}

func (s *PositionStore) Balance() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance
}

func (s *PositionStore) addBalance(delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += delta
}

// TotalMargin is the sum of margin posted across all open positions.
func (s *PositionStore) TotalMargin() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.positions {
		total += p.Margin
	}
	return total
}

func (s *PositionStore) Iteration() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.iteration
}

func (s *PositionStore) IncrementIteration() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

// Snapshot copies the store into a persistable BotState; the risk control
// state is filled in by the caller.
func (s *PositionStore) Snapshot(now time.Time) *domain.BotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := &domain.BotState{
		Balance:   s.balance,
		Iteration: s.iteration,
		Positions: make(map[string]*domain.Position, len(s.positions)),
		UpdatedAt: now,
	}
	for coin, p := range s.positions {
		copied := *p
		state.Positions[coin] = &copied
	}
	return state
}

// Restore replaces the store contents with a loaded snapshot.
func (s *PositionStore) Restore(state *domain.BotState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance = state.Balance
	s.iteration = state.Iteration
	s.positions = make(map[string]*domain.Position, len(state.Positions))
	for coin, p := range state.Positions {
		copied := *p
		s.positions[coin] = &copied
	}
}
