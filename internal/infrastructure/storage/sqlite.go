package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/vitos/llm_trader/internal/domain"
)

// SQLiteStore persists the bot snapshot (balance, open positions, risk
// control state) and the trade/decision journal. The snapshot is written
// synchronously at the end of every cycle.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bot_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			balance REAL NOT NULL,
			iteration INTEGER NOT NULL,
			risk_control TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			coin TEXT PRIMARY KEY,
			venue TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			stop_loss REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			leverage INTEGER NOT NULL,
			margin REAL NOT NULL,
			fees_paid REAL NOT NULL,
			risk_usd REAL NOT NULL,
			liquidity TEXT NOT NULL,
			justification TEXT,
			entry_order_id TEXT,
			sl_order_id TEXT,
			tp_order_id TEXT,
			opened_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS closed_positions (
			id TEXT PRIMARY KEY,
			coin TEXT NOT NULL,
			venue TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			net_pnl REAL NOT NULL,
			fees_paid REAL NOT NULL,
			leverage INTEGER NOT NULL,
			reason TEXT,
			close_order_id TEXT,
			closed_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_closed_positions_coin ON closed_positions(coin);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			coin TEXT NOT NULL,
			signal TEXT NOT NULL,
			side TEXT,
			confidence REAL NOT NULL,
			justification TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS equity_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			equity REAL NOT NULL,
			created_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// Load restores the last snapshot. A fresh database returns a nil state so
// the caller can start from configured capital.
func (s *SQLiteStore) Load(ctx context.Context) (*domain.BotState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT balance, iteration, risk_control, updated_at FROM bot_state WHERE id = 1`)

	state := &domain.BotState{Positions: make(map[string]*domain.Position)}
	var riskJSON string
	err := row.Scan(&state.Balance, &state.Iteration, &riskJSON, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(riskJSON), &state.RiskControl); err != nil {
		return nil, fmt.Errorf("decode risk control state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT coin, venue, side, quantity, entry_price, stop_loss, take_profit, leverage,
		        margin, fees_paid, risk_usd, liquidity, justification,
		        entry_order_id, sl_order_id, tp_order_id, opened_at
		 FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Coin, &p.Venue, &p.Side, &p.Quantity, &p.EntryPrice,
			&p.StopLoss, &p.TakeProfit, &p.Leverage, &p.Margin, &p.FeesPaid, &p.RiskUSD,
			&p.Liquidity, &p.Justification, &p.EntryOrderID, &p.SLOrderID, &p.TPOrderID,
			&p.OpenedAt); err != nil {
			return nil, err
		}
		state.Positions[p.Coin] = &p
	}
	return state, rows.Err()
}

// Save writes the snapshot in one transaction; positions are replaced
// wholesale so the table always mirrors the in-memory store.
func (s *SQLiteStore) Save(ctx context.Context, state *domain.BotState) error {
	riskJSON, err := json.Marshal(state.RiskControl)
	if err != nil {
		return fmt.Errorf("encode risk control state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bot_state (id, balance, iteration, risk_control, updated_at)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 balance=excluded.balance,
		 iteration=excluded.iteration,
		 risk_control=excluded.risk_control,
		 updated_at=excluded.updated_at`,
		state.Balance, state.Iteration, string(riskJSON), state.UpdatedAt)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return err
	}
	for _, p := range state.Positions {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO positions (coin, venue, side, quantity, entry_price, stop_loss, take_profit,
			                        leverage, margin, fees_paid, risk_usd, liquidity, justification,
			                        entry_order_id, sl_order_id, tp_order_id, opened_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Coin, p.Venue, p.Side, p.Quantity, p.EntryPrice, p.StopLoss, p.TakeProfit,
			p.Leverage, p.Margin, p.FeesPaid, p.RiskUSD, p.Liquidity, p.Justification,
			p.EntryOrderID, p.SLOrderID, p.TPOrderID, p.OpenedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// TradeJournal implementation

func (s *SQLiteStore) SaveClosedPosition(ctx context.Context, closed *domain.ClosedPosition) error {
	if closed.ID == "" {
		closed.ID = ulid.Make().String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO closed_positions (id, coin, venue, side, quantity, entry_price, exit_price,
		                               net_pnl, fees_paid, leverage, reason, close_order_id, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		closed.ID, closed.Coin, closed.Venue, closed.Side, closed.Quantity, closed.EntryPrice,
		closed.ExitPrice, closed.NetPnL, closed.FeesPaid, closed.Leverage, closed.Reason,
		closed.CloseOrderID, closed.ClosedAt)
	return err
}

func (s *SQLiteStore) ListClosedPositions(ctx context.Context, limit int) ([]*domain.ClosedPosition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, coin, venue, side, quantity, entry_price, exit_price, net_pnl,
		        fees_paid, leverage, reason, close_order_id, closed_at
		 FROM closed_positions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ClosedPosition
	for rows.Next() {
		var c domain.ClosedPosition
		if err := rows.Scan(&c.ID, &c.Coin, &c.Venue, &c.Side, &c.Quantity, &c.EntryPrice,
			&c.ExitPrice, &c.NetPnL, &c.FeesPaid, &c.Leverage, &c.Reason, &c.CloseOrderID,
			&c.ClosedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveDecision(ctx context.Context, coin string, decision domain.Decision, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (coin, signal, side, confidence, justification, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		coin, decision.Signal, decision.Side, decision.Confidence, decision.Justification, at)
	return err
}

func (s *SQLiteStore) SaveEquityPoint(ctx context.Context, equity float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO equity_history (equity, created_at) VALUES (?, ?)`, equity, at)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
