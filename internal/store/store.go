// Package store provides crash-safe trade persistence in SQLite.
//
// Two tables: trades (one row per trade, keyed by trade id, upserted on
// every mutation) and events (append-only audit log). The database is
// opened in WAL mode so the dashboard can read while the engine writes.
// On startup the engine calls LoadActiveTrades to recover non-terminal
// trades for reconciliation.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"shortbot/pkg/types"
)

const createTrades = `
CREATE TABLE IF NOT EXISTS trades (
    trade_id            TEXT PRIMARY KEY,
    pair                TEXT NOT NULL,
    signal_ts           TEXT,
    signal_data         TEXT,
    entry_order_id      INTEGER,
    entry_price         REAL,
    entry_quantity      REAL,
    entry_fill_ts       TEXT,
    tp_order_id         TEXT,
    sl_order_id         TEXT,
    tp_price            REAL,
    sl_price            REAL,
    tp_trigger_price    REAL,
    sl_trigger_price    REAL,
    exit_price          REAL,
    exit_fill_ts        TEXT,
    exit_type           TEXT,
    pnl_usdt            REAL,
    pnl_pct             REAL,
    fees_usdt           REAL,
    status              TEXT NOT NULL,
    error_message       TEXT,
    created_at          TEXT NOT NULL,
    updated_at          TEXT NOT NULL,
    timeout_triggered   INTEGER NOT NULL DEFAULT 0,
    reconciled          INTEGER NOT NULL DEFAULT 0
)`

const createEvents = `
CREATE TABLE IF NOT EXISTS events (
    event_id    INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id    TEXT,
    event_type  TEXT NOT NULL,
    details     TEXT,
    timestamp   TEXT NOT NULL
)`

// Store persists trades and events to a SQLite database.
// A single mutex serializes writes; the sqlite3 driver handles concurrent
// reads through WAL.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates (or reopens) the database at path, applying WAL mode and
// the schema. Parent directories are created as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	for _, stmt := range []string{createTrades, createEvents} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// SaveTrade upserts the full trade row.
func (s *Store) SaveTrade(t *types.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sigJSON, err := json.Marshal(t.Signal)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}

	_, err = s.db.Exec(`
INSERT OR REPLACE INTO trades VALUES
(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Pair, t.SignalTS, string(sigJSON),
		t.EntryOrderID, t.EntryPrice, t.EntryQty, fmtTime(t.EntryFillTS),
		t.TPOrderID, t.SLOrderID,
		t.TPPrice, t.SLPrice, t.TPTriggerPrice, t.SLTriggerPrice,
		t.ExitPrice, fmtTime(t.ExitFillTS), string(t.ExitKind),
		t.PnLUSDT, t.PnLPct, t.FeesUSDT,
		string(t.Status), t.ErrorMessage,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt),
		boolInt(t.TimeoutTriggered), boolInt(t.Reconciled),
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// LoadActiveTrades returns all trades not in a terminal state, for startup
// reconciliation.
func (s *Store) LoadActiveTrades() ([]*types.Trade, error) {
	return s.queryTrades(
		`SELECT * FROM trades WHERE status NOT IN (?,?,?)`,
		string(types.StatusClosed), string(types.StatusNotExecuted), string(types.StatusError),
	)
}

// LoadRecentClosed returns the most recently finished trades (closed,
// not_executed or error), newest first.
func (s *Store) LoadRecentClosed(limit int) ([]*types.Trade, error) {
	return s.queryTrades(
		`SELECT * FROM trades WHERE status IN (?,?,?) ORDER BY updated_at DESC LIMIT ?`,
		string(types.StatusClosed), string(types.StatusNotExecuted), string(types.StatusError), limit,
	)
}

// LoadAllTrades returns up to limit trades, newest first.
func (s *Store) LoadAllTrades(limit int) ([]*types.Trade, error) {
	return s.queryTrades(`SELECT * FROM trades ORDER BY created_at DESC LIMIT ?`, limit)
}

// GetTrade returns one trade by id, or nil if absent.
func (s *Store) GetTrade(id string) (*types.Trade, error) {
	trades, err := s.queryTrades(`SELECT * FROM trades WHERE trade_id=?`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, nil
	}
	return trades[0], nil
}

func (s *Store) queryTrades(query string, args ...any) ([]*types.Trade, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []*types.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTrade(rows *sql.Rows) (*types.Trade, error) {
	var (
		t          types.Trade
		sigJSON    string
		entryFill  string
		exitFill   string
		exitKind   string
		status     string
		createdAt  string
		updatedAt  string
		timeoutTrg int
		reconciled int
	)
	err := rows.Scan(
		&t.ID, &t.Pair, &t.SignalTS, &sigJSON,
		&t.EntryOrderID, &t.EntryPrice, &t.EntryQty, &entryFill,
		&t.TPOrderID, &t.SLOrderID,
		&t.TPPrice, &t.SLPrice, &t.TPTriggerPrice, &t.SLTriggerPrice,
		&t.ExitPrice, &exitFill, &exitKind,
		&t.PnLUSDT, &t.PnLPct, &t.FeesUSDT,
		&status, &t.ErrorMessage,
		&createdAt, &updatedAt,
		&timeoutTrg, &reconciled,
	)
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}

	if sigJSON != "" {
		if err := json.Unmarshal([]byte(sigJSON), &t.Signal); err != nil {
			return nil, fmt.Errorf("unmarshal signal for trade %s: %w", t.ID, err)
		}
	}
	t.EntryFillTS = parseTime(entryFill)
	t.ExitFillTS = parseTime(exitFill)
	t.ExitKind = types.ExitKind(exitKind)
	t.Status = types.TradeStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.TimeoutTriggered = timeoutTrg != 0
	t.Reconciled = reconciled != 0
	return &t, nil
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// SaveEvent appends an audit event and fills in its assigned id.
func (s *Store) SaveEvent(ev *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO events (trade_id, event_type, details, timestamp) VALUES (?,?,?,?)`,
		ev.TradeID, string(ev.Kind), string(details), fmtTime(ev.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// TradeEvents returns all events for a trade in insertion order.
func (s *Store) TradeEvents(tradeID string) ([]*types.Event, error) {
	return s.queryEvents(`SELECT * FROM events WHERE trade_id=? ORDER BY event_id`, tradeID)
}

// LastEvents returns the newest events first, up to limit.
func (s *Store) LastEvents(limit int) ([]*types.Event, error) {
	return s.queryEvents(`SELECT * FROM events ORDER BY event_id DESC LIMIT ?`, limit)
}

func (s *Store) queryEvents(query string, args ...any) ([]*types.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var (
			ev      types.Event
			kind    string
			details string
			ts      string
		)
		if err := rows.Scan(&ev.ID, &ev.TradeID, &kind, &details, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Kind = types.EventKind(kind)
		ev.Timestamp = parseTime(ts)
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event %d details: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// fmtTime stores zero times as the empty string so "not yet" survives the
// round trip.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
