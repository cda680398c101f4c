// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — trade lifecycle enums,
// signals, trades, audit events, and exchange payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TradeStatus is the lifecycle state of a trade. String values are stored
// verbatim in SQLite, so they must never change.
type TradeStatus string

const (
	StatusSignalReceived TradeStatus = "signal_received" // persisted, entry not yet sent
	StatusOpening        TradeStatus = "opening"         // entry chase in progress
	StatusNotExecuted    TradeStatus = "not_executed"    // terminal: entry never filled
	StatusOpen           TradeStatus = "open"            // short position live, TP/SL resting
	StatusClosing        TradeStatus = "closing"         // close path in progress
	StatusClosed         TradeStatus = "closed"          // terminal: position closed, PnL computed
	StatusError          TradeStatus = "error"           // terminal: unrecoverable failure
)

// Terminal reports whether the status ends the lifecycle. Terminal trades
// are never reconciled and never tracked in memory.
func (s TradeStatus) Terminal() bool {
	switch s {
	case StatusNotExecuted, StatusClosed, StatusError:
		return true
	}
	return false
}

// ExitKind records which path closed a position.
type ExitKind string

const (
	ExitTP      ExitKind = "tp"
	ExitSL      ExitKind = "sl"
	ExitTimeout ExitKind = "timeout"
	ExitManual  ExitKind = "manual" // closed outside the bot, detected on reconcile
)

// EventKind classifies audit-trail events.
type EventKind string

const (
	EventSignal       EventKind = "signal"
	EventEntrySent    EventKind = "entry_sent"
	EventEntryFill    EventKind = "entry_fill"
	EventTPPlaced     EventKind = "tp_placed"
	EventSLPlaced     EventKind = "sl_placed"
	EventTPFill       EventKind = "tp_fill"
	EventSLFill       EventKind = "sl_fill"
	EventSLTriggered  EventKind = "sl_triggered"
	EventTimeout      EventKind = "timeout"
	EventCancel       EventKind = "cancel"
	EventError        EventKind = "error"
	EventWSConnect    EventKind = "ws_connect"
	EventWSDisconnect EventKind = "ws_disconnect"
	EventStartup      EventKind = "startup"
	EventShutdown     EventKind = "shutdown"
)

// PriceMatch is a Binance futures price-match mode for limit orders placed
// without an explicit price. OPPONENT pegs to the counterparty best level,
// OPPONENT_5 five levels deep into the counterparty side.
type PriceMatch string

const (
	MatchNone      PriceMatch = ""
	MatchOpponent  PriceMatch = "OPPONENT"
	MatchOpponent5 PriceMatch = "OPPONENT_5"
)

// ————————————————————————————————————————————————————————————————————————
// Signals
// ————————————————————————————————————————————————————————————————————————

// Signal is one accepted row from the screener CSV. Timestamp keeps the raw
// source string ("2006/01/02 15:04:05", UTC); At is the parsed instant.
// JSON tags match the CSV column names so the persisted payload stays
// readable next to the source file.
type Signal struct {
	Timestamp   string  `json:"fecha_hora"`
	Pair        string  `json:"par"`
	Rank        int     `json:"top"`
	Close       float64 `json:"close"`
	Mom1hPct    float64 `json:"mom_1h_pct"`
	MomPct      float64 `json:"mom_pct"`
	VolRatio    float64 `json:"vol_ratio"`
	TradesRatio float64 `json:"trades_ratio"`
	Quintile    int     `json:"quintil"`

	At time.Time `json:"-"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades
// ————————————————————————————————————————————————————————————————————————

// Trade carries the full lifecycle of one short position, from accepted
// signal to terminal state. Zero values mean "not yet set"; fill timestamps
// are zero until the corresponding fill happens.
//
// Entry orders are regular orders (integer ids); TP/SL are conditional algo
// orders whose ids arrive as strings and stay strings.
type Trade struct {
	ID       string `json:"trade_id"`
	Pair     string `json:"pair"`
	SignalTS string `json:"signal_ts"`
	Signal   Signal `json:"signal_data"`

	EntryOrderID int64     `json:"entry_order_id,omitempty"`
	EntryPrice   float64   `json:"entry_price,omitempty"`
	EntryQty     float64   `json:"entry_quantity,omitempty"`
	EntryFillTS  time.Time `json:"entry_fill_ts,omitempty"`

	TPOrderID      string  `json:"tp_order_id,omitempty"`
	SLOrderID      string  `json:"sl_order_id,omitempty"`
	TPPrice        float64 `json:"tp_price,omitempty"`
	SLPrice        float64 `json:"sl_price,omitempty"`
	TPTriggerPrice float64 `json:"tp_trigger_price,omitempty"`
	SLTriggerPrice float64 `json:"sl_trigger_price,omitempty"`

	ExitPrice  float64   `json:"exit_price,omitempty"`
	ExitFillTS time.Time `json:"exit_fill_ts,omitempty"`
	ExitKind   ExitKind  `json:"exit_type,omitempty"`
	PnLUSDT    float64   `json:"pnl_usdt"`
	PnLPct     float64   `json:"pnl_pct"`
	FeesUSDT   float64   `json:"fees_usdt"`

	Status       TradeStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`

	TimeoutTriggered bool `json:"timeout_triggered,omitempty"`
	Reconciled       bool `json:"reconciled,omitempty"`
}

// NewTrade creates a trade in StatusSignalReceived for an accepted signal.
func NewTrade(sig Signal) *Trade {
	now := time.Now().UTC()
	return &Trade{
		ID:        uuid.NewString(),
		Pair:      sig.Pair,
		SignalTS:  sig.Timestamp,
		Signal:    sig,
		Status:    StatusSignalReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch bumps UpdatedAt. Call before persisting a mutation.
func (t *Trade) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// ————————————————————————————————————————————————————————————————————————
// Audit events
// ————————————————————————————————————————————————————————————————————————

// Event is one append-only audit record. ID is assigned by the store.
type Event struct {
	ID        int64          `json:"event_id,omitempty"`
	TradeID   string         `json:"trade_id,omitempty"`
	Kind      EventKind      `json:"event_type"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current UTC time.
func NewEvent(tradeID string, kind EventKind, details map[string]any) *Event {
	return &Event{
		TradeID:   tradeID,
		Kind:      kind,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Exchange payloads
// ————————————————————————————————————————————————————————————————————————

// SymbolInfo holds the per-pair trading filters used for price and quantity
// rounding. Populated once per pair from /fapi/v1/exchangeInfo and cached.
type SymbolInfo struct {
	Pair        string
	TickSize    float64 // PRICE_FILTER.tickSize
	StepSize    float64 // LOT_SIZE.stepSize
	MinQty      float64 // LOT_SIZE.minQty
	MinNotional float64 // MIN_NOTIONAL.notional
}

// OrderResult is the normalised response for any order placement or query.
// For conditional algo orders the exchange returns algoId; the client maps
// it into OrderID so callers never see the difference.
type OrderResult struct {
	OrderID      string
	Status       string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED...
	Pair         string
	Side         string
	AvgPrice     float64
	Price        float64
	TriggerPrice float64
	OrigQty      float64
	ExecutedQty  float64
}

// Filled reports whether the order is fully executed.
func (r OrderResult) Filled() bool { return r.Status == "FILLED" }

// OpenOrder is one entry from the open-orders or open-algo-orders listing,
// used during startup reconciliation.
type OpenOrder struct {
	OrderID string
	Pair    string
	Type    string // LIMIT, TAKE_PROFIT, STOP_MARKET...
	Side    string
	Status  string
}

// PositionInfo is one row from /fapi/v2/positionRisk. Amount is signed:
// negative for shorts.
type PositionInfo struct {
	Pair       string
	Amount     float64
	EntryPrice float64
	MarkPrice  float64
}

// OrderUpdate is the "o" object of an ORDER_TRADE_UPDATE user-stream event.
// Numeric fields arrive as strings on the wire and are kept as strings; use
// the accessors for parsed values.
type OrderUpdate struct {
	Pair      string `json:"s"`
	Side      string `json:"S"`
	ExecType  string `json:"x"` // TRADE on a fill
	Status    string `json:"X"` // FILLED, PARTIALLY_FILLED, ...
	OrderID   int64  `json:"i"`
	Qty       string `json:"q"`
	AvgPrice  string `json:"ap"`
	LastPrice string `json:"L"`
}

// FillPrice returns the average fill price, falling back to the last traded
// price when the average is absent or zero.
func (u OrderUpdate) FillPrice() float64 {
	if p := parseFloat(u.AvgPrice); p > 0 {
		return p
	}
	return parseFloat(u.LastPrice)
}

// FillQty returns the parsed order quantity.
func (u OrderUpdate) FillQty() float64 { return parseFloat(u.Qty) }

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
