// Package engine implements the trade lifecycle state machine.
//
// States:
//
//	signal_received → opening → open → closing → closed
//	                      ↓
//	                 not_executed
//
// Flow:
//  1. OnSignal     → admission caps, create trade, launch the entry chase
//  2. OnEntryFill  → place TP and SL conditional orders, trade → open
//  3. OnTPFill     → cancel SL, compute PnL, trade → closed (tp)
//  4. OnSLFill     → cancel TP, compute PnL, trade → closed (sl)
//  5. sweeper      → positions older than timeout_hours are force-closed
//
// Locking: e.mu guards the trade map, the order-id demux maps, and every
// trade field mutation (including the store write that follows it). No
// network call ever happens under the lock; the close paths take the
// single-winner transition to closing under the lock first, and the
// user-stream id sets deliver each fill at most once, so a trade can never
// be closed twice.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"shortbot/internal/config"
	"shortbot/internal/exchange"
	"shortbot/pkg/types"
)

const (
	fillPollInterval  = 200 * time.Millisecond
	marketFillTimeout = 10 * time.Second
	takerFeeRate      = 0.0004
)

// errPersist marks a failed store write. The trade has already been moved
// to error and dropped from the live map; callers must stop the path
// without further exchange calls.
var errPersist = errors.New("trade persistence failed")

// Engine owns all non-terminal trades and drives them through the
// lifecycle.
type Engine struct {
	cfg     *config.Config
	gw      Gateway
	stream  Stream
	store   Store
	onEvent EventSink
	logger  *slog.Logger

	mu      sync.Mutex
	trades  map[string]*types.Trade
	byEntry map[int64]string // entry order id → trade id
	byTP    map[int64]string
	bySL    map[int64]string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine. Start must be called before signals arrive.
func New(cfg *config.Config, gw Gateway, stream Stream, store Store, onEvent EventSink, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		gw:      gw,
		stream:  stream,
		store:   store,
		onEvent: onEvent,
		logger:  logger.With("component", "engine"),
		trades:  make(map[string]*types.Trade),
		byEntry: make(map[int64]string),
		byTP:    make(map[int64]string),
		bySL:    make(map[int64]string),
	}
}

// Start launches the timeout sweeper.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.timeoutLoop()
	e.logger.Info("engine started")
}

// Stop cancels the sweeper and any in-flight entry chases, then waits for
// them to finish their shielded cleanup (cancel resting orders, persist
// not_executed).
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("engine stopped", "open_trades", e.OpenCount())
}

// ————————————————————————————————————————————————————————————————————————
// Introspection
// ————————————————————————————————————————————————————————————————————————

func countsAsOpen(s types.TradeStatus) bool {
	return s == types.StatusOpen || s == types.StatusOpening || s == types.StatusSignalReceived
}

// OpenCount returns the number of trades holding an admission slot
// (open, opening or signal_received).
func (e *Engine) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.trades {
		if countsAsOpen(t.Status) {
			n++
		}
	}
	return n
}

// OpenCountPair returns the admission count for one pair.
func (e *Engine) OpenCountPair(pair string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.trades {
		if t.Pair == pair && countsAsOpen(t.Status) {
			n++
		}
	}
	return n
}

// ActiveTrades returns copies of all non-terminal trades.
func (e *Engine) ActiveTrades() []types.Trade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Trade, 0, len(e.trades))
	for _, t := range e.trades {
		if !t.Status.Terminal() {
			out = append(out, *t)
		}
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Signal intake
// ————————————————————————————————————————————————————————————————————————

// OnSignal admits a signal against the open-trade caps and launches the
// entry chase. Rejections are logged, not persisted.
func (e *Engine) OnSignal(sig types.Signal) {
	if n := e.OpenCount(); n >= e.cfg.Strategy.MaxOpenTrades {
		e.logger.Info("signal rejected: max_open_trades reached", "pair", sig.Pair, "open", n)
		return
	}
	if n := e.OpenCountPair(sig.Pair); n >= e.cfg.Strategy.MaxTradesPerPair {
		e.logger.Info("signal rejected: max_trades_per_pair reached", "pair", sig.Pair, "open", n)
		return
	}

	trade := types.NewTrade(sig)
	e.mu.Lock()
	e.trades[trade.ID] = trade
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.emit(types.EventSignal, trade.ID, map[string]any{
		"pair":       sig.Pair,
		"top":        sig.Rank,
		"mom_1h_pct": sig.Mom1hPct,
		"close":      sig.Close,
	})
	e.logger.Info("trade created", "trade", short(trade.ID), "pair", sig.Pair)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.openTrade(trade)
	}()
}

// ————————————————————————————————————————————————————————————————————————
// Entry chase
// ————————————————————————————————————————————————————————————————————————

// openTrade runs the maker entry chase: a BBO-pegged SELL LIMIT per
// attempt (OPPONENT_5 first for a conservative level, then OPPONENT),
// each given chase_timeout to fill, cancelled and retried otherwise.
// After the last attempt an optional MARKET fallback fires; with no fill
// at all the trade ends not_executed.
func (e *Engine) openTrade(trade *types.Trade) {
	e.mu.Lock()
	trade.Status = types.StatusOpening
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	pair := trade.Pair
	entry := e.cfg.Entry

	if entry.OrderType == "MARKET" {
		if e.marketEntry(trade) {
			return
		}
		if e.ctx.Err() != nil {
			e.abortOpening(trade)
			return
		}
		e.finishNotExecuted(trade, "market entry did not fill")
		return
	}

	for attempt := 1; attempt <= entry.MaxAttempts; attempt++ {
		if e.ctx.Err() != nil {
			e.abortOpening(trade)
			return
		}

		match := types.MatchOpponent
		if attempt == 1 {
			match = types.MatchOpponent5
		}

		orderID, qty, err := e.sendEntry(trade, match, attempt)
		if err != nil {
			if errors.Is(err, errPersist) {
				return
			}
			if e.ctx.Err() != nil {
				e.abortOpening(trade)
				return
			}
			e.logger.Error("entry attempt failed", "trade", short(trade.ID), "attempt", attempt, "err", err)
			e.emit(types.EventError, trade.ID, map[string]any{"attempt": attempt, "error": err.Error()})
			if attempt < entry.MaxAttempts {
				if !e.sleep(entry.ChaseInterval()) {
					e.abortOpening(trade)
					return
				}
			}
			continue
		}

		e.logger.Info("entry sent",
			"trade", short(trade.ID), "attempt", attempt,
			"orderId", orderID, "priceMatch", match, "qty", qty)

		if e.waitFill(trade, entry.ChaseTimeout()) {
			return // OnEntryFill moved it to open
		}
		e.mu.Lock()
		terminal := trade.Status.Terminal()
		e.mu.Unlock()
		if terminal {
			return // failed while waiting, nothing left to chase
		}
		if e.ctx.Err() != nil {
			e.abortOpening(trade)
			return
		}

		e.logger.Info("no fill, cancelling", "trade", short(trade.ID), "attempt", attempt, "orderId", orderID)
		e.dropEntryOrder(e.ctx, trade, orderID)

		if attempt < entry.MaxAttempts {
			if !e.sleep(entry.ChaseInterval()) {
				e.abortOpening(trade)
				return
			}
		}
	}

	if entry.MarketFallback && e.ctx.Err() == nil {
		if e.marketEntry(trade) {
			return
		}
	}
	if e.ctx.Err() != nil {
		e.abortOpening(trade)
		return
	}

	e.logger.Warn("entry never filled", "trade", short(trade.ID), "pair", pair)
	e.finishNotExecuted(trade, "no fill after all entry attempts")
}

// sendEntry computes quantity off the current best bid and places one
// chase order, registering it for fill dispatch.
func (e *Engine) sendEntry(trade *types.Trade, match types.PriceMatch, attempt int) (int64, float64, error) {
	refPrice, err := e.gw.BestBid(e.ctx, trade.Pair)
	if err != nil {
		return 0, 0, err
	}
	qty, err := e.gw.Quantity(e.ctx, trade.Pair, refPrice)
	if err != nil {
		return 0, 0, err
	}
	res, err := e.gw.OpenShort(e.ctx, trade.Pair, qty, 0, match)
	if err != nil {
		return 0, 0, err
	}
	orderID := parseID(res.OrderID)

	e.mu.Lock()
	trade.EntryOrderID = orderID
	trade.EntryQty = qty
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		if cErr := e.gw.Cancel(e.ctx, trade.Pair, res.OrderID); cErr != nil {
			e.logger.Warn("cancel entry after store failure", "trade", short(trade.ID), "orderId", orderID, "err", cErr)
		}
		return 0, 0, errPersist
	}
	e.byEntry[orderID] = trade.ID
	e.mu.Unlock()

	e.stream.RegisterEntry(orderID)
	e.emit(types.EventEntrySent, trade.ID, map[string]any{
		"orderId":    orderID,
		"priceMatch": string(match),
		"qty":        qty,
		"attempt":    attempt,
	})
	return orderID, qty, nil
}

// marketEntry is the last-resort MARKET entry. Returns true if the fill
// callback took over.
func (e *Engine) marketEntry(trade *types.Trade) bool {
	refPrice, err := e.gw.BestBid(e.ctx, trade.Pair)
	if err != nil {
		e.logger.Error("market fallback failed", "trade", short(trade.ID), "err", err)
		return false
	}
	qty, err := e.gw.Quantity(e.ctx, trade.Pair, refPrice)
	if err != nil {
		e.logger.Error("market fallback failed", "trade", short(trade.ID), "err", err)
		return false
	}
	res, err := e.gw.OpenShortMarket(e.ctx, trade.Pair, qty)
	if err != nil {
		e.logger.Error("market fallback failed", "trade", short(trade.ID), "err", err)
		return false
	}
	orderID := parseID(res.OrderID)

	e.mu.Lock()
	trade.EntryOrderID = orderID
	trade.EntryQty = qty
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return true // trade is terminal, nothing left to chase
	}
	e.byEntry[orderID] = trade.ID
	e.mu.Unlock()

	e.stream.RegisterEntry(orderID)
	e.emit(types.EventEntrySent, trade.ID, map[string]any{
		"orderId": orderID,
		"type":    "MARKET",
		"qty":     qty,
	})
	e.logger.Info("market fallback sent", "trade", short(trade.ID), "orderId", orderID, "qty", qty)

	if e.waitFill(trade, marketFillTimeout) {
		return true
	}
	e.logger.Error("market fallback did not fill", "trade", short(trade.ID))
	e.dropEntryOrder(e.ctx, trade, orderID)
	return false
}

// waitFill polls the trade status until the fill callback flips it, the
// timeout expires, or the engine shuts down.
func (e *Engine) waitFill(trade *types.Trade, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		e.mu.Lock()
		status := trade.Status
		e.mu.Unlock()
		if status == types.StatusOpen {
			return true
		}
		if status.Terminal() {
			return false
		}
		select {
		case <-e.ctx.Done():
			return false
		case <-time.After(fillPollInterval):
		}
	}
	return false
}

// dropEntryOrder cancels a chase order and removes it from dispatch. A
// cancel error is only logged: if the order filled during the cancel, the
// stream still delivers the fill.
func (e *Engine) dropEntryOrder(ctx context.Context, trade *types.Trade, orderID int64) {
	if err := e.gw.Cancel(ctx, trade.Pair, formatID(orderID)); err != nil {
		e.logger.Warn("cancel entry failed", "trade", short(trade.ID), "orderId", orderID, "err", err)
	}
	e.stream.Unregister(orderID)
	e.mu.Lock()
	delete(e.byEntry, orderID)
	e.mu.Unlock()
}

// abortOpening is the shutdown path for an in-flight chase: cancel the
// resting order and persist not_executed under a fresh context.
func (e *Engine) abortOpening(trade *types.Trade) {
	e.logger.Info("entry chase aborted by shutdown", "trade", short(trade.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.mu.Lock()
	orderID := trade.EntryOrderID
	opening := trade.Status == types.StatusOpening
	e.mu.Unlock()

	if orderID != 0 && opening {
		e.dropEntryOrder(ctx, trade, orderID)
	}

	e.mu.Lock()
	if trade.Status == types.StatusOpening || trade.Status == types.StatusSignalReceived {
		trade.Status = types.StatusNotExecuted
		if err := e.saveTradeLocked(trade); err != nil {
			e.failLocked(trade, err)
		} else {
			delete(e.trades, trade.ID)
		}
	}
	e.mu.Unlock()
}

// finishNotExecuted ends a chase that never filled.
func (e *Engine) finishNotExecuted(trade *types.Trade, msg string) {
	e.mu.Lock()
	if trade.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	trade.Status = types.StatusNotExecuted
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return
	}
	delete(e.trades, trade.ID)
	e.mu.Unlock()
	e.emit(types.EventError, trade.ID, map[string]any{"msg": msg})
}

// ————————————————————————————————————————————————————————————————————————
// Fill callbacks (user-data stream)
// ————————————————————————————————————————————————————————————————————————

// OnEntryFill promotes the trade to open and places TP/SL.
func (e *Engine) OnEntryFill(u types.OrderUpdate) {
	e.mu.Lock()
	tradeID, ok := e.byEntry[u.OrderID]
	delete(e.byEntry, u.OrderID)
	trade := e.trades[tradeID]
	if !ok || trade == nil {
		e.mu.Unlock()
		e.logger.Warn("entry fill for unknown order", "orderId", u.OrderID)
		return
	}
	price := u.FillPrice()
	trade.EntryPrice = price
	trade.EntryFillTS = time.Now().UTC()
	trade.Status = types.StatusOpen
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return
	}
	qty := trade.EntryQty
	e.mu.Unlock()

	e.emit(types.EventEntryFill, tradeID, map[string]any{
		"orderId": u.OrderID,
		"price":   price,
		"qty":     qty,
	})
	e.logger.Info("entry filled", "trade", short(tradeID), "price", price, "qty", qty)

	e.placeTPSL(e.ctx, trade)
}

// placeTPSL arms both protective orders. A persistence failure on the TP
// leg ends the trade, so the SL leg is skipped.
func (e *Engine) placeTPSL(ctx context.Context, trade *types.Trade) {
	if err := e.placeOneTP(ctx, trade); err != nil {
		return
	}
	e.placeOneSL(ctx, trade)
}

// placeOneTP places the take-profit. Exchange errors are surfaced as
// events and return nil so the SL is still armed; only a store failure
// returns an error.
func (e *Engine) placeOneTP(ctx context.Context, trade *types.Trade) error {
	e.mu.Lock()
	pair, qty, entryPrice := trade.Pair, trade.EntryQty, trade.EntryPrice
	e.mu.Unlock()

	res, err := e.gw.PlaceTP(ctx, pair, qty, entryPrice)
	if err != nil {
		e.logger.Error("place TP failed", "trade", short(trade.ID), "err", err)
		e.emit(types.EventError, trade.ID, map[string]any{"msg": "TP error: " + err.Error()})
		return nil
	}
	oid := parseID(res.OrderID)

	e.mu.Lock()
	trade.TPOrderID = res.OrderID
	trade.TPTriggerPrice = res.TriggerPrice
	// Execution happens at the BBO when the trigger crosses; until the
	// fill the trigger level is the best available approximation.
	trade.TPPrice = res.TriggerPrice
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		if cErr := e.gw.Cancel(ctx, pair, res.OrderID); cErr != nil {
			e.logger.Warn("cancel TP after store failure", "trade", short(trade.ID), "orderId", oid, "err", cErr)
		}
		return errPersist
	}
	e.byTP[oid] = trade.ID
	e.mu.Unlock()

	e.stream.RegisterTP(oid)
	e.emit(types.EventTPPlaced, trade.ID, map[string]any{
		"orderId":   oid,
		"stopPrice": res.TriggerPrice,
	})
	e.logger.Info("TP placed", "trade", short(trade.ID), "orderId", oid, "trigger", res.TriggerPrice)
	return nil
}

// placeOneSL places the protective stop. When the exchange answers that
// the trigger is already crossed (-2021) the position is past its stop
// level, so it is closed immediately at market.
func (e *Engine) placeOneSL(ctx context.Context, trade *types.Trade) {
	e.mu.Lock()
	pair, qty, entryPrice := trade.Pair, trade.EntryQty, trade.EntryPrice
	e.mu.Unlock()

	res, err := e.gw.PlaceSL(ctx, pair, qty, entryPrice)
	if err != nil {
		if exchange.IsCode(err, exchange.CodeTriggerImmediately) {
			e.logger.Warn("SL trigger already crossed, closing at market", "trade", short(trade.ID), "pair", pair)
			e.emit(types.EventSLTriggered, trade.ID, map[string]any{"msg": "trigger already crossed at placement"})
			e.closeCrossedSL(ctx, trade)
			return
		}
		e.logger.Error("place SL failed", "trade", short(trade.ID), "err", err)
		e.emit(types.EventError, trade.ID, map[string]any{"msg": "SL error: " + err.Error()})
		return
	}
	oid := parseID(res.OrderID)

	e.mu.Lock()
	trade.SLOrderID = res.OrderID
	trade.SLTriggerPrice = res.TriggerPrice
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		if cErr := e.gw.Cancel(ctx, pair, res.OrderID); cErr != nil {
			e.logger.Warn("cancel SL after store failure", "trade", short(trade.ID), "orderId", oid, "err", cErr)
		}
		return
	}
	e.bySL[oid] = trade.ID
	e.mu.Unlock()

	e.stream.RegisterSL(oid)
	e.emit(types.EventSLPlaced, trade.ID, map[string]any{
		"orderId":   oid,
		"stopPrice": res.TriggerPrice,
	})
	e.logger.Info("SL placed", "trade", short(trade.ID), "orderId", oid, "trigger", res.TriggerPrice)
}

// closeCrossedSL handles -2021: market close, stop-loss exit semantics.
func (e *Engine) closeCrossedSL(ctx context.Context, trade *types.Trade) {
	e.mu.Lock()
	pair, qty := trade.Pair, trade.EntryQty
	e.mu.Unlock()

	res, err := e.gw.CloseMarket(ctx, pair, qty)
	if err != nil {
		e.logger.Error("market close after crossed SL failed", "trade", short(trade.ID), "err", err)
		e.emit(types.EventError, trade.ID, map[string]any{"msg": "SL -2021 close error: " + err.Error()})
		return
	}
	exitPrice := res.AvgPrice
	if exitPrice == 0 {
		exitPrice = res.Price
	}
	if exitPrice == 0 {
		e.logger.Warn("market close returned no price, PnL will be off", "trade", short(trade.ID))
	}

	e.mu.Lock()
	trade.Status = types.StatusClosing
	trade.ExitPrice = exitPrice
	trade.ExitFillTS = time.Now().UTC()
	trade.ExitKind = types.ExitSL
	e.mu.Unlock()

	e.cancelCounterpart(ctx, trade, types.ExitTP)
	e.closeTrade(trade)
}

// OnTPFill closes the trade on a take-profit execution.
func (e *Engine) OnTPFill(u types.OrderUpdate) {
	e.fillExit(u, e.byTP, types.ExitTP, types.EventTPFill)
}

// OnSLFill closes the trade on a stop-loss execution.
func (e *Engine) OnSLFill(u types.OrderUpdate) {
	e.fillExit(u, e.bySL, types.ExitSL, types.EventSLFill)
}

func (e *Engine) fillExit(u types.OrderUpdate, demux map[int64]string, kind types.ExitKind, event types.EventKind) {
	e.mu.Lock()
	tradeID, ok := demux[u.OrderID]
	delete(demux, u.OrderID)
	trade := e.trades[tradeID]
	if !ok || trade == nil || (trade.Status != types.StatusOpen && trade.Status != types.StatusClosing) {
		e.mu.Unlock()
		return
	}
	exitPrice := u.FillPrice()
	trade.Status = types.StatusClosing
	trade.ExitPrice = exitPrice
	trade.ExitFillTS = time.Now().UTC()
	trade.ExitKind = kind
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.emit(event, tradeID, map[string]any{"orderId": u.OrderID, "price": exitPrice})
	if kind == types.ExitSL {
		e.logger.Warn("SL executed", "trade", short(tradeID), "price", exitPrice)
	} else {
		e.logger.Info("TP executed", "trade", short(tradeID), "price", exitPrice)
	}

	counterpart := types.ExitSL
	if kind == types.ExitSL {
		counterpart = types.ExitTP
	}
	e.cancelCounterpart(e.ctx, trade, counterpart)
	e.closeTrade(trade)
}

// cancelCounterpart cancels the remaining protective order (tp or sl)
// after the other one executed.
func (e *Engine) cancelCounterpart(ctx context.Context, trade *types.Trade, which types.ExitKind) {
	e.mu.Lock()
	var orderID string
	if which == types.ExitTP {
		orderID = trade.TPOrderID
	} else {
		orderID = trade.SLOrderID
	}
	pair := trade.Pair
	e.mu.Unlock()
	if orderID == "" {
		return
	}

	if err := e.gw.Cancel(ctx, pair, orderID); err != nil {
		e.logger.Warn("cancel counterpart failed", "trade", short(trade.ID), "which", which, "orderId", orderID, "err", err)
	} else {
		e.logger.Info("counterpart cancelled", "trade", short(trade.ID), "which", which, "orderId", orderID)
	}

	oid := parseID(orderID)
	e.mu.Lock()
	delete(e.byTP, oid)
	delete(e.bySL, oid)
	e.mu.Unlock()
	e.stream.Unregister(oid)
}

// closeTrade computes PnL, marks the trade closed and forgets it.
// Short PnL: (entry - exit) * qty; estimated fees at the taker rate on
// both legs. All figures rounded to 4 decimals.
func (e *Engine) closeTrade(trade *types.Trade) {
	e.mu.Lock()
	if trade.EntryPrice > 0 && trade.ExitPrice > 0 && trade.EntryQty > 0 {
		trade.PnLPct = round4((trade.EntryPrice - trade.ExitPrice) / trade.EntryPrice * 100)
		trade.PnLUSDT = round4((trade.EntryPrice - trade.ExitPrice) * trade.EntryQty)
		trade.FeesUSDT = round4((trade.EntryPrice + trade.ExitPrice) * trade.EntryQty * takerFeeRate)
	}
	trade.Status = types.StatusClosed
	if err := e.saveTradeLocked(trade); err != nil {
		e.failLocked(trade, err)
		e.mu.Unlock()
		return
	}
	delete(e.trades, trade.ID)
	pnl, pct, kind, pair := trade.PnLUSDT, trade.PnLPct, trade.ExitKind, trade.Pair
	e.mu.Unlock()

	e.logger.Info("trade closed",
		"trade", short(trade.ID),
		"pair", pair,
		"exit", kind,
		"pnl_usdt", pnl,
		"pnl_pct", pct,
	)
}

// ————————————————————————————————————————————————————————————————————————
// Internal helpers
// ————————————————————————————————————————————————————————————————————————

// saveTradeLocked touches and persists a trade. Callers hold e.mu. A
// write failure at a status transition is fatal for the trade: callers
// must hand the trade to failLocked and stop, making no further exchange
// calls on its behalf.
func (e *Engine) saveTradeLocked(t *types.Trade) error {
	t.Touch()
	if err := e.store.SaveTrade(t); err != nil {
		e.logger.Error("save trade failed", "trade", short(t.ID), "err", err)
		return err
	}
	return nil
}

// failLocked moves a trade to error after a failed store write and drops
// it from the live map. The error-state write itself is best effort.
// Callers hold e.mu.
func (e *Engine) failLocked(t *types.Trade, cause error) {
	t.Status = types.StatusError
	t.ErrorMessage = "store: " + cause.Error()
	t.Touch()
	if err := e.store.SaveTrade(t); err != nil {
		e.logger.Error("save error state failed", "trade", short(t.ID), "err", err)
	}
	delete(e.trades, t.ID)
	e.logger.Error("trade aborted, store write failed", "trade", short(t.ID), "pair", t.Pair, "err", cause)
}

// emit persists an audit event and forwards it to the sink.
func (e *Engine) emit(kind types.EventKind, tradeID string, details map[string]any) {
	ev := types.NewEvent(tradeID, kind, details)
	if err := e.store.SaveEvent(ev); err != nil {
		e.logger.Error("save event failed", "kind", kind, "err", err)
	}
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}

// sleep waits for d unless the engine shuts down first.
func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-e.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// parseID converts the wire order id to the int64 the stream demux keys
// on. Unparseable ids map to 0, which nothing registers.
func parseID(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
