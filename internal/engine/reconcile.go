package engine

import (
	"context"
	"fmt"
	"time"

	"shortbot/pkg/types"
)

// Reconcile replays the non-terminal trades loaded from the store against
// live exchange state after a restart. It runs synchronously before the
// user-data stream and signal intake are started, so restored state is
// settled before any live event can touch it.
//
// Per status:
//
//	open             → position gone: closed (manual). Position alive:
//	                   re-register TP/SL if still resting, re-place if not.
//	opening          → entry order filled while down: promote to open and
//	                   arm TP/SL. Still resting: cancel, not_executed.
//	signal_received  → same as opening (entry may never have been sent).
//	closing          → position gone: finalise. Position alive: back to
//	                   open and reconcile protective orders.
func (e *Engine) Reconcile(ctx context.Context, stored []types.Trade) error {
	positions, err := e.gw.Positions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	held := make(map[string]bool, len(positions))
	for _, p := range positions {
		held[p.Pair] = true
	}

	known := make(map[string]bool, len(stored))
	for i := range stored {
		trade := stored[i]
		known[trade.Pair] = true
		e.mu.Lock()
		t := &trade
		e.trades[t.ID] = t
		e.mu.Unlock()

		switch t.Status {
		case types.StatusOpen:
			e.reconcileOpen(ctx, t, held[t.Pair])
		case types.StatusOpening, types.StatusSignalReceived:
			e.reconcileOpening(ctx, t)
		case types.StatusClosing:
			e.reconcileClosing(ctx, t, held[t.Pair])
		}
	}

	for _, p := range positions {
		if !known[p.Pair] {
			e.logger.Warn("exchange position with no tracked trade, leaving untouched",
				"pair", p.Pair, "amount", p.Amount, "entry", p.EntryPrice)
		}
	}

	e.logger.Info("reconcile done", "restored", e.OpenCount())
	return nil
}

// reconcileOpen restores an open trade: the position must still exist, and
// both protective orders must be resting (re-placed if the exchange lost
// them, e.g. after an expiry).
func (e *Engine) reconcileOpen(ctx context.Context, t *types.Trade, positioned bool) {
	if !positioned {
		e.logger.Warn("open trade has no position, closed externally", "trade", short(t.ID), "pair", t.Pair)
		e.mu.Lock()
		t.Status = types.StatusClosed
		t.ExitKind = types.ExitManual
		t.ExitFillTS = time.Now().UTC()
		if err := e.saveTradeLocked(t); err != nil {
			e.failLocked(t, err)
			e.mu.Unlock()
			return
		}
		delete(e.trades, t.ID)
		e.mu.Unlock()
		e.emit(types.EventError, t.ID, map[string]any{"msg": "position closed externally while down"})
		return
	}

	resting := e.restingOrders(ctx, t.Pair)

	if t.TPOrderID != "" && resting[t.TPOrderID] {
		oid := parseID(t.TPOrderID)
		e.mu.Lock()
		e.byTP[oid] = t.ID
		e.mu.Unlock()
		e.stream.RegisterTP(oid)
		e.logger.Info("TP re-registered", "trade", short(t.ID), "orderId", t.TPOrderID)
	} else {
		e.logger.Warn("TP missing, re-placing", "trade", short(t.ID))
		if err := e.placeOneTP(ctx, t); err != nil {
			return
		}
	}

	e.mu.Lock()
	stillOpen := t.Status == types.StatusOpen
	e.mu.Unlock()
	if !stillOpen {
		// Re-placing the SL below can market-close on -2021; TP first may
		// not, so only the SL leg can have moved the trade on.
		return
	}

	if t.SLOrderID != "" && resting[t.SLOrderID] {
		oid := parseID(t.SLOrderID)
		e.mu.Lock()
		e.bySL[oid] = t.ID
		e.mu.Unlock()
		e.stream.RegisterSL(oid)
		e.logger.Info("SL re-registered", "trade", short(t.ID), "orderId", t.SLOrderID)
	} else {
		e.logger.Warn("SL missing, re-placing", "trade", short(t.ID))
		e.placeOneSL(ctx, t)
	}
}

// reconcileOpening resolves a trade that was mid-chase when the process
// died.
func (e *Engine) reconcileOpening(ctx context.Context, t *types.Trade) {
	if t.EntryOrderID == 0 {
		e.dropNotExecuted(t, "restart before entry order was sent")
		return
	}

	got, err := e.gw.GetOrder(ctx, t.Pair, formatID(t.EntryOrderID))
	if err != nil {
		e.logger.Warn("entry order lookup failed", "trade", short(t.ID), "err", err)
		e.dropNotExecuted(t, "entry order state unknown after restart")
		return
	}

	if got.Filled() {
		price := got.AvgPrice
		if price == 0 {
			price = got.Price
		}
		e.mu.Lock()
		t.EntryPrice = price
		t.EntryFillTS = time.Now().UTC()
		t.Status = types.StatusOpen
		if err := e.saveTradeLocked(t); err != nil {
			e.failLocked(t, err)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.emit(types.EventEntryFill, t.ID, map[string]any{
			"orderId":   t.EntryOrderID,
			"price":     price,
			"reconcile": true,
		})
		e.logger.Info("entry filled while down, arming exits", "trade", short(t.ID), "price", price)
		e.placeTPSL(ctx, t)
		return
	}

	if got.Status == "NEW" || got.Status == "PARTIALLY_FILLED" {
		if err := e.gw.Cancel(ctx, t.Pair, formatID(t.EntryOrderID)); err != nil {
			e.logger.Warn("cancel stale entry failed", "trade", short(t.ID), "err", err)
		}
	}
	e.dropNotExecuted(t, "entry not filled before restart")
}

// reconcileClosing resolves a trade caught between exit fill and close.
func (e *Engine) reconcileClosing(ctx context.Context, t *types.Trade, positioned bool) {
	if !positioned {
		e.mu.Lock()
		if t.ExitKind == "" {
			t.ExitKind = types.ExitManual
		}
		if t.ExitFillTS.IsZero() {
			t.ExitFillTS = time.Now().UTC()
		}
		e.mu.Unlock()
		e.closeTrade(t)
		return
	}

	// Position survived, so whatever close was in flight never executed.
	e.logger.Warn("closing trade still has position, restoring", "trade", short(t.ID), "pair", t.Pair)
	e.mu.Lock()
	t.Status = types.StatusOpen
	t.ExitKind = ""
	t.ExitPrice = 0
	if err := e.saveTradeLocked(t); err != nil {
		e.failLocked(t, err)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.reconcileOpen(ctx, t, true)
}

// restingOrders collects the ids of all open regular and algo orders on a
// pair.
func (e *Engine) restingOrders(ctx context.Context, pair string) map[string]bool {
	resting := make(map[string]bool)
	orders, err := e.gw.OpenOrders(ctx, pair)
	if err != nil {
		e.logger.Warn("open orders lookup failed", "pair", pair, "err", err)
	}
	algos, algoErr := e.gw.OpenAlgoOrders(ctx, pair)
	if algoErr != nil {
		e.logger.Warn("open algo orders lookup failed", "pair", pair, "err", algoErr)
	}
	for _, o := range append(orders, algos...) {
		resting[o.OrderID] = true
	}
	return resting
}

func (e *Engine) dropNotExecuted(t *types.Trade, msg string) {
	e.logger.Info("trade not executed", "trade", short(t.ID), "msg", msg)
	e.mu.Lock()
	t.Status = types.StatusNotExecuted
	if err := e.saveTradeLocked(t); err != nil {
		e.failLocked(t, err)
		e.mu.Unlock()
		return
	}
	delete(e.trades, t.ID)
	e.mu.Unlock()
}
