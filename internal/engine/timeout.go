package engine

import (
	"time"

	"shortbot/pkg/types"
)

const (
	sweepInterval     = time.Minute
	closePollInterval = 2 * time.Second
)

// timeoutLoop periodically force-closes positions that have been open
// longer than timeout_hours.
func (e *Engine) timeoutLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.checkTimeouts()
		}
	}
}

// checkTimeouts flips every expired trade to closing under the lock, then
// spawns the actual close. The synchronous transition means the next sweep
// cannot pick the same trade up again.
func (e *Engine) checkTimeouts() {
	maxAge := time.Duration(e.cfg.Strategy.TimeoutHours * float64(time.Hour))
	now := time.Now().UTC()

	var expired []*types.Trade
	e.mu.Lock()
	for _, t := range e.trades {
		if t.Status != types.StatusOpen || t.EntryFillTS.IsZero() {
			continue
		}
		if now.Sub(t.EntryFillTS) < maxAge {
			continue
		}
		t.Status = types.StatusClosing
		t.ExitKind = types.ExitTimeout
		t.TimeoutTriggered = true
		if err := e.saveTradeLocked(t); err != nil {
			e.failLocked(t, err)
			continue
		}
		expired = append(expired, t)
	}
	e.mu.Unlock()

	for _, t := range expired {
		openSince := t.EntryFillTS
		e.logger.Warn("trade timed out", "trade", short(t.ID), "pair", t.Pair, "open_since", openSince)
		e.emit(types.EventTimeout, t.ID, map[string]any{
			"open_since": openSince.Format(time.RFC3339),
			"hours":      e.cfg.Strategy.TimeoutHours,
		})
		trade := t
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.closeByTimeout(trade)
		}()
	}
}

// closeByTimeout cancels the protective orders and unwinds the position
// with the configured order type, falling back to MARKET when allowed.
func (e *Engine) closeByTimeout(trade *types.Trade) {
	e.cancelCounterpart(e.ctx, trade, types.ExitTP)
	e.cancelCounterpart(e.ctx, trade, types.ExitSL)

	e.mu.Lock()
	pair, qty := trade.Pair, trade.EntryQty
	e.mu.Unlock()

	exit := e.cfg.Exit
	if exit.TimeoutOrderType != "MARKET" {
		filled, price := e.tryLimitClose(trade, pair, qty, exit.TimeoutOrderType)
		if filled {
			e.finishTimeoutClose(trade, price)
			return
		}
		if !exit.TimeoutMarketFallback {
			e.failTimeoutClose(trade, "timeout close did not fill and market fallback disabled")
			return
		}
	}

	res, err := e.gw.CloseMarket(e.ctx, pair, qty)
	if err != nil {
		e.failTimeoutClose(trade, "timeout market close failed: "+err.Error())
		return
	}
	price := res.AvgPrice
	if price == 0 {
		price = res.Price
	}
	e.finishTimeoutClose(trade, price)
}

// tryLimitClose places one LIMIT (best ask) or BBO close and gives it
// timeout_chase to fill, polling the order every 2s. Returns the fill
// price on success; cancels the order otherwise.
func (e *Engine) tryLimitClose(trade *types.Trade, pair string, qty float64, orderType string) (bool, float64) {
	var (
		res types.OrderResult
		err error
	)
	switch orderType {
	case "BBO":
		res, err = e.gw.CloseBBO(e.ctx, pair, qty)
	default:
		var ask float64
		ask, err = e.gw.BestAsk(e.ctx, pair)
		if err == nil {
			res, err = e.gw.CloseLimit(e.ctx, pair, qty, ask)
		}
	}
	if err != nil {
		e.logger.Error("timeout close order failed", "trade", short(trade.ID), "type", orderType, "err", err)
		return false, 0
	}
	e.logger.Info("timeout close sent", "trade", short(trade.ID), "type", orderType, "orderId", res.OrderID)

	deadline := time.Now().Add(e.cfg.Exit.TimeoutChase())
	for time.Now().Before(deadline) {
		select {
		case <-e.ctx.Done():
			return false, 0
		case <-time.After(closePollInterval):
		}
		got, err := e.gw.GetOrder(e.ctx, pair, res.OrderID)
		if err != nil {
			e.logger.Warn("timeout close poll failed", "trade", short(trade.ID), "err", err)
			continue
		}
		if got.Filled() {
			price := got.AvgPrice
			if price == 0 {
				price = got.Price
			}
			return true, price
		}
	}

	if err := e.gw.Cancel(e.ctx, pair, res.OrderID); err != nil {
		e.logger.Warn("cancel timeout close failed", "trade", short(trade.ID), "orderId", res.OrderID, "err", err)
	}
	return false, 0
}

func (e *Engine) finishTimeoutClose(trade *types.Trade, price float64) {
	e.mu.Lock()
	trade.ExitPrice = price
	trade.ExitFillTS = time.Now().UTC()
	trade.ExitKind = types.ExitTimeout
	e.mu.Unlock()
	e.closeTrade(trade)
}

// failTimeoutClose leaves the trade in error with the position untouched;
// the operator (or the next restart's reconcile) picks it up.
func (e *Engine) failTimeoutClose(trade *types.Trade, msg string) {
	e.logger.Error("timeout close failed", "trade", short(trade.ID), "msg", msg)
	e.mu.Lock()
	trade.Status = types.StatusError
	trade.ErrorMessage = msg
	if err := e.saveTradeLocked(trade); err != nil {
		e.logger.Error("save error state failed", "trade", short(trade.ID), "err", err)
	}
	delete(e.trades, trade.ID)
	e.mu.Unlock()
	e.emit(types.EventError, trade.ID, map[string]any{"msg": msg})
}
