// Package exchange implements the Binance USD-M futures REST client and the
// user-data WebSocket stream.
//
// The REST client (Client) covers everything the engine needs:
//   - account:     balance, positions, leverage, margin type
//   - market data: exchangeInfo filters, book ticker, mark price
//   - entries:     SELL LIMIT with priceMatch (BBO chase) or GTX, MARKET fallback
//   - protection:  TAKE_PROFIT and STOP_MARKET conditional algo orders
//                  (/fapi/v1/algoOrder, survive process restarts)
//   - exits:       reduce-only BUY LIMIT / BBO / MARKET
//   - stream:      listenKey lifecycle for the user-data stream
//
// Every request is rate-limited per endpoint category, retried on 429/5xx
// with backoff, and signed with HMAC-SHA256 where required. Error bodies
// are surfaced as *APIError so callers can branch on Binance codes.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

// Client is the Binance USD-M futures REST API client.
type Client struct {
	http   *resty.Client
	signer *Signer
	rl     *RateLimiter
	logger *slog.Logger

	capital float64 // strategy.capital_per_trade
	tpPct   float64
	slPct   float64

	infoMu sync.Mutex
	info   map[string]types.SymbolInfo // symbol → cached filters
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Exchange.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1500 * time.Millisecond).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == 429 || code >= 500
		}).
		SetHeader("X-MBX-APIKEY", cfg.Exchange.APIKey)

	return &Client{
		http:    httpClient,
		signer:  NewSigner(cfg.Exchange.APISecret),
		rl:      NewRateLimiter(),
		logger:  logger,
		capital: cfg.Strategy.CapitalPerTrade,
		tpPct:   cfg.Strategy.TPPct,
		slPct:   cfg.Strategy.SLPct,
		info:    make(map[string]types.SymbolInfo),
	}
}

// ————————————————————————————————————————————————————————————————————————
// HTTP plumbing
// ————————————————————————————————————————————————————————————————————————

func (c *Client) do(ctx context.Context, limiter limiterKind, method, path string, params url.Values, signed bool, out any) error {
	if err := c.wait(ctx, limiter); err != nil {
		return err
	}

	req := c.http.R().SetContext(ctx)
	if signed {
		req.SetQueryString(c.signer.SignedQuery(params))
	} else if len(params) > 0 {
		req.SetQueryString(params.Encode())
	}

	var (
		resp *resty.Response
		err  error
	)
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "PUT":
		resp, err = req.Put(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported method %q", method)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() >= 400 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

type limiterKind int

const (
	limitQuery limiterKind = iota
	limitOrder
	limitCancel
)

func (c *Client) wait(ctx context.Context, kind limiterKind) error {
	switch kind {
	case limitOrder:
		return c.rl.Order.Wait(ctx)
	case limitCancel:
		return c.rl.Cancel.Wait(ctx)
	default:
		return c.rl.Query.Wait(ctx)
	}
}

// apiError decodes a Binance error body into *APIError.
func apiError(resp *resty.Response) error {
	var body struct {
		Code int64  `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Code == 0 {
		return &APIError{Code: int64(resp.StatusCode()), Msg: string(resp.Body()), Status: resp.StatusCode()}
	}
	return &APIError{Code: body.Code, Msg: body.Msg, Status: resp.StatusCode()}
}

// orderResp is the wire shape of order placement / query responses, shared
// by regular and algo endpoints. Algo responses carry algoId instead of
// orderId; normalise() folds them together.
type orderResp struct {
	OrderID      json.Number `json:"orderId"`
	AlgoID       json.Number `json:"algoId"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	Status       string      `json:"status"`
	AvgPrice     string      `json:"avgPrice"`
	Price        string      `json:"price"`
	StopPrice    string      `json:"stopPrice"`
	TriggerPrice string      `json:"triggerPrice"`
	OrigQty      string      `json:"origQty"`
	ExecutedQty  string      `json:"executedQty"`
	Type         string      `json:"type"`
}

func (r orderResp) normalise() types.OrderResult {
	id := r.OrderID.String()
	if id == "" {
		id = r.AlgoID.String()
	}
	trigger := atof(r.TriggerPrice)
	if trigger == 0 {
		trigger = atof(r.StopPrice)
	}
	return types.OrderResult{
		OrderID:      id,
		Status:       r.Status,
		Pair:         r.Symbol,
		Side:         r.Side,
		AvgPrice:     atof(r.AvgPrice),
		Price:        atof(r.Price),
		TriggerPrice: trigger,
		OrigQty:      atof(r.OrigQty),
		ExecutedQty:  atof(r.ExecutedQty),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Account / market data
// ————————————————————————————————————————————————————————————————————————

// Balance returns the available USDT balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	var assets []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v2/balance", url.Values{}, true, &assets); err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	for _, a := range assets {
		if a.Asset == "USDT" {
			return atof(a.AvailableBalance), nil
		}
	}
	return 0, nil
}

// SymbolInfo returns the trading filters for a pair, cached after the
// first fetch.
func (c *Client) SymbolInfo(ctx context.Context, pair string) (types.SymbolInfo, error) {
	c.infoMu.Lock()
	if info, ok := c.info[pair]; ok {
		c.infoMu.Unlock()
		return info, nil
	}
	c.infoMu.Unlock()

	var data struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v1/exchangeInfo", url.Values{}, false, &data); err != nil {
		return types.SymbolInfo{}, fmt.Errorf("exchange info: %w", err)
	}

	for _, s := range data.Symbols {
		if s.Symbol != pair {
			continue
		}
		info := types.SymbolInfo{Pair: pair, TickSize: 0.0001, StepSize: 0.001, MinQty: 0.001, MinNotional: 5}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.TickSize = atof(f.TickSize)
			case "LOT_SIZE":
				info.StepSize = atof(f.StepSize)
				info.MinQty = atof(f.MinQty)
			case "MIN_NOTIONAL":
				info.MinNotional = atof(f.Notional)
			}
		}
		c.infoMu.Lock()
		c.info[pair] = info
		c.infoMu.Unlock()
		return info, nil
	}
	return types.SymbolInfo{}, fmt.Errorf("symbol %s not found in exchange info", pair)
}

// SetLeverage sets the leverage for a pair.
func (c *Client) SetLeverage(ctx context.Context, pair string, leverage int) error {
	c.logger.Info("setting leverage", "pair", pair, "leverage", leverage)
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("leverage", fmt.Sprintf("%d", leverage))
	if err := c.do(ctx, limitQuery, "POST", "/fapi/v1/leverage", params, true, nil); err != nil {
		return fmt.Errorf("set leverage %s: %w", pair, err)
	}
	return nil
}

// SetMarginType sets the margin mode for a pair. "Already set" (-4046) is
// absorbed so the call is idempotent.
func (c *Client) SetMarginType(ctx context.Context, pair, marginType string) error {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("marginType", marginType)
	err := c.do(ctx, limitQuery, "POST", "/fapi/v1/marginType", params, true, nil)
	if err != nil {
		if IsCode(err, CodeMarginAlreadySet) {
			c.logger.Debug("margin type already set", "pair", pair, "type", marginType)
			return nil
		}
		return fmt.Errorf("set margin type %s: %w", pair, err)
	}
	return nil
}

func (c *Client) bookTicker(ctx context.Context, pair string) (bid, ask float64, err error) {
	params := url.Values{}
	params.Set("symbol", pair)
	var data struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v1/ticker/bookTicker", params, false, &data); err != nil {
		return 0, 0, fmt.Errorf("book ticker %s: %w", pair, err)
	}
	return atof(data.BidPrice), atof(data.AskPrice), nil
}

// BestBid returns the top-of-book bid.
func (c *Client) BestBid(ctx context.Context, pair string) (float64, error) {
	bid, _, err := c.bookTicker(ctx, pair)
	return bid, err
}

// BestAsk returns the top-of-book ask.
func (c *Client) BestAsk(ctx context.Context, pair string) (float64, error) {
	_, ask, err := c.bookTicker(ctx, pair)
	return ask, err
}

// MarkPrice returns the current mark price.
func (c *Client) MarkPrice(ctx context.Context, pair string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	var data struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v1/premiumIndex", params, false, &data); err != nil {
		return 0, fmt.Errorf("mark price %s: %w", pair, err)
	}
	return atof(data.MarkPrice), nil
}

// Positions returns all positions with non-zero amount.
func (c *Client) Positions(ctx context.Context) ([]types.PositionInfo, error) {
	var data []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
	}
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v2/positionRisk", url.Values{}, true, &data); err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}
	var out []types.PositionInfo
	for _, p := range data {
		amt := atof(p.PositionAmt)
		if amt == 0 {
			continue
		}
		out = append(out, types.PositionInfo{
			Pair:       p.Symbol,
			Amount:     amt,
			EntryPrice: atof(p.EntryPrice),
			MarkPrice:  atof(p.MarkPrice),
		})
	}
	return out, nil
}

// Quantity computes the order quantity for the configured capital at the
// given price: capital/price rounded down to the step size, then checked
// against minQty and minNotional.
func (c *Client) Quantity(ctx context.Context, pair string, price float64) (float64, error) {
	info, err := c.SymbolInfo(ctx, pair)
	if err != nil {
		return 0, err
	}
	qty := RoundStep(c.capital/price, info.StepSize)
	if qty < info.MinQty {
		return 0, fmt.Errorf("%s: qty %v below minQty %v, increase capital_per_trade", pair, qty, info.MinQty)
	}
	if notional := qty * price; notional < info.MinNotional {
		return 0, fmt.Errorf("%s: notional %.2f below minNotional %v, increase capital_per_trade", pair, notional, info.MinNotional)
	}
	return qty, nil
}

// ————————————————————————————————————————————————————————————————————————
// Entry orders (SHORT)
// ————————————————————————————————————————————————————————————————————————

// OpenShort places a SELL LIMIT to open a short. With a price match mode
// the order is GTC pegged to the book (BBO chase); with an explicit price
// it is GTX (post-only) at the price rounded to the tick.
func (c *Client) OpenShort(ctx context.Context, pair string, qty, price float64, match types.PriceMatch) (types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "SELL")
	params.Set("positionSide", "BOTH")
	params.Set("type", "LIMIT")
	params.Set("quantity", fmtNum(qty))

	if match != types.MatchNone {
		params.Set("timeInForce", "GTC")
		params.Set("priceMatch", string(match))
		c.logger.Info("opening short", "pair", pair, "qty", qty, "priceMatch", match)
	} else {
		info, err := c.SymbolInfo(ctx, pair)
		if err != nil {
			return types.OrderResult{}, err
		}
		params.Set("timeInForce", "GTX")
		params.Set("price", fmtNum(RoundTick(price, info.TickSize)))
		c.logger.Info("opening short", "pair", pair, "qty", qty, "price", RoundTick(price, info.TickSize))
	}

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("open short %s: %w", pair, err)
	}
	return resp.normalise(), nil
}

// OpenShortMarket opens a short with a SELL MARKET order (entry fallback).
func (c *Client) OpenShortMarket(ctx context.Context, pair string, qty float64) (types.OrderResult, error) {
	c.logger.Warn("opening short at market", "pair", pair, "qty", qty)
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "SELL")
	params.Set("positionSide", "BOTH")
	params.Set("type", "MARKET")
	params.Set("quantity", fmtNum(qty))

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("open short market %s: %w", pair, err)
	}
	return resp.normalise(), nil
}

// ————————————————————————————————————————————————————————————————————————
// TP / SL conditional algo orders (/fapi/v1/algoOrder)
//
// TP → TAKE_PROFIT with priceMatch=OPPONENT: when mark price drops to the
// trigger, Binance executes at the best ask.
//   triggerPrice = entry * (1 - tp_pct/100)
// SL → STOP_MARKET: when mark price rises to the trigger, Binance executes
// MARKET.
//   triggerPrice = entry * (1 + sl_pct/100)
// Both are reduce-only, price-protected, work on MARK_PRICE, and rest on
// the exchange across process restarts.
// ————————————————————————————————————————————————————————————————————————

// PlaceTP places the take-profit conditional order for a short.
func (c *Client) PlaceTP(ctx context.Context, pair string, qty, entryPrice float64) (types.OrderResult, error) {
	info, err := c.SymbolInfo(ctx, pair)
	if err != nil {
		return types.OrderResult{}, err
	}
	trigger := RoundTick(entryPrice*(1-c.tpPct/100), info.TickSize)

	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "TAKE_PROFIT")
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", fmtNum(qty))
	params.Set("triggerPrice", fmtNum(trigger))
	params.Set("priceMatch", string(types.MatchOpponent))
	params.Set("timeInForce", "GTC")
	params.Set("workingType", "MARK_PRICE")
	params.Set("reduceOnly", "true")
	params.Set("priceProtect", "true")

	c.logger.Info("placing TP", "pair", pair, "entry", entryPrice, "trigger", trigger)

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/algoOrder", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("place tp %s: %w", pair, err)
	}
	out := resp.normalise()
	if out.TriggerPrice == 0 {
		out.TriggerPrice = trigger
	}
	return out, nil
}

// PlaceSL places the stop-loss conditional order for a short.
func (c *Client) PlaceSL(ctx context.Context, pair string, qty, entryPrice float64) (types.OrderResult, error) {
	info, err := c.SymbolInfo(ctx, pair)
	if err != nil {
		return types.OrderResult{}, err
	}
	trigger := RoundTick(entryPrice*(1+c.slPct/100), info.TickSize)

	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "STOP_MARKET")
	params.Set("algoType", "CONDITIONAL")
	params.Set("quantity", fmtNum(qty))
	params.Set("triggerPrice", fmtNum(trigger))
	params.Set("workingType", "MARK_PRICE")
	params.Set("reduceOnly", "true")
	params.Set("priceProtect", "true")

	c.logger.Info("placing SL", "pair", pair, "entry", entryPrice, "trigger", trigger)

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/algoOrder", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("place sl %s: %w", pair, err)
	}
	out := resp.normalise()
	if out.TriggerPrice == 0 {
		out.TriggerPrice = trigger
	}
	return out, nil
}

// SLTrigger returns the rounded stop-loss trigger price for an entry,
// without placing an order.
func (c *Client) SLTrigger(ctx context.Context, pair string, entryPrice float64) (float64, error) {
	info, err := c.SymbolInfo(ctx, pair)
	if err != nil {
		return 0, err
	}
	return RoundTick(entryPrice*(1+c.slPct/100), info.TickSize), nil
}

// ————————————————————————————————————————————————————————————————————————
// Exit orders (timeout / manual close)
// ————————————————————————————————————————————————————————————————————————

// CloseLimit places a reduce-only BUY LIMIT at the given price.
func (c *Client) CloseLimit(ctx context.Context, pair string, qty, price float64) (types.OrderResult, error) {
	info, err := c.SymbolInfo(ctx, pair)
	if err != nil {
		return types.OrderResult{}, err
	}
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", fmtNum(qty))
	params.Set("price", fmtNum(RoundTick(price, info.TickSize)))
	params.Set("reduceOnly", "true")

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("close limit %s: %w", pair, err)
	}
	return resp.normalise(), nil
}

// CloseBBO places a reduce-only BUY LIMIT pegged to the opponent best
// level (buy at the current best ask).
func (c *Client) CloseBBO(ctx context.Context, pair string, qty float64) (types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("priceMatch", string(types.MatchOpponent))
	params.Set("quantity", fmtNum(qty))
	params.Set("reduceOnly", "true")

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("close bbo %s: %w", pair, err)
	}
	return resp.normalise(), nil
}

// CloseMarket closes a position with a reduce-only BUY MARKET order.
func (c *Client) CloseMarket(ctx context.Context, pair string, qty float64) (types.OrderResult, error) {
	c.logger.Warn("closing position at market", "pair", pair, "qty", qty)
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("side", "BUY")
	params.Set("positionSide", "BOTH")
	params.Set("type", "MARKET")
	params.Set("quantity", fmtNum(qty))
	params.Set("reduceOnly", "true")

	var resp orderResp
	if err := c.do(ctx, limitOrder, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("close market %s: %w", pair, err)
	}
	return resp.normalise(), nil
}

// ————————————————————————————————————————————————————————————————————————
// Order management
// ————————————————————————————————————————————————————————————————————————

// Cancel cancels an order. If the regular endpoint reports unknown order
// (-2011), the algo endpoint is tried with the same id as algoId — TP/SL
// live there.
func (c *Client) Cancel(ctx context.Context, pair, orderID string) error {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", orderID)
	err := c.do(ctx, limitCancel, "DELETE", "/fapi/v1/order", params, true, nil)
	if err == nil {
		return nil
	}
	if !IsCode(err, CodeUnknownOrder) {
		return fmt.Errorf("cancel %s %s: %w", pair, orderID, err)
	}

	algoParams := url.Values{}
	algoParams.Set("symbol", pair)
	algoParams.Set("algoId", orderID)
	if err := c.do(ctx, limitCancel, "DELETE", "/fapi/v1/algoOrder", algoParams, true, nil); err != nil {
		return fmt.Errorf("cancel algo %s %s: %w", pair, orderID, err)
	}
	return nil
}

// GetOrder queries one regular order by id.
func (c *Client) GetOrder(ctx context.Context, pair, orderID string) (types.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	params.Set("orderId", orderID)
	var resp orderResp
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v1/order", params, true, &resp); err != nil {
		return types.OrderResult{}, fmt.Errorf("get order %s %s: %w", pair, orderID, err)
	}
	return resp.normalise(), nil
}

// OpenOrders lists open regular orders for a pair.
func (c *Client) OpenOrders(ctx context.Context, pair string) ([]types.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	return c.openOrders(ctx, "/fapi/v1/openOrders", params)
}

// AllOpenOrders lists open regular orders across the whole account.
func (c *Client) AllOpenOrders(ctx context.Context) ([]types.OpenOrder, error) {
	return c.openOrders(ctx, "/fapi/v1/openOrders", url.Values{})
}

func (c *Client) openOrders(ctx context.Context, path string, params url.Values) ([]types.OpenOrder, error) {
	var data []orderResp
	if err := c.do(ctx, limitQuery, "GET", path, params, true, &data); err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	out := make([]types.OpenOrder, 0, len(data))
	for _, o := range data {
		r := o.normalise()
		out = append(out, types.OpenOrder{OrderID: r.OrderID, Pair: r.Pair, Type: o.Type, Side: r.Side, Status: r.Status})
	}
	return out, nil
}

// OpenAlgoOrders lists open conditional algo orders for a pair. Errors are
// reported as an empty list: the algo endpoint is unavailable on accounts
// not migrated to the algo service, and reconciliation must carry on.
func (c *Client) OpenAlgoOrders(ctx context.Context, pair string) ([]types.OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", pair)
	return c.openAlgoOrders(ctx, params), nil
}

// AllOpenAlgoOrders lists open conditional algo orders across the account.
func (c *Client) AllOpenAlgoOrders(ctx context.Context) ([]types.OpenOrder, error) {
	return c.openAlgoOrders(ctx, url.Values{}), nil
}

func (c *Client) openAlgoOrders(ctx context.Context, params url.Values) []types.OpenOrder {
	var raw json.RawMessage
	if err := c.do(ctx, limitQuery, "GET", "/fapi/v1/openAlgoOrders", params, true, &raw); err != nil {
		c.logger.Debug("open algo orders unavailable", "err", err)
		return nil
	}

	// The endpoint answers either a bare array or {"orders": [...]}.
	var list []orderResp
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			Orders []orderResp `json:"orders"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			c.logger.Debug("open algo orders: unexpected payload", "err", err)
			return nil
		}
		list = wrapped.Orders
	}

	out := make([]types.OpenOrder, 0, len(list))
	for _, o := range list {
		r := o.normalise()
		out = append(out, types.OpenOrder{OrderID: r.OrderID, Pair: r.Pair, Type: o.Type, Side: r.Side, Status: r.Status})
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// User-data stream listen key
// ————————————————————————————————————————————————————————————————————————

// ListenKey creates a user-data stream listen key.
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	var data struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, limitQuery, "POST", "/fapi/v1/listenKey", url.Values{}, false, &data); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	return data.ListenKey, nil
}

// KeepAliveListenKey extends the listen key validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if err := c.do(ctx, limitQuery, "PUT", "/fapi/v1/listenKey", url.Values{}, false, nil); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// CloseListenKey deletes the listen key on shutdown.
func (c *Client) CloseListenKey(ctx context.Context) error {
	if err := c.do(ctx, limitQuery, "DELETE", "/fapi/v1/listenKey", url.Values{}, false, nil); err != nil {
		return fmt.Errorf("close listen key: %w", err)
	}
	return nil
}
