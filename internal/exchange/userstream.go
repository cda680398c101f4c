// userstream.go implements the Binance futures user-data stream.
//
// The stream watches ORDER_TRADE_UPDATE events for registered order ids and
// dispatches each FILLED order to exactly one callback: entry, TP or SL.
// An id is removed from its set before the callback fires, so a fill is
// never delivered twice.
//
// The listen key is created per connection, refreshed every 25 minutes
// (Binance expires idle keys after 60), and regenerated on every reconnect.
// Reconnects use exponential backoff (1s → 60s max). A read deadline
// detects silent server failures.
package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"shortbot/pkg/types"
)

const (
	keepAliveInterval = 25 * time.Minute
	streamReadTimeout = 90 * time.Second
	maxStreamBackoff  = 60 * time.Second
	dialTimeout       = 10 * time.Second
)

// FillHandler receives the order object of a FILLED update.
type FillHandler func(types.OrderUpdate)

// StatusHandler is notified on connect (true) and disconnect (false).
type StatusHandler func(connected bool)

// UserStream maintains the user-data WebSocket connection and routes fills
// of registered orders to the engine callbacks.
type UserStream struct {
	wsBase string
	client *Client
	logger *slog.Logger

	onEntryFill FillHandler
	onTPFill    FillHandler
	onSLFill    FillHandler
	onStatus    StatusHandler

	mu        sync.Mutex
	entryIDs  map[int64]bool
	tpIDs     map[int64]bool
	slIDs     map[int64]bool
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewUserStream creates a stream bound to the given REST client (for the
// listen-key lifecycle). Handlers must be set before Start.
func NewUserStream(wsBase string, client *Client, logger *slog.Logger) *UserStream {
	return &UserStream{
		wsBase:   wsBase,
		client:   client,
		logger:   logger.With("component", "userstream"),
		entryIDs: make(map[int64]bool),
		tpIDs:    make(map[int64]bool),
		slIDs:    make(map[int64]bool),
	}
}

// OnFills sets the three fill callbacks.
func (u *UserStream) OnFills(entry, tp, sl FillHandler) {
	u.onEntryFill, u.onTPFill, u.onSLFill = entry, tp, sl
}

// OnStatus sets the connect/disconnect callback.
func (u *UserStream) OnStatus(h StatusHandler) { u.onStatus = h }

// ————————————————————————————————————————————————————————————————————————
// Order registration
// ————————————————————————————————————————————————————————————————————————

// RegisterEntry watches an entry order id for fills.
func (u *UserStream) RegisterEntry(id int64) {
	u.mu.Lock()
	u.entryIDs[id] = true
	u.mu.Unlock()
	u.logger.Debug("registered entry order", "orderId", id)
}

// RegisterTP watches a take-profit order id for fills.
func (u *UserStream) RegisterTP(id int64) {
	u.mu.Lock()
	u.tpIDs[id] = true
	u.mu.Unlock()
	u.logger.Debug("registered TP order", "orderId", id)
}

// RegisterSL watches a stop-loss order id for fills.
func (u *UserStream) RegisterSL(id int64) {
	u.mu.Lock()
	u.slIDs[id] = true
	u.mu.Unlock()
	u.logger.Debug("registered SL order", "orderId", id)
}

// Unregister stops watching an order id in all sets.
func (u *UserStream) Unregister(id int64) {
	u.mu.Lock()
	delete(u.entryIDs, id)
	delete(u.tpIDs, id)
	delete(u.slIDs, id)
	u.mu.Unlock()
}

// Connected reports whether the stream currently has a live connection.
func (u *UserStream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *UserStream) setConnected(v bool) {
	u.mu.Lock()
	changed := u.connected != v
	u.connected = v
	u.mu.Unlock()
	if changed && u.onStatus != nil {
		u.onStatus(v)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Connection lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start launches the connection loop in a goroutine.
func (u *UserStream) Start(ctx context.Context) {
	ctx, u.cancel = context.WithCancel(ctx)
	u.done = make(chan struct{})
	go func() {
		defer close(u.done)
		u.run(ctx)
	}()
	u.logger.Info("user stream started")
}

// Stop tears down the connection and deletes the listen key.
func (u *UserStream) Stop() {
	if u.cancel != nil {
		u.cancel()
		<-u.done
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := u.client.CloseListenKey(ctx); err != nil {
		u.logger.Warn("close listen key failed", "err", err)
	}
	u.setConnected(false)
	u.logger.Info("user stream stopped")
}

func (u *UserStream) run(ctx context.Context) {
	backoff := time.Second
	for {
		err := u.connectAndRead(ctx)
		u.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		u.logger.Warn("user stream disconnected, reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxStreamBackoff {
			backoff = maxStreamBackoff
		}
	}
}

// connectAndRead gets a fresh listen key, dials, and reads until error.
func (u *UserStream) connectAndRead(ctx context.Context) error {
	key, err := u.client.ListenKey(ctx)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.wsBase+"/ws/"+key, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	// Keepalive the listen key while this connection lives.
	kaCtx, kaCancel := context.WithCancel(ctx)
	defer kaCancel()
	go u.keepAlive(kaCtx)

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-kaCtx.Done()
		conn.Close()
	}()

	u.setConnected(true)
	u.logger.Info("user stream connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		u.handleMessage(raw)
	}
}

func (u *UserStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.client.KeepAliveListenKey(ctx); err != nil {
				u.logger.Warn("listen key keepalive failed", "err", err)
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Message dispatch
// ————————————————————————————————————————————————————————————————————————

func (u *UserStream) handleMessage(raw []byte) {
	var msg struct {
		Event string          `json:"e"`
		Order json.RawMessage `json:"o"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		u.logger.Warn("user stream: non-JSON message", "err", err)
		return
	}
	if msg.Event != "ORDER_TRADE_UPDATE" {
		return
	}

	var order types.OrderUpdate
	if err := json.Unmarshal(msg.Order, &order); err != nil {
		u.logger.Warn("user stream: bad order payload", "err", err)
		return
	}
	if (order.ExecType != "TRADE" && order.ExecType != "FILLED") || order.Status != "FILLED" {
		return
	}

	u.logger.Info("order filled",
		"orderId", order.OrderID,
		"pair", order.Pair,
		"side", order.Side,
		"qty", order.Qty,
		"avgPrice", order.AvgPrice,
	)

	// Remove the id from its set before dispatching: each fill is routed
	// at most once, and late duplicates fall through to the debug branch.
	u.mu.Lock()
	var handler FillHandler
	switch {
	case u.entryIDs[order.OrderID]:
		delete(u.entryIDs, order.OrderID)
		handler = u.onEntryFill
	case u.tpIDs[order.OrderID]:
		delete(u.tpIDs, order.OrderID)
		handler = u.onTPFill
	case u.slIDs[order.OrderID]:
		delete(u.slIDs, order.OrderID)
		handler = u.onSLFill
	}
	u.mu.Unlock()

	if handler == nil {
		u.logger.Debug("fill for unregistered order", "orderId", order.OrderID)
		return
	}
	handler(order)
}
