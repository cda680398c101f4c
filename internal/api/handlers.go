package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"shortbot/internal/config"
)

const defaultEventLimit = 100

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	provider StateProvider
	stream   StreamStatus
	reader   TradeReader
	cfg      *config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the handlers.
func NewHandlers(provider StateProvider, stream StreamStatus, reader TradeReader, cfg *config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		stream:   stream,
		reader:   reader,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed applies the WebSocket origin policy: an explicit
// allowlist when configured, otherwise local or same-host origins only.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	host := origin
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if host == reqHost {
		return true
	}
	bare := host
	if i := strings.LastIndex(bare, ":"); i >= 0 {
		bare = bare[:i]
	}
	return bare == "localhost" || bare == "127.0.0.1"
}

// HandleHealth is a liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleSnapshot serves the full dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.provider, h.stream, h.reader, h.cfg))
}

// HandleTrades lists trades, newest first. ?limit caps the result.
func (h *Handlers) HandleTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, defaultEventLimit)
	trades, err := h.reader.LoadAllTrades(limit)
	if err != nil {
		h.serverError(w, "load trades", err)
		return
	}
	h.writeJSON(w, trades)
}

// HandleTrade serves one trade by id.
func (h *Handlers) HandleTrade(w http.ResponseWriter, r *http.Request) {
	trade, err := h.reader.GetTrade(r.PathValue("id"))
	if err != nil {
		h.serverError(w, "load trade", err)
		return
	}
	if trade == nil {
		http.Error(w, "trade not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, trade)
}

// HandleTradeEvents serves the audit trail of one trade.
func (h *Handlers) HandleTradeEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.reader.TradeEvents(r.PathValue("id"))
	if err != nil {
		h.serverError(w, "load trade events", err)
		return
	}
	h.writeJSON(w, events)
}

// HandleEvents serves the most recent audit events across all trades.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.reader.LastEvents(queryLimit(r, defaultEventLimit))
	if err != nil {
		h.serverError(w, "load events", err)
		return
	}
	h.writeJSON(w, events)
}

// HandleWebSocket upgrades the connection and sends the initial snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "err", err)
		return
	}
	client := NewClient(h.hub, conn)

	snapshot := BuildSnapshot(h.provider, h.stream, h.reader, h.cfg)
	data, err := json.Marshal(DashboardEvent{Type: "snapshot", Timestamp: snapshot.Timestamp, Data: snapshot})
	if err != nil {
		h.logger.Error("marshal initial snapshot failed", "err", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("initial snapshot dropped, client send buffer full")
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response failed", "err", err)
	}
}

func (h *Handlers) serverError(w http.ResponseWriter, what string, err error) {
	h.logger.Error(what+" failed", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func queryLimit(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
