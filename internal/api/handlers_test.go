package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.DashboardConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{},
			reqHost: "localhost:8080",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.DashboardConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:8080",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://bot.internal:8080",
			cfg:     config.DashboardConfig{},
			reqHost: "bot.internal:8080",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

// ————————————————————————————————————————————————————————————————————————
// Handler fakes
// ————————————————————————————————————————————————————————————————————————

type fakeProvider struct{ trades []types.Trade }

func (p *fakeProvider) ActiveTrades() []types.Trade { return p.trades }

type fakeStream struct{ connected bool }

func (s *fakeStream) Connected() bool { return s.connected }

type fakeReader struct {
	closed []*types.Trade
	all    []*types.Trade
	byID   map[string]*types.Trade
	events []*types.Event
}

func (r *fakeReader) LoadRecentClosed(int) ([]*types.Trade, error) { return r.closed, nil }
func (r *fakeReader) LoadAllTrades(int) ([]*types.Trade, error)    { return r.all, nil }
func (r *fakeReader) GetTrade(id string) (*types.Trade, error)     { return r.byID[id], nil }
func (r *fakeReader) TradeEvents(string) ([]*types.Event, error)   { return r.events, nil }
func (r *fakeReader) LastEvents(int) ([]*types.Event, error)       { return r.events, nil }

func newTestHandlers(provider *fakeProvider, reader *fakeReader) *Handlers {
	cfg := &config.Config{}
	cfg.Strategy.CapitalPerTrade = 10
	cfg.Strategy.MaxOpenTrades = 10
	cfg.Strategy.TPPct = 15
	cfg.Strategy.SLPct = 60
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(provider, &fakeStream{connected: true}, reader, cfg, NewHub(logger), logger)
}

func closedTrade(pair string, pnl float64) *types.Trade {
	trade := types.NewTrade(types.Signal{Pair: pair, Timestamp: "2024/05/01 12:05:00"})
	trade.Status = types.StatusClosed
	trade.PnLUSDT = pnl
	trade.FeesUSDT = 0.1
	return trade
}

func TestHandleSnapshot(t *testing.T) {
	t.Parallel()

	open := types.NewTrade(types.Signal{Pair: "BTCUSDT"})
	open.Status = types.StatusOpen
	provider := &fakeProvider{trades: []types.Trade{*open}}
	reader := &fakeReader{closed: []*types.Trade{closedTrade("ETHUSDT", 30), closedTrade("SOLUSDT", -12)}}

	h := newTestHandlers(provider, reader)
	rec := httptest.NewRecorder()
	h.HandleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/api/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var snap DashboardSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if !snap.StreamConnected {
		t.Errorf("stream_connected = false, want true")
	}
	if len(snap.OpenTrades) != 1 || snap.OpenTrades[0].Pair != "BTCUSDT" {
		t.Errorf("open trades = %+v", snap.OpenTrades)
	}
	if snap.Totals.ClosedTrades != 2 || snap.Totals.Wins != 1 || snap.Totals.Losses != 1 {
		t.Errorf("totals = %+v", snap.Totals)
	}
	if snap.Totals.PnLUSDT != 18 {
		t.Errorf("pnl = %v, want 18", snap.Totals.PnLUSDT)
	}
	if snap.Config.TPPct != 15 {
		t.Errorf("config summary tp_pct = %v, want 15", snap.Config.TPPct)
	}
}

func TestHandleTradeNotFound(t *testing.T) {
	t.Parallel()

	h := newTestHandlers(&fakeProvider{}, &fakeReader{byID: map[string]*types.Trade{}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/trades/nope", nil)
	req.SetPathValue("id", "nope")
	h.HandleTrade(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestHandleTradeByID(t *testing.T) {
	t.Parallel()

	trade := closedTrade("BTCUSDT", 5)
	h := newTestHandlers(&fakeProvider{}, &fakeReader{byID: map[string]*types.Trade{trade.ID: trade}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/trades/"+trade.ID, nil)
	req.SetPathValue("id", trade.ID)
	h.HandleTrade(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got types.Trade
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != trade.ID || got.Pair != "BTCUSDT" {
		t.Errorf("trade = %+v", got)
	}
}

func TestQueryLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url  string
		want int
	}{
		{"/api/events", 100},
		{"/api/events?limit=25", 25},
		{"/api/events?limit=0", 100},
		{"/api/events?limit=junk", 100},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.url, nil)
		if got := queryLimit(req, 100); got != tt.want {
			t.Errorf("queryLimit(%q) = %d, want %d", tt.url, got, tt.want)
		}
	}
}
