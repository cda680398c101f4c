package api

import (
	"time"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

// DashboardSnapshot is the complete dashboard state served on /api/snapshot
// and pushed to new WebSocket clients.
type DashboardSnapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	StreamConnected bool      `json:"stream_connected"`

	OpenTrades   []types.Trade `json:"open_trades"`
	RecentClosed []types.Trade `json:"recent_closed"`

	Totals PnLSummary    `json:"totals"`
	Config ConfigSummary `json:"config"`
}

// PnLSummary aggregates realised results over the closed trades shown.
type PnLSummary struct {
	ClosedTrades int     `json:"closed_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	PnLUSDT      float64 `json:"pnl_usdt"`
	FeesUSDT     float64 `json:"fees_usdt"`
}

// ConfigSummary exposes the strategy parameters the dashboard displays.
// Credentials and endpoints are deliberately absent.
type ConfigSummary struct {
	CapitalPerTrade  float64 `json:"capital_per_trade"`
	MaxOpenTrades    int     `json:"max_open_trades"`
	MaxTradesPerPair int     `json:"max_trades_per_pair"`
	TPPct            float64 `json:"tp_pct"`
	SLPct            float64 `json:"sl_pct"`
	TimeoutHours     float64 `json:"timeout_hours"`
	Leverage         int     `json:"leverage"`
	TopN             int     `json:"top_n"`

	ChaseInterval    string `json:"chase_interval"`
	ChaseTimeout     string `json:"chase_timeout"`
	MaxChaseAttempts int    `json:"max_chase_attempts"`
	MarketFallback   bool   `json:"market_fallback"`
	TimeoutOrderType string `json:"timeout_order_type"`
}

// NewConfigSummary builds the display summary from config.
func NewConfigSummary(cfg *config.Config) ConfigSummary {
	return ConfigSummary{
		CapitalPerTrade:  cfg.Strategy.CapitalPerTrade,
		MaxOpenTrades:    cfg.Strategy.MaxOpenTrades,
		MaxTradesPerPair: cfg.Strategy.MaxTradesPerPair,
		TPPct:            cfg.Strategy.TPPct,
		SLPct:            cfg.Strategy.SLPct,
		TimeoutHours:     cfg.Strategy.TimeoutHours,
		Leverage:         cfg.Strategy.Leverage,
		TopN:             cfg.Strategy.TopN,

		ChaseInterval:    cfg.Entry.ChaseInterval().String(),
		ChaseTimeout:     cfg.Entry.ChaseTimeout().String(),
		MaxChaseAttempts: cfg.Entry.MaxAttempts,
		MarketFallback:   cfg.Entry.MarketFallback,
		TimeoutOrderType: cfg.Exit.TimeoutOrderType,
	}
}

// DashboardEvent wraps everything pushed over the WebSocket: "snapshot"
// on connect, then one "event" per audit record.
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
