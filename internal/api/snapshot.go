package api

import (
	"time"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

const recentClosedLimit = 50

// StateProvider gives the dashboard a live view of the engine.
type StateProvider interface {
	ActiveTrades() []types.Trade
}

// StreamStatus reports user-data stream connectivity.
type StreamStatus interface {
	Connected() bool
}

// TradeReader is the read-only slice of the store the dashboard queries.
type TradeReader interface {
	LoadRecentClosed(limit int) ([]*types.Trade, error)
	LoadAllTrades(limit int) ([]*types.Trade, error)
	GetTrade(id string) (*types.Trade, error)
	TradeEvents(tradeID string) ([]*types.Event, error)
	LastEvents(limit int) ([]*types.Event, error)
}

// BuildSnapshot aggregates engine, stream and store state.
func BuildSnapshot(provider StateProvider, stream StreamStatus, reader TradeReader, cfg *config.Config) DashboardSnapshot {
	open := provider.ActiveTrades()

	var closed []types.Trade
	if rows, err := reader.LoadRecentClosed(recentClosedLimit); err == nil {
		closed = make([]types.Trade, 0, len(rows))
		for _, t := range rows {
			closed = append(closed, *t)
		}
	}

	var totals PnLSummary
	for _, t := range closed {
		if t.Status != types.StatusClosed {
			continue
		}
		totals.ClosedTrades++
		totals.PnLUSDT += t.PnLUSDT
		totals.FeesUSDT += t.FeesUSDT
		if t.PnLUSDT >= 0 {
			totals.Wins++
		} else {
			totals.Losses++
		}
	}
	if totals.ClosedTrades > 0 {
		totals.WinRate = float64(totals.Wins) / float64(totals.ClosedTrades) * 100
	}

	connected := false
	if stream != nil {
		connected = stream.Connected()
	}

	return DashboardSnapshot{
		Timestamp:       time.Now().UTC(),
		StreamConnected: connected,
		OpenTrades:      open,
		RecentClosed:    closed,
		Totals:          totals,
		Config:          NewConfigSummary(cfg),
	}
}
