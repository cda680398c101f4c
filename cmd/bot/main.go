// Shortbot — an automated short seller for Binance USD-M perpetual futures,
// driven by an external momentum screener.
//
// Architecture:
//
//	main.go               — entry point: wiring, startup reconcile, shutdown order
//	signals/watcher.go    — polls the screener CSV, filters and marks rows
//	engine/engine.go      — trade lifecycle: entry chase, TP/SL, PnL
//	engine/timeout.go     — force-close sweeper for stale positions
//	engine/reconcile.go   — replays persisted trades against live state on boot
//	exchange/client.go    — signed REST client for the futures API
//	exchange/userstream.go— listen-key WebSocket demuxing order fills
//	store/store.go        — SQLite persistence for trades and audit events
//	api/server.go         — read-only dashboard (REST + WebSocket)
//
// How it trades:
//
//	Each accepted signal opens one SHORT with a maker chase pegged to the
//	book, then parks server-side TAKE_PROFIT and STOP_MARKET conditional
//	orders so exits execute even while the bot is down. Positions that
//	neither exit within timeout_hours are force-closed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"shortbot/internal/api"
	"shortbot/internal/config"
	"shortbot/internal/engine"
	"shortbot/internal/exchange"
	"shortbot/internal/signals"
	"shortbot/internal/store"
	"shortbot/pkg/types"
)

func main() {
	cfgPath := "config.yaml"
	if p := os.Getenv("SHORTBOT_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	client := exchange.NewClient(cfg, logger)

	// Credentials check before anything goes live.
	balance, err := client.Balance(ctx)
	if err != nil {
		return fmt.Errorf("exchange connectivity check: %w", err)
	}
	logger.Info("connected to exchange", "available_usdt", balance)

	stream := exchange.NewUserStream(cfg.Exchange.WSBaseURL, client, logger)

	var dashboard *api.Server
	broadcast := func(ev *types.Event) {
		if dashboard != nil {
			dashboard.Broadcast(ev)
		}
	}
	eng := engine.New(cfg, client, stream, db, broadcast, logger)

	stream.OnFills(eng.OnEntryFill, eng.OnTPFill, eng.OnSLFill)
	stream.OnStatus(func(connected bool) {
		kind := types.EventWSDisconnect
		if connected {
			kind = types.EventWSConnect
		}
		ev := types.NewEvent("", kind, nil)
		if err := db.SaveEvent(ev); err != nil {
			logger.Error("save stream event failed", "error", err)
		}
		broadcast(ev)
	})

	if cfg.Dashboard.Enabled {
		dashboard = api.NewServer(cfg, eng, stream, db, logger)
		go func() {
			if err := dashboard.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	// Replay persisted state against the live exchange before the stream,
	// the sweeper or signal intake can act on it.
	active, err := db.LoadActiveTrades()
	if err != nil {
		return fmt.Errorf("load active trades: %w", err)
	}
	restored := make([]types.Trade, 0, len(active))
	for _, t := range active {
		restored = append(restored, *t)
	}
	if err := eng.Reconcile(ctx, restored); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	// Restored pairs get margin and leverage re-applied; both calls are
	// idempotent and the exchange may have been reconfigured while down.
	pairs := newPairSetup(client, cfg, logger)
	for _, t := range restored {
		if err := pairs.ensure(ctx, t.Pair); err != nil {
			logger.Error("pair setup failed for restored trade", "pair", t.Pair, "error", err)
		}
	}

	eng.Start(ctx)
	stream.Start(ctx)

	watcher := signals.NewWatcher(cfg, func(sig types.Signal) {
		if err := pairs.ensure(ctx, sig.Pair); err != nil {
			logger.Error("pair setup failed, signal dropped", "pair", sig.Pair, "error", err)
			return
		}
		eng.OnSignal(sig)
	}, logger)
	watcher.Start(ctx)

	startup := types.NewEvent("", types.EventStartup, map[string]any{
		"restored":       len(restored),
		"available_usdt": balance,
	})
	if err := db.SaveEvent(startup); err != nil {
		logger.Error("save startup event failed", "error", err)
	}
	broadcast(startup)

	logger.Info("shortbot started",
		"capital_per_trade", cfg.Strategy.CapitalPerTrade,
		"max_open_trades", cfg.Strategy.MaxOpenTrades,
		"tp_pct", cfg.Strategy.TPPct,
		"sl_pct", cfg.Strategy.SLPct,
		"timeout_hours", cfg.Strategy.TimeoutHours,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	got := <-sigCh
	logger.Info("received shutdown signal", "signal", got.String())

	shutdown := types.NewEvent("", types.EventShutdown, map[string]any{
		"open_trades": eng.OpenCount(),
	})
	if err := db.SaveEvent(shutdown); err != nil {
		logger.Error("save shutdown event failed", "error", err)
	}
	broadcast(shutdown)

	// Order matters: stop intake first, engine before stream so in-flight
	// chases can still cancel their orders, store last.
	watcher.Stop()
	if dashboard != nil {
		if err := dashboard.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}
	eng.Stop()
	stream.Stop()

	logger.Info("shutdown complete")
	return nil
}

// pairSetup applies isolated margin and leverage once per pair.
type pairSetup struct {
	client *exchange.Client
	cfg    *config.Config
	logger *slog.Logger

	mu   sync.Mutex
	done map[string]bool
}

func newPairSetup(client *exchange.Client, cfg *config.Config, logger *slog.Logger) *pairSetup {
	return &pairSetup{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "pair-setup"),
		done:   make(map[string]bool),
	}
}

func (p *pairSetup) markDone(pair string) {
	p.mu.Lock()
	p.done[pair] = true
	p.mu.Unlock()
}

func (p *pairSetup) ensure(ctx context.Context, pair string) error {
	p.mu.Lock()
	if p.done[pair] {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.client.SetMarginType(ctx, pair, "ISOLATED"); err != nil {
		return fmt.Errorf("set margin type: %w", err)
	}
	if err := p.client.SetLeverage(ctx, pair, p.cfg.Strategy.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	p.logger.Info("pair configured", "pair", pair, "leverage", p.cfg.Strategy.Leverage)
	p.markDone(pair)
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
