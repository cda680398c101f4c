package signals

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

const csvHeader = "fecha_hora,par,top,close,mom_1h_pct,mom_pct,vol_ratio,trades_ratio,quintil,leido\n"

// fixedNow keeps signal ages deterministic.
var fixedNow = time.Date(2024, 5, 1, 12, 10, 0, 0, time.UTC)

func newTestWatcher(t *testing.T, csvBody string) (*Watcher, *[]types.Signal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.csv")
	require.NoError(t, os.WriteFile(path, []byte(csvBody), 0o644))

	cfg := &config.Config{}
	cfg.Signals.FilePath = path
	cfg.Signals.PollIntervalSeconds = 1
	cfg.Signals.MaxSignalAgeMinutes = 10
	cfg.Strategy.TopN = 1
	cfg.Strategy.MinMomentumPct = 0
	cfg.Strategy.AllowedQuintiles = []int{1, 2, 3, 4, 5}

	var got []types.Signal
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWatcher(cfg, func(s types.Signal) { got = append(got, s) }, logger)
	w.now = func() time.Time { return fixedNow }
	return w, &got, path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestAcceptsFreshTopSignal(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,BTCUSDT,1,61000,5.2,8.1,2.0,1.5,2,no\n"
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Len(t, *got, 1)

	sig := (*got)[0]
	require.Equal(t, "BTCUSDT", sig.Pair)
	require.Equal(t, 1, sig.Rank)
	require.Equal(t, 5.2, sig.Mom1hPct)
	require.Equal(t, 2, sig.Quintile)

	require.Contains(t, readFile(t, path), ",si\n", "row must be marked si")
	require.NotContains(t, readFile(t, path), ",no\n")
}

func TestStaleSignalMarkedTimeout(t *testing.T) {
	t.Parallel()
	// 11 minutes old with max age 10m
	body := csvHeader + "2024/05/01 11:59:00,ETHUSDT,1,2500,3.0,1.0,1.0,1.0,1,no\n"
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Empty(t, *got)
	require.Contains(t, readFile(t, path), ",timeout\n")
}

func TestRankBeyondTopNSkipped(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,SOLUSDT,2,150,4.0,1.0,1.0,1.0,1,no\n"
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Empty(t, *got)
	require.Contains(t, readFile(t, path), ",si\n")
}

func TestMalformedTimestampMarkedProcessed(t *testing.T) {
	t.Parallel()
	body := csvHeader + "not-a-date,XRPUSDT,1,0.5,1.0,1.0,1.0,1.0,1,no\n"
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Empty(t, *got)
	require.Contains(t, readFile(t, path), ",si\n")
}

func TestAlreadyReadRowsUntouched(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,BTCUSDT,1,61000,5.2,8.1,2.0,1.5,2,si\n"
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Empty(t, *got)
	require.Equal(t, body, readFile(t, path), "file must not be rewritten")
}

func TestMomentumFilterRejects(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,BTCUSDT,1,61000,1.5,8.1,2.0,1.5,2,no\n"
	w, got, path := newTestWatcher(t, body)
	w.strategy.MinMomentumPct = 3.0

	require.NoError(t, w.checkFile())
	require.Empty(t, *got)
	require.Contains(t, readFile(t, path), ",si\n", "rejected rows are still marked")
}

func TestQuintileAllowlist(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,BTCUSDT,1,61000,5.0,8.1,2.0,1.5,4,no\n"
	w, got, _ := newTestWatcher(t, body)
	w.strategy.AllowedQuintiles = []int{1, 2}

	require.NoError(t, w.checkFile())
	require.Empty(t, *got)
}

func TestBOMAndCRLFTolerated(t *testing.T) {
	t.Parallel()
	body := "\xef\xbb\xbf" + strings.ReplaceAll(
		csvHeader+"2024/05/01 12:05:00,BTCUSDT,1,61000,5.2,8.1,2.0,1.5,2,no\n",
		"\n", "\r\n")
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Len(t, *got, 1)
	require.Contains(t, readFile(t, path), ",si\r\n", "CRLF endings preserved")
}

func TestUnchangedMtimeSkipsReprocessing(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,BTCUSDT,1,61000,5.2,8.1,2.0,1.5,2,no\n"
	w, got, path := newTestWatcher(t, body)

	require.NoError(t, w.checkFile())
	require.Len(t, *got, 1)

	// Second pass with mtime unchanged: rewrite already marked the row, but
	// even a pathological rewrite must not re-emit.
	fi, err := os.Stat(path)
	require.NoError(t, err)
	w.lastMod = fi.ModTime()

	require.NoError(t, w.checkFile())
	require.Len(t, *got, 1)
}

func TestMarksBeforeEmit(t *testing.T) {
	t.Parallel()
	body := csvHeader + "2024/05/01 12:05:00,BTCUSDT,1,61000,5.2,8.1,2.0,1.5,2,no\n"

	path := filepath.Join(t.TempDir(), "signals.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg := &config.Config{}
	cfg.Signals.FilePath = path
	cfg.Signals.PollIntervalSeconds = 1
	cfg.Signals.MaxSignalAgeMinutes = 10
	cfg.Strategy.TopN = 1
	cfg.Strategy.AllowedQuintiles = []int{1, 2, 3, 4, 5}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	w := NewWatcher(cfg, func(types.Signal) {
		// By the time the callback runs, the row must already be marked.
		require.Contains(t, readFile(t, path), ",si\n")
	}, logger)
	w.now = func() time.Time { return fixedNow }

	require.NoError(t, w.checkFile())
}
