// Package signals watches the screener CSV and emits accepted signals.
//
// The file is polled on an interval and skipped when its mtime has not
// advanced. Only rows with leido=="no" are considered; every considered row
// is marked before the callback runs ("si" for processed, "timeout" for
// expired) so a slow consumer can never cause double processing. The rewrite
// is atomic: temp file in the same directory, then rename.
//
// CSV quirks handled: UTF-8 BOM, CRLF line endings, headers with stray
// whitespace.
package signals

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"shortbot/internal/config"
	"shortbot/pkg/types"
)

// signalTimeLayout is the wall-clock format of the fecha_hora column (UTC).
const signalTimeLayout = "2006/01/02 15:04:05"

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// OnSignal receives each accepted signal, in file order.
type OnSignal func(types.Signal)

// Watcher polls the signal CSV and routes accepted rows to the callback.
type Watcher struct {
	path     string
	poll     time.Duration
	maxAge   time.Duration
	strategy config.StrategyConfig
	onSignal OnSignal
	logger   *slog.Logger

	lastMod time.Time
	now     func() time.Time // injectable for tests

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher creates a watcher from the signals and strategy configuration.
func NewWatcher(cfg *config.Config, onSignal OnSignal, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:     cfg.Signals.FilePath,
		poll:     cfg.Signals.PollInterval(),
		maxAge:   cfg.Signals.MaxSignalAge(),
		strategy: cfg.Strategy,
		onSignal: onSignal,
		logger:   logger.With("component", "signals"),
		now:      time.Now,
	}
}

// Start launches the polling loop in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		for {
			if err := w.checkFile(); err != nil {
				w.logger.Error("signal file check failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	w.logger.Info("signal watcher started", "path", w.path, "poll", w.poll)
}

// Stop halts the polling loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.logger.Info("signal watcher stopped")
}

// ————————————————————————————————————————————————————————————————————————
// File processing
// ————————————————————————————————————————————————————————————————————————

// rowKey identifies a CSV row by its natural key. Top stays a raw string so
// the key matches the file text exactly.
type rowKey struct {
	TS   string
	Pair string
	Top  string
}

func (w *Watcher) checkFile() error {
	fi, err := os.Stat(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if !fi.ModTime().After(w.lastMod) {
		return nil
	}
	w.lastMod = fi.ModTime()

	signals, updates, err := w.readAndFilter()
	if err != nil {
		return err
	}

	// Mark rows BEFORE emitting: if the consumer is slow, the next poll
	// must not see leido=="no" again.
	if len(updates) > 0 {
		if err := updateCSV(w.path, updates); err != nil {
			return fmt.Errorf("update csv: %w", err)
		}
	}

	for _, sig := range signals {
		w.onSignal(sig)
	}
	return nil
}

func (w *Watcher) readAndFilter() ([]types.Signal, map[rowKey]string, error) {
	rows, err := readCSV(w.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}

	now := w.now().UTC()
	var signals []types.Signal
	updates := make(map[rowKey]string)

	for _, row := range rows {
		if strings.ToLower(row["leido"]) != "no" {
			continue
		}

		key := rowKey{TS: row["fecha_hora"], Pair: row["par"], Top: row["top"]}

		at, err := time.ParseInLocation(signalTimeLayout, key.TS, time.UTC)
		if err != nil {
			w.logger.Warn("invalid signal timestamp", "fecha_hora", key.TS)
			updates[key] = "si"
			continue
		}

		if age := now.Sub(at); age > w.maxAge {
			w.logger.Info("signal expired", "pair", key.Pair, "age", age)
			updates[key] = "timeout"
			continue
		}

		top, err := strconv.Atoi(key.Top)
		if err != nil {
			updates[key] = "si"
			continue
		}
		if top > w.strategy.TopN {
			updates[key] = "si"
			continue
		}

		sig, err := parseSignal(row, top, at)
		if err != nil {
			w.logger.Warn("unparseable signal", "pair", key.Pair, "err", err)
			updates[key] = "si"
			continue
		}

		if reason := w.filterReason(sig); reason != "" {
			w.logger.Info("signal rejected", "pair", sig.Pair, "reason", reason)
			updates[key] = "si"
			continue
		}

		w.logger.Info("signal accepted",
			"pair", sig.Pair,
			"top", sig.Rank,
			"mom_1h_pct", sig.Mom1hPct,
			"vol_ratio", sig.VolRatio,
			"quintil", sig.Quintile,
		)
		signals = append(signals, sig)
		updates[key] = "si"
	}
	return signals, updates, nil
}

func parseSignal(row map[string]string, top int, at time.Time) (types.Signal, error) {
	sig := types.Signal{
		Timestamp: row["fecha_hora"],
		Pair:      row["par"],
		Rank:      top,
		At:        at,
	}
	for _, f := range []struct {
		col string
		dst *float64
	}{
		{"close", &sig.Close},
		{"mom_1h_pct", &sig.Mom1hPct},
		{"mom_pct", &sig.MomPct},
		{"vol_ratio", &sig.VolRatio},
		{"trades_ratio", &sig.TradesRatio},
	} {
		v := row[f.col]
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return types.Signal{}, fmt.Errorf("column %s: %w", f.col, err)
		}
		*f.dst = parsed
	}
	if v := row["quintil"]; v != "" {
		q, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return types.Signal{}, fmt.Errorf("column quintil: %w", err)
		}
		sig.Quintile = int(q)
	}
	return sig, nil
}

// filterReason returns why a signal is rejected, or "" if it passes.
// Ratio filters only apply when configured above zero; the quintile
// allowlist only applies when the row carries a quintile.
func (w *Watcher) filterReason(sig types.Signal) string {
	s := w.strategy
	if sig.Mom1hPct < s.MinMomentumPct {
		return fmt.Sprintf("mom_1h_pct %.2f below %.2f", sig.Mom1hPct, s.MinMomentumPct)
	}
	if s.MinVolRatio > 0 && sig.VolRatio < s.MinVolRatio {
		return fmt.Sprintf("vol_ratio %.2f below %.2f", sig.VolRatio, s.MinVolRatio)
	}
	if s.MinTradesRatio > 0 && sig.TradesRatio < s.MinTradesRatio {
		return fmt.Sprintf("trades_ratio %.2f below %.2f", sig.TradesRatio, s.MinTradesRatio)
	}
	if sig.Quintile != 0 && !contains(s.AllowedQuintiles, sig.Quintile) {
		return fmt.Sprintf("quintil %d not allowed", sig.Quintile)
	}
	return ""
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// CSV I/O
// ————————————————————————————————————————————————————————————————————————

// readCSV loads the file as a list of header→value maps with trimmed keys
// and values.
func readCSV(path string) ([]map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	headers := make([]string, len(records[0]))
	for i, h := range records[0] {
		headers[i] = strings.TrimSpace(h)
	}

	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(rec) {
				row[h] = strings.TrimSpace(rec[i])
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// updateCSV rewrites the leido column of the keyed rows, preserving every
// other byte of each line, then atomically replaces the file.
func updateCSV(path string, updates map[rowKey]string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	text := string(bytes.TrimPrefix(data, utf8BOM))
	lines := strings.SplitAfter(text, "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil
	}

	headers := strings.Split(strings.TrimRight(lines[0], "\r\n"), ",")
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}
	idx := func(name string) int {
		for i, h := range headers {
			if h == name {
				return i
			}
		}
		return -1
	}
	leidoIdx := idx("leido")
	if leidoIdx < 0 {
		return fmt.Errorf("csv has no leido column")
	}
	tsIdx, pairIdx, topIdx := idx("fecha_hora"), idx("par"), idx("top")

	field := func(parts []string, i int) string {
		if i < 0 || i >= len(parts) {
			return ""
		}
		return strings.TrimSpace(parts[i])
	}

	out := make([]string, 0, len(lines))
	out = append(out, lines[0])
	for _, line := range lines[1:] {
		body := strings.TrimRight(line, "\r\n")
		if body == "" {
			out = append(out, line)
			continue
		}
		ending := line[len(body):]

		parts := strings.Split(body, ",")
		key := rowKey{TS: field(parts, tsIdx), Pair: field(parts, pairIdx), Top: field(parts, topIdx)}
		if mark, ok := updates[key]; ok && leidoIdx < len(parts) {
			parts[leidoIdx] = mark
			out = append(out, strings.Join(parts, ",")+ending)
		} else {
			out = append(out, line)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(out, "")), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
