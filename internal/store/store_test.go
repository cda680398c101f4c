package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shortbot/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetTrade(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	tr := types.NewTrade(types.Signal{
		Timestamp: "2024/05/01 12:00:00",
		Pair:      "BTCUSDT",
		Rank:      1,
		Close:     61000,
		Mom1hPct:  -2.5,
	})
	tr.Status = types.StatusOpen
	tr.EntryOrderID = 123456
	tr.EntryPrice = 61010.5
	tr.EntryQty = 0.001
	tr.EntryFillTS = time.Now().UTC()
	tr.TPOrderID = "algo-789"
	tr.SLOrderID = "algo-790"
	tr.TPTriggerPrice = 51858.9
	tr.SLTriggerPrice = 97616.8

	require.NoError(t, s.SaveTrade(tr))

	got, err := s.GetTrade(tr.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.Equal(t, tr.Pair, got.Pair)
	require.Equal(t, tr.Status, got.Status)
	require.Equal(t, tr.EntryOrderID, got.EntryOrderID)
	require.Equal(t, tr.TPOrderID, got.TPOrderID)
	require.Equal(t, tr.Signal.Mom1hPct, got.Signal.Mom1hPct)
	require.False(t, got.EntryFillTS.IsZero())
	require.True(t, got.ExitFillTS.IsZero(), "exit fill should still be unset")
}

func TestSaveTradeUpserts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	tr := types.NewTrade(types.Signal{Pair: "ETHUSDT"})
	require.NoError(t, s.SaveTrade(tr))

	tr.Status = types.StatusClosed
	tr.ExitKind = types.ExitTP
	tr.ExitPrice = 2500
	require.NoError(t, s.SaveTrade(tr))

	got, err := s.GetTrade(tr.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatusClosed, got.Status)
	require.Equal(t, types.ExitTP, got.ExitKind)

	all, err := s.LoadAllTrades(10)
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert must not duplicate rows")
}

func TestGetTradeMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	got, err := s.GetTrade("no-such-id")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLoadActiveTradesSkipsTerminal(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	statuses := []types.TradeStatus{
		types.StatusSignalReceived,
		types.StatusOpening,
		types.StatusOpen,
		types.StatusClosing,
		types.StatusClosed,
		types.StatusNotExecuted,
		types.StatusError,
	}
	for _, st := range statuses {
		tr := types.NewTrade(types.Signal{Pair: "BTCUSDT"})
		tr.Status = st
		require.NoError(t, s.SaveTrade(tr))
	}

	active, err := s.LoadActiveTrades()
	require.NoError(t, err)
	require.Len(t, active, 4)
	for _, tr := range active {
		require.False(t, tr.Status.Terminal(), "status %q is terminal", tr.Status)
	}

	closed, err := s.LoadRecentClosed(10)
	require.NoError(t, err)
	require.Len(t, closed, 3)
}

func TestEventsRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	ev1 := types.NewEvent("trade-1", types.EventSignal, map[string]any{"pair": "BTCUSDT"})
	ev2 := types.NewEvent("trade-1", types.EventEntrySent, map[string]any{"attempt": float64(1)})
	ev3 := types.NewEvent("trade-2", types.EventError, nil)

	for _, ev := range []*types.Event{ev1, ev2, ev3} {
		require.NoError(t, s.SaveEvent(ev))
		require.NotZero(t, ev.ID, "SaveEvent must assign the row id")
	}

	evs, err := s.TradeEvents("trade-1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, types.EventSignal, evs[0].Kind)
	require.Equal(t, types.EventEntrySent, evs[1].Kind)
	require.Equal(t, "BTCUSDT", evs[0].Details["pair"])

	last, err := s.LastEvents(2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	require.Equal(t, types.EventError, last[0].Kind, "newest first")
}

func TestReopenRecoversState(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "trades.db")

	s, err := Open(path)
	require.NoError(t, err)
	tr := types.NewTrade(types.Signal{Pair: "SOLUSDT"})
	tr.Status = types.StatusOpen
	require.NoError(t, s.SaveTrade(tr))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	active, err := s2.LoadActiveTrades()
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, tr.ID, active[0].ID)
}
