package exchange

import (
	"fmt"
	"log/slog"
	"os"
	"testing"

	"shortbot/pkg/types"
)

func newTestStream() (*UserStream, *[]string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	u := NewUserStream("wss://unused", nil, logger)

	var calls []string
	u.OnFills(
		func(o types.OrderUpdate) { calls = append(calls, fmt.Sprintf("entry:%d", o.OrderID)) },
		func(o types.OrderUpdate) { calls = append(calls, fmt.Sprintf("tp:%d", o.OrderID)) },
		func(o types.OrderUpdate) { calls = append(calls, fmt.Sprintf("sl:%d", o.OrderID)) },
	)
	return u, &calls
}

func fillMsg(id int64, execType, status string) []byte {
	return []byte(fmt.Sprintf(
		`{"e":"ORDER_TRADE_UPDATE","o":{"i":%d,"x":%q,"X":%q,"s":"BTCUSDT","S":"SELL","q":"0.001","ap":"61000"}}`,
		id, execType, status))
}

func TestDispatchRoutesToRegisteredSet(t *testing.T) {
	t.Parallel()
	u, calls := newTestStream()

	u.RegisterEntry(1)
	u.RegisterTP(2)
	u.RegisterSL(3)

	u.handleMessage(fillMsg(2, "TRADE", "FILLED"))
	u.handleMessage(fillMsg(1, "TRADE", "FILLED"))
	u.handleMessage(fillMsg(3, "TRADE", "FILLED"))

	want := []string{"tp:2", "entry:1", "sl:3"}
	if len(*calls) != len(want) {
		t.Fatalf("calls = %v, want %v", *calls, want)
	}
	for i := range want {
		if (*calls)[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, (*calls)[i], want[i])
		}
	}
}

func TestDispatchAtMostOnce(t *testing.T) {
	t.Parallel()
	u, calls := newTestStream()

	u.RegisterEntry(7)
	u.handleMessage(fillMsg(7, "TRADE", "FILLED"))
	u.handleMessage(fillMsg(7, "TRADE", "FILLED")) // duplicate delivery

	if len(*calls) != 1 {
		t.Errorf("calls = %v, want exactly one dispatch", *calls)
	}
}

func TestDispatchIgnoresNonFills(t *testing.T) {
	t.Parallel()
	u, calls := newTestStream()

	u.RegisterEntry(5)
	u.handleMessage(fillMsg(5, "NEW", "NEW"))
	u.handleMessage(fillMsg(5, "TRADE", "PARTIALLY_FILLED"))
	u.handleMessage([]byte(`{"e":"ACCOUNT_UPDATE"}`))
	u.handleMessage([]byte(`not json`))

	if len(*calls) != 0 {
		t.Errorf("calls = %v, want none", *calls)
	}

	// Entry id must still be armed after the non-fill noise.
	u.handleMessage(fillMsg(5, "TRADE", "FILLED"))
	if len(*calls) != 1 {
		t.Errorf("calls = %v, want the real fill dispatched", *calls)
	}
}

func TestUnregisterDropsID(t *testing.T) {
	t.Parallel()
	u, calls := newTestStream()

	u.RegisterTP(9)
	u.Unregister(9)
	u.handleMessage(fillMsg(9, "TRADE", "FILLED"))

	if len(*calls) != 0 {
		t.Errorf("calls = %v, want none after unregister", *calls)
	}
}
