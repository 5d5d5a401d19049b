package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/zeroday/pkg/events"
	"github.com/uhyunpark/zeroday/pkg/util"
)

var t0 = time.Unix(1_700_000_000, 0)

type harness struct {
	*Engine
	clock *util.ManualClock
	sub   *events.Subscription
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	e := NewEngine(cfg, bus)
	clock := util.NewManualClock(t0)
	e.Clock = clock
	return &harness{Engine: e, clock: clock, sub: bus.Subscribe(1024)}
}

func (h *harness) deposit(t *testing.T, trader string, amount int64) {
	t.Helper()
	require.NoError(t, h.Deposit(trader, amount))
}

func (h *harness) order(t *testing.T, trader string, side Side, price, qty int64, leverage uint32) uint64 {
	t.Helper()
	id, err := h.SubmitOrder(context.Background(), OrderRequest{
		Trader:   trader,
		Side:     string(side),
		Price:    price,
		Qty:      qty,
		Leverage: leverage,
		IsLimit:  true,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) row(t *testing.T, trader string) TraderState {
	t.Helper()
	row, ok := h.Snapshot().Trader(trader)
	require.True(t, ok, "trader %s not in snapshot", trader)
	return row
}

// next waits for the next bus event
func (h *harness) next(t *testing.T) events.Event {
	t.Helper()
	select {
	case ev, ok := <-h.sub.C():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// quiet asserts nothing else is delivered shortly
func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.sub.C():
		t.Fatalf("unexpected event %s seq=%d", ev.Kind(), ev.Seq())
	case <-time.After(50 * time.Millisecond):
	}
}

func u64(v uint64) *uint64 { return &v }
