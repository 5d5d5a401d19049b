package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/zeroday/pkg/crypto"
)

func TestOrderRequestValidate(t *testing.T) {
	valid := OrderRequest{Trader: "alice", Side: "buy", Price: 100, Qty: 1}

	tests := []struct {
		name   string
		mutate func(r *OrderRequest)
		field  string
	}{
		{"empty trader", func(r *OrderRequest) { r.Trader = "  " }, "trader"},
		{"unknown side", func(r *OrderRequest) { r.Side = "hold" }, "side"},
		{"zero price", func(r *OrderRequest) { r.Price = 0 }, "price"},
		{"negative qty", func(r *OrderRequest) { r.Qty = -1 }, "qty"},
		{"huge ttl", func(r *OrderRequest) { r.TTLSecs = math.MaxUint64 }, "ttl_secs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			var ve *ValidationError
			require.ErrorAs(t, r.Validate(), &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}

	upper := valid
	upper.Side = "SELL"
	assert.NoError(t, upper.Validate())
}

func TestSubmitOrderLocksMargin(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 105_050)

	id1 := h.order(t, "alice", Buy, 101, 500, 10)
	id2 := h.order(t, "alice", Buy, 100, 1_000, 0)
	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	row := h.row(t, "alice")
	assert.Equal(t, int64(5_050+100_000), row.LockedMargin)
	assert.Equal(t, int64(105_050), row.Collateral)
	assert.LessOrEqual(t, row.LockedMargin, row.Collateral)

	// one unit past free collateral
	_, err := h.SubmitOrder(context.Background(), OrderRequest{Trader: "alice", Side: "buy", Price: 1, Qty: 1, Leverage: 1})
	require.ErrorIs(t, err, ErrInsufficientMargin)
	assert.LessOrEqual(t, h.row(t, "alice").LockedMargin, h.row(t, "alice").Collateral)
}

func TestSubmitOrderInsufficientMargin(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 5_049)

	_, err := h.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Side: "buy", Price: 101, Qty: 500, Leverage: 10,
	})
	require.ErrorIs(t, err, ErrInsufficientMargin)

	row := h.row(t, "alice")
	assert.Zero(t, row.LockedMargin)
	assert.Zero(t, row.Nonce, "rejected order must not advance the nonce")

	buys, _ := h.OpenOrders()
	assert.Empty(t, buys)
}

func TestRejectedOrderDoesNotCreateAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.SubmitOrder(context.Background(), OrderRequest{Trader: "ghost", Side: "buy", Price: 100, Qty: 1})
	require.ErrorIs(t, err, ErrInsufficientMargin)

	_, ok := h.Snapshot().Trader("ghost")
	assert.False(t, ok)
}

func TestUnsignedOrderIgnoresNonce(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 100_000)

	h.order(t, "alice", Buy, 100, 1, 0)
	assert.Zero(t, h.row(t, "alice").Nonce)

	for i := 0; i < 2; i++ {
		_, err := h.SubmitOrder(context.Background(), OrderRequest{Trader: "alice", Side: "buy", Price: 100, Qty: 1, Nonce: u64(7)})
		require.NoError(t, err)
	}
	assert.Zero(t, h.row(t, "alice").Nonce, "unsigned orders never touch the nonce table")

	buys, _ := h.OpenOrders()
	require.Len(t, buys, 3)
	for _, o := range buys {
		assert.Nil(t, o.Nonce)
	}
}

func TestUnsignedOrderCannotBurnSignerNonce(t *testing.T) {
	h := newHarness(t)
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	trader := crypto.TraderID(s.Address())
	h.deposit(t, trader, 100_000)

	// an unauthenticated caller replays the signer's next nonce on /orders
	_, err = h.SubmitOrder(context.Background(), OrderRequest{Trader: trader, Side: "buy", Price: 100, Qty: 1, Nonce: u64(0)})
	require.NoError(t, err)
	assert.Zero(t, h.row(t, trader).Nonce)

	order, sig := signedOrder(t, s, 0)
	_, err = h.SubmitSignedOrder(context.Background(), order, sig)
	require.NoError(t, err, "the signer's nonce 0 is still available")
	assert.Equal(t, uint64(1), h.row(t, trader).Nonce)
}

func TestSignedOrderSideVerifiedAsSent(t *testing.T) {
	h := newHarness(t)
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.deposit(t, crypto.TraderID(s.Address()), 100_000)

	order := crypto.SignedOrder{Trader: s.Address(), Side: "SELL", Price: 100, Qty: 10, Leverage: 10, TTLSecs: 60, IsLimit: true}
	sig, err := crypto.NewEIP712Signer(crypto.DefaultDomain()).SignOrder(s, &order)
	require.NoError(t, err)

	lowered := order
	lowered.Side = "sell"
	_, err = h.SubmitSignedOrder(context.Background(), lowered, sig)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	_, err = h.SubmitSignedOrder(context.Background(), order, sig)
	require.NoError(t, err)
	_, sells := h.OpenOrders()
	require.Len(t, sells, 1)
	assert.Equal(t, Sell, sells[0].Side)
}

func signedOrder(t *testing.T, s *crypto.Signer, nonce uint64) (crypto.SignedOrder, []byte) {
	t.Helper()
	order := crypto.SignedOrder{
		Trader:   s.Address(),
		Side:     "buy",
		Price:    100,
		Qty:      10,
		Leverage: 10,
		TTLSecs:  3_600,
		IsLimit:  true,
		Nonce:    nonce,
	}
	sig, err := crypto.NewEIP712Signer(crypto.DefaultDomain()).SignOrder(s, &order)
	require.NoError(t, err)
	return order, sig
}

func TestSignedOrderNonceMonotonic(t *testing.T) {
	h := newHarness(t)
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	trader := crypto.TraderID(s.Address())
	h.deposit(t, trader, 1_000_000)
	ctx := context.Background()

	o0, sig0 := signedOrder(t, s, 0)
	_, err = h.SubmitSignedOrder(ctx, o0, sig0)
	require.NoError(t, err)

	// replaying the exact same signed payload
	_, err = h.SubmitSignedOrder(ctx, o0, sig0)
	var bn *BadNonceError
	require.ErrorAs(t, err, &bn)
	assert.Equal(t, uint64(0), bn.Got)
	assert.Equal(t, uint64(1), bn.Expected)
	assert.Equal(t, uint64(1), h.row(t, trader).Nonce)

	// skipping ahead is rejected too
	o2, sig2 := signedOrder(t, s, 2)
	_, err = h.SubmitSignedOrder(ctx, o2, sig2)
	require.ErrorAs(t, err, &bn)
	assert.Equal(t, uint64(1), bn.Expected)

	o1, sig1 := signedOrder(t, s, 1)
	_, err = h.SubmitSignedOrder(ctx, o1, sig1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), h.row(t, trader).Nonce)

	buys, _ := h.OpenOrders()
	require.Len(t, buys, 2)
	assert.Equal(t, uint64(0), *buys[0].Nonce)
	assert.Equal(t, uint64(1), *buys[1].Nonce)
	assert.Equal(t, trader, buys[0].Trader)
	assert.Equal(t, t0.Unix()+3_600, buys[0].ExpiryTS)
}

func TestSignedOrderSignatureMismatch(t *testing.T) {
	h := newHarness(t)
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	victim, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.deposit(t, crypto.TraderID(victim.Address()), 1_000_000)

	order, sig := signedOrder(t, signer, 0)
	order.Trader = victim.Address()

	_, err = h.SubmitSignedOrder(context.Background(), order, sig)
	require.ErrorIs(t, err, ErrSignatureMismatch)
	assert.Zero(t, h.row(t, crypto.TraderID(victim.Address())).Nonce)

	_, err = h.SubmitSignedOrder(context.Background(), order, sig[:10])
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestSignedOrderCheckedBeforeNonce(t *testing.T) {
	h := newHarness(t)
	s, err := crypto.GenerateKey()
	require.NoError(t, err)

	// wrong nonce and bad signature: the signature failure wins
	order, sig := signedOrder(t, s, 5)
	order.Price = 1
	_, err = h.SubmitSignedOrder(context.Background(), order, sig)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestWithdrawBoundary(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 10_000)
	h.order(t, "alice", Buy, 100, 500, 10) // locks 5000

	err := h.Withdraw("alice", 5_001)
	require.ErrorIs(t, err, ErrInsufficientFreeCollateral)

	require.NoError(t, h.Withdraw("alice", 5_000))
	assert.Equal(t, int64(5_000), h.row(t, "alice").Collateral)

	require.ErrorIs(t, h.Withdraw("alice", 1), ErrInsufficientFreeCollateral)
	require.ErrorIs(t, h.Withdraw("nobody", 1), ErrInsufficientFreeCollateral)

	var ve *ValidationError
	require.ErrorAs(t, h.Withdraw("alice", 0), &ve)
	require.ErrorAs(t, h.Deposit("alice", -5), &ve)
}

func TestConcurrentWithdrawals(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 1_000)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Withdraw("alice", 10) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), ok.Load())
	assert.Zero(t, h.row(t, "alice").Collateral)
}

func TestConcurrentSignedSubmissionsAcceptOneNonce(t *testing.T) {
	h := newHarness(t)
	s, err := crypto.GenerateKey()
	require.NoError(t, err)
	trader := crypto.TraderID(s.Address())
	h.deposit(t, trader, 1_000_000)

	order, sig := signedOrder(t, s, 0)
	var accepted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.SubmitSignedOrder(context.Background(), order, sig); err == nil {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, uint64(1), h.row(t, trader).Nonce)
}

func TestLockedMarginTracksRestingOrders(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 1_000_000)

	type req struct {
		price, qty int64
		lev        uint32
		ttl        uint64
	}
	reqs := []req{{100, 10, 0, 10}, {101, 33, 3, 20}, {99, 7, 2, 30}, {250, 4, 9, 40}}

	var want int64
	for _, r := range reqs {
		_, err := h.SubmitOrder(context.Background(), OrderRequest{
			Trader: "alice", Side: "sell", Price: r.price, Qty: r.qty, Leverage: r.lev, TTLSecs: r.ttl,
		})
		require.NoError(t, err)
		m := r.price * r.qty
		if r.lev > 0 {
			m /= int64(r.lev)
		}
		want += m
		assert.Equal(t, want, h.row(t, "alice").LockedMargin)
	}

	// expiry releases exactly what each order reserved
	var elapsed uint64
	for _, r := range reqs {
		h.clock.Advance(time.Duration(r.ttl+1-elapsed) * time.Second)
		elapsed = r.ttl + 1
		h.Tick(context.Background())
		m := r.price * r.qty
		if r.lev > 0 {
			m /= int64(r.lev)
		}
		want -= m
		assert.Equal(t, want, h.row(t, "alice").LockedMargin)
	}
	_, sells := h.OpenOrders()
	assert.Empty(t, sells)
}

func TestExpiredOrderIsNeverMatched(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, "alice", 100_000)
	h.deposit(t, "bob", 100_000)

	_, err := h.SubmitOrder(context.Background(), OrderRequest{
		Trader: "alice", Side: "buy", Price: 100, Qty: 10, TTLSecs: 10,
	})
	require.NoError(t, err)

	h.clock.Advance(11 * time.Second)
	h.order(t, "bob", Sell, 100, 10, 0)

	assert.False(t, h.Tick(context.Background()))
	buys, sells := h.OpenOrders()
	assert.Empty(t, buys)
	assert.Len(t, sells, 1)
	assert.Zero(t, h.row(t, "alice").LockedMargin)
}

func TestSubmitOrderHonoursContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.SubmitOrder(ctx, OrderRequest{Trader: "a", Side: "buy", Price: 1, Qty: 1})
	assert.True(t, errors.Is(err, context.Canceled))
}
