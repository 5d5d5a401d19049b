package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/uhyunpark/zeroday/pkg/crypto"
	"github.com/uhyunpark/zeroday/pkg/engine/risk"
)

// SubmitOrder admits an unsigned order. Any nonce on the request is dropped:
// the nonce table only tracks signed orders, so an unauthenticated caller
// cannot advance or burn a signer's nonce.
func (e *Engine) SubmitOrder(ctx context.Context, req OrderRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	req.Nonce = nil
	if err := req.Validate(); err != nil {
		e.Metrics.OrderRejected(rejectReason(err))
		return 0, err
	}
	return e.admit(req, false)
}

// SubmitSignedOrder admits an EIP-712 signed order. The recovered signer must
// equal order.Trader; the trader id is its lowercase hex address.
func (e *Engine) SubmitSignedOrder(ctx context.Context, order crypto.SignedOrder, signature []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	nonce := order.Nonce
	req := OrderRequest{
		Trader:   crypto.TraderID(order.Trader),
		Side:     order.Side,
		Price:    order.Price,
		Qty:      order.Qty,
		Leverage: order.Leverage,
		TTLSecs:  order.TTLSecs,
		IsLimit:  order.IsLimit,
		Nonce:    &nonce,
	}
	if err := req.Validate(); err != nil {
		e.Metrics.OrderRejected(rejectReason(err))
		return 0, err
	}

	// recovery is pure CPU work; keep it outside the ledger lock
	ok, err := e.verifier.VerifyOrderSignature(&order, signature)
	if err != nil {
		e.Metrics.OrderRejected("signature")
		return 0, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if !ok {
		e.Metrics.OrderRejected("signature")
		return 0, ErrSignatureMismatch
	}
	return e.admit(req, true)
}

// admit runs the nonce and margin checks and commits the order. Nothing is
// written unless every check passes.
func (e *Engine) admit(req OrderRequest, signed bool) (uint64, error) {
	side, _ := ParseSide(req.Side)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.expireLocked(now)

	id, err := e.admitLocked(req, side, now)
	if err != nil {
		e.Metrics.OrderRejected(rejectReason(err))
		e.Logger.Debugw("order_rejected", "trader", req.Trader, "side", side, "err", err)
		return 0, err
	}
	e.Metrics.OrderAccepted(string(side), signed)
	e.Metrics.SetOpenOrders(e.book.buys.len(), e.book.sells.len())
	e.Logger.Infow("order_accepted",
		"id", id, "trader", req.Trader, "side", side,
		"price", req.Price, "qty", req.Qty, "leverage", req.Leverage, "signed", signed)
	return id, nil
}

func (e *Engine) admitLocked(req OrderRequest, side Side, now int64) (uint64, error) {
	expected := e.ledger.expectedNonce(req.Trader)
	if req.Nonce != nil && *req.Nonce != expected {
		return 0, &BadNonceError{Got: *req.Nonce, Expected: expected}
	}
	if req.Nonce != nil && expected == math.MaxUint64 {
		return 0, fmt.Errorf("nonce for %s: %w", req.Trader, ErrOverflow)
	}

	margin, err := risk.RequiredMargin(req.Price, req.Qty, req.Leverage)
	if err != nil {
		return 0, fmt.Errorf("required margin: %w", err)
	}
	free, err := e.ledger.freeCollateral(req.Trader)
	if err != nil {
		return 0, fmt.Errorf("free collateral: %w", err)
	}
	if free < margin {
		return 0, fmt.Errorf("%w: need %d, free %d", ErrInsufficientMargin, margin, free)
	}

	ttl := int64(req.TTLSecs)
	if ttl == 0 {
		ttl = e.ttlSecs()
	}
	expiry, err := risk.Add(now, ttl)
	if err != nil {
		return 0, fmt.Errorf("expiry: %w", err)
	}

	acct := e.ledger.account(req.Trader)
	locked, err := risk.Add(acct.LockedMargin, margin)
	if err != nil {
		return 0, fmt.Errorf("lock margin: %w", err)
	}

	// commit
	acct.LockedMargin = locked
	e.ledger.setAccount(req.Trader, acct)
	if req.Nonce != nil {
		e.ledger.nonces[req.Trader] = expected + 1
	}
	e.nextOrderID++
	o := Order{
		ID:        e.nextOrderID,
		Trader:    req.Trader,
		Side:      side,
		Price:     req.Price,
		Qty:       req.Qty,
		Leverage:  req.Leverage,
		Timestamp: now,
		ExpiryTS:  expiry,
		IsLimit:   req.IsLimit,
	}
	if req.Nonce != nil {
		n := *req.Nonce
		o.Nonce = &n
	}
	e.book.side(side).push(o)
	return o.ID, nil
}

// expireLocked drops expired heads from both queues and releases the margin
// they still hold. It is a no-op while a match proposal is in flight.
func (e *Engine) expireLocked(now int64) {
	if e.inflight {
		return
	}
	dropped := e.book.dropExpired(now)
	for _, o := range dropped {
		e.releaseMargin(o)
		e.Logger.Infow("order_expired", "id", o.ID, "trader", o.Trader, "side", o.Side, "expiry_ts", o.ExpiryTS)
	}
	if len(dropped) > 0 {
		e.Metrics.OrdersExpired(len(dropped))
		e.Metrics.SetOpenOrders(e.book.buys.len(), e.book.sells.len())
	}
}

// releaseMargin unlocks what an unfilled order reserved. Locked margin never
// goes below zero; a liquidation may already have released it.
func (e *Engine) releaseMargin(o Order) {
	margin, err := risk.RequiredMargin(o.Price, o.Qty, o.Leverage)
	if err != nil {
		e.Logger.Errorw("release_margin_failed", "id", o.ID, "err", err)
		return
	}
	a := e.ledger.account(o.Trader)
	a.LockedMargin = max(a.LockedMargin-margin, 0)
	e.ledger.setAccount(o.Trader, a)
}
