package engine

import (
	"context"
	"fmt"

	"github.com/uhyunpark/zeroday/pkg/engine/risk"
	"github.com/uhyunpark/zeroday/pkg/events"
)

// Submitter confirms matches on chain before the engine commits them.
// ProposeMatch returns a submission id (a tx hash) once the match is final.
type Submitter interface {
	ProposeMatch(ctx context.Context, buyID, sellID uint64, price int64) (string, error)
}

// Run ticks every TickInterval until ctx is done. The next interval starts
// only after the previous tick returned.
func (e *Engine) Run(ctx context.Context) {
	e.Logger.Infow("matcher_started", "tick", e.cfg.TickInterval, "liquidation_bps", e.cfg.LiquidationThresholdBps)
	for {
		select {
		case <-ctx.Done():
			e.Logger.Infow("matcher_stopped")
			return
		case <-e.Clock.After(e.cfg.TickInterval):
		}
		e.Tick(ctx)
	}
}

// Tick runs one matching round followed by a liquidation sweep. It reports
// whether a trade was applied.
func (e *Engine) Tick(ctx context.Context) bool {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := e.Clock.Now()
	matched := e.matchOnce(ctx)
	e.Sweep()
	e.Metrics.ObserveTick(e.Clock.Now().Sub(start))
	return matched
}

// matchOnce pairs the two queue heads, if both exist. With a Submitter the
// lock is released for the round trip and the pair is committed only if the
// proposal succeeds and both heads are still the proposed orders.
func (e *Engine) matchOnce(ctx context.Context) bool {
	e.mu.Lock()
	e.expireLocked(e.now())

	buy, okBuy := e.book.buys.head()
	sell, okSell := e.book.sells.head()
	if !okBuy || !okSell {
		e.mu.Unlock()
		return false
	}
	price, err := tradePrice(buy.Price, sell.Price)
	if err != nil {
		e.Logger.Errorw("trade_price_overflow", "buy_id", buy.ID, "sell_id", sell.ID, "err", err)
		e.mu.Unlock()
		return false
	}

	sub := e.Submitter
	if sub == nil {
		defer e.mu.Unlock()
		return e.fillLocked(buy, sell, price, "")
	}

	e.inflight = true
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, e.cfg.ChainTimeout)
	tx, err := sub.ProposeMatch(pctx, buy.ID, sell.ID, price)
	cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight = false

	if err != nil {
		e.Metrics.ProposalFailed()
		e.Logger.Warnw("match_proposal_failed", "buy_id", buy.ID, "sell_id", sell.ID, "price", price, "err", err)
		return false
	}

	curBuy, okBuy := e.book.buys.head()
	curSell, okSell := e.book.sells.head()
	if !okBuy || !okSell || curBuy.ID != buy.ID || curSell.ID != sell.ID {
		e.Logger.Warnw("match_heads_changed", "buy_id", buy.ID, "sell_id", sell.ID, "tx", tx)
		return false
	}
	return e.fillLocked(curBuy, curSell, price, tx)
}

// tradePrice is floor((buy + sell) / 2)
func tradePrice(buyPrice, sellPrice int64) (int64, error) {
	sum, err := risk.Add(buyPrice, sellPrice)
	if err != nil {
		return 0, err
	}
	return risk.FloorDiv(sum, 2), nil
}

// fillLocked applies a trade between the two heads, updates the book and
// publishes the match. On any arithmetic failure nothing changes.
func (e *Engine) fillLocked(buy, sell Order, price int64, tx string) bool {
	qty := min(buy.Qty, sell.Qty)
	ev, err := e.applyTradeLocked(buy, sell, price, qty, tx)
	if err != nil {
		e.Logger.Errorw("trade_rejected", "buy_id", buy.ID, "sell_id", sell.ID, "price", price, "qty", qty, "err", err)
		return false
	}

	e.book.buys.pop()
	e.book.sells.pop()
	if buy.Qty > qty {
		rest := buy
		rest.Qty -= qty
		e.book.buys.pushFront(rest)
	}
	if sell.Qty > qty {
		rest := sell
		rest.Qty -= qty
		e.book.sells.pushFront(rest)
	}

	e.publish(ev)
	e.Metrics.Matched(qty, ev.MakerFee+ev.TakerFee)
	e.Metrics.SetOpenOrders(e.book.buys.len(), e.book.sells.len())
	e.Logger.Infow("match",
		"seq", ev.Sequence, "buy_id", buy.ID, "sell_id", sell.ID,
		"price", price, "qty", qty, "maker_id", ev.MakerID,
		"maker_fee", ev.MakerFee, "taker_fee", ev.TakerFee, "tx", tx)

	e.sweepLocked()
	return true
}

// leg is one side of a trade in scratch form
type leg struct {
	order Order
	delta int64
	fee   int64
}

// applyTradeLocked computes both legs into scratch copies and commits them
// together. A self-trade folds both legs into the same scratch entry.
func (e *Engine) applyTradeLocked(buy, sell Order, price, qty int64, tx string) (events.Match, error) {
	notional, err := risk.Notional(price, qty)
	if err != nil {
		return events.Match{}, fmt.Errorf("notional: %w", err)
	}
	makerFee, err := risk.Fee(notional, e.fees.MakerBps)
	if err != nil {
		return events.Match{}, fmt.Errorf("maker fee: %w", err)
	}
	takerFee, err := risk.Fee(notional, e.fees.TakerBps)
	if err != nil {
		return events.Match{}, fmt.Errorf("taker fee: %w", err)
	}

	makerID := min(buy.ID, sell.ID)
	buyFee, sellFee := takerFee, makerFee
	if buy.ID == makerID {
		buyFee, sellFee = makerFee, takerFee
	}

	now := e.now()
	ttl := e.ttlSecs()
	accts := make(map[string]Account, 2)
	positions := make(map[string]Position, 2)

	for _, l := range []leg{{buy, qty, buyFee}, {sell, -qty, sellFee}} {
		trader := l.order.Trader
		a, ok := accts[trader]
		if !ok {
			a = e.ledger.account(trader)
		}
		p, ok := positions[trader]
		if !ok {
			p = e.ledger.position(trader)
		}

		next, realized, err := planFill(p, l.delta, price, l.order.Leverage, now, ttl)
		if err != nil {
			return events.Match{}, fmt.Errorf("position %s: %w", trader, err)
		}
		c, err := risk.Add(a.Collateral, realized)
		if err != nil {
			return events.Match{}, fmt.Errorf("realize %s: %w", trader, err)
		}
		c, err = risk.Sub(c, l.fee)
		if err != nil {
			return events.Match{}, fmt.Errorf("fee %s: %w", trader, err)
		}
		a.Collateral = c
		accts[trader] = a
		positions[trader] = next
	}

	accrued, err := risk.Add(e.accruedFees, makerFee)
	if err == nil {
		accrued, err = risk.Add(accrued, takerFee)
	}
	if err != nil {
		return events.Match{}, fmt.Errorf("accrued fees: %w", err)
	}

	// commit
	for trader, a := range accts {
		e.ledger.setAccount(trader, a)
	}
	for _, p := range positions {
		e.ledger.setPosition(p)
	}
	e.accruedFees = accrued

	return events.Match{
		Sequence:   e.nextSeq(),
		BuyID:      buy.ID,
		SellID:     sell.ID,
		BuyTrader:  buy.Trader,
		SellTrader: sell.Trader,
		Price:      price,
		Qty:        qty,
		MakerID:    makerID,
		MakerFee:   makerFee,
		TakerFee:   takerFee,
		Tx:         tx,
		Timestamp:  now,
	}, nil
}
