package engine

import (
	"github.com/uhyunpark/zeroday/pkg/engine/risk"
	"github.com/uhyunpark/zeroday/pkg/events"
)

// Sweep force-closes every position whose health at the current mark is
// below LiquidationThresholdBps and returns how many were closed. Traders are
// visited in ascending id order. A closed position has qty 0, so a second
// sweep finds nothing to do.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sweepLocked()
}

func (e *Engine) sweepLocked() int {
	closed := 0
	for _, trader := range e.ledger.traders() {
		p := e.ledger.position(trader)
		if p.Qty == 0 {
			continue
		}
		a := e.ledger.account(trader)
		if a.LockedMargin <= 0 {
			continue
		}

		h, pnl, err := e.healthOf(a, p)
		if err != nil {
			e.Logger.Errorw("health_overflow", "trader", trader, "mark", e.mark, "err", err)
			continue
		}
		if !h.Below(e.cfg.LiquidationThresholdBps) {
			continue
		}

		collateral, err := risk.Add(a.Collateral, pnl)
		if err != nil {
			e.Logger.Errorw("liquidation_overflow", "trader", trader, "pnl", pnl, "err", err)
			continue
		}

		qty := p.Qty
		a.Collateral = collateral
		a.LockedMargin = 0
		p.Qty = 0
		p.EntryPrice = 0
		e.ledger.setAccount(trader, a)
		e.ledger.setPosition(p)

		ev := events.Liquidation{
			Sequence:  e.nextSeq(),
			Trader:    trader,
			Mark:      e.mark,
			Qty:       qty,
			PnL:       pnl,
			Timestamp: e.now(),
		}
		e.publish(ev)
		e.Metrics.Liquidated()
		e.Logger.Warnw("liquidation",
			"seq", ev.Sequence, "trader", trader, "mark", e.mark,
			"qty", qty, "pnl", pnl, "health_bps", h.Bps, "collateral", collateral)
		closed++
	}
	return closed
}
