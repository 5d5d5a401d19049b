package engine

import (
	"sort"

	"github.com/uhyunpark/zeroday/pkg/engine/risk"
)

// ledger holds accounts, positions and the nonce table. It has no lock of its
// own: the Engine mutex guards every access.
type ledger struct {
	accounts  map[string]*Account
	positions map[string]*Position
	nonces    map[string]uint64 // next expected nonce
}

func newLedger() *ledger {
	return &ledger{
		accounts:  make(map[string]*Account),
		positions: make(map[string]*Position),
		nonces:    make(map[string]uint64),
	}
}

// account returns a copy; an absent trader reads as a zero account
func (l *ledger) account(trader string) Account {
	if a, ok := l.accounts[trader]; ok {
		return *a
	}
	return Account{}
}

func (l *ledger) position(trader string) Position {
	if p, ok := l.positions[trader]; ok {
		return *p
	}
	return Position{Trader: trader}
}

func (l *ledger) setAccount(trader string, a Account) {
	if cur, ok := l.accounts[trader]; ok {
		*cur = a
		return
	}
	l.accounts[trader] = &a
}

func (l *ledger) setPosition(p Position) {
	if cur, ok := l.positions[p.Trader]; ok {
		*cur = p
		return
	}
	l.positions[p.Trader] = &p
}

func (l *ledger) expectedNonce(trader string) uint64 {
	return l.nonces[trader]
}

// freeCollateral is collateral - locked_margin
func (l *ledger) freeCollateral(trader string) (int64, error) {
	a := l.account(trader)
	return risk.Sub(a.Collateral, a.LockedMargin)
}

// traders lists every trader the ledger knows about in ascending order
func (l *ledger) traders() []string {
	seen := make(map[string]struct{}, len(l.accounts))
	for t := range l.accounts {
		seen[t] = struct{}{}
	}
	for t := range l.positions {
		seen[t] = struct{}{}
	}
	for t := range l.nonces {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func sign(x int64) int64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// planFill applies a signed quantity delta traded at price to pos and returns
// the new position with the PnL realized on any closed portion. pos is not
// modified.
//
//   - flat or same direction: weighted-average entry, floor(sum / |new qty|)
//   - opposite direction: realize (price - entry) * closed * sign(old qty)
//   - flip: the remainder opens fresh at price
//   - a position that ends flat has entry reset to 0
func planFill(pos Position, delta, price int64, leverage uint32, now, ttl int64) (Position, int64, error) {
	if delta == 0 {
		return pos, 0, nil
	}
	oldQty := pos.Qty
	newQty, err := risk.Add(oldQty, delta)
	if err != nil {
		return pos, 0, err
	}

	next := pos
	next.Qty = newQty

	if oldQty == 0 {
		return openAt(next, price, leverage, now, ttl)
	}

	if sign(oldQty) == sign(delta) {
		absOld, err := risk.Abs(oldQty)
		if err != nil {
			return pos, 0, err
		}
		absDelta, err := risk.Abs(delta)
		if err != nil {
			return pos, 0, err
		}
		absNew, err := risk.Abs(newQty)
		if err != nil {
			return pos, 0, err
		}
		held, err := risk.Mul(pos.EntryPrice, absOld)
		if err != nil {
			return pos, 0, err
		}
		added, err := risk.Mul(price, absDelta)
		if err != nil {
			return pos, 0, err
		}
		sum, err := risk.Add(held, added)
		if err != nil {
			return pos, 0, err
		}
		next.EntryPrice = risk.FloorDiv(sum, absNew)
		return next, 0, nil
	}

	// reducing, closing or flipping
	absOld, err := risk.Abs(oldQty)
	if err != nil {
		return pos, 0, err
	}
	absDelta, err := risk.Abs(delta)
	if err != nil {
		return pos, 0, err
	}
	closed := min(absOld, absDelta)
	diff, err := risk.Sub(price, pos.EntryPrice)
	if err != nil {
		return pos, 0, err
	}
	realized, err := risk.Mul(diff, closed)
	if err != nil {
		return pos, 0, err
	}
	realized *= sign(oldQty)

	switch {
	case newQty == 0:
		next.EntryPrice = 0
	case sign(newQty) != sign(oldQty):
		next, _, err = openAt(next, price, leverage, now, ttl)
		if err != nil {
			return pos, 0, err
		}
	}
	return next, realized, nil
}

func openAt(p Position, price int64, leverage uint32, now, ttl int64) (Position, int64, error) {
	expiry, err := risk.Add(now, ttl)
	if err != nil {
		return p, 0, err
	}
	p.EntryPrice = price
	p.Leverage = leverage
	p.OpenedTS = now
	p.ExpiryTS = expiry
	return p, 0, nil
}
