// Package risk holds the pure margin, PnL and health functions used by the
// matching engine. Every function is deterministic and overflow-checked:
// a result that does not fit in int64 returns ErrOverflow instead of wrapping.
package risk

import (
	"errors"
	"math"

	gmath "github.com/ethereum/go-ethereum/common/math"
)

// BpsDenominator converts basis points to a ratio (10000 bps = 100%).
const BpsDenominator = 10_000

// ErrOverflow is returned when an intermediate value leaves the int64 range.
var ErrOverflow = errors.New("arithmetic overflow")

// Abs returns |x|. math.MinInt64 has no positive counterpart and overflows.
func Abs(x int64) (int64, error) {
	if x == math.MinInt64 {
		return 0, ErrOverflow
	}
	if x < 0 {
		return -x, nil
	}
	return x, nil
}

// Add returns a + b.
func Add(a, b int64) (int64, error) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, ErrOverflow
	}
	return c, nil
}

// Sub returns a - b.
func Sub(a, b int64) (int64, error) {
	c := a - b
	if (b > 0 && c > a) || (b < 0 && c < a) {
		return 0, ErrOverflow
	}
	return c, nil
}

// Mul returns a * b. Magnitudes are multiplied as uint64 so the sign can be
// applied afterwards without losing the overflow flag.
func Mul(a, b int64) (int64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	absA, err := Abs(a)
	if err != nil {
		return 0, err
	}
	absB, err := Abs(b)
	if err != nil {
		return 0, err
	}
	prod, overflow := gmath.SafeMul(uint64(absA), uint64(absB))
	if overflow || prod > math.MaxInt64 {
		return 0, ErrOverflow
	}
	if (a < 0) != (b < 0) {
		return -int64(prod), nil
	}
	return int64(prod), nil
}

// FloorDiv divides rounding toward negative infinity. b must be non-zero.
func FloorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Notional is |price| * |qty|.
func Notional(price, qty int64) (int64, error) {
	p, err := Abs(price)
	if err != nil {
		return 0, err
	}
	q, err := Abs(qty)
	if err != nil {
		return 0, err
	}
	return Mul(p, q)
}

// RequiredMargin is the initial margin for an order or position:
// the full notional when leverage is 0, otherwise floor(notional / leverage).
func RequiredMargin(price, qty int64, leverage uint32) (int64, error) {
	notional, err := Notional(price, qty)
	if err != nil {
		return 0, err
	}
	if leverage == 0 {
		return notional, nil
	}
	return notional / int64(leverage), nil
}

// UnrealizedPnL is (mark - entry) * qty; a short position carries a negative qty.
func UnrealizedPnL(entry, mark, qty int64) (int64, error) {
	diff, err := Sub(mark, entry)
	if err != nil {
		return 0, err
	}
	return Mul(diff, qty)
}

// Equity is collateral + pnl - locked.
func Equity(collateral, pnl, locked int64) (int64, error) {
	sum, err := Add(collateral, pnl)
	if err != nil {
		return 0, err
	}
	return Sub(sum, locked)
}

// Fee is floor(notional * bps / 10000).
func Fee(notional int64, bps uint64) (int64, error) {
	if bps > math.MaxInt64 {
		return 0, ErrOverflow
	}
	scaled, err := Mul(notional, int64(bps))
	if err != nil {
		return 0, err
	}
	return FloorDiv(scaled, BpsDenominator), nil
}

// Health is an account's equity over locked margin in basis points.
// Infinite is set when nothing is locked; Bps is then meaningless.
type Health struct {
	Bps      int64
	Infinite bool
}

// Below reports whether the health is strictly under threshold bps.
// Infinite health is never below anything.
func (h Health) Below(threshold int64) bool {
	return !h.Infinite && h.Bps < threshold
}

// Ptr returns the health as a nullable value (nil for infinite).
func (h Health) Ptr() *int64 {
	if h.Infinite {
		return nil
	}
	v := h.Bps
	return &v
}

// HealthBps is floor(equity * 10000 / locked). Negative equity yields a
// negative health; it is not clamped to zero.
func HealthBps(equity, locked int64) (Health, error) {
	if locked == 0 {
		return Health{Infinite: true}, nil
	}
	scaled, err := Mul(equity, BpsDenominator)
	if err != nil {
		return Health{}, err
	}
	return Health{Bps: FloorDiv(scaled, locked)}, nil
}
