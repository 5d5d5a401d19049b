package engine

import (
	"errors"
	"fmt"

	"github.com/uhyunpark/zeroday/pkg/engine/risk"
)

var (
	ErrInsufficientMargin         = errors.New("insufficient margin")
	ErrInsufficientFreeCollateral = errors.New("insufficient free collateral")
	ErrSignatureMismatch          = errors.New("signature mismatch")

	// ErrOverflow is risk.ErrOverflow, re-exported for callers of the engine
	ErrOverflow = risk.ErrOverflow
)

// ValidationError is a malformed request, rejected before touching the ledger
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BadNonceError carries the nonce the caller must use next
type BadNonceError struct {
	Got      uint64
	Expected uint64
}

func (e *BadNonceError) Error() string {
	return fmt.Sprintf("bad nonce: got %d, expected %d", e.Got, e.Expected)
}

// rejectReason is the metrics label for an intake error
func rejectReason(err error) string {
	var ve *ValidationError
	var bn *BadNonceError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &bn):
		return "bad_nonce"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature"
	case errors.Is(err, ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	}
	return "other"
}
