package engine

import (
	"math"
	"strings"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case
func ParseSide(s string) (Side, bool) {
	switch strings.ToLower(s) {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	}
	return "", false
}

// Order is an admitted order. Values are never mutated in place; a partial
// fill re-enqueues a copy with the same ID and the remaining Qty.
type Order struct {
	ID        uint64  `json:"id"`
	Trader    string  `json:"trader"`
	Side      Side    `json:"side"`
	Price     int64   `json:"price"`
	Qty       int64   `json:"qty"`
	Leverage  uint32  `json:"leverage"`
	Timestamp int64   `json:"ts"`
	ExpiryTS  int64   `json:"expiry_ts"`
	IsLimit   bool    `json:"is_limit"`
	Nonce     *uint64 `json:"nonce,omitempty"`
}

// Expired reports whether the order is past its expiry at now (unix seconds)
func (o Order) Expired(now int64) bool {
	return now > o.ExpiryTS
}

// OrderRequest is what intake receives from the transport
type OrderRequest struct {
	Trader   string  `json:"trader"`
	Side     string  `json:"side"`
	Price    int64   `json:"price"`
	Qty      int64   `json:"qty"`
	Leverage uint32  `json:"leverage"`
	TTLSecs  uint64  `json:"ttl_secs"` // 0 = engine default
	IsLimit  bool    `json:"is_limit"`
	Nonce    *uint64 `json:"nonce,omitempty"`
}

// Validate rejects malformed requests before they reach the ledger
func (r OrderRequest) Validate() error {
	if strings.TrimSpace(r.Trader) == "" {
		return &ValidationError{Field: "trader", Reason: "required"}
	}
	if _, ok := ParseSide(r.Side); !ok {
		return &ValidationError{Field: "side", Reason: "must be buy or sell"}
	}
	if r.Price <= 0 {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if r.Qty <= 0 {
		return &ValidationError{Field: "qty", Reason: "must be positive"}
	}
	if r.TTLSecs > math.MaxInt64/2 {
		return &ValidationError{Field: "ttl_secs", Reason: "too large"}
	}
	return nil
}

type Account struct {
	Collateral   int64 `json:"collateral"`
	LockedMargin int64 `json:"locked_margin"`
}

// Position is the single per-trader position in the one listed product.
// Qty is signed: long > 0, short < 0.
type Position struct {
	Trader     string `json:"trader"`
	EntryPrice int64  `json:"entry_price"`
	Qty        int64  `json:"qty"`
	Leverage   uint32 `json:"leverage"`
	OpenedTS   int64  `json:"opened_ts"`
	ExpiryTS   int64  `json:"expiry_ts"`
}

type FeeConfig struct {
	MakerBps uint64 `json:"maker_bps"`
	TakerBps uint64 `json:"taker_bps"`
}

// TraderState is one row of a Snapshot
type TraderState struct {
	Trader       string `json:"trader"`
	Collateral   int64  `json:"collateral"`
	LockedMargin int64  `json:"locked_margin"`
	Qty          int64  `json:"qty"`
	EntryPrice   int64  `json:"entry_price"`
	PnL          int64  `json:"pnl"`
	HealthBps    *int64 `json:"health_bps"` // nil = infinite
	Nonce        uint64 `json:"nonce"`
	Error        string `json:"error,omitempty"`
}

// Snapshot is a consistent read of the whole engine taken under the ledger lock
type Snapshot struct {
	Symbol      string        `json:"symbol"`
	Mark        int64         `json:"mark"`
	Fees        FeeConfig     `json:"fees"`
	AccruedFees int64         `json:"accrued_fees"`
	Sequence    uint64        `json:"seq"`
	OpenBuys    int           `json:"open_buys"`
	OpenSells   int           `json:"open_sells"`
	Traders     []TraderState `json:"traders"`
}

// Trader returns the row for trader, if present
func (s Snapshot) Trader(trader string) (TraderState, bool) {
	for _, t := range s.Traders {
		if t.Trader == trader {
			return t, true
		}
	}
	return TraderState{}, false
}
