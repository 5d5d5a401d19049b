package events

import "encoding/json"

// Kind tags an event on the wire ("event" field), matching the websocket
// message names the UI consumes.
type Kind string

const (
	KindMatch       Kind = "match"
	KindLiquidation Kind = "liquidation"
	KindOracle      Kind = "oracle"
)

// Event is an immutable record emitted by the engine. Seq is assigned once,
// at application time, and is strictly increasing across all kinds.
type Event interface {
	Kind() Kind
	Seq() uint64
	// Key groups related events (e.g. per trader) for downstream partitioning.
	Key() string
}

// Match is emitted once per applied trade.
type Match struct {
	Sequence   uint64 `json:"seq"`
	BuyID      uint64 `json:"buy_id"`
	SellID     uint64 `json:"sell_id"`
	BuyTrader  string `json:"buy_trader"`
	SellTrader string `json:"sell_trader"`
	Price      int64  `json:"price"`
	Qty        int64  `json:"qty"`
	MakerID    uint64 `json:"maker_id"`
	MakerFee   int64  `json:"maker_fee"`
	TakerFee   int64  `json:"taker_fee"`
	Tx         string `json:"tx,omitempty"`
	Timestamp  int64  `json:"ts"`
}

func (m Match) Kind() Kind  { return KindMatch }
func (m Match) Seq() uint64 { return m.Sequence }
func (m Match) Key() string { return m.BuyTrader }

func (m Match) MarshalJSON() ([]byte, error) {
	type alias Match
	return json.Marshal(struct {
		Event Kind `json:"event"`
		alias
	}{KindMatch, alias(m)})
}

// Liquidation is emitted exactly once per forced close.
type Liquidation struct {
	Sequence  uint64 `json:"seq"`
	Trader    string `json:"trader"`
	Mark      int64  `json:"mark"`
	Qty       int64  `json:"qty"`
	PnL       int64  `json:"pnl"`
	Timestamp int64  `json:"ts"`
}

func (l Liquidation) Kind() Kind  { return KindLiquidation }
func (l Liquidation) Seq() uint64 { return l.Sequence }
func (l Liquidation) Key() string { return l.Trader }

func (l Liquidation) MarshalJSON() ([]byte, error) {
	type alias Liquidation
	return json.Marshal(struct {
		Event Kind `json:"event"`
		alias
	}{KindLiquidation, alias(l)})
}

// Oracle is emitted when the mark price changes.
type Oracle struct {
	Sequence  uint64 `json:"seq"`
	Symbol    string `json:"symbol"`
	Price     int64  `json:"price"`
	Timestamp int64  `json:"ts"`
}

func (o Oracle) Kind() Kind  { return KindOracle }
func (o Oracle) Seq() uint64 { return o.Sequence }
func (o Oracle) Key() string { return o.Symbol }

func (o Oracle) MarshalJSON() ([]byte, error) {
	type alias Oracle
	return json.Marshal(struct {
		Event Kind `json:"event"`
		alias
	}{KindOracle, alias(o)})
}
