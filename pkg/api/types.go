package api

import (
	"github.com/uhyunpark/zeroday/pkg/crypto"
	"github.com/uhyunpark/zeroday/pkg/engine"
	"github.com/uhyunpark/zeroday/pkg/storage"
)

// API request and response types for REST endpoints

// ==============================
// REST Request Types
// ==============================

// PlaceOrderRequest is the payload for POST /orders. A nonce sent here is
// ignored; only signed orders use the nonce table.
type PlaceOrderRequest = engine.OrderRequest

// SignedOrderRequest is the payload for POST /orders/signed
type SignedOrderRequest struct {
	Order     crypto.SignedOrder `json:"order"`
	Signature string             `json:"signature"` // 0x-prefixed 65-byte r||s||v
}

// CollateralRequest is the payload for POST /deposit and POST /withdraw
type CollateralRequest struct {
	Trader string `json:"trader"`
	Amount int64  `json:"amount"`
}

// OracleRequest is the payload for POST /oracle
type OracleRequest struct {
	Price int64 `json:"price"`
}

// FeesRequest is the payload for POST /fees
type FeesRequest struct {
	MakerBps uint64 `json:"maker_bps"`
	TakerBps uint64 `json:"taker_bps"`
}

// ==============================
// REST Response Types
// ==============================

// PlaceOrderResponse carries the engine-assigned order id
type PlaceOrderResponse struct {
	ID uint64 `json:"id"`
}

// OKResponse is returned by the collateral and admin endpoints
type OKResponse struct {
	OK bool `json:"ok"`
}

// StatusResponse reports whether on-chain settlement is wired
type StatusResponse struct {
	OnchainFeature  bool    `json:"onchain_feature"`
	Active          bool    `json:"active"`
	ContractAddress *string `json:"contract_address"`
	Symbol          string  `json:"symbol"`
	Mark            int64   `json:"mark"`
	Seq             uint64  `json:"seq"`
	Subscribers     int     `json:"subscribers"`
}

// OrdersResponse lists resting orders in queue order
type OrdersResponse struct {
	Buys  []engine.Order `json:"buys"`
	Sells []engine.Order `json:"sells"`
}

// EventsResponse is a page of the event journal
type EventsResponse struct {
	Events []storage.Record `json:"events"`
	Next   uint64           `json:"next"` // pass as ?from= to continue
}

// ErrorResponse is returned for all errors. Expected is set on nonce
// rejections.
type ErrorResponse struct {
	Error    string  `json:"error"`
	Message  string  `json:"message,omitempty"`
	Expected *uint64 `json:"expected,omitempty"`
}
