package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version
	ChainID           *big.Int       // 421614 = Arbitrum Sepolia
	VerifyingContract common.Address // zero for off-chain matching
}

// DefaultDomain returns the domain wallets sign orders under
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "ArbzZeroDay",
		Version:           "1",
		ChainID:           big.NewInt(421614),
		VerifyingContract: common.Address{},
	}
}

// SignedOrder is the typed message a trader signs. Field order and Solidity
// types are part of the signature and must not change.
type SignedOrder struct {
	Trader   common.Address `json:"trader"`
	Side     string         `json:"side"` // "buy" | "sell"
	Price    int64          `json:"price"`
	Qty      int64          `json:"qty"`
	Leverage uint32         `json:"leverage"`
	TTLSecs  uint64         `json:"ttl_secs"`
	IsLimit  bool           `json:"is_limit"`
	Nonce    uint64         `json:"nonce"`
}

var signedOrderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"SignedOrder": []apitypes.Type{
		{Name: "trader", Type: "address"},
		{Name: "side", Type: "string"},
		{Name: "price", Type: "int128"},
		{Name: "qty", Type: "int128"},
		{Name: "leverage", Type: "uint32"},
		{Name: "ttl_secs", Type: "uint64"},
		{Name: "is_limit", Type: "bool"},
		{Name: "nonce", Type: "uint64"},
	},
}

// EIP712Signer hashes, signs and verifies orders under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a signer bound to domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) typedData(order *SignedOrder) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       signedOrderTypes,
		PrimaryType: "SignedOrder",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"trader":   order.Trader.Hex(),
			"side":     order.Side,
			"price":    strconv.FormatInt(order.Price, 10),
			"qty":      strconv.FormatInt(order.Qty, 10),
			"leverage": strconv.FormatUint(uint64(order.Leverage), 10),
			"ttl_secs": strconv.FormatUint(order.TTLSecs, 10),
			"is_limit": order.IsLimit,
			"nonce":    strconv.FormatUint(order.Nonce, 10),
		},
	}
}

// HashOrder returns the EIP-712 digest of order:
// keccak256("\x19\x01" || domainSeparator || hashStruct(order))
func (e *EIP712Signer) HashOrder(order *SignedOrder) ([]byte, error) {
	typedData := e.typedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

// SignOrder signs an order and returns the 65-byte signature
func (e *EIP712Signer) SignOrder(signer *Signer, order *SignedOrder) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}
	return signer.Sign(hash)
}

// RecoverOrderSigner recovers the address that signed order
func (e *EIP712Signer) RecoverOrderSigner(order *SignedOrder, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// VerifyOrderSignature reports whether signature was produced by order.Trader.
// Malformed signatures return an error; a well-formed signature by someone
// else returns false.
func (e *EIP712Signer) VerifyOrderSignature(order *SignedOrder, signature []byte) (bool, error) {
	recovered, err := e.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return recovered == order.Trader, nil
}

// OrderToJSON renders the typed data in the eth_signTypedData_v4 shape, for
// wallets that sign in the browser.
func (e *EIP712Signer) OrderToJSON(order *SignedOrder) (string, error) {
	typedData := e.typedData(order)
	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(jsonBytes), nil
}
