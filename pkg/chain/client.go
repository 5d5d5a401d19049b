// Package chain mirrors orders, matches and oracle updates to the settlement
// contract on an EVM chain.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

const futuresABI = `[
	{"type":"function","name":"ext_place_order","stateMutability":"nonpayable",
	 "inputs":[{"name":"side","type":"uint8"},{"name":"price","type":"int256"},{"name":"qty","type":"int256"},{"name":"leverage","type":"uint32"}],
	 "outputs":[{"name":"","type":"uint64"}]},
	{"type":"function","name":"ext_match","stateMutability":"nonpayable",
	 "inputs":[{"name":"buy_id","type":"uint64"},{"name":"sell_id","type":"uint64"},{"name":"price","type":"int256"}],
	 "outputs":[]},
	{"type":"function","name":"ext_update_oracle","stateMutability":"nonpayable",
	 "inputs":[{"name":"product_id","type":"uint64"},{"name":"price","type":"int256"}],
	 "outputs":[]}
]`

const (
	DefaultChainID   = 421614 // Arbitrum Sepolia
	DefaultProductID = 1
)

// Config is read from the environment. The client is only built when every
// connection field is present.
type Config struct {
	RPCURL          string
	PrivateKey      string
	ContractAddress string
	ChainID         int64
	ProductID       uint64
}

func ConfigFromEnv() Config {
	cfg := Config{
		RPCURL:          os.Getenv("ARBITRUM_RPC"),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		ChainID:         DefaultChainID,
		ProductID:       DefaultProductID,
	}
	if v, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64); err == nil && v > 0 {
		cfg.ChainID = v
	}
	return cfg
}

func (c Config) Active() bool {
	return c.RPCURL != "" && c.PrivateKey != "" && c.ContractAddress != ""
}

// SubmitError wraps a failed contract call. Tx is empty when the transaction
// was never broadcast.
type SubmitError struct {
	Method string
	Tx     string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Tx == "" {
		return fmt.Sprintf("%s: %v", e.Method, e.Err)
	}
	return fmt.Sprintf("%s tx %s: %v", e.Method, e.Tx, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

var (
	ErrReverted = errors.New("transaction reverted")
	// ErrNotPlaced means a matched engine order has no contract order id yet
	ErrNotPlaced = errors.New("order not placed on chain")
)

type contract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

type waitFunc func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// Client talks to the futures contract. All methods are safe for concurrent
// use. Transactions are broadcast one at a time so the account nonce is
// assigned in send order.
type Client struct {
	contract  contract
	auth      *bind.TransactOpts
	address   common.Address
	productID uint64
	waitMined waitFunc

	sendMu sync.Mutex

	// engine order id -> contract order id, fed by the placement worker
	mu      sync.Mutex
	ids     map[uint64]uint64
	queue   []Placement
	pending map[uint64]Placement
	failed  map[uint64]Placement
	wake    chan struct{}

	// PlaceTimeout bounds one placement, including the wait for its receipt
	PlaceTimeout time.Duration
	Logger       *zap.SugaredLogger
}

func newClient(c contract, auth *bind.TransactOpts, addr common.Address, productID uint64, wait waitFunc) *Client {
	return &Client{
		contract:     c,
		auth:         auth,
		address:      addr,
		productID:    productID,
		waitMined:    wait,
		ids:          make(map[uint64]uint64),
		pending:      make(map[uint64]Placement),
		failed:       make(map[uint64]Placement),
		wake:         make(chan struct{}, 1),
		PlaceTimeout: 30 * time.Second,
		Logger:       zap.NewNop().Sugar(),
	}
}

func parseABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(futuresABI))
}

// Dial connects to the RPC endpoint in cfg and binds the contract
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if !cfg.Active() {
		return nil, errors.New("chain config incomplete")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	parsed, err := parseABI()
	if err != nil {
		return nil, fmt.Errorf("failed to parse contract ABI: %w", err)
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(cfg.ChainID))
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to build transactor: %w", err)
	}

	addr := common.HexToAddress(cfg.ContractAddress)
	wait := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, eth, tx)
	}
	return newClient(bind.NewBoundContract(addr, parsed, eth, eth, eth), auth, addr, cfg.ProductID, wait), nil
}

func (c *Client) Address() common.Address { return c.address }

func (c *Client) opts(ctx context.Context) *bind.TransactOpts {
	o := *c.auth
	o.Context = ctx
	return &o
}

func (c *Client) send(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendLocked(ctx, method, params...)
}

func (c *Client) sendLocked(ctx context.Context, method string, params ...interface{}) (*types.Transaction, error) {
	tx, err := c.contract.Transact(c.opts(ctx), method, params...)
	if err != nil {
		return nil, &SubmitError{Method: method, Err: err}
	}
	return tx, nil
}

func (c *Client) confirm(ctx context.Context, method string, tx *types.Transaction) (*types.Receipt, error) {
	hash := tx.Hash().Hex()
	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return nil, &SubmitError{Method: method, Tx: hash, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &SubmitError{Method: method, Tx: hash, Err: ErrReverted}
	}
	return receipt, nil
}

// ProposeMatch sends ext_match for two engine orders and waits for the
// receipt. Engine ids are translated to the ids the contract assigned at
// placement; an order whose placement has not confirmed yet fails with
// ErrNotPlaced and the engine retries on a later tick.
func (c *Client) ProposeMatch(ctx context.Context, buyID, sellID uint64, price int64) (string, error) {
	const method = "ext_match"
	buyRef, err := c.contractID(buyID)
	if err != nil {
		return "", &SubmitError{Method: method, Err: err}
	}
	sellRef, err := c.contractID(sellID)
	if err != nil {
		return "", &SubmitError{Method: method, Err: err}
	}

	tx, err := c.send(ctx, method, buyRef, sellRef, big.NewInt(price))
	if err != nil {
		return "", err
	}
	receipt, err := c.confirm(ctx, method, tx)
	if err != nil {
		return "", err
	}
	hash := tx.Hash().Hex()
	c.Logger.Debugw("match_confirmed", "buy_id", buyID, "sell_id", sellID, "buy_ref", buyRef, "sell_ref", sellRef,
		"price", price, "tx", hash, "block", receipt.BlockNumber)
	return hash, nil
}

// UpdateOracle broadcasts ext_update_oracle without waiting for inclusion
func (c *Client) UpdateOracle(ctx context.Context, price int64) (string, error) {
	tx, err := c.send(ctx, "ext_update_oracle", c.productID, big.NewInt(price))
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// PlaceOrder places p on the contract and waits for the receipt. The order
// id is read with a pending-state call right before the transaction is sent,
// under the same send lock, so it is the id the transaction will be given.
func (c *Client) PlaceOrder(ctx context.Context, p Placement) (uint64, string, error) {
	const method = "ext_place_order"
	params := []interface{}{p.Side, big.NewInt(p.Price), big.NewInt(p.Qty), p.Leverage}

	c.sendMu.Lock()
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Pending: true, From: c.auth.From, Context: ctx}, &out, method, params...)
	if err != nil {
		c.sendMu.Unlock()
		return 0, "", &SubmitError{Method: method, Err: err}
	}
	ref, ok := firstUint64(out)
	if !ok {
		c.sendMu.Unlock()
		return 0, "", &SubmitError{Method: method, Err: fmt.Errorf("unexpected call result %v", out)}
	}
	tx, err := c.sendLocked(ctx, method, params...)
	c.sendMu.Unlock()
	if err != nil {
		return 0, "", err
	}

	if _, err := c.confirm(ctx, method, tx); err != nil {
		return 0, "", err
	}
	return ref, tx.Hash().Hex(), nil
}

func firstUint64(out []interface{}) (uint64, bool) {
	if len(out) != 1 {
		return 0, false
	}
	v, ok := out[0].(uint64)
	return v, ok
}
