// Package engine is the in-process trading core: order intake, the FIFO
// book, the matching loop, margin and liquidation. All ledger state sits
// behind one mutex; every exported method is safe for concurrent use.
package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/zeroday/pkg/crypto"
	"github.com/uhyunpark/zeroday/pkg/engine/risk"
	"github.com/uhyunpark/zeroday/pkg/events"
	"github.com/uhyunpark/zeroday/pkg/metrics"
	"github.com/uhyunpark/zeroday/pkg/util"
)

type Config struct {
	Symbol                  string
	TickInterval            time.Duration
	LiquidationThresholdBps int64
	DefaultTTL              time.Duration
	InitialMark             int64
	Fees                    FeeConfig
	ChainTimeout            time.Duration
	Domain                  crypto.EIP712Domain
}

func DefaultConfig() Config {
	return Config{
		Symbol:                  "$singu",
		TickInterval:            300 * time.Millisecond,
		LiquidationThresholdBps: 5_000,
		DefaultTTL:              24 * time.Hour,
		InitialMark:             100,
		Fees:                    FeeConfig{MakerBps: 2, TakerBps: 5},
		ChainTimeout:            5 * time.Second,
		Domain:                  crypto.DefaultDomain(),
	}
}

type Engine struct {
	cfg      Config
	bus      *events.Bus
	verifier *crypto.EIP712Signer

	// tickMu keeps ticks from overlapping; mu guards everything below it
	tickMu sync.Mutex

	mu          sync.Mutex
	ledger      *ledger
	book        book
	mark        int64
	fees        FeeConfig
	accruedFees int64
	nextOrderID uint64
	seq         uint64
	// inflight is set while a match proposal is out; lazy expiry leaves the
	// heads alone so the confirmed pair can still be committed
	inflight bool

	// Set before Run; not safe to change afterwards.
	Logger    *zap.SugaredLogger
	Clock     util.Clock
	Submitter Submitter
	Metrics   *metrics.Metrics
}

// NewEngine creates an engine publishing to bus. Logger, Clock, Submitter and
// Metrics may be replaced before the engine is used.
func NewEngine(cfg Config, bus *events.Bus) *Engine {
	if cfg.Domain.ChainID == nil {
		cfg.Domain = crypto.DefaultDomain()
	}
	return &Engine{
		cfg:      cfg,
		bus:      bus,
		verifier: crypto.NewEIP712Signer(cfg.Domain),
		ledger:   newLedger(),
		mark:     cfg.InitialMark,
		fees:     cfg.Fees,
		Logger:   zap.NewNop().Sugar(),
		Clock:    util.RealClock{},
	}
}

func (e *Engine) Config() Config { return e.cfg }

// Bus returns the bus the engine publishes to
func (e *Engine) Bus() *events.Bus { return e.bus }

func (e *Engine) now() int64 { return e.Clock.Now().Unix() }

func (e *Engine) ttlSecs() int64 { return int64(e.cfg.DefaultTTL / time.Second) }

func (e *Engine) nextSeq() uint64 {
	e.seq++
	return e.seq
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// Deposit credits collateral, creating the account on first use
func (e *Engine) Deposit(trader string, amount int64) error {
	if trader == "" {
		return &ValidationError{Field: "trader", Reason: "required"}
	}
	if amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	a := e.ledger.account(trader)
	c, err := risk.Add(a.Collateral, amount)
	if err != nil {
		return fmt.Errorf("deposit %s: %w", trader, err)
	}
	a.Collateral = c
	e.ledger.setAccount(trader, a)
	e.Logger.Infow("deposit", "trader", trader, "amount", amount, "collateral", c)
	return nil
}

// Withdraw debits collateral if free collateral covers amount. The free
// collateral check and the debit happen under one lock.
func (e *Engine) Withdraw(trader string, amount int64) error {
	if trader == "" {
		return &ValidationError{Field: "trader", Reason: "required"}
	}
	if amount <= 0 {
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.ledger.accounts[trader]; !ok {
		return fmt.Errorf("%w: no account for %s", ErrInsufficientFreeCollateral, trader)
	}
	free, err := e.ledger.freeCollateral(trader)
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", trader, err)
	}
	if free < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientFreeCollateral, free, amount)
	}

	a := e.ledger.account(trader)
	a.Collateral -= amount
	e.ledger.setAccount(trader, a)
	e.Logger.Infow("withdraw", "trader", trader, "amount", amount, "collateral", a.Collateral)
	return nil
}

// SetOraclePrice updates the mark used for PnL and liquidation. An Oracle
// event is published when the price changes.
func (e *Engine) SetOraclePrice(price int64) error {
	if price <= 0 {
		return &ValidationError{Field: "price", Reason: "must be positive"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if price == e.mark {
		return nil
	}
	e.mark = price
	e.Metrics.SetMark(price)
	e.publish(events.Oracle{
		Sequence:  e.nextSeq(),
		Symbol:    e.cfg.Symbol,
		Price:     price,
		Timestamp: e.now(),
	})
	return nil
}

// Mark returns the current mark price
func (e *Engine) Mark() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mark
}

// MarkEvent describes the current mark as an Oracle event stamped with the
// latest sequence number. It is not published.
func (e *Engine) MarkEvent() events.Oracle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return events.Oracle{
		Sequence:  e.seq,
		Symbol:    e.cfg.Symbol,
		Price:     e.mark,
		Timestamp: e.now(),
	}
}

// SetFees replaces the maker/taker rates applied to subsequent trades
func (e *Engine) SetFees(makerBps, takerBps uint64) error {
	if makerBps > risk.BpsDenominator {
		return &ValidationError{Field: "maker_bps", Reason: "above 10000"}
	}
	if takerBps > risk.BpsDenominator {
		return &ValidationError{Field: "taker_bps", Reason: "above 10000"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees = FeeConfig{MakerBps: makerBps, TakerBps: takerBps}
	e.Logger.Infow("fees_updated", "maker_bps", makerBps, "taker_bps", takerBps)
	return nil
}

// Snapshot reads the whole engine under the ledger lock. Traders are sorted
// by id. A row whose PnL or health overflows carries Error and nil health.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		Symbol:      e.cfg.Symbol,
		Mark:        e.mark,
		Fees:        e.fees,
		AccruedFees: e.accruedFees,
		Sequence:    e.seq,
		OpenBuys:    e.book.buys.len(),
		OpenSells:   e.book.sells.len(),
	}
	for _, trader := range e.ledger.traders() {
		a := e.ledger.account(trader)
		p := e.ledger.position(trader)
		row := TraderState{
			Trader:       trader,
			Collateral:   a.Collateral,
			LockedMargin: a.LockedMargin,
			Qty:          p.Qty,
			EntryPrice:   p.EntryPrice,
			Nonce:        e.ledger.expectedNonce(trader),
		}
		h, pnl, err := e.healthOf(a, p)
		if err != nil {
			row.Error = err.Error()
		} else {
			row.PnL = pnl
			row.HealthBps = h.Ptr()
		}
		snap.Traders = append(snap.Traders, row)
	}
	return snap
}

// OpenOrders returns copies of both queues in book order
func (e *Engine) OpenOrders() (buys, sells []Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.buys.snapshot(), e.book.sells.snapshot()
}

// healthOf values a trader at the current mark
func (e *Engine) healthOf(a Account, p Position) (risk.Health, int64, error) {
	pnl, err := risk.UnrealizedPnL(p.EntryPrice, e.mark, p.Qty)
	if err != nil {
		return risk.Health{}, 0, err
	}
	equity, err := risk.Equity(a.Collateral, pnl, a.LockedMargin)
	if err != nil {
		return risk.Health{}, 0, err
	}
	h, err := risk.HealthBps(equity, a.LockedMargin)
	if err != nil {
		return risk.Health{}, 0, err
	}
	return h, pnl, nil
}
