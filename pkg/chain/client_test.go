package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	params []interface{}
}

// fakeContract hands out order ids from nextRef, like the contract's own
// counter, and records every transaction.
type fakeContract struct {
	mu      sync.Mutex
	calls   []call
	err     error
	callErr error
	nextRef uint64
	// failPlace makes ext_place_order fail for these prices
	failPlace map[int64]bool
}

func (f *fakeContract) Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.callErr != nil {
		return f.callErr
	}
	*results = []interface{}{f.nextRef}
	return nil
}

func (f *fakeContract) Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, params: params})
	if f.err != nil {
		return nil, f.err
	}
	if method == "ext_place_order" {
		if f.failPlace[params[1].(*big.Int).Int64()] {
			return nil, errors.New("execution reverted")
		}
		f.nextRef++
	}
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(f.calls)), GasPrice: big.NewInt(1), Gas: 21000}), nil
}

func (f *fakeContract) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func newTestClient(t *testing.T, fc contract, status uint64, waitErr error) *Client {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	auth, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(DefaultChainID))
	require.NoError(t, err)
	wait := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		if waitErr != nil {
			return nil, waitErr
		}
		return &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(7)}, nil
	}
	return newClient(fc, auth, common.HexToAddress("0x00000000000000000000000000000000000000aa"), DefaultProductID, wait)
}

// mapped registers contract ids for engine orders without a worker
func mapped(c *Client, pairs map[uint64]uint64) *Client {
	for engineID, ref := range pairs {
		c.ids[engineID] = ref
	}
	return c
}

func TestABIMethods(t *testing.T) {
	parsed, err := parseABI()
	require.NoError(t, err)

	for sig, name := range map[string]string{
		"ext_match(uint64,uint64,int256)":             "ext_match",
		"ext_update_oracle(uint64,int256)":            "ext_update_oracle",
		"ext_place_order(uint8,int256,int256,uint32)": "ext_place_order",
	} {
		m, ok := parsed.Methods[name]
		require.True(t, ok, name)
		assert.Equal(t, crypto.Keccak256([]byte(sig))[:4], m.ID, sig)
	}

	packed, err := parsed.Pack("ext_match", uint64(1), uint64(2), big.NewInt(-100))
	require.NoError(t, err)
	assert.Len(t, packed, 4+3*32)
}

func TestProposeMatchSuccess(t *testing.T) {
	fc := &fakeContract{}
	c := mapped(newTestClient(t, fc, types.ReceiptStatusSuccessful, nil), map[uint64]uint64{3: 30, 4: 41})

	hash, err := c.ProposeMatch(context.Background(), 3, 4, 101)
	require.NoError(t, err)
	assert.Len(t, hash, 66)

	calls := fc.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "ext_match", calls[0].method)
	assert.Equal(t, uint64(30), calls[0].params[0])
	assert.Equal(t, uint64(41), calls[0].params[1])
	assert.Equal(t, 0, big.NewInt(101).Cmp(calls[0].params[2].(*big.Int)))
}

func TestProposeMatchReverted(t *testing.T) {
	c := mapped(newTestClient(t, &fakeContract{}, types.ReceiptStatusFailed, nil), map[uint64]uint64{1: 1, 2: 2})

	_, err := c.ProposeMatch(context.Background(), 1, 2, 100)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "ext_match", se.Method)
	assert.NotEmpty(t, se.Tx)
	assert.ErrorIs(t, err, ErrReverted)
}

func TestProposeMatchSendAndWaitErrors(t *testing.T) {
	boom := errors.New("nonce too low")
	c := mapped(newTestClient(t, &fakeContract{err: boom}, types.ReceiptStatusSuccessful, nil), map[uint64]uint64{1: 1, 2: 2})
	_, err := c.ProposeMatch(context.Background(), 1, 2, 100)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Empty(t, se.Tx)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "ext_match: nonce too low", err.Error())

	c = mapped(newTestClient(t, &fakeContract{}, types.ReceiptStatusSuccessful, context.DeadlineExceeded), map[uint64]uint64{1: 1, 2: 2})
	_, err = c.ProposeMatch(context.Background(), 1, 2, 100)
	require.ErrorAs(t, err, &se)
	assert.NotEmpty(t, se.Tx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProposeMatchUnplacedOrder(t *testing.T) {
	fc := &fakeContract{}
	c := mapped(newTestClient(t, fc, types.ReceiptStatusSuccessful, nil), map[uint64]uint64{1: 10})

	_, err := c.ProposeMatch(context.Background(), 1, 2, 100)
	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, ErrNotPlaced)
	assert.Empty(t, se.Tx)
	assert.Empty(t, fc.recorded(), "nothing is broadcast for an unplaced order")
}

func TestPlaceOrderReadsContractID(t *testing.T) {
	fc := &fakeContract{nextRef: 41}
	c := newTestClient(t, fc, types.ReceiptStatusSuccessful, nil)

	ref, tx, err := c.PlaceOrder(context.Background(), Placement{EngineID: 1, Side: 1, Price: 100, Qty: 5, Leverage: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(41), ref)
	assert.Len(t, tx, 66)

	calls := fc.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "ext_place_order", calls[0].method)
	assert.Equal(t, uint8(1), calls[0].params[0])
	assert.Equal(t, uint32(10), calls[0].params[3])

	fc.callErr = errors.New("rpc down")
	_, _, err = c.PlaceOrder(context.Background(), Placement{EngineID: 2, Price: 100, Qty: 1})
	assert.ErrorContains(t, err, "rpc down")
	assert.Len(t, fc.recorded(), 1, "a failed id read sends nothing")

	c = newTestClient(t, &fakeContract{}, types.ReceiptStatusFailed, nil)
	_, _, err = c.PlaceOrder(context.Background(), Placement{EngineID: 3, Price: 100, Qty: 1})
	assert.ErrorIs(t, err, ErrReverted)
}

func TestPlacementWorkerMapsIDsInOrder(t *testing.T) {
	fc := &fakeContract{nextRef: 100}
	c := newTestClient(t, fc, types.ReceiptStatusSuccessful, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	for id := uint64(1); id <= 3; id++ {
		c.EnqueueOrder(Placement{EngineID: id, Side: uint8(id % 2), Price: 100 + int64(id), Qty: 1, Leverage: 1})
	}
	c.EnqueueOrder(Placement{EngineID: 2, Price: 999, Qty: 1}) // already queued

	require.Eventually(t, func() bool {
		_, ok := c.ContractID(3)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	for id, want := range map[uint64]uint64{1: 100, 2: 101, 3: 102} {
		ref, ok := c.ContractID(id)
		require.True(t, ok)
		assert.Equal(t, want, ref, "engine order %d", id)
	}
	calls := fc.recorded()
	require.Len(t, calls, 3)
	for i, cl := range calls {
		assert.Equal(t, 0, big.NewInt(101+int64(i)).Cmp(cl.params[1].(*big.Int)), "placement %d out of order", i)
	}

	_, err := c.ProposeMatch(ctx, 1, 2, 101)
	require.NoError(t, err)
	last := fc.recorded()[3]
	assert.Equal(t, "ext_match", last.method)
	assert.Equal(t, []interface{}{uint64(100), uint64(101)}, last.params[:2])

	cancel()
	<-done
}

func TestFailedPlacementRetriedOnProposal(t *testing.T) {
	fc := &fakeContract{nextRef: 7, failPlace: map[int64]bool{55: true}}
	c := newTestClient(t, fc, types.ReceiptStatusSuccessful, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	c.EnqueueOrder(Placement{EngineID: 1, Price: 55, Qty: 1})
	c.EnqueueOrder(Placement{EngineID: 2, Side: 1, Price: 50, Qty: 1})
	require.Eventually(t, func() bool {
		_, ok := c.ContractID(2)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	ref, _ := c.ContractID(2)
	assert.Equal(t, uint64(7), ref, "a failed placement does not consume a contract id")

	fc.mu.Lock()
	fc.failPlace = nil
	fc.mu.Unlock()

	_, err := c.ProposeMatch(ctx, 1, 2, 52)
	require.ErrorIs(t, err, ErrNotPlaced)
	require.Eventually(t, func() bool {
		_, ok := c.ContractID(1)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	_, err = c.ProposeMatch(ctx, 1, 2, 52)
	require.NoError(t, err)
}

func TestUpdateOracleFireAndForget(t *testing.T) {
	fc := &fakeContract{}
	c := newTestClient(t, fc, types.ReceiptStatusFailed, errors.New("never waited"))

	_, err := c.UpdateOracle(context.Background(), 95)
	require.NoError(t, err)

	calls := fc.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "ext_update_oracle", calls[0].method)
	assert.Equal(t, uint64(DefaultProductID), calls[0].params[0])
}

// overlapContract flags any two transactions being built at the same time
type overlapContract struct {
	*fakeContract
	active  atomic.Int32
	overlap atomic.Bool
}

func (o *overlapContract) Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	if o.active.Add(1) > 1 {
		o.overlap.Store(true)
	}
	defer o.active.Add(-1)
	time.Sleep(time.Millisecond)
	return o.fakeContract.Transact(opts, method, params...)
}

func TestConcurrentSendsAreSerialized(t *testing.T) {
	oc := &overlapContract{fakeContract: &fakeContract{}}
	c := newTestClient(t, oc, types.ReceiptStatusSuccessful, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(price int64) {
			defer wg.Done()
			_, err := c.UpdateOracle(context.Background(), price)
			assert.NoError(t, err)
		}(int64(90 + i))
		go func(id uint64) {
			defer wg.Done()
			_, _, err := c.PlaceOrder(context.Background(), Placement{EngineID: id, Price: 100, Qty: 1})
			assert.NoError(t, err)
		}(uint64(10 + i))
	}
	wg.Wait()

	assert.Len(t, oc.recorded(), 16)
	assert.False(t, oc.overlap.Load(), "transactions were built concurrently")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("ARBITRUM_RPC", "")
	t.Setenv("PRIVATE_KEY", "")
	t.Setenv("CONTRACT_ADDRESS", "")
	t.Setenv("CHAIN_ID", "")
	cfg := ConfigFromEnv()
	assert.False(t, cfg.Active())
	assert.Equal(t, int64(DefaultChainID), cfg.ChainID)

	t.Setenv("ARBITRUM_RPC", "http://127.0.0.1:8545")
	t.Setenv("PRIVATE_KEY", "0x01")
	t.Setenv("CONTRACT_ADDRESS", "0x00000000000000000000000000000000000000aa")
	t.Setenv("CHAIN_ID", "42161")
	cfg = ConfigFromEnv()
	assert.True(t, cfg.Active())
	assert.Equal(t, int64(42161), cfg.ChainID)
}

func TestDialRejectsIncompleteConfig(t *testing.T) {
	_, err := Dial(context.Background(), Config{RPCURL: "http://127.0.0.1:8545"})
	assert.Error(t, err)

	_, err = Dial(context.Background(), Config{RPCURL: "http://127.0.0.1:8545", PrivateKey: "zz", ContractAddress: "0xaa"})
	assert.ErrorContains(t, err, "private key")
}
