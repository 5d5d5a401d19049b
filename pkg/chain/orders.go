package chain

import (
	"context"
	"fmt"
)

// Placement is an engine order waiting to be placed on the contract. Side is
// 0 for buy and 1 for sell.
type Placement struct {
	EngineID uint64
	Side     uint8
	Price    int64
	Qty      int64
	Leverage uint32
}

// EnqueueOrder queues p for the placement worker and returns immediately.
// Placements are sent in enqueue order by a single goroutine (see Run).
func (c *Client) EnqueueOrder(p Placement) {
	c.mu.Lock()
	if _, ok := c.ids[p.EngineID]; ok {
		c.mu.Unlock()
		return
	}
	if _, ok := c.pending[p.EngineID]; ok {
		c.mu.Unlock()
		return
	}
	delete(c.failed, p.EngineID)
	c.pending[p.EngineID] = p
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run places queued orders one at a time until ctx is done. A placement that
// fails is parked; the next ProposeMatch naming it puts it back on the queue.
func (c *Client) Run(ctx context.Context) {
	for {
		p, ok := c.dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.wake:
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}
		c.place(ctx, p)
	}
}

func (c *Client) dequeue() (Placement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Placement{}, false
	}
	p := c.queue[0]
	c.queue[0] = Placement{}
	c.queue = c.queue[1:]
	return p, true
}

func (c *Client) place(ctx context.Context, p Placement) {
	pctx, cancel := context.WithTimeout(ctx, c.PlaceTimeout)
	defer cancel()

	ref, tx, err := c.PlaceOrder(pctx, p)

	c.mu.Lock()
	delete(c.pending, p.EngineID)
	if err != nil {
		c.failed[p.EngineID] = p
	} else {
		c.ids[p.EngineID] = ref
	}
	c.mu.Unlock()

	if err != nil {
		c.Logger.Warnw("chain_place_order_failed", "engine_id", p.EngineID, "err", err)
		return
	}
	c.Logger.Debugw("chain_order_placed", "engine_id", p.EngineID, "contract_id", ref, "tx", tx)
}

// ContractID reports the contract order id assigned to an engine order
func (c *Client) ContractID(engineID uint64) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.ids[engineID]
	return ref, ok
}

func (c *Client) contractID(engineID uint64) (uint64, error) {
	c.mu.Lock()
	ref, ok := c.ids[engineID]
	p, failed := c.failed[engineID]
	c.mu.Unlock()
	if ok {
		return ref, nil
	}
	if failed {
		c.EnqueueOrder(p)
	}
	return 0, fmt.Errorf("%w: engine order %d", ErrNotPlaced, engineID)
}
