package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber channel capacity used when Subscribe
// is called with a non-positive size.
const DefaultBuffer = 256

// Bus fans events out to subscribers on a best-effort basis.
//
// Publish only appends to an internal queue and never blocks. A dispatcher
// goroutine drains the queue in publish order and offers each event to every
// subscriber's bounded channel; a full channel drops the event for that
// subscriber only.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	// OnDrop is called from the dispatcher whenever an event is dropped for a
	// subscriber. Set it before the first Publish.
	OnDrop func(subID uint64)

	log *zap.SugaredLogger
}

// NewBus starts the dispatcher. Call Close to stop it.
func NewBus(log *zap.SugaredLogger) *Bus {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	b := &Bus{
		subs: make(map[uint64]*Subscription),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Publish enqueues ev for delivery. Events published after Close are ignored.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Subscribe registers a subscriber that receives every event published from
// now on, unless its buffer of size buffer is full at delivery time.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription{
		id:  b.nextID,
		ch:  make(chan Event, buffer),
		bus: b,
	}
	if b.closed {
		s.close()
		return s
	}
	b.subs[s.id] = s
	b.log.Debugw("bus_subscribed", "sub", s.id, "buffer", buffer)
	return s
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close stops the dispatcher after delivering what is already queued and
// closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()

	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.wake:
			b.drain()
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		subs := make([]*Subscription, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			for _, s := range subs {
				if !s.offer(ev) && b.OnDrop != nil {
					b.OnDrop(s.id)
				}
			}
		}
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id  uint64
	bus *Bus

	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// ID identifies the subscription in logs and metrics.
func (s *Subscription) ID() uint64 { return s.id }

// C delivers events in publish order. It is closed by Close or Bus.Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events this subscriber missed because its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
	s.close()
}

func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
