package engine

import "slices"

// queue is one side of the book: strict arrival order, price is not a key
type queue struct {
	orders []Order
}

func (q *queue) len() int { return len(q.orders) }

func (q *queue) head() (Order, bool) {
	if len(q.orders) == 0 {
		return Order{}, false
	}
	return q.orders[0], true
}

func (q *queue) push(o Order) {
	q.orders = append(q.orders, o)
}

// pushFront puts a residual back where its original order was
func (q *queue) pushFront(o Order) {
	q.orders = slices.Insert(q.orders, 0, o)
}

func (q *queue) pop() (Order, bool) {
	if len(q.orders) == 0 {
		return Order{}, false
	}
	o := q.orders[0]
	q.orders[0] = Order{}
	q.orders = q.orders[1:]
	return o, true
}

// dropExpired pops expired orders off the head only; an expired order behind
// a live one waits until it reaches the head.
func (q *queue) dropExpired(now int64) []Order {
	var dropped []Order
	for {
		o, ok := q.head()
		if !ok || !o.Expired(now) {
			return dropped
		}
		q.pop()
		dropped = append(dropped, o)
	}
}

func (q *queue) snapshot() []Order {
	return slices.Clone(q.orders)
}

type book struct {
	buys  queue
	sells queue
}

func (b *book) side(s Side) *queue {
	if s == Buy {
		return &b.buys
	}
	return &b.sells
}

func (b *book) dropExpired(now int64) []Order {
	dropped := b.buys.dropExpired(now)
	return append(dropped, b.sells.dropExpired(now)...)
}
