// Package oracle supplies mark prices to the engine.
package oracle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/zeroday/pkg/util"
)

// Feed is a source of mark-price ticks
type Feed interface {
	CurrentPrice() int64
	// Run calls sink with every new price until ctx is done
	Run(ctx context.Context, sink func(price int64))
}

const (
	DefaultStart    = 100
	DefaultMin      = 50
	DefaultMax      = 150
	DefaultInterval = 1500 * time.Millisecond
)

// Jitter is a demo feed that walks the price up and down inside [Min, Max].
// Each step moves 1 + tick%3; the direction flips every seventh tick and at
// either bound.
type Jitter struct {
	mu    sync.Mutex
	price int64
	dir   int64
	tick  uint64

	Min      int64
	Max      int64
	Interval time.Duration
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

func NewJitter(start int64) *Jitter {
	return &Jitter{
		price:    start,
		dir:      1,
		Min:      DefaultMin,
		Max:      DefaultMax,
		Interval: DefaultInterval,
		Clock:    util.RealClock{},
		Logger:   zap.NewNop().Sugar(),
	}
}

func (j *Jitter) CurrentPrice() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.price
}

// Step advances the walk by one tick and returns the new price
func (j *Jitter) Step() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	step := 1 + int64(j.tick%3)
	next := min(max(j.price+j.dir*step, j.Min), j.Max)
	j.price = next
	if j.tick%7 == 0 || next == j.Min || next == j.Max {
		j.dir = -j.dir
	}
	j.tick++
	return next
}

func (j *Jitter) Run(ctx context.Context, sink func(price int64)) {
	j.Logger.Infow("oracle_jitter_started", "start", j.CurrentPrice(), "interval", j.Interval)
	for {
		p := j.Step()
		sink(p)
		select {
		case <-ctx.Done():
			return
		case <-j.Clock.After(j.Interval):
		}
	}
}

var _ Feed = (*Jitter)(nil)
