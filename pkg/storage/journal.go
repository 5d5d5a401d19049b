// Package storage keeps an append-only audit journal of engine events.
//
// The journal is write-only from the engine's point of view: it is never
// replayed into ledger state, and a restart starts from an empty ledger.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/uhyunpark/zeroday/pkg/events"
)

// Record is one journaled event. Data is the event's JSON as published.
type Record struct {
	Seq  uint64          `json:"seq"`
	Kind events.Kind     `json:"event"`
	Data json.RawMessage `json:"data"`
}

// Store is what the bus follower and the API need from a journal
type Store interface {
	Append(ev events.Event) error
	Range(from uint64, limit int) ([]Record, error)
}

func encodeRecord(ev events.Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.Kind(), err)
	}
	return data, nil
}

func decodeRecord(seq uint64, data []byte) (Record, error) {
	var head struct {
		Event events.Kind `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal event %d: %w", seq, err)
	}
	return Record{Seq: seq, Kind: head.Event, Data: append(json.RawMessage(nil), data...)}, nil
}

type PebbleJournal struct {
	db *pebble.DB
}

// OpenJournal opens (or creates) a journal at path. opts may be nil; tests
// pass an in-memory vfs.
func OpenJournal(path string, opts *pebble.Options) (*PebbleJournal, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

// Append writes ev under its sequence number. Rewriting a sequence number
// overwrites it with the same bytes.
func (j *PebbleJournal) Append(ev events.Event) error {
	data, err := encodeRecord(ev)
	if err != nil {
		return err
	}
	if err := j.db.Set(eventKey(ev.Seq()), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// Range returns up to limit records with seq >= from, in order
func (j *PebbleJournal) Range(from uint64, limit int) ([]Record, error) {
	prefix := []byte(prefixEvent)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(from),
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid() && (limit <= 0 || len(out) < limit); iter.Next() {
		seq, err := seqFromKey(iter.Key())
		if err != nil {
			continue
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// Last returns the highest journaled sequence number
func (j *PebbleJournal) Last() (uint64, bool, error) {
	prefix := []byte(prefixEvent)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, false, iter.Error()
	}
	seq, err := seqFromKey(iter.Key())
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

// Flush syncs buffered writes to disk
func (j *PebbleJournal) Flush() error { return j.db.Flush() }

// MemoryJournal is a Store kept in process memory
type MemoryJournal struct {
	mu      sync.Mutex
	records map[uint64][]byte
	seqs    []uint64
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{records: make(map[uint64][]byte)}
}

func (m *MemoryJournal) Append(ev events.Event) error {
	data, err := encodeRecord(ev)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[ev.Seq()]; !ok {
		m.seqs = append(m.seqs, ev.Seq())
	}
	m.records[ev.Seq()] = data
	return nil
}

func (m *MemoryJournal) Range(from uint64, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Record
	for _, seq := range m.seqs {
		if seq < from {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		rec, err := decodeRecord(seq, m.records[seq])
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

var (
	_ Store = (*PebbleJournal)(nil)
	_ Store = (*MemoryJournal)(nil)
)

// Follow appends every event from sub until ctx is done or the subscription
// closes. Write failures are logged and skipped.
func Follow(ctx context.Context, store Store, sub *events.Subscription, log *zap.SugaredLogger) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := store.Append(ev); err != nil {
				log.Warnw("journal_append_failed", "seq", ev.Seq(), "event", ev.Kind(), "err", err)
			}
		}
	}
}

// ErrNotFound is returned by helpers that look up a single record
var ErrNotFound = errors.New("not found")

// Get returns the record with sequence seq
func Get(store Store, seq uint64) (Record, error) {
	recs, err := store.Range(seq, 1)
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 || recs[0].Seq != seq {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}
