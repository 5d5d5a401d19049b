package storage

import (
	"encoding/binary"
	"errors"
)

// Key schema for the event journal:
//
//   evt:<8-byte big-endian seq> → event JSON
//
// Big-endian sequence numbers sort lexicographically in publish order.

const prefixEvent = "evt:"

var errBadKey = errors.New("malformed journal key")

// eventKey returns the key for an event
func eventKey(seq uint64) []byte {
	k := make([]byte, len(prefixEvent)+8)
	copy(k, prefixEvent)
	binary.BigEndian.PutUint64(k[len(prefixEvent):], seq)
	return k
}

// seqFromKey is the inverse of eventKey
func seqFromKey(k []byte) (uint64, error) {
	if len(k) != len(prefixEvent)+8 || string(k[:len(prefixEvent)]) != prefixEvent {
		return 0, errBadKey
	}
	return binary.BigEndian.Uint64(k[len(prefixEvent):]), nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
