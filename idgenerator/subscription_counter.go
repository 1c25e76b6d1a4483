// Package idgenerator provides concurrency-safe generators for the unique
// identifiers handed out by a stratum server, most importantly the
// per-connection subscription IDs used as registry keys.
package idgenerator

import (
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
)

// subscriptionIDPrefix is the fixed 16-hex-character prefix of every
// subscription ID. Callers must treat the full ID as opaque.
const subscriptionIDPrefix = "deadbeefcafebabe"

// SubscriptionCounter generates unique subscription identifiers for stratum
// sessions. Each call to Next increments a shared 64-bit counter and returns
// the fixed prefix concatenated with the little-endian hex encoding of the
// counter. IDs are unique for the lifetime of the process up to counter
// wraparound. The counter is safe for concurrent use.
type SubscriptionCounter struct {
	counter atomic.Uint64
}

// NewSubscriptionCounter creates a SubscriptionCounter seeded with the given
// start value; the first Next() encodes startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new SubscriptionCounter instance
func NewSubscriptionCounter(startValue uint64) *SubscriptionCounter {
	c := &SubscriptionCounter{}
	c.counter.Store(startValue)
	return c
}

// Next returns the next subscription ID by atomically incrementing the
// internal counter. When the counter reaches the maximum uint64 value it
// wraps back to zero, so the ID after the maximum is the base ID again.
// Safe for concurrent use by multiple goroutines.
//
// Returns:
//   - The next subscription ID string
func (c *SubscriptionCounter) Next() string {
	n := c.counter.Add(1)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], n)
	return subscriptionIDPrefix + hex.EncodeToString(buf[:])
}
