package cache

import (
	"math"
	"time"

	"go.uber.org/atomic"
)

// entry pairs a serialized value with its expiry. The payload and ttl are
// immutable; expiresAt is swapped atomically so a reader holding only the
// store's read lock can slide it forward.
type entry struct {
	payload   []byte
	ttl       time.Duration
	expiresAt *atomic.Int64 // unix nanos, math.MaxInt64 never expires
}

func newEntry(payload []byte, ttl time.Duration, now time.Time) *entry {
	e := &entry{
		payload:   payload,
		ttl:       ttl,
		expiresAt: atomic.NewInt64(0),
	}
	e.touch(now)
	return e
}

func (e *entry) touch(now time.Time) {
	e.expiresAt.Store(deadline(now, e.ttl))
}

func (e *entry) isExpired(now time.Time) bool {
	return now.UnixNano() >= e.expiresAt.Load()
}

func (e *entry) expires() time.Time {
	return time.Unix(0, e.expiresAt.Load())
}

func deadline(now time.Time, ttl time.Duration) int64 {
	if ttl == Infinite {
		return math.MaxInt64
	}
	n := now.UnixNano()
	if n > math.MaxInt64-int64(ttl) {
		return math.MaxInt64
	}
	return n + int64(ttl)
}
