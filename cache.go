package cache

import (
	"errors"
	"math"
	"time"
)

// Infinite is the ttl of an entry that never expires.
const Infinite time.Duration = math.MaxInt64

// ErrInvalidArgument is returned for empty keys, nil values and negative ttls.
// No state is changed when it is returned.
var ErrInvalidArgument = errors.New("invalid argument")

type Cache interface {
	Set(key string, value any, ttl time.Duration) error
	Get(key string, dst any) (bool, error)
	Remove(key string) error
	Exists(key string) (bool, error)
	Clear()
	Close() error
}

var _ Cache = (*Store)(nil)
