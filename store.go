package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Options passed to NewStore
//
// Scheduler: Shared scheduler driving expiry. Nil disables automatic eviction
// Codec: Value codec. Defaults to MsgpackCodec
// Clock: Source of time for expiry. Defaults to the real clock
// Logger: Defaults to a no-op logger
type StoreOptions struct {
	Scheduler *Scheduler
	Codec     Codec
	Clock     clockwork.Clock
	Logger    *zap.Logger
}

func (o *StoreOptions) GetScheduler() *Scheduler {
	if o == nil {
		return nil
	}
	return o.Scheduler
}

func (o *StoreOptions) GetCodec() Codec {
	if o == nil || o.Codec == nil {
		return &MsgpackCodec{}
	}
	return o.Codec
}

func (o *StoreOptions) GetClock() clockwork.Clock {
	if o == nil || o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

func (o *StoreOptions) GetLogger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Store is a key/value cache with sliding expiry. Values are copied in and
// out through the codec, so callers never share memory with stored values.
//
// The map is guarded by a single RW lock: writers serialize against each
// other and against readers. Expired entries are only dropped by a scavenge
// pass, normally driven by the Scheduler.
type Store struct {
	codec  Codec
	clock  clockwork.Clock
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	subscription *Subscription
	closeOnce    sync.Once
}

func NewStore(options *StoreOptions) *Store {
	s := &Store{
		codec:   options.GetCodec(),
		clock:   options.GetClock(),
		logger:  options.GetLogger(),
		entries: make(map[string]*entry),
	}
	if scheduler := options.GetScheduler(); scheduler != nil {
		s.subscription = scheduler.Subscribe(func(ctx context.Context) error {
			s.scavenge(ctx)
			return nil
		})
	}
	return s
}

// Set stores a copy of value under key for ttl, replacing any previous entry.
// Use Infinite for entries that never expire.
func (s *Store) Set(key string, value any, ttl time.Duration) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if isNil(value) {
		return fmt.Errorf("%w: value must not be nil", ErrInvalidArgument)
	}
	if ttl < 0 {
		return fmt.Errorf("%w: negative ttl %s", ErrInvalidArgument, ttl)
	}

	payload, err := s.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	e := newEntry(payload, ttl, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = e
	return nil
}

// Get decodes the value stored under key into dst and slides its expiry.
// A miss is not an error: it returns false and leaves dst untouched. dst
// must be a non-nil pointer and is reset before decoding.
func (s *Store) Get(key string, dst any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	if err := checkTarget(dst); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if err := s.codec.Decode(e.payload, dst); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	e.touch(s.clock.Now())
	return true, nil
}

// GetValue is the typed form of Store.Get. A miss returns the zero V.
func GetValue[V any](s *Store, key string) (V, bool, error) {
	var value V
	ok, err := s.Get(key, &value)
	if err != nil || !ok {
		var zero V
		return zero, ok, err
	}
	return value, true, nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Exists reports whether key is present. It does not slide the expiry.
func (s *Store) Exists(key string) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok, nil
}

// Expires returns the instant after which key becomes eligible for eviction.
func (s *Store) Expires(key string) (time.Time, bool, error) {
	if err := checkKey(key); err != nil {
		return time.Time{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return e.expires(), true, nil
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
}

// Len includes entries that expired but have not been scavenged yet.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// scavenge drops every entry whose expiry is at or before a single snapshot
// of now taken after the write lock is held.
func (s *Store) scavenge(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	removed := 0
	for key, e := range s.entries {
		if e.isExpired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("scavenged expired entries", zap.Int("removed", removed), zap.Int("remaining", len(s.entries)))
	}
	return removed
}

// Close detaches the store from its scheduler and drops all entries. The
// store must not be used afterwards. Calling Close again is a no-op.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.subscription.Unsubscribe()

		s.mu.Lock()
		defer s.mu.Unlock()
		s.entries = nil
	})
	return nil
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}
	return nil
}
