package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultSchedulerPeriod is used when SchedulerOptions.Period is not set.
const DefaultSchedulerPeriod = 60 * time.Second

const tracerName = "github.com/mxcd/go-cachelite"

// ScavengeFunc is invoked once per scheduler tick.
type ScavengeFunc func(ctx context.Context) error

// Options passed to NewScheduler
//
// Period: Interval between ticks. Zero or negative falls back to DefaultSchedulerPeriod
// Clock: Source of time and tickers. Defaults to the real clock
// Logger: Defaults to a no-op logger
// TracerProvider: Defaults to the global otel provider
type SchedulerOptions struct {
	Period         time.Duration
	Clock          clockwork.Clock
	Logger         *zap.Logger
	TracerProvider trace.TracerProvider
}

func (o *SchedulerOptions) GetPeriod() time.Duration {
	if o == nil || o.Period <= 0 {
		return DefaultSchedulerPeriod
	}
	return o.Period
}

func (o *SchedulerOptions) GetClock() clockwork.Clock {
	if o == nil || o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

func (o *SchedulerOptions) GetLogger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *SchedulerOptions) GetTracerProvider() trace.TracerProvider {
	if o == nil || o.TracerProvider == nil {
		return otel.GetTracerProvider()
	}
	return o.TracerProvider
}

// Scheduler is a shared periodic tick driving any number of subscribers.
// The ticker runs only while at least one subscription is live.
type Scheduler struct {
	period time.Duration
	clock  clockwork.Clock
	logger *zap.Logger
	tracer trace.Tracer

	mu          sync.Mutex
	subscribers map[uint64]ScavengeFunc
	nextID      uint64
	stop        chan struct{} // non-nil iff the tick loop is running
	closed      bool
	loopWg      sync.WaitGroup

	ticks *atomic.Uint64
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	scheduler *Scheduler
	id        uint64
	once      sync.Once
}

func NewScheduler(options *SchedulerOptions) *Scheduler {
	return &Scheduler{
		period:      options.GetPeriod(),
		clock:       options.GetClock(),
		logger:      options.GetLogger(),
		tracer:      options.GetTracerProvider().Tracer(tracerName),
		subscribers: make(map[uint64]ScavengeFunc),
		ticks:       atomic.NewUint64(0),
	}
}

func (s *Scheduler) Period() time.Duration {
	return s.period
}

// Subscribe registers fn and starts the ticker if fn is the first subscriber.
func (s *Scheduler) Subscribe(fn ScavengeFunc) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.subscribers[id] = fn
	if s.stop == nil && !s.closed {
		s.startLocked()
	}
	return &Subscription{scheduler: s, id: id}
}

// Unsubscribe removes the subscription and stops the ticker if it was the
// last one. Calling it more than once is a no-op.
func (sub *Subscription) Unsubscribe() {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.scheduler.unsubscribe(sub.id)
	})
}

func (s *Scheduler) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.subscribers, id)
	if len(s.subscribers) == 0 {
		s.stopLocked()
	}
}

// Active reports whether the ticker is running.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Scheduler) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Ticks returns how many periodic ticks have fired.
func (s *Scheduler) Ticks() uint64 {
	return s.ticks.Load()
}

// Update invokes every subscriber once on the calling goroutine. A failing or
// panicking subscriber does not keep the others from running; all failures are
// returned joined.
func (s *Scheduler) Update(ctx context.Context) error {
	s.mu.Lock()
	callbacks := make([]ScavengeFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		callbacks = append(callbacks, fn)
	}
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "cachelite.scheduler.update")
	defer span.End()

	var errs []error
	for _, fn := range callbacks {
		if err := s.invoke(ctx, fn); err != nil {
			s.logger.Warn("scavenge subscriber failed", zap.Error(err))
			errs = append(errs, err)
		}
	}

	span.SetAttributes(
		attribute.Int("subscribers", len(callbacks)),
		attribute.Int("failures", len(errs)),
	)
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scavenge subscriber failed")
	}
	return err
}

func (s *Scheduler) invoke(ctx context.Context, fn ScavengeFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scavenge subscriber panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Close stops the ticker regardless of live subscriptions and waits for an
// in-flight tick to finish. The ticker is never restarted afterwards, though
// Update still works. It must not be called from a subscriber.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	s.closed = true
	s.stopLocked()
	s.mu.Unlock()

	s.loopWg.Wait()
	return nil
}

func (s *Scheduler) startLocked() {
	stop := make(chan struct{})
	ticker := s.clock.NewTicker(s.period)
	s.stop = stop

	s.logger.Debug("scheduler started", zap.Duration("period", s.period))

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.Chan():
				s.ticks.Inc()
				// failures are logged by Update
				_ = s.Update(context.Background())
			}
		}
	}()
}

func (s *Scheduler) stopLocked() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.stop = nil
	s.logger.Debug("scheduler stopped")
}
