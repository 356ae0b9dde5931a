package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// TriggerEvent asks every listening scheduler to run an eviction pass now.
type TriggerEvent struct {
	Source   string    `msgpack:"source"`
	IssuedAt time.Time `msgpack:"issued_at"`
}

type RedisTriggerOptions struct {
	RedisOptions *redis.Options
	ChannelName  string
	Scheduler    *Scheduler
	// Source identifies this process in published events
	Source string
	// Clock stamps published events. Defaults to the real clock
	Clock  clockwork.Clock
	Logger *zap.Logger
}

func (o *RedisTriggerOptions) GetClock() clockwork.Clock {
	if o.Clock == nil {
		return clockwork.NewRealClock()
	}
	return o.Clock
}

func (o *RedisTriggerOptions) GetLogger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// RedisTrigger forwards eviction requests between processes over a Redis
// pubsub channel. Only the request crosses the wire; cached values stay local.
type RedisTrigger struct {
	Options *RedisTriggerOptions
	Client  *redis.Client

	clock    clockwork.Clock
	logger   *zap.Logger
	received chan TriggerEvent
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewRedisTrigger(options *RedisTriggerOptions) (*RedisTrigger, error) {
	if options == nil || options.RedisOptions == nil {
		return nil, fmt.Errorf("%w: RedisOptions is required", ErrInvalidArgument)
	}
	if options.ChannelName == "" {
		return nil, fmt.Errorf("%w: ChannelName is required", ErrInvalidArgument)
	}
	if options.Scheduler == nil {
		return nil, fmt.Errorf("%w: Scheduler is required", ErrInvalidArgument)
	}

	client := redis.NewClient(options.RedisOptions)

	if err := redisotel.InstrumentTracing(client); err != nil {
		client.Close()
		return nil, err
	}

	if err := redisotel.InstrumentMetrics(client); err != nil {
		client.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTrigger{
		Options:  options,
		Client:   client,
		clock:    options.GetClock(),
		logger:   options.GetLogger().With(zap.String("channel", options.ChannelName)),
		received: make(chan TriggerEvent, 16),
		cancel:   cancel,
	}

	// subscribe before returning so a Publish right after construction is not lost
	pubsub := client.Subscribe(ctx, options.ChannelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		cancel()
		client.Close()
		return nil, err
	}

	t.wg.Add(1)
	go t.listen(ctx, pubsub)

	return t, nil
}

// Publish asks every trigger on the channel, this one included, to run an
// eviction pass.
func (t *RedisTrigger) Publish(ctx context.Context) error {
	data, err := msgpack.Marshal(&TriggerEvent{
		Source:   t.Options.Source,
		IssuedAt: t.clock.Now(),
	})
	if err != nil {
		return err
	}

	return t.Client.Publish(ctx, t.Options.ChannelName, data).Err()
}

// Received delivers every event after its eviction pass completed. Events are
// dropped when nobody drains the channel.
func (t *RedisTrigger) Received() <-chan TriggerEvent {
	return t.received
}

func (t *RedisTrigger) listen(ctx context.Context, pubsub *redis.PubSub) {
	defer t.wg.Done()
	backoff := 100 * time.Millisecond
	maxBackoff := 10 * time.Second

	for {
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					pubsub.Close()
					return
				}
				t.logger.Warn("pubsub error, reconnecting", zap.Error(err))
				break
			}

			backoff = 100 * time.Millisecond

			var event TriggerEvent
			if err := msgpack.Unmarshal([]byte(msg.Payload), &event); err != nil {
				t.logger.Warn("dropping malformed trigger event", zap.Error(err))
				continue
			}

			if err := t.Options.Scheduler.Update(ctx); err != nil {
				t.logger.Warn("triggered eviction pass failed", zap.String("source", event.Source), zap.Error(err))
			}

			select {
			case t.received <- event:
			default:
			}
		}
		pubsub.Close()

		select {
		case <-time.After(backoff):
			if backoff < maxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			return
		}

		pubsub = t.Client.Subscribe(ctx, t.Options.ChannelName)
	}
}

func (t *RedisTrigger) Close() error {
	t.cancel()
	// Close client to unblock any TCP reads in the listener,
	// then wait for the goroutine to finish.
	err := t.Client.Close()
	t.wg.Wait()
	if errors.Is(err, redis.ErrClosed) {
		return nil
	}
	return err
}
