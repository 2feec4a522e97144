// Package aggregate mirrors local permit traffic into Redis counters so
// several scheduler processes can observe, and optionally bound, their
// combined concurrency.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/me/dispatchq/internal/capacity"
	"github.com/me/dispatchq/internal/logging"
	"github.com/me/dispatchq/pkg/model"
)

// Client is the subset of *redis.Client the aggregator uses.
type Client interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Options configures a RedisAggregator.
type Options struct {
	// Prefix namespaces every key, e.g. "dispatchq".
	Prefix string
	// TTL is refreshed on every update so counters left by a crashed process
	// eventually disappear.
	TTL time.Duration
	// Buffer is how many permit events may wait for Redis before new ones
	// are dropped.
	Buffer int
}

// DefaultOptions returns the options used by the daemon.
func DefaultOptions() Options {
	return Options{Prefix: "dispatchq", TTL: 10 * time.Minute, Buffer: 256}
}

type event struct {
	provider string
	model    string
	delta    int64
}

// RedisAggregator implements capacity.Listener. Listener callbacks may run
// while the scheduler holds its lock, so events are queued and applied by
// Run on its own goroutine.
type RedisAggregator struct {
	client  Client
	opts    Options
	logger  *slog.Logger
	events  chan event
	dropped atomic.Int64
}

var _ capacity.Listener = (*RedisAggregator)(nil)

// NewRedisAggregator creates an aggregator writing through client. A nil
// logger discards output.
func NewRedisAggregator(client Client, opts Options, logger *slog.Logger) *RedisAggregator {
	if logger == nil {
		logger = logging.Discard()
	}
	def := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = def.Prefix
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.Buffer <= 0 {
		opts.Buffer = def.Buffer
	}
	return &RedisAggregator{
		client: client,
		opts:   opts,
		logger: logger.With("component", "aggregate"),
		events: make(chan event, opts.Buffer),
	}
}

// PermitAcquired queues an increment for p's model and the global key.
func (a *RedisAggregator) PermitAcquired(p capacity.Permit) {
	a.enqueue(event{provider: p.Provider, model: p.Model, delta: 1})
}

// PermitReleased queues the matching decrement.
func (a *RedisAggregator) PermitReleased(p capacity.Permit) {
	a.enqueue(event{provider: p.Provider, model: p.Model, delta: -1})
}

func (a *RedisAggregator) enqueue(ev event) {
	select {
	case a.events <- ev:
	default:
		n := a.dropped.Add(1)
		a.logger.Warn("aggregate event dropped", "provider", ev.provider, "model", ev.model, "dropped_total", n)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (a *RedisAggregator) Dropped() int64 {
	return a.dropped.Load()
}

// Run applies queued events until ctx is cancelled, then flushes whatever
// is still buffered so this process does not leave its counters inflated.
func (a *RedisAggregator) Run(ctx context.Context) error {
	a.logger.Info("aggregator started", "prefix", a.opts.Prefix)
	for {
		select {
		case ev := <-a.events:
			a.apply(context.WithoutCancel(ctx), ev)
		case <-ctx.Done():
			a.flush()
			a.logger.Info("aggregator stopped")
			return nil
		}
	}
}

func (a *RedisAggregator) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-a.events:
			a.apply(ctx, ev)
		default:
			return
		}
	}
}

func (a *RedisAggregator) apply(ctx context.Context, ev event) {
	for _, key := range []string{a.globalKey(), a.modelKey(ev.provider, ev.model)} {
		if err := a.client.IncrBy(ctx, key, ev.delta).Err(); err != nil {
			a.logger.Error("aggregate update", "key", key, "delta", ev.delta, "error", err)
			continue
		}
		_ = a.client.Expire(ctx, key, a.opts.TTL).Err()
	}
}

// Active returns the combined number of running executions for one
// provider/model across every process sharing the prefix.
func (a *RedisAggregator) Active(ctx context.Context, provider, modelName string) (int64, error) {
	return a.read(ctx, a.modelKey(provider, modelName))
}

// GlobalActive returns the combined number of running executions.
func (a *RedisAggregator) GlobalActive(ctx context.Context) (int64, error) {
	return a.read(ctx, a.globalKey())
}

// Exceeds reports whether the combined global count has reached ceiling.
func (a *RedisAggregator) Exceeds(ctx context.Context, ceiling int64) (bool, error) {
	n, err := a.GlobalActive(ctx)
	if err != nil {
		return false, err
	}
	return n >= ceiling, nil
}

func (a *RedisAggregator) read(ctx context.Context, key string) (int64, error) {
	raw, err := a.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", key, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	// Decrements that outlive an expired key can leave a negative count.
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (a *RedisAggregator) globalKey() string {
	return a.opts.Prefix + ":active:global"
}

func (a *RedisAggregator) modelKey(provider, modelName string) string {
	return a.opts.Prefix + ":active:model:" + model.ModelKey(provider, modelName)
}
