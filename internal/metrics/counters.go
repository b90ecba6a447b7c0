package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Kinds of counted work.
const (
	KindGenerate = "generate"
	KindEnhance  = "enhance"
)

// Snapshot is the counter view served by the metrics endpoint.
type Snapshot struct {
	Today    map[string]int64 `json:"today"`
	Lifetime map[string]int64 `json:"lifetime"`
}

// Counters tracks per-kind generation counts, daily and lifetime.
type Counters interface {
	Increment(ctx context.Context, kind string)
	Snapshot(ctx context.Context) (Snapshot, error)
}

// RedisCounters keeps the counts in redis so they survive restarts and are
// shared across replicas. Daily keys expire on their own.
type RedisCounters struct {
	client *redis.Client
	logger zerolog.Logger
}

func NewRedisCounters(client *redis.Client, logger zerolog.Logger) *RedisCounters {
	return &RedisCounters{client: client, logger: logger}
}

func dailyKey(kind string, now time.Time) string {
	return "metrics:" + kind + ":daily:" + now.UTC().Format("20060102")
}

func lifetimeKey(kind string) string {
	return "metrics:" + kind + ":lifetime"
}

func (c *RedisCounters) Increment(ctx context.Context, kind string) {
	now := time.Now()
	pipe := c.client.Pipeline()
	pipe.Incr(ctx, lifetimeKey(kind))
	pipe.Incr(ctx, dailyKey(kind, now))
	pipe.Expire(ctx, dailyKey(kind, now), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		// Counter loss is not worth failing a generation over.
		c.logger.Warn().Err(err).Str("kind", kind).Msg("metrics: increment failed")
	}
}

func (c *RedisCounters) Snapshot(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Today: make(map[string]int64), Lifetime: make(map[string]int64)}
	now := time.Now()
	for _, kind := range []string{KindGenerate, KindEnhance} {
		lifetime, err := c.client.Get(ctx, lifetimeKey(kind)).Int64()
		if err != nil && err != redis.Nil {
			return Snapshot{}, err
		}
		today, err := c.client.Get(ctx, dailyKey(kind, now)).Int64()
		if err != nil && err != redis.Nil {
			return Snapshot{}, err
		}
		snap.Lifetime[kind] = lifetime
		snap.Today[kind] = today
	}
	return snap, nil
}

// MemoryCounters is the in-process fallback when redis is not configured.
type MemoryCounters struct {
	mu       sync.Mutex
	day      string
	today    map[string]int64
	lifetime map[string]int64
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{
		day:      time.Now().UTC().Format("20060102"),
		today:    make(map[string]int64),
		lifetime: make(map[string]int64),
	}
}

func (c *MemoryCounters) Increment(_ context.Context, kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	c.today[kind]++
	c.lifetime[kind]++
}

func (c *MemoryCounters) Snapshot(_ context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollover()
	snap := Snapshot{Today: make(map[string]int64), Lifetime: make(map[string]int64)}
	for k, v := range c.today {
		snap.Today[k] = v
	}
	for k, v := range c.lifetime {
		snap.Lifetime[k] = v
	}
	return snap, nil
}

func (c *MemoryCounters) rollover() {
	if day := time.Now().UTC().Format("20060102"); day != c.day {
		c.day = day
		c.today = make(map[string]int64)
	}
}
