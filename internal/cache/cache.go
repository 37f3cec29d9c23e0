package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a key/value store with per-entry expiry. A read at or after an
// entry's expiry is a miss whether or not the entry has been swept yet.
type Cache interface {
	// Get returns the value and true on a hit. The returned slice must not be modified.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key for ttl. ttl <= 0 selects the default TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every key starting with prefix and returns how many were removed.
	// It is safe to run concurrently with reads and writes of unrelated keys.
	DeleteByPrefix(ctx context.Context, prefix string) (int, error)

	Close() error
}

// Driver selects the cache implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverRedis  Driver = "redis"
)

const (
	DefaultTTL           = time.Minute
	DefaultSweepInterval = 30 * time.Second
	DefaultNamespace     = "mindbridge:cache:"
)

// Option configures a cache driver.
type Option func(*options)

type options struct {
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	redisClient   *redis.Client
	namespace     string
}

// WithDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) { o.defaultTTL = ttl }
}

// WithSweepInterval sets how often the memory driver evicts expired entries.
// Zero disables the background sweep; Sweep can still be called directly.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithClock overrides time.Now for expiry decisions in the memory driver.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRedisClient sets the client for the redis driver. The cache takes ownership and
// closes it on Close.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.redisClient = client }
}

// WithNamespace prefixes every redis key so several deployments can share a server.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// New creates a cache for the given driver.
func New(driver Driver, opts ...Option) (Cache, error) {
	o := &options{
		defaultTTL:    DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		namespace:     DefaultNamespace,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.defaultTTL <= 0 || o.now == nil {
		return nil, ErrInvalidConfig
	}

	switch driver {
	case DriverMemory, "":
		return NewMemory(o.defaultTTL, o.sweepInterval, o.now), nil

	case DriverRedis:
		if o.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		return newRedisStore(o.redisClient, o.namespace, o.defaultTTL), nil

	default:
		return nil, ErrInvalidDriver
	}
}
