// Package kvstore provides the durable key-value layer session snapshots
// live in. Keys are hierarchical strings ("sessions/<user>/<request>") and
// values are opaque JSON blobs.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidConfig is returned when a driver is missing required options.
	ErrInvalidConfig = errors.New("kvstore: invalid configuration")
	// ErrInvalidDriver is returned for an unknown driver name.
	ErrInvalidDriver = errors.New("kvstore: unknown driver")
	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("kvstore: store is closed")
)

// Store is the key-value surface the session layer depends on.
type Store interface {
	// Get retrieves a value. A missing key returns (nil, nil).
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value, overwriting any previous one.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases store resources.
	Close() error
}

// Driver selects a Store implementation.
type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
	DriverRedis  Driver = "redis"
)

// Option is a functional option for configuring a store.
type Option func(*storeConfig)

type storeConfig struct {
	sqlitePath  string
	redisClient *redis.Client
	redisTTL    time.Duration
}

// WithSQLitePath sets the database file path for the sqlite driver.
func WithSQLitePath(path string) Option {
	return func(c *storeConfig) { c.sqlitePath = path }
}

// WithRedisClient sets the Redis client for the redis driver.
func WithRedisClient(client *redis.Client) Option {
	return func(c *storeConfig) { c.redisClient = client }
}

// WithRedisTTL sets the expiry applied to redis keys on write and read.
func WithRedisTTL(ttl time.Duration) Option {
	return func(c *storeConfig) { c.redisTTL = ttl }
}

// New creates a Store for the given driver.
func New(driver Driver, opts ...Option) (Store, error) {
	config := &storeConfig{}
	for _, opt := range opts {
		opt(config)
	}

	switch driver {
	case DriverMemory:
		return newMemoryStore(), nil

	case DriverSQLite:
		if config.sqlitePath == "" {
			return nil, ErrInvalidConfig
		}
		return newSQLiteStore(config.sqlitePath)

	case DriverRedis:
		if config.redisClient == nil {
			return nil, ErrInvalidConfig
		}
		ttl := config.redisTTL
		if ttl <= 0 {
			ttl = 7 * 24 * time.Hour
		}
		return &redisStore{client: config.redisClient, ttl: ttl}, nil

	default:
		return nil, ErrInvalidDriver
	}
}
