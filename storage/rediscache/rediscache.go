// Package rediscache implements the remote-cache tier over Redis. Keys
// follow the storage package's raw_/metadata_/offsets_ scheme;
// quarantine is a RENAME plus TTL extension.
package rediscache

import (
	"context"
	"time"

	"github.com/ar-io/uploader/storage"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "rediscache")

// Config holds connection parameters for the remote cache.
type Config struct {
	Addr     string
	Password string
	DB       int
	// DefaultTTL applies when an op carries no TTL of its own.
	DefaultTTL time.Duration
}

// Cache is the Redis-backed remote cache tier.
type Cache struct {
	rdb        redis.UniversalClient
	defaultTTL time.Duration
}

// New connects a cache client. The connection is verified lazily; tier
// availability is the fabric's concern.
func New(cfg Config) *Cache {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		defaultTTL: ttl,
	}
}

// NewWithClient wraps an existing client; tests inject miniredis-style
// fakes here.
func NewWithClient(rdb redis.UniversalClient, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Cache{rdb: rdb, defaultTTL: defaultTTL}
}

// Get returns the full value at key.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, errors.Wrap(storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return b, nil
}

// GetRange returns value bytes in [start, end], end inclusive; end < 0
// reads to the end of the value, matching Redis GETRANGE semantics.
func (c *Cache) GetRange(ctx context.Context, key string, start, end int64) ([]byte, error) {
	exists, err := c.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errors.Wrap(storage.ErrNotFound, key)
	}
	b, err := c.rdb.GetRange(ctx, key, start, end).Bytes()
	if err != nil {
		return nil, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return b, nil
}

// Set writes value with the given TTL in seconds (0 = tier default).
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttlSecs int64) error {
	ttl := c.defaultTTL
	if ttlSecs > 0 {
		ttl = time.Duration(ttlSecs) * time.Second
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return nil
}

// Delete removes a key; deleting a missing key is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return nil
}

// Exists reports key presence.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return n > 0, nil
}

// Rename moves oldKey to newKey and applies the new TTL. Missing
// source keys map to ErrNotFound.
func (c *Cache) Rename(ctx context.Context, oldKey, newKey string, ttlSecs int64) error {
	err := c.rdb.Rename(ctx, oldKey, newKey).Err()
	if err != nil {
		if err.Error() == "ERR no such key" {
			return errors.Wrap(storage.ErrNotFound, oldKey)
		}
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	if ttlSecs > 0 {
		if err := c.rdb.Expire(ctx, newKey, time.Duration(ttlSecs)*time.Second).Err(); err != nil {
			log.WithError(err).WithField("key", newKey).Warn("could not extend TTL after rename")
		}
	}
	return nil
}

// Transaction applies ops through one pipeline and reports per-op
// results. Atomicity is per key only; a failed op never rolls back its
// siblings.
func (c *Cache) Transaction(ctx context.Context, ops []storage.Op) []storage.OpResult {
	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.StatusCmd, len(ops))
	for i, op := range ops {
		ttl := c.defaultTTL
		if op.TTL > 0 {
			ttl = time.Duration(op.TTL) * time.Second
		}
		cmds[i] = pipe.Set(ctx, op.Key, op.Value, ttl)
	}
	_, _ = pipe.Exec(ctx)
	results := make([]storage.OpResult, len(ops))
	for i, op := range ops {
		results[i] = storage.OpResult{Key: op.Key}
		if err := cmds[i].Err(); err != nil && err != redis.Nil {
			results[i].Err = errors.Wrap(storage.ErrUnavailable, err.Error())
		}
	}
	return results
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
