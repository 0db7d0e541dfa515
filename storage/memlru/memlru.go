// Package memlru is the in-process tier: a bounded LRU of raw bytes and
// metadata for small, hot items, with per-entry TTL. It also memoizes
// existence checks for the slower tiers.
package memlru

import (
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// DefaultMaxEntries bounds the number of cached keys.
	DefaultMaxEntries = 1000
	// DefaultTTL is how long an entry stays live without rewrite.
	DefaultTTL = 60 * time.Second
)

var (
	cacheHit = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mem_lru_cache_hit",
		Help: "The total number of hits on the in-process data item cache.",
	})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mem_lru_cache_miss",
		Help: "The total number of misses on the in-process data item cache.",
	})
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the in-process tier. All methods are safe for concurrent
// use.
type Cache struct {
	lru *lru.Cache[string, entry]
	ttl time.Duration
	now func() time.Time
}

// New builds a cache with the given entry bound and TTL; zero values
// select the defaults.
func New(maxEntries int, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, errors.Wrap(err, "memlru: creating lru")
	}
	return &Cache{lru: l, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached bytes for key, if present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		cacheMiss.Inc()
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		cacheMiss.Inc()
		return nil, false
	}
	cacheHit.Inc()
	return e.value, true
}

// Set stores value under key with the cache TTL.
func (c *Cache) Set(key string, value []byte) {
	c.lru.Add(key, entry{value: value, expiresAt: c.now().Add(c.ttl)})
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.lru.Remove(key)
}

// Contains reports unexpired presence without updating recency.
func (c *Cache) Contains(key string) bool {
	e, ok := c.lru.Peek(key)
	return ok && !c.now().After(e.expiresAt)
}

// PurgeID drops every key derived from the given item id. Quarantine
// uses this to remove the item from the live read path.
func (c *Cache) PurgeID(id string) {
	suffix := "_" + id
	for _, key := range c.lru.Keys() {
		if strings.HasSuffix(key, suffix) {
			c.lru.Remove(key)
		}
	}
}

// Len reports the number of entries, including any not yet expired.
func (c *Cache) Len() int {
	return c.lru.Len()
}
