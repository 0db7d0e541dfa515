// Package params is the single source of truth for every tunable the
// service recognizes: sampling rates, byte thresholds, TTLs, and
// budgets. Values start from the defaults below and are overridden from
// the environment at startup; unknown environment keys are ignored.
package params

import (
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "params")

// Recognized configuration keys. Each maps to an environment variable
// of the same name.
const (
	MemCacheSamplingRate    = "MEM_CACHE_SAMPLING_RATE"
	RemoteCacheSamplingRate = "REMOTE_CACHE_SAMPLING_RATE"
	FSBackupSamplingRate    = "FS_BACKUP_SAMPLING_RATE"
	KVDocSamplingRate       = "KV_DOC_SAMPLING_RATE"
	BlobStoreSamplingRate   = "BLOB_STORE_SAMPLING_RATE"

	SmallItemBytesThreshold    = "SMALL_ITEM_BYTES_THRESHOLD"
	SmallItemDocBytesThreshold = "SMALL_ITEM_DOC_BYTES_THRESHOLD"

	MemCacheTTLSecs             = "MEM_CACHE_TTL_SECS"
	RemoteCacheTTLSecs          = "REMOTE_CACHE_TTL_SECS"
	QuarantinedSmallItemTTLSecs = "QUARANTINED_SMALL_DATA_ITEM_TTL_SECS"
	InFlightTTLSecs             = "IN_FLIGHT_TTL_SECS"
	RemoteConfigTTLSecs         = "REMOTE_CONFIG_TTL_SECS"
	BlockInfoTTLSecs            = "BLOCK_INFO_TTL_SECS"

	MaxInflightBytes    = "MAX_INFLIGHT_BYTES"
	MaxInflightRequests = "MAX_INFLIGHT_REQUESTS"

	MultipartChunkMinBytes = "MULTIPART_CHUNK_MIN_BYTES"
	MultipartChunkMaxBytes = "MULTIPART_CHUNK_MAX_BYTES"

	BreakerCallTimeoutSecs   = "BREAKER_CALL_TIMEOUT_SECS"
	BreakerErrorThresholdPct = "BREAKER_ERROR_THRESHOLD_PCT"
	BreakerResetTimeoutSecs  = "BREAKER_RESET_TIMEOUT_SECS"
)

// Defaults for every recognized key.
var defaults = map[string]float64{
	MemCacheSamplingRate:    1.0,
	RemoteCacheSamplingRate: 1.0,
	FSBackupSamplingRate:    1.0,
	KVDocSamplingRate:       1.0,
	BlobStoreSamplingRate:   1.0,

	SmallItemBytesThreshold:    256 * 1024,
	SmallItemDocBytesThreshold: 10 * 1024,

	MemCacheTTLSecs:             60,
	RemoteCacheTTLSecs:          3600,
	QuarantinedSmallItemTTLSecs: 5 * 24 * 3600,
	InFlightTTLSecs:             60,
	RemoteConfigTTLSecs:         180,
	BlockInfoTTLSecs:            60,

	MaxInflightBytes:    100 * 1024 * 1024,
	MaxInflightRequests: 100,

	MultipartChunkMinBytes: 256 * 1024,
	MultipartChunkMaxBytes: 25 * 1024 * 1024,

	BreakerCallTimeoutSecs:   10,
	BreakerErrorThresholdPct: 50,
	BreakerResetTimeoutSecs:  30,
}

// Config is an immutable snapshot of every recognized key.
type Config struct {
	values map[string]float64
}

var (
	loadOnce sync.Once
	loaded   *Config
)

// Defaults returns a config carrying only the built-in defaults.
func Defaults() *Config {
	values := make(map[string]float64, len(defaults))
	for k, v := range defaults {
		values[k] = v
	}
	return &Config{values: values}
}

// LoadFromEnv returns the process-wide config: defaults overridden by
// recognized environment variables. Later calls return the same
// snapshot.
func LoadFromEnv() *Config {
	loadOnce.Do(func() {
		cfg := Defaults()
		for key := range defaults {
			raw, ok := os.LookupEnv(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				log.WithFields(logrus.Fields{"key": key, "value": raw}).Warn("ignoring unparseable override")
				continue
			}
			cfg.values[key] = v
		}
		loaded = cfg
	})
	return loaded
}

// Float returns the value of a recognized key. Unrecognized keys return
// 0 and false.
func (c *Config) Float(key string) (float64, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Int returns the value of a recognized key truncated to int64.
func (c *Config) Int(key string) (int64, bool) {
	v, ok := c.values[key]
	return int64(v), ok
}

// Keys lists every recognized key.
func (c *Config) Keys() []string {
	out := make([]string, 0, len(c.values))
	for k := range c.values {
		out = append(out, k)
	}
	return out
}

// With returns a copy of the config with one value replaced; tests use
// this to pin tunables.
func (c *Config) With(key string, value float64) *Config {
	values := make(map[string]float64, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	values[key] = value
	return &Config{values: values}
}
