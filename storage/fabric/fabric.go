// Package fabric coordinates the storage tiers behind one facade. Reads
// fall through tiers in a fixed order, writes fan out by item-size
// policy, and the flaky tiers sit behind circuit breakers so one
// misbehaving backend cannot stall the ingest path.
package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/ar-io/uploader/config/params"
	"github.com/ar-io/uploader/storage"
	"github.com/ar-io/uploader/storage/fsbackup"
	"github.com/ar-io/uploader/storage/memlru"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var log = logrus.WithField("prefix", "fabric")

var (
	tierCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_tier_commit_total",
		Help: "Committed writes per storage tier.",
	}, []string{"tier"})
	tierReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_tier_read_total",
		Help: "Reads served per storage tier.",
	}, []string{"tier"})
	quarantines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_quarantine_total",
		Help: "Items moved to quarantine across all tiers.",
	})
	breakerOpens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_breaker_open_total",
		Help: "Circuit breaker transitions to open, per tier.",
	}, []string{"tier"})
)

// Tier names used in reads, receipts, and metrics.
const (
	TierMemLRU      = "memLRU"
	TierRemoteCache = "remoteCache"
	TierFSBackup    = "fsBackup"
	TierKVDoc       = "kvDoc"
	TierBlobStore   = "blobStore"
)

// Tunables serves live sampling rates; remote config satisfies it. A
// nil Tunables pins the rates to the params snapshot.
type Tunables interface {
	GetFloat(key string) float64
}

// Config wires the five tiers. Mem, FS and Blob are required; Remote
// and KV may be nil when the deployment runs without them.
type Config struct {
	Mem      *memlru.Cache
	Remote   storage.CacheService
	FS       *fsbackup.Store
	KV       storage.KVStore
	Blob     storage.ObjectStore
	Params   *params.Config
	Tunables Tunables
	// Rand drives write sampling; nil selects a time-seeded source.
	Rand *rand.Rand
}

// Fabric is the tier coordinator.
type Fabric struct {
	mem      *memlru.Cache
	remote   storage.CacheService
	fs       *fsbackup.Store
	kv       storage.KVStore
	blob     storage.ObjectStore
	cfg      *params.Config
	tunables Tunables

	mu   sync.Mutex
	rand *rand.Rand

	remoteGuard *guard
	kvGuard     *guard
	fsGuard     *guard

	smallItemBytes int64
	smallDocBytes  int64
	remoteTTLSecs  int64
	quarantineSecs int64
}

// New builds a fabric over the given tiers.
func New(cfg Config) (*Fabric, error) {
	if cfg.Mem == nil || cfg.FS == nil || cfg.Blob == nil {
		return nil, errors.New("fabric: mem, fs, and blob tiers are required")
	}
	p := cfg.Params
	if p == nil {
		p = params.Defaults()
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	f := &Fabric{
		mem:      cfg.Mem,
		remote:   cfg.Remote,
		fs:       cfg.FS,
		kv:       cfg.KV,
		blob:     cfg.Blob,
		cfg:      p,
		tunables: cfg.Tunables,
		rand:     rng,
	}
	f.smallItemBytes, _ = p.Int(params.SmallItemBytesThreshold)
	f.smallDocBytes, _ = p.Int(params.SmallItemDocBytesThreshold)
	f.remoteTTLSecs, _ = p.Int(params.RemoteCacheTTLSecs)
	f.quarantineSecs, _ = p.Int(params.QuarantinedSmallItemTTLSecs)

	callSecs, _ := p.Int(params.BreakerCallTimeoutSecs)
	resetSecs, _ := p.Int(params.BreakerResetTimeoutSecs)
	thresholdPct, _ := p.Float(params.BreakerErrorThresholdPct)
	f.remoteGuard = newGuard(TierRemoteCache, resetSecs, thresholdPct, callSecs)
	f.kvGuard = newGuard(TierKVDoc, resetSecs, thresholdPct, callSecs)
	f.fsGuard = newGuard(TierFSBackup, resetSecs, thresholdPct, callSecs)
	return f, nil
}

// rate reads a sampling rate, live from the tunables when wired.
func (f *Fabric) rate(key string) float64 {
	if f.tunables != nil {
		return f.tunables.GetFloat(key)
	}
	v, _ := f.cfg.Float(key)
	return v
}

// sampledFor draws one Bernoulli trial at the tier's configured rate.
func (f *Fabric) sampledFor(key string) bool {
	return f.sampled(f.rate(key))
}

// sampled draws one Bernoulli trial at the given rate.
func (f *Fabric) sampled(rate float64) bool {
	if rate >= 1 {
		return true
	}
	if rate <= 0 {
		return false
	}
	f.mu.Lock()
	v := f.rand.Float64()
	f.mu.Unlock()
	return v < rate
}

// SmallItemThreshold is the byte bound below which the byte-cache tiers
// participate.
func (f *Fabric) SmallItemThreshold() int64 {
	return f.smallItemBytes
}

// Exists reports whether the item's raw bytes are present in any tier,
// checked cheapest first. A tier error is treated as absence there and
// the walk continues.
func (f *Fabric) Exists(ctx context.Context, id string) (bool, string) {
	if f.mem.Contains(storage.RawKey(id)) {
		return true, TierMemLRU
	}
	if f.remote != nil {
		found, err := f.remoteGuard.exists(ctx, func(ctx context.Context) (bool, error) {
			return f.remote.Exists(ctx, storage.RawKey(id))
		})
		if err == nil && found {
			return true, TierRemoteCache
		}
	}
	if _, err := f.blob.Head(ctx, storage.BlobKey(id)); err == nil {
		return true, TierBlobStore
	}
	if f.kv != nil {
		found, err := f.kvGuard.exists(ctx, func(ctx context.Context) (bool, error) {
			return f.kv.Exists(ctx, storage.RawKey(id))
		})
		if err == nil && found {
			return true, TierKVDoc
		}
	}
	if f.fs.HasRaw(ctx, id) {
		return true, TierFSBackup
	}
	return false, ""
}

// ReadRange reads [start,end] of the item's raw bytes from the first
// tier holding them, walked in read-preference order: memLRU, then
// remoteCache, then the local fsBackup, then kvDoc, then blobStore.
// end is inclusive, end < 0 reads to the end. The serving tier's name
// is returned beside the reader.
func (f *Fabric) ReadRange(ctx context.Context, id string, start, end int64) (io.ReadCloser, string, error) {
	if b, ok := f.mem.Get(storage.RawKey(id)); ok {
		tierReads.WithLabelValues(TierMemLRU).Inc()
		return sliceReader(b, start, end, TierMemLRU)
	}
	if f.remote != nil {
		b, err := f.remoteGuard.bytes(ctx, func(ctx context.Context) ([]byte, error) {
			return f.remote.GetRange(ctx, storage.RawKey(id), start, end)
		})
		if err == nil {
			tierReads.WithLabelValues(TierRemoteCache).Inc()
			return io.NopCloser(bytes.NewReader(b)), TierRemoteCache, nil
		}
		if !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrUnavailable) {
			return nil, "", err
		}
	}
	if rc, err := f.fs.ReadRaw(ctx, id, start, end); err == nil {
		tierReads.WithLabelValues(TierFSBackup).Inc()
		return rc, TierFSBackup, nil
	}
	if f.kv != nil {
		b, err := f.kvGuard.bytes(ctx, func(ctx context.Context) ([]byte, error) {
			return f.kv.Get(ctx, storage.RawKey(id))
		})
		if err == nil {
			tierReads.WithLabelValues(TierKVDoc).Inc()
			return sliceReader(b, start, end, TierKVDoc)
		}
	}
	if rc, err := f.blob.Get(ctx, storage.BlobKey(id), start, end); err == nil {
		tierReads.WithLabelValues(TierBlobStore).Inc()
		return rc, TierBlobStore, nil
	}
	return nil, "", errors.Wrap(storage.ErrNotFound, id)
}

// RawSize reports the committed raw length from the first tier that can
// answer, walked in the same read-preference order as ReadRange.
func (f *Fabric) RawSize(ctx context.Context, id string) (int64, error) {
	if b, ok := f.mem.Get(storage.RawKey(id)); ok {
		return int64(len(b)), nil
	}
	if size, err := f.fs.RawSize(ctx, id); err == nil {
		return size, nil
	}
	if f.kv != nil {
		b, err := f.kvGuard.bytes(ctx, func(ctx context.Context) ([]byte, error) {
			return f.kv.Get(ctx, storage.RawKey(id))
		})
		if err == nil {
			return int64(len(b)), nil
		}
	}
	if size, err := f.blob.Head(ctx, storage.BlobKey(id)); err == nil {
		return size, nil
	}
	return 0, errors.Wrap(storage.ErrNotFound, id)
}

// PutMetadata fans the metadata tuple out to the participating tiers.
// The filesystem copy is authoritative; cache failures only log.
func (f *Fabric) PutMetadata(ctx context.Context, id string, md storage.Metadata) error {
	return f.putMetadata(ctx, id, md, true)
}

// putMetadata backs PutMetadata; includeRemote is false when the caller
// already landed the tuple in the remote cache alongside the raw bytes.
func (f *Fabric) putMetadata(ctx context.Context, id string, md storage.Metadata, includeRemote bool) error {
	b, err := json.Marshal(md)
	if err != nil {
		return errors.Wrap(err, "fabric: encoding metadata")
	}
	if f.sampledFor(params.MemCacheSamplingRate) {
		f.mem.Set(storage.MetadataKey(id), b)
	}
	if includeRemote && f.remote != nil && f.sampledFor(params.RemoteCacheSamplingRate) {
		if err := f.remoteGuard.do(ctx, func(ctx context.Context) error {
			return f.remote.Set(ctx, storage.MetadataKey(id), b, f.remoteTTLSecs)
		}); err != nil {
			log.WithError(err).WithField("id", id).Warn("remote cache metadata write failed")
		}
	}
	return f.fsGuard.do(ctx, func(ctx context.Context) error {
		return f.fs.PutMetadata(ctx, id, md)
	})
}

// GetMetadata loads the metadata tuple, caches first.
func (f *Fabric) GetMetadata(ctx context.Context, id string) (storage.Metadata, error) {
	var md storage.Metadata
	if b, ok := f.mem.Get(storage.MetadataKey(id)); ok {
		return md, json.Unmarshal(b, &md)
	}
	if f.remote != nil {
		b, err := f.remoteGuard.bytes(ctx, func(ctx context.Context) ([]byte, error) {
			return f.remote.Get(ctx, storage.MetadataKey(id))
		})
		if err == nil {
			return md, json.Unmarshal(b, &md)
		}
	}
	err := f.fsGuard.do(ctx, func(ctx context.Context) error {
		var err error
		md, err = f.fs.GetMetadata(ctx, id)
		return err
	})
	return md, err
}

// PutOffsets persists a nested-offsets tuple for an item discovered
// inside a bundle payload.
func (f *Fabric) PutOffsets(ctx context.Context, id string, off storage.NestedOffsets) error {
	b, err := json.Marshal(off)
	if err != nil {
		return errors.Wrap(err, "fabric: encoding offsets")
	}
	if f.sampledFor(params.MemCacheSamplingRate) {
		f.mem.Set(storage.OffsetsKey(id), b)
	}
	if f.remote != nil && f.sampledFor(params.RemoteCacheSamplingRate) {
		if err := f.remoteGuard.do(ctx, func(ctx context.Context) error {
			return f.remote.Set(ctx, storage.OffsetsKey(id), b, f.remoteTTLSecs)
		}); err != nil {
			log.WithError(err).WithField("id", id).Warn("remote cache offsets write failed")
		}
	}
	return f.fsGuard.do(ctx, func(ctx context.Context) error {
		return f.fs.PutOffsets(ctx, id, off)
	})
}

// GetOffsets loads a nested-offsets tuple, caches first.
func (f *Fabric) GetOffsets(ctx context.Context, id string) (storage.NestedOffsets, error) {
	var off storage.NestedOffsets
	if b, ok := f.mem.Get(storage.OffsetsKey(id)); ok {
		return off, json.Unmarshal(b, &off)
	}
	if f.remote != nil {
		b, err := f.remoteGuard.bytes(ctx, func(ctx context.Context) ([]byte, error) {
			return f.remote.Get(ctx, storage.OffsetsKey(id))
		})
		if err == nil {
			return off, json.Unmarshal(b, &off)
		}
	}
	err := f.fsGuard.do(ctx, func(ctx context.Context) error {
		var err error
		off, err = f.fs.GetOffsets(ctx, id)
		return err
	})
	return off, err
}

// Quarantine moves every stored form of the item out of the live read
// path, best effort across all tiers. The first error is returned after
// all tiers were attempted.
func (f *Fabric) Quarantine(ctx context.Context, id string) error {
	quarantines.Inc()
	var firstErr error
	note := func(tier string, err error) {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).WithFields(logrus.Fields{"id": id, "tier": tier}).Warn("quarantine step failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	f.mem.PurgeID(id)

	if f.remote != nil {
		for _, key := range []string{storage.RawKey(id), storage.MetadataKey(id), storage.OffsetsKey(id)} {
			key := key
			err := f.remoteGuard.do(ctx, func(ctx context.Context) error {
				return f.remote.Rename(ctx, key, storage.QuarantineKey(key), f.quarantineSecs)
			})
			note(TierRemoteCache, err)
		}
	}
	if f.kv != nil {
		for _, key := range []string{storage.RawKey(id), storage.MetadataKey(id), storage.OffsetsKey(id)} {
			key := key
			err := f.kvGuard.do(ctx, func(ctx context.Context) error {
				return f.kv.Rename(ctx, key, storage.QuarantineKey(key))
			})
			note(TierKVDoc, err)
		}
	}
	note(TierFSBackup, f.fs.Quarantine(ctx, id))
	note(TierBlobStore, f.blob.Move(ctx, storage.BlobKey(id), storage.BlobQuarantineKey(id)))
	return firstErr
}

func sliceReader(b []byte, start, end int64, tier string) (io.ReadCloser, string, error) {
	if start < 0 || start > int64(len(b)) {
		return nil, "", errors.Wrap(storage.ErrIntegrityMismatch, "range start beyond stored bytes")
	}
	if end < 0 || end >= int64(len(b)) {
		end = int64(len(b)) - 1
	}
	if end < start {
		return nil, "", errors.Wrap(storage.ErrIntegrityMismatch, "empty range")
	}
	return io.NopCloser(bytes.NewReader(b[start : end+1])), tier, nil
}

// guard wraps a tier in a circuit breaker plus a per-call deadline.
type guard struct {
	tier    string
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func newGuard(tier string, resetSecs int64, thresholdPct float64, callSecs int64) *guard {
	return &guard{
		tier:    tier,
		timeout: time.Duration(callSecs) * time.Second,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    tier,
			Timeout: time.Duration(resetSecs) * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 &&
					float64(counts.TotalFailures)/float64(counts.Requests)*100 >= thresholdPct
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if to == gobreaker.StateOpen {
					breakerOpens.WithLabelValues(name).Inc()
					log.WithField("tier", name).Warn("circuit breaker opened")
				}
			},
			// Misses are not tier failures.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, storage.ErrNotFound)
			},
		}),
	}
}

func (g *guard) do(ctx context.Context, fn func(context.Context) error) error {
	_, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	return g.mapErr(err)
}

func (g *guard) bytes(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return nil, g.mapErr(err)
	}
	return v.([]byte), nil
}

func (g *guard) exists(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	v, err := g.breaker.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return false, g.mapErr(err)
	}
	return v.(bool), nil
}

func (g *guard) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.Wrap(storage.ErrUnavailable, g.tier+" breaker open")
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(storage.ErrTimeout, g.tier)
	default:
		return err
	}
}
