// Package remote serves typed configuration values fetched from a
// remote source with a TTL, guarded by a circuit breaker. On breaker
// open or fetch failure it falls back to the last-known-good snapshot,
// then to the params defaults. The service is constructed and shut down
// explicitly; there is no package-level instance.
package remote

import (
	"context"
	"sync"
	"time"

	"github.com/ar-io/uploader/async"
	"github.com/ar-io/uploader/config/params"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

var log = logrus.WithField("prefix", "remoteconfig")

// DefaultTTL is how long a fetched snapshot stays fresh.
const DefaultTTL = 3 * time.Minute

// Fetcher retrieves the current remote overrides, keyed by recognized
// param names.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]float64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) (map[string]float64, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) (map[string]float64, error) {
	return f(ctx)
}

// Subscription deregisters a change listener.
type Subscription interface {
	Unsubscribe()
}

// Service is the remote-config source of truth for runtime tunables.
type Service struct {
	defaults *params.Config
	fetcher  Fetcher
	ttl      time.Duration
	breaker  *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	values    map[string]float64 // last-known-good overrides
	subs      map[string]map[int]func(float64)
	nextSubID int

	cancel context.CancelFunc
}

// Config for the service.
type Config struct {
	Defaults *params.Config
	Fetcher  Fetcher
	TTL      time.Duration
}

// New builds a service; call Init to start the refresh loop.
func New(cfg Config) *Service {
	if cfg.Defaults == nil {
		cfg.Defaults = params.Defaults()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		defaults: cfg.Defaults,
		fetcher:  cfg.Fetcher,
		ttl:      ttl,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "remote-config",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 3 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			},
		}),
		values: map[string]float64{},
		subs:   map[string]map[int]func(float64){},
	}
}

// Init performs an initial fetch and starts the periodic refresh. A
// failed initial fetch is not fatal; defaults serve until the source
// recovers.
func (s *Service) Init(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.refresh(loopCtx); err != nil {
		log.WithError(err).Warn("initial remote config fetch failed, serving defaults")
	}
	async.RunEvery(loopCtx, s.ttl, func(ctx context.Context) {
		if err := s.refresh(ctx); err != nil {
			log.WithError(err).Debug("remote config refresh failed, keeping last known good")
		}
	})
}

// Shutdown stops the refresh loop.
func (s *Service) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
}

// GetFloat returns the live value for key: remote override when fresh
// or last known good, else the params default.
func (s *Service) GetFloat(key string) float64 {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	d, _ := s.defaults.Float(key)
	return d
}

// GetInt returns GetFloat truncated to int64.
func (s *Service) GetInt(key string) int64 {
	return int64(s.GetFloat(key))
}

// Subscribe registers fn to run whenever key's value changes. Callback
// panics are isolated and logged.
func (s *Service) Subscribe(key string, fn func(float64)) Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[key] == nil {
		s.subs[key] = map[int]func(float64){}
	}
	id := s.nextSubID
	s.nextSubID++
	s.subs[key][id] = fn
	return &subscription{svc: s, key: key, id: id}
}

type subscription struct {
	svc *Service
	key string
	id  int
}

func (sub *subscription) Unsubscribe() {
	sub.svc.mu.Lock()
	defer sub.svc.mu.Unlock()
	delete(sub.svc.subs[sub.key], sub.id)
}

// Refresh forces a fetch outside the periodic cadence.
func (s *Service) Refresh(ctx context.Context) error {
	return s.refresh(ctx)
}

func (s *Service) refresh(ctx context.Context) error {
	if s.fetcher == nil {
		return nil
	}
	fetched, err := s.breaker.Execute(func() (interface{}, error) {
		return s.fetcher.Fetch(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "remote config fetch")
	}
	overrides := fetched.(map[string]float64)

	type change struct {
		fn func(float64)
		v  float64
	}
	var changes []change
	s.mu.Lock()
	for key, v := range overrides {
		if _, recognized := s.defaults.Float(key); !recognized {
			continue // unknown keys are ignored
		}
		old, had := s.values[key]
		if !had || old != v {
			s.values[key] = v
			for _, fn := range s.subs[key] {
				changes = append(changes, change{fn: fn, v: v})
			}
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		notify(c.fn, c.v)
	}
	return nil
}

func notify(fn func(float64), v float64) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("remote config subscriber panicked")
		}
	}()
	fn(v)
}
