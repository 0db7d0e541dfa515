// Package gateway speaks the Arweave gateway protocol: price quotes,
// anchors, transaction status, bundle queueing, and chain-head lookup,
// all through a retrying HTTP client.
package gateway

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "gateway")

const (
	// DefaultMaxRetries bounds attempts after the first.
	DefaultMaxRetries = 5
	// DefaultRateLimitWait is honored on 429 responses; waiting out a
	// rate limit does not consume a retry.
	DefaultRateLimitWait = 60 * time.Second
)

// ErrRetriesExhausted wraps the last failure after the retry budget is
// spent.
var ErrRetriesExhausted = errors.New("gateway: retries exhausted")

// RetryClient retries idempotent gateway calls with exponential
// backoff. Responses outside the valid status set are retried; fatal
// error messages and 4xx statuses short-circuit.
type RetryClient struct {
	hc            *http.Client
	maxRetries    int
	rateLimitWait time.Duration
	validStatus   map[int]bool
	fatalMessages []string
}

// RetryConfig tunes a RetryClient; zero values select the defaults.
type RetryConfig struct {
	HTTPClient    *http.Client
	MaxRetries    int
	RateLimitWait time.Duration
	// ValidStatusCodes defaults to {200}.
	ValidStatusCodes []int
	// FatalErrorMessages abort the retry loop when the transport error
	// contains one of them.
	FatalErrorMessages []string
}

// NewRetryClient builds the retrying transport.
func NewRetryClient(cfg RetryConfig) *RetryClient {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	wait := cfg.RateLimitWait
	if wait <= 0 {
		wait = DefaultRateLimitWait
	}
	valid := map[int]bool{}
	if len(cfg.ValidStatusCodes) == 0 {
		valid[http.StatusOK] = true
	}
	for _, code := range cfg.ValidStatusCodes {
		valid[code] = true
	}
	return &RetryClient{
		hc:            hc,
		maxRetries:    maxRetries,
		rateLimitWait: wait,
		validStatus:   valid,
		fatalMessages: cfg.FatalErrorMessages,
	}
}

// Do runs the request until a valid status arrives or the retry budget
// is spent. newReq must build a fresh request each attempt so bodies
// replay cleanly. The extra status codes are accepted alongside the
// client's valid set.
func (c *RetryClient) Do(ctx context.Context, newReq func() (*http.Request, error), extraValid ...int) ([]byte, int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.Reset()

	accepted := func(code int) bool {
		if c.validStatus[code] {
			return true
		}
		for _, v := range extraValid {
			if v == code {
				return true
			}
		}
		return false
	}

	var lastErr error
	attempts := 0
	for {
		req, err := newReq()
		if err != nil {
			return nil, 0, errors.Wrap(err, "gateway: building request")
		}
		resp, err := c.hc.Do(req.WithContext(ctx))
		if err != nil {
			if c.isFatal(err) {
				return nil, 0, err
			}
			lastErr = err
			attempts++
		} else {
			body, readErr := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if readErr != nil {
				lastErr = readErr
				attempts++
			} else if accepted(resp.StatusCode) {
				return body, resp.StatusCode, nil
			} else if resp.StatusCode == http.StatusTooManyRequests {
				// Rate limits wait out their window without spending
				// a retry.
				log.WithField("url", req.URL.Redacted()).Debug("rate limited, waiting")
				if err := sleep(ctx, c.rateLimitWait); err != nil {
					return nil, resp.StatusCode, err
				}
				continue
			} else if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return body, resp.StatusCode, errors.Errorf("gateway: %s returned %d", req.URL.Path, resp.StatusCode)
			} else {
				lastErr = errors.Errorf("gateway: %s returned %d", req.URL.Path, resp.StatusCode)
				attempts++
			}
		}
		if attempts > c.maxRetries {
			return nil, 0, errors.Wrap(ErrRetriesExhausted, lastErr.Error())
		}
		if err := sleep(ctx, bo.NextBackOff()); err != nil {
			return nil, 0, err
		}
	}
}

func (c *RetryClient) isFatal(err error) bool {
	msg := err.Error()
	for _, fatal := range c.fatalMessages {
		if strings.Contains(msg, fatal) {
			return true
		}
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
