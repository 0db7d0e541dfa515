package remote

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/ar-io/uploader/config/params"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_DefaultsWithoutFetcher(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, 1.0, s.GetFloat(params.MemCacheSamplingRate))
	assert.Equal(t, int64(256*1024), s.GetInt(params.SmallItemBytesThreshold))
}

func TestService_OverridesAndFallback(t *testing.T) {
	var fail atomic.Bool
	s := New(Config{
		Fetcher: FetcherFunc(func(context.Context) (map[string]float64, error) {
			if fail.Load() {
				return nil, errors.New("source down")
			}
			return map[string]float64{
				params.MemCacheSamplingRate: 0.5,
				"UNKNOWN_KEY":               9,
			}, nil
		}),
	})
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, 0.5, s.GetFloat(params.MemCacheSamplingRate))
	// Unknown keys never surface.
	assert.Equal(t, 0.0, s.GetFloat("UNKNOWN_KEY"))

	// Last known good survives a fetch failure.
	fail.Store(true)
	require.Error(t, s.Refresh(context.Background()))
	assert.Equal(t, 0.5, s.GetFloat(params.MemCacheSamplingRate))
}

func TestService_SubscribeAndPanicIsolation(t *testing.T) {
	next := 0.25
	s := New(Config{
		Fetcher: FetcherFunc(func(context.Context) (map[string]float64, error) {
			return map[string]float64{params.KVDocSamplingRate: next}, nil
		}),
	})

	var got []float64
	s.Subscribe(params.KVDocSamplingRate, func(float64) {
		panic("subscriber bug")
	})
	sub := s.Subscribe(params.KVDocSamplingRate, func(v float64) {
		got = append(got, v)
	})

	require.NoError(t, s.Refresh(context.Background()))
	require.Equal(t, []float64{0.25}, got)

	// Same value again: no notification.
	require.NoError(t, s.Refresh(context.Background()))
	require.Equal(t, []float64{0.25}, got)

	next = 0.75
	require.NoError(t, s.Refresh(context.Background()))
	require.Equal(t, []float64{0.25, 0.75}, got)

	sub.Unsubscribe()
	next = 0.1
	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, []float64{0.25, 0.75}, got)
}
