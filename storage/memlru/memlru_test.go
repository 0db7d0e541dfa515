package memlru_test

import (
	"testing"
	"time"

	"github.com/ar-io/uploader/storage/memlru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_SetGet(t *testing.T) {
	c, err := memlru.New(10, time.Minute)
	require.NoError(t, err)

	c.Set("raw_abc", []byte("bytes"))
	got, ok := c.Get("raw_abc")
	assert.True(t, ok)
	assert.Equal(t, []byte("bytes"), got)

	_, ok = c.Get("raw_missing")
	assert.False(t, ok)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, err := memlru.New(10, 30*time.Millisecond)
	require.NoError(t, err)

	c.Set("raw_abc", []byte("bytes"))
	_, ok := c.Get("raw_abc")
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("raw_abc")
	assert.False(t, ok)
	assert.False(t, c.Contains("raw_abc"))
}

func TestCache_Eviction(t *testing.T) {
	c, err := memlru.New(2, time.Minute)
	require.NoError(t, err)

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("c", []byte("3"))
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCache_PurgeID(t *testing.T) {
	c, err := memlru.New(10, time.Minute)
	require.NoError(t, err)

	c.Set("raw_id1", []byte("1"))
	c.Set("metadata_id1", []byte("2"))
	c.Set("raw_id2", []byte("3"))

	c.PurgeID("id1")
	assert.False(t, c.Contains("raw_id1"))
	assert.False(t, c.Contains("metadata_id1"))
	assert.True(t, c.Contains("raw_id2"))
}
