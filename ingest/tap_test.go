package ingest

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTap_ReplaysHeldBytesOnAttach(t *testing.T) {
	src := []byte("header bytes then payload")
	tp := newTap(bytes.NewReader(src))

	head := make([]byte, 12)
	_, err := io.ReadFull(tp, head)
	require.NoError(t, err)

	var sink bytes.Buffer
	require.NoError(t, tp.attach(&sink))
	assert.Nil(t, tp.pending)

	rest, err := io.ReadAll(tp)
	require.NoError(t, err)
	assert.Equal(t, src[12:], rest)
	assert.Equal(t, src, sink.Bytes())
}

func TestTap_DiscardDropsHeldBytes(t *testing.T) {
	src := bytes.Repeat([]byte("d"), 64*1024)
	tp := newTap(bytes.NewReader(src))

	head := make([]byte, 100)
	_, err := io.ReadFull(tp, head)
	require.NoError(t, err)
	assert.Len(t, tp.pending, 100)

	tp.discard()
	assert.Nil(t, tp.pending)

	// Draining the rest retains nothing.
	n, err := io.Copy(io.Discard, tp)
	require.NoError(t, err)
	assert.Equal(t, int64(len(src)-100), n)
	assert.Nil(t, tp.pending)
	assert.NoError(t, tp.writeErr())
}
