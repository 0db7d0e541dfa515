package ans104_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/ar-io/uploader/ans104"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleHeader_RoundTrip(t *testing.T) {
	var id1, id2 [32]byte
	for i := range id1 {
		id1[i] = 0x01
		id2[i] = 0x02
	}
	entries := []ans104.BundleItemInfo{
		{ID: id1, Size: 4},
		{ID: id2, Size: 3},
	}
	header := ans104.SerializeBundleHeader(entries)
	require.Len(t, header, 32+64*2)

	payloads := []byte("aaaabbb")
	r := bytes.NewReader(append(append([]byte(nil), header...), payloads...))

	info, err := ans104.ParseBundleHeader(r)
	require.NoError(t, err)
	assert.Equal(t, 2, info.NumItems)
	assert.Equal(t, int64(4), info.Items[0].Size)
	assert.Equal(t, int64(3), info.Items[1].Size)
	assert.Equal(t, id1, info.Items[0].ID)
	assert.Equal(t, id2, info.Items[1].ID)

	// Offsets inside the bundle: header first, then items in order.
	assert.Equal(t, int64(32+128), info.Items[0].DataOffset)
	assert.Equal(t, int64(32+128+4), info.Items[1].DataOffset)
	assert.Equal(t, int64(32+128+7), info.TotalSize())

	// The reader is positioned at the first item byte.
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payloads, rest)
}

func TestNewBundleHeader_ResolvesOffsets(t *testing.T) {
	var id1, id2, id3 [32]byte
	id1[0], id2[0], id3[0] = 1, 2, 3
	info := ans104.NewBundleHeader([]ans104.BundleItemInfo{
		{ID: id1, Size: 10},
		{ID: id2, Size: 20},
		{ID: id3, Size: 5},
	})
	require.Equal(t, 3, info.NumItems)
	headerLen := int64(32 + 64*3)
	assert.Equal(t, headerLen, info.Items[0].DataOffset)
	assert.Equal(t, headerLen+10, info.Items[1].DataOffset)
	assert.Equal(t, headerLen+30, info.Items[2].DataOffset)
	assert.Equal(t, headerLen+35, info.TotalSize())

	// Matches what a serialize/parse round trip resolves.
	parsed, err := ans104.ParseBundleHeader(bytes.NewReader(ans104.SerializeBundleHeader(info.Items)))
	require.NoError(t, err)
	assert.Equal(t, info.Items, parsed.Items)
}

func TestBundleHeader_Empty(t *testing.T) {
	header := ans104.SerializeBundleHeader(nil)
	info, err := ans104.ParseBundleHeader(bytes.NewReader(header))
	require.NoError(t, err)
	assert.Equal(t, 0, info.NumItems)
	assert.Equal(t, int64(32), info.TotalSize())
}

func TestBundleHeader_Truncated(t *testing.T) {
	var id [32]byte
	header := ans104.SerializeBundleHeader([]ans104.BundleItemInfo{{ID: id, Size: 1}})
	_, err := ans104.ParseBundleHeader(bytes.NewReader(header[:40]))
	assert.ErrorIs(t, err, ans104.ErrMalformedBundleHeader)
}

func TestBundleHeader_OversizedCount(t *testing.T) {
	raw := make([]byte, 32)
	raw[31] = 0xff // count high bytes set
	_, err := ans104.ParseBundleHeader(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ans104.ErrMalformedBundleHeader)
}
