package ans104_test

import (
	"strings"
	"testing"

	"github.com/ar-io/uploader/ans104"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeTags(t *testing.T) {
	tags := []ans104.Tag{
		{Name: "Content-Type", Value: "text/plain"},
		{Name: "App-Name", Value: "ArDrive-CLI"},
		{Name: "App-Version", Value: "1.21.0"},
	}
	b, err := ans104.EncodeTags(tags)
	require.NoError(t, err)
	require.NotEmpty(t, b)

	got, err := ans104.DecodeTags(b)
	require.NoError(t, err)
	assert.Equal(t, tags, got)
}

func TestEncodeTags_Empty(t *testing.T) {
	b, err := ans104.EncodeTags(nil)
	require.NoError(t, err)
	assert.Empty(t, b)

	got, err := ans104.DecodeTags(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeTags_NegativeBlockCount(t *testing.T) {
	// Avro writers may emit a negative count followed by the block's
	// byte size. Build such an encoding by hand: one block of one tag.
	entry := []byte{0x02, 'a', 0x02, 'b'} // name "a", value "b"
	var b []byte
	b = append(b, 0x01)                 // zigzag(-1)
	b = append(b, byte(len(entry))<<1)  // zigzag(block size)
	b = append(b, entry...)
	b = append(b, 0x00) // terminator
	got, err := ans104.DecodeTags(b)
	require.NoError(t, err)
	assert.Equal(t, []ans104.Tag{{Name: "a", Value: "b"}}, got)
}

func TestDecodeTags_CountCap(t *testing.T) {
	// 129 tags encoded by hand: zigzag(129) count, then the pairs.
	b := []byte{0x82, 0x02}
	for i := 0; i < 129; i++ {
		b = append(b, 0x02, 'a', 0x02, 'b')
	}
	b = append(b, 0x00)

	_, err := ans104.DecodeTags(b)
	assert.ErrorIs(t, err, ans104.ErrTooManyTags)

	got, err := ans104.DecodeTagsAny(b)
	require.NoError(t, err)
	require.Len(t, got, 129)
	assert.ErrorIs(t, ans104.ValidateTags(got, false), ans104.ErrTooManyTags)
}

func TestDecodeTags_Truncated(t *testing.T) {
	tags := []ans104.Tag{{Name: "k", Value: "v"}}
	b, err := ans104.EncodeTags(tags)
	require.NoError(t, err)
	_, err = ans104.DecodeTags(b[:len(b)-2])
	assert.Error(t, err)
}

func TestValidateTags_Caps(t *testing.T) {
	many := make([]ans104.Tag, 128)
	for i := range many {
		many[i] = ans104.Tag{Name: "n", Value: "v"}
	}
	require.NoError(t, ans104.ValidateTags(many, true))

	many = append(many, ans104.Tag{Name: "n", Value: "v"})
	err := ans104.ValidateTags(many, true)
	assert.ErrorIs(t, err, ans104.ErrTooManyTags)
}

func TestValidateTags_LengthBoundaries(t *testing.T) {
	ok := []ans104.Tag{{
		Name:  strings.Repeat("n", 1024),
		Value: strings.Repeat("v", 3072),
	}}
	require.NoError(t, ans104.ValidateTags(ok, true))

	longName := []ans104.Tag{{Name: strings.Repeat("n", 1025), Value: "v"}}
	assert.ErrorIs(t, ans104.ValidateTags(longName, false), ans104.ErrTagTooLong)

	longValue := []ans104.Tag{{Name: "n", Value: strings.Repeat("v", 3073)}}
	assert.ErrorIs(t, ans104.ValidateTags(longValue, false), ans104.ErrTagTooLong)
}

func TestValidateTags_EmptyStrings(t *testing.T) {
	tags := []ans104.Tag{{Name: "", Value: "v"}}
	require.NoError(t, ans104.ValidateTags(tags, false))
	assert.ErrorIs(t, ans104.ValidateTags(tags, true), ans104.ErrEmptyTagString)
}
