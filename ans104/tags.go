package ans104

import (
	"github.com/pkg/errors"
)

// Tag spec limits per ANS-104.
const (
	MaxTags           = 128
	MaxTagNameLength  = 1024
	MaxTagValueLength = 3072
)

// Tag is one (name, value) pair on a data item.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var (
	// ErrTooManyTags is returned when a data item carries more than
	// MaxTags tags.
	ErrTooManyTags = errors.New("ans104: tag count exceeds 128")
	// ErrTagTooLong is returned when a tag name or value exceeds its
	// byte cap.
	ErrTagTooLong = errors.New("ans104: tag name or value too long")
	// ErrEmptyTagString is returned for empty names or values when the
	// caller requires non-empty strings.
	ErrEmptyTagString = errors.New("ans104: empty tag name or value")
	// ErrMalformedTags is returned when tag bytes cannot be decoded.
	ErrMalformedTags = errors.New("ans104: malformed tag bytes")
)

// ValidateTags checks the ANS-104 tag constraints. Empty names or
// values only fail when failOnEmpty is set.
func ValidateTags(tags []Tag, failOnEmpty bool) error {
	if len(tags) > MaxTags {
		return errors.Wrapf(ErrTooManyTags, "%d tags", len(tags))
	}
	for i, t := range tags {
		if len(t.Name) > MaxTagNameLength || len(t.Value) > MaxTagValueLength {
			return errors.Wrapf(ErrTagTooLong, "tag %d", i)
		}
		if failOnEmpty && (len(t.Name) == 0 || len(t.Value) == 0) {
			return errors.Wrapf(ErrEmptyTagString, "tag %d", i)
		}
	}
	return nil
}

// EncodeTags serializes tags with the Avro array block encoding used by
// ANS-104: a zigzag-varint element count, the string pairs, then a zero
// terminator block. Zero tags encode to zero bytes.
func EncodeTags(tags []Tag) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	if len(tags) > MaxTags {
		return nil, errors.Wrapf(ErrTooManyTags, "%d tags", len(tags))
	}
	var out []byte
	out = appendZigZag(out, int64(len(tags)))
	for _, t := range tags {
		out = appendZigZag(out, int64(len(t.Name)))
		out = append(out, t.Name...)
		out = appendZigZag(out, int64(len(t.Value)))
		out = append(out, t.Value...)
	}
	out = append(out, 0)
	return out, nil
}

// DecodeTags parses Avro-packed tag bytes, rejecting counts past the
// spec cap.
func DecodeTags(b []byte) ([]Tag, error) {
	tags, err := DecodeTagsAny(b)
	if err != nil {
		return nil, err
	}
	if len(tags) > MaxTags {
		return nil, errors.Wrapf(ErrTooManyTags, "%d tags", len(tags))
	}
	return tags, nil
}

// DecodeTagsAny parses Avro-packed tag bytes without enforcing the
// tag-count cap; callers that tolerate violations judge the count via
// ValidateTags afterwards. Multi-block arrays and negative block counts
// (count followed by a byte-size long) are accepted, as Avro writers
// may emit either.
func DecodeTagsAny(b []byte) ([]Tag, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var tags []Tag
	pos := 0
	for {
		count, n, err := readZigZag(b[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if count == 0 {
			break
		}
		if count < 0 {
			count = -count
			// The block byte size follows a negative count; skip it.
			_, n, err := readZigZag(b[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
		}
		for i := int64(0); i < count; i++ {
			name, n, err := readString(b[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			value, n, err := readString(b[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			tags = append(tags, Tag{Name: name, Value: value})
		}
	}
	if pos != len(b) {
		return nil, errors.Wrapf(ErrMalformedTags, "%d trailing bytes", len(b)-pos)
	}
	return tags, nil
}

func appendZigZag(b []byte, v int64) []byte {
	u := uint64(v<<1) ^ uint64(v>>63)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

func readZigZag(b []byte) (int64, int, error) {
	var u uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		if shift > 63 {
			return 0, 0, errors.Wrap(ErrMalformedTags, "varint overflow")
		}
		u |= uint64(b[i]&0x7f) << shift
		if b[i]&0x80 == 0 {
			v := int64(u>>1) ^ -int64(u&1)
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, errors.Wrap(ErrMalformedTags, "truncated varint")
}

func readString(b []byte) (string, int, error) {
	l, n, err := readZigZag(b)
	if err != nil {
		return "", 0, err
	}
	if l < 0 || int64(len(b)-n) < l {
		return "", 0, errors.Wrapf(ErrMalformedTags, "string length %d out of bounds", l)
	}
	return string(b[n : n+int(l)]), n + int(l), nil
}
