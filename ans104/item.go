package ans104

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrTruncatedItem is returned when raw bytes end before the
	// declared layout does.
	ErrTruncatedItem = errors.New("ans104: truncated data item")
	// ErrBadPresenceFlag is returned for a target or anchor flag byte
	// other than 0 or 1.
	ErrBadPresenceFlag = errors.New("ans104: presence flag must be 0 or 1")
	// ErrBadFieldLength is returned when a fixed-length field does not
	// match its declared length.
	ErrBadFieldLength = errors.New("ans104: field length mismatch")
)

// DataItem is the fully materialized form of an ANS-104 data item.
// Target and Anchor are nil when absent.
type DataItem struct {
	SignatureType int
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	Tags          []Tag
	Payload       []byte
}

// ID returns sha256 over the signature bytes.
func (d *DataItem) ID() [32]byte {
	return ItemID(d.Signature)
}

// PayloadDataStart returns the offset of the first payload byte within
// the serialized item.
func (d *DataItem) PayloadDataStart() (int, error) {
	cfg, err := SignatureConfigFor(d.SignatureType)
	if err != nil {
		return 0, err
	}
	tagsBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return 0, err
	}
	return HeaderLength(cfg, d.Target != nil, d.Anchor != nil, len(tagsBytes)), nil
}

// HeaderLength computes the byte length of an item header:
// sigType(2) + sig + owner + (target?33:1) + (anchor?33:1) + 16 + tags.
func HeaderLength(cfg SignatureConfig, hasTarget, hasAnchor bool, tagsBytesLen int) int {
	n := 2 + cfg.SignatureLength + cfg.PublicKeyLength + 16 + tagsBytesLen
	if hasTarget {
		n += 33
	} else {
		n++
	}
	if hasAnchor {
		n += 33
	} else {
		n++
	}
	return n
}

// Serialize renders the item in ANS-104 wire form.
func (d *DataItem) Serialize() ([]byte, error) {
	cfg, err := SignatureConfigFor(d.SignatureType)
	if err != nil {
		return nil, err
	}
	if len(d.Signature) != cfg.SignatureLength {
		return nil, errors.Wrapf(ErrBadFieldLength, "signature %d, want %d", len(d.Signature), cfg.SignatureLength)
	}
	if len(d.Owner) != cfg.PublicKeyLength {
		return nil, errors.Wrapf(ErrBadFieldLength, "owner %d, want %d", len(d.Owner), cfg.PublicKeyLength)
	}
	if d.Target != nil && len(d.Target) != 32 {
		return nil, errors.Wrapf(ErrBadFieldLength, "target %d, want 32", len(d.Target))
	}
	if d.Anchor != nil && len(d.Anchor) != 32 {
		return nil, errors.Wrapf(ErrBadFieldLength, "anchor %d, want 32", len(d.Anchor))
	}
	tagsBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, HeaderLength(cfg, d.Target != nil, d.Anchor != nil, len(tagsBytes))+len(d.Payload))
	out = binary.LittleEndian.AppendUint16(out, uint16(d.SignatureType))
	out = append(out, d.Signature...)
	out = append(out, d.Owner...)
	if d.Target != nil {
		out = append(out, 1)
		out = append(out, d.Target...)
	} else {
		out = append(out, 0)
	}
	if d.Anchor != nil {
		out = append(out, 1)
		out = append(out, d.Anchor...)
	} else {
		out = append(out, 0)
	}
	out = binary.LittleEndian.AppendUint64(out, uint64(len(d.Tags)))
	out = binary.LittleEndian.AppendUint64(out, uint64(len(tagsBytes)))
	out = append(out, tagsBytes...)
	out = append(out, d.Payload...)
	return out, nil
}

// Decode parses a fully materialized data item from raw bytes.
func Decode(raw []byte) (*DataItem, error) {
	if len(raw) < 2 {
		return nil, ErrTruncatedItem
	}
	sigType := int(binary.LittleEndian.Uint16(raw[:2]))
	cfg, err := SignatureConfigFor(sigType)
	if err != nil {
		return nil, err
	}
	pos := 2

	take := func(n int) ([]byte, error) {
		if len(raw)-pos < n {
			return nil, errors.Wrapf(ErrTruncatedItem, "need %d bytes at offset %d", n, pos)
		}
		b := raw[pos : pos+n]
		pos += n
		return b, nil
	}

	sig, err := take(cfg.SignatureLength)
	if err != nil {
		return nil, err
	}
	owner, err := take(cfg.PublicKeyLength)
	if err != nil {
		return nil, err
	}

	readOptional := func() ([]byte, error) {
		flag, err := take(1)
		if err != nil {
			return nil, err
		}
		switch flag[0] {
		case 0:
			return nil, nil
		case 1:
			return take(32)
		default:
			return nil, errors.Wrapf(ErrBadPresenceFlag, "flag byte %#x", flag[0])
		}
	}

	target, err := readOptional()
	if err != nil {
		return nil, err
	}
	anchor, err := readOptional()
	if err != nil {
		return nil, err
	}

	numTagsRaw, err := take(8)
	if err != nil {
		return nil, err
	}
	numTags := binary.LittleEndian.Uint64(numTagsRaw)
	numTagsBytesRaw, err := take(8)
	if err != nil {
		return nil, err
	}
	numTagsBytes := binary.LittleEndian.Uint64(numTagsBytesRaw)
	if numTags > MaxTags {
		return nil, errors.Wrapf(ErrTooManyTags, "%d tags", numTags)
	}
	tagsBytes, err := take(int(numTagsBytes))
	if err != nil {
		return nil, err
	}
	tags, err := DecodeTags(tagsBytes)
	if err != nil {
		return nil, err
	}
	if uint64(len(tags)) != numTags {
		return nil, errors.Wrapf(ErrMalformedTags, "header declares %d tags, bytes decode to %d", numTags, len(tags))
	}

	return &DataItem{
		SignatureType: sigType,
		Signature:     append([]byte(nil), sig...),
		Owner:         append([]byte(nil), owner...),
		Target:        cloneOrNil(target),
		Anchor:        cloneOrNil(anchor),
		Tags:          tags,
		Payload:       append([]byte(nil), raw[pos:]...),
	}, nil
}

// Verify checks the item signature and tag constraints.
func (d *DataItem) Verify(failOnEmptyTagStrings bool) error {
	if err := ValidateTags(d.Tags, failOnEmptyTagStrings); err != nil {
		return err
	}
	tagsBytes, err := EncodeTags(d.Tags)
	if err != nil {
		return err
	}
	msg := SigningPayload(d.SignatureType, d.Owner, d.Target, d.Anchor, tagsBytes, d.Payload)
	return VerifySignature(d.SignatureType, d.Owner, d.Signature, msg)
}

func cloneOrNil(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
