// Package streaming implements an ANS-104 data-item parser that emits
// header fields the instant each region is complete, while the payload
// is still arriving. The payload itself is pass-through and never
// buffered whole.
package streaming

// EventKind tags a parser event.
type EventKind int

// Parser events, emitted in wire order.
const (
	EvSignatureType EventKind = iota + 1
	EvSignature
	EvOwner
	EvTargetFlag
	EvTarget
	EvAnchorFlag
	EvAnchor
	EvNumTags
	EvNumTagsBytes
	EvTagsBytes
	EvPayloadStart
	EvPayloadChunk
	EvEnd
	EvError
)

// Event is the tagged variant published on the parser's feed. Exactly
// one of Int, Bytes or Err is meaningful for a given kind:
// Int for EvSignatureType, EvTargetFlag, EvAnchorFlag, EvNumTags,
// EvNumTagsBytes and EvPayloadStart (the payload offset); Bytes for the
// byte-region kinds; Err for EvError. EvEnd carries the total raw size
// in Int.
type Event struct {
	Kind  EventKind
	Int   int64
	Bytes []byte
	Err   error
}

func (k EventKind) String() string {
	switch k {
	case EvSignatureType:
		return "signatureType"
	case EvSignature:
		return "signature"
	case EvOwner:
		return "owner"
	case EvTargetFlag:
		return "targetFlag"
	case EvTarget:
		return "target"
	case EvAnchorFlag:
		return "anchorFlag"
	case EvAnchor:
		return "anchor"
	case EvNumTags:
		return "numTags"
	case EvNumTagsBytes:
		return "numTagsBytes"
	case EvTagsBytes:
		return "tagsBytes"
	case EvPayloadStart:
		return "payloadStart"
	case EvPayloadChunk:
		return "payloadChunk"
	case EvEnd:
		return "end"
	case EvError:
		return "error"
	default:
		return "unknown"
	}
}
