package streaming

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/ar-io/uploader/ans104"
	"github.com/ar-io/uploader/container/ringbuf"
	"github.com/ethereum/go-ethereum/event"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "streaming")

var (
	// ErrPrematureEOF is returned when the input ends inside a header
	// region or before the declared length.
	ErrPrematureEOF = errors.New("streaming: stream ended mid-item")
	// ErrDeclaredLengthMismatch is returned when the consumed byte
	// count differs from the caller-declared length.
	ErrDeclaredLengthMismatch = errors.New("streaming: declared length does not match consumed bytes")
	// ErrTagsTooLarge is returned when the tag region exceeds the
	// spec's worst-case byte length. This is always fatal.
	ErrTagsTooLarge = errors.New("streaming: tag region exceeds spec maximum")
)

// MaxTagsBytesLength bounds the tag region: 128 tags of maximal name,
// value and varint framing.
const MaxTagsBytesLength = ans104.MaxTags*(ans104.MaxTagNameLength+ans104.MaxTagValueLength+10) + 3

// LookaheadBytes sizes the reusable ring buffer: the largest fixed
// header field is the 512-byte signature/owner pair region read one
// field at a time, so 2 KiB leaves headroom for read-ahead slack.
const LookaheadBytes = 2048

// Options control per-parse validation behavior.
type Options struct {
	// FailOnTagSpecViolation makes tag-spec violations terminal parse
	// errors instead of warnings that mark the item invalid.
	FailOnTagSpecViolation bool
	// FailOnEmptyTagStrings rejects empty tag names or values.
	FailOnEmptyTagStrings bool
	// DeclaredLength, when positive, is checked against the consumed
	// byte count at end of stream.
	DeclaredLength int64
}

// Parser parses data items from byte streams. The lookahead ring is
// reused across items, so a Parser runs one Parse at a time; concurrent
// calls serialize.
type Parser struct {
	mu   sync.Mutex
	ring *ringbuf.Buffer
	feed event.Feed
}

// NewParser constructs a parser with a fresh lookahead ring.
func NewParser() *Parser {
	ring, err := ringbuf.New(LookaheadBytes)
	if err != nil {
		panic(err) // LookaheadBytes is a positive constant
	}
	return &Parser{ring: ring}
}

// SubscribeEvents delivers every parser event to ch until the
// subscription is closed.
func (p *Parser) SubscribeEvents(ch chan<- Event) event.Subscription {
	return p.feed.Subscribe(ch)
}

// Parse starts consuming r in a goroutine and returns a handle whose
// accessors resolve as regions complete. The payload stream carries
// backpressure: the parse advances only as fast as the payload
// consumer reads.
func (p *Parser) Parse(ctx context.Context, r io.Reader, opts Options) *ItemHandle {
	h := newItemHandle()
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		run := &parseRun{p: p, ctx: ctx, r: r, h: h, opts: opts}
		if err := run.run(); err != nil {
			log.WithError(err).Debug("data item parse failed")
			p.feed.Send(Event{Kind: EvError, Err: err})
			h.fail(err)
		}
	}()
	return h
}

type parseRun struct {
	p       *Parser
	ctx     context.Context
	r       io.Reader
	h       *ItemHandle
	opts    Options
	scratch [1024]byte
}

func (pr *parseRun) run() error {
	ring := pr.p.ring
	h := pr.h

	sigTypeRaw, err := pr.next(2)
	if err != nil {
		return err
	}
	sigType := int(binary.LittleEndian.Uint16(sigTypeRaw))
	cfg, err := ans104.SignatureConfigFor(sigType)
	if err != nil {
		return err
	}
	h.sigType.resolve(sigType)
	pr.emit(Event{Kind: EvSignatureType, Int: int64(sigType)})

	sig, err := pr.next(cfg.SignatureLength)
	if err != nil {
		return err
	}
	h.signature.resolve(sig)
	pr.emit(Event{Kind: EvSignature, Bytes: sig})

	owner, err := pr.next(cfg.PublicKeyLength)
	if err != nil {
		return err
	}
	h.owner.resolve(owner)
	pr.emit(Event{Kind: EvOwner, Bytes: owner})

	target, err := pr.optional32(EvTargetFlag, EvTarget)
	if err != nil {
		return err
	}
	h.target.resolve(target)

	anchor, err := pr.optional32(EvAnchorFlag, EvAnchor)
	if err != nil {
		return err
	}
	h.anchor.resolve(anchor)

	numTagsRaw, err := pr.next(8)
	if err != nil {
		return err
	}
	numTags := binary.LittleEndian.Uint64(numTagsRaw)
	pr.emit(Event{Kind: EvNumTags, Int: int64(numTags)})

	numTagsBytesRaw, err := pr.next(8)
	if err != nil {
		return err
	}
	numTagsBytes := binary.LittleEndian.Uint64(numTagsBytesRaw)
	pr.emit(Event{Kind: EvNumTagsBytes, Int: int64(numTagsBytes)})

	if numTagsBytes > MaxTagsBytesLength {
		return errors.Wrapf(ErrTagsTooLarge, "%d tag bytes", numTagsBytes)
	}

	specViolation := false
	if numTags > ans104.MaxTags {
		if pr.opts.FailOnTagSpecViolation {
			return errors.Wrapf(ans104.ErrTooManyTags, "%d tags", numTags)
		}
		log.WithField("numTags", numTags).Warn("data item exceeds tag count cap")
		specViolation = true
	}
	h.numTags.resolve(int(numTags))
	h.numTagsBytes.resolve(int(numTagsBytes))

	var tagsBytes []byte
	if numTagsBytes > 0 {
		tagsBytes, err = pr.next(int(numTagsBytes))
		if err != nil {
			return err
		}
		pr.emit(Event{Kind: EvTagsBytes, Bytes: tagsBytes})
	}
	// The count cap is judged below via ValidateTags so warn mode can
	// finish the parse and mark the item invalid.
	tags, err := ans104.DecodeTagsAny(tagsBytes)
	if err != nil {
		return err
	}
	if uint64(len(tags)) != numTags && !specViolation {
		return errors.Wrapf(ans104.ErrMalformedTags, "header declares %d tags, bytes decode to %d", numTags, len(tags))
	}
	if err := ans104.ValidateTags(tags, pr.opts.FailOnEmptyTagStrings); err != nil {
		if pr.opts.FailOnTagSpecViolation {
			return err
		}
		log.WithError(err).Warn("data item violates tag spec")
		specViolation = true
	}
	h.tagsBytes.resolve(tagsBytes)
	h.tags.resolve(tags)

	payloadStart := int64(ans104.HeaderLength(cfg, target != nil, anchor != nil, len(tagsBytes)))
	h.payloadStart.resolve(payloadStart)
	pr.emit(Event{Kind: EvPayloadStart, Int: payloadStart})

	// Header complete; maintain the deep-hash context while the
	// payload passes through.
	sigCtx := ans104.NewSigningContext(sigType, owner, target, anchor, tagsBytes)

	writePayload := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		_, _ = sigCtx.Write(chunk)
		if _, err := h.payloadW.Write(chunk); err != nil {
			return errors.Wrap(err, "streaming: payload consumer failed")
		}
		pr.emit(Event{Kind: EvPayloadChunk, Bytes: chunk})
		return nil
	}

	// Bytes read ahead of the header boundary belong to the payload.
	if ring.Used() > 0 {
		leftover, err := ring.Shift(ring.Used())
		if err != nil {
			return err
		}
		if err := writePayload(leftover); err != nil {
			return err
		}
	}
	for {
		if err := pr.ctx.Err(); err != nil {
			return err
		}
		n, err := pr.r.Read(pr.scratch[:])
		if n > 0 {
			if werr := writePayload(pr.scratch[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "streaming: reading payload")
		}
	}

	payloadSize := int64(sigCtx.PayloadLength())
	rawSize := payloadStart + payloadSize
	if pr.opts.DeclaredLength > 0 && rawSize != pr.opts.DeclaredLength {
		return errors.Wrapf(ErrDeclaredLengthMismatch, "declared %d, consumed %d", pr.opts.DeclaredLength, rawSize)
	}
	h.payloadSize.resolve(payloadSize)
	h.rawSize.resolve(rawSize)
	_ = h.payloadW.Close()

	valid := !specViolation
	if valid {
		if err := ans104.VerifySignature(sigType, owner, sig, sigCtx.Sum()); err != nil {
			if !errors.Is(err, ans104.ErrBadSignature) {
				return err
			}
			valid = false
		}
	}
	h.valid.resolve(valid)
	pr.emit(Event{Kind: EvEnd, Int: rawSize})
	return nil
}

// next consumes exactly n bytes, refilling the ring from the input as
// needed. Regions larger than the ring are read in ring-sized slices.
func (pr *parseRun) next(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	ring := pr.p.ring
	for len(out) < n {
		if ring.Used() == 0 {
			if err := pr.fill(min(n-len(out), ring.Remaining())); err != nil {
				return nil, err
			}
		}
		take := min(n-len(out), ring.Used())
		chunk, err := ring.Shift(take)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// fill blocks until at least want bytes are buffered in the ring.
func (pr *parseRun) fill(want int) error {
	ring := pr.p.ring
	for ring.Used() < want {
		if err := pr.ctx.Err(); err != nil {
			return err
		}
		limit := min(len(pr.scratch), ring.Remaining())
		n, err := pr.r.Read(pr.scratch[:limit])
		if n > 0 {
			if werr := ring.WriteFrom(pr.scratch[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			if ring.Used() < want {
				return errors.Wrapf(ErrPrematureEOF, "needed %d more header bytes", want-ring.Used())
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "streaming: reading header")
		}
	}
	return nil
}

func (pr *parseRun) optional32(flagKind, valueKind EventKind) ([]byte, error) {
	flag, err := pr.next(1)
	if err != nil {
		return nil, err
	}
	pr.emit(Event{Kind: flagKind, Int: int64(flag[0])})
	switch flag[0] {
	case 0:
		return nil, nil
	case 1:
		v, err := pr.next(32)
		if err != nil {
			return nil, err
		}
		pr.emit(Event{Kind: valueKind, Bytes: v})
		return v, nil
	default:
		return nil, errors.Wrapf(ans104.ErrBadPresenceFlag, "flag byte %#x", flag[0])
	}
}

func (pr *parseRun) emit(ev Event) {
	pr.p.feed.Send(ev)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
