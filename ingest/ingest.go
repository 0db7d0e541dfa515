// Package ingest drives the upload path: one pass over the incoming
// byte stream feeds the streaming parser and the storage tiers
// simultaneously, and the verdict from signature verification decides
// whether the speculative writes commit, unwind, or land in quarantine.
package ingest

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/ar-io/uploader/ans104"
	"github.com/ar-io/uploader/ans104/streaming"
	"github.com/ar-io/uploader/config/params"
	"github.com/ar-io/uploader/storage"
	"github.com/ar-io/uploader/storage/fabric"
	"github.com/dustin/go-humanize"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "ingest")

var (
	ingestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_items_total",
		Help: "Ingested data items by outcome.",
	}, []string{"outcome"})
	ingestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_bytes_total",
		Help: "Raw bytes accepted across all ingests.",
	})
)

// DefaultContentType is assumed when the item carries no Content-Type
// tag.
const DefaultContentType = "application/octet-stream"

// Receipt reports the outcome of one ingest.
type Receipt struct {
	ID                 string
	OK                 bool
	Duplicate          bool
	StoresCommitted    []string
	PayloadContentType string
	RawSize            int64
}

// Config for the coordinator.
type Config struct {
	Fabric *fabric.Fabric
	Params *params.Config
	// FailOnTagSpecViolation turns tag violations into hard ingest
	// errors instead of quarantined items.
	FailOnTagSpecViolation bool
	FailOnEmptyTagStrings  bool
}

// Coordinator serializes per-item work and owns the deferred-validity
// commit protocol.
type Coordinator struct {
	fabric *fabric.Fabric
	opts   streaming.Options

	// inFlight serializes all mutations of one item id: duplicate
	// uploads, metadata writes, and quarantine renames all take the
	// same slot.
	inFlight    *gocache.Cache
	inFlightTTL time.Duration

	uploads            *gocache.Cache
	chunkMin, chunkMax int64
}

// NewCoordinator wires the coordinator over a fabric.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Fabric == nil {
		return nil, errors.New("ingest: fabric is required")
	}
	p := cfg.Params
	if p == nil {
		p = params.Defaults()
	}
	ttlSecs, _ := p.Int(params.InFlightTTLSecs)
	ttl := time.Duration(ttlSecs) * time.Second
	chunkMin, _ := p.Int(params.MultipartChunkMinBytes)
	chunkMax, _ := p.Int(params.MultipartChunkMaxBytes)
	return &Coordinator{
		fabric: cfg.Fabric,
		opts: streaming.Options{
			FailOnTagSpecViolation: cfg.FailOnTagSpecViolation,
			FailOnEmptyTagStrings:  cfg.FailOnEmptyTagStrings,
		},
		inFlight:    gocache.New(ttl, 2*ttl),
		inFlightTTL: ttl,
		uploads:     gocache.New(uploadTTL, 2*uploadTTL),
		chunkMin:    chunkMin,
		chunkMax:    chunkMax,
	}, nil
}

// Ingest parses, verifies, and stores one data item from r. When
// declaredLen is positive it must match the consumed byte count or the
// ingest fails with ErrIntegrityMismatch. A valid item commits per the
// tier policy; an invalid one is quarantined and reported with OK
// false.
func (c *Coordinator) Ingest(ctx context.Context, r io.Reader, declaredLen int64) (*Receipt, error) {
	opts := c.opts
	opts.DeclaredLength = declaredLen

	t := newTap(r)
	parser := streaming.NewParser()
	handle := parser.Parse(ctx, t, opts)

	// The id is sha256 over the signature, so it is known as soon as
	// the signature region has streamed in.
	rawID, err := handle.ID()
	if err != nil {
		ingestsTotal.WithLabelValues("malformed").Inc()
		return nil, c.mapParseErr(err)
	}
	id := ans104.EncodeID(rawID)

	if err := c.acquire(id); err != nil {
		t.discard()
		handle.DiscardPayload()
		ingestsTotal.WithLabelValues("conflict").Inc()
		return nil, err
	}
	defer c.release(id)

	if found, tier := c.fabric.Exists(ctx, id); found {
		t.discard()
		handle.DiscardPayload()
		// Let the parse finish so the source reader is fully drained.
		_, _ = handle.IsValid()
		size, _ := handle.RawSize()
		ingestsTotal.WithLabelValues("duplicate").Inc()
		log.WithFields(logrus.Fields{"id": id, "tier": tier}).Debug("duplicate ingest")
		return &Receipt{ID: id, OK: true, Duplicate: true, RawSize: size}, nil
	}

	sinks := c.fabric.NewSinks(ctx, id)
	if err := t.attach(sinks); err != nil {
		t.discard()
		handle.DiscardPayload()
		sinks.Discard(ctx)
		return nil, errors.Wrap(err, "ingest: attaching storage sinks")
	}

	handle.DiscardPayload()
	valid, err := handle.IsValid()
	sinks.CloseInput()
	if err != nil {
		sinks.Discard(ctx)
		ingestsTotal.WithLabelValues("malformed").Inc()
		return nil, c.mapParseErr(err)
	}
	if werr := t.writeErr(); werr != nil {
		sinks.Discard(ctx)
		ingestsTotal.WithLabelValues("sink_error").Inc()
		return nil, errors.Wrap(werr, "ingest: storage sink failed")
	}

	rawSize, _ := handle.RawSize()
	if !valid {
		sinks.Discard(ctx)
		// Copies from earlier partial ingests leave the live path too.
		if qerr := c.fabric.Quarantine(ctx, id); qerr != nil {
			log.WithError(qerr).WithField("id", id).Warn("quarantine after failed verification incomplete")
		}
		ingestsTotal.WithLabelValues("invalid").Inc()
		log.WithFields(logrus.Fields{"id": id, "size": rawSize}).Info("data item failed verification")
		return &Receipt{ID: id, OK: false, RawSize: rawSize}, nil
	}

	tags, _ := handle.Tags()
	payloadStart, _ := handle.PayloadDataStart()
	md := storage.Metadata{
		PayloadContentType: contentTypeOf(tags),
		PayloadDataStart:   payloadStart,
	}
	committed, err := sinks.Commit(ctx, md)
	if err != nil {
		ingestsTotal.WithLabelValues("no_durable_store").Inc()
		return nil, err
	}

	ingestsTotal.WithLabelValues("ok").Inc()
	ingestBytes.Add(float64(rawSize))
	log.WithFields(logrus.Fields{
		"id":    id,
		"size":  humanize.Bytes(uint64(rawSize)),
		"tiers": committed,
	}).Info("data item stored")
	return &Receipt{
		ID:                 id,
		OK:                 true,
		StoresCommitted:    committed,
		PayloadContentType: md.PayloadContentType,
		RawSize:            rawSize,
	}, nil
}

// Quarantine moves every stored form of id out of the live read path.
// It takes the same in-flight slot as Ingest, so a concurrent ingest or
// metadata write for the id observes ErrConflict instead of racing the
// renames.
func (c *Coordinator) Quarantine(ctx context.Context, id string) error {
	if err := c.acquire(id); err != nil {
		return err
	}
	defer c.release(id)
	return c.fabric.Quarantine(ctx, id)
}

func (c *Coordinator) acquire(id string) error {
	if err := c.inFlight.Add(id, struct{}{}, c.inFlightTTL); err != nil {
		return errors.Wrap(storage.ErrConflict, id)
	}
	return nil
}

func (c *Coordinator) release(id string) {
	c.inFlight.Delete(id)
}

func (c *Coordinator) mapParseErr(err error) error {
	if errors.Is(err, streaming.ErrDeclaredLengthMismatch) {
		return errors.Wrap(storage.ErrIntegrityMismatch, err.Error())
	}
	return err
}

func contentTypeOf(tags []ans104.Tag) string {
	for _, tag := range tags {
		if strings.EqualFold(tag.Name, "Content-Type") {
			return tag.Value
		}
	}
	return DefaultContentType
}
