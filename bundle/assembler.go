// Package bundle assembles stored data items into an ANS-104 bundle
// stream: header first, then every item's raw bytes in header order.
// Prefetch runs ahead of the piping loop under byte and request
// budgets, and a side tap over each item collects its attributes while
// the bytes pass through.
package bundle

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/ar-io/uploader/ans104"
	"github.com/ar-io/uploader/ans104/streaming"
	"github.com/ar-io/uploader/async"
	"github.com/ar-io/uploader/config/params"
	"github.com/ar-io/uploader/storage/fabric"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var log = logrus.WithField("prefix", "bundle")

// attrWaitTimeout bounds how long Wait blocks on straggling attribute
// collectors before resolving with what it has.
const attrWaitTimeout = 60 * time.Second

// ErrEmptyBundle is returned for a header with no items.
var ErrEmptyBundle = errors.New("bundle: header names no items")

// ItemAttributes describes one bundled item as observed while its bytes
// streamed through the assembler.
type ItemAttributes struct {
	ID               string
	RawSize          int64
	PayloadDataStart int64
	ContentType      string
	OffsetInBundle   int64
}

// AttributesFuture resolves with the per-item attributes once every
// side tap has finished, or with whatever was collected when the wait
// guard expires.
type AttributesFuture struct {
	counter *async.TaskCounter
	timeout time.Duration

	mu    sync.Mutex
	attrs []ItemAttributes
}

func (f *AttributesFuture) add(a ItemAttributes) {
	f.mu.Lock()
	f.attrs = append(f.attrs, a)
	f.mu.Unlock()
}

// Wait blocks for the collectors and returns the attributes in bundle
// order. A timeout resolves with the partial set.
func (f *AttributesFuture) Wait() []ItemAttributes {
	if err := f.counter.WaitForZero(f.timeout); err != nil {
		log.WithField("pending", f.counter.ActiveTaskCount()).Warn("resolving bundle attributes with stragglers outstanding")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ItemAttributes, len(f.attrs))
	copy(out, f.attrs)
	sort.Slice(out, func(i, j int) bool { return out[i].OffsetInBundle < out[j].OffsetInBundle })
	return out
}

// Assembler streams bundles out of the tier fabric.
type Assembler struct {
	fabric   *fabric.Fabric
	bytesSem *semaphore.Weighted
	maxBytes int64
	reqSem   chan struct{}
}

// New builds an assembler with budgets from the config.
func New(fab *fabric.Fabric, p *params.Config) *Assembler {
	if p == nil {
		p = params.Defaults()
	}
	maxBytes, _ := p.Int(params.MaxInflightBytes)
	maxReqs, _ := p.Int(params.MaxInflightRequests)
	return &Assembler{
		fabric:   fab,
		bytesSem: semaphore.NewWeighted(maxBytes),
		maxBytes: maxBytes,
		reqSem:   make(chan struct{}, maxReqs),
	}
}

type fetchResult struct {
	rc     io.ReadCloser
	weight int64
	err    error
}

// Assemble streams the bundle described by header: the serialized
// header followed by each item's raw bytes in entry order. Reading the
// returned stream drives the work; closing it early aborts every
// in-flight fetch. Attributes resolve on the returned future.
func (a *Assembler) Assemble(ctx context.Context, header *ans104.BundleHeaderInfo) (io.ReadCloser, *AttributesFuture, error) {
	if header == nil || len(header.Items) == 0 {
		return nil, nil, ErrEmptyBundle
	}
	items := header.Items
	headerBytes := ans104.SerializeBundleHeader(items)

	runCtx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	future := &AttributesFuture{counter: async.NewTaskCounter(), timeout: attrWaitTimeout}

	slots := make([]chan fetchResult, len(items))
	acquired := make([]chan struct{}, len(items))
	for i := range items {
		slots[i] = make(chan fetchResult, 1)
		acquired[i] = make(chan struct{})
	}

	// Prefetchers run concurrently but take their budget slots in
	// header order, so a huge early item cannot be starved by later
	// small ones.
	for i, it := range items {
		go func(i int, it ans104.BundleItemInfo) {
			if i > 0 {
				select {
				case <-acquired[i-1]:
				case <-runCtx.Done():
					slots[i] <- fetchResult{err: runCtx.Err()}
					return
				}
			}
			weight := it.Size
			if weight > a.maxBytes {
				weight = a.maxBytes
			}
			if err := a.bytesSem.Acquire(runCtx, weight); err != nil {
				close(acquired[i])
				slots[i] <- fetchResult{err: err}
				return
			}
			select {
			case a.reqSem <- struct{}{}:
			case <-runCtx.Done():
				a.bytesSem.Release(weight)
				close(acquired[i])
				slots[i] <- fetchResult{err: runCtx.Err()}
				return
			}
			close(acquired[i])

			id := ans104.EncodeID(it.ID)
			rc, tier, err := a.fabric.ReadRange(runCtx, id, 0, it.Size-1)
			if err != nil {
				a.release(weight)
				slots[i] <- fetchResult{err: errors.Wrapf(err, "bundle: fetching item %s", id)}
				return
			}
			log.WithFields(logrus.Fields{"id": id, "tier": tier, "size": it.Size}).Debug("bundle item prefetched")
			slots[i] <- fetchResult{rc: rc, weight: weight}
		}(i, it)
	}

	go a.pipe(runCtx, cancel, pw, headerBytes, items, slots, future)

	return &assembleStream{pr: pr, cancel: cancel}, future, nil
}

// pipe is the single writer of the output stream. It emits the header,
// then each item strictly in order, parsing the bytes on the way out to
// collect attributes.
func (a *Assembler) pipe(
	ctx context.Context,
	cancel context.CancelFunc,
	pw *io.PipeWriter,
	headerBytes []byte,
	items []ans104.BundleItemInfo,
	slots []chan fetchResult,
	future *AttributesFuture,
) {
	abort := func(from int, err error) {
		cancel()
		_ = pw.CloseWithError(err)
		// Unwind the remaining prefetches so their budget frees up.
		for j := from; j < len(slots); j++ {
			res := <-slots[j]
			if res.rc != nil {
				_ = res.rc.Close()
				a.release(res.weight)
			}
		}
	}

	if _, err := pw.Write(headerBytes); err != nil {
		abort(0, err)
		return
	}

	for i, it := range items {
		res := <-slots[i]
		if res.err != nil {
			abort(i+1, res.err)
			return
		}

		parser := streaming.NewParser()
		handle := parser.Parse(ctx, io.TeeReader(res.rc, pw), streaming.Options{DeclaredLength: it.Size})
		handle.DiscardPayload()

		offset := it.DataOffset
		size := it.Size
		future.counter.StartTask()
		go func() {
			defer func() {
				if err := future.counter.FinishTask(); err != nil {
					log.WithError(err).Error("attribute collector finished twice")
				}
			}()
			collectAttributes(handle, offset, size, future)
		}()

		// RawSize resolves only after the item fully streamed through.
		if _, err := handle.RawSize(); err != nil {
			_ = res.rc.Close()
			a.release(res.weight)
			abort(i+1, errors.Wrapf(err, "bundle: item %s", ans104.EncodeID(it.ID)))
			return
		}
		_ = res.rc.Close()
		a.release(res.weight)
	}
	cancel()
	_ = pw.Close()
}

func (a *Assembler) release(weight int64) {
	a.bytesSem.Release(weight)
	<-a.reqSem
}

func collectAttributes(handle *streaming.ItemHandle, offset, size int64, future *AttributesFuture) {
	rawID, err := handle.ID()
	if err != nil {
		return
	}
	payloadStart, err := handle.PayloadDataStart()
	if err != nil {
		return
	}
	tags, err := handle.Tags()
	if err != nil {
		return
	}
	contentType := ""
	for _, tag := range tags {
		if tag.Name == "Content-Type" {
			contentType = tag.Value
			break
		}
	}
	future.add(ItemAttributes{
		ID:               ans104.EncodeID(rawID),
		RawSize:          size,
		PayloadDataStart: payloadStart,
		ContentType:      contentType,
		OffsetInBundle:   offset,
	})
}

// assembleStream cancels the whole assembly when the consumer walks
// away early.
type assembleStream struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
}

func (s *assembleStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *assembleStream) Close() error {
	s.cancel()
	return s.pr.Close()
}
