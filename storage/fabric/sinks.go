package fabric

import (
	"bytes"
	"context"
	"encoding/json"
	"io"

	"github.com/ar-io/uploader/config/params"
	"github.com/ar-io/uploader/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var errStreamAborted = errors.New("fabric: stream aborted")

// SinkSet is one item's fan-out write. Bytes stream into the durable
// tiers while they arrive; the byte-cache tiers buffer and only commit
// once the item proves small enough and valid. Call exactly one of
// Commit or Discard after the final Write.
type SinkSet struct {
	f  *Fabric
	id string

	buf       bytes.Buffer
	buffering bool
	size      int64

	fsEnabled bool
	fsWriter  *io.PipeWriter
	fsRes     chan fsResult

	blobEnabled bool
	blobWriter  *io.PipeWriter
	blobErr     chan error

	closed bool
}

type fsResult struct {
	commit func() error
	abort  func()
	err    error
}

// NewSinks opens the fan-out write for one item id. The durable tiers
// are opened per their sampling rates; the blob upload runs
// speculatively and is quarantined on Discard.
func (f *Fabric) NewSinks(ctx context.Context, id string) *SinkSet {
	s := &SinkSet{f: f, id: id, buffering: true}

	if f.sampledFor(params.FSBackupSamplingRate) {
		pr, pw := io.Pipe()
		s.fsEnabled = true
		s.fsWriter = pw
		s.fsRes = make(chan fsResult, 1)
		go func() {
			commit, abort, err := f.fs.WriteRaw(ctx, id, pr)
			if err != nil {
				// Unblock the writer side.
				_ = pr.CloseWithError(err)
			}
			s.fsRes <- fsResult{commit: commit, abort: abort, err: err}
		}()
	}
	if f.sampledFor(params.BlobStoreSamplingRate) {
		pr, pw := io.Pipe()
		s.blobEnabled = true
		s.blobWriter = pw
		s.blobErr = make(chan error, 1)
		go func() {
			err := f.blob.Put(ctx, storage.BlobKey(id), pr, -1)
			if err != nil {
				_ = pr.CloseWithError(err)
			}
			s.blobErr <- err
		}()
	}
	return s
}

// Write fans p out to the open sinks. Backpressure is shared: a slow
// tier slows the whole stream.
func (s *SinkSet) Write(p []byte) (int, error) {
	if s.buffering {
		if s.size+int64(len(p)) <= s.f.smallItemBytes {
			s.buf.Write(p)
		} else {
			s.buffering = false
			s.buf.Reset()
		}
	}
	if s.fsWriter != nil {
		if _, err := s.fsWriter.Write(p); err != nil {
			log.WithError(err).WithField("id", s.id).Warn("filesystem sink failed mid-stream")
			s.fsWriter = nil
		}
	}
	if s.blobWriter != nil {
		if _, err := s.blobWriter.Write(p); err != nil {
			log.WithError(err).WithField("id", s.id).Warn("blob sink failed mid-stream")
			s.blobWriter = nil
		}
	}
	if s.fsWriter == nil && s.blobWriter == nil && !s.buffering {
		return 0, errors.Wrap(storage.ErrUnavailable, "no sink can absorb the stream")
	}
	s.size += int64(len(p))
	return len(p), nil
}

// Size is the byte count written so far.
func (s *SinkSet) Size() int64 {
	return s.size
}

func (s *SinkSet) closeWriters(err error) {
	if s.closed {
		return
	}
	s.closed = true
	if s.fsWriter != nil {
		if err != nil {
			_ = s.fsWriter.CloseWithError(err)
		} else {
			_ = s.fsWriter.Close()
		}
	}
	if s.blobWriter != nil {
		if err != nil {
			_ = s.blobWriter.CloseWithError(err)
		} else {
			_ = s.blobWriter.Close()
		}
	}
}

// CloseInput signals normal end of the byte stream. The verdict on the
// item may still be pending; call Commit or Discard once it lands.
// Commit and Discard close the input themselves if this was not called.
func (s *SinkSet) CloseInput() {
	s.closeWriters(nil)
}

// Commit finalizes the write for a verified item: the durable tiers are
// committed, the byte caches take small items, and the metadata tuple
// lands beside the bytes. At least one durable tier must commit or the
// whole write fails with ErrNoDurableStore.
func (s *SinkSet) Commit(ctx context.Context, md storage.Metadata) ([]string, error) {
	s.closeWriters(nil)
	var committed []string

	if s.fsEnabled {
		res := <-s.fsRes
		if res.err != nil {
			log.WithError(res.err).WithField("id", s.id).Warn("filesystem tier did not absorb the item")
		} else if err := res.commit(); err != nil {
			log.WithError(err).WithField("id", s.id).Warn("filesystem commit failed")
		} else {
			committed = append(committed, TierFSBackup)
			tierCommits.WithLabelValues(TierFSBackup).Inc()
		}
	}
	if s.blobEnabled {
		if err := <-s.blobErr; err != nil {
			log.WithError(err).WithField("id", s.id).Warn("blob tier did not absorb the item")
		} else {
			committed = append(committed, TierBlobStore)
			tierCommits.WithLabelValues(TierBlobStore).Inc()
		}
	}

	remoteHasMetadata := false
	small := s.buffering && s.size <= s.f.smallItemBytes
	if small {
		raw := s.buf.Bytes()
		if s.f.sampledFor(params.MemCacheSamplingRate) {
			s.f.mem.Set(storage.RawKey(s.id), raw)
			committed = append(committed, TierMemLRU)
			tierCommits.WithLabelValues(TierMemLRU).Inc()
		}
		if s.f.remote != nil && s.f.sampledFor(params.RemoteCacheSamplingRate) {
			// The raw bytes and the metadata tuple land in one
			// transaction so a reader never sees one without the other.
			mdBytes, merr := json.Marshal(md)
			if merr != nil {
				return committed, errors.Wrap(merr, "fabric: encoding metadata")
			}
			err := s.f.remoteGuard.do(ctx, func(ctx context.Context) error {
				results := s.f.remote.Transaction(ctx, []storage.Op{
					{Key: storage.RawKey(s.id), Value: raw, TTL: s.f.remoteTTLSecs},
					{Key: storage.MetadataKey(s.id), Value: mdBytes, TTL: s.f.remoteTTLSecs},
				})
				for _, res := range results {
					if res.Err != nil {
						return errors.Wrap(res.Err, res.Key)
					}
				}
				return nil
			})
			if err != nil {
				log.WithError(err).WithField("id", s.id).Warn("remote cache write failed")
			} else {
				committed = append(committed, TierRemoteCache)
				tierCommits.WithLabelValues(TierRemoteCache).Inc()
				remoteHasMetadata = true
			}
		}
		if s.f.kv != nil && s.size <= s.f.smallDocBytes && s.f.sampledFor(params.KVDocSamplingRate) {
			err := s.f.kvGuard.do(ctx, func(ctx context.Context) error {
				return s.f.kv.Put(ctx, storage.RawKey(s.id), raw)
			})
			if err != nil {
				log.WithError(err).WithField("id", s.id).Warn("kv doc write failed")
			} else {
				committed = append(committed, TierKVDoc)
				tierCommits.WithLabelValues(TierKVDoc).Inc()
			}
		}
	}

	durable := false
	for _, tier := range committed {
		if tier == TierFSBackup || tier == TierBlobStore || tier == TierKVDoc {
			durable = true
			break
		}
	}
	if !durable {
		return committed, errors.Wrap(storage.ErrNoDurableStore, s.id)
	}

	if err := s.f.putMetadata(ctx, s.id, md, !remoteHasMetadata); err != nil {
		log.WithError(err).WithField("id", s.id).Warn("metadata write failed")
	}
	log.WithFields(logrus.Fields{"id": s.id, "size": s.size, "tiers": committed}).Debug("item committed")
	return committed, nil
}

// Discard unwinds the write for an item that failed verification or
// whose stream broke. Partial files are removed and any speculative
// blob copy is moved to quarantine.
func (s *SinkSet) Discard(ctx context.Context) {
	s.closeWriters(errStreamAborted)
	if s.fsEnabled {
		res := <-s.fsRes
		if res.err == nil {
			res.abort()
		}
	}
	if s.blobEnabled {
		if err := <-s.blobErr; err == nil {
			// The upload completed before the verdict came in.
			if err := s.f.blob.Move(ctx, storage.BlobKey(s.id), storage.BlobQuarantineKey(s.id)); err != nil &&
				!errors.Is(err, storage.ErrNotFound) {
				log.WithError(err).WithField("id", s.id).Warn("could not quarantine speculative blob")
			}
		}
	}
	// Small items never reached the remote cache, so the buffered copy
	// is parked directly under the quarantine key for inspection. It
	// ages out with the quarantine TTL.
	if s.buffering && s.buf.Len() > 0 && s.f.remote != nil && s.f.sampledFor(params.RemoteCacheSamplingRate) {
		raw := append([]byte(nil), s.buf.Bytes()...)
		err := s.f.remoteGuard.do(ctx, func(ctx context.Context) error {
			return s.f.remote.Set(ctx, storage.QuarantineKey(storage.RawKey(s.id)), raw, s.f.quarantineSecs)
		})
		if err != nil {
			log.WithError(err).WithField("id", s.id).Warn("could not park quarantined copy in remote cache")
		}
	}
	s.buf.Reset()
}
