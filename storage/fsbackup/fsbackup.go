// Package fsbackup is the durable local-filesystem tier. Writes land in
// a partial file and are atomically renamed into place on commit;
// quarantine renames files into a parallel quarantine/ subtree.
//
// Layout under the root:
//
//	raw/{id}         raw data-item bytes
//	meta/{id}        metadata tuple (JSON)
//	offsets/{id}     nested-offsets tuple (JSON)
//	quarantine/...   quarantined counterparts
package fsbackup

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/ar-io/uploader/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "fsbackup")

// Subdirectories of the store root.
const (
	rawDir     = "raw"
	metaDir    = "meta"
	offsetsDir = "offsets"
)

// Store is the filesystem tier rooted at a known directory.
type Store struct {
	root string
}

// New creates the directory layout under root.
func New(root string) (*Store, error) {
	for _, sub := range []string{
		rawDir, metaDir, offsetsDir,
		filepath.Join(storage.QuarantinePrefix, rawDir),
		filepath.Join(storage.QuarantinePrefix, metaDir),
		filepath.Join(storage.QuarantinePrefix, offsetsDir),
	} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0700); err != nil {
			return nil, errors.Wrap(err, "fsbackup: creating store layout")
		}
	}
	return &Store{root: root}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) rawPath(id string) string     { return filepath.Join(s.root, rawDir, id) }
func (s *Store) metaPath(id string) string    { return filepath.Join(s.root, metaDir, id) }
func (s *Store) offsetsPath(id string) string { return filepath.Join(s.root, offsetsDir, id) }

// WriteRaw streams r into a partial file. The returned commit function
// renames it into place; abort removes it. Nothing is visible to
// readers until commit.
func (s *Store) WriteRaw(ctx context.Context, id string, r io.Reader) (commit func() error, abort func(), err error) {
	final := s.rawPath(id)
	partial := final + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return nil, nil, errors.Wrap(err, "fsbackup: creating partial file")
	}
	if _, err := copyWithContext(ctx, f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return nil, nil, errors.Wrap(err, "fsbackup: writing partial file")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return nil, nil, errors.Wrap(err, "fsbackup: syncing partial file")
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return nil, nil, err
	}
	commit = func() error {
		return errors.Wrap(os.Rename(partial, final), "fsbackup: committing raw file")
	}
	abort = func() {
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("id", id).Warn("could not remove aborted partial file")
		}
	}
	return commit, abort, nil
}

// PutRaw writes and commits raw bytes in one step.
func (s *Store) PutRaw(ctx context.Context, id string, r io.Reader) error {
	commit, _, err := s.WriteRaw(ctx, id, r)
	if err != nil {
		return err
	}
	return commit()
}

// ReadRaw opens a ranged reader over the raw bytes; end is inclusive,
// end < 0 reads to EOF.
func (s *Store) ReadRaw(_ context.Context, id string, start, end int64) (io.ReadCloser, error) {
	f, err := os.Open(s.rawPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(storage.ErrNotFound, id)
		}
		return nil, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, errors.Wrap(storage.ErrUnavailable, err.Error())
		}
	}
	if end < 0 {
		return f, nil
	}
	return &limitedFile{f: f, r: io.LimitReader(f, end-start+1)}, nil
}

// RawSize stats the committed raw file.
func (s *Store) RawSize(_ context.Context, id string) (int64, error) {
	fi, err := os.Stat(s.rawPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.Wrap(storage.ErrNotFound, id)
		}
		return 0, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return fi.Size(), nil
}

// HasRaw reports whether the raw file is committed.
func (s *Store) HasRaw(_ context.Context, id string) bool {
	_, err := os.Stat(s.rawPath(id))
	return err == nil
}

// PutMetadata persists the metadata tuple.
func (s *Store) PutMetadata(_ context.Context, id string, md storage.Metadata) error {
	return s.putJSON(s.metaPath(id), md)
}

// GetMetadata loads the metadata tuple.
func (s *Store) GetMetadata(_ context.Context, id string) (storage.Metadata, error) {
	var md storage.Metadata
	err := s.getJSON(s.metaPath(id), &md)
	return md, err
}

// PutOffsets persists a nested-offsets tuple.
func (s *Store) PutOffsets(_ context.Context, id string, off storage.NestedOffsets) error {
	return s.putJSON(s.offsetsPath(id), off)
}

// GetOffsets loads a nested-offsets tuple.
func (s *Store) GetOffsets(_ context.Context, id string) (storage.NestedOffsets, error) {
	var off storage.NestedOffsets
	err := s.getJSON(s.offsetsPath(id), &off)
	return off, err
}

// DeleteRaw removes the committed raw file.
func (s *Store) DeleteRaw(_ context.Context, id string) error {
	if err := os.Remove(s.rawPath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return nil
}

// Quarantine moves every present file for id under the quarantine
// subtree. Failure on one file does not stop the others.
func (s *Store) Quarantine(_ context.Context, id string) error {
	var firstErr error
	for _, sub := range []string{rawDir, metaDir, offsetsDir} {
		src := filepath.Join(s.root, sub, id)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		dst := filepath.Join(s.root, storage.QuarantinePrefix, sub, id)
		if err := os.Rename(src, dst); err != nil {
			log.WithError(err).WithFields(logrus.Fields{"id": id, "kind": sub}).Warn("could not quarantine file")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// IsQuarantined reports whether the raw bytes were moved aside.
func (s *Store) IsQuarantined(_ context.Context, id string) bool {
	_, err := os.Stat(filepath.Join(s.root, storage.QuarantinePrefix, rawDir, id))
	return err == nil
}

func (s *Store) putJSON(path string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "fsbackup: encoding record")
	}
	partial := path + ".partial"
	if err := os.WriteFile(partial, b, 0600); err != nil {
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return errors.Wrap(os.Rename(partial, path), "fsbackup: committing record")
}

func (s *Store) getJSON(path string, v interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(storage.ErrNotFound, path)
		}
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return errors.Wrap(json.Unmarshal(b, v), "fsbackup: decoding record")
}

type limitedFile struct {
	f *os.File
	r io.Reader
}

func (lf *limitedFile) Read(p []byte) (int, error) { return lf.r.Read(p) }
func (lf *limitedFile) Close() error               { return lf.f.Close() }

// copyWithContext copies r into w, checking for cancellation between
// chunks.
func copyWithContext(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
