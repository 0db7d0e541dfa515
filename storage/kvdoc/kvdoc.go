// Package kvdoc is the low-latency document-store tier, backed by
// BoltDB. Only items at or below the small-item document threshold are
// written here; the fabric enforces that policy.
package kvdoc

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/ar-io/uploader/storage"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var databaseFileName = "docs.db"

var docsBucket = []byte("docs")

// Store implements the kv document tier over a BoltDB file.
type Store struct {
	db            *bolt.DB
	databasePath  string
	maxValueBytes int64
}

// Config options for the document store.
type Config struct {
	// MaxValueBytes rejects values above the small-item threshold as a
	// defense in depth behind the fabric's policy check.
	MaxValueBytes int64
}

// DefaultMaxValueBytes is the small-item document threshold (10 KiB).
const DefaultMaxValueBytes = 10 * 1024

// NewStore opens (or creates) the database under dirPath and ensures
// the bucket schema.
func NewStore(dirPath string, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.MaxValueBytes == 0 {
		cfg.MaxValueBytes = DefaultMaxValueBytes
	}
	if err := os.MkdirAll(dirPath, 0700); err != nil {
		return nil, err
	}
	datafile := path.Join(dirPath, databaseFileName)
	boltDB, err := bolt.Open(datafile, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if err == bolt.ErrTimeout {
			return nil, errors.New("cannot obtain database lock, database may be in use by another process")
		}
		return nil, err
	}
	store := &Store{db: boltDB, databasePath: datafile, maxValueBytes: cfg.MaxValueBytes}
	if err := boltDB.Update(func(tx *bolt.Tx) error {
		return createBuckets(tx, docsBucket)
	}); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DatabasePath at which this store writes its file.
func (s *Store) DatabasePath() string {
	return s.databasePath
}

// Get returns the value at key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(docsBucket).Get([]byte(key))
		if v == nil {
			return errors.Wrap(storage.ErrNotFound, key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put writes value under key.
func (s *Store) Put(_ context.Context, key string, value []byte) error {
	if int64(len(value)) > s.maxValueBytes {
		return errors.Wrapf(storage.ErrIntegrityMismatch, "value of %d bytes exceeds document threshold %d", len(value), s.maxValueBytes)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Put([]byte(key), value)
	})
}

// Delete removes key; deleting a missing key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(docsBucket).Delete([]byte(key))
	})
}

// Exists reports key presence.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(docsBucket).Get([]byte(key)) != nil
		return nil
	})
	return found, err
}

// Rename moves the value from oldKey to newKey in one transaction.
// Quarantine uses this to take keys off the live read path.
func (s *Store) Rename(_ context.Context, oldKey, newKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(docsBucket)
		v := b.Get([]byte(oldKey))
		if v == nil {
			return errors.Wrap(storage.ErrNotFound, oldKey)
		}
		if err := b.Put([]byte(newKey), v); err != nil {
			return err
		}
		return b.Delete([]byte(oldKey))
	})
}

func createBuckets(tx *bolt.Tx, buckets ...[]byte) error {
	for _, bucket := range buckets {
		if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
			return err
		}
	}
	return nil
}
