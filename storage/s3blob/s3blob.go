// Package s3blob is the object-storage tier of last resort. Raw
// data-item bytes live under raw-data-item/{id}; quarantine copies the
// object under quarantine/raw-data-item/{id} and deletes the original.
package s3blob

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ar-io/uploader/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "s3blob")

// api is the slice of the S3 client the tier uses; tests substitute a
// fake. The embedded upload-manager interface covers PutObject and the
// multipart calls the manager makes for large streams.
type api interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store is the S3-backed blob tier.
type Store struct {
	client   api
	uploader *manager.Uploader
	bucket   string
}

// Config for the blob tier.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for S3-compatible stores
}

// New loads AWS configuration from the environment and wires the
// streaming upload manager.
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, "s3blob: loading aws config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client api, bucket string) *Store {
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}
}

// Put streams r into the object at key. Size is advisory; the upload
// manager parts the stream as needed.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	log.WithFields(logrus.Fields{"key": key, "size": size}).Debug("object stored")
	return nil
}

// Get opens a ranged read; end is inclusive, end < 0 reads to the end
// of the object.
func (s *Store) Get(ctx context.Context, key string, start, end int64) (io.ReadCloser, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if start > 0 || end >= 0 {
		in.Range = aws.String(rangeHeader(start, end))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrap(storage.ErrNotFound, key)
		}
		return nil, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return out.Body, nil
}

// Head returns the object's byte size.
func (s *Store) Head(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, errors.Wrap(storage.ErrNotFound, key)
		}
		return 0, errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Delete removes the object.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return nil
}

// Move copies the object to newKey and deletes the original. Used by
// quarantine; the quarantined copy has no expiry.
func (s *Store) Move(ctx context.Context, oldKey, newKey string) error {
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(s.bucket + "/" + oldKey),
		Key:        aws.String(newKey),
	})
	if err != nil {
		if isNotFound(err) {
			return errors.Wrap(storage.ErrNotFound, oldKey)
		}
		return errors.Wrap(storage.ErrUnavailable, err.Error())
	}
	return s.Delete(ctx, oldKey)
}

func rangeHeader(start, end int64) string {
	if end < 0 {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, end)
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "NotFound") || strings.Contains(msg, "404")
}
