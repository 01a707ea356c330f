package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store provides access to report artifacts held in a bucket of an object
// store (S3-compatible or the local filesystem).
type Store interface {
	// Start verifies the backend is reachable and, when configured,
	// creates the bucket.
	Start(ctx context.Context) error

	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the object stored under key. Returns ErrNotFound when the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Bucket returns the bucket objects are stored in.
	Bucket() string
}

// Presigner is implemented by backends that can hand out time-limited
// direct download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// New creates the Store for whichever backend is enabled in cfg.
func New(log logrus.FieldLogger, cfg *config.StorageConfig) (Store, error) {
	switch {
	case cfg.S3 != nil && cfg.S3.Enabled:
		return NewS3Store(log, cfg.Bucket, cfg.S3), nil
	case cfg.Local != nil && cfg.Local.Enabled:
		return NewLocalStore(log, cfg.Bucket, cfg.Local), nil
	default:
		return nil, fmt.Errorf("no storage backend configured")
	}
}
