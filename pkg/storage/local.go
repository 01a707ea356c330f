package storage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ethpandaops/reportoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Store = (*localStore)(nil)

// localStore keeps objects as plain files under {root}/{bucket}/{key}.
type localStore struct {
	log    logrus.FieldLogger
	root   string
	bucket string
}

// NewLocalStore creates a Store backed by a local directory.
func NewLocalStore(
	log logrus.FieldLogger,
	bucket string,
	cfg *config.LocalStorageConfig,
) Store {
	return &localStore{
		log:    log.WithField("component", "local-store"),
		root:   filepath.Clean(cfg.Root),
		bucket: bucket,
	}
}

// Start creates the bucket directory.
func (s *localStore) Start(_ context.Context) error {
	dir := filepath.Join(s.root, s.bucket)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating bucket directory %s: %w", dir, err)
	}

	return nil
}

func (s *localStore) Bucket() string {
	return s.bucket
}

// Put writes data to the file for key, creating parent directories.
func (s *localStore) Put(
	_ context.Context, key string, data []byte, _ string,
) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("creating directory for %q: %w", key, err)
	}

	if err := os.WriteFile(p, data, 0o644); err != nil { //nolint:gosec // key validated above
		return fmt.Errorf("writing object %q: %w", key, err)
	}

	s.log.WithField("key", key).Debug("Stored object")

	return nil
}

// Get reads the file for key.
func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p) //nolint:gosec // key validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("reading object %q: %w", key, ErrNotFound)
		}

		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

// Delete removes the file for key.
func (s *localStore) Delete(_ context.Context, key string) error {
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting object %q: %w", key, err)
	}

	return nil
}

// objectPath maps key to a file under the bucket directory, rejecting
// keys that would escape it.
func (s *localStore) objectPath(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != key ||
		key == ".." || strings.HasPrefix(key, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}

	return filepath.Join(s.root, s.bucket, filepath.FromSlash(key)), nil
}
