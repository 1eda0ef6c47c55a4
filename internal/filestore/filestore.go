// Package filestore persists attachment bodies content-addressed by
// SHA-256. Identical bytes are stored once; the per-blob reference count
// lives in the persistent store so it survives restarts.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/metrics"
	"github.com/campusarchive/crawler/internal/store"
)

// Store writes blobs under baseDir, sharded by the first two hex digits
// of the digest to keep directory fan-out flat.
type Store struct {
	baseDir string
	refs    store.Store
	logger  *zap.Logger

	// mu serializes writers of the same digest so concurrent stores of
	// identical bytes produce one file and two refcount increments.
	mu sync.Mutex
}

// New creates the base directory and returns the store.
func New(baseDir string, refs store.Store, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{baseDir: baseDir, refs: refs, logger: logger}, nil
}

// Store persists data and returns its content hash. The first store of a
// digest writes the bytes through a temp-file rename; duplicates only
// bump the refcount.
func (s *Store) Store(ctx context.Context, data []byte) (string, error) {
	digest := sha256.Sum256(data)
	hash := hex.EncodeToString(digest[:])
	path := s.path(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		count, err := s.refs.AdjustBlobRef(ctx, hash, int64(len(data)), 1)
		if err != nil {
			return "", fmt.Errorf("bump blob ref %s: %w", hash, err)
		}
		metrics.ObserveBlobStore("dedup")
		s.logger.Debug("blob already stored",
			zap.String("hash", hash), zap.Int64("refcount", count))
		return hash, nil
	}

	if err := s.write(path, data); err != nil {
		return "", err
	}
	if _, err := s.refs.AdjustBlobRef(ctx, hash, int64(len(data)), 1); err != nil {
		return "", fmt.Errorf("record blob ref %s: %w", hash, err)
	}
	metrics.ObserveBlobStore("new")
	return hash, nil
}

// Retrieve reads a blob back by hash.
func (s *Store) Retrieve(_ context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if os.IsNotExist(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Release drops one reference; the blob file is deleted only when the
// count reaches zero.
func (s *Store) Release(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.refs.AdjustBlobRef(ctx, hash, 0, -1)
	if err != nil {
		return fmt.Errorf("drop blob ref %s: %w", hash, err)
	}
	if count > 0 {
		return nil
	}
	if err := os.Remove(s.path(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", hash, err)
	}
	return nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.baseDir, hash[:2], hash[2:])
}

func (s *Store) write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create shard dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".blob-*")
	if err != nil {
		return fmt.Errorf("create temp blob: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish blob: %w", err)
	}
	return nil
}
