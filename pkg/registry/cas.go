package registry

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/domaindetermine/governance/pkg/canonical"
)

// BlobStore is content-addressed payload storage. Hashes are lowercase
// hex SHA-256 of the payload bytes; blobs are immutable once written.
type BlobStore interface {
	// Put persists data and returns its content hash. Writing the same
	// bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks whether a blob with the given hash is stored.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob. Missing blobs are not an error.
	Delete(ctx context.Context, hash string) error
}

func validateHash(hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("invalid content hash %q: want 64 hex chars", hash)
	}
	if _, err := hex.DecodeString(hash); err != nil {
		return "", fmt.Errorf("invalid content hash hex: %w", err)
	}
	return hash, nil
}

// FileBlobStore is the filesystem BlobStore: one file per blob at
// payloads/<sha256> under the base directory.
type FileBlobStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileBlobStore creates a CAS store rooted at baseDir.
func NewFileBlobStore(baseDir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure payload dir: %w", err)
	}
	return &FileBlobStore{baseDir: baseDir}, nil
}

func (s *FileBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonical.HashBytes(data)
	path := filepath.Join(s.baseDir, hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write to temp, then rename, so readers never see a torn blob.
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit payload: %w", err)
	}
	return hash, nil
}

func (s *FileBlobStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, err := validateHash(hash)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.baseDir, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload not found: %s", hash)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return io.ReadAll(f)
}

func (s *FileBlobStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hash, err := validateHash(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(filepath.Join(s.baseDir, hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *FileBlobStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, err := validateHash(hash)
	if err != nil {
		return err
	}

	err = os.Remove(filepath.Join(s.baseDir, hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}
