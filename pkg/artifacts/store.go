// Package artifacts implements the content-addressed artifact store backing
// patch blobs and attachments. Objects are keyed by relative path; the store
// verifies that a re-put of an existing path carries identical content.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/engramhq/engram/pkg/errkind"
)

// PutResult describes a stored object.
type PutResult struct {
	URI    string `json:"uri"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// StatResult describes an existing object without reading it fully.
type StatResult struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Store is the contract for content-addressed artifact storage.
//
// Put is idempotent: writing the same bytes to the same path succeeds and
// returns the existing object; writing different bytes to an occupied path
// fails with a storage_collision error.
type Store interface {
	Put(ctx context.Context, relPath string, data []byte) (PutResult, error)
	Exists(ctx context.Context, uri string) (bool, error)
	Read(ctx context.Context, uri string) ([]byte, error)
	Stat(ctx context.Context, uri string) (StatResult, error)
}

// HashBytes returns the lowercase hex SHA-256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileStore is a filesystem-backed Store. URIs are file://<abs path>.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a filesystem store rooted at baseDir.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // 0755 is intentional for the shared artifact directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact dir: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

func (s *FileStore) pathFor(relPath string) (string, error) {
	clean := filepath.Clean(relPath)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("artifact path %q escapes store root", relPath)
	}
	return filepath.Join(s.baseDir, clean), nil
}

func (s *FileStore) uriFor(absPath string) string { return "file://" + absPath }

func (s *FileStore) localPath(uri string) (string, error) {
	p := strings.TrimPrefix(uri, "file://")
	if p == uri {
		return "", fmt.Errorf("not a file uri: %q", uri)
	}
	if !strings.HasPrefix(filepath.Clean(p), s.baseDir) {
		return "", fmt.Errorf("uri %q outside store root", uri)
	}
	return p, nil
}

// Put writes data at relPath with temp-file + rename atomicity.
func (s *FileStore) Put(ctx context.Context, relPath string, data []byte) (PutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.pathFor(relPath)
	if err != nil {
		return PutResult{}, err
	}
	sum := HashBytes(data)
	res := PutResult{URI: s.uriFor(path), SHA256: sum, Size: int64(len(data))}

	if existing, err := os.ReadFile(path); err == nil { //nolint:gosec // path is rooted above
		if HashBytes(existing) == sum {
			return res, nil // idempotent re-put
		}
		return PutResult{}, errkind.New(errkind.StorageCollision,
			fmt.Sprintf("path %s already holds different content", relPath))
	}

	//nolint:gosec // 0755 intentional
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return PutResult{}, fmt.Errorf("failed to ensure artifact subdir: %w", err)
	}

	tmp := path + ".tmp"
	//nolint:gosec // 0644 intentional for readable blobs
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return PutResult{}, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return PutResult{}, fmt.Errorf("failed to commit blob: %w", err)
	}
	return res, nil
}

func (s *FileStore) Exists(ctx context.Context, uri string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.localPath(uri)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", uri, err)
}

func (s *FileStore) Read(ctx context.Context, uri string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, err := s.localPath(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path validated against root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found: %s", uri)
		}
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return data, nil
}

func (s *FileStore) Stat(ctx context.Context, uri string) (StatResult, error) {
	data, err := s.Read(ctx, uri)
	if err != nil {
		return StatResult{}, err
	}
	return StatResult{SHA256: HashBytes(data), Size: int64(len(data))}, nil
}
