package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const refPrefix = "blake2b:"

var ErrNotFound = errors.New("blob not found")

// Store keeps recording bytes addressed by their BLAKE2b-256 digest.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// Ref returns the storage reference of data.
func Ref(data []byte) string {
	sum := blake2b.Sum256(data)
	return refPrefix + hex.EncodeToString(sum[:])
}

func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok || len(digest) != 2*blake2b.Size256 {
		return "", fmt.Errorf("malformed blob reference %q", ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("malformed blob reference %q: %w", ref, err)
	}
	return digest, nil
}

type fsStore struct {
	root string
}

func NewFS(root string) (Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &fsStore{root: root}, nil
}

func (s *fsStore) path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}

// Put writes data through a temp file and a rename. A blob that already
// exists is left untouched.
func (s *fsStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref := Ref(data)
	digest, _ := parseRef(ref)
	dst := s.path(digest)

	if _, err := os.Stat(dst); err == nil {
		return ref, nil
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating blob directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, digest+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating blob temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing blob temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("syncing blob temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing blob temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("persisting blob: %w", err)
	}
	return ref, nil
}

func (s *fsStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("opening blob: %w", err)
	}
	return f, nil
}

type memoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemory returns a Store that never touches disk.
func NewMemory() Store {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func (s *memoryStore) Put(_ context.Context, data []byte) (string, error) {
	ref := Ref(data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		s.blobs[ref] = bytes.Clone(data)
	}
	return ref, nil
}

func (s *memoryStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// ReadAll loads the whole blob behind ref.
func ReadAll(ctx context.Context, s Store, ref string) ([]byte, error) {
	rc, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
