package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PolarWolf314/tresor/internal/secrets"
)

// FileStore is a MemoryStore that writes a JSON snapshot of its contents to
// disk after every mutation. The snapshot is replaced with an atomic rename,
// so a crash leaves either the old or the new state, never a torn file.
type FileStore struct {
	*MemoryStore
	path string
}

// OpenFileStore loads the snapshot at path, or starts empty if none exists.
func OpenFileStore(path string) (*FileStore, error) {
	data := newSnapshot()

	raw, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator's config
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read store %s: %w", path, err)
	default:
		if err := json.Unmarshal(raw, data); err != nil {
			return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
		}
		if data.Version != snapshotVersion {
			return nil, fmt.Errorf("store %s has unsupported version %d", path, data.Version)
		}
		if data.KeyPairs == nil {
			data.KeyPairs = map[string]*secrets.KeyPair{}
		}
		if data.Folders == nil {
			data.Folders = map[string]*Folder{}
		}
		if data.Objects == nil {
			data.Objects = map[string]*Object{}
		}
	}

	fs := &FileStore{MemoryStore: &MemoryStore{data: data}, path: path}
	fs.persist = fs.write
	return fs, nil
}

// Path returns the snapshot location.
func (fs *FileStore) Path() string { return fs.path }

func (fs *FileStore) write(next *snapshot) error {
	raw, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tresor-state-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}
