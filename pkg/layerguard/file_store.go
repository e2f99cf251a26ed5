package layerguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps the lock in a JSON file. Compare-and-swap holds an exclusive
// advisory lock on a sibling "<path>.lock" file and replaces the record by
// rename, so readers never observe a partial write.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the lock file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read()
}

func (s *FileStore) read() (*Lock, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var lock Lock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, &CorruptLockError{Err: err}
	}
	return &lock, nil
}

func (s *FileStore) CompareAndSwap(ctx context.Context, prev int64, next Lock) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return false, fmt.Errorf("create %s: %w", dir, err)
	}

	guard, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return false, fmt.Errorf("open lock guard: %w", err)
	}
	defer func() { _ = guard.Close() }()
	if err := lockFile(guard); err != nil {
		return false, fmt.Errorf("flock %s: %w", guard.Name(), err)
	}
	defer func() { _ = unlockFile(guard) }()

	var version int64
	cur, err := s.read()
	var corrupt *CorruptLockError
	switch {
	case errors.As(err, &corrupt):
		version = corrupt.Version
	case err != nil:
		return false, err
	case cur != nil:
		version = cur.Version
	}
	if version != prev {
		return false, nil
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return false, err
	}
	if err := writeFileAtomic(s.path, append(data, '\n')); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("replace lock: %w", err)
	}
	return nil
}
