// Package local keeps small JSON documents on disk. Every Save rewrites the
// whole document through a pending file that is fsynced and atomically
// renamed over the previous one, so a crash leaves either the old or the new
// snapshot and never a torn write.
package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

var ErrCorrupt = errors.New("snapshot is corrupt")

type File[T any] struct {
	path string
	// mu orders writers; renameio makes each write atomic, not serialized.
	mu sync.Mutex
}

func New[T any](path string) *File[T] {
	return &File[T]{path: path}
}

func (f *File[T]) Path() string {
	return f.path
}

// Load reads the snapshot. A missing or empty file yields the zero value.
func (f *File[T]) Load() (T, error) {
	const op = "storage.local.Load"

	var v T

	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return v, nil
		}

		return v, fmt.Errorf("%s: %w", op, err)
	}

	if len(data) == 0 {
		return v, nil
	}

	if err := json.Unmarshal(data, &v); err != nil {
		var zero T

		return zero, fmt.Errorf("%s: %w: %v", op, ErrCorrupt, err)
	}

	return v, nil
}

func (f *File[T]) Save(v T) error {
	const op = "storage.local.Save"

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	pending, err := renameio.NewPendingFile(f.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("%s: create pending file: %w", op, err)
	}
	defer pending.Cleanup() //nolint:errcheck

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("%s: write: %w", op, err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("%s: replace: %w", op, err)
	}

	return nil
}

// Quarantine moves an unreadable snapshot aside so the next Save does not
// destroy it. It returns the new location.
func (f *File[T]) Quarantine(now time.Time) (string, error) {
	const op = "storage.local.Quarantine"

	f.mu.Lock()
	defer f.mu.Unlock()

	dst := fmt.Sprintf("%s.corrupt-%s", f.path, now.Format("20060102T150405"))
	if err := os.Rename(f.path, dst); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return dst, nil
}
