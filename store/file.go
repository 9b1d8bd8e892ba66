package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	lockTimeout = 5 * time.Second
	lockRetry   = 10 * time.Millisecond
)

// FileBackend persists the state as one JSON file guarded by a lock file.
// Every transaction re-reads the file before mutating, so a sibling process
// writing between transactions is picked up rather than clobbered; the
// write itself goes through a uniquely named temp file renamed over the
// target. An in-process mutex additionally serializes same-process writers.
type FileBackend struct {
	path     string
	lockPath string
	mu       sync.Mutex
}

// NewFileBackend opens (creating if needed) a file-backed store.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	b := &FileBackend{path: path, lockPath: path + ".lock"}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := b.write(NewState()); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *FileBackend) View(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, err := b.load()
	if err != nil {
		return err
	}
	return fn(st)
}

func (b *FileBackend) Tx(ctx context.Context, fn func(*State) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	release, err := b.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer release()

	// Reload under the lock: a sibling process may have written since our
	// last read.
	st, err := b.load()
	if err != nil {
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return b.write(st)
}

// Shared is false: the lock file serializes writers but in-memory
// subsystems (webhook event logs) remain per-process, so multiple workers
// would silently diverge.
func (b *FileBackend) Shared() bool { return false }

func (b *FileBackend) Close() error { return nil }

func (b *FileBackend) load() (*State, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store file: %w", err)
	}
	return decodeState(raw)
}

func (b *FileBackend) write(st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	tmp := fmt.Sprintf("%s.%d.%d.tmp", b.path, os.Getpid(), time.Now().UnixNano())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing temp state: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}

// acquireLock spin-creates the lock file with O_EXCL, retrying until the
// timeout elapses.
func (b *FileBackend) acquireLock(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(b.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return func() {
				f.Close()
				os.Remove(b.lockPath)
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("acquiring store lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("store lock timeout (%s)", b.lockPath)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetry):
		}
	}
}
