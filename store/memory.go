package store

import (
	"context"
	"sync"
)

// MemoryBackend keeps the state in process memory. Transactions mutate a
// clone and swap it in on success, so a failing mutator leaves the committed
// state untouched.
type MemoryBackend struct {
	mu    sync.Mutex
	state *State
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{state: NewState()}
}

func (b *MemoryBackend) View(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return fn(b.state)
}

func (b *MemoryBackend) Tx(ctx context.Context, fn func(*State) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.state.Clone()
	if err != nil {
		return err
	}
	if err := fn(next); err != nil {
		return err
	}
	b.state = next
	return nil
}

// Shared is false: the state is process-local.
func (b *MemoryBackend) Shared() bool { return false }

func (b *MemoryBackend) Close() error { return nil }
