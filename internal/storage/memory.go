package storage

import (
	"context"
	"sync"
)

// MemoryBackend keeps everything in a Document and persists nothing. It is
// used for ephemeral stores and in tests.
type MemoryBackend struct {
	mu     sync.Mutex
	doc    *Document
	closed bool

	// FailNext, when non-nil, is returned by the next Commit instead of
	// applying the batch.
	FailNext error
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{doc: NewDocument()}
}

// Load implements Backend.
func (m *MemoryBackend) Load(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Snapshot(), nil
}

// Commit implements Backend.
func (m *MemoryBackend) Commit(ctx context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return m.doc.Apply(b)
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
