package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/internal/storage/storagetest"
	"github.com/scrypster/conclave/pkg/types"
)

// newTestStore opens a file-backed store so reopen sees the same data.
func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(path)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	var path string
	storagetest.Run(t, func(t *testing.T, reopen bool) storage.Backend {
		if !reopen {
			path = filepath.Join(t.TempDir(), "conclave.db")
		}
		return newTestStore(t, path)
	})
}

func TestCommitIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, filepath.Join(t.TempDir(), "atomic.db"))

	require.NoError(t, s.Commit(ctx, &storage.Batch{Fact: &types.Fact{ID: 1, Kind: types.KindObservation, Source: "s", Body: "a"}}))

	// The entity insert succeeds but the duplicate fact ID fails, so the
	// whole batch must roll back.
	err := s.Commit(ctx, &storage.Batch{
		Fact:     &types.Fact{ID: 1, Kind: types.KindObservation, Source: "s", Body: "dup"},
		Entities: []*types.Entity{{ID: "customer:acme", Name: "Acme"}},
	})
	require.Error(t, err)

	snap, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Facts, 1)
	assert.Empty(t, snap.Entities)
}

func TestSupersedeUnknownFact(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "sup.db"))
	err := s.Commit(context.Background(), &storage.Batch{Supersede: &storage.Supersede{Old: 3, New: 4}})
	assert.Error(t, err)
}
