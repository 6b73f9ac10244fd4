// Package storage defines the persistence contract for the knowledge store.
//
// The fact store owns all in-memory state and concurrency control; a Backend
// only has to make batches durable and hand the full history back on start.
// Each Commit is one atomic unit: a fact together with the entities it
// created, a supersede link, an entity merge, or a council session.
package storage

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/pkg/types"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("storage: backend closed")

// Supersede links an old fact to the fact that replaced it.
type Supersede struct {
	Old types.FactID `json:"old"`
	New types.FactID `json:"new"`
}

// Batch is one durable unit of work. Any combination of fields may be set;
// a backend applies all of them or none.
type Batch struct {
	Fact      *types.Fact           `json:"fact,omitempty"`
	Entities  []*types.Entity       `json:"entities,omitempty"` // created or updated
	Supersede *Supersede            `json:"supersede,omitempty"`
	Merge     *types.EntityMerge    `json:"merge,omitempty"`
	Session   *types.CouncilSession `json:"session,omitempty"`
}

// Empty reports whether the batch carries nothing to persist.
func (b *Batch) Empty() bool {
	return b == nil || (b.Fact == nil && len(b.Entities) == 0 && b.Supersede == nil && b.Merge == nil && b.Session == nil)
}

// Snapshot is the complete persisted state, in canonical order: facts by ID,
// entities by ID, merges in commit order, sessions by start time.
type Snapshot struct {
	Facts    []*types.Fact
	Entities []*types.Entity
	Merges   []types.EntityMerge
	Sessions []*types.CouncilSession
}

// Backend persists batches and reloads them.
type Backend interface {
	// Load returns everything committed so far.
	Load(ctx context.Context) (*Snapshot, error)

	// Commit makes b durable before returning. On error nothing in b may
	// become visible to a later Load.
	Commit(ctx context.Context, b *Batch) error

	// Close releases resources. Commit after Close returns ErrClosed.
	Close() error
}

// SortSnapshot puts a snapshot into canonical order in place.
func SortSnapshot(s *Snapshot) {
	sort.Slice(s.Facts, func(i, j int) bool { return s.Facts[i].ID < s.Facts[j].ID })
	sort.Slice(s.Entities, func(i, j int) bool { return s.Entities[i].ID < s.Entities[j].ID })
	sort.SliceStable(s.Sessions, func(i, j int) bool {
		if s.Sessions[i].StartedAt.Equal(s.Sessions[j].StartedAt) {
			return s.Sessions[i].ID < s.Sessions[j].ID
		}
		return s.Sessions[i].StartedAt.Before(s.Sessions[j].StartedAt)
	})
}
