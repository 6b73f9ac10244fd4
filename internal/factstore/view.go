package factstore

import (
	"sort"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// View is an immutable snapshot of the store. It always holds a consistent
// prefix of the fact log: if fact N is present, so is every earlier fact.
//
// Values reachable from a View (facts, entities, sessions) are shared and
// must not be modified.
type View struct {
	facts      []*types.Fact // ascending ID
	entities   map[types.EntityID]*types.Entity
	parent     map[types.EntityID]types.EntityID // merged entity -> survivor
	aliases    map[string]types.EntityID         // textutil.Key(name) -> live entity
	merges     []types.EntityMerge
	sessions   map[string]*types.CouncilSession
	sessionIDs []string // recording order
}

func emptyView() *View {
	return &View{
		entities: make(map[types.EntityID]*types.Entity),
		parent:   make(map[types.EntityID]types.EntityID),
		aliases:  make(map[string]types.EntityID),
		sessions: make(map[string]*types.CouncilSession),
	}
}

// LastID is the highest fact ID in the view, or 0 when empty.
func (v *View) LastID() types.FactID {
	if len(v.facts) == 0 {
		return 0
	}
	return v.facts[len(v.facts)-1].ID
}

// Len returns the number of facts.
func (v *View) Len() int {
	return len(v.facts)
}

// Facts returns every fact in ID order.
func (v *View) Facts() []*types.Fact {
	return v.facts
}

func (v *View) find(id types.FactID) int {
	i := sort.Search(len(v.facts), func(i int) bool { return v.facts[i].ID >= id })
	if i < len(v.facts) && v.facts[i].ID == id {
		return i
	}
	return -1
}

// Get returns the fact with the given ID.
func (v *View) Get(id types.FactID) (*types.Fact, error) {
	if i := v.find(id); i >= 0 {
		return v.facts[i], nil
	}
	return nil, errors.Wrapf(types.ErrNotFound, "fact %d", id)
}

// FindByHash returns the newest fact with the given content hash whose event
// time lies within window of at, or nil.
func (v *View) FindByHash(hash string, at time.Time, window time.Duration) *types.Fact {
	if hash == "" {
		return nil
	}
	for i := len(v.facts) - 1; i >= 0; i-- {
		f := v.facts[i]
		if f.ContentHash != hash {
			continue
		}
		if d := f.EventTime().Sub(at); d < window && d > -window {
			return f
		}
	}
	return nil
}

// ListFilter selects facts. Zero-valued fields match everything; set fields
// are combined with AND.
type ListFilter struct {
	Kind   types.FactKind
	Entity types.EntityID // matched after canonicalization
	Source string
	Theme  string

	// Since and Until bound the fact's event time: Since inclusive, Until
	// exclusive.
	Since time.Time
	Until time.Time

	ExcludeSuperseded bool

	// NewestFirst reverses the default ID order.
	NewestFirst bool

	// Limit caps the result size (0 means unlimited).
	Limit int
}

// Match reports whether f satisfies the filter.
func (v *View) Match(f *types.Fact, filter ListFilter) bool {
	if filter.Kind != "" && f.Kind != filter.Kind {
		return false
	}
	if filter.Source != "" && f.Source != filter.Source {
		return false
	}
	if filter.Theme != "" && !f.HasTag(filter.Theme) {
		return false
	}
	if filter.ExcludeSuperseded && f.SupersededBy != 0 {
		return false
	}
	t := f.EventTime()
	if !filter.Since.IsZero() && t.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && !t.Before(filter.Until) {
		return false
	}
	if filter.Entity != "" {
		want := v.Canonical(filter.Entity)
		found := false
		for _, s := range f.Subjects {
			if v.Canonical(s) == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// List returns the facts matching filter. It never fails; no match yields an
// empty slice.
func (v *View) List(filter ListFilter) []*types.Fact {
	out := []*types.Fact{}
	n := len(v.facts)
	for i := 0; i < n; i++ {
		idx := i
		if filter.NewestFirst {
			idx = n - 1 - i
		}
		f := v.facts[idx]
		if !v.Match(f, filter) {
			continue
		}
		out = append(out, f)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Canonical follows merge pointers to the live entity id. Unknown ids are
// returned unchanged.
func (v *View) Canonical(id types.EntityID) types.EntityID {
	for i := 0; i <= len(v.parent); i++ {
		next, ok := v.parent[id]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

// Entity returns the live entity id resolves to.
func (v *View) Entity(id types.EntityID) (*types.Entity, error) {
	if e, ok := v.entities[v.Canonical(id)]; ok {
		return e, nil
	}
	return nil, errors.Wrapf(types.ErrNotFound, "entity %s", id)
}

// EntityRecord returns the stored record for id without following merges.
func (v *View) EntityRecord(id types.EntityID) (*types.Entity, bool) {
	e, ok := v.entities[id]
	return e, ok
}

// Entities returns live entities sorted by ID.
func (v *View) Entities() []*types.Entity {
	out := make([]*types.Entity, 0, len(v.entities))
	for _, e := range v.entities {
		if e.Live() {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolveName finds the live entity whose ID, name, or alias equals name
// after normalization.
func (v *View) ResolveName(name string) (*types.Entity, error) {
	if e, ok := v.entities[types.EntityID(name)]; ok {
		return v.Entity(e.ID)
	}
	if id, ok := v.aliases[textutil.Key(name)]; ok {
		return v.Entity(id)
	}
	return nil, errors.Wrapf(types.ErrNotFound, "no entity named %q", name)
}

// Merges returns recorded merges in commit order.
func (v *View) Merges() []types.EntityMerge {
	return v.merges
}

// Session returns a recorded council session.
func (v *View) Session(id string) (*types.CouncilSession, error) {
	if s, ok := v.sessions[id]; ok {
		return s, nil
	}
	return nil, errors.Wrapf(types.ErrNotFound, "session %s", id)
}

// Sessions returns up to limit sessions, most recently recorded first.
func (v *View) Sessions(limit int) []*types.CouncilSession {
	out := []*types.CouncilSession{}
	for i := len(v.sessionIDs) - 1; i >= 0; i-- {
		out = append(out, v.sessions[v.sessionIDs[i]])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Stats summarizes a view.
type Stats struct {
	Facts      int          `json:"facts"`
	LastID     types.FactID `json:"last_id"`
	Superseded int          `json:"superseded"`
	Entities   int          `json:"entities"`
	Merged     int          `json:"merged"`
	Sessions   int          `json:"sessions"`
}

// Stats counts the view's contents.
func (v *View) Stats() Stats {
	st := Stats{Facts: len(v.facts), LastID: v.LastID(), Merged: len(v.parent), Sessions: len(v.sessions)}
	for _, f := range v.facts {
		if f.SupersededBy != 0 {
			st.Superseded++
		}
	}
	st.Entities = len(v.entities) - len(v.parent)
	return st
}

// clone makes a shallow copy whose maps can be modified without affecting v.
// Facts and session ids are copied only by slice header; the writer appends
// past every published length, so readers never observe the new element.
func (v *View) clone() *View {
	c := &View{
		facts:      v.facts,
		entities:   make(map[types.EntityID]*types.Entity, len(v.entities)),
		parent:     make(map[types.EntityID]types.EntityID, len(v.parent)),
		aliases:    make(map[string]types.EntityID, len(v.aliases)),
		merges:     v.merges,
		sessions:   v.sessions,
		sessionIDs: v.sessionIDs,
	}
	for k, e := range v.entities {
		c.entities[k] = e
	}
	for k, p := range v.parent {
		c.parent[k] = p
	}
	for k, a := range v.aliases {
		c.aliases[k] = a
	}
	return c
}

// withFact returns a view with f appended. Entity maps are shared.
func (v *View) withFact(f *types.Fact) *View {
	c := *v
	c.facts = append(v.facts, f)
	return &c
}

// indexEntity points every name of a live entity at it.
func (v *View) indexEntity(e *types.Entity) {
	for _, n := range e.Names() {
		if k := textutil.Key(n); k != "" {
			v.aliases[k] = e.ID
		}
	}
}

// aliasOwner returns the live entity that already claims one of names,
// ignoring self.
func (v *View) aliasOwner(self types.EntityID, names []string) (types.EntityID, string, bool) {
	for _, n := range names {
		if owner, ok := v.aliases[textutil.Key(n)]; ok && owner != self {
			return owner, n, true
		}
	}
	return "", "", false
}

// compress points every merged entity straight at its live survivor.
func (v *View) compress() {
	for id := range v.parent {
		v.parent[id] = v.Canonical(id)
	}
}

// withSupersede returns a view in which old carries the forward link to
// next. The fact slice is copied so earlier views keep the unlinked fact.
func (v *View) withSupersede(old, next types.FactID) (*View, *types.Fact) {
	i := v.find(old)
	c := *v
	c.facts = make([]*types.Fact, len(v.facts))
	copy(c.facts, v.facts)
	f := v.facts[i].Clone()
	f.SupersededBy = next
	c.facts[i] = f
	return &c, f
}

// snapshot converts the view into persistence order.
func (v *View) snapshot() *storage.Snapshot {
	snap := &storage.Snapshot{
		Facts:    append([]*types.Fact(nil), v.facts...),
		Entities: make([]*types.Entity, 0, len(v.entities)),
		Merges:   append([]types.EntityMerge(nil), v.merges...),
		Sessions: make([]*types.CouncilSession, 0, len(v.sessions)),
	}
	for _, e := range v.entities {
		snap.Entities = append(snap.Entities, e)
	}
	for _, id := range v.sessionIDs {
		snap.Sessions = append(snap.Sessions, v.sessions[id])
	}
	storage.SortSnapshot(snap)
	return snap
}
