// Package index maintains the derived views over the fact store (theme index,
// per-entity windows, open incidents, and token postings) and serves the
// query engine on top of them.
//
// The index is a cache. It is updated incrementally from store events and can
// always be rebuilt by replaying the store from empty; both paths must produce
// an identical State. Any sign of divergence (an event gap, an entity merge, a
// failed Verify) is handled by a full rebuild, never by an incremental repair.
package index

import (
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// DefaultEntityWindow is the number of recent facts kept per entity.
const DefaultEntityWindow = 20

// Source is the read side of the fact store.
type Source interface {
	View() *factstore.View
}

// Config holds index options.
type Config struct {
	EntityWindow int

	// MatchThreshold is the minimum similarity for fuzzy entity lookup in
	// Context (default: factstore.DefaultMatchThreshold).
	MatchThreshold float64

	Logger *zap.Logger
}

// State is the complete derived state. Two indexes over the same facts have
// equal States regardless of how they were built.
type State struct {
	LastID types.FactID

	// Themes maps a tag to its facts in ID order.
	Themes map[string][]types.FactID

	// Windows maps a canonical entity to its most recent facts, newest first,
	// at most EntityWindow long.
	Windows map[types.EntityID][]types.FactID

	// OpenIncidents maps a canonical entity to its unsuperseded incidents in
	// ID order.
	OpenIncidents map[types.EntityID][]types.FactID

	// Postings maps a token to the facts containing it and its count there.
	Postings map[string]map[types.FactID]int

	// Superseded maps a fact to its replacement.
	Superseded map[types.FactID]types.FactID
}

func newState() *State {
	return &State{
		Themes:        make(map[string][]types.FactID),
		Windows:       make(map[types.EntityID][]types.FactID),
		OpenIncidents: make(map[types.EntityID][]types.FactID),
		Postings:      make(map[string]map[types.FactID]int),
		Superseded:    make(map[types.FactID]types.FactID),
	}
}

// stateOpts treats nil and empty collections alike.
var stateOpts = cmp.Options{cmpopts.EquateEmpty()}

// Same reports whether two states hold the same derived data.
func (s *State) Same(o *State) bool {
	return cmp.Equal(s, o, stateOpts)
}

// Diff describes how two states differ, for logs and test failures.
func (s *State) Diff(o *State) string {
	return cmp.Diff(s, o, stateOpts)
}

// Index is the indexer and query engine.
type Index struct {
	src Source
	cfg Config
	log *zap.Logger

	mu       sync.RWMutex
	st       *State
	rebuilds int
}

// New builds an index over src. Callers feed subsequent changes through
// Apply, usually by subscribing it to the store.
func New(src Source, cfg Config) *Index {
	if cfg.EntityWindow <= 0 {
		cfg.EntityWindow = DefaultEntityWindow
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = factstore.DefaultMatchThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ix := &Index{src: src, cfg: cfg, log: cfg.Logger.Named("index")}
	ix.st = ix.build(src.View())
	return ix
}

// build replays every fact in v into a fresh state.
func (ix *Index) build(v *factstore.View) *State {
	st := newState()
	for _, f := range v.Facts() {
		ix.addFact(st, v, f)
	}
	for _, f := range v.Facts() {
		if f.SupersededBy != 0 {
			ix.supersede(st, v, f.ID, f.SupersededBy)
		}
	}
	return st
}

func (ix *Index) addFact(st *State, v *factstore.View, f *types.Fact) {
	st.LastID = f.ID
	for _, tag := range f.Tags {
		st.Themes[tag] = append(st.Themes[tag], f.ID)
	}
	for _, sid := range f.Subjects {
		eid := v.Canonical(sid)
		w := append([]types.FactID{f.ID}, st.Windows[eid]...)
		if len(w) > ix.cfg.EntityWindow {
			w = w[:ix.cfg.EntityWindow]
		}
		st.Windows[eid] = w
		if f.Kind == types.KindIncident {
			st.OpenIncidents[eid] = append(st.OpenIncidents[eid], f.ID)
		}
	}
	for _, tok := range textutil.Tokenize(f.Body) {
		p := st.Postings[tok]
		if p == nil {
			p = make(map[types.FactID]int)
			st.Postings[tok] = p
		}
		p[f.ID]++
	}
}

func (ix *Index) supersede(st *State, v *factstore.View, old, replacement types.FactID) {
	st.Superseded[old] = replacement
	f, err := v.Get(old)
	if err != nil || f.Kind != types.KindIncident {
		return
	}
	for _, sid := range f.Subjects {
		eid := v.Canonical(sid)
		ids := st.OpenIncidents[eid]
		out := ids[:0:0]
		for _, id := range ids {
			if id != old {
				out = append(out, id)
			}
		}
		if len(out) == 0 {
			delete(st.OpenIncidents, eid)
		} else {
			st.OpenIncidents[eid] = out
		}
	}
}

// Apply folds one store event into the index. It is safe to register
// directly with factstore.Store.Subscribe.
func (ix *Index) Apply(ev factstore.Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v := ix.src.View()

	switch ev.Type {
	case factstore.EventFactAppended:
		switch {
		case ev.Fact.ID <= ix.st.LastID:
			// Already indexed (e.g. by a rebuild that raced this event).
		case ev.Fact.ID != ix.st.LastID+1:
			ix.log.Warn("fact event gap, rebuilding",
				zap.Uint64("expected", uint64(ix.st.LastID+1)),
				zap.Uint64("fact_id", uint64(ev.Fact.ID)))
			ix.rebuildLocked(v)
		default:
			ix.addFact(ix.st, v, ev.Fact)
		}
	case factstore.EventFactSuperseded:
		if ev.Fact.ID > ix.st.LastID {
			ix.rebuildLocked(v)
			return
		}
		ix.supersede(ix.st, v, ev.Fact.ID, ev.New)
	case factstore.EventEntitiesMerged:
		// Windows and incidents are keyed by canonical entity; re-key them.
		ix.rebuildLocked(v)
	}
}

func (ix *Index) rebuildLocked(v *factstore.View) {
	ix.st = ix.build(v)
	ix.rebuilds++
}

// Rebuild discards the incremental state and replays the store.
func (ix *Index) Rebuild() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.rebuildLocked(ix.src.View())
	ix.log.Info("index rebuilt", zap.Uint64("last_id", uint64(ix.st.LastID)))
}

// Verify compares the incremental state with a fresh replay of the same view
// and switches to the replay if they differ. It reports whether a rebuild
// happened.
func (ix *Index) Verify() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	v := ix.src.View()
	if v.LastID() != ix.st.LastID {
		// The store moved past us; an event is in flight or was lost.
		ix.rebuildLocked(v)
		return true
	}
	fresh := ix.build(v)
	if fresh.Same(ix.st) {
		return false
	}
	ix.log.Warn("index diverged from store, rebuilding", zap.String("diff", ix.st.Diff(fresh)))
	ix.st = fresh
	ix.rebuilds++
	return true
}

// Rebuilds counts full rebuilds since New.
func (ix *Index) Rebuilds() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.rebuilds
}

// State returns a deep copy of the derived state.
func (ix *Index) State() *State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.st.copy()
}

func (s *State) copy() *State {
	c := newState()
	c.LastID = s.LastID
	for k, ids := range s.Themes {
		c.Themes[k] = append([]types.FactID(nil), ids...)
	}
	for k, ids := range s.Windows {
		c.Windows[k] = append([]types.FactID(nil), ids...)
	}
	for k, ids := range s.OpenIncidents {
		c.OpenIncidents[k] = append([]types.FactID(nil), ids...)
	}
	for tok, p := range s.Postings {
		cp := make(map[types.FactID]int, len(p))
		for id, n := range p {
			cp[id] = n
		}
		c.Postings[tok] = cp
	}
	for k, val := range s.Superseded {
		c.Superseded[k] = val
	}
	return c
}
