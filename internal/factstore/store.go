// Package factstore is the durable, concurrency-safe repository of facts,
// entities, entity merges, and council sessions.
//
// Writers serialize on a single-slot semaphore held only for ID assignment,
// the durable backend commit, and publication of a new View. Readers load the
// current View through an atomic pointer and never block. A View is published
// only after the backend has confirmed the commit, so anything a reader can
// see survives a crash.
package factstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

var (
	// ErrAppendTimeout is returned when the write lock could not be acquired
	// within Config.AppendTimeout.
	ErrAppendTimeout = errors.New("factstore: timed out waiting for the write lock")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("factstore: store is closed")
)

// DefaultAppendTimeout bounds how long a writer waits for the write lock.
const DefaultAppendTimeout = 5 * time.Second

// Config holds store options.
type Config struct {
	AppendTimeout time.Duration
	Logger        *zap.Logger

	// Clock returns the ingestion time (default: time.Now).
	Clock func() time.Time
}

// EventType identifies a store change.
type EventType string

// Event types
const (
	EventFactAppended    EventType = "fact.appended"
	EventFactSuperseded  EventType = "fact.superseded"
	EventEntityCreated   EventType = "entity.created"
	EventEntityUpdated   EventType = "entity.updated"
	EventEntitiesMerged  EventType = "entity.merged"
	EventSessionRecorded EventType = "session.recorded"
)

// Event describes one committed change. Only the fields relevant to Type are
// set. Events are delivered synchronously, in commit order, after the change
// is visible through View.
type Event struct {
	Type    EventType
	Fact    *types.Fact // appended fact, or the superseded fact with its new link
	New     types.FactID
	Entity  *types.Entity
	Merge   *types.EntityMerge
	Session *types.CouncilSession
}

// Store is the fact store.
type Store struct {
	backend storage.Backend
	cfg     Config
	log     *zap.Logger
	sem     *semaphore.Weighted
	view    atomic.Pointer[View]
	closed  atomic.Bool

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

// Open loads everything the backend holds and returns a ready store.
func Open(ctx context.Context, backend storage.Backend, cfg Config) (*Store, error) {
	if backend == nil {
		return nil, errors.New("factstore: backend is required")
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	snap, err := backend.Load(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "factstore: load")
	}
	v, err := buildView(snap)
	if err != nil {
		return nil, err
	}

	s := &Store{
		backend: backend,
		cfg:     cfg,
		log:     cfg.Logger.Named("factstore"),
		sem:     semaphore.NewWeighted(1),
		subs:    make(map[int]func(Event)),
	}
	s.view.Store(v)
	s.log.Info("fact store opened",
		zap.Int("facts", v.Len()),
		zap.Uint64("last_id", uint64(v.LastID())),
		zap.Int("entities", len(v.entities)),
		zap.Int("sessions", len(v.sessions)))
	return s, nil
}

func buildView(snap *storage.Snapshot) (*View, error) {
	v := emptyView()
	var last types.FactID
	for _, f := range snap.Facts {
		if f.ID <= last {
			return nil, errors.Newf("factstore: fact %d is out of order after %d", f.ID, last)
		}
		last = f.ID
		v.facts = append(v.facts, f)
	}
	for _, e := range snap.Entities {
		v.entities[e.ID] = e
		if !e.Live() {
			v.parent[e.ID] = e.MergedInto
		}
	}
	v.compress()
	for _, e := range snap.Entities {
		if e.Live() {
			v.indexEntity(e)
		}
	}
	v.merges = append(v.merges, snap.Merges...)
	for _, sess := range snap.Sessions {
		v.sessions[sess.ID] = sess
		v.sessionIDs = append(v.sessionIDs, sess.ID)
	}
	return v, nil
}

// View returns the current consistent snapshot.
func (s *Store) View() *View {
	return s.view.Load()
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. fn runs while the write lock is held and must not call
// back into the store's write methods.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(events []Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	if len(s.subs) == 0 {
		return
	}
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, ev := range events {
		for _, id := range ids {
			s.subs[id](ev)
		}
	}
}

// change is the outcome of a write: the view to publish, the batch that makes
// it durable, and the events to announce.
type change struct {
	next   *View
	batch  *storage.Batch
	events []Event
}

// write runs build under the write lock, commits its batch, and publishes
// the resulting view. Nothing becomes visible if the commit fails.
func (s *Store) write(ctx context.Context, build func(v *View, now time.Time) (*change, error)) error {
	if s.closed.Load() {
		return ErrClosed
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.AppendTimeout)
	defer cancel()
	if err := s.sem.Acquire(lctx, 1); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "factstore: waiting for the write lock")
		}
		return ErrAppendTimeout
	}
	defer s.sem.Release(1)
	if s.closed.Load() {
		return ErrClosed
	}

	v := s.view.Load()
	now := s.cfg.Clock().UTC()
	if n := len(v.facts); n > 0 && now.Before(v.facts[n-1].Timestamp) {
		now = v.facts[n-1].Timestamp
	}

	ch, err := build(v, now)
	if err != nil {
		return err
	}
	if ch.batch.Empty() {
		return nil
	}
	if err := s.backend.Commit(ctx, ch.batch); err != nil {
		return errors.Wrap(err, "factstore: commit")
	}
	s.view.Store(ch.next)
	s.emit(ch.events)
	return nil
}

// Append validates d, assigns it the next ID, and makes it durable.
func (s *Store) Append(ctx context.Context, d *types.FactDraft) (types.FactID, error) {
	f, _, err := s.AppendFact(ctx, d)
	if err != nil {
		return 0, err
	}
	return f.ID, nil
}

// AppendFact is Append returning the stored fact and any entities created
// from d.NewSubjects.
func (s *Store) AppendFact(ctx context.Context, d *types.FactDraft) (*types.Fact, []*types.Entity, error) {
	if err := d.Validate(); err != nil {
		return nil, nil, err
	}
	kind, _ := types.ParseFactKind(string(d.Kind))

	var (
		fact    *types.Fact
		created []*types.Entity
	)
	err := s.write(ctx, func(v *View, now time.Time) (*change, error) {
		id := v.LastID() + 1
		next := v
		if len(d.NewSubjects) > 0 {
			next = v.clone()
		}

		var subjects []types.EntityID
		seen := make(map[types.EntityID]bool)
		addSubject := func(eid types.EntityID) {
			if !seen[eid] {
				seen[eid] = true
				subjects = append(subjects, eid)
			}
		}
		for _, sid := range d.Subjects {
			e, err := v.Entity(sid)
			if err != nil {
				return nil, errors.Wrapf(types.ErrValidation, "subject %s does not resolve to an entity", sid)
			}
			addSubject(e.ID)
		}

		for _, nd := range d.NewSubjects {
			names := append([]string{nd.Name}, nd.Aliases...)
			if owner, _, ok := next.aliasOwner("", names); ok {
				addSubject(owner)
				continue
			}
			eid := nd.ID()
			if _, ok := next.entities[eid]; ok {
				addSubject(next.Canonical(eid))
				continue
			}
			e := newEntity(nd, id, now)
			next.entities[e.ID] = e
			next.indexEntity(e)
			created = append(created, e)
			addSubject(e.ID)
		}

		var sup *storage.Supersede
		if d.Supersedes != 0 {
			old, err := v.Get(d.Supersedes)
			if err != nil {
				return nil, errors.Wrapf(types.ErrValidation, "supersedes unknown fact %d", d.Supersedes)
			}
			if old.SupersededBy != 0 {
				return nil, errors.Wrapf(types.ErrValidation, "fact %d is already superseded by %d", old.ID, old.SupersededBy)
			}
			sup = &storage.Supersede{Old: old.ID, New: id}
		}

		occurred := d.OccurredAt.UTC()
		if d.OccurredAt.IsZero() {
			occurred = now
		}
		fact = &types.Fact{
			ID:          id,
			Kind:        kind,
			Timestamp:   now,
			OccurredAt:  occurred,
			Source:      strings.TrimSpace(d.Source),
			Subjects:    subjects,
			Body:        strings.TrimSpace(d.Body),
			Tags:        types.NormalizeTags(d.Tags),
			Severity:    d.Severity,
			Rationale:   d.Rationale,
			Supersedes:  d.Supersedes,
			ContentHash: d.ContentHash,
			SessionID:   d.SessionID,
		}

		next = next.withFact(fact)
		events := make([]Event, 0, len(created)+2)
		for _, e := range created {
			events = append(events, Event{Type: EventEntityCreated, Entity: e})
		}
		events = append(events, Event{Type: EventFactAppended, Fact: fact})
		if sup != nil {
			var linked *types.Fact
			next, linked = next.withSupersede(sup.Old, sup.New)
			events = append(events, Event{Type: EventFactSuperseded, Fact: linked, New: sup.New})
		}

		return &change{
			next:   next,
			batch:  &storage.Batch{Fact: fact, Entities: created, Supersede: sup},
			events: events,
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.log.Debug("fact appended",
		zap.Uint64("fact_id", uint64(fact.ID)),
		zap.String("kind", string(fact.Kind)),
		zap.String("source", fact.Source),
		zap.Int("entities_created", len(created)))
	return fact, created, nil
}

// Get returns a fact by ID.
func (s *Store) Get(id types.FactID) (*types.Fact, error) {
	return s.View().Get(id)
}

// List returns the facts matching filter from the current view.
func (s *Store) List(filter ListFilter) []*types.Fact {
	return s.View().List(filter)
}

// MarkSuperseded links old to its replacement. The replacement must exist and
// be newer, and a fact can be superseded only once. Repeating an identical
// link is a no-op.
func (s *Store) MarkSuperseded(ctx context.Context, old, replacement types.FactID) error {
	noop := false
	err := s.write(ctx, func(v *View, now time.Time) (*change, error) {
		of, err := v.Get(old)
		if err != nil {
			return nil, err
		}
		if _, err := v.Get(replacement); err != nil {
			return nil, err
		}
		if replacement <= old {
			return nil, errors.Wrapf(types.ErrValidation, "fact %d cannot supersede older or equal fact %d", replacement, old)
		}
		if of.SupersededBy == replacement {
			noop = true
			return &change{next: v}, nil
		}
		if of.SupersededBy != 0 {
			return nil, errors.Wrapf(types.ErrValidation, "fact %d is already superseded by %d", old, of.SupersededBy)
		}
		next, linked := v.withSupersede(old, replacement)
		return &change{
			next:   next,
			batch:  &storage.Batch{Supersede: &storage.Supersede{Old: old, New: replacement}},
			events: []Event{{Type: EventFactSuperseded, Fact: linked, New: replacement}},
		}, nil
	})
	if err == nil && !noop {
		s.log.Debug("fact superseded", zap.Uint64("fact_id", uint64(old)), zap.Uint64("superseded_by", uint64(replacement)))
	}
	return err
}

// Entity returns the live entity id resolves to.
func (s *Store) Entity(id types.EntityID) (*types.Entity, error) {
	return s.View().Entity(id)
}

// Entities returns all live entities.
func (s *Store) Entities() []*types.Entity {
	return s.View().Entities()
}

// ResolveEntity finds a live entity by ID, name, or alias.
func (s *Store) ResolveEntity(name string) (*types.Entity, error) {
	return s.View().ResolveName(name)
}

// Canonical follows merges to the live entity ID.
func (s *Store) Canonical(id types.EntityID) types.EntityID {
	return s.View().Canonical(id)
}

func newEntity(d types.EntityDraft, provenance types.FactID, now time.Time) *types.Entity {
	kind, _ := types.ParseEntityKind(string(d.Kind))
	name := textutil.CollapseSpace(d.Name)
	e := &types.Entity{
		ID:         types.NewEntityID(kind, name),
		Kind:       kind,
		Name:       name,
		Aliases:    cleanAliases(name, d.Aliases),
		Provenance: provenance,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(d.Attributes) > 0 {
		e.Attributes = make(map[string]string, len(d.Attributes))
		for k, val := range d.Attributes {
			e.Attributes[k] = val
		}
	}
	return e
}

// cleanAliases drops blanks, the canonical name, and duplicates that differ
// only in case or punctuation.
func cleanAliases(name string, aliases []string) []string {
	seen := map[string]bool{textutil.Key(name): true}
	var out []string
	for _, a := range aliases {
		a = textutil.CollapseSpace(a)
		k := textutil.Key(a)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// RegisterEntity creates an entity explicitly. Its ID, name, and aliases must
// not already belong to another entity.
func (s *Store) RegisterEntity(ctx context.Context, d types.EntityDraft) (*types.Entity, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var created *types.Entity
	err := s.write(ctx, func(v *View, now time.Time) (*change, error) {
		e := newEntity(d, 0, now)
		if existing, ok := v.entities[e.ID]; ok {
			if !existing.Live() {
				return nil, errors.Wrapf(types.ErrValidation, "entity %s was merged into %s", e.ID, v.Canonical(e.ID))
			}
			return nil, errors.Wrapf(types.ErrValidation, "entity %s already exists", e.ID)
		}
		if owner, name, ok := v.aliasOwner("", e.Names()); ok {
			return nil, errors.Wrapf(types.ErrValidation, "name %q already belongs to %s", name, owner)
		}
		next := v.clone()
		next.entities[e.ID] = e
		next.indexEntity(e)
		created = e
		return &change{
			next:   next,
			batch:  &storage.Batch{Entities: []*types.Entity{e}},
			events: []Event{{Type: EventEntityCreated, Entity: e}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("entity registered", zap.String("entity_id", string(created.ID)))
	return created, nil
}

// updateEntity applies fn to a copy of the live entity id resolves to.
func (s *Store) updateEntity(ctx context.Context, id types.EntityID, fn func(v *View, e *types.Entity, now time.Time) error) (*types.Entity, error) {
	var updated *types.Entity
	err := s.write(ctx, func(v *View, now time.Time) (*change, error) {
		cur, err := v.Entity(id)
		if err != nil {
			return nil, err
		}
		e := cur.Clone()
		if err := fn(v, e, now); err != nil {
			return nil, err
		}
		e.UpdatedAt = now
		next := v.clone()
		next.entities[e.ID] = e
		next.indexEntity(e)
		updated = e
		return &change{
			next:   next,
			batch:  &storage.Batch{Entities: []*types.Entity{e}},
			events: []Event{{Type: EventEntityUpdated, Entity: e}},
		}, nil
	})
	return updated, err
}

// EntityUpdate changes an existing entity. Aliases are added; Attributes
// are merged, and an empty value removes a key.
type EntityUpdate struct {
	Aliases    []string          `json:"aliases,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// UpdateEntity applies u to the live entity id resolves to and stamps its
// last_contact date. An alias that already belongs to a different live
// entity is rejected. A recent_tickets count without an explicit sentiment
// sets the sentiment from the count.
func (s *Store) UpdateEntity(ctx context.Context, id types.EntityID, u EntityUpdate) (*types.Entity, error) {
	if len(u.Aliases) == 0 && len(u.Attributes) == 0 {
		return nil, errors.Wrap(types.ErrValidation, "entity update is empty")
	}
	attrs := make(map[string]string, len(u.Attributes)+1)
	for k, val := range u.Attributes {
		if k = strings.TrimSpace(k); k == "" {
			return nil, errors.Wrap(types.ErrValidation, "attribute name is required")
		}
		attrs[k] = strings.TrimSpace(val)
	}
	if raw, ok := attrs[types.AttrRecentTickets]; ok && raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, errors.Wrapf(types.ErrValidation, "%s must be a non-negative integer, got %q", types.AttrRecentTickets, raw)
		}
		if _, set := attrs[types.AttrSentiment]; !set {
			attrs[types.AttrSentiment] = types.SentimentFromTickets(n)
		}
	}

	updated, err := s.updateEntity(ctx, id, func(v *View, e *types.Entity, now time.Time) error {
		if owner, name, ok := v.aliasOwner(e.ID, u.Aliases); ok {
			return errors.Wrapf(types.ErrValidation, "alias %q already belongs to %s", name, owner)
		}
		e.Aliases = cleanAliases(e.Name, append(e.Aliases, u.Aliases...))
		if e.Attributes == nil {
			e.Attributes = make(map[string]string, len(attrs)+1)
		}
		for k, val := range attrs {
			if val == "" {
				delete(e.Attributes, k)
				continue
			}
			e.Attributes[k] = val
		}
		e.Attributes[types.AttrLastContact] = now.Format(time.DateOnly)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("entity updated",
		zap.String("entity_id", string(updated.ID)),
		zap.Int("aliases", len(u.Aliases)),
		zap.Int("attributes", len(attrs)))
	return updated, nil
}

// MergeEntities folds loser into survivor. The loser keeps its record with
// MergedInto set; its ID, name, and aliases become aliases of the survivor,
// and survivor attributes win over the loser's. Both arguments are resolved
// to their live entities first.
func (s *Store) MergeEntities(ctx context.Context, loser, survivor types.EntityID, reason string) (*types.Entity, error) {
	var merged *types.Entity
	err := s.write(ctx, func(v *View, now time.Time) (*change, error) {
		lcur, err := v.Entity(loser)
		if err != nil {
			return nil, err
		}
		scur, err := v.Entity(survivor)
		if err != nil {
			return nil, err
		}
		if lcur.ID == scur.ID {
			return nil, errors.Wrapf(types.ErrValidation, "%s and %s are already the same entity", loser, survivor)
		}

		sv := scur.Clone()
		sv.Aliases = cleanAliases(sv.Name, append(append(sv.Aliases, lcur.Name, string(lcur.ID)), lcur.Aliases...))
		for k, val := range lcur.Attributes {
			if _, ok := sv.Attributes[k]; !ok {
				if sv.Attributes == nil {
					sv.Attributes = make(map[string]string)
				}
				sv.Attributes[k] = val
			}
		}
		sv.UpdatedAt = now

		lv := lcur.Clone()
		lv.MergedInto = sv.ID
		lv.UpdatedAt = now

		m := types.EntityMerge{Loser: lv.ID, Survivor: sv.ID, Reason: reason, At: now}

		next := v.clone()
		next.entities[sv.ID] = sv
		next.entities[lv.ID] = lv
		next.parent[lv.ID] = sv.ID
		next.compress()
		for k, owner := range next.aliases {
			if owner == lv.ID {
				next.aliases[k] = sv.ID
			}
		}
		next.indexEntity(sv)
		next.merges = append(next.merges, m)
		merged = sv
		return &change{
			next:   next,
			batch:  &storage.Batch{Entities: []*types.Entity{sv, lv}, Merge: &m},
			events: []Event{{Type: EventEntitiesMerged, Entity: sv, Merge: &m}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("entities merged", zap.String("loser", string(loser)), zap.String("survivor", string(merged.ID)))
	return merged, nil
}

// RecordSession appends a finished council session to the session log.
// Sessions are immutable: recording the same ID twice is rejected.
func (s *Store) RecordSession(ctx context.Context, sess *types.CouncilSession) error {
	if sess == nil || sess.ID == "" {
		return errors.Wrap(types.ErrValidation, "session id is required")
	}
	if !sess.State.Terminal() {
		return errors.Wrapf(types.ErrValidation, "session %s is still %s", sess.ID, sess.State)
	}
	rec := sess.Clone()
	return s.write(ctx, func(v *View, now time.Time) (*change, error) {
		if _, ok := v.sessions[rec.ID]; ok {
			return nil, errors.Wrapf(types.ErrValidation, "session %s already recorded", rec.ID)
		}
		next := *v
		next.sessions = make(map[string]*types.CouncilSession, len(v.sessions)+1)
		for k, val := range v.sessions {
			next.sessions[k] = val
		}
		next.sessions[rec.ID] = rec
		next.sessionIDs = append(v.sessionIDs, rec.ID)
		return &change{
			next:   &next,
			batch:  &storage.Batch{Session: rec},
			events: []Event{{Type: EventSessionRecorded, Session: rec}},
		}, nil
	})
}

// Session returns a recorded session.
func (s *Store) Session(id string) (*types.CouncilSession, error) {
	return s.View().Session(id)
}

// Sessions returns up to limit recorded sessions, newest first.
func (s *Store) Sessions(limit int) []*types.CouncilSession {
	return s.View().Sessions(limit)
}

// Export returns the current state in the persistence layout.
func (s *Store) Export() *storage.Document {
	return storage.DocumentFromSnapshot(s.View().snapshot())
}

// Stats counts the current view.
func (s *Store) Stats() Stats {
	return s.View().Stats()
}

// Close waits for an in-flight write, then closes the backend.
func (s *Store) Close() error {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}
