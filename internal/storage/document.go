package storage

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/pkg/types"
)

// DocumentVersion is the layout version written by this build. Readers accept
// any version and ignore fields they do not know, so an older binary can read
// a document written by a newer one.
const DocumentVersion = 1

// Document is the human-inspectable persistence layout:
//
//	{
//	  "version": 1,
//	  "journal_seq": 42,
//	  "facts":    {"1": {...}, "2": {...}},
//	  "entities": {"customer:acme-corp": {...}},
//	  "merges":   [{...}],
//	  "sessions": {"<uuid>": {...}}
//	}
//
// It is the on-disk format of the jsonfile backend and the format of backup
// snapshots.
type Document struct {
	Version    int                              `json:"version"`
	JournalSeq uint64                           `json:"journal_seq,omitempty"`
	Facts      map[string]*types.Fact           `json:"facts"`
	Entities   map[types.EntityID]*types.Entity `json:"entities"`
	Merges     []types.EntityMerge              `json:"merges"`
	Sessions   map[string]*types.CouncilSession `json:"sessions"`
}

// NewDocument returns an empty document at the current version.
func NewDocument() *Document {
	return &Document{
		Version:  DocumentVersion,
		Facts:    make(map[string]*types.Fact),
		Entities: make(map[types.EntityID]*types.Entity),
		Merges:   []types.EntityMerge{},
		Sessions: make(map[string]*types.CouncilSession),
	}
}

func factKey(id types.FactID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// HasFact reports whether the document holds fact id.
func (d *Document) HasFact(id types.FactID) bool {
	_, ok := d.Facts[factKey(id)]
	return ok
}

// Apply folds a committed batch into the document.
func (d *Document) Apply(b *Batch) error {
	if b.Fact != nil {
		d.Facts[factKey(b.Fact.ID)] = b.Fact.Clone()
	}
	for _, e := range b.Entities {
		d.Entities[e.ID] = e.Clone()
	}
	if b.Supersede != nil {
		old, ok := d.Facts[factKey(b.Supersede.Old)]
		if !ok {
			return errors.Newf("storage: supersede of unknown fact %d", b.Supersede.Old)
		}
		old.SupersededBy = b.Supersede.New
	}
	if b.Merge != nil {
		d.Merges = append(d.Merges, *b.Merge)
	}
	if b.Session != nil {
		d.Sessions[b.Session.ID] = b.Session.Clone()
	}
	return nil
}

// Snapshot converts the document into canonical order.
func (d *Document) Snapshot() *Snapshot {
	s := &Snapshot{
		Facts:    make([]*types.Fact, 0, len(d.Facts)),
		Entities: make([]*types.Entity, 0, len(d.Entities)),
		Merges:   append([]types.EntityMerge(nil), d.Merges...),
		Sessions: make([]*types.CouncilSession, 0, len(d.Sessions)),
	}
	for _, f := range d.Facts {
		s.Facts = append(s.Facts, f.Clone())
	}
	for _, e := range d.Entities {
		s.Entities = append(s.Entities, e.Clone())
	}
	for _, sess := range d.Sessions {
		s.Sessions = append(s.Sessions, sess.Clone())
	}
	SortSnapshot(s)
	return s
}

// DocumentFromSnapshot builds a document holding the snapshot's records.
func DocumentFromSnapshot(s *Snapshot) *Document {
	d := NewDocument()
	for _, f := range s.Facts {
		d.Facts[factKey(f.ID)] = f.Clone()
	}
	for _, e := range s.Entities {
		d.Entities[e.ID] = e.Clone()
	}
	d.Merges = append(d.Merges, s.Merges...)
	for _, sess := range s.Sessions {
		d.Sessions[sess.ID] = sess.Clone()
	}
	return d
}

// Encode writes the document as indented JSON.
func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d)
}

// DecodeDocument reads a document. Missing maps are initialized so callers
// can Apply to the result directly.
func DecodeDocument(r io.Reader) (*Document, error) {
	d := NewDocument()
	if err := json.NewDecoder(r).Decode(d); err != nil {
		return nil, errors.Wrap(err, "storage: decode document")
	}
	if d.Facts == nil {
		d.Facts = make(map[string]*types.Fact)
	}
	if d.Entities == nil {
		d.Entities = make(map[types.EntityID]*types.Entity)
	}
	if d.Sessions == nil {
		d.Sessions = make(map[string]*types.CouncilSession)
	}
	if d.Merges == nil {
		d.Merges = []types.EntityMerge{}
	}
	return d, nil
}
