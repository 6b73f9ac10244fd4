package types

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// FactID identifies a fact. IDs are assigned by the store, start at 1, are
// strictly increasing in write order, and are never reused.
type FactID uint64

// FactKind classifies a fact.
type FactKind string

// Fact kinds
const (
	// KindObservation is a general note about a customer, project, or theme.
	KindObservation FactKind = "observation"

	// KindIncident is a reported problem. An incident stays open until a
	// later fact supersedes it.
	KindIncident FactKind = "incident"

	// KindDecision records a choice, optionally produced by a council session.
	KindDecision FactKind = "decision"
)

// ValidFactKinds lists every accepted fact kind.
var ValidFactKinds = []FactKind{KindObservation, KindIncident, KindDecision}

// ParseFactKind converts a case-insensitive kind name into a FactKind.
func ParseFactKind(s string) (FactKind, error) {
	k := FactKind(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range ValidFactKinds {
		if k == v {
			return k, nil
		}
	}
	return "", errors.Wrapf(ErrValidation, "unknown fact kind %q", s)
}

// Severity grades an incident.
type Severity string

// Incident severities
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity converts a case-insensitive severity name. An empty string
// yields an empty severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case "", SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return sev, nil
	}
	return "", errors.Wrapf(ErrValidation, "unknown severity %q", s)
}

// Fact is a single immutable record in the knowledge log.
//
// Only SupersededBy changes after creation, and it is set at most once. The
// store publishes a fresh copy carrying the link, so a *Fact handed to a
// reader never mutates.
type Fact struct {
	ID         FactID     `json:"id"`
	Kind       FactKind   `json:"kind"`
	Timestamp  time.Time  `json:"timestamp"`             // ingestion time, non-decreasing in ID order
	OccurredAt time.Time  `json:"occurred_at,omitempty"` // collaborator-supplied event time
	Source     string     `json:"source"`
	Subjects   []EntityID `json:"subjects,omitempty"`
	Body       string     `json:"body"`
	Tags       []string   `json:"tags,omitempty"`

	Severity  Severity `json:"severity,omitempty"`  // incidents only
	Rationale string   `json:"rationale,omitempty"` // decisions only

	Supersedes   FactID `json:"supersedes,omitempty"`
	SupersededBy FactID `json:"superseded_by,omitempty"`

	ContentHash string `json:"content_hash,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// Clone returns a deep copy of f.
func (f *Fact) Clone() *Fact {
	if f == nil {
		return nil
	}
	c := *f
	if f.Subjects != nil {
		c.Subjects = append([]EntityID(nil), f.Subjects...)
	}
	if f.Tags != nil {
		c.Tags = append([]string(nil), f.Tags...)
	}
	return &c
}

// HasSubject reports whether id is one of the fact's subjects.
func (f *Fact) HasSubject(id EntityID) bool {
	for _, s := range f.Subjects {
		if s == id {
			return true
		}
	}
	return false
}

// HasTag reports whether the fact carries theme t.
func (f *Fact) HasTag(t string) bool {
	for _, tag := range f.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// EventTime is OccurredAt when set, otherwise Timestamp.
func (f *Fact) EventTime() time.Time {
	if f.OccurredAt.IsZero() {
		return f.Timestamp
	}
	return f.OccurredAt
}

// FactDraft is what a caller hands to the store. The store assigns ID and
// Timestamp; everything else is copied verbatim after validation.
type FactDraft struct {
	Kind       FactKind
	OccurredAt time.Time
	Source     string
	Subjects   []EntityID
	Body       string
	Tags       []string
	Severity   Severity
	Rationale  string
	Supersedes FactID

	ContentHash string
	SessionID   string

	// NewSubjects are entities created atomically with the fact. A draft whose
	// name or alias already belongs to a live entity resolves to that entity.
	NewSubjects []EntityDraft
}

// Validate checks the draft for structural problems. Subject resolution is
// the store's job.
func (d *FactDraft) Validate() error {
	if d == nil {
		return errors.Wrap(ErrValidation, "fact draft is required")
	}
	if _, err := ParseFactKind(string(d.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(d.Source) == "" {
		return errors.Wrap(ErrValidation, "source is required")
	}
	if strings.TrimSpace(d.Body) == "" {
		return errors.Wrap(ErrValidation, "body is required")
	}
	if _, err := ParseSeverity(string(d.Severity)); err != nil {
		return err
	}
	if d.Severity != "" && d.Kind != KindIncident {
		return errors.Wrapf(ErrValidation, "severity is only valid on incidents, got kind %q", d.Kind)
	}
	if d.Rationale != "" && d.Kind != KindDecision {
		return errors.Wrapf(ErrValidation, "rationale is only valid on decisions, got kind %q", d.Kind)
	}
	for _, nd := range d.NewSubjects {
		if err := nd.Validate(); err != nil {
			return err
		}
	}
	return nil
}
