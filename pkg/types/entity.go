package types

import (
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// EntityID identifies an entity. Format: <kind>:<slug>, e.g. customer:acme-corp.
type EntityID string

// EntityKind classifies an entity.
type EntityKind string

// Entity kinds
const (
	EntityCustomer EntityKind = "customer"
	EntityProject  EntityKind = "project"
)

// ParseEntityKind converts a case-insensitive kind name. Empty defaults to
// customer, which is what most collaborators mention.
func ParseEntityKind(s string) (EntityKind, error) {
	switch k := EntityKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return EntityCustomer, nil
	case EntityCustomer, EntityProject:
		return k, nil
	}
	return "", errors.Wrapf(ErrValidation, "unknown entity kind %q", s)
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify turns a display name into the slug part of an EntityID.
func Slugify(name string) string {
	s := slugRe.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

// NewEntityID builds the canonical ID for a name of the given kind.
func NewEntityID(kind EntityKind, name string) EntityID {
	return EntityID(string(kind) + ":" + Slugify(name))
}

// Kind returns the kind prefix of the ID.
func (id EntityID) Kind() EntityKind {
	if i := strings.IndexByte(string(id), ':'); i > 0 {
		return EntityKind(id[:i])
	}
	return ""
}

// Entity is a customer or project that facts refer to. Entities are never
// deleted; a merged entity keeps its record with MergedInto set.
type Entity struct {
	ID         EntityID          `json:"id"`
	Kind       EntityKind        `json:"kind"`
	Name       string            `json:"name"`
	Aliases    []string          `json:"aliases,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// Provenance is the fact whose ingestion created the entity. Zero for
	// explicit registrations.
	Provenance FactID   `json:"provenance,omitempty"`
	MergedInto EntityID `json:"merged_into,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Aliases != nil {
		c.Aliases = append([]string(nil), e.Aliases...)
	}
	if e.Attributes != nil {
		c.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// Live reports whether the entity has not been merged away.
func (e *Entity) Live() bool {
	return e.MergedInto == ""
}

// Names returns the canonical name followed by every alias.
func (e *Entity) Names() []string {
	out := make([]string, 0, len(e.Aliases)+1)
	out = append(out, e.Name)
	return append(out, e.Aliases...)
}

// EntityDraft describes an entity to create.
type EntityDraft struct {
	Kind       EntityKind
	Name       string
	Aliases    []string
	Attributes map[string]string
}

// ID is the identifier the draft will receive.
func (d EntityDraft) ID() EntityID {
	kind := d.Kind
	if kind == "" {
		kind = EntityCustomer
	}
	return NewEntityID(kind, d.Name)
}

// Validate checks the draft for structural problems.
func (d EntityDraft) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.Wrap(ErrValidation, "entity name is required")
	}
	if _, err := ParseEntityKind(string(d.Kind)); err != nil {
		return err
	}
	if Slugify(d.Name) == "" {
		return errors.Wrapf(ErrValidation, "entity name %q has no usable characters", d.Name)
	}
	return nil
}

// EntityMerge records that Loser was folded into Survivor.
type EntityMerge struct {
	Loser    EntityID  `json:"loser"`
	Survivor EntityID  `json:"survivor"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Well-known entity attributes. Collaborators may set any other key.
const (
	AttrSentiment     = "sentiment"
	AttrRecentTickets = "recent_tickets"
	AttrLastContact   = "last_contact"
)

// Sentiments recorded under AttrSentiment.
const (
	SentimentNeutral    = "neutral"
	SentimentConcerned  = "concerned"
	SentimentFrustrated = "frustrated"
	SentimentUnhappy    = "unhappy"
)

// SentimentFromTickets grades a customer by its number of recent support
// tickets.
func SentimentFromTickets(n int) string {
	switch {
	case n >= 3:
		return SentimentFrustrated
	case n >= 2:
		return SentimentConcerned
	default:
		return SentimentNeutral
	}
}

// AtRisk reports whether the entity's recorded sentiment calls for
// attention.
func (e *Entity) AtRisk() bool {
	switch strings.ToLower(e.Attributes[AttrSentiment]) {
	case SentimentFrustrated, SentimentUnhappy:
		return true
	}
	return false
}
