// Package gateway is the single path by which external collaborators add
// facts. It normalizes a raw submission, coalesces duplicates, resolves
// subject entities, and only then hands a complete draft to the fact store.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// DefaultMaxBodyLength bounds a fact body, in runes.
const DefaultMaxBodyLength = 4000

// minMentionLength is the shortest entity name detected inside a body.
const minMentionLength = 3

// Store is the part of the fact store the gateway writes through.
type Store interface {
	View() *factstore.View
	AppendFact(ctx context.Context, d *types.FactDraft) (*types.Fact, []*types.Entity, error)
}

// Submission is a raw payload from a collaborator.
type Submission struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
	Body   string `json:"body"`

	// SubjectHint names the entities the fact is about, comma separated.
	SubjectHint string `json:"subject_hint,omitempty"`

	// EntityKind is the kind given to entities created from SubjectHint
	// (default customer).
	EntityKind string `json:"entity_kind,omitempty"`

	// Timestamp is when the event happened (default: now).
	Timestamp time.Time `json:"timestamp,omitempty"`

	Tags       []string     `json:"tags,omitempty"`
	Severity   string       `json:"severity,omitempty"`
	Rationale  string       `json:"rationale,omitempty"`
	Supersedes types.FactID `json:"supersedes,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
}

// Result is the outcome of Submit. When Deduplicated is set nothing was
// written and ExistingID names the fact the submission coalesced into (0 if
// that fact is still being written).
type Result struct {
	FactID       types.FactID     `json:"fact_id,omitempty"`
	Deduplicated bool             `json:"deduplicated"`
	ExistingID   types.FactID     `json:"existing_id,omitempty"`
	Subjects     []types.EntityID `json:"subjects,omitempty"`
	Tags         []string         `json:"tags,omitempty"`
	Created      []*types.Entity  `json:"created_entities,omitempty"`
}

// Config holds gateway options.
type Config struct {
	DedupWindow    time.Duration
	MatchThreshold float64
	MaxBodyLength  int

	// ThemePatterns maps a theme to a regular expression matched against
	// the body (default: DefaultThemePatterns). Set DisableThemes to skip
	// detection.
	ThemePatterns map[string]string
	DisableThemes bool

	// DetectMentions tags a fact with every known entity whose name or alias
	// appears in the body when no SubjectHint is given.
	DetectMentions bool

	Logger *zap.Logger
	Clock  func() time.Time
}

// DefaultConfig returns the default gateway configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow:    DefaultDedupWindow,
		MatchThreshold: factstore.DefaultMatchThreshold,
		MaxBodyLength:  DefaultMaxBodyLength,
		ThemePatterns:  DefaultThemePatterns,
		DetectMentions: true,
	}
}

// Gateway validates and ingests submissions.
type Gateway struct {
	store  Store
	dedup  DedupIndex
	cfg    Config
	themes []themePattern
	log    *zap.Logger
}

// New returns a gateway writing to store. A nil dedup gets an in-process
// index seeded from the store.
func New(store Store, dedup DedupIndex, cfg Config) (*Gateway, error) {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = factstore.DefaultMatchThreshold
	}
	if cfg.MaxBodyLength <= 0 {
		cfg.MaxBodyLength = DefaultMaxBodyLength
	}
	if cfg.ThemePatterns == nil {
		cfg.ThemePatterns = DefaultThemePatterns
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	var themes []themePattern
	if !cfg.DisableThemes {
		var err error
		if themes, err = compileThemes(cfg.ThemePatterns); err != nil {
			return nil, err
		}
	}
	if dedup == nil {
		md := NewMemoryDedup(2 * cfg.DedupWindow)
		md.Seed(store.View().Facts())
		dedup = md
	}
	return &Gateway{store: store, dedup: dedup, cfg: cfg, themes: themes, log: cfg.Logger.Named("gateway")}, nil
}

// normalized is a submission after validation, before entity resolution.
type normalized struct {
	kind       types.FactKind
	severity   types.Severity
	source     string
	body       string
	at         time.Time
	tags       []string
	hints      []string
	entityKind types.EntityKind
	hash       string
}

func (g *Gateway) normalize(sub Submission) (*normalized, error) {
	kind, err := types.ParseFactKind(sub.Kind)
	if err != nil {
		return nil, err
	}
	sev, err := types.ParseSeverity(sub.Severity)
	if err != nil {
		return nil, err
	}
	ek, err := types.ParseEntityKind(sub.EntityKind)
	if err != nil {
		return nil, err
	}
	source := textutil.CollapseSpace(sub.Source)
	if source == "" {
		return nil, errors.Wrap(types.ErrValidation, "source is required")
	}
	body := strings.TrimSpace(sub.Body)
	if body == "" {
		return nil, errors.Wrap(types.ErrValidation, "body is required")
	}
	body = textutil.Truncate(body, g.cfg.MaxBodyLength)
	check := types.FactDraft{Kind: kind, Source: source, Body: body, Severity: sev, Rationale: strings.TrimSpace(sub.Rationale)}
	if err := check.Validate(); err != nil {
		return nil, err
	}

	at := sub.Timestamp
	if at.IsZero() {
		at = g.cfg.Clock()
	}

	n := &normalized{
		kind:       kind,
		severity:   sev,
		source:     source,
		body:       body,
		at:         at.UTC(),
		tags:       types.NormalizeTags(append(append([]string(nil), sub.Tags...), detectThemes(g.themes, body)...)),
		entityKind: ek,
		hash:       ContentHash(source, body),
	}
	for _, h := range strings.Split(sub.SubjectHint, ",") {
		if h = textutil.CollapseSpace(h); h != "" {
			n.hints = append(n.hints, h)
		}
	}
	return n, nil
}

// resolve maps subject hints to existing entities or drafts for new ones.
func (g *Gateway) resolve(v *factstore.View, n *normalized) ([]types.EntityID, []types.EntityDraft) {
	var (
		ids    []types.EntityID
		drafts []types.EntityDraft
		seen   = make(map[string]bool)
	)
	for _, hint := range n.hints {
		if m, ok := v.MatchEntity(hint, g.cfg.MatchThreshold); ok {
			if !seen[string(m.Entity.ID)] {
				seen[string(m.Entity.ID)] = true
				ids = append(ids, m.Entity.ID)
			}
			continue
		}
		d := types.EntityDraft{Kind: n.entityKind, Name: hint}
		if d.Validate() != nil || seen[string(d.ID())] {
			continue
		}
		seen[string(d.ID())] = true
		drafts = append(drafts, d)
	}
	if len(n.hints) == 0 && g.cfg.DetectMentions {
		ids = mentions(v, n.body)
	}
	return ids, drafts
}

// mentions finds live entities whose name or alias appears as whole words in
// body, in entity ID order.
func mentions(v *factstore.View, body string) []types.EntityID {
	text := " " + textutil.Key(body) + " "
	var out []types.EntityID
	for _, e := range v.Entities() {
		for _, name := range e.Names() {
			k := textutil.Key(name)
			if len(k) < minMentionLength {
				continue
			}
			if strings.Contains(text, " "+k+" ") {
				out = append(out, e.ID)
				break
			}
		}
	}
	return out
}

// Submit ingests one payload. Validation errors are returned before anything
// is claimed or written; a failed write releases the dedup claim so a retry
// is not mistaken for a duplicate.
func (g *Gateway) Submit(ctx context.Context, sub Submission) (*Result, error) {
	n, err := g.normalize(sub)
	if err != nil {
		return nil, err
	}

	existing, claimed, err := g.dedup.Claim(ctx, n.hash, n.at, g.cfg.DedupWindow)
	if err != nil {
		return nil, errors.Wrap(err, "gateway: dedup")
	}
	if !claimed {
		g.log.Debug("submission deduplicated",
			zap.String("source", n.source),
			zap.Uint64("existing_id", uint64(existing)))
		return &Result{Deduplicated: true, ExistingID: existing}, nil
	}

	// The dedup index only remembers recent ingestions; the store holds
	// every fact, including backfilled ones and those from before a restart.
	view := g.store.View()
	if f := view.FindByHash(n.hash, n.at, g.cfg.DedupWindow); f != nil {
		if err := g.dedup.Confirm(context.WithoutCancel(ctx), n.hash, n.at, f.ID); err != nil {
			g.log.Warn("confirming dedup claim failed", zap.Uint64("fact_id", uint64(f.ID)), zap.Error(err))
		}
		g.log.Debug("submission deduplicated against the store",
			zap.String("source", n.source),
			zap.Uint64("existing_id", uint64(f.ID)))
		return &Result{Deduplicated: true, ExistingID: f.ID}, nil
	}

	subjects, drafts := g.resolve(view, n)
	draft := &types.FactDraft{
		Kind:        n.kind,
		OccurredAt:  n.at,
		Source:      n.source,
		Subjects:    subjects,
		Body:        n.body,
		Tags:        n.tags,
		Severity:    n.severity,
		Rationale:   strings.TrimSpace(sub.Rationale),
		Supersedes:  sub.Supersedes,
		ContentHash: n.hash,
		SessionID:   sub.SessionID,
		NewSubjects: drafts,
	}

	fact, created, err := g.store.AppendFact(ctx, draft)
	if err != nil {
		if rerr := g.dedup.Release(context.WithoutCancel(ctx), n.hash, n.at); rerr != nil {
			g.log.Warn("releasing dedup claim failed", zap.Error(rerr))
		}
		return nil, err
	}
	if err := g.dedup.Confirm(context.WithoutCancel(ctx), n.hash, n.at, fact.ID); err != nil {
		g.log.Warn("confirming dedup claim failed", zap.Uint64("fact_id", uint64(fact.ID)), zap.Error(err))
	}

	g.log.Info("fact ingested",
		zap.Uint64("fact_id", uint64(fact.ID)),
		zap.String("source", fact.Source),
		zap.String("kind", string(fact.Kind)),
		zap.Int("subjects", len(fact.Subjects)),
		zap.Int("entities_created", len(created)))
	return &Result{
		FactID:   fact.ID,
		Subjects: fact.Subjects,
		Tags:     fact.Tags,
		Created:  created,
	}, nil
}
