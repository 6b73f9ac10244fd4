package council

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/factstore"
	"github.com/scrypster/conclave/internal/textutil"
	"github.com/scrypster/conclave/pkg/types"
)

// Orchestrator defaults.
const (
	DefaultDeadline     = 10 * time.Second
	DefaultVoiceTimeout = 8 * time.Second
	DefaultContextLimit = 25
)

// DecisionSource is the source recorded on decision facts.
const DecisionSource = "council"

// Store is the part of the fact store the orchestrator uses.
type Store interface {
	View() *factstore.View
	AppendFact(ctx context.Context, d *types.FactDraft) (*types.Fact, []*types.Entity, error)
	RecordSession(ctx context.Context, sess *types.CouncilSession) error
}

// ContextSource picks the facts shown to the voices.
type ContextSource interface {
	RelevantContext(question string, scope types.EntityID, limit int) []*types.Fact
}

// Dispatcher runs tasks on a bounded worker pool.
type Dispatcher interface {
	Go(task func()) error
}

type goroutineDispatcher struct{}

func (goroutineDispatcher) Go(task func()) error {
	go task()
	return nil
}

// Config holds orchestrator options.
type Config struct {
	// Deadline bounds the wait for opinions. Voices still running when it
	// passes are recorded as timed out; their work is not cancelled.
	Deadline time.Duration

	// VoiceTimeout bounds each evaluation's own context.
	VoiceTimeout time.Duration

	ContextLimit   int
	MatchThreshold float64
	Merge          MergeConfig

	// RecordDecisions appends every completed recommendation as a decision
	// fact, as if each Ask set RecordDecision.
	RecordDecisions bool

	Logger *zap.Logger
	Clock  func() time.Time
}

// Orchestrator runs council sessions.
type Orchestrator struct {
	store  Store
	source ContextSource
	voices *Registry
	pool   Dispatcher
	cfg    Config
	log    *zap.Logger
}

// New returns an orchestrator. A nil pool runs each voice on its own
// goroutine.
func New(store Store, source ContextSource, voices *Registry, pool Dispatcher, cfg Config) *Orchestrator {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.VoiceTimeout <= 0 {
		cfg.VoiceTimeout = DefaultVoiceTimeout
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = DefaultContextLimit
	}
	if cfg.MatchThreshold <= 0 {
		cfg.MatchThreshold = factstore.DefaultMatchThreshold
	}
	cfg.Merge = cfg.Merge.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if pool == nil {
		pool = goroutineDispatcher{}
	}
	return &Orchestrator{store: store, source: source, voices: voices, pool: pool, cfg: cfg, log: cfg.Logger.Named("council")}
}

// Voices returns the registry the orchestrator dispatches to.
func (o *Orchestrator) Voices() *Registry {
	return o.voices
}

// AskOptions qualify a question.
type AskOptions struct {
	// Scope names an entity (exact or fuzzy) whose history leads the context.
	Scope string

	// RecordDecision appends the recommendation as a decision fact.
	RecordDecision bool
}

type voiceResult struct {
	index   int
	opinion *types.VoiceOpinion
	abstain *types.Abstention
}

// Ask runs one council session and returns its record. An unknown scope is
// types.ErrNotFound and nothing is recorded. When every voice abstains the
// failed session is recorded and returned together with ErrNoQuorum.
func (o *Orchestrator) Ask(ctx context.Context, question string, opts AskOptions) (*types.CouncilSession, error) {
	question = textutil.CollapseSpace(question)
	if question == "" {
		return nil, errors.Wrap(types.ErrValidation, "question is required")
	}

	sess := &types.CouncilSession{
		ID:        uuid.NewString(),
		Question:  question,
		State:     types.SessionCollectingContext,
		StartedAt: o.cfg.Clock().UTC(),
	}
	log := o.log.With(zap.String("session_id", sess.ID))

	if opts.Scope != "" {
		m, ok := o.store.View().MatchEntity(opts.Scope, o.cfg.MatchThreshold)
		if !ok {
			return nil, errors.Wrapf(types.ErrNotFound, "no entity matches scope %q", opts.Scope)
		}
		sess.Scope = m.Entity.ID
	}
	facts := o.source.RelevantContext(question, sess.Scope, o.cfg.ContextLimit)
	sess.Context = make([]types.FactID, len(facts))
	for i, f := range facts {
		sess.Context[i] = f.ID
	}

	voices := o.voices.Voices()
	o.transition(log, sess, types.SessionDispatching)
	results := make(chan voiceResult, len(voices))
	for i, v := range voices {
		if err := o.pool.Go(func() { results <- o.evaluate(ctx, i, v, question, facts) }); err != nil {
			results <- voiceResult{index: i, abstain: &types.Abstention{
				Voice: v.ID(), Reason: types.AbstainError, Detail: "dispatch: " + err.Error(),
			}}
		}
	}

	o.transition(log, sess, types.SessionAwaitingOpinions)
	collected := o.await(ctx, results, len(voices))

	for i, v := range voices {
		r, ok := collected[i]
		switch {
		case !ok:
			sess.Abstentions = append(sess.Abstentions, types.Abstention{
				Voice: v.ID(), Reason: types.AbstainTimeout, Detail: "no answer by the council deadline",
			})
		case r.abstain != nil:
			sess.Abstentions = append(sess.Abstentions, *r.abstain)
		default:
			sess.Opinions = append(sess.Opinions, *r.opinion)
		}
	}
	for _, a := range sess.Abstentions {
		log.Info("voice abstained", zap.String("voice", a.Voice), zap.String("reason", string(a.Reason)), zap.String("detail", a.Detail))
	}

	// The session outlives a cancelled caller: what was collected is recorded.
	wctx := context.WithoutCancel(ctx)
	o.transition(log, sess, types.SessionMerging)
	if len(sess.Opinions) == 0 {
		sess.State = types.SessionFailed
		sess.FailureReason = types.FailureNoQuorum
		sess.CompletedAt = o.cfg.Clock().UTC()
		if err := o.store.RecordSession(wctx, sess); err != nil {
			return sess, errors.Wrap(err, "council: record session")
		}
		log.Warn("council failed", zap.String("reason", sess.FailureReason), zap.Int("voices", len(voices)))
		return sess, errors.Wrapf(ErrNoQuorum, "all %d voices abstained", len(voices))
	}

	out := Merge(sess.Opinions, o.cfg.Merge)
	sess.Pools = out.Pools
	sess.Recommendation = out.Recommendation
	sess.NoConsensus = out.NoConsensus
	sess.DisagreementScore = out.Disagreement

	if (opts.RecordDecision || o.cfg.RecordDecisions) && !sess.NoConsensus {
		f, _, err := o.store.AppendFact(wctx, o.decisionDraft(sess))
		if err != nil {
			log.Warn("recording decision fact failed", zap.Error(err))
		} else {
			sess.DecisionFactID = f.ID
		}
	}

	sess.State = types.SessionComplete
	sess.CompletedAt = o.cfg.Clock().UTC()
	if err := o.store.RecordSession(wctx, sess); err != nil {
		return sess, errors.Wrap(err, "council: record session")
	}
	log.Info("council complete",
		zap.String("recommendation", sess.Recommendation),
		zap.Float64("disagreement", sess.DisagreementScore),
		zap.Int("opinions", len(sess.Opinions)),
		zap.Int("abstentions", len(sess.Abstentions)),
		zap.Uint64("decision_fact_id", uint64(sess.DecisionFactID)))
	return sess, nil
}

func (o *Orchestrator) transition(log *zap.Logger, sess *types.CouncilSession, next types.SessionState) {
	log.Debug("session state", zap.String("from", string(sess.State)), zap.String("to", string(next)))
	sess.State = next
}

// await collects results until every voice answered, the deadline passed, or
// the caller gave up. Later results stay in the buffered channel.
func (o *Orchestrator) await(ctx context.Context, results <-chan voiceResult, n int) map[int]voiceResult {
	collected := make(map[int]voiceResult, n)
	timer := time.NewTimer(o.cfg.Deadline)
	defer timer.Stop()
	for len(collected) < n {
		select {
		case r := <-results:
			collected[r.index] = r
		case <-timer.C:
			return collected
		case <-ctx.Done():
			return collected
		}
	}
	return collected
}

// evaluate runs one voice under its own timeout, detached from the caller so
// the council deadline never cancels it.
func (o *Orchestrator) evaluate(ctx context.Context, index int, v Evaluator, question string, facts []*types.Fact) (res voiceResult) {
	res.index = index
	abstain := func(reason types.AbstentionReason, detail string) voiceResult {
		res.abstain = &types.Abstention{Voice: v.ID(), Reason: reason, Detail: detail}
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			res = abstain(types.AbstainError, fmt.Sprintf("panic: %v", r))
		}
	}()

	vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.VoiceTimeout)
	defer cancel()
	start := time.Now()
	op, err := v.Evaluate(vctx, question, facts)
	if err == nil {
		err = validateOpinion(op)
	}
	if err != nil {
		if errors.Is(err, ErrEvaluationTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return abstain(types.AbstainTimeout, err.Error())
		}
		return abstain(types.AbstainError, err.Error())
	}

	clean := *op
	clean.Voice = v.ID()
	clean.Stance = textutil.CollapseSpace(op.Stance)
	clean.Citations = citedFromContext(op.Citations, facts)
	clean.Risks = append([]string(nil), op.Risks...)
	clean.Latency = time.Since(start)
	res.opinion = &clean
	return res
}

func validateOpinion(op *types.VoiceOpinion) error {
	if op == nil {
		return errors.Wrap(ErrEvaluationError, "no opinion returned")
	}
	if textutil.CollapseSpace(op.Stance) == "" {
		return errors.Wrap(ErrEvaluationError, "empty stance")
	}
	if math.IsNaN(op.Confidence) || op.Confidence < 0 || op.Confidence > 1 {
		return errors.Wrapf(ErrEvaluationError, "confidence %v outside [0,1]", op.Confidence)
	}
	return nil
}

// citedFromContext keeps citations that name context facts, deduplicated and
// in ID order.
func citedFromContext(cited []types.FactID, facts []*types.Fact) []types.FactID {
	in := make(map[types.FactID]bool, len(facts))
	for _, f := range facts {
		in[f.ID] = true
	}
	seen := make(map[types.FactID]bool)
	var out []types.FactID
	for _, id := range cited {
		if in[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (o *Orchestrator) decisionDraft(sess *types.CouncilSession) *types.FactDraft {
	var rationale strings.Builder
	fmt.Fprintf(&rationale, "Disagreement %.2f.", sess.DisagreementScore)
	for _, p := range sess.Pools {
		fmt.Fprintf(&rationale, " %q: %s (%.2f).", p.Stance, strings.Join(p.Supporters, ", "), p.Confidence)
	}
	if len(sess.Abstentions) > 0 {
		names := make([]string, len(sess.Abstentions))
		for i, a := range sess.Abstentions {
			names[i] = fmt.Sprintf("%s (%s)", a.Voice, a.Reason)
		}
		fmt.Fprintf(&rationale, " Abstained: %s.", strings.Join(names, ", "))
	}

	d := &types.FactDraft{
		Kind:       types.KindDecision,
		Source:     DecisionSource,
		Body:       fmt.Sprintf("Council on %q: %s", sess.Question, sess.Recommendation),
		Rationale:  rationale.String(),
		Tags:       []string{"council"},
		SessionID:  sess.ID,
		OccurredAt: sess.StartedAt,
	}
	if sess.Scope != "" {
		d.Subjects = []types.EntityID{sess.Scope}
	}
	return d
}
