package types

import "time"

// VoiceOpinion is one evaluator's structured answer to a council question.
type VoiceOpinion struct {
	Voice      string        `json:"voice"`
	Stance     string        `json:"stance"`
	Citations  []FactID      `json:"citations,omitempty"`
	Confidence float64       `json:"confidence"`
	Risks      []string      `json:"risks,omitempty"`
	Rationale  string        `json:"rationale,omitempty"`
	Latency    time.Duration `json:"latency_ns,omitempty"`
}

// AbstentionReason says why a voice produced no opinion.
type AbstentionReason string

// Abstention reasons
const (
	AbstainTimeout AbstentionReason = "timeout"
	AbstainError   AbstentionReason = "error"
)

// Abstention records a voice that did not contribute an opinion.
type Abstention struct {
	Voice  string           `json:"voice"`
	Reason AbstentionReason `json:"reason"`
	Detail string           `json:"detail,omitempty"`
}

// StancePool is a group of equivalent stances and their combined weight.
type StancePool struct {
	Stance     string   `json:"stance"`
	Supporters []string `json:"supporters"`
	Confidence float64  `json:"confidence"` // capped sum of supporter confidences
	Citations  []FactID `json:"citations,omitempty"`
}

// SessionState is the lifecycle position of a council session.
type SessionState string

// Session states, in order. A session ends in either complete or failed.
const (
	SessionCollectingContext SessionState = "collecting_context"
	SessionDispatching       SessionState = "dispatching"
	SessionAwaitingOpinions  SessionState = "awaiting_opinions"
	SessionMerging           SessionState = "merging"
	SessionComplete          SessionState = "complete"
	SessionFailed            SessionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == SessionComplete || s == SessionFailed
}

// FailureNoQuorum is the failure reason recorded when every voice abstained.
const FailureNoQuorum = "no_quorum"

// NoConsensus is the recommendation text when the top stances stay tied.
const NoConsensus = "no consensus"

// CouncilSession is the full record of one council deliberation. Once it
// reaches a terminal state it is immutable.
type CouncilSession struct {
	ID       string       `json:"id"`
	Question string       `json:"question"`
	Scope    EntityID     `json:"scope,omitempty"`
	State    SessionState `json:"state"`

	Context     []FactID       `json:"context"`
	Opinions    []VoiceOpinion `json:"opinions"`
	Abstentions []Abstention   `json:"abstentions"`
	Pools       []StancePool   `json:"pools,omitempty"`

	Recommendation    string  `json:"recommendation,omitempty"`
	NoConsensus       bool    `json:"no_consensus,omitempty"`
	DisagreementScore float64 `json:"disagreement_score"`
	FailureReason     string  `json:"failure_reason,omitempty"`
	DecisionFactID    FactID  `json:"decision_fact_id,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of s.
func (s *CouncilSession) Clone() *CouncilSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Context = append([]FactID(nil), s.Context...)
	c.Opinions = make([]VoiceOpinion, len(s.Opinions))
	for i, o := range s.Opinions {
		o.Citations = append([]FactID(nil), o.Citations...)
		o.Risks = append([]string(nil), o.Risks...)
		c.Opinions[i] = o
	}
	c.Abstentions = append([]Abstention(nil), s.Abstentions...)
	c.Pools = make([]StancePool, len(s.Pools))
	for i, p := range s.Pools {
		p.Supporters = append([]string(nil), p.Supporters...)
		p.Citations = append([]FactID(nil), p.Citations...)
		c.Pools[i] = p
	}
	return &c
}
