package config

import (
	"os"
	"regexp"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// VoiceSpec declares one council voice: its lens and how it evaluates.
type VoiceSpec struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`

	// Priorities are themes and keywords the voice weighs most.
	Priorities []string `yaml:"priorities"`

	// Bias is the declared leaning of the voice, shown to users and to
	// LLM-backed evaluators.
	Bias string `yaml:"bias"`

	// RiskWeight scales how heavily risk evidence counts against proceeding
	// (default: 1).
	RiskWeight float64 `yaml:"risk_weight"`

	Stances StanceSpec `yaml:"stances"`

	// Evaluator selects the implementation: "lens" (default) or "llm".
	Evaluator string `yaml:"evaluator"`
}

// StanceSpec is the vocabulary a lens evaluator answers with.
type StanceSpec struct {
	Proceed   string `yaml:"proceed"`
	Caution   string `yaml:"caution"`
	Undecided string `yaml:"undecided"`
}

// Default stance vocabulary.
const (
	DefaultProceedStance   = "ship"
	DefaultCautionStance   = "delay"
	DefaultUndecidedStance = "need more information"
)

type voicesFile struct {
	Voices []VoiceSpec `yaml:"voices"`
}

var voiceIDRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// DefaultVoices returns the five standing council voices.
func DefaultVoices() []VoiceSpec {
	return []VoiceSpec{
		{
			ID: "support", Title: "Support",
			Priorities: []string{"customer_issue", "blocker", "incident", "bug", "outage", "ticket"},
			Bias:       "Protects customers from shipping known breakage; the queue feels every regression first.",
			RiskWeight: 1.5,
		},
		{
			ID: "gtm", Title: "Go-to-market",
			Priorities: []string{"feature_request", "positive_feedback", "deadline", "launch", "pricing", "beta"},
			Bias:       "Favors momentum and keeping dates that were promised to the market.",
			RiskWeight: 0.6,
		},
		{
			ID: "csm", Title: "Customer success",
			Priorities: []string{"customer_issue", "positive_feedback", "renewal", "churn", "onboarding"},
			Bias:       "Weighs account health and renewals over any single release.",
			RiskWeight: 1.0,
		},
		{
			ID: "training", Title: "Training",
			Priorities: []string{"onboarding", "training", "docs", "confusing", "workflow"},
			Bias:       "Asks whether customers and staff can actually learn the change in time.",
			RiskWeight: 1.0,
		},
		{
			ID: "help_center", Title: "Help center",
			Priorities: []string{"feature_request", "docs", "article", "faq", "how"},
			Bias:       "Looks for gaps in self-serve documentation that will turn into tickets.",
			RiskWeight: 0.8,
		},
	}
}

// LoadVoices reads a voice table from a YAML file of the form
//
//	voices:
//	  - id: support
//	    title: Support
//	    priorities: [customer_issue, blocker]
//	    bias: ...
//
// An empty path returns DefaultVoices.
func LoadVoices(path string) ([]VoiceSpec, error) {
	if path == "" {
		return DefaultVoices(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read voices file")
	}
	var f voicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if len(f.Voices) == 0 {
		return nil, errors.Newf("config: %s declares no voices", path)
	}
	seen := make(map[string]bool)
	for i := range f.Voices {
		v := &f.Voices[i]
		if !voiceIDRe.MatchString(v.ID) {
			return nil, errors.Newf("config: voice %d has invalid id %q", i, v.ID)
		}
		if seen[v.ID] {
			return nil, errors.Newf("config: duplicate voice %q", v.ID)
		}
		seen[v.ID] = true
		switch v.Evaluator {
		case "", "lens", "llm":
		default:
			return nil, errors.Newf("config: voice %q has unknown evaluator %q", v.ID, v.Evaluator)
		}
		if v.Title == "" {
			v.Title = v.ID
		}
	}
	return f.Voices, nil
}

// Normalized fills defaults into a copy of the voice definition.
func (v VoiceSpec) Normalized() VoiceSpec {
	if v.RiskWeight <= 0 {
		v.RiskWeight = 1
	}
	if v.Stances.Proceed == "" {
		v.Stances.Proceed = DefaultProceedStance
	}
	if v.Stances.Caution == "" {
		v.Stances.Caution = DefaultCautionStance
	}
	if v.Stances.Undecided == "" {
		v.Stances.Undecided = DefaultUndecidedStance
	}
	if v.Evaluator == "" {
		v.Evaluator = "lens"
	}
	if v.Title == "" {
		v.Title = v.ID
	}
	return v
}
