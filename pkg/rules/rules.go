// Package rules derives methodological rules from the declared research
// design and evaluates them against the current phase. Rule identity is
// deterministic so strain history keyed by rule id survives regeneration.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"qualcore/pkg/phase"
	"qualcore/pkg/state"
)

// ruleNamespace seeds deterministic rule ids. Changing it would orphan all
// existing strain history, so it is fixed for the life of the format.
//
//nolint:gochecknoglobals // Fixed namespace for deterministic id derivation
var ruleNamespace = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")

// RuleID returns the stable id for an isolation kind.
func RuleID(kind state.RuleKind) string {
	return uuid.NewSHA1(ruleNamespace, []byte(kind)).String()
}

// Generate derives one rule per enabled isolation kind. The output is sorted
// by kind and re-running with an unchanged design yields identical rules,
// ids included.
func Generate(design *state.ResearchDesign) ([]state.Rule, error) {
	if design == nil {
		return nil, nil
	}

	kinds := make([]string, 0, len(design.Isolation))
	for kind := range design.Isolation {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	var out []state.Rule
	for _, kind := range kinds {
		setting := design.Isolation[kind]
		if !setting.Enabled {
			continue
		}

		bound, err := bindConfig(state.RuleKind(kind), design)
		if err != nil {
			return nil, fmt.Errorf("failed to bind rule config for %s: %w", kind, err)
		}

		out = append(out, state.Rule{
			ID:             RuleID(state.RuleKind(kind)),
			Kind:           state.RuleKind(kind),
			FrictionLevel:  setting.FrictionLevel,
			RelaxesAtPhase: setting.RelaxesAtPhase,
			Status:         state.RuleActive,
			BoundConfig:    bound,
		})
	}
	return out, nil
}

// bindConfig snapshots the design elements a rule concerns, so the rule is
// readable on its own without joining back to the design.
func bindConfig(kind state.RuleKind, design *state.ResearchDesign) (json.RawMessage, error) {
	var cfg any
	switch kind {
	case state.RuleCaseIsolation:
		ids := make([]string, 0, len(design.Cases))
		for _, c := range design.Cases {
			ids = append(ids, c.ID)
		}
		cfg = map[string]any{"case_ids": ids}
	case state.RuleWaveIsolation:
		ids := make([]string, 0, len(design.Waves))
		for _, w := range design.Waves {
			ids = append(ids, w.ID)
		}
		cfg = map[string]any{"wave_ids": ids}
	case state.RuleStreamSeparation:
		cfg = map[string]any{
			"stream_a_path": design.Streams.StreamAPath,
			"stream_b_path": design.Streams.StreamBPath,
		}
	default:
		return nil, nil
	}
	return json.Marshal(cfg)
}

// Status evaluates a rule against the current phase. A rule is relaxed once
// the project has reached its relaxation phase; status is computed, never
// stored independently, so it cannot drift from the phase.
func Status(seq *phase.Sequence, rule *state.Rule, currentPhase string) state.RuleStatus {
	if rule.RelaxesAtPhase != "" && seq.HasReached(currentPhase, rule.RelaxesAtPhase) {
		return state.RuleRelaxed
	}
	return state.RuleActive
}

// Response tells a caller what an attempted action against a rule requires.
type Response struct {
	Proceed            bool `json:"proceed"`
	Remind             bool `json:"remind"`
	NeedsJustification bool `json:"needs_justification"`
	Refuse             bool `json:"refuse"`
	RecordEvent        bool `json:"record_event"`
}

// ResponseFor maps a friction level to the caller contract. A relaxed rule
// should not be consulted here at all; this table covers active rules only.
func ResponseFor(level state.FrictionLevel) Response {
	switch level {
	case state.FrictionSilent:
		return Response{Proceed: true, RecordEvent: true}
	case state.FrictionNudge:
		return Response{Proceed: true, Remind: true}
	case state.FrictionChallenge:
		return Response{Proceed: true, NeedsJustification: true}
	case state.FrictionHardStop:
		return Response{Refuse: true, RecordEvent: true}
	default:
		// Unknown levels fail closed.
		return Response{Refuse: true, RecordEvent: true}
	}
}
