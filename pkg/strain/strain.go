// Package strain tracks rule override pressure. Repeated overrides of the
// same rule within one phase suggest the rule no longer fits the work; the
// tracker surfaces that signal without deciding what to do about it.
package strain

import (
	"fmt"
	"time"

	"qualcore/pkg/state"
)

// DefaultThreshold is the override count per phase that flags a rule.
const DefaultThreshold = 3

// Result is the outcome of a strain check.
type Result struct {
	Triggered     bool `json:"triggered"`
	OverrideCount int  `json:"override_count"`
}

// RecordOverride appends an override to the rule's history, tagged with the
// phase active right now. History is append-only; tags are never rewritten
// on later phase transitions.
func RecordOverride(st *state.ProjectState, ruleID, justification string, now time.Time) error {
	if ruleID == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if justification == "" {
		return fmt.Errorf("override justification must not be empty")
	}

	record := st.StrainFor(ruleID)
	record.Overrides = append(record.Overrides, state.Override{
		Timestamp:     now.UTC(),
		Justification: justification,
		Phase:         st.SandwichStatus.CurrentPhase,
	})
	return nil
}

// CountForPhase counts a rule's overrides recorded in the given phase. The
// count is a filter over the retained history rather than a stored counter,
// so it cannot drift from the audit trail.
func CountForPhase(st *state.ProjectState, ruleID, phase string) int {
	record, ok := st.StrainTracking[ruleID]
	if !ok {
		return 0
	}
	count := 0
	for _, ov := range record.Overrides {
		if ov.Phase == phase {
			count++
		}
	}
	return count
}

// CheckStrain evaluates a rule against the threshold in the current phase.
// The trigger fires at most once per rule per phase: it latches on the
// first crossing and re-arms when the phase changes. A non-positive
// threshold falls back to DefaultThreshold.
func CheckStrain(st *state.ProjectState, ruleID string, threshold int, now time.Time) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	currentPhase := st.SandwichStatus.CurrentPhase
	count := CountForPhase(st, ruleID, currentPhase)
	result := Result{OverrideCount: count}

	if count < threshold {
		return result
	}

	record := st.StrainFor(ruleID)
	if record.TriggeredAt != nil && record.TriggeredPhase == currentPhase {
		// Already flagged this phase.
		return result
	}

	ts := now.UTC()
	record.TriggeredAt = &ts
	record.TriggeredPhase = currentPhase
	result.Triggered = true
	return result
}
