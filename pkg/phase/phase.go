// Package phase implements the ordered project phase model and its
// transition gates. Phase labels are configurable but the ordering is fixed
// and total: every phase has a well-defined position in the sequence.
package phase

import (
	"errors"
	"fmt"

	"qualcore/pkg/state"
)

// Gate names carried by InvalidTransitionError.
const (
	GateUnknownPhase   = "unknown_phase"
	GateRevert         = "revert_requires_flag"
	GateFirstPass      = "stage1_first_pass_incomplete"
	GateSamePhase      = "already_in_phase"
	GateUnknownCurrent = "unknown_current_phase"
)

// InvalidTransitionError reports a rejected phase transition and which gate
// rejected it.
type InvalidTransitionError struct {
	From string
	To   string
	Gate string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q: %s", e.From, e.To, e.Gate)
}

// IsInvalidTransition reports whether err is a transition rejection.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}

// Sequence is an ordered list of phase labels.
type Sequence struct {
	labels    []string
	positions map[string]int
}

// NewSequence builds a sequence from configured labels, falling back to the
// default ordering when none are given.
func NewSequence(labels []string) *Sequence {
	if len(labels) == 0 {
		labels = state.DefaultPhaseOrder()
	}
	positions := make(map[string]int, len(labels))
	for i, label := range labels {
		positions[label] = i
	}
	return &Sequence{labels: labels, positions: positions}
}

// Labels returns the phase labels in order.
func (s *Sequence) Labels() []string {
	out := make([]string, len(s.labels))
	copy(out, s.labels)
	return out
}

// Index returns the position of a phase, or false if the label is unknown.
func (s *Sequence) Index(phase string) (int, bool) {
	i, ok := s.positions[phase]
	return i, ok
}

// First returns the initial phase of the sequence.
func (s *Sequence) First() string {
	return s.labels[0]
}

// HasReached reports whether current sits at or past target in the ordering.
// Unknown labels never count as reached.
func (s *Sequence) HasReached(current, target string) bool {
	ci, ok := s.positions[current]
	if !ok {
		return false
	}
	ti, ok := s.positions[target]
	if !ok {
		return false
	}
	return ci >= ti
}

// Current returns the phase recorded in the project state.
func Current(st *state.ProjectState) string {
	return st.SandwichStatus.CurrentPhase
}

// Transition moves the project to target, applying the gates:
//
//   - target must be a known phase;
//   - moving backwards requires allowRevert;
//   - leaving the foundation phase requires the first coding pass to be
//     complete;
//   - transitioning to the phase already current is rejected.
//
// On success the state's phase is updated and each rule's strain latch for
// the old phase stops applying, since strain counting filters by the phase
// tag on each override.
func (s *Sequence) Transition(st *state.ProjectState, target string, allowRevert bool) error {
	current := st.SandwichStatus.CurrentPhase

	ci, ok := s.positions[current]
	if !ok {
		return &InvalidTransitionError{From: current, To: target, Gate: GateUnknownCurrent}
	}
	ti, ok := s.positions[target]
	if !ok {
		return &InvalidTransitionError{From: current, To: target, Gate: GateUnknownPhase}
	}

	if ti == ci {
		return &InvalidTransitionError{From: current, To: target, Gate: GateSamePhase}
	}
	if ti < ci && !allowRevert {
		return &InvalidTransitionError{From: current, To: target, Gate: GateRevert}
	}
	if ti > ci && ci == 0 && !st.SandwichStatus.Stage1Complete {
		return &InvalidTransitionError{From: current, To: target, Gate: GateFirstPass}
	}

	if ti > ci {
		if st.SandwichStatus.PhasesCompleted == nil {
			st.SandwichStatus.PhasesCompleted = make(map[string]bool)
		}
		st.SandwichStatus.PhasesCompleted[current] = true
	}
	st.SandwichStatus.CurrentPhase = target
	return nil
}
