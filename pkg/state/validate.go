package state

import "fmt"

// Validate checks the minimal structural invariants a persisted document
// must satisfy against the default phase order. The store refuses to save or
// return a document that fails these checks.
func Validate(s *ProjectState) error {
	return ValidateWithPhases(s, DefaultPhaseOrder())
}

// ValidateWithPhases validates against an explicit phase vocabulary, for
// projects configured with custom phase labels.
func ValidateWithPhases(s *ProjectState, phases []string) error {
	if s == nil {
		return fmt.Errorf("state document is nil")
	}

	if s.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be a positive integer, got %d", s.SchemaVersion)
	}

	if s.Identity.Name == "" {
		return fmt.Errorf("identity.name is required")
	}

	phase := s.SandwichStatus.CurrentPhase
	if phase == "" {
		return fmt.Errorf("sandwich_status.current_phase is required")
	}
	if !isKnownPhase(phase, phases) {
		return fmt.Errorf("sandwich_status.current_phase %q is not a known phase", phase)
	}

	cp := s.CodingProgress
	if cp.DocumentsCoded < 0 || cp.MemosWritten < 0 || cp.ReflexivityEntries < 0 {
		return fmt.Errorf("coding progress counters must be non-negative")
	}

	for i := range s.Rules {
		rule := &s.Rules[i]
		if rule.ID == "" {
			return fmt.Errorf("rule %d has no id", i)
		}
		if rule.RelaxesAtPhase != "" && !isKnownPhase(rule.RelaxesAtPhase, phases) {
			return fmt.Errorf("rule %s relaxes at unknown phase %q", rule.ID, rule.RelaxesAtPhase)
		}
	}

	sig := s.Saturation.Signals
	if sig.CoverageRatio < 0 || sig.CoverageRatio > 1 {
		return fmt.Errorf("coverage_ratio must be in [0,1], got %v", sig.CoverageRatio)
	}
	if sig.Redundancy < 0 || sig.Redundancy > 1 {
		return fmt.Errorf("redundancy must be in [0,1], got %v", sig.Redundancy)
	}

	return nil
}

func isKnownPhase(phase string, phases []string) bool {
	for _, known := range phases {
		if phase == known {
			return true
		}
	}
	return false
}
