// Package state defines the ProjectState document and its atomic file store.
// One JSON document holds the full state of a research project; every public
// operation is a locked read-mutate-write transaction over that document.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the state document schema version written by this
// engine. Readers tolerate unknown fields; writers preserve them.
const CurrentSchemaVersion = 1

// Canonical phase labels in their fixed order. Labels are configurable, but
// the ordering is total: every phase has a well-defined position.
const (
	PhaseStage1Foundation       = "stage1_foundation"
	PhaseStage2ParallelStreams  = "stage2_phase1_parallel_streams"
	PhaseStage2Synthesis        = "stage2_phase2_synthesis"
	PhaseStage2Characterization = "stage2_phase3_pattern_characterization"
	PhaseStage3Synthesis        = "stage3_synthesis"
)

// DefaultPhaseOrder returns the canonical phase sequence.
func DefaultPhaseOrder() []string {
	return []string{
		PhaseStage1Foundation,
		PhaseStage2ParallelStreams,
		PhaseStage2Synthesis,
		PhaseStage2Characterization,
		PhaseStage3Synthesis,
	}
}

// RuleKind identifies what boundary a rule protects.
type RuleKind string

const (
	RuleCaseIsolation    RuleKind = "case_isolation"
	RuleWaveIsolation    RuleKind = "wave_isolation"
	RuleStreamSeparation RuleKind = "stream_separation"
	RuleCustom           RuleKind = "custom"
)

// FrictionLevel is the strength of intervention a rule applies.
type FrictionLevel string

const (
	FrictionSilent    FrictionLevel = "silent"
	FrictionNudge     FrictionLevel = "nudge"
	FrictionChallenge FrictionLevel = "challenge"
	FrictionHardStop  FrictionLevel = "hard_stop"
)

// RuleStatus is derived from the current phase, never independently set.
type RuleStatus string

const (
	RuleActive  RuleStatus = "active"
	RuleRelaxed RuleStatus = "relaxed"
)

// Identity holds immutable project identification.
type Identity struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Stance records the project's philosophical commitments. Set at init, may
// be revised explicitly; this core stores but never evaluates it.
type Stance struct {
	Ontology       string `json:"ontology,omitempty"`
	Epistemology   string `json:"epistemology,omitempty"`
	VocabularyMode string `json:"vocabulary_mode,omitempty"`
}

// CodingProgress tracks monotonically non-decreasing analysis counters.
type CodingProgress struct {
	DocumentsCoded     int  `json:"documents_coded"`
	MemosWritten       int  `json:"memos_written"`
	ReflexivityEntries int  `json:"reflexivity_entries"`
	FirstPassComplete  bool `json:"first_pass_complete"`
}

// SandwichStatus is the sole input to the phase model.
type SandwichStatus struct {
	CurrentPhase    string          `json:"current_phase"`
	Stage1Complete  bool            `json:"stage1_complete"`
	PhasesCompleted map[string]bool `json:"phases_completed,omitempty"`
}

// Case is one comparison group in the research design.
type Case struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Folder string `json:"folder,omitempty"`
}

// Wave is one longitudinal collection period.
type Wave struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Period string `json:"period,omitempty"`
}

// StreamConfig describes parallel analytical streams.
type StreamConfig struct {
	Enabled     bool   `json:"enabled"`
	StreamAPath string `json:"stream_a_path,omitempty"`
	StreamBPath string `json:"stream_b_path,omitempty"`
}

// IsolationSetting configures one isolation kind.
type IsolationSetting struct {
	Enabled        bool          `json:"enabled"`
	RelaxesAtPhase string        `json:"relaxes_at_phase"`
	FrictionLevel  FrictionLevel `json:"friction_level"`
}

// ResearchDesign is declared once, rarely mutated; it drives rule generation.
type ResearchDesign struct {
	Cases     []Case                      `json:"cases,omitempty"`
	Waves     []Wave                      `json:"waves,omitempty"`
	Streams   StreamConfig                `json:"streams"`
	Isolation map[string]IsolationSetting `json:"isolation,omitempty"`
}

// Rule is a phase-bound behavioral constraint. Identity is stable across
// regenerations: the same kind always yields the same id, so strain history
// keyed by rule id survives regeneration.
type Rule struct {
	ID             string          `json:"id"`
	Kind           RuleKind        `json:"kind"`
	FrictionLevel  FrictionLevel   `json:"friction_level"`
	RelaxesAtPhase string          `json:"relaxes_at_phase"`
	Status         RuleStatus      `json:"status"`
	BoundConfig    json.RawMessage `json:"bound_config,omitempty"`
}

// Override is one recorded rule override, phase-labeled at recording time
// and never retroactively reinterpreted.
type Override struct {
	Timestamp     time.Time `json:"timestamp"`
	Justification string    `json:"justification"`
	Phase         string    `json:"phase"`
}

// StrainRecord holds the full override history for one rule plus the
// once-per-phase trigger latch.
type StrainRecord struct {
	Overrides   []Override `json:"overrides"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	// TriggeredPhase records which phase the latch fired in, so a phase
	// transition re-arms the trigger without erasing audit history.
	TriggeredPhase string `json:"triggered_phase,omitempty"`
}

// DocCoding is one coded document in the trailing saturation window.
type DocCoding struct {
	DocID    string    `json:"doc_id"`
	NewCodes int       `json:"new_codes"`
	At       time.Time `json:"at"`
}

// Refinement is one code definition change (split/merge/redefinition).
type Refinement struct {
	CodeID     string    `json:"code_id"`
	ChangeType string    `json:"change_type"`
	Rationale  string    `json:"rationale,omitempty"`
	DocIndex   int       `json:"doc_index"` // DocumentsCoded at recording time
	At         time.Time `json:"at"`
}

// SaturationSignals holds the four raw inputs to the saturation scorer.
type SaturationSignals struct {
	// RecentDocs is the trailing window of coded documents used to derive
	// the generation rate. Bounded by the configured window size.
	RecentDocs []DocCoding `json:"recent_docs,omitempty"`
	// Refinements is the full refinement history; the scorer filters by
	// DocIndex against the trailing window.
	Refinements []Refinement `json:"refinements,omitempty"`
	// CoverageRatio is supplied by the caller: the fraction of known codes
	// whose document-coverage exceeds the configured minimum.
	CoverageRatio float64 `json:"coverage_ratio"`
	// Redundancy is supplied by the caller (human or AI judgment).
	Redundancy      float64 `json:"redundancy"`
	RedundancyNotes string  `json:"redundancy_notes,omitempty"`
}

// Assessment is one composite saturation assessment.
type Assessment struct {
	Score      int            `json:"score"`
	Level      string         `json:"level"`
	Components map[string]int `json:"components"`
	AssessedAt time.Time      `json:"assessed_at"`
}

// Saturation couples the raw signals with the last composite assessment.
type Saturation struct {
	Signals        SaturationSignals `json:"signals"`
	LastAssessment *Assessment       `json:"last_assessment,omitempty"`
}

// ProjectState is the single root document for a project.
type ProjectState struct {
	SchemaVersion  int                      `json:"schema_version"`
	Identity       Identity                 `json:"identity"`
	Stance         Stance                   `json:"philosophical_stance"`
	CodingProgress CodingProgress           `json:"coding_progress"`
	SandwichStatus SandwichStatus           `json:"sandwich_status"`
	ResearchDesign *ResearchDesign          `json:"research_design,omitempty"`
	Rules          []Rule                   `json:"rules,omitempty"`
	StrainTracking map[string]*StrainRecord `json:"strain_tracking,omitempty"`
	Saturation     Saturation               `json:"saturation"`

	// Extra preserves top-level fields this engine does not know about, so
	// external collaborators can store their own data without it being
	// discarded on save.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewProjectState creates a freshly initialized state document.
func NewProjectState(name string, now time.Time) *ProjectState {
	return &ProjectState{
		SchemaVersion: CurrentSchemaVersion,
		Identity: Identity{
			Name:      name,
			CreatedAt: now.UTC(),
		},
		SandwichStatus: SandwichStatus{
			CurrentPhase:    PhaseStage1Foundation,
			PhasesCompleted: make(map[string]bool),
		},
		StrainTracking: make(map[string]*StrainRecord),
	}
}

// knownKeys are the top-level JSON keys owned by this engine.
var knownKeys = map[string]bool{
	"schema_version":       true,
	"identity":             true,
	"philosophical_stance": true,
	"coding_progress":      true,
	"sandwich_status":      true,
	"research_design":      true,
	"rules":                true,
	"strain_tracking":      true,
	"saturation":           true,
}

// projectStateAlias avoids recursive (un)marshal calls.
type projectStateAlias ProjectState

// UnmarshalJSON decodes known fields and captures unknown top-level fields
// into Extra.
func (s *ProjectState) UnmarshalJSON(data []byte) error {
	var alias projectStateAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key := range raw {
		if knownKeys[key] {
			continue
		}
		if alias.Extra == nil {
			alias.Extra = make(map[string]json.RawMessage)
		}
		alias.Extra[key] = raw[key]
	}

	*s = ProjectState(alias)
	return nil
}

// MarshalJSON emits known fields and merges preserved unknown fields back
// into the document. Known keys always win over stale Extra entries.
func (s *ProjectState) MarshalJSON() ([]byte, error) {
	alias := projectStateAlias(*s)
	data, err := json.Marshal(&alias)
	if err != nil {
		return nil, err
	}

	if len(s.Extra) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range s.Extra {
		if knownKeys[key] {
			continue
		}
		merged[key] = value
	}

	return json.Marshal(merged)
}

// Clone returns a deep copy via JSON round-trip. Used by the store cache so
// callers never mutate the cached document.
func (s *ProjectState) Clone() (*ProjectState, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}
	var clone ProjectState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to clone state: %w", err)
	}
	return &clone, nil
}

// StrainFor returns the strain record for a rule, creating it if absent.
func (s *ProjectState) StrainFor(ruleID string) *StrainRecord {
	if s.StrainTracking == nil {
		s.StrainTracking = make(map[string]*StrainRecord)
	}
	record, ok := s.StrainTracking[ruleID]
	if !ok {
		record = &StrainRecord{}
		s.StrainTracking[ruleID] = record
	}
	return record
}

// RuleByID returns a pointer to the rule with the given id, or nil.
func (s *ProjectState) RuleByID(id string) *Rule {
	for i := range s.Rules {
		if s.Rules[i].ID == id {
			return &s.Rules[i]
		}
	}
	return nil
}
