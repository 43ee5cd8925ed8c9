package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"qualcore/pkg/eventlog"
	"qualcore/pkg/rules"
	"qualcore/pkg/state"
)

const testDesign = `
cases:
  - id: site_a
    name: Site A
  - id: site_b
    name: Site B
streams:
  enabled: true
  stream_a_path: analysis/stream_a
  stream_b_path: analysis/stream_b
isolation:
  case_isolation:
    enabled: true
    relaxes_at_phase: stage2_phase2_synthesis
    friction_level: challenge
  stream_separation:
    enabled: true
    relaxes_at_phase: stage2_phase2_synthesis
    friction_level: hard_stop
`

func newEngine(t *testing.T) *Engine {
	t.Helper()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "design.yaml"), []byte(testDesign), 0644); err != nil {
		t.Fatalf("Failed to write design: %v", err)
	}
	e, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func initProject(t *testing.T, e *Engine) *state.ProjectState {
	t.Helper()
	st, err := e.InitProject(context.Background(), "study", state.Stance{Ontology: "critical_realist"})
	if err != nil {
		t.Fatalf("InitProject failed: %v", err)
	}
	return st
}

func TestInitProjectGeneratesRulesFromDesign(t *testing.T) {
	e := newEngine(t)
	st := initProject(t, e)

	if st.Identity.Name != "study" {
		t.Errorf("Expected identity name study, got %s", st.Identity.Name)
	}
	if st.SandwichStatus.CurrentPhase != state.PhaseStage1Foundation {
		t.Errorf("Expected foundation phase, got %s", st.SandwichStatus.CurrentPhase)
	}
	if len(st.Rules) != 2 {
		t.Fatalf("Expected 2 rules from design, got %d", len(st.Rules))
	}

	loaded, err := e.LoadState(context.Background())
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if len(loaded.Rules) != 2 {
		t.Errorf("Expected rules persisted, got %d", len(loaded.Rules))
	}

	events, skipped, err := e.History(context.Background(), 0)
	if err != nil || skipped != 0 {
		t.Fatalf("History failed: %v (skipped %d)", err, skipped)
	}
	if len(events) != 1 || events[0].EventType != eventlog.TypeProjectInit {
		t.Errorf("Expected single init event, got %+v", events)
	}
}

func TestInitProjectValidation(t *testing.T) {
	e := newEngine(t)
	_, err := e.InitProject(context.Background(), "", state.Stance{})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	initProject(t, e)
	if _, err := e.InitProject(context.Background(), "study", state.Stance{}); err == nil {
		t.Error("Expected error re-initializing existing project")
	}
}

func TestRecordCodedDocument(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	if _, err := e.RecordCodedDocument(ctx, "", 3); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for empty doc id, got %v", err)
	}
	if _, err := e.RecordCodedDocument(ctx, "d1", -1); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for negative count, got %v", err)
	}

	var st *state.ProjectState
	var err error
	for i := 0; i < 12; i++ {
		st, err = e.RecordCodedDocument(ctx, "doc", 1)
		if err != nil {
			t.Fatalf("RecordCodedDocument failed: %v", err)
		}
	}
	if st.CodingProgress.DocumentsCoded != 12 {
		t.Errorf("Expected 12 documents, got %d", st.CodingProgress.DocumentsCoded)
	}
	if window := len(st.Saturation.Signals.RecentDocs); window != e.Config().SaturationWindow {
		t.Errorf("Expected trailing window of %d docs, got %d", e.Config().SaturationWindow, window)
	}
}

func TestRecordRefinementTagsDocIndex(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	if _, err := e.RecordRefinement(ctx, "c1", "rewrite", "no"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for unknown change type, got %v", err)
	}

	if _, err := e.RecordCodedDocument(ctx, "d1", 2); err != nil {
		t.Fatalf("RecordCodedDocument failed: %v", err)
	}
	st, err := e.RecordRefinement(ctx, "c1", ChangeSplit, "too broad")
	if err != nil {
		t.Fatalf("RecordRefinement failed: %v", err)
	}
	refinements := st.Saturation.Signals.Refinements
	if len(refinements) != 1 || refinements[0].DocIndex != 1 {
		t.Errorf("Expected refinement tagged at doc index 1, got %+v", refinements)
	}
}

func TestSignalBounds(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	if _, err := e.UpdateRedundancy(ctx, 1.5, ""); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for redundancy 1.5, got %v", err)
	}
	if _, err := e.UpdateCoverage(ctx, -0.1); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for coverage -0.1, got %v", err)
	}
}

func TestAssessSaturationPersists(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	if _, err := e.UpdateCoverage(ctx, 0.75); err != nil {
		t.Fatalf("UpdateCoverage failed: %v", err)
	}
	if _, err := e.UpdateRedundancy(ctx, 0.9, "interviews repeating"); err != nil {
		t.Fatalf("UpdateRedundancy failed: %v", err)
	}

	assessment, err := e.AssessSaturation(ctx)
	if err != nil {
		t.Fatalf("AssessSaturation failed: %v", err)
	}
	// No docs coded: generation 30, coverage 25, refinement 25, redundancy 20.
	if assessment.Score != 100 || assessment.Level != "saturated" {
		t.Errorf("Expected 100/saturated, got %d/%s", assessment.Score, assessment.Level)
	}

	st, err := e.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if st.Saturation.LastAssessment == nil || st.Saturation.LastAssessment.Score != 100 {
		t.Error("Expected assessment persisted to state")
	}
}

func TestGenerateRulesIdempotentIdentity(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	first, err := e.GenerateRules(ctx)
	if err != nil {
		t.Fatalf("GenerateRules failed: %v", err)
	}
	second, err := e.GenerateRules(ctx)
	if err != nil {
		t.Fatalf("GenerateRules failed: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("Rule count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("Rule id changed across regeneration: %s vs %s", first[i].ID, second[i].ID)
		}
	}
}

func TestEvaluateRule(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	if _, err := e.EvaluateRule(ctx, "no-such-rule"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for unknown rule, got %v", err)
	}

	caseRuleID := rules.RuleID(state.RuleCaseIsolation)
	status, err := e.EvaluateRule(ctx, caseRuleID)
	if err != nil {
		t.Fatalf("EvaluateRule failed: %v", err)
	}
	if status != state.RuleActive {
		t.Errorf("Expected active in foundation phase, got %s", status)
	}
}

func TestRecordOverrideStrainSequence(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()
	caseRuleID := rules.RuleID(state.RuleCaseIsolation)

	if _, err := e.RecordOverride(ctx, "no-such-rule", "memo"); !errors.Is(err, ErrValidation) {
		t.Errorf("Expected validation error for unknown rule, got %v", err)
	}

	for i, wantTriggered := range []bool{false, false, true, false} {
		res, err := e.RecordOverride(ctx, caseRuleID, "needed cross-case memo")
		if err != nil {
			t.Fatalf("RecordOverride %d failed: %v", i, err)
		}
		if res.Triggered != wantTriggered {
			t.Errorf("Override %d: triggered = %v, want %v", i+1, res.Triggered, wantTriggered)
		}
	}

	events, _, err := e.History(ctx, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	strainEvents := 0
	for _, ev := range events {
		if ev.EventType == eventlog.TypeStrainTriggered {
			strainEvents++
		}
	}
	if strainEvents != 1 {
		t.Errorf("Expected exactly 1 strain event, got %d", strainEvents)
	}
}

func TestTransitionPhaseGates(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	_, err := e.TransitionPhase(ctx, state.PhaseStage2ParallelStreams, false)
	if err == nil {
		t.Fatal("Expected gate rejection before first pass completes")
	}
	if code := ExitCode(err); code != ExitValidationError {
		t.Errorf("Expected exit code %d for gate rejection, got %d", ExitValidationError, code)
	}

	if _, err := e.CompleteFirstPass(ctx); err != nil {
		t.Fatalf("CompleteFirstPass failed: %v", err)
	}
	st, err := e.TransitionPhase(ctx, state.PhaseStage2ParallelStreams, false)
	if err != nil {
		t.Fatalf("TransitionPhase failed: %v", err)
	}
	if st.SandwichStatus.CurrentPhase != state.PhaseStage2ParallelStreams {
		t.Errorf("Expected new phase, got %s", st.SandwichStatus.CurrentPhase)
	}

	// Reverting requires the explicit flag.
	if _, err := e.TransitionPhase(ctx, state.PhaseStage1Foundation, false); err == nil {
		t.Error("Expected revert rejection without flag")
	}
	if _, err := e.TransitionPhase(ctx, state.PhaseStage1Foundation, true); err != nil {
		t.Errorf("Revert with flag failed: %v", err)
	}
}

func TestTransitionRelaxesRules(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	if _, err := e.CompleteFirstPass(ctx); err != nil {
		t.Fatalf("CompleteFirstPass failed: %v", err)
	}
	if _, err := e.TransitionPhase(ctx, state.PhaseStage2Synthesis, false); err != nil {
		t.Fatalf("TransitionPhase failed: %v", err)
	}

	summaries, err := e.Rules(ctx)
	if err != nil {
		t.Fatalf("Rules failed: %v", err)
	}
	for _, s := range summaries {
		if s.Status != state.RuleRelaxed {
			t.Errorf("Rule %s: expected relaxed at synthesis, got %s", s.Kind, s.Status)
		}
		if !s.Response.Proceed {
			t.Errorf("Rule %s: relaxed rules must allow proceeding", s.Kind)
		}
	}
}

func TestRulesSummaryResponses(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)

	summaries, err := e.Rules(context.Background())
	if err != nil {
		t.Fatalf("Rules failed: %v", err)
	}
	byKind := make(map[state.RuleKind]RuleSummary, len(summaries))
	for _, s := range summaries {
		byKind[s.Kind] = s
	}
	if !byKind[state.RuleCaseIsolation].Response.NeedsJustification {
		t.Error("Challenge-level rule must require justification")
	}
	if !byKind[state.RuleStreamSeparation].Response.Refuse {
		t.Error("Hard-stop rule must refuse")
	}
}

func TestRecoverFromBackup(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	// A second save produces the rolling backup.
	if _, err := e.RecordCodedDocument(ctx, "d1", 1); err != nil {
		t.Fatalf("RecordCodedDocument failed: %v", err)
	}

	if err := os.WriteFile(e.StatePath(), []byte("{corrupt"), 0644); err != nil {
		t.Fatalf("Failed to corrupt state: %v", err)
	}

	if _, err := New(e.Root()); err != nil {
		// Engine construction does not read state; corruption surfaces on load.
		t.Fatalf("New failed: %v", err)
	}
	if _, err := e.LoadState(ctx); ExitCode(err) != ExitCorruptState {
		t.Fatalf("Expected corrupt state exit code, got %v", err)
	}

	st, err := e.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if st.Identity.Name != "study" {
		t.Errorf("Expected recovered identity, got %s", st.Identity.Name)
	}
}

func TestReloadDesignRegeneratesRules(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()

	// Drop stream separation from the design.
	reduced := `
cases:
  - id: site_a
  - id: site_b
isolation:
  case_isolation:
    enabled: true
    relaxes_at_phase: stage2_phase2_synthesis
    friction_level: challenge
`
	if err := os.WriteFile(filepath.Join(e.Root(), "design.yaml"), []byte(reduced), 0644); err != nil {
		t.Fatalf("Failed to rewrite design: %v", err)
	}

	st, err := e.ReloadDesign(ctx)
	if err != nil {
		t.Fatalf("ReloadDesign failed: %v", err)
	}
	if len(st.Rules) != 1 || st.Rules[0].Kind != state.RuleCaseIsolation {
		t.Errorf("Expected single case isolation rule, got %+v", st.Rules)
	}
}

func TestStrainHistorySurvivesRegeneration(t *testing.T) {
	e := newEngine(t)
	initProject(t, e)
	ctx := context.Background()
	caseRuleID := rules.RuleID(state.RuleCaseIsolation)

	if _, err := e.RecordOverride(ctx, caseRuleID, "early memo"); err != nil {
		t.Fatalf("RecordOverride failed: %v", err)
	}
	if _, err := e.GenerateRules(ctx); err != nil {
		t.Fatalf("GenerateRules failed: %v", err)
	}

	st, err := e.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	record := st.StrainTracking[caseRuleID]
	if record == nil || len(record.Overrides) != 1 {
		t.Error("Expected strain history preserved across rule regeneration")
	}
}
