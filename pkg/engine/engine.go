// Package engine exposes the operation surface over a project directory.
// Every mutating operation is one locked read-mutate-write transaction
// against the state file, with events appended to the project history after
// the state change lands.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"qualcore/pkg/archive"
	"qualcore/pkg/config"
	"qualcore/pkg/design"
	"qualcore/pkg/eventlog"
	"qualcore/pkg/logx"
	"qualcore/pkg/metrics"
	"qualcore/pkg/pathguard"
	"qualcore/pkg/phase"
	"qualcore/pkg/rules"
	"qualcore/pkg/saturation"
	"qualcore/pkg/state"
	"qualcore/pkg/strain"
)

// Refinement change types accepted by RecordRefinement.
const (
	ChangeSplit        = "split"
	ChangeMerge        = "merge"
	ChangeRedefinition = "redefinition"
)

// Engine binds the component packages to one project directory.
type Engine struct {
	root   string
	guard  *pathguard.Guard
	cfg    *config.Config
	store  *state.Store
	events *eventlog.Log
	seq    *phase.Sequence
	arc    *archive.Archive
	logger *logx.Logger
	now    func() time.Time
}

// New opens a project directory. The directory itself may not yet contain a
// project; InitProject creates one. The archive is opened lazily only when
// enabled in config.
func New(projectRoot string) (*Engine, error) {
	guard, err := pathguard.NewGuard(projectRoot)
	if err != nil {
		return nil, validationf("invalid project root: %v", err)
	}
	root := guard.Root()

	cfg, err := config.Load(root)
	if err != nil {
		return nil, fmt.Errorf("failed to load project config: %w", err)
	}

	lockTimeout := time.Duration(cfg.LockTimeoutMS) * time.Millisecond

	store := state.NewStore(lockTimeout)
	store.SetPhaseLabels(cfg.PhaseLabels)

	e := &Engine{
		root:   root,
		guard:  guard,
		cfg:    cfg,
		store:  store,
		events: eventlog.New(config.LogPath(root), lockTimeout),
		seq:    phase.NewSequence(cfg.PhaseLabels),
		logger: logx.NewLogger("engine"),
		now:    time.Now,
	}

	if cfg.ArchiveEnabled {
		arc, err := archive.Open(config.ArchivePath(root))
		if err != nil {
			// The archive is derived data; losing it degrades queries, not
			// correctness.
			e.logger.Warn("archive unavailable: %v", err)
		} else {
			e.arc = arc
		}
	}

	return e, nil
}

// Close releases the archive connection if one is open.
func (e *Engine) Close() error {
	if e.arc != nil {
		return e.arc.Close()
	}
	return nil
}

// Root returns the validated project root.
func (e *Engine) Root() string {
	return e.root
}

// Config returns the loaded project configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// StatePath returns the project's state file path.
func (e *Engine) StatePath() string {
	return config.StatePath(e.root)
}

// BackupPath returns the rolling backup path for the state file.
func (e *Engine) BackupPath() string {
	return e.StatePath() + state.BackupSuffix
}

// NewBuffer returns a write buffer over this project's state file using the
// configured flush threshold.
func (e *Engine) NewBuffer() *state.WriteBuffer {
	return state.NewWriteBuffer(e.store, e.StatePath(), e.cfg.BufferThreshold)
}

// InitProject creates a fresh project. If a design declaration exists at the
// project root it is ingested and rules are generated immediately.
func (e *Engine) InitProject(ctx context.Context, name string, stance state.Stance) (*state.ProjectState, error) {
	if name == "" {
		return nil, validationf("project name must not be empty")
	}

	st := state.NewProjectState(name, e.now())
	st.Stance = stance
	st.SandwichStatus.CurrentPhase = e.seq.First()

	designPath, err := e.guard.Resolve(config.DesignFilename)
	if err != nil {
		return nil, validationf("invalid design path: %v", err)
	}
	if _, err := os.Stat(designPath); err == nil {
		rd, err := design.Load(designPath, e.seq.Labels())
		if err != nil {
			return nil, validationf("design declaration rejected: %v", err)
		}
		st.ResearchDesign = rd
		generated, err := rules.Generate(rd)
		if err != nil {
			return nil, fmt.Errorf("failed to generate rules: %w", err)
		}
		st.Rules = generated
	}

	if err := e.store.Create(ctx, e.StatePath(), st); err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeProjectInit, map[string]any{
		"name":       name,
		"rule_count": len(st.Rules),
	})
	e.logger.Info("🎬 Project %q initialized at %s", name, e.root)
	return st, nil
}

// LoadState reads the current project state without mutating it.
func (e *Engine) LoadState(ctx context.Context) (*state.ProjectState, error) {
	return e.store.Load(ctx, e.StatePath())
}

// RecordCodedDocument registers one coded document and its new-code count.
func (e *Engine) RecordCodedDocument(ctx context.Context, docID string, newCodeCount int) (*state.ProjectState, error) {
	if docID == "" {
		return nil, validationf("document id must not be empty")
	}
	if newCodeCount < 0 {
		return nil, validationf("new code count must not be negative, got %d", newCodeCount)
	}

	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		s.CodingProgress.DocumentsCoded++
		s.Saturation.Signals.RecentDocs = append(s.Saturation.Signals.RecentDocs, state.DocCoding{
			DocID:    docID,
			NewCodes: newCodeCount,
			At:       e.now().UTC(),
		})
		// Keep only the trailing window; older entries are summarized by the
		// counters and the event log.
		if limit := e.cfg.SaturationWindow; len(s.Saturation.Signals.RecentDocs) > limit {
			s.Saturation.Signals.RecentDocs = s.Saturation.Signals.RecentDocs[len(s.Saturation.Signals.RecentDocs)-limit:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeDocumentCoded, map[string]any{
		"doc_id":    docID,
		"new_codes": newCodeCount,
	})
	return st, nil
}

// RecordRefinement registers a code definition change.
func (e *Engine) RecordRefinement(ctx context.Context, codeID, changeType, rationale string) (*state.ProjectState, error) {
	if codeID == "" {
		return nil, validationf("code id must not be empty")
	}
	switch changeType {
	case ChangeSplit, ChangeMerge, ChangeRedefinition:
	default:
		return nil, validationf("unknown change type %q", changeType)
	}

	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		s.Saturation.Signals.Refinements = append(s.Saturation.Signals.Refinements, state.Refinement{
			CodeID:     codeID,
			ChangeType: changeType,
			Rationale:  rationale,
			DocIndex:   s.CodingProgress.DocumentsCoded,
			At:         e.now().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeRefinement, map[string]any{
		"code_id":     codeID,
		"change_type": changeType,
		"rationale":   rationale,
	})
	return st, nil
}

// UpdateRedundancy stores the caller-supplied redundancy judgment.
func (e *Engine) UpdateRedundancy(ctx context.Context, score float64, notes string) (*state.ProjectState, error) {
	if score < 0 || score > 1 {
		return nil, validationf("redundancy score must be in [0,1], got %v", score)
	}

	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		s.Saturation.Signals.Redundancy = score
		s.Saturation.Signals.RedundancyNotes = notes
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeRedundancyUpdated, map[string]any{
		"score": score,
		"notes": notes,
	})
	return st, nil
}

// UpdateCoverage stores the caller-supplied coverage ratio.
func (e *Engine) UpdateCoverage(ctx context.Context, ratio float64) (*state.ProjectState, error) {
	if ratio < 0 || ratio > 1 {
		return nil, validationf("coverage ratio must be in [0,1], got %v", ratio)
	}

	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		s.Saturation.Signals.CoverageRatio = ratio
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeCoverageUpdated, map[string]any{"ratio": ratio})
	return st, nil
}

// AssessSaturation scores the current signals, persists the assessment, and
// returns it.
func (e *Engine) AssessSaturation(ctx context.Context) (*state.Assessment, error) {
	var assessment state.Assessment
	_, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		assessment = saturation.Assess(s, e.cfg.SaturationWindow, e.now())
		s.Saturation.LastAssessment = &assessment
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SetSaturationScore(assessment.Score)
	e.appendEvent(ctx, eventlog.TypeSaturationAssess, map[string]any{
		"score": assessment.Score,
		"level": assessment.Level,
	})
	if e.arc != nil {
		if err := e.arc.RecordAssessment(&assessment); err != nil {
			e.logger.Warn("failed to archive assessment: %v", err)
		}
	}
	return &assessment, nil
}

// GenerateRules regenerates rules from the stored research design. Identity
// is stable, so strain history keyed by rule id carries over.
func (e *Engine) GenerateRules(ctx context.Context) ([]state.Rule, error) {
	var generated []state.Rule
	_, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		if s.ResearchDesign == nil {
			return validationf("project has no research design; add design.yaml and reload")
		}
		out, err := rules.Generate(s.ResearchDesign)
		if err != nil {
			return err
		}
		for i := range out {
			out[i].Status = rules.Status(e.seq, &out[i], s.SandwichStatus.CurrentPhase)
		}
		s.Rules = out
		generated = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeRulesGenerated, map[string]any{
		"rule_count": len(generated),
	})
	return generated, nil
}

// EvaluateRule computes a rule's status against the current phase. The
// status is derived, never trusted from the stored field.
func (e *Engine) EvaluateRule(ctx context.Context, ruleID string) (state.RuleStatus, error) {
	if ruleID == "" {
		return "", validationf("rule id must not be empty")
	}
	st, err := e.LoadState(ctx)
	if err != nil {
		return "", err
	}
	rule := st.RuleByID(ruleID)
	if rule == nil {
		return "", validationf("unknown rule %q", ruleID)
	}
	return rules.Status(e.seq, rule, st.SandwichStatus.CurrentPhase), nil
}

// RecordOverride logs a justified override of a rule and reports resulting
// strain. A strain trigger fires at most once per rule per phase and is
// itself recorded as an event.
func (e *Engine) RecordOverride(ctx context.Context, ruleID, justification string) (strain.Result, error) {
	var result strain.Result
	var phaseAtRecord string
	_, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		if s.RuleByID(ruleID) == nil {
			return validationf("unknown rule %q", ruleID)
		}
		if err := strain.RecordOverride(s, ruleID, justification, e.now()); err != nil {
			return validationf("%v", err)
		}
		phaseAtRecord = s.SandwichStatus.CurrentPhase
		result = strain.CheckStrain(s, ruleID, e.cfg.StrainThreshold, e.now())
		return nil
	})
	if err != nil {
		return strain.Result{}, err
	}

	e.appendEvent(ctx, eventlog.TypeOverrideRecorded, map[string]any{
		"rule_id":       ruleID,
		"justification": justification,
		"phase":         phaseAtRecord,
	})
	if result.Triggered {
		e.appendEvent(ctx, eventlog.TypeStrainTriggered, map[string]any{
			"rule_id":        ruleID,
			"override_count": result.OverrideCount,
			"phase":          phaseAtRecord,
		})
		e.logger.Info("⚠️ Rule %s under strain: %d overrides this phase", ruleID, result.OverrideCount)
	}
	if e.arc != nil {
		if err := e.arc.RecordOverride(ruleID, phaseAtRecord, justification, e.now()); err != nil {
			e.logger.Warn("failed to archive override: %v", err)
		}
	}
	return result, nil
}

// TransitionPhase moves the project to the target phase, re-evaluating every
// rule's status under the new phase.
func (e *Engine) TransitionPhase(ctx context.Context, target string, allowRevert bool) (*state.ProjectState, error) {
	var from string
	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		from = s.SandwichStatus.CurrentPhase
		if err := e.seq.Transition(s, target, allowRevert); err != nil {
			return err
		}
		for i := range s.Rules {
			s.Rules[i].Status = rules.Status(e.seq, &s.Rules[i], target)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypePhaseTransition, map[string]any{
		"from_phase": from,
		"to_phase":   target,
	})
	e.logger.Info("🚀 Phase transition: %s -> %s", from, target)
	return st, nil
}

// CompleteFirstPass marks the foundation coding pass done, clearing the gate
// out of the first phase.
func (e *Engine) CompleteFirstPass(ctx context.Context) (*state.ProjectState, error) {
	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		s.CodingProgress.FirstPassComplete = true
		s.SandwichStatus.Stage1Complete = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, eventlog.TypeFirstPassComplete, map[string]any{
		"documents_coded": st.CodingProgress.DocumentsCoded,
	})
	return st, nil
}

// ReloadDesign re-reads the design declaration and regenerates rules under
// the fresh design.
func (e *Engine) ReloadDesign(ctx context.Context) (*state.ProjectState, error) {
	designPath, err := e.guard.Resolve(config.DesignFilename)
	if err != nil {
		return nil, validationf("invalid design path: %v", err)
	}
	rd, err := design.Load(designPath, e.seq.Labels())
	if err != nil {
		return nil, validationf("design declaration rejected: %v", err)
	}

	var ruleCount int
	st, err := e.store.Mutate(ctx, e.StatePath(), func(s *state.ProjectState) error {
		s.ResearchDesign = rd
		out, err := rules.Generate(rd)
		if err != nil {
			return err
		}
		for i := range out {
			out[i].Status = rules.Status(e.seq, &out[i], s.SandwichStatus.CurrentPhase)
		}
		s.Rules = out
		ruleCount = len(out)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.appendEvent(ctx, eventlog.TypeRulesGenerated, map[string]any{
		"rule_count": ruleCount,
		"reloaded":   true,
	})
	return st, nil
}

// Recover restores the state file from its rolling backup, preserving the
// corrupt document for review.
func (e *Engine) Recover(ctx context.Context) (*state.ProjectState, error) {
	st, err := e.store.RecoverFromBackup(ctx, e.StatePath())
	if err != nil {
		return nil, err
	}
	e.appendEvent(ctx, eventlog.TypeRecovery, map[string]any{
		"backup": e.BackupPath(),
	})
	return st, nil
}

// History returns the most recent n events, or all of them for n <= 0.
func (e *Engine) History(ctx context.Context, n int) ([]eventlog.Event, int, error) {
	return e.events.Tail(ctx, n)
}

// appendEvent records an event plus its archive mirror. History is
// best-effort relative to the state change that already landed.
func (e *Engine) appendEvent(ctx context.Context, eventType string, payload map[string]any) {
	ev, err := eventlog.NewEvent(eventType, payload)
	if err != nil {
		e.logger.Warn("failed to build %s event: %v", eventType, err)
		return
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("failed to append %s event: %v", eventType, err)
		return
	}
	if e.arc != nil {
		if err := e.arc.RecordEvent(ev.Timestamp, ev.EventType, ev.Payload); err != nil {
			e.logger.Warn("failed to archive %s event: %v", eventType, err)
		}
	}
}

// RuleSummary is a serializable view of a rule plus its derived status.
type RuleSummary struct {
	ID             string              `json:"id"`
	Kind           state.RuleKind      `json:"kind"`
	FrictionLevel  state.FrictionLevel `json:"friction_level"`
	RelaxesAtPhase string              `json:"relaxes_at_phase"`
	Status         state.RuleStatus    `json:"status"`
	Response       rules.Response      `json:"response"`
	BoundConfig    json.RawMessage     `json:"bound_config,omitempty"`
}

// Rules returns every rule with its status evaluated against the current
// phase and the caller contract for an attempted action.
func (e *Engine) Rules(ctx context.Context) ([]RuleSummary, error) {
	st, err := e.LoadState(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RuleSummary, 0, len(st.Rules))
	for i := range st.Rules {
		rule := &st.Rules[i]
		status := rules.Status(e.seq, rule, st.SandwichStatus.CurrentPhase)
		summary := RuleSummary{
			ID:             rule.ID,
			Kind:           rule.Kind,
			FrictionLevel:  rule.FrictionLevel,
			RelaxesAtPhase: rule.RelaxesAtPhase,
			Status:         status,
			BoundConfig:    rule.BoundConfig,
		}
		if status == state.RuleActive {
			summary.Response = rules.ResponseFor(rule.FrictionLevel)
		} else {
			summary.Response = rules.Response{Proceed: true}
		}
		out = append(out, summary)
	}
	return out, nil
}
