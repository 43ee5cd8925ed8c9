// Package saturation computes the composite saturation assessment from the
// four raw signals. The thresholds here are the published scoring contract;
// downstream tooling compares scores across projects, so they must not be
// tuned casually.
package saturation

import (
	"math"
	"time"

	"qualcore/pkg/state"
)

// DefaultWindow is the trailing document window for the generation rate and
// refinement count.
const DefaultWindow = 10

// Saturation levels, from least to most settled.
const (
	LevelLow         = "low"
	LevelEmerging    = "emerging"
	LevelApproaching = "approaching"
	LevelHigh        = "high"
	LevelSaturated   = "saturated"
)

// Component names in Assessment.Components.
const (
	ComponentGeneration = "generation"
	ComponentCoverage   = "coverage"
	ComponentRefinement = "refinement"
	ComponentRedundancy = "redundancy"
)

// Inputs are the four derived signal values fed to the scorer.
type Inputs struct {
	GenerationRate  float64 `json:"generation_rate"`
	CoverageRatio   float64 `json:"coverage_ratio"`
	RefinementCount int     `json:"refinement_count"`
	Redundancy      float64 `json:"redundancy"`
}

// DeriveInputs reduces the stored signals to scorer inputs. The generation
// rate is new codes per document over the trailing window; the refinement
// count covers changes made within the last window documents.
func DeriveInputs(st *state.ProjectState, window int) Inputs {
	if window <= 0 {
		window = DefaultWindow
	}
	signals := &st.Saturation.Signals

	docs := signals.RecentDocs
	if len(docs) > window {
		docs = docs[len(docs)-window:]
	}
	newCodes := 0
	for _, d := range docs {
		newCodes += d.NewCodes
	}
	rate := 0.0
	if len(docs) > 0 {
		rate = float64(newCodes) / float64(len(docs))
	}

	windowStart := st.CodingProgress.DocumentsCoded - window
	refinements := 0
	for _, r := range signals.Refinements {
		if r.DocIndex > windowStart {
			refinements++
		}
	}

	return Inputs{
		GenerationRate:  rate,
		CoverageRatio:   signals.CoverageRatio,
		RefinementCount: refinements,
		Redundancy:      signals.Redundancy,
	}
}

// Score computes the composite 0-100 score and its component breakdown.
func Score(in Inputs) (int, map[string]int) {
	components := map[string]int{
		ComponentGeneration: generationComponent(in.GenerationRate),
		ComponentCoverage:   coverageComponent(in.CoverageRatio),
		ComponentRefinement: refinementComponent(in.RefinementCount),
		ComponentRedundancy: redundancyComponent(in.Redundancy),
	}
	total := 0
	for _, v := range components {
		total += v
	}
	return total, components
}

// generationComponent scores the new-code generation rate, max 30.
func generationComponent(r float64) int {
	switch {
	case r < 0.5:
		return 30
	case r < 1.0:
		return 15
	default:
		return 0
	}
}

// coverageComponent scores code coverage, max 25.
func coverageComponent(c float64) int {
	if c >= 0.7 {
		return 25
	}
	return int(math.Round(c * 15))
}

// refinementComponent scores definitional stability, max 25.
func refinementComponent(f int) int {
	if f <= 2 {
		return 25
	}
	return 5
}

// redundancyComponent scores the caller-supplied redundancy judgment, max 20.
func redundancyComponent(d float64) int {
	switch {
	case d >= 0.85:
		return 20
	case d >= 0.595:
		return 12
	default:
		return 0
	}
}

// LevelFor maps a composite score to its named level.
func LevelFor(score int) string {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelEmerging
	case score < 70:
		return LevelApproaching
	case score < 90:
		return LevelHigh
	default:
		return LevelSaturated
	}
}

// Assess scores the project's current signals and returns the assessment
// without storing it; the caller decides whether to persist.
func Assess(st *state.ProjectState, window int, now time.Time) state.Assessment {
	inputs := DeriveInputs(st, window)
	score, components := Score(inputs)
	return state.Assessment{
		Score:      score,
		Level:      LevelFor(score),
		Components: components,
		AssessedAt: now.UTC(),
	}
}
