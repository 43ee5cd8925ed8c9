package saturation

import (
	"testing"
	"time"

	"qualcore/pkg/state"
)

func TestScoreFullySaturated(t *testing.T) {
	score, components := Score(Inputs{
		GenerationRate:  0.4,
		CoverageRatio:   0.75,
		RefinementCount: 1,
		Redundancy:      0.9,
	})
	if score != 100 {
		t.Errorf("Expected score 100, got %d", score)
	}
	want := map[string]int{
		ComponentGeneration: 30,
		ComponentCoverage:   25,
		ComponentRefinement: 25,
		ComponentRedundancy: 20,
	}
	for name, v := range want {
		if components[name] != v {
			t.Errorf("Component %s: expected %d, got %d", name, v, components[name])
		}
	}
	if LevelFor(score) != LevelSaturated {
		t.Errorf("Expected level %s, got %s", LevelSaturated, LevelFor(score))
	}
}

func TestScoreEarlyProject(t *testing.T) {
	score, components := Score(Inputs{
		GenerationRate:  1.2,
		CoverageRatio:   0.3,
		RefinementCount: 5,
		Redundancy:      0.5,
	})
	// 0 + round(0.3*15)=5 + 5 + 0.
	if score != 10 {
		t.Errorf("Expected score 10, got %d", score)
	}
	if components[ComponentCoverage] != 5 {
		t.Errorf("Expected coverage component 5, got %d", components[ComponentCoverage])
	}
	if LevelFor(score) != LevelLow {
		t.Errorf("Expected level %s, got %s", LevelLow, LevelFor(score))
	}
}

func TestComponentBoundaries(t *testing.T) {
	tests := []struct {
		name string
		in   Inputs
		comp string
		want int
	}{
		{"generation at 0.5 scores 15", Inputs{GenerationRate: 0.5}, ComponentGeneration, 15},
		{"generation at 1.0 scores 0", Inputs{GenerationRate: 1.0}, ComponentGeneration, 0},
		{"coverage at 0.7 scores full", Inputs{CoverageRatio: 0.7}, ComponentCoverage, 25},
		{"coverage just under threshold rounds", Inputs{CoverageRatio: 0.69}, ComponentCoverage, 10},
		{"refinement at 2 scores full", Inputs{RefinementCount: 2}, ComponentRefinement, 25},
		{"refinement at 3 scores floor", Inputs{RefinementCount: 3}, ComponentRefinement, 5},
		{"redundancy at 0.85 scores full", Inputs{Redundancy: 0.85}, ComponentRedundancy, 20},
		{"redundancy at 0.595 scores mid", Inputs{Redundancy: 0.595}, ComponentRedundancy, 12},
		{"redundancy below mid scores zero", Inputs{Redundancy: 0.594}, ComponentRedundancy, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, components := Score(tt.in)
			if components[tt.comp] != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, components[tt.comp])
			}
		})
	}
}

func TestLevelBoundaries(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{0, LevelLow},
		{24, LevelLow},
		{25, LevelEmerging},
		{49, LevelEmerging},
		{50, LevelApproaching},
		{69, LevelApproaching},
		{70, LevelHigh},
		{89, LevelHigh},
		{90, LevelSaturated},
		{100, LevelSaturated},
	}
	for _, tt := range tests {
		if got := LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestDeriveInputsWindowing(t *testing.T) {
	st := state.NewProjectState("study", time.Now())
	st.CodingProgress.DocumentsCoded = 15

	// 15 documents coded; only the last 10 are in the window.
	for i := 0; i < 15; i++ {
		newCodes := 0
		if i >= 5 {
			newCodes = 1
		}
		st.Saturation.Signals.RecentDocs = append(st.Saturation.Signals.RecentDocs, state.DocCoding{
			DocID:    "doc",
			NewCodes: newCodes,
			At:       time.Now(),
		})
	}
	// One refinement inside the window, one before it.
	st.Saturation.Signals.Refinements = []state.Refinement{
		{CodeID: "c1", ChangeType: "split", DocIndex: 3},
		{CodeID: "c2", ChangeType: "merge", DocIndex: 12},
	}
	st.Saturation.Signals.CoverageRatio = 0.8
	st.Saturation.Signals.Redundancy = 0.6

	in := DeriveInputs(st, 10)
	if in.GenerationRate != 1.0 {
		t.Errorf("Expected generation rate 1.0, got %v", in.GenerationRate)
	}
	if in.RefinementCount != 1 {
		t.Errorf("Expected 1 refinement in window, got %d", in.RefinementCount)
	}
	if in.CoverageRatio != 0.8 || in.Redundancy != 0.6 {
		t.Errorf("Pass-through signals wrong: %+v", in)
	}
}

func TestDeriveInputsEmptyProject(t *testing.T) {
	st := state.NewProjectState("study", time.Now())
	in := DeriveInputs(st, 0)
	if in.GenerationRate != 0 || in.RefinementCount != 0 {
		t.Errorf("Expected zero-valued inputs, got %+v", in)
	}
}

func TestAssess(t *testing.T) {
	st := state.NewProjectState("study", time.Now())
	st.Saturation.Signals.CoverageRatio = 0.75
	st.Saturation.Signals.Redundancy = 0.9

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := Assess(st, DefaultWindow, now)

	// No docs coded: rate 0 (30) + coverage 25 + refinements 0 (25) + 20.
	if a.Score != 100 {
		t.Errorf("Expected score 100, got %d", a.Score)
	}
	if a.Level != LevelSaturated {
		t.Errorf("Expected level %s, got %s", LevelSaturated, a.Level)
	}
	if !a.AssessedAt.Equal(now) {
		t.Errorf("Expected timestamp %v, got %v", now, a.AssessedAt)
	}
}
