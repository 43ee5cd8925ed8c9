// Package design loads the research design declaration. The design is
// declared once in YAML at the project root and drives rule generation; the
// engine copies it into project state so the state file stays
// self-contained.
package design

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"qualcore/pkg/state"
)

// Document is the YAML shape of design.yaml.
type Document struct {
	Cases     []CaseDecl               `yaml:"cases"`
	Waves     []WaveDecl               `yaml:"waves"`
	Streams   StreamsDecl              `yaml:"streams"`
	Isolation map[string]IsolationDecl `yaml:"isolation"`
}

// CaseDecl declares one comparison group.
type CaseDecl struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Folder string `yaml:"folder"`
}

// WaveDecl declares one longitudinal collection period.
type WaveDecl struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Period string `yaml:"period"`
}

// StreamsDecl declares the parallel analysis streams.
type StreamsDecl struct {
	Enabled     bool   `yaml:"enabled"`
	StreamAPath string `yaml:"stream_a_path"`
	StreamBPath string `yaml:"stream_b_path"`
}

// IsolationDecl configures one isolation kind.
type IsolationDecl struct {
	Enabled        bool   `yaml:"enabled"`
	RelaxesAtPhase string `yaml:"relaxes_at_phase"`
	FrictionLevel  string `yaml:"friction_level"`
}

// Load reads and validates a design declaration file.
func Load(path string, knownPhases []string) (*state.ResearchDesign, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read design file: %w", err)
	}
	return Parse(data, knownPhases)
}

// Parse validates a YAML design document and converts it to state form.
func Parse(data []byte, knownPhases []string) (*state.ResearchDesign, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse design YAML: %w", err)
	}
	if err := validate(&doc, knownPhases); err != nil {
		return nil, fmt.Errorf("design validation failed: %w", err)
	}
	return convert(&doc), nil
}

func validate(doc *Document, knownPhases []string) error {
	phases := make(map[string]bool, len(knownPhases))
	for _, p := range knownPhases {
		phases[p] = true
	}

	caseIDs := make(map[string]bool, len(doc.Cases))
	for i, c := range doc.Cases {
		if c.ID == "" {
			return fmt.Errorf("case %d has no id", i)
		}
		if caseIDs[c.ID] {
			return fmt.Errorf("duplicate case id %q", c.ID)
		}
		caseIDs[c.ID] = true
	}

	waveIDs := make(map[string]bool, len(doc.Waves))
	for i, w := range doc.Waves {
		if w.ID == "" {
			return fmt.Errorf("wave %d has no id", i)
		}
		if waveIDs[w.ID] {
			return fmt.Errorf("duplicate wave id %q", w.ID)
		}
		waveIDs[w.ID] = true
	}

	for kind, setting := range doc.Isolation {
		if !setting.Enabled {
			continue
		}
		switch state.RuleKind(kind) {
		case state.RuleCaseIsolation, state.RuleWaveIsolation, state.RuleStreamSeparation, state.RuleCustom:
		default:
			return fmt.Errorf("unknown isolation kind %q", kind)
		}
		switch state.FrictionLevel(setting.FrictionLevel) {
		case state.FrictionSilent, state.FrictionNudge, state.FrictionChallenge, state.FrictionHardStop:
		default:
			return fmt.Errorf("isolation %s: unknown friction level %q", kind, setting.FrictionLevel)
		}
		if setting.RelaxesAtPhase != "" && len(phases) > 0 && !phases[setting.RelaxesAtPhase] {
			return fmt.Errorf("isolation %s: unknown relaxation phase %q", kind, setting.RelaxesAtPhase)
		}
		if state.RuleKind(kind) == state.RuleCaseIsolation && len(doc.Cases) < 2 {
			return fmt.Errorf("case_isolation requires at least two declared cases")
		}
		if state.RuleKind(kind) == state.RuleWaveIsolation && len(doc.Waves) < 2 {
			return fmt.Errorf("wave_isolation requires at least two declared waves")
		}
		if state.RuleKind(kind) == state.RuleStreamSeparation && !doc.Streams.Enabled {
			return fmt.Errorf("stream_separation requires streams to be enabled")
		}
	}

	return nil
}

func convert(doc *Document) *state.ResearchDesign {
	out := &state.ResearchDesign{
		Streams: state.StreamConfig{
			Enabled:     doc.Streams.Enabled,
			StreamAPath: doc.Streams.StreamAPath,
			StreamBPath: doc.Streams.StreamBPath,
		},
	}
	for _, c := range doc.Cases {
		out.Cases = append(out.Cases, state.Case{ID: c.ID, Name: c.Name, Folder: c.Folder})
	}
	for _, w := range doc.Waves {
		out.Waves = append(out.Waves, state.Wave{ID: w.ID, Name: w.Name, Period: w.Period})
	}
	if len(doc.Isolation) > 0 {
		out.Isolation = make(map[string]state.IsolationSetting, len(doc.Isolation))
		for kind, setting := range doc.Isolation {
			out.Isolation[kind] = state.IsolationSetting{
				Enabled:        setting.Enabled,
				RelaxesAtPhase: setting.RelaxesAtPhase,
				FrictionLevel:  state.FrictionLevel(setting.FrictionLevel),
			}
		}
	}
	return out
}
