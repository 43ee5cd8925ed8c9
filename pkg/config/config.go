// Package config provides engine configuration loading and validation.
// Configuration lives in JSON under the project's .qualcore directory, with
// environment variable placeholders, defaults, and explicit validation.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

// Project config constants.
const (
	ConfigDir       = ".qualcore"
	ConfigFilename  = "config.json"
	StateFilename   = "state.json"
	LogFilename     = "log.jsonl"
	DesignFilename  = "design.yaml"
	ArchiveFilename = "archive.db"
	SchemaVersion   = 1
)

// Defaults for engine tunables.
const (
	DefaultLockTimeoutMS    = 10000
	DefaultBufferThreshold  = 5
	DefaultStrainThreshold  = 3
	DefaultSaturationWindow = 10
)

// envVarRegex matches ${VAR_NAME} placeholders in config values.
//
//nolint:gochecknoglobals // Compiled once for placeholder substitution
var envVarRegex = regexp.MustCompile(`\$\{[A-Z_][A-Z0-9_]*\}`)

// Config holds the engine tunables for one project.
type Config struct {
	SchemaVersion    int      `json:"schema_version"`
	LockTimeoutMS    int      `json:"lock_timeout_ms"`
	BufferThreshold  int      `json:"buffer_threshold"`
	StrainThreshold  int      `json:"strain_threshold"`
	SaturationWindow int      `json:"saturation_window"`
	PhaseLabels      []string `json:"phase_labels,omitempty"`
	// ArchiveEnabled turns on the SQLite audit archive.
	ArchiveEnabled bool `json:"archive_enabled"`
}

// Default returns a config with every tunable at its default.
func Default() *Config {
	return &Config{
		SchemaVersion:    SchemaVersion,
		LockTimeoutMS:    DefaultLockTimeoutMS,
		BufferThreshold:  DefaultBufferThreshold,
		StrainThreshold:  DefaultStrainThreshold,
		SaturationWindow: DefaultSaturationWindow,
	}
}

// Dir returns the project's config directory.
func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir)
}

// Path returns the config file path for a project root.
func Path(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, ConfigFilename)
}

// StatePath returns the state file path for a project root.
func StatePath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, StateFilename)
}

// LogPath returns the event log path for a project root.
func LogPath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, LogFilename)
}

// DesignPath returns the research design declaration path.
func DesignPath(projectRoot string) string {
	return filepath.Join(projectRoot, DesignFilename)
}

// ArchivePath returns the SQLite archive path for a project root.
func ArchivePath(projectRoot string) string {
	return filepath.Join(projectRoot, ConfigDir, ArchiveFilename)
}

// Load reads the config file for a project root. A missing file yields the
// defaults; a present but malformed or invalid file is an error.
func Load(projectRoot string) (*Config, error) {
	return LoadPath(Path(projectRoot))
}

// LoadPath reads a config file from an explicit path.
func LoadPath(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			applyEnvOverrides(cfg)
			if err := validateConfig(cfg); err != nil {
				return nil, fmt.Errorf("config validation failed: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Replace environment variable placeholders.
	dataStr := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		envVar := match[2 : len(match)-1]
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})

	var cfg Config
	if err := json.Unmarshal([]byte(dataStr), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Save writes the config file, creating the config directory if needed.
func Save(projectRoot string, cfg *Config) error {
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := os.MkdirAll(Dir(projectRoot), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(Path(projectRoot), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvOverrides lets QUALCORE_* variables override individual tunables,
// which keeps agent wrappers from having to rewrite the config file.
func applyEnvOverrides(cfg *Config) {
	overrideInt(&cfg.LockTimeoutMS, "QUALCORE_LOCK_TIMEOUT_MS")
	overrideInt(&cfg.BufferThreshold, "QUALCORE_BUFFER_THRESHOLD")
	overrideInt(&cfg.StrainThreshold, "QUALCORE_STRAIN_THRESHOLD")
	overrideInt(&cfg.SaturationWindow, "QUALCORE_SATURATION_WINDOW")
}

func overrideInt(target *int, envKey string) {
	value := os.Getenv(envKey)
	if value == "" {
		return
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return
	}
	*target = parsed
}

func applyDefaults(cfg *Config) {
	if cfg.SchemaVersion == 0 {
		cfg.SchemaVersion = SchemaVersion
	}
	if cfg.LockTimeoutMS == 0 {
		cfg.LockTimeoutMS = DefaultLockTimeoutMS
	}
	if cfg.BufferThreshold == 0 {
		cfg.BufferThreshold = DefaultBufferThreshold
	}
	if cfg.StrainThreshold == 0 {
		cfg.StrainThreshold = DefaultStrainThreshold
	}
	if cfg.SaturationWindow == 0 {
		cfg.SaturationWindow = DefaultSaturationWindow
	}
}

func validateConfig(cfg *Config) error {
	if cfg.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive, got %d", cfg.SchemaVersion)
	}
	if cfg.LockTimeoutMS <= 0 {
		return fmt.Errorf("lock_timeout_ms must be positive, got %d", cfg.LockTimeoutMS)
	}
	if cfg.BufferThreshold <= 0 {
		return fmt.Errorf("buffer_threshold must be positive, got %d", cfg.BufferThreshold)
	}
	if cfg.StrainThreshold <= 0 {
		return fmt.Errorf("strain_threshold must be positive, got %d", cfg.StrainThreshold)
	}
	if cfg.SaturationWindow <= 0 {
		return fmt.Errorf("saturation_window must be positive, got %d", cfg.SaturationWindow)
	}
	if len(cfg.PhaseLabels) == 1 {
		return fmt.Errorf("phase_labels must list at least two phases when set")
	}
	seen := make(map[string]bool, len(cfg.PhaseLabels))
	for _, label := range cfg.PhaseLabels {
		if label == "" {
			return fmt.Errorf("phase_labels must not contain empty labels")
		}
		if seen[label] {
			return fmt.Errorf("phase_labels contains duplicate %q", label)
		}
		seen[label] = true
	}
	return nil
}
