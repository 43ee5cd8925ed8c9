// Package archive maintains an optional SQLite mirror of events and
// saturation assessments for ad-hoc querying. The JSON state file and the
// JSONL event log remain the source of truth; the archive is derived data
// and every write here is best-effort from the engine's point of view.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"qualcore/pkg/logx"
	"qualcore/pkg/state"
)

const schemaVersion = 1

// Archive wraps the SQLite connection for one project.
type Archive struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens or creates the archive database and applies the schema.
func Open(dbPath string) (*Archive, error) {
	// modernc.org/sqlite takes pragmas as _pragma=name(value) pairs; the
	// mattn-style _journal_mode keys are silently ignored by this driver.
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	return &Archive{
		db:     db,
		logger: logx.NewLogger("archive"),
	}, nil
}

// Close closes the underlying connection.
func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive database: %w", err)
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE TABLE IF NOT EXISTS assessments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			assessed_at TEXT NOT NULL,
			score INTEGER NOT NULL,
			level TEXT NOT NULL,
			components TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS overrides (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			justification TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_overrides_rule ON overrides(rule_id, phase)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	_, err := db.Exec(
		`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// RecordEvent mirrors one event row.
func (a *Archive) RecordEvent(timestamp time.Time, eventType string, payload json.RawMessage) error {
	_, err := a.db.Exec(
		`INSERT INTO events (timestamp, event_type, payload) VALUES (?, ?, ?)`,
		timestamp.UTC().Format(time.RFC3339), eventType, string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to archive event: %w", err)
	}
	return nil
}

// RecordAssessment mirrors one saturation assessment.
func (a *Archive) RecordAssessment(assessment *state.Assessment) error {
	components, err := json.Marshal(assessment.Components)
	if err != nil {
		return fmt.Errorf("failed to serialize components: %w", err)
	}
	_, err = a.db.Exec(
		`INSERT INTO assessments (assessed_at, score, level, components) VALUES (?, ?, ?, ?)`,
		assessment.AssessedAt.UTC().Format(time.RFC3339),
		assessment.Score, assessment.Level, string(components),
	)
	if err != nil {
		return fmt.Errorf("failed to archive assessment: %w", err)
	}
	return nil
}

// RecordOverride mirrors one rule override.
func (a *Archive) RecordOverride(ruleID, phase, justification string, recordedAt time.Time) error {
	_, err := a.db.Exec(
		`INSERT INTO overrides (rule_id, phase, justification, recorded_at) VALUES (?, ?, ?, ?)`,
		ruleID, phase, justification, recordedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to archive override: %w", err)
	}
	return nil
}

// EventCounts returns event totals grouped by type.
func (a *Archive) EventCounts() (map[string]int, error) {
	rows, err := a.db.Query(
		`SELECT event_type, COUNT(*) FROM events GROUP BY event_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query event counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[eventType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event counts: %w", err)
	}
	return counts, nil
}

// AssessmentHistory returns assessments oldest first.
func (a *Archive) AssessmentHistory() ([]state.Assessment, error) {
	rows, err := a.db.Query(
		`SELECT assessed_at, score, level, components FROM assessments ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query assessments: %w", err)
	}
	defer rows.Close()

	var out []state.Assessment
	for rows.Next() {
		var assessedAt, level, components string
		var score int
		if err := rows.Scan(&assessedAt, &score, &level, &components); err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, assessedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse assessment timestamp: %w", err)
		}
		record := state.Assessment{Score: score, Level: level, AssessedAt: ts}
		if err := json.Unmarshal([]byte(components), &record.Components); err != nil {
			return nil, fmt.Errorf("failed to parse assessment components: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate assessments: %w", err)
	}
	return out, nil
}

// OverrideCount returns the number of archived overrides for a rule in a
// phase.
func (a *Archive) OverrideCount(ruleID, phase string) (int, error) {
	var count int
	err := a.db.QueryRow(
		`SELECT COUNT(*) FROM overrides WHERE rule_id = ? AND phase = ?`,
		ruleID, phase,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count overrides: %w", err)
	}
	return count, nil
}
