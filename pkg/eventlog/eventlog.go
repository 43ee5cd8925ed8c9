// Package eventlog provides the append-only project history log.
//
// Events are stored as JSONL, one JSON object per line, so that a partially
// written trailing line from a crash never corrupts earlier records. A
// human-readable Markdown journal is maintained as a best-effort side
// channel; the JSONL file is the only authoritative record.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"qualcore/pkg/lock"
	"qualcore/pkg/logx"
	"qualcore/pkg/metrics"
)

// Well-known event types written by the engine.
const (
	TypeProjectInit       = "project_init"
	TypeDocumentCoded     = "document_coded"
	TypeRefinement        = "refinement"
	TypeRedundancyUpdated = "redundancy_updated"
	TypeCoverageUpdated   = "coverage_updated"
	TypeSaturationAssess  = "saturation_assessed"
	TypeRulesGenerated    = "rules_generated"
	TypeOverrideRecorded  = "override_recorded"
	TypeStrainTriggered   = "strain_triggered"
	TypePhaseTransition   = "phase_transition"
	TypeFirstPassComplete = "first_pass_complete"
	TypeRecovery          = "state_recovered"
)

// Event is a single immutable history record.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with the given type and payload. The payload is
// serialized immediately so a later mutation of the value cannot change what
// gets appended.
func NewEvent(eventType string, payload any) (Event, error) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("failed to serialize event payload: %w", err)
		}
		ev.Payload = data
	}
	return ev, nil
}

// Log appends events to a JSONL file under a cross-process lock.
type Log struct {
	path        string
	journalPath string
	lockTimeout time.Duration
	logger      *logx.Logger
	mu          sync.Mutex
}

// New creates a log bound to the given JSONL file path. The Markdown journal
// is written next to it. The file itself is created on first append.
func New(path string, lockTimeout time.Duration) *Log {
	if lockTimeout <= 0 {
		lockTimeout = lock.DefaultTimeout
	}
	return &Log{
		path:        path,
		journalPath: filepath.Join(filepath.Dir(path), "journal.md"),
		lockTimeout: lockTimeout,
		logger:      logx.NewLogger("eventlog"),
	}
}

// Path returns the JSONL file path.
func (l *Log) Path() string {
	return l.path
}

// Append writes one event as a single JSON line. The exclusive lock is held
// only for the duration of the write so concurrent processes interleave whole
// lines rather than bytes.
func (l *Log) Append(ctx context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.EventType == "" {
		return fmt.Errorf("event type must not be empty")
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	handle, err := lock.Acquire(lockCtx, l.path, true)
	if err != nil {
		return fmt.Errorf("failed to lock event log: %w", err)
	}
	defer handle.Release()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", l.path, err)
	}
	defer file.Close()

	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync event log: %w", err)
	}

	metrics.ObserveEventAppended(ev.EventType)

	// The journal is derived data; a failure here never fails the append.
	if err := l.appendJournal(ev); err != nil {
		l.logger.Warn("journal update failed: %v", err)
	}

	return nil
}

func (l *Log) appendJournal(ev Event) error {
	file, err := os.OpenFile(l.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	line := fmt.Sprintf("- **%s** `%s`", ev.Timestamp.Format(time.RFC3339), ev.EventType)
	if len(ev.Payload) > 0 {
		line += " " + summarizePayload(ev.Payload)
	}
	_, err = file.WriteString(line + "\n")
	return err
}

// summarizePayload renders a short inline summary for the journal. Payloads
// that are not JSON objects are emitted verbatim.
func summarizePayload(payload json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return string(payload)
	}
	// Prefer the fields a reader scanning the journal actually wants.
	for _, key := range []string{"summary", "justification", "rationale", "doc_id", "to_phase", "score"} {
		if v, ok := fields[key]; ok {
			return fmt.Sprintf("(%s: %v)", key, v)
		}
	}
	return ""
}

// ReadAll parses every event in the log. The read holds a shared lock so it
// never observes a half-written line from a concurrent appender. Malformed
// lines, including a truncated trailing line from a crashed writer, are
// skipped and counted rather than failing the whole read.
func (l *Log) ReadAll(ctx context.Context) ([]Event, int, error) {
	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	handle, err := lock.Acquire(lockCtx, l.path, false)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to lock event log: %w", err)
	}
	defer handle.Release()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read event log: %w", err)
	}
	events, skipped := parseEvents(data)
	return events, skipped, nil
}

func parseEvents(data []byte) ([]Event, int) {
	var events []Event
	skipped := 0

	line := []byte{}
	flush := func() {
		if len(line) == 0 {
			return
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.EventType == "" {
			skipped++
		} else {
			events = append(events, ev)
		}
		line = []byte{}
	}

	for _, b := range data {
		if b == '\n' {
			flush()
		} else {
			line = append(line, b)
		}
	}
	// A trailing line with no newline is usually a truncated write, but it
	// still counts if it parses cleanly.
	flush()

	return events, skipped
}

// Tail returns the most recent n events, skipping malformed lines.
func (l *Log) Tail(ctx context.Context, n int) ([]Event, int, error) {
	events, skipped, err := l.ReadAll(ctx)
	if err != nil {
		return nil, skipped, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, skipped, nil
}
