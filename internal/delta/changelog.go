package delta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// timestampLayout matches the run-artifact naming used across the output
// directory (change logs, store backups).
const timestampLayout = "2006-01-02_15-04-05"

// Timestamp formats t for use in artifact file names.
func Timestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// ChangeLog is the append-only, run-scoped record of every add, update and
// delete decision. Entries are never mutated or removed; the engine persists
// the log once per run and never reads it back.
type ChangeLog struct {
	entries []Entry
}

// NewChangeLog returns an empty change log for one run.
func NewChangeLog() *ChangeLog {
	return &ChangeLog{}
}

// Append adds an entry to the log.
func (l *ChangeLog) Append(e Entry) {
	l.entries = append(l.entries, e)
}

// Len returns the number of entries.
func (l *ChangeLog) Len() int { return len(l.entries) }

// Entries returns the recorded entries in append order.
func (l *ChangeLog) Entries() []Entry { return l.entries }

// Save writes the log to dir as delta_changes_<timestamp>.json, an indented
// JSON array so the artifact stays human-diffable. Returns the file path.
func (l *ChangeLog) Save(dir string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create change log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("delta_changes_%s.json", Timestamp(now)))

	entries := l.entries
	if entries == nil {
		entries = []Entry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal change log: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write change log: %w", err)
	}
	return path, nil
}
