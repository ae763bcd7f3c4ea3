package delta

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestChangeLogSave(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	log := NewChangeLog()
	log.Append(Entry{Action: ActionAdd, ParcelID: "C", Timestamp: now})
	log.Append(Entry{Action: ActionDelete, ParcelID: "B", Timestamp: now})

	path, err := log.Save(dir, now)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.HasSuffix(path, "delta_changes_2025-03-14_09-26-53.json") {
		t.Errorf("unexpected change log path: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read change log: %v", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("change log is not valid JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != ActionAdd || entries[0].ParcelID != "C" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}

	// Self-describing: field names must appear in the artifact.
	for _, field := range []string{"action", "parcel_id", "timestamp"} {
		if !strings.Contains(string(data), field) {
			t.Errorf("change log missing field name %q", field)
		}
	}
}

func TestChangeLogSaveEmpty(t *testing.T) {
	dir := t.TempDir()
	path, err := NewChangeLog().Save(dir, time.Now())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read change log: %v", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("empty change log must still be a JSON array: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty array, got %d entries", len(entries))
	}
}
