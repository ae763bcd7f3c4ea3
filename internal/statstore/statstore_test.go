package statstore

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/parcelworks/countysync/internal/parcel"
)

func testRecord(id, owner string) parcel.Record {
	return parcel.Record{
		ID: id,
		Attrs: map[string]string{
			"owner":          owner,
			"use_code":       "RES",
			"acres":          "1.5",
			"assessed_value": "150000",
			"zoning":         "R-1", // lands in the attrs JSON column
		},
		Geometry: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}},
	}
}

func setupStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stats_db.sqlite")
	return New(path, log.New(os.Stderr, "[test] ", 0)), dir
}

func mustCount(t *testing.T, s *Store) int {
	t.Helper()
	count, err := s.Count(context.Background())
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return count
}

func mustHave(t *testing.T, s *Store, id string, want bool) {
	t.Helper()
	got, err := s.Has(context.Background(), id)
	if err != nil {
		t.Fatalf("Has(%s) failed: %v", id, err)
	}
	if got != want {
		t.Errorf("Has(%s) = %v, want %v", id, got, want)
	}
}

func TestBootstrapFromSnapshot(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	records := []parcel.Record{testRecord("A", "Alice"), testRecord("B", "Bob")}
	snapshot := parcel.NewSnapshot(records)

	fallback, err := s.Reconcile(ctx, snapshot, records, nil, nil)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if fallback {
		t.Error("bootstrap must not report fallback")
	}
	if n := mustCount(t, s); n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestReconcileDelta(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	initial := []parcel.Record{testRecord("A", "Alice"), testRecord("B", "Bob")}
	if _, err := s.Reconcile(ctx, parcel.NewSnapshot(initial), initial, nil, nil); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	// A unchanged (untouched), B deleted, C added.
	snapshot := parcel.NewSnapshot([]parcel.Record{testRecord("A", "Alice"), testRecord("C", "Carol")})
	fallback, err := s.Reconcile(ctx, snapshot, []parcel.Record{testRecord("C", "Carol")}, nil, []string{"B"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if fallback {
		t.Error("incremental reconcile must not report fallback")
	}

	mustHave(t, s, "A", true)
	mustHave(t, s, "B", false)
	mustHave(t, s, "C", true)
	if n := mustCount(t, s); n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestReconcileUpdateReplacesRow(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	initial := []parcel.Record{testRecord("A", "Alice")}
	if _, err := s.Reconcile(ctx, parcel.NewSnapshot(initial), initial, nil, nil); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	updated := testRecord("A", "Alicia")
	snapshot := parcel.NewSnapshot([]parcel.Record{updated})
	if _, err := s.Reconcile(ctx, snapshot, nil, []parcel.Record{updated}, nil); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// Still exactly one row for A, carrying the new owner.
	if n := mustCount(t, s); n != 1 {
		t.Fatalf("expected 1 row, got %d", n)
	}

	conn, err := s.open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()
	var owner string
	if err := conn.QueryRowContext(ctx, "SELECT owner FROM parcel_stats WHERE parcel_id = ?", "A").Scan(&owner); err != nil {
		t.Fatalf("failed to read row: %v", err)
	}
	if owner != "Alicia" {
		t.Errorf("owner = %q, want Alicia", owner)
	}
}

func TestExtraAttributesStoredAsJSON(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	records := []parcel.Record{testRecord("A", "Alice")}
	if _, err := s.Reconcile(ctx, parcel.NewSnapshot(records), records, nil, nil); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	conn, err := s.open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()
	var attrs string
	if err := conn.QueryRowContext(ctx, "SELECT attrs FROM parcel_stats WHERE parcel_id = ?", "A").Scan(&attrs); err != nil {
		t.Fatalf("failed to read attrs: %v", err)
	}
	if !strings.Contains(attrs, "zoning") || !strings.Contains(attrs, "R-1") {
		t.Errorf("attrs JSON missing open attribute: %s", attrs)
	}
}

func TestFallbackOnCorruptStore(t *testing.T) {
	s, dir := setupStore(t)
	ctx := context.Background()

	if err := os.WriteFile(s.Path(), []byte("this is not a database"), 0644); err != nil {
		t.Fatalf("failed to corrupt store: %v", err)
	}

	records := []parcel.Record{testRecord("A", "Alice"), testRecord("C", "Carol")}
	snapshot := parcel.NewSnapshot(records)

	fallback, err := s.Reconcile(ctx, snapshot, []parcel.Record{records[1]}, nil, []string{"B"})
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !fallback {
		t.Fatal("expected fallback on corrupt store")
	}

	// Store must equal a full rewrite from the snapshot.
	if n := mustCount(t, s); n != 2 {
		t.Errorf("expected 2 rows after rebuild, got %d", n)
	}
	mustHave(t, s, "A", true)
	mustHave(t, s, "C", true)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read dir: %v", err)
	}
	foundBackup := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".backup_") {
			foundBackup = true
		}
	}
	if !foundBackup {
		t.Error("expected a timestamped backup of the corrupt store")
	}
}
