package extract

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/parcelworks/countysync/internal/parcel"
)

func setupSourceDB(t *testing.T, rows int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.sqlite")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("failed to open source database: %v", err)
	}
	defer conn.Close()

	_, err = conn.Exec(`
	CREATE TABLE parcels (
		parcel_id TEXT PRIMARY KEY,
		owner TEXT,
		use_code TEXT,
		acres REAL,
		assessed_value REAL,
		geometry TEXT
	)`)
	if err != nil {
		t.Fatalf("failed to create source table: %v", err)
	}

	for i := 0; i < rows; i++ {
		_, err := conn.Exec(
			"INSERT INTO parcels VALUES (?, ?, ?, ?, ?, ?)",
			fmt.Sprintf("P-%03d", i), "Alice", "RES", 1.5, 150000.0,
			"POLYGON((0 0,1 0,1 1,0 1,0 0))",
		)
		if err != nil {
			t.Fatalf("failed to insert row: %v", err)
		}
	}
	return path
}

func TestSnapshotBatched(t *testing.T) {
	path := setupSourceDB(t, 5)

	// Batch size 2 forces three partial reads plus the terminating empty one.
	e, err := Open(path, "parcels", 2, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	snapshot, err := e.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Len() != 5 {
		t.Fatalf("expected 5 records, got %d", snapshot.Len())
	}

	r := snapshot.Records[0]
	if r.ID != "P-000" {
		t.Errorf("unexpected first id: %s", r.ID)
	}
	if r.Attrs["owner"] != "Alice" || r.Attrs["use_code"] != "RES" {
		t.Errorf("unexpected attributes: %v", r.Attrs)
	}
	if _, ok := r.Attrs["geometry"]; ok {
		t.Error("geometry must not be an attribute")
	}
	if _, ok := r.Attrs["parcel_id"]; ok {
		t.Error("parcel_id must not be an attribute")
	}
	if r.Geometry == nil {
		t.Error("record missing parsed geometry")
	}
}

func TestSnapshotDropsBadGeometry(t *testing.T) {
	path := setupSourceDB(t, 2)

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("failed to open source database: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO parcels VALUES ('P-NULL', 'Bob', 'COM', 2.0, 200000.0, NULL)"); err != nil {
		t.Fatalf("failed to insert null-geometry row: %v", err)
	}
	if _, err := conn.Exec("INSERT INTO parcels VALUES ('P-BAD', 'Bob', 'COM', 2.0, 200000.0, 'POLYGON((garbage')"); err != nil {
		t.Fatalf("failed to insert bad-geometry row: %v", err)
	}
	conn.Close()

	e, err := Open(path, "parcels", DefaultBatchSize, log.New(os.Stderr, "[test] ", 0))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer e.Close()

	snapshot, err := e.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if snapshot.Len() != 2 {
		t.Errorf("expected bad-geometry rows to be dropped, got %d records", snapshot.Len())
	}
	for _, r := range snapshot.Records {
		if r.ID == "P-NULL" || r.ID == "P-BAD" {
			t.Errorf("dropped row %s still present", r.ID)
		}
	}
}

func TestOpenMissingSource(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.sqlite"), "parcels", 0, nil); err == nil {
		t.Error("expected error for missing source database")
	}
}

func TestSnapshotStableRendering(t *testing.T) {
	// Two extractions of identical source data must produce records that
	// hash identically, or every run would misreport updates.
	path := setupSourceDB(t, 3)

	readOnce := func() []string {
		e, err := Open(path, "parcels", DefaultBatchSize, log.New(os.Stderr, "[test] ", 0))
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer e.Close()

		snapshot, err := e.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		hashes := make([]string, snapshot.Len())
		for i, r := range snapshot.Records {
			h, err := r.ContentHash(parcel.ScopeAttributes)
			if err != nil {
				t.Fatalf("ContentHash failed: %v", err)
			}
			hashes[i] = h
		}
		return hashes
	}

	first := readOnce()
	second := readOnce()
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("record %d hashes differently across identical extractions", i)
		}
	}
}
