// Package statstore maintains the relational analytic store: a flat SQLite
// table of parcel attributes keyed by parcel_id, with no geometry column.
//
// Reconciliation is targeted: deleted and updated rows are removed and
// added/updated rows inserted inside one transaction, so unchanged rows are
// never touched. When the incremental path fails, the store file is backed
// up and rebuilt from the full snapshot.
package statstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/parcelworks/countysync/internal/delta"
	"github.com/parcelworks/countysync/internal/parcel"
)

// Attribute keys promoted to first-class columns. Everything else lands in
// the attrs JSON column.
const (
	attrOwner         = "owner"
	attrUseCode       = "use_code"
	attrAcres         = "acres"
	attrAssessedValue = "assessed_value"
)

// Store reconciles change sets into the parcel_stats table.
type Store struct {
	path   string
	logger *log.Logger
}

// New creates a store for the SQLite file at path. If logger is nil, a
// default logger writing to stderr is used.
func New(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[statstore] ", log.LstdFlags)
	}
	return &Store{path: path, logger: logger}
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Reconcile applies a change set to the store.
//
// If the store file does not exist it is bootstrapped from the full
// snapshot. Otherwise, in one transaction: rows for deleted and updated
// identifiers are deleted and rows for added and updated records inserted.
// Unchanged rows are never written.
//
// On failure the existing file is renamed to a timestamped backup and the
// store is rebuilt from the full snapshot; that path returns fallback=true
// with a nil error. A non-nil error means even the rebuild failed.
func (s *Store) Reconcile(ctx context.Context, snapshot parcel.Snapshot, added, updated []parcel.Record, deletedIDs []string) (fallback bool, err error) {
	if _, statErr := os.Stat(s.path); os.IsNotExist(statErr) {
		s.logger.Printf("Stats store does not exist, creating %s", s.path)
		if err := s.rewriteAll(ctx, snapshot.Records); err != nil {
			return false, fmt.Errorf("failed to bootstrap stats store: %w", err)
		}
		return false, nil
	}

	if err := s.applyDelta(ctx, added, updated, deletedIDs); err != nil {
		s.logger.Printf("WARNING: incremental stats reconciliation failed: %v", err)
		if err := s.rebuild(ctx, snapshot); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) applyDelta(ctx context.Context, added, updated []parcel.Record, deletedIDs []string) error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := initSchema(ctx, conn); err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	if len(deletedIDs) > 0 {
		s.logger.Printf("Removing %d deleted parcels from stats store", len(deletedIDs))
		if err := deleteIDs(ctx, tx, deletedIDs); err != nil {
			return err
		}
	}

	if len(updated) > 0 {
		s.logger.Printf("Updating %d modified parcels in stats store", len(updated))
		ids := make([]string, len(updated))
		for i, r := range updated {
			ids[i] = r.ID
		}
		if err := deleteIDs(ctx, tx, ids); err != nil {
			return err
		}
	}

	if len(added) > 0 {
		s.logger.Printf("Adding %d new parcels to stats store", len(added))
	}
	for _, r := range added {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}
	for _, r := range updated {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats transaction: %w", err)
	}
	return nil
}

// rebuild backs up the current file and rewrites the store from the full
// snapshot.
func (s *Store) rebuild(ctx context.Context, snapshot parcel.Snapshot) error {
	if _, err := os.Stat(s.path); err == nil {
		backup := fmt.Sprintf("%s.backup_%s", s.path, delta.Timestamp(time.Now()))
		if err := os.Rename(s.path, backup); err != nil {
			return fmt.Errorf("failed to back up stats store: %w", err)
		}
		s.logger.Printf("WARNING: stats store backed up to %s", backup)
	}

	if err := s.rewriteAll(ctx, snapshot.Records); err != nil {
		return fmt.Errorf("failed to rebuild stats store from snapshot: %w", err)
	}
	return nil
}

// rewriteAll replaces the full table contents with the given records.
func (s *Store) rewriteAll(ctx context.Context, records []parcel.Record) error {
	conn, err := s.open()
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := initSchema(ctx, conn); err != nil {
		return err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM parcel_stats"); err != nil {
		return fmt.Errorf("failed to clear stats table: %w", err)
	}
	for _, r := range records {
		if err := insertRecord(ctx, tx, r); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats rewrite: %w", err)
	}
	return nil
}

// Count returns the number of rows in the store.
func (s *Store) Count(ctx context.Context) (int, error) {
	conn, err := s.open()
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var count int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM parcel_stats").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stats rows: %w", err)
	}
	return count, nil
}

// Has reports whether a row exists for the given parcel identifier.
func (s *Store) Has(ctx context.Context, id string) (bool, error) {
	conn, err := s.open()
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var n int
	err = conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM parcel_stats WHERE parcel_id = ?", id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query stats row: %w", err)
	}
	return n > 0, nil
}

func (s *Store) open() (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats store directory: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping stats store: %w", err)
	}
	return conn, nil
}

func initSchema(ctx context.Context, conn *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS parcel_stats (
		parcel_id TEXT PRIMARY KEY,
		owner TEXT,
		use_code TEXT,
		acres REAL,
		assessed_value REAL,
		attrs TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_parcel_stats_use_code ON parcel_stats(use_code);
	`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize stats schema: %w", err)
	}
	return nil
}

func deleteIDs(ctx context.Context, tx *sql.Tx, ids []string) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM parcel_stats WHERE parcel_id IN (%s)", placeholders)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete stats rows: %w", err)
	}
	return nil
}

func insertRecord(ctx context.Context, tx *sql.Tx, r parcel.Record) error {
	extra := make(map[string]string)
	for k, v := range r.Attrs {
		switch k {
		case attrOwner, attrUseCode, attrAcres, attrAssessedValue:
		default:
			extra[k] = v
		}
	}

	var attrsJSON interface{}
	if len(extra) > 0 {
		data, err := json.Marshal(extra)
		if err != nil {
			return fmt.Errorf("failed to marshal extra attributes for parcel %s: %w", r.ID, err)
		}
		attrsJSON = string(data)
	}

	_, err := tx.ExecContext(ctx, `
	INSERT INTO parcel_stats (parcel_id, owner, use_code, acres, assessed_value, attrs)
	VALUES (?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		nullString(r.Attrs[attrOwner]),
		nullString(r.Attrs[attrUseCode]),
		nullFloat(r.Attrs[attrAcres]),
		nullFloat(r.Attrs[attrAssessedValue]),
		attrsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert stats row for parcel %s: %w", r.ID, err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(s string) sql.NullFloat64 {
	if s == "" {
		return sql.NullFloat64{}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}
