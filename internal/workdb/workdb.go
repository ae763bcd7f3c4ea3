// Package workdb provides the working SQLite database that carries sync
// state across runs.
//
// The working database owns two tables:
//   - record_hashes: the persistent hash index, parcel_id -> content hash.
//     This is the single source of truth for "what was last synchronized"
//     and is written only by the delta sync engine.
//   - sync_metadata: an append-only audit row per run with the change counts.
//
// The database runs in embedded mode with WAL so the status command can read
// while a sync is writing.
package workdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the working database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a connection to the working database at the specified path,
// creating the parent directory and the file if needed.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open working database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping working database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	// WAL for concurrent readers, 5s busy timeout for contended opens.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return db, nil
}

// Path returns the working database file path.
func (db *DB) Path() string { return db.path }

// Close closes the connection after checkpointing the WAL.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close working database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the record_hashes and sync_metadata tables if they
// don't exist. Idempotent - safe to call on every run.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS record_hashes (
		parcel_id TEXT PRIMARY KEY,
		hash_value TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		sync_id INTEGER PRIMARY KEY AUTOINCREMENT,
		sync_timestamp TEXT NOT NULL,
		record_count INTEGER,
		added_records INTEGER,
		updated_records INTEGER,
		deleted_records INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sync_metadata_ts ON sync_metadata(sync_timestamp);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize working database schema: %w", err)
	}
	return nil
}

// LoadHashes returns the full persistent hash index, parcel_id -> hash.
//
// An empty map is the legitimate first-run result. Any storage error is
// returned as-is: silently treating an unreadable index as empty would
// misclassify every record as added on this run and corrupt the next run's
// delta, so callers must treat a LoadHashes error as fatal.
func (db *DB) LoadHashes(ctx context.Context) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT parcel_id, hash_value FROM record_hashes")
	if err != nil {
		return nil, fmt.Errorf("failed to read hash index: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan hash index row: %w", err)
		}
		hashes[id] = hash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating hash index: %w", err)
	}

	return hashes, nil
}

// SaveHashes upserts the full hash mapping computed for the current run in
// one transaction. Entries for identifiers absent from the mapping are left
// in place; removal is driven by the deleted-id list at reconciliation time
// and reconciled on the next run's diff.
func (db *DB) SaveHashes(ctx context.Context, hashes map[string]string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hash index transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO record_hashes (parcel_id, hash_value, last_updated)
	VALUES (?, ?, ?)
	ON CONFLICT(parcel_id) DO UPDATE SET
		hash_value = excluded.hash_value,
		last_updated = excluded.last_updated
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare hash upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Format(time.RFC3339)
	for id, hash := range hashes {
		if _, err := stmt.ExecContext(ctx, id, hash, now); err != nil {
			return fmt.Errorf("failed to upsert hash for parcel %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hash index: %w", err)
	}
	return nil
}

// DeleteHashes removes hash index entries for the given parcel identifiers.
// Called after a run's deleted-id list is known so the index tracks only
// live parcels. Idempotent for already-absent identifiers.
func (db *DB) DeleteHashes(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin hash delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "DELETE FROM record_hashes WHERE parcel_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete hash for parcel %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hash deletes: %w", err)
	}
	return nil
}

// SyncInfo is one sync_metadata row.
type SyncInfo struct {
	SyncID      int64
	Timestamp   time.Time
	RecordCount int
	Added       int
	Updated     int
	Deleted     int
}

// RecordSync appends a sync_metadata row for a completed run.
func (db *DB) RecordSync(ctx context.Context, info SyncInfo) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_metadata (sync_timestamp, record_count, added_records, updated_records, deleted_records)
	VALUES (?, ?, ?, ?, ?)
	`,
		info.Timestamp.Format(time.RFC3339),
		info.RecordCount,
		info.Added,
		info.Updated,
		info.Deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync metadata: %w", err)
	}
	return nil
}

// LastSync returns the most recent sync_metadata row, or (nil, nil) if no
// run has completed yet.
func (db *DB) LastSync(ctx context.Context) (*SyncInfo, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT sync_id, sync_timestamp, record_count, added_records, updated_records, deleted_records
	FROM sync_metadata
	ORDER BY sync_id DESC
	LIMIT 1
	`)

	var info SyncInfo
	var ts string
	err := row.Scan(&info.SyncID, &ts, &info.RecordCount, &info.Added, &info.Updated, &info.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read last sync info: %w", err)
	}

	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		info.Timestamp = t
	}
	return &info, nil
}

// HashCount returns the number of entries in the hash index.
func (db *DB) HashCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM record_hashes").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count hash index entries: %w", err)
	}
	return count, nil
}
