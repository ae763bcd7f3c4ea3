// Package extract builds parcel snapshots from a source database.
//
// The source is any database/sql table with a parcel_id column, a geometry
// column holding WKT text, and an open set of scalar attribute columns.
// Rows are read in batches so large county extracts don't need to fit a
// single result set.
package extract

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/parcelworks/countysync/internal/parcel"
)

// DefaultBatchSize is used when the config doesn't set one.
const DefaultBatchSize = 1000

const (
	idColumn       = "parcel_id"
	geometryColumn = "geometry"
)

// Extractor reads parcel snapshots from a source table.
type Extractor struct {
	conn      *sql.DB
	table     string
	batchSize int
	logger    *log.Logger
}

// Open connects to the source SQLite database and prepares an extractor for
// the given table. If logger is nil, a default logger writing to stderr is
// used. The caller MUST call Close when done.
func Open(path, table string, batchSize int, logger *log.Logger) (*Extractor, error) {
	if table == "" {
		table = "parcels"
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[extract] ", log.LstdFlags)
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("source database not found: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return &Extractor{conn: conn, table: table, batchSize: batchSize, logger: logger}, nil
}

// Close releases the source connection.
func (e *Extractor) Close() error {
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// Snapshot reads the full source table in batches and returns the snapshot
// for this run. Rows with a null or unparseable geometry are dropped with a
// warning; every other column becomes a record attribute with the driver's
// string rendering.
func (e *Extractor) Snapshot(ctx context.Context) (parcel.Snapshot, error) {
	e.logger.Printf("Extracting parcels from table %s", e.table)

	var records []parcel.Record
	dropped := 0
	offset := 0

	for {
		batch, droppedInBatch, err := e.readBatch(ctx, offset)
		if err != nil {
			return parcel.Snapshot{}, err
		}
		if len(batch) == 0 && droppedInBatch == 0 {
			break
		}
		records = append(records, batch...)
		dropped += droppedInBatch
		offset += e.batchSize
	}

	if dropped > 0 {
		e.logger.Printf("WARNING: dropped %d rows with missing or invalid geometry", dropped)
	}
	e.logger.Printf("Extracted %d records", len(records))
	return parcel.NewSnapshot(records), nil
}

func (e *Extractor) readBatch(ctx context.Context, offset int) ([]parcel.Record, int, error) {
	query := fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?", e.table, idColumn)
	rows, err := e.conn.QueryContext(ctx, query, e.batchSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query source table: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read source columns: %w", err)
	}

	var records []parcel.Record
	dropped := 0
	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]interface{}, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, 0, fmt.Errorf("failed to scan source row: %w", err)
		}

		r := parcel.Record{Attrs: make(map[string]string, len(cols)-2)}
		var wktText string
		for i, col := range cols {
			switch col {
			case idColumn:
				r.ID = values[i].String
			case geometryColumn:
				wktText = values[i].String
			default:
				if values[i].Valid {
					r.Attrs[col] = values[i].String
				}
			}
		}

		if wktText == "" {
			dropped++
			continue
		}
		geom, err := parcel.ParseWKT(wktText)
		if err != nil {
			e.logger.Printf("WARNING: parcel %s: %v", r.ID, err)
			dropped++
			continue
		}
		r.Geometry = geom
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating source rows: %w", err)
	}

	return records, dropped, nil
}
