// Package engine sequences one delta sync run: change detection against the
// persistent hash index, reconciliation of the spatial and relational
// stores, metadata recording and change log persistence.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/parcelworks/countysync/internal/delta"
	"github.com/parcelworks/countysync/internal/geostore"
	"github.com/parcelworks/countysync/internal/parcel"
	"github.com/parcelworks/countysync/internal/statstore"
	"github.com/parcelworks/countysync/internal/workdb"
)

// Config carries every setting a run needs. There is no package-level
// state; callers construct a Config and pass it to New.
type Config struct {
	// OutputDir holds the three store files.
	OutputDir string
	// LogsDir receives the per-run change log artifact.
	LogsDir string
	// GeoDBName, StatsDBName and WorkingDBName are file names under
	// OutputDir. Empty values take the defaults.
	GeoDBName     string
	StatsDBName   string
	WorkingDBName string
	// HashScope selects what feeds the content hash. The default,
	// ScopeAttributes, matches the historical behavior: geometry-only edits
	// are not detected as updates.
	HashScope parcel.HashScope
	// Logger for run activity. Nil means stderr.
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.OutputDir == "" {
		c.OutputDir = "output"
	}
	if c.LogsDir == "" {
		c.LogsDir = "logs"
	}
	if c.GeoDBName == "" {
		c.GeoDBName = "geo_db.geojson"
	}
	if c.StatsDBName == "" {
		c.StatsDBName = "stats_db.sqlite"
	}
	if c.WorkingDBName == "" {
		c.WorkingDBName = "working_db.sqlite"
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
}

// GeoPath returns the spatial store path.
func (c Config) GeoPath() string {
	c.applyDefaults()
	return filepath.Join(c.OutputDir, c.GeoDBName)
}

// StatsPath returns the relational store path.
func (c Config) StatsPath() string {
	c.applyDefaults()
	return filepath.Join(c.OutputDir, c.StatsDBName)
}

// WorkingPath returns the working database path.
func (c Config) WorkingPath() string {
	c.applyDefaults()
	return filepath.Join(c.OutputDir, c.WorkingDBName)
}

// PreconditionError marks a fatal precondition failure: the run aborted
// before any store or the hash index was touched.
type PreconditionError struct {
	Stage string
	Err   error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("sync precondition failed (%s): %v", e.Stage, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// Report summarizes one completed run.
type Report struct {
	GeoPath       string
	StatsPath     string
	WorkingPath   string
	ChangeLogPath string

	Added     int
	Updated   int
	Unchanged int
	Deleted   int

	// RecordErrors lists per-record classification failures. Such records
	// were excluded from the change set without aborting the run.
	RecordErrors []delta.RecordError

	// GeoFallback and StatsFallback report that the corresponding store was
	// rebuilt from the full snapshot after incremental reconciliation
	// failed. The run is successful but degraded.
	GeoFallback   bool
	StatsFallback bool

	Elapsed time.Duration
}

// Degraded reports whether any store needed the fallback rewrite.
func (r Report) Degraded() bool { return r.GeoFallback || r.StatsFallback }

// Orchestrator runs delta syncs. One Orchestrator must see at most one
// active run at a time; callers serialize invocations.
type Orchestrator struct {
	cfg      Config
	detector *delta.Detector
	logger   *log.Logger
}

// New creates an orchestrator from the given configuration.
func New(cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		cfg:      cfg,
		detector: delta.NewDetector(cfg.HashScope),
		logger:   cfg.Logger,
	}
}

// Run executes one delta sync of the snapshot into the stores.
//
// Fatal preconditions (invalid snapshot identifiers, unreadable hash index)
// abort before anything is mutated and return a *PreconditionError. After
// classification the new hash index is persisted first, then each store is
// reconciled inside its own failure boundary: a failed store falls back to
// backup-and-rebuild and flags the report instead of failing the run.
func (o *Orchestrator) Run(ctx context.Context, snapshot parcel.Snapshot) (*Report, error) {
	start := time.Now()
	o.logger.Printf("Starting delta sync: %d records in snapshot", snapshot.Len())

	if err := snapshot.Validate(); err != nil {
		return nil, &PreconditionError{Stage: "validate snapshot", Err: err}
	}

	db, err := workdb.Open(o.cfg.WorkingPath())
	if err != nil {
		return nil, &PreconditionError{Stage: "open working database", Err: err}
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		return nil, &PreconditionError{Stage: "initialize working database", Err: err}
	}

	prior, err := db.LoadHashes(ctx)
	if err != nil {
		// Never treat an unreadable index as empty: that would misclassify
		// the whole snapshot as added.
		return nil, &PreconditionError{Stage: "load hash index", Err: err}
	}

	changeLog := delta.NewChangeLog()
	cs := o.detector.Detect(snapshot, prior, changeLog)
	for _, re := range cs.Errors {
		o.logger.Printf("WARNING: record excluded from classification: %v", re)
	}
	o.logger.Printf("Change detection: added=%d updated=%d unchanged=%d deleted=%d",
		len(cs.Added), len(cs.Updated), len(cs.Unchanged), len(cs.DeletedIDs))

	// Persist the new index before touching any store. A crash during
	// reconciliation then leaves the index at the intended state, and a
	// retry re-applies the same store-side effects, which are idempotent
	// per identifier.
	if err := db.SaveHashes(ctx, cs.Hashes); err != nil {
		return nil, fmt.Errorf("failed to save hash index: %w", err)
	}
	if err := db.DeleteHashes(ctx, cs.DeletedIDs); err != nil {
		return nil, fmt.Errorf("failed to prune hash index: %w", err)
	}

	report := &Report{
		GeoPath:      o.cfg.GeoPath(),
		StatsPath:    o.cfg.StatsPath(),
		WorkingPath:  db.Path(),
		Added:        len(cs.Added),
		Updated:      len(cs.Updated),
		Unchanged:    len(cs.Unchanged),
		Deleted:      len(cs.DeletedIDs),
		RecordErrors: cs.Errors,
	}

	// The two stores are disjoint resources; each gets its own failure
	// boundary and neither can abort the run.
	geo := geostore.New(o.cfg.GeoPath(), o.logger)
	report.GeoFallback, err = geo.Reconcile(snapshot, cs.Added, cs.Updated, cs.DeletedIDs)
	if err != nil {
		return nil, fmt.Errorf("spatial store unrecoverable: %w", err)
	}

	stats := statstore.New(o.cfg.StatsPath(), o.logger)
	report.StatsFallback, err = stats.Reconcile(ctx, snapshot, cs.Added, cs.Updated, cs.DeletedIDs)
	if err != nil {
		return nil, fmt.Errorf("stats store unrecoverable: %w", err)
	}

	if err := db.RecordSync(ctx, workdb.SyncInfo{
		Timestamp:   time.Now(),
		RecordCount: snapshot.Len(),
		Added:       report.Added,
		Updated:     report.Updated,
		Deleted:     report.Deleted,
	}); err != nil {
		return nil, fmt.Errorf("failed to record sync metadata: %w", err)
	}

	report.ChangeLogPath, err = changeLog.Save(o.cfg.LogsDir, start)
	if err != nil {
		return nil, fmt.Errorf("failed to persist change log: %w", err)
	}

	report.Elapsed = time.Since(start)
	o.logger.Printf("Delta sync complete in %v (degraded=%v)", report.Elapsed.Round(time.Millisecond), report.Degraded())
	return report, nil
}
