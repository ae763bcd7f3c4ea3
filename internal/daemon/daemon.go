// Package daemon provides watch mode: it observes the source database file
// and re-runs the delta sync when it changes.
//
// Runs are strictly serialized. The engine supports at most one active run
// at a time, so the daemon is the single scheduler slot: events arriving
// during a run are coalesced by the debounce window and trigger exactly one
// follow-up run.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// SyncFunc runs one sync when the source changes.
type SyncFunc func(ctx context.Context) error

// Config holds daemon configuration.
type Config struct {
	// DebounceInterval is how long to wait after the last file event before
	// running a sync. Batches rapid source rewrites together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches the source database and triggers syncs.
type Daemon struct {
	sourcePath string
	run        SyncFunc
	config     *Config
	watcher    *fsnotify.Watcher
}

// New creates a daemon watching sourcePath and invoking run on changes.
func New(sourcePath string, run SyncFunc, config *Config) (*Daemon, error) {
	if sourcePath == "" {
		return nil, fmt.Errorf("sourcePath cannot be empty")
	}
	if run == nil {
		return nil, fmt.Errorf("run cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Daemon{
		sourcePath: sourcePath,
		run:        run,
		config:     config,
		watcher:    watcher,
	}, nil
}

// Start runs the daemon: an initial sync, then one sync per debounced burst
// of source file events. Blocks until ctx is cancelled or the watcher dies.
func (d *Daemon) Start(ctx context.Context) error {
	defer d.watcher.Close()

	// Watch the containing directory: editors and bulk loaders replace the
	// file via rename, which would silently detach a file-level watch.
	dir := filepath.Dir(d.sourcePath)
	if err := d.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch source directory %s: %w", dir, err)
	}
	d.config.Logger.Printf("Watching %s", d.sourcePath)

	// Initial sync so watch mode starts from a reconciled state.
	if err := d.run(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			d.config.Logger.Println("Daemon stopping")
			return ctx.Err()

		case event, ok := <-d.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher event channel closed")
			}
			if !d.matches(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(d.config.DebounceInterval)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.config.DebounceInterval)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			d.config.Logger.Println("Source changed, running sync")
			if err := d.run(ctx); err != nil {
				// Keep watching: one bad sync must not kill watch mode.
				d.config.Logger.Printf("WARNING: sync failed: %v", err)
			}

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			d.config.Logger.Printf("WARNING: watcher error: %v", err)
		}
	}
}

func (d *Daemon) matches(name string) bool {
	return filepath.Clean(name) == filepath.Clean(d.sourcePath)
}
