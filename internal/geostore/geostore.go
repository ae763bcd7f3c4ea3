// Package geostore maintains the spatial store: a single GeoJSON
// FeatureCollection file holding the materialized parcel set, one feature
// per parcel keyed by the parcel_id property.
//
// The store is reconciled, not owned: incremental reconciliation is the
// normal path, and when it fails the store is backed up and rebuilt from
// the full snapshot. A degraded rebuild is preferable to a partially
// written feature file.
package geostore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/parcelworks/countysync/internal/delta"
	"github.com/parcelworks/countysync/internal/parcel"
)

// idProperty is the feature property carrying the parcel identifier.
const idProperty = "parcel_id"

// Store reconciles change sets into a GeoJSON feature file.
type Store struct {
	path   string
	logger *log.Logger
}

// New creates a store for the GeoJSON file at path. If logger is nil, a
// default logger writing to stderr is used.
func New(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[geostore] ", log.LstdFlags)
	}
	return &Store{path: path, logger: logger}
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// Reconcile applies a change set to the store.
//
// If the store file does not exist it is bootstrapped from the added set
// alone. Otherwise the existing feature set is read, features for deleted
// and updated identifiers are dropped, the added and updated records are
// appended, and the file is rewritten in one replace-all operation.
//
// On a read or rewrite failure the existing file is renamed to a
// timestamped backup and the store is rebuilt from the full snapshot. That
// path returns fallback=true with a nil error: the run continues, degraded
// but correct. A non-nil error means even the rebuild failed.
func (s *Store) Reconcile(snapshot parcel.Snapshot, added, updated []parcel.Record, deletedIDs []string) (fallback bool, err error) {
	if _, statErr := os.Stat(s.path); os.IsNotExist(statErr) {
		s.logger.Printf("Spatial store does not exist, creating %s", s.path)
		if err := s.write(featureCollection(added, snapshot.CRS)); err != nil {
			return false, fmt.Errorf("failed to bootstrap spatial store: %w", err)
		}
		return false, nil
	}

	if err := s.applyDelta(snapshot, added, updated, deletedIDs); err != nil {
		s.logger.Printf("WARNING: incremental spatial reconciliation failed: %v", err)
		if err := s.rebuild(snapshot); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) applyDelta(snapshot parcel.Snapshot, added, updated []parcel.Record, deletedIDs []string) error {
	fc, err := s.read()
	if err != nil {
		return err
	}

	drop := make(map[string]struct{}, len(deletedIDs)+len(updated))
	for _, id := range deletedIDs {
		drop[id] = struct{}{}
	}
	for _, r := range updated {
		drop[r.ID] = struct{}{}
	}

	if len(deletedIDs) > 0 {
		s.logger.Printf("Removing %d deleted parcels from spatial store", len(deletedIDs))
	}

	kept := fc.Features[:0]
	for _, f := range fc.Features {
		id, _ := f.Properties[idProperty].(string)
		if _, gone := drop[id]; !gone {
			kept = append(kept, f)
		}
	}
	fc.Features = kept

	if len(added) > 0 {
		s.logger.Printf("Adding %d new parcels to spatial store", len(added))
	}
	if len(updated) > 0 {
		s.logger.Printf("Updating %d modified parcels in spatial store", len(updated))
	}
	for _, r := range added {
		fc.Append(feature(r))
	}
	for _, r := range updated {
		fc.Append(feature(r))
	}

	setCRS(fc, snapshot.CRS)
	return s.write(fc)
}

// rebuild backs up the current file and rewrites the store from the full
// snapshot.
func (s *Store) rebuild(snapshot parcel.Snapshot) error {
	if _, err := os.Stat(s.path); err == nil {
		backup := fmt.Sprintf("%s.backup_%s", s.path, delta.Timestamp(time.Now()))
		if err := os.Rename(s.path, backup); err != nil {
			return fmt.Errorf("failed to back up spatial store: %w", err)
		}
		s.logger.Printf("WARNING: spatial store backed up to %s", backup)
	}

	if err := s.write(featureCollection(snapshot.Records, snapshot.CRS)); err != nil {
		return fmt.Errorf("failed to rebuild spatial store from snapshot: %w", err)
	}
	return nil
}

// Count returns the number of features currently in the store.
func (s *Store) Count() (int, error) {
	fc, err := s.read()
	if err != nil {
		return 0, err
	}
	return len(fc.Features), nil
}

// IDs returns the parcel identifiers currently in the store.
func (s *Store) IDs() (map[string]struct{}, error) {
	fc, err := s.read()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(fc.Features))
	for _, f := range fc.Features {
		if id, ok := f.Properties[idProperty].(string); ok {
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

func (s *Store) read() (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spatial store: %w", err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse spatial store: %w", err)
	}
	return fc, nil
}

// write rewrites the store atomically: marshal to a temp file in the same
// directory, then rename over the target.
func (s *Store) write(fc *geojson.FeatureCollection) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create spatial store directory: %w", err)
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal feature collection: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".geostore-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write spatial store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close spatial store temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace spatial store: %w", err)
	}
	return nil
}

func feature(r parcel.Record) *geojson.Feature {
	f := geojson.NewFeature(r.Geometry)
	f.Properties[idProperty] = r.ID
	for k, v := range r.Attrs {
		f.Properties[k] = v
	}
	return f
}

func featureCollection(records []parcel.Record, crs string) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		fc.Append(feature(r))
	}
	setCRS(fc, crs)
	return fc
}

func setCRS(fc *geojson.FeatureCollection, crs string) {
	if crs == "" {
		crs = parcel.DefaultCRS
	}
	if fc.ExtraMembers == nil {
		fc.ExtraMembers = geojson.Properties{}
	}
	fc.ExtraMembers["crs"] = crs
}
