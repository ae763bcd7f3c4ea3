// Package delta computes the change set between a parcel snapshot and the
// persistent hash index, and records every decision in a run-scoped
// change log.
package delta

import (
	"time"

	"github.com/parcelworks/countysync/internal/parcel"
)

// Action is the kind of change recorded for a parcel.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// RecordError reports a record that could not be classified. The record is
// excluded from the change set; it does not abort the run.
type RecordError struct {
	ParcelID string
	Err      error
}

func (e RecordError) Error() string {
	return "parcel " + e.ParcelID + ": " + e.Err.Error()
}

// ChangeSet is the four-way partition produced by one detection pass.
// Added, Updated and Unchanged are pairwise disjoint and together cover the
// snapshot's classifiable identifiers; DeletedIDs covers prior identifiers
// absent from the snapshot and is disjoint from the other three.
type ChangeSet struct {
	Added      []parcel.Record
	Updated    []parcel.Record
	Unchanged  []parcel.Record
	DeletedIDs []string

	// Hashes is the full new identifier -> hash mapping to persist for the
	// next run.
	Hashes map[string]string

	// Errors lists records excluded from classification.
	Errors []RecordError
}

// UpdatedIDs returns the identifiers of updated records.
func (cs *ChangeSet) UpdatedIDs() []string {
	ids := make([]string, len(cs.Updated))
	for i, r := range cs.Updated {
		ids[i] = r.ID
	}
	return ids
}

// Entry is one change log line: the decision taken for one parcel.
type Entry struct {
	Action    Action    `json:"action"`
	ParcelID  string    `json:"parcel_id"`
	Timestamp time.Time `json:"timestamp"`
}
