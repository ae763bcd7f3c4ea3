package delta

import (
	"sort"
	"time"

	"github.com/parcelworks/countysync/internal/parcel"
)

// Detector classifies snapshot records against the prior hash index.
type Detector struct {
	scope parcel.HashScope
	now   func() time.Time
}

// NewDetector creates a detector hashing records under the given scope.
func NewDetector(scope parcel.HashScope) *Detector {
	return &Detector{scope: scope, now: time.Now}
}

// Detect computes the change set for a snapshot against the prior hash
// index and appends one change log entry per added, updated and deleted
// identifier (none for unchanged).
//
// Detect is a pure function of (snapshot, prior): it performs no I/O and
// calling it twice with the same inputs yields the same partition. The
// caller advances state by persisting cs.Hashes afterwards.
func (d *Detector) Detect(snapshot parcel.Snapshot, prior map[string]string, log *ChangeLog) *ChangeSet {
	cs := &ChangeSet{Hashes: make(map[string]string, snapshot.Len())}
	now := d.now()

	for _, r := range snapshot.Records {
		hash, err := r.ContentHash(d.scope)
		if err != nil {
			cs.Errors = append(cs.Errors, RecordError{ParcelID: r.ID, Err: err})
			continue
		}
		cs.Hashes[r.ID] = hash

		priorHash, known := prior[r.ID]
		switch {
		case !known:
			cs.Added = append(cs.Added, r)
			log.Append(Entry{Action: ActionAdd, ParcelID: r.ID, Timestamp: now})
		case priorHash != hash:
			cs.Updated = append(cs.Updated, r)
			log.Append(Entry{Action: ActionUpdate, ParcelID: r.ID, Timestamp: now})
		default:
			cs.Unchanged = append(cs.Unchanged, r)
		}
	}

	// Deleted: present before, absent now. Records excluded by a hash error
	// are still in the snapshot, so they must not show up as deletions.
	errored := make(map[string]struct{}, len(cs.Errors))
	for _, re := range cs.Errors {
		errored[re.ParcelID] = struct{}{}
	}
	for id := range prior {
		if _, present := cs.Hashes[id]; present {
			continue
		}
		if _, failed := errored[id]; failed {
			continue
		}
		cs.DeletedIDs = append(cs.DeletedIDs, id)
	}
	sort.Strings(cs.DeletedIDs)
	for _, id := range cs.DeletedIDs {
		log.Append(Entry{Action: ActionDelete, ParcelID: id, Timestamp: now})
	}

	return cs
}
