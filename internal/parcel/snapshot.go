package parcel

import "fmt"

// Snapshot is the complete current record set for one sync run. It is built
// fresh by the extraction collaborator, handed to the engine, and discarded
// afterwards. The engine treats it as immutable.
type Snapshot struct {
	Records []Record
	// CRS tags the coordinate reference system of the snapshot's geometries.
	CRS string
}

// NewSnapshot wraps records in a snapshot with the default CRS.
func NewSnapshot(records []Record) Snapshot {
	return Snapshot{Records: records, CRS: DefaultCRS}
}

// Len returns the number of records in the snapshot.
func (s Snapshot) Len() int { return len(s.Records) }

// IDs returns the set of identifiers present in the snapshot.
func (s Snapshot) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(s.Records))
	for _, r := range s.Records {
		ids[r.ID] = struct{}{}
	}
	return ids
}

// Validate checks the snapshot's identifier invariant: every record has a
// non-empty identifier and no identifier appears twice. A violation is a
// fatal precondition for a sync run; records with broken identifiers are
// ineligible for hashing.
func (s Snapshot) Validate() error {
	seen := make(map[string]struct{}, len(s.Records))
	for i, r := range s.Records {
		if r.ID == "" {
			return fmt.Errorf("snapshot record %d has an empty parcel identifier", i)
		}
		if _, dup := seen[r.ID]; dup {
			return fmt.Errorf("snapshot contains duplicate parcel identifier %s", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
