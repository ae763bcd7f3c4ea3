// Package parcel defines the parcel record model shared by the sync engine.
//
// A record carries a stable identifier, an open set of named scalar
// attributes, and a polygon geometry. Records arrive in full snapshots; the
// engine never sees partial updates. Change detection works off a canonical
// content hash of each record, so hashing here must be deterministic
// regardless of how the source ordered its columns.
package parcel

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// DefaultCRS is the coordinate reference system assumed for snapshots that
// don't declare one. Parcel sources deliver WGS 84 polygons.
const DefaultCRS = "EPSG:4326"

// HashScope selects which parts of a record feed its content hash.
type HashScope int

const (
	// ScopeAttributes hashes the named attributes only. Geometry-only edits
	// are classified as unchanged under this scope.
	ScopeAttributes HashScope = iota
	// ScopeAttributesGeometry additionally hashes the geometry's WKT form,
	// so geometry edits are detected as updates.
	ScopeAttributesGeometry
)

// ParseHashScope converts a configuration string into a HashScope.
func ParseHashScope(s string) (HashScope, error) {
	switch s {
	case "", "attributes":
		return ScopeAttributes, nil
	case "attributes+geometry":
		return ScopeAttributesGeometry, nil
	default:
		return ScopeAttributes, fmt.Errorf("unknown hash scope %q (want \"attributes\" or \"attributes+geometry\")", s)
	}
}

// String returns the configuration spelling of the scope.
func (s HashScope) String() string {
	if s == ScopeAttributesGeometry {
		return "attributes+geometry"
	}
	return "attributes"
}

// Record is one parcel from a snapshot.
type Record struct {
	// ID is the parcel identifier, the correlation key for all
	// reconciliation. Must be non-empty and unique within a snapshot.
	ID string
	// Attrs holds the scalar attributes (owner, use_code, acres,
	// assessed_value, ...). The set of keys is open; values are the source's
	// string rendering.
	Attrs map[string]string
	// Geometry is the parcel polygon. May be nil for records whose source
	// geometry failed to parse; such records are dropped during extraction.
	Geometry orb.Geometry
}

// ContentHash computes the record's canonical content hash under the given
// scope: attribute name:value pairs concatenated in lexicographic key order,
// hex MD5 digest. The digest is an equality proxy, not a security boundary.
func (r Record) ContentHash(scope HashScope) (string, error) {
	keys := make([]string, 0, len(r.Attrs))
	for k := range r.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(r.Attrs[k])
	}

	if scope == ScopeAttributesGeometry {
		if r.Geometry == nil {
			return "", fmt.Errorf("record %s: hash scope includes geometry but record has none", r.ID)
		}
		b.WriteString("geometry:")
		b.WriteString(wkt.MarshalString(r.Geometry))
	}

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// WKT returns the record geometry in WKT form, or "" if the record has no
// geometry.
func (r Record) WKT() string {
	if r.Geometry == nil {
		return ""
	}
	return wkt.MarshalString(r.Geometry)
}

// ParseWKT parses a WKT geometry string from a source row.
func ParseWKT(s string) (orb.Geometry, error) {
	g, err := wkt.Unmarshal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid WKT geometry: %w", err)
	}
	return g, nil
}
