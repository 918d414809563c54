package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// BoundingBox is a geographic region. MinLon > MaxLon describes a box that
// crosses the antimeridian.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Validate checks the box lies within WGS-84 bounds.
func (b BoundingBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 || b.MinLat > b.MaxLat {
		return fmt.Errorf("%w: latitude range [%g, %g]", ErrInvalidQuery, b.MinLat, b.MaxLat)
	}
	if b.MinLon < -180 || b.MinLon > 180 || b.MaxLon < -180 || b.MaxLon > 180 {
		return fmt.Errorf("%w: longitude range [%g, %g]", ErrInvalidQuery, b.MinLon, b.MaxLon)
	}
	return nil
}

// CrossesAntimeridian reports whether the box wraps past 180°.
func (b BoundingBox) CrossesAntimeridian() bool {
	return b.MinLon > b.MaxLon
}

// Contains reports whether the point lies inside the box, edges inclusive.
func (b BoundingBox) Contains(lat, lon float64) bool {
	if lat < b.MinLat || lat > b.MaxLat {
		return false
	}
	if b.CrossesAntimeridian() {
		return lon >= b.MinLon || lon <= b.MaxLon
	}
	return lon >= b.MinLon && lon <= b.MaxLon
}

// ParseBoundingBox parses "minLon,minLat,maxLon,maxLat" (GeoJSON bbox order).
func ParseBoundingBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("%w: bbox needs 4 values, got %d", ErrInvalidQuery, len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("%w: bbox value %q", ErrInvalidQuery, p)
		}
		vals[i] = v
	}
	b := BoundingBox{MinLon: vals[0], MinLat: vals[1], MaxLon: vals[2], MaxLat: vals[3]}
	if err := b.Validate(); err != nil {
		return BoundingBox{}, err
	}
	return b, nil
}

// Filter selects stored records. All conditions are optional and combined with AND.
// Zero Start/End leave that side of the time range open; both ends are inclusive.
type Filter struct {
	Start          time.Time
	End            time.Time
	MinMagnitude   *float64
	Region         *BoundingBox
	IncludeDeleted bool
	Limit          int
}

// Validate rejects contradictory or out-of-bounds filters.
func (f Filter) Validate() error {
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery,
			f.End.Format(time.RFC3339), f.Start.Format(time.RFC3339))
	}
	for _, t := range []time.Time{f.Start, f.End} {
		if !t.IsZero() && !InTimeRange(t) {
			return fmt.Errorf("%w: time %s out of range", ErrInvalidQuery, t.Format(time.RFC3339))
		}
	}
	if m := f.MinMagnitude; m != nil && (math.IsNaN(*m) || math.IsInf(*m, 0)) {
		return fmt.Errorf("%w: minimum magnitude %g is not finite", ErrInvalidQuery, *m)
	}
	if f.Region != nil {
		if err := f.Region.Validate(); err != nil {
			return err
		}
	}
	if f.Limit < 0 {
		return fmt.Errorf("%w: negative limit", ErrInvalidQuery)
	}
	return nil
}

// Matches reports whether r satisfies every condition of the filter except Limit.
func (f Filter) Matches(r EventRecord) bool {
	if r.Deleted() && !f.IncludeDeleted {
		return false
	}
	// A tombstone stored without an event time never satisfies a time bound.
	if (!f.Start.IsZero() || !f.End.IsZero()) && r.OccurredAt.IsZero() {
		return false
	}
	if !f.Start.IsZero() && r.OccurredAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.OccurredAt.After(f.End) {
		return false
	}
	if f.MinMagnitude != nil && r.Magnitude < *f.MinMagnitude {
		return false
	}
	if f.Region != nil && !f.Region.Contains(r.Location.Latitude, r.Location.Longitude) {
		return false
	}
	return true
}

// NewestFirst orders records by descending occurrence time, ties broken by id.
// It is the default ordering of every query.
func NewestFirst(a, b EventRecord) int {
	if c := b.OccurredAt.Compare(a.OccurredAt); c != 0 {
		return c
	}
	return strings.Compare(a.EventID, b.EventID)
}

// ParseTime parses a query time bound: RFC 3339, a zone-less timestamp taken
// as UTC, or a bare date.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: time %q", ErrInvalidQuery, s)
}
