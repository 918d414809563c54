package domain

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a stored event record.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevised Status = "revised"
	StatusDeleted Status = "deleted"
)

// RawEvent is a single unvalidated feed entry, kept as the original JSON so the
// normalizer can check it field by field.
type RawEvent struct {
	Payload   json.RawMessage
	Source    string
	FetchedAt time.Time
}

// FetchResult is what a feed client returns for one fetch window.
type FetchResult struct {
	Events []RawEvent
	Pages  int
	// Truncated is set when the page cap was reached before the feed ran out
	// of results. The caller must not treat the window as fully covered.
	Truncated bool
}

// Location is a hypocenter in WGS-84 with depth below the surface.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	DepthKM   float64 `json:"depth_km" yaml:"depth_km"`
}

// EventRecord is the canonical, persisted representation of a seismic event.
type EventRecord struct {
	EventID    string    `json:"event_id" yaml:"event_id"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
	Magnitude  float64   `json:"magnitude" yaml:"magnitude"`
	Location   Location  `json:"location" yaml:"location"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
	Status     Status    `json:"status" yaml:"status"`
	IngestedAt time.Time `json:"ingested_at" yaml:"ingested_at"`

	// Informational fields carried from the feed.
	Place         string `json:"place,omitempty" yaml:"place,omitempty"`
	PlaceSource   string `json:"place_source,omitempty" yaml:"place_source,omitempty"` // "feed", "reverse", "failed"
	MagnitudeType string `json:"magnitude_type,omitempty" yaml:"magnitude_type,omitempty"`
	Network       string `json:"network,omitempty" yaml:"network,omitempty"`
	URL           string `json:"url,omitempty" yaml:"url,omitempty"`
	Tsunami       bool   `json:"tsunami,omitempty" yaml:"tsunami,omitempty"`
	Alert         string `json:"alert,omitempty" yaml:"alert,omitempty"`
	Significance  int    `json:"significance,omitempty" yaml:"significance,omitempty"`
	ReviewStatus  string `json:"review_status,omitempty" yaml:"review_status,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (r EventRecord) Deleted() bool {
	return r.Status == StatusDeleted
}

// UpsertOutcome is the result of reconciling one record against the store.
type UpsertOutcome string

const (
	OutcomeInserted     UpsertOutcome = "inserted"
	OutcomeUpdated      UpsertOutcome = "updated"
	OutcomeIgnoredStale UpsertOutcome = "ignored_stale"
)

// Change is a record that was inserted or updated by a reconciliation cycle,
// published to downstream consumers.
type Change struct {
	CycleID string
	Outcome UpsertOutcome
	Record  EventRecord
}
