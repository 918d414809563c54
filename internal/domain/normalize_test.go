package domain

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testOccurredMs = int64(1711929600000) // 2024-04-01T00:00:00Z
	testUpdatedMs  = int64(1711933200000) // 2024-04-01T01:00:00Z
)

func feature(t *testing.T, id string, props map[string]any, coords []any) RawEvent {
	t.Helper()
	f := map[string]any{"type": "Feature", "properties": props}
	if id != "" {
		f["id"] = id
	}
	if coords != nil {
		f["geometry"] = map[string]any{"type": "Point", "coordinates": coords}
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	return RawEvent{Payload: data, Source: "usgs"}
}

func validProps() map[string]any {
	return map[string]any{
		"mag":     4.2,
		"place":   "10 km SSW of Hualien City, Taiwan",
		"time":    testOccurredMs,
		"updated": testUpdatedMs,
		"magType": "mb",
		"net":     "us",
		"url":     "https://earthquake.usgs.gov/earthquakes/eventpage/us7000m9g4",
		"tsunami": 1,
		"alert":   "green",
		"sig":     271,
		"status":  "reviewed",
		"felt":    12, // not modelled, must be ignored
	}
}

func TestNormalize_ValidFeature(t *testing.T) {
	raw := feature(t, "us7000m9g4", validProps(), []any{121.56, 23.82, 34.8})

	rec, err := Normalize(raw)
	require.NoError(t, err)

	want := EventRecord{
		EventID:       "us7000m9g4",
		OccurredAt:    time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC),
		Magnitude:     4.2,
		Location:      Location{Latitude: 23.82, Longitude: 121.56, DepthKM: 34.8},
		UpdatedAt:     time.Date(2024, time.April, 1, 1, 0, 0, 0, time.UTC),
		Status:        StatusActive,
		Place:         "10 km SSW of Hualien City, Taiwan",
		PlaceSource:   "feed",
		MagnitudeType: "mb",
		Network:       "us",
		URL:           "https://earthquake.usgs.gov/earthquakes/eventpage/us7000m9g4",
		Tsunami:       true,
		Alert:         "green",
		Significance:  271,
		ReviewStatus:  "reviewed",
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Fatalf("normalized record mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalize_CoercesStringsAndTimestamps(t *testing.T) {
	props := validProps()
	props["mag"] = "5.1"
	props["time"] = "2024-04-01T00:00:00Z"
	props["updated"] = "1711933200000"

	rec, err := Normalize(feature(t, "ci123", props, []any{"-117.5", "35.7", "8.2"}))
	require.NoError(t, err)

	assert.InDelta(t, 5.1, rec.Magnitude, 1e-9)
	assert.Equal(t, time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC), rec.OccurredAt)
	assert.Equal(t, time.UnixMilli(testUpdatedMs).UTC(), rec.UpdatedAt)
	assert.InDelta(t, 35.7, rec.Location.Latitude, 1e-9)
	assert.InDelta(t, -117.5, rec.Location.Longitude, 1e-9)
	assert.InDelta(t, 8.2, rec.Location.DepthKM, 1e-9)
}

func TestNormalize_NullOptionalFieldsAreAbsent(t *testing.T) {
	props := validProps()
	props["alert"] = nil
	props["place"] = nil

	rec, err := Normalize(feature(t, "nc1", props, []any{-122.0, 37.0, 5.0}))
	require.NoError(t, err)
	assert.Empty(t, rec.Alert)
	assert.Empty(t, rec.Place)
	assert.Empty(t, rec.PlaceSource)
}

func TestNormalize_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(props map[string]any) ([]any, string)
		reason NormalizationReason
		field  string
	}{
		{
			name: "missing id",
			mutate: func(map[string]any) ([]any, string) {
				return []any{0.0, 0.0, 1.0}, ""
			},
			reason: ReasonMissingField,
			field:  "id",
		},
		{
			name: "missing magnitude",
			mutate: func(p map[string]any) ([]any, string) {
				delete(p, "mag")
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonMissingField,
			field:  "mag",
		},
		{
			name: "null magnitude",
			mutate: func(p map[string]any) ([]any, string) {
				p["mag"] = nil
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonMissingField,
			field:  "mag",
		},
		{
			name: "magnitude not numeric",
			mutate: func(p map[string]any) ([]any, string) {
				p["mag"] = "strong"
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonBadFormat,
			field:  "mag",
		},
		{
			name: "magnitude implausible",
			mutate: func(p map[string]any) ([]any, string) {
				p["mag"] = 12.5
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "mag",
		},
		{
			name: "event time beyond nanosecond range",
			mutate: func(p map[string]any) ([]any, string) {
				p["time"] = int64(1e16)
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "time",
		},
		{
			name: "update time beyond int64 milliseconds",
			mutate: func(p map[string]any) ([]any, string) {
				p["updated"] = 1e20
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "updated",
		},
		{
			name: "event time before nanosecond range",
			mutate: func(p map[string]any) ([]any, string) {
				p["time"] = "1500-06-01"
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "time",
		},
		{
			name: "missing updated",
			mutate: func(p map[string]any) ([]any, string) {
				delete(p, "updated")
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonMissingField,
			field:  "updated",
		},
		{
			name: "bad time",
			mutate: func(p map[string]any) ([]any, string) {
				p["time"] = "yesterday"
				return []any{0.0, 0.0, 1.0}, "ev"
			},
			reason: ReasonBadFormat,
			field:  "time",
		},
		{
			name: "latitude out of range",
			mutate: func(map[string]any) ([]any, string) {
				return []any{10.0, 91.0, 1.0}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "latitude",
		},
		{
			name: "longitude out of range",
			mutate: func(map[string]any) ([]any, string) {
				return []any{-181.0, 10.0, 1.0}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "longitude",
		},
		{
			name: "negative depth",
			mutate: func(map[string]any) ([]any, string) {
				return []any{10.0, 10.0, -0.5}, "ev"
			},
			reason: ReasonOutOfRange,
			field:  "depth",
		},
		{
			name: "missing geometry",
			mutate: func(map[string]any) ([]any, string) {
				return nil, "ev"
			},
			reason: ReasonMissingField,
			field:  "geometry",
		},
		{
			name: "short coordinates",
			mutate: func(map[string]any) ([]any, string) {
				return []any{10.0, 10.0}, "ev"
			},
			reason: ReasonBadFormat,
			field:  "geometry.coordinates",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			props := validProps()
			coords, id := tc.mutate(props)

			_, err := Normalize(feature(t, id, props, coords))
			require.Error(t, err)

			var nerr *NormalizationError
			require.True(t, errors.As(err, &nerr))
			assert.Equal(t, tc.reason, nerr.Reason)
			assert.Equal(t, tc.field, nerr.Field)
			assert.NotEmpty(t, nerr.Raw.Payload, "rejection must carry the raw entry")
		})
	}
}

func TestNormalize_Undecodable(t *testing.T) {
	_, err := Normalize(RawEvent{Payload: []byte("not json")})

	var nerr *NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, ReasonUndecodable, nerr.Reason)
}

func TestNormalize_RetractionNeedsOnlyIDAndUpdated(t *testing.T) {
	props := map[string]any{"status": "deleted", "updated": testUpdatedMs}

	rec, err := Normalize(feature(t, "us7000gone", props, nil))
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, rec.Status)
	assert.Equal(t, "us7000gone", rec.EventID)
	assert.True(t, rec.OccurredAt.IsZero())
	assert.Empty(t, rec.ReviewStatus)
}

func TestNormalize_RetractionStillValidatesPresentFields(t *testing.T) {
	props := map[string]any{"status": "deleted", "updated": testUpdatedMs, "mag": 42.0}

	_, err := Normalize(feature(t, "us7000gone", props, nil))
	var nerr *NormalizationError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, ReasonOutOfRange, nerr.Reason)
	assert.Equal(t, "us7000gone", nerr.EventID)
}

func TestNormalizeBatch_IsolatesMalformedEntry(t *testing.T) {
	raws := []RawEvent{
		feature(t, "a", validProps(), []any{1.0, 1.0, 1.0}),
		feature(t, "b", validProps(), []any{2.0, 2.0, 2.0}),
		{Payload: []byte(`{"id":"broken","properties":`)},
		feature(t, "c", validProps(), []any{3.0, 3.0, 3.0}),
	}

	records, rejects := NormalizeBatch(raws)

	require.Len(t, records, 3)
	require.Len(t, rejects, 1)
	assert.Equal(t, []string{"a", "b", "c"}, []string{records[0].EventID, records[1].EventID, records[2].EventID})
	assert.Equal(t, ReasonUndecodable, rejects[0].Reason)
	assert.Equal(t, raws[2].Payload, rejects[0].Raw.Payload)
}
