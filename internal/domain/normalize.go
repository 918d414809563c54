package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Physical bounds for accepted measurements.
const (
	MinMagnitude = -2.0
	MaxMagnitude = 10.0
)

// timeLayouts are the string timestamp formats accepted besides epoch milliseconds.
var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02"}

// Timestamps are bounded to what int64 nanoseconds since the Unix epoch can
// hold, the representation of indexed time columns.
var (
	EarliestTime = time.Unix(0, math.MinInt64).UTC()
	LatestTime   = time.Unix(0, math.MaxInt64).UTC()
)

// InTimeRange reports whether t lies within [EarliestTime, LatestTime].
func InTimeRange(t time.Time) bool {
	return !t.Before(EarliestTime) && !t.After(LatestTime)
}

// fieldError describes a single failed field check before it is bound to a raw entry.
type fieldError struct {
	reason NormalizationReason
	field  string
	detail string
}

// Normalize validates one feed entry and converts it into a canonical record.
// Errors are always *NormalizationError.
//
// The entry is read as a loose GeoJSON feature: unknown members are ignored,
// JSON null counts as absent, and numbers may arrive as strings. Retractions
// (properties.status "deleted") only need an id and an update time.
func Normalize(raw RawEvent) (EventRecord, error) {
	rec, ferr := normalize(raw)
	if ferr != nil {
		return EventRecord{}, &NormalizationError{
			Raw:     raw,
			EventID: rec.EventID,
			Reason:  ferr.reason,
			Field:   ferr.field,
			Detail:  ferr.detail,
		}
	}
	return rec, nil
}

// NormalizeBatch normalizes every entry independently. A rejected entry is
// reported and skipped; it never discards the rest of the batch.
func NormalizeBatch(raws []RawEvent) ([]EventRecord, []*NormalizationError) {
	records := make([]EventRecord, 0, len(raws))
	var rejects []*NormalizationError
	for _, raw := range raws {
		rec, ferr := normalize(raw)
		if ferr != nil {
			rejects = append(rejects, &NormalizationError{
				Raw:     raw,
				EventID: rec.EventID,
				Reason:  ferr.reason,
				Field:   ferr.field,
				Detail:  ferr.detail,
			})
			continue
		}
		records = append(records, rec)
	}
	return records, rejects
}

// normalize returns a partially filled record alongside an error so the caller
// can still report the event id when one was read.
func normalize(raw RawEvent) (EventRecord, *fieldError) {
	var rec EventRecord

	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	dec.UseNumber()
	var entry map[string]any
	if err := dec.Decode(&entry); err != nil {
		return rec, &fieldError{reason: ReasonUndecodable, detail: err.Error()}
	}
	if entry == nil {
		return rec, &fieldError{reason: ReasonUndecodable, detail: "entry is not an object"}
	}

	id, ferr := readString(entry, "id", true)
	if ferr != nil {
		return rec, ferr
	}
	if id == "" {
		return rec, &fieldError{reason: ReasonMissingField, field: "id"}
	}
	rec.EventID = id

	props, ok := lookup(entry, "properties")
	if !ok {
		return rec, &fieldError{reason: ReasonMissingField, field: "properties"}
	}
	pm, ok := props.(map[string]any)
	if !ok {
		return rec, &fieldError{reason: ReasonBadFormat, field: "properties", detail: "not an object"}
	}

	feedStatus, ferr := readString(pm, "status", false)
	if ferr != nil {
		return rec, ferr
	}
	retracted := strings.EqualFold(feedStatus, "deleted")
	required := !retracted
	if retracted {
		rec.Status = StatusDeleted
	} else {
		rec.Status = StatusActive
		rec.ReviewStatus = strings.ToLower(feedStatus)
	}

	if rec.UpdatedAt, _, ferr = readTime(pm, "updated", true); ferr != nil {
		return rec, ferr
	}
	if rec.OccurredAt, _, ferr = readTime(pm, "time", required); ferr != nil {
		return rec, ferr
	}

	mag, present, ferr := readFloat(pm, "mag", required)
	if ferr != nil {
		return rec, ferr
	}
	if present && (mag < MinMagnitude || mag > MaxMagnitude) {
		return rec, &fieldError{reason: ReasonOutOfRange, field: "mag",
			detail: fmt.Sprintf("%g outside [%g, %g]", mag, MinMagnitude, MaxMagnitude)}
	}
	rec.Magnitude = mag

	loc, ferr := readLocation(entry, required)
	if ferr != nil {
		return rec, ferr
	}
	rec.Location = loc

	if rec.Place, ferr = readString(pm, "place", false); ferr != nil {
		return rec, ferr
	}
	if rec.Place != "" {
		rec.PlaceSource = "feed"
	}
	if rec.MagnitudeType, ferr = readString(pm, "magType", false); ferr != nil {
		return rec, ferr
	}
	if rec.Network, ferr = readString(pm, "net", false); ferr != nil {
		return rec, ferr
	}
	if rec.URL, ferr = readString(pm, "url", false); ferr != nil {
		return rec, ferr
	}
	if rec.Alert, ferr = readString(pm, "alert", false); ferr != nil {
		return rec, ferr
	}
	tsunami, _, ferr := readFloat(pm, "tsunami", false)
	if ferr != nil {
		return rec, ferr
	}
	rec.Tsunami = tsunami != 0
	sig, _, ferr := readFloat(pm, "sig", false)
	if ferr != nil {
		return rec, ferr
	}
	rec.Significance = int(sig)

	return rec, nil
}

// readLocation reads geometry.coordinates as [lon, lat, depth_km].
func readLocation(entry map[string]any, required bool) (Location, *fieldError) {
	geom, ok := lookup(entry, "geometry")
	if !ok {
		if required {
			return Location{}, &fieldError{reason: ReasonMissingField, field: "geometry"}
		}
		return Location{}, nil
	}
	gm, ok := geom.(map[string]any)
	if !ok {
		return Location{}, &fieldError{reason: ReasonBadFormat, field: "geometry", detail: "not an object"}
	}
	raw, ok := lookup(gm, "coordinates")
	if !ok {
		if required {
			return Location{}, &fieldError{reason: ReasonMissingField, field: "geometry.coordinates"}
		}
		return Location{}, nil
	}
	coords, ok := raw.([]any)
	if !ok || len(coords) < 3 {
		return Location{}, &fieldError{reason: ReasonBadFormat, field: "geometry.coordinates",
			detail: "want [lon, lat, depth]"}
	}
	var vals [3]float64
	for i := range vals {
		v, ok := coerceFloat(coords[i])
		if !ok {
			return Location{}, &fieldError{reason: ReasonBadFormat, field: "geometry.coordinates",
				detail: fmt.Sprintf("element %d is not a number", i)}
		}
		vals[i] = v
	}
	loc := Location{Longitude: vals[0], Latitude: vals[1], DepthKM: vals[2]}

	switch {
	case loc.Latitude < -90 || loc.Latitude > 90:
		return Location{}, &fieldError{reason: ReasonOutOfRange, field: "latitude",
			detail: fmt.Sprintf("%g outside [-90, 90]", loc.Latitude)}
	case loc.Longitude < -180 || loc.Longitude > 180:
		return Location{}, &fieldError{reason: ReasonOutOfRange, field: "longitude",
			detail: fmt.Sprintf("%g outside [-180, 180]", loc.Longitude)}
	case loc.DepthKM < 0:
		return Location{}, &fieldError{reason: ReasonOutOfRange, field: "depth",
			detail: fmt.Sprintf("%g is negative", loc.DepthKM)}
	}
	return loc, nil
}

// lookup returns the member at key, treating JSON null as absent.
func lookup(m map[string]any, key string) (any, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func readString(m map[string]any, key string, required bool) (string, *fieldError) {
	v, ok := lookup(m, key)
	if !ok {
		if required {
			return "", &fieldError{reason: ReasonMissingField, field: key}
		}
		return "", nil
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), nil
	case json.Number:
		return x.String(), nil
	default:
		return "", &fieldError{reason: ReasonBadFormat, field: key, detail: "not a string"}
	}
}

func readFloat(m map[string]any, key string, required bool) (float64, bool, *fieldError) {
	v, ok := lookup(m, key)
	if !ok {
		if required {
			return 0, false, &fieldError{reason: ReasonMissingField, field: key}
		}
		return 0, false, nil
	}
	f, ok := coerceFloat(v)
	if !ok {
		return 0, false, &fieldError{reason: ReasonBadFormat, field: key, detail: fmt.Sprintf("%v is not a number", v)}
	}
	return f, true, nil
}

func readTime(m map[string]any, key string, required bool) (time.Time, bool, *fieldError) {
	v, ok := lookup(m, key)
	if !ok {
		if required {
			return time.Time{}, false, &fieldError{reason: ReasonMissingField, field: key}
		}
		return time.Time{}, false, nil
	}
	t, ok := coerceTime(v)
	if !ok {
		return time.Time{}, false, &fieldError{reason: ReasonBadFormat, field: key, detail: fmt.Sprintf("%v is not a timestamp", v)}
	}
	if !InTimeRange(t) {
		return time.Time{}, false, &fieldError{reason: ReasonOutOfRange, field: key,
			detail: fmt.Sprintf("%s outside [%s, %s]", t.Format(time.RFC3339), EarliestTime.Format(time.RFC3339), LatestTime.Format(time.RFC3339))}
	}
	return t, true, nil
}

func coerceFloat(v any) (float64, bool) {
	var (
		f   float64
		err error
	)
	switch x := v.(type) {
	case json.Number:
		f, err = x.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(x), 64)
	default:
		return 0, false
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// coerceTime accepts epoch milliseconds (number or digit string) or one of timeLayouts.
func coerceTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case json.Number:
		if ms, err := x.Int64(); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		f, err := x.Float64()
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return time.Time{}, false
		}
		// Beyond int64 milliseconds; reported as out of range by the caller.
		if f <= math.MinInt64 {
			return EarliestTime.Add(-time.Nanosecond), true
		}
		if f >= math.MaxInt64 {
			return LatestTime.Add(time.Nanosecond), true
		}
		return time.UnixMilli(int64(f)).UTC(), true
	case string:
		s := strings.TrimSpace(x)
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), true
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
