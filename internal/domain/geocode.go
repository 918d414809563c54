package domain

import (
	"context"
	"log/slog"
)

// EnrichWithGeocoding fills Place from the geocoder when the feed left it empty.
// If geocoder is nil the record is returned untouched. Failures degrade
// gracefully: the record keeps its coordinates and PlaceSource is "failed".
func EnrichWithGeocoding(ctx context.Context, rec EventRecord, geocoder Geocoder, logger *slog.Logger) EventRecord {
	if geocoder == nil || rec.Deleted() {
		return rec
	}
	if rec.Place != "" {
		rec.PlaceSource = "feed"
		return rec
	}

	result, err := geocoder.ReverseGeocode(ctx, rec.Location.Latitude, rec.Location.Longitude)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"event_id", rec.EventID,
			"lat", rec.Location.Latitude,
			"lon", rec.Location.Longitude,
			"error", err,
		)
		rec.PlaceSource = "failed"
		return rec
	}
	if result.FormattedAddress == "" {
		return rec
	}
	rec.Place = result.FormattedAddress
	rec.PlaceSource = "reverse"
	return rec
}
