package domain

import "context"

// GeocodingResult is the place a geocoding provider resolved coordinates to.
// An empty FormattedAddress means the provider found nothing.
type GeocodingResult struct {
	FormattedAddress string
}

// Geocoder resolves coordinates to a human-readable place.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lon float64) (GeocodingResult, error)
}
