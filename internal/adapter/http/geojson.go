package http

import "github.com/couchcryptid/quake-data-etl/internal/domain"

type featureCollection struct {
	Type     string    `json:"type"`
	Features []feature `json:"features"`
}

type feature struct {
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Geometry   geometry          `json:"geometry"`
	Properties featureProperties `json:"properties"`
}

type geometry struct {
	Type        string     `json:"type"`
	Coordinates [3]float64 `json:"coordinates"` // lon, lat, depth km
}

// featureProperties mirrors the property names of the upstream feed so map
// clients can consume either source.
type featureProperties struct {
	Mag     float64 `json:"mag"`
	Time    *int64  `json:"time"` // epoch ms, null for tombstones without a time
	Updated int64   `json:"updated"`
	Place   string  `json:"place,omitempty"`
	Status  string  `json:"status"`
	MagType string  `json:"magType,omitempty"`
	Net     string  `json:"net,omitempty"`
	URL     string  `json:"url,omitempty"`
	Alert   string  `json:"alert,omitempty"`
	Tsunami int     `json:"tsunami"`
	Sig     int     `json:"sig,omitempty"`
}

// newFeatureCollection renders one point feature per record, in query order.
func newFeatureCollection(records []domain.EventRecord) featureCollection {
	fc := featureCollection{Type: "FeatureCollection", Features: make([]feature, 0, len(records))}
	for _, r := range records {
		props := featureProperties{
			Mag:     r.Magnitude,
			Updated: r.UpdatedAt.UnixMilli(),
			Place:   r.Place,
			Status:  string(r.Status),
			MagType: r.MagnitudeType,
			Net:     r.Network,
			URL:     r.URL,
			Alert:   r.Alert,
			Sig:     r.Significance,
		}
		if !r.OccurredAt.IsZero() {
			ms := r.OccurredAt.UnixMilli()
			props.Time = &ms
		}
		if r.Tsunami {
			props.Tsunami = 1
		}
		fc.Features = append(fc.Features, feature{
			Type: "Feature",
			ID:   r.EventID,
			Geometry: geometry{
				Type:        "Point",
				Coordinates: [3]float64{r.Location.Longitude, r.Location.Latitude, r.Location.DepthKM},
			},
			Properties: props,
		})
	}
	return fc
}
