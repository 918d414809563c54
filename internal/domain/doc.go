// Package domain models seismic events published by the USGS earthquake feed
// and the rules for reconciling them into a durable record store.
//
// # Data Source
//
// Events come from the USGS FDSN event web service as a GeoJSON
// FeatureCollection (https://earthquake.usgs.gov/fdsnws/event/1/). Each feature
// carries:
//
//	id                      globally unique event id, e.g. "us7000abcd"
//	properties.time         origin time, epoch milliseconds UTC
//	properties.updated      time of the latest revision, epoch milliseconds UTC
//	properties.mag          magnitude, may be revised
//	properties.status       "automatic", "reviewed", or "deleted" (retraction)
//	geometry.coordinates    [longitude, latitude, depth_km]
//
// Revisions are republished under the same id with a newer "updated" value.
// Retractions are republished with status "deleted" when the request sets
// includedeleted=true.
//
// # Reconciliation
//
// A stored record changes only when the incoming "updated" is strictly newer
// (see [Reconcile]). Repeated and overlapping polls therefore converge on the
// newest revision regardless of arrival order. The origin time never changes
// after the first store. Retracted events are kept as tombstones with status
// [StatusDeleted] and are hidden from queries unless explicitly requested.
//
// # Validation
//
// [Normalize] checks each entry on its own: magnitude in
// [MinMagnitude, MaxMagnitude], latitude in [-90, 90], longitude in
// [-180, 180], depth not negative. A bad entry yields a [NormalizationError]
// with a reason tag and the batch continues.
package domain
