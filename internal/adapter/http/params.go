package http

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

const (
	formatJSON    = "json"
	formatGeoJSON = "geojson"
)

type eventsParams struct {
	filter domain.Filter
	format string
}

// parseEventsParams reads the FDSN-style query parameters of /api/v1/events.
// Every error wraps domain.ErrInvalidQuery.
func parseEventsParams(q url.Values) (eventsParams, error) {
	var p eventsParams
	var err error

	if v := q.Get("starttime"); v != "" {
		if p.filter.Start, err = domain.ParseTime(v); err != nil {
			return p, err
		}
	}
	if v := q.Get("endtime"); v != "" {
		if p.filter.End, err = domain.ParseTime(v); err != nil {
			return p, err
		}
	}
	if v := q.Get("minmagnitude"); v != "" {
		mag, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return p, fmt.Errorf("%w: minmagnitude %q", domain.ErrInvalidQuery, v)
		}
		p.filter.MinMagnitude = &mag
	}
	if v := q.Get("bbox"); v != "" {
		box, err := domain.ParseBoundingBox(v)
		if err != nil {
			return p, err
		}
		p.filter.Region = &box
	}
	if v := q.Get("include_deleted"); v != "" {
		if p.filter.IncludeDeleted, err = strconv.ParseBool(v); err != nil {
			return p, fmt.Errorf("%w: include_deleted %q", domain.ErrInvalidQuery, v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if p.filter.Limit, err = strconv.Atoi(v); err != nil || p.filter.Limit < 0 {
			return p, fmt.Errorf("%w: limit %q", domain.ErrInvalidQuery, v)
		}
	}

	switch p.format = q.Get("format"); p.format {
	case "":
		p.format = formatJSON
	case formatJSON, formatGeoJSON:
	default:
		return p, fmt.Errorf("%w: format %q", domain.ErrInvalidQuery, p.format)
	}
	return p, nil
}
