// Package usgs fetches seismic events from the USGS FDSN event web service.
package usgs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/couchcryptid/quake-data-etl/internal/config"
	"github.com/couchcryptid/quake-data-etl/internal/domain"
	"github.com/couchcryptid/quake-data-etl/internal/observability"
)

// DefaultBaseURL is the public FDSN event query endpoint.
const DefaultBaseURL = "https://earthquake.usgs.gov/fdsnws/event/1/query"

// Source tags raw entries fetched by this client.
const Source = "usgs"

const maxErrorBody = 512

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	PageSize  int
	MaxPages  int
	RateLimit float64 // requests per second
}

// OptionsFromConfig maps the FEED_* settings onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:   cfg.FeedURL,
		UserAgent: cfg.FeedUserAgent,
		Timeout:   cfg.FeedTimeout,
		PageSize:  cfg.FeedPageSize,
		MaxPages:  cfg.FeedMaxPages,
		RateLimit: cfg.FeedRateLimit,
	}
}

// Client implements the feed client over the FDSN GeoJSON endpoint. It is safe
// for concurrent use.
type Client struct {
	baseURL    string
	userAgent  string
	pageSize   int
	maxPages   int
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a USGS feed client.
func NewClient(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 20
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 2
	}
	return &Client{
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		pageSize:  opts.PageSize,
		maxPages:  opts.MaxPages,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), 1),
		metrics: metrics,
		logger:  logger,
	}
}

// Fetch returns every entry updated at or after since, optionally restricted to
// bounds. Entries are returned raw; validation is the normalizer's job.
//
// Failures are *domain.FetchError. A window that needs more than MaxPages pages
// is returned with Truncated set rather than as an error.
func (c *Client) Fetch(ctx context.Context, since time.Time, bounds *domain.BoundingBox) (domain.FetchResult, error) {
	if since.After(domain.Now()) {
		return domain.FetchResult{}, fmt.Errorf("%w: since %s is in the future", domain.ErrInvalidQuery, since.Format(time.RFC3339))
	}
	if bounds != nil {
		if err := bounds.Validate(); err != nil {
			return domain.FetchResult{}, err
		}
	}

	params := c.baseParams(bounds)
	params.Set("updatedafter", since.UTC().Format(time.RFC3339))
	return c.fetchAll(ctx, params, "since", since)
}

// FetchRange returns every entry whose event time lies in [start, end),
// regardless of when it was last updated. It pages and fails like Fetch.
func (c *Client) FetchRange(ctx context.Context, start, end time.Time, bounds *domain.BoundingBox) (domain.FetchResult, error) {
	if !end.After(start) {
		return domain.FetchResult{}, fmt.Errorf("%w: range end %s not after start %s", domain.ErrInvalidQuery,
			end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	if bounds != nil {
		if err := bounds.Validate(); err != nil {
			return domain.FetchResult{}, err
		}
	}

	// endtime is inclusive on the service side.
	params := c.baseParams(bounds)
	params.Set("starttime", start.UTC().Format(rangeLayout))
	params.Set("endtime", end.Add(-time.Millisecond).UTC().Format(rangeLayout))
	return c.fetchAll(ctx, params, "start", start)
}

const rangeLayout = "2006-01-02T15:04:05.000"

func (c *Client) fetchAll(ctx context.Context, params url.Values, windowKey string, window time.Time) (domain.FetchResult, error) {
	var result domain.FetchResult
	for page := 0; page < c.maxPages; page++ {
		params.Set("offset", strconv.Itoa(1+page*c.pageSize))

		features, err := c.fetchPage(ctx, params)
		if err != nil {
			c.recordFetch(err)
			return domain.FetchResult{}, err
		}
		result.Pages++
		c.metrics.FeedPages.Inc()

		fetchedAt := domain.Now()
		for _, f := range features {
			result.Events = append(result.Events, domain.RawEvent{Payload: f, Source: Source, FetchedAt: fetchedAt})
		}
		if len(features) < c.pageSize {
			c.metrics.EventsFetched.Add(float64(len(result.Events)))
			c.metrics.FetchRequests.WithLabelValues("success").Inc()
			return result, nil
		}
	}

	result.Truncated = true
	c.metrics.EventsFetched.Add(float64(len(result.Events)))
	c.metrics.FetchRequests.WithLabelValues("truncated").Inc()
	c.logger.Warn("feed window truncated at page cap",
		windowKey, window,
		"pages", result.Pages,
		"events", len(result.Events),
	)
	return result, nil
}

func (c *Client) baseParams(bounds *domain.BoundingBox) url.Values {
	params := url.Values{
		"format":         {"geojson"},
		"includedeleted": {"true"},
		"orderby":        {"time-asc"},
		"limit":          {strconv.Itoa(c.pageSize)},
	}
	if bounds != nil {
		maxLon := bounds.MaxLon
		// FDSN expresses a box across the antimeridian with maxlongitude beyond 180.
		if bounds.CrossesAntimeridian() {
			maxLon += 360
		}
		params.Set("minlatitude", formatCoord(bounds.MinLat))
		params.Set("maxlatitude", formatCoord(bounds.MaxLat))
		params.Set("minlongitude", formatCoord(bounds.MinLon))
		params.Set("maxlongitude", formatCoord(maxLon))
	}
	return params
}

func (c *Client) fetchPage(ctx context.Context, params url.Values) ([]json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, domain.NewFetchError(domain.ErrNetworkUnavailable, fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrNetworkUnavailable, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/geo+json, application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrNetworkUnavailable, fmt.Errorf("feed request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewFetchError(domain.ErrNetworkUnavailable, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		fe := domain.NewFetchError(domain.ErrRateLimited, apiError(resp.StatusCode, body))
		fe.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), domain.Now())
		return nil, fe
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, domain.NewFetchError(domain.ErrNetworkUnavailable, apiError(resp.StatusCode, body))
	}

	var collection featureCollection
	if err := json.Unmarshal(body, &collection); err != nil {
		return nil, domain.NewFetchError(domain.ErrMalformedResponse, fmt.Errorf("decode response: %w", err))
	}
	if collection.Type != "FeatureCollection" || collection.Features == nil {
		return nil, domain.NewFetchError(domain.ErrMalformedResponse,
			fmt.Errorf("expected FeatureCollection with features, got type %q", collection.Type))
	}
	return *collection.Features, nil
}

func (c *Client) recordFetch(err error) {
	outcome := "network_unavailable"
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		outcome = "rate_limited"
	case errors.Is(err, domain.ErrMalformedResponse):
		outcome = "malformed_response"
	}
	c.metrics.FetchRequests.WithLabelValues(outcome).Inc()
}

func apiError(status int, body []byte) error {
	s := string(body)
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return fmt.Errorf("usgs API error: status %d: %s", status, s)
}

// parseRetryAfter accepts delta seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// FDSN GeoJSON envelope. Features stay raw for the normalizer.
type featureCollection struct {
	Type     string             `json:"type"`
	Features *[]json.RawMessage `json:"features"`
}
