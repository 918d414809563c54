// Package query answers filtered read requests against the event store.
package query

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
	"github.com/couchcryptid/quake-data-etl/internal/observability"
)

// DefaultLimit caps unbounded queries. MaxLimit is the largest accepted limit.
const (
	DefaultLimit = 1000
	MaxLimit     = 20000
)

// Reader is the read side of the reconciliation store.
type Reader interface {
	Get(ctx context.Context, id string) (domain.EventRecord, bool, error)
	Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error]
}

// Service is read-only; it never mutates the store and is safe for concurrent use.
type Service struct {
	store   Reader
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewService creates a query service over store.
func NewService(store Reader, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{store: store, metrics: metrics, logger: logger}
}

// Query returns records matching f, newest first. No match yields an empty,
// non-nil slice. Errors wrap domain.ErrInvalidQuery or domain.ErrStoreUnavailable.
func (s *Service) Query(ctx context.Context, f domain.Filter) ([]domain.EventRecord, error) {
	start := time.Now()
	defer func() { s.metrics.QueryDuration.Observe(time.Since(start).Seconds()) }()

	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if err := f.Validate(); err != nil {
		s.metrics.Queries.WithLabelValues("invalid").Inc()
		return nil, err
	}

	out := []domain.EventRecord{}
	for rec, err := range s.store.Query(ctx, f) {
		if err != nil {
			s.record(err)
			return nil, err
		}
		out = append(out, rec)
	}
	s.metrics.Queries.WithLabelValues("ok").Inc()
	return out, nil
}

// Get returns one record by id, tombstones included.
func (s *Service) Get(ctx context.Context, id string) (domain.EventRecord, bool, error) {
	if id == "" {
		return domain.EventRecord{}, false, errors.Join(domain.ErrInvalidQuery, errors.New("empty event id"))
	}
	rec, ok, err := s.store.Get(ctx, id)
	if err != nil {
		s.record(err)
		return domain.EventRecord{}, false, err
	}
	s.metrics.Queries.WithLabelValues("ok").Inc()
	return rec, ok, nil
}

func (s *Service) record(err error) {
	outcome := "unavailable"
	if errors.Is(err, domain.ErrInvalidQuery) {
		outcome = "invalid"
	} else {
		s.logger.Error("query failed", "error", err)
	}
	s.metrics.Queries.WithLabelValues(outcome).Inc()
}
