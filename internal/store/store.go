// Package store holds the in-memory reconciliation store and opens the
// configured backend from a connection string.
package store

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/couchcryptid/quake-data-etl/internal/adapter/postgres"
	"github.com/couchcryptid/quake-data-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

// Store is a persistent keyed store of canonical event records. Every backend
// applies domain.Reconcile under a per-key critical section and wraps I/O
// failures with domain.ErrStoreUnavailable.
type Store interface {
	// Upsert inserts or reconciles rec and reports what happened. It returns
	// the record as persisted, or the unchanged stored record when rec is stale.
	Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error)
	// Get returns the stored record for id, tombstones included.
	Get(ctx context.Context, id string) (domain.EventRecord, bool, error)
	// Query returns a lazy sequence of matching records, newest first. Each
	// range over the sequence re-runs the query against a fresh snapshot.
	Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error]
	// LoadWatermark returns the persisted cursor called name, if any.
	LoadWatermark(ctx context.Context, name string) (time.Time, bool, error)
	// SaveWatermark persists the cursor called name.
	SaveWatermark(ctx context.Context, name string, watermark time.Time) error
	// CheckReadiness verifies the backend is reachable.
	CheckReadiness(ctx context.Context) error
	Close() error
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Open returns the backend selected by dsn:
//
//	memory://                      in-process sharded map
//	sqlite://path, file:path       SQLite database file
//	postgres://..., postgresql://  PostgreSQL
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "memory://" || dsn == "memory:" || dsn == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return sqlite.Open(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return sqlite.Open(ctx, dsn)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return postgres.Open(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported store dsn %q", redact(dsn))
	}
}

// redact drops everything after the scheme so credentials never reach logs.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	return dsn
}
