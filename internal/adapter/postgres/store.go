// Package postgres implements the reconciliation store on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// maxInsertRaces bounds retries when another writer inserts the same new id
// between our read and our insert.
const maxInsertRaces = 3

// Store keeps event records in a PostgreSQL table with a JSONB document column.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns < 4 {
		cfg.MaxConns = 4
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", domain.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", domain.ErrStoreUnavailable, err)
	}
	s := &Store{pool: pool}
	if err := s.applySchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%w: apply schema: %w", domain.ErrStoreUnavailable, err)
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Upsert reconciles rec under a row lock. A first insert that loses a race
// with a concurrent insert of the same id is retried against the winner's row.
func (s *Store) Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error) {
	if rec.EventID == "" {
		return domain.EventRecord{}, "", errors.New("upsert: empty event id")
	}
	for range maxInsertRaces {
		persisted, outcome, raced, err := s.upsertOnce(ctx, rec)
		if !raced {
			return persisted, outcome, err
		}
	}
	return domain.EventRecord{}, "", fmt.Errorf("%w: upsert %s: lost %d insert races", domain.ErrStoreUnavailable, rec.EventID, maxInsertRaces)
}

func (s *Store) upsertOnce(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.EventRecord{}, "", false, unavailable("begin upsert", rec.EventID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var stored *domain.EventRecord
	var doc []byte
	err = tx.QueryRow(ctx, `SELECT document FROM quake_events WHERE event_id = $1 FOR UPDATE`, rec.EventID).Scan(&doc)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return domain.EventRecord{}, "", false, unavailable("read", rec.EventID, err)
	default:
		existing, err := decode(doc)
		if err != nil {
			return domain.EventRecord{}, "", false, err
		}
		stored = &existing
	}

	next, outcome := domain.Reconcile(stored, rec, domain.Now())
	if outcome == domain.OutcomeIgnoredStale {
		return next, outcome, false, nil
	}
	if doc, err = json.Marshal(next); err != nil {
		return domain.EventRecord{}, "", false, fmt.Errorf("encode %s: %w", rec.EventID, err)
	}

	args := []any{
		next.EventID, nullableTime(next.OccurredAt), next.UpdatedAt,
		next.Magnitude, next.Location.Latitude, next.Location.Longitude,
		string(next.Status), doc,
	}
	if stored == nil {
		tag, err := tx.Exec(ctx, `
			INSERT INTO quake_events (event_id, occurred_at, updated_at, magnitude, latitude, longitude, status, document)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING`, args...)
		if err != nil {
			return domain.EventRecord{}, "", false, unavailable("insert", rec.EventID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.EventRecord{}, "", true, nil
		}
	} else {
		_, err := tx.Exec(ctx, `
			UPDATE quake_events SET occurred_at = $2, updated_at = $3, magnitude = $4,
				latitude = $5, longitude = $6, status = $7, document = $8
			WHERE event_id = $1`, args...)
		if err != nil {
			return domain.EventRecord{}, "", false, unavailable("update", rec.EventID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.EventRecord{}, "", false, unavailable("commit", rec.EventID, err)
	}
	return next, outcome, false, nil
}

// Get returns the record stored for id.
func (s *Store) Get(ctx context.Context, id string) (domain.EventRecord, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT document FROM quake_events WHERE event_id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EventRecord{}, false, nil
	}
	if err != nil {
		return domain.EventRecord{}, false, unavailable("get", id, err)
	}
	rec, err := decode(doc)
	if err != nil {
		return domain.EventRecord{}, false, err
	}
	return rec, true, nil
}

// Query streams matching rows from one statement snapshot.
func (s *Store) Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error] {
	return func(yield func(domain.EventRecord, error) bool) {
		if err := f.Validate(); err != nil {
			yield(domain.EventRecord{}, err)
			return
		}
		query, args := buildQuery(f)
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			yield(domain.EventRecord{}, fmt.Errorf("%w: query: %w", domain.ErrStoreUnavailable, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				yield(domain.EventRecord{}, fmt.Errorf("%w: scan: %w", domain.ErrStoreUnavailable, err))
				return
			}
			rec, err := decode(doc)
			if !yield(rec, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.EventRecord{}, fmt.Errorf("%w: query: %w", domain.ErrStoreUnavailable, err))
		}
	}
}

func buildQuery(f domain.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !f.IncludeDeleted {
		where = append(where, "status <> "+arg(string(domain.StatusDeleted)))
	}
	if !f.Start.IsZero() {
		where = append(where, "occurred_at >= "+arg(f.Start))
	}
	if !f.End.IsZero() {
		where = append(where, "occurred_at <= "+arg(f.End))
	}
	if f.MinMagnitude != nil {
		where = append(where, "magnitude >= "+arg(*f.MinMagnitude))
	}
	if r := f.Region; r != nil {
		where = append(where, fmt.Sprintf("latitude BETWEEN %s AND %s", arg(r.MinLat), arg(r.MaxLat)))
		op := "AND"
		if r.CrossesAntimeridian() {
			op = "OR"
		}
		where = append(where, fmt.Sprintf("(longitude >= %s %s longitude <= %s)", arg(r.MinLon), op, arg(r.MaxLon)))
	}

	var b strings.Builder
	b.WriteString("SELECT document FROM quake_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC NULLS LAST, event_id ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + arg(f.Limit))
	}
	return b.String(), args
}

// LoadWatermark returns the cursor stored under name.
func (s *Store) LoadWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	var wm time.Time
	err := s.pool.QueryRow(ctx, `SELECT watermark FROM ingest_cursors WHERE name = $1`, name).Scan(&wm)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: load watermark %s: %w", domain.ErrStoreUnavailable, name, err)
	}
	return wm.UTC(), true, nil
}

// SaveWatermark stores the cursor under name.
func (s *Store) SaveWatermark(ctx context.Context, name string, watermark time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (name, watermark, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET watermark = EXCLUDED.watermark, updated_at = EXCLUDED.updated_at`,
		name, watermark.UTC(), domain.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: save watermark %s: %w", domain.ErrStoreUnavailable, name, err)
	}
	return nil
}

// Truncate removes every record and cursor. Used by integration tests.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE quake_events, ingest_cursors`)
	return err
}

func decode(doc []byte) (domain.EventRecord, error) {
	var rec domain.EventRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return domain.EventRecord{}, fmt.Errorf("%w: decode document: %w", domain.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", domain.ErrStoreUnavailable, op, id, err)
}
