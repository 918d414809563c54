// Package sqlite implements the reconciliation store on a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - quake_events and ingest_cursors
const currentSchemaVersion = 1

// Store keeps event records in SQLite with WAL mode so queries read a
// consistent snapshot while the poller writes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
//
// Connections are configured with:
//   - WAL journal for concurrent reads during writes
//   - 5-second busy timeout for lock contention
//   - BEGIN IMMEDIATE transactions so an upsert holds the write lock from its read onwards
//
// Open is idempotent.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite: empty database path")
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", domain.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect to database: %w", domain.ErrStoreUnavailable, err)
	}
	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// dsn adds the connection parameters to a plain path or file: URI.
func dsn(path string) string {
	const params = "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	if strings.Contains(path, "?") {
		return path + "&" + params
	}
	return path + "?" + params
}

func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Upsert reconciles rec against the stored row inside one immediate
// transaction, so concurrent upserts of the same id cannot interleave.
func (s *Store) Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error) {
	if rec.EventID == "" {
		return domain.EventRecord{}, "", errors.New("upsert: empty event id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.EventRecord{}, "", unavailable("begin upsert", rec.EventID, err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stored, err := getTx(ctx, tx, rec.EventID)
	if err != nil {
		return domain.EventRecord{}, "", err
	}

	next, outcome := domain.Reconcile(stored, rec, domain.Now())
	if outcome == domain.OutcomeIgnoredStale {
		return next, outcome, nil
	}

	doc, err := json.Marshal(next)
	if err != nil {
		return domain.EventRecord{}, "", fmt.Errorf("encode %s: %w", rec.EventID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quake_events (event_id, occurred_at, updated_at, magnitude, latitude, longitude, status, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO UPDATE SET
			occurred_at = excluded.occurred_at,
			updated_at  = excluded.updated_at,
			magnitude   = excluded.magnitude,
			latitude    = excluded.latitude,
			longitude   = excluded.longitude,
			status      = excluded.status,
			document    = excluded.document`,
		next.EventID, nullableNanos(next.OccurredAt), next.UpdatedAt.UnixNano(),
		next.Magnitude, next.Location.Latitude, next.Location.Longitude,
		string(next.Status), string(doc),
	)
	if err != nil {
		return domain.EventRecord{}, "", unavailable("write", rec.EventID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.EventRecord{}, "", unavailable("commit", rec.EventID, err)
	}
	return next, outcome, nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (*domain.EventRecord, error) {
	var doc string
	err := tx.QueryRowContext(ctx, `SELECT document FROM quake_events WHERE event_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("read", id, err)
	}
	rec, err := decode(doc)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Get returns the record stored for id.
func (s *Store) Get(ctx context.Context, id string) (domain.EventRecord, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM quake_events WHERE event_id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
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

// Query streams matching rows. A single SELECT reads one WAL snapshot, and
// each range over the sequence issues the statement again.
func (s *Store) Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error] {
	return func(yield func(domain.EventRecord, error) bool) {
		if err := f.Validate(); err != nil {
			yield(domain.EventRecord{}, err)
			return
		}
		query, args := buildQuery(f)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.EventRecord{}, fmt.Errorf("%w: query: %w", domain.ErrStoreUnavailable, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var doc string
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
	if !f.IncludeDeleted {
		where = append(where, "status <> ?")
		args = append(args, string(domain.StatusDeleted))
	}
	if !f.Start.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, f.Start.UnixNano())
	}
	if !f.End.IsZero() {
		where = append(where, "occurred_at <= ?")
		args = append(args, f.End.UnixNano())
	}
	if f.MinMagnitude != nil {
		where = append(where, "magnitude >= ?")
		args = append(args, *f.MinMagnitude)
	}
	if r := f.Region; r != nil {
		where = append(where, "latitude BETWEEN ? AND ?")
		args = append(args, r.MinLat, r.MaxLat)
		if r.CrossesAntimeridian() {
			where = append(where, "(longitude >= ? OR longitude <= ?)")
		} else {
			where = append(where, "longitude BETWEEN ? AND ?")
		}
		args = append(args, r.MinLon, r.MaxLon)
	}

	var b strings.Builder
	b.WriteString("SELECT document FROM quake_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY occurred_at DESC NULLS LAST, event_id ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
	}
	return b.String(), args
}

// LoadWatermark returns the cursor stored under name.
func (s *Store) LoadWatermark(ctx context.Context, name string) (time.Time, bool, error) {
	var nanos int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM ingest_cursors WHERE name = ?`, name).Scan(&nanos)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: load watermark %s: %w", domain.ErrStoreUnavailable, name, err)
	}
	return time.Unix(0, nanos).UTC(), true, nil
}

// SaveWatermark stores the cursor under name.
func (s *Store) SaveWatermark(ctx context.Context, name string, watermark time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_cursors (name, watermark, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET watermark = excluded.watermark, updated_at = excluded.updated_at`,
		name, watermark.UnixNano(), domain.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: save watermark %s: %w", domain.ErrStoreUnavailable, name, err)
	}
	return nil
}

func decode(doc string) (domain.EventRecord, error) {
	var rec domain.EventRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return domain.EventRecord{}, fmt.Errorf("%w: decode document: %w", domain.ErrStoreUnavailable, err)
	}
	return rec, nil
}

func nullableNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", domain.ErrStoreUnavailable, op, id, err)
}
