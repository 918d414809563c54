package store

import (
	"context"
	"errors"
	"hash/fnv"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

const shardCount = 32

// Memory is an in-process Store. Records are spread over fixed shards by a
// hash of the event id; upserts lock a single shard, queries read-lock every
// shard in index order so the result is a consistent snapshot.
type Memory struct {
	shards [shardCount]*shard

	cursorMu sync.RWMutex
	cursors  map[string]time.Time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]domain.EventRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	m := &Memory{cursors: make(map[string]time.Time)}
	for i := range m.shards {
		m.shards[i] = &shard{records: make(map[string]domain.EventRecord)}
	}
	return m
}

func (m *Memory) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id)) //nolint:errcheck // hash writes never fail
	return m.shards[h.Sum32()%shardCount]
}

func (m *Memory) Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error) {
	if rec.EventID == "" {
		return domain.EventRecord{}, "", errors.New("upsert: empty event id")
	}
	if err := ctx.Err(); err != nil {
		return domain.EventRecord{}, "", err
	}

	s := m.shardFor(rec.EventID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored *domain.EventRecord
	if existing, ok := s.records[rec.EventID]; ok {
		stored = &existing
	}
	next, outcome := domain.Reconcile(stored, rec, domain.Now())
	if outcome != domain.OutcomeIgnoredStale {
		s.records[rec.EventID] = next
	}
	return next, outcome, nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.EventRecord, bool, error) {
	s := m.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (m *Memory) Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error] {
	return func(yield func(domain.EventRecord, error) bool) {
		if err := f.Validate(); err != nil {
			yield(domain.EventRecord{}, err)
			return
		}
		for i, rec := range m.snapshot(f) {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					yield(domain.EventRecord{}, err)
					return
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// snapshot collects the matching records while holding every shard's read lock.
func (m *Memory) snapshot(f domain.Filter) []domain.EventRecord {
	for _, s := range m.shards {
		s.mu.RLock()
	}
	var out []domain.EventRecord
	for _, s := range m.shards {
		for _, rec := range s.records {
			if f.Matches(rec) {
				out = append(out, rec)
			}
		}
	}
	for _, s := range m.shards {
		s.mu.RUnlock()
	}

	slices.SortFunc(out, domain.NewestFirst)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (m *Memory) LoadWatermark(_ context.Context, name string) (time.Time, bool, error) {
	m.cursorMu.RLock()
	defer m.cursorMu.RUnlock()
	wm, ok := m.cursors[name]
	return wm, ok, nil
}

func (m *Memory) SaveWatermark(_ context.Context, name string, watermark time.Time) error {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	m.cursors[name] = watermark.UTC()
	return nil
}

// Len returns the number of stored records, tombstones included.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.records)
		s.mu.RUnlock()
	}
	return n
}

func (m *Memory) CheckReadiness(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
