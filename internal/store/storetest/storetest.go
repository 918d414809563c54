// Package storetest is a behavioural test suite shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"iter"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

// Store is the surface exercised by the suite.
type Store interface {
	Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error)
	Get(ctx context.Context, id string) (domain.EventRecord, bool, error)
	Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error]
	LoadWatermark(ctx context.Context, name string) (time.Time, bool, error)
	SaveWatermark(ctx context.Context, name string, watermark time.Time) error
}

// Base is the occurrence time of fixture events.
var Base = time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)

var timeEqual = cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })

// Event builds an active fixture record.
func Event(id string, mag float64, lat, lon float64, occurredOffset, updatedOffset time.Duration) domain.EventRecord {
	return domain.EventRecord{
		EventID:       id,
		OccurredAt:    Base.Add(occurredOffset),
		Magnitude:     mag,
		Location:      domain.Location{Latitude: lat, Longitude: lon, DepthKM: 10},
		UpdatedAt:     Base.Add(updatedOffset),
		Status:        domain.StatusActive,
		Place:         "fixture " + id,
		PlaceSource:   "feed",
		MagnitudeType: "ml",
		Network:       "ci",
	}
}

// Run executes the suite. open must return an empty store.
func Run(t *testing.T, open func(t *testing.T) Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"GetMissing", testGetMissing},
		{"RevisionScenario", testRevisionScenario},
		{"DuplicateDeliveryIsIdempotent", testIdempotent},
		{"StaleNeverRegresses", testStaleNeverRegresses},
		{"Tombstones", testTombstones},
		{"UpsertReturnsPersistedRecord", testUpsertReturnsPersisted},
		{"ConcurrentSameKeyConverges", testConcurrentSameKey},
		{"MagnitudeFloor", testMagnitudeFloor},
		{"OrderingAndLimit", testOrderingAndLimit},
		{"TimeRange", testTimeRange},
		{"Regions", testRegions},
		{"QueryIsRestartable", testRestartable},
		{"QueryEmptyIsNotError", testQueryEmpty},
		{"QueryInvalidFilter", testQueryInvalid},
		{"Watermark", testWatermark},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

// upsert also checks that the returned record is what a subsequent Get sees.
func upsert(t *testing.T, s Store, rec domain.EventRecord) domain.UpsertOutcome {
	t.Helper()
	persisted, outcome, err := s.Upsert(context.Background(), rec)
	require.NoError(t, err)
	if diff := cmp.Diff(mustGet(t, s, rec.EventID), persisted, timeEqual); diff != "" {
		t.Fatalf("upsert %s returned a record that differs from the stored one (-stored +returned):\n%s", rec.EventID, diff)
	}
	return outcome
}

// Collect drains a query sequence.
func Collect(t *testing.T, seq iter.Seq2[domain.EventRecord, error]) []domain.EventRecord {
	t.Helper()
	out := []domain.EventRecord{}
	for rec, err := range seq {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func ids(recs []domain.EventRecord) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.EventID)
	}
	return out
}

func mustGet(t *testing.T, s Store, id string) domain.EventRecord {
	t.Helper()
	rec, ok, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "record %s not found", id)
	return rec
}

func testInsertAndGet(t *testing.T, s Store) {
	in := Event("ci1", 3.4, 35.7, -117.5, 0, time.Hour)
	in.Tsunami = true
	in.Significance = 180

	assert.Equal(t, domain.OutcomeInserted, upsert(t, s, in))

	got := mustGet(t, s, "ci1")
	assert.False(t, got.IngestedAt.IsZero())
	got.IngestedAt = time.Time{}
	if diff := cmp.Diff(in, got, timeEqual); diff != "" {
		t.Fatalf("stored record mismatch (-want +got):\n%s", diff)
	}
}

func testGetMissing(t *testing.T, s Store) {
	_, ok, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

// A(4.2, t1) and B(5.0, t1), then A(4.5, t2): A is revised, B untouched and
// only B clears a 5.0 floor.
func testRevisionScenario(t *testing.T, s Store) {
	ctx := context.Background()
	assert.Equal(t, domain.OutcomeInserted, upsert(t, s, Event("A", 4.2, 10, 10, 0, time.Hour)))
	assert.Equal(t, domain.OutcomeInserted, upsert(t, s, Event("B", 5.0, 20, 20, time.Minute, time.Hour)))
	bBefore := mustGet(t, s, "B")

	assert.Equal(t, domain.OutcomeUpdated, upsert(t, s, Event("A", 4.5, 10, 10, 0, 2*time.Hour)))

	a := mustGet(t, s, "A")
	assert.Equal(t, 4.5, a.Magnitude)
	assert.Equal(t, domain.StatusRevised, a.Status)
	if diff := cmp.Diff(bBefore, mustGet(t, s, "B"), timeEqual); diff != "" {
		t.Fatalf("B changed (-before +after):\n%s", diff)
	}

	floor := 5.0
	assert.Equal(t, []string{"B"}, ids(Collect(t, s.Query(ctx, domain.Filter{MinMagnitude: &floor}))))
}

func testIdempotent(t *testing.T, s Store) {
	batch := []domain.EventRecord{
		Event("a", 2.1, 1, 1, 0, time.Hour),
		Event("b", 2.2, 2, 2, time.Minute, time.Hour),
		Event("c", 2.3, 3, 3, 2*time.Minute, time.Hour),
	}
	for _, rec := range batch {
		upsert(t, s, rec)
	}
	before := Collect(t, s.Query(context.Background(), domain.Filter{IncludeDeleted: true}))

	for _, rec := range batch {
		assert.Equal(t, domain.OutcomeIgnoredStale, upsert(t, s, rec))
	}
	after := Collect(t, s.Query(context.Background(), domain.Filter{IncludeDeleted: true}))
	if diff := cmp.Diff(before, after, timeEqual); diff != "" {
		t.Fatalf("replay changed the store (-before +after):\n%s", diff)
	}
}

func testStaleNeverRegresses(t *testing.T, s Store) {
	upsert(t, s, Event("ev", 4.0, 10, 10, 0, 2*time.Hour))

	older := Event("ev", 6.5, 50, 50, 0, time.Hour)
	assert.Equal(t, domain.OutcomeIgnoredStale, upsert(t, s, older))

	got := mustGet(t, s, "ev")
	assert.Equal(t, 4.0, got.Magnitude)
	assert.Equal(t, 10.0, got.Location.Latitude)
	assert.True(t, got.UpdatedAt.Equal(Base.Add(2*time.Hour)))
}

func testTombstones(t *testing.T, s Store) {
	ctx := context.Background()
	upsert(t, s, Event("keep", 3, 1, 1, 0, time.Hour))
	upsert(t, s, Event("gone", 3, 1, 1, time.Minute, time.Hour))

	retraction := domain.EventRecord{EventID: "gone", UpdatedAt: Base.Add(2 * time.Hour), Status: domain.StatusDeleted}
	assert.Equal(t, domain.OutcomeUpdated, upsert(t, s, retraction))

	assert.Equal(t, []string{"keep"}, ids(Collect(t, s.Query(ctx, domain.Filter{}))))
	assert.Equal(t, []string{"gone", "keep"}, ids(Collect(t, s.Query(ctx, domain.Filter{IncludeDeleted: true}))))

	tomb := mustGet(t, s, "gone")
	assert.True(t, tomb.Deleted())
	assert.Equal(t, 3.0, tomb.Magnitude)

	// Replaying the retraction is a no-op.
	assert.Equal(t, domain.OutcomeIgnoredStale, upsert(t, s, retraction))

	// A retraction for an unseen id is stored as a tombstone.
	assert.Equal(t, domain.OutcomeInserted, upsert(t, s, domain.EventRecord{
		EventID: "never-seen", UpdatedAt: Base.Add(time.Hour), Status: domain.StatusDeleted,
	}))
	assert.True(t, mustGet(t, s, "never-seen").Deleted())
	assert.Len(t, Collect(t, s.Query(ctx, domain.Filter{IncludeDeleted: true})), 3)
}

// A revision with a moved event time and no place, then a retraction: the
// returned records carry the kept occurrence time, place and measurements.
func testUpsertReturnsPersisted(t *testing.T, s Store) {
	ctx := context.Background()
	first, _, err := s.Upsert(ctx, Event("A", 4.2, 10, 10, 0, time.Hour))
	require.NoError(t, err)
	assert.False(t, first.IngestedAt.IsZero())

	moved := Event("A", 4.5, 10, 10, 30*time.Second, 2*time.Hour)
	moved.Place, moved.PlaceSource = "", ""
	revised, outcome, err := s.Upsert(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, outcome)
	assert.True(t, revised.OccurredAt.Equal(Base), "occurred_at moved to %s", revised.OccurredAt)
	assert.Equal(t, "fixture A", revised.Place)
	assert.Equal(t, domain.StatusRevised, revised.Status)
	assert.True(t, revised.IngestedAt.Equal(first.IngestedAt))

	tomb, outcome, err := s.Upsert(ctx, domain.EventRecord{
		EventID: "A", UpdatedAt: Base.Add(3 * time.Hour), Status: domain.StatusDeleted,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeUpdated, outcome)
	assert.True(t, tomb.Deleted())
	assert.Equal(t, 4.5, tomb.Magnitude)
	assert.Equal(t, 10.0, tomb.Location.Latitude)
	assert.True(t, tomb.OccurredAt.Equal(Base))

	stale, outcome, err := s.Upsert(ctx, Event("A", 9, 0, 0, 0, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeIgnoredStale, outcome)
	if diff := cmp.Diff(tomb, stale, timeEqual); diff != "" {
		t.Fatalf("stale upsert should return the stored record (-stored +returned):\n%s", diff)
	}
}

func testConcurrentSameKey(t *testing.T, s Store) {
	const revisions = 40
	order := rand.Perm(revisions)

	var wg sync.WaitGroup
	errs := make(chan error, revisions)
	for _, i := range order {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := Event("hot", 2+float64(i)/10, 10, 10, 0, time.Duration(i+1)*time.Minute)
			if _, _, err := s.Upsert(context.Background(), rec); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got := mustGet(t, s, "hot")
	assert.True(t, got.UpdatedAt.Equal(Base.Add(revisions*time.Minute)), "updated_at %s", got.UpdatedAt)
	assert.InDelta(t, 2+float64(revisions-1)/10, got.Magnitude, 1e-9)
}

func testMagnitudeFloor(t *testing.T, s Store) {
	ctx := context.Background()
	mags := []float64{-1.2, 0, 1.5, 2.5, 3.0, 4.4, 5.0, 6.1, 7.8}
	for i, m := range mags {
		upsert(t, s, Event(fmt.Sprintf("m%d", i), m, 0, 0, time.Duration(i)*time.Minute, time.Hour))
	}
	tomb := Event("big-gone", 9.0, 0, 0, 0, time.Hour)
	tomb.Status = domain.StatusDeleted
	upsert(t, s, tomb)

	for _, floor := range []float64{-2, 0, 2.5, 3.01, 5.0, 8} {
		got := Collect(t, s.Query(ctx, domain.Filter{MinMagnitude: &floor}))
		want := 0
		for _, m := range mags {
			if m >= floor {
				want++
			}
		}
		assert.Len(t, got, want, "floor %g", floor)
		for _, rec := range got {
			assert.GreaterOrEqual(t, rec.Magnitude, floor)
			assert.False(t, rec.Deleted())
		}
	}
}

func testOrderingAndLimit(t *testing.T, s Store) {
	ctx := context.Background()
	upsert(t, s, Event("old", 3, 0, 0, 0, time.Hour))
	upsert(t, s, Event("new", 3, 0, 0, 2*time.Hour, 3*time.Hour))
	upsert(t, s, Event("tie-b", 3, 0, 0, time.Hour, 3*time.Hour))
	upsert(t, s, Event("tie-a", 3, 0, 0, time.Hour, 3*time.Hour))

	assert.Equal(t, []string{"new", "tie-a", "tie-b", "old"}, ids(Collect(t, s.Query(ctx, domain.Filter{}))))
	assert.Equal(t, []string{"new", "tie-a"}, ids(Collect(t, s.Query(ctx, domain.Filter{Limit: 2}))))
}

func testTimeRange(t *testing.T, s Store) {
	ctx := context.Background()
	for i := range 5 {
		upsert(t, s, Event(fmt.Sprintf("h%d", i), 3, 0, 0, time.Duration(i)*time.Hour, 10*time.Hour))
	}

	f := domain.Filter{Start: Base.Add(time.Hour), End: Base.Add(3 * time.Hour)}
	assert.Equal(t, []string{"h3", "h2", "h1"}, ids(Collect(t, s.Query(ctx, f))), "bounds are inclusive")

	f = domain.Filter{Start: Base.Add(3 * time.Hour)}
	assert.Equal(t, []string{"h4", "h3"}, ids(Collect(t, s.Query(ctx, f))))

	f = domain.Filter{End: Base.Add(time.Hour)}
	assert.Equal(t, []string{"h1", "h0"}, ids(Collect(t, s.Query(ctx, f))))
}

func testRegions(t *testing.T, s Store) {
	ctx := context.Background()
	upsert(t, s, Event("california", 3, 35.7, -117.5, 0, time.Hour))
	upsert(t, s, Event("fiji", 3, -17.8, 178.1, time.Minute, time.Hour))
	upsert(t, s, Event("tonga", 3, -21.2, -175.2, 2*time.Minute, time.Hour))
	upsert(t, s, Event("japan", 3, 36.2, 138.3, 3*time.Minute, time.Hour))

	socal := &domain.BoundingBox{MinLat: 32, MaxLat: 42, MinLon: -125, MaxLon: -114}
	assert.Equal(t, []string{"california"}, ids(Collect(t, s.Query(ctx, domain.Filter{Region: socal}))))

	pacific := &domain.BoundingBox{MinLat: -30, MaxLat: -10, MinLon: 170, MaxLon: -170}
	assert.Equal(t, []string{"tonga", "fiji"}, ids(Collect(t, s.Query(ctx, domain.Filter{Region: pacific}))))
}

func testRestartable(t *testing.T, s Store) {
	ctx := context.Background()
	upsert(t, s, Event("a", 3, 0, 0, 0, time.Hour))
	upsert(t, s, Event("b", 3, 0, 0, time.Minute, time.Hour))

	seq := s.Query(ctx, domain.Filter{})
	first := ids(Collect(t, seq))

	// Stop early, then range again from the start.
	for range seq {
		break
	}
	upsert(t, s, Event("c", 3, 0, 0, 2*time.Minute, time.Hour))
	second := ids(Collect(t, seq))

	assert.Equal(t, []string{"b", "a"}, first)
	assert.Equal(t, []string{"c", "b", "a"}, second)
}

func testQueryEmpty(t *testing.T, s Store) {
	got := Collect(t, s.Query(context.Background(), domain.Filter{}))
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func testQueryInvalid(t *testing.T, s Store) {
	upsert(t, s, Event("a", 1, 0, 0, 0, time.Hour))
	nan := math.NaN()
	for name, f := range map[string]domain.Filter{
		"end before start": {Start: Base.Add(time.Hour), End: Base},
		"nan magnitude":    {MinMagnitude: &nan},
	} {
		t.Run(name, func(t *testing.T) {
			var gotErr error
			for _, err := range s.Query(context.Background(), f) {
				gotErr = err
				break
			}
			assert.ErrorIs(t, gotErr, domain.ErrInvalidQuery)
		})
	}
}

func testWatermark(t *testing.T, s Store) {
	ctx := context.Background()
	_, ok, err := s.LoadWatermark(ctx, "usgs")
	require.NoError(t, err)
	assert.False(t, ok)

	wm := Base.Add(90 * time.Minute)
	require.NoError(t, s.SaveWatermark(ctx, "usgs", wm))
	require.NoError(t, s.SaveWatermark(ctx, "other", Base))

	got, ok, err := s.LoadWatermark(ctx, "usgs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, wm.Equal(got), "watermark %s", got)

	later := wm.Add(time.Hour)
	require.NoError(t, s.SaveWatermark(ctx, "usgs", later))
	got, _, err = s.LoadWatermark(ctx, "usgs")
	require.NoError(t, err)
	assert.True(t, later.Equal(got))
}
