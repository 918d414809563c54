package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
	"github.com/couchcryptid/quake-data-etl/internal/observability"
	"github.com/couchcryptid/quake-data-etl/internal/pipeline"
	"github.com/couchcryptid/quake-data-etl/internal/store"
)

var epoch = time.Date(2024, time.April, 1, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type fetchResponse struct {
	result domain.FetchResult
	err    error
}

type fakeFeed struct {
	mu        sync.Mutex
	responses []fetchResponse
	calls     chan time.Time
}

func newFakeFeed(responses ...fetchResponse) *fakeFeed {
	return &fakeFeed{responses: responses, calls: make(chan time.Time, 16)}
}

func (f *fakeFeed) Fetch(_ context.Context, since time.Time, _ *domain.BoundingBox) (domain.FetchResult, error) {
	f.mu.Lock()
	var resp fetchResponse
	if len(f.responses) > 0 {
		resp = f.responses[0]
		if len(f.responses) > 1 {
			f.responses = f.responses[1:]
		}
	}
	f.mu.Unlock()
	f.calls <- since
	return resp.result, resp.err
}

func (f *fakeFeed) nextCall(t *testing.T) time.Time {
	t.Helper()
	select {
	case since := <-f.calls:
		return since
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch")
		return time.Time{}
	}
}

func (f *fakeFeed) assertNoCall(t *testing.T) {
	t.Helper()
	select {
	case since := <-f.calls:
		t.Fatalf("unexpected fetch since %s", since)
	case <-time.After(50 * time.Millisecond):
	}
}

// flakyStore fails upserts after a number of successes.
type flakyStore struct {
	*store.Memory
	mu          sync.Mutex
	upsertsLeft int
	failSave    bool
}

func (s *flakyStore) Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error) {
	s.mu.Lock()
	if s.upsertsLeft == 0 {
		s.mu.Unlock()
		return domain.EventRecord{}, "", fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
	}
	s.upsertsLeft--
	s.mu.Unlock()
	return s.Memory.Upsert(ctx, rec)
}

func (s *flakyStore) SaveWatermark(ctx context.Context, name string, wm time.Time) error {
	if s.failSave {
		return fmt.Errorf("%w: disk full", domain.ErrStoreUnavailable)
	}
	return s.Memory.SaveWatermark(ctx, name, wm)
}

type fakePublisher struct {
	mu      sync.Mutex
	batches [][]domain.Change
	err     error
}

func (p *fakePublisher) Publish(_ context.Context, changes []domain.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, changes)
	return nil
}

// --- helpers ---

func rawFeature(t *testing.T, id string, mag float64, updated time.Time) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type": "Feature",
		"id":   id,
		"properties": map[string]any{
			"mag":     mag,
			"time":    epoch.Add(-time.Hour).UnixMilli(),
			"updated": updated.UnixMilli(),
			"place":   "somewhere",
		},
		"geometry": map[string]any{"type": "Point", "coordinates": []float64{-117.5, 35.7, 8}},
	})
	require.NoError(t, err)
	return domain.RawEvent{Payload: data, Source: "test"}
}

func rawRetraction(t *testing.T, id string, updated time.Time) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":         id,
		"properties": map[string]any{"status": "deleted", "updated": updated.UnixMilli()},
	})
	require.NoError(t, err)
	return domain.RawEvent{Payload: data}
}

func ok(events ...domain.RawEvent) fetchResponse {
	return fetchResponse{result: domain.FetchResult{Events: events, Pages: 1}}
}

func fail(err error) fetchResponse {
	return fetchResponse{err: err}
}

func testOptions() pipeline.Options {
	return pipeline.Options{
		Name:            "usgs",
		Interval:        time.Minute,
		Overlap:         5 * time.Minute,
		InitialLookback: time.Hour,
		BackoffInitial:  time.Second,
		BackoffMax:      time.Minute,
		RetryAfterMax:   2 * time.Minute,
		StaleAfter:      5 * time.Minute,
	}
}

type harness struct {
	poller    *pipeline.Poller
	feed      *fakeFeed
	store     pipeline.Store
	mem       *store.Memory
	clock     *clockwork.FakeClock
	metrics   *observability.Metrics
	publisher *fakePublisher
}

func newHarness(t *testing.T, feed *fakeFeed, wrap func(*store.Memory) pipeline.Store) *harness {
	t.Helper()
	mem := store.NewMemory()
	var st pipeline.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	clock := clockwork.NewFakeClockAt(epoch)
	metrics := observability.NewMetricsForTesting()
	pub := &fakePublisher{}
	p := pipeline.New(feed, st, testOptions(), slog.New(slog.NewTextHandler(io.Discard, nil)), metrics,
		pipeline.WithClock(clock),
		pipeline.WithPublisher(pub),
	)
	return &harness{poller: p, feed: feed, store: st, mem: mem, clock: clock, metrics: metrics, publisher: pub}
}

func (h *harness) watermark(t *testing.T) (time.Time, bool) {
	t.Helper()
	wm, found, err := h.mem.LoadWatermark(context.Background(), "usgs")
	require.NoError(t, err)
	return wm, found
}

// --- RunCycle ---

func TestRunCycle_FirstCycleUsesLookbackAndAdvances(t *testing.T) {
	feed := newFakeFeed(ok(
		rawFeature(t, "a", 4.2, epoch.Add(-time.Minute)),
		rawFeature(t, "b", 5.0, epoch.Add(-time.Minute)),
		domain.RawEvent{Payload: []byte(`{"id":"broken"`)},
	))
	h := newHarness(t, feed, nil)

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, epoch.Add(-time.Hour), report.Since)
	assert.Equal(t, epoch.Add(-5*time.Minute), report.Watermark)
	assert.True(t, report.Advanced)
	assert.NotEmpty(t, report.CycleID)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Accepted)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 2, report.Inserted)
	assert.Equal(t, 2, report.Published)

	wm, found := h.watermark(t)
	require.True(t, found)
	assert.Equal(t, epoch.Add(-5*time.Minute), wm)
	assert.Equal(t, 2, h.mem.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.NormalizationErrors.WithLabelValues("undecodable")))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Upserts.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("success")))
}

func TestRunCycle_ResumesFromPersistedWatermark(t *testing.T) {
	feed := newFakeFeed(ok())
	h := newHarness(t, feed, nil)
	persisted := epoch.Add(-20 * time.Minute)
	require.NoError(t, h.mem.SaveWatermark(context.Background(), "usgs", persisted))

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, persisted, feed.nextCall(t))
	assert.Equal(t, persisted, report.Since)
	assert.Equal(t, epoch.Add(-5*time.Minute), report.Watermark)
}

func TestRunCycle_OverlapNeverMovesWatermarkBackwards(t *testing.T) {
	feed := newFakeFeed(ok())
	h := newHarness(t, feed, nil)
	persisted := epoch.Add(-2 * time.Minute) // newer than now - overlap
	require.NoError(t, h.mem.SaveWatermark(context.Background(), "usgs", persisted))

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Advanced)
	wm, _ := h.watermark(t)
	assert.Equal(t, persisted, wm)
}

func TestRunCycle_FetchFailureKeepsWatermark(t *testing.T) {
	feed := newFakeFeed(fail(domain.NewFetchError(domain.ErrNetworkUnavailable, errors.New("dial tcp: refused"))))
	h := newHarness(t, feed, nil)
	persisted := epoch.Add(-30 * time.Minute)
	require.NoError(t, h.mem.SaveWatermark(context.Background(), "usgs", persisted))

	_, err := h.poller.RunCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrNetworkUnavailable)

	wm, _ := h.watermark(t)
	assert.Equal(t, persisted, wm)

	status := h.poller.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "refused")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Cycles.WithLabelValues("failure")))
}

func TestRunCycle_StoreFailureDoesNotAdvance(t *testing.T) {
	feed := newFakeFeed(ok(
		rawFeature(t, "a", 3, epoch.Add(-time.Minute)),
		rawFeature(t, "b", 3, epoch.Add(-time.Minute)),
		rawFeature(t, "c", 3, epoch.Add(-time.Minute)),
	))
	h := newHarness(t, feed, func(m *store.Memory) pipeline.Store {
		return &flakyStore{Memory: m, upsertsLeft: 1}
	})

	report, err := h.poller.RunCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, found := h.watermark(t)
	assert.False(t, found, "watermark must not advance past a failed cycle")
	assert.Equal(t, 1, report.Inserted)
	assert.Equal(t, 1, h.mem.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StoreErrors))

	// Changes already applied are still published.
	require.Len(t, h.publisher.batches, 1)
	assert.Len(t, h.publisher.batches[0], 1)
}

func TestRunCycle_WatermarkSaveFailureFailsCycle(t *testing.T) {
	feed := newFakeFeed(ok(rawFeature(t, "a", 3, epoch.Add(-time.Minute))))
	h := newHarness(t, feed, func(m *store.Memory) pipeline.Store {
		return &flakyStore{Memory: m, upsertsLeft: -1, failSave: true}
	})

	_, err := h.poller.RunCycle(context.Background())
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Error(t, h.poller.CheckReadiness(context.Background()))
}

func TestRunCycle_TruncatedHoldsWatermark(t *testing.T) {
	feed := newFakeFeed(fetchResponse{result: domain.FetchResult{
		Events:    []domain.RawEvent{rawFeature(t, "a", 3, epoch.Add(-time.Minute))},
		Pages:     20,
		Truncated: true,
	}})
	h := newHarness(t, feed, nil)

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Truncated)
	assert.False(t, report.Advanced)
	assert.Equal(t, 1, report.Inserted)
	_, found := h.watermark(t)
	assert.False(t, found)
}

func TestRunCycle_DuplicateDeliveryIsIdempotent(t *testing.T) {
	payload := ok(
		rawFeature(t, "a", 4.2, epoch.Add(-time.Minute)),
		rawFeature(t, "b", 5.0, epoch.Add(-time.Minute)),
	)
	feed := newFakeFeed(payload, payload)
	h := newHarness(t, feed, nil)

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	before, _, err := h.mem.Get(context.Background(), "a")
	require.NoError(t, err)

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Stale)
	assert.Zero(t, report.Inserted+report.Updated)
	assert.Zero(t, report.Published)
	after, _, err := h.mem.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, h.publisher.batches, 1)
}

func TestRunCycle_RevisionsAndRetractions(t *testing.T) {
	feed := newFakeFeed(
		ok(rawFeature(t, "a", 4.2, epoch.Add(-time.Hour)), rawFeature(t, "b", 5.0, epoch.Add(-time.Hour))),
		ok(rawFeature(t, "a", 4.5, epoch.Add(-time.Minute)), rawRetraction(t, "b", epoch.Add(-time.Minute))),
	)
	h := newHarness(t, feed, nil)

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Updated)

	a, _, err := h.mem.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 4.5, a.Magnitude)
	assert.Equal(t, domain.StatusRevised, a.Status)

	b, _, err := h.mem.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.True(t, b.Deleted())

	require.Len(t, h.publisher.batches, 2)
	second := h.publisher.batches[1]
	require.Len(t, second, 2)
	assert.Equal(t, domain.StatusRevised, second[0].Record.Status)
	assert.Equal(t, domain.StatusDeleted, second[1].Record.Status)
	assert.Equal(t, report.CycleID, second[0].CycleID)
}

func TestRunCycle_PublishesPersistedRecords(t *testing.T) {
	moved := map[string]any{
		"id": "a",
		"properties": map[string]any{
			"mag":     4.5,
			"time":    epoch.Add(-time.Hour + 30*time.Second).UnixMilli(),
			"updated": epoch.Add(-time.Minute).UnixMilli(),
		},
		"geometry": map[string]any{"coordinates": []float64{-117.5, 35.7, 8}},
	}
	data, err := json.Marshal(moved)
	require.NoError(t, err)

	feed := newFakeFeed(
		ok(rawFeature(t, "a", 4.2, epoch.Add(-time.Hour)), rawFeature(t, "b", 5.0, epoch.Add(-time.Hour))),
		ok(domain.RawEvent{Payload: data}, rawRetraction(t, "b", epoch.Add(-time.Minute))),
	)
	h := newHarness(t, feed, nil)

	_, err = h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	_, err = h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	require.Len(t, h.publisher.batches, 2)
	for _, batch := range h.publisher.batches {
		for _, change := range batch {
			stored, found, err := h.mem.Get(context.Background(), change.Record.EventID)
			require.NoError(t, err)
			require.True(t, found)
			assert.False(t, change.Record.IngestedAt.IsZero())
			assert.Equal(t, stored, change.Record, "published %s differs from the stored record", change.Record.EventID)
		}
	}

	second := h.publisher.batches[1]
	require.Len(t, second, 2)
	a, b := second[0].Record, second[1].Record
	assert.Equal(t, epoch.Add(-time.Hour), a.OccurredAt)
	assert.Equal(t, "somewhere", a.Place)
	assert.True(t, b.Deleted())
	assert.Equal(t, 5.0, b.Magnitude)
	assert.Equal(t, 35.7, b.Location.Latitude)
}

func TestRunCycle_PublishFailureDoesNotFailCycle(t *testing.T) {
	feed := newFakeFeed(ok(rawFeature(t, "a", 3, epoch.Add(-time.Minute))))
	h := newHarness(t, feed, nil)
	h.publisher.err = errors.New("broker down")

	report, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Published)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PublishErrors))
}

// --- Reconcile ---

func TestReconcile_DoesNotTouchWatermark(t *testing.T) {
	h := newHarness(t, newFakeFeed(), nil)

	report, err := h.poller.Reconcile(context.Background(), "import-1", []domain.RawEvent{
		rawFeature(t, "a", 3, epoch),
		rawFeature(t, "b", 3, epoch),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)

	_, found := h.watermark(t)
	assert.False(t, found)
}

func TestReconcile_CancelledBeforeFirstRecord(t *testing.T) {
	h := newHarness(t, newFakeFeed(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.poller.Reconcile(ctx, "import-1", []domain.RawEvent{rawFeature(t, "a", 3, epoch)})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.mem.Len())
}

// --- Run ---

func runPoller(t *testing.T, h *harness) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, h.poller.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Error("poller did not stop")
		}
	})
	return cancel, stopped
}

func blockUntilWaiting(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestRun_BackoffRetriesFromSameSince(t *testing.T) {
	netErr := domain.NewFetchError(domain.ErrNetworkUnavailable, errors.New("timeout"))
	feed := newFakeFeed(fail(netErr), fail(netErr), ok(rawFeature(t, "a", 3, epoch)))
	h := newHarness(t, feed, nil)
	runPoller(t, h)

	first := feed.nextCall(t)
	blockUntilWaiting(t, h.clock)
	assert.Equal(t, pipeline.StateBackoff, h.poller.Status().State)

	h.clock.Advance(time.Second)
	second := feed.nextCall(t)

	// Backoff doubles: one second is not enough for the third attempt.
	blockUntilWaiting(t, h.clock)
	h.clock.Advance(time.Second)
	feed.assertNoCall(t)
	h.clock.Advance(time.Second)
	third := feed.nextCall(t)

	assert.Equal(t, epoch.Add(-time.Hour), first)
	assert.Equal(t, first, second, "retry must not skip ahead")
	assert.Equal(t, first, third)

	blockUntilWaiting(t, h.clock)
	require.NoError(t, h.poller.CheckReadiness(context.Background()))
	wm, found := h.watermark(t)
	require.True(t, found)
	assert.Equal(t, epoch.Add(3*time.Second-5*time.Minute), wm)
}

func TestRun_RateLimitHonoursRetryAfter(t *testing.T) {
	limited := domain.NewFetchError(domain.ErrRateLimited, errors.New("slow down"))
	limited.RetryAfter = 30 * time.Second
	feed := newFakeFeed(fail(limited), ok())
	h := newHarness(t, feed, nil)
	runPoller(t, h)

	feed.nextCall(t)
	blockUntilWaiting(t, h.clock)

	h.clock.Advance(time.Second)
	feed.assertNoCall(t)
	h.clock.Advance(29 * time.Second)
	feed.nextCall(t)
}

func TestRun_RetryAfterIsCapped(t *testing.T) {
	limited := domain.NewFetchError(domain.ErrRateLimited, errors.New("come back tomorrow"))
	limited.RetryAfter = 24 * time.Hour
	feed := newFakeFeed(fail(limited), ok())
	h := newHarness(t, feed, nil)
	runPoller(t, h)

	feed.nextCall(t)
	blockUntilWaiting(t, h.clock)
	status := h.poller.Status()
	require.NotNil(t, status.NextAttempt)
	assert.Equal(t, epoch.Add(2*time.Minute), *status.NextAttempt)

	h.clock.Advance(2*time.Minute - time.Second)
	feed.assertNoCall(t)
	h.clock.Advance(time.Second)
	feed.nextCall(t)
}

func TestRun_IntervalAndTrigger(t *testing.T) {
	feed := newFakeFeed(ok())
	h := newHarness(t, feed, nil)
	runPoller(t, h)

	feed.nextCall(t)
	blockUntilWaiting(t, h.clock)
	status := h.poller.Status()
	assert.Equal(t, pipeline.StateIdle, status.State)
	require.NotNil(t, status.NextAttempt)
	assert.Equal(t, epoch.Add(time.Minute), *status.NextAttempt)

	h.clock.Advance(time.Minute)
	feed.nextCall(t)

	blockUntilWaiting(t, h.clock)
	h.poller.Trigger()
	feed.nextCall(t)
}

func TestRun_CancelInterruptsBackoff(t *testing.T) {
	feed := newFakeFeed(fail(domain.NewFetchError(domain.ErrNetworkUnavailable, nil)))
	h := newHarness(t, feed, nil)
	cancel, stopped := runPoller(t, h)

	feed.nextCall(t)
	blockUntilWaiting(t, h.clock)
	cancel()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// --- Status ---

func TestStatus_Staleness(t *testing.T) {
	feed := newFakeFeed(ok())
	h := newHarness(t, feed, nil)

	assert.True(t, h.poller.Status().Stale, "no successful cycle yet")
	require.Error(t, h.poller.CheckReadiness(context.Background()))

	_, err := h.poller.RunCycle(context.Background())
	require.NoError(t, err)

	status := h.poller.Status()
	assert.False(t, status.Stale)
	require.NotNil(t, status.LastSuccess)
	assert.Equal(t, epoch, *status.LastSuccess)
	assert.Equal(t, epoch.Add(-5*time.Minute), status.Watermark)
	require.NoError(t, h.poller.CheckReadiness(context.Background()))

	h.clock.Advance(6 * time.Minute)
	assert.True(t, h.poller.Status().Stale)
}
