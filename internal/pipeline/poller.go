// Package pipeline drives the fetch, normalize and reconcile cycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/quake-data-etl/internal/config"
	"github.com/couchcryptid/quake-data-etl/internal/domain"
	"github.com/couchcryptid/quake-data-etl/internal/observability"
)

// FeedClient fetches raw entries updated at or after since.
type FeedClient interface {
	Fetch(ctx context.Context, since time.Time, bounds *domain.BoundingBox) (domain.FetchResult, error)
}

// Store is the write side of the reconciliation store plus the watermark cursor.
type Store interface {
	Upsert(ctx context.Context, rec domain.EventRecord) (domain.EventRecord, domain.UpsertOutcome, error)
	LoadWatermark(ctx context.Context, name string) (time.Time, bool, error)
	SaveWatermark(ctx context.Context, name string, watermark time.Time) error
}

// ChangePublisher forwards reconciled changes downstream. Publishing is best
// effort: a failure is logged and never fails the cycle.
type ChangePublisher interface {
	Publish(ctx context.Context, changes []domain.Change) error
}

// State is the poller's position in its cycle.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateReconciling State = "reconciling"
	StateBackoff     State = "backoff"
)

// Options tunes the poll cycle. Zero values fall back to defaults.
type Options struct {
	Name            string // watermark cursor name
	Interval        time.Duration
	Overlap         time.Duration // subtracted from the next watermark
	InitialLookback time.Duration // window of the very first fetch
	FetchTimeout    time.Duration
	UpsertTimeout   time.Duration
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	RetryAfterMax   time.Duration // ceiling on a feed-requested Retry-After
	StaleAfter      time.Duration
	Region          *domain.BoundingBox
}

// OptionsFromConfig maps the POLL_*, BACKOFF_* and related settings onto
// poller options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:        cfg.PollInterval,
		Overlap:         cfg.PollOverlap,
		InitialLookback: cfg.PollInitialLookback,
		FetchTimeout:    cfg.FeedTimeout * time.Duration(max(cfg.FeedMaxPages, 1)),
		UpsertTimeout:   cfg.UpsertTimeout,
		BackoffInitial:  cfg.BackoffInitial,
		BackoffMax:      cfg.BackoffMax,
		RetryAfterMax:   cfg.RetryAfterMax,
		StaleAfter:      cfg.StaleAfter,
		Region:          cfg.FeedRegion,
	}
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "usgs"
	}
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.InitialLookback <= 0 {
		o.InitialLookback = 24 * time.Hour
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.UpsertTimeout <= 0 {
		o.UpsertTimeout = 5 * time.Second
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(5*time.Minute, o.BackoffInitial)
	}
	if o.RetryAfterMax <= 0 {
		o.RetryAfterMax = 15 * time.Minute
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * o.Interval
	}
	return o
}

// Option configures optional collaborators.
type Option func(*Poller)

// WithClock replaces the wall clock, used by tests to drive ticks and backoff.
func WithClock(c clockwork.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithPublisher forwards every inserted or updated record to pub.
func WithPublisher(pub ChangePublisher) Option {
	return func(p *Poller) { p.publisher = pub }
}

// WithGeocoder fills missing place names before records are stored.
func WithGeocoder(g domain.Geocoder) Option {
	return func(p *Poller) { p.geocoder = g }
}

// Status is a point-in-time view of ingestion health.
type Status struct {
	State               State      `json:"state" yaml:"state"`
	Watermark           time.Time  `json:"watermark" yaml:"watermark"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty" yaml:"last_attempt,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty" yaml:"last_success,omitempty"`
	NextAttempt         *time.Time `json:"next_attempt,omitempty" yaml:"next_attempt,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures" yaml:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	// Stale is set when no cycle has succeeded within the staleness window.
	Stale bool `json:"stale" yaml:"stale"`
}

// BatchReport counts what happened to one batch of raw entries.
type BatchReport struct {
	Accepted  int `json:"accepted" yaml:"accepted"`
	Rejected  int `json:"rejected" yaml:"rejected"`
	Inserted  int `json:"inserted" yaml:"inserted"`
	Updated   int `json:"updated" yaml:"updated"`
	Stale     int `json:"stale" yaml:"stale"`
	Published int `json:"published" yaml:"published"`
}

// CycleReport summarizes one fetch and reconcile pass.
type CycleReport struct {
	CycleID     string        `json:"cycle_id" yaml:"cycle_id"`
	Since       time.Time     `json:"since" yaml:"since"`
	Watermark   time.Time     `json:"watermark" yaml:"watermark"`
	Advanced    bool          `json:"advanced" yaml:"advanced"`
	Truncated   bool          `json:"truncated" yaml:"truncated"`
	Fetched     int           `json:"fetched" yaml:"fetched"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
	BatchReport `yaml:",inline"`
}

// Poller owns the ingestion watermark and runs one fetch cycle at a time.
type Poller struct {
	feed      FeedClient
	store     Store
	publisher ChangePublisher
	geocoder  domain.Geocoder
	opts      Options
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *observability.Metrics

	cycleMu sync.Mutex
	trigger chan struct{}
	ready   atomic.Bool

	mu     sync.RWMutex
	status Status
	// seed is the first-fetch watermark while none is persisted, so retries of
	// a failed first cycle reuse the same window.
	seed time.Time
}

// New creates a Poller.
func New(feed FeedClient, store Store, opts Options, logger *slog.Logger, metrics *observability.Metrics, options ...Option) *Poller {
	p := &Poller{
		feed:    feed,
		store:   store,
		opts:    opts.withDefaults(),
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
		trigger: make(chan struct{}, 1),
		status:  Status{State: StateIdle},
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// CheckReadiness returns nil once a cycle has completed successfully.
func (p *Poller) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("poller has not completed a successful cycle yet")
	}
	return nil
}

// Trigger requests an immediate cycle. It is ignored while a cycle or a
// backoff delay is in progress and coalesces with other pending triggers.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Status returns the current ingestion status.
func (p *Poller) Status() Status {
	p.mu.RLock()
	s := p.status
	p.mu.RUnlock()

	s.Stale = s.LastSuccess == nil || p.clock.Since(*s.LastSuccess) > p.opts.StaleAfter
	return s
}

// Run polls until ctx is cancelled. The first cycle starts immediately. A
// failed cycle is retried after an exponential backoff from the same
// watermark; a successful one waits for the next interval or a trigger.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		"interval", p.opts.Interval,
		"overlap", p.opts.Overlap,
		"cursor", p.opts.Name,
	)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	backoff := p.opts.BackoffInitial
	for {
		_, err := p.RunCycle(ctx)
		if ctx.Err() != nil {
			p.logger.Info("poller stopping", "reason", ctx.Err())
			return nil
		}

		if err != nil {
			// A rate-limited feed tells us how long to stay away, within RetryAfterMax.
			wait := max(backoff, min(domain.RetryAfter(err), p.opts.RetryAfterMax))
			backoff = nextBackoff(backoff, p.opts.BackoffMax)
			p.enterWait(StateBackoff, wait)
			p.logger.Warn("poll cycle failed, backing off", "error", err, "retry_in", wait)
			if !p.sleep(ctx, wait, nil) {
				p.logger.Info("poller stopping", "reason", ctx.Err())
				return nil
			}
			continue
		}

		backoff = p.opts.BackoffInitial
		p.enterWait(StateIdle, p.opts.Interval)
		if !p.sleep(ctx, p.opts.Interval, p.trigger) {
			p.logger.Info("poller stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// RunCycle performs exactly one Fetching then Reconciling pass. The watermark
// advances only when every fetched record has been handed to the store and
// the window was not truncated.
func (p *Poller) RunCycle(ctx context.Context) (CycleReport, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	start := p.clock.Now()
	report := CycleReport{CycleID: uuid.NewString()}
	logger := p.logger.With("cycle_id", report.CycleID)
	p.markAttempt(start)

	report, err := p.runCycle(ctx, start, report, logger)
	report.Duration = p.clock.Since(start)
	p.metrics.CycleDuration.Observe(report.Duration.Seconds())

	if err != nil {
		p.metrics.Cycles.WithLabelValues("failure").Inc()
		p.markFailure(err)
		return report, err
	}

	p.metrics.Cycles.WithLabelValues("success").Inc()
	p.metrics.LastSuccess.Set(float64(start.Unix()))
	p.markSuccess(start, report.Watermark)
	p.ready.Store(true)
	logger.Info("poll cycle complete",
		"since", report.Since,
		"watermark", report.Watermark,
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"stale", report.Stale,
		"rejected", report.Rejected,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *Poller) runCycle(ctx context.Context, start time.Time, report CycleReport, logger *slog.Logger) (CycleReport, error) {
	since, err := p.loadSince(ctx, start)
	if err != nil {
		return report, err
	}
	report.Since = since
	report.Watermark = since

	p.setState(StateFetching)
	fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
	result, err := p.feed.Fetch(fetchCtx, since, p.opts.Region)
	cancel()
	if err != nil {
		return report, fmt.Errorf("fetch since %s: %w", since.Format(time.RFC3339), err)
	}
	report.Fetched = len(result.Events)
	report.Truncated = result.Truncated

	p.setState(StateReconciling)
	batch, err := p.reconcile(ctx, report.CycleID, result.Events, logger)
	report.BatchReport = batch
	if err != nil {
		return report, err
	}

	if result.Truncated {
		logger.Warn("feed window truncated, watermark held",
			"since", since,
			"pages", result.Pages,
		)
		return report, nil
	}

	next := start.Add(-p.opts.Overlap)
	if !next.After(since) {
		return report, nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.UpsertTimeout)
	defer cancel()
	if err := p.store.SaveWatermark(saveCtx, p.opts.Name, next); err != nil {
		p.metrics.StoreErrors.Inc()
		return report, fmt.Errorf("save watermark: %w", err)
	}
	report.Watermark = next
	report.Advanced = true
	p.metrics.WatermarkTimestamp.Set(float64(next.Unix()))
	return report, nil
}

func (p *Poller) loadSince(ctx context.Context, now time.Time) (time.Time, error) {
	wm, ok, err := p.store.LoadWatermark(ctx, p.opts.Name)
	if err != nil {
		p.metrics.StoreErrors.Inc()
		return time.Time{}, fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		p.mu.Lock()
		if p.seed.IsZero() {
			p.seed = now.Add(-p.opts.InitialLookback)
		}
		wm = p.seed
		p.mu.Unlock()
	}
	if wm.After(now) {
		wm = now
	}
	p.mu.Lock()
	p.status.Watermark = wm
	p.mu.Unlock()
	return wm, nil
}

// Reconcile normalizes raws and hands every accepted record to the store
// without touching the watermark. Rejected entries are logged and counted.
// A store failure aborts the batch; records already upserted stay upserted.
func (p *Poller) Reconcile(ctx context.Context, cycleID string, raws []domain.RawEvent) (BatchReport, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return p.reconcile(ctx, cycleID, raws, p.logger.With("cycle_id", cycleID))
}

func (p *Poller) reconcile(ctx context.Context, cycleID string, raws []domain.RawEvent, logger *slog.Logger) (report BatchReport, err error) {
	records, rejects := domain.NormalizeBatch(raws)
	report.Accepted = len(records)
	report.Rejected = len(rejects)
	for _, rej := range rejects {
		logger.Warn("feed entry rejected",
			"reason", rej.Reason,
			"field", rej.Field,
			"event_id", rej.EventID,
			"error", rej,
		)
		p.metrics.NormalizationErrors.WithLabelValues(string(rej.Reason)).Inc()
	}

	// Upserts outlive cancellation so a record is never half written;
	// ctx is only consulted between records.
	writeCtx := context.WithoutCancel(ctx)
	var changes []domain.Change
	defer func() {
		report.Published = p.publish(writeCtx, changes, logger)
	}()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec = domain.EnrichWithGeocoding(ctx, rec, p.geocoder, logger)

		upsertCtx, cancel := context.WithTimeout(writeCtx, p.opts.UpsertTimeout)
		persisted, outcome, err := p.store.Upsert(upsertCtx, rec)
		cancel()
		if err != nil {
			p.metrics.StoreErrors.Inc()
			return report, fmt.Errorf("upsert %s: %w", rec.EventID, err)
		}
		p.metrics.Upserts.WithLabelValues(string(outcome)).Inc()

		switch outcome {
		case domain.OutcomeInserted:
			report.Inserted++
		case domain.OutcomeUpdated:
			report.Updated++
		case domain.OutcomeIgnoredStale:
			report.Stale++
			continue
		}
		logger.Debug("record reconciled", "event_id", rec.EventID, "outcome", outcome)
		changes = append(changes, domain.Change{CycleID: cycleID, Outcome: outcome, Record: persisted})
	}
	return report, nil
}

// publish returns the number of changes handed to the publisher.
func (p *Poller) publish(ctx context.Context, changes []domain.Change, logger *slog.Logger) int {
	if p.publisher == nil || len(changes) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.UpsertTimeout)
	defer cancel()
	if err := p.publisher.Publish(ctx, changes); err != nil {
		p.metrics.PublishErrors.Inc()
		logger.Warn("publish changes failed", "error", err, "changes", len(changes))
		return 0
	}
	p.metrics.ChangesPublished.Add(float64(len(changes)))
	return len(changes)
}

// sleep waits for d on the poller clock. It returns false when ctx is done.
// A receive on wake, if non-nil, ends the wait early.
func (p *Poller) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	case <-wake:
		return true
	}
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.status.State = s
	if s != StateIdle && s != StateBackoff {
		p.status.NextAttempt = nil
	}
	p.mu.Unlock()
	p.metrics.SetPollerState(string(s))
}

func (p *Poller) enterWait(s State, d time.Duration) {
	next := p.clock.Now().Add(d)
	p.mu.Lock()
	p.status.State = s
	p.status.NextAttempt = &next
	p.mu.Unlock()
	p.metrics.SetPollerState(string(s))
}

func (p *Poller) markAttempt(t time.Time) {
	p.mu.Lock()
	p.status.LastAttempt = &t
	p.mu.Unlock()
}

func (p *Poller) markSuccess(t, watermark time.Time) {
	p.mu.Lock()
	p.status.State = StateIdle
	p.status.LastSuccess = &t
	p.status.Watermark = watermark
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	p.mu.Unlock()
	p.metrics.SetPollerState(string(StateIdle))
}

func (p *Poller) markFailure(err error) {
	p.mu.Lock()
	p.status.State = StateIdle
	p.status.ConsecutiveFailures++
	p.status.LastError = err.Error()
	p.mu.Unlock()
	p.metrics.SetPollerState(string(StateIdle))
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
