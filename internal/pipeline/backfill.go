package pipeline

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/quake-data-etl/internal/domain"
)

// MaxBackfillDays bounds the range of a single backfill.
const MaxBackfillDays = 366

const day = 24 * time.Hour

// RangeFetcher fetches raw entries by event time.
type RangeFetcher interface {
	FetchRange(ctx context.Context, start, end time.Time, bounds *domain.BoundingBox) (domain.FetchResult, error)
}

// EventReader is the read side used to find days that are already stored.
type EventReader interface {
	Query(ctx context.Context, f domain.Filter) iter.Seq2[domain.EventRecord, error]
}

// BackfillReport summarizes one backfill run.
type BackfillReport struct {
	BatchID string `json:"batch_id" yaml:"batch_id"`
	Days    int    `json:"days" yaml:"days"`
	Skipped int    `json:"skipped" yaml:"skipped"`
	Fetched int    `json:"fetched" yaml:"fetched"`
	// Truncated lists days (YYYY-MM-DD) cut short by the feed page cap.
	Truncated   []string `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	BatchReport `yaml:",inline"`
}

// Backfill fills the UTC days from start to end, both inclusive, that hold no
// stored record. Each missing day is fetched by event time and reconciled like
// a polled batch; days with any record, tombstones included, are skipped so a
// rerun only fetches what is still missing. The watermark is neither read nor
// moved. Days after today are not visited.
//
// A fetch or store failure stops the run; days finished before it stay stored
// and the report covers them.
func (p *Poller) Backfill(ctx context.Context, feed RangeFetcher, events EventReader, start, end time.Time) (BackfillReport, error) {
	report := BackfillReport{BatchID: "backfill-" + uuid.NewString()}

	first := start.UTC().Truncate(day)
	last := end.UTC().Truncate(day)
	today := p.clock.Now().UTC().Truncate(day)
	switch {
	case last.Before(first):
		return report, fmt.Errorf("%w: backfill end %s before start %s", domain.ErrInvalidQuery,
			last.Format(time.DateOnly), first.Format(time.DateOnly))
	case first.After(today):
		return report, fmt.Errorf("%w: backfill start %s is in the future", domain.ErrInvalidQuery, first.Format(time.DateOnly))
	}
	last = minTime(last, today)
	if n := int(last.Sub(first)/day) + 1; n > MaxBackfillDays {
		return report, fmt.Errorf("%w: backfill of %d days exceeds %d", domain.ErrInvalidQuery, n, MaxBackfillDays)
	}

	logger := p.logger.With("cycle_id", report.BatchID)
	for d := first; !d.After(last); d = d.Add(day) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Days++
		date := d.Format(time.DateOnly)

		stored, err := hasRecordIn(ctx, events, d, d.Add(day))
		if err != nil {
			p.metrics.StoreErrors.Inc()
			return report, fmt.Errorf("check %s: %w", date, err)
		}
		if stored {
			report.Skipped++
			p.metrics.BackfillDays.WithLabelValues("skipped").Inc()
			logger.Debug("backfill day already stored", "day", date)
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, p.opts.FetchTimeout)
		result, err := feed.FetchRange(fetchCtx, d, d.Add(day), p.opts.Region)
		cancel()
		if err != nil {
			return report, fmt.Errorf("fetch %s: %w", date, err)
		}
		report.Fetched += len(result.Events)

		batch, err := p.Reconcile(ctx, report.BatchID, result.Events)
		report.BatchReport.add(batch)
		if err != nil {
			return report, fmt.Errorf("reconcile %s: %w", date, err)
		}

		outcome := "fetched"
		if result.Truncated {
			outcome = "truncated"
			report.Truncated = append(report.Truncated, date)
			logger.Warn("backfill day truncated at page cap", "day", date, "pages", result.Pages)
		}
		p.metrics.BackfillDays.WithLabelValues(outcome).Inc()
		logger.Info("backfill day reconciled",
			"day", date,
			"fetched", len(result.Events),
			"inserted", batch.Inserted,
			"updated", batch.Updated,
		)
	}
	return report, nil
}

// hasRecordIn reports whether any record, tombstones included, occurred in [from, to).
func hasRecordIn(ctx context.Context, events EventReader, from, to time.Time) (bool, error) {
	f := domain.Filter{Start: from, End: to.Add(-time.Nanosecond), IncludeDeleted: true, Limit: 1}
	for _, err := range events.Query(ctx, f) {
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func (r *BatchReport) add(o BatchReport) {
	r.Accepted += o.Accepted
	r.Rejected += o.Rejected
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Stale += o.Stale
	r.Published += o.Published
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
