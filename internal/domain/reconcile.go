package domain

import "time"

// Reconcile applies the monotonic update rule for one event id. stored is nil
// when the id has never been seen. It returns the record to persist and the
// outcome; for OutcomeIgnoredStale the returned record is *stored unchanged.
//
// Every store backend calls Reconcile inside its per-key critical section so the
// compare and the write cannot interleave with another upsert of the same id.
func Reconcile(stored *EventRecord, incoming EventRecord, now time.Time) (EventRecord, UpsertOutcome) {
	if stored == nil {
		rec := incoming
		if rec.Status != StatusDeleted {
			rec.Status = StatusActive
		}
		rec.IngestedAt = now.UTC()
		return rec, OutcomeInserted
	}

	if !incoming.UpdatedAt.After(stored.UpdatedAt) {
		return *stored, OutcomeIgnoredStale
	}

	if incoming.Status == StatusDeleted {
		// Tombstone keeps the last known measurements.
		rec := *stored
		rec.Status = StatusDeleted
		rec.UpdatedAt = incoming.UpdatedAt
		if rec.OccurredAt.IsZero() {
			rec.OccurredAt = incoming.OccurredAt
		}
		return rec, OutcomeUpdated
	}

	rec := incoming
	rec.Status = StatusRevised
	rec.IngestedAt = stored.IngestedAt
	if !stored.OccurredAt.IsZero() {
		rec.OccurredAt = stored.OccurredAt
	}
	if rec.Place == "" && stored.Place != "" {
		rec.Place = stored.Place
		rec.PlaceSource = stored.PlaceSource
	}
	return rec, OutcomeUpdated
}
