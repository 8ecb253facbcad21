package sync

import (
	"context"
	"log/slog"
	"time"

	shared "github.com/ripixel/stridesync-server/pkg"
	"github.com/ripixel/stridesync-server/pkg/types"
)

// PersistResult reports per-chunk write outcomes. Saved + Skipped +
// Failed always equals the number of items handed to Persist.
type PersistResult struct {
	Saved   int
	Skipped int
	Failed  int
}

// Persister idempotently upserts enriched activities, deduplicating by
// source identifier. The batch path is preferred for latency; a failed
// batch degrades to per-item writes so one bad record never loses the
// chunk.
type Persister struct {
	DB shared.Database
	// Overwrite re-writes records that already exist instead of skipping
	// them (resync behaviour is configurable, skip is the default).
	Overwrite bool
}

func NewPersister(db shared.Database, overwrite bool) *Persister {
	return &Persister{DB: db, Overwrite: overwrite}
}

func (p *Persister) Persist(ctx context.Context, logger *slog.Logger, userID string, items []types.EnrichedActivity) (PersistResult, error) {
	var result PersistResult
	if len(items) == 0 {
		return result, nil
	}

	now := time.Now()

	// Dedup check first: which source ids already exist for this user?
	sourceIDs := make([]string, 0, len(items))
	for _, item := range items {
		sourceIDs = append(sourceIDs, item.Activity.SourceID)
	}

	existing, err := p.DB.ExistingRunIDs(ctx, userID, sourceIDs)
	if err != nil {
		// Without the dedup set we cannot tell saved from skipped; the
		// write itself would still be safe (doc id = source id), but the
		// counters would lie. Treat as a storage failure for this chunk.
		return result, &PersistenceError{Attempted: len(items), Err: err}
	}

	toWrite := make([]*types.PersistedRun, 0, len(items))
	for _, item := range items {
		if existing[item.Activity.SourceID] && !p.Overwrite {
			result.Skipped++
			continue
		}
		toWrite = append(toWrite, types.NewPersistedRun(userID, item, now))
	}

	if len(toWrite) == 0 {
		return result, nil
	}

	// Batch path first
	if err := p.DB.SetRuns(ctx, userID, toWrite); err == nil {
		result.Saved = len(toWrite)
		return result, nil
	} else {
		logger.Warn("Batch write failed, falling back to individual writes",
			"count", len(toWrite),
			"error", err,
		)
	}

	// Individual fallback: one poisoned record must not lose the page.
	var lastErr error
	for _, run := range toWrite {
		if err := p.DB.SetRun(ctx, userID, run); err != nil {
			result.Failed++
			lastErr = err
			logger.Error("Failed to persist run",
				"source_id", run.SourceID,
				"name", run.Name,
				"error", err,
			)
			continue
		}
		result.Saved++
	}

	// Only a total outage escalates; partial failure is reported in counts.
	if result.Saved == 0 && result.Failed > 0 {
		return result, &PersistenceError{Attempted: result.Failed, Err: lastErr}
	}

	return result, nil
}
