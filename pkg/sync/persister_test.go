package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ripixel/stridesync-server/pkg/testing/mocks"
	"github.com/ripixel/stridesync-server/pkg/types"
)

func enriched(ids ...string) []types.EnrichedActivity {
	out := make([]types.EnrichedActivity, 0, len(ids))
	for _, id := range ids {
		out = append(out, types.EnrichedActivity{Activity: testActivity(id, 51.5, -0.12)})
	}
	return out
}

func TestPersistSkipsExisting(t *testing.T) {
	var batched []*types.PersistedRun
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			return map[string]bool{"1": true, "3": true}, nil
		},
		SetRunsFunc: func(ctx context.Context, userID string, runs []*types.PersistedRun) error {
			batched = runs
			return nil
		},
	}

	p := NewPersister(db, false)
	result, err := p.Persist(context.Background(), discardLogger(), "user-1", enriched("1", "2", "3", "4"))
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	if result.Saved != 2 || result.Skipped != 2 || result.Failed != 0 {
		t.Errorf("result = %+v, want saved=2 skipped=2", result)
	}
	if len(batched) != 2 {
		t.Fatalf("batched %d runs, want 2", len(batched))
	}
	if batched[0].SourceID != "2" || batched[1].SourceID != "4" {
		t.Errorf("wrong runs written: %s, %s", batched[0].SourceID, batched[1].SourceID)
	}
}

func TestPersistOverwriteRewritesExisting(t *testing.T) {
	var batched []*types.PersistedRun
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			return map[string]bool{"1": true}, nil
		},
		SetRunsFunc: func(ctx context.Context, userID string, runs []*types.PersistedRun) error {
			batched = runs
			return nil
		},
	}

	p := NewPersister(db, true)
	result, err := p.Persist(context.Background(), discardLogger(), "user-1", enriched("1", "2"))
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}

	if result.Saved != 2 || result.Skipped != 0 {
		t.Errorf("result = %+v, want saved=2 skipped=0", result)
	}
	if len(batched) != 2 {
		t.Errorf("batched %d runs, want 2", len(batched))
	}
}

func TestPersistBatchFailureFallsBackPerItem(t *testing.T) {
	var individual []string
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			return map[string]bool{}, nil
		},
		SetRunsFunc: func(ctx context.Context, userID string, runs []*types.PersistedRun) error {
			return errors.New("batch rejected")
		},
		SetRunFunc: func(ctx context.Context, userID string, run *types.PersistedRun) error {
			if run.SourceID == "2" {
				return errors.New("document too large")
			}
			individual = append(individual, run.SourceID)
			return nil
		},
	}

	p := NewPersister(db, false)
	result, err := p.Persist(context.Background(), discardLogger(), "user-1", enriched("1", "2", "3"))
	if err != nil {
		t.Fatalf("partial failure must not be an error: %v", err)
	}

	if result.Saved != 2 || result.Failed != 1 || result.Skipped != 0 {
		t.Errorf("result = %+v, want saved=2 failed=1", result)
	}
	if len(individual) != 2 {
		t.Errorf("individual writes = %v, want [1 3]", individual)
	}
	// Count conservation: every input is accounted for exactly once.
	if result.Saved+result.Skipped+result.Failed != 3 {
		t.Errorf("counts do not sum to input size: %+v", result)
	}
}

func TestPersistTotalOutageEscalates(t *testing.T) {
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			return map[string]bool{}, nil
		},
		SetRunsFunc: func(ctx context.Context, userID string, runs []*types.PersistedRun) error {
			return errors.New("unavailable")
		},
		SetRunFunc: func(ctx context.Context, userID string, run *types.PersistedRun) error {
			return errors.New("unavailable")
		},
	}

	p := NewPersister(db, false)
	_, err := p.Persist(context.Background(), discardLogger(), "user-1", enriched("1", "2"))

	var persErr *PersistenceError
	if !errors.As(err, &persErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if persErr.Attempted != 2 {
		t.Errorf("Attempted = %d, want 2", persErr.Attempted)
	}
}

func TestPersistDedupLookupFailureEscalates(t *testing.T) {
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			return nil, errors.New("unavailable")
		},
		SetRunsFunc: func(ctx context.Context, userID string, runs []*types.PersistedRun) error {
			t.Error("must not write without the dedup set")
			return nil
		},
	}

	p := NewPersister(db, false)
	_, err := p.Persist(context.Background(), discardLogger(), "user-1", enriched("1"))

	var persErr *PersistenceError
	if !errors.As(err, &persErr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestPersistEmptyPage(t *testing.T) {
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			t.Error("no lookup expected for an empty page")
			return nil, nil
		},
	}

	p := NewPersister(db, false)
	result, err := p.Persist(context.Background(), discardLogger(), "user-1", nil)
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if result.Saved != 0 || result.Skipped != 0 || result.Failed != 0 {
		t.Errorf("result = %+v, want all zero", result)
	}
}

func TestPersistAllExistingSkipsWrite(t *testing.T) {
	db := &mocks.MockDatabase{
		ExistingRunIDsFunc: func(ctx context.Context, userID string, sourceIDs []string) (map[string]bool, error) {
			all := map[string]bool{}
			for _, id := range sourceIDs {
				all[id] = true
			}
			return all, nil
		},
		SetRunsFunc: func(ctx context.Context, userID string, runs []*types.PersistedRun) error {
			return fmt.Errorf("unexpected write of %d runs", len(runs))
		},
	}

	p := NewPersister(db, false)
	result, err := p.Persist(context.Background(), discardLogger(), "user-1", enriched("1", "2"))
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if result.Skipped != 2 || result.Saved != 0 {
		t.Errorf("result = %+v, want skipped=2", result)
	}
}
