package batchjob

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"marketcache/internal/apperror"
	domain "marketcache/internal/batch"
	"marketcache/internal/platform/sqlite"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newJob(tickers []string, batchSize int) *domain.Job {
	total := (len(tickers) + batchSize - 1) / batchSize
	return &domain.Job{
		ID:           fmt.Sprintf("job-%d-%d", len(tickers), batchSize),
		Tickers:      tickers,
		BatchSize:    batchSize,
		TotalBatches: total,
		Status:       domain.StatusPending,
		StartYear:    2015,
		EndYear:      2024,
		Message:      "job created",
	}
}

func result(successful, failed int) domain.BatchResult {
	res := domain.BatchResult{Complete: true}
	for i := 0; i < successful; i++ {
		res.Successful = append(res.Successful, fmt.Sprintf("OK%d", i))
	}
	for i := 0; i < failed; i++ {
		res.Failed = append(res.Failed, domain.TickerError{Ticker: fmt.Sprintf("BAD%d", i), Error: "ticker not found"})
	}
	return res
}

func TestCreate_And_Get(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob([]string{"AAPL", "MSFT", "NVDA"}, 2)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalBatches != 2 || got.CurrentBatch != 0 {
		t.Errorf("unexpected batch bookkeeping: %+v", got)
	}
	if got.Status != domain.StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if len(got.Tickers) != 3 || got.Tickers[2] != "NVDA" {
		t.Errorf("tickers did not round-trip: %v", got.Tickers)
	}
	if got.CreatedAt.IsZero() || got.LastUpdateAt.IsZero() {
		t.Error("expected timestamps populated")
	}
	if !got.ProcessingStartedAt.IsZero() {
		t.Error("processingStartedAt must be unset before start")
	}
}

func TestGet_NotFound(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)

	_, err := repo.Get(context.Background(), "missing")
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.NotFound {
		t.Fatalf("expected not-found app error, got %v", err)
	}
}

func TestStart_TransitionsOnce(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob([]string{"AAPL", "MSFT"}, 1)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}

	started, err := repo.Start(ctx, j.ID)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Status != domain.StatusRunning {
		t.Errorf("expected running, got %s", started.Status)
	}
	if started.ProcessingStartedAt.IsZero() {
		t.Error("expected processingStartedAt stamped")
	}

	// Starting an already-running job is a no-op that returns current state.
	again, err := repo.Start(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.ProcessingStartedAt.Equal(started.ProcessingStartedAt) {
		t.Error("second start must not restamp processingStartedAt")
	}
}

func TestAdvance_MergesCounts(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 10), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	got, applied, err := repo.Advance(ctx, j.ID, 0, result(4, 1))
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !applied {
		t.Fatal("expected first merge to apply")
	}
	if got.CurrentBatch != 1 || got.Processed != 5 || got.Successful != 4 || got.Failed != 1 {
		t.Errorf("unexpected state after merge: %+v", got)
	}
	if got.Status != domain.StatusRunning {
		t.Errorf("expected still running, got %s", got.Status)
	}
	if got.Processed != got.Successful+got.Failed {
		t.Error("processed must equal successful + failed")
	}
}

// Delivering the same batch index twice must apply nothing the second time.
// This is the guard that makes overlapping continuation triggers safe.
func TestAdvance_DuplicateIndexIsNoOp(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 10), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	first, applied, err := repo.Advance(ctx, j.ID, 0, result(5, 0))
	if err != nil || !applied {
		t.Fatalf("first advance: applied=%v err=%v", applied, err)
	}

	second, applied, err := repo.Advance(ctx, j.ID, 0, result(5, 0))
	if err != nil {
		t.Fatalf("duplicate advance must not error: %v", err)
	}
	if applied {
		t.Fatal("duplicate advance must not apply")
	}
	if second.Processed != first.Processed || second.Successful != first.Successful {
		t.Errorf("duplicate advance changed counts: %+v vs %+v", second, first)
	}
	if second.CurrentBatch != 1 {
		t.Errorf("expected currentBatch 1, got %d", second.CurrentBatch)
	}
}

func TestAdvance_FinalBatchCompletes(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 10), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	if _, _, err := repo.Advance(ctx, j.ID, 0, result(5, 0)); err != nil {
		t.Fatal(err)
	}
	got, applied, err := repo.Advance(ctx, j.ID, 1, result(3, 2))
	if err != nil || !applied {
		t.Fatalf("final advance: applied=%v err=%v", applied, err)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Processed != 10 || got.Successful != 8 || got.Failed != 2 {
		t.Errorf("unexpected final counts: %+v", got)
	}
}

func TestAdvance_SkippedIndexConflicts(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 15), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	// Merging batch 2 while batch 0 is still pending is a programming error,
	// not a duplicate delivery.
	_, applied, err := repo.Advance(ctx, j.ID, 2, result(5, 0))
	if applied {
		t.Fatal("out-of-order merge must not apply")
	}
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.Conflict {
		t.Fatalf("expected conflict app error, got %v", err)
	}
}

func TestPause_And_Resume(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 10), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	if err := repo.Pause(ctx, j.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := repo.Get(ctx, j.ID)
	if got.Status != domain.StatusPaused {
		t.Errorf("expected paused, got %s", got.Status)
	}

	// Advance against a paused job is reported as not applied, not an error:
	// the pause may have landed mid-window.
	_, applied, err := repo.Advance(ctx, j.ID, 0, result(5, 0))
	if err != nil {
		t.Fatalf("advance on paused job: %v", err)
	}
	if applied {
		t.Error("advance must not apply while paused")
	}

	if err := repo.Resume(ctx, j.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = repo.Get(ctx, j.ID)
	if got.Status != domain.StatusRunning {
		t.Errorf("expected running after resume, got %s", got.Status)
	}
}

func TestPause_TerminalJobConflicts(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 5), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := repo.Advance(ctx, j.ID, 0, result(5, 0)); err != nil {
		t.Fatal(err)
	}

	err := repo.Pause(ctx, j.ID)
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) || appErr.Code() != apperror.Conflict {
		t.Fatalf("expected conflict pausing completed job, got %v", err)
	}

	err = repo.Resume(ctx, j.ID)
	if !errors.As(err, &appErr) || appErr.Code() != apperror.Conflict {
		t.Fatalf("expected conflict resuming completed job, got %v", err)
	}
}

func TestMarkFailed_LeavesTerminalAlone(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 5), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := repo.Advance(ctx, j.ID, 0, result(5, 0)); err != nil {
		t.Fatal(err)
	}

	if err := repo.MarkFailed(ctx, j.ID, "should not stick"); err != nil {
		t.Fatal(err)
	}
	got, _ := repo.Get(ctx, j.ID)
	if got.Status != domain.StatusCompleted {
		t.Errorf("completed job must stay completed, got %s", got.Status)
	}
}

func TestListActive(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	pending := newJob(make([]string, 5), 5)
	pending.ID = "pending-job"
	running := newJob(make([]string, 5), 5)
	running.ID = "running-job"
	done := newJob(make([]string, 5), 5)
	done.ID = "done-job"

	for _, j := range []*domain.Job{pending, running, done} {
		if err := repo.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := repo.Start(ctx, running.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, done.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := repo.Advance(ctx, done.ID, 0, result(5, 0)); err != nil {
		t.Fatal(err)
	}

	active, err := repo.ListActive(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active jobs, got %d", len(active))
	}
	for _, j := range active {
		if j.ID == "done-job" {
			t.Error("completed job must not be listed active")
		}
	}
}

func TestTouch_UpdatesMessageOnly(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 10), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.Start(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	if err := repo.Touch(ctx, j.ID, "batch 1 interrupted by execution window after 3 of 5 tickers"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, _ := repo.Get(ctx, j.ID)
	if got.CurrentBatch != 0 || got.Processed != 0 {
		t.Errorf("touch must not move counts or batch index: %+v", got)
	}
	if got.Message == "job created" {
		t.Error("expected message updated")
	}
}

func TestDeleteAll(t *testing.T) {
	repo := NewRepository(setupTestDB(t).DB)
	ctx := context.Background()

	j := newJob(make([]string, 5), 5)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatal(err)
	}
	if err := repo.DeleteAll(ctx); err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if _, err := repo.Get(ctx, j.ID); err == nil {
		t.Fatal("expected job gone after delete all")
	}
}
