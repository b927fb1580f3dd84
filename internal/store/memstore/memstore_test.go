package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reelcher/metering/internal/queue"
	"github.com/reelcher/metering/pkg/credit"
)

func TestWithTxRollsBackOnError(test *testing.T) {
	test.Parallel()
	store := New()
	creditStore := store.Credit()
	ctx := context.Background()

	account := credit.Account{UserID: "user-1", Plan: credit.PlanFree, Balance: 250}
	if err := creditStore.CreateAccount(ctx, account); err != nil {
		test.Fatalf("CreateAccount: %v", err)
	}

	boom := errors.New("boom")
	err := creditStore.WithTx(ctx, func(ctx context.Context, txStore credit.Store) error {
		account.Balance = 0
		if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
			return updateErr
		}
		return boom
	})
	if !errors.Is(err, boom) {
		test.Fatalf("err = %v, want boom", err)
	}
	reloaded, err := creditStore.GetAccount(ctx, "user-1")
	if err != nil {
		test.Fatalf("GetAccount: %v", err)
	}
	if reloaded.Balance != 250 {
		test.Fatalf("balance = %d, want rollback to 250", reloaded.Balance)
	}
}

func TestFacadesShareState(test *testing.T) {
	test.Parallel()
	store := New()
	ctx := context.Background()

	job := queue.Job{ID: "job-1", UserID: "user-1", Status: queue.JobStatusQueued, EnqueuedAtUnixNano: 1}
	if err := store.Queue().CreateJob(ctx, job); err != nil {
		test.Fatalf("CreateJob: %v", err)
	}
	loaded, err := store.Queue().GetJob(ctx, "job-1")
	if err != nil || loaded.UserID != "user-1" {
		test.Fatalf("GetJob = %+v, %v", loaded, err)
	}
}

func TestQueuedOrderingAndCounts(test *testing.T) {
	test.Parallel()
	store := New()
	queueStore := store.Queue()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for jobIndex := 3; jobIndex >= 1; jobIndex-- {
		job := queue.Job{
			ID:                 queue.JobID(string(rune('a' + jobIndex))),
			Status:             queue.JobStatusQueued,
			EnqueuedAtUnixNano: base.Add(time.Duration(jobIndex) * time.Second).UnixNano(),
		}
		if err := queueStore.CreateJob(ctx, job); err != nil {
			test.Fatalf("CreateJob: %v", err)
		}
	}
	oldest, err := queueStore.ListQueuedOldest(ctx, 1)
	if err != nil || len(oldest) != 1 {
		test.Fatalf("ListQueuedOldest = %v, %v", oldest, err)
	}
	if oldest[0].ID != "b" {
		test.Fatalf("oldest = %q, want the earliest enqueue", oldest[0].ID)
	}
	ahead, err := queueStore.CountQueuedBefore(ctx, base.Add(3*time.Second).UnixNano())
	if err != nil || ahead != 2 {
		test.Fatalf("CountQueuedBefore = %d, %v, want 2", ahead, err)
	}
	abandoned, err := queueStore.ListQueuedEnqueuedBefore(ctx, base.Add(2*time.Second))
	if err != nil || len(abandoned) != 1 || abandoned[0].ID != "b" {
		test.Fatalf("ListQueuedEnqueuedBefore = %v, %v, want only the earliest enqueue", abandoned, err)
	}
}
