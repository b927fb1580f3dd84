package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/reelcher/metering/internal/queue"
)

// QueueStore implements queue.Store over the shared in-memory state.
type QueueStore struct {
	store *Store
	inTx  bool
}

// WithTx runs fn with snapshot-rollback semantics. A nested call joins the
// open transaction.
func (queueStore *QueueStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore queue.Store) error) error {
	if queueStore.inTx {
		return fn(ctx, queueStore)
	}
	return queueStore.store.transact(func() error {
		return fn(ctx, &QueueStore{store: queueStore.store, inTx: true})
	})
}

func (queueStore *QueueStore) CreateJob(ctx context.Context, job queue.Job) error {
	return queueStore.store.withData(queueStore.inTx, func(state *data) error {
		state.jobs[job.ID] = job
		return nil
	})
}

func (queueStore *QueueStore) GetJob(ctx context.Context, jobID queue.JobID) (queue.Job, error) {
	var job queue.Job
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		found, exists := state.jobs[jobID]
		if !exists {
			return queue.ErrUnknownJob
		}
		job = found
		return nil
	})
	return job, err
}

// GetJobForUpdate is GetJob; the store lock already serializes.
func (queueStore *QueueStore) GetJobForUpdate(ctx context.Context, jobID queue.JobID) (queue.Job, error) {
	return queueStore.GetJob(ctx, jobID)
}

func (queueStore *QueueStore) UpdateJob(ctx context.Context, job queue.Job) error {
	return queueStore.store.withData(queueStore.inTx, func(state *data) error {
		if _, exists := state.jobs[job.ID]; !exists {
			return queue.ErrUnknownJob
		}
		state.jobs[job.ID] = job
		return nil
	})
}

func (queueStore *QueueStore) CountActiveJobs(ctx context.Context) (int, error) {
	activeCount := 0
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		for _, job := range state.jobs {
			if job.Status == queue.JobStatusActive {
				activeCount++
			}
		}
		return nil
	})
	return activeCount, err
}

func (queueStore *QueueStore) ListQueuedOldest(ctx context.Context, limit int) ([]queue.Job, error) {
	var queued []queue.Job
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		for _, job := range state.jobs {
			if job.Status == queue.JobStatusQueued {
				queued = append(queued, job)
			}
		}
		sort.Slice(queued, func(left int, right int) bool {
			return queued[left].EnqueuedAtUnixNano < queued[right].EnqueuedAtUnixNano
		})
		if limit > 0 && len(queued) > limit {
			queued = queued[:limit]
		}
		return nil
	})
	return queued, err
}

func (queueStore *QueueStore) CountQueuedBefore(ctx context.Context, enqueuedAtUnixNano int64) (int, error) {
	aheadCount := 0
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		for _, job := range state.jobs {
			if job.Status == queue.JobStatusQueued && job.EnqueuedAtUnixNano < enqueuedAtUnixNano {
				aheadCount++
			}
		}
		return nil
	})
	return aheadCount, err
}

func (queueStore *QueueStore) ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]queue.Job, error) {
	var stale []queue.Job
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		for _, job := range state.jobs {
			if job.Status == queue.JobStatusActive && job.StartedAt.Before(cutoff) {
				stale = append(stale, job)
			}
		}
		return nil
	})
	return stale, err
}

func (queueStore *QueueStore) ListQueuedEnqueuedBefore(ctx context.Context, cutoff time.Time) ([]queue.Job, error) {
	var abandoned []queue.Job
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		for _, job := range state.jobs {
			if job.Status == queue.JobStatusQueued && job.EnqueuedAtUnixNano < cutoff.UnixNano() {
				abandoned = append(abandoned, job)
			}
		}
		return nil
	})
	return abandoned, err
}

func (queueStore *QueueStore) DeleteTerminalFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	deletedCount := 0
	err := queueStore.store.withData(queueStore.inTx, func(state *data) error {
		for jobID, job := range state.jobs {
			if job.Status.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
				delete(state.jobs, jobID)
				deletedCount++
			}
		}
		return nil
	})
	return deletedCount, err
}
