package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reelcher/metering/pkg/credit"
	"github.com/reelcher/metering/pkg/pricing"
)

// Queue defaults. Concurrency bounds simultaneous scrape jobs across all
// users; the rest govern retries, stuck-job recovery, and housekeeping.
const (
	DefaultConcurrency      = 2
	DefaultMaxRetries       = 3
	DefaultStaleAfter       = 5 * time.Minute
	DefaultQueuedStaleAfter = time.Hour
	DefaultRetention        = 24 * time.Hour
	DefaultPollInterval     = 10 * time.Second
	DefaultWindowSize       = 20
	DefaultWaitPerSlot      = 2 * time.Minute
	staleActiveReason       = "execution exceeded stale deadline"
	staleQueuedReason       = "abandoned in queue past stale deadline"
	defaultAdmitBatchMax    = 64
)

// ManagerOption configures a Manager instance.
type ManagerOption func(*Manager)

// WithConcurrency sets the global ceiling on simultaneously active jobs.
func WithConcurrency(limit int) ManagerOption {
	return func(manager *Manager) { manager.concurrency = limit }
}

// WithMaxRetries sets how many execution attempts a job gets before failing.
func WithMaxRetries(limit int) ManagerOption {
	return func(manager *Manager) { manager.maxRetries = limit }
}

// WithStaleAfter sets how long an active job may run before it is presumed
// abandoned and cancelled.
func WithStaleAfter(limit time.Duration) ManagerOption {
	return func(manager *Manager) { manager.staleAfter = limit }
}

// WithQueuedStaleAfter sets how long a queued job may wait before it is
// presumed abandoned and cancelled. This is deliberately much longer than the
// active deadline: a deep but healthy backlog is not abandonment.
func WithQueuedStaleAfter(limit time.Duration) ManagerOption {
	return func(manager *Manager) { manager.queuedStaleAfter = limit }
}

// WithRetention sets how long terminal jobs are kept before cleanup.
func WithRetention(retention time.Duration) ManagerOption {
	return func(manager *Manager) { manager.retention = retention }
}

// WithPollInterval sets the background sweep cadence.
func WithPollInterval(interval time.Duration) ManagerOption {
	return func(manager *Manager) { manager.pollInterval = interval }
}

// WithLogger wires a structured logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(manager *Manager) { manager.logger = logger }
}

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(manager *Manager) { manager.now = now }
}

// WithJobIDGenerator overrides job id generation.
func WithJobIDGenerator(generate func() string) ManagerOption {
	return func(manager *Manager) { manager.generateID = generate }
}

// Manager admits submitted jobs in arrival order under a global concurrency
// ceiling. Every job holds a credit reservation from submission until its
// terminal state settles or refunds it.
type Manager struct {
	store        Store
	credits      *credit.Service
	dispatcher   Dispatcher
	logger       *zap.Logger
	concurrency      int
	maxRetries       int
	staleAfter       time.Duration
	queuedStaleAfter time.Duration
	retention        time.Duration
	pollInterval     time.Duration
	durations        *durationWindow
	generateID       func() string
	now              func() time.Time
}

// NewManager constructs a Manager bound to the given store, credit service,
// and dispatcher.
func NewManager(store Store, credits *credit.Service, dispatcher Dispatcher, options ...ManagerOption) (*Manager, error) {
	if store == nil || credits == nil || dispatcher == nil {
		return nil, ErrInvalidManager
	}
	manager := &Manager{
		store:            store,
		credits:          credits,
		dispatcher:       dispatcher,
		logger:           zap.NewNop(),
		concurrency:      DefaultConcurrency,
		maxRetries:       DefaultMaxRetries,
		staleAfter:       DefaultStaleAfter,
		queuedStaleAfter: DefaultQueuedStaleAfter,
		retention:        DefaultRetention,
		pollInterval:     DefaultPollInterval,
		durations:        newDurationWindow(DefaultWindowSize, DefaultWaitPerSlot),
		generateID:       func() string { return uuid.NewString() },
		now:              time.Now,
	}
	for _, option := range options {
		option(manager)
	}
	if manager.concurrency < 1 || manager.maxRetries < 1 {
		return nil, ErrInvalidManager
	}
	return manager, nil
}

// Submit reserves the estimated credit cost, enqueues the job at the back of
// the queue, and admits it immediately when a slot is free. The reservation
// fails fast on insufficient balance or a batch size over the plan ceiling.
func (manager *Manager) Submit(ctx context.Context, request SubmitRequest) (StatusView, error) {
	account, accountErr := manager.credits.Account(ctx, request.UserID)
	if accountErr != nil {
		return StatusView{}, accountErr
	}
	if request.RequestedUnits != pricing.DiagnosticUnits && int64(request.RequestedUnits) > account.Plan.MaxRequestedUnits() {
		return StatusView{}, ErrUnitsOverPlan
	}
	estimate, estimateErr := pricing.Estimate(request.Platform, request.SearchType, request.RequestedUnits)
	if estimateErr != nil {
		return StatusView{}, estimateErr
	}
	jobID := JobID(manager.generateID())
	transaction, reserveErr := manager.credits.Reserve(ctx, request.UserID, credit.Amount(estimate), jobID.String())
	if reserveErr != nil {
		return StatusView{}, reserveErr
	}
	currentTime := manager.now()
	job := Job{
		ID:                 jobID,
		UserID:             request.UserID,
		TransactionID:      transaction.ID,
		Platform:           request.Platform,
		SearchType:         request.SearchType,
		RequestedUnits:     request.RequestedUnits,
		EstimatedCredits:   credit.Amount(estimate),
		Params:             request.Params,
		Status:             JobStatusQueued,
		EnqueuedAtUnixNano: currentTime.UnixNano(),
		CreatedAt:          currentTime,
		UpdatedAt:          currentTime,
	}
	createErr := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		return txStore.CreateJob(ctx, job)
	})
	if createErr != nil {
		if _, rollbackErr := manager.credits.Rollback(ctx, transaction.ID); rollbackErr != nil {
			manager.logger.Error("orphaned reservation after enqueue failure",
				zap.String("job_id", jobID.String()),
				zap.String("transaction_id", transaction.ID.String()),
				zap.Error(rollbackErr))
		}
		return StatusView{}, createErr
	}
	if _, admitErr := manager.Admit(ctx); admitErr != nil {
		manager.logger.Warn("admission sweep after submit failed", zap.Error(admitErr))
	}
	return manager.Status(ctx, jobID, request.UserID)
}

// Status returns the job with its queue position and an estimated wait.
// Position counts jobs enqueued earlier that are still queued; the wait is
// position times the rolling average duration of recent jobs.
func (manager *Manager) Status(ctx context.Context, jobID JobID, userID credit.UserID) (StatusView, error) {
	if jobID == "" {
		return StatusView{}, ErrInvalidJobID
	}
	job, getErr := manager.store.GetJob(ctx, jobID)
	if getErr != nil {
		return StatusView{}, getErr
	}
	if userID != "" && job.UserID != userID {
		return StatusView{}, ErrNotJobOwner
	}
	view := StatusView{Job: job}
	if job.Status == JobStatusQueued {
		ahead, countErr := manager.store.CountQueuedBefore(ctx, job.EnqueuedAtUnixNano)
		if countErr != nil {
			return StatusView{}, countErr
		}
		view.Position = ahead + 1
		view.EstimatedWait = time.Duration(view.Position) * manager.durations.Average()
	}
	return view, nil
}

// Admit fills free execution slots with the oldest queued jobs and hands
// each admitted job to the dispatcher. It returns the number admitted.
func (manager *Manager) Admit(ctx context.Context) (int, error) {
	admittedTotal := 0
	for admittedTotal < defaultAdmitBatchMax {
		job, admitted, admitErr := manager.admitOne(ctx)
		if admitErr != nil {
			return admittedTotal, admitErr
		}
		if !admitted {
			return admittedTotal, nil
		}
		admittedTotal++
		manager.dispatch(ctx, job)
	}
	return admittedTotal, nil
}

func (manager *Manager) admitOne(ctx context.Context) (Job, bool, error) {
	var admitted Job
	found := false
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		activeCount, countErr := txStore.CountActiveJobs(ctx)
		if countErr != nil {
			return countErr
		}
		if activeCount >= manager.concurrency {
			return nil
		}
		candidates, listErr := txStore.ListQueuedOldest(ctx, 1)
		if listErr != nil {
			return listErr
		}
		if len(candidates) == 0 {
			return nil
		}
		job, lockErr := txStore.GetJobForUpdate(ctx, candidates[0].ID)
		if lockErr != nil {
			return lockErr
		}
		if job.Status != JobStatusQueued {
			return nil
		}
		job.Status = JobStatusActive
		job.StartedAt = manager.now()
		job.UpdatedAt = job.StartedAt
		if updateErr := txStore.UpdateJob(ctx, job); updateErr != nil {
			return updateErr
		}
		admitted = job
		found = true
		return nil
	})
	if err != nil {
		return Job{}, false, err
	}
	return admitted, found, nil
}

func (manager *Manager) dispatch(ctx context.Context, job Job) {
	if dispatchErr := manager.dispatcher.Dispatch(ctx, job); dispatchErr != nil {
		manager.logger.Warn("dispatch failed",
			zap.String("job_id", job.ID.String()),
			zap.Error(dispatchErr))
		outcome := Outcome{Success: false, FailureReason: ErrDispatchFailure.Error()}
		if _, completeErr := manager.Complete(ctx, job.ID, outcome); completeErr != nil {
			manager.logger.Error("failed to record dispatch failure",
				zap.String("job_id", job.ID.String()),
				zap.Error(completeErr))
		}
	}
}

// Complete settles an active job. A requested cancel wins over any outcome.
// Success commits the proportionally settled charge; a zero charge refunds
// the whole reservation. Failure re-enqueues the job at the back of the
// queue until its attempts are exhausted, then fails it with a full refund.
// The ledger is settled before the job record flips so a crash in between
// leaves a closed reservation, never a charged-but-live hold.
func (manager *Manager) Complete(ctx context.Context, jobID JobID, outcome Outcome) (Job, error) {
	if jobID == "" {
		return Job{}, ErrInvalidJobID
	}
	job, getErr := manager.store.GetJob(ctx, jobID)
	if getErr != nil {
		return Job{}, getErr
	}
	if job.Status != JobStatusActive {
		return Job{}, ErrJobClosed
	}

	finalStatus := JobStatusCompleted
	failureReason := ""
	requeue := false
	switch {
	case job.CancelRequested:
		finalStatus = JobStatusCancelled
		failureReason = "cancelled by user"
		if rollbackErr := manager.rollbackReservation(ctx, job); rollbackErr != nil {
			return Job{}, rollbackErr
		}
	case outcome.Success:
		settlement, settleErr := pricing.Settle(job.Platform, job.SearchType, job.RequestedUnits, outcome.ActualUnits)
		if settleErr != nil {
			return Job{}, settleErr
		}
		if settlement.ChargedCredits == 0 {
			if rollbackErr := manager.rollbackReservation(ctx, job); rollbackErr != nil {
				return Job{}, rollbackErr
			}
		} else if _, commitErr := manager.credits.Commit(ctx, job.TransactionID, credit.Amount(settlement.ChargedCredits)); commitErr != nil && !errors.Is(commitErr, credit.ErrInvalidTransaction) {
			return Job{}, commitErr
		}
	case job.RetryCount+1 < manager.maxRetries:
		requeue = true
		failureReason = outcome.FailureReason
	default:
		finalStatus = JobStatusFailed
		failureReason = outcome.FailureReason
		if rollbackErr := manager.rollbackReservation(ctx, job); rollbackErr != nil {
			return Job{}, rollbackErr
		}
	}

	currentTime := manager.now()
	var closed Job
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		locked, lockErr := txStore.GetJobForUpdate(ctx, jobID)
		if lockErr != nil {
			return lockErr
		}
		if locked.Status != JobStatusActive {
			return ErrJobClosed
		}
		if requeue {
			locked.Status = JobStatusQueued
			locked.RetryCount++
			locked.EnqueuedAtUnixNano = currentTime.UnixNano()
			locked.StartedAt = time.Time{}
			locked.FailureReason = failureReason
		} else {
			locked.Status = finalStatus
			locked.FinishedAt = currentTime
			locked.FailureReason = failureReason
		}
		locked.UpdatedAt = currentTime
		if updateErr := txStore.UpdateJob(ctx, locked); updateErr != nil {
			return updateErr
		}
		closed = locked
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	if !job.StartedAt.IsZero() {
		manager.durations.Record(currentTime.Sub(job.StartedAt))
	}
	if _, admitErr := manager.Admit(ctx); admitErr != nil {
		manager.logger.Warn("admission sweep after completion failed", zap.Error(admitErr))
	}
	return closed, nil
}

func (manager *Manager) rollbackReservation(ctx context.Context, job Job) error {
	if _, rollbackErr := manager.credits.Rollback(ctx, job.TransactionID); rollbackErr != nil && !errors.Is(rollbackErr, credit.ErrInvalidTransaction) {
		return rollbackErr
	}
	return nil
}

// RequestCancel cancels a queued job immediately with a full refund. For an
// active job it records the request; the cancel takes effect when the
// executor reports its outcome.
func (manager *Manager) RequestCancel(ctx context.Context, jobID JobID, userID credit.UserID) (Job, error) {
	if jobID == "" {
		return Job{}, ErrInvalidJobID
	}
	var cancelled Job
	refund := false
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		job, lockErr := txStore.GetJobForUpdate(ctx, jobID)
		if lockErr != nil {
			return lockErr
		}
		if userID != "" && job.UserID != userID {
			return ErrNotJobOwner
		}
		switch job.Status {
		case JobStatusQueued:
			job.Status = JobStatusCancelled
			job.FailureReason = "cancelled by user"
			job.FinishedAt = manager.now()
			refund = true
		case JobStatusActive:
			job.CancelRequested = true
		default:
			return ErrJobClosed
		}
		job.UpdatedAt = manager.now()
		if updateErr := txStore.UpdateJob(ctx, job); updateErr != nil {
			return updateErr
		}
		cancelled = job
		return nil
	})
	if err != nil {
		return Job{}, err
	}
	if refund {
		if rollbackErr := manager.rollbackReservation(ctx, cancelled); rollbackErr != nil {
			manager.logger.Error("refund after queued cancel failed",
				zap.String("job_id", jobID.String()),
				zap.Error(rollbackErr))
			return cancelled, rollbackErr
		}
	}
	return cancelled, nil
}

// ExpireStale cancels jobs presumed abandoned: active jobs running past the
// stale deadline and queued jobs waiting past the longer queued deadline.
// Each job flips to cancelled first and is refunded after, so a concurrent
// completion can never settle a job whose reservation was already released.
func (manager *Manager) ExpireStale(ctx context.Context) (int, error) {
	activeCutoff := manager.now().Add(-manager.staleAfter)
	staleActive, listErr := manager.store.ListActiveStartedBefore(ctx, activeCutoff)
	if listErr != nil {
		return 0, listErr
	}
	queuedCutoff := manager.now().Add(-manager.queuedStaleAfter)
	staleQueued, queuedErr := manager.store.ListQueuedEnqueuedBefore(ctx, queuedCutoff)
	if queuedErr != nil {
		return 0, queuedErr
	}
	expiredCount := 0
	for _, job := range staleActive {
		expired, expireErr := manager.expireOne(ctx, job.ID, JobStatusActive, activeCutoff, staleActiveReason)
		if expireErr != nil {
			return expiredCount, expireErr
		}
		if expired {
			expiredCount++
		}
	}
	for _, job := range staleQueued {
		expired, expireErr := manager.expireOne(ctx, job.ID, JobStatusQueued, queuedCutoff, staleQueuedReason)
		if expireErr != nil {
			return expiredCount, expireErr
		}
		if expired {
			expiredCount++
		}
	}
	if expiredCount > 0 {
		if _, admitErr := manager.Admit(ctx); admitErr != nil {
			manager.logger.Warn("admission sweep after stale expiry failed", zap.Error(admitErr))
		}
	}
	return expiredCount, nil
}

// expireOne cancels a single presumed-abandoned job. The transaction re-locks
// the row and re-checks both the status and the deadline so a job that was
// requeued, re-admitted, or completed since listing is left untouched along
// with its reservation. The refund runs only once the cancel is durable.
func (manager *Manager) expireOne(ctx context.Context, jobID JobID, fromStatus JobStatus, cutoff time.Time, reason string) (bool, error) {
	var cancelled Job
	flipped := false
	err := manager.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		locked, lockErr := txStore.GetJobForUpdate(ctx, jobID)
		if lockErr != nil {
			return lockErr
		}
		if locked.Status != fromStatus {
			return nil
		}
		switch fromStatus {
		case JobStatusActive:
			if !locked.StartedAt.Before(cutoff) {
				return nil
			}
		case JobStatusQueued:
			if locked.EnqueuedAtUnixNano >= cutoff.UnixNano() {
				return nil
			}
		}
		locked.Status = JobStatusCancelled
		locked.FailureReason = reason
		locked.FinishedAt = manager.now()
		locked.UpdatedAt = locked.FinishedAt
		if updateErr := txStore.UpdateJob(ctx, locked); updateErr != nil {
			return updateErr
		}
		cancelled = locked
		flipped = true
		return nil
	})
	if err != nil || !flipped {
		return false, err
	}
	if rollbackErr := manager.rollbackReservation(ctx, cancelled); rollbackErr != nil {
		manager.logger.Error("refund after stale expiry failed",
			zap.String("job_id", jobID.String()),
			zap.Error(rollbackErr))
		return true, rollbackErr
	}
	manager.logger.Warn("expired stale job",
		zap.String("job_id", jobID.String()),
		zap.String("user_id", cancelled.UserID.String()),
		zap.String("reason", reason))
	return true, nil
}

// Cleanup deletes terminal jobs older than the retention window.
func (manager *Manager) Cleanup(ctx context.Context) (int, error) {
	cutoff := manager.now().Add(-manager.retention)
	return manager.store.DeleteTerminalFinishedBefore(ctx, cutoff)
}

// Run sweeps admission, stale expiry, and cleanup on the poll interval until
// the context is cancelled.
func (manager *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(manager.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, admitErr := manager.Admit(ctx); admitErr != nil {
				manager.logger.Warn("admission sweep failed", zap.Error(admitErr))
			}
			if _, staleErr := manager.ExpireStale(ctx); staleErr != nil {
				manager.logger.Warn("stale expiry sweep failed", zap.Error(staleErr))
			}
			if _, cleanupErr := manager.Cleanup(ctx); cleanupErr != nil {
				manager.logger.Warn("cleanup sweep failed", zap.Error(cleanupErr))
			}
		}
	}
}
