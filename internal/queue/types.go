package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/reelcher/metering/pkg/credit"
	"github.com/reelcher/metering/pkg/pricing"
)

// Domain-level error values returned by the queue manager.
var (
	ErrUnknownJob      = errors.New("unknown job")
	ErrJobClosed       = errors.New("job already closed")
	ErrNotJobOwner     = errors.New("job belongs to another user")
	ErrUnitsOverPlan   = errors.New("requested units exceed plan ceiling")
	ErrInvalidJobID    = errors.New("invalid job id")
	ErrInvalidManager  = errors.New("invalid manager config")
	ErrDispatchFailure = errors.New("dispatch failure")
)

// JobID identifies a submitted search job.
type JobID string

// String returns the identifier as a plain string.
func (jobID JobID) String() string {
	return string(jobID)
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

// Job lifecycle states. Queued and active are live; the rest are terminal.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status ends the job's lifecycle.
func (status JobStatus) Terminal() bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Job is a search request waiting for, holding, or done with an execution
// slot. EnqueuedAtUnixNano orders the queue; a retried job re-enters at the
// back with a fresh enqueue time.
type Job struct {
	ID                 JobID
	UserID             credit.UserID
	TransactionID      credit.TransactionID
	Platform           pricing.Platform
	SearchType         pricing.SearchType
	RequestedUnits     int
	EstimatedCredits   credit.Amount
	Params             json.RawMessage
	Status             JobStatus
	RetryCount         int
	CancelRequested    bool
	FailureReason      string
	EnqueuedAtUnixNano int64
	StartedAt          time.Time
	FinishedAt         time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SubmitRequest describes a search to enqueue. Params is the opaque query
// document (keyword, filters) forwarded to the executor unchanged.
type SubmitRequest struct {
	UserID         credit.UserID
	Platform       pricing.Platform
	SearchType     pricing.SearchType
	RequestedUnits int
	Params         json.RawMessage
}

// Outcome reports how an executed job ended.
type Outcome struct {
	Success       bool
	ActualUnits   int
	FailureReason string
}

// StatusView is the queue position and wait estimate for a live job.
type StatusView struct {
	Job           Job
	Position      int
	EstimatedWait time.Duration
}

// Dispatcher hands an admitted job to its executor.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, job Job) error

// Dispatch calls the wrapped function.
func (fn DispatcherFunc) Dispatch(ctx context.Context, job Job) error {
	return fn(ctx, job)
}

// Store is the persistence contract required by the queue manager. All
// mutating operations run inside WithTx closures.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID JobID) (Job, error)
	GetJobForUpdate(ctx context.Context, jobID JobID) (Job, error)
	UpdateJob(ctx context.Context, job Job) error
	CountActiveJobs(ctx context.Context) (int, error)
	ListQueuedOldest(ctx context.Context, limit int) ([]Job, error)
	CountQueuedBefore(ctx context.Context, enqueuedAtUnixNano int64) (int, error)
	ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
	ListQueuedEnqueuedBefore(ctx context.Context, cutoff time.Time) ([]Job, error)
	DeleteTerminalFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
