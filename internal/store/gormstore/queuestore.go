package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelcher/metering/internal/queue"
	"github.com/reelcher/metering/pkg/credit"
	"github.com/reelcher/metering/pkg/pricing"
)

// QueueStore implements queue.Store using GORM.
type QueueStore struct {
	db *gorm.DB
}

// NewQueueStore returns a QueueStore backed by gorm.DB.
func NewQueueStore(db *gorm.DB) *QueueStore {
	return &QueueStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *QueueStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore queue.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &QueueStore{db: transaction})
	})
}

func (store *QueueStore) CreateJob(ctx context.Context, job queue.Job) error {
	row := jobRow(job)
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeCreate, err)
	}
	return nil
}

func (store *QueueStore) GetJob(ctx context.Context, jobID queue.JobID) (queue.Job, error) {
	return store.getJob(ctx, jobID, false)
}

func (store *QueueStore) GetJobForUpdate(ctx context.Context, jobID queue.JobID) (queue.Job, error) {
	return store.getJob(ctx, jobID, true)
}

func (store *QueueStore) getJob(ctx context.Context, jobID queue.JobID, forUpdate bool) (queue.Job, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row JobRecord
	err := query.Where("job_id = ?", jobID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Job{}, queue.ErrUnknownJob
		}
		return queue.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return mapJob(row)
}

func (store *QueueStore) UpdateJob(ctx context.Context, job queue.Job) error {
	row := jobRow(job)
	result := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("job_id = ?", row.JobID).
		Updates(map[string]interface{}{
			"status":                row.Status,
			"retry_count":           row.RetryCount,
			"cancel_requested":      row.CancelRequested,
			"failure_reason":        row.FailureReason,
			"enqueued_at_unix_nano": row.EnqueuedAtUnixNano,
			"started_at":            row.StartedAt,
			"finished_at":           row.FinishedAt,
			"updated_at":            row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return queue.ErrUnknownJob
	}
	return nil
}

func (store *QueueStore) CountActiveJobs(ctx context.Context) (int, error) {
	var activeCount int64
	err := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("status = ?", string(queue.JobStatusActive)).
		Count(&activeCount).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return int(activeCount), nil
}

func (store *QueueStore) ListQueuedOldest(ctx context.Context, limit int) ([]queue.Job, error) {
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where("status = ?", string(queue.JobStatusQueued)).
		Order("enqueued_at_unix_nano ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return mapJobs(rows)
}

func (store *QueueStore) CountQueuedBefore(ctx context.Context, enqueuedAtUnixNano int64) (int, error) {
	var aheadCount int64
	err := store.db.WithContext(ctx).
		Model(&JobRecord{}).
		Where("status = ? AND enqueued_at_unix_nano < ?", string(queue.JobStatusQueued), enqueuedAtUnixNano).
		Count(&aheadCount).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return int(aheadCount), nil
}

func (store *QueueStore) ListActiveStartedBefore(ctx context.Context, cutoff time.Time) ([]queue.Job, error) {
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", string(queue.JobStatusActive), cutoff).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return mapJobs(rows)
}

func (store *QueueStore) ListQueuedEnqueuedBefore(ctx context.Context, cutoff time.Time) ([]queue.Job, error) {
	var rows []JobRecord
	err := store.db.WithContext(ctx).
		Where("status = ? AND enqueued_at_unix_nano < ?", string(queue.JobStatusQueued), cutoff.UnixNano()).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return mapJobs(rows)
}

func (store *QueueStore) DeleteTerminalFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	terminalStatuses := []string{
		string(queue.JobStatusCompleted),
		string(queue.JobStatusFailed),
		string(queue.JobStatusCancelled),
	}
	result := store.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", terminalStatuses, cutoff).
		Delete(&JobRecord{})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeDelete, result.Error)
	}
	return int(result.RowsAffected), nil
}

func jobRow(job queue.Job) JobRecord {
	return JobRecord{
		JobID:              job.ID.String(),
		UserID:             job.UserID.String(),
		TransactionID:      job.TransactionID.String(),
		Platform:           string(job.Platform),
		SearchType:         string(job.SearchType),
		RequestedUnits:     job.RequestedUnits,
		EstimatedCredits:   job.EstimatedCredits.Int64(),
		Params:             datatypes.JSON(job.Params),
		Status:             string(job.Status),
		RetryCount:         job.RetryCount,
		CancelRequested:    job.CancelRequested,
		FailureReason:      job.FailureReason,
		EnqueuedAtUnixNano: job.EnqueuedAtUnixNano,
		StartedAt:          timePointer(job.StartedAt),
		FinishedAt:         timePointer(job.FinishedAt),
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
	}
}

func mapJobs(rows []JobRecord) ([]queue.Job, error) {
	jobs := make([]queue.Job, 0, len(rows))
	for _, row := range rows {
		job, err := mapJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func mapJob(row JobRecord) (queue.Job, error) {
	platform, err := pricing.ParsePlatform(row.Platform)
	if err != nil {
		return queue.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	searchType, err := pricing.ParseSearchType(row.SearchType)
	if err != nil {
		return queue.Job{}, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return queue.Job{
		ID:                 queue.JobID(row.JobID),
		UserID:             credit.UserID(row.UserID),
		TransactionID:      credit.TransactionID(row.TransactionID),
		Platform:           platform,
		SearchType:         searchType,
		RequestedUnits:     row.RequestedUnits,
		EstimatedCredits:   credit.Amount(row.EstimatedCredits),
		Params:             []byte(row.Params),
		Status:             queue.JobStatus(row.Status),
		RetryCount:         row.RetryCount,
		CancelRequested:    row.CancelRequested,
		FailureReason:      row.FailureReason,
		EnqueuedAtUnixNano: row.EnqueuedAtUnixNano,
		StartedAt:          timeOrZero(row.StartedAt),
		FinishedAt:         timeOrZero(row.FinishedAt),
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

func timePointer(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	return &value
}

func timeOrZero(value *time.Time) time.Time {
	if value == nil {
		return time.Time{}
	}
	return *value
}
