package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountRecord mirrors the accounts table.
type AccountRecord struct {
	UserID      string    `gorm:"primaryKey"`
	Plan        string    `gorm:"not null"`
	Balance     int64     `gorm:"not null"`
	SignedUpAt  time.Time `gorm:"not null"`
	CycleStart  time.Time `gorm:"not null"`
	NextGrantAt time.Time `gorm:"not null;index:idx_accounts_next_grant"`
	PhoneNumber string    `gorm:"index:idx_accounts_phone"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (AccountRecord) TableName() string { return "accounts" }

// TransactionRecord mirrors the credit_transactions table.
type TransactionRecord struct {
	TransactionID  string    `gorm:"type:uuid;primaryKey"`
	UserID         string    `gorm:"not null;index:idx_transactions_user"`
	ReservedAmount int64     `gorm:"not null"`
	ChargedAmount  int64     `gorm:"not null"`
	Status         string    `gorm:"not null;index:idx_transactions_status"`
	Reference      string    `gorm:""`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (TransactionRecord) TableName() string { return "credit_transactions" }

func (record *TransactionRecord) BeforeCreate(tx *gorm.DB) error {
	if record.TransactionID == "" {
		record.TransactionID = uuid.NewString()
	}
	return nil
}

// PlanChangeRecord mirrors the plan_changes table.
type PlanChangeRecord struct {
	ChangeID     string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:idx_plan_changes_user"`
	FromPlan     string    `gorm:"not null"`
	ToPlan       string    `gorm:"not null"`
	UsedAtChange int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	ChangedAt    time.Time `gorm:"not null"`
}

func (PlanChangeRecord) TableName() string { return "plan_changes" }

func (record *PlanChangeRecord) BeforeCreate(tx *gorm.DB) error {
	if record.ChangeID == "" {
		record.ChangeID = uuid.NewString()
	}
	return nil
}

// AdjustmentRecord mirrors the balance_adjustments table.
type AdjustmentRecord struct {
	AdjustmentID string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:idx_adjustments_user"`
	Delta        int64     `gorm:"not null"`
	BalanceAfter int64     `gorm:"not null"`
	Reason       string    `gorm:""`
	AppliedAt    time.Time `gorm:"not null"`
}

func (AdjustmentRecord) TableName() string { return "balance_adjustments" }

func (record *AdjustmentRecord) BeforeCreate(tx *gorm.DB) error {
	if record.AdjustmentID == "" {
		record.AdjustmentID = uuid.NewString()
	}
	return nil
}

// DeletionRecordRow mirrors the deletion_records table.
type DeletionRecordRow struct {
	PhoneNumber string    `gorm:"primaryKey"`
	Plan        string    `gorm:"not null"`
	Balance     int64     `gorm:"not null"`
	CycleStart  time.Time `gorm:"not null"`
	NextGrantAt time.Time `gorm:"not null"`
	DeletedAt   time.Time `gorm:"not null"`
}

func (DeletionRecordRow) TableName() string { return "deletion_records" }

// JobRecord mirrors the search_jobs table.
type JobRecord struct {
	JobID              string         `gorm:"type:uuid;primaryKey"`
	UserID             string         `gorm:"not null;index:idx_jobs_user"`
	TransactionID      string         `gorm:"type:uuid;not null"`
	Platform           string         `gorm:"not null"`
	SearchType         string         `gorm:"not null"`
	RequestedUnits     int            `gorm:"not null"`
	EstimatedCredits   int64          `gorm:"not null"`
	Params             datatypes.JSON `gorm:"type:jsonb"`
	Status             string         `gorm:"not null;index:idx_jobs_status_enqueued,priority:1"`
	RetryCount         int            `gorm:"not null"`
	CancelRequested    bool           `gorm:"not null"`
	FailureReason      string         `gorm:""`
	EnqueuedAtUnixNano int64          `gorm:"not null;index:idx_jobs_status_enqueued,priority:2"`
	StartedAt          *time.Time     `gorm:""`
	FinishedAt         *time.Time     `gorm:"index:idx_jobs_finished"`
	CreatedAt          time.Time      `gorm:"not null"`
	UpdatedAt          time.Time      `gorm:"not null"`
}

func (JobRecord) TableName() string { return "search_jobs" }

// Migrate creates or updates the schema for every table the store uses.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&AccountRecord{},
		&TransactionRecord{},
		&PlanChangeRecord{},
		&AdjustmentRecord{},
		&DeletionRecordRow{},
		&JobRecord{},
	)
}
