// Package gormstore persists the credit ledger and the job queue through
// GORM, against either PostgreSQL or SQLite.
package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/reelcher/metering/pkg/credit"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore    = "store"
	errorSubjectAccount    = "account"
	errorSubjectTx         = "transaction"
	errorSubjectPlanChange = "plan_change"
	errorSubjectAdjustment = "adjustment"
	errorSubjectDeletion   = "deletion_record"
	errorSubjectJob        = "job"
	errorCodeCreate        = "create"
	errorCodeDelete        = "delete"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInvalid       = "invalid"
	errorCodeList          = "list"
	errorCodeUpdate        = "update"
)

// CreditStore implements credit.Store using GORM.
type CreditStore struct {
	db *gorm.DB
}

// NewCreditStore returns a CreditStore backed by gorm.DB.
func NewCreditStore(db *gorm.DB) *CreditStore {
	return &CreditStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *CreditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &CreditStore{db: transaction})
	})
}

func (store *CreditStore) GetAccount(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return store.getAccount(ctx, userID, false)
}

func (store *CreditStore) GetAccountForUpdate(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return store.getAccount(ctx, userID, true)
}

func (store *CreditStore) getAccount(ctx context.Context, userID credit.UserID, forUpdate bool) (credit.Account, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row AccountRecord
	err := query.Where("user_id = ?", userID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Account{}, credit.ErrUnknownAccount
		}
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(row)
}

func (store *CreditStore) CreateAccount(ctx context.Context, account credit.Account) error {
	row := accountRow(account)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return credit.ErrAccountExists
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *CreditStore) UpdateAccount(ctx context.Context, account credit.Account) error {
	row := accountRow(account)
	result := store.db.WithContext(ctx).
		Model(&AccountRecord{}).
		Where("user_id = ?", row.UserID).
		Updates(map[string]interface{}{
			"plan":          row.Plan,
			"balance":       row.Balance,
			"cycle_start":   row.CycleStart,
			"next_grant_at": row.NextGrantAt,
			"phone_number":  row.PhoneNumber,
			"updated_at":    row.UpdatedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return credit.ErrUnknownAccount
	}
	return nil
}

func (store *CreditStore) DeleteAccount(ctx context.Context, userID credit.UserID) error {
	result := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Delete(&AccountRecord{})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, result.Error)
	}
	if result.RowsAffected == 0 {
		return credit.ErrUnknownAccount
	}
	return nil
}

func (store *CreditStore) ListAccountsDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]credit.Account, error) {
	var rows []AccountRecord
	err := store.db.WithContext(ctx).
		Where("next_grant_at <= ?", asOf).
		Order("next_grant_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accounts := make([]credit.Account, 0, len(rows))
	for _, row := range rows {
		account, mapErr := mapAccount(row)
		if mapErr != nil {
			return nil, mapErr
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *CreditStore) GetTransaction(ctx context.Context, transactionID credit.TransactionID) (credit.Transaction, error) {
	var row TransactionRecord
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.Transaction{}, credit.ErrUnknownTransaction
		}
		return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	return mapTransaction(row)
}

func (store *CreditStore) CreateTransaction(ctx context.Context, transaction credit.Transaction) error {
	row := TransactionRecord{
		TransactionID:  transaction.ID.String(),
		UserID:         transaction.UserID.String(),
		ReservedAmount: transaction.ReservedAmount.Int64(),
		ChargedAmount:  transaction.ChargedAmount.Int64(),
		Status:         string(transaction.Status),
		Reference:      transaction.Reference,
		CreatedAt:      transaction.CreatedAt,
		UpdatedAt:      transaction.UpdatedAt,
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTx, errorCodeDuplicate, credit.ErrInvalidTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCreate, err)
	}
	return nil
}

func (store *CreditStore) SumOpenReservations(ctx context.Context, userID credit.UserID) (credit.Amount, error) {
	var reservedSum int64
	err := store.db.WithContext(ctx).
		Model(&TransactionRecord{}).
		Where("user_id = ? AND status = ?", userID.String(), string(credit.TransactionStatusOpen)).
		Select("COALESCE(SUM(reserved_amount), 0)").
		Scan(&reservedSum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return credit.Amount(reservedSum), nil
}

func (store *CreditStore) UpdateTransactionStatus(ctx context.Context, transactionID credit.TransactionID, fromStatus credit.TransactionStatus, toStatus credit.TransactionStatus, chargedAmount credit.Amount) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&TransactionRecord{}).
		Where("transaction_id = ? AND status = ?", transactionID.String(), string(fromStatus)).
		Updates(map[string]interface{}{
			"status":         string(toStatus),
			"charged_amount": chargedAmount.Int64(),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *CreditStore) CreatePlanChange(ctx context.Context, planChange credit.PlanChange) error {
	row := PlanChangeRecord{
		ChangeID:     planChange.ID,
		UserID:       planChange.UserID.String(),
		FromPlan:     planChange.FromPlan.String(),
		ToPlan:       planChange.ToPlan.String(),
		UsedAtChange: planChange.UsedAtChange.Int64(),
		BalanceAfter: planChange.BalanceAfter.Int64(),
		ChangedAt:    planChange.ChangedAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectPlanChange, errorCodeCreate, err)
	}
	return nil
}

func (store *CreditStore) CreateAdjustment(ctx context.Context, adjustment credit.Adjustment) error {
	row := AdjustmentRecord{
		AdjustmentID: adjustment.ID,
		UserID:       adjustment.UserID.String(),
		Delta:        adjustment.Delta,
		BalanceAfter: adjustment.BalanceAfter.Int64(),
		Reason:       adjustment.Reason,
		AppliedAt:    adjustment.AppliedAt,
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectAdjustment, errorCodeCreate, err)
	}
	return nil
}

func (store *CreditStore) GetDeletionRecord(ctx context.Context, phoneNumber string) (credit.DeletionRecord, error) {
	var row DeletionRecordRow
	err := store.db.WithContext(ctx).
		Where("phone_number = ?", phoneNumber).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credit.DeletionRecord{}, credit.ErrUnknownAccount
		}
		return credit.DeletionRecord{}, wrapStoreError(errorSubjectDeletion, errorCodeGet, err)
	}
	plan, planErr := credit.ParsePlan(row.Plan)
	if planErr != nil {
		return credit.DeletionRecord{}, wrapStoreError(errorSubjectDeletion, errorCodeInvalid, planErr)
	}
	return credit.DeletionRecord{
		PhoneNumber: row.PhoneNumber,
		Plan:        plan,
		Balance:     credit.Amount(row.Balance),
		CycleStart:  row.CycleStart,
		NextGrantAt: row.NextGrantAt,
		DeletedAt:   row.DeletedAt,
	}, nil
}

func (store *CreditStore) PutDeletionRecord(ctx context.Context, record credit.DeletionRecord) error {
	row := DeletionRecordRow{
		PhoneNumber: record.PhoneNumber,
		Plan:        record.Plan.String(),
		Balance:     record.Balance.Int64(),
		CycleStart:  record.CycleStart,
		NextGrantAt: record.NextGrantAt,
		DeletedAt:   record.DeletedAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone_number"}},
			UpdateAll: true,
		}).
		Create(&row).Error
	if err != nil {
		return wrapStoreError(errorSubjectDeletion, errorCodeCreate, err)
	}
	return nil
}

func (store *CreditStore) RemoveDeletionRecord(ctx context.Context, phoneNumber string) error {
	err := store.db.WithContext(ctx).
		Where("phone_number = ?", phoneNumber).
		Delete(&DeletionRecordRow{}).Error
	if err != nil {
		return wrapStoreError(errorSubjectDeletion, errorCodeDelete, err)
	}
	return nil
}

func accountRow(account credit.Account) AccountRecord {
	return AccountRecord{
		UserID:      account.UserID.String(),
		Plan:        account.Plan.String(),
		Balance:     account.Balance.Int64(),
		SignedUpAt:  account.SignedUpAt,
		CycleStart:  account.CycleStart,
		NextGrantAt: account.NextGrantAt,
		PhoneNumber: account.PhoneNumber,
		CreatedAt:   account.CreatedAt,
		UpdatedAt:   account.UpdatedAt,
	}
}

func mapAccount(row AccountRecord) (credit.Account, error) {
	plan, err := credit.ParsePlan(row.Plan)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := credit.NewUserID(row.UserID)
	if err != nil {
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return credit.Account{
		UserID:      userID,
		Plan:        plan,
		Balance:     credit.Amount(row.Balance),
		SignedUpAt:  row.SignedUpAt,
		CycleStart:  row.CycleStart,
		NextGrantAt: row.NextGrantAt,
		PhoneNumber: row.PhoneNumber,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func mapTransaction(row TransactionRecord) (credit.Transaction, error) {
	transactionID, err := credit.NewTransactionID(row.TransactionID)
	if err != nil {
		return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	userID, err := credit.NewUserID(row.UserID)
	if err != nil {
		return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return credit.Transaction{
		ID:             transactionID,
		UserID:         userID,
		ReservedAmount: credit.Amount(row.ReservedAmount),
		ChargedAmount:  credit.Amount(row.ChargedAmount),
		Status:         credit.TransactionStatus(row.Status),
		Reference:      row.Reference,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
