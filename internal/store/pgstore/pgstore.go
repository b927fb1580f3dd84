// Package pgstore implements the credit store directly on a pgx
// connection pool. It is the lean alternative to gormstore for
// Postgres-only deployments where the credit ledger is the hot path.
package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcher/metering/pkg/credit"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectDeletion  = "deletion_record"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDelete       = "delete"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeUpdateStatus = "update_status"

	sqlSelectAccount = `
		select user_id, plan, balance,
			signed_up_at, cycle_start, next_grant_at,
			coalesce(phone_number, ''), created_at, updated_at
		from accounts
		where user_id = $1
	`

	sqlSelectAccountForUpdate = sqlSelectAccount + ` for update`

	sqlInsertAccount = `
		insert into accounts(
			user_id, plan, balance,
			signed_up_at, cycle_start, next_grant_at,
			phone_number, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, $6, nullif($7, ''), $8, $9)
	`

	sqlUpdateAccount = `
		update accounts
		set plan = $2, balance = $3,
			cycle_start = $4, next_grant_at = $5,
			phone_number = nullif($6, ''), updated_at = $7
		where user_id = $1
	`

	sqlDeleteAccount = `
		delete from accounts where user_id = $1
	`

	sqlListAccountsDue = `
		select user_id, plan, balance,
			signed_up_at, cycle_start, next_grant_at,
			coalesce(phone_number, ''), created_at, updated_at
		from accounts
		where next_grant_at <= $1
		order by next_grant_at asc
		limit $2
	`

	sqlSelectTransaction = `
		select transaction_id, user_id, reserved_amount, charged_amount,
			status, coalesce(reference, ''), created_at, updated_at
		from credit_transactions
		where transaction_id = $1
		for update
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, reserved_amount, charged_amount,
			status, reference, created_at, updated_at
		)
		values($1, $2, $3, $4, $5, nullif($6, ''), $7, $8)
	`

	sqlSumOpenReservations = `
		select coalesce(sum(reserved_amount), 0) from credit_transactions
		where user_id = $1 and status = $2
	`

	sqlUpdateTransactionStatus = `
		update credit_transactions
		set status = $3, charged_amount = $4, updated_at = now()
		where transaction_id = $1 and status = $2
	`

	sqlInsertPlanChange = `
		insert into plan_changes(
			change_id, user_id, from_plan, to_plan,
			used_at_change, balance_after, changed_at
		)
		values($1, $2, $3, $4, $5, $6, $7)
	`

	sqlInsertAdjustment = `
		insert into balance_adjustments(
			adjustment_id, user_id, delta, balance_after, reason, applied_at
		)
		values($1, $2, $3, $4, $5, $6)
	`

	sqlSelectDeletionRecord = `
		select phone_number, plan, balance, cycle_start, next_grant_at, deleted_at
		from deletion_records
		where phone_number = $1
	`

	sqlUpsertDeletionRecord = `
		insert into deletion_records(
			phone_number, plan, balance, cycle_start, next_grant_at, deleted_at
		)
		values($1, $2, $3, $4, $5, $6)
		on conflict (phone_number) do update set
			plan = excluded.plan,
			balance = excluded.balance,
			cycle_start = excluded.cycle_start,
			next_grant_at = excluded.next_grant_at,
			deleted_at = excluded.deleted_at
	`

	sqlDeleteDeletionRecord = `
		delete from deletion_records where phone_number = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credit.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
}

// TxStore implements credit.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return getAccount(ctx, store.pool, sqlSelectAccount, userID)
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return getAccount(ctx, store.pool, sqlSelectAccountForUpdate, userID)
}

func (store *Store) CreateAccount(ctx context.Context, account credit.Account) error {
	return createAccount(ctx, store.pool, account)
}

func (store *Store) UpdateAccount(ctx context.Context, account credit.Account) error {
	return updateAccount(ctx, store.pool, account)
}

func (store *Store) DeleteAccount(ctx context.Context, userID credit.UserID) error {
	return deleteAccount(ctx, store.pool, userID)
}

func (store *Store) ListAccountsDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]credit.Account, error) {
	return listAccountsDue(ctx, store.pool, asOf, limit)
}

func (store *Store) GetTransaction(ctx context.Context, transactionID credit.TransactionID) (credit.Transaction, error) {
	return getTransaction(ctx, store.pool, transactionID)
}

func (store *Store) CreateTransaction(ctx context.Context, transaction credit.Transaction) error {
	return createTransaction(ctx, store.pool, transaction)
}

func (store *Store) SumOpenReservations(ctx context.Context, userID credit.UserID) (credit.Amount, error) {
	return sumOpenReservations(ctx, store.pool, userID)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID credit.TransactionID, fromStatus credit.TransactionStatus, toStatus credit.TransactionStatus, chargedAmount credit.Amount) (bool, error) {
	return updateTransactionStatus(ctx, store.pool, transactionID, fromStatus, toStatus, chargedAmount)
}

func (store *Store) CreatePlanChange(ctx context.Context, planChange credit.PlanChange) error {
	return createPlanChange(ctx, store.pool, planChange)
}

func (store *Store) CreateAdjustment(ctx context.Context, adjustment credit.Adjustment) error {
	return createAdjustment(ctx, store.pool, adjustment)
}

func (store *Store) GetDeletionRecord(ctx context.Context, phoneNumber string) (credit.DeletionRecord, error) {
	return getDeletionRecord(ctx, store.pool, phoneNumber)
}

func (store *Store) PutDeletionRecord(ctx context.Context, record credit.DeletionRecord) error {
	return putDeletionRecord(ctx, store.pool, record)
}

func (store *Store) RemoveDeletionRecord(ctx context.Context, phoneNumber string) error {
	return removeDeletionRecord(ctx, store.pool, phoneNumber)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetAccount(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return getAccount(ctx, store.tx, sqlSelectAccount, userID)
}

func (store *TxStore) GetAccountForUpdate(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return getAccount(ctx, store.tx, sqlSelectAccountForUpdate, userID)
}

func (store *TxStore) CreateAccount(ctx context.Context, account credit.Account) error {
	return createAccount(ctx, store.tx, account)
}

func (store *TxStore) UpdateAccount(ctx context.Context, account credit.Account) error {
	return updateAccount(ctx, store.tx, account)
}

func (store *TxStore) DeleteAccount(ctx context.Context, userID credit.UserID) error {
	return deleteAccount(ctx, store.tx, userID)
}

func (store *TxStore) ListAccountsDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]credit.Account, error) {
	return listAccountsDue(ctx, store.tx, asOf, limit)
}

func (store *TxStore) GetTransaction(ctx context.Context, transactionID credit.TransactionID) (credit.Transaction, error) {
	return getTransaction(ctx, store.tx, transactionID)
}

func (store *TxStore) CreateTransaction(ctx context.Context, transaction credit.Transaction) error {
	return createTransaction(ctx, store.tx, transaction)
}

func (store *TxStore) SumOpenReservations(ctx context.Context, userID credit.UserID) (credit.Amount, error) {
	return sumOpenReservations(ctx, store.tx, userID)
}

func (store *TxStore) UpdateTransactionStatus(ctx context.Context, transactionID credit.TransactionID, fromStatus credit.TransactionStatus, toStatus credit.TransactionStatus, chargedAmount credit.Amount) (bool, error) {
	return updateTransactionStatus(ctx, store.tx, transactionID, fromStatus, toStatus, chargedAmount)
}

func (store *TxStore) CreatePlanChange(ctx context.Context, planChange credit.PlanChange) error {
	return createPlanChange(ctx, store.tx, planChange)
}

func (store *TxStore) CreateAdjustment(ctx context.Context, adjustment credit.Adjustment) error {
	return createAdjustment(ctx, store.tx, adjustment)
}

func (store *TxStore) GetDeletionRecord(ctx context.Context, phoneNumber string) (credit.DeletionRecord, error) {
	return getDeletionRecord(ctx, store.tx, phoneNumber)
}

func (store *TxStore) PutDeletionRecord(ctx context.Context, record credit.DeletionRecord) error {
	return putDeletionRecord(ctx, store.tx, record)
}

func (store *TxStore) RemoveDeletionRecord(ctx context.Context, phoneNumber string) error {
	return removeDeletionRecord(ctx, store.tx, phoneNumber)
}

func getAccount(ctx context.Context, db querier, query string, userID credit.UserID) (credit.Account, error) {
	row := db.QueryRow(ctx, query, userID.String())
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credit.ErrUnknownAccount)
		}
		return credit.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return account, nil
}

func createAccount(ctx context.Context, db querier, account credit.Account) error {
	_, err := db.Exec(ctx, sqlInsertAccount,
		account.UserID.String(),
		string(account.Plan),
		account.Balance.Int64(),
		account.SignedUpAt,
		account.CycleStart,
		account.NextGrantAt,
		account.PhoneNumber,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, credit.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func updateAccount(ctx context.Context, db querier, account credit.Account) error {
	tag, err := db.Exec(ctx, sqlUpdateAccount,
		account.UserID.String(),
		string(account.Plan),
		account.Balance.Int64(),
		account.CycleStart,
		account.NextGrantAt,
		account.PhoneNumber,
		account.UpdatedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credit.ErrUnknownAccount)
	}
	return nil
}

func deleteAccount(ctx context.Context, db querier, userID credit.UserID) error {
	tag, err := db.Exec(ctx, sqlDeleteAccount, userID.String())
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeDelete, credit.ErrUnknownAccount)
	}
	return nil
}

func listAccountsDue(ctx context.Context, db querier, asOf time.Time, limit int) ([]credit.Account, error) {
	rows, err := db.Query(ctx, sqlListAccountsDue, asOf, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	defer rows.Close()
	accounts := make([]credit.Account, 0, limit)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	return accounts, nil
}

func getTransaction(ctx context.Context, db querier, transactionID credit.TransactionID) (credit.Transaction, error) {
	var (
		idValue        string
		userIDValue    string
		reservedValue  int64
		chargedValue   int64
		statusValue    string
		referenceValue string
		createdAt      time.Time
		updatedAt      time.Time
	)
	err := db.QueryRow(ctx, sqlSelectTransaction, transactionID.String()).Scan(
		&idValue,
		&userIDValue,
		&reservedValue,
		&chargedValue,
		&statusValue,
		&referenceValue,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, credit.ErrUnknownTransaction)
		}
		return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeGet, err)
	}
	parsedID, err := credit.NewTransactionID(idValue)
	if err != nil {
		return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	parsedUserID, err := credit.NewUserID(userIDValue)
	if err != nil {
		return credit.Transaction{}, wrapStoreError(errorSubjectTx, errorCodeInvalid, err)
	}
	return credit.Transaction{
		ID:             parsedID,
		UserID:         parsedUserID,
		ReservedAmount: credit.Amount(reservedValue),
		ChargedAmount:  credit.Amount(chargedValue),
		Status:         credit.TransactionStatus(statusValue),
		Reference:      referenceValue,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}, nil
}

func createTransaction(ctx context.Context, db querier, transaction credit.Transaction) error {
	_, err := db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.UserID.String(),
		transaction.ReservedAmount.Int64(),
		transaction.ChargedAmount.Int64(),
		string(transaction.Status),
		transaction.Reference,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTx, errorCodeCreate, credit.ErrInvalidTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCreate, err)
	}
	return nil
}

func sumOpenReservations(ctx context.Context, db querier, userID credit.UserID) (credit.Amount, error) {
	var reservedSum int64
	err := db.QueryRow(ctx, sqlSumOpenReservations, userID.String(), string(credit.TransactionStatusOpen)).Scan(&reservedSum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTx, errorCodeList, err)
	}
	return credit.Amount(reservedSum), nil
}

func updateTransactionStatus(ctx context.Context, db querier, transactionID credit.TransactionID, fromStatus credit.TransactionStatus, toStatus credit.TransactionStatus, chargedAmount credit.Amount) (bool, error) {
	tag, err := db.Exec(ctx, sqlUpdateTransactionStatus,
		transactionID.String(),
		string(fromStatus),
		string(toStatus),
		chargedAmount.Int64(),
	)
	if err != nil {
		return false, wrapStoreError(errorSubjectTx, errorCodeUpdateStatus, err)
	}
	return tag.RowsAffected() > 0, nil
}

func createPlanChange(ctx context.Context, db querier, planChange credit.PlanChange) error {
	_, err := db.Exec(ctx, sqlInsertPlanChange,
		planChange.ID,
		planChange.UserID.String(),
		string(planChange.FromPlan),
		string(planChange.ToPlan),
		planChange.UsedAtChange.Int64(),
		planChange.BalanceAfter.Int64(),
		planChange.ChangedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func createAdjustment(ctx context.Context, db querier, adjustment credit.Adjustment) error {
	_, err := db.Exec(ctx, sqlInsertAdjustment,
		adjustment.ID,
		adjustment.UserID.String(),
		adjustment.Delta,
		adjustment.BalanceAfter.Int64(),
		adjustment.Reason,
		adjustment.AppliedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func getDeletionRecord(ctx context.Context, db querier, phoneNumber string) (credit.DeletionRecord, error) {
	var (
		phoneValue   string
		planValue    string
		balanceValue int64
		cycleStart   time.Time
		nextGrantAt  time.Time
		deletedAt    time.Time
	)
	err := db.QueryRow(ctx, sqlSelectDeletionRecord, phoneNumber).Scan(
		&phoneValue,
		&planValue,
		&balanceValue,
		&cycleStart,
		&nextGrantAt,
		&deletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credit.DeletionRecord{}, wrapStoreError(errorSubjectDeletion, errorCodeGet, credit.ErrUnknownAccount)
		}
		return credit.DeletionRecord{}, wrapStoreError(errorSubjectDeletion, errorCodeGet, err)
	}
	plan, err := credit.ParsePlan(planValue)
	if err != nil {
		return credit.DeletionRecord{}, wrapStoreError(errorSubjectDeletion, errorCodeInvalid, err)
	}
	return credit.DeletionRecord{
		PhoneNumber: phoneValue,
		Plan:        plan,
		Balance:     credit.Amount(balanceValue),
		CycleStart:  cycleStart,
		NextGrantAt: nextGrantAt,
		DeletedAt:   deletedAt,
	}, nil
}

func putDeletionRecord(ctx context.Context, db querier, record credit.DeletionRecord) error {
	_, err := db.Exec(ctx, sqlUpsertDeletionRecord,
		record.PhoneNumber,
		string(record.Plan),
		record.Balance.Int64(),
		record.CycleStart,
		record.NextGrantAt,
		record.DeletedAt,
	)
	if err != nil {
		return wrapStoreError(errorSubjectDeletion, errorCodeCreate, err)
	}
	return nil
}

func removeDeletionRecord(ctx context.Context, db querier, phoneNumber string) error {
	_, err := db.Exec(ctx, sqlDeleteDeletionRecord, phoneNumber)
	if err != nil {
		return wrapStoreError(errorSubjectDeletion, errorCodeDelete, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (credit.Account, error) {
	var (
		userIDValue  string
		planValue    string
		balanceValue int64
		signedUpAt   time.Time
		cycleStart   time.Time
		nextGrantAt  time.Time
		phoneNumber  string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(
		&userIDValue,
		&planValue,
		&balanceValue,
		&signedUpAt,
		&cycleStart,
		&nextGrantAt,
		&phoneNumber,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return credit.Account{}, err
	}
	userID, err := credit.NewUserID(userIDValue)
	if err != nil {
		return credit.Account{}, err
	}
	plan, err := credit.ParsePlan(planValue)
	if err != nil {
		return credit.Account{}, err
	}
	return credit.Account{
		UserID:      userID,
		Plan:        plan,
		Balance:     credit.Amount(balanceValue),
		SignedUpAt:  signedUpAt,
		CycleStart:  cycleStart,
		NextGrantAt: nextGrantAt,
		PhoneNumber: phoneNumber,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credit.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
