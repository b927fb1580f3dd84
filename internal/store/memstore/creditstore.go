package memstore

import (
	"context"
	"time"

	"github.com/reelcher/metering/pkg/credit"
)

// CreditStore implements credit.Store over the shared in-memory state.
type CreditStore struct {
	store *Store
	inTx  bool
}

// WithTx runs fn with snapshot-rollback semantics. A nested call joins the
// open transaction.
func (creditStore *CreditStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credit.Store) error) error {
	if creditStore.inTx {
		return fn(ctx, creditStore)
	}
	return creditStore.store.transact(func() error {
		return fn(ctx, &CreditStore{store: creditStore.store, inTx: true})
	})
}

func (creditStore *CreditStore) GetAccount(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	var account credit.Account
	err := creditStore.store.withData(creditStore.inTx, func(state *data) error {
		found, exists := state.accounts[userID]
		if !exists {
			return credit.ErrUnknownAccount
		}
		account = found
		return nil
	})
	return account, err
}

// GetAccountForUpdate is GetAccount; the store lock already serializes.
func (creditStore *CreditStore) GetAccountForUpdate(ctx context.Context, userID credit.UserID) (credit.Account, error) {
	return creditStore.GetAccount(ctx, userID)
}

func (creditStore *CreditStore) CreateAccount(ctx context.Context, account credit.Account) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		if _, exists := state.accounts[account.UserID]; exists {
			return credit.ErrAccountExists
		}
		state.accounts[account.UserID] = account
		return nil
	})
}

func (creditStore *CreditStore) UpdateAccount(ctx context.Context, account credit.Account) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		if _, exists := state.accounts[account.UserID]; !exists {
			return credit.ErrUnknownAccount
		}
		state.accounts[account.UserID] = account
		return nil
	})
}

func (creditStore *CreditStore) DeleteAccount(ctx context.Context, userID credit.UserID) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		if _, exists := state.accounts[userID]; !exists {
			return credit.ErrUnknownAccount
		}
		delete(state.accounts, userID)
		return nil
	})
}

func (creditStore *CreditStore) ListAccountsDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]credit.Account, error) {
	var due []credit.Account
	err := creditStore.store.withData(creditStore.inTx, func(state *data) error {
		for _, account := range state.accounts {
			if !account.NextGrantAt.After(asOf) {
				due = append(due, account)
			}
			if limit > 0 && len(due) == limit {
				break
			}
		}
		return nil
	})
	return due, err
}

func (creditStore *CreditStore) GetTransaction(ctx context.Context, transactionID credit.TransactionID) (credit.Transaction, error) {
	var transaction credit.Transaction
	err := creditStore.store.withData(creditStore.inTx, func(state *data) error {
		found, exists := state.transactions[transactionID]
		if !exists {
			return credit.ErrUnknownTransaction
		}
		transaction = found
		return nil
	})
	return transaction, err
}

func (creditStore *CreditStore) CreateTransaction(ctx context.Context, transaction credit.Transaction) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		state.transactions[transaction.ID] = transaction
		return nil
	})
}

func (creditStore *CreditStore) SumOpenReservations(ctx context.Context, userID credit.UserID) (credit.Amount, error) {
	var reservedSum int64
	err := creditStore.store.withData(creditStore.inTx, func(state *data) error {
		for _, transaction := range state.transactions {
			if transaction.UserID == userID && transaction.Status == credit.TransactionStatusOpen {
				reservedSum += transaction.ReservedAmount.Int64()
			}
		}
		return nil
	})
	return credit.Amount(reservedSum), err
}

func (creditStore *CreditStore) UpdateTransactionStatus(ctx context.Context, transactionID credit.TransactionID, fromStatus credit.TransactionStatus, toStatus credit.TransactionStatus, chargedAmount credit.Amount) (bool, error) {
	updated := false
	err := creditStore.store.withData(creditStore.inTx, func(state *data) error {
		transaction, exists := state.transactions[transactionID]
		if !exists || transaction.Status != fromStatus {
			return nil
		}
		transaction.Status = toStatus
		transaction.ChargedAmount = chargedAmount
		state.transactions[transactionID] = transaction
		updated = true
		return nil
	})
	return updated, err
}

func (creditStore *CreditStore) CreatePlanChange(ctx context.Context, planChange credit.PlanChange) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		state.planChanges = append(state.planChanges, planChange)
		return nil
	})
}

func (creditStore *CreditStore) CreateAdjustment(ctx context.Context, adjustment credit.Adjustment) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		state.adjustments = append(state.adjustments, adjustment)
		return nil
	})
}

func (creditStore *CreditStore) GetDeletionRecord(ctx context.Context, phoneNumber string) (credit.DeletionRecord, error) {
	var record credit.DeletionRecord
	err := creditStore.store.withData(creditStore.inTx, func(state *data) error {
		found, exists := state.deletionRecords[phoneNumber]
		if !exists {
			return credit.ErrUnknownAccount
		}
		record = found
		return nil
	})
	return record, err
}

func (creditStore *CreditStore) PutDeletionRecord(ctx context.Context, record credit.DeletionRecord) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		state.deletionRecords[record.PhoneNumber] = record
		return nil
	})
}

func (creditStore *CreditStore) RemoveDeletionRecord(ctx context.Context, phoneNumber string) error {
	return creditStore.store.withData(creditStore.inTx, func(state *data) error {
		delete(state.deletionRecords, phoneNumber)
		return nil
	})
}
