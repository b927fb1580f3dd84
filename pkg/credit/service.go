package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service implements the credit ledger on top of a Store. Reservations hold
// credits until the work settles; a commit charges the delivered portion and
// refunds the rest, a rollback refunds everything.
type Service struct {
	store      Store
	logger     OperationLogger
	carryOver  bool
	generateID func() string
	now        func() time.Time
}

// NewService constructs a Service bound to the given store.
func NewService(store Store, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, WrapError("new_service", "store", codeInvalidArgument, ErrInvalidServiceConfig)
	}
	service := &Service{
		store:      store,
		generateID: func() string { return uuid.NewString() },
		now:        time.Now,
	}
	for _, option := range options {
		option(service)
	}
	return service, nil
}

// Reserve places a hold of amount credits on the user's balance and records
// an open transaction. Any overdue grant cycles are applied before the hold
// so a user is never blocked by a renewal the scheduler has not reached yet.
func (service *Service) Reserve(ctx context.Context, userID UserID, amount Amount, reference string) (Transaction, error) {
	if userID == "" {
		return Transaction{}, ErrInvalidUserID
	}
	if amount < 0 {
		return Transaction{}, ErrInvalidAmount
	}
	var reserved Transaction
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		account, renewErr := service.applyRenewal(ctx, txStore, account)
		if renewErr != nil {
			return renewErr
		}
		if account.Balance < amount {
			return ErrInsufficientFunds
		}
		account.Balance -= amount
		account.UpdatedAt = service.now()
		if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
			return WrapError(operationReserve, "account", codeStoreFailure, updateErr)
		}
		reserved = Transaction{
			ID:             TransactionID(service.generateID()),
			UserID:         userID,
			ReservedAmount: amount,
			Status:         TransactionStatusOpen,
			Reference:      reference,
			CreatedAt:      service.now(),
			UpdatedAt:      service.now(),
		}
		if createErr := txStore.CreateTransaction(ctx, reserved); createErr != nil {
			return WrapError(operationReserve, "transaction", codeStoreFailure, createErr)
		}
		return nil
	})
	service.log(ctx, OperationLog{
		Operation:     operationReserve,
		UserID:        userID,
		TransactionID: reserved.ID,
		Amount:        amount,
		Status:        statusFromError(err),
		Error:         err,
	})
	if err != nil {
		return Transaction{}, err
	}
	return reserved, nil
}

// Commit settles an open reservation: charged credits stay spent and the
// difference between the reserved and charged amounts returns to the balance.
// Committing a closed transaction fails with ErrInvalidTransaction.
func (service *Service) Commit(ctx context.Context, transactionID TransactionID, charged Amount) (Transaction, error) {
	if transactionID == "" {
		return Transaction{}, ErrInvalidTransactionID
	}
	if charged < 0 {
		return Transaction{}, ErrInvalidAmount
	}
	var settled Transaction
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, getErr := txStore.GetTransaction(ctx, transactionID)
		if getErr != nil {
			return getErr
		}
		if charged > transaction.ReservedAmount {
			return ErrInvalidAmount
		}
		account, accountErr := txStore.GetAccountForUpdate(ctx, transaction.UserID)
		if accountErr != nil {
			return accountErr
		}
		updated, casErr := txStore.UpdateTransactionStatus(ctx, transactionID, TransactionStatusOpen, TransactionStatusCommitted, charged)
		if casErr != nil {
			return WrapError(operationCommit, "transaction", codeStoreFailure, casErr)
		}
		if !updated {
			return ErrInvalidTransaction
		}
		refund := transaction.ReservedAmount - charged
		if refund > 0 {
			account.Balance += refund
			account.UpdatedAt = service.now()
			if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
				return WrapError(operationCommit, "account", codeStoreFailure, updateErr)
			}
		}
		settled = transaction
		settled.ChargedAmount = charged
		settled.Status = TransactionStatusCommitted
		settled.UpdatedAt = service.now()
		return nil
	})
	service.log(ctx, OperationLog{
		Operation:     operationCommit,
		UserID:        settled.UserID,
		TransactionID: transactionID,
		Amount:        charged,
		Status:        statusFromError(err),
		Error:         err,
	})
	if err != nil {
		return Transaction{}, err
	}
	return settled, nil
}

// Rollback cancels an open reservation and returns the full hold to the
// balance. Rolling back a closed transaction fails with ErrInvalidTransaction.
func (service *Service) Rollback(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	if transactionID == "" {
		return Transaction{}, ErrInvalidTransactionID
	}
	var released Transaction
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		transaction, getErr := txStore.GetTransaction(ctx, transactionID)
		if getErr != nil {
			return getErr
		}
		account, accountErr := txStore.GetAccountForUpdate(ctx, transaction.UserID)
		if accountErr != nil {
			return accountErr
		}
		updated, casErr := txStore.UpdateTransactionStatus(ctx, transactionID, TransactionStatusOpen, TransactionStatusRolledBack, 0)
		if casErr != nil {
			return WrapError(operationRollback, "transaction", codeStoreFailure, casErr)
		}
		if !updated {
			return ErrInvalidTransaction
		}
		account.Balance += transaction.ReservedAmount
		account.UpdatedAt = service.now()
		if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
			return WrapError(operationRollback, "account", codeStoreFailure, updateErr)
		}
		released = transaction
		released.ChargedAmount = 0
		released.Status = TransactionStatusRolledBack
		released.UpdatedAt = service.now()
		return nil
	})
	service.log(ctx, OperationLog{
		Operation:     operationRollback,
		UserID:        released.UserID,
		TransactionID: transactionID,
		Amount:        released.ReservedAmount,
		Status:        statusFromError(err),
		Error:         err,
	})
	if err != nil {
		return Transaction{}, err
	}
	return released, nil
}

func (service *Service) log(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	service.logger.LogOperation(ctx, entry)
}

func statusFromError(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
