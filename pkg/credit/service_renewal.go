package credit

import (
	"context"
	"time"
)

// Renew applies any overdue grant cycles to the user's account and returns
// the resulting view. Calling it when no cycle is due is a no-op.
func (service *Service) Renew(ctx context.Context, userID UserID) (Account, error) {
	if userID == "" {
		return Account{}, ErrInvalidUserID
	}
	var renewed Account
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		updated, renewErr := service.applyRenewal(ctx, txStore, account)
		if renewErr != nil {
			return renewErr
		}
		renewed = updated
		return nil
	})
	service.log(ctx, OperationLog{
		Operation: operationRenew,
		UserID:    userID,
		Balance:   renewed.Balance,
		Plan:      renewed.Plan,
		Status:    statusFromError(err),
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return renewed, nil
}

// RenewDue renews up to limit accounts whose next grant is at or before asOf.
// It returns the number of accounts renewed and is safe to call repeatedly
// from a scheduler.
func (service *Service) RenewDue(ctx context.Context, asOf time.Time, limit int) (int, error) {
	due, listErr := service.store.ListAccountsDueForRenewal(ctx, asOf, limit)
	if listErr != nil {
		return 0, WrapError(operationRenew, "accounts", codeStoreFailure, listErr)
	}
	renewedCount := 0
	for _, account := range due {
		if _, renewErr := service.Renew(ctx, account.UserID); renewErr != nil {
			return renewedCount, renewErr
		}
		renewedCount++
	}
	return renewedCount, nil
}

// applyRenewal advances the account's grant cycle while the next grant time
// is in the past. Each completed cycle resets the balance to the plan grant
// unless carry-over is enabled, in which case the grant stacks on top of the
// unspent remainder. Cycles stay anchored to the original grant time so a
// late renewal does not drift the schedule.
func (service *Service) applyRenewal(ctx context.Context, txStore Store, account Account) (Account, error) {
	currentTime := service.now()
	cyclesApplied := 0
	for !account.NextGrantAt.After(currentTime) {
		account.CycleStart = account.NextGrantAt
		account.NextGrantAt = account.NextGrantAt.Add(GrantCycle)
		cyclesApplied++
	}
	if cyclesApplied == 0 {
		return account, nil
	}
	grant := account.Plan.MonthlyGrant()
	if service.carryOver {
		account.Balance += Amount(int64(grant) * int64(cyclesApplied))
	} else {
		account.Balance = grant
	}
	account.UpdatedAt = currentTime
	if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
		return Account{}, WrapError(operationRenew, "account", codeStoreFailure, updateErr)
	}
	return account, nil
}
