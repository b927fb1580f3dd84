package credit

import (
	"context"
	"errors"
)

// Onboard creates an account on the given plan. If a deletion record exists
// for the phone number, the previous balance and cycle are restored instead
// of granting fresh signup credits, so deleting and re-creating an account
// cannot farm grants.
func (service *Service) Onboard(ctx context.Context, userID UserID, plan Plan, phoneNumber string) (Account, error) {
	if userID == "" {
		return Account{}, ErrInvalidUserID
	}
	if _, valid := planGrants[plan]; !valid {
		return Account{}, ErrInvalidPlan
	}
	var created Account
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if _, getErr := txStore.GetAccount(ctx, userID); getErr == nil {
			return ErrAccountExists
		} else if !errors.Is(getErr, ErrUnknownAccount) {
			return getErr
		}
		currentTime := service.now()
		created = Account{
			UserID:      userID,
			Plan:        plan,
			Balance:     plan.MonthlyGrant(),
			SignedUpAt:  currentTime,
			CycleStart:  currentTime,
			NextGrantAt: currentTime.Add(GrantCycle),
			PhoneNumber: phoneNumber,
			CreatedAt:   currentTime,
			UpdatedAt:   currentTime,
		}
		if phoneNumber != "" {
			record, recordErr := txStore.GetDeletionRecord(ctx, phoneNumber)
			switch {
			case recordErr == nil:
				created.Plan = record.Plan
				created.Balance = record.Balance
				created.CycleStart = record.CycleStart
				created.NextGrantAt = record.NextGrantAt
				if removeErr := txStore.RemoveDeletionRecord(ctx, phoneNumber); removeErr != nil {
					return WrapError(operationOnboard, "deletion_record", codeStoreFailure, removeErr)
				}
			case errors.Is(recordErr, ErrUnknownAccount):
			default:
				return recordErr
			}
		}
		if createErr := txStore.CreateAccount(ctx, created); createErr != nil {
			return createErr
		}
		return nil
	})
	service.log(ctx, OperationLog{
		Operation: operationOnboard,
		UserID:    userID,
		Balance:   created.Balance,
		Plan:      created.Plan,
		Status:    statusFromError(err),
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return created, nil
}

// ChangePlan migrates the account to a new plan. Usage already spent in the
// current cycle carries over proportionally: the new balance is the new
// grant minus the credits used under the old plan, floored at zero. Moving
// to a paid plan re-anchors the grant cycle to the payment time.
func (service *Service) ChangePlan(ctx context.Context, userID UserID, newPlan Plan) (Account, error) {
	if userID == "" {
		return Account{}, ErrInvalidUserID
	}
	if _, valid := planGrants[newPlan]; !valid {
		return Account{}, ErrInvalidPlan
	}
	var migrated Account
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		if account.Plan == newPlan {
			return ErrInvalidPlanChange
		}
		account, renewErr := service.applyRenewal(ctx, txStore, account)
		if renewErr != nil {
			return renewErr
		}
		previousPlan := account.Plan
		usedThisCycle := previousPlan.MonthlyGrant() - account.Balance
		if usedThisCycle < 0 {
			usedThisCycle = 0
		}
		newBalance := newPlan.MonthlyGrant() - usedThisCycle
		if newBalance < 0 {
			newBalance = 0
		}
		currentTime := service.now()
		account.Plan = newPlan
		account.Balance = newBalance
		if newPlan.Paid() {
			account.CycleStart = currentTime
			account.NextGrantAt = currentTime.Add(GrantCycle)
		}
		account.UpdatedAt = currentTime
		if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
			return WrapError(operationChangePlan, "account", codeStoreFailure, updateErr)
		}
		change := PlanChange{
			ID:           service.generateID(),
			UserID:       userID,
			FromPlan:     previousPlan,
			ToPlan:       newPlan,
			UsedAtChange: usedThisCycle,
			BalanceAfter: newBalance,
			ChangedAt:    currentTime,
		}
		if recordErr := txStore.CreatePlanChange(ctx, change); recordErr != nil {
			return WrapError(operationChangePlan, "plan_change", codeStoreFailure, recordErr)
		}
		migrated = account
		return nil
	})
	service.log(ctx, OperationLog{
		Operation: operationChangePlan,
		UserID:    userID,
		Balance:   migrated.Balance,
		Plan:      migrated.Plan,
		Status:    statusFromError(err),
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return migrated, nil
}

// Close removes the account and stores a deletion record keyed by phone
// number so the balance survives a later re-onboarding.
func (service *Service) Close(ctx context.Context, userID UserID) error {
	if userID == "" {
		return ErrInvalidUserID
	}
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		if account.PhoneNumber != "" {
			record := DeletionRecord{
				PhoneNumber: account.PhoneNumber,
				Plan:        account.Plan,
				Balance:     account.Balance,
				CycleStart:  account.CycleStart,
				NextGrantAt: account.NextGrantAt,
				DeletedAt:   service.now(),
			}
			if putErr := txStore.PutDeletionRecord(ctx, record); putErr != nil {
				return WrapError(operationClose, "deletion_record", codeStoreFailure, putErr)
			}
		}
		if deleteErr := txStore.DeleteAccount(ctx, userID); deleteErr != nil {
			return WrapError(operationClose, "account", codeStoreFailure, deleteErr)
		}
		return nil
	})
	service.log(ctx, OperationLog{
		Operation: operationClose,
		UserID:    userID,
		Status:    statusFromError(err),
		Error:     err,
	})
	return err
}

// AdminAdjust applies a signed balance correction and records it in the
// adjustment log. An adjustment that would drive the balance negative is
// rejected.
func (service *Service) AdminAdjust(ctx context.Context, userID UserID, delta int64, reason string) (Account, error) {
	if userID == "" {
		return Account{}, ErrInvalidUserID
	}
	var adjusted Account
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		newBalance := account.Balance.Int64() + delta
		if newBalance < 0 {
			return ErrNegativeBalance
		}
		account.Balance = Amount(newBalance)
		account.UpdatedAt = service.now()
		if updateErr := txStore.UpdateAccount(ctx, account); updateErr != nil {
			return WrapError(operationAdjust, "account", codeStoreFailure, updateErr)
		}
		record := Adjustment{
			ID:           service.generateID(),
			UserID:       userID,
			Delta:        delta,
			BalanceAfter: account.Balance,
			Reason:       reason,
			AppliedAt:    service.now(),
		}
		if recordErr := txStore.CreateAdjustment(ctx, record); recordErr != nil {
			return WrapError(operationAdjust, "adjustment", codeStoreFailure, recordErr)
		}
		adjusted = account
		return nil
	})
	service.log(ctx, OperationLog{
		Operation: operationAdjust,
		UserID:    userID,
		Amount:    Amount(delta),
		Balance:   adjusted.Balance,
		Status:    statusFromError(err),
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return adjusted, nil
}

// Account returns the current view of the user's account with any overdue
// grant cycles applied.
func (service *Service) Account(ctx context.Context, userID UserID) (Account, error) {
	if userID == "" {
		return Account{}, ErrInvalidUserID
	}
	var viewed Account
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		account, renewErr := service.applyRenewal(ctx, txStore, account)
		if renewErr != nil {
			return renewErr
		}
		viewed = account
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	return viewed, nil
}

// Wallet returns the account view together with the credits held by open
// reservations, read in one transaction so the two figures are consistent.
func (service *Service) Wallet(ctx context.Context, userID UserID) (Wallet, error) {
	if userID == "" {
		return Wallet{}, ErrInvalidUserID
	}
	var wallet Wallet
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		account, getErr := txStore.GetAccountForUpdate(ctx, userID)
		if getErr != nil {
			return getErr
		}
		account, renewErr := service.applyRenewal(ctx, txStore, account)
		if renewErr != nil {
			return renewErr
		}
		reserved, sumErr := txStore.SumOpenReservations(ctx, userID)
		if sumErr != nil {
			return sumErr
		}
		wallet = Wallet{Account: account, Reserved: reserved}
		return nil
	})
	if err != nil {
		return Wallet{}, err
	}
	return wallet, nil
}
