package credit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	mutex           sync.Mutex
	accounts        map[UserID]Account
	transactions    map[TransactionID]Transaction
	planChanges     []PlanChange
	adjustments     []Adjustment
	deletionRecords map[string]DeletionRecord
}

func newStubStore() *stubStore {
	return &stubStore{
		accounts:        map[UserID]Account{},
		transactions:    map[TransactionID]Transaction{},
		deletionRecords: map[string]DeletionRecord{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	accountsBefore := cloneMap(store.accounts)
	transactionsBefore := cloneMap(store.transactions)
	recordsBefore := cloneMap(store.deletionRecords)
	planChangesBefore := len(store.planChanges)
	adjustmentsBefore := len(store.adjustments)
	if err := fn(ctx, store); err != nil {
		store.accounts = accountsBefore
		store.transactions = transactionsBefore
		store.deletionRecords = recordsBefore
		store.planChanges = store.planChanges[:planChangesBefore]
		store.adjustments = store.adjustments[:adjustmentsBefore]
		return err
	}
	return nil
}

func cloneMap[K comparable, V any](source map[K]V) map[K]V {
	cloned := make(map[K]V, len(source))
	for key, value := range source {
		cloned[key] = value
	}
	return cloned
}

func (store *stubStore) GetAccount(ctx context.Context, userID UserID) (Account, error) {
	account, found := store.accounts[userID]
	if !found {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID UserID) (Account, error) {
	return store.GetAccount(ctx, userID)
}

func (store *stubStore) CreateAccount(ctx context.Context, account Account) error {
	if _, exists := store.accounts[account.UserID]; exists {
		return ErrAccountExists
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) UpdateAccount(ctx context.Context, account Account) error {
	if _, exists := store.accounts[account.UserID]; !exists {
		return ErrUnknownAccount
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) DeleteAccount(ctx context.Context, userID UserID) error {
	if _, exists := store.accounts[userID]; !exists {
		return ErrUnknownAccount
	}
	delete(store.accounts, userID)
	return nil
}

func (store *stubStore) ListAccountsDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]Account, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var due []Account
	for _, account := range store.accounts {
		if !account.NextGrantAt.After(asOf) {
			due = append(due, account)
		}
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

func (store *stubStore) GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error) {
	transaction, found := store.transactions[transactionID]
	if !found {
		return Transaction{}, ErrUnknownTransaction
	}
	return transaction, nil
}

func (store *stubStore) CreateTransaction(ctx context.Context, transaction Transaction) error {
	store.transactions[transaction.ID] = transaction
	return nil
}

func (store *stubStore) SumOpenReservations(ctx context.Context, userID UserID) (Amount, error) {
	var reservedSum int64
	for _, transaction := range store.transactions {
		if transaction.UserID == userID && transaction.Status == TransactionStatusOpen {
			reservedSum += transaction.ReservedAmount.Int64()
		}
	}
	return Amount(reservedSum), nil
}

func (store *stubStore) UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, fromStatus TransactionStatus, toStatus TransactionStatus, chargedAmount Amount) (bool, error) {
	transaction, found := store.transactions[transactionID]
	if !found || transaction.Status != fromStatus {
		return false, nil
	}
	transaction.Status = toStatus
	transaction.ChargedAmount = chargedAmount
	store.transactions[transactionID] = transaction
	return true, nil
}

func (store *stubStore) CreatePlanChange(ctx context.Context, planChange PlanChange) error {
	store.planChanges = append(store.planChanges, planChange)
	return nil
}

func (store *stubStore) CreateAdjustment(ctx context.Context, adjustment Adjustment) error {
	store.adjustments = append(store.adjustments, adjustment)
	return nil
}

func (store *stubStore) GetDeletionRecord(ctx context.Context, phoneNumber string) (DeletionRecord, error) {
	record, found := store.deletionRecords[phoneNumber]
	if !found {
		return DeletionRecord{}, ErrUnknownAccount
	}
	return record, nil
}

func (store *stubStore) PutDeletionRecord(ctx context.Context, record DeletionRecord) error {
	store.deletionRecords[record.PhoneNumber] = record
	return nil
}

func (store *stubStore) RemoveDeletionRecord(ctx context.Context, phoneNumber string) error {
	delete(store.deletionRecords, phoneNumber)
	return nil
}

func mustService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, options...)
	if err != nil {
		test.Fatalf("NewService: %v", err)
	}
	return service
}

func seedAccount(store *stubStore, userID UserID, plan Plan, balance Amount, now time.Time) {
	store.accounts[userID] = Account{
		UserID:      userID,
		Plan:        plan,
		Balance:     balance,
		SignedUpAt:  now,
		CycleStart:  now,
		NextGrantAt: now.Add(GrantCycle),
		PhoneNumber: "+15550000001",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestReserveHoldsCredits(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 100, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	transaction, err := service.Reserve(context.Background(), "user-1", 40, "job-1")
	if err != nil {
		test.Fatalf("Reserve: %v", err)
	}
	if transaction.Status != TransactionStatusOpen {
		test.Fatalf("status = %q, want open", transaction.Status)
	}
	if got := store.accounts["user-1"].Balance; got != 60 {
		test.Fatalf("balance = %d, want 60", got)
	}

	if _, err := service.Reserve(context.Background(), "user-1", 70, "job-2"); !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("second reserve err = %v, want ErrInsufficientFunds", err)
	}
	if got := store.accounts["user-1"].Balance; got != 60 {
		test.Fatalf("balance after rejected reserve = %d, want 60", got)
	}
}

func TestWalletReportsOpenReservations(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanStarter, 2000, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	transaction, err := service.Reserve(context.Background(), "user-1", 300, "job-1")
	if err != nil {
		test.Fatalf("Reserve: %v", err)
	}
	wallet, err := service.Wallet(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("Wallet: %v", err)
	}
	if wallet.Account.Balance != 1700 || wallet.Reserved != 300 {
		test.Fatalf("wallet = balance %d reserved %d, want 1700 held 300", wallet.Account.Balance, wallet.Reserved)
	}

	if _, err := service.Commit(context.Background(), transaction.ID, 100); err != nil {
		test.Fatalf("Commit: %v", err)
	}
	wallet, err = service.Wallet(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("Wallet after settle: %v", err)
	}
	if wallet.Account.Balance != 1900 || wallet.Reserved != 0 {
		test.Fatalf("wallet = balance %d reserved %d, want 1900 with nothing held", wallet.Account.Balance, wallet.Reserved)
	}
}

func TestCommitRefundsUnusedPortion(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 100, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	transaction, err := service.Reserve(context.Background(), "user-1", 40, "job-1")
	if err != nil {
		test.Fatalf("Reserve: %v", err)
	}
	settled, err := service.Commit(context.Background(), transaction.ID, 10)
	if err != nil {
		test.Fatalf("Commit: %v", err)
	}
	if settled.ChargedAmount != 10 {
		test.Fatalf("charged = %d, want 10", settled.ChargedAmount)
	}
	if got := store.accounts["user-1"].Balance; got != 90 {
		test.Fatalf("balance = %d, want 90", got)
	}

	if _, err := service.Commit(context.Background(), transaction.ID, 10); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("double commit err = %v, want ErrInvalidTransaction", err)
	}
	if got := store.accounts["user-1"].Balance; got != 90 {
		test.Fatalf("balance after double commit = %d, want 90", got)
	}
}

func TestCommitRejectsOvercharge(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 100, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	transaction, err := service.Reserve(context.Background(), "user-1", 40, "job-1")
	if err != nil {
		test.Fatalf("Reserve: %v", err)
	}
	if _, err := service.Commit(context.Background(), transaction.ID, 41); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("overcharge err = %v, want ErrInvalidAmount", err)
	}
	if got := store.transactions[transaction.ID].Status; got != TransactionStatusOpen {
		test.Fatalf("transaction status = %q, want open after rejected commit", got)
	}
}

func TestRollbackReturnsFullHold(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 100, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	transaction, err := service.Reserve(context.Background(), "user-1", 40, "job-1")
	if err != nil {
		test.Fatalf("Reserve: %v", err)
	}
	if _, err := service.Rollback(context.Background(), transaction.ID); err != nil {
		test.Fatalf("Rollback: %v", err)
	}
	if got := store.accounts["user-1"].Balance; got != 100 {
		test.Fatalf("balance = %d, want 100", got)
	}
	if _, err := service.Rollback(context.Background(), transaction.ID); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("double rollback err = %v, want ErrInvalidTransaction", err)
	}
	if _, err := service.Commit(context.Background(), transaction.ID, 0); !errors.Is(err, ErrInvalidTransaction) {
		test.Fatalf("commit after rollback err = %v, want ErrInvalidTransaction", err)
	}
}

func TestConcurrentReservesNeverOverdraw(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 100, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	const workers = 16
	var waitGroup sync.WaitGroup
	successes := make(chan Transaction, workers)
	for workerIndex := 0; workerIndex < workers; workerIndex++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			transaction, err := service.Reserve(context.Background(), "user-1", 30, "job")
			if err == nil {
				successes <- transaction
			}
		}()
	}
	waitGroup.Wait()
	close(successes)

	granted := 0
	for range successes {
		granted++
	}
	if granted != 3 {
		test.Fatalf("granted reserves = %d, want 3 from balance 100 at 30 each", granted)
	}
	if got := store.accounts["user-1"].Balance; got != 10 {
		test.Fatalf("balance = %d, want 10", got)
	}
}

func TestRenewalResetsBalanceOnceAndAnchorsCycles(test *testing.T) {
	test.Parallel()
	signup := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanStarter, 300, signup)

	// 65 days past signup covers two full cycles.
	current := signup.Add(65 * 24 * time.Hour)
	service := mustService(test, store, WithClock(fixedClock(current)))

	renewed, err := service.Renew(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("Renew: %v", err)
	}
	if renewed.Balance != PlanStarter.MonthlyGrant() {
		test.Fatalf("balance = %d, want %d", renewed.Balance, PlanStarter.MonthlyGrant())
	}
	wantNext := signup.Add(3 * GrantCycle)
	if !renewed.NextGrantAt.Equal(wantNext) {
		test.Fatalf("next grant = %v, want %v anchored to signup", renewed.NextGrantAt, wantNext)
	}

	again, err := service.Renew(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("second Renew: %v", err)
	}
	if !again.NextGrantAt.Equal(wantNext) || again.Balance != renewed.Balance {
		test.Fatalf("renew is not idempotent: %+v vs %+v", again, renewed)
	}
}

func TestRenewalCarryOverStacksGrants(test *testing.T) {
	test.Parallel()
	signup := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 40, signup)
	current := signup.Add(31 * 24 * time.Hour)
	service := mustService(test, store, WithClock(fixedClock(current)), WithCarryOver())

	renewed, err := service.Renew(context.Background(), "user-1")
	if err != nil {
		test.Fatalf("Renew: %v", err)
	}
	if renewed.Balance != 290 {
		test.Fatalf("balance = %d, want 40 + 250 carry-over", renewed.Balance)
	}
}

func TestReserveAppliesOverdueRenewal(test *testing.T) {
	test.Parallel()
	signup := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 0, signup)
	current := signup.Add(31 * 24 * time.Hour)
	service := mustService(test, store, WithClock(fixedClock(current)))

	if _, err := service.Reserve(context.Background(), "user-1", 100, "job-1"); err != nil {
		test.Fatalf("Reserve after due renewal: %v", err)
	}
	if got := store.accounts["user-1"].Balance; got != 150 {
		test.Fatalf("balance = %d, want 250 grant minus 100 hold", got)
	}
}

func TestChangePlanMigratesUsageProportionally(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanStarter, 1500, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	migrated, err := service.ChangePlan(context.Background(), "user-1", PlanPro)
	if err != nil {
		test.Fatalf("ChangePlan: %v", err)
	}
	// Used 500 of the starter grant, so the pro grant arrives minus 500.
	if migrated.Balance != 6500 {
		test.Fatalf("balance = %d, want 6500", migrated.Balance)
	}
	if len(store.planChanges) != 1 || store.planChanges[0].UsedAtChange != 500 {
		test.Fatalf("plan change record = %+v, want one with UsedAtChange 500", store.planChanges)
	}
	if !migrated.NextGrantAt.Equal(now.Add(GrantCycle)) {
		test.Fatalf("paid plan cycle not re-anchored: %v", migrated.NextGrantAt)
	}

	if _, err := service.ChangePlan(context.Background(), "user-1", PlanPro); !errors.Is(err, ErrInvalidPlanChange) {
		test.Fatalf("same-plan change err = %v, want ErrInvalidPlanChange", err)
	}
}

func TestChangePlanFloorsDowngradeAtZero(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanPro, 1000, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	migrated, err := service.ChangePlan(context.Background(), "user-1", PlanFree)
	if err != nil {
		test.Fatalf("ChangePlan: %v", err)
	}
	if migrated.Balance != 0 {
		test.Fatalf("balance = %d, want 0 after heavy-usage downgrade", migrated.Balance)
	}
}

func TestOnboardRestoresDeletedBalance(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanStarter, 1234, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	if err := service.Close(context.Background(), "user-1"); err != nil {
		test.Fatalf("Close: %v", err)
	}
	if _, err := store.GetAccount(context.Background(), "user-1"); !errors.Is(err, ErrUnknownAccount) {
		test.Fatalf("account survived close: %v", err)
	}

	restored, err := service.Onboard(context.Background(), "user-2", PlanFree, "+15550000001")
	if err != nil {
		test.Fatalf("Onboard: %v", err)
	}
	if restored.Balance != 1234 || restored.Plan != PlanStarter {
		test.Fatalf("restored account = %+v, want starter balance 1234", restored)
	}
	if len(store.deletionRecords) != 0 {
		test.Fatalf("deletion record not consumed")
	}
}

func TestOnboardFreshAccountGetsSignupGrant(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	service := mustService(test, store, WithClock(fixedClock(now)))

	created, err := service.Onboard(context.Background(), "user-1", PlanFree, "+15550009999")
	if err != nil {
		test.Fatalf("Onboard: %v", err)
	}
	if created.Balance != PlanFree.MonthlyGrant() {
		test.Fatalf("balance = %d, want signup grant", created.Balance)
	}
	if _, err := service.Onboard(context.Background(), "user-1", PlanFree, "+15550009999"); !errors.Is(err, ErrAccountExists) {
		test.Fatalf("duplicate onboard err = %v, want ErrAccountExists", err)
	}
}

func TestAdminAdjustRejectsNegativeResult(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanFree, 50, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	if _, err := service.AdminAdjust(context.Background(), "user-1", -60, "refund abuse"); !errors.Is(err, ErrNegativeBalance) {
		test.Fatalf("err = %v, want ErrNegativeBalance", err)
	}
	adjusted, err := service.AdminAdjust(context.Background(), "user-1", 25, "goodwill")
	if err != nil {
		test.Fatalf("AdminAdjust: %v", err)
	}
	if adjusted.Balance != 75 {
		test.Fatalf("balance = %d, want 75", adjusted.Balance)
	}
	if len(store.adjustments) != 1 || store.adjustments[0].Delta != 25 {
		test.Fatalf("adjustment log = %+v", store.adjustments)
	}
}

func TestCreditsAreConservedAcrossLifecycle(test *testing.T) {
	test.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "user-1", PlanStarter, 2000, now)
	service := mustService(test, store, WithClock(fixedClock(now)))

	var committedTotal Amount
	for round := 0; round < 5; round++ {
		transaction, err := service.Reserve(context.Background(), "user-1", 100, fmt.Sprintf("job-%d", round))
		if err != nil {
			test.Fatalf("Reserve round %d: %v", round, err)
		}
		switch round % 3 {
		case 0:
			if _, err := service.Commit(context.Background(), transaction.ID, 100); err != nil {
				test.Fatalf("Commit: %v", err)
			}
			committedTotal += 100
		case 1:
			if _, err := service.Commit(context.Background(), transaction.ID, 37); err != nil {
				test.Fatalf("partial Commit: %v", err)
			}
			committedTotal += 37
		default:
			if _, err := service.Rollback(context.Background(), transaction.ID); err != nil {
				test.Fatalf("Rollback: %v", err)
			}
		}
	}
	if got := store.accounts["user-1"].Balance; got != 2000-committedTotal {
		test.Fatalf("balance = %d, want %d: credits leaked", got, 2000-committedTotal)
	}
}

func TestRenewDueSweepsOverdueAccounts(test *testing.T) {
	test.Parallel()
	signup := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newStubStore()
	seedAccount(store, "due-1", PlanFree, 5, signup)
	seedAccount(store, "due-2", PlanStarter, 5, signup)
	current := signup.Add(31 * 24 * time.Hour)
	seedAccount(store, "fresh", PlanFree, 5, current)
	service := mustService(test, store, WithClock(fixedClock(current)))

	renewedCount, err := service.RenewDue(context.Background(), current, 10)
	if err != nil {
		test.Fatalf("RenewDue: %v", err)
	}
	if renewedCount != 2 {
		test.Fatalf("renewed = %d, want 2", renewedCount)
	}
	if got := store.accounts["fresh"].Balance; got != 5 {
		test.Fatalf("fresh account touched: balance %d", got)
	}
}
