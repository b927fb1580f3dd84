// Package memstore is an in-memory implementation of the credit and queue
// store contracts, sharing one state so transactions across both facades
// serialize the way a single database would. It backs tests and the demo
// configuration of the daemon.
package memstore

import (
	"sync"

	"github.com/reelcher/metering/internal/queue"
	"github.com/reelcher/metering/pkg/credit"
)

// Store holds the shared state behind the credit and queue facades.
type Store struct {
	mutex sync.Mutex
	data  *data
}

type data struct {
	accounts        map[credit.UserID]credit.Account
	transactions    map[credit.TransactionID]credit.Transaction
	planChanges     []credit.PlanChange
	adjustments     []credit.Adjustment
	deletionRecords map[string]credit.DeletionRecord
	jobs            map[queue.JobID]queue.Job
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		data: &data{
			accounts:        map[credit.UserID]credit.Account{},
			transactions:    map[credit.TransactionID]credit.Transaction{},
			deletionRecords: map[string]credit.DeletionRecord{},
			jobs:            map[queue.JobID]queue.Job{},
		},
	}
}

// Credit returns the credit.Store facade over the shared state.
func (store *Store) Credit() *CreditStore {
	return &CreditStore{store: store}
}

// Queue returns the queue.Store facade over the shared state.
func (store *Store) Queue() *QueueStore {
	return &QueueStore{store: store}
}

// withData runs fn against the live state, taking the store lock unless the
// caller already holds it through an open transaction.
func (store *Store) withData(inTx bool, fn func(state *data) error) error {
	if inTx {
		return fn(store.data)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return fn(store.data)
}

// transact snapshots the state, runs fn, and restores the snapshot when fn
// fails, mimicking a rolled-back database transaction.
func (store *Store) transact(fn func() error) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.data.clone()
	if err := fn(); err != nil {
		store.data = snapshot
		return err
	}
	return nil
}

func (state *data) clone() *data {
	cloned := &data{
		accounts:        make(map[credit.UserID]credit.Account, len(state.accounts)),
		transactions:    make(map[credit.TransactionID]credit.Transaction, len(state.transactions)),
		planChanges:     append([]credit.PlanChange(nil), state.planChanges...),
		adjustments:     append([]credit.Adjustment(nil), state.adjustments...),
		deletionRecords: make(map[string]credit.DeletionRecord, len(state.deletionRecords)),
		jobs:            make(map[queue.JobID]queue.Job, len(state.jobs)),
	}
	for userID, account := range state.accounts {
		cloned.accounts[userID] = account
	}
	for transactionID, transaction := range state.transactions {
		cloned.transactions[transactionID] = transaction
	}
	for phoneNumber, record := range state.deletionRecords {
		cloned.deletionRecords[phoneNumber] = record
	}
	for jobID, job := range state.jobs {
		cloned.jobs[jobID] = job
	}
	return cloned
}
