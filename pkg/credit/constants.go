package credit

import "time"

// GrantCycle is the interval between recurring credit grants.
const GrantCycle = 30 * 24 * time.Hour

// Operation names used in error codes and operation logs.
const (
	operationReserve    = "reserve"
	operationCommit     = "commit"
	operationRollback   = "rollback"
	operationRenew      = "renew"
	operationChangePlan = "change_plan"
	operationOnboard    = "onboard"
	operationClose      = "close"
	operationAdjust     = "adjust"
	operationGetAccount = "get_account"
)

// Error codes attached to OperationError values.
const (
	codeStoreFailure    = "store_failure"
	codeConflict        = "conflict"
	codeInvalidArgument = "invalid_argument"
)
