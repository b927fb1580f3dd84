package credit

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing credit operation.
type OperationLog struct {
	Operation     string
	UserID        UserID
	TransactionID TransactionID
	Amount        Amount
	Balance       Amount
	Plan          Plan
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithCarryOver keeps any unspent balance when a cycle renews instead of
// resetting to the plan grant.
func WithCarryOver() ServiceOption {
	return func(service *Service) {
		service.carryOver = true
	}
}

// WithIDGenerator overrides transaction and record id generation.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.generateID = generate
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(service *Service) {
		service.now = now
	}
}
