package reservation

import "context"

// Option configures a Coordinator instance.
type Option func(*Coordinator)

// OperationLogger records domain-level events emitted by Coordinator
// operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing reservation operation.
type OperationLog struct {
	Operation     string
	ReservationID string
	ChatID        int64
	UserID        int64
	Amount        int64
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every
// operation.
func WithOperationLogger(logger OperationLogger) Option {
	return func(coordinator *Coordinator) {
		coordinator.operationLogger = logger
	}
}

// WithPolicy overrides the reservation policy.
func WithPolicy(policy Policy) Option {
	return func(coordinator *Coordinator) {
		if policy.TTL > 0 {
			coordinator.policy = policy
		}
	}
}
