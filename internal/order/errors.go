package order

import (
	"errors"
	"fmt"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrDuplicateOrder = errors.New("duplicate client order id")
	ErrNotReady       = errors.New("executor not ready: recovery has not completed")
	ErrNoExchangeID   = errors.New("exchange order id unknown")
)

// Reasons attached by reconciliation. ReasonNotFound terminates the order;
// ReasonReconcileStalled only flags a pending order whose queries keep
// failing. It stays pending and a later push or query still confirms it.
const (
	ReasonNotFound         = "not found on exchange"
	ReasonReconcileStalled = "reconciliation stalled: exchange unreachable"
)

// TransportError is a failed or timed-out adapter call whose remote outcome
// is unknown. Submit failures are resolved by reconciliation.
type TransportError struct {
	Op            string
	ClientOrderID string
	Err           error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: transport: %v", e.Op, e.ClientOrderID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ReconciliationFailure records why reconciliation rejected or flagged an
// ambiguous order.
type ReconciliationFailure struct {
	ClientOrderID string
	Reason        string
	Attempts      int
}

func (e *ReconciliationFailure) Error() string {
	return fmt.Sprintf("reconcile %s: %s after %d attempt(s)", e.ClientOrderID, e.Reason, e.Attempts)
}
