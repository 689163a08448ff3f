package types

import "fmt"

// ValidationError reports a malformed command. Fixable by the caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// RiskRejectedError is a pre-trade gate failure. The order enters
// REJECTED with the gate's machine-readable reason code.
type RiskRejectedError struct {
	Gate   string
	Code   string
	Reason string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("order rejected by %s gate (%s): %s", e.Gate, e.Code, e.Reason)
}

// ComplianceBlockedError is a compliance gate failure, such as a
// restricted or non-tradable instrument. Like a risk rejection it is a
// terminal outcome: the order enters REJECTED and identical retries
// replay the same error.
type ComplianceBlockedError struct {
	Gate   string
	Code   string
	Reason string
}

func (e *ComplianceBlockedError) Error() string {
	return fmt.Sprintf("order blocked by %s gate (%s): %s", e.Gate, e.Code, e.Reason)
}

// StateConflictError reports a stale version. The caller must refetch
// and retry; the order was not mutated.
type StateConflictError struct {
	ClientOrderID   string
	ExpectedVersion int64
	ActualVersion   int64
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict on order %s: expected version %d, actual %d",
		e.ClientOrderID, e.ExpectedVersion, e.ActualVersion)
}

// IllegalTransitionError reports a transition not present in the table
// for the order's current state.
type IllegalTransitionError struct {
	ClientOrderID string
	From          OrderState
	To            OrderState
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s on order %s", e.From, e.To, e.ClientOrderID)
}

// BrokerRejectError is a venue-side rejection, reason captured verbatim.
type BrokerRejectError struct {
	ClientOrderID string
	Reason        string
}

func (e *BrokerRejectError) Error() string {
	return fmt.Sprintf("broker rejected order %s: %s", e.ClientOrderID, e.Reason)
}

// ConnectivityError is a transient broker connectivity failure. The
// outcome of an in-flight command is unknown; it is safe for the caller
// to retry with the same idempotency key.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker unavailable during %s: %v", e.Op, e.Err)
	}
	return "broker unavailable during " + e.Op
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// NotFoundError reports a missing tenant-scoped record.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}
