package types

import "time"

// Lifecycle event types emitted on the outbound feed. Consumers handle
// events idempotently keyed by EventID.
const (
	EventOrderRouted          = "order.routed"
	EventOrderPartiallyFilled = "order.partially_filled"
	EventOrderFilled          = "order.filled"
	EventOrderRejected        = "order.rejected"
	EventOrderCanceled        = "order.canceled"
	EventOrderExpired         = "order.expired"
	EventPositionUpdated      = "position.updated"
	EventBrokerDisconnected   = "broker.disconnected"
	EventBrokerReconnected    = "broker.reconnected"
	EventDriftDetected        = "reconciliation.drift_detected"
)

// LifecycleEvent is one entry on the ordered, at-least-once outbound feed.
type LifecycleEvent struct {
	EventID   string      `json:"event_id"`
	Type      string      `json:"type"`
	TenantID  string      `json:"tenant_id,omitempty"`
	AccountID string      `json:"account_id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	EmittedAt time.Time   `json:"emitted_at"`
}
