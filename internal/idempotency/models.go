package idempotency

import (
	"time"

	"gorm.io/gorm"
)

// Record statuses.
const (
	StatusInFlight  = "IN_FLIGHT"
	StatusCompleted = "COMPLETED"
)

// Outcome kinds stored for replay.
const (
	OutcomeOK                = "OK"
	OutcomeRiskRejected      = "RISK_REJECTED"
	OutcomeComplianceBlocked = "COMPLIANCE_BLOCKED"
	OutcomeBrokerReject      = "BROKER_REJECT"
)

// Record maps a canonical command fingerprint to the first-accepted
// response. Never mutated after completion except by TTL expiry.
type Record struct {
	gorm.Model  `json:"-"`
	Fingerprint string    `gorm:"uniqueIndex" json:"fingerprint"`
	TenantID    string    `gorm:"index" json:"tenant_id"`
	Operation   string    `json:"operation"`
	Status      string    `json:"status"`
	Outcome     string    `json:"outcome,omitempty"`
	Response    []byte    `json:"response,omitempty"` // replayed byte-identically
	ErrGate     string    `json:"err_gate,omitempty"`
	ErrCode     string    `json:"err_code,omitempty"`
	ErrOrderID  string    `json:"err_order_id,omitempty"`
	ErrMessage  string    `json:"err_message,omitempty"`
	ExpiresAt   time.Time `gorm:"index" json:"expires_at"`
}
