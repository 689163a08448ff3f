package audit

import (
	"time"

	"gorm.io/gorm"
)

// Actions recorded on the trail.
const (
	ActionOrderCreated     = "ORDER_CREATED"
	ActionOrderTransition  = "ORDER_TRANSITION"
	ActionTransitionNoop   = "TRANSITION_DISCARDED"
	ActionGateDecision     = "GATE_DECISION"
	ActionReconcileCorrect = "RECONCILE_CORRECTION"
	ActionDriftDetected    = "DRIFT_DETECTED"
)

// Entry is one append-only record on the tamper-evident trail. Hash
// covers the entry content plus the previous entry's hash.
type Entry struct {
	gorm.Model `json:"-"`
	EntryID    string    `gorm:"uniqueIndex" json:"entry_id"`
	TenantID   string    `gorm:"index" json:"tenant_id"`
	Actor      string    `json:"actor"` // client id, or "system" for reconciliation
	Action     string    `gorm:"index" json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `gorm:"index" json:"entity_id"`
	Before     string    `json:"before,omitempty"` // JSON snapshot
	After      string    `json:"after,omitempty"`  // JSON snapshot
	RecordedAt time.Time `json:"recorded_at"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `gorm:"uniqueIndex" json:"hash"`
}
