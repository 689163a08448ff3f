package reconcile

import (
	"time"

	"gorm.io/gorm"
)

// Cursor tracks per-account reconciliation progress so a pass resumes
// from where the previous one confirmed rather than from scratch. The
// execution fetch deliberately overlaps the cursor; duplicate
// executions collapse on ingestion.
type Cursor struct {
	gorm.Model
	TenantID       string    `gorm:"index"`
	AccountID      string    `gorm:"uniqueIndex"`
	LastExecutedAt time.Time // newest execution timestamp confirmed applied
	LastRunAt      time.Time
	Passes         int64
}
