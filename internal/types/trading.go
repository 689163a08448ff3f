package types

import (
	"time"

	"gorm.io/gorm"
)

// OrderState is the lifecycle state of an order. State is owned
// exclusively by the order state machine.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StatePendingRisk     OrderState = "PENDING_RISK"
	StateRouted          OrderState = "ROUTED"
	StatePendingCancel   OrderState = "PENDING_CANCEL"
	StatePendingModify   OrderState = "PENDING_MODIFY"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
)

// IsTerminal reports whether no further transitions are legal from s.
func (s OrderState) IsTerminal() bool {
	switch s {
	case StateFilled, StateCanceled, StateRejected, StateExpired:
		return true
	}
	return false
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"
	OrderTypeStop   = "STOP"

	TIFDay = "DAY"
	TIFGTC = "GTC"
	TIFIOC = "IOC"
)

// Order is the core order record. State and Version are mutated only by
// the order state machine; terminal orders are retained, never deleted.
type Order struct {
	gorm.Model    `json:"-"`
	TenantID      string `gorm:"uniqueIndex:idx_tenant_client_order;index:idx_tenant_state_updated,priority:1" json:"tenant_id"`
	ClientOrderID string `gorm:"uniqueIndex:idx_tenant_client_order" json:"client_order_id"`
	BrokerOrderID string `gorm:"index" json:"broker_order_id,omitempty"` // assigned once routed
	AccountID     string `gorm:"index" json:"account_id"`

	Symbol      string  `gorm:"index" json:"symbol"`
	Side        string  `json:"side"`       // BUY or SELL
	OrderType   string  `json:"order_type"` // MARKET, LIMIT or STOP
	Quantity    float64 `json:"quantity"`
	LimitPrice  float64 `json:"limit_price,omitempty"`
	StopPrice   float64 `json:"stop_price,omitempty"`
	TimeInForce string  `json:"time_in_force"`

	State   OrderState `gorm:"index:idx_tenant_state_updated,priority:2" json:"state"`
	Version int64      `json:"version"` // optimistic concurrency counter

	// LastBrokerSeq is the highest per-order broker sequence number
	// applied so far; lower sequences are replays and are discarded.
	LastBrokerSeq int64 `json:"-"`

	FilledQuantity    float64 `json:"filled_quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"` // last broker-reported remaining
	AveragePrice      float64 `json:"average_price,omitempty"`
	Commission        float64 `json:"commission"`

	RejectCode   string `json:"reject_code,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`

	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`

	Metadata string `json:"metadata,omitempty"` // free-form JSON bag

	// PendingModify holds the requested modify fields as JSON while a
	// MODIFY_ACK is outstanding; applied and cleared on the ack.
	PendingModify string `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index:idx_tenant_state_updated,priority:3" json:"updated_at"`
}

// Execution is an immutable fill record. BrokerExecutionID is unique
// system-wide so that a replayed delivery collapses to a single row.
type Execution struct {
	gorm.Model        `json:"-"`
	ExecutionID       string    `gorm:"uniqueIndex" json:"execution_id"`
	BrokerExecutionID string    `gorm:"uniqueIndex" json:"broker_execution_id"`
	TenantID          string    `gorm:"index" json:"tenant_id"`
	AccountID         string    `gorm:"index" json:"account_id"`
	ClientOrderID     string    `gorm:"index" json:"client_order_id"`
	Symbol            string    `json:"symbol"`
	Side              string    `json:"side"`
	Quantity          float64   `json:"quantity"`
	Price             float64   `json:"price"`
	Commission        float64   `json:"commission"`
	ExecutedAt        time.Time `gorm:"index" json:"executed_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// Position is the per (account, instrument) aggregate. It is a derived
// cache over the Execution history, mutated only by the execution
// ingestor and recomputable from scratch.
type Position struct {
	gorm.Model    `json:"-"`
	TenantID      string    `gorm:"uniqueIndex:idx_account_instrument" json:"tenant_id"`
	AccountID     string    `gorm:"uniqueIndex:idx_account_instrument" json:"account_id"`
	Symbol        string    `gorm:"uniqueIndex:idx_account_instrument" json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AverageCost   float64   `json:"average_cost"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	MarkPrice     float64   `json:"mark_price,omitempty"` // last externally supplied price
	LastUpdated   time.Time `json:"last_updated"`
}

// Instrument is reference data consulted by order validation and the
// symbol-whitelist gate.
type Instrument struct {
	gorm.Model  `json:"-"`
	Symbol      string  `gorm:"uniqueIndex" json:"symbol"`
	Name        string  `json:"name"`
	Tradable    bool    `gorm:"index" json:"tradable"`
	MinQuantity float64 `json:"min_quantity"`
	MaxQuantity float64 `json:"max_quantity"`
	TickSize    float64 `json:"tick_size"`
}
