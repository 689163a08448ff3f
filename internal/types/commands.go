package types

import "time"

// OrderSpec is the caller-supplied description of a new order.
type OrderSpec struct {
	ClientOrderID string  `json:"client_order_id" binding:"required"`
	AccountID     string  `json:"account_id" binding:"required"`
	Symbol        string  `json:"symbol" binding:"required"`
	Side          string  `json:"side" binding:"required"`
	OrderType     string  `json:"order_type" binding:"required"`
	Quantity      float64 `json:"quantity" binding:"required"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force,omitempty"`
	Metadata      string  `json:"metadata,omitempty"`
}

// ModifySpec carries the mutable fields of a modify request. Zero
// values mean "leave unchanged".
type ModifySpec struct {
	Quantity   float64 `json:"quantity,omitempty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
}

// CancelRequest is the body of a cancel command.
type CancelRequest struct {
	ExpectedVersion int64 `json:"expected_version"`
}

// ModifyRequest is the body of a modify command.
type ModifyRequest struct {
	ExpectedVersion int64      `json:"expected_version"`
	Spec            ModifySpec `json:"spec"`
}

// OrderView is the externally visible snapshot of an order.
type OrderView struct {
	ClientOrderID     string     `json:"client_order_id"`
	BrokerOrderID     string     `json:"broker_order_id,omitempty"`
	TenantID          string     `json:"tenant_id"`
	AccountID         string     `json:"account_id"`
	Symbol            string     `json:"symbol"`
	Side              string     `json:"side"`
	OrderType         string     `json:"order_type"`
	Quantity          float64    `json:"quantity"`
	LimitPrice        float64    `json:"limit_price,omitempty"`
	StopPrice         float64    `json:"stop_price,omitempty"`
	TimeInForce       string     `json:"time_in_force"`
	State             OrderState `json:"state"`
	Version           int64      `json:"version"`
	FilledQuantity    float64    `json:"filled_quantity"`
	RemainingQuantity float64    `json:"remaining_quantity"`
	AveragePrice      float64    `json:"average_price,omitempty"`
	Commission        float64    `json:"commission"`
	RejectCode        string     `json:"reject_code,omitempty"`
	RejectReason      string     `json:"reject_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// NewOrderView builds the external snapshot for an order record.
func NewOrderView(o *Order) *OrderView {
	return &OrderView{
		ClientOrderID:     o.ClientOrderID,
		BrokerOrderID:     o.BrokerOrderID,
		TenantID:          o.TenantID,
		AccountID:         o.AccountID,
		Symbol:            o.Symbol,
		Side:              o.Side,
		OrderType:         o.OrderType,
		Quantity:          o.Quantity,
		LimitPrice:        o.LimitPrice,
		StopPrice:         o.StopPrice,
		TimeInForce:       o.TimeInForce,
		State:             o.State,
		Version:           o.Version,
		FilledQuantity:    o.FilledQuantity,
		RemainingQuantity: o.RemainingQuantity,
		AveragePrice:      o.AveragePrice,
		Commission:        o.Commission,
		RejectCode:        o.RejectCode,
		RejectReason:      o.RejectReason,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

// OrderFilter narrows list queries. Zero values are ignored.
type OrderFilter struct {
	AccountID string
	Symbol    string
	Side      string
	State     OrderState
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}
