// Package broker defines the Venue capability interface the connector
// drives, and the session management around it: reconnect policy,
// circuit breaking and event dispatch.
package broker

import (
	"context"
	"time"
)

// EventType classifies asynchronous venue notifications.
type EventType string

const (
	EventAck       EventType = "ACK"        // order accepted by the venue
	EventReject    EventType = "REJECT"     // order rejected by the venue
	EventCancelAck EventType = "CANCEL_ACK" // cancellation confirmed
	EventModifyAck EventType = "MODIFY_ACK" // modification confirmed
	EventExpired   EventType = "EXPIRED"    // time-in-force elapsed at the venue
	EventFill      EventType = "FILL"       // partial or full fill
)

// Event is one asynchronous order-status or execution notification.
// Sequence is venue-assigned and strictly increasing per order; the
// connector preserves this order when dispatching.
type Event struct {
	Type          EventType `json:"type"`
	ClientOrderID string    `json:"client_order_id"`
	BrokerOrderID string    `json:"broker_order_id"`
	Sequence      int64     `json:"sequence"`
	Reason        string    `json:"reason,omitempty"`
	Fill          *Fill     `json:"fill,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Fill carries one execution report.
type Fill struct {
	BrokerExecutionID string    `json:"broker_execution_id"`
	Quantity          float64   `json:"quantity"`
	Price             float64   `json:"price"`
	Commission        float64   `json:"commission"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	ExecutedAt        time.Time `json:"executed_at"`
}

// OrderRequest is the internal order translated to the venue boundary.
type OrderRequest struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	OrderType     string  `json:"order_type"`
	Quantity      float64 `json:"quantity"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	StopPrice     float64 `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force"`
}

// ModifyRequest carries the fields of a venue modify. Zero values mean
// "leave unchanged".
type ModifyRequest struct {
	Quantity   float64 `json:"quantity,omitempty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	StopPrice  float64 `json:"stop_price,omitempty"`
}

// VenueOrder is a broker-reported open order, used by reconciliation.
type VenueOrder struct {
	ClientOrderID     string  `json:"client_order_id"`
	BrokerOrderID     string  `json:"broker_order_id"`
	Symbol            string  `json:"symbol"`
	Side              string  `json:"side"`
	Quantity          float64 `json:"quantity"`
	RemainingQuantity float64 `json:"remaining_quantity"`
	LimitPrice        float64 `json:"limit_price,omitempty"`
}

// VenueExecution is a broker-reported execution, used by
// reconciliation fetch-since queries.
type VenueExecution struct {
	BrokerExecutionID string    `json:"broker_execution_id"`
	ClientOrderID     string    `json:"client_order_id"`
	BrokerOrderID     string    `json:"broker_order_id"`
	Symbol            string    `json:"symbol"`
	Side              string    `json:"side"`
	Quantity          float64   `json:"quantity"`
	Price             float64   `json:"price"`
	Commission        float64   `json:"commission"`
	RemainingQuantity float64   `json:"remaining_quantity"`
	ExecutedAt        time.Time `json:"executed_at"`
}

// VenuePosition is a broker-reported position, used by reconciliation's
// drift check.
type VenuePosition struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
}

// Venue abstracts one broker trading venue for a single account. One
// implementation exists per venue, selected by account configuration.
type Venue interface {
	// Name returns the venue identifier (e.g. "sim", "ws").
	Name() string

	// Connect establishes the session. Called by the connector, which
	// owns reconnect policy.
	Connect(ctx context.Context) error

	// Close tears the session down.
	Close() error

	// Submit routes a new order. The returned broker order id is
	// assigned exactly once.
	Submit(ctx context.Context, req *OrderRequest) (brokerOrderID string, err error)

	// Cancel requests cancellation of an open order. Confirmation
	// arrives asynchronously as a CANCEL_ACK event.
	Cancel(ctx context.Context, brokerOrderID string) error

	// Modify requests modification of an open order. Confirmation
	// arrives asynchronously as a MODIFY_ACK event.
	Modify(ctx context.Context, brokerOrderID string, req ModifyRequest) error

	// Events returns the asynchronous notification stream for the
	// current session.
	Events() <-chan Event

	// OpenOrders, ExecutionsSince and Positions are fetch-since
	// queries used only by reconciliation.
	OpenOrders(ctx context.Context) ([]VenueOrder, error)
	ExecutionsSince(ctx context.Context, since time.Time) ([]VenueExecution, error)
	Positions(ctx context.Context) ([]VenuePosition, error)
}
