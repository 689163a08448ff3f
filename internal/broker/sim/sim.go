// Package sim provides an in-memory trading venue for paper trading,
// the simulation driver and tests. It implements the full broker
// boundary: synchronous submit/cancel/modify, an asynchronous event
// stream with per-order sequence numbers, and the fetch-since queries
// reconciliation relies on. Fills recorded while the session is down
// are retained in history and only surface through fetch-since, which
// is exactly the drift a reconciliation pass must repair.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dunmininu/oms-trading/internal/broker"
)

// Compile-time interface check.
var _ broker.Venue = (*Venue)(nil)

var (
	errDown         = errors.New("simulated venue is down")
	errUnknownOrder = errors.New("unknown broker order id")
)

type simOrder struct {
	req           broker.OrderRequest
	brokerOrderID string
	remaining     float64
	filled        float64
	seq           int64
	open          bool
}

// Venue is the in-memory simulator.
type Venue struct {
	mu sync.Mutex

	connected bool
	down      bool
	failNext  int

	orders  map[string]*simOrder // keyed by broker order id
	byClOrd map[string]string    // client order id -> broker order id

	execs     []broker.VenueExecution
	positions map[string]float64

	events chan broker.Event

	nextOrderID int64
	nextExecID  int64
}

// New creates an empty simulator venue.
func New() *Venue {
	return &Venue{
		orders:    make(map[string]*simOrder),
		byClOrd:   make(map[string]string),
		positions: make(map[string]float64),
	}
}

// Name returns "sim".
func (v *Venue) Name() string { return "sim" }

// Connect establishes a fresh session and event stream.
func (v *Venue) Connect(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNext > 0 {
		v.failNext--
		return errors.New("simulated connect failure")
	}
	if v.down {
		return errDown
	}
	v.connected = true
	v.events = make(chan broker.Event, 256)
	return nil
}

// Close tears the session down and ends the event stream.
func (v *Venue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeLocked()
	return nil
}

func (v *Venue) closeLocked() {
	if v.connected {
		v.connected = false
		close(v.events)
	}
}

// Events returns the current session's notification stream.
func (v *Venue) Events() <-chan broker.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.events
}

// Submit accepts an order and emits an asynchronous ACK.
func (v *Venue) Submit(_ context.Context, req *broker.OrderRequest) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected || v.down {
		return "", errDown
	}

	v.nextOrderID++
	o := &simOrder{
		req:           *req,
		brokerOrderID: fmt.Sprintf("SIM-%d", v.nextOrderID),
		remaining:     req.Quantity,
		open:          true,
	}
	v.orders[o.brokerOrderID] = o
	v.byClOrd[req.ClientOrderID] = o.brokerOrderID

	v.emitLocked(o, broker.EventAck, "", nil)
	return o.brokerOrderID, nil
}

// Cancel confirms cancellation asynchronously via CANCEL_ACK.
func (v *Venue) Cancel(_ context.Context, brokerOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected || v.down {
		return errDown
	}
	o, ok := v.orders[brokerOrderID]
	if !ok {
		return errUnknownOrder
	}
	if o.open {
		o.open = false
		v.emitLocked(o, broker.EventCancelAck, "", nil)
	}
	return nil
}

// Modify applies the requested changes and confirms via MODIFY_ACK.
func (v *Venue) Modify(_ context.Context, brokerOrderID string, req broker.ModifyRequest) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.connected || v.down {
		return errDown
	}
	o, ok := v.orders[brokerOrderID]
	if !ok {
		return errUnknownOrder
	}
	if !o.open {
		return errUnknownOrder
	}
	if req.Quantity > 0 {
		o.remaining = req.Quantity - o.filled
		o.req.Quantity = req.Quantity
	}
	if req.LimitPrice > 0 {
		o.req.LimitPrice = req.LimitPrice
	}
	if req.StopPrice > 0 {
		o.req.StopPrice = req.StopPrice
	}
	v.emitLocked(o, broker.EventModifyAck, "", nil)
	return nil
}

// OpenOrders reports orders with remaining quantity still working.
func (v *Venue) OpenOrders(_ context.Context) ([]broker.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.down {
		return nil, errDown
	}
	var out []broker.VenueOrder
	for _, o := range v.orders {
		if !o.open {
			continue
		}
		out = append(out, broker.VenueOrder{
			ClientOrderID:     o.req.ClientOrderID,
			BrokerOrderID:     o.brokerOrderID,
			Symbol:            o.req.Symbol,
			Side:              o.req.Side,
			Quantity:          o.req.Quantity,
			RemainingQuantity: o.remaining,
			LimitPrice:        o.req.LimitPrice,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrokerOrderID < out[j].BrokerOrderID })
	return out, nil
}

// ExecutionsSince returns recorded executions at or after since,
// oldest first. Overlap with already-applied executions is safe: the
// ingestor is idempotent by broker execution id.
func (v *Venue) ExecutionsSince(_ context.Context, since time.Time) ([]broker.VenueExecution, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.down {
		return nil, errDown
	}
	var out []broker.VenueExecution
	for _, e := range v.execs {
		if !e.ExecutedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Positions reports the venue's own view of net quantity per symbol.
func (v *Venue) Positions(_ context.Context) ([]broker.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.down {
		return nil, errDown
	}
	var out []broker.VenuePosition
	for sym, qty := range v.positions {
		out = append(out, broker.VenuePosition{Symbol: sym, Quantity: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ---------------------------------------------------------------------------
// Test and simulation controls
// ---------------------------------------------------------------------------

// SetDown toggles simulated connectivity loss. Going down ends the
// current session; fills recorded while down reach the OMS only via
// the fetch-since queries.
func (v *Venue) SetDown(down bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.down = down
	if down {
		v.closeLocked()
	}
}

// FailNextConnects makes the next n Connect calls fail, for driving
// backoff and circuit breaker behaviour.
func (v *Venue) FailNextConnects(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = n
}

// Fill records an execution against an order. When the session is live
// a FILL event is emitted; either way the execution enters venue
// history for later fetch-since queries.
func (v *Venue) Fill(clientOrderID string, quantity, price float64) (brokerExecutionID string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	brokerOrderID, ok := v.byClOrd[clientOrderID]
	if !ok {
		return "", errUnknownOrder
	}
	o := v.orders[brokerOrderID]
	if !o.open {
		return "", fmt.Errorf("order %s is not open", clientOrderID)
	}
	if quantity > o.remaining {
		quantity = o.remaining
	}

	o.remaining -= quantity
	o.filled += quantity
	if o.remaining <= 0 {
		o.open = false
	}

	v.nextExecID++
	exec := broker.VenueExecution{
		BrokerExecutionID: fmt.Sprintf("SIM-EXEC-%d", v.nextExecID),
		ClientOrderID:     o.req.ClientOrderID,
		BrokerOrderID:     brokerOrderID,
		Symbol:            o.req.Symbol,
		Side:              o.req.Side,
		Quantity:          quantity,
		Price:             price,
		RemainingQuantity: o.remaining,
		ExecutedAt:        time.Now().UTC(),
	}
	v.execs = append(v.execs, exec)

	signed := quantity
	if o.req.Side == "SELL" {
		signed = -quantity
	}
	v.positions[o.req.Symbol] += signed

	v.emitLocked(o, broker.EventFill, "", &broker.Fill{
		BrokerExecutionID: exec.BrokerExecutionID,
		Quantity:          quantity,
		Price:             price,
		RemainingQuantity: o.remaining,
		ExecutedAt:        exec.ExecutedAt,
	})
	return exec.BrokerExecutionID, nil
}

// Reject emits a venue-side rejection for an order.
func (v *Venue) Reject(clientOrderID, reason string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	brokerOrderID, ok := v.byClOrd[clientOrderID]
	if !ok {
		return errUnknownOrder
	}
	o := v.orders[brokerOrderID]
	o.open = false
	v.emitLocked(o, broker.EventReject, reason, nil)
	return nil
}

// Expire emits a time-in-force expiry for an order.
func (v *Venue) Expire(clientOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	brokerOrderID, ok := v.byClOrd[clientOrderID]
	if !ok {
		return errUnknownOrder
	}
	o := v.orders[brokerOrderID]
	if o.open {
		o.open = false
		v.emitLocked(o, broker.EventExpired, "", nil)
	}
	return nil
}

// emitLocked pushes an event onto the live session stream. Callers hold
// the venue mutex, which also makes per-order sequences monotonic.
func (v *Venue) emitLocked(o *simOrder, t broker.EventType, reason string, fill *broker.Fill) {
	o.seq++
	if !v.connected || v.down {
		return
	}
	ev := broker.Event{
		Type:          t,
		ClientOrderID: o.req.ClientOrderID,
		BrokerOrderID: o.brokerOrderID,
		Sequence:      o.seq,
		Reason:        reason,
		Fill:          fill,
		OccurredAt:    time.Now().UTC(),
	}
	select {
	case v.events <- ev:
	default:
		log.Warn().Str("client_order_id", o.req.ClientOrderID).Msg("sim venue event buffer full, dropping")
	}
}
