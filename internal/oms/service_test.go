package oms_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/broker"
	"github.com/dunmininu/oms-trading/internal/broker/sim"
	"github.com/dunmininu/oms-trading/internal/config"
	"github.com/dunmininu/oms-trading/internal/database"
	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/idempotency"
	"github.com/dunmininu/oms-trading/internal/ledger"
	"github.com/dunmininu/oms-trading/internal/oms"
	"github.com/dunmininu/oms-trading/internal/risk"
	"github.com/dunmininu/oms-trading/internal/types"
)

const testTenant = "tenant-1"

// harness wires the order service against the in-memory venue with a
// running connector, the same shape as production wiring.
type harness struct {
	venue     *sim.Venue
	connector *broker.Connector
	orders    *oms.Service
	audit     *audit.Service
	cancel    context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := database.NewTestDatabase()
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	cfg := config.Default()
	cfg.Risk.SymbolWhitelist = []string{"AAPL", "GOOGL", "MSFT"}
	cfg.Broker.BackoffBaseMillis = 10
	cfg.Broker.BackoffMaxSeconds = 1

	bus := events.NewBus(256)
	auditService := audit.NewService(db)
	idemLedger := idempotency.NewLedger(db, cfg.Idempotency.TTL())
	ingestor := ledger.NewIngestor(db, bus)
	pipeline := risk.NewPipeline(risk.DefaultGates(&cfg.Risk)...)

	venue := sim.New()
	connector := broker.NewConnector(testTenant, venue, cfg.Broker, bus)
	orders := oms.NewService(db, idemLedger, pipeline, ingestor, connector, auditService, bus)

	connector.SetHandler(func(ev broker.Event) {
		if err := orders.ApplyBrokerEvent(testTenant, "broker", ev); err != nil {
			log.Error().Err(err).Str("client_order_id", ev.ClientOrderID).Msg("apply failed in test")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go connector.Run(ctx)
	t.Cleanup(cancel)

	h := &harness{venue: venue, connector: connector, orders: orders, audit: auditService, cancel: cancel}

	deadline := time.Now().Add(5 * time.Second)
	for !connector.Accepting() {
		if time.Now().After(deadline) {
			t.Fatal("broker session never became available")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return h
}

func (h *harness) waitState(t *testing.T, clientOrderID string, want types.OrderState) *types.OrderView {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := h.orders.GetOrder(testTenant, clientOrderID)
		if err == nil && view.State == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, _ := h.orders.GetOrder(testTenant, clientOrderID)
	if view != nil {
		t.Fatalf("order %s is %s, wanted %s", clientOrderID, view.State, want)
	}
	t.Fatalf("order %s never reached %s", clientOrderID, want)
	return nil
}

func limitBuy(id string, qty, price float64) *types.OrderSpec {
	return &types.OrderSpec{
		ClientOrderID: id,
		AccountID:     "ACC-1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      qty,
		LimitPrice:    price,
		TimeInForce:   types.TIFGTC,
	}
}

func TestSubmitOrder_Lifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-LIFE-1", 100, 50)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateRouted)
	if view.BrokerOrderID == "" {
		t.Error("routed order has no broker order id")
	}

	if _, err := h.venue.Fill(spec.ClientOrderID, 60, 49.5); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	view = h.waitState(t, spec.ClientOrderID, types.StatePartiallyFilled)
	if view.FilledQuantity != 60 || view.RemainingQuantity != 40 {
		t.Errorf("after partial fill: filled=%v remaining=%v, want 60/40", view.FilledQuantity, view.RemainingQuantity)
	}
	if view.AveragePrice != 49.5 {
		t.Errorf("average price %v, want 49.5", view.AveragePrice)
	}

	if _, err := h.venue.Fill(spec.ClientOrderID, 40, 50.5); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	view = h.waitState(t, spec.ClientOrderID, types.StateFilled)
	if view.FilledQuantity != 100 || view.RemainingQuantity != 0 {
		t.Errorf("terminal: filled=%v remaining=%v, want 100/0", view.FilledQuantity, view.RemainingQuantity)
	}
	// 60@49.5 + 40@50.5 averages to 49.9.
	if view.AveragePrice < 49.89 || view.AveragePrice > 49.91 {
		t.Errorf("average price %v, want 49.9", view.AveragePrice)
	}

	execs, err := h.orders.ListExecutions(testTenant, spec.ClientOrderID)
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 2 {
		t.Errorf("%d execution rows, want 2", len(execs))
	}

	pos, err := h.orders.GetPosition(testTenant, spec.AccountID, spec.Symbol)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.Quantity != 100 {
		t.Errorf("position quantity %v, want 100", pos.Quantity)
	}

	if err := h.audit.VerifyChain(); err != nil {
		t.Errorf("audit chain broken after lifecycle: %v", err)
	}
	trail, err := h.audit.ListByEntity("order", spec.ClientOrderID)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if len(trail) == 0 {
		t.Error("no audit entries for the order")
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		spec  *types.OrderSpec
		field string
	}{
		{"missing client order id", &types.OrderSpec{AccountID: "ACC-1", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: 10, LimitPrice: 50}, "client_order_id"},
		{"bad side", &types.OrderSpec{ClientOrderID: "V-1", AccountID: "ACC-1", Symbol: "AAPL", Side: "HOLD", OrderType: "LIMIT", Quantity: 10, LimitPrice: 50}, "side"},
		{"limit without price", &types.OrderSpec{ClientOrderID: "V-2", AccountID: "ACC-1", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: 10}, "limit_price"},
		{"market with price", &types.OrderSpec{ClientOrderID: "V-3", AccountID: "ACC-1", Symbol: "AAPL", Side: "BUY", OrderType: "MARKET", Quantity: 10, LimitPrice: 50}, "limit_price"},
		{"zero quantity", &types.OrderSpec{ClientOrderID: "V-4", AccountID: "ACC-1", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", LimitPrice: 50}, "quantity"},
		{"bad tif", &types.OrderSpec{ClientOrderID: "V-5", AccountID: "ACC-1", Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: 10, LimitPrice: 50, TimeInForce: "FOREVER"}, "time_in_force"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, tc.spec)
			var verr *types.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field %s, want %s", verr.Field, tc.field)
			}
		})
	}
}

func TestSubmitOrder_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-DUP-1", 10, 40)

	const callers = 8
	responses := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = h.orders.SubmitOrder(ctx, testTenant, testTenant, spec)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if string(responses[i]) != string(responses[0]) {
			t.Errorf("caller %d saw different bytes", i)
		}
	}

	views, err := h.orders.ListOrders(testTenant, &types.OrderFilter{Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	count := 0
	for _, v := range views {
		if v.ClientOrderID == spec.ClientOrderID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d orders for one payload, want 1", count)
	}
}

func TestSubmitOrder_ComplianceBlocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-COMP-1", 10, 40)
	spec.Symbol = "TSLA"

	_, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec)
	var compErr *types.ComplianceBlockedError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected compliance block, got %v", err)
	}
	if compErr.Code != risk.CodeSymbolNotAllowed {
		t.Errorf("rejection code %s, want %s", compErr.Code, risk.CodeSymbolNotAllowed)
	}

	view, err := h.orders.GetOrder(testTenant, spec.ClientOrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if view.State != types.StateRejected {
		t.Errorf("state %s after compliance block, want REJECTED", view.State)
	}

	// Resubmitting the identical payload replays the rejection without
	// re-running the pipeline or creating another order.
	_, err = h.orders.SubmitOrder(ctx, testTenant, testTenant, spec)
	var replayed *types.ComplianceBlockedError
	if !errors.As(err, &replayed) {
		t.Fatalf("expected replayed rejection, got %v", err)
	}
	if replayed.Code != compErr.Code || replayed.Gate != compErr.Gate {
		t.Errorf("replayed rejection %+v differs from original %+v", replayed, compErr)
	}
}

func TestSubmitOrder_RiskRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-RISK-1", 200000, 40) // above the max quantity bound

	_, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec)
	var riskErr *types.RiskRejectedError
	if !errors.As(err, &riskErr) {
		t.Fatalf("expected risk rejection, got %v", err)
	}
	if riskErr.Code != risk.CodeQuantityOutOfRange {
		t.Errorf("rejection code %s, want %s", riskErr.Code, risk.CodeQuantityOutOfRange)
	}

	view, err := h.orders.GetOrder(testTenant, spec.ClientOrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if view.State != types.StateRejected {
		t.Errorf("state %s after risk rejection, want REJECTED", view.State)
	}
	if view.RejectCode != risk.CodeQuantityOutOfRange {
		t.Errorf("reject code %s on the order record", view.RejectCode)
	}
}

func TestSubmitOrder_BrokerDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.venue.SetDown(true)
	deadline := time.Now().Add(5 * time.Second)
	for h.connector.Accepting() {
		if time.Now().After(deadline) {
			t.Fatal("connector never noticed the dropped session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	spec := limitBuy("ORD-DOWN-1", 10, 50)
	_, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec)
	var connErr *types.ConnectivityError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectivityError, got %v", err)
	}

	// The refusal happens before any row exists, so no half-created
	// order holds an open-order slot.
	var nf *types.NotFoundError
	if _, err := h.orders.GetOrder(testTenant, spec.ClientOrderID); !errors.As(err, &nf) {
		t.Fatalf("expected no order row, got %v", err)
	}

	// Connectivity failures release the fingerprint, so the identical
	// submit goes through once the session is back.
	h.venue.SetDown(false)
	deadline = time.Now().Add(5 * time.Second)
	for !h.connector.Accepting() {
		if time.Now().After(deadline) {
			t.Fatal("session never recovered")
		}
		// The outage may have tripped the breaker; a probe lets the
		// reconnect loop try again.
		h.connector.Probe()
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("resubmit after recovery: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)
}

func TestSubmitOrder_DuplicateClientOrderID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, limitBuy("ORD-REUSE-1", 10, 40)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, "ORD-REUSE-1", types.StateRouted)

	// Same id, different payload: a distinct command, not a replay.
	_, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, limitBuy("ORD-REUSE-1", 99, 41))
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error for reused id, got %v", err)
	}
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-CXL-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateRouted)

	if _, err := h.orders.CancelOrder(ctx, testTenant, testTenant, spec.ClientOrderID, &types.CancelRequest{
		ExpectedVersion: view.Version,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateCanceled)
}

func TestCancelOrder_StaleVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-STALE-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateRouted)

	_, err := h.orders.CancelOrder(ctx, testTenant, testTenant, spec.ClientOrderID, &types.CancelRequest{
		ExpectedVersion: view.Version - 1,
	})
	var conflict *types.StateConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
	if conflict.ActualVersion != view.Version {
		t.Errorf("conflict reports version %d, want %d", conflict.ActualVersion, view.Version)
	}

	after, err := h.orders.GetOrder(testTenant, spec.ClientOrderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if after.State != view.State || after.Version != view.Version {
		t.Error("stale cancel mutated the order")
	}
}

func TestCancelOrder_TerminalOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-CXLTERM-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)
	if _, err := h.venue.Fill(spec.ClientOrderID, 10, 40); err != nil {
		t.Fatalf("fill: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateFilled)

	_, err := h.orders.CancelOrder(ctx, testTenant, testTenant, spec.ClientOrderID, &types.CancelRequest{
		ExpectedVersion: view.Version,
	})
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error canceling a filled order, got %v", err)
	}
}

func TestModifyOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-MOD-1", 100, 50)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateRouted)

	if _, err := h.orders.ModifyOrder(ctx, testTenant, testTenant, spec.ClientOrderID, &types.ModifyRequest{
		ExpectedVersion: view.Version,
		Spec:            types.ModifySpec{Quantity: 80, LimitPrice: 49},
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	// MODIFY_ACK returns the order to ROUTED with the new terms.
	deadline := time.Now().Add(2 * time.Second)
	var after *types.OrderView
	for time.Now().Before(deadline) {
		v, err := h.orders.GetOrder(testTenant, spec.ClientOrderID)
		if err == nil && v.State == types.StateRouted && v.Quantity == 80 {
			after = v
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if after == nil {
		v, _ := h.orders.GetOrder(testTenant, spec.ClientOrderID)
		t.Fatalf("modify never acked, order: %+v", v)
	}
	if after.LimitPrice != 49 {
		t.Errorf("limit price %v after modify, want 49", after.LimitPrice)
	}
	if after.RemainingQuantity != 80 {
		t.Errorf("remaining %v after modify, want 80", after.RemainingQuantity)
	}
}

func TestModifyOrder_BelowFilledQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-MODLOW-1", 100, 50)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)
	if _, err := h.venue.Fill(spec.ClientOrderID, 60, 50); err != nil {
		t.Fatalf("fill: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StatePartiallyFilled)

	_, err := h.orders.ModifyOrder(ctx, testTenant, testTenant, spec.ClientOrderID, &types.ModifyRequest{
		ExpectedVersion: view.Version,
		Spec:            types.ModifySpec{Quantity: 50},
	})
	var verr *types.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if verr.Field != "quantity" {
		t.Errorf("field %s, want quantity", verr.Field)
	}
}

func TestBrokerReject_VerbatimReason(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-BRKREJ-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)

	const reason = "insufficient buying power at venue"
	if err := h.venue.Reject(spec.ClientOrderID, reason); err != nil {
		t.Fatalf("venue reject: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateRejected)
	if view.RejectReason != reason {
		t.Errorf("reject reason %q, want it carried verbatim", view.RejectReason)
	}
}

func TestExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-EXP-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)
	if err := h.venue.Expire(spec.ClientOrderID); err != nil {
		t.Fatalf("venue expire: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateExpired)
}

func TestApplyBrokerEvent_TerminalOrderDiscards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-LATE-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)
	if _, err := h.venue.Fill(spec.ClientOrderID, 10, 40); err != nil {
		t.Fatalf("fill: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StateFilled)

	// A straggler fill for an already terminal order must be dropped
	// without touching order or position state.
	err := h.orders.ApplyBrokerEvent(testTenant, "broker", broker.Event{
		Type:          broker.EventFill,
		ClientOrderID: spec.ClientOrderID,
		BrokerOrderID: view.BrokerOrderID,
		Sequence:      99,
		Fill: &broker.Fill{
			BrokerExecutionID: "STRAGGLER-1",
			Quantity:          5,
			Price:             40,
			ExecutedAt:        time.Now(),
		},
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("straggler apply errored: %v", err)
	}

	after, _ := h.orders.GetOrder(testTenant, spec.ClientOrderID)
	if after.FilledQuantity != 10 || after.State != types.StateFilled {
		t.Errorf("terminal order mutated by straggler: filled=%v state=%s", after.FilledQuantity, after.State)
	}
	execs, _ := h.orders.ListExecutions(testTenant, spec.ClientOrderID)
	if len(execs) != 1 {
		t.Errorf("%d execution rows after straggler, want 1", len(execs))
	}
}

func TestApplyBrokerEvent_StaleSequenceDiscards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	spec := limitBuy("ORD-SEQ-1", 100, 50)

	if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.waitState(t, spec.ClientOrderID, types.StateRouted)
	if _, err := h.venue.Fill(spec.ClientOrderID, 30, 50); err != nil {
		t.Fatalf("fill: %v", err)
	}
	view := h.waitState(t, spec.ClientOrderID, types.StatePartiallyFilled)

	// Redeliver an event with an already-consumed sequence number.
	err := h.orders.ApplyBrokerEvent(testTenant, "broker", broker.Event{
		Type:          broker.EventFill,
		ClientOrderID: spec.ClientOrderID,
		BrokerOrderID: view.BrokerOrderID,
		Sequence:      1,
		Fill: &broker.Fill{
			BrokerExecutionID: "REDELIVERED-1",
			Quantity:          30,
			Price:             50,
			ExecutedAt:        time.Now(),
		},
		OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("stale apply errored: %v", err)
	}

	after, _ := h.orders.GetOrder(testTenant, spec.ClientOrderID)
	if after.FilledQuantity != 30 {
		t.Errorf("filled quantity %v after stale redelivery, want 30", after.FilledQuantity)
	}
}

func TestGetOrder_UnknownIsNotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.orders.GetOrder(testTenant, "NO-SUCH-ORDER")
	var nf *types.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListOrders_Filters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		spec := limitBuy(fmt.Sprintf("ORD-LIST-%d", i), 10, 40)
		if i == 2 {
			spec.Side = types.SideSell
		}
		if _, err := h.orders.SubmitOrder(ctx, testTenant, testTenant, spec); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		h.waitState(t, spec.ClientOrderID, types.StateRouted)
	}

	sells, err := h.orders.ListOrders(testTenant, &types.OrderFilter{Side: types.SideSell})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sells) != 1 {
		t.Errorf("%d sell orders, want 1", len(sells))
	}

	// Tenant isolation: another tenant sees nothing.
	other, err := h.orders.ListOrders("tenant-2", &types.OrderFilter{})
	if err != nil {
		t.Fatalf("list other tenant: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("tenant-2 sees %d foreign orders", len(other))
	}
}
