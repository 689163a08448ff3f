package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
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
	"github.com/dunmininu/oms-trading/internal/reconcile"
	"github.com/dunmininu/oms-trading/internal/risk"
	"github.com/dunmininu/oms-trading/internal/types"
)

const tenant = "default"

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// harness wires the full stack against the in-process simulated venue.
type harness struct {
	venue      *sim.Venue
	connector  *broker.Connector
	orders     *oms.Service
	ingestor   *ledger.Ingestor
	audit      *audit.Service
	reconciler *reconcile.Engine
	feed       <-chan types.LifecycleEvent
	cancel     context.CancelFunc
}

func newHarness() (*harness, error) {
	db, err := database.NewTestDatabase()
	if err != nil {
		return nil, err
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
	connector := broker.NewConnector(tenant, venue, cfg.Broker, bus)

	orders := oms.NewService(db, idemLedger, pipeline, ingestor, connector, auditService, bus)
	reconciler := reconcile.NewEngine(db, orders, ingestor, connector, auditService, bus, cfg.Reconcile)

	connector.SetOnConnected(reconciler.Run)
	connector.SetHandler(func(ev broker.Event) {
		if err := orders.ApplyBrokerEvent(tenant, "broker", ev); err != nil {
			log.Error().Err(err).Str("client_order_id", ev.ClientOrderID).Msg("Failed to apply broker event")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go connector.Run(ctx)

	h := &harness{
		venue:      venue,
		connector:  connector,
		orders:     orders,
		ingestor:   ingestor,
		audit:      auditService,
		reconciler: reconciler,
		feed:       bus.Subscribe(),
		cancel:     cancel,
	}
	if err := h.waitAccepting(5 * time.Second); err != nil {
		cancel()
		return nil, err
	}
	return h, nil
}

func (h *harness) waitAccepting(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.connector.Accepting() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("broker session never became available")
}

func (h *harness) waitState(clientOrderID string, want types.OrderState, timeout time.Duration) (*types.OrderView, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		view, err := h.orders.GetOrder(tenant, clientOrderID)
		if err == nil && view.State == want {
			return view, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	view, _ := h.orders.GetOrder(tenant, clientOrderID)
	if view != nil {
		return nil, fmt.Errorf("order %s is %s, wanted %s", clientOrderID, view.State, want)
	}
	return nil, fmt.Errorf("order %s never reached %s", clientOrderID, want)
}

func limitBuy(id string, qty, price float64) *types.OrderSpec {
	return &types.OrderSpec{
		ClientOrderID: id,
		AccountID:     "ACC-DEFAULT",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		OrderType:     types.OrderTypeLimit,
		Quantity:      qty,
		LimitPrice:    price,
		TimeInForce:   types.TIFGTC,
	}
}

type scenario struct {
	name string
	run  func(h *harness) error
}

var scenarios = []scenario{
	{"partial fills to completion", runPartialFills},
	{"concurrent duplicate submission", runDuplicateSubmit},
	{"risk gate rejection", runRiskRejection},
	{"stale version cancel", runStaleCancel},
	{"duplicate execution delivery", runDuplicateExecution},
	{"disconnect, miss fill, reconcile on reconnect", runReconnectReplay},
	{"audit chain verification", runAuditVerify},
}

// main drives the lifecycle scenarios end to end against the
// simulated venue and reports the outcome of each.
func main() {
	h, err := newHarness()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation harness")
	}
	defer h.cancel()

	started := time.Now()
	passed, failed := 0, 0

	for _, sc := range scenarios {
		log.Info().Str("scenario", sc.name).Msg("Running scenario")
		if err := sc.run(h); err != nil {
			log.Error().Err(err).Str("scenario", sc.name).Msg("Scenario failed")
			failed++
			continue
		}
		log.Info().Str("scenario", sc.name).Msg("Scenario passed")
		passed++
	}

	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("ORDER LIFECYCLE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Scenarios: %d  Passed: %d  Failed: %d  Duration: %v\n",
		len(scenarios), passed, failed, time.Since(started).Round(time.Millisecond))
	fmt.Println(strings.Repeat("=", 60))

	if failed > 0 {
		os.Exit(1)
	}
}

// runPartialFills walks a limit buy through two partial fills and
// checks fill accounting and the resulting position.
func runPartialFills(h *harness) error {
	ctx := context.Background()
	spec := limitBuy("SIM-LIFECYCLE-1", 100, 50)

	if _, err := h.orders.SubmitOrder(ctx, tenant, "sim", spec); err != nil {
		return err
	}
	view, err := h.waitState(spec.ClientOrderID, types.StateRouted, time.Second)
	if err != nil {
		return err
	}

	if _, err := h.venue.Fill(spec.ClientOrderID, 60, 49.5); err != nil {
		return err
	}
	view, err = h.waitState(spec.ClientOrderID, types.StatePartiallyFilled, time.Second)
	if err != nil {
		return err
	}
	if view.FilledQuantity != 60 || view.RemainingQuantity != 40 {
		return fmt.Errorf("after first fill: filled=%v remaining=%v", view.FilledQuantity, view.RemainingQuantity)
	}

	if _, err := h.venue.Fill(spec.ClientOrderID, 40, 50); err != nil {
		return err
	}
	view, err = h.waitState(spec.ClientOrderID, types.StateFilled, time.Second)
	if err != nil {
		return err
	}
	if view.FilledQuantity != 100 {
		return fmt.Errorf("terminal filled quantity %v", view.FilledQuantity)
	}

	pos, err := h.orders.GetPosition(tenant, spec.AccountID, spec.Symbol)
	if err != nil {
		return err
	}
	if pos.Quantity < 100 {
		return fmt.Errorf("position quantity %v after full fill", pos.Quantity)
	}
	return nil
}

// runDuplicateSubmit fires the same payload from many goroutines and
// requires exactly one order plus byte-identical responses.
func runDuplicateSubmit(h *harness) error {
	ctx := context.Background()
	spec := limitBuy("SIM-DUP-1", 10, 40)

	const callers = 8
	responses := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = h.orders.SubmitOrder(ctx, tenant, "sim", spec)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			return fmt.Errorf("caller %d: %w", i, errs[i])
		}
		if string(responses[i]) != string(responses[0]) {
			return fmt.Errorf("caller %d saw a different response", i)
		}
	}

	views, err := h.orders.ListOrders(tenant, &types.OrderFilter{Symbol: "AAPL"})
	if err != nil {
		return err
	}
	count := 0
	for _, v := range views {
		if v.ClientOrderID == spec.ClientOrderID {
			count++
		}
	}
	if count != 1 {
		return fmt.Errorf("%d orders created for one payload", count)
	}
	return nil
}

// runRiskRejection submits an off-whitelist symbol and expects a
// REJECTED order with the gate's reason code.
func runRiskRejection(h *harness) error {
	ctx := context.Background()
	spec := limitBuy("SIM-RISK-1", 10, 40)
	spec.Symbol = "TSLA"

	_, err := h.orders.SubmitOrder(ctx, tenant, "sim", spec)
	var compErr *types.ComplianceBlockedError
	if !errors.As(err, &compErr) {
		return fmt.Errorf("expected compliance block, got %v", err)
	}
	if compErr.Code != risk.CodeSymbolNotAllowed {
		return fmt.Errorf("rejection code %s", compErr.Code)
	}

	view, err := h.orders.GetOrder(tenant, spec.ClientOrderID)
	if err != nil {
		return err
	}
	if view.State != types.StateRejected {
		return fmt.Errorf("order state %s after risk rejection", view.State)
	}
	return nil
}

// runStaleCancel presents an outdated version and expects a state
// conflict with no order mutation.
func runStaleCancel(h *harness) error {
	ctx := context.Background()
	spec := limitBuy("SIM-STALE-1", 10, 40)

	if _, err := h.orders.SubmitOrder(ctx, tenant, "sim", spec); err != nil {
		return err
	}
	view, err := h.waitState(spec.ClientOrderID, types.StateRouted, time.Second)
	if err != nil {
		return err
	}

	_, err = h.orders.CancelOrder(ctx, tenant, "sim", spec.ClientOrderID, &types.CancelRequest{
		ExpectedVersion: view.Version - 1,
	})
	var conflict *types.StateConflictError
	if !errors.As(err, &conflict) {
		return fmt.Errorf("expected state conflict, got %v", err)
	}

	after, err := h.orders.GetOrder(tenant, spec.ClientOrderID)
	if err != nil {
		return err
	}
	if after.State != view.State || after.Version != view.Version {
		return errors.New("stale cancel mutated the order")
	}
	return nil
}

// runDuplicateExecution replays a fill event and requires a single
// execution row and a single position delta.
func runDuplicateExecution(h *harness) error {
	ctx := context.Background()
	spec := limitBuy("SIM-DUPEXEC-1", 20, 40)

	if _, err := h.orders.SubmitOrder(ctx, tenant, "sim", spec); err != nil {
		return err
	}
	if _, err := h.waitState(spec.ClientOrderID, types.StateRouted, time.Second); err != nil {
		return err
	}

	if _, err := h.venue.Fill(spec.ClientOrderID, 20, 40); err != nil {
		return err
	}
	view, err := h.waitState(spec.ClientOrderID, types.StateFilled, time.Second)
	if err != nil {
		return err
	}

	// Replay the same execution through the reconciliation path.
	if err := h.reconciler.Run(ctx); err != nil {
		return err
	}

	execs, err := h.orders.ListExecutions(tenant, spec.ClientOrderID)
	if err != nil {
		return err
	}
	if len(execs) != 1 {
		return fmt.Errorf("%d execution rows after replay", len(execs))
	}
	if view.FilledQuantity != 20 {
		return fmt.Errorf("filled quantity %v after replay", view.FilledQuantity)
	}
	return nil
}

// runReconnectReplay drops the session, fills while disconnected, and
// expects the reconnect reconciliation to recover the missed fill
// before new order flow resumes.
func runReconnectReplay(h *harness) error {
	ctx := context.Background()
	spec := limitBuy("SIM-RECONNECT-1", 30, 40)

	if _, err := h.orders.SubmitOrder(ctx, tenant, "sim", spec); err != nil {
		return err
	}
	if _, err := h.waitState(spec.ClientOrderID, types.StateRouted, time.Second); err != nil {
		return err
	}

	h.venue.SetDown(true)
	time.Sleep(50 * time.Millisecond)

	// The fill happens at the venue while we are not listening.
	if _, err := h.venue.Fill(spec.ClientOrderID, 30, 40); err != nil {
		return err
	}

	// While disconnected, commands fail fast.
	probe := limitBuy("SIM-RECONNECT-PROBE", 1, 40)
	_, err := h.orders.SubmitOrder(ctx, tenant, "sim", probe)
	var connErr *types.ConnectivityError
	if !errors.As(err, &connErr) {
		return fmt.Errorf("expected connectivity error while down, got %v", err)
	}

	h.venue.SetDown(false)
	if err := h.waitAccepting(10 * time.Second); err != nil {
		return err
	}

	view, err := h.waitState(spec.ClientOrderID, types.StateFilled, 5*time.Second)
	if err != nil {
		return err
	}
	if view.FilledQuantity != 30 {
		return fmt.Errorf("filled quantity %v after reconcile", view.FilledQuantity)
	}

	// The recovered position must equal a from-scratch recompute.
	pos, err := h.orders.GetPosition(tenant, spec.AccountID, spec.Symbol)
	if err != nil {
		return err
	}
	recomputed, err := h.ingestor.Recompute(tenant, spec.AccountID, spec.Symbol)
	if err != nil {
		return err
	}
	if pos.Quantity != recomputed.Quantity {
		return fmt.Errorf("position %v diverges from recompute %v", pos.Quantity, recomputed.Quantity)
	}
	return nil
}

// runAuditVerify replays the hash chain accumulated by the previous
// scenarios and prints a sample of the trail.
func runAuditVerify(h *harness) error {
	if err := h.audit.VerifyChain(); err != nil {
		return err
	}

	entries, err := h.audit.ListByEntity("order", "SIM-LIFECYCLE-1")
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("no audit entries for the lifecycle order")
	}
	for _, e := range entries {
		var after map[string]interface{}
		_ = json.Unmarshal([]byte(e.After), &after)
		log.Info().
			Str("action", e.Action).
			Str("actor", e.Actor).
			Interface("state", after["state"]).
			Msg("audit entry")
	}
	return nil
}
