package oms

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/broker"
	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/idempotency"
	"github.com/dunmininu/oms-trading/internal/ledger"
	"github.com/dunmininu/oms-trading/internal/risk"
	"github.com/dunmininu/oms-trading/internal/types"
)

// lockStripes is the size of the per-order lock table. Orders hash
// onto a stripe; two orders sharing a stripe serialize against each
// other, which is harmless.
const lockStripes = 64

// Service owns order lifecycle operations. Every side-effecting
// command flows through the idempotency ledger, the risk pipeline and
// the transition table; broker events enter through ApplyBrokerEvent
// on the connector's dispatch goroutine.
type Service struct {
	db        *Database
	idem      *idempotency.Ledger
	pipeline  *risk.Pipeline
	ingestor  *ledger.Ingestor
	connector *broker.Connector
	audit     *audit.Service
	bus       *events.Bus

	locks [lockStripes]sync.Mutex
}

// NewService wires the order service. The connector may be nil in
// read-only deployments; command paths then fail with
// ConnectivityError.
func NewService(
	gormDB *gorm.DB,
	idem *idempotency.Ledger,
	pipeline *risk.Pipeline,
	ingestor *ledger.Ingestor,
	connector *broker.Connector,
	auditSvc *audit.Service,
	bus *events.Bus,
) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		idem:      idem,
		pipeline:  pipeline,
		ingestor:  ingestor,
		connector: connector,
		audit:     auditSvc,
		bus:       bus,
	}
}

// Database exposes the order store, used by the reconciliation engine.
func (s *Service) Database() *Database { return s.db }

func (s *Service) lock(tenantID, clientOrderID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(clientOrderID))
	return &s.locks[h.Sum32()%lockStripes]
}

// SubmitOrder validates, risk-checks and routes a new order. The
// returned bytes are the stored idempotent response; an identical
// resubmission within the TTL window replays them without
// re-executing.
func (s *Service) SubmitOrder(ctx context.Context, tenantID, actor string, spec *types.OrderSpec) ([]byte, error) {
	return s.idem.Execute(ctx, tenantID, "order.submit", spec, func(ctx context.Context) (interface{}, error) {
		return s.submit(ctx, tenantID, actor, spec)
	})
}

func (s *Service) submit(ctx context.Context, tenantID, actor string, spec *types.OrderSpec) (*types.OrderView, error) {
	if err := s.validate(spec); err != nil {
		return nil, err
	}

	mu := s.lock(tenantID, spec.ClientOrderID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.db.GetOrder(tenantID, spec.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// A retry after a routing connectivity failure resumes from
		// where the first attempt stopped; anything else is a reused id.
		if existing.State == types.StatePendingRisk {
			return s.route(ctx, existing, actor)
		}
		return nil, &types.ValidationError{Field: "client_order_id", Reason: "client order id already in use"}
	}

	// Refuse up front when no session is available, before any row
	// exists. A connectivity failure inside route still leaves the
	// order PENDING_RISK for a retry; reconciliation rejects it if the
	// caller never comes back.
	if !s.connector.Accepting() {
		return nil, &types.ConnectivityError{Op: "submit"}
	}

	// Snapshot account state once, before the order itself exists, so
	// the intent is judged against the state the caller saw.
	intent, snap, err := s.snapshot(tenantID, spec)
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		TenantID:          tenantID,
		ClientOrderID:     spec.ClientOrderID,
		AccountID:         spec.AccountID,
		Symbol:            spec.Symbol,
		Side:              spec.Side,
		OrderType:         spec.OrderType,
		Quantity:          spec.Quantity,
		LimitPrice:        spec.LimitPrice,
		StopPrice:         spec.StopPrice,
		TimeInForce:       spec.TimeInForce,
		State:             types.StateNew,
		Version:           1,
		RemainingQuantity: spec.Quantity,
		Metadata:          spec.Metadata,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.db.CreateOrder(tx, order); err != nil {
			return err
		}
		if err := s.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     audit.ActionOrderCreated,
			EntityType: "order",
			EntityID:   order.ClientOrderID,
			After:      types.NewOrderView(order),
		}); err != nil {
			return err
		}
		return s.transition(tx, order, types.StatePendingRisk, actor, nil)
	})
	if err != nil {
		return nil, err
	}

	if rej := s.pipeline.Evaluate(intent, snap); rej != nil {
		err = s.db.Transaction(func(tx *gorm.DB) error {
			if err := s.audit.Append(tx, audit.Record{
				TenantID:   tenantID,
				Actor:      actor,
				Action:     audit.ActionGateDecision,
				EntityType: "order",
				EntityID:   order.ClientOrderID,
				After:      rej,
			}); err != nil {
				return err
			}
			return s.transition(tx, order, types.StateRejected, actor, func(o *types.Order) {
				o.RejectCode = rej.Code
				o.RejectReason = rej.Reason
			})
		})
		if err != nil {
			return nil, err
		}
		s.bus.Publish(types.EventOrderRejected, tenantID, order.AccountID, types.NewOrderView(order))
		if rej.Compliance {
			return nil, &types.ComplianceBlockedError{Gate: rej.Gate, Code: rej.Code, Reason: rej.Reason}
		}
		return nil, &types.RiskRejectedError{Gate: rej.Gate, Code: rej.Code, Reason: rej.Reason}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     audit.ActionGateDecision,
			EntityType: "order",
			EntityID:   order.ClientOrderID,
			After:      map[string]interface{}{"result": "PASS", "gates": gateNames(s.pipeline)},
		})
	})
	if err != nil {
		return nil, err
	}

	return s.route(ctx, order, actor)
}

// route submits a risk-approved order to the broker and marks it
// ROUTED. On connectivity failure the order stays PENDING_RISK so a
// retry with the same payload resumes here.
func (s *Service) route(ctx context.Context, order *types.Order, actor string) (*types.OrderView, error) {
	brokerOrderID, err := s.connector.Submit(ctx, &broker.OrderRequest{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StateRouted, actor, func(o *types.Order) {
			o.BrokerOrderID = brokerOrderID
			o.SubmittedAt = &now
		})
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(types.EventOrderRouted, order.TenantID, order.AccountID, types.NewOrderView(order))

	log.Info().
		Str("tenant_id", order.TenantID).
		Str("client_order_id", order.ClientOrderID).
		Str("broker_order_id", brokerOrderID).
		Str("symbol", order.Symbol).
		Msg("order routed to broker")

	return types.NewOrderView(order), nil
}

// CancelOrder requests cancellation of an open order. The order moves
// to PENDING_CANCEL when the request is handed to the broker; the
// terminal CANCELED state arrives only with the broker's ack.
func (s *Service) CancelOrder(ctx context.Context, tenantID, actor, clientOrderID string, req *types.CancelRequest) ([]byte, error) {
	payload := struct {
		ClientOrderID   string `json:"client_order_id"`
		ExpectedVersion int64  `json:"expected_version"`
	}{clientOrderID, req.ExpectedVersion}

	return s.idem.Execute(ctx, tenantID, "order.cancel", payload, func(ctx context.Context) (interface{}, error) {
		return s.cancel(ctx, tenantID, actor, clientOrderID, req.ExpectedVersion)
	})
}

func (s *Service) cancel(ctx context.Context, tenantID, actor, clientOrderID string, expectedVersion int64) (*types.OrderView, error) {
	mu := s.lock(tenantID, clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(tenantID, clientOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &types.NotFoundError{Resource: "order", ID: clientOrderID}
	}
	if order.Version != expectedVersion {
		return nil, &types.StateConflictError{
			ClientOrderID:   clientOrderID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   order.Version,
		}
	}
	if !cancellable(order.State) {
		return nil, &types.ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("order in state %s cannot be canceled", order.State),
		}
	}
	if !s.connector.Accepting() {
		return nil, &types.ConnectivityError{Op: "cancel"}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StatePendingCancel, actor, nil)
	})
	if err != nil {
		return nil, err
	}

	// Outcome unknown on failure here: the order stays PENDING_CANCEL
	// and reconciliation resolves it against the broker's view.
	if err := s.connector.Cancel(ctx, order.BrokerOrderID); err != nil {
		return nil, err
	}

	return types.NewOrderView(order), nil
}

// ModifyOrder requests modification of an open order. The requested
// fields are held until the broker's MODIFY_ACK applies them.
func (s *Service) ModifyOrder(ctx context.Context, tenantID, actor, clientOrderID string, req *types.ModifyRequest) ([]byte, error) {
	payload := struct {
		ClientOrderID   string           `json:"client_order_id"`
		ExpectedVersion int64            `json:"expected_version"`
		Spec            types.ModifySpec `json:"spec"`
	}{clientOrderID, req.ExpectedVersion, req.Spec}

	return s.idem.Execute(ctx, tenantID, "order.modify", payload, func(ctx context.Context) (interface{}, error) {
		return s.modify(ctx, tenantID, actor, clientOrderID, req.ExpectedVersion, req.Spec)
	})
}

func (s *Service) modify(ctx context.Context, tenantID, actor, clientOrderID string, expectedVersion int64, spec types.ModifySpec) (*types.OrderView, error) {
	if spec.Quantity == 0 && spec.LimitPrice == 0 && spec.StopPrice == 0 {
		return nil, &types.ValidationError{Field: "spec", Reason: "modify must change at least one field"}
	}
	if spec.Quantity < 0 || spec.LimitPrice < 0 || spec.StopPrice < 0 {
		return nil, &types.ValidationError{Field: "spec", Reason: "modify fields must be positive"}
	}

	mu := s.lock(tenantID, clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(tenantID, clientOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &types.NotFoundError{Resource: "order", ID: clientOrderID}
	}
	if order.Version != expectedVersion {
		return nil, &types.StateConflictError{
			ClientOrderID:   clientOrderID,
			ExpectedVersion: expectedVersion,
			ActualVersion:   order.Version,
		}
	}
	if !modifiable(order.State) {
		return nil, &types.ValidationError{
			Field:  "state",
			Reason: fmt.Sprintf("order in state %s cannot be modified", order.State),
		}
	}
	if spec.Quantity > 0 && spec.Quantity < order.FilledQuantity {
		return nil, &types.ValidationError{
			Field:  "quantity",
			Reason: "modified quantity is below the filled quantity",
		}
	}
	if !s.connector.Accepting() {
		return nil, &types.ConnectivityError{Op: "modify"}
	}

	pending, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StatePendingModify, actor, func(o *types.Order) {
			o.PendingModify = string(pending)
		})
	})
	if err != nil {
		return nil, err
	}

	if err := s.connector.Modify(ctx, order.BrokerOrderID, broker.ModifyRequest{
		Quantity:   spec.Quantity,
		LimitPrice: spec.LimitPrice,
		StopPrice:  spec.StopPrice,
	}); err != nil {
		return nil, err
	}

	return types.NewOrderView(order), nil
}

// GetOrder returns the tenant's order snapshot.
func (s *Service) GetOrder(tenantID, clientOrderID string) (*types.OrderView, error) {
	order, err := s.db.GetOrder(tenantID, clientOrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &types.NotFoundError{Resource: "order", ID: clientOrderID}
	}
	return types.NewOrderView(order), nil
}

// ListOrders returns the tenant's orders narrowed by filter, newest
// first.
func (s *Service) ListOrders(tenantID string, filter *types.OrderFilter) ([]types.OrderView, error) {
	orders, err := s.db.ListOrders(tenantID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]types.OrderView, 0, len(orders))
	for i := range orders {
		views = append(views, *types.NewOrderView(&orders[i]))
	}
	return views, nil
}

// ListExecutions returns the fills recorded against one order.
func (s *Service) ListExecutions(tenantID, clientOrderID string) ([]types.Execution, error) {
	return s.ingestor.ListExecutions(tenantID, clientOrderID)
}

// GetPosition returns the account's position in one instrument.
func (s *Service) GetPosition(tenantID, accountID, symbol string) (*types.Position, error) {
	pos, err := s.ingestor.GetPosition(tenantID, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, &types.NotFoundError{Resource: "position", ID: symbol}
	}
	return pos, nil
}

// ListPositions returns all of the account's positions.
func (s *Service) ListPositions(tenantID, accountID string) ([]types.Position, error) {
	return s.ingestor.ListPositions(tenantID, accountID)
}

// transition applies a single legal state change inside tx: mutate
// runs first, then state, version and audit are updated atomically.
func (s *Service) transition(tx *gorm.DB, order *types.Order, to types.OrderState, actor string, mutate func(*types.Order)) error {
	if !CanTransition(order.State, to) {
		return &types.IllegalTransitionError{
			ClientOrderID: order.ClientOrderID,
			From:          order.State,
			To:            to,
		}
	}

	before := types.NewOrderView(order)
	readVersion := order.Version

	if mutate != nil {
		mutate(order)
	}
	order.State = to
	order.Version++

	if err := s.audit.Append(tx, audit.Record{
		TenantID:   order.TenantID,
		Actor:      actor,
		Action:     audit.ActionOrderTransition,
		EntityType: "order",
		EntityID:   order.ClientOrderID,
		Before:     before,
		After:      types.NewOrderView(order),
	}); err != nil {
		return err
	}
	return s.db.SaveVersioned(tx, order, readVersion)
}

// snapshot builds the risk intent and the account snapshot consumed
// by the gate pipeline.
func (s *Service) snapshot(tenantID string, spec *types.OrderSpec) (*risk.Intent, *risk.Snapshot, error) {
	price := spec.LimitPrice
	if price == 0 {
		price = spec.StopPrice
	}

	openCount, err := s.db.CountOpenOrders(tenantID, spec.AccountID)
	if err != nil {
		return nil, nil, err
	}

	var posQty float64
	pos, err := s.ingestor.GetPosition(tenantID, spec.AccountID, spec.Symbol)
	if err != nil {
		return nil, nil, err
	}
	if pos != nil {
		posQty = pos.Quantity
		if price == 0 {
			price = pos.MarkPrice
		}
	}

	var realized float64
	positions, err := s.ingestor.ListPositions(tenantID, spec.AccountID)
	if err != nil {
		return nil, nil, err
	}
	for i := range positions {
		realized += positions[i].RealizedPnL
	}

	inst, err := s.db.GetInstrument(spec.Symbol)
	if err != nil {
		return nil, nil, err
	}

	intent := &risk.Intent{
		TenantID:  tenantID,
		AccountID: spec.AccountID,
		Symbol:    spec.Symbol,
		Side:      spec.Side,
		Quantity:  spec.Quantity,
		Price:     price,
	}
	snap := &risk.Snapshot{
		OpenOrderCount: openCount,
		PositionQty:    posQty,
		RealizedPnL:    realized,
		KnownSymbol:    inst != nil,
		Tradable:       inst != nil && inst.Tradable,
	}
	return intent, snap, nil
}

func (s *Service) validate(spec *types.OrderSpec) error {
	if spec.ClientOrderID == "" || len(spec.ClientOrderID) > 64 {
		return &types.ValidationError{Field: "client_order_id", Reason: "must be 1-64 characters"}
	}
	if spec.AccountID == "" {
		return &types.ValidationError{Field: "account_id", Reason: "is required"}
	}
	if spec.Symbol == "" {
		return &types.ValidationError{Field: "symbol", Reason: "is required"}
	}
	if spec.Side != types.SideBuy && spec.Side != types.SideSell {
		return &types.ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	switch spec.OrderType {
	case types.OrderTypeMarket:
		if spec.LimitPrice != 0 {
			return &types.ValidationError{Field: "limit_price", Reason: "must not be set on market orders"}
		}
	case types.OrderTypeLimit:
		if spec.LimitPrice <= 0 {
			return &types.ValidationError{Field: "limit_price", Reason: "must be positive for limit orders"}
		}
	case types.OrderTypeStop:
		if spec.StopPrice <= 0 {
			return &types.ValidationError{Field: "stop_price", Reason: "must be positive for stop orders"}
		}
	default:
		return &types.ValidationError{Field: "order_type", Reason: "must be MARKET, LIMIT or STOP"}
	}
	if spec.Quantity <= 0 {
		return &types.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if spec.TimeInForce == "" {
		spec.TimeInForce = types.TIFDay
	}
	switch spec.TimeInForce {
	case types.TIFDay, types.TIFGTC, types.TIFIOC:
	default:
		return &types.ValidationError{Field: "time_in_force", Reason: "must be DAY, GTC or IOC"}
	}
	return nil
}

func gateNames(p *risk.Pipeline) []string {
	names := make([]string, 0, len(p.Gates()))
	for _, g := range p.Gates() {
		names = append(names, g.Name())
	}
	return names
}
