// Package reconcile resolves divergence between local order and
// position state and the broker's authoritative view. A pass runs on
// every session (re)establishment, before new order flow is accepted,
// and must be safe to repeat: every step is idempotent and a pass
// interrupted half-way leaves state no worse than before.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/broker"
	"github.com/dunmininu/oms-trading/internal/config"
	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/ledger"
	"github.com/dunmininu/oms-trading/internal/oms"
	"github.com/dunmininu/oms-trading/internal/types"
)

// unroutedGrace is how long a never-routed order may sit in
// PENDING_RISK before reconciliation rejects it. It covers the window
// in which a caller retry can still resume routing.
const unroutedGrace = time.Minute

// Engine performs the three-way diff between local orders, local
// executions and the broker's reported state.
type Engine struct {
	db        *gorm.DB
	orders    *oms.Service
	ingestor  *ledger.Ingestor
	connector *broker.Connector
	audit     *audit.Service
	bus       *events.Bus
	cfg       config.ReconcileConfig
}

// NewEngine wires a reconciliation engine for the connector's account.
func NewEngine(
	db *gorm.DB,
	orders *oms.Service,
	ingestor *ledger.Ingestor,
	connector *broker.Connector,
	auditSvc *audit.Service,
	bus *events.Bus,
	cfg config.ReconcileConfig,
) *Engine {
	return &Engine{
		db:        db,
		orders:    orders,
		ingestor:  ingestor,
		connector: connector,
		audit:     auditSvc,
		bus:       bus,
		cfg:       cfg,
	}
}

// Run executes one reconciliation pass under the configured soft
// deadline. It is registered as the connector's on-connected hook:
// a hard failure here keeps the session out of order flow. The
// deadline is soft: when it expires mid-pass the work already done is
// committed, the cursor advances to the last confirmed execution and
// Run returns success with a warning, so the session is released
// rather than torn down.
func (e *Engine) Run(ctx context.Context) error {
	tenantID := e.connector.TenantID()
	accountID := e.connector.AccountID()

	logger := log.With().
		Str("tenant_id", tenantID).
		Str("account_id", accountID).
		Str("component", "reconcile").
		Logger()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.SoftDeadline())
	defer cancel()

	started := time.Now()
	logger.Info().Msg("starting reconciliation pass")

	cursor, err := e.loadCursor(tenantID, accountID)
	if err != nil {
		return fmt.Errorf("failed to load reconciliation cursor: %w", err)
	}

	venue := e.connector.Venue()

	var (
		adopted, closed, drifts int
		stalled                 string
	)

	// Step 1: replay executions the venue has seen since the cursor.
	// The fetch overlaps the cursor on purpose; already-ingested
	// execution ids collapse to no-ops. On error newest still reflects
	// the executions confirmed before the failure.
	newest, replayed, err := e.replayExecutions(ctx, venue, tenantID, cursor.LastExecutedAt)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		stalled = "execution replay"
	case err != nil:
		return fmt.Errorf("execution replay failed: %w", err)
	}

	// Step 2: diff open orders in both directions.
	if stalled == "" {
		var venueOpen []broker.VenueOrder
		venueOpen, err = venue.OpenOrders(ctx)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			stalled = "open order fetch"
		case err != nil:
			return fmt.Errorf("failed to fetch venue open orders: %w", err)
		default:
			adopted, closed, err = e.diffOrders(ctx, venue, tenantID, accountID, venueOpen)
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				stalled = "order diff"
			case err != nil:
				return fmt.Errorf("order diff failed: %w", err)
			}
		}
	}

	// Step 3: flag position drift. Positions are never silently
	// overwritten; drift is surfaced for an operator.
	if stalled == "" {
		drifts, err = e.checkDrift(ctx, venue, tenantID, accountID)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			stalled = "position drift check"
		case err != nil:
			return fmt.Errorf("position drift check failed: %w", err)
		}
	}

	cursor.TenantID = tenantID
	if newest.After(cursor.LastExecutedAt) {
		cursor.LastExecutedAt = newest
	}
	cursor.LastRunAt = time.Now()
	cursor.Passes++
	if err := e.db.Save(cursor).Error; err != nil {
		return fmt.Errorf("failed to advance reconciliation cursor: %w", err)
	}

	if stalled != "" {
		logger.Warn().
			Str("stalled_at", stalled).
			Int("executions_replayed", replayed).
			Int("orders_adopted", adopted).
			Int("orders_closed", closed).
			Dur("elapsed", time.Since(started)).
			Msg("soft deadline expired, committed partial reconciliation pass")
		return nil
	}

	logger.Info().
		Int("executions_replayed", replayed).
		Int("orders_adopted", adopted).
		Int("orders_closed", closed).
		Int("position_drifts", drifts).
		Dur("elapsed", time.Since(started)).
		Msg("reconciliation pass complete")

	return nil
}

func (e *Engine) loadCursor(tenantID, accountID string) (*Cursor, error) {
	var cursor Cursor
	err := e.db.Where("account_id = ?", accountID).First(&cursor).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Cursor{TenantID: tenantID, AccountID: accountID}, nil
		}
		return nil, err
	}
	return &cursor, nil
}

// replayExecutions feeds unseen venue executions through the same
// event path live fills take. Synthetic events carry sequence zero so
// the per-order replay guard defers to execution-id dedup. The
// returned timestamp only covers executions confirmed applied, so on a
// mid-loop failure it is still a safe cursor position.
func (e *Engine) replayExecutions(ctx context.Context, venue broker.Venue, tenantID string, since time.Time) (time.Time, int, error) {
	newest := since
	execs, err := venue.ExecutionsSince(ctx, since)
	if err != nil {
		return newest, 0, err
	}

	replayed := 0
	for _, ve := range execs {
		seen, err := e.ingestor.SeenExecution(ve.BrokerExecutionID)
		if err != nil {
			return newest, replayed, err
		}
		if !seen {
			ev := broker.Event{
				Type:          broker.EventFill,
				ClientOrderID: ve.ClientOrderID,
				BrokerOrderID: ve.BrokerOrderID,
				OccurredAt:    ve.ExecutedAt,
				Fill: &broker.Fill{
					BrokerExecutionID: ve.BrokerExecutionID,
					Quantity:          ve.Quantity,
					Price:             ve.Price,
					Commission:        ve.Commission,
					RemainingQuantity: ve.RemainingQuantity,
					ExecutedAt:        ve.ExecutedAt,
				},
			}
			if err := e.orders.ApplyBrokerEvent(tenantID, "reconciler", ev); err != nil {
				return newest, replayed, err
			}
			replayed++
		}

		if ve.ExecutedAt.After(newest) {
			newest = ve.ExecutedAt
		}
	}
	return newest, replayed, nil
}

// diffOrders reconciles the open-order sets in both directions:
// venue-open orders unknown locally are adopted, locally-terminal
// orders the venue still holds are canceled at the venue, and
// locally-open orders the venue no longer holds are closed out.
func (e *Engine) diffOrders(ctx context.Context, venue broker.Venue, tenantID, accountID string, venueOpen []broker.VenueOrder) (adopted, closed int, err error) {
	db := e.orders.Database()

	openAtVenue := make(map[string]broker.VenueOrder, len(venueOpen))
	for _, vo := range venueOpen {
		openAtVenue[vo.ClientOrderID] = vo

		local, err := db.GetOrder(tenantID, vo.ClientOrderID)
		if err != nil {
			return adopted, closed, err
		}
		switch {
		case local == nil:
			if err := e.orders.AdoptVenueOrder(tenantID, accountID, vo); err != nil {
				return adopted, closed, err
			}
			adopted++
		case local.State.IsTerminal():
			// The venue still holds an order we consider done; close
			// the venue side rather than resurrecting the local one.
			log.Warn().
				Str("client_order_id", vo.ClientOrderID).
				Str("local_state", string(local.State)).
				Msg("venue holds locally-terminal order, issuing corrective cancel")
			if err := venue.Cancel(ctx, vo.BrokerOrderID); err != nil {
				return adopted, closed, err
			}
			if err := e.auditCorrection(tenantID, vo.ClientOrderID, "corrective venue cancel for locally-terminal order"); err != nil {
				return adopted, closed, err
			}
		}
	}

	localOpen, err := db.ListOpenOrders(tenantID, accountID)
	if err != nil {
		return adopted, closed, err
	}
	for i := range localOpen {
		o := &localOpen[i]
		// Orders never handed to the broker have no venue view to
		// reconcile against. Once the caller's retry grace has lapsed
		// they are rejected so the open-order slot is released.
		if o.BrokerOrderID == "" {
			if o.State == types.StatePendingRisk && time.Since(o.UpdatedAt) > unroutedGrace {
				if err := e.orders.ResolveUnrouted(tenantID, o.ClientOrderID, "order never routed to the venue"); err != nil {
					return adopted, closed, err
				}
				closed++
			}
			continue
		}
		if _, ok := openAtVenue[o.ClientOrderID]; ok {
			continue
		}
		// Re-read: the execution replay above may already have
		// resolved this order to FILLED.
		current, err := db.GetOrder(tenantID, o.ClientOrderID)
		if err != nil {
			return adopted, closed, err
		}
		if current == nil || current.State.IsTerminal() {
			continue
		}
		if err := e.orders.ResolveVanished(tenantID, o.ClientOrderID, "order absent from venue open set"); err != nil {
			return adopted, closed, err
		}
		closed++
	}

	return adopted, closed, nil
}

// checkDrift compares venue-reported positions against the local
// ledger and raises a drift event for each divergence beyond
// tolerance.
func (e *Engine) checkDrift(ctx context.Context, venue broker.Venue, tenantID, accountID string) (int, error) {
	venuePositions, err := venue.Positions(ctx)
	if err != nil {
		return 0, err
	}

	local, err := e.ingestor.ListPositions(tenantID, accountID)
	if err != nil {
		return 0, err
	}
	localQty := make(map[string]float64, len(local))
	for i := range local {
		localQty[local[i].Symbol] = local[i].Quantity
	}

	drifts := 0
	seen := make(map[string]bool, len(venuePositions))
	for _, vp := range venuePositions {
		seen[vp.Symbol] = true
		if math.Abs(vp.Quantity-localQty[vp.Symbol]) > e.cfg.PositionTolerance {
			if err := e.raiseDrift(tenantID, accountID, vp.Symbol, localQty[vp.Symbol], vp.Quantity); err != nil {
				return drifts, err
			}
			drifts++
		}
	}
	for symbol, qty := range localQty {
		if seen[symbol] || math.Abs(qty) <= e.cfg.PositionTolerance {
			continue
		}
		if err := e.raiseDrift(tenantID, accountID, symbol, qty, 0); err != nil {
			return drifts, err
		}
		drifts++
	}
	return drifts, nil
}

func (e *Engine) raiseDrift(tenantID, accountID, symbol string, localQty, venueQty float64) error {
	log.Warn().
		Str("tenant_id", tenantID).
		Str("account_id", accountID).
		Str("symbol", symbol).
		Float64("local_quantity", localQty).
		Float64("venue_quantity", venueQty).
		Msg("position drift beyond tolerance")

	err := e.db.Transaction(func(tx *gorm.DB) error {
		return e.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      "reconciler",
			Action:     audit.ActionDriftDetected,
			EntityType: "position",
			EntityID:   accountID + ":" + symbol,
			After: map[string]float64{
				"local_quantity": localQty,
				"venue_quantity": venueQty,
			},
		})
	})
	if err != nil {
		return err
	}

	e.bus.Publish(types.EventDriftDetected, tenantID, accountID, map[string]interface{}{
		"symbol":         symbol,
		"local_quantity": localQty,
		"venue_quantity": venueQty,
	})
	return nil
}

func (e *Engine) auditCorrection(tenantID, entityID, detail string) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		return e.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      "reconciler",
			Action:     audit.ActionReconcileCorrect,
			EntityType: "order",
			EntityID:   entityID,
			After:      map[string]string{"detail": detail},
		})
	})
}
