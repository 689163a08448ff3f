package oms

import (
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/broker"
	"github.com/dunmininu/oms-trading/internal/types"
)

// Corrective entry points used by the reconciliation engine. They run
// through the same transition table and audit trail as everything
// else; the only difference is the actor and the audit action.

// AdoptVenueOrder creates a local record for an order the broker
// knows and we do not, already in ROUTED state. This happens when a
// crash lost the local write after the venue accepted the order.
func (s *Service) AdoptVenueOrder(tenantID, accountID string, vo broker.VenueOrder) error {
	mu := s.lock(tenantID, vo.ClientOrderID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.db.GetOrder(tenantID, vo.ClientOrderID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	order := &types.Order{
		TenantID:          tenantID,
		ClientOrderID:     vo.ClientOrderID,
		BrokerOrderID:     vo.BrokerOrderID,
		AccountID:         accountID,
		Symbol:            vo.Symbol,
		Side:              vo.Side,
		OrderType:         types.OrderTypeLimit,
		Quantity:          vo.Quantity,
		LimitPrice:        vo.LimitPrice,
		TimeInForce:       types.TIFGTC,
		State:             types.StateRouted,
		Version:           1,
		FilledQuantity:    vo.Quantity - vo.RemainingQuantity,
		RemainingQuantity: vo.RemainingQuantity,
	}
	if vo.LimitPrice == 0 {
		order.OrderType = types.OrderTypeMarket
	}

	log.Warn().
		Str("tenant_id", tenantID).
		Str("client_order_id", vo.ClientOrderID).
		Str("broker_order_id", vo.BrokerOrderID).
		Msg("adopting venue order with no local counterpart")

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.db.CreateOrder(tx, order); err != nil {
			return err
		}
		return s.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      "reconciler",
			Action:     audit.ActionReconcileCorrect,
			EntityType: "order",
			EntityID:   order.ClientOrderID,
			After:      types.NewOrderView(order),
		})
	})
}

// ResolveUnrouted rejects an order that passed risk but was never
// handed to the broker. A routing attempt that died on connectivity
// leaves the order PENDING_RISK for the caller to retry; once the
// retry window has lapsed the order would otherwise hold an open-order
// slot forever and no venue event can ever move it.
func (s *Service) ResolveUnrouted(tenantID, clientOrderID, reason string) error {
	mu := s.lock(tenantID, clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a concurrent retry may just have routed
	// the order.
	order, err := s.db.GetOrder(tenantID, clientOrderID)
	if err != nil {
		return err
	}
	if order == nil || order.State != types.StatePendingRisk || order.BrokerOrderID != "" {
		return nil
	}

	log.Warn().
		Str("tenant_id", tenantID).
		Str("client_order_id", clientOrderID).
		Str("reason", reason).
		Msg("rejecting order that never reached the venue")

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      "reconciler",
			Action:     audit.ActionReconcileCorrect,
			EntityType: "order",
			EntityID:   clientOrderID,
			After:      map[string]string{"resolution": "REJECTED", "reason": reason},
		}); err != nil {
			return err
		}
		return s.transition(tx, order, types.StateRejected, "reconciler", func(o *types.Order) {
			o.RejectCode = "NEVER_ROUTED"
			o.RejectReason = reason
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(types.EventOrderRejected, order.TenantID, order.AccountID, types.NewOrderView(order))
	return nil
}

// ResolveVanished closes out an order that is open locally but absent
// from the broker's open set after executions have been replayed: the
// venue no longer holds it, so the local record moves to CANCELED.
func (s *Service) ResolveVanished(tenantID, clientOrderID, reason string) error {
	mu := s.lock(tenantID, clientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(tenantID, clientOrderID)
	if err != nil {
		return err
	}
	if order == nil || order.State.IsTerminal() {
		return nil
	}

	log.Warn().
		Str("tenant_id", tenantID).
		Str("client_order_id", clientOrderID).
		Str("state", string(order.State)).
		Str("reason", reason).
		Msg("closing order the venue no longer holds")

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.audit.Append(tx, audit.Record{
			TenantID:   tenantID,
			Actor:      "reconciler",
			Action:     audit.ActionReconcileCorrect,
			EntityType: "order",
			EntityID:   clientOrderID,
			After:      map[string]string{"resolution": "CANCELED", "reason": reason},
		}); err != nil {
			return err
		}
		now := time.Now()
		return s.transition(tx, order, types.StateCanceled, "reconciler", func(o *types.Order) {
			o.CanceledAt = &now
			o.RejectReason = reason
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(types.EventOrderCanceled, order.TenantID, order.AccountID, types.NewOrderView(order))
	return nil
}
