package oms

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/broker"
	"github.com/dunmininu/oms-trading/internal/types"
)

// ApplyBrokerEvent folds one venue notification into the order state
// machine. It is called on the connector's single dispatch goroutine
// for live events and by the reconciliation engine for synthetic ones
// (which carry sequence zero and bypass the replay guard, relying on
// execution-id dedup instead). Events targeting terminal orders are
// discarded as no-ops and audited as such.
func (s *Service) ApplyBrokerEvent(tenantID, actor string, ev broker.Event) error {
	logger := log.With().
		Str("tenant_id", tenantID).
		Str("client_order_id", ev.ClientOrderID).
		Str("event_type", string(ev.Type)).
		Int64("sequence", ev.Sequence).
		Logger()

	mu := s.lock(tenantID, ev.ClientOrderID)
	mu.Lock()
	defer mu.Unlock()

	order, err := s.db.GetOrder(tenantID, ev.ClientOrderID)
	if err != nil {
		return err
	}
	if order == nil && ev.BrokerOrderID != "" {
		order, err = s.db.GetOrderByBrokerID(ev.BrokerOrderID)
		if err != nil {
			return err
		}
	}
	if order == nil {
		logger.Warn().Msg("event for unknown order, discarding")
		return nil
	}

	if order.State.IsTerminal() {
		logger.Info().Str("state", string(order.State)).Msg("event for terminal order, discarding")
		return s.db.Transaction(func(tx *gorm.DB) error {
			return s.audit.Append(tx, audit.Record{
				TenantID:   tenantID,
				Actor:      actor,
				Action:     audit.ActionTransitionNoop,
				EntityType: "order",
				EntityID:   order.ClientOrderID,
				After:      ev,
			})
		})
	}

	if ev.Sequence > 0 && ev.Sequence <= order.LastBrokerSeq {
		logger.Debug().Int64("last_applied", order.LastBrokerSeq).Msg("stale sequence, discarding replay")
		return nil
	}

	switch ev.Type {
	case broker.EventAck:
		return s.applyAck(order, actor, ev)
	case broker.EventReject:
		return s.applyReject(order, actor, ev)
	case broker.EventCancelAck:
		return s.applyCancelAck(order, actor, ev)
	case broker.EventModifyAck:
		return s.applyModifyAck(order, actor, ev)
	case broker.EventExpired:
		return s.applyExpired(order, actor, ev)
	case broker.EventFill:
		return s.applyFill(order, actor, ev)
	default:
		logger.Warn().Msg("unknown event type, discarding")
		return nil
	}
}

// applyAck confirms routing. Orders are normally marked ROUTED when
// the synchronous submit returns, so the ack is usually a no-op that
// only advances the sequence cursor.
func (s *Service) applyAck(order *types.Order, actor string, ev broker.Event) error {
	if order.State != types.StatePendingRisk {
		return s.advanceSeq(order, ev)
	}
	now := time.Now()
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StateRouted, actor, func(o *types.Order) {
			if o.BrokerOrderID == "" {
				o.BrokerOrderID = ev.BrokerOrderID
			}
			o.SubmittedAt = &now
			o.LastBrokerSeq = ev.Sequence
		})
	})
}

func (s *Service) applyReject(order *types.Order, actor string, ev broker.Event) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StateRejected, actor, func(o *types.Order) {
			o.RejectCode = "BROKER_REJECT"
			o.RejectReason = ev.Reason
			o.LastBrokerSeq = ev.Sequence
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(types.EventOrderRejected, order.TenantID, order.AccountID, types.NewOrderView(order))
	return nil
}

func (s *Service) applyCancelAck(order *types.Order, actor string, ev broker.Event) error {
	now := time.Now()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StateCanceled, actor, func(o *types.Order) {
			o.CanceledAt = &now
			o.LastBrokerSeq = ev.Sequence
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(types.EventOrderCanceled, order.TenantID, order.AccountID, types.NewOrderView(order))
	return nil
}

// applyModifyAck applies the held modify fields and returns the order
// to its resting state.
func (s *Service) applyModifyAck(order *types.Order, actor string, ev broker.Event) error {
	var spec types.ModifySpec
	if order.PendingModify != "" {
		if err := json.Unmarshal([]byte(order.PendingModify), &spec); err != nil {
			log.Error().Err(err).
				Str("client_order_id", order.ClientOrderID).
				Msg("corrupt pending modify payload")
		}
	}

	target := types.StateRouted
	if order.FilledQuantity > 0 {
		target = types.StatePartiallyFilled
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, target, actor, func(o *types.Order) {
			if spec.Quantity > 0 {
				o.Quantity = spec.Quantity
				o.RemainingQuantity = spec.Quantity - o.FilledQuantity
			}
			if spec.LimitPrice > 0 {
				o.LimitPrice = spec.LimitPrice
			}
			if spec.StopPrice > 0 {
				o.StopPrice = spec.StopPrice
			}
			o.PendingModify = ""
			o.LastBrokerSeq = ev.Sequence
		})
	})
}

func (s *Service) applyExpired(order *types.Order, actor string, ev broker.Event) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, types.StateExpired, actor, func(o *types.Order) {
			o.LastBrokerSeq = ev.Sequence
		})
	})
	if err != nil {
		return err
	}
	s.bus.Publish(types.EventOrderExpired, order.TenantID, order.AccountID, types.NewOrderView(order))
	return nil
}

// applyFill records the execution, updates fill accounting and moves
// the order to PARTIALLY_FILLED or FILLED. Orders with an outstanding
// cancel or modify keep their pending state until fully filled.
func (s *Service) applyFill(order *types.Order, actor string, ev broker.Event) error {
	if ev.Fill == nil {
		log.Warn().Str("client_order_id", order.ClientOrderID).Msg("fill event without execution payload")
		return nil
	}
	fill := ev.Fill

	exec := &types.Execution{
		ExecutionID:       uuid.New().String(),
		BrokerExecutionID: fill.BrokerExecutionID,
		TenantID:          order.TenantID,
		AccountID:         order.AccountID,
		ClientOrderID:     order.ClientOrderID,
		Symbol:            order.Symbol,
		Side:              order.Side,
		Quantity:          fill.Quantity,
		Price:             fill.Price,
		Commission:        fill.Commission,
		ExecutedAt:        fill.ExecutedAt,
	}

	applied, err := s.ingestor.Ingest(exec)
	if err != nil {
		return err
	}
	if !applied {
		// Duplicate delivery of an execution already folded in.
		return s.advanceSeq(order, ev)
	}

	filled := order.FilledQuantity + fill.Quantity
	avg := order.AveragePrice
	if filled > 0 {
		avg = (order.AveragePrice*order.FilledQuantity + fill.Price*fill.Quantity) / filled
	}

	target := types.StatePartiallyFilled
	if order.State == types.StatePendingCancel || order.State == types.StatePendingModify {
		target = order.State
	}
	fullyFilled := fill.RemainingQuantity <= 0
	if fullyFilled {
		target = types.StateFilled
	}

	now := time.Now()
	err = s.db.Transaction(func(tx *gorm.DB) error {
		return s.transition(tx, order, target, actor, func(o *types.Order) {
			o.FilledQuantity = filled
			o.RemainingQuantity = fill.RemainingQuantity
			o.AveragePrice = avg
			o.Commission += fill.Commission
			o.LastBrokerSeq = ev.Sequence
			if fullyFilled {
				o.FilledAt = &now
			}
		})
	})
	if err != nil {
		return err
	}

	eventType := types.EventOrderPartiallyFilled
	if fullyFilled {
		eventType = types.EventOrderFilled
	}
	s.bus.Publish(eventType, order.TenantID, order.AccountID, types.NewOrderView(order))
	return nil
}

// advanceSeq persists the sequence cursor without a state change.
func (s *Service) advanceSeq(order *types.Order, ev broker.Event) error {
	if ev.Sequence <= order.LastBrokerSeq {
		return nil
	}
	readVersion := order.Version
	order.LastBrokerSeq = ev.Sequence
	order.Version++
	return s.db.SaveVersioned(s.db.DB(), order, readVersion)
}
