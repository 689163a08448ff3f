// Package ledger applies broker fills to executions and positions. It
// is the only component that mutates Position rows; positions are a
// derived cache recomputable from the Execution history.
package ledger

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/types"
)

// Ingestor folds Execution records into per (account, instrument)
// positions using weighted-average cost.
type Ingestor struct {
	db  *Database
	bus *events.Bus
}

// NewIngestor creates an ingestor publishing position updates on bus.
func NewIngestor(gormDB *gorm.DB, bus *events.Bus) *Ingestor {
	return &Ingestor{
		db:  NewDatabase(gormDB),
		bus: bus,
	}
}

// Ingest records one fill and applies its position delta. Ingesting an
// already-seen broker execution id is a no-op, which makes replay from
// reconciliation safe: a racing live event and a replay of the same
// execution collapse to one row and one delta.
func (in *Ingestor) Ingest(exec *types.Execution) (applied bool, err error) {
	logger := log.With().
		Str("broker_execution_id", exec.BrokerExecutionID).
		Str("client_order_id", exec.ClientOrderID).
		Str("symbol", exec.Symbol).
		Float64("quantity", exec.Quantity).
		Float64("price", exec.Price).
		Logger()

	alreadySeen, err := in.db.CreateExecution(exec)
	if err != nil {
		return false, fmt.Errorf("failed to record execution: %w", err)
	}
	if alreadySeen {
		logger.Debug().Msg("duplicate broker execution id, skipping")
		return false, nil
	}

	pos, err := in.applyToPosition(exec)
	if err != nil {
		return false, err
	}

	in.bus.Publish(types.EventPositionUpdated, exec.TenantID, exec.AccountID, pos)

	logger.Info().
		Float64("position_quantity", pos.Quantity).
		Float64("average_cost", pos.AverageCost).
		Float64("realized_pnl", pos.RealizedPnL).
		Msg("execution ingested")

	return true, nil
}

func (in *Ingestor) applyToPosition(exec *types.Execution) (*types.Position, error) {
	pos, err := in.db.GetPosition(exec.TenantID, exec.AccountID, exec.Symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &types.Position{
			TenantID:  exec.TenantID,
			AccountID: exec.AccountID,
			Symbol:    exec.Symbol,
		}
	}

	applyFill(pos, exec)
	pos.LastUpdated = exec.ExecutedAt

	if err := in.db.SavePosition(pos); err != nil {
		return nil, fmt.Errorf("failed to save position: %w", err)
	}
	return pos, nil
}

// applyFill delta-updates quantity and cost basis using weighted
// average cost. Realized P&L is recognized on any reduction toward or
// through zero; a fill that flips the position opens the remainder at
// the fill price.
func applyFill(pos *types.Position, exec *types.Execution) {
	delta := decimal.NewFromFloat(exec.Quantity)
	if exec.Side == types.SideSell {
		delta = delta.Neg()
	}
	oldQty := decimal.NewFromFloat(pos.Quantity)
	avgCost := decimal.NewFromFloat(pos.AverageCost)
	price := decimal.NewFromFloat(exec.Price)
	realized := decimal.NewFromFloat(pos.RealizedPnL)

	newQty := oldQty.Add(delta)

	switch {
	case oldQty.IsZero() || oldQty.Sign() == delta.Sign():
		// Opening or extending: weighted-average the cost basis.
		if !newQty.IsZero() {
			totalCost := oldQty.Mul(avgCost).Add(delta.Mul(price))
			avgCost = totalCost.Div(newQty)
		} else {
			avgCost = decimal.Zero
		}
	default:
		// Reducing: realize P&L on the closed quantity at the old
		// average cost.
		closed := decimal.Min(delta.Abs(), oldQty.Abs())
		pnl := price.Sub(avgCost).Mul(closed)
		if oldQty.Sign() < 0 {
			pnl = pnl.Neg()
		}
		realized = realized.Add(pnl)

		switch {
		case newQty.IsZero():
			avgCost = decimal.Zero
		case newQty.Sign() != oldQty.Sign():
			// Flipped through zero: remainder opens at the fill price.
			avgCost = price
		}
	}

	pos.Quantity, _ = newQty.Float64()
	pos.AverageCost, _ = avgCost.Float64()
	pos.RealizedPnL, _ = realized.Float64()
}

// Recompute rebuilds one position from scratch as a fold over its full
// execution history, replacing the cached row.
func (in *Ingestor) Recompute(tenantID, accountID, symbol string) (*types.Position, error) {
	execs, err := in.db.ListExecutionsByAccount(tenantID, accountID, time.Time{})
	if err != nil {
		return nil, err
	}

	fresh := &types.Position{
		TenantID:  tenantID,
		AccountID: accountID,
		Symbol:    symbol,
	}
	for i := range execs {
		if execs[i].Symbol != symbol {
			continue
		}
		applyFill(fresh, &execs[i])
		fresh.LastUpdated = execs[i].ExecutedAt
	}

	existing, err := in.db.GetPosition(tenantID, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		fresh.Model = existing.Model
		fresh.MarkPrice = existing.MarkPrice
	}
	if err := in.db.SavePosition(fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// MarkToMarket updates unrealized P&L against an externally supplied
// last-known price.
func (in *Ingestor) MarkToMarket(tenantID, accountID, symbol string, markPrice float64) (*types.Position, error) {
	pos, err := in.db.GetPosition(tenantID, accountID, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, &types.NotFoundError{Resource: "position", ID: symbol}
	}

	qty := decimal.NewFromFloat(pos.Quantity)
	avg := decimal.NewFromFloat(pos.AverageCost)
	mark := decimal.NewFromFloat(markPrice)

	// (mark - avg) * qty holds for long and short positions alike.
	unrealized := mark.Sub(avg).Mul(qty)

	pos.MarkPrice = markPrice
	pos.UnrealizedPnL, _ = unrealized.Float64()
	pos.LastUpdated = time.Now()

	if err := in.db.SavePosition(pos); err != nil {
		return nil, err
	}
	in.bus.Publish(types.EventPositionUpdated, tenantID, accountID, pos)
	return pos, nil
}

// GetPosition returns the cached position row, nil when flat and never
// traded.
func (in *Ingestor) GetPosition(tenantID, accountID, symbol string) (*types.Position, error) {
	return in.db.GetPosition(tenantID, accountID, symbol)
}

// ListPositions returns all cached positions for an account.
func (in *Ingestor) ListPositions(tenantID, accountID string) ([]types.Position, error) {
	return in.db.ListPositions(tenantID, accountID)
}

// ListExecutions returns the fills for one order, oldest first.
func (in *Ingestor) ListExecutions(tenantID, clientOrderID string) ([]types.Execution, error) {
	return in.db.ListExecutionsByOrder(tenantID, clientOrderID)
}

// SeenExecution reports whether a broker execution id was already
// ingested. Used by reconciliation's three-way diff.
func (in *Ingestor) SeenExecution(brokerExecutionID string) (bool, error) {
	exec, err := in.db.GetExecutionByBrokerID(brokerExecutionID)
	if err != nil {
		return false, err
	}
	return exec != nil, nil
}
