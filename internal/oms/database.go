package oms

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/types"
)

// Database wraps order persistence. Writes go through versioned
// updates so a lost update is detected even if a caller bypasses the
// per-order lock.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates a new database instance for order operations.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// DB exposes the underlying handle for transaction composition.
func (d *Database) DB() *gorm.DB { return d.db }

// CreateOrder inserts a new order row within tx.
func (d *Database) CreateOrder(tx *gorm.DB, order *types.Order) error {
	return tx.Create(order).Error
}

// GetOrder returns the tenant's order by client order id, nil when
// not found.
func (d *Database) GetOrder(tenantID, clientOrderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.
		Where("tenant_id = ? AND client_order_id = ?", tenantID, clientOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderByBrokerID resolves a broker order id back to the local
// order. Used when a venue event carries no client order id.
func (d *Database) GetOrderByBrokerID(brokerOrderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.
		Where("broker_order_id = ?", brokerOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// SaveVersioned persists order within tx, guarded on the version the
// caller read. RowsAffected of zero means a concurrent writer got
// there first.
func (d *Database) SaveVersioned(tx *gorm.DB, order *types.Order, readVersion int64) error {
	touch(order)
	// Select("*") forces zero-valued fields through; Updates with a
	// struct would otherwise skip them.
	res := tx.Model(&types.Order{}).
		Where("id = ? AND version = ?", order.ID, readVersion).
		Select("*").
		Updates(order)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &types.StateConflictError{
			ClientOrderID:   order.ClientOrderID,
			ExpectedVersion: readVersion,
			ActualVersion:   order.Version,
		}
	}
	return nil
}

// ListOrders returns the tenant's orders newest first, narrowed by
// filter.
func (d *Database) ListOrders(tenantID string, filter *types.OrderFilter) ([]types.Order, error) {
	q := d.db.Where("tenant_id = ?", tenantID)

	if filter != nil {
		if filter.AccountID != "" {
			q = q.Where("account_id = ?", filter.AccountID)
		}
		if filter.Symbol != "" {
			q = q.Where("symbol = ?", filter.Symbol)
		}
		if filter.Side != "" {
			q = q.Where("side = ?", filter.Side)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		if !filter.From.IsZero() {
			q = q.Where("created_at >= ?", filter.From)
		}
		if !filter.To.IsZero() {
			q = q.Where("created_at <= ?", filter.To)
		}
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			q = q.Offset(filter.Offset)
		}
	}

	var orders []types.Order
	err := q.Order("created_at DESC").Find(&orders).Error
	return orders, err
}

// ListOpenOrders returns the account's non-terminal orders.
func (d *Database) ListOpenOrders(tenantID, accountID string) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.
		Where("tenant_id = ? AND account_id = ? AND state IN ?", tenantID, accountID, openStates()).
		Find(&orders).Error
	return orders, err
}

// CountOpenOrders returns how many non-terminal orders the account
// currently has.
func (d *Database) CountOpenOrders(tenantID, accountID string) (int, error) {
	var count int64
	err := d.db.Model(&types.Order{}).
		Where("tenant_id = ? AND account_id = ? AND state IN ?", tenantID, accountID, openStates()).
		Count(&count).Error
	return int(count), err
}

// GetInstrument returns reference data for a symbol, nil when the
// symbol is unknown.
func (d *Database) GetInstrument(symbol string) (*types.Instrument, error) {
	var inst types.Instrument
	err := d.db.Where("symbol = ?", symbol).First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &inst, nil
}

// Transaction runs fn in a database transaction.
func (d *Database) Transaction(fn func(tx *gorm.DB) error) error {
	return d.db.Transaction(fn)
}

func openStates() []types.OrderState {
	return []types.OrderState{
		types.StateNew,
		types.StatePendingRisk,
		types.StateRouted,
		types.StatePendingCancel,
		types.StatePendingModify,
		types.StatePartiallyFilled,
	}
}

// touch stamps the update time the way gorm would on Save; Updates
// with a struct skips zero fields, so the timestamp is set explicitly
// on every versioned write.
func touch(order *types.Order) {
	order.UpdatedAt = time.Now()
}
