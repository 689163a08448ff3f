package ledger

import (
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// CreateExecution inserts a fill record. It reports alreadySeen when
// the broker execution id violates the uniqueness invariant, which is
// how replayed deliveries are detected.
func (d *Database) CreateExecution(exec *types.Execution) (alreadySeen bool, err error) {
	if err := d.db.Create(exec).Error; err != nil {
		if isUniqueViolation(err) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func (d *Database) GetExecutionByBrokerID(brokerExecutionID string) (*types.Execution, error) {
	var exec types.Execution
	if err := d.db.Where("broker_execution_id = ?", brokerExecutionID).First(&exec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &exec, nil
}

func (d *Database) ListExecutionsByOrder(tenantID, clientOrderID string) ([]types.Execution, error) {
	var execs []types.Execution
	err := d.db.
		Where("tenant_id = ? AND client_order_id = ?", tenantID, clientOrderID).
		Order("executed_at ASC, id ASC").
		Find(&execs).Error
	return execs, err
}

func (d *Database) ListExecutionsByAccount(tenantID, accountID string, since time.Time) ([]types.Execution, error) {
	q := d.db.Where("tenant_id = ? AND account_id = ?", tenantID, accountID)
	if !since.IsZero() {
		q = q.Where("executed_at > ?", since)
	}
	var execs []types.Execution
	err := q.Order("executed_at ASC, id ASC").Find(&execs).Error
	return execs, err
}

func (d *Database) GetPosition(tenantID, accountID, symbol string) (*types.Position, error) {
	var pos types.Position
	err := d.db.
		Where("tenant_id = ? AND account_id = ? AND symbol = ?", tenantID, accountID, symbol).
		First(&pos).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &pos, nil
}

func (d *Database) ListPositions(tenantID, accountID string) ([]types.Position, error) {
	var positions []types.Position
	err := d.db.
		Where("tenant_id = ? AND account_id = ?", tenantID, accountID).
		Order("symbol ASC").
		Find(&positions).Error
	return positions, err
}

func (d *Database) SavePosition(pos *types.Position) error {
	return d.db.Save(pos).Error
}

// isUniqueViolation detects a unique constraint failure across the
// sqlite error shapes gorm surfaces.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "unique failed")
}
