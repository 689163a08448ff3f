package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dunmininu/oms-trading/internal/audit"
	"github.com/dunmininu/oms-trading/internal/idempotency"
	"github.com/dunmininu/oms-trading/internal/reconcile"
	"github.com/dunmininu/oms-trading/internal/types"
)

// NewDatabase opens the SQLite database at path and migrates the full
// schema. TranslateError maps driver unique-violation errors onto
// gorm.ErrDuplicatedKey, which the idempotency ledger and execution
// store rely on for atomic check-and-insert.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// NewTestDatabase opens an in-memory database with the full schema,
// for tests. The pool is pinned to one connection: each SQLite
// in-memory connection is its own database.
func NewTestDatabase() (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies the schema for every persisted model.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.Execution{},
		&types.Position{},
		&types.Instrument{},
		&idempotency.Record{},
		&audit.Entry{},
		&reconcile.Cursor{},
	)
}
