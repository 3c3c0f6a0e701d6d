// Package database wires the reconciliation server's Postgres
// connection and schema.
package database

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/festivals-labs/offline-core/internal/reconciliation"
)

// Connect opens a pooled gorm connection and migrates the
// reconciliation server's tables.
func Connect(databaseURL string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	if err := db.AutoMigrate(
		&reconciliation.Device{},
		&reconciliation.AuthoritativeWallet{},
		&reconciliation.SyncedTransaction{},
	); err != nil {
		return nil, fmt.Errorf("migrate reconciliation schema: %w", err)
	}

	log.Info().Msg("connected to postgres")
	return db, nil
}
