package db

import (
	"algotrader/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.Algorithm{},
		&models.Execution{},
		&models.Signal{},
		&models.QueueEntry{},
		&models.BrokerOrder{},
		&models.Position{},
		&models.PositionHistory{},
		&models.BacktestResult{},
	)
}
