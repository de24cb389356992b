package db

import (
	"fmt"

	"github.com/zulandar/shopkeep/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every table shopkeep reads or writes.
func AllModels() []interface{} {
	return []interface{}{
		&models.Credential{},
		&models.ReplyRule{},
		&models.DeliveryRule{},
		&models.Card{},
		&models.CardInventory{},
		&models.DeliveryRecord{},
		&models.NotificationChannel{},
		&models.HandledMessage{},
	}
}

// AutoMigrate creates or updates all tables. Only `sk db migrate` calls this;
// the daemon assumes the schema exists.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
