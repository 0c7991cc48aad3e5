package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate creates or updates the tables of models. Each service lists its own
// models in dependency order.
func Migrate(ctx context.Context, db *gorm.DB, models ...any) error {
	if err := db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	zap.L().Info("[DB] schema migrated", zap.Int("models", len(models)))
	return nil
}
