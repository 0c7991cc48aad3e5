package main

import (
	"context"
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/gen"
	"promotions-ledger/pkg/hashistack/secretmanager"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/otelcol"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/pkg/task"
	"promotions-ledger/services/giftcard"
	worker "promotions-ledger/services/task"
)

// The worker consumes notification tasks and runs the daily gift card expiry
// sweep. It shares the database with the API process.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		gen.Module,
		fx.Invoke(migrate),
		task.Client,
		task.Server,
		sequence.Module,
		fx.Provide(
			giftcard.NewService,
		),
		worker.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

// fxLogger prints the dependency graph events only while developing.
var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger.Named("fx")}
	}
	return fxevent.NopLogger
})

func migrate(lc fx.Lifecycle, gdb *gorm.DB) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return db.Migrate(ctx, gdb, append(giftcard.Models(), worker.Models()...)...)
		},
	})
}
