package main

import (
	"context"
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"promotions-ledger/pkg/celengine"
	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/gen"
	"promotions-ledger/pkg/hashistack/secretmanager"
	"promotions-ledger/pkg/health"
	"promotions-ledger/pkg/httpapi"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/otelcol"
	"promotions-ledger/pkg/profiling"
	"promotions-ledger/pkg/ratelimit"
	"promotions-ledger/pkg/redis"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/pkg/server"
	"promotions-ledger/pkg/task"
	"promotions-ledger/services/discount"
	"promotions-ledger/services/giftcard"
	"promotions-ledger/services/voucher"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		gen.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		celengine.Module,
		ratelimit.Module,
		health.Module,
		fx.Invoke(migrate),
		voucher.Module,
		giftcard.Module,
		discount.Module,
		httpapi.Module,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
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
			models := append(voucher.Models(), giftcard.Models()...)
			return db.Migrate(ctx, gdb, models...)
		},
	})
}
