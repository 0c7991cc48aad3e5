package main

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"promotions-ledger/pkg/celengine"
	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/gen"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/services/giftcard"
	"promotions-ledger/services/voucher"
)

// seed creates the demo vouchers and gift card templates. Records that already
// exist are left untouched, so the command can run on every deploy.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		gen.Module,
		sequence.Module,
		celengine.Module,
		fx.Provide(
			voucher.NewService,
			giftcard.NewService,
		),
		fx.Invoke(run),
		fx.WithLogger(func(*zap.Logger) fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	_ = app.Stop(ctx)
}

func ptr[T any](v T) *T { return &v }

func vouchers(now time.Time) []*voucher.Voucher {
	until := func(days int) *time.Time { return ptr(now.AddDate(0, 0, days)) }
	capped := func(s string) decimal.NullDecimal { return decimal.NewNullDecimal(money.MustParse(s)) }

	return []*voucher.Voucher{
		{
			Code: "WELCOME10", Name: "Welcome 10% Off", Description: "10% off for new customers",
			Kind: voucher.Percentage, Value: money.MustParse("10"), MaxDiscount: capped("50"),
			Scope: voucher.ScopeAll, MinimumPurchase: money.MustParse("50"),
			MaxUses: ptr(int64(1000)), MaxUsesPerUser: ptr(int64(1)),
			ValidUntil: until(365),
		},
		{
			Code: "SUMMER25", Name: "Summer Sale 25% Off", Description: "25% off on all services during summer",
			Kind: voucher.Percentage, Value: money.MustParse("25"), MaxDiscount: capped("100"),
			Scope: voucher.ScopeServices, MinimumPurchase: money.MustParse("100"),
			MaxUses: ptr(int64(500)), MaxUsesPerUser: ptr(int64(3)),
			ValidUntil: until(90),
		},
		{
			Code: "PRODUCT15", Name: "Product Discount 15%", Description: "15% off on all spa products",
			Kind: voucher.Percentage, Value: money.MustParse("15"),
			Scope: voucher.ScopeProducts, MinimumPurchase: money.MustParse("75"),
			MaxUsesPerUser: ptr(int64(5)),
			ValidUntil:     until(180),
		},
		{
			Code: "FLAT50", Name: "Flat 50 Off", Description: "Fixed 50 off on orders above 200",
			Kind: voucher.Fixed, Value: money.MustParse("50"),
			Scope: voucher.ScopeAll, MinimumPurchase: money.MustParse("200"),
			MaxUses: ptr(int64(200)), MaxUsesPerUser: ptr(int64(2)),
			ValidUntil: until(60),
		},
		{
			Code: "VIP100", Name: "VIP 100 Off", Description: "Exclusive VIP discount",
			Kind: voucher.Fixed, Value: money.MustParse("100"),
			Scope: voucher.ScopeServices, MinimumPurchase: money.MustParse("300"),
			MaxUses: ptr(int64(50)), MaxUsesPerUser: ptr(int64(1)),
			Eligibility: `user_id.startsWith("vip-")`,
			ValidUntil:  until(30),
		},
		{
			Code: "AROMATHERAPY20", Name: "Aromatherapy Special", Description: "20% off on aromatherapy products",
			Kind: voucher.Percentage, Value: money.MustParse("20"), MaxDiscount: capped("75"),
			Scope: voucher.ScopeCategories, MinimumPurchase: money.MustParse("50"),
			Categories: datatypes.JSONSlice[string]{"Aromatherapy", "Oils"},
			MaxUses:    ptr(int64(300)), MaxUsesPerUser: ptr(int64(2)),
			ValidUntil: until(120),
		},
	}
}

func templates() []*giftcard.Template {
	both := func(name, desc, amount string, months int) *giftcard.Template {
		return &giftcard.Template{
			Name: name, Description: desc, Amount: money.MustParse(amount), ValidityMonths: months,
		}
	}

	services := both("Services Only Gift Card", "Gift a spa service experience", "200", 6)
	services.ApplicableToProducts = giftcard.Bool(false)
	products := both("Product Gift Card", "Gift premium spa products", "150", 6)
	products.ApplicableToServices = giftcard.Bool(false)

	return []*giftcard.Template{
		both("Classic Gift Card", "A perfect gift for any occasion", "100", 12),
		both("Premium Gift Card", "Treat someone special to a luxurious spa experience", "250", 12),
		both("Deluxe Gift Card", "The ultimate spa gift for complete relaxation", "500", 12),
		services,
		products,
		both("Mini Gift Card", "A small token of appreciation", "50", 3),
	}
}

func run(lc fx.Lifecycle, gdb *gorm.DB, vs *voucher.Service, gs *giftcard.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := db.Migrate(ctx, gdb, append(voucher.Models(), giftcard.Models()...)...); err != nil {
				return err
			}

			now := time.Now().UTC()
			for _, v := range vouchers(now) {
				v.ValidFrom = ptr(now)
				v.IsActive = true

				err := vs.Create(ctx, v)
				if err == nil {
					zap.L().Info("voucher created", zap.String("code", v.Code))
					continue
				}
				if be, ok := errutil.As(err); ok && be.Code == errutil.StatusConflict {
					zap.L().Info("voucher exists", zap.String("code", v.Code))
					continue
				}
				return err
			}

			existing, err := gs.ListTemplates(ctx)
			if err != nil {
				return err
			}
			seen := make(map[string]bool, len(existing))
			for _, t := range existing {
				seen[t.Name] = true
			}
			for i, t := range templates() {
				if seen[t.Name] {
					zap.L().Info("template exists", zap.String("name", t.Name))
					continue
				}
				t.SortOrder = i
				t.IsActive = true
				if err := gs.CreateTemplate(ctx, t); err != nil {
					return err
				}
				zap.L().Info("template created", zap.String("name", t.Name), zap.String("amount", money.String(t.Amount)))
			}
			return nil
		},
	})
}
