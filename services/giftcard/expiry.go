package giftcard

import (
	"context"

	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/db/option"
	"promotions-ledger/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const expireBatch = 500

// ExpireDue stores the expired status on up to limit cards whose expiry has
// passed. Reads already derive expiry from expires_at, so this only brings the
// stored status in line for status filters and reporting. Expiring moves no
// money and appends no ledger row.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = expireBatch
	}
	now := s.now().UTC()

	due, err := s.card.Find(ctx, &GiftCard{},
		option.ApplyOperator(
			option.Condition{Field: "status", Operator: option.IN, Value: []string{string(StatusActive), string(StatusRedeemedEmpty)}},
			option.Condition{Field: "expires_at", Operator: option.LT, Value: now},
		),
		func(tx *gorm.DB) *gorm.DB { return tx.Order("expires_at ASC").Limit(limit) },
	)
	if err != nil {
		return 0, s.translate(ctx, "expire", err)
	}

	expired := 0
	for _, c := range due {
		changed := false
		err := db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
			changed = false
			card, err := s.card.WithTrx(tx).FindOne(ctx, &GiftCard{ID: c.ID}, option.WithLockingUpdate())
			if err != nil {
				return err
			}
			if card == nil || card.Status == StatusExpired || card.EffectiveStatus(now) != StatusExpired {
				return nil
			}
			if err := s.update(ctx, tx, card, map[string]any{"status": StatusExpired}); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			return expired, s.translate(ctx, "expire", err)
		}
		if changed {
			expired++
		}
	}

	if expired > 0 {
		logger.FromContext(ctx).Info("gift cards expired", zap.Int("count", expired))
	}
	return expired, nil
}
