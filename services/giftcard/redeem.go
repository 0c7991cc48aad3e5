package giftcard

import (
	"context"

	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/db/option"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RedeemRequest struct {
	Code           string
	PIN            string
	Amount         decimal.Decimal
	OrderReference string
	OrderType      order.Type
	UserID         string
	// Partial debits min(Amount, balance) instead of rejecting an amount above
	// the balance.
	Partial bool
}

type RedeemResult struct {
	TransactionID string          `json:"transaction_id"`
	Code          string          `json:"code"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Status        Status          `json:"status"`
	Replayed      bool            `json:"replayed"`
}

func (s *Service) checkRedeem(req RedeemRequest) error {
	if !money.Positive(req.Amount) {
		return ErrInvalidAmount
	}
	if req.UserID == "" {
		return errUnauthenticated
	}
	if req.OrderReference == "" {
		return errutil.ValidationFailed("order_reference is required", nil)
	}
	if req.OrderType != "" && !req.OrderType.Valid() {
		return errutil.ValidationFailed("order_type must be service_booking or product_order", nil)
	}
	return nil
}

// Redeem debits the card for one order. Sending the same order reference again
// returns the recorded debit instead of taking the money twice.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*RedeemResult, error) {
	if err := s.checkRedeem(req); err != nil {
		return nil, err
	}

	var res *RedeemResult
	err := db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
		var err error
		res, err = s.RedeemInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, s.translate(ctx, "redeem", err)
	}

	s.AfterRedeem(ctx, req, res)
	return res, nil
}

// RedeemInTx is Redeem inside a caller-owned transaction. The caller commits and
// then calls AfterRedeem.
func (s *Service) RedeemInTx(ctx context.Context, tx *gorm.DB, req RedeemRequest) (*RedeemResult, error) {
	if err := s.checkRedeem(req); err != nil {
		return nil, err
	}

	card, err := s.authenticate(ctx, s.card.WithTrx(tx), req.Code, req.PIN, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}

	prior, err := s.ledger.WithTrx(tx).FindOne(ctx, &Transaction{
		CardID:         card.ID,
		Type:           TxRedeem,
		OrderReference: req.OrderReference,
	})
	if err != nil {
		return nil, err
	}
	if prior != nil {
		recorded := prior.Amount.Neg()
		if !recorded.Equal(req.Amount) && !(req.Partial && recorded.LessThan(req.Amount)) {
			return nil, ErrOrderMismatch
		}
		return &RedeemResult{
			TransactionID: prior.ID,
			Code:          card.Code,
			Amount:        recorded,
			BalanceBefore: prior.BalanceAfter.Sub(prior.Amount),
			BalanceAfter:  prior.BalanceAfter,
			Status:        card.Status,
			Replayed:      true,
		}, nil
	}

	if err := statusError(card.EffectiveStatus(s.now())); err != nil {
		return nil, err
	}
	if !card.Covers(req.OrderType) {
		return nil, ErrScopeMismatch
	}
	amount := req.Amount
	if amount.GreaterThan(card.Balance) {
		if !req.Partial {
			return nil, ErrInsufficientBalance
		}
		amount = card.Balance
	}

	rows, err := s.rows(ctx, tx, card.ID)
	if err != nil {
		return nil, err
	}
	if err := s.checkFold(ctx, card, rows); err != nil {
		return nil, err
	}

	before := card.Balance
	after := before.Sub(amount)
	next := card.Status
	if after.IsZero() {
		next = StatusRedeemedEmpty
	}
	if next != card.Status && !card.Status.CanTransition(next) {
		return nil, errutil.Internal("illegal gift card status transition", nil)
	}

	entry := &Transaction{
		Type:           TxRedeem,
		Amount:         amount.Neg(),
		BalanceAfter:   after,
		OrderReference: req.OrderReference,
		OrderType:      req.OrderType,
		ActorID:        req.UserID,
	}
	if err := s.append(ctx, tx, card, rows, entry); err != nil {
		return nil, err
	}
	if err := s.update(ctx, tx, card, map[string]any{"balance": after, "status": next}); err != nil {
		return nil, err
	}

	card.Balance, card.Status = after, next
	return &RedeemResult{
		TransactionID: entry.ID,
		Code:          card.Code,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Status:        next,
	}, nil
}

// AfterRedeem emits the side effects of a committed redemption.
func (s *Service) AfterRedeem(ctx context.Context, req RedeemRequest, res *RedeemResult) {
	if res == nil || res.Replayed {
		return
	}
	if s.redeemed != nil {
		s.redeemed.Add(ctx, 1, metric.WithAttributes(attribute.String("order_type", string(req.OrderType))))
	}
	logger.FromContext(ctx).Info("gift card redeemed",
		zap.String("code", res.Code),
		zap.String("transaction_id", res.TransactionID),
		zap.String("order_reference", req.OrderReference),
		zap.String("amount", money.String(res.Amount)),
		zap.String("balance_after", money.String(res.BalanceAfter)),
	)
}
