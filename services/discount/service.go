package discount

import (
	"context"
	"errors"

	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"
	"promotions-ledger/services/giftcard"
	"promotions-ledger/services/voucher"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Service prices an order with an optional voucher and an optional gift card.
// The voucher always applies first and the gift card pays from what is left.
type Service struct {
	db       *gorm.DB
	vouchers *voucher.Service
	cards    *giftcard.Service

	maxAttempts int
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Vouchers *voucher.Service
	Cards    *giftcard.Service
	Config   *config.Config `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	maxAttempts := db.DefaultMaxAttempts
	if p.Config != nil && p.Config.Promotions.TxMaxAttempts > 0 {
		maxAttempts = p.Config.Promotions.TxMaxAttempts
	}
	return &Service{
		db:          p.DB,
		vouchers:    p.Vouchers,
		cards:       p.Cards,
		maxAttempts: maxAttempts,
	}
}

type Request struct {
	Amount    decimal.Decimal
	OrderType order.Type
	Category  string
	UserID    string

	VoucherCode string

	GiftCardCode string
	GiftCardPIN  string
	// GiftCardAmount is the most the caller wants taken from the card. When
	// unset the card pays as much of the order as it can.
	GiftCardAmount decimal.NullDecimal
}

type VoucherSummary struct {
	Code     string
	Kind     voucher.DiscountKind
	Value    decimal.Decimal
	Discount decimal.Decimal
	Valid    bool
	Reason   errutil.Reason
	Message  string
}

type GiftCardSummary struct {
	Code    string
	Balance decimal.Decimal
	Applied decimal.Decimal
	Valid   bool
	Reason  errutil.Reason
	Message string
}

type Breakdown struct {
	OriginalAmount  decimal.Decimal
	VoucherDiscount decimal.Decimal
	Intermediate    decimal.Decimal
	GiftCardAmount  decimal.Decimal
	FinalAmount     decimal.Decimal

	Voucher  *VoucherSummary
	GiftCard *GiftCardSummary
}

func (r Request) check() error {
	if !money.Positive(r.Amount) {
		return errutil.ValidationFailed("amount must be positive with at most 2 decimal places", nil, errutil.WithReason(errutil.ReasonInvalidAmount))
	}
	if r.OrderType != "" && !r.OrderType.Valid() {
		return errutil.ValidationFailed("order_type must be service_booking or product_order", nil)
	}
	if r.GiftCardAmount.Valid && !money.Positive(r.GiftCardAmount.Decimal) {
		return errutil.ValidationFailed("gift_card_amount must be positive with at most 2 decimal places", nil, errutil.WithReason(errutil.ReasonInvalidAmount))
	}
	return nil
}

// giftCardCap is the most the card may pay once the voucher has been applied.
func (r Request) giftCardCap(intermediate decimal.Decimal) decimal.Decimal {
	if r.GiftCardAmount.Valid {
		return money.Min(r.GiftCardAmount.Decimal, intermediate)
	}
	return intermediate
}

// Preview computes the breakdown without recording anything. A voucher or gift
// card that cannot be used is reported in its summary and contributes nothing.
func (s *Service) Preview(ctx context.Context, req Request) (*Breakdown, error) {
	if err := req.check(); err != nil {
		return nil, err
	}

	out := &Breakdown{
		OriginalAmount:  req.Amount,
		VoucherDiscount: money.Zero,
		GiftCardAmount:  money.Zero,
	}

	if req.VoucherCode != "" {
		summary := &VoucherSummary{Code: req.VoucherCode, Discount: money.Zero}
		quote, err := s.vouchers.Validate(ctx, voucher.ValidateRequest{
			Code:      req.VoucherCode,
			Amount:    req.Amount,
			UserID:    req.UserID,
			OrderType: req.OrderType,
			Category:  req.Category,
		})
		switch {
		case err == nil:
			summary.Code = quote.Voucher.Code
			summary.Kind = quote.Voucher.Kind
			summary.Value = quote.Voucher.Value
			summary.Discount = quote.DiscountAmount
			summary.Valid = true
			out.VoucherDiscount = quote.DiscountAmount
		case errutil.IsRejection(err):
			be, _ := errutil.As(err)
			summary.Reason, summary.Message = be.Reason, be.Message
		default:
			return nil, err
		}
		out.Voucher = summary
	}

	out.Intermediate = money.FloorZero(req.Amount.Sub(out.VoucherDiscount))

	if req.GiftCardCode != "" {
		summary := &GiftCardSummary{Code: req.GiftCardCode, Balance: money.Zero, Applied: money.Zero}
		card, err := s.cards.Authorize(ctx, req.GiftCardCode, req.GiftCardPIN, req.OrderType)
		switch {
		case err == nil:
			applied := money.Min(req.giftCardCap(out.Intermediate), card.Balance)
			summary.Code = card.Code
			summary.Balance = card.Balance
			summary.Applied = applied
			summary.Valid = true
			out.GiftCardAmount = applied
		case errutil.IsRejection(err):
			be, _ := errutil.As(err)
			summary.Reason, summary.Message = be.Reason, be.Message
		default:
			return nil, err
		}
		out.GiftCard = summary
	}

	out.FinalAmount = money.FloorZero(out.Intermediate.Sub(out.GiftCardAmount))
	return out, nil
}

type CommitRequest struct {
	Request
	OrderReference string
}

type CommitResult struct {
	Breakdown
	VoucherUsageID        string
	GiftCardTransactionID string
	Replayed              bool
}

// Commit applies the voucher and debits the gift card for one confirmed order
// in a single transaction: either both happen or neither does. Repeating the
// call with the same order reference returns the first outcome.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*CommitResult, error) {
	if err := req.check(); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, errutil.Unauthorized("caller identity is required", nil, errutil.WithReason(errutil.ReasonUnauthenticated))
	}
	if req.OrderReference == "" {
		return nil, errutil.ValidationFailed("order_reference is required", nil)
	}
	if !req.OrderType.Valid() {
		return nil, errutil.ValidationFailed("order_type must be service_booking or product_order", nil)
	}
	if req.VoucherCode == "" && req.GiftCardCode == "" {
		return nil, errutil.ValidationFailed("voucher_code or gift_card_code is required", nil)
	}

	var (
		res        *CommitResult
		applyReq   voucher.ApplyRequest
		applied    *voucher.ApplyResult
		redeemReq  giftcard.RedeemRequest
		redemption *giftcard.RedeemResult
	)
	err := db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
		res = &CommitResult{Breakdown: Breakdown{
			OriginalAmount:  req.Amount,
			VoucherDiscount: money.Zero,
			GiftCardAmount:  money.Zero,
		}}
		applied, redemption = nil, nil
		replayed := true

		if req.VoucherCode != "" {
			applyReq = voucher.ApplyRequest{
				Code:           req.VoucherCode,
				Amount:         req.Amount,
				UserID:         req.UserID,
				OrderType:      req.OrderType,
				OrderReference: req.OrderReference,
				Category:       req.Category,
			}
			var err error
			applied, err = s.vouchers.ApplyInTx(ctx, tx, applyReq)
			if err != nil {
				return err
			}
			res.VoucherDiscount = applied.DiscountAmount
			res.VoucherUsageID = applied.UsageID
			res.Voucher = &VoucherSummary{Code: applied.VoucherCode, Discount: applied.DiscountAmount, Valid: true}
			replayed = replayed && applied.Replayed
		}

		res.Intermediate = money.FloorZero(req.Amount.Sub(res.VoucherDiscount))

		if req.GiftCardCode != "" && res.Intermediate.IsPositive() {
			redeemReq = giftcard.RedeemRequest{
				Code:           req.GiftCardCode,
				PIN:            req.GiftCardPIN,
				Amount:         req.giftCardCap(res.Intermediate),
				OrderReference: req.OrderReference,
				OrderType:      req.OrderType,
				UserID:         req.UserID,
				Partial:        true,
			}
			var err error
			redemption, err = s.cards.RedeemInTx(ctx, tx, redeemReq)
			if err != nil {
				return err
			}
			res.GiftCardAmount = redemption.Amount
			res.GiftCardTransactionID = redemption.TransactionID
			res.GiftCard = &GiftCardSummary{
				Code:    redemption.Code,
				Balance: redemption.BalanceAfter,
				Applied: redemption.Amount,
				Valid:   true,
			}
			replayed = replayed && redemption.Replayed
		}

		res.FinalAmount = money.FloorZero(res.Intermediate.Sub(res.GiftCardAmount))
		res.Replayed = replayed && (applied != nil || redemption != nil)
		return nil
	})
	if err != nil {
		return nil, s.translate(ctx, err)
	}

	if applied != nil {
		s.vouchers.AfterApply(ctx, applyReq, applied)
	}
	if redemption != nil {
		s.cards.AfterRedeem(ctx, redeemReq, redemption)
	}

	logger.FromContext(ctx).Info("discount committed",
		zap.String("order_reference", req.OrderReference),
		zap.String("voucher_discount", money.String(res.VoucherDiscount)),
		zap.String("gift_card_amount", money.String(res.GiftCardAmount)),
		zap.String("final_amount", money.String(res.FinalAmount)),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}

func (s *Service) translate(ctx context.Context, err error) error {
	if errors.Is(err, db.ErrRetriesExhausted) || db.IsConflict(err) {
		logger.FromContext(ctx).Warn("discount commit gave up after conflicts", zap.Error(err))
		return errutil.Unavailable("order is busy, retry the request", err)
	}
	if _, ok := errutil.As(err); ok {
		return err
	}
	logger.FromContext(ctx).Error("discount commit failed", zap.Error(err))
	return errutil.Internal("failed to commit discount", err)
}
