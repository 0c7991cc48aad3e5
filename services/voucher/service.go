package voucher

import (
	"context"
	"errors"
	"time"

	"promotions-ledger/pkg/celengine"
	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/db/option"
	"promotions-ledger/pkg/db/pagination"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/repository"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/pkg/task"
	"promotions-ledger/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	cel      *celengine.Engine
	notifier *task.Notifier

	voucher repository.Repository[Voucher]
	usage   repository.Repository[Usage]

	maxAttempts int
	now         func() time.Time

	applied metric.Int64Counter
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	CEL      *celengine.Engine
	Config   *config.Config       `optional:"true"`
	Notifier *task.Notifier       `optional:"true"`
	Meter    metric.MeterProvider `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	maxAttempts := db.DefaultMaxAttempts
	if p.Config != nil && p.Config.Promotions.TxMaxAttempts > 0 {
		maxAttempts = p.Config.Promotions.TxMaxAttempts
	}

	mp := p.Meter
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	applied, _ := mp.Meter("promotions-ledger/voucher").Int64Counter("voucher.applied",
		metric.WithDescription("Vouchers applied to orders"))

	return &Service{
		db:       p.DB,
		node:     p.Node,
		cel:      p.CEL,
		notifier: p.Notifier,

		voucher: repository.ProvideStore[Voucher](p.DB),
		usage:   repository.ProvideStore[Usage](p.DB),

		maxAttempts: maxAttempts,
		now:         time.Now,
		applied:     applied,
	}
}

type ValidateRequest struct {
	Code      string
	Amount    decimal.Decimal
	UserID    string
	OrderType OrderType
	Category  string
}

// Quote is the outcome of a successful validation.
type Quote struct {
	Voucher        *Voucher
	OriginalAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	FinalAmount    decimal.Decimal
}

type ApplyRequest struct {
	Code           string
	Amount         decimal.Decimal
	UserID         string
	OrderType      OrderType
	OrderReference string
	Category       string
}

type ApplyResult struct {
	UsageID        string          `json:"usage_id"`
	VoucherCode    string          `json:"voucher_code"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	Replayed       bool            `json:"replayed"`
}

func resultFromUsage(code string, u *Usage, replayed bool) *ApplyResult {
	return &ApplyResult{
		UsageID:        u.ID,
		VoucherCode:    code,
		OriginalAmount: u.OriginalAmount,
		DiscountAmount: u.DiscountAmount,
		FinalAmount:    u.FinalAmount,
		Replayed:       replayed,
	}
}

// Create stores a new voucher after checking its configuration.
func (s *Service) Create(ctx context.Context, v *Voucher) error {
	v.Code = sequence.NormalizeCode(v.Code)
	if err := s.checkConfig(v); err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = s.node.Generate().String()
	}
	if v.Scope == "" {
		v.Scope = ScopeAll
	}

	if err := s.voucher.Create(ctx, v); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errutil.Conflict("voucher code already exists", err)
		}
		return errutil.Internal("failed to create voucher", err)
	}
	return nil
}

func (s *Service) checkConfig(v *Voucher) error {
	invalid := func(field, msg string) error {
		return errutil.ValidationFailed("invalid voucher", nil, errutil.WithDetails(errutil.Detail{Field: field, Message: msg}))
	}

	switch {
	case v.Code == "":
		return invalid("code", "is required")
	case !money.Positive(v.Value):
		return invalid("value", "must be greater than zero")
	case v.Kind == Percentage && v.Value.GreaterThan(money.Hundred):
		return invalid("value", "percentage cannot exceed 100")
	case v.Kind != Percentage && v.Kind != Fixed:
		return invalid("kind", "must be percentage or fixed")
	case v.MinimumPurchase.IsNegative():
		return invalid("minimum_purchase", "cannot be negative")
	case v.ValidFrom != nil && v.ValidUntil != nil && v.ValidUntil.Before(*v.ValidFrom):
		return invalid("valid_until", "must not be before valid_from")
	case v.Scope == ScopeCategories && len(v.Categories) == 0:
		return invalid("categories", "required for category scope")
	}

	if v.Kind == Fixed {
		v.MaxDiscount = decimal.NullDecimal{}
	}

	if v.Eligibility != "" && s.cel != nil {
		if err := s.cel.Validate(v.Eligibility); err != nil {
			return invalid("eligibility", err.Error())
		}
	}
	return nil
}

// Validate checks the voucher against the order without recording anything.
// UserID and OrderType are optional: without a user the per-user limit is not
// checked, and without an order type or category the scope is not checked.
func (s *Service) Validate(ctx context.Context, req ValidateRequest) (*Quote, error) {
	if !money.Positive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	v, err := s.voucher.FindOne(ctx, &Voucher{Code: sequence.NormalizeCode(req.Code)})
	if err != nil {
		logger.FromContext(ctx).Error("failed to query voucher", zap.Error(err))
		return nil, errutil.Internal("failed to query voucher", err)
	}
	if v == nil {
		return nil, ErrNotFound
	}

	return s.evaluate(ctx, s.usage, v, req)
}

func (s *Service) evaluate(ctx context.Context, usage repository.Repository[Usage], v *Voucher, req ValidateRequest) (*Quote, error) {
	if !v.IsActive || !v.InWindow(s.now()) {
		return nil, ErrInactive
	}

	if req.Amount.LessThan(v.MinimumPurchase) {
		return nil, ErrBelowMinimum
	}

	if (req.OrderType != "" || req.Category != "") && !v.Covers(req.OrderType, req.Category) {
		return nil, ErrScopeMismatch
	}

	if v.Eligibility != "" && s.cel != nil {
		amount, _ := req.Amount.Float64()
		ok, err := s.cel.Evaluate(v.Eligibility, map[string]any{
			celengine.VarUserID:    req.UserID,
			celengine.VarAmount:    amount,
			celengine.VarOrderType: string(req.OrderType),
		})
		if err != nil {
			logger.FromContext(ctx).Warn("eligibility rule failed to evaluate", zap.String("voucher_id", v.ID), zap.Error(err))
			return nil, ErrNotEligible
		}
		if !ok {
			return nil, ErrNotEligible
		}
	}

	if v.MaxUsesPerUser != nil && req.UserID != "" {
		used, err := usage.Count(ctx, &Usage{VoucherID: v.ID, UserID: req.UserID})
		if err != nil {
			return nil, errutil.Internal("failed to count voucher usage", err)
		}
		if used >= *v.MaxUsesPerUser {
			return nil, ErrUserLimitExceeded
		}
	}

	if v.MaxUses != nil {
		used, err := usage.Count(ctx, &Usage{VoucherID: v.ID})
		if err != nil {
			return nil, errutil.Internal("failed to count voucher usage", err)
		}
		if used >= *v.MaxUses {
			return nil, ErrGlobalLimitExceeded
		}
	}

	discount := v.Discount(req.Amount)
	return &Quote{
		Voucher:        v,
		OriginalAmount: req.Amount,
		DiscountAmount: discount,
		FinalAmount:    money.FloorZero(req.Amount.Sub(discount)),
	}, nil
}

func (s *Service) checkApply(req ApplyRequest) error {
	if !money.Positive(req.Amount) {
		return ErrInvalidAmount
	}
	if req.UserID == "" {
		return errutil.Unauthorized("caller identity is required", nil, errutil.WithReason(errutil.ReasonUnauthenticated))
	}
	if req.OrderReference == "" {
		return errutil.ValidationFailed("order_reference is required", nil)
	}
	if !req.OrderType.Valid() {
		return errutil.ValidationFailed("order_type must be service_booking or product_order", nil)
	}
	return nil
}

// Apply validates and records a usage in one transaction. Applying the same
// voucher twice for one order reference returns the first result.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if err := s.checkApply(req); err != nil {
		return nil, err
	}

	var res *ApplyResult
	err := db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
		var err error
		res, err = s.ApplyInTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, s.translate(ctx, err)
	}

	if !res.Replayed {
		s.afterApply(ctx, req, res)
	}
	return res, nil
}

// ApplyInTx is Apply inside a caller-owned transaction. The caller commits
// and is responsible for calling AfterApply once it has.
func (s *Service) ApplyInTx(ctx context.Context, tx *gorm.DB, req ApplyRequest) (*ApplyResult, error) {
	if err := s.checkApply(req); err != nil {
		return nil, err
	}

	voucherTx := s.voucher.WithTrx(tx)
	usageTx := s.usage.WithTrx(tx)

	// the row lock serializes concurrent applies of one voucher so the usage
	// counts below cannot be exceeded by a racing insert
	v, err := voucherTx.FindOne(ctx, &Voucher{Code: sequence.NormalizeCode(req.Code)}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrNotFound
	}

	prior, err := usageTx.FindOne(ctx, &Usage{VoucherID: v.ID, OrderReference: req.OrderReference})
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.UserID != req.UserID || !prior.OriginalAmount.Equal(req.Amount) {
			return nil, ErrAlreadyUsedForOrder
		}
		return resultFromUsage(v.Code, prior, true), nil
	}

	quote, err := s.evaluate(ctx, usageTx, v, ValidateRequest{
		Code:      req.Code,
		Amount:    req.Amount,
		UserID:    req.UserID,
		OrderType: req.OrderType,
		Category:  req.Category,
	})
	if err != nil {
		return nil, err
	}

	usage := &Usage{
		ID:             s.node.Generate().String(),
		VoucherID:      v.ID,
		UserID:         req.UserID,
		OrderReference: req.OrderReference,
		OrderType:      req.OrderType,
		OriginalAmount: quote.OriginalAmount,
		DiscountAmount: quote.DiscountAmount,
		FinalAmount:    quote.FinalAmount,
		UsedAt:         s.now().UTC(),
	}
	if err := usageTx.Create(ctx, usage); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// a concurrent apply for the same order won; the retry replays it
			return nil, db.ErrConflict
		}
		return nil, err
	}

	return resultFromUsage(v.Code, usage, false), nil
}

// AfterApply emits the side effects of a committed apply.
func (s *Service) AfterApply(ctx context.Context, req ApplyRequest, res *ApplyResult) {
	if res == nil || res.Replayed {
		return
	}
	s.afterApply(ctx, req, res)
}

func (s *Service) afterApply(ctx context.Context, req ApplyRequest, res *ApplyResult) {
	if s.applied != nil {
		s.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("order_type", string(req.OrderType))))
	}

	logger.FromContext(ctx).Info("voucher applied",
		zap.String("voucher_code", res.VoucherCode),
		zap.String("usage_id", res.UsageID),
		zap.String("order_reference", req.OrderReference),
		zap.String("discount_amount", money.String(res.DiscountAmount)),
	)

	s.notifier.Notify(ctx, taskname.VoucherApplied, res.UsageID, map[string]string{
		"usage_id":        res.UsageID,
		"voucher_code":    res.VoucherCode,
		"user_id":         req.UserID,
		"order_reference": req.OrderReference,
		"discount_amount": money.String(res.DiscountAmount),
	})
}

// translate keeps domain errors as they are and maps storage failures onto the
// error taxonomy: exhausted conflicts become Transient, anything else Internal.
func (s *Service) translate(ctx context.Context, err error) error {
	if errors.Is(err, db.ErrRetriesExhausted) || db.IsConflict(err) {
		logger.FromContext(ctx).Warn("voucher apply gave up after conflicts", zap.Error(err))
		return errutil.Unavailable("voucher is busy, retry the request", err)
	}
	if _, ok := errutil.As(err); ok {
		return err
	}
	logger.FromContext(ctx).Error("voucher apply failed", zap.Error(err))
	return errutil.Internal("failed to apply voucher", err)
}

// Translate is translate for callers composing ApplyInTx into their own unit.
func (s *Service) Translate(ctx context.Context, err error) error {
	return s.translate(ctx, err)
}

// ListAvailable returns the vouchers the user can still apply right now: active,
// in window, not globally exhausted and below the user's own limit. Limits are
// counted per voucher, so rows are fetched in batches until the page is full.
func (s *Service) ListAvailable(ctx context.Context, userID string, page pagination.Pagination) ([]*Voucher, pagination.PageInfo, error) {
	now := s.now()
	limit := pagination.Limit(page.Limit)
	cursor := page.Cursor

	out := make([]*Voucher, 0, limit+1)
	for len(out) <= limit {
		batch, err := s.voucher.Find(ctx, &Voucher{IsActive: true},
			option.WithinWindow("valid_from", "valid_until", now),
			option.ApplyPagination(pagination.Pagination{Cursor: cursor, Limit: limit}),
		)
		if err != nil {
			return nil, pagination.PageInfo{}, errutil.Internal("failed to list vouchers", err)
		}

		for _, v := range batch {
			ok, err := s.availableTo(ctx, v, userID, now)
			if err != nil {
				return nil, pagination.PageInfo{}, err
			}
			if ok {
				out = append(out, v)
			}
		}

		if len(batch) <= limit {
			break
		}
		cursor = pagination.CursorAfter(batch[len(batch)-1].ID)
	}

	out, info := pagination.Page(out, limit, func(v *Voucher) string { return v.ID })
	return out, info, nil
}

func (s *Service) availableTo(ctx context.Context, v *Voucher, userID string, now time.Time) (bool, error) {
	if !v.InWindow(now) {
		return false, nil
	}
	if v.MaxUses != nil {
		used, err := s.usage.Count(ctx, &Usage{VoucherID: v.ID})
		if err != nil {
			return false, errutil.Internal("failed to count voucher usage", err)
		}
		if used >= *v.MaxUses {
			return false, nil
		}
	}
	if v.MaxUsesPerUser != nil {
		used, err := s.usage.Count(ctx, &Usage{VoucherID: v.ID, UserID: userID})
		if err != nil {
			return false, errutil.Internal("failed to count voucher usage", err)
		}
		if used >= *v.MaxUsesPerUser {
			return false, nil
		}
	}
	return true, nil
}

// ListUsages returns the user's usage history, newest first.
func (s *Service) ListUsages(ctx context.Context, userID string, page pagination.Pagination) ([]*Usage, pagination.PageInfo, error) {
	usages, err := s.usage.Find(ctx, &Usage{UserID: userID}, option.ApplyPagination(page))
	if err != nil {
		return nil, pagination.PageInfo{}, errutil.Internal("failed to list voucher usages", err)
	}

	usages, info := pagination.Page(usages, page.Limit, func(u *Usage) string { return u.ID })
	return usages, info, nil
}
