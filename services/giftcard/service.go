package giftcard

import (
	"context"
	"errors"
	"time"

	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/db"
	"promotions-ledger/pkg/db/option"
	"promotions-ledger/pkg/db/pagination"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"
	"promotions-ledger/pkg/ratelimit"
	"promotions-ledger/pkg/repository"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/pkg/task"
	"promotions-ledger/pkg/taskname"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	gen      sequence.Generator
	throttle *ratelimit.PinThrottle
	notifier *task.Notifier

	template repository.Repository[Template]
	card     repository.Repository[GiftCard]
	ledger   repository.Repository[Transaction]

	templates *templateCache

	currency       string
	validityMonths int
	codeAttempts   int
	maxAttempts    int
	now            func() time.Time

	issued   metric.Int64Counter
	redeemed metric.Int64Counter
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Generator sequence.Generator
	Throttle  *ratelimit.PinThrottle `optional:"true"`
	Config    *config.Config         `optional:"true"`
	Notifier  *task.Notifier         `optional:"true"`
	Meter     metric.MeterProvider   `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	promo := config.DefaultPromotions()
	if p.Config != nil {
		c := p.Config.Promotions
		if c.Currency != "" {
			promo.Currency = c.Currency
		}
		if c.DefaultValidityMonths > 0 {
			promo.DefaultValidityMonths = c.DefaultValidityMonths
		}
		if c.CodeMaxAttempts > 0 {
			promo.CodeMaxAttempts = c.CodeMaxAttempts
		}
		if c.TxMaxAttempts > 0 {
			promo.TxMaxAttempts = c.TxMaxAttempts
		}
		if c.TemplateCacheTTL > 0 {
			promo.TemplateCacheTTL = c.TemplateCacheTTL
		}
	}

	mp := p.Meter
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter("promotions-ledger/giftcard")
	issued, _ := meter.Int64Counter("giftcard.issued", metric.WithDescription("Gift cards issued"))
	redeemed, _ := meter.Int64Counter("giftcard.redeemed", metric.WithDescription("Gift card redemptions"))

	return &Service{
		db:       p.DB,
		node:     p.Node,
		gen:      p.Generator,
		throttle: p.Throttle,
		notifier: p.Notifier,

		template: repository.ProvideStore[Template](p.DB),
		card:     repository.ProvideStore[GiftCard](p.DB),
		ledger:   repository.ProvideStore[Transaction](p.DB),

		templates: newTemplateCache(promo.TemplateCacheTTL),

		currency:       promo.Currency,
		validityMonths: promo.DefaultValidityMonths,
		codeAttempts:   promo.CodeMaxAttempts,
		maxAttempts:    promo.TxMaxAttempts,
		now:            time.Now,

		issued:   issued,
		redeemed: redeemed,
	}
}

var errUnauthenticated = errutil.Unauthorized("caller identity is required", nil, errutil.WithReason(errutil.ReasonUnauthenticated))

func sortTemplates(tx *gorm.DB) *gorm.DB {
	return tx.Order("sort_order ASC").Order("amount ASC")
}

// CreateTemplate stores a template and drops the cached list.
func (s *Service) CreateTemplate(ctx context.Context, t *Template) error {
	if t.Name == "" {
		return errutil.ValidationFailed("invalid template", nil, errutil.WithDetails(errutil.Detail{Field: "name", Message: "is required"}))
	}
	if !money.Positive(t.Amount) {
		return errutil.ValidationFailed("invalid template", nil, errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be greater than zero"}))
	}
	if t.ID == "" {
		t.ID = s.node.Generate().String()
	}
	if t.Currency == "" {
		t.Currency = s.currency
	}
	for _, flag := range []**bool{&t.ApplicableToServices, &t.ApplicableToProducts, &t.IsTransferable} {
		if *flag == nil {
			*flag = Bool(true)
		}
	}

	if err := s.template.Create(ctx, t); err != nil {
		return errutil.Internal("failed to create gift card template", err)
	}
	s.templates.invalidate()
	return nil
}

// ListTemplates returns active templates ordered by sort order, then amount.
func (s *Service) ListTemplates(ctx context.Context) ([]*Template, error) {
	items, err := s.templates.load(ctx, func(ctx context.Context) ([]*Template, error) {
		return s.template.Find(ctx, &Template{IsActive: true}, sortTemplates)
	})
	if err != nil {
		return nil, errutil.Internal("failed to list gift card templates", err)
	}
	return items, nil
}

type IssueRequest struct {
	TemplateID       string
	PurchasedBy      string
	RecipientName    string
	RecipientEmail   string
	RecipientPhone   string
	RecipientMessage string
}

// IssueResult carries the only copy of the plaintext PIN that ever leaves the service.
type IssueResult struct {
	Card *GiftCard
	PIN  string
}

// Issue creates a pending card from a template. It becomes spendable once Confirm
// is called for it.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if req.PurchasedBy == "" {
		return nil, errUnauthenticated
	}

	tmpl, err := s.template.FindOne(ctx, &Template{ID: req.TemplateID})
	if err != nil {
		return nil, errutil.Internal("failed to query gift card template", err)
	}
	if tmpl == nil {
		return nil, ErrTemplateNotFound
	}
	if !tmpl.IsActive {
		return nil, ErrTemplateInactive
	}

	pin, err := s.gen.NextPIN()
	if err != nil {
		return nil, errutil.Internal("failed to generate PIN", err)
	}
	pinHash, err := s.gen.HashPIN(pin)
	if err != nil {
		return nil, errutil.Internal("failed to hash PIN", err)
	}

	months := tmpl.ValidityMonths
	if months <= 0 {
		months = s.validityMonths
	}
	currency := tmpl.Currency
	if currency == "" {
		currency = s.currency
	}

	card := &GiftCard{
		ID:                   s.node.Generate().String(),
		PinHash:              pinHash,
		TemplateID:           tmpl.ID,
		Balance:              tmpl.Amount,
		OriginalBalance:      tmpl.Amount,
		Currency:             currency,
		OwnerID:              req.PurchasedBy,
		PurchasedBy:          req.PurchasedBy,
		RecipientName:        req.RecipientName,
		RecipientEmail:       req.RecipientEmail,
		RecipientPhone:       req.RecipientPhone,
		RecipientMessage:     req.RecipientMessage,
		Status:               StatusPending,
		ApplicableToServices: Flag(tmpl.ApplicableToServices),
		ApplicableToProducts: Flag(tmpl.ApplicableToProducts),
		IsTransferable:       Flag(tmpl.IsTransferable),
		ExpiresAt:            s.now().UTC().AddDate(0, months, 0),
		Version:              1,
	}

	err = db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
		return s.insertWithUniqueCode(ctx, tx, card)
	})
	if err != nil {
		return nil, s.translate(ctx, "issue", err)
	}

	if s.issued != nil {
		s.issued.Add(ctx, 1)
	}
	logger.FromContext(ctx).Info("gift card issued",
		zap.String("card_id", card.ID),
		zap.String("template_id", tmpl.ID),
		zap.String("amount", money.String(card.OriginalBalance)),
	)

	return &IssueResult{Card: card, PIN: pin}, nil
}

// insertWithUniqueCode inserts card under a savepoint and draws a new code when
// the unique index rejects the current one. The index is the collision check.
func (s *Service) insertWithUniqueCode(ctx context.Context, tx *gorm.DB, card *GiftCard) error {
	for attempt := 1; attempt <= s.codeAttempts; attempt++ {
		code, err := s.gen.NextGiftCardCode()
		if err != nil {
			return err
		}
		card.Code = code

		err = tx.Transaction(func(sp *gorm.DB) error {
			return s.card.WithTrx(sp).Create(ctx, card)
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}

		logger.FromContext(ctx).Warn("gift card code collision, drawing again", zap.Int("attempt", attempt))
	}
	return ErrCodeSpaceExhausted
}

// Confirm activates a pending card after payment and writes its issue row.
// Confirming an active card again is a no-op.
func (s *Service) Confirm(ctx context.Context, cardID, actorID string) (*GiftCard, error) {
	var (
		card     *GiftCard
		replayed bool
	)
	err := db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
		c, err := s.card.WithTrx(tx).FindOne(ctx, &GiftCard{ID: cardID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if c == nil {
			return ErrNotFound
		}
		if c.Status == StatusActive {
			card, replayed = c, true
			return nil
		}
		if c.Status != StatusPending {
			return statusError(c.Status)
		}

		rows, err := s.rows(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		if err := s.checkFold(ctx, c, rows); err != nil {
			return err
		}

		entry := &Transaction{
			Type:         TxIssue,
			Amount:       c.OriginalBalance,
			BalanceAfter: c.Balance,
			ActorID:      actorID,
		}
		if err := s.append(ctx, tx, c, rows, entry); err != nil {
			return err
		}

		now := s.now().UTC()
		if err := s.update(ctx, tx, c, map[string]any{"status": StatusActive, "activated_at": now}); err != nil {
			return err
		}
		c.Status = StatusActive
		c.ActivatedAt = &now
		card = c
		return nil
	})
	if err != nil {
		return nil, s.translate(ctx, "confirm", err)
	}

	if !replayed {
		logger.FromContext(ctx).Info("gift card activated", zap.String("card_id", card.ID))
		s.notifier.Notify(ctx, taskname.GiftCardIssued, card.ID, map[string]string{
			"card_id":           card.ID,
			"code":              card.Code,
			"amount":            money.String(card.OriginalBalance),
			"currency":          card.Currency,
			"recipient_name":    card.RecipientName,
			"recipient_email":   card.RecipientEmail,
			"recipient_phone":   card.RecipientPhone,
			"recipient_message": card.RecipientMessage,
			"expires_at":        card.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	return card, nil
}

// authenticate loads a card by code and checks its PIN. A locked code is refused
// before the hash is compared.
func (s *Service) authenticate(ctx context.Context, cards repository.Repository[GiftCard], code, pin string, opts ...option.QueryOption) (*GiftCard, error) {
	code = sequence.NormalizeCode(code)

	card, err := cards.FindOne(ctx, &GiftCard{Code: code}, opts...)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ErrNotFound
	}

	if s.throttle.Locked(ctx, code) {
		return nil, ErrPinLocked
	}
	if !s.gen.ComparePIN(card.PinHash, pin) {
		if s.throttle.Fail(ctx, code) {
			return nil, ErrPinLocked
		}
		return nil, ErrInvalidPin
	}
	s.throttle.Reset(ctx, code)
	return card, nil
}

// Validate checks code and PIN and that the card can be spent right now.
func (s *Service) Validate(ctx context.Context, code, pin string) (*GiftCard, error) {
	card, err := s.authenticate(ctx, s.card, code, pin)
	if err != nil {
		return nil, s.readError(ctx, err)
	}
	if err := statusError(card.EffectiveStatus(s.now())); err != nil {
		return nil, err
	}
	return card, nil
}

// CheckBalance is Validate reduced to the balance. It needs no caller identity;
// the PIN is the credential.
func (s *Service) CheckBalance(ctx context.Context, code, pin string) (decimal.Decimal, error) {
	card, err := s.Validate(ctx, code, pin)
	if err != nil {
		return decimal.Zero, err
	}
	return card.Balance, nil
}

// Authorize is Validate plus the order type scope check, for callers that are
// about to price an order with the card.
func (s *Service) Authorize(ctx context.Context, code, pin string, orderType order.Type) (*GiftCard, error) {
	card, err := s.Validate(ctx, code, pin)
	if err != nil {
		return nil, err
	}
	if !card.Covers(orderType) {
		return nil, ErrScopeMismatch
	}
	return card, nil
}

type TransferRequest struct {
	Code       string
	NewOwnerID string
	UserID     string
}

type TransferResult struct {
	Code            string `json:"code"`
	PreviousOwnerID string `json:"previous_owner_id"`
	NewOwnerID      string `json:"new_owner_id"`
	TransactionID   string `json:"transaction_id"`
}

// Transfer hands the card to another user. Only the current owner can do it, so
// no PIN is asked for.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if req.UserID == "" {
		return nil, errUnauthenticated
	}
	if req.NewOwnerID == "" {
		return nil, errutil.ValidationFailed("new_owner is required", nil)
	}
	if req.NewOwnerID == req.UserID {
		return nil, ErrSameOwner
	}

	var res *TransferResult
	err := db.RunInTx(ctx, s.db, s.maxAttempts, func(tx *gorm.DB) error {
		card, err := s.card.WithTrx(tx).FindOne(ctx, &GiftCard{Code: sequence.NormalizeCode(req.Code)}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if card == nil {
			return ErrNotFound
		}

		switch card.EffectiveStatus(s.now()) {
		case StatusExpired:
			return ErrExpired
		case StatusCancelled:
			return ErrCancelled
		case StatusPending:
			return ErrNotActive
		}
		if card.OwnerID != req.UserID {
			return ErrNotOwner
		}
		if !card.IsTransferable {
			return ErrNotTransferable
		}

		rows, err := s.rows(ctx, tx, card.ID)
		if err != nil {
			return err
		}
		if err := s.checkFold(ctx, card, rows); err != nil {
			return err
		}

		entry := &Transaction{
			Type:         TxTransfer,
			Amount:       money.Zero,
			BalanceAfter: card.Balance,
			ActorID:      req.UserID,
			Metadata:     jsonMetadata(map[string]string{"from": card.OwnerID, "to": req.NewOwnerID}),
		}
		if err := s.append(ctx, tx, card, rows, entry); err != nil {
			return err
		}
		if err := s.update(ctx, tx, card, map[string]any{"owner_id": req.NewOwnerID}); err != nil {
			return err
		}

		res = &TransferResult{
			Code:            card.Code,
			PreviousOwnerID: card.OwnerID,
			NewOwnerID:      req.NewOwnerID,
			TransactionID:   entry.ID,
		}
		return nil
	})
	if err != nil {
		return nil, s.translate(ctx, "transfer", err)
	}

	logger.FromContext(ctx).Info("gift card transferred",
		zap.String("code", res.Code),
		zap.String("from", res.PreviousOwnerID),
		zap.String("to", res.NewOwnerID),
	)
	s.notifier.Notify(ctx, taskname.GiftCardTransferred, res.TransactionID, res)
	return res, nil
}

// ListOwned returns the user's cards, newest first, optionally filtered by status.
func (s *Service) ListOwned(ctx context.Context, userID string, statuses []Status, page pagination.Pagination) ([]*GiftCard, pagination.PageInfo, error) {
	opts := []option.QueryOption{option.ApplyPagination(page)}
	if len(statuses) > 0 {
		values := make([]string, len(statuses))
		for i, st := range statuses {
			values[i] = string(st)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "status", Operator: option.IN, Value: values}))
	}

	cards, err := s.card.Find(ctx, &GiftCard{OwnerID: userID}, opts...)
	if err != nil {
		return nil, pagination.PageInfo{}, errutil.Internal("failed to list gift cards", err)
	}

	cards, info := pagination.Page(cards, page.Limit, func(c *GiftCard) string { return c.ID })
	return cards, info, nil
}

// ownedCard loads a card by code for its owner.
func (s *Service) ownedCard(ctx context.Context, code, userID string) (*GiftCard, error) {
	card, err := s.card.FindOne(ctx, &GiftCard{Code: sequence.NormalizeCode(code)})
	if err != nil {
		return nil, errutil.Internal("failed to query gift card", err)
	}
	if card == nil {
		return nil, ErrNotFound
	}
	if card.OwnerID != userID {
		return nil, ErrNotOwner
	}
	return card, nil
}

// Transactions returns the card's ledger in order. Owner only.
func (s *Service) Transactions(ctx context.Context, code, userID string) ([]*Transaction, error) {
	card, err := s.ownedCard(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	rows, err := s.rows(ctx, nil, card.ID)
	if err != nil {
		return nil, errutil.Internal("failed to list gift card transactions", err)
	}
	return rows, nil
}

func (s *Service) readError(ctx context.Context, err error) error {
	if _, ok := errutil.As(err); ok {
		return err
	}
	logger.FromContext(ctx).Error("gift card read failed", zap.Error(err))
	return errutil.Internal("failed to query gift card", err)
}

// translate keeps domain errors and maps storage failures: exhausted conflicts
// become Transient, anything else Internal.
func (s *Service) translate(ctx context.Context, op string, err error) error {
	if errors.Is(err, db.ErrRetriesExhausted) || db.IsConflict(err) {
		logger.FromContext(ctx).Warn("gift card "+op+" gave up after conflicts", zap.Error(err))
		return errutil.Unavailable("gift card is busy, retry the request", err)
	}
	if _, ok := errutil.As(err); ok {
		return err
	}
	logger.FromContext(ctx).Error("gift card "+op+" failed", zap.Error(err))
	return errutil.Internal("failed to "+op+" gift card", err)
}

// Translate is translate for callers composing RedeemInTx into their own unit.
func (s *Service) Translate(ctx context.Context, err error) error {
	return s.translate(ctx, "redeem", err)
}
