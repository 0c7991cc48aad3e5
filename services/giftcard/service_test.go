package giftcard

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"promotions-ledger/pkg/db/pagination"
	"promotions-ledger/pkg/errutil"
	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/order"
	"promotions-ledger/pkg/ratelimit"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/pkg/task"
	"promotions-ledger/pkg/taskname"
	"promotions-ledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	fixedNow    = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	codePattern = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{4}(-[A-HJ-NP-Z2-9]{4}){3}$`)
)

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

// scriptedGenerator hands out codes from a fixed list, repeating the last one.
type scriptedGenerator struct {
	*sequence.CryptoGenerator
	codes []string
	calls int
}

func (g *scriptedGenerator) NextGiftCardCode() (string, error) {
	i := g.calls
	if i >= len(g.codes) {
		i = len(g.codes) - 1
	}
	g.calls++
	return g.codes[i], nil
}

func newTestServiceWith(t *testing.T, gen sequence.Generator) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, Models()...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Generator: gen,
		Throttle:  ratelimit.NewPinThrottleWith(ratelimit.NewMemoryCounter(), 3, time.Minute),
	})
	svc.now = func() time.Time { return fixedNow }
	return svc, db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	return newTestServiceWith(t, sequence.NewCryptoGenerator(6, bcrypt.MinCost))
}

func seedTemplate(t *testing.T, svc *Service, amount string) *Template {
	t.Helper()
	tmpl := &Template{
		Name:                 "Gift " + amount,
		Amount:               money.MustParse(amount),
		IsActive:             true,
		IsTransferable:       Bool(true),
		ApplicableToServices: Bool(true),
		ApplicableToProducts: Bool(true),
	}
	require.NoError(t, svc.CreateTemplate(context.Background(), tmpl))
	return tmpl
}

func issueActive(t *testing.T, svc *Service, tmpl *Template, owner string) (*GiftCard, string) {
	t.Helper()
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: owner, RecipientEmail: "friend@example.com"})
	require.NoError(t, err)

	card, err := svc.Confirm(ctx, res.Card.ID, "payments")
	require.NoError(t, err)
	return card, res.PIN
}

func reload(t *testing.T, db *gorm.DB, id string) *GiftCard {
	t.Helper()
	var card GiftCard
	require.NoError(t, db.First(&card, "id = ?", id).Error)
	return &card
}

func ledgerRows(t *testing.T, db *gorm.DB, cardID string) []*Transaction {
	t.Helper()
	var rows []*Transaction
	require.NoError(t, db.Where("card_id = ?", cardID).Order("seq ASC").Find(&rows).Error)
	return rows
}

// requireFold checks the stored balance against the ledger both ways it is defined.
func requireFold(t *testing.T, db *gorm.DB, cardID string) {
	t.Helper()
	card := reload(t, db, cardID)
	rows := ledgerRows(t, db, cardID)

	nonIssue := money.Zero
	for _, r := range rows {
		if r.Type != TxIssue {
			nonIssue = nonIssue.Add(r.Amount)
		}
	}
	require.True(t, card.Balance.Equal(card.OriginalBalance.Add(nonIssue)),
		"balance %s != original %s + movements %s", card.Balance, card.OriginalBalance, nonIssue)
	if len(rows) > 0 {
		require.True(t, card.Balance.Equal(Fold(rows)), "balance %s != fold %s", card.Balance, Fold(rows))
	}
	require.False(t, card.Balance.IsNegative())
	require.True(t, card.Balance.LessThanOrEqual(card.OriginalBalance))
}

func redeemReq(card *GiftCard, pin, amount, orderRef string) RedeemRequest {
	return RedeemRequest{
		Code:           card.Code,
		PIN:            pin,
		Amount:         money.MustParse(amount),
		OrderReference: orderRef,
		OrderType:      order.ServiceBooking,
		UserID:         "user-1",
	}
}

func TestIssue_PendingUntilConfirmed(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)
	require.Regexp(t, codePattern, res.Card.Code)
	require.Regexp(t, `^\d{6}$`, res.PIN)
	require.NotEqual(t, res.PIN, res.Card.PinHash)
	require.Equal(t, StatusPending, res.Card.Status)
	require.Equal(t, "100.00", money.String(res.Card.Balance))
	require.Equal(t, fixedNow.AddDate(0, 12, 0), res.Card.ExpiresAt)
	require.Empty(t, ledgerRows(t, db, res.Card.ID))
	requireFold(t, db, res.Card.ID)

	_, err = svc.Validate(ctx, res.Card.Code, res.PIN)
	require.Equal(t, errutil.ReasonNotActive, errutil.ReasonOf(err))

	card, err := svc.Confirm(ctx, res.Card.ID, "payments")
	require.NoError(t, err)
	require.Equal(t, StatusActive, card.Status)

	rows := ledgerRows(t, db, card.ID)
	require.Len(t, rows, 1)
	require.Equal(t, TxIssue, rows[0].Type)
	require.Equal(t, "100.00", money.String(rows[0].Amount))

	_, err = svc.Confirm(ctx, res.Card.ID, "payments")
	require.NoError(t, err)
	require.Len(t, ledgerRows(t, db, card.ID), 1, "confirming twice writes one issue row")

	got, err := svc.Validate(ctx, strings.ToLower(res.Card.Code), res.PIN)
	require.NoError(t, err)
	require.Equal(t, "100.00", money.String(got.Balance))
	requireFold(t, db, card.ID)
}

func TestIssue_Rejections(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	inactive := &Template{Name: "Retired", Amount: money.MustParse("50"), IsActive: false}
	require.NoError(t, svc.CreateTemplate(ctx, inactive))

	_, err := svc.Issue(ctx, IssueRequest{TemplateID: "missing", PurchasedBy: "user-1"})
	require.Equal(t, errutil.ReasonNotFound, errutil.ReasonOf(err))

	_, err = svc.Issue(ctx, IssueRequest{TemplateID: inactive.ID, PurchasedBy: "user-1"})
	require.Equal(t, errutil.ReasonNotActive, errutil.ReasonOf(err))

	_, err = svc.Issue(ctx, IssueRequest{TemplateID: inactive.ID})
	require.Equal(t, errutil.ReasonUnauthenticated, errutil.ReasonOf(err))
}

func TestIssue_RedrawsCodeOnCollision(t *testing.T) {
	gen := &scriptedGenerator{
		CryptoGenerator: sequence.NewCryptoGenerator(6, bcrypt.MinCost),
		codes:           []string{"AAAA-AAAA-AAAA-AAAA", "AAAA-AAAA-AAAA-AAAA", "BBBB-BBBB-BBBB-BBBB"},
	}
	svc, db := newTestServiceWith(t, gen)
	tmpl := seedTemplate(t, svc, "100.00")
	ctx := context.Background()

	first, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)
	require.Equal(t, "AAAA-AAAA-AAAA-AAAA", first.Card.Code)

	second, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-2"})
	require.NoError(t, err)
	require.Equal(t, "BBBB-BBBB-BBBB-BBBB", second.Card.Code)
	require.Equal(t, 3, gen.calls)

	var count int64
	require.NoError(t, db.Model(&GiftCard{}).Count(&count).Error)
	require.EqualValues(t, 2, count)
}

func TestIssue_GivesUpWhenCodesKeepColliding(t *testing.T) {
	gen := &scriptedGenerator{
		CryptoGenerator: sequence.NewCryptoGenerator(6, bcrypt.MinCost),
		codes:           []string{"CCCC-CCCC-CCCC-CCCC"},
	}
	svc, _ := newTestServiceWith(t, gen)
	tmpl := seedTemplate(t, svc, "100.00")
	ctx := context.Background()

	_, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)

	_, err = svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	be, ok := errutil.As(err)
	require.True(t, ok)
	require.Equal(t, errutil.StatusInternal, be.Code)
	require.Equal(t, 1+svc.codeAttempts, gen.calls)
}

func TestLedger_FoldMatchesBalance(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	_, err := svc.Redeem(ctx, redeemReq(card, pin, "30.00", "ORD-1"))
	require.NoError(t, err)
	requireFold(t, db, card.ID)

	_, err = svc.Redeem(ctx, redeemReq(card, pin, "20.50", "ORD-2"))
	require.NoError(t, err)
	requireFold(t, db, card.ID)

	_, err = svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-2", UserID: "user-1"})
	require.NoError(t, err)
	requireFold(t, db, card.ID)

	require.Equal(t, "49.50", money.String(reload(t, db, card.ID).Balance))

	res, err := svc.Verify(ctx, card.Code, "user-2")
	require.NoError(t, err)
	require.True(t, res.Valid, res.Problem)
	require.Equal(t, 4, res.Entries)
}

func TestRedeem_InsufficientBalance(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")

	_, err := svc.Redeem(context.Background(), redeemReq(card, pin, "100.01", "ORD-1"))
	require.Equal(t, errutil.ReasonInsufficientBalance, errutil.ReasonOf(err))

	require.Equal(t, "100.00", money.String(reload(t, db, card.ID).Balance))
	require.Len(t, ledgerRows(t, db, card.ID), 1)
}

func TestRedeem_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, ref := range []string{"ORD-A", "ORD-B"} {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			_, errs[i] = svc.Redeem(context.Background(), redeemReq(card, pin, "60.00", ref))
		}(i, ref)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.Equal(t, errutil.ReasonInsufficientBalance, errutil.ReasonOf(err))
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, "40.00", money.String(reload(t, db, card.ID).Balance))
	requireFold(t, db, card.ID)
}

func TestRedeem_ReplaysByOrderReference(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	first, err := svc.Redeem(ctx, redeemReq(card, pin, "40.00", "ORD-1"))
	require.NoError(t, err)
	require.False(t, first.Replayed)
	require.Equal(t, "100.00", money.String(first.BalanceBefore))
	require.Equal(t, "60.00", money.String(first.BalanceAfter))

	second, err := svc.Redeem(ctx, redeemReq(card, pin, "40.00", "ORD-1"))
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.TransactionID, second.TransactionID)
	require.Equal(t, "100.00", money.String(second.BalanceBefore))
	require.Equal(t, "60.00", money.String(second.BalanceAfter))

	require.Equal(t, "60.00", money.String(reload(t, db, card.ID).Balance))
	require.Len(t, ledgerRows(t, db, card.ID), 2)

	_, err = svc.Redeem(ctx, redeemReq(card, pin, "10.00", "ORD-1"))
	require.Equal(t, errutil.ReasonOrderMismatch, errutil.ReasonOf(err))
	requireFold(t, db, card.ID)
}

func TestRedeem_DrainingMarksEmpty(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	res, err := svc.Redeem(ctx, redeemReq(card, pin, "100.00", "ORD-1"))
	require.NoError(t, err)
	require.Equal(t, StatusRedeemedEmpty, res.Status)
	require.Equal(t, StatusRedeemedEmpty, reload(t, db, card.ID).Status)

	_, err = svc.Validate(ctx, card.Code, pin)
	require.Equal(t, errutil.ReasonAlreadyEmpty, errutil.ReasonOf(err))

	_, err = svc.Redeem(ctx, redeemReq(card, pin, "1.00", "ORD-2"))
	require.Equal(t, errutil.ReasonAlreadyEmpty, errutil.ReasonOf(err))

	replay, err := svc.Redeem(ctx, redeemReq(card, pin, "100.00", "ORD-1"))
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	requireFold(t, db, card.ID)
}

func TestRedeem_ScopeMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	tmpl := &Template{Name: "Spa only", Amount: money.MustParse("100"), IsActive: true, ApplicableToProducts: Bool(false)}
	require.NoError(t, svc.CreateTemplate(context.Background(), tmpl))
	card, pin := issueActive(t, svc, tmpl, "user-1")

	req := redeemReq(card, pin, "10.00", "ORD-1")
	req.OrderType = order.ProductOrder
	_, err := svc.Redeem(context.Background(), req)
	require.Equal(t, errutil.ReasonScopeMismatch, errutil.ReasonOf(err))

	_, err = svc.Authorize(context.Background(), card.Code, pin, order.ProductOrder)
	require.Equal(t, errutil.ReasonScopeMismatch, errutil.ReasonOf(err))
}

func TestValidate_Rejections(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	ctx := context.Background()

	_, err := svc.Validate(ctx, "ZZZZ-ZZZZ-ZZZZ-ZZZZ", "123456")
	require.Equal(t, errutil.ReasonNotFound, errutil.ReasonOf(err))

	card, pin := issueActive(t, svc, tmpl, "user-1")
	wrong := "000000"
	if pin == wrong {
		wrong = "111111"
	}
	_, err = svc.Validate(ctx, card.Code, wrong)
	require.Equal(t, errutil.ReasonInvalidPin, errutil.ReasonOf(err))

	svc.now = func() time.Time { return card.ExpiresAt.Add(time.Second) }
	_, err = svc.Validate(ctx, card.Code, pin)
	require.Equal(t, errutil.ReasonExpired, errutil.ReasonOf(err))
	_, err = svc.Redeem(ctx, redeemReq(card, pin, "1.00", "ORD-1"))
	require.Equal(t, errutil.ReasonExpired, errutil.ReasonOf(err))
	svc.now = func() time.Time { return fixedNow }

	cancelled, cancelledPin := issueActive(t, svc, tmpl, "user-1")
	require.NoError(t, db.Model(&GiftCard{}).Where("id = ?", cancelled.ID).Update("status", StatusCancelled).Error)
	_, err = svc.Validate(ctx, cancelled.Code, cancelledPin)
	require.Equal(t, errutil.ReasonCancelled, errutil.ReasonOf(err))
	_, err = svc.CheckBalance(ctx, cancelled.Code, cancelledPin)
	require.Equal(t, errutil.ReasonCancelled, errutil.ReasonOf(err))

	balance, err := svc.CheckBalance(ctx, card.Code, pin)
	require.NoError(t, err)
	require.Equal(t, "100.00", money.String(balance))
}

func TestValidate_LocksAfterRepeatedBadPins(t *testing.T) {
	svc, _ := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	wrong := "000000"
	if pin == wrong {
		wrong = "111111"
	}

	_, err := svc.Validate(ctx, card.Code, wrong)
	require.Equal(t, errutil.ReasonInvalidPin, errutil.ReasonOf(err))
	_, err = svc.Validate(ctx, card.Code, wrong)
	require.Equal(t, errutil.ReasonInvalidPin, errutil.ReasonOf(err))
	_, err = svc.Validate(ctx, card.Code, wrong)
	require.Equal(t, errutil.ReasonPinLocked, errutil.ReasonOf(err))

	_, err = svc.Validate(ctx, card.Code, pin)
	require.Equal(t, errutil.ReasonPinLocked, errutil.ReasonOf(err), "the right PIN does not bypass the lock")

	_, err = svc.Redeem(ctx, redeemReq(card, pin, "1.00", "ORD-1"))
	require.Equal(t, errutil.ReasonPinLocked, errutil.ReasonOf(err))
}

func TestTransfer_Guards(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, _ := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	_, err := svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-3", UserID: "user-2"})
	require.Equal(t, errutil.ReasonNotOwner, errutil.ReasonOf(err))

	_, err = svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-1", UserID: "user-1"})
	require.Equal(t, errutil.ReasonSameOwner, errutil.ReasonOf(err))

	_, err = svc.Transfer(ctx, TransferRequest{Code: "ZZZZ-ZZZZ-ZZZZ-ZZZZ", NewOwnerID: "user-2", UserID: "user-1"})
	require.Equal(t, errutil.ReasonNotFound, errutil.ReasonOf(err))

	pending, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)
	_, err = svc.Transfer(ctx, TransferRequest{Code: pending.Card.Code, NewOwnerID: "user-2", UserID: "user-1"})
	require.Equal(t, errutil.ReasonNotActive, errutil.ReasonOf(err))

	locked := &Template{Name: "Personal", Amount: money.MustParse("50"), IsActive: true, IsTransferable: Bool(false)}
	require.NoError(t, svc.CreateTemplate(ctx, locked))
	personal, _ := issueActive(t, svc, locked, "user-1")
	_, err = svc.Transfer(ctx, TransferRequest{Code: personal.Code, NewOwnerID: "user-2", UserID: "user-1"})
	require.Equal(t, errutil.ReasonNotTransferable, errutil.ReasonOf(err))

	svc.now = func() time.Time { return card.ExpiresAt.Add(time.Hour) }
	_, err = svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-2", UserID: "user-1"})
	require.Equal(t, errutil.ReasonExpired, errutil.ReasonOf(err))
	svc.now = func() time.Time { return fixedNow }

	require.Equal(t, "user-1", reload(t, db, card.ID).OwnerID)
	require.Len(t, ledgerRows(t, db, card.ID), 1)
}

func TestTransfer_MovesOwnership(t *testing.T) {
	svc, db := newTestService(t)
	fe := &fakeEnqueuer{}
	svc.notifier = task.NewNotifier(fe)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	res, err := svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-2", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, "user-1", res.PreviousOwnerID)
	require.Equal(t, "user-2", res.NewOwnerID)

	stored := reload(t, db, card.ID)
	require.Equal(t, "user-2", stored.OwnerID)
	require.Equal(t, "100.00", money.String(stored.Balance))

	rows := ledgerRows(t, db, card.ID)
	require.Len(t, rows, 2)
	require.Equal(t, TxTransfer, rows[1].Type)
	require.True(t, rows[1].Amount.IsZero())
	require.Equal(t, rows[0].Hash, rows[1].PreviousHash)

	_, err = svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-3", UserID: "user-1"})
	require.Equal(t, errutil.ReasonNotOwner, errutil.ReasonOf(err))

	// the new owner spends with the same PIN
	req := redeemReq(card, pin, "25.00", "ORD-9")
	req.UserID = "user-2"
	_, err = svc.Redeem(ctx, req)
	require.NoError(t, err)

	types := make([]string, 0, len(fe.tasks))
	for _, tk := range fe.tasks {
		types = append(types, tk.Type())
	}
	require.Equal(t, []string{taskname.GiftCardIssued, taskname.GiftCardTransferred}, types)
}

func TestConfirm_NotifiesWithoutPin(t *testing.T) {
	svc, _ := newTestService(t)
	fe := &fakeEnqueuer{}
	svc.notifier = task.NewNotifier(fe)
	tmpl := seedTemplate(t, svc, "100.00")
	ctx := context.Background()

	res, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1", RecipientEmail: "friend@example.com"})
	require.NoError(t, err)
	require.Empty(t, fe.tasks, "pending cards are not announced")

	_, err = svc.Confirm(ctx, res.Card.ID, "payments")
	require.NoError(t, err)
	require.Len(t, fe.tasks, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(fe.tasks[0].Payload(), &payload))
	require.Equal(t, res.Card.Code, payload["code"])
	require.Equal(t, "friend@example.com", payload["recipient_email"])
	require.NotContains(t, payload, "pin")
	for _, v := range payload {
		require.NotEqual(t, res.PIN, v)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	_, err := svc.Redeem(ctx, redeemReq(card, pin, "30.00", "ORD-1"))
	require.NoError(t, err)

	res, err := svc.Verify(ctx, card.Code, "user-1")
	require.NoError(t, err)
	require.True(t, res.Valid)

	_, err = svc.Verify(ctx, card.Code, "user-2")
	require.Equal(t, errutil.ReasonNotOwner, errutil.ReasonOf(err))

	require.NoError(t, db.Model(&Transaction{}).
		Where("card_id = ? AND type = ?", card.ID, TxRedeem).
		Update("amount", decimal.NewFromInt(-10)).Error)

	res, err = svc.Verify(ctx, card.Code, "user-1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "hash mismatch", res.Problem)
}

func TestRedeem_FailsClosedOnBalanceDrift(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	require.NoError(t, db.Model(&GiftCard{}).Where("id = ?", card.ID).Update("balance", decimal.NewFromInt(500)).Error)

	_, err := svc.Redeem(ctx, redeemReq(card, pin, "10.00", "ORD-1"))
	require.Equal(t, errutil.ReasonIntegrity, errutil.ReasonOf(err))
	require.Len(t, ledgerRows(t, db, card.ID), 1, "nothing is written after an integrity failure")

	res, err := svc.Verify(ctx, card.Code, "user-1")
	require.NoError(t, err)
	require.False(t, res.Valid)
	require.Equal(t, "stored balance mismatch", res.Problem)
}

func TestListTemplates_OrderedAndCached(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	for _, tmpl := range []*Template{
		{Name: "Large", Amount: money.MustParse("500"), IsActive: true, SortOrder: 2},
		{Name: "Small", Amount: money.MustParse("100"), IsActive: true, SortOrder: 1},
		{Name: "Medium", Amount: money.MustParse("250"), IsActive: true, SortOrder: 1},
		{Name: "Retired", Amount: money.MustParse("50"), IsActive: false},
	} {
		require.NoError(t, svc.CreateTemplate(ctx, tmpl))
	}

	items, err := svc.ListTemplates(ctx)
	require.NoError(t, err)
	names := func(items []*Template) []string {
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = it.Name
		}
		return out
	}
	require.Equal(t, []string{"Small", "Medium", "Large"}, names(items))

	require.NoError(t, db.Create(&Template{ID: "direct", Name: "Direct", Amount: money.MustParse("10"), Currency: "QAR", IsActive: true}).Error)
	items, err = svc.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3, "served from cache")

	require.NoError(t, svc.CreateTemplate(ctx, &Template{Name: "Tiny", Amount: money.MustParse("5"), IsActive: true}))
	items, err = svc.ListTemplates(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"Tiny", "Direct", "Small", "Medium", "Large"}, names(items))
}

func TestListOwned_FiltersByStatus(t *testing.T) {
	svc, _ := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	ctx := context.Background()

	issueActive(t, svc, tmpl, "user-1")
	issueActive(t, svc, tmpl, "user-1")
	_, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)
	issueActive(t, svc, tmpl, "user-2")

	all, _, err := svc.ListOwned(ctx, "user-1", nil, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)

	active, _, err := svc.ListOwned(ctx, "user-1", []Status{StatusActive}, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, active, 2)

	page, info, err := svc.ListOwned(ctx, "user-1", nil, pagination.Pagination{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)
}

func TestTransactions_OwnerOnly(t *testing.T) {
	svc, _ := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	_, err := svc.Redeem(ctx, redeemReq(card, pin, "12.34", "ORD-1"))
	require.NoError(t, err)

	rows, err := svc.Transactions(ctx, card.Code, "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, TxIssue, rows[0].Type)
	require.Equal(t, TxRedeem, rows[1].Type)
	require.Equal(t, "-12.34", money.String(rows[1].Amount))
	require.Equal(t, "87.66", money.String(rows[1].BalanceAfter))

	_, err = svc.Transactions(ctx, card.Code, "user-2")
	require.Equal(t, errutil.ReasonNotOwner, errutil.ReasonOf(err))
}

func TestRedeem_PartialCapsAtBalance(t *testing.T) {
	svc, db := newTestService(t)
	tmpl := seedTemplate(t, svc, "100.00")
	card, pin := issueActive(t, svc, tmpl, "user-1")
	ctx := context.Background()

	req := redeemReq(card, pin, "150.00", "ORD-1")
	req.Partial = true

	res, err := svc.Redeem(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "100.00", money.String(res.Amount))
	require.Equal(t, "0.00", money.String(res.BalanceAfter))
	require.Equal(t, StatusRedeemedEmpty, res.Status)

	replay, err := svc.Redeem(ctx, req)
	require.NoError(t, err)
	require.True(t, replay.Replayed)
	require.Equal(t, "100.00", money.String(replay.Amount))

	req.Amount = money.MustParse("50.00")
	_, err = svc.Redeem(ctx, req)
	require.Equal(t, errutil.ReasonOrderMismatch, errutil.ReasonOf(err))
	requireFold(t, db, card.ID)
}

func TestExpireDue_PersistsExpiredStatus(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()
	tmpl := seedTemplate(t, svc, "100")

	old, pin := issueActive(t, svc, tmpl, "user-1")
	_, err := svc.Redeem(ctx, redeemReq(old, pin, "100", "ORD-OLD"))
	require.NoError(t, err)
	active, _ := issueActive(t, svc, tmpl, "user-1")

	pending, err := svc.Issue(ctx, IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)

	n, err := svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)

	svc.now = func() time.Time { return active.ExpiresAt.Add(time.Minute) }
	n, err = svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	require.Equal(t, StatusExpired, reload(t, db, old.ID).Status)
	require.Equal(t, StatusExpired, reload(t, db, active.ID).Status)
	require.Equal(t, StatusPending, reload(t, db, pending.Card.ID).Status)
	requireFold(t, db, active.ID)

	// a second sweep finds nothing left to do
	n, err = svc.ExpireDue(ctx, 10)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCreateTemplate_FlagsDefaultToTrue(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	tmpl := &Template{Name: "Plain", Amount: money.MustParse("40"), IsActive: true}
	require.NoError(t, svc.CreateTemplate(ctx, tmpl))

	var stored Template
	require.NoError(t, db.First(&stored, "id = ?", tmpl.ID).Error)
	require.True(t, Flag(stored.ApplicableToServices))
	require.True(t, Flag(stored.ApplicableToProducts))
	require.True(t, Flag(stored.IsTransferable))
	require.NotNil(t, stored.IsTransferable)

	card, pin := issueActive(t, svc, tmpl, "user-1")
	require.True(t, card.IsTransferable)

	req := redeemReq(card, pin, "10.00", "ORD-1")
	req.OrderType = order.ProductOrder
	_, err := svc.Redeem(ctx, req)
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, TransferRequest{Code: card.Code, NewOwnerID: "user-2", UserID: "user-1"})
	require.NoError(t, err)

	// explicit false survives the column default
	closed := &Template{Name: "Closed", Amount: money.MustParse("40"), IsActive: true, IsTransferable: Bool(false)}
	require.NoError(t, svc.CreateTemplate(ctx, closed))
	require.NoError(t, db.First(&stored, "id = ?", closed.ID).Error)
	require.False(t, Flag(stored.IsTransferable))
}
