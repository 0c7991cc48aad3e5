package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"promotions-ledger/pkg/money"
	"promotions-ledger/pkg/sequence"
	"promotions-ledger/pkg/taskname"
	"promotions-ledger/services/giftcard"
	"promotions-ledger/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingSender struct {
	mu   sync.Mutex
	sent []Message
	fail error
}

func (r *recordingSender) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, msg)
	return nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	cards    *giftcard.Service
	sender   *recordingSender
	enqueuer *fakeEnqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, append(giftcard.Models(), Models()...)...)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cards := giftcard.NewService(giftcard.ServiceParams{
		DB:        db,
		Node:      node,
		Generator: sequence.NewCryptoGenerator(6, bcrypt.MinCost),
	})
	sender := &recordingSender{}
	enqueuer := &fakeEnqueuer{}

	svc := NewService(Params{DB: db, Node: node, Enqueuer: enqueuer, Cards: cards, Sender: sender})
	svc.now = func() time.Time { return time.Date(2026, 6, 1, 0, 30, 0, 0, time.UTC) }
	return &fixture{svc: svc, db: db, cards: cards, sender: sender, enqueuer: enqueuer}
}

func issuedTask(t *testing.T) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(issuedPayload{
		CardID:           "card-1",
		Code:             "ABCD-EFGH-JKLM-NPQR",
		Amount:           "100.00",
		Currency:         "QAR",
		RecipientName:    "Sam",
		RecipientEmail:   "sam@example.com",
		RecipientPhone:   "+97455500000",
		RecipientMessage: "Happy birthday",
		ExpiresAt:        "2027-06-01T00:00:00Z",
	})
	require.NoError(t, err)
	return asynq.NewTask(taskname.GiftCardIssued, b)
}

func loadJob(t *testing.T, db *gorm.DB, taskType string) Job {
	t.Helper()
	var job Job
	require.NoError(t, db.Where("task_type = ?", taskType).First(&job).Error)
	return job
}

func TestHandleGiftCardIssued_SendsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := issuedTask(t)

	require.NoError(t, f.svc.HandleGiftCardIssued(ctx, task))
	require.Len(t, f.sender.sent, 2)
	require.Equal(t, "email", f.sender.sent[0].Channel)
	require.Equal(t, "sam@example.com", f.sender.sent[0].To)
	require.Contains(t, f.sender.sent[0].Body, "Happy birthday")
	require.Equal(t, "sms", f.sender.sent[1].Channel)

	// redelivery of the same task is a no-op
	require.NoError(t, f.svc.HandleGiftCardIssued(ctx, task))
	require.Len(t, f.sender.sent, 2)

	job := loadJob(t, f.db, taskname.GiftCardIssued)
	require.Equal(t, JobSuccess, job.Status)
	require.Equal(t, 1, job.Attempts)
}

func TestHandleGiftCardIssued_RecordsFailureThenRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := issuedTask(t)

	f.sender.fail = errors.New("smtp down")
	require.Error(t, f.svc.HandleGiftCardIssued(ctx, task))
	job := loadJob(t, f.db, taskname.GiftCardIssued)
	require.Equal(t, JobFailed, job.Status)
	require.Contains(t, job.ErrorMsg, "smtp down")

	f.sender.fail = nil
	require.NoError(t, f.svc.HandleGiftCardIssued(ctx, task))
	job = loadJob(t, f.db, taskname.GiftCardIssued)
	require.Equal(t, JobSuccess, job.Status)
	require.Equal(t, 2, job.Attempts)
	require.Empty(t, job.ErrorMsg)
}

func TestHandlers_BadPayloadSkipsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, h := range []asynq.HandlerFunc{f.svc.HandleGiftCardIssued, f.svc.HandleGiftCardTransferred, f.svc.HandleVoucherApplied} {
		err := h(ctx, asynq.NewTask("x", []byte("{not json")))
		require.ErrorIs(t, err, asynq.SkipRetry)
	}
}

func TestHandleGiftCardTransferred_NotifiesBothOwners(t *testing.T) {
	f := newFixture(t)
	b, err := json.Marshal(giftcard.TransferResult{Code: "ABCD-EFGH-JKLM-NPQR", PreviousOwnerID: "user-1", NewOwnerID: "user-2", TransactionID: "tx-1"})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleGiftCardTransferred(context.Background(), asynq.NewTask(taskname.GiftCardTransferred, b)))
	require.Len(t, f.sender.sent, 2)
	require.Equal(t, "user-2", f.sender.sent[0].To)
	require.Equal(t, "user-1", f.sender.sent[1].To)
}

func TestHandleExpireGiftCards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tmpl := &giftcard.Template{Name: "Gift 50", Amount: money.MustParse("50"), IsActive: true}
	require.NoError(t, f.cards.CreateTemplate(ctx, tmpl))
	res, err := f.cards.Issue(ctx, giftcard.IssueRequest{TemplateID: tmpl.ID, PurchasedBy: "user-1"})
	require.NoError(t, err)
	_, err = f.cards.Confirm(ctx, res.Card.ID, "payments")
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&giftcard.GiftCard{}).Where("id = ?", res.Card.ID).
		Update("expires_at", time.Now().UTC().Add(-time.Hour)).Error)

	f.svc.expireBatch = 1
	require.NoError(t, f.svc.HandleExpireGiftCards(ctx, asynq.NewTask(taskname.GiftCardExpire, []byte(`{"day":"2026-06-01"}`))))

	var card giftcard.GiftCard
	require.NoError(t, f.db.First(&card, "id = ?", res.Card.ID).Error)
	require.Equal(t, giftcard.StatusExpired, card.Status)
	require.Equal(t, JobSuccess, loadJob(t, f.db, taskname.GiftCardExpire).Status)
}

func TestEnqueueExpirySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.EnqueueExpirySweep(ctx))
	require.Len(t, f.enqueuer.tasks, 1)
	require.Equal(t, taskname.GiftCardExpire, f.enqueuer.tasks[0].Type())

	var taskID string
	for _, opt := range f.enqueuer.opts[0] {
		if opt.Type() == asynq.TaskIDOpt {
			taskID = opt.Value().(string)
		}
	}
	require.Equal(t, "giftcard:expire:2026-06-01", taskID)

	f.enqueuer.err = asynq.ErrTaskIDConflict
	require.NoError(t, f.svc.EnqueueExpirySweep(ctx))

	f.svc.enqueuer = nil
	require.Error(t, f.svc.EnqueueExpirySweep(ctx))
}

func TestNextRunTime(t *testing.T) {
	before := time.Date(2026, 6, 1, 0, 30, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC), nextRunTime(before, 1, 0))

	after := time.Date(2026, 6, 1, 1, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2026, 6, 2, 1, 0, 0, 0, time.UTC), nextRunTime(after, 1, 0))
}
