package task

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"promotions-ledger/pkg/logger"
	asynqtask "promotions-ledger/pkg/task"
	"promotions-ledger/pkg/taskname"
	"promotions-ledger/services/giftcard"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	enqueuer asynqtask.Enqueuer
	cards    *giftcard.Service
	sender   Sender

	expireBatch int
	now         func() time.Time
}

type Params struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Enqueuer asynqtask.Enqueuer `optional:"true"`
	Cards    *giftcard.Service
	Sender   Sender `optional:"true"`
}

func NewService(p Params) *Service {
	sender := p.Sender
	if sender == nil {
		sender = NewLogSender()
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		enqueuer:    p.Enqueuer,
		cards:       p.Cards,
		sender:      sender,
		expireBatch: 500,
		now:         time.Now,
	}
}

// RegisterHandlers mounts every task this worker consumes.
func RegisterHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.GiftCardIssued, svc.HandleGiftCardIssued)
	mux.HandleFunc(taskname.GiftCardTransferred, svc.HandleGiftCardTransferred)
	mux.HandleFunc(taskname.GiftCardExpire, svc.HandleExpireGiftCards)
	mux.HandleFunc(taskname.VoucherApplied, svc.HandleVoucherApplied)
}

// jobKey is the asynq task id when there is one, otherwise a digest of the payload.
func jobKey(ctx context.Context, t *asynq.Task) string {
	if id, ok := asynq.GetTaskID(ctx); ok && id != "" {
		return id
	}
	sum := sha256.Sum256(t.Payload())
	return hex.EncodeToString(sum[:])
}

// run executes fn under a Job record. It returns nil without calling fn when the
// same task already succeeded.
func (s *Service) run(ctx context.Context, t *asynq.Task, fn func(ctx context.Context) error) error {
	key := jobKey(ctx, t)
	log := logger.FromContext(ctx).With(zap.String("task_type", t.Type()), zap.String("key", key))

	var job Job
	err := s.db.WithContext(ctx).Where(&Job{TaskType: t.Type(), UniqueKey: key}).First(&job).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		job = Job{
			ID:        s.node.Generate().String(),
			TaskType:  t.Type(),
			UniqueKey: key,
			Status:    JobRunning,
			Payload:   datatypes.JSON(t.Payload()),
		}
		if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load job: %w", err)
	case job.Status == JobSuccess:
		log.Info("task already processed")
		return nil
	}

	started := s.now().UTC()
	job.Attempts++
	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status":     JobRunning,
		"attempts":   job.Attempts,
		"started_at": started,
	}).Error; err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	runErr := fn(ctx)

	completed := s.now().UTC()
	fields := map[string]any{"status": JobSuccess, "completed_at": completed, "error_msg": ""}
	if runErr != nil {
		fields["status"] = JobFailed
		fields["error_msg"] = runErr.Error()
		log.Warn("task failed", zap.Int("attempt", job.Attempts), zap.Error(runErr))
	}
	if err := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(fields).Error; err != nil {
		log.Error("failed to record job result", zap.Error(err))
	}
	return runErr
}

type issuedPayload struct {
	CardID           string `json:"card_id"`
	Code             string `json:"code"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	RecipientName    string `json:"recipient_name"`
	RecipientEmail   string `json:"recipient_email"`
	RecipientPhone   string `json:"recipient_phone"`
	RecipientMessage string `json:"recipient_message"`
	ExpiresAt        string `json:"expires_at"`
}

// HandleGiftCardIssued tells the recipient about a confirmed card. The PIN is
// never part of the payload; the purchaser hands it over.
func (s *Service) HandleGiftCardIssued(ctx context.Context, t *asynq.Task) error {
	var p issuedPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	return s.run(ctx, t, func(ctx context.Context) error {
		subject := fmt.Sprintf("You received a %s %s gift card", p.Amount, p.Currency)
		body := fmt.Sprintf("Gift card %s, valid until %s.", p.Code, p.ExpiresAt)
		if p.RecipientMessage != "" {
			body = p.RecipientMessage + "\n\n" + body
		}

		var msgs []Message
		if p.RecipientEmail != "" {
			msgs = append(msgs, Message{Channel: "email", To: p.RecipientEmail, Subject: subject, Body: body})
		}
		if p.RecipientPhone != "" {
			msgs = append(msgs, Message{Channel: "sms", To: p.RecipientPhone, Subject: subject, Body: body})
		}
		if len(msgs) == 0 {
			logger.FromContext(ctx).Info("gift card has no recipient contact", zap.String("card_id", p.CardID))
		}
		return s.send(ctx, msgs...)
	})
}

func (s *Service) HandleGiftCardTransferred(ctx context.Context, t *asynq.Task) error {
	var p giftcard.TransferResult
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	return s.run(ctx, t, func(ctx context.Context) error {
		return s.send(ctx,
			Message{Channel: "user", To: p.NewOwnerID, Subject: "A gift card was transferred to you", Body: "Gift card " + p.Code + " is now yours."},
			Message{Channel: "user", To: p.PreviousOwnerID, Subject: "Gift card transferred", Body: "Gift card " + p.Code + " was transferred."},
		)
	})
}

// HandleVoucherApplied only records the usage event; there is nobody to notify.
func (s *Service) HandleVoucherApplied(ctx context.Context, t *asynq.Task) error {
	var p map[string]string
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	return s.run(ctx, t, func(ctx context.Context) error {
		logger.FromContext(ctx).Info("voucher usage recorded",
			zap.String("voucher_code", p["voucher_code"]),
			zap.String("order_reference", p["order_reference"]),
		)
		return nil
	})
}

// HandleExpireGiftCards sweeps expired cards in batches until none are left.
func (s *Service) HandleExpireGiftCards(ctx context.Context, t *asynq.Task) error {
	return s.run(ctx, t, func(ctx context.Context) error {
		total := 0
		for {
			n, err := s.cards.ExpireDue(ctx, s.expireBatch)
			total += n
			if err != nil {
				return err
			}
			if n < s.expireBatch {
				break
			}
		}
		logger.FromContext(ctx).Info("expiry sweep finished", zap.Int("expired", total))
		return nil
	})
}

// EnqueueExpirySweep schedules today's sweep. The task id carries the date, so
// several schedulers enqueue it once.
func (s *Service) EnqueueExpirySweep(ctx context.Context) error {
	if s.enqueuer == nil {
		return errors.New("task: no enqueuer configured")
	}

	day := s.now().UTC().Format("2006-01-02")
	_, err := s.enqueuer.Enqueue(
		asynq.NewTask(taskname.GiftCardExpire, []byte(`{"day":"`+day+`"}`)),
		asynq.TaskID(taskname.GiftCardExpire+":"+day),
		asynq.Queue("low"),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.FromContext(ctx).Info("expiry sweep already enqueued", zap.String("day", day))
		return nil
	}
	return err
}

func (s *Service) send(ctx context.Context, msgs ...Message) error {
	for _, m := range msgs {
		if m.To == "" {
			continue
		}
		if err := s.sender.Send(ctx, m); err != nil {
			return fmt.Errorf("send %s to %s: %w", m.Channel, m.To, err)
		}
	}
	return nil
}
