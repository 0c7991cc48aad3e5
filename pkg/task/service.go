package task

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"promotions-ledger/pkg/logger"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerImpl struct {
	client *asynq.Client
}

// NewEnqueuer creates a new Enqueuer instance using asynq.Client.
func NewEnqueuer(client *asynq.Client) Enqueuer {
	return &enqueuerImpl{client: client}
}

func (e *enqueuerImpl) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	info, err := e.client.EnqueueContext(context.Background(), task, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}
	return info, nil
}

// Notifier publishes side-effect tasks after a unit of work has committed.
// Failures are logged and never surface to the caller: the money movement
// already happened and must not be reported as failed.
type Notifier struct {
	enqueuer Enqueuer
}

func NewNotifier(e Enqueuer) *Notifier {
	return &Notifier{enqueuer: e}
}

// Notify enqueues payload as JSON under taskType. uniqueKey, when set, becomes the
// task id so a retried request does not notify twice.
func (n *Notifier) Notify(ctx context.Context, taskType, uniqueKey string, payload any) {
	if n == nil || n.enqueuer == nil {
		return
	}

	log := logger.FromContext(ctx).With(zap.String("task_type", taskType))

	b, err := json.Marshal(payload)
	if err != nil {
		log.Error("failed to marshal task payload", zap.Error(err))
		return
	}

	opts := []asynq.Option{asynq.MaxRetry(10), asynq.Timeout(30 * time.Second)}
	if uniqueKey != "" {
		opts = append(opts, asynq.TaskID(taskType+":"+uniqueKey))
	}

	if _, err := n.enqueuer.Enqueue(asynq.NewTask(taskType, b), opts...); err != nil {
		log.Warn("failed to enqueue notification", zap.Error(err))
		return
	}

	log.Debug("notification enqueued")
}
