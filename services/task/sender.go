package task

import (
	"context"

	"promotions-ledger/pkg/logger"

	"go.uber.org/zap"
)

// Sender delivers notifications. Deployments plug in their mail or SMS gateway;
// the default only logs.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type logSender struct{}

func NewLogSender() Sender {
	return logSender{}
}

func (logSender) Send(ctx context.Context, msg Message) error {
	logger.FromContext(ctx).Info("notification",
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return nil
}
