package ratelimit

import (
	"context"
	"time"

	"promotions-ledger/pkg/config"
	"promotions-ledger/pkg/logger"
	"promotions-ledger/pkg/rediskey"
	"promotions-ledger/pkg/sequence"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit",
	fx.Provide(NewCounter, NewPinThrottle),
)

// PinThrottle locks PIN checks for a gift card code after too many failures.
// Counter errors are logged and treated as "not locked".
type PinThrottle struct {
	counter     Counter
	maxFailures int64
	window      time.Duration
}

type PinThrottleParams struct {
	fx.In
	Counter Counter
	Config  *config.Config `optional:"true"`
}

func NewPinThrottle(p PinThrottleParams) *PinThrottle {
	defaults := config.DefaultPromotions()
	maxFailures, window := defaults.PinMaxFailures, defaults.PinLockWindow
	if p.Config != nil {
		if p.Config.Promotions.PinMaxFailures > 0 {
			maxFailures = p.Config.Promotions.PinMaxFailures
		}
		if p.Config.Promotions.PinLockWindow > 0 {
			window = p.Config.Promotions.PinLockWindow
		}
	}
	return NewPinThrottleWith(p.Counter, maxFailures, window)
}

func NewPinThrottleWith(counter Counter, maxFailures int, window time.Duration) *PinThrottle {
	return &PinThrottle{counter: counter, maxFailures: int64(maxFailures), window: window}
}

func key(code string) string {
	return rediskey.BuildPinFailureKey(sequence.NormalizeCode(code))
}

// Locked reports whether PIN checks for code are currently refused.
func (t *PinThrottle) Locked(ctx context.Context, code string) bool {
	if t == nil {
		return false
	}
	n, err := t.counter.Get(ctx, key(code))
	if err != nil {
		logger.FromContext(ctx).Warn("pin throttle unavailable", zap.Error(err))
		return false
	}
	return n >= t.maxFailures
}

// Fail records a wrong PIN and reports whether the code is now locked.
func (t *PinThrottle) Fail(ctx context.Context, code string) bool {
	if t == nil {
		return false
	}
	n, err := t.counter.Incr(ctx, key(code), t.window)
	if err != nil {
		logger.FromContext(ctx).Warn("pin throttle unavailable", zap.Error(err))
		return false
	}
	if n >= t.maxFailures {
		logger.FromContext(ctx).Warn("gift card pin locked", zap.Int64("failures", n), zap.Duration("window", t.window))
		return true
	}
	return false
}

// Reset clears the failure count after a correct PIN.
func (t *PinThrottle) Reset(ctx context.Context, code string) {
	if t == nil {
		return
	}
	if err := t.counter.Reset(ctx, key(code)); err != nil {
		logger.FromContext(ctx).Warn("pin throttle unavailable", zap.Error(err))
	}
}
