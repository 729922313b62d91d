package charter

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EscalationNotice asks for human review of a high-uncertainty request.
type EscalationNotice struct {
	RecordID         string
	UserID           string
	UncertaintyLevel float64
	Passed           bool
}

// Escalator receives escalation notices. Implementations must not block.
type Escalator interface {
	Escalate(ctx context.Context, n EscalationNotice)
}

// LogEscalator writes notices to the log, throttled by a token bucket.
// Notices beyond the limit are counted in Suppressed.
type LogEscalator struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	suppressed atomic.Int64
}

// NewLogEscalator allows perSecond notices with the given burst.
func NewLogEscalator(logger *zap.Logger, perSecond float64, burst int) *LogEscalator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if burst < 1 {
		burst = 1
	}
	return &LogEscalator{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (e *LogEscalator) Escalate(_ context.Context, n EscalationNotice) {
	if !e.limiter.Allow() {
		e.suppressed.Add(1)
		return
	}
	e.logger.Warn("high uncertainty detected, escalating to human review",
		zap.String("record_id", n.RecordID),
		zap.String("user_id", n.UserID),
		zap.Float64("uncertainty", n.UncertaintyLevel),
		zap.Bool("passed", n.Passed),
	)
}

// Suppressed returns how many notices were dropped by the limiter.
func (e *LogEscalator) Suppressed() int64 {
	return e.suppressed.Load()
}
