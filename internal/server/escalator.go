package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultEscalateInterval = 5 * time.Minute

type escalateFunc func(ctx context.Context, olderThan time.Duration) ([]string, error)

// Escalator periodically raises notifications for operations stuck in review.
type Escalator struct {
	escalate  escalateFunc
	olderThan time.Duration
	interval  time.Duration
	logger    logrus.FieldLogger
}

// NewEscalator returns nil when after is zero, which disables escalation.
func NewEscalator(fn escalateFunc, after, every time.Duration, logger logrus.FieldLogger) *Escalator {
	if fn == nil || after <= 0 {
		return nil
	}
	if every <= 0 {
		every = defaultEscalateInterval
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Escalator{escalate: fn, olderThan: after, interval: every, logger: logger}
}

// Run ticks until ctx is done.
func (e *Escalator) Run(ctx context.Context) {
	if e == nil {
		return
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Escalator) tick(ctx context.Context) {
	ids, err := e.escalate(ctx, e.olderThan)
	if err != nil {
		e.logger.WithError(err).Warn("escalation sweep failed")
		return
	}
	if len(ids) > 0 {
		e.logger.WithField("operations", ids).Info("escalated paused operations")
	}
}
