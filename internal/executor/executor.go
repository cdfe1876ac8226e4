// Package executor runs remote calls under a retry/backoff policy with a
// shared throttle cooldown. One executor instance models one logical request
// stream; callers that share an instance share its cooldown window.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/draftsmith/draftsmith/internal/mailapi"
	"github.com/draftsmith/draftsmith/internal/metrics"
)

// Executor retries failing work with exponential backoff. Throttling
// responses additionally impose a cooldown window that delays every
// subsequent attempt through this instance.
type Executor struct {
	// Base and Max bound the backoff schedule: Base*2^attempt with jitter,
	// capped at Max. Set before first use.
	Base time.Duration
	Max  time.Duration

	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	notBefore time.Time
}

func New(logger *zap.Logger) *Executor {
	return &Executor{
		Base:   time.Second,
		Max:    30 * time.Second,
		logger: logger,
		now:    time.Now,
	}
}

// Do runs work, retrying throttled and transient failures up to maxRetries
// times (maxRetries+1 attempts total). Auth and permanent failures propagate
// immediately. The returned error is the last attempt's error.
func (e *Executor) Do(ctx context.Context, maxRetries int, work func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.Base
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = e.Max
	b.MaxElapsedTime = 0
	b.Reset()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := e.awaitCooldown(ctx); err != nil {
			return err
		}

		err := work(ctx)
		if err == nil {
			e.clearCooldown()
			return nil
		}
		lastErr = err

		switch mailapi.ClassifyErr(err) {
		case mailapi.KindThrottled:
			wait, _ := mailapi.RetryAfterOf(err)
			e.setCooldown(e.now().Add(wait))
			metrics.ThrottleEvents.Inc()
			e.logger.Warn("remote throttled",
				zap.Int("attempt", attempt+1),
				zap.Duration("retry_after", wait),
			)
		case mailapi.KindTransient:
			e.logger.Warn("transient failure",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
		default:
			return err
		}

		if attempt == maxRetries {
			break
		}
		metrics.RetryAttempts.Inc()
		if err := sleepContext(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
	return lastErr
}

// awaitCooldown blocks until any throttle-imposed window has passed.
func (e *Executor) awaitCooldown(ctx context.Context) error {
	e.mu.Lock()
	wait := time.Until(e.notBefore)
	e.mu.Unlock()
	if wait <= 0 {
		return nil
	}
	e.logger.Debug("waiting out throttle cooldown", zap.Duration("wait", wait))
	return sleepContext(ctx, wait)
}

func (e *Executor) setCooldown(until time.Time) {
	e.mu.Lock()
	if until.After(e.notBefore) {
		e.notBefore = until
	}
	e.mu.Unlock()
}

func (e *Executor) clearCooldown() {
	e.mu.Lock()
	e.notBefore = time.Time{}
	e.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
