package network

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/elmops/elm/internal/errs"
)

// sendWithRetry calls send until it succeeds, waiting base×attempt between
// tries. Once MaxRetries are spent the result is ErrNoOpenConnection.
func (c *core) sendWithRetry(ctx context.Context, send func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			if !backoffRetry(ctx, c.opts.RetryBase, attempt) {
				break
			}
			c.logger.Debug("retrying send", zap.Int("attempt", attempt), zap.Error(lastErr))
		}
		err := send()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		lastErr = fmt.Errorf("%v (%w)", lastErr, ctxErr)
	}
	return fmt.Errorf("%w: %v", errs.ErrNoOpenConnection, lastErr)
}

// backoffRetry sleeps base×attempt and reports false if ctx ended first.
func backoffRetry(ctx context.Context, base time.Duration, attempt int) bool {
	if attempt <= 0 {
		return false
	}
	t := time.NewTimer(base * time.Duration(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// withDefaultTimeout bounds ctx by DefaultDialTimeout unless it already
// carries a deadline.
func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), DefaultDialTimeout)
	}
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultDialTimeout)
}
