package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/fieldsetapp/fieldset/modules/dynafield/domain/types"
)

const (
	busyAttempts = 3
	busyBackoff  = 100 * time.Millisecond
)

// classifyBusy turns a deadline hit into a PoolBusyError. Under load the
// pool blocks acquisition until the context gives up, so the deadline is the
// exhaustion signal the caller can retry on.
func classifyBusy(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.PoolBusyError{Op: op, Err: err}
	}
	return err
}

// WithBusyRetry runs fn up to busyAttempts times, backing off between pool
// busy failures. Any other error, or a dead context, surfaces immediately.
func WithBusyRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return classifyBusy(op, err)
			case <-time.After(busyBackoff << (attempt - 1)):
			}
		}
		err = classifyBusy(op, fn())
		if err == nil {
			return nil
		}
		if _, ok := errors.AsType[*types.PoolBusyError](err); !ok {
			return err
		}
	}
	return err
}
