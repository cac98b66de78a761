package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var errContended = errors.New("mutex held by another holder")

// LockWait bounds how long Acquire keeps retrying.
var LockWait = 10 * time.Minute

// Acquire retries tryLock with exponential backoff until it succeeds, the
// context ends, or LockWait elapses. Store errors stop the retry immediately.
func Acquire(ctx context.Context, name string, tryLock func(context.Context) (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := tryLock(ctx)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		if !ok {
			return struct{}{}, errContended
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(LockWait))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errContended):
		return fmt.Errorf("%w: %s", ErrLockTimeout, name)
	default:
		return fmt.Errorf("locking %s: %w", name, err)
	}
}
