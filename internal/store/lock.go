package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	// lockLease bounds how long a crashed holder can block a problem. It
	// must exceed the locked section of a decision, which covers a reload
	// and one state write but never the forecast.
	lockLease = 10 * time.Second
	// lockPoll paces retries while another process holds the lock.
	lockPoll = 20 * time.Millisecond
	// releaseTimeout bounds the release call, which runs after the
	// caller's context may already be done.
	releaseTimeout = 2 * time.Second
)

var (
	_ Locker = (*PostgresStore)(nil)
	_ Locker = (*RedisStore)(nil)
)

// acquireLease calls try with a fresh token until it reports the lease was
// taken, try fails, or ctx is done. It returns the winning token.
func acquireLease(ctx context.Context, try func(ctx context.Context, token string) (bool, error)) (string, error) {
	token := uuid.NewString()
	pace := rate.NewLimiter(rate.Every(lockPoll), 1)
	for {
		ok, err := try(ctx, token)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if err := pace.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			// the next poll would land past the deadline
			return "", context.DeadlineExceeded
		}
	}
}
