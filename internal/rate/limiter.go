package rate

import (
	"context"
	"time"
)

// Limiter is a fixed-window counter keyed by caller-chosen strings (client
// IP for login throttling, account+purpose for the email OTP cooldown).
// Allow reports whether the call may proceed and, when denied, how long
// until the window resets. The check and the increment are one atomic step
// in every implementation.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (allowed bool, retryAfter time.Duration, err error)
}
