package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const rateLimitKeyPrefix = "ratelimit:v1:"

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed      bool
	CurrentCount int64
	ResetAt      time.Time
}

// RateLimiter implements a fixed-window counter on the shared cache. All
// callers within the same window share one counter regardless of arrival
// time; the window boundary is aligned to floor(now/window)*window. This is a
// deliberate simplification over a sliding window and accepts edge-of-window
// burst error.
type RateLimiter struct {
	cache  Cache
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewRateLimiter builds a limiter on the shared cache.
func NewRateLimiter(cache Cache, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		cache:  cache,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Check increments the tenant's counter for the current window and reports
// whether the call is within maxAllowed. The counter's expiry is set only on
// the first increment of a window. Cache unavailability fails open: the
// request is allowed and the error is returned for the caller to surface.
func (l *RateLimiter) Check(ctx context.Context, tenantID, limitType string, maxAllowed int64, window time.Duration) (Decision, error) {
	if window <= 0 {
		return Decision{}, fmt.Errorf("rate limit window must be positive (got %s)", window)
	}

	now := l.nowFn()
	windowStart := now.Truncate(window)
	resetAt := windowStart.Add(window)
	key := fmt.Sprintf("%s%s:%s:%d", rateLimitKeyPrefix, tenantID, limitType, windowStart.Unix())

	count, err := l.cache.Increment(ctx, key)
	if err != nil {
		l.logger.Warn("rate limit check degraded, failing open",
			"tenant_id", tenantID,
			"limit_type", limitType,
			"error", err,
		)
		return Decision{Allowed: true, ResetAt: resetAt}, err
	}
	if count == 1 {
		if err := l.cache.Expire(ctx, key, window); err != nil {
			l.logger.Warn("rate limit window expiry not set",
				"tenant_id", tenantID,
				"limit_type", limitType,
				"error", err,
			)
		}
	}

	return Decision{
		Allowed:      count <= maxAllowed,
		CurrentCount: count,
		ResetAt:      resetAt,
	}, nil
}
