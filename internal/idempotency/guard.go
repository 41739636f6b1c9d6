package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Defaults for guard options.
const (
	DefaultTTL         = 24 * time.Hour
	DefaultWaitTimeout = 10 * time.Second
)

// ErrConflict reports that another caller holds the key's pending record. It
// is a distinguishable error type so callers can choose to poll or back off.
var ErrConflict = errors.New("operation with this idempotency key is already in flight")

// errStillPending drives the bounded wait loop; never escapes the package.
var errStillPending = errors.New("idempotency record still pending")

// Operation is the wrapped side-effecting call. Its result must be
// serialized to a storable form by the caller.
type Operation func(ctx context.Context) ([]byte, error)

// Options scopes one Execute call.
type Options struct {
	// TenantID scopes the key; required.
	TenantID string
	// TTL bounds the record lifetime; zero means DefaultTTL.
	TTL time.Duration
	// FailOnConflict returns ErrConflict immediately when the key is
	// pending elsewhere instead of waiting for the holder to finish.
	FailOnConflict bool
	// WaitTimeout bounds the pending-wait loop; zero means DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// Outcome is the result of an Execute call.
type Outcome struct {
	Value []byte
	// Replayed is true when the value came from a prior completed record
	// and the operation was not invoked.
	Replayed bool
}

// Guard executes operations at most once per (key, tenant).
type Guard struct {
	store  Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewGuard builds a guard over the given record store.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		store:  store,
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs op at most once per (key, tenant). A completed record replays
// the stored result without invoking op. A pending record either raises
// ErrConflict or waits (bounded) for the holder to finish. A failed record is
// cleared and the operation re-attempted; a failed attempt does not poison
// the key. The wrapped operation's own error propagates after being recorded.
func (g *Guard) Execute(ctx context.Context, operationType, key string, op Operation, opts Options) (Outcome, error) {
	if strings.TrimSpace(key) == "" {
		return Outcome{}, errors.New("idempotency key is required")
	}
	if strings.TrimSpace(opts.TenantID) == "" {
		return Outcome{}, errors.New("idempotency tenant id is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}

	for {
		existing, err := g.lookup(ctx, key, opts.TenantID)
		if err != nil {
			return Outcome{}, err
		}

		switch {
		case existing == nil:
			// Absent: race for the pending record below.
		case existing.Status == StatusCompleted:
			return Outcome{Value: existing.Result, Replayed: true}, nil
		case existing.Status == StatusFailed:
			// A failed attempt does not poison the key.
			if err := g.store.Delete(ctx, key, opts.TenantID); err != nil {
				return Outcome{}, fmt.Errorf("clear failed idempotency record %q: %w", key, err)
			}
		case existing.Status == StatusPending:
			if opts.FailOnConflict {
				return Outcome{}, fmt.Errorf("key %q tenant %q: %w", key, opts.TenantID, ErrConflict)
			}
			settled, err := g.awaitSettled(ctx, key, opts.TenantID, opts.WaitTimeout)
			if err != nil {
				return Outcome{}, err
			}
			if settled != nil && settled.Status == StatusCompleted {
				return Outcome{Value: settled.Result, Replayed: true}, nil
			}
			// Failed or released while waiting: loop and re-attempt.
			continue
		}

		now := g.nowFn()
		created, err := g.store.CreatePending(ctx, Record{
			Key:           key,
			TenantID:      opts.TenantID,
			OperationType: operationType,
			Status:        StatusPending,
			CreatedAt:     now,
			ExpiresAt:     now.Add(opts.TTL),
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("create pending idempotency record %q: %w", key, err)
		}
		if !created {
			// Lost the race: treat the conflict as a pending hit.
			continue
		}

		return g.run(ctx, key, op, opts)
	}
}

// run invokes the operation while holding the pending record.
func (g *Guard) run(ctx context.Context, key string, op Operation, opts Options) (Outcome, error) {
	value, opErr := op(ctx)
	completedAt := g.nowFn()

	if opErr != nil {
		if markErr := g.store.MarkFailed(ctx, key, opts.TenantID, opErr.Error(), completedAt); markErr != nil {
			g.logger.Warn("idempotency failure not recorded",
				"key", key,
				"tenant_id", opts.TenantID,
				"error", markErr,
			)
		}
		return Outcome{}, opErr
	}

	if err := g.store.MarkCompleted(ctx, key, opts.TenantID, value, completedAt); err != nil {
		// The effect happened but the replay record did not stick; surface
		// it so the caller does not assume a retry-safe state.
		return Outcome{Value: value}, fmt.Errorf("record idempotency completion %q: %w", key, err)
	}
	return Outcome{Value: value}, nil
}

// lookup returns the live record for the key, clearing expired records so the
// key becomes eligible for reuse.
func (g *Guard) lookup(ctx context.Context, key, tenantID string) (*Record, error) {
	existing, err := g.store.Get(ctx, key, tenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency record %q: %w", key, err)
	}
	if existing.Expired(g.nowFn()) {
		if err := g.store.Delete(ctx, key, tenantID); err != nil {
			return nil, fmt.Errorf("clear expired idempotency record %q: %w", key, err)
		}
		return nil, nil
	}
	return existing, nil
}

// awaitSettled polls the pending record with exponential backoff until it
// settles, disappears, or the wait deadline elapses. The bound prevents
// unbounded blocking under contention.
func (g *Guard) awaitSettled(ctx context.Context, key, tenantID string, timeout time.Duration) (*Record, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = timeout

	var settled *Record
	poll := func() error {
		current, err := g.lookup(ctx, key, tenantID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if current != nil && current.Status == StatusPending {
			return errStillPending
		}
		settled = current
		return nil
	}

	if err := backoff.Retry(poll, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, errStillPending) {
			return nil, fmt.Errorf("key %q tenant %q still pending after %s: %w", key, tenantID, timeout, ErrConflict)
		}
		return nil, err
	}
	return settled, nil
}

// IsCompleted reports whether a completed record exists for the key.
func (g *Guard) IsCompleted(ctx context.Context, key, tenantID string) (bool, error) {
	existing, err := g.lookup(ctx, key, tenantID)
	if err != nil {
		return false, err
	}
	return existing != nil && existing.Status == StatusCompleted, nil
}

// CompletedResult returns the stored result for a completed key.
func (g *Guard) CompletedResult(ctx context.Context, key, tenantID string) ([]byte, bool, error) {
	existing, err := g.lookup(ctx, key, tenantID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil || existing.Status != StatusCompleted {
		return nil, false, nil
	}
	return existing.Result, true, nil
}

// Invalidate removes the record for a key. Manual override.
func (g *Guard) Invalidate(ctx context.Context, key, tenantID string) error {
	return g.store.Delete(ctx, key, tenantID)
}

// CleanupExpired deletes records past their expiry. Intended for a periodic
// sweep.
func (g *Guard) CleanupExpired(ctx context.Context) (int64, error) {
	return g.store.DeleteExpired(ctx, g.nowFn())
}
