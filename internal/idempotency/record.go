// Package idempotency wraps side-effecting operations with a keyed state
// record so retried callers observe the original outcome instead of
// re-executing the effect. The backing store's atomic conditional insert is
// the sole arbiter of at-most-once execution.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Status values for an idempotency record. Transitions are monotonic:
// pending -> completed | failed. Completed and failed are terminal until the
// record expires, after which the key is eligible for reuse.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one attempted operation, keyed by (key, tenant).
type Record struct {
	Key           string
	TenantID      string
	OperationType string
	Status        Status
	Result        []byte
	Error         string
	CreatedAt     time.Time
	CompletedAt   *time.Time
	ExpiresAt     time.Time
}

// Expired reports whether the record's lifetime elapsed at now.
func (r *Record) Expired(now time.Time) bool {
	return r != nil && !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// ErrNotFound is returned by Store.Get when no record exists for the key.
var ErrNotFound = errors.New("idempotency record not found")

// Store persists idempotency records. CreatePending must be an atomic
// conditional insert ("insert if absent") so a race between two callers
// resolves to exactly one pending writer.
type Store interface {
	CreatePending(ctx context.Context, rec Record) (created bool, err error)
	Get(ctx context.Context, key, tenantID string) (*Record, error)
	MarkCompleted(ctx context.Context, key, tenantID string, result []byte, completedAt time.Time) error
	MarkFailed(ctx context.Context, key, tenantID, message string, completedAt time.Time) error
	Delete(ctx context.Context, key, tenantID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
