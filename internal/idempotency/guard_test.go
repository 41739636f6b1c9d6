package idempotency

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]Record

	createErr error
	getErr    error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[string]Record)}
}

func storeKey(key, tenantID string) string {
	return tenantID + "\x00" + key
}

func (s *memoryStore) CreatePending(_ context.Context, rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return false, s.createErr
	}
	k := storeKey(rec.Key, rec.TenantID)
	if _, exists := s.records[k]; exists {
		return false, nil
	}
	s.records[k] = rec
	return true, nil
}

func (s *memoryStore) Get(_ context.Context, key, tenantID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, exists := s.records[storeKey(key, tenantID)]
	if !exists {
		return nil, ErrNotFound
	}
	copied := rec
	return &copied, nil
}

func (s *memoryStore) MarkCompleted(_ context.Context, key, tenantID string, result []byte, completedAt time.Time) error {
	return s.settle(key, tenantID, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Result = result
		rec.CompletedAt = &completedAt
	})
}

func (s *memoryStore) MarkFailed(_ context.Context, key, tenantID, message string, completedAt time.Time) error {
	return s.settle(key, tenantID, func(rec *Record) {
		rec.Status = StatusFailed
		rec.Error = message
		rec.CompletedAt = &completedAt
	})
}

func (s *memoryStore) settle(key, tenantID string, apply func(*Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(key, tenantID)
	rec, exists := s.records[k]
	if !exists {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return errors.New("record is not pending")
	}
	apply(&rec)
	s.records[k] = rec
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, storeKey(key, tenantID))
	return nil
}

func (s *memoryStore) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryStore) status(key, tenantID string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[storeKey(key, tenantID)]
	return rec.Status, exists
}

func testGuard(store Store) *Guard {
	return NewGuard(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecuteRunsOperationOnce(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)

	var calls int32
	op := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("charged $5"), nil
	}
	opts := Options{TenantID: "tenant-a"}

	first, err := guard.Execute(context.Background(), "charge", "key-1", op, opts)
	if err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}
	if first.Replayed {
		t.Fatal("first Execute() replayed, want fresh execution")
	}
	if string(first.Value) != "charged $5" {
		t.Fatalf("first Execute() value = %q, want %q", first.Value, "charged $5")
	}

	second, err := guard.Execute(context.Background(), "charge", "key-1", op, opts)
	if err != nil {
		t.Fatalf("second Execute() error: %v", err)
	}
	if !second.Replayed {
		t.Fatal("second Execute() not replayed, want stored result")
	}
	if string(second.Value) != "charged $5" {
		t.Fatalf("second Execute() value = %q, want stored result", second.Value)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("operation invoked %d times, want 1", got)
	}
}

func TestExecuteValidatesInput(t *testing.T) {
	guard := testGuard(newMemoryStore())
	op := func(context.Context) ([]byte, error) { return nil, nil }

	if _, err := guard.Execute(context.Background(), "charge", "", op, Options{TenantID: "tenant-a"}); err == nil {
		t.Fatal("Execute() with empty key: error = nil, want validation error")
	}
	if _, err := guard.Execute(context.Background(), "charge", "key-1", op, Options{}); err == nil {
		t.Fatal("Execute() without tenant: error = nil, want validation error")
	}
}

func TestExecuteIsolatesTenants(t *testing.T) {
	guard := testGuard(newMemoryStore())

	var calls int32
	op := func(context.Context) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		return []byte{byte('0' + n)}, nil
	}

	a, err := guard.Execute(context.Background(), "charge", "key-1", op, Options{TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("tenant-a Execute() error: %v", err)
	}
	b, err := guard.Execute(context.Background(), "charge", "key-1", op, Options{TenantID: "tenant-b"})
	if err != nil {
		t.Fatalf("tenant-b Execute() error: %v", err)
	}

	if b.Replayed {
		t.Fatal("tenant-b replayed tenant-a's record, want isolated execution")
	}
	if string(a.Value) == string(b.Value) {
		t.Fatal("tenants observed the same value, want independent executions")
	}
}

func TestExecuteFailedAttemptDoesNotPoisonKey(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)
	opts := Options{TenantID: "tenant-a"}

	opErr := errors.New("downstream rejected")
	_, err := guard.Execute(context.Background(), "charge", "key-1",
		func(context.Context) ([]byte, error) { return nil, opErr }, opts)
	if !errors.Is(err, opErr) {
		t.Fatalf("failing Execute() error = %v, want operation error", err)
	}
	if status, ok := store.status("key-1", "tenant-a"); !ok || status != StatusFailed {
		t.Fatalf("record after failure = %v (exists=%v), want failed", status, ok)
	}

	outcome, err := guard.Execute(context.Background(), "charge", "key-1",
		func(context.Context) ([]byte, error) { return []byte("ok"), nil }, opts)
	if err != nil {
		t.Fatalf("retry Execute() error: %v", err)
	}
	if outcome.Replayed {
		t.Fatal("retry replayed the failed attempt, want re-execution")
	}
	if string(outcome.Value) != "ok" {
		t.Fatalf("retry value = %q, want %q", outcome.Value, "ok")
	}
}

func TestExecuteFailOnConflict(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)

	if _, err := store.CreatePending(context.Background(), Record{
		Key:       "key-1",
		TenantID:  "tenant-a",
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed pending record: %v", err)
	}

	_, err := guard.Execute(context.Background(), "charge", "key-1",
		func(context.Context) ([]byte, error) { return nil, nil },
		Options{TenantID: "tenant-a", FailOnConflict: true})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Execute() error = %v, want ErrConflict", err)
	}
}

func TestExecuteWaitsForPendingHolderToComplete(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)

	if _, err := store.CreatePending(context.Background(), Record{
		Key:       "key-1",
		TenantID:  "tenant-a",
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed pending record: %v", err)
	}

	// The holder completes shortly after the waiter starts polling.
	go func() {
		time.Sleep(150 * time.Millisecond)
		_ = store.MarkCompleted(context.Background(), "key-1", "tenant-a", []byte("holder result"), time.Now().UTC())
	}()

	outcome, err := guard.Execute(context.Background(), "charge", "key-1",
		func(context.Context) ([]byte, error) { return nil, errors.New("must not run") },
		Options{TenantID: "tenant-a", WaitTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("waiting Execute() error: %v", err)
	}
	if !outcome.Replayed {
		t.Fatal("waiting Execute() not replayed, want holder's result")
	}
	if string(outcome.Value) != "holder result" {
		t.Fatalf("waiting Execute() value = %q, want holder's result", outcome.Value)
	}
}

func TestExecuteWaitTimeoutSurfacesConflict(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)

	if _, err := store.CreatePending(context.Background(), Record{
		Key:       "key-1",
		TenantID:  "tenant-a",
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(time.Hour),
	}); err != nil {
		t.Fatalf("seed pending record: %v", err)
	}

	_, err := guard.Execute(context.Background(), "charge", "key-1",
		func(context.Context) ([]byte, error) { return nil, nil },
		Options{TenantID: "tenant-a", WaitTimeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Execute() error = %v, want ErrConflict after wait timeout", err)
	}
}

func TestExecuteConcurrentCallersRunOperationOnce(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)

	var calls int32
	op := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return []byte("done"), nil
	}
	opts := Options{TenantID: "tenant-a", WaitTimeout: 5 * time.Second}

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make([]Outcome, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = guard.Execute(context.Background(), "charge", "key-1", op, opts)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d error: %v", i, errs[i])
		}
		if string(outcomes[i].Value) != "done" {
			t.Fatalf("caller %d value = %q, want %q", i, outcomes[i].Value, "done")
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("operation invoked %d times across %d callers, want 1", got, callers)
	}
}

func TestExecuteExpiredRecordAllowsReuse(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	guard.nowFn = func() time.Time { return now }

	var calls int32
	op := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	}
	opts := Options{TenantID: "tenant-a", TTL: time.Hour}

	if _, err := guard.Execute(context.Background(), "charge", "key-1", op, opts); err != nil {
		t.Fatalf("first Execute() error: %v", err)
	}

	// Past the TTL the key is eligible for reuse.
	now = now.Add(2 * time.Hour)
	outcome, err := guard.Execute(context.Background(), "charge", "key-1", op, opts)
	if err != nil {
		t.Fatalf("post-expiry Execute() error: %v", err)
	}
	if outcome.Replayed {
		t.Fatal("post-expiry Execute() replayed, want fresh execution")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("operation invoked %d times, want 2", got)
	}
}

func TestIsCompletedAndCompletedResult(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)
	opts := Options{TenantID: "tenant-a"}

	completed, err := guard.IsCompleted(context.Background(), "key-1", "tenant-a")
	if err != nil {
		t.Fatalf("IsCompleted() error: %v", err)
	}
	if completed {
		t.Fatal("IsCompleted() = true for absent key")
	}

	if _, err := guard.Execute(context.Background(), "charge", "key-1",
		func(context.Context) ([]byte, error) { return []byte("value"), nil }, opts); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	completed, err = guard.IsCompleted(context.Background(), "key-1", "tenant-a")
	if err != nil {
		t.Fatalf("IsCompleted() error: %v", err)
	}
	if !completed {
		t.Fatal("IsCompleted() = false after completion")
	}

	value, found, err := guard.CompletedResult(context.Background(), "key-1", "tenant-a")
	if err != nil {
		t.Fatalf("CompletedResult() error: %v", err)
	}
	if !found || string(value) != "value" {
		t.Fatalf("CompletedResult() = %q found=%v, want stored value", value, found)
	}
}

func TestInvalidateRemovesRecord(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)
	opts := Options{TenantID: "tenant-a"}

	var calls int32
	op := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	}

	if _, err := guard.Execute(context.Background(), "charge", "key-1", op, opts); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if err := guard.Invalidate(context.Background(), "key-1", "tenant-a"); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}

	outcome, err := guard.Execute(context.Background(), "charge", "key-1", op, opts)
	if err != nil {
		t.Fatalf("Execute() after invalidate error: %v", err)
	}
	if outcome.Replayed {
		t.Fatal("Execute() after invalidate replayed, want fresh execution")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("operation invoked %d times, want 2", got)
	}
}

func TestCleanupExpiredDeletesOnlyExpired(t *testing.T) {
	store := newMemoryStore()
	guard := testGuard(store)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	guard.nowFn = func() time.Time { return now }

	seed := func(key string, expiresAt time.Time) {
		if _, err := store.CreatePending(context.Background(), Record{
			Key:       key,
			TenantID:  "tenant-a",
			Status:    StatusPending,
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: expiresAt,
		}); err != nil {
			t.Fatalf("seed record %q: %v", key, err)
		}
	}
	seed("stale-1", now.Add(-time.Minute))
	seed("stale-2", now.Add(-time.Second))
	seed("live-1", now.Add(time.Hour))

	deleted, err := guard.CleanupExpired(context.Background())
	if err != nil {
		t.Fatalf("CleanupExpired() error: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("CleanupExpired() deleted = %d, want 2", deleted)
	}
	if _, ok := store.status("live-1", "tenant-a"); !ok {
		t.Fatal("live record deleted by cleanup")
	}
}
