package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/radiant-ai/pipeline/internal/idempotency"
	"github.com/radiant-ai/pipeline/internal/record"
	"github.com/radiant-ai/pipeline/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded relational backend for local and single-node
// use. It implements both WriteStore and idempotency.Store.
type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention across concurrent invocations.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	s.db.SetMaxOpenConns(1)
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("enable sqlite wal mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin opens one transaction for a consolidator invocation. The write lock
// is held until Commit or Rollback.
func (s *SQLiteStore) Begin(ctx context.Context) (BatchTx, error) {
	s.writeMu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("begin sqlite batch transaction: %w", err)
	}
	return &sqliteBatchTx{tx: tx, unlock: s.writeMu.Unlock}, nil
}

type sqliteBatchTx struct {
	tx       *sql.Tx
	unlock   func()
	released bool
}

func (b *sqliteBatchTx) release() {
	if !b.released {
		b.released = true
		b.unlock()
	}
}

func (b *sqliteBatchTx) Commit() error {
	defer b.release()
	return b.tx.Commit()
}

func (b *sqliteBatchTx) Rollback() error {
	defer b.release()
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func (b *sqliteBatchTx) InsertExecutionLogs(ctx context.Context, rows []record.ExecutionLogRecord) error {
	if len(rows) == 0 {
		return nil
	}

	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*13)
	for _, row := range rows {
		metadata, err := encodeJSONColumn(row.Metadata)
		if err != nil {
			return fmt.Errorf("encode execution log %q metadata: %w", row.ID, err)
		}
		tuples = append(tuples, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			row.ID, row.TenantID, row.RequestID, nullIfEmpty(row.UserID), row.ModelID,
			row.InputTokens, row.OutputTokens, row.TotalTokens, row.LatencyMS,
			row.Status, nullIfEmpty(row.Error), nullIfEmpty(metadata), row.CreatedAt.UTC(),
		)
	}

	statement := `
INSERT OR IGNORE INTO execution_logs (
    id, tenant_id, request_id, user_id, model_id,
    input_tokens, output_tokens, total_tokens, latency_ms,
    status, error, metadata, created_at
) VALUES ` + strings.Join(tuples, ", ")

	if _, err := b.tx.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("insert %d execution logs: %w", len(rows), err)
	}
	return nil
}

func (b *sqliteBatchTx) InsertUsageRecords(ctx context.Context, rows []record.UsageRecord) error {
	if len(rows) == 0 {
		return nil
	}

	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*9)
	for _, row := range rows {
		tuples = append(tuples, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			row.ID, row.TenantID, nullIfEmpty(row.UserID), row.ResourceType, row.ResourceID,
			row.Quantity, row.Unit, row.CostUSD, row.CreatedAt.UTC(),
		)
	}

	statement := `
INSERT OR IGNORE INTO usage_records (
    id, tenant_id, user_id, resource_type, resource_id,
    quantity, unit, cost_usd, created_at
) VALUES ` + strings.Join(tuples, ", ")

	if _, err := b.tx.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("insert %d usage records: %w", len(rows), err)
	}
	return nil
}

func (b *sqliteBatchTx) InsertRequestSummaries(ctx context.Context, rows []record.RequestSummaryRecord) error {
	if len(rows) == 0 {
		return nil
	}

	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*9)
	for _, row := range rows {
		models, err := encodeJSONColumn(row.ModelsUsed)
		if err != nil {
			return fmt.Errorf("encode request summary %q models: %w", row.ID, err)
		}
		tuples = append(tuples, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args,
			row.ID, row.TenantID, row.RequestID, nullIfEmpty(row.UserID), nullIfEmpty(row.OrchestrationMode),
			nullIfEmpty(models), row.MaxLatencyMS, row.Cached, row.CreatedAt.UTC(),
		)
	}

	statement := `
INSERT OR IGNORE INTO request_summaries (
    id, tenant_id, request_id, user_id, orchestration_mode,
    models_used, max_latency_ms, cached, created_at
) VALUES ` + strings.Join(tuples, ", ")

	if _, err := b.tx.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("insert %d request summaries: %w", len(rows), err)
	}
	return nil
}

func (s *SQLiteStore) CreatePending(ctx context.Context, rec idempotency.Record) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO idempotency_keys (key, tenant_id, operation_type, status, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.TenantID, rec.OperationType, string(idempotency.StatusPending),
		rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert pending idempotency record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read insert row count: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key, tenantID string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key, tenant_id, operation_type, status, COALESCE(result, x''), COALESCE(error, ''),
       created_at, completed_at, expires_at
FROM idempotency_keys
WHERE key = ? AND tenant_id = ?`, key, tenantID)

	var (
		rec         idempotency.Record
		status      string
		result      []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&rec.Key, &rec.TenantID, &rec.OperationType, &status, &result, &rec.Error,
		&rec.CreatedAt, &completedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	rec.Status = idempotency.Status(status)
	if len(result) > 0 {
		rec.Result = result
	}
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		rec.CompletedAt = &completed
	}
	return &rec, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, key, tenantID string, result []byte, completedAt time.Time) error {
	return s.settle(ctx, key, tenantID, string(idempotency.StatusCompleted), result, "", completedAt)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, key, tenantID, message string, completedAt time.Time) error {
	return s.settle(ctx, key, tenantID, string(idempotency.StatusFailed), nil, message, completedAt)
}

func (s *SQLiteStore) settle(ctx context.Context, key, tenantID, status string, result []byte, message string, completedAt time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
UPDATE idempotency_keys
SET status = ?, result = ?, error = NULLIF(?, ''), completed_at = ?
WHERE key = ? AND tenant_id = ? AND status = ?`,
		status, result, message, completedAt.UTC(), key, tenantID, string(idempotency.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("settle idempotency record as %s: %w", status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read settle row count: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("idempotency record %q is not pending", key)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key, tenantID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE key = ? AND tenant_id = ?`, key, tenantID); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read expired delete row count: %w", err)
	}
	return affected, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}
