package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/radiant-ai/pipeline/internal/idempotency"
	"github.com/radiant-ai/pipeline/internal/record"
	"github.com/radiant-ai/pipeline/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore is the production relational backend. It implements both
// WriteStore and idempotency.Store.
type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{DSN: dsn, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)
	return s.db.Ping()
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin opens one transaction for a consolidator invocation.
func (s *PostgresStore) Begin(ctx context.Context) (BatchTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	return &postgresBatchTx{tx: tx}, nil
}

type postgresBatchTx struct {
	tx *sql.Tx
}

func (b *postgresBatchTx) Commit() error {
	return b.tx.Commit()
}

func (b *postgresBatchTx) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// InsertExecutionLogs bulk-inserts execution log rows in one statement.
// Natural-key conflicts are ignored so redelivered duplicates are no-ops.
func (b *postgresBatchTx) InsertExecutionLogs(ctx context.Context, rows []record.ExecutionLogRecord) error {
	if len(rows) == 0 {
		return nil
	}

	const columns = 13
	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*columns)
	for i, row := range rows {
		metadata, err := encodeJSONColumn(row.Metadata)
		if err != nil {
			return fmt.Errorf("encode execution log %q metadata: %w", row.ID, err)
		}
		base := i * columns
		tuples = append(tuples, fmt.Sprintf(
			"($%d, $%d, $%d, NULLIF($%d, ''), $%d, $%d, $%d, $%d, $%d, $%d, NULLIF($%d, ''), NULLIF($%d, '')::jsonb, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13,
		))
		args = append(args,
			row.ID, row.TenantID, row.RequestID, row.UserID, row.ModelID,
			row.InputTokens, row.OutputTokens, row.TotalTokens, row.LatencyMS,
			row.Status, row.Error, metadata, row.CreatedAt.UTC(),
		)
	}

	statement := `
INSERT INTO execution_logs (
    id, tenant_id, request_id, user_id, model_id,
    input_tokens, output_tokens, total_tokens, latency_ms,
    status, error, metadata, created_at
) VALUES ` + strings.Join(tuples, ", ") + `
ON CONFLICT (tenant_id, id, created_at) DO NOTHING`

	if _, err := b.tx.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("insert %d execution logs: %w", len(rows), err)
	}
	return nil
}

// InsertUsageRecords bulk-inserts usage rows in one statement.
func (b *postgresBatchTx) InsertUsageRecords(ctx context.Context, rows []record.UsageRecord) error {
	if len(rows) == 0 {
		return nil
	}

	const columns = 9
	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*columns)
	for i, row := range rows {
		base := i * columns
		tuples = append(tuples, fmt.Sprintf(
			"($%d, $%d, NULLIF($%d, ''), $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			row.ID, row.TenantID, row.UserID, row.ResourceType, row.ResourceID,
			row.Quantity, row.Unit, row.CostUSD, row.CreatedAt.UTC(),
		)
	}

	statement := `
INSERT INTO usage_records (
    id, tenant_id, user_id, resource_type, resource_id,
    quantity, unit, cost_usd, created_at
) VALUES ` + strings.Join(tuples, ", ") + `
ON CONFLICT (tenant_id, id, created_at) DO NOTHING`

	if _, err := b.tx.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("insert %d usage records: %w", len(rows), err)
	}
	return nil
}

// InsertRequestSummaries bulk-inserts summary rows in one statement.
func (b *postgresBatchTx) InsertRequestSummaries(ctx context.Context, rows []record.RequestSummaryRecord) error {
	if len(rows) == 0 {
		return nil
	}

	const columns = 9
	tuples := make([]string, 0, len(rows))
	args := make([]any, 0, len(rows)*columns)
	for i, row := range rows {
		models, err := encodeJSONColumn(row.ModelsUsed)
		if err != nil {
			return fmt.Errorf("encode request summary %q models: %w", row.ID, err)
		}
		base := i * columns
		tuples = append(tuples, fmt.Sprintf(
			"($%d, $%d, $%d, NULLIF($%d, ''), NULLIF($%d, ''), NULLIF($%d, '')::jsonb, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			row.ID, row.TenantID, row.RequestID, row.UserID, row.OrchestrationMode,
			models, row.MaxLatencyMS, row.Cached, row.CreatedAt.UTC(),
		)
	}

	statement := `
INSERT INTO request_summaries (
    id, tenant_id, request_id, user_id, orchestration_mode,
    models_used, max_latency_ms, cached, created_at
) VALUES ` + strings.Join(tuples, ", ") + `
ON CONFLICT (tenant_id, request_id) DO NOTHING`

	if _, err := b.tx.ExecContext(ctx, statement, args...); err != nil {
		return fmt.Errorf("insert %d request summaries: %w", len(rows), err)
	}
	return nil
}

// CreatePending is the atomic conditional insert backing the idempotency
// guard; the first writer wins.
func (s *PostgresStore) CreatePending(ctx context.Context, rec idempotency.Record) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO idempotency_keys (key, tenant_id, operation_type, status, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key, tenant_id) DO NOTHING`,
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

func (s *PostgresStore) Get(ctx context.Context, key, tenantID string) (*idempotency.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT key, tenant_id, operation_type, status, COALESCE(result, ''), COALESCE(error, ''),
       created_at, completed_at, expires_at
FROM idempotency_keys
WHERE key = $1 AND tenant_id = $2`, key, tenantID)

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

func (s *PostgresStore) MarkCompleted(ctx context.Context, key, tenantID string, result []byte, completedAt time.Time) error {
	return s.settle(ctx, key, tenantID, string(idempotency.StatusCompleted), result, "", completedAt)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, key, tenantID, message string, completedAt time.Time) error {
	return s.settle(ctx, key, tenantID, string(idempotency.StatusFailed), nil, message, completedAt)
}

// settle advances a pending record to a terminal status. Transitions are
// monotonic: a record that already settled is left untouched.
func (s *PostgresStore) settle(ctx context.Context, key, tenantID, status string, result []byte, message string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE idempotency_keys
SET status = $1, result = $2, error = NULLIF($3, ''), completed_at = $4
WHERE key = $5 AND tenant_id = $6 AND status = $7`,
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

func (s *PostgresStore) Delete(ctx context.Context, key, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE key = $1 AND tenant_id = $2`, key, tenantID); err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM idempotency_keys WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read expired delete row count: %w", err)
	}
	return affected, nil
}
