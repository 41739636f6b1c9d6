// Package store orchestrates the relational collaborator. Inserts use the
// records' natural keys with conflict-ignore semantics so redelivered
// duplicates are no-ops rather than errors; the conflict-ignore insert is the
// only coordination device between concurrent consolidator invocations.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/radiant-ai/pipeline/internal/record"
)

var ErrNotFound = errors.New("store record not found")

// BatchTx is one open transaction covering a consolidator invocation. Each
// insert method issues a single bulk statement for its record group.
type BatchTx interface {
	InsertExecutionLogs(ctx context.Context, rows []record.ExecutionLogRecord) error
	InsertUsageRecords(ctx context.Context, rows []record.UsageRecord) error
	InsertRequestSummaries(ctx context.Context, rows []record.RequestSummaryRecord) error
	Commit() error
	Rollback() error
}

// WriteStore opens batch transactions against the relational store.
type WriteStore interface {
	Begin(ctx context.Context) (BatchTx, error)
	Close() error
}

// encodeJSONColumn marshals a value for a JSON column; empty maps and slices
// collapse to the empty string so drivers can store NULL instead.
func encodeJSONColumn(value any) (string, error) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			return "", nil
		}
	case []string:
		if len(typed) == 0 {
			return "", nil
		}
	case nil:
		return "", nil
	}
	body, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func decodeStringSlice(raw string) []string {
	if raw == "" {
		return nil
	}
	var decoded []string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}
