package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type discriminates the WriteRecord variants on the wire.
type Type string

const (
	TypeExecutionLog   Type = "execution_log"
	TypeUsage          Type = "usage_record"
	TypeRequestSummary Type = "request_summary"
)

// Types lists every WriteRecord variant in the fixed insert order used by the
// consolidator (logs, usage, summaries). The order is not semantically
// required; no variant's row depends on another variant's row existing.
var Types = []Type{TypeExecutionLog, TypeUsage, TypeRequestSummary}

var (
	ErrMissingType   = errors.New("write record envelope is missing type")
	ErrMissingTenant = errors.New("write record envelope is missing tenant_id")
	ErrUnknownType   = errors.New("write record envelope has unknown type")
	ErrMissingBody   = errors.New("write record envelope body does not match its type")
)

// WriteRecord is the closed sum of durable write variants. Exactly one of the
// variant pointers is set, selected by Type. The top-level type and tenant_id
// fields let consumers drop malformed or foreign messages without inspecting
// the body.
type WriteRecord struct {
	Type     Type   `json:"type"`
	TenantID string `json:"tenant_id"`

	ExecutionLog   *ExecutionLogRecord   `json:"execution_log,omitempty"`
	Usage          *UsageRecord          `json:"usage_record,omitempty"`
	RequestSummary *RequestSummaryRecord `json:"request_summary,omitempty"`
}

// NewExecutionLog wraps an execution log row in its envelope.
func NewExecutionLog(row ExecutionLogRecord) WriteRecord {
	return WriteRecord{Type: TypeExecutionLog, TenantID: row.TenantID, ExecutionLog: &row}
}

// NewUsage wraps a usage row in its envelope.
func NewUsage(row UsageRecord) WriteRecord {
	return WriteRecord{Type: TypeUsage, TenantID: row.TenantID, Usage: &row}
}

// NewRequestSummary wraps a request summary row in its envelope.
func NewRequestSummary(row RequestSummaryRecord) WriteRecord {
	return WriteRecord{Type: TypeRequestSummary, TenantID: row.TenantID, RequestSummary: &row}
}

// Validate checks the envelope invariants: a known type, a tenant, and a body
// matching the declared type.
func (r WriteRecord) Validate() error {
	if strings.TrimSpace(string(r.Type)) == "" {
		return ErrMissingType
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return ErrMissingTenant
	}
	switch r.Type {
	case TypeExecutionLog:
		if r.ExecutionLog == nil {
			return ErrMissingBody
		}
	case TypeUsage:
		if r.Usage == nil {
			return ErrMissingBody
		}
	case TypeRequestSummary:
		if r.RequestSummary == nil {
			return ErrMissingBody
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	return nil
}

// Encode serializes the envelope for the queue.
func Encode(r WriteRecord) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", r.Type, err)
	}
	return body, nil
}

// Decode parses a queue message body into a validated envelope. A decode
// error means the message can never succeed on redelivery and must be
// dropped, not retried.
func Decode(body []byte) (WriteRecord, error) {
	var decoded WriteRecord
	if err := json.Unmarshal(body, &decoded); err != nil {
		return WriteRecord{}, fmt.Errorf("decode write record: %w", err)
	}
	if err := decoded.Validate(); err != nil {
		return WriteRecord{}, err
	}
	return decoded, nil
}
