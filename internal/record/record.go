package record

import "time"

// Result statuses reported by upstream executors.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// ExecutionResult is one unit of upstream work's outcome. Produced once by the
// upstream caller and immutable afterwards.
type ExecutionResult struct {
	ID           string         `json:"id"`
	ModelID      string         `json:"model_id"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	LatencyMS    int64          `json:"latency_ms"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Payload      string         `json:"payload,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TotalTokens returns the combined token count for the result.
func (r ExecutionResult) TotalTokens() int64 {
	return r.InputTokens + r.OutputTokens
}

// RequestSnapshot is the cached view of one logical request: all of its
// results plus request identity. Lifetime is bounded by the cache TTL; absence
// from the cache means "fall back to the store", never "does not exist".
type RequestSnapshot struct {
	RequestID         string            `json:"request_id"`
	TenantID          string            `json:"tenant_id"`
	UserID            string            `json:"user_id,omitempty"`
	OrchestrationMode string            `json:"orchestration_mode,omitempty"`
	Results           []ExecutionResult `json:"results"`
	TotalLatencyMS    int64             `json:"total_latency_ms"`
	CachedAt          time.Time         `json:"cached_at"`
}

// Result returns the snapshot entry for one model, if present.
func (s *RequestSnapshot) Result(modelID string) (ExecutionResult, bool) {
	if s == nil {
		return ExecutionResult{}, false
	}
	for _, result := range s.Results {
		if result.ModelID == modelID {
			return result, true
		}
	}
	return ExecutionResult{}, false
}

// ExecutionLogRecord is the durable per-result row. Natural key:
// (tenant_id, id, created_at).
type ExecutionLogRecord struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	RequestID    string         `json:"request_id"`
	UserID       string         `json:"user_id,omitempty"`
	ModelID      string         `json:"model_id"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	TotalTokens  int64          `json:"total_tokens"`
	LatencyMS    int64          `json:"latency_ms"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UsageRecord is the durable billing/metering row derived from one result.
// Natural key: (tenant_id, id, created_at).
type UsageRecord struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id,omitempty"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Quantity     int64     `json:"quantity"`
	Unit         string    `json:"unit"`
	CostUSD      float64   `json:"cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
}

// RequestSummaryRecord is the durable one-per-request row. Natural key:
// (tenant_id, request_id).
type RequestSummaryRecord struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	RequestID         string    `json:"request_id"`
	UserID            string    `json:"user_id,omitempty"`
	OrchestrationMode string    `json:"orchestration_mode,omitempty"`
	ModelsUsed        []string  `json:"models_used"`
	MaxLatencyMS      int64     `json:"max_latency_ms"`
	Cached            bool      `json:"cached"`
	CreatedAt         time.Time `json:"created_at"`
}
