// Package publisher makes finished request results visible immediately (cache
// writes) and schedules them for durable persistence (queue sends). The cache
// write happens before the queue send for the same request, so a reader that
// observes the snapshot knows the records are at least queued.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/radiant-ai/pipeline/internal/pricing"
	"github.com/radiant-ai/pipeline/internal/record"
)

const (
	snapshotKeyPrefix = "results:v1:req:"

	resourceTypeModelInvocation = "model_invocation"
	usageUnitTokens             = "tokens"
)

// DefaultSnapshotTTL bounds the cache lifetime of a request snapshot.
const DefaultSnapshotTTL = time.Hour

var (
	ErrMissingTenant  = errors.New("publish requires a tenant id")
	ErrMissingRequest = errors.New("publish requires a request id")
	ErrNoResults      = errors.New("publish requires at least one result")
)

// Cache is the key-value collaborator contract the publisher consumes.
type Cache interface {
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Queue is the message queue collaborator contract the publisher consumes.
type Queue interface {
	SendBatch(ctx context.Context, bodies [][]byte) ([]string, error)
}

// Metrics holds optional callbacks invoked at key publish points.
type Metrics struct {
	// OnCacheError is called when a cache write or delete is degraded.
	OnCacheError func(operation string)
	// OnEnqueue is called with the number of records handed to the queue.
	OnEnqueue func(count int)
}

// Options configures optional publisher behavior.
type Options struct {
	// SnapshotTTL bounds cached snapshot lifetime; zero means DefaultSnapshotTTL.
	SnapshotTTL time.Duration
	Logger      *slog.Logger
	Metrics     Metrics
	// NowFn overrides the clock, for tests.
	NowFn func() time.Time
}

// Publisher is the write-pipeline entry point for finished requests.
type Publisher struct {
	cache       Cache
	queue       Queue
	prices      *pricing.Table
	snapshotTTL time.Duration
	logger      *slog.Logger
	metrics     Metrics
	nowFn       func() time.Time
}

// New builds a Publisher. Cache and queue clients are injected so lifecycle
// stays with the caller and tests can substitute fakes.
func New(cache Cache, queue Queue, prices *pricing.Table, opts Options) *Publisher {
	if prices == nil {
		prices = pricing.NewTable(nil, pricing.DefaultTier)
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = DefaultSnapshotTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NowFn == nil {
		opts.NowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Publisher{
		cache:       cache,
		queue:       queue,
		prices:      prices,
		snapshotTTL: opts.SnapshotTTL,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		nowFn:       opts.NowFn,
	}
}

// Request carries one logical request's finished results from the upstream
// caller.
type Request struct {
	TenantID          string
	RequestID         string
	UserID            string
	OrchestrationMode string
	Results           []record.ExecutionResult
	TotalLatencyMS    int64
}

// Publish caches the request snapshot, decomposes the results into durable
// write records, and enqueues them. Cache failures degrade the request (log
// and continue) because the snapshot is a convenience; a queue-send failure
// is returned because the queue is the only path to durable storage.
func (p *Publisher) Publish(ctx context.Context, req Request) error {
	if strings.TrimSpace(req.TenantID) == "" {
		return ErrMissingTenant
	}
	if strings.TrimSpace(req.RequestID) == "" {
		return ErrMissingRequest
	}
	if len(req.Results) == 0 {
		return ErrNoResults
	}

	now := p.nowFn()
	snapshot := record.RequestSnapshot{
		RequestID:         req.RequestID,
		TenantID:          req.TenantID,
		UserID:            req.UserID,
		OrchestrationMode: req.OrchestrationMode,
		Results:           req.Results,
		TotalLatencyMS:    req.TotalLatencyMS,
		CachedAt:          now,
	}
	cached := p.writeSnapshot(ctx, snapshot)

	records := p.decompose(req, now, cached)
	bodies := make([][]byte, 0, len(records))
	for _, rec := range records {
		body, err := record.Encode(rec)
		if err != nil {
			return fmt.Errorf("encode %s record for request %s: %w", rec.Type, req.RequestID, err)
		}
		bodies = append(bodies, body)
	}

	if _, err := p.queue.SendBatch(ctx, bodies); err != nil {
		return fmt.Errorf("enqueue %d write records for request %s: %w", len(bodies), req.RequestID, err)
	}
	if p.metrics.OnEnqueue != nil {
		p.metrics.OnEnqueue(len(bodies))
	}
	return nil
}

// writeSnapshot stores the full snapshot plus one point-lookup entry per
// (request, model) pair. Best effort only. The returned flag reports whether
// the request snapshot itself landed in the cache; the durable summary row
// records it, so a degraded publish is visible in the store.
func (p *Publisher) writeSnapshot(ctx context.Context, snapshot record.RequestSnapshot) bool {
	body, err := json.Marshal(snapshot)
	if err != nil {
		p.degradeCache("marshal_snapshot", snapshot.RequestID, err)
		return false
	}
	cached := true
	if err := p.cache.SetWithTTL(ctx, snapshotKey(snapshot.RequestID), body, p.snapshotTTL); err != nil {
		p.degradeCache("set_snapshot", snapshot.RequestID, err)
		cached = false
	}

	for _, result := range snapshot.Results {
		entry, err := json.Marshal(result)
		if err != nil {
			p.degradeCache("marshal_result", snapshot.RequestID, err)
			continue
		}
		if err := p.cache.SetWithTTL(ctx, resultKey(snapshot.RequestID, result.ModelID), entry, p.snapshotTTL); err != nil {
			p.degradeCache("set_result", snapshot.RequestID, err)
		}
	}
	return cached
}

func (p *Publisher) degradeCache(operation, requestID string, err error) {
	p.logger.Warn("cache write degraded",
		"operation", operation,
		"request_id", requestID,
		"error", err,
	)
	if p.metrics.OnCacheError != nil {
		p.metrics.OnCacheError(operation)
	}
}

// decompose turns one request into its durable write records: one execution
// log and one usage record per result, plus one request summary.
func (p *Publisher) decompose(req Request, now time.Time, cached bool) []record.WriteRecord {
	records := make([]record.WriteRecord, 0, 2*len(req.Results)+1)

	modelsUsed := make([]string, 0, len(req.Results))
	var maxLatencyMS int64
	for _, result := range req.Results {
		resultID := result.ID
		if strings.TrimSpace(resultID) == "" {
			resultID = uuid.New().String()
		}
		modelsUsed = append(modelsUsed, result.ModelID)
		if result.LatencyMS > maxLatencyMS {
			maxLatencyMS = result.LatencyMS
		}

		records = append(records, record.NewExecutionLog(record.ExecutionLogRecord{
			ID:           resultID,
			TenantID:     req.TenantID,
			RequestID:    req.RequestID,
			UserID:       req.UserID,
			ModelID:      result.ModelID,
			InputTokens:  result.InputTokens,
			OutputTokens: result.OutputTokens,
			TotalTokens:  result.TotalTokens(),
			LatencyMS:    result.LatencyMS,
			Status:       result.Status,
			Error:        result.Error,
			Metadata:     result.Metadata,
			CreatedAt:    now,
		}))

		records = append(records, record.NewUsage(record.UsageRecord{
			ID:           uuid.New().String(),
			TenantID:     req.TenantID,
			UserID:       req.UserID,
			ResourceType: resourceTypeModelInvocation,
			ResourceID:   result.ModelID,
			Quantity:     result.TotalTokens(),
			Unit:         usageUnitTokens,
			CostUSD:      p.prices.Cost(result.ModelID, result.InputTokens, result.OutputTokens),
			CreatedAt:    now,
		}))
	}

	records = append(records, record.NewRequestSummary(record.RequestSummaryRecord{
		ID:                uuid.New().String(),
		TenantID:          req.TenantID,
		RequestID:         req.RequestID,
		UserID:            req.UserID,
		OrchestrationMode: req.OrchestrationMode,
		ModelsUsed:        modelsUsed,
		MaxLatencyMS:      maxLatencyMS,
		Cached:            cached,
		CreatedAt:         now,
	}))

	return records
}

// GetSnapshot returns the cached snapshot for a request. A miss or expired
// entry reports absence, not an error; callers fall back to the store.
func (p *Publisher) GetSnapshot(ctx context.Context, requestID string) (*record.RequestSnapshot, bool, error) {
	body, found, err := p.cache.Get(ctx, snapshotKey(requestID))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var snapshot record.RequestSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, false, fmt.Errorf("decode cached snapshot for request %s: %w", requestID, err)
	}
	return &snapshot, true, nil
}

// GetResult returns one model's cached result for a request.
func (p *Publisher) GetResult(ctx context.Context, requestID, modelID string) (*record.ExecutionResult, bool, error) {
	body, found, err := p.cache.Get(ctx, resultKey(requestID, modelID))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	var result record.ExecutionResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, false, fmt.Errorf("decode cached result for request %s model %s: %w", requestID, modelID, err)
	}
	return &result, true, nil
}

// Invalidate removes the snapshot and every per-model entry for a request.
// Best effort; used for corrections. Per-model keys are enumerated from the
// snapshot, so if the snapshot has already expired or was evicted the
// per-model entries cannot be listed and are left to lapse via their TTL.
func (p *Publisher) Invalidate(ctx context.Context, requestID string) error {
	keys := []string{snapshotKey(requestID)}

	snapshot, found, err := p.GetSnapshot(ctx, requestID)
	if err == nil && found {
		for _, result := range snapshot.Results {
			keys = append(keys, resultKey(requestID, result.ModelID))
		}
	}

	if err := p.cache.Delete(ctx, keys...); err != nil {
		p.degradeCache("invalidate", requestID, err)
		return err
	}
	return nil
}

func snapshotKey(requestID string) string {
	return snapshotKeyPrefix + requestID
}

func resultKey(requestID, modelID string) string {
	return snapshotKeyPrefix + requestID + ":model:" + modelID
}
