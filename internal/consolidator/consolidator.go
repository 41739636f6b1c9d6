// Package consolidator drains bounded batches of queued write records and
// persists them durably, reporting per-message failure so the queue's
// redelivery mechanism retries only what must be retried.
//
// One invocation runs one transaction. If any type-group's insert fails the
// whole transaction rolls back and every parsed message in the invocation is
// reported failed, so redelivery also covers the groups whose inserts had
// succeeded before the rollback. Conflict-ignore natural keys make the
// resulting duplicate redeliveries no-ops.
package consolidator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/radiant-ai/pipeline/internal/queue"
	"github.com/radiant-ai/pipeline/internal/record"
	"github.com/radiant-ai/pipeline/internal/store"
)

const instrumentationName = "radiant.pipeline.consolidator"

// Metrics holds optional callbacks invoked at key consolidation points.
type Metrics struct {
	// OnPersisted is called with the number of records committed.
	OnPersisted func(count int)
	// OnRetried is called with the number of messages reported for retry.
	OnRetried func(count int)
	// OnDropped is called with the number of malformed messages dropped.
	OnDropped func(count int)
}

// Consolidator groups parsed records by variant and bulk-inserts each group.
type Consolidator struct {
	store   store.WriteStore
	logger  *slog.Logger
	metrics Metrics
}

// New builds a Consolidator over the given write store.
func New(writeStore store.WriteStore, logger *slog.Logger, metrics Metrics) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{store: writeStore, logger: logger, metrics: metrics}
}

// groups partitions parsed records by variant, retaining each record's
// originating message identifier.
type groups struct {
	logIDs     []string
	logs       []record.ExecutionLogRecord
	usageIDs   []string
	usage      []record.UsageRecord
	summaryIDs []string
	summaries  []record.RequestSummaryRecord
}

func (g *groups) add(messageID string, rec record.WriteRecord) {
	switch rec.Type {
	case record.TypeExecutionLog:
		g.logIDs = append(g.logIDs, messageID)
		g.logs = append(g.logs, *rec.ExecutionLog)
	case record.TypeUsage:
		g.usageIDs = append(g.usageIDs, messageID)
		g.usage = append(g.usage, *rec.Usage)
	case record.TypeRequestSummary:
		g.summaryIDs = append(g.summaryIDs, messageID)
		g.summaries = append(g.summaries, *rec.RequestSummary)
	}
}

func (g *groups) messageIDs() []string {
	ids := make([]string, 0, len(g.logIDs)+len(g.usageIDs)+len(g.summaryIDs))
	ids = append(ids, g.logIDs...)
	ids = append(ids, g.usageIDs...)
	ids = append(ids, g.summaryIDs...)
	return ids
}

func (g *groups) recordCount() int {
	return len(g.logs) + len(g.usage) + len(g.summaries)
}

// Consolidate persists one delivered batch and returns the message
// identifiers that must be redelivered. Messages absent from the returned set
// are safe to acknowledge: they were either committed or dropped as
// permanently malformed.
func (c *Consolidator) Consolidate(ctx context.Context, batch []queue.Message) []string {
	if len(batch) == 0 {
		return nil
	}

	tracer := otel.Tracer(instrumentationName)
	ctx, span := tracer.Start(ctx, "pipeline.consolidate")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.size", len(batch)))

	parsed := c.parse(batch)
	if parsed.recordCount() == 0 {
		return nil
	}

	failed := c.persist(ctx, parsed)
	if len(failed) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d of %d messages failed", len(failed), len(batch)))
		if c.metrics.OnRetried != nil {
			c.metrics.OnRetried(len(failed))
		}
	}
	return failed
}

// parse decodes each message body. A message that fails to decode or lacks
// its type or tenant can never succeed on redelivery, so it is dropped
// (logged, not retried).
func (c *Consolidator) parse(batch []queue.Message) *groups {
	parsed := &groups{}
	dropped := 0
	for _, msg := range batch {
		rec, err := record.Decode(msg.Body)
		if err != nil {
			dropped++
			c.logger.Error("dropping unparseable write record",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		parsed.add(msg.ID, rec)
	}
	if dropped > 0 && c.metrics.OnDropped != nil {
		c.metrics.OnDropped(dropped)
	}
	return parsed
}

// persist attempts one bulk insert per non-empty group inside a single
// transaction. Each group's failure is caught locally so the remaining groups
// are still attempted and logged.
func (c *Consolidator) persist(ctx context.Context, parsed *groups) []string {
	tx, err := c.store.Begin(ctx)
	if err != nil {
		c.logger.Error("batch transaction not opened",
			"error", err,
			"error_class", store.ClassifyWriteError(err),
		)
		return parsed.messageIDs()
	}

	anyFailed := false
	attempt := func(group record.Type, size int, insert func() error) {
		if size == 0 {
			return
		}
		if err := insert(); err != nil {
			anyFailed = true
			c.logger.Error("group insert failed",
				"group", string(group),
				"records", size,
				"error", err,
				"error_class", store.ClassifyWriteError(err),
			)
		}
	}

	attempt(record.TypeExecutionLog, len(parsed.logs), func() error {
		return tx.InsertExecutionLogs(ctx, parsed.logs)
	})
	attempt(record.TypeUsage, len(parsed.usage), func() error {
		return tx.InsertUsageRecords(ctx, parsed.usage)
	})
	attempt(record.TypeRequestSummary, len(parsed.summaries), func() error {
		return tx.InsertRequestSummaries(ctx, parsed.summaries)
	})

	if anyFailed {
		if err := tx.Rollback(); err != nil {
			c.logger.Error("batch rollback failed", "error", err)
		}
		return parsed.messageIDs()
	}

	if err := tx.Commit(); err != nil {
		c.logger.Error("batch commit failed",
			"error", err,
			"error_class", store.ClassifyWriteError(err),
		)
		return parsed.messageIDs()
	}

	if c.metrics.OnPersisted != nil {
		c.metrics.OnPersisted(parsed.recordCount())
	}
	return nil
}
