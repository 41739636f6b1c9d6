// Package queue wraps the message queue collaborator as a Redis Stream with a
// consumer group. Delivery is at-least-once: messages stay pending until
// acknowledged, unacknowledged messages are reclaimed after their lease
// expires, and messages that exceed the maximum delivery count are moved to a
// dead-letter stream for manual inspection.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bodyField = "body"

// Message is one delivered queue entry.
type Message struct {
	ID   string
	Body []byte
}

// Config holds connection and delivery settings for the queue.
type Config struct {
	URL           string
	Password      string
	Stream        string
	ConsumerGroup string
	// BlockMS bounds how long ReadBatch waits for new messages.
	BlockMS int
	// MaxAttempts is the delivery count after which a message is eligible
	// for the dead-letter stream.
	MaxAttempts int
	// LeaseMS is how long a delivered message stays invisible to other
	// consumers before it can be reclaimed.
	LeaseMS int
}

// Client is a Redis Streams producer/consumer for write records.
type Client struct {
	client      *redis.Client
	stream      string
	group       string
	consumer    string
	block       time.Duration
	lease       time.Duration
	maxAttempts int
}

// New connects to Redis and ensures the consumer group exists.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Stream) == "" {
		return nil, fmt.Errorf("queue stream name is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "pipeline-writers"
	}
	if cfg.BlockMS <= 0 {
		cfg.BlockMS = 5000
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.LeaseMS <= 0 {
		cfg.LeaseMS = 30000
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse queue url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to queue: %w", err)
	}

	queueClient := &Client{
		client:      client,
		stream:      cfg.Stream,
		group:       cfg.ConsumerGroup,
		consumer:    fmt.Sprintf("pipeline-%s", uuid.New().String()[:8]),
		block:       time.Duration(cfg.BlockMS) * time.Millisecond,
		lease:       time.Duration(cfg.LeaseMS) * time.Millisecond,
		maxAttempts: cfg.MaxAttempts,
	}
	if err := queueClient.ensureGroup(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return queueClient, nil
}

func (c *Client) ensureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Send enqueues one message body and returns its message identifier.
func (c *Client) Send(ctx context.Context, body []byte) (string, error) {
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]any{bodyField: string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("queue send: %w", err)
	}
	return id, nil
}

// SendBatch enqueues message bodies in one pipelined round trip and returns
// their message identifiers in order.
func (c *Client) SendBatch(ctx context.Context, bodies [][]byte) ([]string, error) {
	if len(bodies) == 0 {
		return nil, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(bodies))
	for _, body := range bodies {
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: c.stream,
			Values: map[string]any{bodyField: string(body)},
		}))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue send batch of %d: %w", len(bodies), err)
	}

	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		id, err := cmd.Result()
		if err != nil {
			return nil, fmt.Errorf("queue send batch of %d: %w", len(bodies), err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ReadBatch delivers up to max messages. Messages whose lease expired on
// another consumer are reclaimed first; the remainder of the batch comes from
// new stream entries. Returns an empty batch when nothing is available within
// the block timeout.
func (c *Client) ReadBatch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	batch, err := c.reclaimStale(ctx, max)
	if err != nil {
		return nil, err
	}
	if len(batch) >= max {
		return batch, nil
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    int64(max - len(batch)),
		Block:    c.block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return batch, nil
		}
		return nil, fmt.Errorf("read from stream: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			batch = append(batch, parseMessage(msg))
		}
	}
	return batch, nil
}

// reclaimStale claims pending messages whose lease elapsed so a crashed or
// failed invocation's messages are redelivered here.
func (c *Client) reclaimStale(ctx context.Context, max int) ([]Message, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   c.lease,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		ids = append(ids, entry.ID)
	}
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  c.lease,
		Messages: ids,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("claim stale messages: %w", err)
	}

	batch := make([]Message, 0, len(claimed))
	for _, msg := range claimed {
		batch = append(batch, parseMessage(msg))
	}
	return batch, nil
}

func parseMessage(msg redis.XMessage) Message {
	parsed := Message{ID: msg.ID}
	if body, ok := msg.Values[bodyField].(string); ok {
		parsed.Body = []byte(body)
	}
	return parsed
}

// Ack acknowledges processed messages, removing them from the pending list.
// Unacknowledged messages are redelivered after the lease elapses.
func (c *Client) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, c.stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("ack %d messages: %w", len(ids), err)
	}
	return nil
}

// DeliveryCount returns how many times a pending message has been delivered.
func (c *Client) DeliveryCount(ctx context.Context, id string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("pending lookup for %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}

// ExceededMaxAttempts reports whether a message's delivery count passed the
// configured maximum and it should be dead-lettered.
func (c *Client) ExceededMaxAttempts(ctx context.Context, id string) (bool, error) {
	count, err := c.DeliveryCount(ctx, id)
	if err != nil {
		return false, err
	}
	return count >= int64(c.maxAttempts), nil
}

// MoveToDeadLetter appends a failed message to the dead-letter stream and
// acknowledges the original so it stops being redelivered.
func (c *Client) MoveToDeadLetter(ctx context.Context, msg Message, reason string) error {
	err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.DeadLetterStream(),
		Values: map[string]any{
			bodyField:             string(msg.Body),
			"original_message_id": msg.ID,
			"original_stream":     c.stream,
			"reason":              reason,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"consumer":            c.consumer,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("move %s to dead letter: %w", msg.ID, err)
	}
	return c.Ack(ctx, msg.ID)
}

// DeadLetterStream returns the dead-letter stream name for this queue.
func (c *Client) DeadLetterStream() string {
	return "dlq:" + c.stream
}

// Consumer returns this client's unique consumer name within the group.
func (c *Client) Consumer() string {
	return c.consumer
}

// MaxAttempts returns the configured maximum delivery count.
func (c *Client) MaxAttempts() int {
	return c.maxAttempts
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
