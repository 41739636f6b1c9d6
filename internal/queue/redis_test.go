package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

const testStream = "writes:v1:records-test"

// setupMiniredis starts a miniredis instance and returns a connected Client
// plus a raw go-redis client for assertions.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *Client, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client, err := New(context.Background(), Config{
		URL:           "redis://" + mr.Addr(),
		Stream:        testStream,
		ConsumerGroup: "test-writers",
		BlockMS:       50,
		MaxAttempts:   3,
		LeaseMS:       30000,
	})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	return mr, client, raw
}

func TestSendAndReadBatchRoundTrip(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	id, err := client.Send(ctx, []byte("record-1"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if id == "" {
		t.Fatal("Send() returned empty message id")
	}

	batch, err := client.ReadBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ReadBatch() error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("ReadBatch() delivered %d messages, want 1", len(batch))
	}
	if batch[0].ID != id {
		t.Fatalf("delivered id = %q, want %q", batch[0].ID, id)
	}
	if string(batch[0].Body) != "record-1" {
		t.Fatalf("delivered body = %q, want %q", batch[0].Body, "record-1")
	}
}

func TestSendBatchPreservesOrder(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	bodies := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	ids, err := client.SendBatch(ctx, bodies)
	if err != nil {
		t.Fatalf("SendBatch() error: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("SendBatch() returned %d ids, want 3", len(ids))
	}

	batch, err := client.ReadBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ReadBatch() error: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("ReadBatch() delivered %d messages, want 3", len(batch))
	}
	for i, want := range []string{"first", "second", "third"} {
		if batch[i].ID != ids[i] {
			t.Errorf("message %d id = %q, want %q", i, batch[i].ID, ids[i])
		}
		if string(batch[i].Body) != want {
			t.Errorf("message %d body = %q, want %q", i, batch[i].Body, want)
		}
	}
}

func TestSendBatchEmptyIsNoop(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	ids, err := client.SendBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("SendBatch(nil) error: %v", err)
	}
	if ids != nil {
		t.Fatalf("SendBatch(nil) = %v, want nil", ids)
	}
}

func TestReadBatchRespectsMax(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := client.Send(ctx, []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
	}

	batch, err := client.ReadBatch(ctx, 2)
	if err != nil {
		t.Fatalf("ReadBatch() error: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("ReadBatch(max=2) delivered %d messages, want 2", len(batch))
	}
}

func TestReadBatchEmptyStream(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	batch, err := client.ReadBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("ReadBatch() on empty stream error: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("ReadBatch() on empty stream delivered %d messages, want 0", len(batch))
	}
}

func TestAckRemovesPendingEntry(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	id, err := client.Send(ctx, []byte("record-1"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if _, err := client.ReadBatch(ctx, 10); err != nil {
		t.Fatalf("ReadBatch() error: %v", err)
	}

	pending, err := raw.XPending(ctx, testStream, "test-writers").Result()
	if err != nil {
		t.Fatalf("XPENDING error: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("pending count before ack = %d, want 1", pending.Count)
	}

	if err := client.Ack(ctx, id); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}

	pending, err = raw.XPending(ctx, testStream, "test-writers").Result()
	if err != nil {
		t.Fatalf("XPENDING error: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending count after ack = %d, want 0", pending.Count)
	}
}

func TestAckWithNoIDsIsNoop(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	if err := client.Ack(context.Background()); err != nil {
		t.Fatalf("Ack() with no ids error: %v", err)
	}
}

func TestDeliveryCountTracksDeliveries(t *testing.T) {
	_, client, _ := setupMiniredis(t)
	ctx := context.Background()

	id, err := client.Send(ctx, []byte("record-1"))
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if _, err := client.ReadBatch(ctx, 10); err != nil {
		t.Fatalf("ReadBatch() error: %v", err)
	}

	count, err := client.DeliveryCount(ctx, id)
	if err != nil {
		t.Fatalf("DeliveryCount() error: %v", err)
	}
	if count != 1 {
		t.Fatalf("DeliveryCount() after first delivery = %d, want 1", count)
	}

	exceeded, err := client.ExceededMaxAttempts(ctx, id)
	if err != nil {
		t.Fatalf("ExceededMaxAttempts() error: %v", err)
	}
	if exceeded {
		t.Fatal("ExceededMaxAttempts() = true after one delivery with max 3")
	}
}

func TestMoveToDeadLetterAcksOriginal(t *testing.T) {
	_, client, raw := setupMiniredis(t)
	ctx := context.Background()

	if _, err := client.Send(ctx, []byte("poison")); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	batch, err := client.ReadBatch(ctx, 10)
	if err != nil {
		t.Fatalf("ReadBatch() error: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("ReadBatch() delivered %d messages, want 1", len(batch))
	}

	if err := client.MoveToDeadLetter(ctx, batch[0], "max delivery attempts exceeded"); err != nil {
		t.Fatalf("MoveToDeadLetter() error: %v", err)
	}

	entries, err := raw.XRange(ctx, client.DeadLetterStream(), "-", "+").Result()
	if err != nil {
		t.Fatalf("XRANGE dead letter stream error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letter stream holds %d entries, want 1", len(entries))
	}
	if got := entries[0].Values["body"]; got != "poison" {
		t.Errorf("dead letter body = %v, want %q", got, "poison")
	}
	if got := entries[0].Values["original_message_id"]; got != batch[0].ID {
		t.Errorf("dead letter original_message_id = %v, want %q", got, batch[0].ID)
	}
	if got := entries[0].Values["reason"]; got != "max delivery attempts exceeded" {
		t.Errorf("dead letter reason = %v, want reason recorded", got)
	}

	pending, err := raw.XPending(ctx, testStream, "test-writers").Result()
	if err != nil {
		t.Fatalf("XPENDING error: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("pending count after dead-letter move = %d, want 0", pending.Count)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(context.Background(), Config{URL: "redis://localhost:6379"}); err == nil {
		t.Fatal("New() without stream: error = nil, want validation error")
	}
}

func TestDeadLetterStreamName(t *testing.T) {
	_, client, _ := setupMiniredis(t)

	if got := client.DeadLetterStream(); got != "dlq:"+testStream {
		t.Fatalf("DeadLetterStream() = %q, want %q", got, "dlq:"+testStream)
	}
}
