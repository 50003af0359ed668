package intake

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"shipnotes/internal"
	"shipnotes/pkg/cache"
)

type recordingPublisher struct {
	mu       sync.Mutex
	failures int
	messages []internal.Message
	topics   []string
}

func (r *recordingPublisher) Publish(ctx context.Context, topic string, msg internal.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return errors.New("broker unavailable")
	}
	r.messages = append(r.messages, msg)
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recordingPublisher) Close() error { return nil }

func newWatermillQueue(t *testing.T, pub internal.Publisher, store cache.Store, attempts int) *WatermillQueue {
	t.Helper()
	queue, err := NewWatermillQueue(pub, store, "shipnotes.events", internal.WatermillConfig{
		PublishRetry: internal.PublishRetryConfig{Attempts: attempts, DelayMS: 1},
		DedupTTLMS:   60000,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue
}

func TestWatermillQueueDedup(t *testing.T) {
	pub := &recordingPublisher{}
	queue := newWatermillQueue(t, pub, cache.NewMemory(), 1)
	ctx := internal.ContextWithRequestID(context.Background(), "req-1")
	job := Job{DeliveryID: "d-1", InstallationID: 7, EventKind: "push"}

	if ok, err := queue.Enqueue(ctx, job); err != nil || !ok {
		t.Fatalf("first enqueue: ok=%v err=%v", ok, err)
	}
	if ok, err := queue.Enqueue(ctx, job); err != nil || ok {
		t.Fatalf("duplicate enqueue: ok=%v err=%v", ok, err)
	}
	if len(pub.messages) != 1 {
		t.Fatalf("expected one published message, got %d", len(pub.messages))
	}
	msg := pub.messages[0]
	if msg.ID != "d-1" || pub.topics[0] != "shipnotes.events" {
		t.Fatalf("unexpected message %+v on %s", msg, pub.topics[0])
	}
	if msg.Metadata["installation_id"] != "7" || msg.Metadata["request_id"] != "req-1" {
		t.Fatalf("unexpected metadata %+v", msg.Metadata)
	}
	var decoded Job
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil || decoded != job {
		t.Fatalf("unexpected payload %s: %v", msg.Payload, err)
	}
}

func TestWatermillQueueRetriesPublish(t *testing.T) {
	pub := &recordingPublisher{failures: 2}
	queue := newWatermillQueue(t, pub, cache.NewMemory(), 3)
	if ok, err := queue.Enqueue(context.Background(), Job{DeliveryID: "d-2"}); err != nil || !ok {
		t.Fatalf("expected publish after retries: ok=%v err=%v", ok, err)
	}
}

func TestWatermillQueueReleasesKeyOnFailure(t *testing.T) {
	pub := &recordingPublisher{failures: 1}
	store := cache.NewMemory()
	queue := newWatermillQueue(t, pub, store, 1)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, Job{DeliveryID: "d-3"}); err == nil {
		t.Fatalf("expected publish error")
	}
	if _, ok, _ := store.Get(ctx, dedupKey("d-3")); ok {
		t.Fatalf("failed publish must release the dedup key")
	}
	if ok, err := queue.Enqueue(ctx, Job{DeliveryID: "d-3"}); err != nil || !ok {
		t.Fatalf("expected retry to enqueue: ok=%v err=%v", ok, err)
	}
}

func TestWatermillQueueDeliversBeforeSubscribe(t *testing.T) {
	channel := internal.NewSharedGoChannel(internal.GoChannelConfig{OutputChannelBuffer: 8})
	t.Cleanup(func() { _ = channel.Close() })
	store := cache.NewMemory()
	queue := newWatermillQueue(t, internal.WrapPublisher("gochannel", channel), store, 1)
	ctx := context.Background()

	if ok, err := queue.Enqueue(ctx, Job{DeliveryID: "d-1", EventKind: "push"}); err != nil || !ok {
		t.Fatalf("enqueue: ok=%v err=%v", ok, err)
	}

	messages, err := channel.Subscribe(ctx, "shipnotes.events")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case msg := <-messages:
		if msg.UUID != "d-1" {
			t.Fatalf("unexpected message %s", msg.UUID)
		}
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatalf("delivery published before the worker subscribed was lost")
	}

	if ok, _ := queue.Enqueue(ctx, Job{DeliveryID: "d-1", EventKind: "push"}); ok {
		t.Fatalf("redelivery of an accepted delivery must be deduplicated")
	}
}

func TestRiverInsertOpts(t *testing.T) {
	opts := insertOpts(internal.RiverConfig{MaxAttempts: 3, Priority: 2, Tags: []string{"webhook"}})
	if opts.Queue != "default" || opts.MaxAttempts != 3 || opts.Priority != 2 {
		t.Fatalf("unexpected opts %+v", opts)
	}
	if !opts.UniqueOpts.ByArgs {
		t.Fatalf("expected jobs to be unique by args")
	}
	if len(opts.Tags) != 1 || opts.Tags[0] != "webhook" {
		t.Fatalf("unexpected tags %v", opts.Tags)
	}
	if (Job{}).Kind() != JobKind {
		t.Fatalf("unexpected job kind")
	}
}
