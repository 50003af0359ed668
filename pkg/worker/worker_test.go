package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/riverqueue/river"

	"shipnotes/internal"
	"shipnotes/pkg/intake"
	"shipnotes/pkg/processor"
)

const testTopic = "shipnotes.events"

func newPubSub() *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16, Persistent: true}, watermill.NopLogger{})
}

func publishJob(t *testing.T, pub message.Publisher, job intake.Job) {
	t.Helper()
	payload, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := pub.Publish(testTopic, message.NewMessage(job.DeliveryID, payload)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func runWorker(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for worker")
	}
}

type processorFunc func(ctx context.Context, deliveryID string) error

func (f processorFunc) Process(ctx context.Context, deliveryID string) error {
	return f(ctx, deliveryID)
}

func TestWorkerDispatchesJobs(t *testing.T) {
	pubsub := newPubSub()
	seen := make(chan string, 1)
	w := New(WithSubscriber(pubsub), WithTopics(testTopic))
	w.HandleTopic(testTopic, ProcessHandler(processorFunc(func(ctx context.Context, id string) error {
		seen <- id
		return nil
	})))
	stop := runWorker(t, w)
	defer stop()

	publishJob(t, pubsub, intake.Job{DeliveryID: "d-1", EventKind: "push"})
	select {
	case id := <-seen:
		if id != "d-1" {
			t.Fatalf("unexpected delivery id %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("job was not processed")
	}
}

func TestWorkerRetriesThenGivesUp(t *testing.T) {
	pubsub := newPubSub()
	var mu sync.Mutex
	attempts := 0
	gaveUp := make(chan struct{})
	var lastAttempt int

	w := New(
		WithSubscriber(pubsub),
		WithTopics(testTopic),
		WithRetry(BackoffRetry{MaxAttempts: 3, Base: time.Millisecond, Max: 5 * time.Millisecond}),
		WithListener(Listener{OnGiveUp: func(ctx context.Context, evt *Event, err error) {
			lastAttempt = evt.Attempt
			close(gaveUp)
		}}),
	)
	w.HandleTopic(testTopic, func(ctx context.Context, evt *Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return errors.New("remote unavailable")
	})
	stop := runWorker(t, w)
	defer stop()

	publishJob(t, pubsub, intake.Job{DeliveryID: "d-2"})
	waitFor(t, gaveUp)
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 || lastAttempt != 3 {
		t.Fatalf("expected 3 attempts, got %d (last %d)", attempts, lastAttempt)
	}
}

func TestWorkerDropsPermanentErrors(t *testing.T) {
	pubsub := newPubSub()
	finished := make(chan struct{}, 4)
	gaveUp := false
	w := New(
		WithSubscriber(pubsub),
		WithTopics(testTopic),
		WithRetry(BackoffRetry{MaxAttempts: 5, Base: time.Millisecond, Permanent: processor.IsPermanent}),
		WithListener(Listener{
			OnMessageFinish: func(ctx context.Context, evt *Event, err error) { finished <- struct{}{} },
			OnGiveUp:        func(ctx context.Context, evt *Event, err error) { gaveUp = true },
		}),
	)
	w.HandleTopic(testTopic, func(ctx context.Context, evt *Event) error {
		return processor.Permanent(processor.ErrInstallationNotFound)
	})
	stop := runWorker(t, w)

	publishJob(t, pubsub, intake.Job{DeliveryID: "d-3"})
	waitFor(t, finished)
	stop()
	if len(finished) != 0 {
		t.Fatalf("permanent errors must not be retried")
	}
	if gaveUp {
		t.Fatalf("dropped jobs are not reported as given up")
	}
}

func TestWorkerRecoversPanics(t *testing.T) {
	pubsub := newPubSub()
	errs := make(chan error, 1)
	w := New(
		WithSubscriber(pubsub),
		WithTopics(testTopic),
		WithMiddleware(Recoverer()),
		WithListener(Listener{OnMessageFinish: func(ctx context.Context, evt *Event, err error) { errs <- err }}),
	)
	w.HandleTopic(testTopic, func(ctx context.Context, evt *Event) error {
		panic("boom")
	})
	stop := runWorker(t, w)
	defer stop()

	publishJob(t, pubsub, intake.Job{DeliveryID: "d-4"})
	select {
	case err := <-errs:
		if err == nil {
			t.Fatalf("expected panic to surface as an error")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("handler did not finish")
	}
}

func TestJobCodecMetadataFallback(t *testing.T) {
	msg := message.NewMessage("d-5", []byte(`{}`))
	msg.Metadata.Set("delivery_id", "d-5")
	msg.Metadata.Set("kind", "pull_request")
	msg.Metadata.Set("installation_id", "42")
	evt, err := JobCodec{}.Decode(testTopic, msg)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Job != (intake.Job{DeliveryID: "d-5", InstallationID: 42, EventKind: "pull_request"}) {
		t.Fatalf("unexpected job %+v", evt.Job)
	}
	if _, err := (JobCodec{}).Decode(testTopic, message.NewMessage("x", []byte(`{}`))); err == nil {
		t.Fatalf("expected error without delivery id")
	}
}

func TestBackoffRetryDelay(t *testing.T) {
	policy := BackoffRetry{MaxAttempts: 10, Base: time.Second, Max: 5 * time.Second}
	evt := &Event{}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, expected := range want {
		decision := policy.OnError(context.Background(), evt, i+1, errors.New("x"))
		if !decision.Retry || decision.Delay != expected {
			t.Fatalf("attempt %d: expected retry after %s, got %+v", i+1, expected, decision)
		}
	}
	if decision := policy.OnError(context.Background(), evt, 10, errors.New("x")); decision.Retry {
		t.Fatalf("expected no retry at max attempts")
	}
}

func TestBuildSubscriber(t *testing.T) {
	sub, err := BuildSubscriber(internal.WatermillConfig{})
	if err != nil {
		t.Fatalf("default driver: %v", err)
	}
	if _, ok := sub.(*gochannel.GoChannel); !ok {
		t.Fatalf("expected gochannel subscriber, got %T", sub)
	}
	_ = sub.Close()

	if _, err := BuildSubscriber(internal.WatermillConfig{Driver: "http"}); err == nil {
		t.Fatalf("expected error for a driver with no consumer side")
	}
}

func TestMergedSubscriberTagsDriver(t *testing.T) {
	a := newPubSub()
	b := newPubSub()
	merged := &mergedSubscriber{subscribers: []namedSubscriber{{driver: "a", sub: a}, {driver: "b", sub: b}}}
	defer merged.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out, err := merged.Subscribe(ctx, testTopic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	publishJob(t, a, intake.Job{DeliveryID: "from-a"})
	publishJob(t, b, intake.Job{DeliveryID: "from-b"})

	seen := map[string]string{}
	for len(seen) < 2 {
		select {
		case msg := <-out:
			seen[msg.UUID] = msg.Metadata.Get(MetadataDriver)
			msg.Ack()
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %v", seen)
		}
	}
	if seen["from-a"] != "a" || seen["from-b"] != "b" {
		t.Fatalf("unexpected driver tags %v", seen)
	}
}

func TestRiverWorkerCancelsPermanentErrors(t *testing.T) {
	base := processor.Permanent(processor.ErrInstallationNotFound)
	w := NewRiverWorker(processorFunc(func(ctx context.Context, id string) error { return base }), time.Minute)
	err := w.Work(context.Background(), &river.Job[intake.Job]{Args: intake.Job{DeliveryID: "d-6"}})
	if err == nil || !errors.Is(err, processor.ErrInstallationNotFound) {
		t.Fatalf("expected cancelled job error, got %v", err)
	}
	if w.Timeout(nil) != time.Minute {
		t.Fatalf("unexpected timeout")
	}

	retryable := errors.New("rate limited")
	w = NewRiverWorker(processorFunc(func(ctx context.Context, id string) error { return retryable }), 0)
	if err := w.Work(context.Background(), &river.Job[intake.Job]{Args: intake.Job{DeliveryID: "d-7"}}); err != retryable {
		t.Fatalf("retryable errors pass through unchanged, got %v", err)
	}
}
