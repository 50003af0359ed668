package internal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

type stubPublisher struct {
	published    int
	lastTopic    string
	lastPayload  []byte
	lastUUID     string
	lastMetadata message.Metadata
	err          error
}

func (s *stubPublisher) Publish(topic string, msgs ...*message.Message) error {
	if s.err != nil {
		return s.err
	}
	s.published += len(msgs)
	s.lastTopic = topic
	if len(msgs) > 0 {
		s.lastPayload = append([]byte(nil), msgs[0].Payload...)
		s.lastUUID = msgs[0].UUID
		s.lastMetadata = msgs[0].Metadata
	}
	return nil
}

func (s *stubPublisher) Close() error {
	return nil
}

// registerStub installs a factory for the duration of the test.
func registerStub(t *testing.T, name string, factory PublisherFactory) {
	t.Helper()
	orig, had := publisherFactories[name]
	t.Cleanup(func() {
		if had {
			publisherFactories[name] = orig
		} else {
			delete(publisherFactories, name)
		}
	})
	RegisterPublisherDriver(name, factory)
}

func stubFactory(pub message.Publisher) PublisherFactory {
	return func(WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return pub, nil, nil
	}
}

func shortConnect(t *testing.T) {
	t.Helper()
	attempts, delay := connectAttempts, connectDelay
	connectAttempts, connectDelay = 2, time.Millisecond
	t.Cleanup(func() { connectAttempts, connectDelay = attempts, delay })
}

func TestRegisterPublisherDriver(t *testing.T) {
	stub := &stubPublisher{}
	closed := false
	registerStub(t, "custom", func(WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, func() error { closed = true; return nil }, nil
	})

	pub, err := NewPublisher(WatermillConfig{Driver: "Custom"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "custom.topic", Message{Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stub.published != 1 || stub.lastTopic != "custom.topic" {
		t.Fatalf("expected publish to custom.topic once, got %d to %q", stub.published, stub.lastTopic)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatalf("expected custom close to be called")
	}
}

func TestPublishFansOutToEveryDriver(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{}
	registerStub(t, "multi-a", stubFactory(a))
	registerStub(t, "multi-b", stubFactory(b))

	pub, err := NewPublisher(WatermillConfig{Driver: "multi-a", Drivers: []string{"multi-a", "multi-b"}})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "multi.topic", Message{ID: "d-1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if a.published != 1 || b.published != 1 {
		t.Fatalf("expected publish to both drivers, got a=%d b=%d", a.published, b.published)
	}
	if a.lastUUID != "d-1" || b.lastUUID != "d-1" {
		t.Fatalf("expected both drivers to see the same id, got %q and %q", a.lastUUID, b.lastUUID)
	}
}

func TestPublishForwardsPayloadAndMetadata(t *testing.T) {
	stub := &stubPublisher{}
	registerStub(t, "payload", stubFactory(stub))

	pub, err := NewPublisher(WatermillConfig{Driver: "payload"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	raw := []byte(`{"delivery_id":"d-1"}`)
	msg := Message{
		ID:       "d-1",
		Payload:  raw,
		Metadata: map[string]string{"event": "push", "request_id": "req-123"},
	}
	if err := pub.Publish(context.Background(), "payload.topic", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if string(stub.lastPayload) != string(raw) {
		t.Fatalf("expected raw payload to be forwarded, got %s", stub.lastPayload)
	}
	if stub.lastUUID != "d-1" {
		t.Fatalf("expected message id to be kept, got %q", stub.lastUUID)
	}
	if stub.lastMetadata.Get("event") != "push" || stub.lastMetadata.Get("request_id") != "req-123" {
		t.Fatalf("unexpected metadata %v", stub.lastMetadata)
	}
}

func TestPublishGeneratesIDWhenEmpty(t *testing.T) {
	stub := &stubPublisher{}
	registerStub(t, "gen", stubFactory(stub))

	pub, err := NewPublisher(WatermillConfig{Driver: "gen"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "t", Message{Payload: []byte("x")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stub.lastUUID == "" {
		t.Fatalf("expected generated message id")
	}
}

func TestNewPublisherUnknownDriver(t *testing.T) {
	if _, err := NewPublisher(WatermillConfig{Driver: "carrier-pigeon"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestNewPublisherSkipsUnreachableDriver(t *testing.T) {
	shortConnect(t)
	ok := &stubPublisher{}
	registerStub(t, "up", stubFactory(ok))
	registerStub(t, "down", func(WatermillConfig, watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return nil, nil, errors.New("connection refused")
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"down", "up"}})
	if err != nil {
		t.Fatalf("expected remaining driver to be used: %v", err)
	}
	if err := pub.Publish(context.Background(), "t", Message{Payload: []byte("x")}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ok.published != 1 {
		t.Fatalf("expected reachable driver to publish, got %d", ok.published)
	}

	if _, err := NewPublisher(WatermillConfig{Driver: "down"}); err == nil {
		t.Fatalf("expected error when no driver connects")
	}
}

func TestPublishJoinsDriverErrors(t *testing.T) {
	good := &stubPublisher{}
	bad := &stubPublisher{err: errors.New("broker gone")}
	registerStub(t, "good", stubFactory(good))
	registerStub(t, "bad", stubFactory(bad))

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"bad", "good"}})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	err = pub.Publish(context.Background(), "t", Message{Payload: []byte("x")})
	if err == nil || !strings.Contains(err.Error(), "bad: broker gone") {
		t.Fatalf("expected joined driver error, got %v", err)
	}
	if good.published != 1 {
		t.Fatalf("healthy driver should still receive the message, got %d", good.published)
	}
}

func TestHTTPURLTarget(t *testing.T) {
	url, err := httpTargetURL(HTTPConfig{Mode: "base_url", BaseURL: "http://localhost:8080/hooks/"}, "/topic")
	if err != nil {
		t.Fatalf("httpTargetURL: %v", err)
	}
	if url != "http://localhost:8080/hooks/topic" {
		t.Fatalf("unexpected url: %q", url)
	}
	url, err = httpTargetURL(HTTPConfig{Mode: "topic_url"}, "http://consumer/jobs")
	if err != nil || url != "http://consumer/jobs" {
		t.Fatalf("topic_url should use the topic as is, got %q %v", url, err)
	}
	if _, err := httpTargetURL(HTTPConfig{Mode: "topic_url"}, ""); err == nil {
		t.Fatalf("expected error for empty topic url")
	}
}
