package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"shipnotes/internal"
	"shipnotes/pkg/cache"
)

// WatermillQueue publishes jobs through the configured watermill drivers.
// A cache key per delivery id stands in for the uniqueness a broker lacks.
type WatermillQueue struct {
	publisher internal.Publisher
	store     cache.Store
	topic     string
	dedupTTL  time.Duration
	retry     internal.PublishRetryConfig
	logger    *log.Logger
}

// NewWatermillQueue returns a queue publishing to topic. cfg supplies the
// dedup window and the publish retry policy.
func NewWatermillQueue(publisher internal.Publisher, store cache.Store, topic string, cfg internal.WatermillConfig) (*WatermillQueue, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &WatermillQueue{
		publisher: publisher,
		store:     store,
		topic:     topic,
		dedupTTL:  time.Duration(cfg.DedupTTLMS) * time.Millisecond,
		retry:     cfg.PublishRetry,
		logger:    internal.NewLogger("intake"),
	}, nil
}

// Enqueue publishes job unless its delivery id was already accepted.
func (q *WatermillQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	key := dedupKey(job.DeliveryID)
	fresh, err := q.store.SetNX(ctx, key, []byte("1"), q.dedupTTL)
	if err != nil {
		return false, err
	}
	if !fresh {
		return false, nil
	}

	payload, err := json.Marshal(job)
	if err != nil {
		_ = q.store.Delete(ctx, key)
		return false, err
	}
	msg := internal.Message{
		ID:      job.DeliveryID,
		Payload: payload,
		Metadata: map[string]string{
			"kind":            job.EventKind,
			"delivery_id":     job.DeliveryID,
			"installation_id": strconv.FormatInt(job.InstallationID, 10),
		},
	}
	if requestID := internal.RequestIDFromContext(ctx); requestID != "" {
		msg.Metadata["request_id"] = requestID
	}
	if err := q.publish(ctx, msg); err != nil {
		// release the key so a redelivery can try again
		_ = q.store.Delete(ctx, key)
		return false, err
	}
	return true, nil
}

func (q *WatermillQueue) publish(ctx context.Context, msg internal.Message) error {
	attempts := q.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := time.Duration(q.retry.DelayMS) * time.Millisecond

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = q.publisher.Publish(ctx, q.topic, msg)
		if err == nil {
			return nil
		}
		q.logger.Printf("publish failed delivery_id=%s attempt=%d/%d err=%v", msg.ID, attempt, attempts, err)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}

// Close closes the underlying publisher.
func (q *WatermillQueue) Close() error {
	return q.publisher.Close()
}

func dedupKey(deliveryID string) string {
	return "intake:job:" + deliveryID
}
