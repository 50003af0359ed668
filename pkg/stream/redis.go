package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/redis/go-redis/v9"

	"shipnotes/internal"
	"shipnotes/pkg/storage"
)

// RedisAnnouncer publishes processed events for hubs in other processes.
type RedisAnnouncer struct {
	client  *redis.Client
	channel string
}

// NewRedisAnnouncer publishes event views on channel.
func NewRedisAnnouncer(client *redis.Client, channel string) *RedisAnnouncer {
	return &RedisAnnouncer{client: client, channel: channel}
}

func (a *RedisAnnouncer) Announce(ctx context.Context, event storage.Event) error {
	payload, err := json.Marshal(ViewOf(event))
	if err != nil {
		return err
	}
	return a.client.Publish(ctx, a.channel, payload).Err()
}

// RedisRelay feeds announcements from a redis channel into a hub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	hub     *Hub
	logger  *log.Logger
}

// NewRedisRelay forwards views published on channel to hub.
func NewRedisRelay(client *redis.Client, channel string, hub *Hub) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, hub: hub, logger: internal.NewLogger("stream")}
}

// Run blocks until ctx is done or the subscription fails.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	r.logger.Printf("relay subscribed channel=%s", r.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			payload := []byte(msg.Payload)
			if !json.Valid(payload) {
				r.logger.Printf("relay dropped invalid payload channel=%s", msg.Channel)
				continue
			}
			r.hub.AnnounceRaw(json.RawMessage(payload))
		}
	}
}
