package worker

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// MiddlewareFromWatermill runs a watermill handler middleware around a Handler.
func MiddlewareFromWatermill(m message.HandlerMiddleware) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *Event) error {
			id := evt.MessageID
			if id == "" {
				id = watermill.NewUUID()
			}
			msg := message.NewMessage(id, message.Payload(evt.Payload))
			if evt.Metadata != nil {
				msg.Metadata = message.Metadata{}
				for key, value := range evt.Metadata {
					msg.Metadata[key] = value
				}
			}
			msg.SetContext(ctx)
			wrapped := m(func(_ *message.Message) ([]*message.Message, error) {
				return nil, next(ctx, evt)
			})
			_, err := wrapped(msg)
			return err
		}
	}
}

// Recoverer turns handler panics into errors.
func Recoverer() Middleware {
	return MiddlewareFromWatermill(middleware.Recoverer)
}
