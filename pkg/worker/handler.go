package worker

import (
	"context"
	"time"
)

// Handler is a function that processes an event.
type Handler func(ctx context.Context, evt *Event) error

// Middleware is a function that wraps a handler to add functionality.
type Middleware func(Handler) Handler

// JobProcessor runs the processing pipeline for one delivery.
type JobProcessor interface {
	Process(ctx context.Context, deliveryID string) error
}

// ProcessHandler adapts a JobProcessor to a Handler.
func ProcessHandler(p JobProcessor) Handler {
	return func(ctx context.Context, evt *Event) error {
		return p.Process(ctx, evt.Job.DeliveryID)
	}
}

// Timeout bounds each handler run.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, evt *Event) error {
			if d <= 0 {
				return next(ctx, evt)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, evt)
		}
	}
}
