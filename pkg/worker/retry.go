package worker

import (
	"context"
	"time"
)

// RetryDecision tells the worker what to do with a failed message.
type RetryDecision struct {
	// Retry runs the handler again after Delay.
	Retry bool
	Delay time.Duration
	// Nack hands the message back to the broker instead of acking it.
	Nack bool
	// Drop marks a failure that was expected to be final; OnGiveUp is skipped.
	Drop bool
}

// RetryPolicy decides how failed messages are handled. attempt starts at 1.
type RetryPolicy interface {
	OnError(ctx context.Context, evt *Event, attempt int, err error) RetryDecision
}

// NoRetry acks failed messages without retrying.
type NoRetry struct{}

func (NoRetry) OnError(ctx context.Context, evt *Event, attempt int, err error) RetryDecision {
	return RetryDecision{}
}

// BackoffRetry retries with exponential delay up to MaxAttempts runs.
type BackoffRetry struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Permanent reports errors that must not be retried.
	Permanent func(error) bool
}

func (b BackoffRetry) OnError(ctx context.Context, evt *Event, attempt int, err error) RetryDecision {
	if b.Permanent != nil && b.Permanent(err) {
		return RetryDecision{Drop: true}
	}
	if evt == nil || attempt >= b.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: b.delay(attempt)}
}

func (b BackoffRetry) delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}
