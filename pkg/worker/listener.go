package worker

import (
	"context"

	"shipnotes/internal"
)

// Listener provides hooks into the worker's lifecycle for logging, metrics, etc.
type Listener struct {
	// OnStart is called when the worker starts.
	OnStart func(ctx context.Context)
	// OnExit is called when the worker exits.
	OnExit func(ctx context.Context)
	// OnMessageStart is called before each handler run.
	OnMessageStart func(ctx context.Context, evt *Event)
	// OnMessageFinish is called after each handler run.
	OnMessageFinish func(ctx context.Context, evt *Event, err error)
	// OnError is called when an error occurs.
	OnError func(ctx context.Context, evt *Event, err error)
	// OnGiveUp is called once a failing message will not be retried again.
	OnGiveUp func(ctx context.Context, evt *Event, err error)
}

type listenerSet []Listener

func (s listenerSet) start(ctx context.Context) {
	for _, l := range s {
		if l.OnStart != nil {
			l.OnStart(ctx)
		}
	}
}

func (s listenerSet) exit(ctx context.Context) {
	for _, l := range s {
		if l.OnExit != nil {
			l.OnExit(ctx)
		}
	}
}

func (s listenerSet) messageStart(ctx context.Context, evt *Event) {
	for _, l := range s {
		if l.OnMessageStart != nil {
			l.OnMessageStart(ctx, evt)
		}
	}
}

func (s listenerSet) messageFinish(ctx context.Context, evt *Event, err error) {
	for _, l := range s {
		if l.OnMessageFinish != nil {
			l.OnMessageFinish(ctx, evt, err)
		}
	}
}

func (s listenerSet) failed(ctx context.Context, evt *Event, err error) {
	for _, l := range s {
		if l.OnError != nil {
			l.OnError(ctx, evt, err)
		}
	}
}

func (s listenerSet) giveUp(ctx context.Context, evt *Event, err error) {
	for _, l := range s {
		if l.OnGiveUp != nil {
			l.OnGiveUp(ctx, evt, err)
		}
	}
}

// MetricsListener counts job outcomes and logs exhausted jobs.
func MetricsListener(logger Logger) Listener {
	if logger == nil {
		logger = stdLogger{}
	}
	return Listener{
		OnMessageFinish: func(ctx context.Context, evt *Event, err error) {
			if err != nil {
				internal.IncJob("failed")
			}
		},
		OnGiveUp: func(ctx context.Context, evt *Event, err error) {
			internal.IncJob("given_up")
			if evt != nil {
				logger.Printf("job given up delivery_id=%s attempts=%d err=%v", evt.Job.DeliveryID, evt.Attempt, err)
				return
			}
			logger.Printf("message given up err=%v", err)
		},
	}
}
