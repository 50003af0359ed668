package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Worker consumes job messages from one or more topics and runs them through
// a fixed pool of handler goroutines.
type Worker struct {
	subscriber  message.Subscriber
	codec       JobCodec
	retry       RetryPolicy
	logger      Logger
	concurrency int
	topics      []string
	handlers    map[string]Handler
	middleware  []Middleware
	listeners   listenerSet
}

type delivery struct {
	topic string
	msg   *message.Message
}

// New creates a Worker. Without options it handles one message at a time and
// never retries.
func New(opts ...Option) *Worker {
	w := &Worker{
		retry:       NoRetry{},
		logger:      stdLogger{},
		concurrency: 1,
		handlers:    make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// HandleTopic sets the handler for a topic and subscribes to it on Run.
func (w *Worker) HandleTopic(topic string, h Handler) {
	if h == nil || topic == "" {
		return
	}
	if _, ok := w.handlers[topic]; !ok {
		w.addTopic(topic)
	}
	w.handlers[topic] = h
}

func (w *Worker) addTopic(topic string) {
	for _, existing := range w.topics {
		if existing == topic {
			return
		}
	}
	w.topics = append(w.topics, topic)
}

// Run blocks until ctx is canceled or every subscription closes.
func (w *Worker) Run(ctx context.Context) error {
	if w.subscriber == nil {
		return errors.New("subscriber is required")
	}
	if len(w.topics) == 0 {
		return errors.New("at least one topic is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	streams := make(map[string]<-chan *message.Message, len(w.topics))
	for _, topic := range w.topics {
		ch, err := w.subscriber.Subscribe(ctx, topic)
		if err != nil {
			w.listeners.failed(ctx, nil, err)
			return err
		}
		streams[topic] = ch
	}

	w.listeners.start(ctx)
	defer w.listeners.exit(ctx)

	queue := make(chan delivery)
	var feeders sync.WaitGroup
	for topic, ch := range streams {
		feeders.Add(1)
		go func(topic string, ch <-chan *message.Message) {
			defer feeders.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					select {
					case queue <- delivery{topic: topic, msg: msg}:
					case <-ctx.Done():
						msg.Nack()
						return
					}
				}
			}
		}(topic, ch)
	}
	go func() {
		feeders.Wait()
		close(queue)
	}()

	var pool sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		pool.Add(1)
		go func() {
			defer pool.Done()
			for d := range queue {
				w.handleMessage(ctx, d.topic, d.msg)
			}
		}()
	}
	pool.Wait()
	return nil
}

// Close closes the subscriber.
func (w *Worker) Close() error {
	if w.subscriber == nil {
		return nil
	}
	return w.subscriber.Close()
}

func (w *Worker) handleMessage(ctx context.Context, topic string, msg *message.Message) {
	evt, err := w.codec.Decode(topic, msg)
	if err != nil {
		// undecodable messages are never retried
		w.logger.Printf("decode failed topic=%s message_id=%s: %v", topic, msg.UUID, err)
		w.listeners.failed(ctx, nil, err)
		decision := w.retry.OnError(ctx, nil, 1, err)
		if !decision.Drop {
			w.listeners.giveUp(ctx, nil, err)
		}
		settle(msg, decision)
		return
	}
	if reqID := evt.Metadata["request_id"]; reqID != "" {
		w.logger.Printf("request_id=%s topic=%s delivery_id=%s kind=%s", reqID, topic, evt.Job.DeliveryID, evt.Job.EventKind)
	}

	handler, ok := w.handlers[topic]
	if !ok {
		w.logger.Printf("no handler for topic=%s delivery_id=%s", topic, evt.Job.DeliveryID)
		msg.Ack()
		return
	}
	handler = chain(handler, w.middleware)

	for attempt := 1; ; attempt++ {
		evt.Attempt = attempt
		w.listeners.messageStart(ctx, evt)
		err := handler(ctx, evt)
		w.listeners.messageFinish(ctx, evt, err)
		if err == nil {
			msg.Ack()
			return
		}
		w.listeners.failed(ctx, evt, err)

		decision := w.retry.OnError(ctx, evt, attempt, err)
		if !decision.Retry {
			if !decision.Drop {
				w.listeners.giveUp(ctx, evt, err)
			}
			settle(msg, decision)
			return
		}
		if !wait(ctx, decision.Delay) {
			// shutting down mid-backoff; the broker redelivers
			msg.Nack()
			return
		}
	}
}

func settle(msg *message.Message, decision RetryDecision) {
	if decision.Nack {
		msg.Nack()
		return
	}
	msg.Ack()
}

// wait reports false when ctx ends first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// chain applies middleware so the first one registered runs outermost.
func chain(h Handler, middleware []Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}
