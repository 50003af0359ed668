// Package intake records webhook deliveries and hands them to the job queue.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"shipnotes/internal"
	"shipnotes/pkg/changes"
	"shipnotes/pkg/storage"
)

// JobKind identifies processing jobs on every queue backend.
const JobKind = "shipnotes.event"

var (
	ErrMissingDeliveryID = errors.New("delivery id is required")
	ErrUnsupportedKind   = errors.New("unsupported event kind")
)

// Delivery is one push or pull_request webhook delivery.
type Delivery struct {
	DeliveryID     string
	InstallationID int64
	Kind           string
	Payload        []byte
}

// Job is the queued unit of work. It only carries ids; the worker reloads
// the stored event.
type Job struct {
	DeliveryID     string `json:"delivery_id" river:"unique"`
	InstallationID int64  `json:"installation_id"`
	EventKind      string `json:"kind"`
}

// Kind implements river.JobArgs.
func (Job) Kind() string {
	return JobKind
}

// Queue accepts jobs. Enqueue reports false when a job for the same
// delivery id already exists.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
	Close() error
}

// Filter decides whether a stored event is worth processing.
type Filter interface {
	Allow(kind string, payload []byte) bool
}

// Intake stores deliveries and enqueues processing jobs.
type Intake struct {
	events storage.EventStore
	queue  Queue
	filter Filter
	logger *log.Logger
}

// Option customizes an Intake.
type Option func(*Intake)

// WithFilter enqueues only deliveries the filter allows.
func WithFilter(filter Filter) Option {
	return func(i *Intake) {
		i.filter = filter
	}
}

// WithLogger sets the logger for the intake.
func WithLogger(logger *log.Logger) Option {
	return func(i *Intake) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// New returns an Intake that records deliveries in events and hands jobs to queue.
func New(events storage.EventStore, queue Queue, opts ...Option) *Intake {
	i := &Intake{events: events, queue: queue, logger: internal.NewLogger("intake")}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Accept stores the delivery and enqueues a job for it. It returns true only
// when a new job was queued.
func (i *Intake) Accept(ctx context.Context, delivery Delivery) (bool, error) {
	deliveryID := strings.TrimSpace(delivery.DeliveryID)
	if deliveryID == "" {
		return false, ErrMissingDeliveryID
	}
	kind := changes.ParseKind(delivery.Kind)
	if !kind.Supported() {
		return false, fmt.Errorf("%w: %s", ErrUnsupportedKind, delivery.Kind)
	}

	stored, inserted, err := i.events.InsertEvent(ctx, storage.Event{
		DeliveryID:     deliveryID,
		InstallationID: delivery.InstallationID,
		Kind:           delivery.Kind,
		Type:           kind,
		RepoFullName:   repositoryFullName(delivery.Payload),
		Payload:        json.RawMessage(delivery.Payload),
	})
	if err != nil {
		internal.IncIntakeError("store")
		return false, fmt.Errorf("store event %s: %w", deliveryID, err)
	}
	if !inserted {
		i.logger.Printf("delivery already stored delivery_id=%s processed=%t", deliveryID, stored.Processed)
	}
	if stored.Processed {
		internal.IncIntake("duplicate")
		return false, nil
	}
	if i.filter != nil && !i.filter.Allow(delivery.Kind, delivery.Payload) {
		internal.IncIntake("filtered")
		i.logger.Printf("delivery filtered by rules delivery_id=%s kind=%s", deliveryID, delivery.Kind)
		return false, nil
	}

	queued, err := i.queue.Enqueue(ctx, Job{
		DeliveryID:     deliveryID,
		InstallationID: stored.InstallationID,
		EventKind:      string(stored.Type),
	})
	if err != nil {
		internal.IncIntakeError("enqueue")
		return false, fmt.Errorf("enqueue %s: %w", deliveryID, err)
	}
	if !queued {
		internal.IncIntake("duplicate")
		return false, nil
	}
	internal.IncIntake("accepted")
	return true, nil
}

func repositoryFullName(payload []byte) string {
	var body struct {
		Repository struct {
			FullName string `json:"full_name"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	return body.Repository.FullName
}
