// Package processor turns a stored delivery into a change summary and a
// draft post.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"shipnotes/internal"
	"shipnotes/pkg/auth"
	"shipnotes/pkg/changes"
	"shipnotes/pkg/providers/github"
	"shipnotes/pkg/storage"
)

// RemoteProvider hands out an authenticated remote client per installation.
type RemoteProvider interface {
	RemoteClient(ctx context.Context, installationID int64) (changes.RemoteClient, error)
}

// Announcer is told about every newly processed event.
type Announcer interface {
	Announce(ctx context.Context, event storage.Event) error
}

// Processor turns queued jobs into stored summaries and draft posts.
type Processor struct {
	events        storage.EventStore
	installations storage.InstallationStore
	posts         storage.PostStore
	remote        RemoteProvider
	announcer     Announcer
	remoteTimeout time.Duration
	logger        *log.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithAnnouncer sets the announcer told about processed events.
func WithAnnouncer(announcer Announcer) Option {
	return func(p *Processor) {
		p.announcer = announcer
	}
}

// WithRemoteTimeout bounds each remote call made while summarizing.
func WithRemoteTimeout(d time.Duration) Option {
	return func(p *Processor) {
		p.remoteTimeout = d
	}
}

// WithLogger sets the logger for the processor.
func WithLogger(logger *log.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New returns a Processor over the given stores. remote supplies the
// installation-scoped GitHub client used when a payload lacks file data.
func New(events storage.EventStore, installations storage.InstallationStore, posts storage.PostStore, remote RemoteProvider, opts ...Option) *Processor {
	p := &Processor{
		events:        events,
		installations: installations,
		posts:         posts,
		remote:        remote,
		logger:        internal.NewLogger("processor"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one delivery. Returned errors are retryable unless
// IsPermanent reports otherwise.
func (p *Processor) Process(ctx context.Context, deliveryID string) error {
	event, err := p.events.GetEvent(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load event %s: %w", deliveryID, err)
	}
	if event == nil {
		p.logger.Printf("event missing, skipping delivery_id=%s", deliveryID)
		internal.IncJob("skipped")
		return nil
	}
	if event.Processed {
		internal.IncJob("skipped")
		return nil
	}

	installation, err := p.installations.GetInstallation(ctx, event.InstallationID)
	if err != nil {
		return fmt.Errorf("load installation %d: %w", event.InstallationID, err)
	}
	if installation == nil {
		p.logger.Printf("warning: installation not found, dropping delivery_id=%s installation_id=%d", deliveryID, event.InstallationID)
		internal.IncJob("dropped")
		return Permanent(fmt.Errorf("%w: %d", ErrInstallationNotFound, event.InstallationID))
	}

	remote, err := p.remote.RemoteClient(ctx, installation.ID)
	if err != nil {
		var exchangeErr *github.TokenExchangeError
		if errors.Is(err, auth.ErrAuthentication) && !errors.As(err, &exchangeErr) {
			return Permanent(fmt.Errorf("installation credentials: %w", err))
		}
		return fmt.Errorf("installation token %d: %w", installation.ID, err)
	}

	var summary *changes.Summary
	opts := []changes.Option{}
	if p.remoteTimeout > 0 {
		opts = append(opts, changes.WithRemoteTimeout(p.remoteTimeout))
	}
	result, err := changes.Summarize(ctx, event.Payload, event.Type, remote, opts...)
	switch {
	case err == nil:
		summary = &result
	case changes.IsAggregationError(err):
		p.logger.Printf("aggregation failed delivery_id=%s err=%v", deliveryID, err)
	default:
		return fmt.Errorf("summarize %s: %w", deliveryID, err)
	}

	eventID := event.DeliveryID
	post, created, err := p.posts.CreatePost(ctx, storage.Post{
		InstallationID: installation.ID,
		EventID:        &eventID,
		Summary:        draftSummary(*event),
		Content:        draftContent(*event, summary),
		Status:         storage.PostDraft,
		EventType:      event.Type,
		RepoFullName:   event.RepoFullName,
	})
	if err != nil {
		return fmt.Errorf("create draft %s: %w", deliveryID, err)
	}
	if !created {
		p.logger.Printf("draft already exists delivery_id=%s post_id=%s", deliveryID, post.ID)
	}

	if err := p.events.MarkProcessed(ctx, deliveryID, summary); err != nil {
		return fmt.Errorf("mark processed %s: %w", deliveryID, err)
	}
	internal.IncJob("processed")
	p.logger.Printf("event processed delivery_id=%s repo=%s post_id=%s", deliveryID, event.RepoFullName, post.ID)

	if p.announcer != nil {
		event.Processed = true
		event.Summary = summary
		if err := p.announcer.Announce(ctx, *event); err != nil {
			p.logger.Printf("announce failed delivery_id=%s err=%v", deliveryID, err)
		}
	}
	return nil
}

func draftSummary(event storage.Event) string {
	repo := event.RepoFullName
	if repo == "" {
		repo = "an unknown repository"
	}
	return fmt.Sprintf("New %s in %s", event.Type.Label(), repo)
}

func draftContent(event storage.Event, summary *changes.Summary) string {
	content := draftSummary(event)
	if summary == nil {
		return content
	}
	files := len(summary.FilesChanged)
	noun := "files"
	if files == 1 {
		noun = "file"
	}
	return fmt.Sprintf("%s: %s (%d %s changed)", content, summary.Title, files, noun)
}
