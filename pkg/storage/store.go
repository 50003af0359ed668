package storage

import (
	"context"
	"encoding/json"
	"time"

	"shipnotes/pkg/changes"
)

// Installation is a GitHub App installation and the repositories it grants.
type Installation struct {
	ID           int64     `json:"id"`
	AccountLogin string    `json:"accountLogin"`
	AccountID    int64     `json:"accountId"`
	Repositories []string  `json:"repositories"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Event is a received push or pull request delivery.
type Event struct {
	DeliveryID     string
	InstallationID int64
	Kind           string
	Type           changes.Kind
	RepoFullName   string
	Payload        json.RawMessage
	Summary        *changes.Summary
	ReceivedAt     time.Time
	Processed      bool
	ProcessedAt    *time.Time
}

// PostStatus is the lifecycle state of a post.
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostReady     PostStatus = "ready"
	PostScheduled PostStatus = "scheduled"
	PostPublished PostStatus = "published"
	PostFailed    PostStatus = "failed"
)

// Post is generated content derived from an event or an on-demand request.
type Post struct {
	ID             string       `json:"id"`
	InstallationID int64        `json:"installationId,omitempty"`
	EventID        *string      `json:"eventId,omitempty"`
	UserID         string       `json:"userId,omitempty"`
	Summary        string       `json:"summary"`
	Content        string       `json:"content"`
	Status         PostStatus   `json:"status"`
	EventType      changes.Kind `json:"eventType,omitempty"`
	RepoFullName   string       `json:"repository,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// EventCounts aggregates stored events.
type EventCounts struct {
	Total     int64 `json:"total"`
	Processed int64 `json:"processed"`
}

// PostFilter selects post rows. Zero fields are ignored.
type PostFilter struct {
	UserID         string
	InstallationID int64
	Limit          int
}

// InstallationStore defines persistence for installations.
type InstallationStore interface {
	UpsertInstallation(ctx context.Context, record Installation) error
	GetInstallation(ctx context.Context, id int64) (*Installation, error)
	DeleteInstallation(ctx context.Context, id int64) error
	ListInstallations(ctx context.Context, accountLogin string) ([]Installation, error)
	Close() error
}

// EventStore defines persistence for received events.
type EventStore interface {
	// InsertEvent stores the event unless its delivery id exists, and returns
	// the stored row either way.
	InsertEvent(ctx context.Context, record Event) (*Event, bool, error)
	GetEvent(ctx context.Context, deliveryID string) (*Event, error)
	MarkProcessed(ctx context.Context, deliveryID string, summary *changes.Summary) error
	ListRecentEvents(ctx context.Context, limit int) ([]Event, error)
	CountEvents(ctx context.Context) (EventCounts, error)
	Close() error
}

// PostStore defines persistence for posts.
type PostStore interface {
	// CreatePost is idempotent for posts carrying an event id.
	CreatePost(ctx context.Context, record Post) (*Post, bool, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]Post, error)
	CountPostsByStatus(ctx context.Context) (map[PostStatus]int64, error)
	Close() error
}
