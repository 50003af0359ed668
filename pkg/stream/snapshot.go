package stream

import (
	"context"
	"time"

	"shipnotes/pkg/changes"
	"shipnotes/pkg/storage"
)

// Source produces snapshots.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Snapshot is the recent activity plus aggregate counts.
type Snapshot struct {
	Events      []EventView                  `json:"events"`
	Counts      storage.EventCounts          `json:"counts"`
	Posts       map[storage.PostStatus]int64 `json:"posts"`
	GeneratedAt time.Time                    `json:"generatedAt"`
}

// EventView is the subscriber-facing shape of an event.
type EventView struct {
	DeliveryID     string           `json:"deliveryId"`
	InstallationID int64            `json:"installationId"`
	Kind           changes.Kind     `json:"kind"`
	Repository     string           `json:"repository"`
	Processed      bool             `json:"processed"`
	ReceivedAt     time.Time        `json:"receivedAt"`
	ProcessedAt    *time.Time       `json:"processedAt,omitempty"`
	Summary        *changes.Summary `json:"summary,omitempty"`
}

// ViewOf converts a stored event into its stream representation.
func ViewOf(event storage.Event) EventView {
	return EventView{
		DeliveryID:     event.DeliveryID,
		InstallationID: event.InstallationID,
		Kind:           event.Type,
		Repository:     event.RepoFullName,
		Processed:      event.Processed,
		ReceivedAt:     event.ReceivedAt,
		ProcessedAt:    event.ProcessedAt,
		Summary:        event.Summary,
	}
}

// StoreSource builds snapshots from the event and post stores.
type StoreSource struct {
	Events storage.EventStore
	Posts  storage.PostStore
	Limit  int
	Now    func() time.Time
}

func (s StoreSource) Snapshot(ctx context.Context) (Snapshot, error) {
	recent, err := s.Events.ListRecentEvents(ctx, s.Limit)
	if err != nil {
		return Snapshot{}, err
	}
	counts, err := s.Events.CountEvents(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{Events: make([]EventView, 0, len(recent)), Counts: counts}
	for _, event := range recent {
		snap.Events = append(snap.Events, ViewOf(event))
	}
	if s.Posts != nil {
		byStatus, err := s.Posts.CountPostsByStatus(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Posts = byStatus
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	snap.GeneratedAt = now().UTC()
	return snap, nil
}
