package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/providers"
)

// EventOption is a functional option for configuring test events.
type EventOption func(*domain.Event)

// WithAggregateID sets a specific aggregate ID.
func WithAggregateID(id string) EventOption {
	return func(e *domain.Event) {
		e.AggregateID = id
	}
}

// WithCreatedAt sets the event creation time.
func WithCreatedAt(t time.Time) EventOption {
	return func(e *domain.Event) {
		e.CreatedAt = t
	}
}

// WithEventData merges additional data into EventData.
func WithEventData(data map[string]interface{}) EventOption {
	return func(e *domain.Event) {
		if e.EventData == nil {
			e.EventData = make(map[string]interface{})
		}
		for k, v := range data {
			e.EventData[k] = v
		}
	}
}

// WithProvider sets the provider name in event data.
func WithProvider(provider string) EventOption {
	return func(e *domain.Event) {
		if e.EventData == nil {
			e.EventData = make(map[string]interface{})
		}
		e.EventData["provider"] = provider
	}
}

// NewSyncStartedEvent creates a SyncStarted event for testing.
func NewSyncStartedEvent(runID string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     domain.SyncStarted,
		EventVersion:  1,
		CreatedAt:     time.Now().UTC(),
		EventData: map[string]interface{}{
			"run_id": runID,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewSyncCompletedEvent creates a SyncCompleted event with run counters.
func NewSyncCompletedEvent(runID string, usersSynced, itemsSynced, mediaCreated int, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     domain.SyncCompleted,
		EventVersion:  1,
		CreatedAt:     time.Now().UTC(),
		EventData: map[string]interface{}{
			"run_id":        runID,
			"users_synced":  usersSynced,
			"items_synced":  itemsSynced,
			"media_created": mediaCreated,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewSyncFailedEvent creates a SyncFailed event with an error message.
func NewSyncFailedEvent(runID, errMsg string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "sync_run",
		AggregateID:   runID,
		EventType:     domain.SyncFailed,
		EventVersion:  1,
		CreatedAt:     time.Now().UTC(),
		EventData: map[string]interface{}{
			"run_id": runID,
			"error":  errMsg,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewMediaCreatedEvent creates a MediaCreated event for testing.
func NewMediaCreatedEvent(mediaID int64, title, mediaType string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "media",
		AggregateID:   uuid.New().String(),
		EventType:     domain.MediaCreated,
		EventVersion:  1,
		CreatedAt:     time.Now().UTC(),
		EventData: map[string]interface{}{
			"media_id":   mediaID,
			"title":      title,
			"media_type": mediaType,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewWatchRecordedEvent creates a WatchRecorded event for testing.
func NewWatchRecordedEvent(mediaID int64, title, watchedBy string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "media",
		AggregateID:   uuid.New().String(),
		EventType:     domain.WatchRecorded,
		EventVersion:  1,
		CreatedAt:     time.Now().UTC(),
		EventData: map[string]interface{}{
			"media_id":   mediaID,
			"title":      title,
			"watched_by": watchedBy,
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// =============================================================================
// Provider item fixtures
// =============================================================================

// NewWatchedMovie creates a canonical movie item for testing.
func NewWatchedMovie(id, name, lastPlayedAt string) providers.WatchedItem {
	return providers.WatchedItem{
		ID:           id,
		Type:         providers.MediaTypeMovie,
		Name:         name,
		LastPlayedAt: lastPlayedAt,
		PlayCount:    1,
	}
}

// NewWatchedSeries creates a canonical series item for testing.
func NewWatchedSeries(id, name, lastPlayedAt string, playCount int) providers.WatchedItem {
	return providers.WatchedItem{
		ID:           id,
		Type:         providers.MediaTypeTV,
		Name:         name,
		LastPlayedAt: lastPlayedAt,
		PlayCount:    playCount,
	}
}

// NewFavoriteItem creates a favorited item for testing.
func NewFavoriteItem(id, name, mediaType string) providers.WatchedItem {
	return providers.WatchedItem{
		ID:         id,
		Type:       mediaType,
		Name:       name,
		IsFavorite: true,
		PlayCount:  1,
	}
}
