package domain

import (
	"time"
)

type EventType string

const (
	SyncStarted           EventType = "SyncStarted"
	SyncCompleted         EventType = "SyncCompleted"
	SyncFailed            EventType = "SyncFailed"
	ProviderSyncStarted   EventType = "ProviderSyncStarted"
	ProviderSyncCompleted EventType = "ProviderSyncCompleted"
	ProviderSyncFailed    EventType = "ProviderSyncFailed"
	MediaCreated          EventType = "MediaCreated"
	WatchRecorded         EventType = "WatchRecorded"
	EnrichmentFailed      EventType = "EnrichmentFailed"
	ImageCacheMiss        EventType = "ImageCacheMiss"
	NotificationSent      EventType = "NotificationSent"
	NotificationFailed    EventType = "NotificationFailed"
)

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
	UserID        string                 `json:"user_id,omitempty"`
}

// =============================================================================
// Type-safe event data accessors
// These helpers provide compile-time safety when extracting data from events.
// =============================================================================

// GetString safely extracts a string field from EventData.
// Returns the value and true if found and is a string, otherwise empty string and false.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 safely extracts an int64 field from EventData.
// Handles both int64 and float64 (JSON unmarshaling produces float64).
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 safely extracts a float64 field from EventData.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetBool safely extracts a bool field from EventData.
func (e *Event) GetBool(key string) (bool, bool) {
	if e.EventData == nil {
		return false, false
	}
	v, ok := e.EventData[key].(bool)
	return v, ok
}

// GetBoolOr extracts a bool field or returns the default value.
func (e *Event) GetBoolOr(key string, defaultVal bool) bool {
	if v, ok := e.GetBool(key); ok {
		return v
	}
	return defaultVal
}

// =============================================================================
// Typed event data structures for common events
// =============================================================================

// SyncRunEventData carries the per-run counters published on SyncCompleted
// and SyncFailed events.
type SyncRunEventData struct {
	RunID        string `json:"run_id"`
	Provider     string `json:"provider,omitempty"`
	UsersSynced  int64  `json:"users_synced"`
	ItemsSynced  int64  `json:"items_synced"`
	MediaCreated int64  `json:"media_created"`
	Error        string `json:"error,omitempty"`
}

// ParseSyncRunEventData extracts typed sync run data from an event.
func (e *Event) ParseSyncRunEventData() (SyncRunEventData, bool) {
	runID, ok := e.GetString("run_id")
	if !ok {
		return SyncRunEventData{}, false
	}
	return SyncRunEventData{
		RunID:        runID,
		Provider:     e.GetStringOr("provider", ""),
		UsersSynced:  e.GetInt64Or("users_synced", 0),
		ItemsSynced:  e.GetInt64Or("items_synced", 0),
		MediaCreated: e.GetInt64Or("media_created", 0),
		Error:        e.GetStringOr("error", ""),
	}, true
}

// MediaEventData carries media identity for MediaCreated and WatchRecorded events.
type MediaEventData struct {
	MediaID   int64  `json:"media_id"`
	Title     string `json:"title"`
	MediaType string `json:"media_type"`
	Provider  string `json:"provider,omitempty"`
	WatchedBy string `json:"watched_by,omitempty"`
}

// ParseMediaEventData extracts typed media data from an event.
func (e *Event) ParseMediaEventData() (MediaEventData, bool) {
	title, ok := e.GetString("title")
	if !ok {
		return MediaEventData{}, false
	}
	return MediaEventData{
		MediaID:   e.GetInt64Or("media_id", 0),
		Title:     title,
		MediaType: e.GetStringOr("media_type", ""),
		Provider:  e.GetStringOr("provider", ""),
		WatchedBy: e.GetStringOr("watched_by", ""),
	}, true
}
