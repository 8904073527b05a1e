package testutil

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mescon/Chronicarr/internal/domain"
	_ "modernc.org/sqlite"
)

// NewTestDB creates an in-memory SQLite database with the Chronicarr schema.
// Returns a database handle that should be closed by the caller.
func NewTestDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initializeSchema creates all required tables for testing.
func initializeSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	statements := []struct {
		name string
		sql  string
	}{
		{"settings", `
			CREATE TABLE settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"providers", `
			CREATE TABLE providers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL UNIQUE,
				provider_type TEXT NOT NULL CHECK (provider_type IN ('jellyfin', 'plex', 'trakt')),
				url TEXT NOT NULL DEFAULT '',
				api_key TEXT NOT NULL DEFAULT '',
				client_secret TEXT NOT NULL DEFAULT '',
				access_token TEXT NOT NULL DEFAULT '',
				refresh_token TEXT NOT NULL DEFAULT '',
				token_expires_at TIMESTAMP,
				enabled BOOLEAN NOT NULL DEFAULT 1,
				recent_limit INTEGER NOT NULL DEFAULT 10,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"media", `
			CREATE TABLE media (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				title TEXT NOT NULL,
				media_type TEXT NOT NULL CHECK (media_type IN ('movie', 'tv')),
				source_provider TEXT NOT NULL DEFAULT '',
				provider_item_id TEXT NOT NULL DEFAULT '',
				tmdb_id TEXT NOT NULL DEFAULT '',
				description TEXT NOT NULL DEFAULT '',
				poster_url TEXT NOT NULL DEFAULT '',
				poster_url_source TEXT NOT NULL DEFAULT '',
				media_status TEXT NOT NULL DEFAULT '',
				release_date TEXT NOT NULL DEFAULT '',
				networks TEXT NOT NULL DEFAULT '',
				genres TEXT NOT NULL DEFAULT '',
				original_language TEXT NOT NULL DEFAULT '',
				ignored BOOLEAN NOT NULL DEFAULT 0,
				favorite BOOLEAN NOT NULL DEFAULT 0,
				watched BOOLEAN NOT NULL DEFAULT 0,
				watch_count INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"media title index", `
			CREATE INDEX idx_media_title_type ON media (lower(title), media_type)`},
		{"watch_history", `
			CREATE TABLE watch_history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				media_id INTEGER NOT NULL REFERENCES media(id) ON DELETE CASCADE,
				watched_by TEXT NOT NULL,
				last_played_at TIMESTAMP,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"sync_runs", `
			CREATE TABLE sync_runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL UNIQUE,
				provider TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'running',
				users_synced INTEGER NOT NULL DEFAULT 0,
				items_synced INTEGER NOT NULL DEFAULT 0,
				media_created INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				completed_at TIMESTAMP
			)`},
		{"schedules", `
			CREATE TABLE schedules (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				cron_expression TEXT NOT NULL,
				provider TEXT NOT NULL DEFAULT '',
				enabled BOOLEAN NOT NULL DEFAULT 1,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"notifications", `
			CREATE TABLE notifications (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				name TEXT NOT NULL,
				provider_type TEXT NOT NULL,
				config TEXT NOT NULL DEFAULT '{}',
				events TEXT NOT NULL DEFAULT '[]',
				enabled BOOLEAN NOT NULL DEFAULT 1,
				throttle_seconds INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"notification_log", `
			CREATE TABLE notification_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				notification_id INTEGER NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
				event_type TEXT NOT NULL,
				success BOOLEAN NOT NULL DEFAULT 1,
				error TEXT NOT NULL DEFAULT '',
				sent_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`},
		{"events", `
			CREATE TABLE events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				aggregate_type TEXT NOT NULL,
				aggregate_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				event_data JSON NOT NULL DEFAULT '{}',
				event_version INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
				user_id TEXT
			)`},
		{"events aggregate index", `
			CREATE INDEX idx_aggregate ON events(aggregate_type, aggregate_id)`},
		{"events type index", `
			CREATE INDEX idx_event_type ON events(event_type)`},
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", stmt.name, err)
		}
	}

	return nil
}

// SeedProvider inserts a provider configuration into the test database.
func SeedProvider(db *sql.DB, id int64, name, providerType, url, apiKey string, recentLimit int) error {
	_, err := db.Exec(`
		INSERT INTO providers (id, name, provider_type, url, api_key, enabled, recent_limit)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, id, name, providerType, url, apiKey, recentLimit)
	return err
}

// SeedMedia inserts a media row and returns its ID.
func SeedMedia(db *sql.DB, title, mediaType, sourceProvider string) (int64, error) {
	result, err := db.Exec(`
		INSERT INTO media (title, media_type, source_provider, watched, watch_count)
		VALUES (?, ?, ?, 1, 1)
	`, title, mediaType, sourceProvider)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// SeedWatchHistory inserts a watch history row for a media ID.
func SeedWatchHistory(db *sql.DB, mediaID int64, watchedBy, lastPlayedAt string) error {
	_, err := db.Exec(`
		INSERT INTO watch_history (media_id, watched_by, last_played_at)
		VALUES (?, ?, ?)
	`, mediaID, watchedBy, lastPlayedAt)
	return err
}

// SeedEvent inserts a single event into the test database.
func SeedEvent(db *sql.DB, event domain.Event) (int64, error) {
	eventDataJSON, err := json.Marshal(event.EventData)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event data: %w", err)
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.EventVersion == 0 {
		event.EventVersion = 1
	}

	result, err := db.Exec(`
		INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data, event_version, created_at, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, event.AggregateType, event.AggregateID, event.EventType, eventDataJSON, event.EventVersion, event.CreatedAt, event.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted ID: %w", err)
	}
	return id, nil
}

// GetEventsByAggregate retrieves all events for a given aggregate ID.
func GetEventsByAggregate(db *sql.DB, aggregateID string) ([]domain.Event, error) {
	rows, err := db.Query(`
		SELECT id, aggregate_type, aggregate_id, event_type, event_data, event_version, created_at, user_id
		FROM events WHERE aggregate_id = ? ORDER BY id ASC
	`, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var eventDataJSON string
		var userID sql.NullString
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &eventDataJSON, &e.EventVersion, &e.CreatedAt, &userID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(eventDataJSON), &e.EventData); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = userID.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEventsByType counts events of a given type.
func CountEventsByType(db *sql.DB, eventType domain.EventType) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM events WHERE event_type = ?", eventType).Scan(&count)
	return count, err
}

// ClearAllTables removes all data from all tables.
func ClearAllTables(db *sql.DB) error {
	tables := []string{"events", "watch_history", "media", "sync_runs", "schedules", "notification_log", "notifications", "providers", "settings"}
	for _, table := range tables {
		if _, err := db.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
