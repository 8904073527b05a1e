package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Development seeder. Fills a fresh database with a couple of providers,
// a small library, watch history and sync runs so the API has something
// to show. Run the server once first so the schema exists.
func main() {
	db, err := sql.Open("sqlite3", "./chronicarr.db")
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	fmt.Println("Seeding database...")

	// Providers (secrets stored as plaintext; fine for a dev database
	// without an encryption key)
	providers := []struct {
		Name   string
		Type   string
		URL    string
		APIKey string
	}{
		{"jellyfin-main", "jellyfin", "http://localhost:8096", "dev-jellyfin-key"},
		{"plex-main", "plex", "http://localhost:32400", "dev-plex-token"},
		{"trakt-main", "trakt", "", "dev-trakt-client-id"},
	}
	for _, p := range providers {
		_, err := db.Exec(`
			INSERT INTO providers (name, provider_type, url, api_key, enabled, recent_limit)
			VALUES (?, ?, ?, ?, 1, 10)
		`, p.Name, p.Type, p.URL, p.APIKey)
		if err != nil {
			log.Printf("Failed to insert provider %s: %v", p.Name, err)
		}
	}

	// Media library
	media := []struct {
		Title      string
		MediaType  string
		Provider   string
		ItemID     string
		WatchCount int
	}{
		{"Inception", "movie", "jellyfin-main", "jf-1001", 2},
		{"Interstellar", "movie", "plex-main", "plex-2001", 1},
		{"Severance", "tv", "jellyfin-main", "jf-1002", 9},
		{"Breaking Bad", "tv", "trakt-main", "trakt-3001", 62},
		{"The Martian", "movie", "trakt-main", "trakt-3002", 1},
	}
	mediaIDs := make(map[string]int64)
	for _, m := range media {
		res, err := db.Exec(`
			INSERT INTO media (title, media_type, source_provider, provider_item_id, watched, watch_count)
			VALUES (?, ?, ?, ?, 1, ?)
		`, m.Title, m.MediaType, m.Provider, m.ItemID, m.WatchCount)
		if err != nil {
			log.Printf("Failed to insert media %s: %v", m.Title, err)
			continue
		}
		id, _ := res.LastInsertId()
		mediaIDs[m.Title] = id
	}

	// Watch history
	history := []struct {
		Title     string
		WatchedBy string
		PlayedAgo time.Duration
	}{
		{"Inception", "alice", 26 * time.Hour},
		{"Inception", "bob", 50 * time.Hour},
		{"Interstellar", "alice", 3 * 24 * time.Hour},
		{"Severance", "alice", 2 * time.Hour},
		{"Breaking Bad", "carol", 7 * 24 * time.Hour},
		{"The Martian", "carol", 30 * 24 * time.Hour},
	}
	for _, h := range history {
		id, ok := mediaIDs[h.Title]
		if !ok {
			continue
		}
		playedAt := time.Now().Add(-h.PlayedAgo).UTC().Format(time.RFC3339)
		_, err := db.Exec(`
			INSERT INTO watch_history (media_id, watched_by, last_played_at)
			VALUES (?, ?, ?)
		`, id, h.WatchedBy, playedAt)
		if err != nil {
			log.Printf("Failed to insert history for %s: %v", h.Title, err)
		}
	}

	// Sync runs, one of each outcome
	runs := []struct {
		Provider    string
		Status      string
		Users       int
		Items       int
		Created     int
		Error       string
		StartedAgo  time.Duration
		DurationMin int
	}{
		{"", "completed", 3, 42, 5, "", 24 * time.Hour, 2},
		{"plex-main", "failed", 0, 0, 0, "connection refused", 12 * time.Hour, 1},
		{"jellyfin-main", "completed", 2, 18, 0, "", 6 * time.Hour, 1},
	}
	for _, r := range runs {
		startedAt := time.Now().Add(-r.StartedAgo).UTC()
		completedAt := startedAt.Add(time.Duration(r.DurationMin) * time.Minute)
		_, err := db.Exec(`
			INSERT INTO sync_runs (run_id, provider, status, users_synced, items_synced, media_created, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.New().String(), r.Provider, r.Status, r.Users, r.Items, r.Created, r.Error,
			startedAt.Format(time.RFC3339), completedAt.Format(time.RFC3339))
		if err != nil {
			log.Printf("Failed to insert sync run: %v", err)
		}
	}

	// A few events so the audit trail is not empty
	events := []struct {
		Type string
		Data map[string]interface{}
	}{
		{"SyncStarted", map[string]interface{}{"providers": 3}},
		{"MediaCreated", map[string]interface{}{"title": "Severance", "media_type": "tv", "provider": "jellyfin-main"}},
		{"WatchRecorded", map[string]interface{}{"title": "Severance", "watched_by": "alice", "provider": "jellyfin-main"}},
		{"SyncCompleted", map[string]interface{}{"items_synced": 42, "media_created": 5}},
	}
	for _, e := range events {
		data, _ := json.Marshal(e.Data)
		_, err := db.Exec(`
			INSERT INTO events (aggregate_type, aggregate_id, event_type, event_data)
			VALUES ('sync', ?, ?, ?)
		`, uuid.New().String(), e.Type, string(data))
		if err != nil {
			log.Printf("Failed to insert event: %v", err)
		}
	}

	fmt.Println("Seeding complete.")
}
