package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/mescon/Chronicarr/internal/testutil"
)

// =============================================================================
// Library listing
// =============================================================================

func TestGetMedia(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	if _, err := testutil.SeedMedia(database, "Inception", "movie", "jellyfin-main"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}
	if _, err := testutil.SeedMedia(database, "Severance", "tv", "plex-main"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	rec := authedRequest(s, http.MethodGet, "/api/media", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d", rec.Code)
	}

	var resp struct {
		Media      []mediaRow             `json:"media"`
		Pagination map[string]interface{} `json:"pagination"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.Media) != 2 {
		t.Fatalf("Got %d media rows, want 2", len(resp.Media))
	}
}

func TestGetMediaFilters(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	if _, err := testutil.SeedMedia(database, "Inception", "movie", "jellyfin-main"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}
	if _, err := testutil.SeedMedia(database, "Interstellar", "movie", "plex-main"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}
	if _, err := testutil.SeedMedia(database, "Severance", "tv", "plex-main"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	cases := []struct {
		query string
		want  int
	}{
		{"media_type=movie", 2},
		{"media_type=tv", 1},
		{"provider=plex-main", 2},
		{"media_type=movie&provider=plex-main", 1},
		{"search=Inter", 1},
		{"search=ception", 1},
		{"watched=true", 3},
		{"favorite=true", 0},
	}
	for _, tc := range cases {
		rec := authedRequest(s, http.MethodGet, "/api/media?"+tc.query, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d", tc.query, rec.Code)
			continue
		}
		var resp struct {
			Media []mediaRow `json:"media"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s: failed to decode: %v", tc.query, err)
		}
		if len(resp.Media) != tc.want {
			t.Errorf("%s: got %d rows, want %d", tc.query, len(resp.Media), tc.want)
		}
	}

	rec := authedRequest(s, http.MethodGet, "/api/media?favorite=banana", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Bad favorite filter: status = %d, want 400", rec.Code)
	}
}

// =============================================================================
// Flags
// =============================================================================

func TestSetMediaFlags(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	id, err := testutil.SeedMedia(database, "Inception", "movie", "jellyfin-main")
	if err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	rec := authedRequest(s, http.MethodPut, fmt.Sprintf("/api/media/%d/favorite", id),
		map[string]bool{"value": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("Favorite: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = authedRequest(s, http.MethodPut, fmt.Sprintf("/api/media/%d/ignore", id),
		map[string]bool{"value": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("Ignore: status = %d", rec.Code)
	}

	var favorite, ignored bool
	err = database.QueryRow("SELECT favorite, ignored FROM media WHERE id = ?", id).Scan(&favorite, &ignored)
	if err != nil {
		t.Fatalf("Failed to read flags: %v", err)
	}
	if !favorite || !ignored {
		t.Errorf("favorite = %v, ignored = %v, want both true", favorite, ignored)
	}

	// Clearing works too
	rec = authedRequest(s, http.MethodPut, fmt.Sprintf("/api/media/%d/favorite", id),
		map[string]bool{"value": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("Unfavorite: status = %d", rec.Code)
	}
	if err := database.QueryRow("SELECT favorite FROM media WHERE id = ?", id).Scan(&favorite); err != nil {
		t.Fatalf("Failed to read flag: %v", err)
	}
	if favorite {
		t.Error("favorite should be cleared")
	}
}

func TestSetMediaFlagValidation(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	rec := authedRequest(s, http.MethodPut, "/api/media/abc/favorite", map[string]bool{"value": true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Bad id: status = %d, want 400", rec.Code)
	}

	rec = authedRequest(s, http.MethodPut, "/api/media/1/favorite", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Missing value: status = %d, want 400", rec.Code)
	}

	rec = authedRequest(s, http.MethodPut, "/api/media/9999/favorite", map[string]bool{"value": true})
	if rec.Code != http.StatusNotFound {
		t.Errorf("Unknown media: status = %d, want 404", rec.Code)
	}
}

// =============================================================================
// Watch history
// =============================================================================

func TestGetHistory(t *testing.T) {
	s, database := newTestServer(t)
	seedAuth(t, database)

	movieID, err := testutil.SeedMedia(database, "Inception", "movie", "jellyfin-main")
	if err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}
	showID, err := testutil.SeedMedia(database, "Severance", "tv", "plex-main")
	if err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}
	if err := testutil.SeedWatchHistory(database, movieID, "alice", "2026-08-20T10:00:00Z"); err != nil {
		t.Fatalf("Failed to seed history: %v", err)
	}
	if err := testutil.SeedWatchHistory(database, movieID, "bob", "2026-08-21T10:00:00Z"); err != nil {
		t.Fatalf("Failed to seed history: %v", err)
	}
	if err := testutil.SeedWatchHistory(database, showID, "alice", "2026-08-22T10:00:00Z"); err != nil {
		t.Fatalf("Failed to seed history: %v", err)
	}

	rec := authedRequest(s, http.MethodGet, "/api/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status = %d", rec.Code)
	}
	var resp struct {
		History []historyRow `json:"history"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.History) != 3 {
		t.Fatalf("Got %d rows, want 3", len(resp.History))
	}
	// Newest first, joined titles present
	if resp.History[0].Title != "Severance" {
		t.Errorf("First row title = %s, want Severance", resp.History[0].Title)
	}

	// User filter is case-insensitive
	rec = authedRequest(s, http.MethodGet, "/api/history?user=ALICE", nil)
	resp.History = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.History) != 2 {
		t.Errorf("user=ALICE returned %d rows, want 2", len(resp.History))
	}

	rec = authedRequest(s, http.MethodGet, fmt.Sprintf("/api/history?media_id=%d", movieID), nil)
	resp.History = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}
	if len(resp.History) != 2 {
		t.Errorf("media_id filter returned %d rows, want 2", len(resp.History))
	}

	rec = authedRequest(s, http.MethodGet, "/api/history?media_id=abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Bad media_id: status = %d, want 400", rec.Code)
	}
}
