package services

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/metadata"
	"github.com/mescon/Chronicarr/internal/providers"
	"github.com/mescon/Chronicarr/internal/testutil"
)

// =============================================================================
// Test doubles
// =============================================================================

type stubEnricher struct {
	enrichment *metadata.Enrichment
	err        error
	calls      int
}

func (s *stubEnricher) Enabled() bool { return true }

func (s *stubEnricher) EnrichItem(ctx context.Context, itemID, title, mediaType string) (*metadata.Enrichment, error) {
	s.calls++
	return s.enrichment, s.err
}

// stubPosterCache returns a fixed public path, or the source URL when
// simulating a failed download.
type stubPosterCache struct {
	result      string
	passThrough bool
}

func (s *stubPosterCache) Cache(ctx context.Context, sourceURL, mediaType, itemID string) string {
	if s.passThrough {
		return sourceURL
	}
	return s.result
}

func newLibraryTest(t *testing.T) (*LibraryStore, *sql.DB, *testutil.MockEventBus) {
	t.Helper()
	database, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	bus := testutil.NewMockEventBus()
	return NewLibraryStore(database, nil, nil, bus), database, bus
}

// =============================================================================
// New media
// =============================================================================

func TestUpsertCreatesNewMedia(t *testing.T) {
	store, database, bus := newLibraryTest(t)

	stats := store.UpsertItems(context.Background(), "jellyfin-main", "erin", []providers.WatchedItem{
		{ID: "jf-1", Type: "movie", Name: "Dune", LastPlayedAt: "2026-08-01T20:00:00Z", IsFavorite: true, PlayCount: 1},
	})

	if stats.ItemsSynced != 1 || stats.MediaCreated != 1 {
		t.Fatalf("Unexpected stats: %+v", stats)
	}

	var title, mediaType, sourceProvider, providerItemID string
	var watched, favorite bool
	var watchCount int
	err := database.QueryRow(`
		SELECT title, media_type, source_provider, provider_item_id, watched, favorite, watch_count
		FROM media WHERE title = 'Dune'
	`).Scan(&title, &mediaType, &sourceProvider, &providerItemID, &watched, &favorite, &watchCount)
	if err != nil {
		t.Fatalf("Media row not found: %v", err)
	}
	if mediaType != "movie" || sourceProvider != "jellyfin-main" || providerItemID != "jf-1" {
		t.Errorf("Unexpected media attribution: type=%s provider=%s item=%s", mediaType, sourceProvider, providerItemID)
	}
	if !watched || watchCount != 1 {
		t.Errorf("New media should start watched with count 1, got watched=%v count=%d", watched, watchCount)
	}
	if !favorite {
		t.Error("Favorite flag should carry over from the item")
	}

	// The first sync records the watch alongside the new media row
	var watchedBy string
	err = database.QueryRow(`
		SELECT watched_by FROM watch_history
		WHERE media_id = (SELECT id FROM media WHERE title = 'Dune')
	`).Scan(&watchedBy)
	if err != nil {
		t.Fatalf("History row not found for new media: %v", err)
	}
	if watchedBy != "erin" {
		t.Errorf("watched_by = %q, want erin", watchedBy)
	}

	if bus.EventCount(domain.MediaCreated) != 1 {
		t.Errorf("Expected 1 MediaCreated event, got %d", bus.EventCount(domain.MediaCreated))
	}
}

func TestUpsertIsIdempotentAcrossRuns(t *testing.T) {
	store, database, _ := newLibraryTest(t)

	batch := []providers.WatchedItem{
		{ID: "jf-7", Type: "movie", Name: "Arrival", LastPlayedAt: "2026-08-01T20:00:00Z", PlayCount: 1},
	}

	store.UpsertItems(context.Background(), "jellyfin-main", "erin", batch)
	store.UpsertItems(context.Background(), "jellyfin-main", "erin", batch)

	var mediaCount, historyCount int
	_ = database.QueryRow("SELECT COUNT(*) FROM media").Scan(&mediaCount)
	_ = database.QueryRow("SELECT COUNT(*) FROM watch_history").Scan(&historyCount)
	if mediaCount != 1 {
		t.Errorf("Expected 1 media row after two runs, got %d", mediaCount)
	}
	if historyCount != 1 {
		t.Errorf("Expected 1 watch_history row after two runs, got %d", historyCount)
	}
}

func TestUpsertSkipsIncompleteItems(t *testing.T) {
	store, database, _ := newLibraryTest(t)

	stats := store.UpsertItems(context.Background(), "plex-den", "kai", []providers.WatchedItem{
		{ID: "", Type: "movie", Name: "No ID"},
		{ID: "1", Type: "", Name: "No Type"},
		{ID: "2", Type: "tv", Name: ""},
	})

	if stats.Skipped != 3 || stats.ItemsSynced != 0 {
		t.Errorf("Expected 3 skipped, got %+v", stats)
	}
	var count int
	_ = database.QueryRow("SELECT COUNT(*) FROM media").Scan(&count)
	if count != 0 {
		t.Errorf("Incomplete items must not create media rows, got %d", count)
	}
}

// =============================================================================
// Existing media
// =============================================================================

func TestUpsertHitRecordsWatch(t *testing.T) {
	store, database, bus := newLibraryTest(t)

	mediaID, err := testutil.SeedMedia(database, "Dune", "movie", "jellyfin-main")
	if err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	// Title match is case-insensitive
	stats := store.UpsertItems(context.Background(), "plex-den", "erin", []providers.WatchedItem{
		{ID: "px-9", Type: "movie", Name: "dune", LastPlayedAt: "2026-08-05T10:00:00Z", PlayCount: 1},
	})

	if stats.MediaCreated != 0 || stats.ItemsSynced != 1 {
		t.Fatalf("Hit should not create media: %+v", stats)
	}

	var watchCount int
	var watched bool
	_ = database.QueryRow("SELECT watch_count, watched FROM media WHERE id = ?", mediaID).Scan(&watchCount, &watched)
	if watchCount != 2 || !watched {
		t.Errorf("Expected watch_count 2 and watched, got count=%d watched=%v", watchCount, watched)
	}

	var watchedBy, playedAt string
	err = database.QueryRow("SELECT watched_by, last_played_at FROM watch_history WHERE media_id = ?", mediaID).Scan(&watchedBy, &playedAt)
	if err != nil {
		t.Fatalf("History row not found: %v", err)
	}
	if watchedBy != "erin" {
		t.Errorf("watched_by = %q", watchedBy)
	}
	if !strings.Contains(playedAt, "2026-08-05") {
		t.Errorf("last_played_at = %q", playedAt)
	}

	if bus.EventCount(domain.WatchRecorded) != 1 {
		t.Errorf("Expected 1 WatchRecorded event, got %d", bus.EventCount(domain.WatchRecorded))
	}
}

func TestUpsertFavoriteSurvivesLaterSyncs(t *testing.T) {
	store, database, _ := newLibraryTest(t)

	mediaID, err := testutil.SeedMedia(database, "Severance", "tv", "jellyfin-main")
	if err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	item := providers.WatchedItem{ID: "s1", Type: "tv", Name: "Severance", LastPlayedAt: "2026-08-01T20:00:00Z"}

	item.IsFavorite = true
	store.UpsertItems(context.Background(), "jellyfin-main", "erin", []providers.WatchedItem{item})

	var favorite bool
	_ = database.QueryRow("SELECT favorite FROM media WHERE id = ?", mediaID).Scan(&favorite)
	if !favorite {
		t.Fatal("Favorite flag should be set after a favorite sync")
	}

	// A later non-favorite sync must not clear it
	item.IsFavorite = false
	store.UpsertItems(context.Background(), "jellyfin-main", "erin", []providers.WatchedItem{item})

	_ = database.QueryRow("SELECT favorite FROM media WHERE id = ?", mediaID).Scan(&favorite)
	if !favorite {
		t.Error("Favorite flag was cleared by a non-favorite sync")
	}
}

func TestRepeatSyncUpdatesHistoryRow(t *testing.T) {
	store, database, _ := newLibraryTest(t)

	mediaID, err := testutil.SeedMedia(database, "The Expanse", "tv", "plex-den")
	if err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	item := providers.WatchedItem{ID: "500", Type: "tv", Name: "The Expanse", LastPlayedAt: "2026-08-01T20:00:00Z"}
	store.UpsertItems(context.Background(), "plex-den", "Erin", []providers.WatchedItem{item})

	item.LastPlayedAt = "2026-08-10T09:30:00Z"
	// Same user with different casing still hits the same history row
	store.UpsertItems(context.Background(), "plex-den", "erin", []providers.WatchedItem{item})

	var historyCount int
	_ = database.QueryRow("SELECT COUNT(*) FROM watch_history WHERE media_id = ?", mediaID).Scan(&historyCount)
	if historyCount != 1 {
		t.Fatalf("Expected 1 history row, got %d", historyCount)
	}

	var playedAt string
	_ = database.QueryRow("SELECT last_played_at FROM watch_history WHERE media_id = ?", mediaID).Scan(&playedAt)
	if !strings.Contains(playedAt, "2026-08-10") {
		t.Errorf("History row should carry the newest play time, got %q", playedAt)
	}
}

// =============================================================================
// Enrichment and poster caching
// =============================================================================

func TestUpsertEnrichesNewMedia(t *testing.T) {
	_, database, bus := newLibraryTest(t)
	enrich := &stubEnricher{enrichment: &metadata.Enrichment{
		TMDBID:      "438631",
		Description: "A mythic journey.",
		MediaStatus: "Released",
		ReleaseDate: "2021-09-15",
		Genres:      "Science Fiction, Adventure",
		PosterURL:   "https://image.tmdb.org/t/p/w500/dune.jpg",
	}}
	posters := &stubPosterCache{result: "/cache/images/movie/jf-1.jpg"}
	store := NewLibraryStore(database, enrich, posters, bus)

	store.UpsertItems(context.Background(), "jellyfin-main", "erin", []providers.WatchedItem{
		{ID: "jf-1", Type: "movie", Name: "Dune", PosterURL: "http://jellyfin.local/Items/jf-1/Images/Primary"},
	})

	var tmdbID, description, genres, posterURL, posterSource string
	err := database.QueryRow(`
		SELECT tmdb_id, description, genres, poster_url, poster_url_source FROM media WHERE title = 'Dune'
	`).Scan(&tmdbID, &description, &genres, &posterURL, &posterSource)
	if err != nil {
		t.Fatalf("Media row not found: %v", err)
	}
	if tmdbID != "438631" || description != "A mythic journey." || genres != "Science Fiction, Adventure" {
		t.Errorf("Enrichment not applied: tmdb=%s desc=%q genres=%q", tmdbID, description, genres)
	}
	if posterURL != "/cache/images/movie/jf-1.jpg" {
		t.Errorf("poster_url = %q", posterURL)
	}
	// Provider poster wins over the TMDB one when both exist
	if posterSource != "http://jellyfin.local/Items/jf-1/Images/Primary" {
		t.Errorf("poster_url_source = %q", posterSource)
	}
	if enrich.calls != 1 {
		t.Errorf("Expected 1 enrichment call, got %d", enrich.calls)
	}
}

func TestUpsertFallsBackToTMDBPoster(t *testing.T) {
	_, database, bus := newLibraryTest(t)
	enrich := &stubEnricher{enrichment: &metadata.Enrichment{
		TMDBID:    "63639",
		PosterURL: "https://image.tmdb.org/t/p/w500/expanse.jpg",
	}}
	store := NewLibraryStore(database, enrich, nil, bus)

	store.UpsertItems(context.Background(), "trakt-primary", "erin", []providers.WatchedItem{
		{ID: "63639", Type: "tv", Name: "The Expanse"},
	})

	var posterURL string
	_ = database.QueryRow("SELECT poster_url FROM media WHERE title = 'The Expanse'").Scan(&posterURL)
	if posterURL != "https://image.tmdb.org/t/p/w500/expanse.jpg" {
		t.Errorf("Expected TMDB poster fallback, got %q", posterURL)
	}
}

func TestEnrichmentFailureStillCreatesMedia(t *testing.T) {
	_, database, bus := newLibraryTest(t)
	enrich := &stubEnricher{err: context.DeadlineExceeded}
	store := NewLibraryStore(database, enrich, nil, bus)

	stats := store.UpsertItems(context.Background(), "jellyfin-main", "erin", []providers.WatchedItem{
		{ID: "jf-2", Type: "movie", Name: "Arrival"},
	})

	if stats.MediaCreated != 1 {
		t.Fatalf("Media should still be created on enrichment failure: %+v", stats)
	}
	var tmdbID string
	_ = database.QueryRow("SELECT tmdb_id FROM media WHERE title = 'Arrival'").Scan(&tmdbID)
	if tmdbID != "" {
		t.Errorf("Expected empty tmdb_id, got %q", tmdbID)
	}
	if bus.EventCount(domain.EnrichmentFailed) != 1 {
		t.Errorf("Expected 1 EnrichmentFailed event, got %d", bus.EventCount(domain.EnrichmentFailed))
	}
}

func TestPosterCacheFailurePublishesMiss(t *testing.T) {
	_, database, bus := newLibraryTest(t)
	posters := &stubPosterCache{passThrough: true}
	store := NewLibraryStore(database, nil, posters, bus)

	store.UpsertItems(context.Background(), "plex-den", "erin", []providers.WatchedItem{
		{ID: "42", Type: "movie", Name: "Dune", PosterURL: "http://plex.local/thumb/42"},
	})

	var posterURL string
	_ = database.QueryRow("SELECT poster_url FROM media WHERE title = 'Dune'").Scan(&posterURL)
	if posterURL != "http://plex.local/thumb/42" {
		t.Errorf("Failed cache should store the original URL, got %q", posterURL)
	}
	if bus.EventCount(domain.ImageCacheMiss) != 1 {
		t.Errorf("Expected 1 ImageCacheMiss event, got %d", bus.EventCount(domain.ImageCacheMiss))
	}
}

// =============================================================================
// Counting and helpers
// =============================================================================

func TestCountMediaForProvider(t *testing.T) {
	store, database, _ := newLibraryTest(t)

	count, err := store.CountMediaForProvider("jellyfin-main")
	if err != nil {
		t.Fatalf("CountMediaForProvider failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 before any sync, got %d", count)
	}

	if _, err := testutil.SeedMedia(database, "Dune", "movie", "jellyfin-main"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}
	if _, err := testutil.SeedMedia(database, "Severance", "tv", "plex-den"); err != nil {
		t.Fatalf("Failed to seed media: %v", err)
	}

	count, _ = store.CountMediaForProvider("jellyfin-main")
	if count != 1 {
		t.Errorf("Expected 1 for jellyfin-main, got %d", count)
	}
}

func TestParsePlayedAt(t *testing.T) {
	parsed := parsePlayedAt("2026-08-01T20:00:00Z")
	want := time.Date(2026, 8, 1, 20, 0, 0, 0, time.UTC)
	if !parsed.Equal(want) {
		t.Errorf("parsePlayedAt = %v, want %v", parsed, want)
	}

	// Empty and garbage both default to roughly now
	for _, input := range []string{"", "not-a-time"} {
		got := parsePlayedAt(input)
		if time.Since(got) > time.Minute {
			t.Errorf("parsePlayedAt(%q) should default to now, got %v", input, got)
		}
	}
}
