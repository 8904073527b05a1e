package services

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/mescon/Chronicarr/internal/db"
	"github.com/mescon/Chronicarr/internal/domain"
	"github.com/mescon/Chronicarr/internal/eventbus"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/metadata"
	"github.com/mescon/Chronicarr/internal/providers"
)

// enricher is the slice of metadata.TMDBClient the library consumes.
type enricher interface {
	Enabled() bool
	EnrichItem(ctx context.Context, itemID, title, mediaType string) (*metadata.Enrichment, error)
}

// posterCache is the slice of metadata.ImageCache the library consumes.
type posterCache interface {
	Cache(ctx context.Context, sourceURL, mediaType, itemID string) string
}

// LibraryStore owns the media and watch_history tables. It upserts
// canonical provider items, enriching new titles via TMDB and caching
// posters locally. Natural keys: media is lower(title)+media_type,
// watch history is media_id+lower(watched_by).
type LibraryStore struct {
	db     *sql.DB
	tmdb   enricher
	images posterCache
	events eventbus.Publisher
}

// NewLibraryStore creates a library store. tmdb and images may be nil,
// in which case new media rows are built from provider data alone.
func NewLibraryStore(database *sql.DB, tmdb enricher, images posterCache, events eventbus.Publisher) *LibraryStore {
	return &LibraryStore{
		db:     database,
		tmdb:   tmdb,
		images: images,
		events: events,
	}
}

// UpsertStats summarizes one batch of upserted items.
type UpsertStats struct {
	ItemsSynced  int
	MediaCreated int
	Skipped      int
	Failed       int
	Titles       []string
}

// CountMediaForProvider returns how many media rows a provider has
// contributed. Zero means the provider has never completed a sync, which
// the sync service uses to decide between an unbounded first fetch and
// the incremental recent window.
func (s *LibraryStore) CountMediaForProvider(provider string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM media WHERE source_provider = ?", provider).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count media for provider %s: %w", provider, err)
	}
	return count, nil
}

// UpsertItems writes a batch of canonical items for one user. A failure
// on any single item is logged and skipped so the rest of the batch
// still lands.
func (s *LibraryStore) UpsertItems(ctx context.Context, providerName, userName string, items []providers.WatchedItem) UpsertStats {
	var stats UpsertStats
	for _, item := range items {
		if item.ID == "" || item.Type == "" || item.Name == "" {
			logger.Debugf("Skipping incomplete item from %s: id=%q type=%q name=%q", providerName, item.ID, item.Type, item.Name)
			stats.Skipped++
			continue
		}

		created, err := s.upsertItem(ctx, providerName, userName, item)
		if err != nil {
			logger.Errorf("Failed to upsert %q (%s) from %s: %v", item.Name, item.Type, providerName, err)
			stats.Failed++
			continue
		}

		stats.ItemsSynced++
		if created {
			stats.MediaCreated++
		}
		stats.Titles = append(stats.Titles, item.Name)
	}
	return stats
}

// upsertItem writes one item, returning whether a new media row was created.
func (s *LibraryStore) upsertItem(ctx context.Context, providerName, userName string, item providers.WatchedItem) (bool, error) {
	var mediaID int64
	err := s.db.QueryRow(
		"SELECT id FROM media WHERE lower(title) = lower(?) AND media_type = ?",
		item.Name, item.Type,
	).Scan(&mediaID)

	switch {
	case err == sql.ErrNoRows:
		mediaID, err = s.insertMedia(ctx, providerName, item)
		if err != nil {
			return false, err
		}
		if err := s.recordWatch(mediaID, userName, item.LastPlayedAt); err != nil {
			return true, err
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to look up media: %w", err)
	}

	if err := s.recordWatch(mediaID, userName, item.LastPlayedAt); err != nil {
		return false, err
	}

	_, err = db.ExecWithRetry(s.db, `
		UPDATE media
		SET watch_count = watch_count + 1,
		    watched = 1,
		    favorite = CASE WHEN ? THEN 1 ELSE favorite END,
		    updated_at = ?
		WHERE id = ?
	`, item.IsFavorite, time.Now().UTC(), mediaID)
	if err != nil {
		return false, fmt.Errorf("failed to update media counters: %w", err)
	}

	s.publish(domain.Event{
		AggregateType: "media",
		AggregateID:   strconv.FormatInt(mediaID, 10),
		EventType:     domain.WatchRecorded,
		EventData: map[string]interface{}{
			"media_id":   mediaID,
			"title":      item.Name,
			"media_type": item.Type,
			"provider":   providerName,
			"watched_by": userName,
		},
	})
	return false, nil
}

// insertMedia creates a new media row, enriched via TMDB when possible,
// and returns its id so the caller can record the watch that produced it.
// Enrichment and poster caching failures degrade to provider data alone.
func (s *LibraryStore) insertMedia(ctx context.Context, providerName string, item providers.WatchedItem) (int64, error) {
	enrichment := s.enrich(ctx, item)

	posterSource := item.PosterURL
	if posterSource == "" && enrichment != nil {
		posterSource = enrichment.PosterURL
	}
	posterURL := s.cachePoster(ctx, posterSource, item.Type, item.ID)

	var tmdbID, description, mediaStatus, releaseDate, networks, genres, originalLanguage string
	if enrichment != nil {
		tmdbID = enrichment.TMDBID
		description = enrichment.Description
		mediaStatus = enrichment.MediaStatus
		releaseDate = enrichment.ReleaseDate
		networks = enrichment.Networks
		genres = enrichment.Genres
		originalLanguage = enrichment.OriginalLanguage
	}

	now := time.Now().UTC()
	result, err := db.ExecWithRetry(s.db, `
		INSERT INTO media (
			title, media_type, source_provider, provider_item_id, tmdb_id,
			description, poster_url, poster_url_source, media_status,
			release_date, networks, genres, original_language,
			favorite, watched, watch_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?)
	`, item.Name, item.Type, providerName, item.ID, tmdbID,
		description, posterURL, posterSource, mediaStatus,
		releaseDate, networks, genres, originalLanguage,
		item.IsFavorite, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to insert media: %w", err)
	}

	mediaID, _ := result.LastInsertId()
	logger.Infof("New media: %q (%s) from %s", item.Name, item.Type, providerName)

	s.publish(domain.Event{
		AggregateType: "media",
		AggregateID:   strconv.FormatInt(mediaID, 10),
		EventType:     domain.MediaCreated,
		EventData: map[string]interface{}{
			"media_id":   mediaID,
			"title":      item.Name,
			"media_type": item.Type,
			"provider":   providerName,
		},
	})
	return mediaID, nil
}

// recordWatch upserts the watch_history row for one user and media.
// Re-syncing the same item updates the existing row rather than
// duplicating it.
func (s *LibraryStore) recordWatch(mediaID int64, watchedBy, lastPlayedAt string) error {
	playedAt := parsePlayedAt(lastPlayedAt)
	now := time.Now().UTC()

	var historyID int64
	err := s.db.QueryRow(
		"SELECT id FROM watch_history WHERE media_id = ? AND lower(watched_by) = lower(?)",
		mediaID, watchedBy,
	).Scan(&historyID)

	switch {
	case err == sql.ErrNoRows:
		_, err = db.ExecWithRetry(s.db, `
			INSERT INTO watch_history (media_id, watched_by, last_played_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, mediaID, watchedBy, playedAt, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert watch history: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up watch history: %w", err)
	}

	_, err = db.ExecWithRetry(s.db, `
		UPDATE watch_history SET last_played_at = ?, updated_at = ? WHERE id = ?
	`, playedAt, now, historyID)
	if err != nil {
		return fmt.Errorf("failed to update watch history: %w", err)
	}
	return nil
}

// enrich looks the item up on TMDB. Failures are published for metrics
// and swallowed; the caller proceeds with provider data.
func (s *LibraryStore) enrich(ctx context.Context, item providers.WatchedItem) *metadata.Enrichment {
	if s.tmdb == nil || !s.tmdb.Enabled() {
		return nil
	}
	enrichment, err := s.tmdb.EnrichItem(ctx, item.ID, item.Name, item.Type)
	if err != nil {
		logger.Warnf("TMDB enrichment failed for %q (%s): %v", item.Name, item.Type, err)
		s.publish(domain.Event{
			AggregateType: "media",
			AggregateID:   item.ID,
			EventType:     domain.EnrichmentFailed,
			EventData: map[string]interface{}{
				"title":      item.Name,
				"media_type": item.Type,
				"error":      err.Error(),
			},
		})
		return nil
	}
	return enrichment
}

// cachePoster runs the source URL through the image cache. With no cache
// configured the source URL is stored as-is.
func (s *LibraryStore) cachePoster(ctx context.Context, sourceURL, mediaType, itemID string) string {
	if s.images == nil || sourceURL == "" {
		return sourceURL
	}
	cached := s.images.Cache(ctx, sourceURL, mediaType, itemID)
	if cached == sourceURL {
		s.publish(domain.Event{
			AggregateType: "media",
			AggregateID:   itemID,
			EventType:     domain.ImageCacheMiss,
			EventData: map[string]interface{}{
				"source_url": sourceURL,
				"media_type": mediaType,
			},
		})
	}
	return cached
}

func (s *LibraryStore) publish(event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(event); err != nil {
		logger.Errorf("Failed to publish %s event: %v", event.EventType, err)
	}
}

// parsePlayedAt converts a canonical Z-suffixed timestamp into a time
// value for storage. Empty or malformed values default to now so a
// history row never carries a NULL play time.
func parsePlayedAt(lastPlayedAt string) time.Time {
	if lastPlayedAt == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, lastPlayedAt)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
