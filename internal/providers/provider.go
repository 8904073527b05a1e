package providers

import (
	"context"
	"strconv"
	"time"
)

// Provider type constants. These match the provider_type CHECK constraint
// in the providers table.
const (
	TypeJellyfin = "jellyfin"
	TypePlex     = "plex"
	TypeTrakt    = "trakt"
)

// Media type constants used across the canonical item shape and the media table.
const (
	MediaTypeMovie = "movie"
	MediaTypeTV    = "tv"
)

// timestampLayout is the canonical wire format for LastPlayedAt.
// UTC with a trailing Z so lexicographic comparison orders chronologically.
const timestampLayout = "2006-01-02T15:04:05Z"

// User is a provider-side account that owns watch history.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WatchedItem is the canonical shape every provider adapter normalizes into.
// Episodes are already consolidated into their parent series by the time a
// slice of these leaves an adapter.
type WatchedItem struct {
	ID           string `json:"id"`             // provider-native item ID
	Type         string `json:"type"`           // "movie" or "tv"
	Name         string `json:"name"`           // display title, series title for episodes
	LastPlayedAt string `json:"last_played_at"` // UTC ISO-8601 with Z suffix, empty when unknown
	IsFavorite   bool   `json:"is_favorite"`
	PlayCount    int    `json:"play_count"`
	PosterURL    string `json:"poster_url"`
}

// Client is the narrow surface the sync pipeline consumes. Each provider
// adapter (Jellyfin, Plex, Trakt) implements it.
type Client interface {
	// Name returns the configured instance name, used for attribution
	// in media rows and sync run records.
	Name() string

	// Type returns one of TypeJellyfin, TypePlex or TypeTrakt.
	Type() string

	// GetUsers lists the provider accounts whose history should be synced.
	GetUsers(ctx context.Context) ([]User, error)

	// GetRecentlyWatched returns the user's watch history, most recent
	// first, already consolidated to series level. A limit <= 0 means
	// unbounded and is used for the first sync of a provider.
	GetRecentlyWatched(ctx context.Context, userID string, limit int) ([]WatchedItem, error)

	// GetFavorites returns the user's favorited items consolidated to
	// series level. A limit <= 0 means unbounded.
	GetFavorites(ctx context.Context, userID string, limit int) ([]WatchedItem, error)

	// GetAllItems lists the full library regardless of watch state,
	// consolidated to series level, for building exclusion lists.
	// Providers without a browsable library return nil with no error.
	GetAllItems(ctx context.Context) ([]WatchedItem, error)

	// TestConnection verifies credentials and reachability without
	// mutating anything.
	TestConnection(ctx context.Context) error
}

// Instance mirrors a row in the providers table with secrets already decrypted.
type Instance struct {
	ID           int64
	Name         string
	Type         string
	URL          string
	APIKey       string
	ClientSecret string
	AccessToken  string
	RefreshToken string
	Enabled      bool
	RecentLimit  int
}

// NormalizeTimestamp converts a provider timestamp into the canonical
// UTC Z-suffixed form. Accepts RFC 3339 with or without fractional seconds
// and bare "YYYY-MM-DD HH:MM:SS" strings. Returns "" when unparseable so
// callers treat the play time as unknown rather than wrong.
func NormalizeTimestamp(s string) string {
	if s == "" {
		return ""
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(timestampLayout)
		}
	}
	return ""
}

// EpochToTimestamp converts Unix seconds into the canonical timestamp form.
func EpochToTimestamp(sec int64) string {
	if sec <= 0 {
		return ""
	}
	return time.Unix(sec, 0).UTC().Format(timestampLayout)
}

// parseEpochOrTimestamp handles fields that some providers send as epoch
// seconds and others as ISO strings, depending on server version.
func parseEpochOrTimestamp(raw string) string {
	if raw == "" {
		return ""
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return EpochToTimestamp(sec)
	}
	return NormalizeTimestamp(raw)
}
