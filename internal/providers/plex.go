package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// plexFavoriteRating is the minimum user rating (out of 10) that counts
// as a favorite. Plex has no first-class favorite flag.
const plexFavoriteRating = 9.0

// PlexClient talks to a Plex Media Server using an X-Plex-Token.
type PlexClient struct {
	baseClient
	name      string
	serverURL string
	token     string
}

// NewPlexClient creates a client for one Plex instance. A nil breaker
// gets a default one.
func NewPlexClient(inst Instance, breaker *CircuitBreaker) *PlexClient {
	return &PlexClient{
		baseClient: newBaseClient(inst.Name, breaker),
		name:       inst.Name,
		serverURL:  strings.TrimRight(inst.URL, "/"),
		token:      inst.APIKey,
	}
}

func (c *PlexClient) Name() string { return c.name }
func (c *PlexClient) Type() string { return TypePlex }

func (c *PlexClient) headers() map[string]string {
	return map[string]string{
		"X-Plex-Token": c.token,
		"Accept":       "application/json",
	}
}

// plexTime tolerates both wire forms Plex uses for view timestamps:
// epoch seconds on newer servers and ISO strings on older ones.
type plexTime string

func (t *plexTime) UnmarshalJSON(data []byte) error {
	trimmed := strings.Trim(string(data), `"`)
	if trimmed == "null" || trimmed == "" {
		*t = ""
		return nil
	}
	if sec, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		*t = plexTime(EpochToTimestamp(sec))
		return nil
	}
	*t = plexTime(NormalizeTimestamp(trimmed))
	return nil
}

type plexAccount struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type plexMetadata struct {
	Type             string   `json:"type"` // "movie", "episode", "show"
	Title            string   `json:"title"`
	Key              string   `json:"key"`
	Thumb            string   `json:"thumb"`
	GrandparentTitle string   `json:"grandparentTitle"`
	GrandparentKey   string   `json:"grandparentKey"`
	GrandparentThumb string   `json:"grandparentThumb"`
	ViewedAt         plexTime `json:"viewedAt"`
	LastViewedAt     plexTime `json:"lastViewedAt"`
	ViewCount        int      `json:"viewCount"`
	UserRating       float64  `json:"userRating"`
}

type plexContainer struct {
	MediaContainer struct {
		Account   []plexAccount  `json:"Account"`
		Metadata  []plexMetadata `json:"Metadata"`
		Directory []struct {
			Key  string `json:"key"`
			Type string `json:"type"` // "movie", "show", "artist", ...
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

// GetUsers lists the server's accounts. Account 0 is the synthetic
// "all users" aggregate and is skipped.
func (c *PlexClient) GetUsers(ctx context.Context) ([]User, error) {
	var resp plexContainer
	if err := c.getJSON(ctx, c.serverURL+"/accounts", c.headers(), &resp); err != nil {
		return nil, fmt.Errorf("plex get users: %w", err)
	}
	users := make([]User, 0, len(resp.MediaContainer.Account))
	for _, acc := range resp.MediaContainer.Account {
		if acc.ID == 0 {
			continue
		}
		users = append(users, User{ID: strconv.Itoa(acc.ID), Name: acc.Name})
	}
	return users, nil
}

// GetRecentlyWatched returns the account's watch history with episodes
// consolidated into their series. Each history entry is one play, so the
// fold's summed count reflects how many episodes were watched.
func (c *PlexClient) GetRecentlyWatched(ctx context.Context, userID string, limit int) ([]WatchedItem, error) {
	params := url.Values{
		"accountID": {userID},
		"sort":      {"viewedAt:desc"},
	}
	if limit > 0 {
		params.Set("X-Plex-Container-Start", "0")
		params.Set("X-Plex-Container-Size", strconv.Itoa(limit))
	}

	var resp plexContainer
	endpoint := c.serverURL + "/status/sessions/history/all?" + params.Encode()
	if err := c.getJSON(ctx, endpoint, c.headers(), &resp); err != nil {
		return nil, fmt.Errorf("plex history for account %s: %w", userID, err)
	}
	return Consolidate(HistoryMode, resp.MediaContainer.Metadata, c.extractHistoryEntry), nil
}

// GetFavorites scans the movie and show libraries for items the token
// owner rated at least 9 of 10. Ratings are tied to the token, so the
// account ID only scopes attribution downstream.
func (c *PlexClient) GetFavorites(ctx context.Context, userID string, limit int) ([]WatchedItem, error) {
	var sections plexContainer
	if err := c.getJSON(ctx, c.serverURL+"/library/sections", c.headers(), &sections); err != nil {
		return nil, fmt.Errorf("plex library sections: %w", err)
	}

	acc := NewAccumulator(FavoritesMode)
	collected := 0
	for _, dir := range sections.MediaContainer.Directory {
		if dir.Type != "movie" && dir.Type != "show" {
			continue
		}
		if limit > 0 && collected >= limit {
			break
		}

		var content plexContainer
		endpoint := fmt.Sprintf("%s/library/sections/%s/all", c.serverURL, url.PathEscape(dir.Key))
		if err := c.getJSON(ctx, endpoint, c.headers(), &content); err != nil {
			return nil, fmt.Errorf("plex library section %s: %w", dir.Key, err)
		}
		for _, meta := range content.MediaContainer.Metadata {
			if limit > 0 && collected >= limit {
				break
			}
			if meta.UserRating < plexFavoriteRating {
				continue
			}
			if item, ok := c.extractLibraryItem(meta); ok {
				acc.Add(item)
				collected++
			}
		}
	}
	return acc.Items(), nil
}

// GetAllItems lists every movie and show across the server's movie and
// show sections, watched or not.
func (c *PlexClient) GetAllItems(ctx context.Context) ([]WatchedItem, error) {
	var sections plexContainer
	if err := c.getJSON(ctx, c.serverURL+"/library/sections", c.headers(), &sections); err != nil {
		return nil, fmt.Errorf("plex library sections: %w", err)
	}

	acc := NewAccumulator(HistoryMode)
	for _, dir := range sections.MediaContainer.Directory {
		if dir.Type != "movie" && dir.Type != "show" {
			continue
		}
		var content plexContainer
		endpoint := fmt.Sprintf("%s/library/sections/%s/all", c.serverURL, url.PathEscape(dir.Key))
		if err := c.getJSON(ctx, endpoint, c.headers(), &content); err != nil {
			return nil, fmt.Errorf("plex library section %s: %w", dir.Key, err)
		}
		for _, meta := range content.MediaContainer.Metadata {
			if item, ok := c.extractLibraryItem(meta); ok {
				acc.Add(item)
			}
		}
	}
	return acc.Items(), nil
}

// TestConnection verifies the token against the server identity endpoint.
func (c *PlexClient) TestConnection(ctx context.Context) error {
	if err := c.getJSON(ctx, c.serverURL+"/identity", c.headers(), &json.RawMessage{}); err != nil {
		return fmt.Errorf("plex connection test: %w", err)
	}
	return nil
}

// extractHistoryEntry normalizes one history entry. A single entry is one
// play regardless of the item's lifetime viewCount.
func (c *PlexClient) extractHistoryEntry(meta plexMetadata) (WatchedItem, bool) {
	item, ok := c.extract(meta)
	if !ok {
		return WatchedItem{}, false
	}
	item.PlayCount = 1
	return item, true
}

// extractLibraryItem normalizes one library item, keeping its lifetime
// view count.
func (c *PlexClient) extractLibraryItem(meta plexMetadata) (WatchedItem, bool) {
	return c.extract(meta)
}

func (c *PlexClient) extract(meta plexMetadata) (WatchedItem, bool) {
	var name, key, thumb, mediaType string

	switch meta.Type {
	case "episode":
		name = meta.GrandparentTitle
		key = meta.GrandparentKey
		thumb = meta.GrandparentThumb
		mediaType = MediaTypeTV
	case "show":
		name = meta.Title
		key = meta.Key
		thumb = meta.Thumb
		mediaType = MediaTypeTV
	case "movie":
		name = meta.Title
		key = meta.Key
		thumb = meta.Thumb
		mediaType = MediaTypeMovie
	default:
		return WatchedItem{}, false
	}
	if name == "" {
		return WatchedItem{}, false
	}

	lastPlayed := string(meta.ViewedAt)
	if lastPlayed == "" {
		lastPlayed = string(meta.LastViewedAt)
	}

	return WatchedItem{
		ID:           ratingKeyFromKey(key),
		Type:         mediaType,
		Name:         name,
		LastPlayedAt: lastPlayed,
		IsFavorite:   meta.UserRating >= plexFavoriteRating,
		PlayCount:    meta.ViewCount,
		PosterURL:    c.posterURL(thumb),
	}, true
}

// ratingKeyFromKey extracts the numeric rating key from a metadata key
// path like "/library/metadata/4312".
func ratingKeyFromKey(key string) string {
	if key == "" {
		return ""
	}
	trimmed := strings.TrimRight(key, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

func (c *PlexClient) posterURL(thumb string) string {
	if thumb == "" {
		return ""
	}
	return fmt.Sprintf("%s%s?X-Plex-Token=%s", c.serverURL, thumb, url.QueryEscape(c.token))
}
