package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// JellyfinClient talks to a Jellyfin server using an admin API key, which
// lets it read watch data for every user on the server.
type JellyfinClient struct {
	baseClient
	name       string
	serverURL  string
	authHeader string
}

// NewJellyfinClient creates a client for one Jellyfin instance. A nil
// breaker gets a default one.
func NewJellyfinClient(inst Instance, breaker *CircuitBreaker) *JellyfinClient {
	return &JellyfinClient{
		baseClient: newBaseClient(inst.Name, breaker),
		name:       inst.Name,
		serverURL:  strings.TrimRight(inst.URL, "/"),
		authHeader: fmt.Sprintf(`MediaBrowser Client="Chronicarr", Device="Chronicarr", DeviceId="chronicarr", Version="1.0", Token=%s`, inst.APIKey),
	}
}

func (c *JellyfinClient) Name() string { return c.name }
func (c *JellyfinClient) Type() string { return TypeJellyfin }

func (c *JellyfinClient) headers() map[string]string {
	return map[string]string{"Authorization": c.authHeader}
}

type jellyfinUser struct {
	ID   string `json:"Id"`
	Name string `json:"Name"`
}

type jellyfinUserData struct {
	PlayCount      int    `json:"PlayCount"`
	IsFavorite     bool   `json:"IsFavorite"`
	LastPlayedDate string `json:"LastPlayedDate"`
}

type jellyfinItem struct {
	ID         string           `json:"Id"`
	Name       string           `json:"Name"`
	Type       string           `json:"Type"` // "Movie", "Episode", "Series"
	SeriesID   string           `json:"SeriesId"`
	SeriesName string           `json:"SeriesName"`
	UserData   jellyfinUserData `json:"UserData"`
}

type jellyfinItemsResponse struct {
	Items []jellyfinItem `json:"Items"`
}

// GetUsers lists every account on the server.
func (c *JellyfinClient) GetUsers(ctx context.Context) ([]User, error) {
	var raw []jellyfinUser
	if err := c.getJSON(ctx, c.serverURL+"/Users", c.headers(), &raw); err != nil {
		return nil, fmt.Errorf("jellyfin get users: %w", err)
	}
	users := make([]User, 0, len(raw))
	for _, u := range raw {
		if u.ID == "" {
			continue
		}
		users = append(users, User{ID: u.ID, Name: u.Name})
	}
	return users, nil
}

// GetRecentlyWatched returns played movies and episodes for a user, most
// recently played first, with episodes consolidated into their series.
func (c *JellyfinClient) GetRecentlyWatched(ctx context.Context, userID string, limit int) ([]WatchedItem, error) {
	params := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie,Episode"},
		"Fields":           {"ProviderIds,SeriesStudio,Overview,Genres"},
		"SortBy":           {"DatePlayed"},
		"SortOrder":        {"Descending"},
		"IsPlayed":         {"true"},
		"enableUserData":   {"true"},
	}
	if limit > 0 {
		params.Set("Limit", strconv.Itoa(limit))
	}

	items, err := c.fetchItems(ctx, userID, params)
	if err != nil {
		return nil, fmt.Errorf("jellyfin recently watched for user %s: %w", userID, err)
	}
	return Consolidate(HistoryMode, items, c.extractItem), nil
}

// GetFavorites returns items the user has marked as favorites. Jellyfin
// lets users favorite a series directly, so Series is requested alongside
// Movie here.
func (c *JellyfinClient) GetFavorites(ctx context.Context, userID string, limit int) ([]WatchedItem, error) {
	params := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie,Series"},
		"Fields":           {"ProviderIds,Overview,Genres"},
		"IsFavorite":       {"true"},
		"SortBy":           {"SortName"},
		"SortOrder":        {"Ascending"},
		"enableUserData":   {"true"},
	}
	if limit > 0 {
		params.Set("Limit", strconv.Itoa(limit))
	}

	items, err := c.fetchItems(ctx, userID, params)
	if err != nil {
		return nil, fmt.Errorf("jellyfin favorites for user %s: %w", userID, err)
	}
	return Consolidate(FavoritesMode, items, c.extractItem), nil
}

// GetAllItems lists every movie and series in the library, watched or
// not. The server-wide /Items endpoint needs no user scope.
func (c *JellyfinClient) GetAllItems(ctx context.Context) ([]WatchedItem, error) {
	params := url.Values{
		"Recursive":        {"true"},
		"IncludeItemTypes": {"Movie,Series"},
	}
	var resp jellyfinItemsResponse
	endpoint := c.serverURL + "/Items?" + params.Encode()
	if err := c.getJSON(ctx, endpoint, c.headers(), &resp); err != nil {
		return nil, fmt.Errorf("jellyfin all items: %w", err)
	}
	return Consolidate(HistoryMode, resp.Items, c.extractItem), nil
}

// TestConnection verifies the API key by hitting an authenticated endpoint.
func (c *JellyfinClient) TestConnection(ctx context.Context) error {
	var info struct {
		ServerName string `json:"ServerName"`
		Version    string `json:"Version"`
	}
	if err := c.getJSON(ctx, c.serverURL+"/System/Info", c.headers(), &info); err != nil {
		return fmt.Errorf("jellyfin connection test: %w", err)
	}
	return nil
}

func (c *JellyfinClient) fetchItems(ctx context.Context, userID string, params url.Values) ([]jellyfinItem, error) {
	endpoint := fmt.Sprintf("%s/Users/%s/Items?%s", c.serverURL, url.PathEscape(userID), params.Encode())
	var resp jellyfinItemsResponse
	if err := c.getJSON(ctx, endpoint, c.headers(), &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// extractItem normalizes one raw Jellyfin item. Episodes report under
// their parent series so a binge shows up as one series with its play
// count summed by the consolidation fold.
func (c *JellyfinClient) extractItem(item jellyfinItem) (WatchedItem, bool) {
	var name, id, mediaType string

	switch item.Type {
	case "Episode":
		name = item.SeriesName
		id = item.SeriesID
		mediaType = MediaTypeTV
	case "Series":
		name = item.Name
		id = item.ID
		mediaType = MediaTypeTV
	case "Movie":
		name = item.Name
		id = item.ID
		mediaType = MediaTypeMovie
	default:
		return WatchedItem{}, false
	}
	if name == "" {
		return WatchedItem{}, false
	}

	return WatchedItem{
		ID:           id,
		Type:         mediaType,
		Name:         name,
		LastPlayedAt: NormalizeTimestamp(item.UserData.LastPlayedDate),
		IsFavorite:   item.UserData.IsFavorite,
		PlayCount:    item.UserData.PlayCount,
		PosterURL:    c.posterURL(id),
	}, true
}

func (c *JellyfinClient) posterURL(itemID string) string {
	if itemID == "" {
		return ""
	}
	return fmt.Sprintf("%s/Items/%s/Images/Primary?fillHeight=1440&fillWidth=960&quality=96", c.serverURL, itemID)
}
