package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// DefaultTraktURL is the public Trakt API base. The URL column on a Trakt
// provider row is normally left empty and falls back to this.
const DefaultTraktURL = "https://api.trakt.tv"

// traktFavoriteRating is the minimum rating (out of 10) that counts as a
// favorite. Trakt has no explicit favorite flag, so a 9 or 10 stands in.
const traktFavoriteRating = 9

// Device auth outcomes, mapped from the status codes Trakt returns while
// polling /oauth/device/token.
var (
	ErrDeviceAuthPending = errors.New("device authorization pending")
	ErrDeviceSlowDown    = errors.New("polling too fast, slow down")
	ErrDeviceCodeInvalid = errors.New("device code invalid")
	ErrDeviceCodeUsed    = errors.New("device code already used")
	ErrDeviceCodeExpired = errors.New("device code expired")
	ErrDeviceAuthDenied  = errors.New("user denied authorization")
)

// TraktClient talks to the Trakt API on behalf of a single OAuth'd user.
// Unlike the media server providers there is no user enumeration; the
// authenticated account is the only user.
type TraktClient struct {
	baseClient
	name         string
	apiURL       string
	clientID     string
	clientSecret string
	accessToken  string
	refreshToken string
}

// NewTraktClient creates a client for one Trakt app registration. A nil
// breaker gets a default one.
func NewTraktClient(inst Instance, breaker *CircuitBreaker) *TraktClient {
	apiURL := strings.TrimRight(inst.URL, "/")
	if apiURL == "" {
		apiURL = DefaultTraktURL
	}
	return &TraktClient{
		baseClient:   newBaseClient(inst.Name, breaker),
		name:         inst.Name,
		apiURL:       apiURL,
		clientID:     inst.APIKey,
		clientSecret: inst.ClientSecret,
		accessToken:  inst.AccessToken,
		refreshToken: inst.RefreshToken,
	}
}

func (c *TraktClient) Name() string { return c.name }
func (c *TraktClient) Type() string { return TypeTrakt }

func (c *TraktClient) headers() map[string]string {
	h := map[string]string{
		"trakt-api-version": "2",
		"trakt-api-key":     c.clientID,
	}
	if c.accessToken != "" {
		h["Authorization"] = "Bearer " + c.accessToken
	}
	return h
}

type traktIDs struct {
	Trakt int    `json:"trakt"`
	Slug  string `json:"slug"`
	TMDB  int    `json:"tmdb"`
}

type traktMedia struct {
	Title string   `json:"title"`
	Year  int      `json:"year"`
	IDs   traktIDs `json:"ids"`
}

type traktHistoryItem struct {
	WatchedAt string      `json:"watched_at"`
	Type      string      `json:"type"` // "movie" or "episode"
	Movie     *traktMedia `json:"movie"`
	Show      *traktMedia `json:"show"`
}

type traktRatingItem struct {
	RatedAt string      `json:"rated_at"`
	Rating  int         `json:"rating"`
	Type    string      `json:"type"` // "movie", "show", "season", "episode"
	Movie   *traktMedia `json:"movie"`
	Show    *traktMedia `json:"show"`
}

// GetUsers returns the single authenticated account, identified by slug.
func (c *TraktClient) GetUsers(ctx context.Context) ([]User, error) {
	var settings struct {
		User struct {
			Username string   `json:"username"`
			IDs      traktIDs `json:"ids"`
		} `json:"user"`
	}
	if err := c.getJSON(ctx, c.apiURL+"/users/settings", c.headers(), &settings); err != nil {
		return nil, fmt.Errorf("trakt user settings: %w", err)
	}
	if settings.User.IDs.Slug == "" {
		return nil, fmt.Errorf("trakt user settings returned no slug")
	}
	return []User{{ID: settings.User.IDs.Slug, Name: settings.User.Username}}, nil
}

// GetRecentlyWatched returns the user's play history, one entry per play,
// consolidated to series level.
func (c *TraktClient) GetRecentlyWatched(ctx context.Context, userID string, limit int) ([]WatchedItem, error) {
	endpoint := fmt.Sprintf("%s/users/%s/history?extended=full", c.apiURL, url.PathEscape(userID))
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}

	var raw []traktHistoryItem
	if err := c.getJSON(ctx, endpoint, c.headers(), &raw); err != nil {
		return nil, fmt.Errorf("trakt history for %s: %w", userID, err)
	}
	return Consolidate(HistoryMode, raw, extractTraktHistory), nil
}

// GetFavorites returns the user's highly rated movies and shows.
func (c *TraktClient) GetFavorites(ctx context.Context, userID string, limit int) ([]WatchedItem, error) {
	endpoint := fmt.Sprintf("%s/users/%s/ratings?extended=full", c.apiURL, url.PathEscape(userID))
	if limit > 0 {
		endpoint += "&limit=" + strconv.Itoa(limit)
	}

	var raw []traktRatingItem
	if err := c.getJSON(ctx, endpoint, c.headers(), &raw); err != nil {
		return nil, fmt.Errorf("trakt ratings for %s: %w", userID, err)
	}
	return Consolidate(FavoritesMode, raw, extractTraktRating), nil
}

// GetAllItems returns nil; Trakt is a tracking service without a
// browsable library, so exclusion building skips it.
func (c *TraktClient) GetAllItems(ctx context.Context) ([]WatchedItem, error) {
	return nil, nil
}

// TestConnection verifies the access token by fetching account settings.
func (c *TraktClient) TestConnection(ctx context.Context) error {
	if _, err := c.GetUsers(ctx); err != nil {
		return fmt.Errorf("trakt connection test: %w", err)
	}
	return nil
}

func extractTraktHistory(item traktHistoryItem) (WatchedItem, bool) {
	media, mediaType, ok := pickTraktMedia(item.Type, item.Movie, item.Show)
	if !ok {
		return WatchedItem{}, false
	}
	return WatchedItem{
		ID:           traktItemID(media),
		Type:         mediaType,
		Name:         media.Title,
		LastPlayedAt: NormalizeTimestamp(item.WatchedAt),
		PlayCount:    1, // one history entry is one play
	}, true
}

func extractTraktRating(item traktRatingItem) (WatchedItem, bool) {
	if item.Rating < traktFavoriteRating {
		return WatchedItem{}, false
	}
	media, mediaType, ok := pickTraktMedia(item.Type, item.Movie, item.Show)
	if !ok {
		return WatchedItem{}, false
	}
	return WatchedItem{
		ID:         traktItemID(media),
		Type:       mediaType,
		Name:       media.Title,
		IsFavorite: true,
	}, true
}

// pickTraktMedia resolves which embedded object carries the identity.
// Episode and season entries consolidate under their show.
func pickTraktMedia(itemType string, movie, show *traktMedia) (*traktMedia, string, bool) {
	switch itemType {
	case "movie":
		if movie == nil {
			return nil, "", false
		}
		return movie, MediaTypeMovie, true
	case "episode", "season", "show":
		if show == nil {
			return nil, "", false
		}
		return show, MediaTypeTV, true
	default:
		return nil, "", false
	}
}

// traktItemID prefers the TMDB ID since it doubles as the enrichment key.
func traktItemID(media *traktMedia) string {
	if media.IDs.TMDB > 0 {
		return strconv.Itoa(media.IDs.TMDB)
	}
	if media.IDs.Trakt > 0 {
		return strconv.Itoa(media.IDs.Trakt)
	}
	return media.IDs.Slug
}

// =============================================================================
// Device OAuth
// =============================================================================

// DeviceCode is the response from starting a device authorization. The
// user enters UserCode at VerificationURL while the app polls with
// DeviceCode every Interval seconds until ExpiresIn runs out.
type DeviceCode struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURL string `json:"verification_url"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// TokenResponse is a successful OAuth token grant.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	CreatedAt    int64  `json:"created_at"`
}

// StartDeviceAuth begins the device authorization flow.
func (c *TraktClient) StartDeviceAuth(ctx context.Context) (*DeviceCode, error) {
	var code DeviceCode
	status, err := c.postJSON(ctx, c.apiURL+"/oauth/device/code", c.headers(),
		map[string]string{"client_id": c.clientID}, &code)
	if err != nil {
		return nil, fmt.Errorf("trakt device code: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("trakt device code returned status %d", status)
	}
	return &code, nil
}

// PollDeviceToken makes a single token poll. It returns ErrDeviceAuthPending
// while the user has not approved yet; callers loop on the interval from
// StartDeviceAuth until a token or a terminal error comes back.
func (c *TraktClient) PollDeviceToken(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	var token TokenResponse
	status, err := c.postJSON(ctx, c.apiURL+"/oauth/device/token", c.headers(), map[string]string{
		"code":          deviceCode,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	}, &token)
	if err != nil {
		return nil, fmt.Errorf("trakt device token: %w", err)
	}

	switch status {
	case http.StatusOK:
		c.accessToken = token.AccessToken
		c.refreshToken = token.RefreshToken
		return &token, nil
	case http.StatusBadRequest:
		return nil, ErrDeviceAuthPending
	case http.StatusNotFound:
		return nil, ErrDeviceCodeInvalid
	case http.StatusConflict:
		return nil, ErrDeviceCodeUsed
	case http.StatusGone:
		return nil, ErrDeviceCodeExpired
	case http.StatusTeapot:
		return nil, ErrDeviceAuthDenied
	case http.StatusTooManyRequests:
		return nil, ErrDeviceSlowDown
	default:
		return nil, fmt.Errorf("trakt device token returned status %d", status)
	}
}

// RefreshAccessToken exchanges the refresh token for a new token pair.
func (c *TraktClient) RefreshAccessToken(ctx context.Context) (*TokenResponse, error) {
	if c.refreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	var token TokenResponse
	status, err := c.postJSON(ctx, c.apiURL+"/oauth/token", c.headers(), map[string]string{
		"refresh_token": c.refreshToken,
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
		"redirect_uri":  "urn:ietf:wg:oauth:2.0:oob",
		"grant_type":    "refresh_token",
	}, &token)
	if err != nil {
		return nil, fmt.Errorf("trakt token refresh: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("trakt token refresh returned status %d", status)
	}
	c.accessToken = token.AccessToken
	c.refreshToken = token.RefreshToken
	return &token, nil
}
