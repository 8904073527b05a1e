// Package metadata enriches synced media with TMDB details and caches
// poster art locally.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mescon/Chronicarr/internal/logger"
)

const (
	tmdbBaseURL      = "https://api.themoviedb.org/3"
	tmdbImageBaseURL = "https://image.tmdb.org/t/p/w500"

	tmdbRequestTimeout = 15 * time.Second
)

// MediaDetails is the subset of a TMDB movie or TV detail response that
// feeds the media table.
type MediaDetails struct {
	ID               int    `json:"id"`
	Title            string `json:"title"` // movies
	Name             string `json:"name"`  // tv
	Overview         string `json:"overview"`
	Status           string `json:"status"`
	OriginalLanguage string `json:"original_language"`
	ReleaseDate      string `json:"release_date"`   // movies
	FirstAirDate     string `json:"first_air_date"` // tv
	LastAirDate      string `json:"last_air_date"`  // tv
	PosterPath       string `json:"poster_path"`
	Genres           []struct {
		Name string `json:"name"`
	} `json:"genres"`
	Networks []struct {
		Name string `json:"name"`
	} `json:"networks"`
}

// Enrichment is the flattened, storage-ready view of a TMDB lookup.
type Enrichment struct {
	TMDBID           string
	Description      string
	MediaStatus      string
	OriginalLanguage string
	ReleaseDate      string
	Networks         string
	Genres           string
	PosterURL        string
}

// TMDBClient queries the TMDB v3 API with a read access token.
type TMDBClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewTMDBClient creates a TMDB client. An empty token yields a client
// whose lookups fail fast, which callers treat as enrichment disabled.
func NewTMDBClient(token string) *TMDBClient {
	return &TMDBClient{
		httpClient: &http.Client{Timeout: tmdbRequestTimeout},
		baseURL:    tmdbBaseURL,
		token:      token,
	}
}

// Enabled reports whether a token is configured.
func (c *TMDBClient) Enabled() bool {
	return c.token != ""
}

// GetMediaDetail fetches full details for a known TMDB ID.
// mediaType is "movie" or "tv".
func (c *TMDBClient) GetMediaDetail(ctx context.Context, tmdbID, mediaType string) (*MediaDetails, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("tmdb api key not configured")
	}
	endpoint := fmt.Sprintf("%s/%s/%s?language=en-US", c.baseURL, url.PathEscape(mediaType), url.PathEscape(tmdbID))

	var details MediaDetails
	if err := c.getJSON(ctx, endpoint, &details); err != nil {
		return nil, fmt.Errorf("tmdb detail for %s/%s: %w", mediaType, tmdbID, err)
	}
	return &details, nil
}

// LookupMedia searches TMDB by title and returns the first result's ID,
// or empty when nothing matches.
func (c *TMDBClient) LookupMedia(ctx context.Context, query, mediaType string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("tmdb api key not configured")
	}
	params := url.Values{
		"query":         {query},
		"language":      {"en-US"},
		"page":          {"1"},
		"include_adult": {"false"},
	}
	endpoint := fmt.Sprintf("%s/search/%s?%s", c.baseURL, url.PathEscape(mediaType), params.Encode())

	var result struct {
		Results []struct {
			ID int `json:"id"`
		} `json:"results"`
	}
	if err := c.getJSON(ctx, endpoint, &result); err != nil {
		return "", fmt.Errorf("tmdb search %s %q: %w", mediaType, query, err)
	}
	if len(result.Results) == 0 {
		return "", nil
	}
	return strconv.Itoa(result.Results[0].ID), nil
}

// EnrichItem resolves an item to its TMDB details. A numeric itemID is
// treated as a TMDB ID directly; otherwise the title is searched and the
// first hit wins. Returns nil when nothing could be resolved.
func (c *TMDBClient) EnrichItem(ctx context.Context, itemID, title, mediaType string) (*Enrichment, error) {
	if !c.Enabled() {
		return nil, nil
	}

	tmdbID := itemID
	if !isNumeric(tmdbID) {
		resolved, err := c.LookupMedia(ctx, title, mediaType)
		if err != nil {
			return nil, err
		}
		if resolved == "" {
			logger.Debugf("TMDB: no search result for %s %q", mediaType, title)
			return nil, nil
		}
		tmdbID = resolved
	}

	details, err := c.GetMediaDetail(ctx, tmdbID, mediaType)
	if err != nil {
		return nil, err
	}

	releaseDate := details.ReleaseDate
	if mediaType == "tv" {
		releaseDate = details.LastAirDate
	}

	enrichment := &Enrichment{
		TMDBID:           strconv.Itoa(details.ID),
		Description:      details.Overview,
		MediaStatus:      details.Status,
		OriginalLanguage: details.OriginalLanguage,
		ReleaseDate:      releaseDate,
	}
	var genres []string
	for _, g := range details.Genres {
		if g.Name != "" {
			genres = append(genres, g.Name)
		}
	}
	enrichment.Genres = strings.Join(genres, ", ")

	var networks []string
	for _, n := range details.Networks {
		if n.Name != "" {
			networks = append(networks, n.Name)
		}
	}
	enrichment.Networks = strings.Join(networks, ", ")

	if details.PosterPath != "" {
		enrichment.PosterURL = tmdbImageBaseURL + details.PosterPath
	}
	return enrichment, nil
}

func (c *TMDBClient) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tmdb returned status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	_, err := strconv.Atoi(s)
	return err == nil
}
