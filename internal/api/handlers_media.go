package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Chronicarr/internal/logger"
)

// mediaRow is the JSON shape of one media row.
type mediaRow struct {
	ID               int64  `json:"id"`
	Title            string `json:"title"`
	MediaType        string `json:"media_type"`
	SourceProvider   string `json:"source_provider"`
	ProviderItemID   string `json:"provider_item_id"`
	TMDBID           string `json:"tmdb_id,omitempty"`
	Description      string `json:"description,omitempty"`
	PosterURL        string `json:"poster_url,omitempty"`
	MediaStatus      string `json:"media_status,omitempty"`
	ReleaseDate      string `json:"release_date,omitempty"`
	Networks         string `json:"networks,omitempty"`
	Genres           string `json:"genres,omitempty"`
	OriginalLanguage string `json:"original_language,omitempty"`
	Ignored          bool   `json:"ignored"`
	Favorite         bool   `json:"favorite"`
	Watched          bool   `json:"watched"`
	WatchCount       int    `json:"watch_count"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

// getMedia lists library entries with filtering and pagination.
// Filters: media_type, provider, favorite, ignored, watched, search.
func (s *RESTServer) getMedia(c *gin.Context) {
	p := ParsePagination(c, PaginationConfig{
		DefaultLimit:     50,
		MaxLimit:         500,
		DefaultSortBy:    "updated_at",
		DefaultSortOrder: "desc",
		AllowedSortBy: map[string]bool{
			"id":           true,
			"title":        true,
			"watch_count":  true,
			"release_date": true,
			"created_at":   true,
			"updated_at":   true,
		},
	})

	where := "WHERE 1=1"
	args := []interface{}{}

	if mediaType := c.Query("media_type"); mediaType != "" {
		where += " AND media_type = ?"
		args = append(args, mediaType)
	}
	if provider := c.Query("provider"); provider != "" {
		where += " AND source_provider = ?"
		args = append(args, provider)
	}
	for _, flag := range []string{"favorite", "ignored", "watched"} {
		if v := c.Query(flag); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + flag + " filter"})
				return
			}
			where += " AND " + flag + " = ?"
			args = append(args, b)
		}
	}
	if search := c.Query("search"); search != "" {
		where += " AND title LIKE ?"
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM media "+where, args...).Scan(&total); err != nil {
		respondDatabaseError(c, err)
		return
	}

	orderBy := SafeOrderByClause(p.SortBy, p.SortOrder, map[string]string{
		"id":           "id",
		"title":        "lower(title)",
		"watch_count":  "watch_count",
		"release_date": "release_date",
		"created_at":   "created_at",
		"updated_at":   "updated_at",
	}, "updated_at", "desc")

	query := `
		SELECT id, title, media_type, source_provider, provider_item_id,
		       tmdb_id, description, poster_url, media_status, release_date,
		       networks, genres, original_language, ignored, favorite,
		       watched, watch_count, created_at, updated_at
		FROM media ` + where + " " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	defer rows.Close()

	media := make([]mediaRow, 0)
	for rows.Next() {
		var m mediaRow
		if err := rows.Scan(&m.ID, &m.Title, &m.MediaType, &m.SourceProvider,
			&m.ProviderItemID, &m.TMDBID, &m.Description, &m.PosterURL,
			&m.MediaStatus, &m.ReleaseDate, &m.Networks, &m.Genres,
			&m.OriginalLanguage, &m.Ignored, &m.Favorite, &m.Watched,
			&m.WatchCount, &m.CreatedAt, &m.UpdatedAt); err != nil {
			logger.Debugf("Failed to scan media row: %v", err)
			continue
		}
		media = append(media, m)
	}

	c.JSON(http.StatusOK, gin.H{
		"media":      media,
		"pagination": NewPaginationResponse(p, total),
	})
}

// setMediaIgnored flips the ignored flag on one title.
func (s *RESTServer) setMediaIgnored(c *gin.Context) {
	s.setMediaFlag(c, "ignored")
}

// setMediaFavorite flips the favorite flag on one title.
func (s *RESTServer) setMediaFavorite(c *gin.Context) {
	s.setMediaFlag(c, "favorite")
}

// setMediaFlag updates a single boolean column on a media row. The column
// name is fixed by the caller, never user input.
func (s *RESTServer) setMediaFlag(c *gin.Context, column string) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}

	var req struct {
		Value *bool `json:"value"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	if req.Value == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing value"})
		return
	}

	res, err := s.db.Exec(
		"UPDATE media SET "+column+" = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		*req.Value, id)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		respondNotFound(c, "Media")
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": id, column: *req.Value})
}

// historyRow is the JSON shape of one watch_history row joined to media.
type historyRow struct {
	ID           int64  `json:"id"`
	MediaID      int64  `json:"media_id"`
	Title        string `json:"title"`
	MediaType    string `json:"media_type"`
	WatchedBy    string `json:"watched_by"`
	LastPlayedAt string `json:"last_played_at"`
}

// getHistory lists watch history with optional user and media filters,
// most recent plays first.
func (s *RESTServer) getHistory(c *gin.Context) {
	p := ParsePagination(c, PaginationConfig{
		DefaultLimit:     50,
		MaxLimit:         500,
		DefaultSortBy:    "last_played_at",
		DefaultSortOrder: "desc",
		AllowedSortBy: map[string]bool{
			"last_played_at": true,
			"watched_by":     true,
			"id":             true,
		},
	})

	where := "WHERE 1=1"
	args := []interface{}{}
	if user := c.Query("user"); user != "" {
		where += " AND lower(h.watched_by) = lower(?)"
		args = append(args, user)
	}
	if mediaID := c.Query("media_id"); mediaID != "" {
		id, err := strconv.ParseInt(mediaID, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid media_id filter"})
			return
		}
		where += " AND h.media_id = ?"
		args = append(args, id)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM watch_history h "+where, args...).Scan(&total); err != nil {
		respondDatabaseError(c, err)
		return
	}

	orderBy := SafeOrderByClause(p.SortBy, p.SortOrder, map[string]string{
		"last_played_at": "h.last_played_at",
		"watched_by":     "lower(h.watched_by)",
		"id":             "h.id",
	}, "h.last_played_at", "desc")

	query := `
		SELECT h.id, h.media_id, m.title, m.media_type, h.watched_by, h.last_played_at
		FROM watch_history h
		JOIN media m ON m.id = h.media_id ` + where + " " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	defer rows.Close()

	history := make([]historyRow, 0)
	for rows.Next() {
		var h historyRow
		if err := rows.Scan(&h.ID, &h.MediaID, &h.Title, &h.MediaType,
			&h.WatchedBy, &h.LastPlayedAt); err != nil {
			logger.Debugf("Failed to scan history row: %v", err)
			continue
		}
		history = append(history, h)
	}

	c.JSON(http.StatusOK, gin.H{
		"history":    history,
		"pagination": NewPaginationResponse(p, total),
	})
}
