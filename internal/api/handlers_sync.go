package api

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Chronicarr/internal/config"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/services"
)

// syncRunRow is the JSON shape of one sync_runs row.
type syncRunRow struct {
	ID           int64   `json:"id"`
	RunID        string  `json:"run_id"`
	Provider     string  `json:"provider"`
	Status       string  `json:"status"`
	UsersSynced  int     `json:"users_synced"`
	ItemsSynced  int     `json:"items_synced"`
	MediaCreated int     `json:"media_created"`
	Error        string  `json:"error,omitempty"`
	StartedAt    string  `json:"started_at"`
	CompletedAt  *string `json:"completed_at"`
}

// triggerSync starts a sync run in the background. An empty or missing
// provider means all enabled providers.
func (s *RESTServer) triggerSync(c *gin.Context) {
	if s.syncService == nil {
		respondServiceUnavailable(c, "Sync service")
		return
	}

	var req struct {
		Provider string `json:"provider"`
	}
	// Body is optional; an empty body triggers a full sync
	if c.Request.ContentLength > 0 {
		if err := c.BindJSON(&req); err != nil {
			respondBadRequest(c, err, true)
			return
		}
	}

	if s.syncService.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": services.ErrSyncAlreadyRunning.Error()})
		return
	}

	provider := req.Provider
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), config.Get().SyncTimeout)
		defer cancel()

		var err error
		if provider == "" {
			_, err = s.syncService.Sync(ctx)
		} else {
			_, err = s.syncService.SyncProvider(ctx, provider)
		}
		if err != nil {
			logger.Errorf("API-triggered sync failed: %v", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message":  "Sync started",
		"provider": provider,
	})
}

// getSyncRuns lists sync runs, newest first, with optional status and
// provider filters.
func (s *RESTServer) getSyncRuns(c *gin.Context) {
	p := ParsePagination(c, PaginationConfig{
		DefaultLimit:     50,
		MaxLimit:         500,
		DefaultSortBy:    "started_at",
		DefaultSortOrder: "desc",
		AllowedSortBy: map[string]bool{
			"started_at":   true,
			"completed_at": true,
			"items_synced": true,
			"id":           true,
		},
	})

	where := "WHERE 1=1"
	args := []interface{}{}
	if status := c.Query("status"); status != "" {
		where += " AND status = ?"
		args = append(args, status)
	}
	if provider := c.Query("provider"); provider != "" {
		where += " AND provider = ?"
		args = append(args, provider)
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sync_runs "+where, args...).Scan(&total); err != nil {
		respondDatabaseError(c, err)
		return
	}

	orderBy := SafeOrderByClause(p.SortBy, p.SortOrder, map[string]string{
		"started_at":   "started_at",
		"completed_at": "completed_at",
		"items_synced": "items_synced",
		"id":           "id",
	}, "started_at", "desc")

	query := `
		SELECT id, run_id, provider, status, users_synced, items_synced,
		       media_created, error, started_at, completed_at
		FROM sync_runs ` + where + " " + orderBy + " LIMIT ? OFFSET ?"
	args = append(args, p.Limit, p.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	defer rows.Close()

	runs := make([]syncRunRow, 0)
	for rows.Next() {
		run, err := scanSyncRun(rows.Scan)
		if err != nil {
			logger.Debugf("Failed to scan sync run: %v", err)
			continue
		}
		runs = append(runs, *run)
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":       runs,
		"pagination": NewPaginationResponse(p, total),
	})
}

// getSyncRun returns a single run by its run_id.
func (s *RESTServer) getSyncRun(c *gin.Context) {
	runID := c.Param("run_id")

	row := s.db.QueryRow(`
		SELECT id, run_id, provider, status, users_synced, items_synced,
		       media_created, error, started_at, completed_at
		FROM sync_runs WHERE run_id = ?
	`, runID)

	run, err := scanSyncRun(row.Scan)
	if err == sql.ErrNoRows {
		respondNotFound(c, "Sync run")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, run)
}

func scanSyncRun(scan func(...interface{}) error) (*syncRunRow, error) {
	var run syncRunRow
	var completedAt sql.NullString
	if err := scan(&run.ID, &run.RunID, &run.Provider, &run.Status,
		&run.UsersSynced, &run.ItemsSynced, &run.MediaCreated,
		&run.Error, &run.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return &run, nil
}
