package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *RESTServer) getSchedules(c *gin.Context) {
	rows, err := s.db.Query(`
		SELECT id, name, cron_expression, provider, enabled
		FROM schedules ORDER BY id
	`)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	defer rows.Close()

	schedules := make([]gin.H, 0)
	for rows.Next() {
		var id int64
		var name, cronExpr, provider string
		var enabled bool
		if err := rows.Scan(&id, &name, &cronExpr, &provider, &enabled); err != nil {
			continue
		}
		schedules = append(schedules, gin.H{
			"id":              id,
			"name":            name,
			"cron_expression": cronExpr,
			"provider":        provider,
			"enabled":         enabled,
		})
	}
	c.JSON(http.StatusOK, schedules)
}

func (s *RESTServer) addSchedule(c *gin.Context) {
	var req struct {
		Name           string `json:"name"`
		CronExpression string `json:"cron_expression"`
		Provider       string `json:"provider"` // empty means all providers
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name is required"})
		return
	}

	id, err := s.scheduler.AddSchedule(req.Name, req.CronExpression, req.Provider)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": id, "message": "Schedule added"})
}

func (s *RESTServer) deleteSchedule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}

	if err := s.scheduler.DeleteSchedule(id); err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Schedule deleted"})
}

func (s *RESTServer) updateSchedule(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}

	var req struct {
		CronExpression string `json:"cron_expression"`
		Enabled        *bool  `json:"enabled"` // Pointer to distinguish between false and missing
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	if err := s.scheduler.UpdateSchedule(id, req.CronExpression, enabled); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Schedule updated"})
}
