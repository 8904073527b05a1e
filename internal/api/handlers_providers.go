package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mescon/Chronicarr/internal/crypto"
	"github.com/mescon/Chronicarr/internal/logger"
	"github.com/mescon/Chronicarr/internal/providers"
)

// providerTestTimeout bounds a single connection probe.
const providerTestTimeout = 15 * time.Second

// providerView is the JSON shape of a provider row. Secrets are never
// returned, only whether they are set.
type providerView struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	ProviderType   string `json:"provider_type"`
	URL            string `json:"url"`
	Enabled        bool   `json:"enabled"`
	RecentLimit    int    `json:"recent_limit"`
	HasAPIKey      bool   `json:"has_api_key"`
	HasAccessToken bool   `json:"has_access_token"`
}

// providerRequest carries provider create/update payloads. Pointer fields
// distinguish "not sent" from zero values on updates.
type providerRequest struct {
	Name         string `json:"name"`
	ProviderType string `json:"provider_type"`
	URL          string `json:"url"`
	APIKey       string `json:"api_key"`
	ClientSecret string `json:"client_secret"`
	Enabled      *bool  `json:"enabled"`
	RecentLimit  *int   `json:"recent_limit"`
}

func validProviderType(t string) bool {
	switch t {
	case providers.TypeJellyfin, providers.TypePlex, providers.TypeTrakt:
		return true
	}
	return false
}

func viewOf(inst providers.Instance) providerView {
	return providerView{
		ID:             inst.ID,
		Name:           inst.Name,
		ProviderType:   inst.Type,
		URL:            inst.URL,
		Enabled:        inst.Enabled,
		RecentLimit:    inst.RecentLimit,
		HasAPIKey:      inst.APIKey != "",
		HasAccessToken: inst.AccessToken != "",
	}
}

func (s *RESTServer) getProviders(c *gin.Context) {
	instances, err := s.registry.AllInstances()
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	views := make([]providerView, 0, len(instances))
	for _, inst := range instances {
		views = append(views, viewOf(inst))
	}
	c.JSON(http.StatusOK, views)
}

func (s *RESTServer) createProvider(c *gin.Context) {
	var req providerRequest
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Name is required"})
		return
	}
	if !validProviderType(req.ProviderType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Provider type must be jellyfin, plex or trakt"})
		return
	}
	// Trakt uses the public API when the URL is empty; media servers need one
	if req.URL == "" && req.ProviderType != providers.TypeTrakt {
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL is required"})
		return
	}

	encryptedKey, err := crypto.Encrypt(req.APIKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt API key"})
		return
	}
	encryptedSecret, err := crypto.Encrypt(req.ClientSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt client secret"})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	recentLimit := 10
	if req.RecentLimit != nil && *req.RecentLimit > 0 {
		recentLimit = *req.RecentLimit
	}

	res, err := s.db.Exec(`
		INSERT INTO providers (name, provider_type, url, api_key, client_secret, enabled, recent_limit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.Name, req.ProviderType, req.URL, encryptedKey, encryptedSecret, enabled, recentLimit)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	id, _ := res.LastInsertId()
	logger.Infof("Provider created: %s (%s)", req.Name, req.ProviderType)
	c.JSON(http.StatusCreated, gin.H{"id": id, "message": "Provider created"})
}

func (s *RESTServer) updateProvider(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}

	inst, err := s.registry.InstanceByID(id)
	if err == sql.ErrNoRows {
		respondNotFound(c, "Provider")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	var req providerRequest
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	// Overlay the fields that were sent; empty secrets keep the stored ones
	if req.Name != "" {
		inst.Name = req.Name
	}
	if req.URL != "" {
		inst.URL = req.URL
	}
	if req.APIKey != "" {
		inst.APIKey = req.APIKey
	}
	if req.ClientSecret != "" {
		inst.ClientSecret = req.ClientSecret
	}
	if req.Enabled != nil {
		inst.Enabled = *req.Enabled
	}
	if req.RecentLimit != nil && *req.RecentLimit > 0 {
		inst.RecentLimit = *req.RecentLimit
	}

	encryptedKey, err := crypto.Encrypt(inst.APIKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt API key"})
		return
	}
	encryptedSecret, err := crypto.Encrypt(inst.ClientSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt client secret"})
		return
	}

	_, err = s.db.Exec(`
		UPDATE providers
		SET name = ?, url = ?, api_key = ?, client_secret = ?, enabled = ?,
		    recent_limit = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, inst.Name, inst.URL, encryptedKey, encryptedSecret, inst.Enabled, inst.RecentLimit, id)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Provider updated"})
}

func (s *RESTServer) deleteProvider(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}

	res, err := s.db.Exec("DELETE FROM providers WHERE id = ?", id)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		respondNotFound(c, "Provider")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Provider deleted"})
}

// testProvider probes a provider connection. With an id it tests the
// stored row, otherwise the unsaved config from the request body.
func (s *RESTServer) testProvider(c *gin.Context) {
	var req struct {
		ID int64 `json:"id"`
		providerRequest
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}

	var inst *providers.Instance
	if req.ID > 0 {
		stored, err := s.registry.InstanceByID(req.ID)
		if err == sql.ErrNoRows {
			respondNotFound(c, "Provider")
			return
		}
		if err != nil {
			respondDatabaseError(c, err)
			return
		}
		inst = stored
	} else {
		if !validProviderType(req.ProviderType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Provider type must be jellyfin, plex or trakt"})
			return
		}
		inst = &providers.Instance{
			Name:   req.Name,
			Type:   req.ProviderType,
			URL:    req.URL,
			APIKey: req.APIKey,
		}
		if inst.Name == "" {
			inst.Name = "test-" + req.ProviderType
		}
	}

	client, err := s.registry.ClientFor(*inst)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), providerTestTimeout)
	defer cancel()

	if err := client.TestConnection(ctx); err != nil {
		c.JSON(http.StatusOK, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Connection successful",
	})
}

// resetProviderBreaker resets one instance's circuit breaker so the next
// sync retries immediately instead of waiting out the open state.
func (s *RESTServer) resetProviderBreaker(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return
	}

	inst, err := s.registry.InstanceByID(id)
	if err == sql.ErrNoRows {
		respondNotFound(c, "Provider")
		return
	}
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	s.registry.ResetBreaker(inst.Name)
	c.JSON(http.StatusOK, gin.H{"message": "Circuit breaker reset"})
}

// traktClientByID loads the instance and builds a Trakt client for it.
func (s *RESTServer) traktClientByID(c *gin.Context) (*providers.TraktClient, *providers.Instance, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": ErrMsgInvalidID})
		return nil, nil, false
	}

	inst, err := s.registry.InstanceByID(id)
	if err == sql.ErrNoRows {
		respondNotFound(c, "Provider")
		return nil, nil, false
	}
	if err != nil {
		respondDatabaseError(c, err)
		return nil, nil, false
	}
	if inst.Type != providers.TypeTrakt {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Device authorization is only supported for Trakt providers"})
		return nil, nil, false
	}

	client, err := s.registry.ClientFor(*inst)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, nil, false
	}
	trakt, ok := client.(*providers.TraktClient)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": ErrMsgInternalError})
		return nil, nil, false
	}
	return trakt, inst, true
}

// startTraktDeviceAuth begins the Trakt device authorization flow and
// returns the user code to enter at the verification URL.
func (s *RESTServer) startTraktDeviceAuth(c *gin.Context) {
	trakt, _, ok := s.traktClientByID(c)
	if !ok {
		return
	}

	code, err := trakt.StartDeviceAuth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, code)
}

// pollTraktDeviceToken makes one token poll for a pending device
// authorization. On success the tokens are encrypted and persisted.
func (s *RESTServer) pollTraktDeviceToken(c *gin.Context) {
	trakt, inst, ok := s.traktClientByID(c)
	if !ok {
		return
	}

	var req struct {
		DeviceCode string `json:"device_code"`
	}
	if err := c.BindJSON(&req); err != nil {
		respondBadRequest(c, err, true)
		return
	}
	if req.DeviceCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing device_code"})
		return
	}

	token, err := trakt.PollDeviceToken(c.Request.Context(), req.DeviceCode)
	switch {
	case err == nil:
		// Authorized; persist the token pair
	case errors.Is(err, providers.ErrDeviceAuthPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
		return
	case errors.Is(err, providers.ErrDeviceSlowDown):
		c.JSON(http.StatusAccepted, gin.H{"status": "slow_down"})
		return
	case errors.Is(err, providers.ErrDeviceCodeExpired),
		errors.Is(err, providers.ErrDeviceCodeInvalid),
		errors.Is(err, providers.ErrDeviceCodeUsed),
		errors.Is(err, providers.ErrDeviceAuthDenied):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		return
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	encryptedAccess, err := crypto.Encrypt(token.AccessToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt access token"})
		return
	}
	encryptedRefresh, err := crypto.Encrypt(token.RefreshToken)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encrypt refresh token"})
		return
	}

	expiresAt := time.Unix(token.CreatedAt, 0).UTC().Add(time.Duration(token.ExpiresIn) * time.Second)
	_, err = s.db.Exec(`
		UPDATE providers
		SET access_token = ?, refresh_token = ?, token_expires_at = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, encryptedAccess, encryptedRefresh, expiresAt, inst.ID)
	if err != nil {
		respondDatabaseError(c, err)
		return
	}

	logger.Infof("Trakt device authorization completed for provider %s", inst.Name)
	c.JSON(http.StatusOK, gin.H{"status": "authorized"})
}
