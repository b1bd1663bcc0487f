package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notesphere/collab/internal/feed"
	"github.com/notesphere/collab/internal/presence"
	"github.com/notesphere/collab/internal/profile"
)

const userIDContextKey = "collab_user_id"

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingPresenceService = errors.New("presence service dependency required")
	errMissingProfileService  = errors.New("profile service dependency required")
	errMissingFeedDispatcher  = errors.New("feed dispatcher dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens carrying user identity.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Settings carries the pacing parameters collaborating clients apply locally:
// the write debounce window, the heartbeat cadence, and the activity grace
// that suppresses redundant heartbeats. Served to clients so the server
// configuration governs their write rate.
type Settings struct {
	DebounceWindow    time.Duration
	HeartbeatInterval time.Duration
	ActivityGrace     time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.DebounceWindow <= 0 {
		s.DebounceWindow = presence.DefaultDebounceWindow
	}
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = presence.DefaultHeartbeatInterval
	}
	if s.ActivityGrace <= 0 {
		s.ActivityGrace = presence.DefaultActivityGrace
	}
	return s
}

// Dependencies wires the HTTP layer to its collaborators.
type Dependencies struct {
	TokenManager    TokenManager
	PresenceService *presence.Service
	ProfileService  *profile.Service
	Feed            *feed.Dispatcher
	Settings        Settings
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin router serving the collaboration API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.PresenceService == nil {
		return nil, errMissingPresenceService
	}
	if deps.ProfileService == nil {
		return nil, errMissingProfileService
	}
	if deps.Feed == nil {
		return nil, errMissingFeedDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		presence: deps.PresenceService,
		profiles: deps.ProfileService,
		feed:     deps.Feed,
		settings: deps.Settings.withDefaults(),
		logger:   logger,
	}

	router.POST("/auth/dev-token", handler.handleDevToken)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/settings", handler.handleSettings)
	protected.POST("/presence/:kind/:id/join", handler.handleJoin)
	protected.POST("/presence/:kind/:id/activity", handler.handleActivity)
	protected.POST("/presence/:kind/:id/heartbeat", handler.handleHeartbeat)
	protected.DELETE("/presence/:kind/:id", handler.handleLeave)
	protected.GET("/presence/:kind/:id", handler.handleListActive)
	protected.GET("/presence/:kind/:id/stream", handler.handleStream)
	protected.GET("/profiles/:id", handler.handleGetProfile)
	protected.PUT("/profiles/me", handler.handlePutProfile)

	return router, nil
}

type httpHandler struct {
	tokens   TokenManager
	presence *presence.Service
	profiles *profile.Service
	feed     *feed.Dispatcher
	settings Settings
	logger   *zap.Logger
}

type settingsResponsePayload struct {
	DebounceMs       int64 `json:"debounce_ms"`
	HeartbeatMs      int64 `json:"heartbeat_ms"`
	ActivityGraceMs  int64 `json:"activity_grace_ms"`
	OnlineThresholdS int64 `json:"online_threshold_s"`
}

func (h *httpHandler) handleSettings(c *gin.Context) {
	c.JSON(http.StatusOK, settingsResponsePayload{
		DebounceMs:       h.settings.DebounceWindow.Milliseconds(),
		HeartbeatMs:      h.settings.HeartbeatInterval.Milliseconds(),
		ActivityGraceMs:  h.settings.ActivityGrace.Milliseconds(),
		OnlineThresholdS: int64(presence.OnlineThreshold.Seconds()),
	})
}

type devTokenRequestPayload struct {
	Subject string `json:"subject"`
}

type devTokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	Subject     string `json:"subject"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDevToken(c *gin.Context) {
	var request devTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	subject := strings.TrimSpace(request.Subject)
	if subject == "" {
		generated, err := uuid.NewV7()
		if err != nil {
			h.logger.Error("failed to generate subject", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
			return
		}
		subject = generated.String()
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, devTokenResponsePayload{
		AccessToken: token,
		Subject:     subject,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type activityRequestPayload struct {
	Cursor    *presence.CursorPosition `json:"cursor,omitempty"`
	Selection *presence.SelectionRange `json:"selection,omitempty"`
	IsActive  *bool                    `json:"is_active,omitempty"`
}

type heartbeatRequestPayload struct {
	IsActive bool `json:"is_active"`
}

type activeUserPayload struct {
	UserID    string                   `json:"user_id"`
	Nickname  string                   `json:"nickname"`
	Color     string                   `json:"color"`
	IsActive  bool                     `json:"is_active"`
	LastSeenS int64                    `json:"last_seen_s"`
	Cursor    *presence.CursorPosition `json:"cursor,omitempty"`
	Selection *presence.SelectionRange `json:"selection,omitempty"`
}

type activeUsersResponsePayload struct {
	Users []activeUserPayload `json:"users"`
}

func (h *httpHandler) handleJoin(c *gin.Context) {
	userID, resource, ok := h.presenceScope(c)
	if !ok {
		return
	}

	record := presence.Record{
		UserID:       userID,
		ResourceKind: resource.Kind,
		ResourceID:   resource.ID,
		IsActive:     true,
	}
	if err := h.presence.Upsert(c.Request.Context(), record); err != nil {
		h.logger.Error("presence join failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_write_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	userID, resource, ok := h.presenceScope(c)
	if !ok {
		return
	}

	var request activityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	record := presence.Record{
		UserID:       userID,
		ResourceKind: resource.Kind,
		ResourceID:   resource.ID,
		IsActive:     true,
	}
	if request.Cursor != nil {
		record.SetCursor(*request.Cursor)
	}
	if request.Selection != nil {
		record.SetSelection(*request.Selection)
	}
	if request.IsActive != nil {
		record.IsActive = *request.IsActive
	}

	if err := h.presence.Upsert(c.Request.Context(), record); err != nil {
		h.logger.Error("presence activity write failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_write_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	userID, resource, ok := h.presenceScope(c)
	if !ok {
		return
	}

	request := heartbeatRequestPayload{IsActive: true}
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := h.presence.Touch(c.Request.Context(), userID, resource, request.IsActive); err != nil {
		h.logger.Warn("presence heartbeat failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_write_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeave(c *gin.Context) {
	userID, resource, ok := h.presenceScope(c)
	if !ok {
		return
	}

	if err := h.presence.Delete(c.Request.Context(), userID, resource); err != nil {
		h.logger.Warn("presence leave failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListActive(c *gin.Context) {
	userID, resource, ok := h.presenceScope(c)
	if !ok {
		return
	}

	records, err := h.presence.ListActive(c.Request.Context(), resource)
	if err != nil {
		h.logger.Error("active user listing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "presence_query_failed"})
		return
	}

	response := activeUsersResponsePayload{Users: make([]activeUserPayload, 0, len(records))}
	for _, record := range records {
		if record.UserID == userID {
			continue
		}
		identity, err := h.profiles.Resolve(c.Request.Context(), record.UserID)
		if err != nil {
			identity = presence.DefaultIdentity()
		}
		response.Users = append(response.Users, activeUserPayload{
			UserID:    record.UserID,
			Nickname:  identity.Nickname,
			Color:     identity.Color,
			IsActive:  record.IsActive,
			LastSeenS: record.LastSeenSeconds,
			Cursor:    record.Cursor(),
			Selection: record.Selection(),
		})
	}
	c.JSON(http.StatusOK, response)
}

type profileResponsePayload struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
}

type profileUpdatePayload struct {
	Nickname string `json:"nickname"`
	Color    string `json:"color"`
}

func (h *httpHandler) handleGetProfile(c *gin.Context) {
	requested := strings.TrimSpace(c.Param("id"))
	if requested == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	identity, err := h.profiles.Resolve(c.Request.Context(), requested)
	if err != nil {
		identity = presence.DefaultIdentity()
	}
	c.JSON(http.StatusOK, profileResponsePayload{
		UserID:   requested,
		Nickname: identity.Nickname,
		Color:    identity.Color,
	})
}

func (h *httpHandler) handlePutProfile(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request profileUpdatePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.profiles.Upsert(c.Request.Context(), userID, request.Nickname, request.Color)
	if err != nil {
		if errors.Is(err, profile.ErrInvalidColor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_color"})
			return
		}
		h.logger.Error("profile update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "profile_update_failed"})
		return
	}
	c.JSON(http.StatusOK, profileResponsePayload{
		UserID:   stored.UserID,
		Nickname: stored.Nickname,
		Color:    stored.Color,
	})
}

// presenceScope extracts the authenticated user and the resource reference
// from the request, writing the error response itself on failure.
func (h *httpHandler) presenceScope(c *gin.Context) (string, presence.ResourceRef, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", presence.ResourceRef{}, false
	}
	resource, err := presence.NewResourceRef(c.Param("kind"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resource"})
		return "", presence.ResourceRef{}, false
	}
	return userID, resource, true
}

// authorizeRequest accepts the token from the Authorization header or, for
// EventSource clients that cannot set headers, the access_token query value.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}

	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
