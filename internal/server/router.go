package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/marque/internal/auth"
	"github.com/MarcoPoloResearchLab/marque/internal/bookmarks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "marque_user_id"
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingGoogleVerifier  = errors.New("google verifier dependency required")
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingBookmarkService = errors.New("bookmark service dependency required")
	errMissingUserService     = errors.New("user service dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

type GoogleVerifier interface {
	Verify(ctx context.Context, token string) (auth.GoogleClaims, error)
}

type BackendTokenManager interface {
	IssueBackendToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

type UserResolver interface {
	ResolveCanonicalUserID(claims auth.GoogleClaims) (string, error)
}

type Dependencies struct {
	GoogleVerifier  GoogleVerifier
	TokenManager    BackendTokenManager
	Users           UserResolver
	BookmarkService *bookmarks.Service
	Realtime        *RealtimeDispatcher
	Logger          *zap.Logger
	AllowedOrigins  []string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.GoogleVerifier == nil {
		return nil, errMissingGoogleVerifier
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.BookmarkService == nil {
		return nil, errMissingBookmarkService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Realtime
	if dispatcher == nil {
		dispatcher = NewRealtimeDispatcher()
	}

	corsConfig := cors.Config{
		AllowOrigins: deps.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig))

	handler := &httpHandler{
		verifier:   deps.GoogleVerifier,
		tokens:     deps.TokenManager,
		users:      deps.Users,
		bookmarks:  deps.BookmarkService,
		dispatcher: dispatcher,
		logger:     logger,
	}

	router.POST("/auth/google", handler.handleGoogleAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/bookmarks", handler.handleListBookmarks)
	protected.POST("/bookmarks", handler.handleCreateBookmark)
	protected.DELETE("/bookmarks/:id", handler.handleDeleteBookmark)
	protected.GET("/bookmarks/stream", handler.handleBookmarkStream)

	return router, nil
}

type httpHandler struct {
	verifier   GoogleVerifier
	tokens     BackendTokenManager
	users      UserResolver
	bookmarks  *bookmarks.Service
	dispatcher *RealtimeDispatcher
	logger     *zap.Logger
}

type authRequestPayload struct {
	IDToken string `json:"id_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	UserID      string `json:"user_id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (h *httpHandler) handleGoogleAuth(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	claims, err := h.verifier.Verify(c.Request.Context(), request.IDToken)
	if err != nil {
		h.logger.Warn("google token verification failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID, err := h.users.ResolveCanonicalUserID(claims)
	if err != nil {
		h.logger.Error("failed to resolve canonical user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "identity_resolution_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueBackendToken(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		UserID:      userID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
	})
}

type bookmarkPayload struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	URL            string `json:"url"`
	OwnerID        string `json:"owner_id"`
	CreatedAtNanos int64  `json:"created_at_ns"`
}

type bookmarkListPayload struct {
	Bookmarks []bookmarkPayload `json:"bookmarks"`
}

type createBookmarkPayload struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func (h *httpHandler) handleListBookmarks(c *gin.Context) {
	ownerID, ok := h.requestOwner(c)
	if !ok {
		return
	}

	rows, err := h.bookmarks.List(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("failed to list bookmarks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := bookmarkListPayload{Bookmarks: make([]bookmarkPayload, 0, len(rows))}
	for _, row := range rows {
		response.Bookmarks = append(response.Bookmarks, bookmarkPayload{
			ID:             row.BookmarkID,
			Title:          row.Title,
			URL:            row.URL,
			OwnerID:        row.OwnerID,
			CreatedAtNanos: row.CreatedAtNanos,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreateBookmark(c *gin.Context) {
	ownerID, ok := h.requestOwner(c)
	if !ok {
		return
	}

	var request createBookmarkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	row, err := h.bookmarks.Create(c.Request.Context(), ownerID, request.Title, request.URL)
	if err != nil {
		if bookmarks.IsValidationFailure(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bookmark"})
			return
		}
		h.logger.Error("failed to create bookmark", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}

	h.dispatcher.Publish(RealtimeMessage{
		UserID:      ownerID.String(),
		EventType:   RealtimeEventBookmarkChanged,
		BookmarkIDs: []string{row.BookmarkID},
		Timestamp:   time.Now().UTC(),
	})

	c.JSON(http.StatusCreated, bookmarkPayload{
		ID:             row.BookmarkID,
		Title:          row.Title,
		URL:            row.URL,
		OwnerID:        row.OwnerID,
		CreatedAtNanos: row.CreatedAtNanos,
	})
}

func (h *httpHandler) handleDeleteBookmark(c *gin.Context) {
	ownerID, ok := h.requestOwner(c)
	if !ok {
		return
	}

	bookmarkID, err := bookmarks.NewBookmarkID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bookmark_id"})
		return
	}

	removed, err := h.bookmarks.Delete(c.Request.Context(), ownerID, bookmarkID)
	if err != nil {
		h.logger.Error("failed to delete bookmark", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}

	if removed {
		h.dispatcher.Publish(RealtimeMessage{
			UserID:      ownerID.String(),
			EventType:   RealtimeEventBookmarkChanged,
			BookmarkIDs: []string{bookmarkID.String()},
			Timestamp:   time.Now().UTC(),
		})
	}

	// Deleting an absent id still reports success.
	c.Status(http.StatusNoContent)
}

type streamEventPayload struct {
	BookmarkIDs []string `json:"bookmarkIds"`
}

func (h *httpHandler) handleBookmarkStream(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			if err := writeStreamEvent(c, realtimeEventHeartbeat, streamEventPayload{}); err != nil {
				return
			}
		case message, open := <-stream:
			if !open {
				return
			}
			if err := writeStreamEvent(c, message.EventType, streamEventPayload{BookmarkIDs: message.BookmarkIDs}); err != nil {
				return
			}
		}
	}
}

func writeStreamEvent(c *gin.Context, eventType string, payload streamEventPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := c.Writer.WriteString("event: " + eventType + "\n"); err != nil {
		return err
	}
	if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (h *httpHandler) requestOwner(c *gin.Context) (bookmarks.OwnerID, bool) {
	ownerID, err := bookmarks.NewOwnerID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return ownerID, true
}

// authorizeRequest accepts a bearer token, or an access_token query parameter
// for the event stream where custom headers are unavailable.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case c.Query("access_token") != "":
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine churn, not operator-actionable.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}
