package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cardfolio/backend/internal/binder"
	"github.com/cardfolio/backend/internal/cloud"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "cardfolio_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingCoordinator   = errors.New("sync coordinator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BackendTokenManager validates the bearer tokens presented by clients.
type BackendTokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	TokenManager BackendTokenManager
	Coordinator  *cloud.SyncCoordinator
	Realtime     *RealtimeDispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.TokenManager,
		coordinator: deps.Coordinator,
		realtime:    realtime,
		logger:      logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/binders", handler.handleListBinders)
	protected.GET("/binders/:binderId", handler.handleDownloadBinder)
	protected.DELETE("/binders/:binderId", handler.handleDeleteBinder)
	protected.POST("/binders/:binderId/sync", handler.handleSyncBinder)
	protected.POST("/binders/:binderId/status", handler.handleSyncStatus)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	tokens      BackendTokenManager
	coordinator *cloud.SyncCoordinator
	realtime    *RealtimeDispatcher
	logger      *zap.Logger
}

type syncRequestPayload struct {
	Binder  binder.Binder `json:"binder"`
	Options struct {
		ForceOverwrite   bool `json:"forceOverwrite"`
		ResolveConflicts bool `json:"resolveConflicts"`
		RetryOnError     bool `json:"retryOnError"`
	} `json:"options"`
}

type syncResponsePayload struct {
	Binder binder.Binder `json:"binder"`
}

type conflictResponsePayload struct {
	Error      string                    `json:"error"`
	Descriptor binder.ConflictDescriptor `json:"descriptor"`
}

func (h *httpHandler) handleSyncBinder(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	binderID := c.Param("binderId")

	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Binder.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.Binder.ID != binderID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "binder_id_mismatch"})
		return
	}

	synced, err := h.coordinator.SyncToCloud(c.Request.Context(), request.Binder, userID, cloud.SyncOptions{
		ForceOverwrite:   request.Options.ForceOverwrite,
		ResolveConflicts: request.Options.ResolveConflicts,
		RetryOnError:     request.Options.RetryOnError,
	})
	if err != nil {
		var conflictErr *cloud.ConflictError
		var authErr *binder.AuthorizationError
		switch {
		case errors.As(err, &conflictErr):
			c.JSON(http.StatusConflict, conflictResponsePayload{
				Error:      "sync_conflict",
				Descriptor: conflictErr.Descriptor,
			})
		case errors.As(err, &authErr):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_owner"})
		default:
			h.logger.Error("binder sync failed", zap.String("binder_id", binderID), zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed"})
		}
		return
	}

	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventBinderChanged,
		BinderIDs: []string{synced.ID},
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, syncResponsePayload{Binder: synced})
}

func (h *httpHandler) handleDownloadBinder(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	binderID := c.Param("binderId")

	downloaded, err := h.coordinator.DownloadFromCloud(c.Request.Context(), binderID, userID)
	if err != nil {
		var notFound *cloud.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "binder_not_found"})
			return
		}
		h.logger.Error("binder download failed", zap.String("binder_id", binderID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "download_failed"})
		return
	}
	c.JSON(http.StatusOK, syncResponsePayload{Binder: downloaded})
}

func (h *httpHandler) handleListBinders(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	binders, err := h.coordinator.ListAllCloudBinders(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("binder listing failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"binders": binders})
}

func (h *httpHandler) handleDeleteBinder(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	binderID := c.Param("binderId")

	if err := h.coordinator.DeleteFromCloud(c.Request.Context(), binderID, userID); err != nil {
		var notFound *cloud.NotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "binder_not_found"})
			return
		}
		h.logger.Error("binder delete failed", zap.String("binder_id", binderID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "delete_failed"})
		return
	}

	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventBinderChanged,
		BinderIDs: []string{binderID},
		Deleted:   true,
		Timestamp: time.Now().UTC(),
	})
	c.JSON(http.StatusOK, gin.H{"deleted": binderID})
}

func (h *httpHandler) handleSyncStatus(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	binderID := c.Param("binderId")

	var request struct {
		Binder binder.Binder `json:"binder"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.Binder.ID != binderID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	report, err := h.coordinator.CheckSyncStatus(c.Request.Context(), request.Binder, userID)
	if err != nil {
		h.logger.Error("sync status check failed", zap.String("binder_id", binderID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "status_failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type eventPayload struct {
	Source    string   `json:"source"`
	BinderIDs []string `json:"binderIds"`
	Deleted   bool     `json:"deleted"`
	Timestamp string   `json:"timestamp"`
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), userID)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, eventPayload{
				Source:    realtimeSourceBackend,
				BinderIDs: message.BinderIDs,
				Deleted:   message.Deleted,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339),
			})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
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
