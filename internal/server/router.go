package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/denuncias/internal/auth"
	"github.com/MarcoPoloResearchLab/denuncias/internal/network"
	"github.com/MarcoPoloResearchLab/denuncias/internal/notify"
	"github.com/MarcoPoloResearchLab/denuncias/internal/queue"
	"github.com/MarcoPoloResearchLab/denuncias/internal/reporting"
	"github.com/MarcoPoloResearchLab/denuncias/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "denuncias_user_id"
	defaultHeartbeatInterval = 25 * time.Second
	wildcardOrigin           = "*"
)

var (
	errMissingQueueStore = errors.New("queue store dependency required")
	errMissingEngine     = errors.New("sync engine dependency required")
	errMissingTrigger    = errors.New("sync trigger dependency required")
	errMissingMonitor    = errors.New("network monitor dependency required")
	errMissingReporter   = errors.New("reporter dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")
	errMissingSessions   = errors.New("session validator dependency required")
)

// Dependencies wires the HTTP API to the agent components.
type Dependencies struct {
	Store             *queue.Store
	Engine            *syncengine.Engine
	Trigger           *syncengine.Trigger
	Monitor           *network.Monitor
	Reporter          *reporting.Reporter
	Dispatcher        *notify.Dispatcher
	Sessions          *auth.SessionValidator
	SessionHolder     *auth.SessionHolder
	IDs               queue.IDProvider
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

// NewHTTPHandler builds the loopback API consumed by the UI shell.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Store == nil:
		return nil, errMissingQueueStore
	case deps.Engine == nil:
		return nil, errMissingEngine
	case deps.Trigger == nil:
		return nil, errMissingTrigger
	case deps.Monitor == nil:
		return nil, errMissingMonitor
	case deps.Reporter == nil:
		return nil, errMissingReporter
	case deps.Dispatcher == nil:
		return nil, errMissingDispatcher
	case deps.Sessions == nil:
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := deps.IDs
	if ids == nil {
		ids = queue.NewUUIDProvider()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		store:      deps.Store,
		engine:     deps.Engine,
		trigger:    deps.Trigger,
		monitor:    deps.Monitor,
		reporter:   deps.Reporter,
		dispatcher: deps.Dispatcher,
		sessions:   deps.Sessions,
		holder:     deps.SessionHolder,
		ids:        ids,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		heartbeat:  heartbeat,
		clock:      clock,
		logger:     logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleLiveness)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/complaints", handler.handleSubmitComplaint)
	protected.GET("/queue", handler.handleListQueue)
	protected.GET("/queue/:id", handler.handleGetQueued)
	protected.DELETE("/queue/:id", handler.handleRemoveQueued)
	protected.DELETE("/queue", handler.handleClearQueue)
	protected.POST("/sync", handler.handleTriggerSync)
	protected.POST("/sync/retry", handler.handleRetryFailed)
	protected.GET("/sync/status", handler.handleSyncStatus)
	protected.GET("/sync/history", handler.handleSyncHistory)
	protected.GET("/health", handler.handleHealth)
	protected.POST("/connectivity", handler.handleConnectivity)
	protected.GET("/events", handler.handleEventStream)
	protected.GET("/events/ws", handler.handleEventSocket)

	return router, nil
}

type httpHandler struct {
	store      *queue.Store
	engine     *syncengine.Engine
	trigger    *syncengine.Trigger
	monitor    *network.Monitor
	reporter   *reporting.Reporter
	dispatcher *notify.Dispatcher
	sessions   *auth.SessionValidator
	holder     *auth.SessionHolder
	ids        queue.IDProvider
	validate   *validator.Validate
	heartbeat  time.Duration
	clock      func() time.Time
	logger     *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	allowAll := false
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == wildcardOrigin {
			allowAll = true
			continue
		}
		origins = append(origins, trimmed)
	}
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowAll || len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, token, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	// Drains deferred for lack of a session start once one arrives.
	if h.holder != nil && h.holder.Remember(token, claims) && h.monitor.IsOnline() {
		h.trigger.Kick(context.WithoutCancel(c.Request.Context()))
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
