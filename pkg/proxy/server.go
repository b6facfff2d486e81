package proxy

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codeready-toolchain/llmproxy/pkg/apierrors"
	"github.com/codeready-toolchain/llmproxy/pkg/credentials"
	"github.com/codeready-toolchain/llmproxy/pkg/database"
	"github.com/codeready-toolchain/llmproxy/pkg/storage"
	"github.com/codeready-toolchain/llmproxy/pkg/tracing"
	"github.com/codeready-toolchain/llmproxy/pkg/usage"
)

// Server is the Proxy Pipeline's HTTP front door, grounded on the teacher's
// gin-based cmd/tarsy/main.go / pkg/api/handlers.go phase: a single gin
// engine, routes registered once at construction, Start/Shutdown wrapping a
// plain net/http.Server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	cfg          Config
	dbClient     *database.Client
	credentials  *credentials.Store
	storage      *storage.Adapter
	usageTracker *usage.Tracker
	upstream     *UpstreamClient

	analysisEnqueuer AnalysisEnqueuer
	notifier         ErrorNotifier
}

// NewServer wires the Proxy Pipeline's dependencies and registers routes.
func NewServer(cfg Config, dbClient *database.Client, credStore *credentials.Store, adapter *storage.Adapter, tracker *usage.Tracker) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:       engine,
		cfg:          cfg,
		dbClient:     dbClient,
		credentials:  credStore,
		storage:      adapter,
		usageTracker: tracker,
		upstream:     NewUpstreamClient(cfg.UpstreamTimeout, nil),
	}
	s.setupRoutes()
	return s
}

// SetAnalysisEnqueuer wires the optional analysis-job enqueuer (spec.md
// §4.5 step 7). Nil (the default) disables enqueueing.
func (s *Server) SetAnalysisEnqueuer(e AnalysisEnqueuer) {
	s.analysisEnqueuer = e
}

// SetErrorNotifier wires the optional error notification hook.
func (s *Server) SetErrorNotifier(n ErrorNotifier) {
	s.notifier = n
}

// Engine exposes the underlying gin engine so other HTTP surfaces (the
// Analysis API) can be mounted on the same listener instead of standing up
// a second server.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	s.engine.Use(tracingMiddleware())
	s.engine.GET("/health", s.healthHandler)

	authorized := s.engine.Group("/")
	authorized.Use(clientAuthMiddleware(s.credentials, s.cfg.EnableClientAuth))
	authorized.POST("/v1/messages", s.messagesHandler)
	authorized.GET("/token-stats", s.tokenStatsHandler)
}

// healthHandler handles GET /health, mirroring pkg/api/server.go's
// healthHandler shape (database ping + structured status).
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
}

// tokenStatsHandler handles GET /token-stats?account_id=...&window_minutes=...
func (s *Server) tokenStatsHandler(c *gin.Context) {
	accountID := c.Query("account_id")
	if accountID == "" {
		s.respondError(c, apierrors.Validation("account_id query parameter is required", nil))
		return
	}

	windowMinutes := usage.DefaultWindowMinutes
	if raw := c.Query("window_minutes"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			windowMinutes = parsed
		}
	}

	current, err := s.usageTracker.CurrentWindow(c.Request.Context(), accountID, windowMinutes)
	if err != nil {
		s.respondError(c, apierrors.Storage("failed to compute usage window", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account_id":     accountID,
		"window_minutes": windowMinutes,
		"input_tokens":   current.InputTokens,
		"output_tokens":  current.OutputTokens,
		"request_count":  current.RequestCount,
	})
}

// Start runs the HTTP server on cfg.Addr(), blocking until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ServerTimeout,
		WriteTimeout: s.cfg.ServerTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener, used by tests to bind
// an OS-assigned port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ServerTimeout,
		WriteTimeout: s.cfg.ServerTimeout,
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
