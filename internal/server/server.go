// Package server exposes the evolver operations over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/evolver/internal/catalog"
	"github.com/shepherd-project/evolver/internal/logger"
	"github.com/shepherd-project/evolver/internal/monitor"
	"github.com/shepherd-project/evolver/internal/service"
	"github.com/shepherd-project/evolver/internal/tasks"
	"github.com/shepherd-project/evolver/internal/websocket"
)

// TaskService submits and polls operations. *service.Service implements it.
type TaskService interface {
	SubmitGenerate(req service.GenerateRequest) (tasks.Handle, error)
	SubmitMerge(req service.MergeRequest) (tasks.Handle, error)
	SubmitListModels(scope string) (tasks.Handle, error)
	SubmitClearSession(scope string) (tasks.Handle, error)
	PollStatus(h tasks.Handle) (tasks.Status, error)
}

// CatalogStatus reports the base catalog. *catalog.Catalog implements it.
type CatalogStatus interface {
	Status() catalog.Status
}

// QueueStats reports queue counters. *tasks.Queue implements it.
type QueueStats interface {
	Stats() tasks.Stats
}

// ResourceProbe samples host resources. *monitor.ResourceMonitor implements it.
type ResourceProbe interface {
	Latest(ctx context.Context) *monitor.Resources
}

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	GinMode      string

	SessionTTL   time.Duration
	CookieName   string
	CookieSecure bool

	CORSEnabled    bool
	AllowedOrigins []string
}

// Deps are the collaborators the routes call into. Catalog, Queue, Resources
// and Hub are optional.
type Deps struct {
	Service   TaskService
	Catalog   CatalogStatus
	Queue     QueueStats
	Resources ResourceProbe
	Hub       *websocket.Hub
	Logger    *logger.Logger
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     *Config
	deps       Deps
	log        *logger.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if deps.Service == nil {
		return nil, errors.New("server needs a task service")
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "session_id"
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = time.Hour
	}

	s := &Server{config: cfg, deps: deps, log: deps.Logger}
	if s.log == nil {
		s.log = logger.GetLogger()
	}

	switch cfg.GinMode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.GinMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(requestID(), recovery(s.log))
	if s.config.CORSEnabled {
		s.engine.Use(cors(s.config.AllowedOrigins))
	}
	s.engine.Use(requestLogger(s.log))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	session := s.engine.Group("/", s.sessionMiddleware())
	{
		session.POST("/generate", s.handleGenerate)
		session.POST("/merge", s.handleMerge)
		session.POST("/list_models", s.handleListModels)
		session.POST("/clear_session", s.handleClearSession)
	}
	s.engine.GET("/tasks/:id", s.handleTaskStatus)

	api := s.engine.Group("/api")
	{
		api.GET("/info", s.handleInfo)
		if s.deps.Hub != nil {
			api.GET("/events", gin.WrapH(s.deps.Hub))
		}
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	srv := s.httpServer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Infof("HTTP server listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
		s.log.Info("HTTP server stopped")
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires, then closes remaining connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.log.Info("shutting down HTTP server")
	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.WithError(err).Warn("graceful shutdown timed out, closing connections")
		srv.Close()
	}
	s.wg.Wait()
	return err
}

// GetEngine returns the Gin engine (for testing)
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}
