// Package httpapi serves the coordinator over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/screening-queue/internal/cache"
	"github.com/ChuLiYu/screening-queue/internal/controller"
	"github.com/ChuLiYu/screening-queue/internal/store"
	"github.com/ChuLiYu/screening-queue/pkg/types"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Coordinator is what the HTTP surface needs from the coordinator.
type Coordinator interface {
	Submit(ctx context.Context, id types.JobID, criteria types.Criteria, total int) (*types.Job, error)
	Screen(ctx context.Context, id types.JobID, criteria types.Criteria) (*types.Job, error)
	GetStatus(id types.JobID) (types.StatusSnapshot, error)
	ListStatus() []types.StatusSnapshot
	GetAgentStatus() types.AgentStatus
	Abort(ctx context.Context, id types.JobID, reason string) (types.StatusSnapshot, error)
	Summary(id types.JobID) (types.Summary, error)
	Health() controller.Health
}

var _ Coordinator = (*controller.Coordinator)(nil)

// Config configures the router.
type Config struct {
	AllowedOrigins []string
	MaxUploadBytes int64

	// Cache holds rendered downloads of completed jobs. Nil disables it.
	Cache    cache.Cache
	CacheTTL time.Duration
}

// Server holds the HTTP handlers.
type Server struct {
	coord  Coordinator
	loader store.Loader
	cfg    Config
	log    *slog.Logger
}

// NewServer creates the handlers. loader may be nil, which disables upload.
func NewServer(coord Coordinator, loader store.Loader, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Server{coord: coord, loader: loader, cfg: cfg, log: logger}
}

// Routes builds the gin engine.
func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	api := r.Group("/api")
	api.GET("/health", s.healthHandler)
	api.GET("/agents", s.agentsHandler)
	api.GET("/jobs", s.listJobsHandler)
	api.POST("/upload", s.uploadHandler)
	api.POST("/screen/:id", s.screenHandler)
	api.GET("/status/:id", s.statusHandler)
	api.POST("/jobs/:id/abort", s.abortHandler)
	api.GET("/download/:id", s.downloadHandler)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("HTTP server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}
