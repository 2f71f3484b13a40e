// Package admin serves the HTTP control surface of a regsync node: health,
// Prometheus metrics, registry inspection, link state, and manual reload and
// sync triggers.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/regsync/internal/auth"
	"github.com/danmuck/regsync/internal/codec"
	"github.com/danmuck/regsync/internal/ident"
	"github.com/danmuck/regsync/internal/logging"
	"github.com/danmuck/regsync/internal/observability"
	"github.com/danmuck/regsync/internal/registry"
	"github.com/danmuck/regsync/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const Version = "0.1.0"

// Registry is the read-only view the admin surface needs of a registry.
type Registry interface {
	Info() registry.Info
	Document(id ident.ID) (codec.Payload, bool, error)
}

// Links reports the live links of one hub.
type Links interface {
	ID() transport.PeerID
	Snapshot() []transport.PeerInfo
}

type Config struct {
	Node        string
	Addr        string
	CORSOrigins []string
	Logger      *zerolog.Logger
	// Reload re-reads local sources. Nil disables POST /reload.
	Reload func(context.Context) error
	// Sync pushes every synced registry to connected peers. Nil disables
	// POST /sync.
	Sync func(context.Context) error
	// Actions guards the POST routes. Nil leaves them open.
	Actions auth.Validator
}

type Server struct {
	cfg     Config
	logger  zerolog.Logger
	router  *gin.Engine
	started time.Time

	mu         sync.RWMutex
	registries []Registry
	hubs       []Links
}

func New(cfg Config) *Server {
	observability.RegisterMetrics()
	logger := logging.Component("admin")
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "admin").Logger()
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(logger))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		router:  r,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) AddRegistry(r Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registries = append(s.registries, r)
}

func (s *Server) AddLinks(l Links) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hubs = append(s.hubs, l)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("admin listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"node":    s.cfg.Node,
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := true
		for _, r := range s.snapshotRegistries() {
			if r.Info().Reloading {
				ready = false
				break
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"ready": ready, "node": s.cfg.Node})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/registries", func(c *gin.Context) {
		regs := s.snapshotRegistries()
		infos := make([]registry.Info, 0, len(regs))
		for _, r := range regs {
			infos = append(infos, r.Info())
		}
		c.JSON(http.StatusOK, gin.H{"registries": infos})
	})

	s.router.GET("/registries/*path", s.getRegistry)

	s.router.GET("/peers", func(c *gin.Context) {
		hubs := s.snapshotHubs()
		out := make(map[string][]transport.PeerInfo, len(hubs))
		for _, h := range hubs {
			out[string(h.ID())] = h.Snapshot()
		}
		c.JSON(http.StatusOK, gin.H{"hubs": out})
	})

	s.router.POST("/reload", s.trigger("reload", s.cfg.Reload))
	s.router.POST("/sync", s.trigger("sync", s.cfg.Sync))
}

// getRegistry returns a registry summary, or with ?id= one entry in file form.
func (s *Server) getRegistry(c *gin.Context) {
	path := strings.Trim(c.Param("path"), "/")
	r, ok := s.findRegistry(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "registry not found"})
		return
	}
	raw := c.Query("id")
	if raw == "" {
		c.JSON(http.StatusOK, r.Info())
		return
	}
	id, err := ident.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	doc, found, err := r.Document(id)
	switch {
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	case !found:
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	default:
		c.Data(http.StatusOK, "application/json", doc)
	}
}

func (s *Server) trigger(name string, fn func(context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if fn == nil {
			c.JSON(http.StatusNotImplemented, gin.H{"error": name + " is not available on this node"})
			return
		}
		if err := auth.Check(s.cfg.Actions, c.GetHeader("Authorization")); err != nil {
			s.logger.Warn().Err(err).Str("action", name).Str("client_ip", c.ClientIP()).Msg("admin action denied")
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		if err := fn(c.Request.Context()); err != nil {
			s.logger.Error().Err(err).Str("action", name).Msg("admin action failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		s.logger.Info().Str("action", name).Msg("admin action executed")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

func (s *Server) findRegistry(path string) (Registry, bool) {
	for _, r := range s.snapshotRegistries() {
		if r.Info().Path == path {
			return r, true
		}
	}
	return nil, false
}

func (s *Server) snapshotRegistries() []Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Registry(nil), s.registries...)
}

func (s *Server) snapshotHubs() []Links {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Links(nil), s.hubs...)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
