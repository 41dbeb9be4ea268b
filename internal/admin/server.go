package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/danmuck/erlnode/internal/auth"
	"github.com/danmuck/erlnode/internal/dist"
	"github.com/danmuck/erlnode/internal/etf"
	"github.com/danmuck/erlnode/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Node is what the admin API reads from the distribution manager.
type Node interface {
	Name() etf.Atom
	Creation() uint32
	Registered() bool
	Peers() []dist.PeerInfo
	Disconnect(node etf.Atom) bool
}

// Config for the operator HTTP API.
type Config struct {
	Addr        string
	CORSOrigins []string
	// Token guards mutating routes when set.
	Token string
}

// Server is the operator HTTP API: health, readiness, peers and metrics.
type Server struct {
	cfg      Config
	node     Node
	router   *gin.Engine
	appeared time.Time
}

func New(cfg Config, node Node) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, "/health", "/metrics"))
	r.Use(observability.RequestMetricsMiddleware(string(node.Name())))
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowMethods: []string{"GET", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, node: node, router: r, appeared: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.node.Name(),
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.node.Registered() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    status == http.StatusOK,
			"node":     s.node.Name(),
			"creation": s.node.Creation(),
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/peers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"peers": s.node.Peers()})
	})

	s.router.DELETE("/peers/:name", s.requireToken(), func(c *gin.Context) {
		name := c.Param("name")
		if !s.node.Disconnect(etf.Atom(name)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "peer not connected"})
			return
		}
		log.Info().Str("peer", name).Msg("peer disconnected by operator")
		c.JSON(http.StatusOK, gin.H{"status": "disconnected", "peer": name})
	})
}

func (s *Server) requireToken() gin.HandlerFunc {
	if s.cfg.Token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	v := auth.StaticToken{Token: s.cfg.Token}
	return func(c *gin.Context) {
		if err := auth.CheckHeader(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

// Serve runs the API on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	}
}

// ListenAndServe listens on the configured address.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("admin api listening")
	return s.Serve(ctx, ln)
}
