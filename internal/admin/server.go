// Package admin exposes the gateway's operational surface: health, metrics,
// circuit breaker and load balancer state, and dynamic instance management.
package admin

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greentrail/gateway/internal/balancer"
	"github.com/greentrail/gateway/internal/circuitbreaker"
	"github.com/greentrail/gateway/internal/middleware"
	"github.com/greentrail/gateway/internal/observability"
	"github.com/greentrail/gateway/internal/registry"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions
var ginModeOnce sync.Once

// Server is the admin HTTP server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	logger     observability.Logger

	registry registry.Registry
	stats    StatsProvider
	balancer balancer.Selector
	breakers *circuitbreaker.Registry
	limiter  *middleware.RateLimiter

	mu      sync.RWMutex
	running bool
}

// StatsProvider reports registry-level statistics for the health endpoint.
type StatsProvider interface {
	Stats() registry.Stats
	View() map[string][]registry.InstanceView
}

// Option is a functional option for configuring the admin server.
type Option func(*Server)

// WithAdminLogger sets the logger for the admin server.
func WithAdminLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRateLimiter replaces the default admin rate limiter.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(s *Server) {
		s.limiter = rl
	}
}

// NewServer creates the admin server on the given address.
func NewServer(
	addr string,
	reg registry.Registry,
	stats StatsProvider,
	sel balancer.Selector,
	breakers *circuitbreaker.Registry,
	opts ...Option,
) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		logger:   observability.NopLogger(),
		registry: reg,
		stats:    stats,
		balancer: sel,
		breakers: breakers,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.limiter == nil {
		s.limiter = middleware.NewRateLimiter(100, 200, true,
			middleware.WithRateLimiterLogger(s.logger),
		)
	}

	s.engine.Use(gin.Recovery(), requestID(), rateLimit(s.limiter))
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// requestID reuses the inbound request id or generates one, and echoes it on
// the response.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Header(middleware.RequestIDHeader, id)
		c.Request = c.Request.WithContext(
			observability.ContextWithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// rateLimit rejects admin requests over the token-bucket budget.
func rateLimit(rl *middleware.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	adm := s.engine.Group("/admin")
	{
		adm.GET("/circuit-breakers", s.handleBreakerStatus)
		adm.POST("/circuit-breakers/reset", s.handleBreakerResetAll)
		adm.POST("/circuit-breakers/:service/reset", s.handleBreakerReset)

		adm.GET("/load-balancer", s.handleBalancerStatus)
		adm.PUT("/load-balancer/strategy", s.handleSetStrategy)

		adm.GET("/services", s.handleServices)
		adm.POST("/services/:service/instances", s.handleRegisterInstance)
		adm.DELETE("/services/:service/instances/:id", s.handleDeregisterInstance)
	}
}

// Engine returns the underlying gin engine, for tests and embedding.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the admin server. It blocks until the listener fails.
func (s *Server) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("admin server starting",
		observability.String("addr", s.httpServer.Addr),
	)

	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// IsRunning reports whether the server has been started.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
