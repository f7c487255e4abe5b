package admin

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/greentrail/gateway/internal/observability"
	"github.com/greentrail/gateway/internal/registry"
)

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.stats.Stats()

	status := "ok"
	code := http.StatusOK
	if stats.TotalInstances > 0 && stats.HealthyInstances == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":           status,
		"totalServices":    stats.TotalServices,
		"totalInstances":   stats.TotalInstances,
		"healthyInstances": stats.HealthyInstances,
		"uptimeSeconds":    int64(stats.Uptime / time.Second),
	})
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"circuitBreakers": s.breakers.Stats(),
	})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	service := c.Param("service")
	if !s.breakers.Reset(service) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "no circuit breaker for service",
		})
		return
	}

	s.logger.Info("circuit breaker reset via admin",
		observability.String("service", service),
	)
	c.JSON(http.StatusOK, gin.H{
		"service": service,
		"state":   "closed",
	})
}

func (s *Server) handleBreakerResetAll(c *gin.Context) {
	s.breakers.ResetAll()

	s.logger.Info("all circuit breakers reset via admin")
	c.JSON(http.StatusOK, gin.H{
		"reset": s.breakers.Count(),
	})
}

func (s *Server) handleBalancerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.balancer.Stats())
}

type setStrategyRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

func (s *Server) handleSetStrategy(c *gin.Context) {
	var req setStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "strategy is required",
		})
		return
	}

	if err := s.balancer.SetStrategy(req.Strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	s.logger.Info("load balancing strategy changed via admin",
		observability.String("strategy", req.Strategy),
	)
	c.JSON(http.StatusOK, gin.H{
		"strategy": req.Strategy,
	})
}

func (s *Server) handleServices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"services": s.stats.View(),
	})
}

type registerInstanceRequest struct {
	URL      string            `json:"url" binding:"required"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleRegisterInstance(c *gin.Context) {
	service := c.Param("service")

	var req registerInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "url is required",
		})
		return
	}

	parsed, err := url.Parse(req.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "url must be absolute",
		})
		return
	}

	inst := registry.NewInstance(service, req.URL, req.Version, req.Metadata)
	if err := s.registry.RegisterInstance(inst); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, registry.ErrInstanceExists) {
			code = http.StatusConflict
		}
		c.JSON(code, gin.H{
			"error": err.Error(),
		})
		return
	}

	s.logger.Info("instance registered via admin",
		observability.String("service", service),
		observability.String("instance", inst.ID),
		observability.String("url", req.URL),
	)
	c.JSON(http.StatusCreated, inst.View())
}

func (s *Server) handleDeregisterInstance(c *gin.Context) {
	service := c.Param("service")
	id := c.Param("id")

	if err := s.registry.DeregisterInstance(service, id); err != nil {
		code := http.StatusNotFound
		if !errors.Is(err, registry.ErrInstanceNotFound) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{
			"error": err.Error(),
		})
		return
	}

	s.logger.Info("instance deregistered via admin",
		observability.String("service", service),
		observability.String("instance", id),
	)
	c.Status(http.StatusNoContent)
}
