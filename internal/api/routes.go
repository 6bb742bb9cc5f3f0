package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/msageha/tofud/internal/blobstore"
	"github.com/msageha/tofud/internal/model"
)

const keyParam = "tofud.key"

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.started).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(s.eng.Metrics().Handler()))
	r.GET("/stats", s.stats)
	r.GET("/loops", s.listLoops)
	r.GET("/jobs", s.listJobs)
	r.DELETE("/jobs/:id", s.cancelJob)

	r.GET("/tenants", s.listTenants)
	r.GET("/tenants/:tenant/services", s.listServices)
	r.POST("/tenants/:tenant/services", s.createService)
	r.DELETE("/tenants/:tenant", s.cleanupTenant)

	svc := r.Group("/tenants/:tenant/services/:resource", resolveKey(serviceKey))
	svc.PUT("/config", s.putServiceConfig)
	s.resourceRoutes(svc)

	netw := r.Group("/tenants/:tenant/networks/:provider", resolveKey(networkKey))
	netw.PUT("/config", s.putNetworkConfig)
	netw.GET("/config", s.getNetworkConfig)
	s.resourceRoutes(netw)
}

// resourceRoutes are shared by services and networks.
func (s *Server) resourceRoutes(g *gin.RouterGroup) {
	g.GET("", s.getInfo)
	g.DELETE("", s.deleteResource)
	g.GET("/status", s.status)
	g.POST("/actions/:action", s.runAction)
	g.POST("/loop", s.startLoop)
	g.DELETE("/loop", s.stopLoop)
	g.GET("/events", s.events)
}

func serviceKey(c *gin.Context) (model.ResourceKey, error) {
	return model.NewResourceKey(c.Param("tenant"), c.Param("resource"))
}

func networkKey(c *gin.Context) (model.ResourceKey, error) {
	key := model.NetworkKey(c.Param("tenant"), c.Param("provider"))
	return key, key.Validate()
}

func resolveKey(fn func(*gin.Context) (model.ResourceKey, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := fn(c)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(keyParam, key)
		c.Next()
	}
}

func keyOf(c *gin.Context) model.ResourceKey {
	return c.MustGet(keyParam).(model.ResourceKey)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidIdentifier), errors.Is(err, model.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrMissingConfiguration), errors.Is(err, model.ErrJobNotFound), errors.Is(err, blobstore.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDependencyMissing), errors.Is(err, model.ErrDependencyNotReady):
		return http.StatusFailedDependency
	case errors.Is(err, model.ErrLockTimeout):
		return http.StatusLocked
	}
	return http.StatusInternalServerError
}

func abortWithError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error()})
}
