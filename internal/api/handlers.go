package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/msageha/tofud/internal/engine"
	"github.com/msageha/tofud/internal/model"
)

type createServiceRequest struct {
	ServiceType string              `json:"serviceType"`
	Config      model.ServiceConfig `json:"config"`
}

// badRequest reports an invalid request body; validation failures on a
// submitted document are the caller's fault, not a missing resource.
func badRequest(c *gin.Context, err error) {
	if errors.Is(err, model.ErrMissingConfiguration) || errors.Is(err, model.ErrInvalidIdentifier) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	abortWithError(c, err)
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.eng.Stats())
}

func (s *Server) listLoops(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"loops": s.eng.Loops()})
}

func (s *Server) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.eng.Jobs()})
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.eng.CancelJob(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTenants(c *gin.Context) {
	tenants, err := s.eng.ListTenants(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	if tenants == nil {
		tenants = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants})
}

func (s *Server) listServices(c *gin.Context) {
	list, err := s.eng.ListServices(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": list})
}

func (s *Server) createService(c *gin.Context) {
	var req createServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key, err := s.eng.CreateService(c.Request.Context(), c.Param("tenant"), req.ServiceType, req.Config)
	if err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key})
}

func (s *Server) cleanupTenant(c *gin.Context) {
	if err := s.eng.CleanupTenant(c.Param("tenant")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putServiceConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := model.ParseServiceConfig(body)
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := s.eng.PutServiceConfig(c.Request.Context(), keyOf(c), *cfg); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) putNetworkConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := keyOf(c)
	cfg, err := model.ParseNetworkConfigFor(body, key.Provider())
	if err != nil {
		badRequest(c, err)
		return
	}
	if _, err := s.eng.PutNetworkConfig(c.Request.Context(), key.Tenant, *cfg); err != nil {
		badRequest(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getNetworkConfig(c *gin.Context) {
	key := keyOf(c)
	cfg, err := s.eng.NetworkConfig(c.Request.Context(), key.Tenant, key.Provider())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) getInfo(c *gin.Context) {
	info, err := s.eng.Info(c.Request.Context(), keyOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) deleteResource(c *gin.Context) {
	force, _ := strconv.ParseBool(c.Query("force"))
	status, err := s.eng.DeleteResource(c.Request.Context(), keyOf(c), engine.DeleteOptions{Force: force})
	if err != nil {
		code := statusCode(err)
		if code == http.StatusInternalServerError && status != nil {
			code = http.StatusConflict
		}
		c.AbortWithStatusJSON(code, gin.H{"error": err.Error(), "status": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": keyOf(c), "status": status})
}

func (s *Server) status(c *gin.Context) {
	status, err := s.eng.Status(c.Request.Context(), keyOf(c))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) runAction(c *gin.Context) {
	action, err := model.ParseAction(c.Param("action"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	key := keyOf(c)

	if c.Query("wait") == "true" {
		status, err := s.eng.Execute(c.Request.Context(), action, key, engine.ExecuteOptions{})
		if err != nil {
			c.AbortWithStatusJSON(statusCode(err), gin.H{"error": err.Error(), "status": status})
			return
		}
		c.JSON(http.StatusOK, status)
		return
	}

	jobID, err := s.eng.Submit(c.Request.Context(), action, key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID, "key": key, "action": action})
}

func (s *Server) startLoop(c *gin.Context) {
	if err := s.eng.StartLoop(c.Request.Context(), keyOf(c)); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true})
}

func (s *Server) stopLoop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"wasActive": s.eng.StopLoop(keyOf(c))})
}
