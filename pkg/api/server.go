// Package api exposes the control plane over HTTP: agent registration and
// discovery, task and workflow submission, plan execution, lifecycle
// operations, optimization rules, Prometheus metrics, and the websocket
// agents attach to.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/agentplane/agentplane/pkg/conductor"
	"github.com/agentplane/agentplane/pkg/config"
	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/lifecycle"
	"github.com/agentplane/agentplane/pkg/optimizer"
	"github.com/agentplane/agentplane/pkg/queue"
	"github.com/agentplane/agentplane/pkg/registry"
	"github.com/agentplane/agentplane/pkg/router"
	"github.com/agentplane/agentplane/pkg/store"
	"github.com/agentplane/agentplane/pkg/telemetry"
)

// Deps are the components the API serves.
type Deps struct {
	Config    *config.Config
	Registry  *registry.Registry
	Queue     *queue.Queue
	Conductor *conductor.Conductor
	Router    *router.Router
	Conns     *router.ConnectionManager
	Engine    *engine.Engine
	Lifecycle *lifecycle.Manager
	Optimizer *optimizer.Optimizer
	Metrics   *telemetry.Metrics
}

// Server is the HTTP control surface.
type Server struct {
	deps Deps
	http *http.Server

	planMu   sync.RWMutex
	planRuns map[string]*planRecord
}

// New builds the server and its routes.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	if deps.Config.Server.RateLimit > 0 {
		limiter := rate.NewLimiter(rate.Limit(deps.Config.Server.RateLimit), deps.Config.Server.RateBurst)
		r.Use(func(c *gin.Context) {
			if !limiter.Allow() {
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
				return
			}
			c.Next()
		})
	}

	s := &Server{deps: deps, planRuns: map[string]*planRecord{}}

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/ws", s.attachAgent)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/agents", s.registerAgent)
		v1.GET("/agents", s.listAgents)
		v1.GET("/agents/:id", s.agentStatus)
		v1.PUT("/agents/:id", s.updateAgent)
		v1.DELETE("/agents/:id", s.unregisterAgent)

		v1.POST("/tasks", s.submitTask)
		v1.GET("/tasks", s.listTasks)
		v1.GET("/tasks/:id", s.taskStatus)
		v1.DELETE("/tasks/:id", s.cancelTask)

		v1.POST("/workflows", s.submitWorkflow)
		v1.DELETE("/workflows/:id", s.cancelWorkflow)

		v1.POST("/plans", s.submitPlan)
		v1.GET("/plans/:id", s.planStatus)
		v1.DELETE("/plans/:id", s.cancelPlan)

		v1.POST("/messages", s.sendMessage)
		v1.POST("/channels", s.createChannel)
		v1.POST("/channels/:id/join", s.joinChannel)
		v1.POST("/channels/:id/leave", s.leaveChannel)

		v1.POST("/templates", s.registerTemplate)
		v1.POST("/deployments", s.createDeployment)
		v1.POST("/deployments/:id/scale", s.scaleDeployment)
		v1.POST("/deployments/:id/update", s.updateDeployment)
		v1.GET("/deployments/:id/instances", s.deploymentInstances)
		v1.GET("/deployments/:id/events", s.deploymentEvents)
		v1.DELETE("/deployments/:id", s.removeDeployment)

		v1.POST("/rules", s.addRule)
		v1.GET("/rules", s.listRules)
		v1.DELETE("/rules/:id", s.removeRule)

		v1.GET("/system/metrics", s.systemMetrics)
		v1.GET("/system/report", s.performanceReport)
	}

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	slog.Info("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			return
		}
		slog.Debug("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// writeError maps component sentinel errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, queue.ErrTaskNotFound),
		errors.Is(err, engine.ErrPlanNotFound),
		errors.Is(err, lifecycle.ErrTemplateNotFound),
		errors.Is(err, lifecycle.ErrDeploymentNotFound),
		errors.Is(err, router.ErrChannelNotFound),
		errors.Is(err, optimizer.ErrRuleNotFound),
		errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrInvalidSpec),
		errors.Is(err, queue.ErrInvalidTask),
		errors.Is(err, engine.ErrInvalidPlan),
		errors.Is(err, conductor.ErrInvalidWorkflow),
		errors.Is(err, router.ErrMessageTooLarge):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull),
		errors.Is(err, registry.ErrAtCapacity),
		errors.Is(err, router.ErrTooManyConnections):
		status = http.StatusTooManyRequests
	case errors.Is(err, lifecycle.ErrRolloutInProgress):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
