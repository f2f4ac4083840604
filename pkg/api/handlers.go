package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/engine"
	"github.com/agentplane/agentplane/pkg/model"
	"github.com/agentplane/agentplane/pkg/registry"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"agents":      len(s.deps.Registry.Agents()),
		"connections": s.deps.Conns.Count(),
	})
}

// --- agents ---

func (s *Server) registerAgent(c *gin.Context) {
	var agent model.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Registry.Register(c.Request.Context(), &agent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listAgents(c *gin.Context) {
	query := registry.Query{Region: c.Query("region")}
	if caps := c.QueryArray("capability"); len(caps) > 0 {
		query.Capabilities = caps
	}
	if tags := c.QueryArray("tag"); len(tags) > 0 {
		query.Tags = tags
	}
	c.JSON(http.StatusOK, s.deps.Registry.Discover(query))
}

func (s *Server) agentStatus(c *gin.Context) {
	id := c.Param("id")
	agent, err := s.deps.Registry.Agent(id)
	if err != nil {
		writeError(c, err)
		return
	}
	degraded, _ := s.deps.Registry.Degraded(id)
	c.JSON(http.StatusOK, gin.H{
		"agent":         agent,
		"connected":     s.deps.Conns.Connected(id),
		"degraded":      degraded,
		"recent_errors": s.deps.Registry.RecentErrors(id),
	})
}

func (s *Server) updateAgent(c *gin.Context) {
	var agent model.Agent
	if err := c.ShouldBindJSON(&agent); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	agent.ID = c.Param("id")
	if err := s.deps.Registry.Update(c.Request.Context(), &agent); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) unregisterAgent(c *gin.Context) {
	if err := s.deps.Registry.Unregister(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- tasks and workflows ---

func (s *Server) submitTask(c *gin.Context) {
	var task model.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Conductor.SubmitTask(c.Request.Context(), &task)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.deps.Queue.Tasks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if status := c.Query("status"); status != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) taskStatus(c *gin.Context) {
	task, err := s.deps.Queue.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) cancelTask(c *gin.Context) {
	if err := s.deps.Conductor.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) submitWorkflow(c *gin.Context) {
	var wf model.Workflow
	if err := c.ShouldBindJSON(&wf); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Conductor.SubmitWorkflow(c.Request.Context(), &wf)
	if err != nil {
		writeError(c, err)
		return
	}
	taskIDs := make([]string, 0, len(wf.Tasks))
	for _, t := range wf.Tasks {
		taskIDs = append(taskIDs, t.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "task_ids": taskIDs})
}

func (s *Server) cancelWorkflow(c *gin.Context) {
	if err := s.deps.Conductor.CancelWorkflow(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- plans ---

// planRecord tracks an in-process plan execution started over the API.
type planRecord struct {
	Status string             `json:"status"`
	Result *engine.PlanResult `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) submitPlan(c *gin.Context) {
	var plan model.ExecutionPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}

	s.planMu.Lock()
	s.planRuns[plan.ID] = &planRecord{Status: "running"}
	s.planMu.Unlock()

	go func() {
		result, err := s.deps.Engine.ExecutePlan(context.Background(), &plan)
		s.planMu.Lock()
		defer s.planMu.Unlock()
		rec := s.planRuns[plan.ID]
		if err != nil {
			rec.Status = "failed"
			rec.Error = err.Error()
			return
		}
		rec.Status = string(result.Status)
		rec.Result = result
	}()

	c.JSON(http.StatusAccepted, gin.H{"id": plan.ID})
}

func (s *Server) planStatus(c *gin.Context) {
	s.planMu.RLock()
	rec, ok := s.planRuns[c.Param("id")]
	s.planMu.RUnlock()
	if !ok {
		writeError(c, engine.ErrPlanNotFound)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelPlan(c *gin.Context) {
	if err := s.deps.Engine.CancelPlan(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- messaging ---

func (s *Server) sendMessage(c *gin.Context) {
	var msg model.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.deps.Router.Send(c.Request.Context(), &msg); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": msg.ID})
}

func (s *Server) createChannel(c *gin.Context) {
	var ch model.Channel
	if err := c.ShouldBindJSON(&ch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Router.CreateChannel(&ch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) joinChannel(c *gin.Context) {
	if err := s.deps.Router.JoinChannel(c.Param("id"), c.Query("agentId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) leaveChannel(c *gin.Context) {
	if err := s.deps.Router.LeaveChannel(c.Param("id"), c.Query("agentId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- lifecycle ---

func (s *Server) registerTemplate(c *gin.Context) {
	var tmpl model.AgentTemplate
	if err := c.ShouldBindJSON(&tmpl); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Lifecycle.RegisterTemplate(&tmpl)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) createDeployment(c *gin.Context) {
	var dep model.Deployment
	if err := c.ShouldBindJSON(&dep); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Lifecycle.CreateDeployment(c.Request.Context(), &dep)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) scaleDeployment(c *gin.Context) {
	var req struct {
		Replicas int    `json:"replicas" binding:"required"`
		Reason   string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if err := s.deps.Lifecycle.Scale(c.Request.Context(), c.Param("id"), req.Replicas, req.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) updateDeployment(c *gin.Context) {
	if err := s.deps.Lifecycle.ApplyUpdate(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deploymentInstances(c *gin.Context) {
	instances, err := s.deps.Lifecycle.Instances(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, instances)
}

func (s *Server) deploymentEvents(c *gin.Context) {
	events, err := s.deps.Lifecycle.ScalingHistory(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) removeDeployment(c *gin.Context) {
	if err := s.deps.Lifecycle.RemoveDeployment(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- optimization rules ---

func (s *Server) addRule(c *gin.Context) {
	var rule model.OptimizationRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.deps.Optimizer.AddRule(&rule)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listRules(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Optimizer.Rules())
}

func (s *Server) removeRule(c *gin.Context) {
	if err := s.deps.Optimizer.RemoveRule(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- system ---

func (s *Server) systemMetrics(c *gin.Context) {
	depths, err := s.deps.Queue.Depths(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	byStatus := map[model.AgentStatus]int{}
	for _, a := range s.deps.Registry.Agents() {
		byStatus[a.Status]++
	}

	c.JSON(http.StatusOK, gin.H{
		"queue":       depths,
		"agents":      byStatus,
		"connections": s.deps.Conns.Count(),
		"pool":        s.deps.Engine.Pool(),
		"resources":   s.deps.Engine.Usage(),
		"assignments": len(s.deps.Conductor.Assignments()),
	})
}

func (s *Server) performanceReport(c *gin.Context) {
	window := time.Hour
	if raw := c.Query("window"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			window = d
		} else if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			window = time.Duration(secs) * time.Second
		}
	}
	c.JSON(http.StatusOK, s.deps.Optimizer.Report(window))
}
