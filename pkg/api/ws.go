package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/pkg/model"
)

// taskReport is the payload agents send back on a response message after
// finishing an assigned task.
type taskReport struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// attachAgent upgrades the connection and pumps inbound frames until the
// agent goes away. The agent must be registered first; its id comes from the
// agentId query parameter.
func (s *Server) attachAgent(c *gin.Context) {
	agentID := c.Query("agentId")
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agentId query parameter required"})
		return
	}
	if _, err := s.deps.Registry.Agent(agentID); err != nil {
		writeError(c, err)
		return
	}

	ws, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "agent_id", agentID, "error", err)
		return
	}

	// The connection is hijacked at this point, errors go over the socket.
	if err := s.deps.Conns.Attach(agentID, ws); err != nil {
		ws.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}

	s.readLoop(agentID, ws)
}

func (s *Server) readLoop(agentID string, ws *websocket.Conn) {
	ctx := context.Background()
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			s.deps.Conns.Detach(agentID)
			return
		}

		var msg model.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Dropping malformed frame", "agent_id", agentID, "error", err)
			continue
		}
		msg.From = agentID
		s.handleInbound(ctx, &msg)
	}
}

// handleInbound dispatches one frame from a connected agent. Responses ack
// the correlated delivery and, when they carry a task report, close out the
// assignment; everything else is relayed through the router.
func (s *Server) handleInbound(ctx context.Context, msg *model.Message) {
	if msg.Type == model.MessageResponse {
		if msg.CorrelationID != "" {
			s.deps.Router.Ack(msg.CorrelationID)
		}
		var report taskReport
		if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &report) == nil && report.TaskID != "" {
			s.closeAssignment(ctx, report)
		}
		return
	}

	if len(msg.To) == 0 && msg.Channel == "" {
		slog.Debug("Ignoring unaddressed frame", "from", msg.From, "type", msg.Type)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.deps.Router.Send(sendCtx, msg); err != nil {
		slog.Warn("Relay failed", "from", msg.From, "error", err)
	}
}

func (s *Server) closeAssignment(ctx context.Context, report taskReport) {
	var err error
	switch report.Status {
	case "completed", "":
		err = s.deps.Conductor.HandleCompletion(ctx, report.TaskID, report.Result)
	default:
		reason := report.Error
		if reason == "" {
			reason = "task failed"
		}
		err = s.deps.Conductor.HandleFailure(ctx, report.TaskID, reason)
	}
	if err != nil {
		slog.Warn("Task report not applied", "task_id", report.TaskID, "status", report.Status, "error", err)
	}
}
