package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/flow"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleStart plans and queues a new task.
func (s *StepflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	agentID := req.GetString("agent_id", "")

	resp, startErr := s.api.Start(ctx, service.StartRequest{
		Prompt:     prompt,
		Context:    mcp.ParseStringMap(req, "context", nil),
		UserID:     req.GetString("user_id", ""),
		AgentID:    agentID,
		WorkflowID: req.GetString("workflow_id", ""),
	})
	if startErr != nil {
		return toolError("start failed", startErr), nil
	}

	// Capture session mapping for notifications.
	if agentID != "" && s.captureSession(ctx, agentID) {
		s.follow(ctx, resp.TaskID, agentID)
	}
	return marshalResult(resp)
}

// handleContinue answers a halted step.
func (s *StepflowServer) handleContinue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "user_input", nil)
	if input == nil {
		return mcp.NewToolResultError("user_input is required"), nil
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
	}

	resp, contErr := s.api.Continue(ctx, taskID, stepID, input)
	if contErr != nil {
		return toolError("continue failed", contErr), nil
	}
	return marshalResult(resp)
}

// handleStatus returns the current state of a task.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	view, statusErr := s.api.Status(ctx, taskID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}
	return marshalResult(view)
}

// handleConverse runs one session turn.
func (s *StepflowServer) handleConverse(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	creq := service.ConverseRequest{
		SessionID:  req.GetString("session_id", ""),
		WorkflowID: req.GetString("workflow_id", ""),
	}
	if args := req.GetArguments(); args != nil {
		if v, ok := args["user_input"].(string); ok {
			creq.UserInput = &v
		}
	}
	if creq.SessionID == "" && creq.WorkflowID == "" {
		return mcp.NewToolResultError("workflow_id is required to start a conversation"), nil
	}

	turn, err := s.api.Converse(ctx, creq)
	if err != nil {
		return toolError("converse failed", err), nil
	}
	return marshalResult(turn)
}

// handleCancel cancels a task.
func (s *StepflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}

	if cancelErr := s.api.Cancel(ctx, taskID); cancelErr != nil {
		return toolError("cancel failed", cancelErr), nil
	}
	return marshalResult(map[string]any{
		"ok":      true,
		"task_id": taskID,
	})
}

// --- Internal helpers ---

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *StepflowServer) captureSession(ctx context.Context, agentID string) bool {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.sessions.Register(agentID, session.SessionID())
	return true
}

// follow notifies agentID when the task waits for input or finishes. The
// state is checked once after subscribing so a quick halt is not missed.
func (s *StepflowServer) follow(ctx context.Context, taskID, agentID string) {
	ctx = context.WithoutCancel(ctx)
	ch, stop, err := s.api.Watch(ctx, taskID)
	if err != nil {
		s.logger.DebugContext(ctx, "task progress not followed", slog.String("task_id", taskID), slog.String("error", err.Error()))
		return
	}

	go func() {
		defer stop()
		if view, err := s.api.Status(ctx, taskID); err == nil {
			if payload, done := viewNotification(view); payload != nil {
				s.notify(ctx, agentID, payload)
				if done {
					return
				}
			}
		}
		for event := range ch {
			payload, done := eventNotification(event)
			if payload != nil {
				s.notify(ctx, agentID, payload)
			}
			if done {
				return
			}
		}
	}()
}

func (s *StepflowServer) notify(ctx context.Context, agentID string, payload map[string]any) {
	if err := s.notifier.Notify(ctx, agentID, payload); err != nil {
		s.logger.WarnContext(ctx, "agent notification failed", slog.String("agent_id", agentID), slog.String("error", err.Error()))
	}
}

// eventNotification turns a progress event into a notification payload. done
// reports that the task finished.
func eventNotification(e streaming.ProgressEvent) (payload map[string]any, done bool) {
	switch e.Type {
	case schema.EventTaskComplete, schema.EventTaskError, schema.EventTaskCancelled:
		return map[string]any{"task_id": e.TaskID, "event": e.Type, "status": e.Status}, true
	case schema.EventStep:
		step, ok := e.Payload.(*flow.Step)
		if !ok || step.Type != schema.StepTypeUserInput || step.Status != schema.StepStatusRunning {
			return nil, false
		}
		return map[string]any{
			"task_id": e.TaskID,
			"event":   "waiting_for_input",
			"step_id": step.ID,
			"message": step.Message,
		}, false
	}
	return nil, false
}

func viewNotification(v *service.TaskView) (payload map[string]any, done bool) {
	switch {
	case v.Status.IsTerminal():
		return map[string]any{"task_id": v.TaskID, "event": "task_" + string(v.Status), "status": string(v.Status)}, true
	case v.HaltStepID != "":
		return map[string]any{
			"task_id": v.TaskID,
			"event":   "waiting_for_input",
			"step_id": v.HaltStepID,
			"message": v.HaltMessage,
		}, false
	}
	return nil, false
}

// toolError reports err as a tool error, keeping the FlowError code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		fe := schema.AsFlowError(err, code)
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, fe.Code, fe.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
