package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/streaming"
)

// API is the stepflow service surface exposed as MCP tools.
type API interface {
	Start(ctx context.Context, req service.StartRequest) (*service.StartResponse, error)
	Continue(ctx context.Context, taskID, stepID string, input map[string]any) (*service.ContinueResponse, error)
	Status(ctx context.Context, taskID string) (*service.TaskView, error)
	Converse(ctx context.Context, req service.ConverseRequest) (*engine.TurnResult, error)
	Cancel(ctx context.Context, taskID string) error
	Watch(ctx context.Context, taskID string) (<-chan streaming.ProgressEvent, func(), error)
}

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	API     API
	Version string
	Logger  *slog.Logger
}

// StepflowServer wraps an MCP server with the stepflow tool handlers.
type StepflowServer struct {
	api       API
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  AgentNotifier
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a StepflowServer with all 5 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &StepflowServer{
		api:      deps.API,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs multi-step, possibly interactive tasks. Use stepflow.start to plan and start a task, stepflow.status to see where it stands, stepflow.continue to answer the step it is waiting on, stepflow.cancel to stop it, and stepflow.converse to drive a conversation with a registered workflow one turn at a time."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: continueTool(), Handler: s.handleContinue},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: converseTool(), Handler: s.handleConverse},
		{Tool: cancelTool(), Handler: s.handleCancel},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("stepflow.start",
		mcp.WithDescription("Plan and start a task from a free-text request"),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the user wants done")),
		mcp.WithObject("context", mcp.Description("Initial context values for the task")),
		mcp.WithString("workflow_id", mcp.Description("Plan this registered workflow instead of routing the prompt")),
		mcp.WithString("user_id", mcp.Description("ID of the user the task acts for")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the task; receives progress notifications")),
	)
}

func continueTool() mcp.Tool {
	return mcp.NewTool("stepflow.continue",
		mcp.WithDescription("Answer the step a task is waiting on and resume it"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the halted task")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the step the task is halted at")),
		mcp.WithObject("user_input", mcp.Required(), mcp.Description("Values supplied by the user")),
		mcp.WithString("agent_id", mcp.Description("ID of the resuming agent")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the plan, status and results of a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to query")),
	)
}

func converseTool() mcp.Tool {
	return mcp.NewTool("stepflow.converse",
		mcp.WithDescription("Run one conversation turn against a registered workflow"),
		mcp.WithString("session_id", mcp.Description("Conversation ID; omit to start a new conversation")),
		mcp.WithString("user_input", mcp.Description("The user's reply to the last system message")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to converse with (required for a new conversation)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.cancel",
		mcp.WithDescription("Cancel a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task to cancel")),
	)
}
