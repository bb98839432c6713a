package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/agentpipe/internal/intake"
	"github.com/rendis/agentpipe/internal/store"
	"github.com/rendis/agentpipe/internal/streaming"
	"github.com/rendis/agentpipe/internal/validation"
	"github.com/rendis/agentpipe/pkg/schema"
)

// Intake is the execution surface the tools drive. *intake.Service implements it.
type Intake interface {
	Trigger(ctx context.Context, req *schema.TriggerRequest) (*schema.Execution, error)
	Approve(ctx context.Context, req *schema.ApprovalRequest) (*schema.Execution, error)
	Cancel(ctx context.Context, executionID string) error
	Status(ctx context.Context, executionID string) (*schema.Execution, error)
	Progress(ctx context.Context, executionID string) (map[string]*store.StepProgress, error)
}

var _ Intake = (*intake.Service)(nil)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Intake    Intake
	Store     store.Store
	Validator *validation.PipelineValidator
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server wraps an MCP server with agentpipe tool handlers.
type Server struct {
	intake    Intake
	store     store.Store
	validator *validation.PipelineValidator
	hub       streaming.EventHub
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  Notifier

	mu       sync.Mutex
	watchers map[string]string // executionID → caller
}

// NewServer creates a Server with all 7 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	validator := deps.Validator
	if validator == nil {
		pv, err := validation.NewPipelineValidator(nil)
		if err != nil {
			logger.Error("default validator unavailable", slog.Any("error", err))
		}
		validator = pv
	}

	s := &Server{
		intake:    deps.Intake,
		store:     deps.Store,
		validator: validator,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
		watchers:  make(map[string]string),
	}

	mcpSrv := server.NewMCPServer(
		"agentpipe",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("agentpipe runs pipelines of containerized AI agents. Use agentpipe.define to register a pipeline, agentpipe.trigger to run it, agentpipe.status to follow an execution, agentpipe.approve to decide human approval steps, agentpipe.cancel to stop an execution, agentpipe.validate to check a definition without storing it, and agentpipe.query to list pipelines, executions, events, agents or schedules."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewSessionNotifier(mcpSrv, s.sessions)
	return s
}

// Serve forwards hub events to callers and runs the stdio transport until
// ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		if err := s.Watch(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("agentpipe.trigger",
		mcp.WithDescription("Start an execution of a registered pipeline"),
		mcp.WithString("pipeline_id", mcp.Required(), mcp.Description("ID of the pipeline to execute")),
		mcp.WithObject("input", mcp.Description("Execution input, passed to entry steps")),
		mcp.WithString("triggered_by", mcp.Description("Caller identity recorded on the execution; also receives notifications")),
		mcp.WithString("execution_mode",
			mcp.Enum("sync", "async"),
			mcp.Description("sync waits for the execution to settle (default), async returns at once"),
		),
		mcp.WithObject("overrides", mcp.Description("Global config overrides for this execution only")),
		mcp.WithString("callback_url", mcp.Description("Async only: URL that receives the settled execution record")),
		mcp.WithObject("callback_headers", mcp.Description("Headers sent with the callback POST")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("agentpipe.status",
		mcp.WithDescription("Get execution status"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithBoolean("progress", mcp.Description("Include per-step progress replayed from the event log")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("agentpipe.approve",
		mcp.WithDescription("Decide a human approval step of a suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the suspended execution")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the waiting approval step")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.DecisionApprove), string(schema.DecisionReject)),
			mcp.Description("Approval decision"),
		),
		mcp.WithString("decided_by", mcp.Description("Identity of the approver")),
		mcp.WithString("comment", mcp.Description("Free-form comment stored with the decision")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("agentpipe.cancel",
		mcp.WithDescription("Cancel a running or suspended execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("agentpipe.validate",
		mcp.WithDescription("Validate a pipeline definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition object")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("agentpipe.define",
		mcp.WithDescription("Validate and register a pipeline definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Pipeline definition object")),
		mcp.WithString("triggered_by", mcp.Description("Caller identity")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("agentpipe.query",
		mcp.WithDescription("Query pipelines, executions, events, agents, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("pipelines", "executions", "events", "agents", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (pipeline_id, status, execution_id, event_type, since, limit, enabled)")),
	)
}
