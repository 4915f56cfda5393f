package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/arbornet/arbor/internal/engine"
	"github.com/arbornet/arbor/internal/feedback"
	"github.com/arbornet/arbor/internal/store"
	"github.com/arbornet/arbor/internal/validation"
	"github.com/arbornet/arbor/pkg/schema"
)

// Runner executes and resumes workflow runs. Satisfied by the interpreter.
type Runner interface {
	Execute(ctx context.Context, run *store.Run) (*engine.RunResult, error)
	Resume(ctx context.Context, runID string) (*engine.RunResult, error)
}

// MemoryAPI is the working-memory surface exposed over MCP.
// Satisfied by *store.WorkingMemory.
type MemoryAPI interface {
	Read(ctx context.Context, runID, key string) (any, bool, error)
	ReadTier(ctx context.Context, runID, key string, tier schema.MemoryTier) (any, bool, error)
	Write(ctx context.Context, rec *schema.MemoryRecord) error
	Snapshot(ctx context.Context, runID string) (map[string]any, error)
	History(ctx context.Context, runID, key string) ([]*schema.MemoryRecord, error)
}

// FeedbackAPI drains queued feedback for a run. Satisfied by
// *feedback.Coordinator.
type FeedbackAPI interface {
	ProcessQueue(ctx context.Context, runID string) ([]feedback.Resolution, error)
}

// ArborServerDeps holds the dependencies for creating an ArborServer.
type ArborServerDeps struct {
	Store       store.Store
	Interpreter Runner
	Memory      MemoryAPI
	Feedback    FeedbackAPI
	Validator   *validation.Validator
	Logger      *slog.Logger
}

// ArborServer wraps an MCP server with arbor-specific tool handlers.
type ArborServer struct {
	store     store.Store
	interp    Runner
	memory    MemoryAPI
	feedback  FeedbackAPI
	validator *validation.Validator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewArborServer creates a new ArborServer with all tools registered.
func NewArborServer(deps ArborServerDeps) *ArborServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ArborServer{
		store:     deps.Store,
		interp:    deps.Interpreter,
		memory:    deps.Memory,
		feedback:  deps.Feedback,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"arbor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Arbor executes declarative workflow trees. Use arbor.run to execute a workflow definition, arbor.status to inspect a run, arbor.resume to continue an interrupted run, arbor.feedback to inspect or process fix cycles, arbor.memory to read or write working memory, arbor.schedule to register cron jobs, and arbor.query to list runs/events/jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *ArborServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ArborServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *ArborServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: feedbackTool(), Handler: s.handleFeedback},
		{Tool: memoryTool(), Handler: s.handleMemory},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("arbor.run",
		mcp.WithDescription("Validate and execute a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (name + root node tree)")),
		mcp.WithObject("params", mcp.Description("Input parameters exposed to expression conditions under 'run'")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("arbor.status",
		mcp.WithDescription("Get a run's status and per-node states"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("arbor.resume",
		mcp.WithDescription("Resume an interrupted run by replaying its event log; completed nodes are not re-executed"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func feedbackTool() mcp.Tool {
	return mcp.NewTool("arbor.feedback",
		mcp.WithDescription("List feedback messages (fix cycles) for a run, or process its queued messages"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("action",
			mcp.Enum("list", "process"),
			mcp.Description("list (default) returns messages; process drains the queued ones through fix cycles"),
		),
		mcp.WithString("from_node", mcp.Description("Filter by verifier node (list only)")),
		mcp.WithString("to_node", mcp.Description("Filter by target node (list only)")),
	)
}

func memoryTool() mcp.Tool {
	return mcp.NewTool("arbor.memory",
		mcp.WithDescription("Read or write tiered working memory"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("read", "write", "snapshot", "history"),
			mcp.Description("Memory operation"),
		),
		mcp.WithString("key", mcp.Description("Fact key (required for read, write, history)")),
		mcp.WithString("tier", mcp.Enum("session", "durable"),
			mcp.Description("For read: restrict to one tier instead of the merged view"),
		),
		mcp.WithObject("record", mcp.Description("For write: {value, tier, ttl_seconds, confidence, source}")),
		mcp.WithString("run_id", mcp.Description("Run scope; required for session-tier writes and snapshots")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("arbor.schedule",
		mcp.WithDescription("Register a cron-scheduled workflow job"),
		mcp.WithString("workflow_name", mcp.Required(), mcp.Description("Name of a registered workflow")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Standard 5-field cron expression")),
		mcp.WithObject("params", mcp.Description("Parameters passed to each scheduled run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("arbor.query",
		mcp.WithDescription("Query runs, events, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow_name, since, limit, event_type, run_id, node_id, enabled)")),
	)
}
