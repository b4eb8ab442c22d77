// Package agent exposes the scenario catalog and runner as MCP tools, so an
// AI assistant can list scenarios, run them and read their reports.
package agent

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"streamcheck/internal/config"
	"streamcheck/internal/orchestrator"
	"streamcheck/internal/reporting"
	"streamcheck/pkg/logging"
)

// runFunc runs one scenario; replaced in tests.
type runFunc func(ctx context.Context, name string, cfg config.Config, opts orchestrator.Options) (*reporting.Result, error)

// Server serves streamcheck's MCP tools over stdio.
type Server struct {
	base   config.Config
	logger *logging.Logger
	mcp    *server.MCPServer
	run    runFunc

	// one run at a time
	runMu sync.Mutex

	mu         sync.Mutex
	lastResult *reporting.Result
}

// NewServer creates the MCP server. base is the configuration every run
// starts from before tool arguments are applied.
func NewServer(base config.Config, logger *logging.Logger, version string) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		base:   base,
		logger: logger,
		run:    orchestrator.RunScenario,
	}
	s.mcp = server.NewMCPServer(
		"streamcheck",
		version,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("list_scenarios",
		mcp.WithDescription("List the stream scenarios streamcheck can run"),
	), s.handleListScenarios)

	s.mcp.AddTool(mcp.NewTool("run_scenario",
		mcp.WithDescription("Run a stream scenario end to end and return its verification report"),
		mcp.WithString("scenario",
			mcp.Required(),
			mcp.Description("Scenario name, see list_scenarios"),
		),
		mcp.WithNumber("messages",
			mcp.Description("Messages per publisher (default from configuration; must be positive)"),
		),
		mcp.WithNumber("min_interval_ms",
			mcp.Description("Minimum publish interval in milliseconds"),
		),
		mcp.WithNumber("max_interval_ms",
			mcp.Description("Maximum publish interval in milliseconds"),
		),
		mcp.WithNumber("native_publishers", mcp.Description("Publishers using the native client")),
		mcp.WithNumber("alternate_publishers", mcp.Description("Publishers using the alternate client")),
		mcp.WithNumber("native_subscribers", mcp.Description("Subscribers using the native client")),
		mcp.WithNumber("alternate_subscribers", mcp.Description("Subscribers using the alternate client")),
		mcp.WithBoolean("verify",
			mcp.Description("Verify delivery after the run (default true)"),
		),
	), s.handleRunScenario)

	s.mcp.AddTool(mcp.NewTool("get_last_result",
		mcp.WithDescription("Return the result of the most recent run_scenario call"),
	), s.handleGetLastResult)
}

// Start serves requests on stdin and stdout until ctx is cancelled or the
// input is closed.
func (s *Server) Start(ctx context.Context) error {
	return s.Serve(ctx, os.Stdin, os.Stdout)
}

// Serve serves requests on the given streams.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("Agent", "Serving MCP tools over stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}
