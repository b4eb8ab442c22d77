package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"streamcheck/internal/config"
	"streamcheck/internal/orchestrator"
	"streamcheck/internal/scenario"
)

type scenarioInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Signing     bool   `json:"signing"`
	Encryption  string `json:"encryption"`
	RotateEvery int    `json:"rotateEvery,omitempty"`
	RevokeEvery int    `json:"revokeEvery,omitempty"`
	Grouping    string `json:"grouping"`
}

// handleListScenarios handles the list_scenarios MCP tool
func (s *Server) handleListScenarios(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var list []scenarioInfo
	for _, sc := range scenario.Catalog() {
		list = append(list, scenarioInfo{
			Name:        sc.Name(),
			Description: sc.Description,
			Signing:     sc.Signing,
			Encryption:  sc.Encryption.String(),
			RotateEvery: sc.RotateEvery,
			RevokeEvery: sc.RevokeEvery,
			Grouping:    sc.Grouping.String(),
		})
	}

	jsonData, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format scenarios: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// handleRunScenario handles the run_scenario MCP tool
func (s *Server) handleRunScenario(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	name, ok := args["scenario"].(string)
	if !ok || name == "" {
		return mcp.NewToolResultError("scenario parameter is required"), nil
	}

	cfg, err := s.configFor(args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.logger.Info("Agent", "Running scenario %s", name)
	result, err := s.run(ctx, name, cfg, orchestrator.Options{Logger: s.logger})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Scenario run failed: %v", err)), nil
	}

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()

	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// handleGetLastResult handles the get_last_result MCP tool
func (s *Server) handleGetLastResult(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	result := s.lastResult
	s.mu.Unlock()

	if result == nil {
		return mcp.NewToolResultText("No scenario has been run yet"), nil
	}
	jsonData, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonData)), nil
}

// configFor applies tool arguments to the base configuration. Runs started
// through MCP are always bounded.
func (s *Server) configFor(args map[string]any) (config.Config, error) {
	cfg := s.base
	cfg.Publish.Unbounded = false
	// the report goes back to the caller, not to disk
	cfg.Run.ReportDir = ""

	if v, ok := args["messages"].(float64); ok {
		if v < 1 {
			return cfg, fmt.Errorf("messages must be positive")
		}
		cfg.Publish.MaxMessages = int(v)
	}
	if cfg.Publish.MaxMessages == 0 {
		return cfg, fmt.Errorf("unbounded runs are not available through MCP; set messages")
	}
	if v, ok := args["min_interval_ms"].(float64); ok {
		cfg.Publish.MinInterval = time.Duration(v) * time.Millisecond
	}
	if v, ok := args["max_interval_ms"].(float64); ok {
		cfg.Publish.MaxInterval = time.Duration(v) * time.Millisecond
	}

	counts := []struct {
		arg string
		dst *int
	}{
		{"native_publishers", &cfg.Participants.NativePublishers},
		{"alternate_publishers", &cfg.Participants.AlternatePublishers},
		{"native_subscribers", &cfg.Participants.NativeSubscribers},
		{"alternate_subscribers", &cfg.Participants.AlternateSubscribers},
	}
	for _, c := range counts {
		if v, ok := args[c.arg].(float64); ok {
			*c.dst = int(v)
		}
	}

	if v, ok := args["verify"].(bool); ok {
		cfg.Verify = v
	}
	return cfg, cfg.Validate()
}
