package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcheck/internal/config"
	"streamcheck/internal/orchestrator"
	"streamcheck/internal/reporting"
	"streamcheck/internal/verify"
)

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "unexpected content %T", res.Content[0])
	return text.Text
}

func TestHandleListScenarios(t *testing.T) {
	s := NewServer(config.GetDefaultConfig(), nil, "test")

	res, err := s.handleListScenarios(context.Background(), callRequest("list_scenarios", nil))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var list []scenarioInfo
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &list))
	require.Len(t, list, 6)
	assert.Equal(t, "stream-cleartext-unsigned", list[0].Name)
	assert.Equal(t, "none", list[0].Encryption)
	assert.Equal(t, "stream-encrypted-exchanged-rotating-revoking-signed", list[5].Name)
	assert.Equal(t, 10, list[5].RotateEvery)
	assert.Equal(t, 20, list[5].RevokeEvery)
	assert.Equal(t, "exchanged", list[5].Encryption)
}

func TestHandleRunScenario(t *testing.T) {
	s := NewServer(config.GetDefaultConfig(), nil, "test")

	var gotName string
	var gotCfg config.Config
	s.run = func(ctx context.Context, name string, cfg config.Config, opts orchestrator.Options) (*reporting.Result, error) {
		gotName, gotCfg = name, cfg
		return &reporting.Result{
			Run:    reporting.RunInfo{Scenario: name},
			Report: &verify.Report{Scenario: name, Published: 3},
		}, nil
	}

	res, err := s.handleRunScenario(context.Background(), callRequest("run_scenario", map[string]any{
		"scenario":              "stream-cleartext-signed",
		"messages":              float64(3),
		"min_interval_ms":       float64(10),
		"max_interval_ms":       float64(20),
		"native_subscribers":    float64(4),
		"alternate_subscribers": float64(0),
		"verify":                true,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError, resultText(t, res))

	assert.Equal(t, "stream-cleartext-signed", gotName)
	assert.Equal(t, 3, gotCfg.Publish.MaxMessages)
	assert.Equal(t, 10*time.Millisecond, gotCfg.Publish.MinInterval)
	assert.Equal(t, 20*time.Millisecond, gotCfg.Publish.MaxInterval)
	assert.Equal(t, 4, gotCfg.Participants.NativeSubscribers)
	assert.Equal(t, 0, gotCfg.Participants.AlternateSubscribers)
	assert.Empty(t, gotCfg.Run.ReportDir)

	var decoded reporting.Result
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	assert.Equal(t, 3, decoded.Report.Published)

	last, err := s.handleGetLastResult(context.Background(), callRequest("get_last_result", nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, last), "stream-cleartext-signed")
}

func TestHandleRunScenario_InvalidArguments(t *testing.T) {
	s := NewServer(config.GetDefaultConfig(), nil, "test")
	s.run = func(context.Context, string, config.Config, orchestrator.Options) (*reporting.Result, error) {
		t.Fatal("run must not be called")
		return nil, nil
	}

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing scenario", map[string]any{}, "scenario parameter is required"},
		{"zero messages", map[string]any{"scenario": "x", "messages": float64(0)}, "messages must be positive"},
		{"inverted interval", map[string]any{"scenario": "x", "min_interval_ms": float64(500), "max_interval_ms": float64(100)}, "publish.minInterval"},
		{"no publishers", map[string]any{"scenario": "x", "native_publishers": float64(0), "alternate_publishers": float64(0)}, "participants"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleRunScenario(context.Background(), callRequest("run_scenario", tt.args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
			assert.Contains(t, resultText(t, res), tt.want)
		})
	}
}

func TestHandleRunScenario_UnknownScenario(t *testing.T) {
	s := NewServer(config.GetDefaultConfig(), nil, "test")
	s.run = func(context.Context, string, config.Config, orchestrator.Options) (*reporting.Result, error) {
		return nil, errors.New("configuration error: scenario: unknown")
	}

	res, err := s.handleRunScenario(context.Background(), callRequest("run_scenario", map[string]any{"scenario": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "unknown")
}

func TestHandleGetLastResult_Empty(t *testing.T) {
	s := NewServer(config.GetDefaultConfig(), nil, "test")
	res, err := s.handleGetLastResult(context.Background(), callRequest("get_last_result", nil))
	require.NoError(t, err)
	assert.Equal(t, "No scenario has been run yet", resultText(t, res))
}

func TestRunScenario_EndToEnd(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Resend.FromDelay = 20 * time.Millisecond
	cfg.Resend.LastDelay = 30 * time.Millisecond
	cfg.Run.PollInterval = 10 * time.Millisecond
	s := NewServer(cfg, nil, "test")

	res, err := s.handleRunScenario(context.Background(), callRequest("run_scenario", map[string]any{
		"scenario":        "stream-encrypted-shared-signed",
		"messages":        float64(4),
		"min_interval_ms": float64(2),
		"max_interval_ms": float64(5),
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, resultText(t, res))

	var decoded reporting.Result
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &decoded))
	require.NotNil(t, decoded.Report)
	assert.Equal(t, 8, decoded.Report.Published)
	assert.True(t, decoded.Passed())
}
