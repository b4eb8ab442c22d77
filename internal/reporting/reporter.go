// Package reporting renders the progress and outcome of scenario runs for
// humans and machines.
package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"streamcheck/internal/verify"
)

// RunInfo describes a run when it starts.
type RunInfo struct {
	Scenario    string    `json:"scenario"`
	Description string    `json:"description,omitempty"`
	RunID       string    `json:"runId"`
	StreamID    string    `json:"streamId"`
	Publishers  int       `json:"publishers"`
	Subscribers int       `json:"subscribers"`
	MaxMessages int       `json:"maxMessages"`
	Unbounded   bool      `json:"unbounded,omitempty"`
	Verify      bool      `json:"verify"`
	GatewayURL  string    `json:"gatewayUrl,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
}

// Progress is a heartbeat while publishers run.
type Progress struct {
	Elapsed        time.Duration `json:"elapsed"`
	Published      int           `json:"published"`
	Received       int           `json:"received"`
	PublishersDone int           `json:"publishersDone"`
	Publishers     int           `json:"publishers"`
	Attached       int           `json:"attached"`
	Subscribers    int           `json:"subscribers"`
}

// Result is the outcome of one run.
type Result struct {
	Run      RunInfo       `json:"run"`
	Duration time.Duration `json:"duration"`
	Aborted  bool          `json:"aborted,omitempty"`
	// Report is nil when verification was not requested or the run was
	// unbounded.
	Report     *verify.Report `json:"report,omitempty"`
	Error      string         `json:"error,omitempty"`
	LedgerDump string         `json:"ledgerDump,omitempty"`
}

// Verified reports whether the run was verified.
func (r *Result) Verified() bool { return r.Report != nil }

// Passed reports whether the run finished without error and, if verified,
// every participant passed.
func (r *Result) Passed() bool {
	if r.Error != "" {
		return false
	}
	return r.Report == nil || r.Report.Passed()
}

// Reporter receives run events from the orchestrator. Calls are made from the
// orchestrator's goroutine only.
type Reporter interface {
	// ReportStart is called once participants are built.
	ReportStart(info RunInfo)
	// ReportParticipantFailure is called when a participant fails to connect
	// or attach.
	ReportParticipantFailure(name string, err error)
	// ReportProgress is called every poll interval while publishers run.
	ReportProgress(p Progress)
	// ReportResult is called once, after the run is stopped and verified.
	ReportResult(res *Result)
}

// Nop returns a Reporter that discards everything.
func Nop() Reporter { return nopReporter{} }

type nopReporter struct{}

func (nopReporter) ReportStart(RunInfo)                     {}
func (nopReporter) ReportParticipantFailure(string, error) {}
func (nopReporter) ReportProgress(Progress)                 {}
func (nopReporter) ReportResult(*Result)                    {}

// SaveResult writes res as indented JSON to a timestamped file in dir and
// returns its path.
func SaveResult(dir string, res *Result) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	timestamp := res.Run.StartedAt.Format("20060102-150405")
	filename := fmt.Sprintf("streamcheck-%s-%s-%s.json", res.Run.Scenario, timestamp, shortID(res.Run.RunID))
	fullPath := filepath.Join(dir, filename)

	jsonData, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	if err := os.WriteFile(fullPath, jsonData, 0644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return fullPath, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
