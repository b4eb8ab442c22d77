package reporting

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONReporter prints the result as JSON once the run is done. Failures
// reported along the way are included.
type JSONReporter struct {
	out      io.Writer
	failures []ParticipantFailure
}

// ParticipantFailure is a failure reported while a run was in progress.
type ParticipantFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type jsonOutput struct {
	*Result
	Passed   bool                 `json:"passed"`
	Failures []ParticipantFailure `json:"failures,omitempty"`
}

// NewJSONReporterTo creates a reporter that writes JSON for machine
// consumption to out.
func NewJSONReporterTo(out io.Writer) *JSONReporter {
	return &JSONReporter{out: out}
}

func (r *JSONReporter) ReportStart(RunInfo) {
	r.failures = nil
}

func (r *JSONReporter) ReportParticipantFailure(name string, err error) {
	r.failures = append(r.failures, ParticipantFailure{Name: name, Error: err.Error()})
}

func (r *JSONReporter) ReportProgress(Progress) {}

func (r *JSONReporter) ReportResult(res *Result) {
	jsonData, err := json.MarshalIndent(jsonOutput{Result: res, Passed: res.Passed(), Failures: r.failures}, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, `{"error": "Failed to marshal results: %v"}`+"\n", err)
		return
	}
	fmt.Fprintln(r.out, string(jsonData))
}
