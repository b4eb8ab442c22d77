package reporting

import (
	"fmt"
	"io"
)

// QuietReporter prints one line per run, plus participant failures. It suits
// CI logs.
type QuietReporter struct {
	out io.Writer
}

// NewQuietReporterTo creates a reporter that only writes essential
// information to out.
func NewQuietReporterTo(out io.Writer) *QuietReporter {
	return &QuietReporter{out: out}
}

func (r *QuietReporter) ReportStart(RunInfo) {}

func (r *QuietReporter) ReportParticipantFailure(name string, err error) {
	fmt.Fprintf(r.out, "✗ %s: %v\n", name, err)
}

func (r *QuietReporter) ReportProgress(Progress) {}

func (r *QuietReporter) ReportResult(res *Result) {
	switch {
	case res.Error != "":
		fmt.Fprintf(r.out, "💥 %s: %s\n", res.Run.Scenario, res.Error)
	case res.Report == nil:
		fmt.Fprintf(r.out, "⏭️ %s: not verified\n", res.Run.Scenario)
	case res.Report.Passed():
		fmt.Fprintf(r.out, "✅ %s: %d subscribers passed\n", res.Run.Scenario, len(res.Report.Subscribers))
	default:
		fmt.Fprintf(r.out, "❌ %s: %v\n", res.Run.Scenario, res.Report.Err())
	}
}
