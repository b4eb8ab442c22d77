package reporting

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"streamcheck/internal/verify"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	passedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#007700", Dark: "#22DD55"}).Bold(true)
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#BB0000", Dark: "#FF5555"}).Bold(true)
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#996600", Dark: "#FFCC44"})
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#606060", Dark: "#A0A0A0"})
)

// detailWidth caps per-finding detail text in verbose output.
const detailWidth = 96

// ConsoleReporter prints a human-readable account of a run.
type ConsoleReporter struct {
	out       io.Writer
	verbose   bool
	reportDir string
}

// NewConsoleReporterTo creates a console reporter writing to out. With a
// non-empty reportDir the result is also saved as JSON.
func NewConsoleReporterTo(out io.Writer, verbose bool, reportDir string) *ConsoleReporter {
	return &ConsoleReporter{out: out, verbose: verbose, reportDir: reportDir}
}

func (r *ConsoleReporter) ReportStart(info RunInfo) {
	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("▶ Scenario"), info.Scenario)
	if info.Description != "" {
		fmt.Fprintf(r.out, "  %s\n", dimStyle.Render(info.Description))
	}
	fmt.Fprintf(r.out, "  Stream:       %s\n", info.StreamID)
	fmt.Fprintf(r.out, "  Participants: %d publishers, %d subscribers\n", info.Publishers, info.Subscribers)
	if info.Unbounded {
		fmt.Fprintf(r.out, "  Messages:     unbounded (stop with Ctrl+C)\n")
	} else {
		fmt.Fprintf(r.out, "  Messages:     %d per publisher\n", info.MaxMessages)
	}
	if r.verbose {
		fmt.Fprintf(r.out, "  Run ID:       %s\n", info.RunID)
		if info.GatewayURL != "" {
			fmt.Fprintf(r.out, "  Gateway:      %s\n", info.GatewayURL)
		}
		fmt.Fprintf(r.out, "  Verify:       %t\n", info.Verify)
	}
	fmt.Fprintln(r.out)
}

func (r *ConsoleReporter) ReportParticipantFailure(name string, err error) {
	fmt.Fprintf(r.out, "%s %s: %v\n", failedStyle.Render("✗"), name, err)
}

func (r *ConsoleReporter) ReportProgress(p Progress) {
	fmt.Fprintf(r.out, "%s published %d, received %d, publishers done %d/%d, attached %d/%d\n",
		dimStyle.Render(fmt.Sprintf("[%6s]", p.Elapsed.Truncate(time.Second))),
		p.Published, p.Received, p.PublishersDone, p.Publishers, p.Attached, p.Subscribers)
}

func (r *ConsoleReporter) ReportResult(res *Result) {
	fmt.Fprintln(r.out)
	if res.Error != "" {
		fmt.Fprintf(r.out, "%s %s\n", failedStyle.Render("ERROR"), res.Error)
	}
	if res.Aborted {
		fmt.Fprintf(r.out, "%s run aborted; results are best effort\n", skippedStyle.Render("!"))
	}

	if res.Report != nil {
		r.printReport(res.Report)
	} else if res.Error == "" {
		fmt.Fprintf(r.out, "%s\n", dimStyle.Render("Verification skipped"))
	}

	fmt.Fprintf(r.out, "\n%s %s in %v\n", titleStyle.Render("Finished"), res.Run.Scenario, res.Duration.Round(time.Millisecond))
	switch {
	case !res.Passed():
		fmt.Fprintf(r.out, "%s\n", failedStyle.Render("FAILED"))
	case res.Verified():
		fmt.Fprintf(r.out, "%s\n", passedStyle.Render("PASSED"))
	}
	if res.LedgerDump != "" {
		fmt.Fprintf(r.out, "Ledger dump written to: %s\n", res.LedgerDump)
	}

	if r.reportDir != "" {
		if path, err := SaveResult(r.reportDir, res); err != nil {
			fmt.Fprintf(r.out, "Failed to save detailed report: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "Detailed report saved to: %s\n", path)
		}
	}
}

func (r *ConsoleReporter) printReport(rep *verify.Report) {
	fmt.Fprintf(r.out, "%s (%d messages published)\n", titleStyle.Render("Publishers"), rep.Published)
	for _, p := range rep.Publishers {
		line := fmt.Sprintf("  %s %-24s %-9s %d published", statusSymbol(p.Status), p.Name, p.Variant, p.Published)
		if p.Error != "" {
			line += ": " + p.Error
		}
		fmt.Fprintln(r.out, line)
	}

	fmt.Fprintf(r.out, "%s\n", titleStyle.Render("Subscribers"))
	for _, s := range rep.Subscribers {
		fmt.Fprintf(r.out, "  %s %-24s %-9s %-22s %d/%d received",
			statusSymbol(s.Status), s.Name, s.Variant, s.Policy, s.Received, s.Expected)
		if s.Optional > 0 {
			fmt.Fprintf(r.out, " %s", dimStyle.Render(fmt.Sprintf("(%d optional)", s.Optional)))
		}
		fmt.Fprintln(r.out)
		if s.Error != "" {
			fmt.Fprintf(r.out, "      %s\n", s.Error)
		}

		counts := []string{}
		for _, c := range []struct {
			label string
			n     int
		}{
			{"missing", len(s.Missing)},
			{"unexpected", len(s.Unexpected)},
			{"duplicate", len(s.Duplicates)},
			{"corrupted", len(s.Corrupted)},
			{"decryption errors", len(s.DecryptionErrors)},
			{"signature failures", len(s.SignatureFailures)},
		} {
			if c.n > 0 {
				counts = append(counts, fmt.Sprintf("%d %s", c.n, c.label))
			}
		}
		if len(counts) > 0 {
			fmt.Fprintf(r.out, "      %s\n", failedStyle.Render(strings.Join(counts, ", ")))
		}
		if len(s.Undecryptable) > 0 {
			fmt.Fprintf(r.out, "      %s\n", dimStyle.Render(fmt.Sprintf("%d undecryptable under keys not required", len(s.Undecryptable))))
		}

		if r.verbose {
			for _, f := range s.Failures() {
				detail := f.Detail
				if detail == "" && f.Count > 0 {
					detail = fmt.Sprintf("received %d times", f.Count)
				}
				fmt.Fprintf(r.out, "      - %-18s %s %s\n", f.Kind, f.ID, dimStyle.Render(truncate(detail, detailWidth)))
			}
		}
	}
}

// truncate shortens s to at most width terminal cells.
func truncate(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

func statusSymbol(s verify.Status) string {
	switch s {
	case verify.StatusPassed:
		return passedStyle.Render("✓")
	case verify.StatusFailed:
		return failedStyle.Render("✗")
	case verify.StatusSkipped:
		return skippedStyle.Render("-")
	case verify.StatusError:
		return failedStyle.Render("!")
	default:
		return "?"
	}
}
