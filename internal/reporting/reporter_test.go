package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcheck/internal/ledger"
	"streamcheck/internal/verify"
)

func sampleResult(status verify.Status) *Result {
	sub := verify.SubscriberReport{
		Name: "native-subscriber-1", Address: "0xsub", Variant: "native", Policy: "live",
		Status: status, Expected: 3, Received: 3,
	}
	if status == verify.StatusFailed {
		sub.Received = 2
		sub.Missing = []verify.Finding{{Kind: verify.FindingMissing, ID: ledger.MessageID{Publisher: "0xpub", Sequence: 2}}}
	}
	return &Result{
		Run: RunInfo{
			Scenario:    "stream-cleartext-unsigned",
			RunID:       "0123456789abcdef",
			StreamID:    "stream-cleartext-unsigned/01234567",
			Publishers:  1,
			Subscribers: 1,
			MaxMessages: 3,
			Verify:      true,
			StartedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Duration: 2 * time.Second,
		Report: &verify.Report{
			Scenario:    "stream-cleartext-unsigned",
			Published:   3,
			Publishers:  []verify.PublisherReport{{Name: "native-publisher-1", Address: "0xpub", Variant: "native", Published: 3, Status: verify.StatusPassed}},
			Subscribers: []verify.SubscriberReport{sub},
		},
	}
}

func TestResult_Passed(t *testing.T) {
	assert.True(t, sampleResult(verify.StatusPassed).Passed())
	assert.False(t, sampleResult(verify.StatusFailed).Passed())

	unverified := &Result{}
	assert.True(t, unverified.Passed())
	assert.False(t, unverified.Verified())

	errored := &Result{Error: "boom"}
	assert.False(t, errored.Passed())
}

func TestConsoleReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewConsoleReporterTo(&buf, true, "")

	res := sampleResult(verify.StatusFailed)
	r.ReportStart(res.Run)
	r.ReportParticipantFailure("alternate-subscriber-1", errors.New("dial refused"))
	r.ReportProgress(Progress{Elapsed: 3 * time.Second, Published: 2, Publishers: 1, Subscribers: 1})
	r.ReportResult(res)

	out := buf.String()
	assert.Contains(t, out, "stream-cleartext-unsigned")
	assert.Contains(t, out, "alternate-subscriber-1: dial refused")
	assert.Contains(t, out, "published 2")
	assert.Contains(t, out, "native-subscriber-1")
	assert.Contains(t, out, "1 missing")
	assert.Contains(t, out, "0xpub#2")
	assert.Contains(t, out, "FAILED")
}

func TestConsoleReporter_SavesReport(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	r := NewConsoleReporterTo(&buf, false, dir)

	r.ReportResult(sampleResult(verify.StatusPassed))

	assert.Contains(t, buf.String(), "PASSED")
	matches, err := filepath.Glob(filepath.Join(dir, "streamcheck-stream-cleartext-unsigned-20240301-120000-01234567.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestSaveResult(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	path, err := SaveResult(dir, sampleResult(verify.StatusPassed))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Result
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "stream-cleartext-unsigned", decoded.Run.Scenario)
	require.NotNil(t, decoded.Report)
	assert.Len(t, decoded.Report.Subscribers, 1)
}

func TestQuietReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewQuietReporterTo(&buf)

	r.ReportStart(RunInfo{})
	r.ReportProgress(Progress{Published: 10})
	assert.Empty(t, buf.String())

	r.ReportResult(sampleResult(verify.StatusPassed))
	assert.Contains(t, buf.String(), "1 subscribers passed")

	buf.Reset()
	r.ReportResult(sampleResult(verify.StatusFailed))
	assert.Contains(t, buf.String(), "verification mismatch")
}

func TestJSONReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporterTo(&buf)

	res := sampleResult(verify.StatusFailed)
	r.ReportStart(res.Run)
	r.ReportParticipantFailure("native-publisher-2", errors.New("connect failed"))
	r.ReportResult(res)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, false, decoded["passed"])
	assert.Contains(t, decoded, "report")
	failures, ok := decoded["failures"].([]any)
	require.True(t, ok)
	assert.Len(t, failures, 1)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcd…", truncate("abcdefghij", 5))
	assert.LessOrEqual(t, runewidth.StringWidth(truncate("鍵鍵鍵鍵鍵鍵", 7)), 7)
}
