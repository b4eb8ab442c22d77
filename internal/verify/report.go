package verify

import (
	"errors"
	"fmt"
	"time"

	"streamcheck/internal/ledger"
)

// ErrVerificationMismatch is wrapped by Report.Err when any participant failed.
var ErrVerificationMismatch = errors.New("verification mismatch")

// Status is the verdict for one participant.
type Status string

const (
	StatusPassed  Status = "PASSED"
	StatusFailed  Status = "FAILED"
	StatusSkipped Status = "SKIPPED"
	StatusError   Status = "ERROR"
)

// FindingKind classifies a verification finding.
type FindingKind string

const (
	FindingMissing           FindingKind = "missing"
	FindingUnexpected        FindingKind = "unexpected"
	FindingDuplicate         FindingKind = "duplicate"
	FindingCorrupted         FindingKind = "corrupted"
	FindingDecryptionError   FindingKind = "decryption-error"
	FindingSignatureFailure  FindingKind = "signature-failure"
	FindingUndecryptable     FindingKind = "undecryptable"
	FindingParticipantFailed FindingKind = "participant-failed"
)

// Finding is one message-level observation about a subscriber.
type Finding struct {
	Kind   FindingKind      `json:"kind"`
	ID     ledger.MessageID `json:"id"`
	KeyID  string           `json:"keyId,omitempty"`
	Count  int              `json:"count,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

// SubscriberReport is the verdict for one subscriber.
type SubscriberReport struct {
	Name    string    `json:"name"`
	Address string    `json:"address"`
	Variant string    `json:"variant"`
	Policy  string    `json:"policy"`
	Since   time.Time `json:"since,omitempty"`
	Status  Status    `json:"status"`
	Error   string    `json:"error,omitempty"`

	Expected int `json:"expected"`
	Optional int `json:"optional"`
	Received int `json:"received"`

	Missing           []Finding `json:"missing,omitempty"`
	Unexpected        []Finding `json:"unexpected,omitempty"`
	Duplicates        []Finding `json:"duplicates,omitempty"`
	Corrupted         []Finding `json:"corrupted,omitempty"`
	DecryptionErrors  []Finding `json:"decryptionErrors,omitempty"`
	SignatureFailures []Finding `json:"signatureFailures,omitempty"`
	// Undecryptable messages were encrypted under keys the subscriber was
	// not required to hold. They are informational.
	Undecryptable []Finding `json:"undecryptable,omitempty"`
}

// Failures returns every finding that fails the subscriber.
func (s SubscriberReport) Failures() []Finding {
	var out []Finding
	for _, group := range [][]Finding{s.Missing, s.Unexpected, s.Duplicates, s.Corrupted, s.DecryptionErrors, s.SignatureFailures} {
		out = append(out, group...)
	}
	return out
}

// PublisherReport summarizes one publisher.
type PublisherReport struct {
	Name      string `json:"name"`
	Address   string `json:"address"`
	Variant   string `json:"variant"`
	Published int    `json:"published"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Report is the outcome of verifying one run.
type Report struct {
	Scenario    string             `json:"scenario"`
	RunID       string             `json:"runId"`
	StreamID    string             `json:"streamId"`
	Published   int                `json:"published"`
	Aborted     bool               `json:"aborted,omitempty"`
	Publishers  []PublisherReport  `json:"publishers"`
	Subscribers []SubscriberReport `json:"subscribers"`
}

// Passed reports whether no participant failed.
func (r *Report) Passed() bool {
	return r.failedCount() == 0
}

func (r *Report) failedCount() int {
	n := 0
	for _, p := range r.Publishers {
		if p.Status == StatusFailed || p.Status == StatusError {
			n++
		}
	}
	for _, s := range r.Subscribers {
		if s.Status == StatusFailed || s.Status == StatusError {
			n++
		}
	}
	return n
}

// Err returns nil for a passing report and an error wrapping
// ErrVerificationMismatch otherwise.
func (r *Report) Err() error {
	if n := r.failedCount(); n > 0 {
		return fmt.Errorf("%w: %d of %d participants failed", ErrVerificationMismatch, n, len(r.Publishers)+len(r.Subscribers))
	}
	return nil
}

// LedgerFindings flattens the report for the diagnostic dump.
func (r *Report) LedgerFindings() []ledger.Finding {
	var out []ledger.Finding
	for _, p := range r.Publishers {
		if p.Error != "" {
			out = append(out, ledger.Finding{Subscriber: p.Address, Kind: string(FindingParticipantFailed), Detail: p.Error})
		}
	}
	for _, s := range r.Subscribers {
		if s.Error != "" {
			out = append(out, ledger.Finding{Subscriber: s.Address, Kind: string(FindingParticipantFailed), Detail: s.Error})
		}
		for _, group := range [][]Finding{s.Failures(), s.Undecryptable} {
			for _, f := range group {
				id := f.ID
				out = append(out, ledger.Finding{Subscriber: s.Address, Kind: string(f.Kind), ID: &id, Detail: f.Detail})
			}
		}
	}
	return out
}
