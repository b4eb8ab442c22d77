package participant

import (
	"errors"
	"sync"
	"time"

	"streamcheck/internal/client"
	"streamcheck/internal/ledger"
)

// Outcome classifies a received message.
type Outcome string

const (
	// OutcomeOK is a cleartext or successfully decrypted message.
	OutcomeOK Outcome = "ok"
	// OutcomeKeyUnavailable is an encrypted message whose key the subscriber never obtained.
	OutcomeKeyUnavailable Outcome = "key-unavailable"
	// OutcomeDecryptFailed is an encrypted message that did not authenticate under its key.
	OutcomeDecryptFailed Outcome = "decrypt-failed"
	// OutcomeSignatureInvalid is a message whose signature was missing or wrong.
	OutcomeSignatureInvalid Outcome = "signature-invalid"
)

// Record is one delivery as observed by a subscriber.
type Record struct {
	Subscriber  string
	ID          ledger.MessageID
	KeyID       string
	Payload     []byte
	PublishedAt time.Time
	ReceivedAt  time.Time
	Outcome     Outcome
	Err         error
}

// Recorder accumulates a subscriber's deliveries. Its Handle method is the
// client handler.
type Recorder struct {
	subscriber string

	mu      sync.Mutex
	records []Record
}

// NewRecorder creates a Recorder for subscriber.
func NewRecorder(subscriber string) *Recorder {
	return &Recorder{subscriber: subscriber}
}

// Handle records d.
func (r *Recorder) Handle(d client.Delivery) {
	rec := Record{
		Subscriber:  r.subscriber,
		ID:          ledger.MessageID{Publisher: d.Publisher, Sequence: d.Sequence},
		KeyID:       d.KeyID,
		Payload:     d.Payload,
		PublishedAt: d.Timestamp,
		ReceivedAt:  d.ReceivedAt,
		Outcome:     classify(d.Err),
		Err:         d.Err,
	}
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
}

func classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	if errors.Is(err, client.ErrInvalidSignature) {
		return OutcomeSignatureInvalid
	}
	var decErr *client.DecryptionError
	if errors.As(err, &decErr) && decErr.Reason == client.ReasonKeyUnavailable {
		return OutcomeKeyUnavailable
	}
	return OutcomeDecryptFailed
}

// Records returns a copy of everything recorded so far, in arrival order.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(r.records))
	copy(out, r.records)
	return out
}

// Len returns the number of deliveries recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// Receipts converts the records for the ledger dump.
func (r *Recorder) Receipts() []ledger.Receipt {
	recs := r.Records()
	out := make([]ledger.Receipt, len(recs))
	for i, rec := range recs {
		out[i] = ledger.Receipt{
			Subscriber: rec.Subscriber,
			ID:         rec.ID,
			ReceivedAt: rec.ReceivedAt,
			Outcome:    string(rec.Outcome),
		}
	}
	return out
}
