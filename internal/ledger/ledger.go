// Package ledger records every message published during a run. Publishers
// append concurrently while the run is live; after the stop barrier the ledger
// is frozen and read once, consistently, by the verifier.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateMessage is returned when a (publisher, sequence) pair is appended twice.
	ErrDuplicateMessage = errors.New("duplicate message id")
	// ErrSequenceGap is returned when a sequence number does not follow the previous one.
	ErrSequenceGap = errors.New("sequence number gap")
	// ErrFrozen is returned when appending after Freeze.
	ErrFrozen = errors.New("ledger is frozen")
)

// MessageID identifies a message within a run.
type MessageID struct {
	Publisher string `json:"publisher"`
	Sequence  uint64 `json:"sequence"`
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s#%d", id.Publisher, id.Sequence)
}

// Message is a published message as the publisher sent it.
type Message struct {
	StreamID  string    `json:"streamId"`
	Publisher string    `json:"publisher"`
	Sequence  uint64    `json:"sequence"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	// KeyID is empty for cleartext messages.
	KeyID string `json:"keyId,omitempty"`
	// NextKeyID is set when the message announces the publisher's next key in band.
	NextKeyID string `json:"nextKeyId,omitempty"`
	Signed    bool   `json:"signed"`
}

// ID returns the message identity.
func (m Message) ID() MessageID {
	return MessageID{Publisher: m.Publisher, Sequence: m.Sequence}
}

// Ledger is the run-wide record of published messages.
type Ledger struct {
	mu          sync.Mutex
	frozen      bool
	byPublisher map[string][]Message
	count       int
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{byPublisher: make(map[string][]Message)}
}

// Append records m. Sequence numbers start at 1 and must be contiguous per
// publisher.
func (l *Ledger) Append(m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.frozen {
		return ErrFrozen
	}
	msgs := l.byPublisher[m.Publisher]
	var last uint64
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Sequence
	}
	switch {
	case m.Sequence <= last:
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, m.ID())
	case m.Sequence != last+1:
		return fmt.Errorf("%w: %s follows %d", ErrSequenceGap, m.ID(), last)
	}
	l.byPublisher[m.Publisher] = append(msgs, m)
	l.count++
	return nil
}

// Len returns the number of recorded messages.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Freeze rejects further appends. It is called once every participant has
// stopped.
func (l *Ledger) Freeze() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frozen = true
}

// Frozen reports whether Freeze was called.
func (l *Ledger) Frozen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frozen
}

// Snapshot returns a consistent copy of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		byPublisher: make(map[string][]Message, len(l.byPublisher)),
		index:       make(map[MessageID]int, l.count),
	}
	for pub, msgs := range l.byPublisher {
		cp := make([]Message, len(msgs))
		copy(cp, msgs)
		snap.byPublisher[pub] = cp
		for i, m := range cp {
			snap.index[m.ID()] = i
		}
	}
	return snap
}

// Snapshot is an immutable view of a ledger.
type Snapshot struct {
	byPublisher map[string][]Message
	index       map[MessageID]int
}

// Publishers returns every publisher that appended at least one message, sorted.
func (s Snapshot) Publishers() []string {
	out := make([]string, 0, len(s.byPublisher))
	for p := range s.byPublisher {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Messages returns publisher's messages ordered by sequence number.
func (s Snapshot) Messages(publisher string) []Message {
	return s.byPublisher[publisher]
}

// All returns every message ordered by timestamp, ties broken by id.
func (s Snapshot) All() []Message {
	out := make([]Message, 0, len(s.index))
	for _, msgs := range s.byPublisher {
		out = append(out, msgs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		if out[i].Publisher != out[j].Publisher {
			return out[i].Publisher < out[j].Publisher
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Lookup returns the message with the given id.
func (s Snapshot) Lookup(id MessageID) (Message, bool) {
	i, ok := s.index[id]
	if !ok {
		return Message{}, false
	}
	return s.byPublisher[id.Publisher][i], true
}

// Len returns the number of messages in the snapshot.
func (s Snapshot) Len() int { return len(s.index) }
