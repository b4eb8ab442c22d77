package broker

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Envelope is a stream message as it travels through the broker.
type Envelope struct {
	StreamID  string    `json:"streamId"`
	Publisher string    `json:"publisher"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	// KeyID names the group key Content is encrypted under. Empty means cleartext.
	KeyID   string `json:"keyId,omitempty"`
	Content []byte `json:"content"`
	// NextKey is the publisher's next group key sealed under KeyID.
	NextKeyID string `json:"nextKeyId,omitempty"`
	NextKey   []byte `json:"nextKey,omitempty"`

	Scheme    string `json:"scheme,omitempty"`
	PublicKey []byte `json:"publicKey,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

// Clone returns a deep copy, so one subscriber's view can be altered without
// touching another's.
func (e Envelope) Clone() Envelope {
	e.Content = cloneBytes(e.Content)
	e.NextKey = cloneBytes(e.NextKey)
	e.PublicKey = cloneBytes(e.PublicKey)
	e.Signature = cloneBytes(e.Signature)
	return e
}

// SigningBytes is the canonical encoding covered by the signature.
func (e Envelope) SigningBytes() []byte {
	var b []byte
	b = appendField(b, []byte(e.StreamID))
	b = appendField(b, []byte(e.Publisher))
	b = binary.BigEndian.AppendUint64(b, e.Sequence)
	b = binary.BigEndian.AppendUint64(b, uint64(e.Timestamp.UnixNano()))
	b = appendField(b, []byte(e.KeyID))
	b = appendField(b, e.Content)
	b = appendField(b, []byte(e.NextKeyID))
	b = appendField(b, e.NextKey)
	return b
}

func (e Envelope) String() string {
	return fmt.Sprintf("%s#%d", e.Publisher, e.Sequence)
}

func appendField(b, field []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// ResendKind selects which historical messages a subscription receives before
// live delivery starts.
type ResendKind int

const (
	ResendNone ResendKind = iota
	ResendFrom
	ResendLast
)

// Resend is a subscription's historical-resend request.
type Resend struct {
	Kind ResendKind `json:"kind"`
	From time.Time  `json:"from,omitempty"`
	Last int        `json:"last,omitempty"`
}

// NoResend subscribes to live messages only.
func NoResend() Resend { return Resend{Kind: ResendNone} }

// ResendFromTime requests every stored message with a timestamp at or after from.
func ResendFromTime(from time.Time) Resend { return Resend{Kind: ResendFrom, From: from} }

// ResendLastN requests the last n stored messages.
func ResendLastN(n int) Resend { return Resend{Kind: ResendLast, Last: n} }

func (r Resend) String() string {
	switch r.Kind {
	case ResendFrom:
		return fmt.Sprintf("resend-from(%s)", r.From.Format(time.RFC3339Nano))
	case ResendLast:
		return fmt.Sprintf("resend-last(%d)", r.Last)
	default:
		return "live"
	}
}

func (r Resend) backlog(history []Envelope) []Envelope {
	switch r.Kind {
	case ResendFrom:
		var out []Envelope
		for _, env := range history {
			if !env.Timestamp.Before(r.From) {
				out = append(out, env)
			}
		}
		return out
	case ResendLast:
		if r.Last <= 0 {
			return nil
		}
		start := len(history) - r.Last
		if start < 0 {
			start = 0
		}
		out := make([]Envelope, len(history)-start)
		copy(out, history[start:])
		return out
	default:
		return nil
	}
}

// KeyRequest asks a publisher for one of its group keys on behalf of a subscriber.
type KeyRequest struct {
	Subscriber string `json:"subscriber"`
	Publisher  string `json:"publisher"`
	KeyID      string `json:"keyId"`
	// RecipientKey is the subscriber's X25519 public key.
	RecipientKey []byte `json:"recipientKey"`
}

// KeyResponse carries a group key sealed to the requesting subscriber.
type KeyResponse struct {
	KeyID  string `json:"keyId"`
	Order  int    `json:"order"`
	Sealed []byte `json:"sealed"`
}
