// Package client defines the capability interface the harness drives for every
// participant, and its two runtime variants: Native, which talks to the broker
// in process, and Alternate, which speaks the gateway's WebSocket protocol.
// Signing, encryption and key acquisition live in a codec shared by both, so
// the variants differ only in transport.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streamcheck/internal/broker"
	"streamcheck/internal/crypto"
	"streamcheck/internal/keys"
	"streamcheck/pkg/logging"
)

// Variant identifies a runtime client implementation.
type Variant int

const (
	VariantNative Variant = iota
	VariantAlternate
)

func (v Variant) String() string {
	switch v {
	case VariantNative:
		return "native"
	case VariantAlternate:
		return "alternate"
	default:
		return "unknown"
	}
}

// Variants lists every runtime variant.
func Variants() []Variant { return []Variant{VariantNative, VariantAlternate} }

var (
	// ErrNotConnected is returned when a client is used before Connect or after Disconnect.
	ErrNotConnected = errors.New("client not connected")
	// ErrInvalidSignature marks deliveries whose signature is missing or wrong.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrKeyUnavailable is wrapped by decryption errors for keys the subscriber could not obtain.
	ErrKeyUnavailable = errors.New("group key unavailable")
)

// TransportError is a connect, publish, subscribe or key-exchange failure.
type TransportError struct {
	Op          string
	Participant string
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Participant, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Decryption failure reasons.
const (
	ReasonKeyUnavailable = "key unavailable"
	ReasonAuthFailed     = "authentication failed"
)

// DecryptionError is attached to a delivery that could not be decrypted.
type DecryptionError struct {
	KeyID  string
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("cannot decrypt under key %s: %s: %v", e.KeyID, e.Reason, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// PublishRequest is one message to publish.
type PublishRequest struct {
	Payload []byte
	// KeyID selects the group key to encrypt under. Empty publishes cleartext.
	KeyID string
	// NextKeyID announces that key in band, sealed under KeyID.
	NextKeyID string
}

// Receipt describes a message the broker accepted.
type Receipt struct {
	StreamID  string
	Publisher string
	Sequence  uint64
	Timestamp time.Time
	KeyID     string
	NextKeyID string
	Signed    bool
}

// Delivery is a received message after signature checking and decryption.
type Delivery struct {
	StreamID   string
	Publisher  string
	Sequence   uint64
	Timestamp  time.Time
	KeyID      string
	Payload    []byte
	Signed     bool
	ReceivedAt time.Time
	// Err is a *DecryptionError, or wraps ErrInvalidSignature.
	Err error
}

// Handler receives deliveries for one subscription, one at a time.
type Handler func(Delivery)

// Subscription is an attached subscription.
type Subscription interface {
	// Since is when live delivery began.
	Since() time.Time
	// Unsubscribe detaches, first handing every queued delivery to the handler.
	Unsubscribe(ctx context.Context) error
}

// Client is the capability set every participant is driven through.
type Client interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, streamID string, req PublishRequest) (Receipt, error)
	Subscribe(ctx context.Context, streamID string, resend broker.Resend, h Handler) (Subscription, error)
	Disconnect(ctx context.Context) error
	Address() string
}

// Options configures the cryptographic behaviour of a client.
type Options struct {
	Identity *crypto.Identity
	// Sign makes a publisher sign and a subscriber require signatures.
	Sign bool
	// Keyset is the publisher's own keys. Nil for cleartext publishers.
	Keyset *keys.Keyset
	// Store holds the keys a subscriber has obtained.
	Store *keys.Store
	// Keys gates which subscribers a publisher releases keys to.
	Keys *keys.Manager
	// KeyExchange lets a subscriber request missing keys and a publisher answer.
	KeyExchange        bool
	KeyExchangeTimeout time.Duration
	Cipher             *crypto.Cipher
	Now                func() time.Time
	Logger             *logging.Logger
}
