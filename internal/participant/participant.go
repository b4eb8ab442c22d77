// Package participant builds the publishers and subscribers of a run behind
// the client capability interface and records what each subscriber receives.
package participant

import (
	"fmt"
	"sync"

	"streamcheck/internal/client"
	"streamcheck/internal/crypto"
	"streamcheck/internal/keys"
)

// Role is what a participant does on the stream.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
)

func (r Role) String() string {
	if r == RolePublisher {
		return "publisher"
	}
	return "subscriber"
}

// Encryption is a participant's encryption policy.
type Encryption int

const (
	// EncryptionNone publishes and expects cleartext.
	EncryptionNone Encryption = iota
	// EncryptionShared gives every participant one group key up front.
	EncryptionShared
	// EncryptionExchanged gives each publisher its own key; subscribers start
	// with none and obtain keys through key exchange.
	EncryptionExchanged
)

func (e Encryption) String() string {
	switch e {
	case EncryptionShared:
		return "shared"
	case EncryptionExchanged:
		return "exchanged"
	default:
		return "none"
	}
}

// Participant is one publisher or subscriber of a run.
type Participant struct {
	Name       string
	Role       Role
	Variant    client.Variant
	Identity   *crypto.Identity
	Signing    bool
	Encryption Encryption
	// Keyset is a publisher's own keys; nil for cleartext publishers and subscribers.
	Keyset *keys.Keyset
	// Store is a subscriber's obtained keys; nil for publishers.
	Store    *keys.Store
	Client   client.Client
	Recorder *Recorder

	mu      sync.Mutex
	failure error
}

// Address is the participant's identity address.
func (p *Participant) Address() string { return p.Identity.Address() }

// MarkFailed records the first failure of the participant. Later failures are
// ignored.
func (p *Participant) MarkFailed(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failure == nil {
		p.failure = err
	}
}

// Failure returns the recorded failure, if any.
func (p *Participant) Failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

func (p *Participant) String() string {
	return fmt.Sprintf("%s (%s)", p.Name, p.Address())
}
