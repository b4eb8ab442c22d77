// Package scenario is the catalog of the six named test modes and the
// builders that turn one into a topology of participants.
package scenario

import (
	"fmt"
	"strings"

	"streamcheck/internal/config"
	"streamcheck/internal/participant"
	"streamcheck/internal/publish"
)

// Kind names a scenario.
type Kind int

const (
	CleartextUnsigned Kind = iota
	CleartextSigned
	EncryptedSharedSigned
	EncryptedSharedRotatingSigned
	EncryptedExchangedRotatingSigned
	EncryptedExchangedRotatingRevokingSigned
)

var kindNames = [...]string{
	CleartextUnsigned:                        "stream-cleartext-unsigned",
	CleartextSigned:                          "stream-cleartext-signed",
	EncryptedSharedSigned:                    "stream-encrypted-shared-signed",
	EncryptedSharedRotatingSigned:            "stream-encrypted-shared-rotating-signed",
	EncryptedExchangedRotatingSigned:         "stream-encrypted-exchanged-rotating-signed",
	EncryptedExchangedRotatingRevokingSigned: "stream-encrypted-exchanged-rotating-revoking-signed",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds returns every scenario kind in catalog order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

// Names returns every scenario name in catalog order.
func Names() []string {
	return append([]string(nil), kindNames[:]...)
}

// ParseKind resolves a scenario name.
func ParseKind(name string) (Kind, error) {
	for i, n := range kindNames {
		if n == name {
			return Kind(i), nil
		}
	}
	return 0, &config.ConfigurationError{
		Field:  "scenario",
		Reason: fmt.Sprintf("unknown scenario %q (known: %s)", name, strings.Join(kindNames[:], ", ")),
	}
}

// Grouping says how subscribers are split into groups for delayed attaches.
type Grouping int

const (
	// GroupImmediate attaches every subscriber immediately.
	GroupImmediate Grouping = iota
	// GroupAll treats all subscribers as one group.
	GroupAll
	// GroupPerVariant forms one group per runtime variant.
	GroupPerVariant
)

func (g Grouping) String() string {
	switch g {
	case GroupAll:
		return "delayed resend across all subscribers"
	case GroupPerVariant:
		return "delayed resend per runtime variant"
	default:
		return "all immediate"
	}
}

// Scenario is the typed configuration of one kind.
type Scenario struct {
	Kind        Kind
	Description string
	Signing     bool
	Encryption  participant.Encryption
	// RotateEvery and RevokeEvery count messages per publisher. Zero disables.
	RotateEvery int
	RevokeEvery int
	Grouping    Grouping
}

// Name returns the scenario name.
func (s Scenario) Name() string { return s.Kind.String() }

// PublishFunc returns the publish driver variant of the scenario.
func (s Scenario) PublishFunc() publish.Func {
	switch {
	case s.RevokeEvery > 0:
		return publish.RotatingRevoking(s.RotateEvery, s.RevokeEvery)
	case s.RotateEvery > 0:
		return publish.Rotating(s.RotateEvery)
	default:
		return publish.Steady()
	}
}

// Lookup returns the scenario of kind k.
func Lookup(k Kind) (Scenario, error) {
	s := Scenario{Kind: k}
	switch k {
	case CleartextUnsigned:
		s.Description = "unsigned cleartext messages"
		s.Grouping = GroupAll
	case CleartextSigned:
		s.Description = "signed cleartext messages"
		s.Signing = true
		s.Grouping = GroupPerVariant
	case EncryptedSharedSigned:
		s.Description = "signed messages encrypted under one key shared up front"
		s.Signing = true
		s.Encryption = participant.EncryptionShared
	case EncryptedSharedRotatingSigned:
		s.Description = "shared key, rotated in band every 5 messages"
		s.Signing = true
		s.Encryption = participant.EncryptionShared
		s.RotateEvery = 5
	case EncryptedExchangedRotatingSigned:
		s.Description = "per-publisher keys obtained by key exchange, rotated every 10 messages"
		s.Signing = true
		s.Encryption = participant.EncryptionExchanged
		s.RotateEvery = 10
		s.Grouping = GroupPerVariant
	case EncryptedExchangedRotatingRevokingSigned:
		s.Description = "per-publisher exchanged keys, rotated every 10 and revoked every 20 messages"
		s.Signing = true
		s.Encryption = participant.EncryptionExchanged
		s.RotateEvery = 10
		s.RevokeEvery = 20
		s.Grouping = GroupPerVariant
	default:
		return Scenario{}, &config.ConfigurationError{Field: "scenario", Reason: fmt.Sprintf("unknown scenario kind %d", int(k))}
	}
	return s, nil
}

// Catalog returns every scenario in catalog order.
func Catalog() []Scenario {
	out := make([]Scenario, 0, len(kindNames))
	for _, k := range Kinds() {
		s, _ := Lookup(k)
		out = append(out, s)
	}
	return out
}

// ByName resolves a scenario name to its configuration.
func ByName(name string) (Scenario, error) {
	k, err := ParseKind(name)
	if err != nil {
		return Scenario{}, err
	}
	return Lookup(k)
}
