package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/schemes"
	"golang.org/x/crypto/sha3"
)

var (
	// ErrUnknownScheme is returned when a signature scheme name is not registered in circl.
	ErrUnknownScheme = errors.New("unknown signature scheme")
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrAddressMismatch is returned when a public key does not hash to the claimed address.
	ErrAddressMismatch = errors.New("public key does not match publisher address")
)

// Identity is a participant's authentication identity: a signing key pair and
// an X25519 key-agreement pair used to receive group keys.
type Identity struct {
	scheme   sign.Scheme
	signPub  sign.PublicKey
	signPriv sign.PrivateKey
	pubBytes []byte
	kexPriv  *ecdh.PrivateKey
	address  string
}

// NewIdentity generates a fresh identity from crypto/rand. Two calls never
// return related keys.
func NewIdentity(schemeName string) (*Identity, error) {
	scheme, err := lookupScheme(schemeName)
	if err != nil {
		return nil, err
	}

	pub, priv, err := scheme.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key pair: %w", scheme.Name(), err)
	}
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	kexPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key agreement pair: %w", err)
	}

	return &Identity{
		scheme:   scheme,
		signPub:  pub,
		signPriv: priv,
		pubBytes: pubBytes,
		kexPriv:  kexPriv,
		address:  AddressOf(pubBytes),
	}, nil
}

// Address returns the identity's publisher/subscriber address.
func (i *Identity) Address() string { return i.address }

// SchemeName returns the name of the signature scheme.
func (i *Identity) SchemeName() string { return i.scheme.Name() }

// PublicKey returns the marshalled signing public key.
func (i *Identity) PublicKey() []byte {
	out := make([]byte, len(i.pubBytes))
	copy(out, i.pubBytes)
	return out
}

// ExchangeKey returns the X25519 public key peers seal group keys to.
func (i *Identity) ExchangeKey() []byte {
	return i.kexPriv.PublicKey().Bytes()
}

// Sign signs msg with the identity's private key.
func (i *Identity) Sign(msg []byte) []byte {
	return i.scheme.Sign(i.signPriv, msg, nil)
}

// AddressOf derives an address from a marshalled public key: the last twenty
// bytes of its Keccak-256 digest, hex encoded with a 0x prefix.
func AddressOf(pub []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(pub)
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}

// Verify checks sig over msg with the marshalled public key pub, and that pub
// belongs to claimedAddress.
func Verify(schemeName string, pub, msg, sig []byte, claimedAddress string) error {
	scheme, err := lookupScheme(schemeName)
	if err != nil {
		return err
	}
	if !strings.EqualFold(AddressOf(pub), claimedAddress) {
		return ErrAddressMismatch
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	if !scheme.Verify(pk, msg, sig, nil) {
		return ErrBadSignature
	}
	return nil
}

func lookupScheme(name string) (sign.Scheme, error) {
	scheme := schemes.ByName(name)
	if scheme == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, name)
	}
	return scheme, nil
}
