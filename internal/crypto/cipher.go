package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of group key secrets.
const KeySize = 32

// ErrCiphertextTooShort is returned when a ciphertext cannot contain a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher encrypts stream payloads under group keys. AEAD instances are derived
// once per key id and secret and kept in an LRU cache, so a Cipher can be
// shared by clients holding different material under the same key id.
type Cipher struct {
	aeads *lru.Cache[aeadKey, cipher.AEAD]
}

type aeadKey struct {
	id     string
	digest [sha256.Size]byte
}

// NewCipher creates a Cipher caching at most size derived AEADs.
func NewCipher(size int) (*Cipher, error) {
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[aeadKey, cipher.AEAD](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cache: %w", err)
	}
	return &Cipher{aeads: cache}, nil
}

// NewSecret returns fresh random key material.
func NewSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("failed to read random key material: %w", err)
	}
	return secret, nil
}

// Seal encrypts plaintext under the group key (keyID, secret). The nonce is
// prepended to the returned ciphertext.
func (c *Cipher) Seal(keyID string, secret, plaintext, aad []byte) ([]byte, error) {
	aead, err := c.aead(keyID, secret)
	if err != nil {
		return nil, err
	}
	return seal(aead, plaintext, aad)
}

// Open decrypts a ciphertext produced by Seal.
func (c *Cipher) Open(keyID string, secret, ciphertext, aad []byte) ([]byte, error) {
	aead, err := c.aead(keyID, secret)
	if err != nil {
		return nil, err
	}
	return open(aead, ciphertext, aad)
}

func (c *Cipher) aead(keyID string, secret []byte) (cipher.AEAD, error) {
	k := aeadKey{id: keyID, digest: sha256.Sum256(secret)}
	if aead, ok := c.aeads.Get(k); ok {
		return aead, nil
	}
	aead, err := deriveAEAD(secret, nil, []byte("streamcheck group key "+keyID))
	if err != nil {
		return nil, err
	}
	c.aeads.Add(k, aead)
	return aead, nil
}

// AssociatedData binds a ciphertext to its position in the stream.
func AssociatedData(streamID, publisher string, sequence uint64) []byte {
	aad := make([]byte, 0, len(streamID)+len(publisher)+10)
	aad = append(aad, streamID...)
	aad = append(aad, 0)
	aad = append(aad, publisher...)
	aad = append(aad, 0)
	return binary.BigEndian.AppendUint64(aad, sequence)
}

// NextKeyData is the associated data for an in-band next-key announcement.
func NextKeyData(keyID, nextKeyID string) []byte {
	return []byte("next " + keyID + " " + nextKeyID)
}

// SealKey wraps a group key secret for the holder of recipient's X25519
// public key. The output is ephemeral public key || nonce || ciphertext.
func SealKey(recipient []byte, keyID string, secret []byte) ([]byte, error) {
	pub, err := ecdh.X25519().NewPublicKey(recipient)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient key: %w", err)
	}
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	shared, err := eph.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	aead, err := deriveAEAD(shared, eph.PublicKey().Bytes(), []byte("streamcheck key exchange"))
	if err != nil {
		return nil, err
	}
	sealed, err := seal(aead, secret, []byte(keyID))
	if err != nil {
		return nil, err
	}
	return append(eph.PublicKey().Bytes(), sealed...), nil
}

// OpenKey unwraps a group key sealed to this identity by SealKey.
func (i *Identity) OpenKey(keyID string, sealed []byte) ([]byte, error) {
	const ephLen = 32
	if len(sealed) < ephLen {
		return nil, ErrCiphertextTooShort
	}
	eph, err := ecdh.X25519().NewPublicKey(sealed[:ephLen])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	shared, err := i.kexPriv.ECDH(eph)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	aead, err := deriveAEAD(shared, sealed[:ephLen], []byte("streamcheck key exchange"))
	if err != nil {
		return nil, err
	}
	return open(aead, sealed[ephLen:], []byte(keyID))
}

func deriveAEAD(secret, salt, info []byte) (cipher.AEAD, error) {
	key := make([]byte, 32) // AES-256
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

func seal(aead cipher.AEAD, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(aead cipher.AEAD, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrCiphertextTooShort
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
