package keys

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamcheck/internal/crypto"
)

var (
	// ErrUnknownKey is returned for key ids a keyset never contained.
	ErrUnknownKey = errors.New("unknown group key")
	// ErrKeyRevoked is returned when a revoked key is requested or activated.
	ErrKeyRevoked = errors.New("group key revoked")
	// ErrNotPermitted is returned when a subscriber may not see a publisher.
	ErrNotPermitted = errors.New("publisher not visible to subscriber")
	// ErrUnknownPublisher is returned for publishers without a keyset.
	ErrUnknownPublisher = errors.New("no keyset for publisher")
)

// Manager generates, rotates and revokes group keys for the publishers of one
// run, and tracks which publishers each subscriber may see. It does not run a
// key-exchange protocol itself.
type Manager struct {
	mu         sync.RWMutex
	keysets    map[string]*Keyset
	visibility map[string]map[string]bool // subscriber -> publisher
	clockFunc  func() time.Time
}

// NewManager creates a Manager using time.Now.
func NewManager() *Manager {
	return NewManagerWithClock(time.Now)
}

// NewManagerWithClock creates a Manager with an injected clock.
func NewManagerWithClock(clockFunc func() time.Time) *Manager {
	return &Manager{
		keysets:    make(map[string]*Keyset),
		visibility: make(map[string]map[string]bool),
		clockFunc:  clockFunc,
	}
}

// GenerateKey returns a fresh key, independent of every prior key.
func (m *Manager) GenerateKey() (GroupKey, error) {
	secret, err := crypto.NewSecret()
	if err != nil {
		return GroupKey{}, err
	}
	return GroupKey{
		ID:        uuid.NewString(),
		Secret:    secret,
		CreatedAt: m.clockFunc(),
	}, nil
}

// AddKeyset registers publisher's keyset starting at initial. Several
// publishers may start from the same key.
func (m *Manager) AddKeyset(publisher string, initial GroupKey) *Keyset {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := newKeyset(initial)
	m.keysets[publisher] = ks
	return ks
}

// Keyset returns the keyset of publisher.
func (m *Manager) Keyset(publisher string) (*Keyset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ks, ok := m.keysets[publisher]
	return ks, ok
}

// Publishers returns the addresses of every publisher holding a keyset, sorted.
func (m *Manager) Publishers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keysets))
	for p := range m.keysets {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RotateKey appends a fresh key to publisher's keyset and returns it. The old
// keys stay valid; the publisher switches with Activate once it is ready to
// encrypt under the new key.
func (m *Manager) RotateKey(publisher string) (GroupKey, error) {
	ks, ok := m.Keyset(publisher)
	if !ok {
		return GroupKey{}, fmt.Errorf("%w: %s", ErrUnknownPublisher, publisher)
	}
	key, err := m.GenerateKey()
	if err != nil {
		return GroupKey{}, err
	}
	return ks.append(key), nil
}

// Activate makes keyID the key publisher encrypts new messages under.
func (m *Manager) Activate(publisher, keyID string) error {
	ks, ok := m.Keyset(publisher)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPublisher, publisher)
	}
	if _, revoked := ks.Revocation(keyID); revoked {
		return fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	if !ks.activate(keyID) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return nil
}

// RevokeKey marks keyID ineligible for future use. Messages already published
// under it, and subscribers already holding it, are unaffected. The current
// key cannot be revoked.
func (m *Manager) RevokeKey(publisher, keyID string) (Revocation, error) {
	ks, ok := m.Keyset(publisher)
	if !ok {
		return Revocation{}, fmt.Errorf("%w: %s", ErrUnknownPublisher, publisher)
	}
	if _, ok := ks.Get(keyID); !ok {
		return Revocation{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if ks.isCurrent(keyID) {
		return Revocation{}, fmt.Errorf("cannot revoke current key %s", keyID)
	}
	at := m.clockFunc()
	if !ks.revoke(keyID, at) {
		return Revocation{}, fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	return Revocation{KeyID: keyID, At: at}, nil
}

// RevokeOldest revokes the oldest key of publisher that is neither current nor
// already revoked. It reports false when there is nothing to revoke.
func (m *Manager) RevokeOldest(publisher string) (Revocation, bool, error) {
	ks, ok := m.Keyset(publisher)
	if !ok {
		return Revocation{}, false, fmt.Errorf("%w: %s", ErrUnknownPublisher, publisher)
	}
	key, ok := ks.oldestRevocable()
	if !ok {
		return Revocation{}, false, nil
	}
	rev, err := m.RevokeKey(publisher, key.ID)
	if err != nil {
		return Revocation{}, false, err
	}
	return rev, true, nil
}

// Revocation returns the revocation of keyID in publisher's keyset.
func (m *Manager) Revocation(publisher, keyID string) (Revocation, bool) {
	ks, ok := m.Keyset(publisher)
	if !ok {
		return Revocation{}, false
	}
	return ks.Revocation(keyID)
}

// Grant makes publisher visible to subscriber.
func (m *Manager) Grant(subscriber, publisher string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.visibility[subscriber]
	if !ok {
		set = make(map[string]bool)
		m.visibility[subscriber] = set
	}
	set[publisher] = true
}

// Visible reports whether subscriber may see publisher.
func (m *Manager) Visible(subscriber, publisher string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.visibility[subscriber][publisher]
}

// Release looks up keyID for delivery to subscriber through key exchange. It
// refuses invisible publishers and revoked keys.
func (m *Manager) Release(subscriber, publisher, keyID string) (GroupKey, error) {
	if !m.Visible(subscriber, publisher) {
		return GroupKey{}, fmt.Errorf("%w: %s -> %s", ErrNotPermitted, publisher, subscriber)
	}
	ks, ok := m.Keyset(publisher)
	if !ok {
		return GroupKey{}, fmt.Errorf("%w: %s", ErrUnknownPublisher, publisher)
	}
	key, ok := ks.Get(keyID)
	if !ok {
		return GroupKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if _, revoked := ks.Revocation(keyID); revoked {
		return GroupKey{}, fmt.Errorf("%w: %s", ErrKeyRevoked, keyID)
	}
	return key, nil
}
