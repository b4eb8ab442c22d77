package keys

import (
	"sync"
	"time"
)

// GroupKey is a symmetric stream key. Keys are immutable once created.
type GroupKey struct {
	ID        string
	Secret    []byte
	Order     int
	CreatedAt time.Time
}

// Revocation records when a key stopped being eligible for future use.
type Revocation struct {
	KeyID string
	At    time.Time
}

// Keyset is a publisher's append-only list of group keys. Rotation appends,
// revocation is recorded beside the key, nothing is removed or rewritten, so a
// reader always sees either the old or the new list.
type Keyset struct {
	mu      sync.RWMutex
	keys    []GroupKey
	current int
	revoked map[string]Revocation
}

func newKeyset(initial GroupKey) *Keyset {
	initial.Order = 0
	return &Keyset{
		keys:    []GroupKey{initial},
		revoked: make(map[string]Revocation),
	}
}

// Current returns the key used for new messages.
func (k *Keyset) Current() GroupKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[k.current]
}

// Get returns the key with the given id.
func (k *Keyset) Get(id string) (GroupKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, key := range k.keys {
		if key.ID == id {
			return key, true
		}
	}
	return GroupKey{}, false
}

// Keys returns a copy of every key in creation order.
func (k *Keyset) Keys() []GroupKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]GroupKey, len(k.keys))
	copy(out, k.keys)
	return out
}

// Revocation returns the revocation record of a key, if it was revoked.
func (k *Keyset) Revocation(id string) (Revocation, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	r, ok := k.revoked[id]
	return r, ok
}

// Len returns the number of keys ever added.
func (k *Keyset) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

func (k *Keyset) append(key GroupKey) GroupKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	key.Order = len(k.keys)
	k.keys = append(k.keys, key)
	return key
}

func (k *Keyset) activate(id string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, key := range k.keys {
		if key.ID == id {
			k.current = i
			return true
		}
	}
	return false
}

// oldestRevocable returns the oldest key that is neither current nor revoked.
func (k *Keyset) oldestRevocable() (GroupKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for i, key := range k.keys {
		if i == k.current {
			continue
		}
		if _, done := k.revoked[key.ID]; done {
			continue
		}
		return key, true
	}
	return GroupKey{}, false
}

func (k *Keyset) revoke(id string, at time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, done := k.revoked[id]; done {
		return false
	}
	k.revoked[id] = Revocation{KeyID: id, At: at}
	return true
}

func (k *Keyset) isCurrent(id string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys[k.current].ID == id
}
