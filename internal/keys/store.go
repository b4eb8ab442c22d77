package keys

import (
	"sort"
	"sync"
	"time"
)

// Source says how a subscriber came to hold a key.
type Source int

const (
	SourceInitial Source = iota
	SourceInBand
	SourceExchange
)

func (s Source) String() string {
	switch s {
	case SourceInitial:
		return "initial"
	case SourceInBand:
		return "in-band"
	case SourceExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// Held is a key in a subscriber's possession.
type Held struct {
	Key        GroupKey
	Publisher  string
	ObtainedAt time.Time
	Source     Source
}

// Store is the key set of one subscriber. Key ids are globally unique, so keys
// are indexed by id alone. The first way a key was obtained wins.
type Store struct {
	mu        sync.RWMutex
	held      map[string]Held
	clockFunc func() time.Time
}

// NewStore creates an empty Store.
func NewStore(clockFunc func() time.Time) *Store {
	if clockFunc == nil {
		clockFunc = time.Now
	}
	return &Store{held: make(map[string]Held), clockFunc: clockFunc}
}

// Add records key as obtained from publisher now. It returns false if the key
// was already held.
func (s *Store) Add(publisher string, key GroupKey, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.held[key.ID]; ok {
		return false
	}
	s.held[key.ID] = Held{Key: key, Publisher: publisher, ObtainedAt: s.clockFunc(), Source: src}
	return true
}

// Get returns the held key with the given id.
func (s *Store) Get(keyID string) (Held, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.held[keyID]
	return h, ok
}

// All returns every held key ordered by the time it was obtained.
func (s *Store) All() []Held {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Held, 0, len(s.held))
	for _, h := range s.held {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObtainedAt.Before(out[j].ObtainedAt) })
	return out
}
