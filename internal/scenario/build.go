package scenario

import (
	"fmt"

	"streamcheck/internal/client"
	"streamcheck/internal/config"
	"streamcheck/internal/keys"
	"streamcheck/internal/participant"
)

// Topology is the participants of a built scenario.
type Topology struct {
	Scenario    Scenario
	Publishers  []*participant.Participant
	Subscribers []*participant.Participant
	// Groups partitions Subscribers for the delayed-resend policy. It is nil
	// when every subscriber attaches immediately.
	Groups [][]*participant.Participant
}

// Build creates the participants of s, native ones first, and grants every
// subscriber visibility of every publisher.
func Build(s Scenario, f *participant.Factory, km *keys.Manager, counts config.ParticipantCounts) (*Topology, error) {
	t := &Topology{Scenario: s}

	perVariant := map[client.Variant][]*participant.Participant{}
	for _, v := range client.Variants() {
		n := counts.NativePublishers
		if v == client.VariantAlternate {
			n = counts.AlternatePublishers
		}
		for i := 0; i < n; i++ {
			p, err := f.BuildPublisher(v, s.Signing, s.Encryption)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s publisher: %w", v, err)
			}
			t.Publishers = append(t.Publishers, p)
		}
	}
	for _, v := range client.Variants() {
		n := counts.NativeSubscribers
		if v == client.VariantAlternate {
			n = counts.AlternateSubscribers
		}
		for i := 0; i < n; i++ {
			p, err := f.BuildSubscriber(v, s.Signing, s.Encryption)
			if err != nil {
				return nil, fmt.Errorf("failed to build %s subscriber: %w", v, err)
			}
			t.Subscribers = append(t.Subscribers, p)
			perVariant[v] = append(perVariant[v], p)
		}
	}

	for _, sub := range t.Subscribers {
		for _, pub := range t.Publishers {
			km.Grant(sub.Address(), pub.Address())
		}
	}

	switch s.Grouping {
	case GroupAll:
		t.Groups = [][]*participant.Participant{t.Subscribers}
	case GroupPerVariant:
		for _, v := range client.Variants() {
			if len(perVariant[v]) > 0 {
				t.Groups = append(t.Groups, perVariant[v])
			}
		}
	}
	return t, nil
}

// Participants returns publishers followed by subscribers.
func (t *Topology) Participants() []*participant.Participant {
	out := make([]*participant.Participant, 0, len(t.Publishers)+len(t.Subscribers))
	out = append(out, t.Publishers...)
	return append(out, t.Subscribers...)
}
