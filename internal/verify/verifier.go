// Package verify reconciles the ledger of published messages against what
// each subscriber received. A subscriber's expected messages follow from its
// join time, its resend policy and the keys it could hold.
package verify

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"streamcheck/internal/broker"
	"streamcheck/internal/keys"
	"streamcheck/internal/ledger"
	"streamcheck/internal/participant"
)

// Subscriber is a subscriber's view of the run.
type Subscriber struct {
	Name       string
	Address    string
	Variant    string
	Encryption participant.Encryption
	Policy     string
	// Attached is false for subscribers whose delayed attach never fired.
	Attached bool
	Since    time.Time
	Resend   broker.Resend
	Held     []keys.Held
	Records  []participant.Record
	Failure  error
}

// Publisher is a publisher's view of the run.
type Publisher struct {
	Name    string
	Address string
	Variant string
	Failure error
}

// Input is everything the verifier reads. It must be assembled after the
// stop barrier.
type Input struct {
	Scenario    string
	RunID       string
	StreamID    string
	Snapshot    ledger.Snapshot
	Publishers  []Publisher
	Subscribers []Subscriber
	// Keys supplies revocations and publisher visibility.
	Keys *keys.Manager
	// JoinTolerance is the band before a join point in which delivery is optional.
	JoinTolerance time.Duration
	Aborted       bool
}

// Verify produces the report for one run.
func Verify(in Input) *Report {
	r := &Report{
		Scenario:  in.Scenario,
		RunID:     in.RunID,
		StreamID:  in.StreamID,
		Published: in.Snapshot.Len(),
		Aborted:   in.Aborted,
	}
	for _, p := range in.Publishers {
		pr := PublisherReport{
			Name:      p.Name,
			Address:   p.Address,
			Variant:   p.Variant,
			Published: len(in.Snapshot.Messages(p.Address)),
			Status:    StatusPassed,
		}
		if p.Failure != nil {
			pr.Status, pr.Error = StatusFailed, p.Failure.Error()
		}
		r.Publishers = append(r.Publishers, pr)
	}
	for _, s := range in.Subscribers {
		r.Subscribers = append(r.Subscribers, verifySubscriber(in, s))
	}
	return r
}

type windowVerdict int

const (
	outsideWindow windowVerdict = iota
	optionalWindow
	insideWindow
)

type keyVerdict int

const (
	keyOptional keyVerdict = iota
	keyRequired
	// keyForbidden marks a key obtained through exchange well after it was revoked.
	keyForbidden
)

type expectation struct {
	window windowVerdict
	key    keyVerdict
}

func (e expectation) required() bool { return e.window == insideWindow && e.key == keyRequired }

// window decides whether a message falls in a subscriber's delivery window.
type window struct {
	since  time.Time
	resend broker.Resend
	tol    time.Duration

	// resend-last: messages stamped before since, oldest first, and the
	// index where the backlog starts.
	pre      []ledger.Message
	preIndex map[ledger.MessageID]int
	cut      int
	inflight int
}

func newWindow(s Subscriber, snap ledger.Snapshot, tol time.Duration) window {
	w := window{since: s.Since, resend: s.Resend, tol: tol}
	if s.Resend.Kind != broker.ResendLast {
		return w
	}
	w.preIndex = make(map[ledger.MessageID]int)
	for _, m := range snap.All() {
		if m.Timestamp.Before(s.Since) {
			w.preIndex[m.ID()] = len(w.pre)
			w.pre = append(w.pre, m)
			if !m.Timestamp.Before(s.Since.Add(-tol)) {
				w.inflight++
			}
		}
	}
	w.cut = len(w.pre) - s.Resend.Last
	return w
}

func (w window) classify(m ledger.Message) windowVerdict {
	if !m.Timestamp.Before(w.since) {
		return insideWindow
	}
	switch w.resend.Kind {
	case broker.ResendFrom:
		if !m.Timestamp.Before(w.resend.From) {
			return insideWindow
		}
	case broker.ResendLast:
		return w.classifyBacklog(m)
	}
	// Stamped just before the join, it may still have reached the broker after it.
	if !m.Timestamp.Before(w.since.Add(-w.tol)) {
		return optionalWindow
	}
	return outsideWindow
}

// classifyBacklog places a message stamped before the join relative to the
// resend-last cut. Messages within the tolerance of the cut are optional, as
// publishers race on the broker's history order, and so are messages that
// in-flight publishes may have pulled into the backlog.
func (w window) classifyBacklog(m ledger.Message) windowVerdict {
	if w.cut <= 0 {
		return insideWindow
	}
	i := w.preIndex[m.ID()]
	if i >= w.cut {
		if m.Timestamp.Sub(w.pre[w.cut-1].Timestamp) <= w.tol {
			return optionalWindow
		}
		return insideWindow
	}
	if i >= w.cut-w.inflight || w.pre[w.cut].Timestamp.Sub(m.Timestamp) <= w.tol {
		return optionalWindow
	}
	return outsideWindow
}

func verifySubscriber(in Input, s Subscriber) SubscriberReport {
	rep := SubscriberReport{
		Name:    s.Name,
		Address: s.Address,
		Variant: s.Variant,
		Policy:  s.Policy,
		Since:   s.Since,
		Status:  StatusPassed,
	}
	if !s.Attached {
		rep.Status = StatusSkipped
		rep.Error = "never attached"
		if s.Failure != nil {
			rep.Status, rep.Error = StatusFailed, s.Failure.Error()
		}
		return rep
	}

	expect := expectations(in, s)

	counts := make(map[ledger.MessageID]int)
	for _, rec := range s.Records {
		counts[rec.ID]++
		if counts[rec.ID] > 1 {
			continue
		}

		m, published := in.Snapshot.Lookup(rec.ID)
		if !published {
			rep.Unexpected = append(rep.Unexpected, Finding{Kind: FindingUnexpected, ID: rec.ID, KeyID: rec.KeyID, Detail: "never published"})
			continue
		}
		rep.Received++
		e := expect[rec.ID]

		switch rec.Outcome {
		case participant.OutcomeSignatureInvalid:
			rep.SignatureFailures = append(rep.SignatureFailures, Finding{Kind: FindingSignatureFailure, ID: rec.ID, Detail: errDetail(rec.Err)})
		case participant.OutcomeDecryptFailed:
			rep.DecryptionErrors = append(rep.DecryptionErrors, Finding{Kind: FindingDecryptionError, ID: rec.ID, KeyID: rec.KeyID, Detail: errDetail(rec.Err)})
		case participant.OutcomeKeyUnavailable:
			if e.required() {
				rep.DecryptionErrors = append(rep.DecryptionErrors, Finding{
					Kind: FindingDecryptionError, ID: rec.ID, KeyID: rec.KeyID,
					Detail: "subscriber should hold key: " + errDetail(rec.Err),
				})
			} else {
				rep.Undecryptable = append(rep.Undecryptable, Finding{Kind: FindingUndecryptable, ID: rec.ID, KeyID: rec.KeyID})
			}
		case participant.OutcomeOK:
			if rec.KeyID != m.KeyID {
				rep.Corrupted = append(rep.Corrupted, Finding{
					Kind: FindingCorrupted, ID: rec.ID, KeyID: rec.KeyID,
					Detail: fmt.Sprintf("received under key %q, published under %q", rec.KeyID, m.KeyID),
				})
			} else if !bytes.Equal(rec.Payload, m.Payload) {
				rep.Corrupted = append(rep.Corrupted, Finding{Kind: FindingCorrupted, ID: rec.ID, KeyID: rec.KeyID, Detail: "payload differs from published"})
			}
			if e.key == keyForbidden {
				rep.Unexpected = append(rep.Unexpected, Finding{
					Kind: FindingUnexpected, ID: rec.ID, KeyID: rec.KeyID,
					Detail: "decrypted under a key obtained after its revocation",
				})
			}
		}

		if e.window == outsideWindow {
			rep.Unexpected = append(rep.Unexpected, Finding{
				Kind: FindingUnexpected, ID: rec.ID, KeyID: rec.KeyID,
				Detail: fmt.Sprintf("published %s, outside the %s window", m.Timestamp.Format(time.RFC3339Nano), s.Resend),
			})
		}
	}

	for id, n := range counts {
		if n > 1 {
			rep.Duplicates = append(rep.Duplicates, Finding{Kind: FindingDuplicate, ID: id, Count: n})
		}
	}

	for _, m := range in.Snapshot.All() {
		e := expect[m.ID()]
		switch {
		case e.required():
			rep.Expected++
			if counts[m.ID()] == 0 {
				rep.Missing = append(rep.Missing, Finding{Kind: FindingMissing, ID: m.ID(), KeyID: m.KeyID})
			}
		case e.window != outsideWindow:
			rep.Optional++
		}
	}

	for _, group := range []*[]Finding{&rep.Missing, &rep.Unexpected, &rep.Duplicates, &rep.Corrupted, &rep.DecryptionErrors, &rep.SignatureFailures, &rep.Undecryptable} {
		sortFindings(*group)
	}

	switch {
	case s.Failure != nil:
		rep.Status, rep.Error = StatusFailed, s.Failure.Error()
	case len(rep.Failures()) > 0:
		rep.Status = StatusFailed
	}
	return rep
}

// expectations walks each publisher's messages in sequence order, deciding
// for each whether the subscriber had to receive and decrypt it. Keys
// announced in band by a message the subscriber had to decrypt become
// required in turn.
func expectations(in Input, s Subscriber) map[ledger.MessageID]expectation {
	held := make(map[string]keys.Held, len(s.Held))
	for _, h := range s.Held {
		held[h.Key.ID] = h
	}
	first := make(map[ledger.MessageID]participant.Record, len(s.Records))
	for _, rec := range s.Records {
		if _, ok := first[rec.ID]; !ok {
			first[rec.ID] = rec
		}
	}
	w := newWindow(s, in.Snapshot, in.JoinTolerance)
	inBand := make(map[string]bool)
	out := make(map[ledger.MessageID]expectation, in.Snapshot.Len())

	for _, pub := range in.Snapshot.Publishers() {
		for _, m := range in.Snapshot.Messages(pub) {
			e := expectation{window: w.classify(m)}
			if e.window == outsideWindow {
				out[m.ID()] = e
				continue
			}
			rec, hasRec := first[m.ID()]
			e.key = keyFor(in, s, held, inBand, m, rec, hasRec)
			out[m.ID()] = e
			if m.NextKeyID != "" && e.required() {
				inBand[m.NextKeyID] = true
			}
		}
	}
	return out
}

func keyFor(in Input, s Subscriber, held map[string]keys.Held, inBand map[string]bool, m ledger.Message, rec participant.Record, hasRec bool) keyVerdict {
	if m.KeyID == "" {
		return keyRequired
	}
	h, isHeld := held[m.KeyID]
	var (
		rev     keys.Revocation
		revoked bool
	)
	if in.Keys != nil {
		rev, revoked = in.Keys.Revocation(m.Publisher, m.KeyID)
	}

	switch {
	case isHeld && revoked && h.Source == keys.SourceExchange && h.ObtainedAt.After(rev.At.Add(in.JoinTolerance)):
		return keyForbidden
	case isHeld:
		return keyRequired
	case revoked && arrivedAfter(s, m, rec, hasRec, rev.At, in.JoinTolerance):
		// Access was lost before the subscriber needed the key.
		return keyOptional
	case revoked:
		return keyRequired
	case inBand[m.KeyID]:
		return keyRequired
	case s.Encryption == participant.EncryptionExchanged && in.Keys != nil && in.Keys.Visible(s.Address, m.Publisher):
		return keyRequired
	default:
		return keyOptional
	}
}

// arrivedAfter reports whether m reached, or would have reached, the
// subscriber after the revocation at revokedAt. A stamped record is decisive.
// Otherwise live delivery happens at publication and backlog delivery at the
// join.
func arrivedAfter(s Subscriber, m ledger.Message, rec participant.Record, hasRec bool, revokedAt time.Time, tol time.Duration) bool {
	if hasRec && !rec.ReceivedAt.IsZero() {
		return rec.ReceivedAt.After(revokedAt.Add(tol))
	}
	arrival := m.Timestamp
	if s.Since.After(arrival) {
		arrival = s.Since
	}
	return arrival.After(revokedAt.Add(-tol))
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sortFindings(fs []Finding) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].ID.Publisher != fs[j].ID.Publisher {
			return fs[i].ID.Publisher < fs[j].ID.Publisher
		}
		return fs[i].ID.Sequence < fs[j].ID.Sequence
	})
}
