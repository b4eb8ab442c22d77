// Package broker is an in-process pub/sub broker: streams with stored history,
// live and resend subscriptions, and routing for out-of-band key exchange. It
// is the platform the harness drives when no external one is configured, and
// is reachable over WebSocket through Gateway.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcheck/pkg/logging"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
	// ErrNoResponder is returned when no publisher answers key requests for an address.
	ErrNoResponder = errors.New("no key responder registered")
	// ErrInvalidEnvelope is returned for envelopes without a stream or publisher.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Handler receives envelopes for one subscription, one at a time.
type Handler func(Envelope)

// Interceptor rewrites an envelope on its way to one subscriber. Returning no
// envelopes drops it, returning two duplicates it. Tests use it to inject faults.
type Interceptor func(subscriber string, env Envelope) []Envelope

// KeyResponder answers key requests addressed to one publisher.
type KeyResponder func(ctx context.Context, req KeyRequest) (KeyResponse, error)

// Options configures a Broker.
type Options struct {
	// Jitter is the maximum random delay added before each delivery.
	Jitter      time.Duration
	Interceptor Interceptor
	Now         func() time.Time
	Logger      *logging.Logger
}

// Broker holds the streams of one run.
type Broker struct {
	mu         sync.Mutex
	opts       Options
	streams    map[string]*stream
	responders map[string]KeyResponder
	nextID     uint64
	closed     bool
}

type stream struct {
	history []Envelope
	subs    map[uint64]*Subscription
}

// New creates a Broker.
func New(opts Options) *Broker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Broker{
		opts:       opts,
		streams:    make(map[string]*stream),
		responders: make(map[string]KeyResponder),
	}
}

func (b *Broker) stream(id string) *stream {
	s, ok := b.streams[id]
	if !ok {
		s = &stream{subs: make(map[uint64]*Subscription)}
		b.streams[id] = s
	}
	return s
}

// Publish stores env in its stream's history and queues it for every current
// subscription.
func (b *Broker) Publish(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if env.StreamID == "" || env.Publisher == "" {
		return fmt.Errorf("%w: stream and publisher are required", ErrInvalidEnvelope)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	s := b.stream(env.StreamID)
	s.history = append(s.history, env.Clone())
	for _, sub := range s.subs {
		sub.box.Push(b.intercept(sub.Subscriber, env)...)
	}
	return nil
}

func (b *Broker) intercept(subscriber string, env Envelope) []Envelope {
	if b.opts.Interceptor == nil {
		return []Envelope{env.Clone()}
	}
	return b.opts.Interceptor(subscriber, env.Clone())
}

// Subscription is one subscriber's attachment to a stream.
type Subscription struct {
	ID         uint64
	StreamID   string
	Subscriber string
	Resend     Resend
	// Since is the broker time at which live delivery began. Messages stored
	// before it arrive only through Resend.
	Since time.Time

	broker *Broker
	box    *Queue
	once   sync.Once
}

// Subscribe attaches handler to streamID. The resend backlog and live
// registration are taken under one lock, so no message is both resent and
// delivered live, and none falls between the two.
func (b *Broker) Subscribe(ctx context.Context, streamID, subscriber string, resend Resend, handler Handler) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if streamID == "" {
		return nil, fmt.Errorf("%w: stream is required", ErrInvalidEnvelope)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := b.stream(streamID)
	b.nextID++
	sub := &Subscription{
		ID:         b.nextID,
		StreamID:   streamID,
		Subscriber: subscriber,
		Resend:     resend,
		Since:      b.opts.Now(),
		broker:     b,
		box:        NewQueue(handler, b.opts.Jitter),
	}
	backlog := resend.backlog(s.history)
	for _, env := range backlog {
		sub.box.Push(b.intercept(subscriber, env)...)
	}
	s.subs[sub.ID] = sub

	b.opts.Logger.Debug("Broker", "Subscriber %s attached to %s (%s, %d resent)", subscriber, streamID, resend, len(backlog))
	return sub, nil
}

// Cancel detaches the subscription. Envelopes already queued are still handed
// to the handler; Cancel returns when they have been, or when ctx ends.
func (s *Subscription) Cancel(ctx context.Context) error {
	s.once.Do(func() {
		b := s.broker
		b.mu.Lock()
		if st, ok := b.streams[s.StreamID]; ok {
			delete(st.subs, s.ID)
		}
		b.mu.Unlock()
		s.box.Close()
	})

	if err := s.box.Drain(ctx); err != nil {
		return fmt.Errorf("subscription %d did not drain: %w", s.ID, err)
	}
	return nil
}

// History returns a copy of a stream's stored messages.
func (b *Broker) History(streamID string) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[streamID]
	if !ok {
		return nil
	}
	out := make([]Envelope, len(s.history))
	copy(out, s.history)
	return out
}

// RegisterResponder routes key requests for publisher to r.
func (b *Broker) RegisterResponder(publisher string, r KeyResponder) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.responders[publisher] = r
}

// UnregisterResponder stops routing key requests for publisher.
func (b *Broker) UnregisterResponder(publisher string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.responders, publisher)
}

// RequestKey forwards req to the publisher's responder.
func (b *Broker) RequestKey(ctx context.Context, req KeyRequest) (KeyResponse, error) {
	b.mu.Lock()
	r, ok := b.responders[req.Publisher]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return KeyResponse{}, ErrClosed
	}
	if !ok {
		return KeyResponse{}, fmt.Errorf("%w: %s", ErrNoResponder, req.Publisher)
	}
	return r(ctx, req)
}

// Close detaches every subscription, draining their queues, and rejects
// further operations.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*Subscription
	for _, s := range b.streams {
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
	}
	b.responders = make(map[string]KeyResponder)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Cancel(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
