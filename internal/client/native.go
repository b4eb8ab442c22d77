package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"streamcheck/internal/broker"
)

// Native drives the broker in process.
type Native struct {
	broker *broker.Broker
	codec  *codec

	mu        sync.Mutex
	connected bool
	ctx       context.Context
	cancel    context.CancelFunc
	subs      map[*nativeSubscription]struct{}
}

// NewNative creates a client of the native variant on b.
func NewNative(b *broker.Broker, opts Options) (*Native, error) {
	c, err := newCodec(opts)
	if err != nil {
		return nil, err
	}
	return &Native{broker: b, codec: c, subs: make(map[*nativeSubscription]struct{})}, nil
}

// Address returns the client's identity address.
func (n *Native) Address() string { return n.codec.address() }

// Connect makes the client usable and, for key-serving publishers, registers
// the key responder.
func (n *Native) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "connect", Participant: n.Address(), Err: err}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.connected {
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	if n.codec.servesKeys() {
		n.broker.RegisterResponder(n.Address(), n.codec.respond)
	}
	n.connected = true
	return nil
}

func (n *Native) live() (context.Context, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected {
		return nil, ErrNotConnected
	}
	return n.ctx, nil
}

// Publish signs, encrypts and publishes one message.
func (n *Native) Publish(ctx context.Context, streamID string, req PublishRequest) (Receipt, error) {
	if _, err := n.live(); err != nil {
		return Receipt{}, &TransportError{Op: "publish", Participant: n.Address(), Err: err}
	}
	env, receipt, err := n.codec.encode(streamID, req)
	if err != nil {
		return Receipt{}, err
	}
	if err := n.broker.Publish(ctx, env); err != nil {
		return Receipt{}, &TransportError{Op: "publish", Participant: n.Address(), Err: err}
	}
	return receipt, nil
}

// Subscribe attaches h to streamID.
func (n *Native) Subscribe(ctx context.Context, streamID string, resend broker.Resend, h Handler) (Subscription, error) {
	clientCtx, err := n.live()
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Participant: n.Address(), Err: err}
	}
	ns := &nativeSubscription{owner: n}
	sub, err := n.broker.Subscribe(ctx, streamID, n.Address(), resend, func(env broker.Envelope) {
		h(n.codec.decode(clientCtx, env, n.broker.RequestKey))
	})
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Participant: n.Address(), Err: err}
	}
	ns.sub = sub

	n.mu.Lock()
	n.subs[ns] = struct{}{}
	n.mu.Unlock()
	return ns, nil
}

// Disconnect detaches remaining subscriptions and stops answering key requests.
func (n *Native) Disconnect(ctx context.Context) error {
	n.mu.Lock()
	if !n.connected {
		n.mu.Unlock()
		return nil
	}
	n.connected = false
	subs := make([]*nativeSubscription, 0, len(n.subs))
	for s := range n.subs {
		subs = append(subs, s)
	}
	n.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if n.codec.servesKeys() {
		n.broker.UnregisterResponder(n.Address())
	}
	n.cancel()
	if err := errors.Join(errs...); err != nil {
		return &TransportError{Op: "disconnect", Participant: n.Address(), Err: err}
	}
	return nil
}

type nativeSubscription struct {
	owner *Native
	sub   *broker.Subscription
}

func (s *nativeSubscription) Since() time.Time { return s.sub.Since }

func (s *nativeSubscription) Unsubscribe(ctx context.Context) error {
	s.owner.mu.Lock()
	delete(s.owner.subs, s)
	s.owner.mu.Unlock()
	if err := s.sub.Cancel(ctx); err != nil {
		return fmt.Errorf("failed to unsubscribe %s from %s: %w", s.owner.Address(), s.sub.StreamID, err)
	}
	return nil
}
