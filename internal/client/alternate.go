package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamcheck/internal/broker"
)

var errConnectionClosed = errors.New("gateway connection closed")

// Alternate reaches the broker through its WebSocket gateway.
type Alternate struct {
	url   string
	codec *codec

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan broker.Frame
	refs    map[string]*alternateSubscription
	ctx     context.Context
	cancel  context.CancelFunc
	readErr error
	done    chan struct{}
}

// NewAlternate creates a client of the alternate variant for the gateway at url.
func NewAlternate(url string, opts Options) (*Alternate, error) {
	c, err := newCodec(opts)
	if err != nil {
		return nil, err
	}
	return &Alternate{
		url:     url,
		codec:   c,
		pending: make(map[string]chan broker.Frame),
		refs:    make(map[string]*alternateSubscription),
	}, nil
}

// Address returns the client's identity address.
func (a *Alternate) Address() string { return a.codec.address() }

// Connect dials the gateway and, for key-serving publishers, registers as the
// key responder for this address.
func (a *Alternate) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.ws != nil {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return &TransportError{Op: "connect", Participant: a.Address(), Err: err}
	}

	a.mu.Lock()
	a.ws = ws
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.done = make(chan struct{})
	a.readErr = nil
	a.mu.Unlock()
	go a.readLoop(ws, a.done)

	if a.codec.servesKeys() {
		if _, err := a.request(ctx, broker.Frame{Type: broker.FrameRegisterResponder, Publisher: a.Address()}, broker.FrameAck); err != nil {
			_ = a.Disconnect(ctx)
			return &TransportError{Op: "connect", Participant: a.Address(), Err: err}
		}
	}
	return nil
}

func (a *Alternate) write(f broker.Frame) error {
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return ws.WriteJSON(f)
}

// request sends f and waits for the reply carrying its request id.
func (a *Alternate) request(ctx context.Context, f broker.Frame, want broker.FrameType) (broker.Frame, error) {
	f.RequestID = uuid.NewString()
	ch := make(chan broker.Frame, 1)

	a.mu.Lock()
	if a.ws == nil {
		a.mu.Unlock()
		return broker.Frame{}, ErrNotConnected
	}
	done := a.done
	a.pending[f.RequestID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, f.RequestID)
		a.mu.Unlock()
	}()

	if err := a.write(f); err != nil {
		return broker.Frame{}, err
	}

	select {
	case reply := <-ch:
		if reply.Type == broker.FrameError {
			return reply, errors.New(reply.Error)
		}
		if reply.Type != want {
			return reply, fmt.Errorf("expected %s frame, got %s", want, reply.Type)
		}
		return reply, nil
	case <-done:
		return broker.Frame{}, a.closedErr()
	case <-ctx.Done():
		return broker.Frame{}, ctx.Err()
	}
}

func (a *Alternate) closedErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.readErr != nil {
		return fmt.Errorf("%w: %v", errConnectionClosed, a.readErr)
	}
	return errConnectionClosed
}

func (a *Alternate) readLoop(ws *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var f broker.Frame
		if err := ws.ReadJSON(&f); err != nil {
			a.mu.Lock()
			a.readErr = err
			a.mu.Unlock()
			return
		}

		switch f.Type {
		case broker.FrameMessage:
			a.mu.Lock()
			sub, ok := a.refs[f.Ref]
			a.mu.Unlock()
			if ok && f.Envelope != nil {
				sub.queue.Push(*f.Envelope)
			}
		case broker.FrameKeyRequest:
			go a.answer(f)
		default:
			a.mu.Lock()
			ch, ok := a.pending[f.RequestID]
			a.mu.Unlock()
			if ok {
				ch <- f
			} else if f.Type == broker.FrameError {
				a.codec.logWarn("Gateway error for %s: %s", a.Address(), f.Error)
			}
		}
	}
}

func (a *Alternate) answer(req broker.Frame) {
	reply := broker.Frame{RequestID: req.RequestID}
	if req.KeyRequest == nil {
		reply.Type, reply.Error = broker.FrameError, "key request frame without request"
	} else if resp, err := a.codec.respond(context.Background(), *req.KeyRequest); err != nil {
		reply.Type, reply.Error = broker.FrameError, err.Error()
	} else {
		reply.Type, reply.KeyResponse = broker.FrameKeyResponse, &resp
	}
	if err := a.write(reply); err != nil {
		a.codec.logWarn("Failed to answer key request %s: %v", req.RequestID, err)
	}
}

func (a *Alternate) fetchKey(ctx context.Context, req broker.KeyRequest) (broker.KeyResponse, error) {
	reply, err := a.request(ctx, broker.Frame{Type: broker.FrameKeyRequest, KeyRequest: &req}, broker.FrameKeyResponse)
	if err != nil {
		return broker.KeyResponse{}, err
	}
	if reply.KeyResponse == nil {
		return broker.KeyResponse{}, errors.New("empty key response")
	}
	return *reply.KeyResponse, nil
}

// Publish signs, encrypts and publishes one message, waiting for the gateway's ack.
func (a *Alternate) Publish(ctx context.Context, streamID string, req PublishRequest) (Receipt, error) {
	a.mu.Lock()
	connected := a.ws != nil
	a.mu.Unlock()
	if !connected {
		return Receipt{}, &TransportError{Op: "publish", Participant: a.Address(), Err: ErrNotConnected}
	}
	env, receipt, err := a.codec.encode(streamID, req)
	if err != nil {
		return Receipt{}, err
	}
	if _, err := a.request(ctx, broker.Frame{Type: broker.FramePublish, Envelope: &env}, broker.FrameAck); err != nil {
		return Receipt{}, &TransportError{Op: "publish", Participant: a.Address(), Err: err}
	}
	return receipt, nil
}

// Subscribe attaches h to streamID through the gateway.
func (a *Alternate) Subscribe(ctx context.Context, streamID string, resend broker.Resend, h Handler) (Subscription, error) {
	a.mu.Lock()
	clientCtx := a.ctx
	a.mu.Unlock()
	if clientCtx == nil {
		return nil, &TransportError{Op: "subscribe", Participant: a.Address(), Err: ErrNotConnected}
	}

	sub := &alternateSubscription{owner: a, ref: uuid.NewString(), streamID: streamID}
	sub.queue = broker.NewQueue(func(env broker.Envelope) {
		h(a.codec.decode(clientCtx, env, a.fetchKey))
	}, 0)

	// The ref must be routable before the gateway starts sending the backlog.
	a.mu.Lock()
	a.refs[sub.ref] = sub
	a.mu.Unlock()

	reply, err := a.request(ctx, broker.Frame{
		Type:       broker.FrameSubscribe,
		Ref:        sub.ref,
		StreamID:   streamID,
		Subscriber: a.Address(),
		Resend:     &resend,
	}, broker.FrameSubscribed)
	if err != nil {
		a.mu.Lock()
		delete(a.refs, sub.ref)
		a.mu.Unlock()
		sub.queue.Close()
		return nil, &TransportError{Op: "subscribe", Participant: a.Address(), Err: err}
	}
	if reply.Since != nil {
		sub.since = *reply.Since
	}
	return sub, nil
}

// Disconnect detaches remaining subscriptions and closes the connection.
func (a *Alternate) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	ws := a.ws
	done := a.done
	subs := make([]*alternateSubscription, 0, len(a.refs))
	for _, s := range a.refs {
		subs = append(subs, s)
	}
	a.mu.Unlock()
	if ws == nil {
		return nil
	}

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	a.writeMu.Unlock()
	ws.Close()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	a.mu.Lock()
	a.ws = nil
	a.cancel()
	a.ctx = nil
	a.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return &TransportError{Op: "disconnect", Participant: a.Address(), Err: err}
	}
	return nil
}

type alternateSubscription struct {
	owner    *Alternate
	ref      string
	streamID string
	since    time.Time
	queue    *broker.Queue
	once     sync.Once
	err      error
}

func (s *alternateSubscription) Since() time.Time { return s.since }

// Unsubscribe waits for the gateway to flush the subscription, then drains
// the local queue.
func (s *alternateSubscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		a := s.owner
		_, err := a.request(ctx, broker.Frame{Type: broker.FrameUnsubscribe, Ref: s.ref}, broker.FrameUnsubscribed)

		a.mu.Lock()
		delete(a.refs, s.ref)
		a.mu.Unlock()

		if drainErr := s.queue.Drain(ctx); drainErr != nil && err == nil {
			err = drainErr
		}
		if err != nil {
			s.err = fmt.Errorf("failed to unsubscribe %s from %s: %w", a.Address(), s.streamID, err)
		}
	})
	return s.err
}
