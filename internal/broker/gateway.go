package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamcheck/pkg/logging"
)

// Gateway exposes a Broker over WebSocket so out-of-process style clients can
// publish, subscribe and exchange keys with JSON frames.
type Gateway struct {
	broker   *Broker
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	conns    map[*gatewayConn]struct{}
	closed   bool
}

// NewGateway creates a Gateway in front of b.
func NewGateway(b *Broker, logger *logging.Logger) *Gateway {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Gateway{
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: make(map[*gatewayConn]struct{}),
	}
}

// Start listens on addr and returns the WebSocket URL clients dial.
func (g *Gateway) Start(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", g)

	g.mu.Lock()
	g.listener = ln
	g.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	srv := g.server
	g.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("Gateway", err, "Gateway server stopped")
		}
	}()

	url := "ws://" + ln.Addr().String() + "/ws"
	g.logger.Debug("Gateway", "Listening on %s", url)
	return url, nil
}

// ServeHTTP upgrades the request and serves frames until the client leaves.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Gateway", "Upgrade failed: %v", err)
		return
	}

	c := &gatewayConn{
		g:       g,
		ws:      ws,
		subs:    make(map[string]*Subscription),
		pending: make(map[string]chan Frame),
		closed:  make(chan struct{}),
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		ws.Close()
		return
	}
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	c.serve()

	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// Close stops accepting connections and closes the open ones.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	srv := g.server
	conns := make([]*gatewayConn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	for _, c := range conns {
		c.ws.Close()
	}
	return err
}

type gatewayConn struct {
	g       *Gateway
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	subs       map[string]*Subscription
	responders []string
	pending    map[string]chan Frame
	closed     chan struct{}
}

func (c *gatewayConn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

func (c *gatewayConn) reply(req Frame, f Frame) {
	f.RequestID = req.RequestID
	if err := c.write(f); err != nil {
		c.g.logger.Debug("Gateway", "Dropping %s reply: %v", f.Type, err)
	}
}

func (c *gatewayConn) fail(req Frame, err error) {
	c.reply(req, Frame{Type: FrameError, Ref: req.Ref, Error: err.Error()})
}

func (c *gatewayConn) serve() {
	defer c.cleanup()
	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.g.logger.Debug("Gateway", "Connection closed: %v", err)
			}
			return
		}
		c.handle(f)
	}
}

func (c *gatewayConn) handle(f Frame) {
	ctx := context.Background()
	switch f.Type {
	case FramePublish:
		if f.Envelope == nil {
			c.fail(f, fmt.Errorf("%w: publish frame without envelope", ErrInvalidEnvelope))
			return
		}
		if err := c.g.broker.Publish(ctx, *f.Envelope); err != nil {
			c.fail(f, err)
			return
		}
		c.reply(f, Frame{Type: FrameAck})

	case FrameSubscribe:
		resend := NoResend()
		if f.Resend != nil {
			resend = *f.Resend
		}
		ref := f.Ref
		sub, err := c.g.broker.Subscribe(ctx, f.StreamID, f.Subscriber, resend, func(env Envelope) {
			if err := c.write(Frame{Type: FrameMessage, Ref: ref, Envelope: &env}); err != nil {
				c.g.logger.Debug("Gateway", "Dropping delivery %s for %s: %v", env, ref, err)
			}
		})
		if err != nil {
			c.fail(f, err)
			return
		}
		c.mu.Lock()
		c.subs[ref] = sub
		c.mu.Unlock()
		since := sub.Since
		c.reply(f, Frame{Type: FrameSubscribed, Ref: ref, Since: &since})

	case FrameUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[f.Ref]
		delete(c.subs, f.Ref)
		c.mu.Unlock()
		if !ok {
			c.fail(f, fmt.Errorf("unknown subscription %q", f.Ref))
			return
		}
		// Draining writes message frames, so it must not hold up the read loop.
		go func() {
			if err := sub.Cancel(ctx); err != nil {
				c.fail(f, err)
				return
			}
			c.reply(f, Frame{Type: FrameUnsubscribed, Ref: f.Ref})
		}()

	case FrameRegisterResponder:
		c.mu.Lock()
		c.responders = append(c.responders, f.Publisher)
		c.mu.Unlock()
		c.g.broker.RegisterResponder(f.Publisher, c.remoteResponder)
		c.reply(f, Frame{Type: FrameAck})

	case FrameKeyRequest:
		if f.KeyRequest == nil {
			c.fail(f, errors.New("key request frame without request"))
			return
		}
		go func() {
			resp, err := c.g.broker.RequestKey(ctx, *f.KeyRequest)
			if err != nil {
				c.fail(f, err)
				return
			}
			c.reply(f, Frame{Type: FrameKeyResponse, KeyResponse: &resp})
		}()

	case FrameKeyResponse, FrameError:
		c.mu.Lock()
		ch, ok := c.pending[f.RequestID]
		delete(c.pending, f.RequestID)
		c.mu.Unlock()
		if ok {
			ch <- f
			return
		}
		c.g.logger.Debug("Gateway", "Unsolicited %s frame %s", f.Type, f.RequestID)

	default:
		c.fail(f, fmt.Errorf("unsupported frame type %q", f.Type))
	}
}

// remoteResponder forwards a key request to the publisher on the other end of
// this connection and waits for its answer.
func (c *gatewayConn) remoteResponder(ctx context.Context, req KeyRequest) (KeyResponse, error) {
	id := uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Frame{Type: FrameKeyRequest, RequestID: id, KeyRequest: &req}); err != nil {
		return KeyResponse{}, fmt.Errorf("failed to forward key request: %w", err)
	}

	select {
	case f := <-ch:
		if f.Type == FrameError {
			return KeyResponse{}, errors.New(f.Error)
		}
		if f.KeyResponse == nil {
			return KeyResponse{}, errors.New("empty key response")
		}
		return *f.KeyResponse, nil
	case <-c.closed:
		return KeyResponse{}, errors.New("publisher connection closed")
	case <-ctx.Done():
		return KeyResponse{}, ctx.Err()
	}
}

func (c *gatewayConn) cleanup() {
	close(c.closed)

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	responders := c.responders
	c.mu.Unlock()

	for _, p := range responders {
		c.g.broker.UnregisterResponder(p)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		_ = sub.Cancel(ctx)
	}
	c.ws.Close()
}
