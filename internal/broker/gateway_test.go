package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGateway(t *testing.T) (*Broker, string) {
	t.Helper()
	b := New(Options{})
	g := NewGateway(b, nil)
	url, err := g.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.Close(ctx)
		_ = b.Close(ctx)
	})
	return b, url
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	var f Frame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestGateway_PublishSubscribe(t *testing.T) {
	b, url := startGateway(t)
	require.NoError(t, b.Publish(context.Background(), env(1)))

	sub := dial(t, url)
	resend := ResendLastN(10)
	require.NoError(t, sub.WriteJSON(Frame{Type: FrameSubscribe, RequestID: "r1", Ref: "a", StreamID: "s", Subscriber: "0xsub", Resend: &resend}))

	// the resent message and the subscribed reply may arrive in either order
	var gotSubscribed bool
	var seqs []uint64
	for len(seqs) < 1 || !gotSubscribed {
		f := readFrame(t, sub)
		switch f.Type {
		case FrameSubscribed:
			gotSubscribed = true
			assert.Equal(t, "r1", f.RequestID)
			require.NotNil(t, f.Since)
		case FrameMessage:
			assert.Equal(t, "a", f.Ref)
			seqs = append(seqs, f.Envelope.Sequence)
		}
	}

	pub := dial(t, url)
	e := env(2)
	require.NoError(t, pub.WriteJSON(Frame{Type: FramePublish, RequestID: "p2", Envelope: &e}))
	ack := readFrame(t, pub)
	assert.Equal(t, FrameAck, ack.Type)
	assert.Equal(t, "p2", ack.RequestID)

	f := readFrame(t, sub)
	require.Equal(t, FrameMessage, f.Type)
	seqs = append(seqs, f.Envelope.Sequence)
	assert.Equal(t, []uint64{1, 2}, seqs)

	require.NoError(t, sub.WriteJSON(Frame{Type: FrameUnsubscribe, RequestID: "u1", Ref: "a"}))
	f = readFrame(t, sub)
	assert.Equal(t, FrameUnsubscribed, f.Type)
	assert.Equal(t, "u1", f.RequestID)
}

func TestGateway_PublishError(t *testing.T) {
	_, url := startGateway(t)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: FramePublish, RequestID: "p1", Envelope: &Envelope{}}))
	f := readFrame(t, ws)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "p1", f.RequestID)
	assert.Contains(t, f.Error, "invalid envelope")

	require.NoError(t, ws.WriteJSON(Frame{Type: "bogus", RequestID: "x"}))
	f = readFrame(t, ws)
	assert.Equal(t, FrameError, f.Type)
}

func TestGateway_KeyExchangeThroughRemotePublisher(t *testing.T) {
	b, url := startGateway(t)

	pub := dial(t, url)
	require.NoError(t, pub.WriteJSON(Frame{Type: FrameRegisterResponder, RequestID: "reg", Publisher: "0xpub"}))
	assert.Equal(t, FrameAck, readFrame(t, pub).Type)

	// answer one key request from the publisher side
	go func() {
		var f Frame
		if err := pub.ReadJSON(&f); err != nil || f.Type != FrameKeyRequest {
			return
		}
		_ = pub.WriteJSON(Frame{
			Type:        FrameKeyResponse,
			RequestID:   f.RequestID,
			KeyResponse: &KeyResponse{KeyID: f.KeyRequest.KeyID, Sealed: []byte("sealed")},
		})
	}()

	sub := dial(t, url)
	require.NoError(t, sub.WriteJSON(Frame{
		Type:       FrameKeyRequest,
		RequestID:  "k1",
		KeyRequest: &KeyRequest{Subscriber: "0xsub", Publisher: "0xpub", KeyID: "key-1"},
	}))
	f := readFrame(t, sub)
	require.Equal(t, FrameKeyResponse, f.Type, f.Error)
	assert.Equal(t, "k1", f.RequestID)
	assert.Equal(t, "key-1", f.KeyResponse.KeyID)

	// the responder goes away with its connection
	pub.Close()
	assert.Eventually(t, func() bool {
		_, err := b.RequestKey(context.Background(), KeyRequest{Publisher: "0xpub"})
		return errors.Is(err, ErrNoResponder)
	}, 2*time.Second, 10*time.Millisecond)
}
