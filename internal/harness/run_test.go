package harness

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcheck/internal/broker"
	"streamcheck/internal/client"
	"streamcheck/internal/config"
	"streamcheck/internal/participant"
)

func TestNew_RunsAreIsolated(t *testing.T) {
	cfg := config.GetDefaultConfig()
	a, err := New(cfg, "stream-cleartext-signed", nil)
	require.NoError(t, err)
	defer a.Close(context.Background())
	b, err := New(cfg, "stream-cleartext-signed", nil)
	require.NoError(t, err)
	defer b.Close(context.Background())

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.StreamID, b.StreamID)
	assert.NotEqual(t, a.GatewayURL, b.GatewayURL)
	assert.True(t, strings.HasPrefix(a.StreamID, "stream-cleartext-signed/"))
	assert.True(t, strings.HasPrefix(a.GatewayURL, "ws://127.0.0.1:"))
	assert.NotSame(t, a.Ledger, b.Ledger)
}

func TestNew_AlternateClientReachesGateway(t *testing.T) {
	r, err := New(config.GetDefaultConfig(), "x", nil)
	require.NoError(t, err)
	defer r.Close(context.Background())

	p, err := r.Factory.BuildPublisher(client.VariantAlternate, true, participant.EncryptionNone)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Client.Connect(ctx))
	_, err = p.Client.Publish(ctx, r.StreamID, client.PublishRequest{Payload: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, p.Client.Disconnect(ctx))
	assert.Len(t, r.Broker.History(r.StreamID), 1)
}

func TestNew_Options(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	r, err := New(config.GetDefaultConfig(), "x", nil,
		WithClock(func() time.Time { return fixed }),
		WithInterceptor(func(string, broker.Envelope) []broker.Envelope {
			return nil
		}),
	)
	require.NoError(t, err)
	defer r.Close(context.Background())
	assert.Equal(t, fixed, r.Now())
}

func TestNew_BadGatewayAddr(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Broker.GatewayAddr = "not-an-address"
	_, err := New(cfg, "x", nil)
	assert.Error(t, err)
}

func TestNew_ExternalGateway(t *testing.T) {
	b := broker.New(broker.Options{})
	g := broker.NewGateway(b, nil)
	url, err := g.Start("127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = g.Close(context.Background())
		_ = b.Close(context.Background())
	}()

	cfg := config.GetDefaultConfig()
	cfg.Broker.ExternalURL = url
	r, err := New(cfg, "x", nil)
	require.NoError(t, err)
	assert.Nil(t, r.Broker)
	assert.Nil(t, r.Gateway)
	assert.Equal(t, url, r.GatewayURL)

	_, err = r.Factory.BuildPublisher(client.VariantNative, true, participant.EncryptionNone)
	assert.Error(t, err, "native clients cannot reach an external gateway")

	p, err := r.Factory.BuildPublisher(client.VariantAlternate, true, participant.EncryptionNone)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Client.Connect(ctx))
	_, err = p.Client.Publish(ctx, r.StreamID, client.PublishRequest{Payload: []byte("hi")})
	require.NoError(t, err)
	require.NoError(t, p.Client.Disconnect(ctx))
	assert.Len(t, b.History(r.StreamID), 1)

	assert.NoError(t, r.Close(ctx))
}
