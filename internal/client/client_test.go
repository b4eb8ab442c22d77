package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcheck/internal/broker"
	"streamcheck/internal/crypto"
	"streamcheck/internal/keys"
)

const testStream = "stream-test"

type collector struct {
	mu  sync.Mutex
	got []Delivery
}

func (c *collector) handle(d Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, d)
}

func (c *collector) deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, len(c.got))
	copy(out, c.got)
	return out
}

type testEnv struct {
	broker *broker.Broker
	url    string
	keys   *keys.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	b := broker.New(broker.Options{})
	g := broker.NewGateway(b, nil)
	url, err := g.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Close(ctx)
		_ = b.Close(ctx)
	})
	return &testEnv{broker: b, url: url, keys: keys.NewManager()}
}

func newIdentity(t *testing.T) *crypto.Identity {
	t.Helper()
	id, err := crypto.NewIdentity("Ed25519")
	require.NoError(t, err)
	return id
}

func (e *testEnv) build(t *testing.T, v Variant, opts Options) Client {
	t.Helper()
	var (
		c   Client
		err error
	)
	switch v {
	case VariantNative:
		c, err = NewNative(e.broker, opts)
	default:
		c, err = NewAlternate(e.url, opts)
	}
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

// encryptedPublisher sets up a keyset for a new identity and a client serving it.
func (e *testEnv) encryptedPublisher(t *testing.T, v Variant, exchange bool) (Client, *keys.Keyset) {
	t.Helper()
	id := newIdentity(t)
	k0, err := e.keys.GenerateKey()
	require.NoError(t, err)
	ks := e.keys.AddKeyset(id.Address(), k0)
	c := e.build(t, v, Options{Identity: id, Sign: true, Keyset: ks, Keys: e.keys, KeyExchange: exchange})
	return c, ks
}

func TestClient_CleartextAcrossVariants(t *testing.T) {
	for _, pubVariant := range Variants() {
		for _, subVariant := range Variants() {
			t.Run(pubVariant.String()+"->"+subVariant.String(), func(t *testing.T) {
				e := newTestEnv(t)
				ctx := context.Background()

				pub := e.build(t, pubVariant, Options{Identity: newIdentity(t)})
				sub := e.build(t, subVariant, Options{Identity: newIdentity(t)})

				var col collector
				s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
				require.NoError(t, err)
				assert.False(t, s.Since().IsZero())

				for i := 0; i < 3; i++ {
					r, err := pub.Publish(ctx, testStream, PublishRequest{Payload: []byte{byte(i)}})
					require.NoError(t, err)
					assert.Equal(t, uint64(i+1), r.Sequence)
					assert.False(t, r.Signed)
				}

				require.NoError(t, s.Unsubscribe(ctx))
				got := col.deliveries()
				require.Len(t, got, 3)
				for i, d := range got {
					assert.NoError(t, d.Err)
					assert.Equal(t, pub.Address(), d.Publisher)
					assert.Equal(t, uint64(i+1), d.Sequence)
					assert.Equal(t, []byte{byte(i)}, d.Payload)
				}
			})
		}
	}
}

func TestClient_SignatureRequired(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pub := e.build(t, VariantNative, Options{Identity: newIdentity(t)})
	sub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true})

	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrInvalidSignature)
}

func TestClient_TamperedSignatureRejected(t *testing.T) {
	b := broker.New(broker.Options{
		Interceptor: func(_ string, env broker.Envelope) []broker.Envelope {
			env.Content = append(env.Content, '!')
			return []broker.Envelope{env}
		},
	})
	e := &testEnv{broker: b, keys: keys.NewManager()}
	ctx := context.Background()

	pub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true})
	sub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true})

	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
	require.NoError(t, err)
	r, err := pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("x")})
	require.NoError(t, err)
	assert.True(t, r.Signed)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrInvalidSignature)
}

func TestClient_KeyExchangeAcrossVariants(t *testing.T) {
	for _, pubVariant := range Variants() {
		for _, subVariant := range Variants() {
			t.Run(pubVariant.String()+"->"+subVariant.String(), func(t *testing.T) {
				e := newTestEnv(t)
				ctx := context.Background()

				pub, ks := e.encryptedPublisher(t, pubVariant, true)
				subID := newIdentity(t)
				store := keys.NewStore(nil)
				sub := e.build(t, subVariant, Options{Identity: subID, Sign: true, Store: store, KeyExchange: true, KeyExchangeTimeout: 2 * time.Second})
				e.keys.Grant(subID.Address(), pub.Address())

				var col collector
				s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
				require.NoError(t, err)
				_, err = pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("secret"), KeyID: ks.Current().ID})
				require.NoError(t, err)
				require.NoError(t, s.Unsubscribe(ctx))

				got := col.deliveries()
				require.Len(t, got, 1)
				require.NoError(t, got[0].Err)
				assert.Equal(t, []byte("secret"), got[0].Payload)

				held, ok := store.Get(ks.Current().ID)
				require.True(t, ok)
				assert.Equal(t, keys.SourceExchange, held.Source)
				assert.Equal(t, pub.Address(), held.Publisher)
			})
		}
	}
}

func TestClient_KeyExchangeRefusedWhenNotVisible(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pub, ks := e.encryptedPublisher(t, VariantAlternate, true)
	sub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true, Store: keys.NewStore(nil), KeyExchange: true})

	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("secret"), KeyID: ks.Current().ID})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 1)
	var decErr *DecryptionError
	require.True(t, errors.As(got[0].Err, &decErr))
	assert.Equal(t, ReasonKeyUnavailable, decErr.Reason)
	assert.ErrorIs(t, got[0].Err, ErrKeyUnavailable)
	assert.Nil(t, got[0].Payload)
}

func TestClient_InBandKeyChain(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pub, ks := e.encryptedPublisher(t, VariantNative, false)
	k0 := ks.Current()
	k1, err := e.keys.RotateKey(pub.Address())
	require.NoError(t, err)

	store := keys.NewStore(nil)
	store.Add(pub.Address(), k0, keys.SourceInitial)
	sub := e.build(t, VariantAlternate, Options{Identity: newIdentity(t), Sign: true, Store: store})

	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
	require.NoError(t, err)

	r, err := pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("one"), KeyID: k0.ID, NextKeyID: k1.ID})
	require.NoError(t, err)
	assert.Equal(t, k1.ID, r.NextKeyID)
	require.NoError(t, e.keys.Activate(pub.Address(), k1.ID))
	_, err = pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("two"), KeyID: k1.ID})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 2)
	for _, d := range got {
		assert.NoError(t, d.Err)
	}
	assert.Equal(t, []byte("two"), got[1].Payload)
	held, ok := store.Get(k1.ID)
	require.True(t, ok)
	assert.Equal(t, keys.SourceInBand, held.Source)
}

func TestClient_MissingKeyWithoutExchange(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pub, ks := e.encryptedPublisher(t, VariantNative, false)
	sub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true, Store: keys.NewStore(nil)})

	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("secret"), KeyID: ks.Current().ID})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 1)
	assert.ErrorIs(t, got[0].Err, ErrKeyUnavailable)
}

func TestClient_WrongSecretWithSharedCipher(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	shared, err := crypto.NewCipher(8)
	require.NoError(t, err)

	id := newIdentity(t)
	k0, err := e.keys.GenerateKey()
	require.NoError(t, err)
	ks := e.keys.AddKeyset(id.Address(), k0)
	pub := e.build(t, VariantNative, Options{Identity: id, Sign: true, Keyset: ks, Keys: e.keys, Cipher: shared})

	wrong, err := crypto.NewSecret()
	require.NoError(t, err)
	store := keys.NewStore(nil)
	store.Add(pub.Address(), keys.GroupKey{ID: k0.ID, Secret: wrong}, keys.SourceInitial)
	sub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true, Store: store, Cipher: shared})

	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.NoResend(), col.handle)
	require.NoError(t, err)
	_, err = pub.Publish(ctx, testStream, PublishRequest{Payload: []byte("secret"), KeyID: k0.ID})
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 1)
	var decErr *DecryptionError
	require.ErrorAs(t, got[0].Err, &decErr)
	assert.Equal(t, ReasonAuthFailed, decErr.Reason)
	assert.Nil(t, got[0].Payload)
}

func TestClient_ResendThroughGateway(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	pub := e.build(t, VariantNative, Options{Identity: newIdentity(t), Sign: true})
	for i := 0; i < 5; i++ {
		_, err := pub.Publish(ctx, testStream, PublishRequest{Payload: []byte{byte(i)}})
		require.NoError(t, err)
	}

	sub := e.build(t, VariantAlternate, Options{Identity: newIdentity(t), Sign: true})
	var col collector
	s, err := sub.Subscribe(ctx, testStream, broker.ResendLastN(2), col.handle)
	require.NoError(t, err)
	require.NoError(t, s.Unsubscribe(ctx))

	got := col.deliveries()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(4), got[0].Sequence)
	assert.Equal(t, uint64(5), got[1].Sequence)
}

func TestClient_NotConnected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	n, err := NewNative(e.broker, Options{Identity: newIdentity(t)})
	require.NoError(t, err)
	_, err = n.Publish(ctx, testStream, PublishRequest{})
	assert.ErrorIs(t, err, ErrNotConnected)
	var te *TransportError
	assert.ErrorAs(t, err, &te)

	a, err := NewAlternate(e.url, Options{Identity: newIdentity(t)})
	require.NoError(t, err)
	_, err = a.Subscribe(ctx, testStream, broker.NoResend(), func(Delivery) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = NewNative(e.broker, Options{})
	assert.Error(t, err)
}

func TestClient_ConnectFailure(t *testing.T) {
	a, err := NewAlternate("ws://127.0.0.1:1/ws", Options{Identity: newIdentity(t)})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var te *TransportError
	assert.ErrorAs(t, a.Connect(ctx), &te)
}
