package publish

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcheck/internal/broker"
	"streamcheck/internal/client"
	"streamcheck/internal/keys"
	"streamcheck/internal/ledger"
	"streamcheck/internal/participant"
)

func TestFuncs(t *testing.T) {
	assert.Equal(t, Step{}, Steady()(5))

	rot := Rotating(5)
	assert.False(t, rot(4).Rotate)
	assert.True(t, rot(5).Rotate)
	assert.True(t, rot(10).Rotate)
	assert.False(t, rot(11).Rotate)

	rev := RotatingRevoking(10, 20)
	assert.Equal(t, Step{Rotate: true}, rev(10))
	assert.Equal(t, Step{Rotate: true, Revoke: true}, rev(20))
	assert.Equal(t, Step{Rotate: true}, rev(30))
	assert.Equal(t, Step{Rotate: true, Revoke: true}, rev(40))
	assert.Equal(t, Step{}, rev(21))
}

type fixture struct {
	broker  *broker.Broker
	keys    *keys.Manager
	ledger  *ledger.Ledger
	factory *participant.Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := broker.New(broker.Options{})
	km := keys.NewManager()
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return &fixture{
		broker: b,
		keys:   km,
		ledger: ledger.New(),
		factory: participant.NewFactory(participant.FactoryOptions{
			Broker:          b,
			Keys:            km,
			SignatureScheme: "Ed25519",
		}),
	}
}

func (f *fixture) publisher(t *testing.T, enc participant.Encryption) *participant.Participant {
	t.Helper()
	p, err := f.factory.BuildPublisher(client.VariantNative, true, enc)
	require.NoError(t, err)
	require.NoError(t, p.Client.Connect(context.Background()))
	t.Cleanup(func() { _ = p.Client.Disconnect(context.Background()) })
	return p
}

func (f *fixture) runner(p *participant.Participant, max int, fn Func) *Runner {
	return NewRunner(p, Options{
		StreamID:    "s",
		MinInterval: time.Millisecond,
		MaxInterval: 3 * time.Millisecond,
		MaxMessages: max,
		Func:        fn,
		Ledger:      f.ledger,
		Keys:        f.keys,
	})
}

func waitDone(t *testing.T, r *Runner) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not finish")
	}
}

func TestRunner_Steady(t *testing.T) {
	f := newFixture(t)
	p := f.publisher(t, participant.EncryptionNone)
	r := f.runner(p, 12, Steady())
	r.Start(context.Background())
	waitDone(t, r)

	assert.Equal(t, 12, r.Sent())
	assert.True(t, r.Completed())
	assert.NoError(t, p.Failure())

	msgs := f.ledger.Snapshot().Messages(p.Address())
	require.Len(t, msgs, 12)
	for i, m := range msgs {
		assert.Equal(t, uint64(i+1), m.Sequence)
		assert.Empty(t, m.KeyID)
		assert.True(t, m.Signed)
	}
	assert.Len(t, f.broker.History("s"), 12)
}

func TestRunner_Rotating(t *testing.T) {
	f := newFixture(t)
	p := f.publisher(t, participant.EncryptionExchanged)
	first := p.Keyset.Current().ID
	r := f.runner(p, 12, Rotating(5))
	r.Start(context.Background())
	waitDone(t, r)

	msgs := f.ledger.Snapshot().Messages(p.Address())
	require.Len(t, msgs, 12)
	assert.Equal(t, 3, p.Keyset.Len())

	for i := 0; i < 5; i++ {
		assert.Equal(t, first, msgs[i].KeyID)
	}
	assert.NotEmpty(t, msgs[4].NextKeyID, "rotation is announced on the rotating message")
	assert.Equal(t, msgs[4].NextKeyID, msgs[5].KeyID)
	assert.Equal(t, msgs[9].NextKeyID, msgs[10].KeyID)
	assert.Empty(t, msgs[5].NextKeyID)
}

func TestRunner_RotatingRevoking(t *testing.T) {
	f := newFixture(t)
	p := f.publisher(t, participant.EncryptionExchanged)
	first := p.Keyset.Current().ID
	r := f.runner(p, 6, RotatingRevoking(2, 4))
	r.Start(context.Background())
	waitDone(t, r)

	msgs := f.ledger.Snapshot().Messages(p.Address())
	require.Len(t, msgs, 6)
	assert.NotEmpty(t, msgs[1].NextKeyID)
	assert.Empty(t, msgs[3].NextKeyID, "a revoking rotation is not announced in band")
	assert.NotEqual(t, msgs[3].KeyID, msgs[4].KeyID)

	_, revoked := f.keys.Revocation(p.Address(), first)
	assert.True(t, revoked)
	_, revoked = p.Keyset.Revocation(msgs[4].KeyID)
	assert.False(t, revoked)
}

func TestRunner_StopUnbounded(t *testing.T) {
	f := newFixture(t)
	p := f.publisher(t, participant.EncryptionNone)
	r := f.runner(p, 0, Steady())
	r.Start(context.Background())

	require.Eventually(t, func() bool { return r.Sent() >= 3 }, 5*time.Second, 5*time.Millisecond)
	r.Stop()
	waitDone(t, r)
	assert.False(t, r.Completed())
	assert.Equal(t, r.Sent(), f.ledger.Len())
	assert.NoError(t, p.Failure())
}

func TestRunner_FailureMarksParticipant(t *testing.T) {
	f := newFixture(t)
	p, err := f.factory.BuildPublisher(client.VariantNative, false, participant.EncryptionNone)
	require.NoError(t, err)
	// never connected
	r := f.runner(p, 3, Steady())
	r.Start(context.Background())
	waitDone(t, r)

	assert.Equal(t, 0, r.Sent())
	var te *client.TransportError
	assert.ErrorAs(t, p.Failure(), &te)
}
