package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamcheck/internal/broker"
	"streamcheck/internal/client"
	"streamcheck/internal/config"
	"streamcheck/internal/participant"
)

type fixture struct {
	broker  *broker.Broker
	factory *participant.Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := broker.New(broker.Options{})
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return &fixture{
		broker:  b,
		factory: participant.NewFactory(participant.FactoryOptions{Broker: b, SignatureScheme: "Ed25519"}),
	}
}

func (f *fixture) subscribers(t *testing.T, n int) []*participant.Participant {
	t.Helper()
	var out []*participant.Participant
	for i := 0; i < n; i++ {
		p, err := f.factory.BuildSubscriber(client.VariantNative, false, participant.EncryptionNone)
		require.NoError(t, err)
		require.NoError(t, p.Client.Connect(context.Background()))
		t.Cleanup(func() { _ = p.Client.Disconnect(context.Background()) })
		out = append(out, p)
	}
	return out
}

func (f *fixture) publish(t *testing.T, seq uint64) {
	t.Helper()
	require.NoError(t, f.broker.Publish(context.Background(), broker.Envelope{
		StreamID: "s", Publisher: "0xpub", Sequence: seq, Timestamp: time.Now(),
	}))
}

func TestPlan_SmallGroupAttachesImmediately(t *testing.T) {
	f := newFixture(t)
	s := New("s", nil, nil)
	s.Plan(context.Background(), f.subscribers(t, 2), config.GetDefaultConfig().Resend)

	atts := s.Attachments()
	require.Len(t, atts, 2)
	for _, a := range atts {
		assert.Equal(t, StateAttached, a.State())
		assert.Zero(t, a.Delay)
		assert.Equal(t, broker.ResendNone, a.Resend.Kind)
	}
}

func TestPlan_DelaysLastTwo(t *testing.T) {
	f := newFixture(t)
	s := New("s", nil, nil)
	rs := config.ResendSettings{FromDelay: 30 * time.Millisecond, LastDelay: 60 * time.Millisecond, LastCount: 50}
	subs := f.subscribers(t, 4)

	f.publish(t, 1)
	s.Plan(context.Background(), subs, rs)
	f.publish(t, 2)

	atts := s.Attachments()
	require.Len(t, atts, 4)
	assert.Equal(t, StateAttached, atts[0].State())
	assert.Equal(t, StateAttached, atts[1].State())

	from := atts[2]
	assert.Equal(t, broker.ResendFrom, from.Resend.Kind)
	assert.Equal(t, rs.FromDelay, from.Delay)
	assert.False(t, from.Resend.From.After(from.ScheduledAt))

	last := atts[3]
	assert.Equal(t, broker.ResendLast, last.Resend.Kind)
	assert.Equal(t, 50, last.Resend.Last)
	assert.Equal(t, StatePending, last.State())

	require.NoError(t, s.Wait(context.Background()))
	f.publish(t, 3)
	require.NoError(t, s.Detach(context.Background()))

	// resend-from recovers what was published after scheduling; resend-last
	// recovers the whole backlog
	assert.Equal(t, 2, subs[2].Recorder.Len())
	assert.Equal(t, 3, subs[3].Recorder.Len())
	assert.Equal(t, 2, subs[0].Recorder.Len())
	for _, a := range atts {
		assert.Equal(t, StateDetached, a.State())
		_, ok := a.Since()
		assert.True(t, ok)
	}
}

func TestCancel_DropsPendingAttach(t *testing.T) {
	f := newFixture(t)
	s := New("s", nil, nil)
	sub := f.subscribers(t, 1)[0]

	a := s.AttachDelayed(sub, broker.ResendLastN(10), time.Hour)
	s.Cancel()
	require.NoError(t, s.Wait(context.Background()))

	assert.Equal(t, StateCancelled, a.State())
	_, ok := a.Since()
	assert.False(t, ok)
	assert.NoError(t, sub.Failure())
	require.NoError(t, s.Detach(context.Background()))
}

func TestAttach_FailureMarksParticipant(t *testing.T) {
	f := newFixture(t)
	s := New("s", nil, nil)
	p, err := f.factory.BuildSubscriber(client.VariantNative, false, participant.EncryptionNone)
	require.NoError(t, err)

	a := s.AttachImmediate(context.Background(), p)
	assert.Equal(t, StateFailed, a.State())
	assert.Error(t, a.Err())
	assert.ErrorIs(t, p.Failure(), client.ErrNotConnected)
}

func TestWait_RespectsContext(t *testing.T) {
	f := newFixture(t)
	s := New("s", nil, nil)
	s.AttachDelayed(f.subscribers(t, 1)[0], broker.NoResend(), time.Hour)
	defer s.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}
