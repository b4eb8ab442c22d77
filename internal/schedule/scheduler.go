// Package schedule attaches subscribers to the stream, immediately or after a
// delay with a historical resend, and detaches them at the stop barrier.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamcheck/internal/broker"
	"streamcheck/internal/client"
	"streamcheck/internal/config"
	"streamcheck/internal/participant"
	"streamcheck/pkg/logging"
)

// State is the progress of one attachment.
type State int

const (
	StatePending State = iota
	StateAttached
	StateDetached
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attachment is one subscriber's subscription plan and its outcome.
type Attachment struct {
	Participant *participant.Participant
	Resend      broker.Resend
	Delay       time.Duration
	ScheduledAt time.Time

	mu    sync.Mutex
	state State
	since time.Time
	sub   client.Subscription
	err   error
}

// State returns the attachment's current state.
func (a *Attachment) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Since returns when live delivery began. It is false if the subscriber never attached.
func (a *Attachment) Since() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.since, !a.since.IsZero()
}

// Err returns the subscribe or unsubscribe failure, if any.
func (a *Attachment) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Attachment) String() string {
	if a.Delay == 0 {
		return fmt.Sprintf("%s immediate (%s)", a.Participant.Name, a.Resend)
	}
	return fmt.Sprintf("%s after %s (%s)", a.Participant.Name, a.Delay, a.Resend)
}

// Scheduler attaches the subscribers of one run to one stream.
type Scheduler struct {
	streamID string
	now      func() time.Time
	logger   *logging.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup

	mu          sync.Mutex
	attachments []*Attachment
}

// New creates a Scheduler for streamID.
func New(streamID string, now func() time.Time, logger *logging.Logger) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{streamID: streamID, now: now, logger: logger, ctx: ctx, cancel: cancel}
}

func (s *Scheduler) track(a *Attachment) {
	s.mu.Lock()
	s.attachments = append(s.attachments, a)
	s.mu.Unlock()
}

// AttachImmediate subscribes p for live messages and returns once the
// subscription is in place.
func (s *Scheduler) AttachImmediate(ctx context.Context, p *participant.Participant) *Attachment {
	a := &Attachment{Participant: p, Resend: broker.NoResend(), ScheduledAt: s.now()}
	s.track(a)
	s.attach(ctx, a)
	return a
}

// AttachDelayed subscribes p with resend after delay, without blocking the
// caller. The pending attach is dropped by Cancel.
func (s *Scheduler) AttachDelayed(p *participant.Participant, resend broker.Resend, delay time.Duration) *Attachment {
	a := &Attachment{Participant: p, Resend: resend, Delay: delay, ScheduledAt: s.now()}
	s.track(a)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			a.mu.Lock()
			a.state = StateCancelled
			a.mu.Unlock()
			s.logger.Info("Scheduler", "Cancelled pending attach of %s", p.Name)
		case <-timer.C:
			s.attach(s.ctx, a)
		}
	}()
	return a
}

func (s *Scheduler) attach(ctx context.Context, a *Attachment) {
	p := a.Participant
	sub, err := p.Client.Subscribe(ctx, s.streamID, a.Resend, p.Recorder.Handle)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil && ctx.Err() != nil {
		a.state = StateCancelled
		s.logger.Info("Scheduler", "Attach of %s abandoned: %v", p.Name, err)
		return
	}
	if err != nil {
		a.state, a.err = StateFailed, err
		p.MarkFailed(err)
		s.logger.Error("Scheduler", err, "Failed to attach %s", p.Name)
		return
	}
	a.state, a.sub, a.since = StateAttached, sub, sub.Since()
	s.logger.Info("Scheduler", "Attached %s", a)
}

// Plan applies the resend policy to one group of subscribers. Groups of more
// than two attach all but the last two immediately; the second to last
// attaches after FromDelay with a resend from now, and the last after
// LastDelay with a resend of the last LastCount messages. Smaller groups
// attach immediately.
func (s *Scheduler) Plan(ctx context.Context, group []*participant.Participant, rs config.ResendSettings) {
	if len(group) <= 2 {
		for _, p := range group {
			s.AttachImmediate(ctx, p)
		}
		return
	}
	for _, p := range group[:len(group)-2] {
		s.AttachImmediate(ctx, p)
	}
	s.AttachDelayed(group[len(group)-2], broker.ResendFromTime(s.now()), rs.FromDelay)
	s.AttachDelayed(group[len(group)-1], broker.ResendLastN(rs.LastCount), rs.LastDelay)
}

// Wait blocks until every delayed attach has fired or been cancelled.
func (s *Scheduler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel drops delayed attaches that have not fired yet.
func (s *Scheduler) Cancel() {
	s.cancel()
}

// Attachments returns every attachment in scheduling order.
func (s *Scheduler) Attachments() []*Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Attachment, len(s.attachments))
	copy(out, s.attachments)
	return out
}

// Detach unsubscribes every attached subscriber concurrently. Each
// unsubscribe returns only after its queued deliveries were recorded.
func (s *Scheduler) Detach(ctx context.Context) error {
	var g errgroup.Group
	for _, a := range s.Attachments() {
		a.mu.Lock()
		sub := a.sub
		attached := a.state == StateAttached
		a.mu.Unlock()
		if !attached {
			continue
		}

		g.Go(func() error {
			err := sub.Unsubscribe(ctx)
			a.mu.Lock()
			defer a.mu.Unlock()
			if err != nil {
				a.err = err
				a.Participant.MarkFailed(err)
				return fmt.Errorf("failed to detach %s: %w", a.Participant.Name, err)
			}
			a.state = StateDetached
			return nil
		})
	}
	return g.Wait()
}
