package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"streamcheck/internal/client"
	"streamcheck/internal/keys"
	"streamcheck/internal/ledger"
	"streamcheck/internal/participant"
	"streamcheck/pkg/logging"
)

const publishTimeout = 10 * time.Second

// Options configures a Runner.
type Options struct {
	StreamID    string
	MinInterval time.Duration
	MaxInterval time.Duration
	// MaxMessages stops the runner after that many messages. Zero runs until stopped.
	MaxMessages int
	Func        Func
	Ledger      *ledger.Ledger
	Keys        *keys.Manager
	Logger      *logging.Logger
}

// Runner publishes for one publisher on its own goroutine.
type Runner struct {
	p    *participant.Participant
	opts Options

	sent    atomic.Int64
	done    chan struct{}
	startMu sync.Mutex
	cancel  context.CancelFunc
}

// NewRunner creates a Runner for publisher p.
func NewRunner(p *participant.Participant, opts Options) *Runner {
	if opts.Func == nil {
		opts.Func = Steady()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Runner{p: p, opts: opts, done: make(chan struct{})}
}

// Participant returns the publisher.
func (r *Runner) Participant() *participant.Participant { return r.p }

// Start begins publishing. It must be called once.
func (r *Runner) Start(ctx context.Context) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		r.run(ctx)
	}()
}

// Stop asks the runner to stop before its next message. A message already
// being published completes and is recorded.
func (r *Runner) Stop() {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Done is closed once the runner has sent all its messages, failed, or stopped.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Sent returns the number of messages published and recorded.
func (r *Runner) Sent() int { return int(r.sent.Load()) }

// Completed reports whether the runner sent its configured number of messages.
func (r *Runner) Completed() bool {
	return r.opts.MaxMessages > 0 && r.Sent() >= r.opts.MaxMessages
}

func (r *Runner) run(ctx context.Context) {
	log := r.opts.Logger
	for n := 1; r.opts.MaxMessages == 0 || n <= r.opts.MaxMessages; n++ {
		timer := time.NewTimer(r.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug("Publisher", "%s stopped after %d messages", r.p.Name, r.Sent())
			return
		case <-timer.C:
		}

		if err := r.publishOne(ctx, n); err != nil {
			r.p.MarkFailed(err)
			log.Error("Publisher", err, "%s failed at message %d", r.p.Name, n)
			return
		}
	}
	log.Info("Publisher", "%s finished publishing %d messages", r.p.Name, r.Sent())
}

func (r *Runner) interval() time.Duration {
	lo, hi := r.opts.MinInterval, r.opts.MaxInterval
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

type payload struct {
	Publisher string    `json:"publisher"`
	Number    int       `json:"n"`
	SentAt    time.Time `json:"sentAt"`
}

func (r *Runner) publishOne(ctx context.Context, n int) error {
	step := r.opts.Func(n)
	addr := r.p.Address()

	body, err := json.Marshal(payload{Publisher: r.p.Name, Number: n, SentAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	req := client.PublishRequest{Payload: body}

	var next keys.GroupKey
	if r.p.Keyset != nil {
		req.KeyID = r.p.Keyset.Current().ID
		if step.Rotate {
			next, err = r.opts.Keys.RotateKey(addr)
			if err != nil {
				return fmt.Errorf("failed to rotate key: %w", err)
			}
			if !step.Revoke {
				req.NextKeyID = next.ID
			}
		}
	}

	// Once started, a publish is not abandoned, so the ledger never misses a
	// message the broker accepted.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	receipt, err := r.p.Client.Publish(pubCtx, r.opts.StreamID, req)
	if err != nil {
		return err
	}

	if err := r.opts.Ledger.Append(ledger.Message{
		StreamID:  receipt.StreamID,
		Publisher: receipt.Publisher,
		Sequence:  receipt.Sequence,
		Payload:   body,
		Timestamp: receipt.Timestamp,
		KeyID:     receipt.KeyID,
		NextKeyID: receipt.NextKeyID,
		Signed:    receipt.Signed,
	}); err != nil {
		return fmt.Errorf("failed to record message %d: %w", receipt.Sequence, err)
	}
	r.sent.Add(1)

	if r.p.Keyset == nil || !step.Rotate {
		return nil
	}
	if err := r.opts.Keys.Activate(addr, next.ID); err != nil {
		return fmt.Errorf("failed to switch to key %s: %w", next.ID, err)
	}
	r.opts.Logger.Debug("Publisher", "%s rotated to key %s after message %d", r.p.Name, next.ID, n)
	if step.Revoke {
		rev, ok, err := r.opts.Keys.RevokeOldest(addr)
		if err != nil {
			return fmt.Errorf("failed to revoke key: %w", err)
		}
		if ok {
			r.opts.Logger.Info("Publisher", "%s revoked key %s after message %d", r.p.Name, rev.KeyID, n)
		}
	}
	return nil
}
