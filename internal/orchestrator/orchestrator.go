package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"streamcheck/internal/broker"
	"streamcheck/internal/config"
	"streamcheck/internal/harness"
	"streamcheck/internal/ledger"
	"streamcheck/internal/participant"
	"streamcheck/internal/publish"
	"streamcheck/internal/reporting"
	"streamcheck/internal/scenario"
	"streamcheck/internal/schedule"
	"streamcheck/internal/verify"
	"streamcheck/pkg/logging"
)

// Options configures an Orchestrator.
type Options struct {
	Logger   *logging.Logger
	Reporter reporting.Reporter
	// Harness options apply to the run context, e.g. a delivery interceptor.
	Harness []harness.Option
}

// Orchestrator drives one scenario run through its lifecycle.
type Orchestrator struct {
	cfg      config.Config
	scenario scenario.Scenario
	logger   *logging.Logger
	reporter reporting.Reporter
	hopts    []harness.Option

	mu    sync.Mutex
	state State

	run       *harness.Run
	topo      *scenario.Topology
	sched     *schedule.Scheduler
	runners   []*publish.Runner
	startedAt time.Time
	aborted   bool
}

// New validates the scenario name and configuration. Nothing is built until
// Build is called.
func New(name string, cfg config.Config, opts Options) (*Orchestrator, error) {
	s, err := scenario.ByName(name)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Reporter == nil {
		opts.Reporter = reporting.Nop()
	}
	return &Orchestrator{
		cfg:      cfg,
		scenario: s,
		logger:   opts.Logger,
		reporter: opts.Reporter,
		hopts:    opts.Harness,
	}, nil
}

// RunScenario runs the named scenario to completion. Verification mismatches
// are part of the result, not an error; errors are reserved for invalid input
// and runs that could not be set up.
func RunScenario(ctx context.Context, name string, cfg config.Config, opts Options) (*reporting.Result, error) {
	o, err := New(name, cfg, opts)
	if err != nil {
		return nil, err
	}
	return o.Run(ctx)
}

// Run takes the orchestrator through every lifecycle stage. Cancelling ctx
// aborts a bounded run; the partial ledger is still verified when
// verification was requested. For unbounded runs cancelling ctx is the
// normal way to stop, and verification is skipped.
func (o *Orchestrator) Run(ctx context.Context) (*reporting.Result, error) {
	start := time.Now()
	if err := o.Build(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if o.State() < StateStopped {
			o.release(ctx)
		}
	}()
	info := o.Info()
	o.reporter.ReportStart(info)

	if err := o.Start(ctx); err != nil {
		return nil, err
	}
	aborted, err := o.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := o.Stop(ctx); err != nil {
		return nil, err
	}

	res := &reporting.Result{Run: info, Aborted: aborted}
	if len(o.runners) == 0 {
		res.Error = "no publisher could be started"
	}
	if o.cfg.Verify && !o.cfg.Publish.IsUnbounded() {
		rep, err := o.Verify()
		if err != nil {
			return nil, err
		}
		res.Report = rep
		if !rep.Passed() && o.cfg.Run.LedgerDump != "" {
			if err := o.dumpLedger(context.WithoutCancel(ctx), rep); err != nil {
				o.logger.Error("Orchestrator", err, "Failed to write ledger dump")
			} else {
				res.LedgerDump = o.cfg.Run.LedgerDump
			}
		}
	}
	if err := o.advance(StateDone); err != nil {
		return nil, err
	}

	res.Duration = time.Since(start)
	if res.Report != nil {
		o.logger.Info("Orchestrator", "Run finished in %v: passed=%t", res.Duration, res.Report.Passed())
	} else {
		o.logger.Info("Orchestrator", "Run finished in %v without verification", res.Duration)
	}
	o.reporter.ReportResult(res)
	return res, nil
}

// Build creates the run context and instantiates every participant.
func (o *Orchestrator) Build(ctx context.Context) error {
	if s := o.State(); s != StateIdle {
		return fmt.Errorf("%w: build in state %s", ErrInvalidTransition, s)
	}

	run, err := harness.New(o.cfg, o.scenario.Name(), o.logger, o.hopts...)
	if err != nil {
		return fmt.Errorf("failed to create run context: %w", err)
	}
	topo, err := scenario.Build(o.scenario, run.Factory, run.Keys, o.cfg.Participants)
	if err != nil {
		_ = run.Close(ctx)
		return fmt.Errorf("failed to build scenario %s: %w", o.scenario.Name(), err)
	}

	o.run, o.topo = run, topo
	o.logger = run.Logger
	o.sched = schedule.New(run.StreamID, run.Now, run.Logger)
	o.logger.Info("Orchestrator", "Built %d publishers and %d subscribers on %s",
		len(topo.Publishers), len(topo.Subscribers), run.StreamID)
	return o.advance(StateBuilt)
}

// Info describes the built run.
func (o *Orchestrator) Info() reporting.RunInfo {
	info := reporting.RunInfo{
		Scenario:    o.scenario.Name(),
		Description: o.scenario.Description,
		MaxMessages: o.cfg.Publish.MaxMessages,
		Unbounded:   o.cfg.Publish.IsUnbounded(),
		Verify:      o.cfg.Verify,
		StartedAt:   time.Now(),
	}
	if o.run != nil {
		info.RunID = o.run.ID
		info.StreamID = o.run.StreamID
		info.GatewayURL = o.run.GatewayURL
		info.StartedAt = o.run.Now()
	}
	if o.topo != nil {
		info.Publishers = len(o.topo.Publishers)
		info.Subscribers = len(o.topo.Subscribers)
	}
	return info
}

// Start connects every participant, attaches subscribers according to the
// scenario's resend policy and then signals publishers to start. Participants
// that fail to connect are marked failed; the run continues without them.
func (o *Orchestrator) Start(ctx context.Context) error {
	if s := o.State(); s != StateBuilt {
		return fmt.Errorf("%w: start in state %s", ErrInvalidTransition, s)
	}

	o.connect(ctx)

	healthy := func(ps []*participant.Participant) []*participant.Participant {
		var out []*participant.Participant
		for _, p := range ps {
			if p.Failure() == nil {
				out = append(out, p)
			}
		}
		return out
	}

	if o.topo.Groups == nil {
		for _, sub := range healthy(o.topo.Subscribers) {
			o.sched.AttachImmediate(ctx, sub)
		}
	} else {
		for _, group := range o.topo.Groups {
			o.sched.Plan(ctx, healthy(group), o.cfg.Resend)
		}
	}
	for _, a := range o.sched.Attachments() {
		if a.State() == schedule.StateFailed {
			o.reporter.ReportParticipantFailure(a.Participant.Name, a.Err())
		}
	}

	maxMessages := o.cfg.Publish.MaxMessages
	if o.cfg.Publish.IsUnbounded() {
		maxMessages = 0
	}
	for _, pub := range healthy(o.topo.Publishers) {
		r := publish.NewRunner(pub, publish.Options{
			StreamID:    o.run.StreamID,
			MinInterval: o.cfg.Publish.MinInterval,
			MaxInterval: o.cfg.Publish.MaxInterval,
			MaxMessages: maxMessages,
			Func:        o.scenario.PublishFunc(),
			Ledger:      o.run.Ledger,
			Keys:        o.run.Keys,
			Logger:      o.logger,
		})
		o.runners = append(o.runners, r)
	}

	o.startedAt = time.Now()
	for _, r := range o.runners {
		r.Start(context.Background())
	}
	o.logger.Info("Orchestrator", "Started %d publishers", len(o.runners))
	return o.advance(StateRunning)
}

func (o *Orchestrator) connect(ctx context.Context) {
	var g errgroup.Group
	for _, p := range o.topo.Participants() {
		g.Go(func() error {
			if err := p.Client.Connect(ctx); err != nil {
				p.MarkFailed(err)
				o.logger.Error("Orchestrator", err, "Failed to connect %s", p.Name)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range o.topo.Participants() {
		if err := p.Failure(); err != nil {
			o.reporter.ReportParticipantFailure(p.Name, err)
		}
	}
}

// Wait blocks until every publisher is done and every delayed attach has
// fired, reporting progress each poll interval. It returns true if ctx was
// cancelled before a bounded run completed.
func (o *Orchestrator) Wait(ctx context.Context) (bool, error) {
	if s := o.State(); s != StateRunning {
		return false, fmt.Errorf("%w: wait in state %s", ErrInvalidTransition, s)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, r := range o.runners {
			<-r.Done()
		}
		// returns early once Stop cancels the scheduler
		_ = o.sched.Wait(context.Background())
	}()

	ticker := time.NewTicker(o.cfg.Run.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			o.logger.Info("Orchestrator", "All publishers finished")
			return false, nil
		case <-ctx.Done():
			o.mu.Lock()
			o.aborted = !o.cfg.Publish.IsUnbounded()
			aborted := o.aborted
			o.mu.Unlock()
			if aborted {
				o.logger.Warn("Orchestrator", "Run aborted: %v", ctx.Err())
			} else {
				o.logger.Info("Orchestrator", "Unbounded run stopped")
			}
			return aborted, nil
		case <-ticker.C:
			o.reporter.ReportProgress(o.Progress())
		}
	}
}

// Progress samples the running counters.
func (o *Orchestrator) Progress() reporting.Progress {
	p := reporting.Progress{
		Elapsed:     time.Since(o.startedAt),
		Published:   o.run.Ledger.Len(),
		Publishers:  len(o.runners),
		Subscribers: len(o.topo.Subscribers),
	}
	for _, r := range o.runners {
		select {
		case <-r.Done():
			p.PublishersDone++
		default:
		}
	}
	for _, sub := range o.topo.Subscribers {
		p.Received += sub.Recorder.Len()
	}
	for _, a := range o.sched.Attachments() {
		if a.State() == schedule.StateAttached {
			p.Attached++
		}
	}
	return p
}

// Stop is the stop barrier: publishers stop, pending attaches are cancelled
// on abort, every subscription is drained and detached, every participant
// disconnects and the ledger is frozen.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if s := o.State(); s != StateRunning {
		return fmt.Errorf("%w: stop in state %s", ErrInvalidTransition, s)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Run.DrainTimeout)
	defer cancel()

	for _, r := range o.runners {
		r.Stop()
	}
	for _, r := range o.runners {
		select {
		case <-r.Done():
		case <-ctx.Done():
			o.logger.Warn("Orchestrator", "Publisher %s did not stop in time", r.Participant().Name)
		}
	}

	o.mu.Lock()
	cancelPending := o.aborted || o.cfg.Publish.IsUnbounded()
	o.mu.Unlock()
	if cancelPending {
		o.sched.Cancel()
	}
	if err := o.sched.Wait(ctx); err != nil {
		o.logger.Warn("Orchestrator", "Pending attaches did not settle: %v", err)
	}
	o.sched.Cancel()

	if err := o.sched.Detach(ctx); err != nil {
		o.logger.Error("Orchestrator", err, "Failed to detach subscribers")
	}
	// subscribers first, so publishers can still answer key requests while
	// queued deliveries are handled
	o.disconnect(ctx, o.topo.Subscribers)
	o.disconnect(ctx, o.topo.Publishers)

	o.run.Ledger.Freeze()
	if err := o.run.Close(ctx); err != nil {
		o.logger.Warn("Orchestrator", "Failed to close broker: %v", err)
	}
	o.logger.Info("Orchestrator", "Stopped with %d messages published", o.run.Ledger.Len())
	return o.advance(StateStopped)
}

// release tears down a run that failed before reaching the stop barrier.
func (o *Orchestrator) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.Run.DrainTimeout)
	defer cancel()

	for _, r := range o.runners {
		r.Stop()
	}
	if o.sched != nil {
		o.sched.Cancel()
	}
	if o.State() == StateRunning {
		if err := o.sched.Detach(ctx); err != nil {
			o.logger.Warn("Orchestrator", "Failed to detach subscribers: %v", err)
		}
		o.disconnect(ctx, o.topo.Participants())
	}
	if err := o.run.Close(ctx); err != nil {
		o.logger.Warn("Orchestrator", "Failed to close broker: %v", err)
	}
	o.logger.Warn("Orchestrator", "Released run in state %s", o.State())
}

func (o *Orchestrator) disconnect(ctx context.Context, ps []*participant.Participant) {
	var g errgroup.Group
	for _, p := range ps {
		g.Go(func() error {
			if err := p.Client.Disconnect(ctx); err != nil {
				o.logger.Warn("Orchestrator", "Failed to disconnect %s: %v", p.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Verify reconciles the frozen ledger against every subscriber.
func (o *Orchestrator) Verify() (*verify.Report, error) {
	if s := o.State(); s != StateStopped {
		return nil, fmt.Errorf("%w: verify in state %s", ErrInvalidTransition, s)
	}
	rep := verify.Verify(o.verifyInput())
	if err := o.advance(StateVerified); err != nil {
		return nil, err
	}
	if err := rep.Err(); err != nil {
		o.logger.Warn("Orchestrator", "Verification failed: %v", err)
	}
	return rep, nil
}

func (o *Orchestrator) verifyInput() verify.Input {
	o.mu.Lock()
	aborted := o.aborted
	o.mu.Unlock()

	in := verify.Input{
		Scenario:      o.scenario.Name(),
		RunID:         o.run.ID,
		StreamID:      o.run.StreamID,
		Snapshot:      o.run.Ledger.Snapshot(),
		Keys:          o.run.Keys,
		JoinTolerance: o.cfg.Resend.JoinTolerance,
		Aborted:       aborted,
	}
	for _, p := range o.topo.Publishers {
		in.Publishers = append(in.Publishers, verify.Publisher{
			Name:    p.Name,
			Address: p.Address(),
			Variant: p.Variant.String(),
			Failure: p.Failure(),
		})
	}

	attachments := make(map[*participant.Participant]*schedule.Attachment)
	for _, a := range o.sched.Attachments() {
		attachments[a.Participant] = a
	}
	for _, p := range o.topo.Subscribers {
		s := verify.Subscriber{
			Name:       p.Name,
			Address:    p.Address(),
			Variant:    p.Variant.String(),
			Encryption: p.Encryption,
			Policy:     "not attached",
			Resend:     broker.NoResend(),
			Records:    p.Recorder.Records(),
			Failure:    p.Failure(),
		}
		if p.Store != nil {
			s.Held = p.Store.All()
		}
		if a, ok := attachments[p]; ok {
			s.Resend = a.Resend
			s.Policy = a.Resend.String()
			s.Since, s.Attached = a.Since()
		}
		in.Subscribers = append(in.Subscribers, s)
	}
	return in
}

func (o *Orchestrator) dumpLedger(ctx context.Context, rep *verify.Report) error {
	var receipts []ledger.Receipt
	for _, sub := range o.topo.Subscribers {
		receipts = append(receipts, sub.Recorder.Receipts()...)
	}
	err := ledger.Dump(ctx, o.cfg.Run.LedgerDump, o.run.Ledger.Snapshot(), receipts, rep.LedgerFindings())
	if err != nil {
		return fmt.Errorf("failed to dump ledger to %s: %w", o.cfg.Run.LedgerDump, err)
	}
	o.logger.Info("Orchestrator", "Ledger dumped to %s", o.cfg.Run.LedgerDump)
	return nil
}

// Topology returns the built participants. It is nil before Build.
func (o *Orchestrator) Topology() *scenario.Topology { return o.topo }

// Harness returns the run context. It is nil before Build.
func (o *Orchestrator) Harness() *harness.Run { return o.run }

// IsConfigurationError reports whether err stems from invalid input.
func IsConfigurationError(err error) bool {
	var cfgErr *config.ConfigurationError
	return errors.As(err, &cfgErr)
}
