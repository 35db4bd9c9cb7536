// Package scheduler runs the periodic test cycle: slot check, activity
// gating with retries, slot claim, measurement and result submission.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"wifitester/internal/device"
	"wifitester/internal/metrics"
	"wifitester/internal/model"
	"wifitester/internal/ndt7"
	"wifitester/internal/notify"
)

// SlotClient speaks the trial slot protocol.
type SlotClient interface {
	IsOpen(ctx context.Context) (bool, error)
	Claim(ctx context.Context) (*model.Trial, error)
	Submit(ctx context.Context, trial *model.Trial, m *model.Measurement) (bool, error)
}

// ActivityMonitor gates tests on browser idleness.
type ActivityMonitor interface {
	IsInactive(ctx context.Context) bool
}

// DeviceLocator resolves the coordinator device.
type DeviceLocator interface {
	Locate(ctx context.Context) (model.Device, error)
}

// Engine runs a throughput test against a device.
type Engine interface {
	Run(ctx context.Context, netloc, test string, onEvent func(ndt7.Event)) (*model.Measurement, error)
}

// OnlineChecker reports whether this host can reach the internet.
type OnlineChecker interface {
	Online(ctx context.Context) (online, ok bool)
}

// Config holds the cycle parameters.
type Config struct {
	RetryPeriod time.Duration
	RetryMax    int
	Test        string
}

// Deps are the collaborators of a Scheduler. Sink, Online, Clock, Log and
// Observe are optional.
type Deps struct {
	Slots    SlotClient
	Activity ActivityMonitor
	Locator  DeviceLocator
	Engine   Engine
	Sink     notify.Sink
	Online   OnlineChecker
	Clock    clock.Clock
	Log      *zap.Logger
	// Observe is called after every cycle, once any retry is scheduled.
	Observe func(Wake, Result)
}

// Scheduler is the test state machine. Wakes are processed strictly one at
// a time by Run.
type Scheduler struct {
	cfg   Config
	deps  Deps
	clock clock.Clock
	log   *zap.Logger
	sink  notify.Sink
	inbox chan Wake

	mu                sync.Mutex
	status            Status
	discoveryNotified bool
}

// New creates a scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Test == "" {
		cfg.Test = ndt7.TestDownload
	}
	s := &Scheduler{
		cfg:   cfg,
		deps:  deps,
		clock: deps.Clock,
		log:   deps.Log,
		sink:  deps.Sink,
		inbox: make(chan Wake, 4),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.sink == nil {
		s.sink = notify.Nop{}
	}
	s.status = Status{State: StateIdle.String(), LastOutcome: OutcomeNone.String()}
	return s
}

// Enqueue hands a wake to Run. It blocks until accepted or ctx ends.
func (s *Scheduler) Enqueue(ctx context.Context, w Wake) error {
	if w.At.IsZero() {
		w.At = s.clock.Now()
	}
	select {
	case s.inbox <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes wakes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-s.inbox:
			s.handle(ctx, w)
		}
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Scheduler) handle(ctx context.Context, w Wake) {
	res := s.RunCycle(ctx, w)
	if res.Outcome == OutcomeRetrying {
		// A pending retry may overlap the next timer fire; the coordinator's
		// atomic claim keeps that harmless.
		next := Wake{Alarm: w.Alarm, RetryCount: w.RetryCount + 1}
		s.setState(StateRetrying)
		s.clock.AfterFunc(s.cfg.RetryPeriod, func() {
			next.At = s.clock.Now()
			select {
			case s.inbox <- next:
			case <-ctx.Done():
			}
		})
	}
	if s.deps.Observe != nil {
		s.deps.Observe(w, res)
	}
}

// RunCycle performs one pass of the state machine for w. Errors and panics
// end the cycle and are reported in the Result; they never propagate.
func (s *Scheduler) RunCycle(ctx context.Context, w Wake) (res Result) {
	log := s.log.With(
		zap.String("cycle", uuid.NewString()),
		zap.String("alarm", w.Alarm),
		zap.Int("retry", w.RetryCount),
	)
	if w.RetryCount == 0 {
		log.Debug("handling alarm")
	} else {
		log.Debug("handling retry")
	}

	defer func() {
		if r := recover(); r != nil {
			res = Result{Outcome: OutcomeFailed, Err: fmt.Errorf("cycle panic: %v", r)}
		}
		if res.Err != nil && res.Outcome == OutcomeFailed {
			log.Error("cycle failed", zap.Stringer("outcome", res.Outcome), zap.Error(res.Err))
		} else {
			log.Debug("cycle done", zap.Stringer("outcome", res.Outcome), zap.Error(res.Err))
		}
		s.finish(res)
	}()

	return s.cycle(ctx, w, log)
}

// RunWithRetries runs w and then its retries inline, waiting RetryPeriod
// between attempts, and returns the final result. It is for one-shot use
// outside Run.
func (s *Scheduler) RunWithRetries(ctx context.Context, w Wake) Result {
	for {
		res := s.RunCycle(ctx, w)
		if res.Outcome != OutcomeRetrying {
			return res
		}

		s.setState(StateRetrying)
		timer := s.clock.Timer(s.cfg.RetryPeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateIdle)
			return Result{Outcome: OutcomeSkippedActiveMax, Err: ctx.Err()}
		case <-timer.C:
		}
		w = Wake{Alarm: w.Alarm, RetryCount: w.RetryCount + 1, At: s.clock.Now()}
	}
}

func (s *Scheduler) cycle(ctx context.Context, w Wake, log *zap.Logger) Result {
	s.setState(StateCheckingSlot)
	open, err := s.deps.Slots.IsOpen(ctx)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			s.discoveryFailed(ctx, err)
			return Result{Outcome: OutcomeFailed, Err: err}
		}
		log.Debug("slot check failed, treating as closed", zap.Error(err))
		return Result{Outcome: OutcomeSkippedNoSlot, Err: err}
	}
	s.discoveryRecovered()
	if !open {
		// Most likely a trial ran within the period or one is active.
		return Result{Outcome: OutcomeSkippedNoSlot}
	}

	s.setState(StateCheckingActivity)
	if !s.deps.Activity.IsInactive(ctx) {
		if w.RetryCount < s.cfg.RetryMax {
			log.Debug("browser active, will retry", zap.Duration("in", s.cfg.RetryPeriod))
			return Result{Outcome: OutcomeRetrying}
		}
		log.Info("browser stayed active, giving up until next alarm", zap.Int("retries", w.RetryCount))
		return Result{Outcome: OutcomeSkippedActiveMax}
	}

	s.setState(StateClaiming)
	trial, err := s.deps.Slots.Claim(ctx)
	if err != nil {
		log.Debug("claim failed, treating as closed", zap.Error(err))
		return Result{Outcome: OutcomeSkippedNoSlot, Err: err}
	}
	if trial == nil {
		log.Debug("no open trial slot (race lost)")
		return Result{Outcome: OutcomeSkippedBusyClosed}
	}
	log = log.With(zap.Int64("trial", trial.Timestamp))

	s.setState(StateTesting)
	dev, err := s.deps.Locator.Locate(ctx)
	if err != nil {
		// The claimed trial is abandoned; the coordinator expires it.
		if errors.Is(err, device.ErrDeviceNotFound) {
			s.discoveryFailed(ctx, err)
		}
		return Result{Outcome: OutcomeFailed, Trial: trial, Err: err}
	}

	m, merr := s.measure(ctx, dev)

	s.setState(StateReporting)
	submitted, serr := s.deps.Slots.Submit(ctx, trial, m)

	res := Result{Outcome: OutcomeCompleted, Trial: trial, Measurement: m, Submitted: submitted}
	if m == nil {
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("%w: %v", ErrMeasurementFailed, merr)
		return res
	}

	log.Info("bandwidth measured",
		zap.String("test", s.cfg.Test),
		zap.Int64("bytes", m.NumBytes),
		zap.Int64("elapsed_us", m.ElapsedTime),
		zap.Float64("mbps", metrics.Mbps(*m)))

	if !submitted {
		if serr == nil {
			serr = errors.New("not accepted")
		}
		res.Err = fmt.Errorf("%w: %v", ErrSubmitFailed, serr)
		log.Warn("result not recorded", zap.Error(res.Err))
	}
	return res
}

func (s *Scheduler) measure(ctx context.Context, dev model.Device) (*model.Measurement, error) {
	s.sink.SetBusy(true)
	defer s.sink.SetBusy(false)

	m, err := s.deps.Engine.Run(ctx, dev.Netloc, s.cfg.Test, nil)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ndt7.ErrNoMeasurement
	}
	return m, nil
}

// discoveryFailed surfaces a DiscoveryFailure once per streak of failures.
func (s *Scheduler) discoveryFailed(ctx context.Context, err error) {
	s.mu.Lock()
	already := s.discoveryNotified
	s.discoveryNotified = true
	s.mu.Unlock()
	if already {
		return
	}

	var online *bool
	if s.deps.Online != nil {
		if on, ok := s.deps.Online.Online(ctx); ok {
			online = &on
		}
	}
	s.log.Error("netrics device not found", zap.Error(err))
	s.sink.Notify(notify.DeviceNotFound("sniff-failure", online))
}

func (s *Scheduler) discoveryRecovered() {
	s.mu.Lock()
	s.discoveryNotified = false
	s.mu.Unlock()
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	s.status.State = st.String()
	s.mu.Unlock()
}

func (s *Scheduler) finish(res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = StateIdle.String()
	s.status.LastOutcome = res.Outcome.String()
	s.status.LastRun = s.clock.Now()
	s.status.LastError = ""
	if res.Err != nil {
		s.status.LastError = res.Err.Error()
	}
	if res.Trial != nil {
		s.status.LastTrial = res.Trial.Timestamp
	}
	if res.Measurement != nil {
		s.status.LastMbps = metrics.Mbps(*res.Measurement)
	}
}
