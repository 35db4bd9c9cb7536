// Package agent wires the background tester: the recurring alarm feeds the
// scheduler, and a local HTTP endpoint receives page-load events.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"wifitester/internal/activity"
	"wifitester/internal/alarm"
	"wifitester/internal/api"
	"wifitester/internal/config"
	"wifitester/internal/device"
	"wifitester/internal/execx"
	"wifitester/internal/ndt7"
	"wifitester/internal/notify"
	"wifitester/internal/scheduler"
	"wifitester/internal/store"
	"wifitester/internal/stunutil"
)

// InstalledKey records when the installation notice was shown.
const InstalledKey = "installedAt"

// Options override collaborators, mostly for tests. Zero values select the
// production implementations.
type Options struct {
	Clock  clock.Clock
	Sink   notify.Sink
	Engine scheduler.Engine
	Runner execx.Runner
}

// Agent owns the long-lived components of one installation.
type Agent struct {
	cfg   config.AgentConfig
	log   *zap.Logger
	clock clock.Clock

	store   *store.Store
	tracker *activity.Tracker
	locator *device.Locator
	slots   *api.Client
	sink    notify.Sink
	alarms  *alarm.Manager
	sched   *scheduler.Scheduler
}

// New builds an agent from cfg. cfg is expected to have defaults applied.
func New(cfg config.AgentConfig, log *zap.Logger, opts Options) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	sink := opts.Sink
	if sink == nil {
		runner := opts.Runner
		if runner == nil {
			runner = execx.NewOSRunner(os.Stdout)
		}
		if sink, err = NewSink(cfg.Notify, runner, log); err != nil {
			return nil, err
		}
	}

	engine := opts.Engine
	if engine == nil {
		engine = ndt7.NewClient(cfg.NDTPort, log.Named("ndt7"))
	}

	tracker := activity.NewTracker(st, clk)
	locator := device.NewLocator(cfg.KnownHosts, st, cfg.ProbeTimeout(), log.Named("device"))
	slots := api.NewClient(locator, cfg.TrialPeriod)

	a := &Agent{
		cfg:     cfg,
		log:     log,
		clock:   clk,
		store:   st,
		tracker: tracker,
		locator: locator,
		slots:   slots,
		sink:    sink,
		alarms:  alarm.NewManager(clk),
	}

	deps := scheduler.Deps{
		Slots:    slots,
		Activity: activity.NewMonitor(st, tracker, cfg.PageCooldown(), clk, log.Named("activity")),
		Locator:  locator,
		Engine:   engine,
		Sink:     sink,
		Clock:    clk,
		Log:      log.Named("scheduler"),
	}
	if len(cfg.STUNServers) > 0 {
		deps.Online = stunutil.Checker{Servers: cfg.STUNServers, Timeout: 3 * time.Second}
	}
	a.sched = scheduler.New(scheduler.Config{
		RetryPeriod: cfg.RetryPeriod(),
		RetryMax:    cfg.Retries(),
		Test:        cfg.Test,
	}, deps)
	return a, nil
}

// Run starts the long-running agent loop.
func Run(ctx context.Context, cfg config.AgentConfig, log *zap.Logger) error {
	a, err := New(cfg, log, Options{})
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// Run registers the alarm and serves until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	defer a.alarms.Close()

	a.greet()
	if a.alarms.Register(a.cfg.AlarmName, a.cfg.AlarmDelay(), a.cfg.AlarmPeriod()) {
		a.log.Info("alarm registered",
			zap.String("name", a.cfg.AlarmName),
			zap.Duration("delay", a.cfg.AlarmDelay()),
			zap.Duration("period", a.cfg.AlarmPeriod()))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.sched.Run(gctx) })
	g.Go(func() error { return a.forwardAlarms(gctx) })
	g.Go(func() error { return a.serve(gctx) })
	return g.Wait()
}

// Scheduler exposes the scheduler, e.g. for one-shot cycles.
func (a *Agent) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Locator exposes the device locator.
func (a *Agent) Locator() *device.Locator {
	return a.locator
}

// Slots exposes the coordinator client.
func (a *Agent) Slots() *api.Client {
	return a.slots
}

// Sink exposes the notification sink.
func (a *Agent) Sink() notify.Sink {
	return a.sink
}

func (a *Agent) forwardAlarms(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fire := <-a.alarms.C():
			if err := a.sched.Enqueue(ctx, scheduler.Wake{Alarm: fire.Name, At: fire.At}); err != nil {
				return err
			}
		}
	}
}

func (a *Agent) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.log.Info("events endpoint listening", zap.String("listen", a.cfg.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

// greet shows the installation notice on the first run.
func (a *Agent) greet() {
	if _, ok := a.store.Get(InstalledKey); ok {
		return
	}
	if _, ok := a.locator.Cached(); ok {
		return
	}
	a.sink.Notify(notify.Installed())
	if err := a.store.Set(InstalledKey, strconv.FormatInt(a.clock.Now().Unix(), 10)); err != nil {
		a.log.Warn("record installation failed", zap.Error(err))
	}
}

// NewSink builds the notification sink named by kind.
func NewSink(kind string, runner execx.Runner, log *zap.Logger) (notify.Sink, error) {
	switch kind {
	case "none":
		return notify.Nop{}, nil
	case "log", "":
		return notify.Log{L: log.Named("notify")}, nil
	case "desktop":
		return notify.NewDesktop(runner, "network-wireless", log.Named("notify")), nil
	default:
		return nil, fmt.Errorf("unknown notify sink %q", kind)
	}
}
