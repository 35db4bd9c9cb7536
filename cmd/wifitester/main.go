package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"wifitester/internal/addrutil"
	"wifitester/internal/agent"
	"wifitester/internal/config"
	"wifitester/internal/coordinator"
	"wifitester/internal/device"
	"wifitester/internal/execx"
	"wifitester/internal/logging"
	"wifitester/internal/metrics"
	"wifitester/internal/ndt7"
	"wifitester/internal/notify"
	"wifitester/internal/scheduler"
	"wifitester/internal/store"
	"wifitester/internal/stunutil"
)

const usage = `wifitester - background home network speed tester for netrics devices

Usage:
  wifitester agent run [--config <path>] [--listen 127.0.0.1:8787] [--state <path>]
  wifitester locate [--config <path>] [--reset]
  wifitester slot status [--config <path>]
  wifitester slot claim [--config <path>]
  wifitester test [--config <path>] [--test download|upload] [--direct]
  wifitester stats [--config <path>]
  wifitester dashboard [--config <path>] [--print]
  wifitester doctor [--config <path>] [--stun <servers>]
  wifitester coordinator serve [--config <path>] [--listen :8080] [--data <path>]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "agent":
		handleAgent(os.Args[2:])
	case "locate":
		handleLocate(os.Args[2:])
	case "slot":
		handleSlot(os.Args[2:])
	case "test":
		handleTest(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "dashboard":
		handleDashboard(os.Args[2:])
	case "doctor":
		handleDoctor(os.Args[2:])
	case "coordinator":
		handleCoordinator(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleAgent(args []string) {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprint(os.Stderr, "agent subcommand required: run\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("agent run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "events endpoint listen address")
	statePath := fs.String("state", "", "state file path")
	_ = fs.Parse(args[1:])

	cfg, log := mustAgentConfig(*configPath)
	defer func() { _ = log.Sync() }()
	if *listen != "" {
		cfg.Agent.Listen = *listen
	}
	if *statePath != "" {
		cfg.Agent.StatePath = *statePath
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := agent.Run(ctx, *cfg.Agent, log); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func handleLocate(args []string) {
	fs := flag.NewFlagSet("locate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	reset := fs.Bool("reset", false, "forget the cached device before probing")
	_ = fs.Parse(args)

	cfg, log := mustAgentConfig(*configPath)
	defer func() { _ = log.Sync() }()

	st, err := store.Open(cfg.Agent.StatePath)
	if err != nil {
		fatal(err)
	}
	if *reset {
		if err := st.Delete(device.StorageKey); err != nil {
			fatal(err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	locator := device.NewLocator(cfg.Agent.KnownHosts, st, cfg.Agent.ProbeTimeout(), log)
	dev, err := locator.Locate(ctx)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintln(os.Stdout, dev.Netloc)
}

func handleSlot(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "slot subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "status":
		slotStatus(args[1:])
	case "claim":
		slotClaim(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown slot subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func slotStatus(args []string) {
	fs := flag.NewFlagSet("slot status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	a, cancel := mustAgent(*configPath)
	defer cancel()

	ctx, stop := signalContext()
	defer stop()

	open, err := a.Slots().IsOpen(ctx)
	if err != nil {
		fatal(err)
	}
	if open {
		fmt.Fprintln(os.Stdout, "open")
	} else {
		fmt.Fprintln(os.Stdout, "closed")
	}
}

func slotClaim(args []string) {
	fs := flag.NewFlagSet("slot claim", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	a, cancel := mustAgent(*configPath)
	defer cancel()

	ctx, stop := signalContext()
	defer stop()

	trial, err := a.Slots().Claim(ctx)
	if err != nil {
		fatal(err)
	}
	if trial == nil {
		fmt.Fprintln(os.Stdout, "slot busy")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "claimed trial ts=%d\n", trial.Timestamp)
}

func handleTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	test := fs.String("test", "", "download or upload")
	direct := fs.Bool("direct", false, "measure only, without claiming a trial slot")
	_ = fs.Parse(args)

	cfg, log := mustAgentConfig(*configPath)
	defer func() { _ = log.Sync() }()
	if *test != "" {
		cfg.Agent.Test = *test
		if err := config.Validate(cfg); err != nil {
			fatal(err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := agent.New(*cfg.Agent, log, agent.Options{})
	if err != nil {
		fatal(err)
	}

	if *direct {
		dev, err := a.Locator().Locate(ctx)
		if err != nil {
			fatal(err)
		}
		engine := ndt7.NewClient(cfg.Agent.NDTPort, log)
		m, err := engine.Run(ctx, dev.Netloc, cfg.Agent.Test, func(ev ndt7.Event) {
			if ev.Name != ndt7.EventMeasurement || ev.Measurement.Origin != ndt7.OriginClient || ev.Measurement.AppInfo == nil {
				return
			}
			fmt.Fprintf(os.Stdout, "%s %.2f Mbps\n", cfg.Agent.Test, metrics.Mbps(*ev.Measurement.AppInfo))
		})
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "result bytes=%d elapsed_us=%d rate=%.2f Mbps\n", m.NumBytes, m.ElapsedTime, metrics.Mbps(*m))
		return
	}

	res := a.Scheduler().RunWithRetries(ctx, scheduler.Wake{Alarm: "manual"})
	fmt.Fprintf(os.Stdout, "outcome=%s\n", res.Outcome)
	if res.Outcome == scheduler.OutcomeSkippedActiveMax {
		fmt.Fprintln(os.Stdout, "browser stayed active, no test run")
	}
	if res.Trial != nil {
		fmt.Fprintf(os.Stdout, "trial=%d submitted=%t\n", res.Trial.Timestamp, res.Submitted)
	}
	if res.Measurement != nil {
		fmt.Fprintf(os.Stdout, "rate=%.2f Mbps\n", metrics.Mbps(*res.Measurement))
	}
	if res.Err != nil {
		fmt.Fprintf(os.Stdout, "error=%v\n", res.Err)
	}
	if res.Outcome == scheduler.OutcomeFailed {
		os.Exit(1)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	asJSON := fs.Bool("json", false, "print raw JSON")
	_ = fs.Parse(args)

	a, cancel := mustAgent(*configPath)
	defer cancel()

	ctx, stop := signalContext()
	defer stop()

	stats, err := a.Slots().Stats(ctx)
	if err != nil {
		fatal(err)
	}
	if *asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		fatal(encoder.Encode(stats))
		return
	}

	fmt.Fprintf(os.Stdout, "trials=%d window=%d\n", stats.TotalCount, stats.StatCountWin)
	fmt.Fprintf(os.Stdout, "mean=%s stdev=%s last=%s\n", formatRate(stats.StatMeanWin), formatRate(stats.StatStdev), formatRate(stats.LastRate))
}

func handleDashboard(args []string) {
	fs := flag.NewFlagSet("dashboard", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	printOnly := fs.Bool("print", false, "print the dashboard URL instead of opening it")
	_ = fs.Parse(args)

	a, cancel := mustAgent(*configPath)
	defer cancel()

	ctx, stop := signalContext()
	defer stop()

	dev, err := a.Locator().Locate(ctx)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			a.Sink().Notify(notify.DeviceNotFound("sniff-failure-dashboard", nil))
		}
		fatal(err)
	}

	url := addrutil.DashboardURL(dev.Netloc)
	if *printOnly {
		fmt.Fprintln(os.Stdout, url)
		return
	}
	if err := execx.NewOSRunner(os.Stdout).Run(ctx, "xdg-open", url); err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		fmt.Fprintln(os.Stdout, url)
	}
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	cfg, log := mustAgentConfig(*configPath)
	defer func() { _ = log.Sync() }()
	if *stunList != "" {
		cfg.Agent.STUNServers = splitList(*stunList)
	}
	if len(cfg.Agent.STUNServers) == 0 {
		cfg.Agent.STUNServers = []string{stunutil.DefaultServer}
	}

	ctx, cancel := signalContext()
	defer cancel()

	failed := false
	for _, c := range agent.Diagnose(ctx, *cfg.Agent, log) {
		state := "ok"
		if !c.OK {
			state = "FAIL"
			failed = true
		}
		fmt.Fprintf(os.Stdout, "%-12s %-4s %s\n", c.Name, state, c.Detail)
	}
	if failed {
		os.Exit(1)
	}
}

func handleCoordinator(args []string) {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprint(os.Stderr, "coordinator subcommand required: serve\n")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("coordinator serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	dataPath := fs.String("data", "", "trial ledger path")
	_ = fs.Parse(args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = &config.CoordinatorConfig{}
	}
	if *listen != "" {
		cfg.Coordinator.Listen = *listen
	}
	if *dataPath != "" {
		cfg.Coordinator.DataPath = *dataPath
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = log.Sync() }()

	srv, err := coordinator.NewServer(*cfg.Coordinator, nil, log)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

// mustAgentConfig loads, defaults and validates the agent section.
func mustAgentConfig(path string) (config.Config, *zap.Logger) {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Agent == nil {
		cfg.Agent = &config.AgentConfig{}
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fatal(err)
	}
	return cfg, log
}

func mustAgent(path string) (*agent.Agent, func()) {
	cfg, log := mustAgentConfig(path)
	a, err := agent.New(*cfg.Agent, log, agent.Options{})
	if err != nil {
		fatal(err)
	}
	return a, func() { _ = log.Sync() }
}

func formatRate(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2fMbps", *v*8/1e6)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
