package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAlarmName         = "netrics.wifi.periodic"
	DefaultAlarmPeriodMin    = 15
	DefaultAlarmDelayMin     = 1
	DefaultTrialPeriod       = "6h"
	DefaultPageCooldownSec   = 15
	DefaultRetryPeriodMs     = 3000
	DefaultRetryMax          = 15
	DefaultTest              = "download"
	DefaultProbeTimeoutSec   = 5
	DefaultNDTPort           = 8888
	DefaultListen            = "127.0.0.1:8787"
	DefaultNotify            = "log"
	DefaultLogLevel          = "info"
	DefaultCoordinatorListen = ":8080"
	DefaultReportingTimeout  = 30
)

// DefaultKnownHosts are the candidate netlocs probed during device discovery.
var DefaultKnownHosts = []string{"netrics.local", "netrics.localdomain"}

var trialPeriodRe = regexp.MustCompile(`^\d+[mh]?$`)

// Config holds both agent and coordinator settings.
type Config struct {
	Agent       *AgentConfig       `yaml:"agent,omitempty"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty"`
	LogLevel    string             `yaml:"log_level"`
}

// AgentConfig is used by the background tester running next to the browser.
type AgentConfig struct {
	StatePath       string   `yaml:"state_path"`
	Listen          string   `yaml:"listen"`
	KnownHosts      []string `yaml:"known_hosts"`
	ProbeTimeoutSec int      `yaml:"probe_timeout_sec"`
	NDTPort         int      `yaml:"ndt_port"`
	AlarmName       string   `yaml:"alarm_name"`
	AlarmPeriodMin  int      `yaml:"alarm_period_min"`
	AlarmDelayMin   int      `yaml:"alarm_delay_min"`
	TrialPeriod     string   `yaml:"trial_period"`
	PageCooldownSec int      `yaml:"page_cooldown_sec"`
	RetryPeriodMs   int      `yaml:"retry_period_ms"`
	RetryMax        *int     `yaml:"retry_max"` // nil means DefaultRetryMax; 0 disables retries
	Test            string   `yaml:"test"`
	Notify          string   `yaml:"notify"` // none|log|desktop
	STUNServers     []string `yaml:"stun_servers"`
}

// CoordinatorConfig is used by the reference coordinator process.
type CoordinatorConfig struct {
	Listen              string `yaml:"listen"`
	DataPath            string `yaml:"data_path"`
	ReportingTimeoutSec int    `yaml:"reporting_timeout_sec"`
}

// AlarmPeriod is the wake-up period of the recurring alarm.
func (c AgentConfig) AlarmPeriod() time.Duration {
	return time.Duration(c.AlarmPeriodMin) * time.Minute
}

// AlarmDelay is the delay before the first alarm fire.
func (c AgentConfig) AlarmDelay() time.Duration {
	return time.Duration(c.AlarmDelayMin) * time.Minute
}

// PageCooldown is the quiet period required after the last page load.
func (c AgentConfig) PageCooldown() time.Duration {
	return time.Duration(c.PageCooldownSec) * time.Second
}

// RetryPeriod is the delay between activity retries within one alarm fire.
func (c AgentConfig) RetryPeriod() time.Duration {
	return time.Duration(c.RetryPeriodMs) * time.Millisecond
}

// Retries is the number of activity retries allowed per alarm fire.
func (c AgentConfig) Retries() int {
	if c.RetryMax == nil {
		return DefaultRetryMax
	}
	return *c.RetryMax
}

// ProbeTimeout bounds each discovery probe.
func (c AgentConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Agent == nil && cfg.Coordinator == nil {
		return fmt.Errorf("config must contain agent or coordinator section")
	}
	if a := cfg.Agent; a != nil {
		if len(a.KnownHosts) == 0 {
			return fmt.Errorf("agent.known_hosts is required")
		}
		if !trialPeriodRe.MatchString(a.TrialPeriod) {
			return fmt.Errorf("agent.trial_period %q must look like 6h, 90m or 3600", a.TrialPeriod)
		}
		if a.Test != "download" && a.Test != "upload" {
			return fmt.Errorf("agent.test must be download or upload")
		}
		if a.RetryMax != nil && *a.RetryMax < 0 {
			return fmt.Errorf("agent.retry_max must not be negative")
		}
		for _, f := range []struct {
			name  string
			value int
		}{
			{"agent.alarm_period_min", a.AlarmPeriodMin},
			{"agent.alarm_delay_min", a.AlarmDelayMin},
			{"agent.page_cooldown_sec", a.PageCooldownSec},
			{"agent.retry_period_ms", a.RetryPeriodMs},
			{"agent.probe_timeout_sec", a.ProbeTimeoutSec},
			{"agent.ndt_port", a.NDTPort},
		} {
			if f.value <= 0 {
				return fmt.Errorf("%s must be positive", f.name)
			}
		}
		switch a.Notify {
		case "none", "log", "desktop":
		default:
			return fmt.Errorf("agent.notify must be none, log or desktop")
		}
	}
	if cfg.Coordinator != nil && cfg.Coordinator.Listen == "" {
		return fmt.Errorf("coordinator.listen is required")
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if a := cfg.Agent; a != nil {
		if a.StatePath == "" {
			a.StatePath = defaultStatePath()
		}
		if a.Listen == "" {
			a.Listen = DefaultListen
		}
		if len(a.KnownHosts) == 0 {
			a.KnownHosts = append([]string(nil), DefaultKnownHosts...)
		}
		if a.ProbeTimeoutSec == 0 {
			a.ProbeTimeoutSec = DefaultProbeTimeoutSec
		}
		if a.NDTPort == 0 {
			a.NDTPort = DefaultNDTPort
		}
		if a.AlarmName == "" {
			a.AlarmName = DefaultAlarmName
		}
		if a.AlarmPeriodMin == 0 {
			a.AlarmPeriodMin = DefaultAlarmPeriodMin
		}
		if a.AlarmDelayMin == 0 {
			a.AlarmDelayMin = DefaultAlarmDelayMin
		}
		if a.TrialPeriod == "" {
			a.TrialPeriod = DefaultTrialPeriod
		}
		if a.PageCooldownSec == 0 {
			a.PageCooldownSec = DefaultPageCooldownSec
		}
		if a.RetryPeriodMs == 0 {
			a.RetryPeriodMs = DefaultRetryPeriodMs
		}
		if a.RetryMax == nil {
			retryMax := DefaultRetryMax
			a.RetryMax = &retryMax
		}
		if a.Test == "" {
			a.Test = DefaultTest
		}
		if a.Notify == "" {
			a.Notify = DefaultNotify
		}
	}

	if c := cfg.Coordinator; c != nil {
		if c.Listen == "" {
			c.Listen = DefaultCoordinatorListen
		}
		if c.ReportingTimeoutSec == 0 {
			c.ReportingTimeoutSec = DefaultReportingTimeout
		}
	}
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return "wifitester-state.yaml"
	}
	return filepath.Join(dir, "wifitester", "state.yaml")
}
