package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wifitester/internal/api"
	"wifitester/internal/config"
	"wifitester/internal/device"
	"wifitester/internal/store"
	"wifitester/internal/stunutil"
)

// Check is one line of a diagnosis.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

// Diagnose checks that the device can be found, that its coordinator
// answers, and whether this host is online. It never caches a newly found
// device.
func Diagnose(ctx context.Context, cfg config.AgentConfig, log *zap.Logger) []Check {
	if log == nil {
		log = zap.NewNop()
	}

	var checks []Check
	mem, _ := store.Open("")
	if persisted, err := store.Open(cfg.StatePath); err == nil {
		if netloc, ok := persisted.Get(device.StorageKey); ok {
			_ = mem.Set(device.StorageKey, netloc)
		}
	}

	locator := device.NewLocator(cfg.KnownHosts, mem, cfg.ProbeTimeout(), log)
	dev, err := locator.Locate(ctx)
	if err != nil {
		checks = append(checks, Check{Name: "device", Detail: err.Error()})
	} else {
		checks = append(checks, Check{Name: "device", OK: true, Detail: dev.Netloc})

		open, err := api.NewClient(locator, cfg.TrialPeriod).IsOpen(ctx)
		switch {
		case err != nil:
			checks = append(checks, Check{Name: "coordinator", Detail: err.Error()})
		case open:
			checks = append(checks, Check{Name: "coordinator", OK: true, Detail: "trial slot open"})
		default:
			checks = append(checks, Check{Name: "coordinator", OK: true, Detail: "trial slot taken"})
		}
	}

	if len(cfg.STUNServers) == 0 {
		checks = append(checks, Check{Name: "internet", OK: true, Detail: "no STUN servers configured"})
		return checks
	}
	res, err := stunutil.Probe(ctx, cfg.STUNServers, 3*time.Second)
	if err != nil {
		checks = append(checks, Check{Name: "internet", Detail: err.Error()})
	} else {
		checks = append(checks, Check{
			Name:   "internet",
			OK:     true,
			Detail: fmt.Sprintf("public %s, nat %s", res.PublicAddr, res.NATType),
		})
	}
	return checks
}
