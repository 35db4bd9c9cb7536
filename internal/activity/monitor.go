// Package activity decides whether the user appears to be browsing.
package activity

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// LoadCounter samples the number of page loads in progress.
type LoadCounter interface {
	InFlight(ctx context.Context) (int, error)
}

// Monitor is a heuristic gate: a bandwidth test should only start while the
// browser looks idle.
type Monitor struct {
	kv       KV
	loads    LoadCounter
	cooldown time.Duration
	clock    clock.Clock
	log      *zap.Logger
}

// NewMonitor creates a monitor reading completions from kv and in-flight
// loads from loads.
func NewMonitor(kv KV, loads LoadCounter, cooldown time.Duration, clk clock.Clock, log *zap.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{kv: kv, loads: loads, cooldown: cooldown, clock: clk, log: log}
}

// IsInactive is true only if no page load completed within the cooldown and
// none is in progress. Both checks run concurrently; a failed check counts
// as activity.
func (m *Monitor) IsInactive(ctx context.Context) bool {
	var noneRecent, noneLoading bool

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		last, ok, err := LastComplete(m.kv)
		if err != nil {
			return err
		}
		noneRecent = !ok || m.clock.Since(last) >= m.cooldown
		return nil
	})
	g.Go(func() error {
		n, err := m.loads.InFlight(gctx)
		if err != nil {
			return err
		}
		noneLoading = n == 0
		return nil
	})
	if err := g.Wait(); err != nil {
		m.log.Warn("activity check failed", zap.Error(err))
		return false
	}

	m.log.Debug("activity",
		zap.Bool("none_recently_loaded", noneRecent),
		zap.Bool("none_currently_loading", noneLoading))
	return noneRecent && noneLoading
}
