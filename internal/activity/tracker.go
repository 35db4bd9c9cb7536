package activity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// LastCompleteKey is the store key holding the last page-load completion
// time in unix milliseconds.
const LastCompleteKey = "lastTabComplete"

// StaleLoadAfter bounds how long a tab counts as loading without a
// matching complete or removed event.
const StaleLoadAfter = 5 * time.Minute

// Tab statuses reported by the browser.
const (
	StatusLoading  = "loading"
	StatusComplete = "complete"
	StatusRemoved  = "removed"
)

// TabEvent is a page-load status change for one tab.
type TabEvent struct {
	TabID  string `json:"tab_id"`
	Status string `json:"status"`
}

// KV is the persistent storage shared with the Monitor.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// Tracker passively observes page-load events. It is the only writer of
// LastCompleteKey and the source of the in-flight load count.
type Tracker struct {
	kv    KV
	clock clock.Clock

	mu      sync.Mutex
	loading map[string]time.Time
}

// NewTracker creates a tracker writing completions to kv.
func NewTracker(kv KV, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{kv: kv, clock: clk, loading: map[string]time.Time{}}
}

// Observe records one tab event.
func (t *Tracker) Observe(ev TabEvent) error {
	if ev.TabID == "" {
		return fmt.Errorf("tab_id required")
	}

	t.mu.Lock()
	switch ev.Status {
	case StatusLoading:
		t.loading[ev.TabID] = t.clock.Now()
	case StatusComplete, StatusRemoved:
		delete(t.loading, ev.TabID)
	default:
		t.mu.Unlock()
		return fmt.Errorf("unknown tab status %q", ev.Status)
	}
	t.mu.Unlock()

	if ev.Status == StatusComplete {
		now := t.clock.Now().UnixMilli()
		return t.kv.Set(LastCompleteKey, strconv.FormatInt(now, 10))
	}
	return nil
}

// InFlight returns the number of tabs currently loading. Loads older than
// StaleLoadAfter are forgotten, since their final event was lost.
func (t *Tracker) InFlight(context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	for id, since := range t.loading {
		if now.Sub(since) >= StaleLoadAfter {
			delete(t.loading, id)
		}
	}
	return len(t.loading), nil
}

// LastComplete reads the last completion time from kv.
func LastComplete(kv KV) (time.Time, bool, error) {
	raw, ok := kv.Get(LastCompleteKey)
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse %s: %w", LastCompleteKey, err)
	}
	return time.UnixMilli(ms), true, nil
}
