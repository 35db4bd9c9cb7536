// Package alarm provides named, periodic wake-ups.
package alarm

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Fire is delivered on the manager's channel each time an alarm goes off.
type Fire struct {
	Name string
	At   time.Time
}

// Manager owns a set of named recurring alarms that all deliver to one channel.
type Manager struct {
	clock clock.Clock
	out   chan Fire

	mu     sync.Mutex
	alarms map[string]*entry
}

type entry struct {
	period time.Duration
	stop   chan struct{}
}

// NewManager creates a manager. Fires are dropped if the consumer is not
// keeping up; the next period delivers again.
func NewManager(clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		clock:  clk,
		out:    make(chan Fire, 1),
		alarms: map[string]*entry{},
	}
}

// C returns the channel alarms fire on.
func (m *Manager) C() <-chan Fire {
	return m.out
}

// Register creates or updates the alarm name. If it already exists with the
// same period nothing changes and false is returned. Otherwise the alarm is
// (re)created to fire first after delay and then every period. A
// non-positive period is refused.
func (m *Manager) Register(name string, delay, period time.Duration) bool {
	if period <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.alarms[name]; ok {
		if cur.period == period {
			return false
		}
		close(cur.stop)
	}

	e := &entry{period: period, stop: make(chan struct{})}
	m.alarms[name] = e
	go m.loop(name, delay, e)
	return true
}

// Period returns the period of a registered alarm.
func (m *Manager) Period(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.alarms[name]
	if !ok {
		return 0, false
	}
	return e.period, true
}

// Clear stops the alarm and reports whether it existed.
func (m *Manager) Clear(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.alarms[name]
	if !ok {
		return false
	}
	close(e.stop)
	delete(m.alarms, name)
	return true
}

// Close stops every alarm.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.alarms {
		close(e.stop)
		delete(m.alarms, name)
	}
}

func (m *Manager) loop(name string, delay time.Duration, e *entry) {
	if delay > 0 {
		timer := m.clock.Timer(delay)
		select {
		case <-e.stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	m.deliver(name, e)

	ticker := m.clock.Ticker(e.period)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			m.deliver(name, e)
		}
	}
}

func (m *Manager) deliver(name string, e *entry) {
	select {
	case <-e.stop:
		return
	default:
	}
	select {
	case m.out <- Fire{Name: name, At: m.clock.Now()}:
	default:
	}
}
