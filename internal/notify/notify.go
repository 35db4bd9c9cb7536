// Package notify surfaces scheduler state to the user. Every sink is
// fire-and-forget; nothing here can fail a test cycle.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"wifitester/internal/execx"
)

// Level of a notification.
type Level int

const (
	Info Level = iota
	Error
)

func (l Level) String() string {
	if l == Error {
		return "error"
	}
	return "info"
}

// Notification is a user-facing message.
type Notification struct {
	ID      string
	Level   Level
	Title   string
	Message string
	// Sticky asks the surface to keep the message until dismissed.
	Sticky bool
}

// Sink receives presentation updates.
type Sink interface {
	SetBusy(busy bool)
	Notify(n Notification)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SetBusy(bool)        {}
func (Nop) Notify(Notification) {}

// Log writes presentation updates to a zap logger.
type Log struct {
	L *zap.Logger
}

func (s Log) SetBusy(busy bool) {
	s.L.Info("test indicator", zap.Bool("active", busy))
}

func (s Log) Notify(n Notification) {
	fields := []zap.Field{zap.String("id", n.ID), zap.String("title", n.Title), zap.String("message", n.Message)}
	if n.Level == Error {
		s.L.Error("notification", fields...)
		return
	}
	s.L.Info("notification", fields...)
}

// Desktop shows notifications through notify-send.
type Desktop struct {
	runner  execx.Runner
	log     *zap.Logger
	timeout time.Duration
	icon    string

	mu   sync.Mutex
	busy bool
}

// NewDesktop creates a desktop sink using runner.
func NewDesktop(runner execx.Runner, icon string, log *zap.Logger) *Desktop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Desktop{runner: runner, log: log, timeout: 5 * time.Second, icon: icon}
}

// Busy reports the last indicator state.
func (d *Desktop) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

func (d *Desktop) SetBusy(busy bool) {
	d.mu.Lock()
	d.busy = busy
	d.mu.Unlock()
	d.log.Debug("test indicator", zap.Bool("active", busy))
}

func (d *Desktop) Notify(n Notification) {
	args := []string{"--app-name=wifitester"}
	if n.Level == Error {
		args = append(args, "--urgency=critical")
	} else {
		args = append(args, "--urgency=normal")
	}
	if n.Sticky {
		args = append(args, "--expire-time=0")
	}
	if d.icon != "" {
		args = append(args, "--icon="+d.icon)
	}
	args = append(args, n.Title, n.Message)

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.runner.Run(ctx, "notify-send", args...); err != nil {
		d.log.Warn("desktop notification failed", zap.String("id", n.ID), zap.Error(err))
	}
}
