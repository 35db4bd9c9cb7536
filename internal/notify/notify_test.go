package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"wifitester/internal/execx"
)

func TestDesktop_NotifyRunsNotifySend(t *testing.T) {
	t.Parallel()

	rec := &execx.Recorder{}
	d := NewDesktop(rec, "network-wireless", nil)
	d.Notify(DeviceNotFound("sniff-failure", nil))

	require.Len(t, rec.Calls, 1)
	call := rec.Calls[0]
	require.Equal(t, "notify-send", call.Name)
	require.Contains(t, call.Args, "--urgency=critical")
	require.Contains(t, call.Args, "--expire-time=0")
	require.Contains(t, call.Args, "--icon=network-wireless")
	require.Equal(t, "Error | Home Network Speed Test", call.Args[len(call.Args)-2])
}

func TestDesktop_RunnerErrorIsSwallowed(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	d := NewDesktop(&execx.Recorder{Err: errors.New("no display")}, "", zap.New(core))
	d.Notify(Installed())
	require.Equal(t, 1, logs.FilterMessage("desktop notification failed").Len())

	d.SetBusy(true)
	require.True(t, d.Busy())
	d.SetBusy(false)
	require.False(t, d.Busy())
}

func TestLog_WritesLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	s := Log{L: zap.New(core)}
	s.SetBusy(true)
	s.Notify(Installed())
	s.Notify(DeviceNotFound("x", nil))

	require.Equal(t, 2, logs.FilterMessage("notification").Len())
	require.Equal(t, 1, logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestDeviceNotFound_OnlineHint(t *testing.T) {
	t.Parallel()

	online := true
	require.Contains(t, DeviceNotFound("x", &online).Message, "device itself is most likely unreachable")
	offline := false
	require.Contains(t, DeviceNotFound("x", &offline).Message, "appears to be offline")
	require.NotContains(t, DeviceNotFound("x", nil).Message, "This computer")
}
