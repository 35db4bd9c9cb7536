package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wifitester/internal/config"
	"wifitester/internal/coordinator"
	"wifitester/internal/execx"
	"wifitester/internal/model"
	"wifitester/internal/ndt7"
	"wifitester/internal/notify"
	"wifitester/internal/scheduler"
	"wifitester/internal/store"
)

type recordingSink struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingSink) SetBusy(bool) {}

func (r *recordingSink) Notify(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingSink) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, n := range r.notes {
		out = append(out, n.ID)
	}
	return out
}

type fixedEngine struct{}

func (fixedEngine) Run(context.Context, string, string, func(ndt7.Event)) (*model.Measurement, error) {
	return &model.Measurement{NumBytes: 12_500_000, ElapsedTime: 1_000_000}, nil
}

func startCoordinator(t *testing.T) string {
	t.Helper()
	coord, err := coordinator.NewServer(config.CoordinatorConfig{}, nil, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(coord.Handler())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func testConfig(t *testing.T, hosts ...string) config.AgentConfig {
	t.Helper()
	cfg := config.Config{Agent: &config.AgentConfig{
		StatePath:  filepath.Join(t.TempDir(), "state.yaml"),
		Listen:     "127.0.0.1:0",
		KnownHosts: hosts,
	}}
	config.ApplyDefaults(&cfg)
	return *cfg.Agent
}

func newTestAgent(t *testing.T, cfg config.AgentConfig, clk clock.Clock) (*Agent, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	a, err := New(cfg, zap.NewNop(), Options{Clock: clk, Sink: sink, Engine: fixedEngine{}})
	require.NoError(t, err)
	return a, sink
}

func runAgent(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestHandler_TabEventsDriveStatus(t *testing.T) {
	t.Parallel()

	a, _ := newTestAgent(t, testConfig(t, "netrics.invalid"), nil)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	post := func(body string) int {
		resp, err := http.Post(srv.URL+"/events/tab", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	status := func() StatusResponse {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		var out StatusResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	require.Equal(t, http.StatusNoContent, post(`{"tab_id":"1","status":"loading"}`))
	require.Equal(t, http.StatusNoContent, post(`{"tab_id":"2","status":"loading"}`))
	st := status()
	require.Equal(t, 2, st.InFlight)
	require.Nil(t, st.LastComplete)
	require.Equal(t, scheduler.StateIdle.String(), st.Scheduler.State)

	require.Equal(t, http.StatusNoContent, post(`{"tab_id":"1","status":"complete"}`))
	require.Equal(t, http.StatusNoContent, post(`{"tab_id":"2","status":"removed"}`))
	st = status()
	require.Zero(t, st.InFlight)
	require.NotNil(t, st.LastComplete)

	require.Equal(t, http.StatusBadRequest, post(`{"tab_id":"1","status":"frozen"}`))
	require.Equal(t, http.StatusBadRequest, post(`{"tab_id":"1","state":"loading"}`))
	require.Equal(t, http.StatusBadRequest, post(`not json`))
}

func TestTrigger_RunsCycleAgainstCoordinator(t *testing.T) {
	t.Parallel()

	netloc := startCoordinator(t)
	a, sink := newTestAgent(t, testConfig(t, netloc), nil)
	runAgent(t, a)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Post(srv.URL+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return a.Scheduler().Status().LastOutcome == scheduler.OutcomeCompleted.String()
	}, 5*time.Second, 20*time.Millisecond)

	st := a.Scheduler().Status()
	require.InDelta(t, 100.0, st.LastMbps, 1e-9)
	require.Equal(t, []string{"installed"}, sink.ids())

	d, ok := a.Locator().Cached()
	require.True(t, ok)
	require.Equal(t, netloc, d.Netloc)
}

func TestRun_AlarmFireStartsCycle(t *testing.T) {
	t.Parallel()

	netloc := startCoordinator(t)
	clk := clock.NewMock()
	a, _ := newTestAgent(t, testConfig(t, netloc), clk)
	runAgent(t, a)

	require.Eventually(t, func() bool {
		clk.Add(time.Minute)
		return a.Scheduler().Status().LastOutcome == scheduler.OutcomeCompleted.String()
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGreet_OnlyOnFirstRun(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "netrics.invalid")
	a, sink := newTestAgent(t, cfg, nil)
	a.greet()
	a.greet()
	require.Equal(t, []string{"installed"}, sink.ids())

	b, sink2 := newTestAgent(t, cfg, nil)
	b.greet()
	require.Empty(t, sink2.ids())
}

func TestGreet_SkippedWhenDeviceCached(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "netrics.invalid")
	st, err := store.Open(cfg.StatePath)
	require.NoError(t, err)
	require.NoError(t, st.Set("localDashboardNetloc", "netrics.local"))

	a, sink := newTestAgent(t, cfg, nil)
	a.greet()
	require.Empty(t, sink.ids())
}

func TestNewSink(t *testing.T) {
	t.Parallel()

	rec := &execx.Recorder{}
	s, err := NewSink("desktop", rec, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &notify.Desktop{}, s)

	s, err = NewSink("none", rec, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, notify.Nop{}, s)

	s, err = NewSink("log", rec, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, notify.Log{}, s)

	_, err = NewSink("pager", rec, zap.NewNop())
	require.Error(t, err)
}

func TestDiagnose(t *testing.T) {
	t.Parallel()

	netloc := startCoordinator(t)
	cfg := testConfig(t, netloc)

	checks := Diagnose(context.Background(), cfg, nil)
	require.Len(t, checks, 3)
	for _, c := range checks {
		require.True(t, c.OK, "%s: %s", c.Name, c.Detail)
	}
	require.Equal(t, netloc, checks[0].Detail)

	// Diagnosis does not populate the cache.
	st, err := store.Open(cfg.StatePath)
	require.NoError(t, err)
	_, ok := st.Get("localDashboardNetloc")
	require.False(t, ok)
}

func TestDiagnose_DeviceMissing(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "127.0.0.1:1")
	checks := Diagnose(context.Background(), cfg, nil)
	require.False(t, checks[0].OK)
	require.Equal(t, "device", checks[0].Name)
}
