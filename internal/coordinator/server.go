// Package coordinator is a reference implementation of the dashboard's trial
// slot API, for local development and tests.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"wifitester/internal/api"
	"wifitester/internal/config"
	"wifitester/internal/device"
	"wifitester/internal/metrics"
	"wifitester/internal/model"
	"wifitester/internal/store"
)

const statsSampleLimit = 1000

// ledger is the persisted trial table.
type ledger struct {
	Trials []model.Trial `yaml:"trials"`
}

// Server serves the trial slot API. Claims are conditional inserts executed
// under one lock, so at most one concurrent claimant wins.
type Server struct {
	cfg   config.CoordinatorConfig
	clock clock.Clock
	log   *zap.Logger

	mu     sync.Mutex
	trials map[int64]model.Trial
}

// NewServer constructs a coordinator, loading the ledger at cfg.DataPath if set.
func NewServer(cfg config.CoordinatorConfig, clk clock.Clock, log *zap.Logger) (*Server, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ReportingTimeoutSec <= 0 {
		cfg.ReportingTimeoutSec = config.DefaultReportingTimeout
	}

	s := &Server{cfg: cfg, clock: clk, log: log, trials: map[int64]model.Trial{}}
	if cfg.DataPath != "" {
		var l ledger
		if err := store.LoadYAML(cfg.DataPath, &l); err != nil {
			return nil, err
		}
		for _, t := range l.Trials {
			s.trials[t.Timestamp] = t
		}
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /dashboard/{$}", s.handleDashboard)
	mux.HandleFunc("GET /dashboard/trial/{$}", s.handleList)
	mux.HandleFunc("POST /dashboard/trial/{$}", s.handleCreate)
	mux.HandleFunc("GET /dashboard/trial/stats", s.handleStats)
	mux.HandleFunc("PUT /dashboard/trial/{ts}", s.handleUpdate)
	return mux
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("coordinator listening", zap.String("listen", s.cfg.Listen))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) reportingTimeout() time.Duration {
	return time.Duration(s.cfg.ReportingTimeoutSec) * time.Second
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(device.SoftwareHeader, device.SoftwareName)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte("netrics dashboard\n"))
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	selected := s.selectLocked(f)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, api.TrialListResponse{Selected: selected, Count: len(selected)})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.limit = 1

	s.mu.Lock()
	defer s.mu.Unlock()

	if !f.empty() && len(s.selectLocked(f)) > 0 {
		writeJSON(w, http.StatusConflict, api.ClaimResponse{})
		return
	}

	ts := s.clock.Now().Unix()
	if _, exists := s.trials[ts]; exists {
		writeJSON(w, http.StatusConflict, api.ClaimResponse{})
		return
	}
	trial := model.Trial{Timestamp: ts}
	s.trials[ts] = trial
	if err := s.saveLocked(); err != nil {
		delete(s.trials, ts)
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("trial claimed", zap.Int64("ts", ts))
	writeJSON(w, http.StatusCreated, api.ClaimResponse{Inserted: &trial})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ts, err := strconv.ParseInt(r.PathValue("ts"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad request")
		return
	}
	size, err1 := strconv.ParseInt(r.PostForm.Get("size"), 10, 64)
	period, err2 := strconv.ParseInt(r.PostForm.Get("period"), 10, 64)
	if err1 != nil || err2 != nil {
		writeJSONError(w, http.StatusBadRequest, "bad request")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, existed := s.trials[ts]
	s.trials[ts] = model.Trial{Timestamp: ts, Size: &size, Period: &period}
	if err := s.saveLocked(); err != nil {
		if existed {
			s.trials[ts] = prev
		} else {
			delete(s.trials, ts)
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("trial completed", zap.Int64("ts", ts), zap.Int64("size", size), zap.Int64("period", period))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	complete := s.selectLocked(filter{complete: true})
	s.mu.Unlock()

	// complete is newest first.
	rates := make([]float64, 0, len(complete))
	for _, t := range complete {
		if *t.Period <= 0 {
			continue
		}
		rates = append(rates, metrics.Rate(model.Measurement{NumBytes: *t.Size, ElapsedTime: *t.Period}))
	}

	stats := model.TrialStats{TotalCount: len(complete)}
	if len(rates) > 0 {
		all := metrics.Summarize(rates)
		stats.StatCountWin = all.CountWin
		stats.StatMeanWin = &all.MeanWin
		last := rates[0]
		stats.LastRate = &last
	}
	recent := rates
	if len(recent) > statsSampleLimit {
		recent = recent[:statsSampleLimit]
	}
	if len(recent) > 1 {
		sd := metrics.Summarize(recent).Stdev
		stats.StatStdev = &sd
	}

	writeJSON(w, http.StatusOK, stats)
}

// selectLocked returns matching trials, newest first.
func (s *Server) selectLocked(f filter) []model.Trial {
	now := s.clock.Now()
	out := make([]model.Trial, 0)
	for _, t := range s.trials {
		if f.match(t, now, s.reportingTimeout()) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if f.limit > 0 && len(out) > f.limit {
		out = out[:f.limit]
	}
	return out
}

func (s *Server) saveLocked() error {
	if s.cfg.DataPath == "" {
		return nil
	}
	l := ledger{Trials: make([]model.Trial, 0, len(s.trials))}
	for _, t := range s.trials {
		l.Trials = append(l.Trials, t)
	}
	sort.Slice(l.Trials, func(i, j int) bool { return l.Trials[i].Timestamp < l.Trials[j].Timestamp })
	return store.SaveYAML(s.cfg.DataPath, &l)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
