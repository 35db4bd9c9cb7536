package agent

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"wifitester/internal/activity"
	"wifitester/internal/api"
	"wifitester/internal/scheduler"
)

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Scheduler    scheduler.Status `json:"scheduler"`
	Device       string           `json:"device,omitempty"`
	InFlight     int              `json:"in_flight"`
	LastComplete *time.Time       `json:"last_complete,omitempty"`
}

// Handler returns the local events endpoint.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events/tab", a.handleTabEvent)
	mux.HandleFunc("POST /trigger", a.handleTrigger)
	mux.HandleFunc("GET /status", a.handleStatus)
	return mux
}

func (a *Agent) handleTabEvent(w http.ResponseWriter, r *http.Request) {
	var ev activity.TabEvent
	if err := decodeJSON(r, &ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := a.tracker.Observe(ev); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := a.sched.Enqueue(r.Context(), scheduler.Wake{Alarm: "manual"}); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	a.log.Info("manual test requested")
	w.WriteHeader(http.StatusAccepted)
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Scheduler: a.sched.Status()}
	if d, ok := a.locator.Cached(); ok {
		resp.Device = d.Netloc
	}
	resp.InFlight, _ = a.tracker.InFlight(r.Context())
	if at, ok, err := activity.LastComplete(a.store); err != nil {
		a.log.Warn("read last completion failed", zap.Error(err))
	} else if ok {
		resp.LastComplete = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
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
