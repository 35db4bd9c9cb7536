package scheduler

import (
	"errors"
	"time"

	"wifitester/internal/model"
)

// State is the scheduler's position within a cycle.
type State int

const (
	StateIdle State = iota
	StateCheckingSlot
	StateCheckingActivity
	StateRetrying
	StateClaiming
	StateTesting
	StateReporting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingSlot:
		return "checking_slot"
	case StateCheckingActivity:
		return "checking_activity"
	case StateRetrying:
		return "retrying"
	case StateClaiming:
		return "claiming"
	case StateTesting:
		return "testing"
	case StateReporting:
		return "reporting"
	default:
		return "unknown"
	}
}

// Outcome is how a cycle ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	// OutcomeSkippedNoSlot: the slot was closed or the coordinator unreachable.
	OutcomeSkippedNoSlot
	// OutcomeSkippedBusyClosed: the claim was lost to another client.
	OutcomeSkippedBusyClosed
	// OutcomeSkippedActiveMax: the browser stayed active for the whole retry budget.
	OutcomeSkippedActiveMax
	// OutcomeRetrying: the browser was active; a retry has been scheduled.
	OutcomeRetrying
	// OutcomeCompleted: a measurement was taken (its submission may still have failed).
	OutcomeCompleted
	// OutcomeFailed: discovery, measurement or an unexpected error ended the cycle.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSkippedNoSlot:
		return "skipped_no_slot"
	case OutcomeSkippedBusyClosed:
		return "skipped_busy_closed"
	case OutcomeSkippedActiveMax:
		return "skipped_active_max"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrMeasurementFailed is recorded when the engine produced no result.
	ErrMeasurementFailed = errors.New("measurement failed")
	// ErrSubmitFailed is recorded when the coordinator did not accept a result.
	ErrSubmitFailed = errors.New("submit failed")
)

// Wake starts a cycle. RetryCount is zero for a timer fire and n for the
// n-th retry of that fire.
type Wake struct {
	Alarm      string
	RetryCount int
	At         time.Time
}

// Result describes a finished cycle.
type Result struct {
	Outcome     Outcome
	Trial       *model.Trial
	Measurement *model.Measurement
	Submitted   bool
	Err         error
}

// Status is a snapshot for the status endpoint.
type Status struct {
	State       string    `json:"state"`
	LastOutcome string    `json:"last_outcome"`
	LastRun     time.Time `json:"last_run,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastMbps    float64   `json:"last_mbps,omitempty"`
	LastTrial   int64     `json:"last_trial,omitempty"`
}
