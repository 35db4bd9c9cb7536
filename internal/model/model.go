package model

// Device identifies the coordinating netrics device on the local network.
type Device struct {
	Netloc string // host[:port]
}

// Trial is a coordinator-side slot record, keyed by its creation timestamp.
// Size and Period stay nil until a measurement is submitted against it.
type Trial struct {
	Timestamp int64  `json:"ts" yaml:"ts"`
	Size      *int64 `json:"size" yaml:"size,omitempty"`
	Period    *int64 `json:"period" yaml:"period,omitempty"`
}

// Complete reports whether a measurement has been recorded for the trial.
func (t Trial) Complete() bool {
	return t.Size != nil && t.Period != nil
}

// Measurement is the client-side result of a throughput test.
type Measurement struct {
	NumBytes    int64 `json:"NumBytes"`
	ElapsedTime int64 `json:"ElapsedTime"` // microseconds
}

// TrialStats is the coordinator's summary of completed trials.
// Rates are in bytes per second.
type TrialStats struct {
	TotalCount   int      `json:"total_count"`
	StatCountWin int      `json:"stat_count_win"`
	StatMeanWin  *float64 `json:"stat_mean_win"`
	StatStdev    *float64 `json:"stat_stdev"`
	LastRate     *float64 `json:"last_rate"`
	SuccessCount *int     `json:"success_count"`
}
