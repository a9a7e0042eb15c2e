package engine

import "time"

// Recorder receives reconciliation measurements. telemetry.Metrics implements it.
type Recorder interface {
	RecordTick(result string, duration time.Duration)
	RecordOperation(kind, outcome string)
	RecordProviderCall(provider, call string, duration time.Duration, err error)
	RecordTransition(from, to string)
	RecordBlocked(code string)
}

type nopRecorder struct{}

func (nopRecorder) RecordTick(string, time.Duration)                        {}
func (nopRecorder) RecordOperation(string, string)                          {}
func (nopRecorder) RecordProviderCall(string, string, time.Duration, error) {}
func (nopRecorder) RecordTransition(string, string)                         {}
func (nopRecorder) RecordBlocked(string)                                    {}

// Tick results reported to the Recorder.
const (
	TickResultConverged = "converged"
	TickResultProgress  = "progress"
	TickResultBackoff   = "backoff"
	TickResultBlocked   = "blocked"
	TickResultFailed    = "failed"
	TickResultSkipped   = "skipped"
	TickResultError     = "error"
)
