package sync

import "time"

// State is the engine's externally visible state.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateError   State = "error"

	// StateCircuitOpen means automatic cycles are suspended after repeated
	// failures. It is a wait, not a permanent error.
	StateCircuitOpen State = "circuitBreakerOpen"
)

// Status is a snapshot of the engine.
type Status struct {
	State State

	// CooldownRemaining is set while State is StateCircuitOpen.
	CooldownRemaining time.Duration

	// LastSync is when the last cycle succeeded.
	LastSync  time.Time
	LastError string

	ConsecutiveFailures int

	// Pending counts records with unacknowledged local changes. Failed
	// counts rejected records; Exhausted those out of automatic retries.
	Pending   int
	Failed    int
	Exhausted int
}

// Result summarizes one cycle.
type Result struct {
	Uploaded   int
	Rejected   int
	Downloaded int
	Orphans    int
	Duration   time.Duration
	Full       bool
}

// StatusEvent is delivered to subscribers on every status transition.
// Result and Err are set when the event marks the end of a cycle.
type StatusEvent struct {
	At     time.Time
	Status Status
	Result *Result
	Err    error
}
