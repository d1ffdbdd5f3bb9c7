package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the lifecycle state of a Job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// transitions is the legal state machine. A failed job may only move back to
// pending through the retry path; completed and cancelled are dead ends.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateCancelled},
	StateFailed:  {StatePending},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible from s.
// A failed job is only conditionally terminal (retries may remain); callers
// that need the distinction check attempt bookkeeping on the Job itself.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// CanTransition reports whether s -> to is a legal transition.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is one schedulable unit of artifact-producing work. The payload and
// result are opaque to the scheduler; only the JobRunner interprets them.
type Job struct {
	ID           string          `json:"id"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	// NotBefore gates retry admission: a pending job is not eligible until
	// this instant has passed. Zero means immediately eligible.
	NotBefore time.Time       `json:"not_before,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Transition moves the job to a new state, updating timestamps. It returns
// ErrInvalidTransition when the move is not legal from the current state.
func (j *Job) Transition(to State, now time.Time) error {
	if !j.State.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.State, to, j.ID)
	}

	switch to {
	case StateRunning:
		j.AttemptCount++
		t := now
		j.StartedAt = &t
		j.FinishedAt = nil
	case StateCompleted, StateFailed, StateCancelled:
		t := now
		j.FinishedAt = &t
	case StatePending:
		// Retry re-admission keeps CreatedAt and StartedAt history intact
		// so FIFO fairness is judged on the original enqueue time.
		j.FinishedAt = nil
	}

	j.State = to
	return nil
}

// AttemptsExhausted reports whether the job may not be dispatched again.
func (j *Job) AttemptsExhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}

// TerminallyFailed reports whether the job is failed with no attempts left.
func (j *Job) TerminallyFailed() bool {
	return j.State == StateFailed && j.AttemptsExhausted()
}

// Done reports whether the job needs no further scheduling.
func (j *Job) Done() bool {
	return j.State.Terminal() || j.TerminallyFailed()
}

// Eligible reports whether a pending job may be admitted at the given time.
func (j *Job) Eligible(now time.Time) bool {
	return j.State == StatePending && !j.NotBefore.After(now)
}

// Clone returns a deep copy, so callers can hand out job records without
// exposing the store's canonical copy to mutation.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append(json.RawMessage(nil), j.Payload...)
	}
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Stats is a per-state census of a queue snapshot.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Count adds one job to the census.
func (s *Stats) Count(j *Job) {
	s.Total++
	switch j.State {
	case StatePending:
		s.Pending++
	case StateRunning:
		s.Running++
	case StateCompleted:
		s.Completed++
	case StateFailed:
		s.Failed++
	case StateCancelled:
		s.Cancelled++
	}
}
