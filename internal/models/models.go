// Package models defines the core data structures for SchedArray.
//
// It includes the Job entity and its lifecycle states, shared across the
// store, scheduler, worker pool, and CLI layers.
package models

import (
	"errors"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// Terminal reports whether the state is absorbing: no further transition is
// legal once a job reaches it.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is one of the known states.
func (s State) IsValid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// legalFrom maps a state to the set of states it may transition into. Used
// by the scheduler to reject illegal transitions before touching the store.
var legalFrom = map[State]map[State]bool{
	StatePending: {StateRunning: true, StateCancelled: true},
	StateRunning: {StateCompleted: true, StateFailed: true, StateCancelled: true, StateTimeout: true},
}

// CanTransition reports whether moving from `from` to `to` is legal under
// the job state DAG.
func CanTransition(from, to State) bool {
	next, ok := legalFrom[from]
	if !ok {
		return false
	}
	return next[to]
}

// Validation limits on free-form job fields.
const (
	MaxJobNameLength    = 256
	MaxCommandLength    = 8192
	MaxWorkingDirLength = 4096
	MaxMemoryLength     = 32
)

// Error variables for better error handling and testability.
var (
	ErrEmptyCommand      = errors.New("command is required")
	ErrCommandTooLong    = errors.New("command exceeds maximum length")
	ErrJobNameTooLong    = errors.New("job_name exceeds maximum length")
	ErrWorkingDirTooLong = errors.New("working_dir exceeds maximum length")
	ErrInvalidCPUs       = errors.New("cpus must be a positive integer")
	ErrInvalidMemory     = errors.New("memory exceeds maximum length")
	ErrInvalidTimeout    = errors.New("timeout_seconds must be non-negative")
	ErrInvalidState      = errors.New("invalid job state")
)

// Job is a single unit of scheduled work: a shell command plus its resource
// requirements, scheduling metadata, and lifecycle record.
type Job struct {
	JobID          string     `json:"job_id"`
	JobName        string     `json:"job_name"`
	Command        string     `json:"command"`
	WorkingDir     string     `json:"working_dir,omitempty"`
	CPUs           int        `json:"cpus"`
	Memory         string     `json:"memory,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	Priority       int        `json:"priority"`
	User           string     `json:"user"`
	State          State      `json:"state"`
	ReturnCode     *int       `json:"return_code,omitempty"`
	StdoutPath     string     `json:"stdout_path,omitempty"`
	StderrPath     string     `json:"stderr_path,omitempty"`
	SubmitTime     time.Time  `json:"submit_time"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	WorkerID       string     `json:"worker_id,omitempty"`
	PID            int        `json:"pid,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// SubmitRequest is the caller-supplied portion of a Job, validated and
// defaulted by the scheduler before it is persisted.
type SubmitRequest struct {
	JobName        string `json:"job_name,omitempty"`
	Command        string `json:"command"`
	WorkingDir     string `json:"working_dir,omitempty"`
	CPUs           int    `json:"cpus,omitempty"`
	Memory         string `json:"memory,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Priority       int    `json:"priority,omitempty"`
	User           string `json:"user,omitempty"`
}

// Validate checks a SubmitRequest against the field constraints in the job
// schema, independent of any defaulting the scheduler later applies.
func (r *SubmitRequest) Validate() error {
	if r.Command == "" {
		return ErrEmptyCommand
	}
	if len(r.Command) > MaxCommandLength {
		return ErrCommandTooLong
	}
	if len(r.JobName) > MaxJobNameLength {
		return ErrJobNameTooLong
	}
	if len(r.WorkingDir) > MaxWorkingDirLength {
		return ErrWorkingDirTooLong
	}
	if r.CPUs < 0 {
		return ErrInvalidCPUs
	}
	if r.TimeoutSeconds < 0 {
		return ErrInvalidTimeout
	}
	if len(r.Memory) > MaxMemoryLength {
		return ErrInvalidMemory
	}
	return nil
}

// Filter narrows a Query to jobs matching the given state and/or user. A
// zero value field is unconstrained.
type Filter struct {
	State State
	User  string
	Limit int
}
