package models

import (
	"time"
)

// RunStatus represents the status of an ensemble run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// GenParams holds the user parameters handed to a generator callback.
// Lower and Upper are per-dimension sampling bounds.
type GenParams struct {
	Lower []float64 `json:"lower" yaml:"lower"`
	Upper []float64 `json:"upper" yaml:"upper"`
	Seed  int64     `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Dims returns the dimensionality of the sampling box
func (p GenParams) Dims() int {
	return len(p.Lower)
}

// ExitCriteria defines when an ensemble run stops issuing work
type ExitCriteria struct {
	MaxEvals  int           `json:"max_evals" yaml:"max_evals"`
	WallClock time.Duration `json:"wall_clock,omitempty" yaml:"wall_clock,omitempty"`
}

// Run represents one ensemble run: a generator/simulator pairing plus
// its exit criteria and accumulated progress counters
type Run struct {
	ID             string       `json:"id"`
	SequenceNumber int          `json:"sequence_number,omitempty"`
	Generator      string       `json:"generator"` // registered generator name, e.g. "uniform"
	Simulator      string       `json:"simulator"` // registered simulator name, e.g. "sine"
	BatchSize      int          `json:"batch_size"`
	Params         GenParams    `json:"params"`
	Exit           ExitCriteria `json:"exit"`
	Status         RunStatus    `json:"status"`
	EvalsIssued    int          `json:"evals_issued"`
	EvalsReturned  int          `json:"evals_returned"`
	CreatedAt      time.Time    `json:"created_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
	LastActivityAt *time.Time   `json:"last_activity_at,omitempty"`
	RetryCount     int          `json:"retry_count"`
	Error          string       `json:"error,omitempty"`
}

// RunRequest represents a request to start a new run
type RunRequest struct {
	Generator string       `json:"generator" yaml:"generator"`
	Simulator string       `json:"simulator" yaml:"simulator"`
	BatchSize int          `json:"batch_size" yaml:"batch_size"`
	Params    GenParams    `json:"params" yaml:"params"`
	Exit      ExitCriteria `json:"exit" yaml:"exit"`
}

// WorkerInfo summarizes what a single worker contributed to a run
type WorkerInfo struct {
	WorkerID  string        `json:"worker_id"`
	EvalsDone int           `json:"evals_done"`
	BusyTime  time.Duration `json:"busy_time"`
}
