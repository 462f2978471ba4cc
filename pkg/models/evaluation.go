package models

import (
	"time"
)

// EvalState represents the lifecycle state of a single evaluation
type EvalState string

const (
	EvalStatePending  EvalState = "pending"  // generated, waiting for a worker
	EvalStateGiven    EvalState = "given"    // leased to a worker
	EvalStateReturned EvalState = "returned" // output recorded
	EvalStateFailed   EvalState = "failed"   // simulator returned an error
)

// Evaluation is one row of the results table: a single input point, its
// output, and the bookkeeping fields recording who produced it and when.
// The table is owned and mutated only by the manager and its store;
// callbacks never see it.
type Evaluation struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	SimID      int        `json:"sim_id"` // sequence within the run, 0-based
	Batch      int        `json:"batch"`  // generator batch this point came from
	Input      []float64  `json:"input"`
	Output     []float64  `json:"output,omitempty"`
	WorkerID   string     `json:"worker_id,omitempty"`
	State      EvalState  `json:"state"`
	CreatedAt  time.Time  `json:"created_at"`
	GivenAt    *time.Time `json:"given_at,omitempty"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// EvalOutput is one completed evaluation as reported by a worker
type EvalOutput struct {
	EvalID  string    `json:"eval_id"`
	Output  []float64 `json:"output,omitempty"`
	Error   string    `json:"error,omitempty"`
	Elapsed float64   `json:"elapsed_seconds,omitempty"`
}

// EvalResult is the batch of outputs a worker posts back to the manager
type EvalResult struct {
	RunID       string       `json:"run_id"`
	WorkerID    string       `json:"worker_id"`
	Outputs     []EvalOutput `json:"outputs"`
	CompletedAt time.Time    `json:"completed_at"`
}
