package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-status to allowed to-statuses for runs
var validTransitions = map[RunStatus]map[RunStatus]bool{
	RunStatusPending: {
		RunStatusQueued:   true, // Pending → Queued (no workers available yet)
		RunStatusRunning:  true, // Pending → Running (work issued immediately)
		RunStatusCanceled: true, // Pending → Canceled (user cancels)
	},
	RunStatusQueued: {
		RunStatusRunning:  true, // Queued → Running (a worker picked up work)
		RunStatusCanceled: true, // Queued → Canceled (user cancels)
	},
	RunStatusRunning: {
		RunStatusCompleted: true, // Running → Completed (exit criteria met)
		RunStatusFailed:    true, // Running → Failed (simulator error or stale)
		RunStatusCanceled:  true, // Running → Canceled (user cancels)
	},
	RunStatusFailed: {
		RunStatusPending: true, // Failed → Pending (retried after backoff)
	},
	// Terminal states (no further transitions)
	RunStatusCompleted: {},
	RunStatusCanceled:  {},
}

// ValidateTransition checks if a run status transition is valid
func ValidateTransition(from, to RunStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalStatus returns true if the status is terminal (no further transitions)
func IsTerminalStatus(status RunStatus) bool {
	return status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCanceled
}

// IsActiveStatus returns true if the run is actively issuing or awaiting work
func IsActiveStatus(status RunStatus) bool {
	return status == RunStatusRunning || status == RunStatusQueued
}

// LeaseTimeout represents timeout configuration for leased evaluations and runs
type LeaseTimeout struct {
	EvalLease      time.Duration // Max time a worker may hold a leased evaluation
	RunIdle        time.Duration // Max time a running run may go without activity
	DefaultTimeout time.Duration // Fallback when nothing else applies
}

// DefaultLeaseTimeout returns default timeout configuration
func DefaultLeaseTimeout() *LeaseTimeout {
	return &LeaseTimeout{
		EvalLease:      5 * time.Minute,
		RunIdle:        30 * time.Minute,
		DefaultTimeout: 30 * time.Minute,
	}
}

// RetryPolicy defines retry behavior for failed runs
type RetryPolicy struct {
	MaxRetries        int           // Maximum number of retries
	InitialBackoff    time.Duration // Initial backoff duration
	MaxBackoff        time.Duration // Maximum backoff duration
	BackoffMultiplier float64       // Multiplier for exponential backoff
}

// DefaultRetryPolicy returns default retry policy
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff calculates the backoff duration for a given retry count
func (rp *RetryPolicy) CalculateBackoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return rp.InitialBackoff
	}

	backoff := float64(rp.InitialBackoff)
	for i := 0; i < retryCount; i++ {
		backoff *= rp.BackoffMultiplier
	}

	duration := time.Duration(backoff)
	if duration > rp.MaxBackoff {
		return rp.MaxBackoff
	}
	return duration
}

// ShouldRetry determines if a failed run should be retried
func (rp *RetryPolicy) ShouldRetry(run *Run) bool {
	if run.RetryCount >= rp.MaxRetries {
		return false
	}
	if run.Status == RunStatusCanceled {
		return false
	}
	return run.Status == RunStatusFailed
}
