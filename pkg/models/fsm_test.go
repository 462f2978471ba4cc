package models

import (
	"testing"
	"time"
)

// TestValidateTransition_ValidPaths tests the allowed run status transitions
func TestValidateTransition_ValidPaths(t *testing.T) {
	valid := []struct {
		from RunStatus
		to   RunStatus
	}{
		{RunStatusPending, RunStatusQueued},
		{RunStatusPending, RunStatusRunning},
		{RunStatusPending, RunStatusCanceled},
		{RunStatusQueued, RunStatusRunning},
		{RunStatusQueued, RunStatusCanceled},
		{RunStatusRunning, RunStatusCompleted},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusRunning, RunStatusCanceled},
	}

	for _, tc := range valid {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("Expected %s -> %s to be valid, got error: %v", tc.from, tc.to, err)
		}
	}
}

// TestValidateTransition_InvalidPaths tests rejected transitions
func TestValidateTransition_InvalidPaths(t *testing.T) {
	invalid := []struct {
		from RunStatus
		to   RunStatus
	}{
		{RunStatusCompleted, RunStatusRunning},
		{RunStatusFailed, RunStatusRunning},
		{RunStatusCanceled, RunStatusQueued},
		{RunStatusQueued, RunStatusCompleted},
		{RunStatusPending, RunStatusCompleted},
	}

	for _, tc := range invalid {
		if err := ValidateTransition(tc.from, tc.to); err == nil {
			t.Errorf("Expected %s -> %s to be invalid, got nil error", tc.from, tc.to)
		}
	}
}

// TestValidateTransition_UnknownState tests unknown source status handling
func TestValidateTransition_UnknownState(t *testing.T) {
	if err := ValidateTransition(RunStatus("bogus"), RunStatusRunning); err == nil {
		t.Error("Expected error for unknown source status, got nil")
	}
}

// TestIsTerminalStatus tests terminal status detection
func TestIsTerminalStatus(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCanceled}
	for _, s := range terminal {
		if !IsTerminalStatus(s) {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	active := []RunStatus{RunStatusPending, RunStatusQueued, RunStatusRunning}
	for _, s := range active {
		if IsTerminalStatus(s) {
			t.Errorf("Expected %s to not be terminal", s)
		}
	}
}

// TestRetryPolicy_CalculateBackoff tests exponential backoff calculation
func TestRetryPolicy_CalculateBackoff(t *testing.T) {
	rp := &RetryPolicy{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
	}

	if got := rp.CalculateBackoff(0); got != 1*time.Second {
		t.Errorf("Expected 1s backoff for retry 0, got %v", got)
	}
	if got := rp.CalculateBackoff(1); got != 2*time.Second {
		t.Errorf("Expected 2s backoff for retry 1, got %v", got)
	}
	if got := rp.CalculateBackoff(2); got != 4*time.Second {
		t.Errorf("Expected 4s backoff for retry 2, got %v", got)
	}
	// Capped at MaxBackoff
	if got := rp.CalculateBackoff(10); got != 10*time.Second {
		t.Errorf("Expected backoff capped at 10s, got %v", got)
	}
}

// TestRetryPolicy_ShouldRetry tests retry eligibility rules
func TestRetryPolicy_ShouldRetry(t *testing.T) {
	rp := DefaultRetryPolicy()

	failedRun := &Run{Status: RunStatusFailed, RetryCount: 0}
	if !rp.ShouldRetry(failedRun) {
		t.Error("Expected failed run with no retries to be retryable")
	}

	exhaustedRun := &Run{Status: RunStatusFailed, RetryCount: rp.MaxRetries}
	if rp.ShouldRetry(exhaustedRun) {
		t.Error("Expected run at max retries to not be retryable")
	}

	canceledRun := &Run{Status: RunStatusCanceled, RetryCount: 0}
	if rp.ShouldRetry(canceledRun) {
		t.Error("Expected canceled run to not be retryable")
	}

	completedRun := &Run{Status: RunStatusCompleted, RetryCount: 0}
	if rp.ShouldRetry(completedRun) {
		t.Error("Expected completed run to not be retryable")
	}
}
