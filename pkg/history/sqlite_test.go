package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

func newSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreWorkerRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)

	worker := newTestWorker("w1", "10.0.0.1:9090")
	worker.Labels = map[string]string{"zone": "lab"}
	if err := store.RegisterWorker(worker); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}

	got, err := store.GetWorker("w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if got.Address != "10.0.0.1:9090" {
		t.Errorf("expected address 10.0.0.1:9090, got %s", got.Address)
	}
	if got.Labels["zone"] != "lab" {
		t.Errorf("expected label zone=lab, got %v", got.Labels)
	}

	byAddr, err := store.GetWorkerByAddress("10.0.0.1:9090")
	if err != nil {
		t.Fatalf("GetWorkerByAddress failed: %v", err)
	}
	if byAddr.ID != "w1" {
		t.Errorf("expected worker w1, got %s", byAddr.ID)
	}

	// Re-registering the same ID replaces the record
	worker.Name = "renamed"
	if err := store.RegisterWorker(worker); err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	got, _ = store.GetWorker("w1")
	if got.Name != "renamed" {
		t.Errorf("expected renamed worker, got %s", got.Name)
	}

	if err := store.DeleteWorker("w1"); err != nil {
		t.Fatalf("DeleteWorker failed: %v", err)
	}
	if _, err := store.GetWorker("w1"); err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	store := newSQLiteTestStore(t)

	run := newTestRun(80, 5)
	run.Exit.WallClock = 2 * time.Minute
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.SequenceNumber != 1 {
		t.Errorf("expected sequence number 1, got %d", run.SequenceNumber)
	}

	got, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Generator != "uniform" || got.Simulator != "sine" {
		t.Errorf("unexpected callbacks: %s/%s", got.Generator, got.Simulator)
	}
	if len(got.Params.Lower) != 1 || got.Params.Lower[0] != -3 {
		t.Errorf("expected lower bound [-3], got %v", got.Params.Lower)
	}
	if got.Exit.MaxEvals != 80 || got.Exit.WallClock != 2*time.Minute {
		t.Errorf("exit criteria lost in round trip: %+v", got.Exit)
	}

	if err := store.UpdateRunStatus(run.ID, models.RunStatusQueued, ""); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	got, _ = store.GetRun(run.ID)
	if got.Status != models.RunStatusQueued {
		t.Errorf("expected status queued, got %s", got.Status)
	}

	bySeq, err := store.GetRunBySequenceNumber(1)
	if err != nil {
		t.Fatalf("GetRunBySequenceNumber failed: %v", err)
	}
	if bySeq.ID != run.ID {
		t.Errorf("expected run %s, got %s", run.ID, bySeq.ID)
	}
}

func TestSQLiteStoreLeaseAndRecord(t *testing.T) {
	store := newSQLiteTestStore(t)
	if err := store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090")); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}

	run := newTestRun(4, 2)
	run.EvalsIssued = 4
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.AppendEvaluations(newTestEvals(run.ID, 4)); err != nil {
		t.Fatalf("AppendEvaluations failed: %v", err)
	}

	leased, err := store.LeaseEvaluations("w1", 2)
	if err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("expected 2 leased evaluations, got %d", len(leased))
	}
	if leased[0].SimID != 0 || leased[1].SimID != 1 {
		t.Errorf("expected sim_id order 0,1, got %d,%d", leased[0].SimID, leased[1].SimID)
	}

	updated, _ := store.GetRun(run.ID)
	if updated.Status != models.RunStatusRunning {
		t.Errorf("expected run running after lease, got %s", updated.Status)
	}

	outputs := []models.EvalOutput{
		{EvalID: leased[0].ID, Output: []float64{0.1}},
		{EvalID: leased[1].ID, Output: []float64{0.2}},
	}
	if err := store.RecordOutputs(&models.EvalResult{RunID: run.ID, WorkerID: "w1", Outputs: outputs}); err != nil {
		t.Fatalf("RecordOutputs failed: %v", err)
	}

	updated, _ = store.GetRun(run.ID)
	if updated.EvalsReturned != 2 {
		t.Errorf("expected 2 evals returned, got %d", updated.EvalsReturned)
	}
	if updated.Status != models.RunStatusRunning {
		t.Errorf("run should still be running, got %s", updated.Status)
	}

	leased, err = store.LeaseEvaluations("w1", 2)
	if err != nil {
		t.Fatalf("second lease failed: %v", err)
	}
	outputs = []models.EvalOutput{
		{EvalID: leased[0].ID, Output: []float64{0.3}},
		{EvalID: leased[1].ID, Output: []float64{0.4}},
	}
	if err := store.RecordOutputs(&models.EvalResult{RunID: run.ID, WorkerID: "w1", Outputs: outputs}); err != nil {
		t.Fatalf("RecordOutputs failed: %v", err)
	}

	updated, _ = store.GetRun(run.ID)
	if updated.Status != models.RunStatusCompleted {
		t.Errorf("expected run completed, got %s", updated.Status)
	}

	evals, err := store.GetEvaluations(run.ID)
	if err != nil {
		t.Fatalf("GetEvaluations failed: %v", err)
	}
	if len(evals) != 4 {
		t.Fatalf("expected 4 result rows, got %d", len(evals))
	}
	for i, eval := range evals {
		if eval.SimID != i {
			t.Errorf("expected sim_id %d at row %d", i, i)
		}
		if eval.State != models.EvalStateReturned {
			t.Errorf("expected row %d returned, got %s", i, eval.State)
		}
		if len(eval.Output) != 1 {
			t.Errorf("expected one output value at row %d, got %v", i, eval.Output)
		}
	}
}

func TestSQLiteStoreRequeueExpiredLeases(t *testing.T) {
	store := newSQLiteTestStore(t)
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	run := newTestRun(2, 2)
	run.EvalsIssued = 2
	store.CreateRun(run)
	store.AppendEvaluations(newTestEvals(run.ID, 2))

	if _, err := store.LeaseEvaluations("w1", 2); err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}

	// Nothing is stale yet
	n, err := store.RequeueExpiredLeases(5 * time.Minute)
	if err != nil {
		t.Fatalf("RequeueExpiredLeases failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 requeued evaluations, got %d", n)
	}

	// With a zero-length lease everything leased is stale
	time.Sleep(10 * time.Millisecond)
	n, err = store.RequeueExpiredLeases(time.Millisecond)
	if err != nil {
		t.Fatalf("RequeueExpiredLeases failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 requeued evaluations, got %d", n)
	}

	pending, _ := store.CountByState(run.ID, models.EvalStatePending)
	if pending != 2 {
		t.Errorf("expected 2 pending evaluations after requeue, got %d", pending)
	}
}

func TestSQLiteStoreCancelRun(t *testing.T) {
	store := newSQLiteTestStore(t)

	run := newTestRun(5, 5)
	run.EvalsIssued = 5
	store.CreateRun(run)
	store.AppendEvaluations(newTestEvals(run.ID, 5))

	if err := store.CancelRun(run.ID); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	updated, _ := store.GetRun(run.ID)
	if updated.Status != models.RunStatusCanceled {
		t.Errorf("expected run canceled, got %s", updated.Status)
	}

	// Pending rows stay in the results table but stop being leasable
	pending, _ := store.CountByState(run.ID, models.EvalStatePending)
	if pending != 5 {
		t.Errorf("expected pending rows kept after cancel, got %d", pending)
	}
	if _, err := store.LeaseEvaluations("w1", 5); err != ErrEvalNotFound {
		t.Errorf("expected no leasable evaluations after cancel, got %v", err)
	}

	if err := store.CancelRun(run.ID); err == nil {
		t.Error("expected error canceling a terminal run")
	}
}

func TestSQLiteStoreStatusTransitions(t *testing.T) {
	store := newSQLiteTestStore(t)

	run := newTestRun(5, 5)
	store.CreateRun(run)

	if err := store.UpdateRunStatus(run.ID, models.RunStatusCompleted, ""); err == nil {
		t.Error("expected invalid transition pending -> completed to be rejected")
	}
	if err := store.UpdateRunStatus(run.ID, models.RunStatusRunning, ""); err != nil {
		t.Fatalf("pending -> running should be allowed: %v", err)
	}
	if err := store.UpdateRunStatus(run.ID, models.RunStatusFailed, "boom"); err != nil {
		t.Fatalf("running -> failed should be allowed: %v", err)
	}
	if err := store.UpdateRunStatus(run.ID, models.RunStatusRunning, ""); err == nil {
		t.Error("expected transition out of failed to be rejected")
	}
}

func TestSQLiteStoreRetryRun(t *testing.T) {
	store := newSQLiteTestStore(t)
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	run := newTestRun(2, 2)
	run.EvalsIssued = 2
	store.CreateRun(run)
	store.AppendEvaluations(newTestEvals(run.ID, 2))

	leased, err := store.LeaseEvaluations("w1", 2)
	if err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}
	if err := store.RecordOutputs(&models.EvalResult{
		RunID:    run.ID,
		WorkerID: "w1",
		Outputs: []models.EvalOutput{
			{EvalID: leased[0].ID, Output: []float64{0.5}},
			{EvalID: leased[1].ID, Error: "simulator blew up"},
		},
	}); err != nil {
		t.Fatalf("RecordOutputs failed: %v", err)
	}

	if err := store.RetryRun(run.ID); err != nil {
		t.Fatalf("RetryRun failed: %v", err)
	}

	updated, _ := store.GetRun(run.ID)
	if updated.Status != models.RunStatusPending {
		t.Errorf("expected run back to pending, got %s", updated.Status)
	}
	if updated.RetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", updated.RetryCount)
	}
	if updated.EvalsReturned != 1 {
		t.Errorf("expected only the successful row counted, got %d", updated.EvalsReturned)
	}
	if n, _ := store.CountByState(run.ID, models.EvalStatePending); n != 1 {
		t.Errorf("expected the failed evaluation requeued, got %d", n)
	}

	// Only failed runs are retryable
	if err := store.RetryRun(run.ID); err == nil {
		t.Error("expected retry of a non-failed run to be rejected")
	}
}

func TestSQLiteStoreRecordOutputsUnknownRun(t *testing.T) {
	store := newSQLiteTestStore(t)
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	err := store.RecordOutputs(&models.EvalResult{
		RunID:    "no-such-run",
		WorkerID: "w1",
		Outputs:  []models.EvalOutput{{EvalID: "no-such-eval", Output: []float64{1}}},
	})
	if err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound for unknown run, got %v", err)
	}
}

func TestSQLiteStoreHealthAndVacuum(t *testing.T) {
	store := newSQLiteTestStore(t)

	if err := store.HealthCheck(); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
	if err := store.Vacuum(); err != nil {
		t.Errorf("Vacuum failed: %v", err)
	}
}
