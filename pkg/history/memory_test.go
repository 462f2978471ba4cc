package history

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/ensembled/pkg/models"
)

func newTestWorker(id, address string) *models.Worker {
	return &models.Worker{
		ID:            id,
		Name:          "worker-" + id,
		Address:       address,
		Type:          models.WorkerTypeServer,
		CPUThreads:    4,
		CPUModel:      "test-cpu",
		RAMTotalBytes: 8 << 30,
		Status:        "available",
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
}

func newTestRun(maxEvals, batchSize int) *models.Run {
	return &models.Run{
		ID:        uuid.New().String(),
		Generator: "uniform",
		Simulator: "sine",
		BatchSize: batchSize,
		Params: models.GenParams{
			Lower: []float64{-3},
			Upper: []float64{3},
			Seed:  42,
		},
		Exit:      models.ExitCriteria{MaxEvals: maxEvals},
		Status:    models.RunStatusPending,
		CreatedAt: time.Now(),
	}
}

func newTestEvals(runID string, n int) []*models.Evaluation {
	evals := make([]*models.Evaluation, 0, n)
	for i := 0; i < n; i++ {
		evals = append(evals, &models.Evaluation{
			ID:        uuid.New().String(),
			RunID:     runID,
			SimID:     i,
			Batch:     i / 5,
			Input:     []float64{float64(i)},
			State:     models.EvalStatePending,
			CreatedAt: time.Now(),
		})
	}
	return evals
}

func TestMemoryStoreWorkerLifecycle(t *testing.T) {
	store := NewMemoryStore()

	worker := newTestWorker("w1", "10.0.0.1:9090")
	if err := store.RegisterWorker(worker); err != nil {
		t.Fatalf("RegisterWorker failed: %v", err)
	}

	got, err := store.GetWorker("w1")
	if err != nil {
		t.Fatalf("GetWorker failed: %v", err)
	}
	if got.Name != "worker-w1" {
		t.Errorf("expected name worker-w1, got %s", got.Name)
	}

	byAddr, err := store.GetWorkerByAddress("10.0.0.1:9090")
	if err != nil {
		t.Fatalf("GetWorkerByAddress failed: %v", err)
	}
	if byAddr.ID != "w1" {
		t.Errorf("expected worker w1, got %s", byAddr.ID)
	}

	if err := store.UpdateWorkerStatus("w1", "busy"); err != nil {
		t.Fatalf("UpdateWorkerStatus failed: %v", err)
	}
	got, _ = store.GetWorker("w1")
	if got.Status != "busy" {
		t.Errorf("expected status busy, got %s", got.Status)
	}

	if err := store.DeleteWorker("w1"); err != nil {
		t.Fatalf("DeleteWorker failed: %v", err)
	}
	if _, err := store.GetWorker("w1"); err != ErrWorkerNotFound {
		t.Errorf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestMemoryStoreSequenceNumbers(t *testing.T) {
	store := NewMemoryStore()

	first := newTestRun(10, 5)
	second := newTestRun(10, 5)
	if err := store.CreateRun(first); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.CreateRun(second); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if first.SequenceNumber != 1 || second.SequenceNumber != 2 {
		t.Errorf("expected sequence numbers 1 and 2, got %d and %d",
			first.SequenceNumber, second.SequenceNumber)
	}

	bySeq, err := store.GetRunBySequenceNumber(2)
	if err != nil {
		t.Fatalf("GetRunBySequenceNumber failed: %v", err)
	}
	if bySeq.ID != second.ID {
		t.Errorf("expected run %s, got %s", second.ID, bySeq.ID)
	}
}

func TestMemoryStoreLeaseAndRecord(t *testing.T) {
	store := NewMemoryStore()
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	run := newTestRun(10, 5)
	run.EvalsIssued = 10
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if err := store.AppendEvaluations(newTestEvals(run.ID, 10)); err != nil {
		t.Fatalf("AppendEvaluations failed: %v", err)
	}

	leased, err := store.LeaseEvaluations("w1", 5)
	if err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}
	if len(leased) != 5 {
		t.Fatalf("expected 5 leased evaluations, got %d", len(leased))
	}
	for i, eval := range leased {
		if eval.SimID != i {
			t.Errorf("expected sim_id %d in FIFO order, got %d", i, eval.SimID)
		}
		if eval.State != models.EvalStateGiven {
			t.Errorf("expected state given, got %s", eval.State)
		}
	}

	updated, _ := store.GetRun(run.ID)
	if updated.Status != models.RunStatusRunning {
		t.Errorf("expected run status running after lease, got %s", updated.Status)
	}
	worker, _ := store.GetWorker("w1")
	if worker.Status != "busy" || worker.CurrentRunID != run.ID {
		t.Errorf("expected worker busy on run %s, got %s/%s",
			run.ID, worker.Status, worker.CurrentRunID)
	}

	// Return the first batch
	outputs := make([]models.EvalOutput, 0, len(leased))
	for _, eval := range leased {
		outputs = append(outputs, models.EvalOutput{EvalID: eval.ID, Output: []float64{1.0}})
	}
	err = store.RecordOutputs(&models.EvalResult{
		RunID:    run.ID,
		WorkerID: "w1",
		Outputs:  outputs,
	})
	if err != nil {
		t.Fatalf("RecordOutputs failed: %v", err)
	}

	updated, _ = store.GetRun(run.ID)
	if updated.EvalsReturned != 5 {
		t.Errorf("expected 5 evals returned, got %d", updated.EvalsReturned)
	}
	if updated.Status != models.RunStatusRunning {
		t.Errorf("run should still be running with work outstanding, got %s", updated.Status)
	}

	// Lease and return the rest
	leased, err = store.LeaseEvaluations("w1", 10)
	if err != nil {
		t.Fatalf("second lease failed: %v", err)
	}
	if len(leased) != 5 {
		t.Fatalf("expected remaining 5 evaluations, got %d", len(leased))
	}
	outputs = outputs[:0]
	for _, eval := range leased {
		outputs = append(outputs, models.EvalOutput{EvalID: eval.ID, Output: []float64{2.0}})
	}
	if err := store.RecordOutputs(&models.EvalResult{RunID: run.ID, WorkerID: "w1", Outputs: outputs}); err != nil {
		t.Fatalf("RecordOutputs failed: %v", err)
	}

	updated, _ = store.GetRun(run.ID)
	if updated.Status != models.RunStatusCompleted {
		t.Errorf("expected run completed, got %s", updated.Status)
	}
	if updated.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	returned, err := store.CountByState(run.ID, models.EvalStateReturned)
	if err != nil {
		t.Fatalf("CountByState failed: %v", err)
	}
	if returned != 10 {
		t.Errorf("expected 10 returned evaluations, got %d", returned)
	}
}

func TestMemoryStoreFailedEvaluationFailsRun(t *testing.T) {
	store := NewMemoryStore()
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	run := newTestRun(2, 2)
	run.EvalsIssued = 2
	store.CreateRun(run)
	store.AppendEvaluations(newTestEvals(run.ID, 2))

	leased, err := store.LeaseEvaluations("w1", 2)
	if err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}

	err = store.RecordOutputs(&models.EvalResult{
		RunID:    run.ID,
		WorkerID: "w1",
		Outputs: []models.EvalOutput{
			{EvalID: leased[0].ID, Output: []float64{0.5}},
			{EvalID: leased[1].ID, Error: "simulator blew up"},
		},
	})
	if err != nil {
		t.Fatalf("RecordOutputs failed: %v", err)
	}

	updated, _ := store.GetRun(run.ID)
	if updated.Status != models.RunStatusFailed {
		t.Errorf("expected run failed, got %s", updated.Status)
	}
	failed, _ := store.CountByState(run.ID, models.EvalStateFailed)
	if failed != 1 {
		t.Errorf("expected 1 failed evaluation, got %d", failed)
	}
}

func TestMemoryStoreLeaseSingleRunOnly(t *testing.T) {
	store := NewMemoryStore()
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	first := newTestRun(3, 3)
	first.EvalsIssued = 3
	second := newTestRun(3, 3)
	second.EvalsIssued = 3
	store.CreateRun(first)
	store.CreateRun(second)
	store.AppendEvaluations(newTestEvals(first.ID, 3))
	store.AppendEvaluations(newTestEvals(second.ID, 3))

	leased, err := store.LeaseEvaluations("w1", 10)
	if err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}
	if len(leased) != 3 {
		t.Fatalf("expected lease capped at one run's 3 evaluations, got %d", len(leased))
	}
	for _, eval := range leased {
		if eval.RunID != first.ID {
			t.Errorf("expected all leased evaluations from the oldest run")
		}
	}
}

func TestMemoryStoreCancelDropsPending(t *testing.T) {
	store := NewMemoryStore()

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
	if _, err := store.LeaseEvaluations("w1", 5); err != ErrEvalNotFound {
		t.Errorf("expected no leasable evaluations after cancel, got %v", err)
	}

	if err := store.CancelRun(run.ID); err == nil {
		t.Error("expected error canceling a terminal run")
	}
}

func TestMemoryStoreStatusTransitions(t *testing.T) {
	store := NewMemoryStore()

	run := newTestRun(5, 5)
	store.CreateRun(run)

	// Pending cannot jump straight to completed
	if err := store.UpdateRunStatus(run.ID, models.RunStatusCompleted, ""); err == nil {
		t.Error("expected invalid transition pending -> completed to be rejected")
	}
	if err := store.UpdateRunStatus(run.ID, models.RunStatusRunning, ""); err != nil {
		t.Fatalf("pending -> running should be allowed: %v", err)
	}
	if err := store.UpdateRunStatus(run.ID, models.RunStatusCompleted, ""); err != nil {
		t.Fatalf("running -> completed should be allowed: %v", err)
	}
	// Completed is terminal
	if err := store.UpdateRunStatus(run.ID, models.RunStatusRunning, ""); err == nil {
		t.Error("expected transition out of completed to be rejected")
	}
}

func TestMemoryStoreRetryRun(t *testing.T) {
	store := NewMemoryStore()
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

	// RetryRun only applies to failed runs
	if err := store.RetryRun(uuid.New().String()); err != ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
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
	if n, _ := store.CountByState(run.ID, models.EvalStateReturned); n != 1 {
		t.Errorf("expected the successful row kept, got %d", n)
	}

	// The requeued evaluation is leasable again with a clean slate
	leased, err = store.LeaseEvaluations("w2", 2)
	if err != nil {
		t.Fatalf("lease after retry failed: %v", err)
	}
	if len(leased) != 1 {
		t.Fatalf("expected 1 leasable evaluation after retry, got %d", len(leased))
	}
	if leased[0].Error != "" || leased[0].Output != nil {
		t.Error("requeued evaluation should have its output and error cleared")
	}

	// A pending run is not retryable
	if err := store.RetryRun(run.ID); err == nil {
		t.Error("expected retry of a non-failed run to be rejected")
	}
}

func TestMemoryStoreGetReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	worker, _ := store.GetWorker("w1")
	worker.Status = "scribbled"
	again, _ := store.GetWorker("w1")
	if again.Status != "available" {
		t.Errorf("mutating a returned worker must not touch the store, got %s", again.Status)
	}

	run := newTestRun(5, 5)
	store.CreateRun(run)
	got, _ := store.GetRun(run.ID)
	got.Status = models.RunStatusFailed
	again2, _ := store.GetRun(run.ID)
	if again2.Status != models.RunStatusPending {
		t.Errorf("mutating a returned run must not touch the store, got %s", again2.Status)
	}
}

func TestMemoryStoreRequeueExpiredLeases(t *testing.T) {
	store := NewMemoryStore()
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	run := newTestRun(2, 2)
	run.EvalsIssued = 2
	store.CreateRun(run)
	store.AppendEvaluations(newTestEvals(run.ID, 2))

	leased, err := store.LeaseEvaluations("w1", 2)
	if err != nil {
		t.Fatalf("LeaseEvaluations failed: %v", err)
	}

	// Backdate the lease so it looks expired
	stale := time.Now().Add(-10 * time.Minute)
	for _, eval := range leased {
		eval.GivenAt = &stale
	}

	n, err := store.RequeueExpiredLeases(5 * time.Minute)
	if err != nil {
		t.Fatalf("RequeueExpiredLeases failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 requeued evaluations, got %d", n)
	}

	relased, err := store.LeaseEvaluations("w2", 2)
	if err != nil {
		t.Fatalf("lease after requeue failed: %v", err)
	}
	if len(relased) != 2 {
		t.Errorf("expected 2 evaluations leasable again, got %d", len(relased))
	}
}

func TestMemoryStoreRunMetrics(t *testing.T) {
	store := NewMemoryStore()
	store.RegisterWorker(newTestWorker("w1", "10.0.0.1:9090"))

	run := newTestRun(4, 2)
	run.EvalsIssued = 4
	store.CreateRun(run)
	store.AppendEvaluations(newTestEvals(run.ID, 4))
	store.LeaseEvaluations("w1", 2)

	metrics, err := store.GetRunMetrics()
	if err != nil {
		t.Fatalf("GetRunMetrics failed: %v", err)
	}
	if metrics.TotalRuns != 1 {
		t.Errorf("expected 1 run, got %d", metrics.TotalRuns)
	}
	if metrics.ActiveRuns != 1 {
		t.Errorf("expected 1 active run, got %d", metrics.ActiveRuns)
	}
	if metrics.TotalEvals != 4 {
		t.Errorf("expected 4 evaluations, got %d", metrics.TotalEvals)
	}
	if metrics.PendingEvals != 2 {
		t.Errorf("expected 2 pending evaluations, got %d", metrics.PendingEvals)
	}
	if metrics.EvalsByState[models.EvalStateGiven] != 2 {
		t.Errorf("expected 2 leased evaluations, got %d", metrics.EvalsByState[models.EvalStateGiven])
	}
}
