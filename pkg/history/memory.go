package history

import (
	"errors"
	"sync"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

var (
	ErrWorkerNotFound      = errors.New("worker not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrEvalNotFound        = errors.New("evaluation not found")
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// MemoryStore is an in-memory implementation of the history store
type MemoryStore struct {
	workers   map[string]*models.Worker
	runs      map[string]*models.Run
	runOrder  []string // run IDs in creation order
	evals     map[string]*models.Evaluation
	evalQueue []string // FIFO queue of pending evaluation IDs
	runEvals  map[string][]string
	nextSeq   int
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory history store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:  make(map[string]*models.Worker),
		runs:     make(map[string]*models.Run),
		evals:    make(map[string]*models.Evaluation),
		runEvals: make(map[string][]string),
		nextSeq:  1,
	}
}

// Worker operations

// RegisterWorker adds or updates a worker in the store
func (s *MemoryStore) RegisterWorker(worker *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers[worker.ID] = worker
	return nil
}

// GetWorker retrieves a worker by ID
func (s *MemoryStore) GetWorker(id string) (*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worker, ok := s.workers[id]
	if !ok {
		return nil, ErrWorkerNotFound
	}
	cp := *worker
	return &cp, nil
}

// GetWorkerByAddress retrieves a worker by its advertised address
func (s *MemoryStore) GetWorkerByAddress(address string) (*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, worker := range s.workers {
		if worker.Address == address {
			cp := *worker
			return &cp, nil
		}
	}
	return nil, ErrWorkerNotFound
}

// GetAllWorkers returns all registered workers
func (s *MemoryStore) GetAllWorkers() []*models.Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()

	workers := make([]*models.Worker, 0, len(s.workers))
	for _, worker := range s.workers {
		cp := *worker
		workers = append(workers, &cp)
	}
	return workers
}

// UpdateWorkerStatus updates the status of a worker
func (s *MemoryStore) UpdateWorkerStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}

	worker.Status = status
	worker.LastHeartbeat = time.Now()
	return nil
}

// UpdateWorkerHeartbeat updates the last heartbeat time for a worker
func (s *MemoryStore) UpdateWorkerHeartbeat(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[id]
	if !ok {
		return ErrWorkerNotFound
	}

	worker.LastHeartbeat = time.Now()
	return nil
}

// DeleteWorker removes a worker from the store
func (s *MemoryStore) DeleteWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[id]; !ok {
		return ErrWorkerNotFound
	}
	delete(s.workers, id)
	return nil
}

// Run operations

// CreateRun adds a new run to the store and assigns its sequence number
func (s *MemoryStore) CreateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.SequenceNumber == 0 {
		run.SequenceNumber = s.nextSeq
		s.nextSeq++
	}
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

// GetRunBySequenceNumber retrieves a run by its sequence number
func (s *MemoryStore) GetRunBySequenceNumber(seqNum int) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.SequenceNumber == seqNum {
			cp := *run
			return &cp, nil
		}
	}
	return nil, ErrRunNotFound
}

// GetAllRuns returns all runs
func (s *MemoryStore) GetAllRuns() []*models.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.Run, 0, len(s.runs))
	for _, id := range s.runOrder {
		cp := *s.runs[id]
		runs = append(runs, &cp)
	}
	return runs
}

// UpdateRun replaces a run's fields
func (s *MemoryStore) UpdateRun(run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	s.runs[run.ID] = run
	return nil
}

// UpdateRunStatus updates the status of a run
func (s *MemoryStore) UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRunStatusLocked(id, status, errorMsg)
}

func (s *MemoryStore) updateRunStatusLocked(id string, status models.RunStatus, errorMsg string) error {
	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if err := models.ValidateTransition(run.Status, status); err != nil {
		return err
	}

	run.Status = status
	if errorMsg != "" {
		run.Error = errorMsg
	}

	now := time.Now()
	if status == models.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if models.IsTerminalStatus(status) {
		run.CompletedAt = &now
	}
	return nil
}

// UpdateRunActivity records activity on a run
func (s *MemoryStore) UpdateRunActivity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	now := time.Now()
	run.LastActivityAt = &now
	return nil
}

// CancelRun cancels a run and discards its pending evaluations
func (s *MemoryStore) CancelRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if models.IsTerminalStatus(run.Status) {
		return errors.New("run already in terminal state")
	}

	if err := s.updateRunStatusLocked(id, models.RunStatusCanceled, ""); err != nil {
		return err
	}

	// Drop queued work belonging to the run
	remaining := s.evalQueue[:0]
	for _, evalID := range s.evalQueue {
		if eval, ok := s.evals[evalID]; ok && eval.RunID == id {
			continue
		}
		remaining = append(remaining, evalID)
	}
	s.evalQueue = remaining
	return nil
}

// RetryRun puts a failed run back into the pending state for another
// attempt. Failed and still-leased evaluations return to the queue;
// successfully returned rows are kept.
func (s *MemoryStore) RetryRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if err := models.ValidateTransition(run.Status, models.RunStatusPending); err != nil {
		return err
	}

	returned := 0
	for _, evalID := range s.runEvals[id] {
		eval, ok := s.evals[evalID]
		if !ok {
			continue
		}
		switch eval.State {
		case models.EvalStateReturned:
			returned++
		case models.EvalStateFailed, models.EvalStateGiven:
			eval.State = models.EvalStatePending
			eval.WorkerID = ""
			eval.Output = nil
			eval.Error = ""
			eval.GivenAt = nil
			eval.ReturnedAt = nil
			s.evalQueue = append(s.evalQueue, evalID)
		}
	}

	run.Status = models.RunStatusPending
	run.RetryCount++
	run.Error = ""
	run.EvalsReturned = returned
	run.StartedAt = nil
	run.CompletedAt = nil
	run.LastActivityAt = nil
	return nil
}

// DeleteRun removes a run and its evaluations
func (s *MemoryStore) DeleteRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return ErrRunNotFound
	}
	for _, evalID := range s.runEvals[id] {
		delete(s.evals, evalID)
	}
	delete(s.runEvals, id)
	delete(s.runs, id)

	for i, runID := range s.runOrder {
		if runID == id {
			s.runOrder = append(s.runOrder[:i], s.runOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Results table operations

// AppendEvaluations appends rows to the results table and queues the
// pending ones for leasing
func (s *MemoryStore) AppendEvaluations(evals []*models.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, eval := range evals {
		s.evals[eval.ID] = eval
		s.runEvals[eval.RunID] = append(s.runEvals[eval.RunID], eval.ID)
		if eval.State == models.EvalStatePending {
			s.evalQueue = append(s.evalQueue, eval.ID)
		}
	}
	return nil
}

// LeaseEvaluations hands up to limit pending evaluations to a worker.
// All leased evaluations come from the same run (the oldest active one).
func (s *MemoryStore) LeaseEvaluations(workerID string, limit int) ([]*models.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}

	var leased []*models.Evaluation
	var leasedRunID string
	now := time.Now()

	remaining := s.evalQueue[:0]
	for _, evalID := range s.evalQueue {
		eval, ok := s.evals[evalID]
		if !ok || eval.State != models.EvalStatePending {
			continue
		}

		run, ok := s.runs[eval.RunID]
		if !ok || models.IsTerminalStatus(run.Status) {
			continue
		}

		if len(leased) < limit && (leasedRunID == "" || eval.RunID == leasedRunID) {
			eval.State = models.EvalStateGiven
			eval.WorkerID = workerID
			eval.GivenAt = &now
			leased = append(leased, eval)
			leasedRunID = eval.RunID
			continue
		}
		remaining = append(remaining, evalID)
	}
	s.evalQueue = remaining

	if len(leased) == 0 {
		return nil, ErrEvalNotFound
	}

	// Mark the run running and the worker busy
	if run, ok := s.runs[leasedRunID]; ok {
		if run.Status == models.RunStatusPending || run.Status == models.RunStatusQueued {
			s.updateRunStatusLocked(leasedRunID, models.RunStatusRunning, "")
		}
		run.LastActivityAt = &now
	}
	if worker, ok := s.workers[workerID]; ok {
		worker.Status = "busy"
		worker.CurrentRunID = leasedRunID
	}

	return leased, nil
}

// RecordOutputs records worker outputs into the results table and advances
// run and worker bookkeeping
func (s *MemoryStore) RecordOutputs(result *models.EvalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[result.RunID]
	if !ok {
		return ErrRunNotFound
	}

	now := time.Now()
	failed := false
	recorded := 0
	for _, out := range result.Outputs {
		eval, ok := s.evals[out.EvalID]
		if !ok {
			return ErrEvalNotFound
		}
		if eval.State == models.EvalStateReturned || eval.State == models.EvalStateFailed {
			continue // duplicate report
		}

		eval.Output = out.Output
		eval.ReturnedAt = &now
		if out.Error != "" {
			eval.State = models.EvalStateFailed
			eval.Error = out.Error
			failed = true
		} else {
			eval.State = models.EvalStateReturned
		}
		recorded++
	}

	run.EvalsReturned += recorded
	run.LastActivityAt = &now

	if worker, ok := s.workers[result.WorkerID]; ok {
		worker.EvalsDone += recorded
		worker.Status = "available"
		worker.CurrentRunID = ""
		worker.LastHeartbeat = now
	}

	if run.EvalsReturned >= run.EvalsIssued && !models.IsTerminalStatus(run.Status) {
		if failed || s.runHasFailureLocked(run.ID) {
			s.updateRunStatusLocked(run.ID, models.RunStatusFailed, "one or more evaluations failed")
		} else {
			s.updateRunStatusLocked(run.ID, models.RunStatusCompleted, "")
		}
	}
	return nil
}

func (s *MemoryStore) runHasFailureLocked(runID string) bool {
	for _, evalID := range s.runEvals[runID] {
		if eval, ok := s.evals[evalID]; ok && eval.State == models.EvalStateFailed {
			return true
		}
	}
	return false
}

// GetEvaluations returns the results table rows for a run in SimID order
func (s *MemoryStore) GetEvaluations(runID string) ([]*models.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return nil, ErrRunNotFound
	}

	ids := s.runEvals[runID]
	evals := make([]*models.Evaluation, 0, len(ids))
	for _, evalID := range ids {
		if eval, ok := s.evals[evalID]; ok {
			evals = append(evals, eval)
		}
	}
	return evals, nil
}

// CountByState counts a run's evaluations in the given state
func (s *MemoryStore) CountByState(runID string, state models.EvalState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.runs[runID]; !ok {
		return 0, ErrRunNotFound
	}

	count := 0
	for _, evalID := range s.runEvals[runID] {
		if eval, ok := s.evals[evalID]; ok && eval.State == state {
			count++
		}
	}
	return count, nil
}

// RequeueExpiredLeases returns leased evaluations whose worker went silent
// back to the pending queue
func (s *MemoryStore) RequeueExpiredLeases(leaseTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-leaseTimeout)
	requeued := 0
	for evalID, eval := range s.evals {
		if eval.State != models.EvalStateGiven {
			continue
		}
		if eval.GivenAt != nil && eval.GivenAt.After(cutoff) {
			continue
		}

		eval.State = models.EvalStatePending
		eval.WorkerID = ""
		eval.GivenAt = nil
		s.evalQueue = append(s.evalQueue, evalID)
		requeued++
	}
	return requeued, nil
}

// Lifecycle

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck is a no-op for the in-memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// Vacuum is a no-op for the in-memory store
func (s *MemoryStore) Vacuum() error {
	return nil
}

// GetRunMetrics aggregates history statistics
func (s *MemoryStore) GetRunMetrics() (*RunMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := &RunMetrics{
		RunsByStatus: make(map[models.RunStatus]int),
		EvalsByState: make(map[models.EvalState]int),
	}

	for _, run := range s.runs {
		metrics.RunsByStatus[run.Status]++
		if models.IsActiveStatus(run.Status) {
			metrics.ActiveRuns++
		}
	}
	metrics.TotalRuns = len(s.runs)

	var totalDuration float64
	var durationCount int
	for _, eval := range s.evals {
		metrics.EvalsByState[eval.State]++
		if eval.State == models.EvalStatePending {
			metrics.PendingEvals++
		}
		if eval.GivenAt != nil && eval.ReturnedAt != nil {
			totalDuration += eval.ReturnedAt.Sub(*eval.GivenAt).Seconds()
			durationCount++
		}
	}
	metrics.TotalEvals = len(s.evals)
	if durationCount > 0 {
		metrics.AvgEvalDuration = totalDuration / float64(durationCount)
	}

	return metrics, nil
}
