package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/psantana5/ensembled/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the history store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite history store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		type TEXT NOT NULL,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT NOT NULL,
		ram_total_bytes INTEGER NOT NULL,
		labels TEXT,
		status TEXT NOT NULL,
		last_heartbeat DATETIME NOT NULL,
		registered_at DATETIME NOT NULL,
		current_run_id TEXT,
		evals_done INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		sequence_number INTEGER NOT NULL,
		generator TEXT NOT NULL,
		simulator TEXT NOT NULL,
		batch_size INTEGER NOT NULL,
		params TEXT NOT NULL,
		max_evals INTEGER NOT NULL,
		wall_clock_ns INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		evals_issued INTEGER NOT NULL DEFAULT 0,
		evals_returned INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		last_activity_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sim_id INTEGER NOT NULL,
		batch INTEGER NOT NULL,
		input TEXT NOT NULL,
		output TEXT,
		worker_id TEXT,
		state TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		given_at DATETIME,
		returned_at DATETIME,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id, sim_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_state ON evaluations(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Worker operations

// RegisterWorker adds or updates a worker in the store
func (s *SQLiteStore) RegisterWorker(worker *models.Worker) error {
	labels, err := json.Marshal(worker.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO workers
		(id, name, address, type, cpu_threads, cpu_model, ram_total_bytes, labels,
		 status, last_heartbeat, registered_at, current_run_id, evals_done)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, worker.ID, worker.Name, worker.Address, worker.Type, worker.CPUThreads,
		worker.CPUModel, worker.RAMTotalBytes, string(labels), worker.Status,
		worker.LastHeartbeat, worker.RegisteredAt, worker.CurrentRunID, worker.EvalsDone)

	return err
}

func scanWorker(scan func(dest ...interface{}) error) (*models.Worker, error) {
	var worker models.Worker
	var labelsJSON string

	err := scan(&worker.ID, &worker.Name, &worker.Address, &worker.Type,
		&worker.CPUThreads, &worker.CPUModel, &worker.RAMTotalBytes, &labelsJSON,
		&worker.Status, &worker.LastHeartbeat, &worker.RegisteredAt,
		&worker.CurrentRunID, &worker.EvalsDone)
	if err != nil {
		return nil, err
	}

	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &worker.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	return &worker, nil
}

const workerColumns = `id, name, address, type, cpu_threads, cpu_model, ram_total_bytes,
	labels, status, last_heartbeat, registered_at, current_run_id, evals_done`

// GetWorker retrieves a worker by ID
func (s *SQLiteStore) GetWorker(id string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	worker, err := scanWorker(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

// GetWorkerByAddress retrieves a worker by its advertised address
func (s *SQLiteStore) GetWorkerByAddress(address string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE address = ?`, address)
	worker, err := scanWorker(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

// GetAllWorkers returns all registered workers
func (s *SQLiteStore) GetAllWorkers() []*models.Worker {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers`)
	if err != nil {
		return []*models.Worker{}
	}
	defer rows.Close()

	var workers []*models.Worker
	for rows.Next() {
		worker, err := scanWorker(rows.Scan)
		if err != nil {
			continue
		}
		workers = append(workers, worker)
	}
	return workers
}

// UpdateWorkerStatus updates the status of a worker
func (s *SQLiteStore) UpdateWorkerStatus(id, status string) error {
	result, err := s.db.Exec(`UPDATE workers SET status = ?, last_heartbeat = ? WHERE id = ?`,
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrWorkerNotFound)
}

// UpdateWorkerHeartbeat updates the last heartbeat time for a worker
func (s *SQLiteStore) UpdateWorkerHeartbeat(id string) error {
	result, err := s.db.Exec(`UPDATE workers SET last_heartbeat = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrWorkerNotFound)
}

// DeleteWorker removes a worker from the store
func (s *SQLiteStore) DeleteWorker(id string) error {
	result, err := s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrWorkerNotFound)
}

// Run operations

// CreateRun adds a new run to the store and assigns its sequence number
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if run.SequenceNumber == 0 {
		var maxSeq sql.NullInt64
		if err := tx.QueryRow(`SELECT MAX(sequence_number) FROM runs`).Scan(&maxSeq); err != nil {
			return err
		}
		run.SequenceNumber = int(maxSeq.Int64) + 1
	}

	_, err = tx.Exec(`
		INSERT INTO runs
		(id, sequence_number, generator, simulator, batch_size, params, max_evals,
		 wall_clock_ns, status, evals_issued, evals_returned, created_at, started_at,
		 completed_at, last_activity_at, retry_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.SequenceNumber, run.Generator, run.Simulator, run.BatchSize,
		string(params), run.Exit.MaxEvals, int64(run.Exit.WallClock), run.Status,
		run.EvalsIssued, run.EvalsReturned, run.CreatedAt, run.StartedAt,
		run.CompletedAt, run.LastActivityAt, run.RetryCount, run.Error)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const runColumns = `id, sequence_number, generator, simulator, batch_size, params, max_evals,
	wall_clock_ns, status, evals_issued, evals_returned, created_at, started_at,
	completed_at, last_activity_at, retry_count, error`

func scanRun(scan func(dest ...interface{}) error) (*models.Run, error) {
	var run models.Run
	var paramsJSON string
	var wallClock int64
	var errMsg sql.NullString

	err := scan(&run.ID, &run.SequenceNumber, &run.Generator, &run.Simulator,
		&run.BatchSize, &paramsJSON, &run.Exit.MaxEvals, &wallClock, &run.Status,
		&run.EvalsIssued, &run.EvalsReturned, &run.CreatedAt, &run.StartedAt,
		&run.CompletedAt, &run.LastActivityAt, &run.RetryCount, &errMsg)
	if err != nil {
		return nil, err
	}

	run.Exit.WallClock = time.Duration(wallClock)
	run.Error = errMsg.String
	if err := json.Unmarshal([]byte(paramsJSON), &run.Params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal params: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetRunBySequenceNumber retrieves a run by its sequence number
func (s *SQLiteStore) GetRunBySequenceNumber(seqNum int) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE sequence_number = ?`, seqNum)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetAllRuns returns all runs in creation order
func (s *SQLiteStore) GetAllRuns() []*models.Run {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY sequence_number`)
	if err != nil {
		return []*models.Run{}
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// UpdateRun replaces a run's mutable fields
func (s *SQLiteStore) UpdateRun(run *models.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE runs SET generator = ?, simulator = ?, batch_size = ?, params = ?,
			max_evals = ?, wall_clock_ns = ?, status = ?, evals_issued = ?,
			evals_returned = ?, started_at = ?, completed_at = ?, last_activity_at = ?,
			retry_count = ?, error = ?
		WHERE id = ?
	`, run.Generator, run.Simulator, run.BatchSize, string(params), run.Exit.MaxEvals,
		int64(run.Exit.WallClock), run.Status, run.EvalsIssued, run.EvalsReturned,
		run.StartedAt, run.CompletedAt, run.LastActivityAt, run.RetryCount, run.Error, run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrRunNotFound)
}

// UpdateRunStatus updates the status of a run, enforcing the run
// state machine
func (s *SQLiteStore) UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
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
	return s.UpdateRun(run)
}

// UpdateRunActivity records activity on a run
func (s *SQLiteStore) UpdateRunActivity(id string) error {
	result, err := s.db.Exec(`UPDATE runs SET last_activity_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrRunNotFound)
}

// CancelRun cancels a run. Pending rows are kept in the results table
// but stop being leasable once the run is terminal.
func (s *SQLiteStore) CancelRun(id string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if models.IsTerminalStatus(run.Status) {
		return fmt.Errorf("run already in terminal state")
	}

	return s.UpdateRunStatus(id, models.RunStatusCanceled, "")
}

// RetryRun puts a failed run back into the pending state for another
// attempt. Failed and still-leased evaluations return to the queue;
// successfully returned rows are kept.
func (s *SQLiteStore) RetryRun(id string) error {
	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	if err := models.ValidateTransition(run.Status, models.RunStatusPending); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		UPDATE evaluations SET state = ?, worker_id = '', output = NULL,
			error = '', given_at = NULL, returned_at = NULL
		WHERE run_id = ? AND state IN (?, ?)
	`, models.EvalStatePending, id, models.EvalStateFailed, models.EvalStateGiven)
	if err != nil {
		return err
	}

	var returned int
	err = tx.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE run_id = ? AND state = ?`,
		id, models.EvalStateReturned).Scan(&returned)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE runs SET status = ?, retry_count = retry_count + 1, error = '',
			evals_returned = ?, started_at = NULL, completed_at = NULL,
			last_activity_at = NULL
		WHERE id = ?
	`, models.RunStatusPending, returned, id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DeleteRun removes a run and its evaluations
func (s *SQLiteStore) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM evaluations WHERE run_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(result, ErrRunNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// Results table operations

// AppendEvaluations appends rows to the results table
func (s *SQLiteStore) AppendEvaluations(evals []*models.Evaluation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO evaluations
		(id, run_id, sim_id, batch, input, output, worker_id, state, created_at,
		 given_at, returned_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, eval := range evals {
		input, err := json.Marshal(eval.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal input: %w", err)
		}
		var output []byte
		if eval.Output != nil {
			output, err = json.Marshal(eval.Output)
			if err != nil {
				return fmt.Errorf("failed to marshal output: %w", err)
			}
		}

		_, err = stmt.Exec(eval.ID, eval.RunID, eval.SimID, eval.Batch, string(input),
			nullableString(output), eval.WorkerID, eval.State, eval.CreatedAt,
			eval.GivenAt, eval.ReturnedAt, eval.Error)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LeaseEvaluations hands up to limit pending evaluations to a worker.
// All leased rows belong to the oldest active run with pending work.
func (s *SQLiteStore) LeaseEvaluations(workerID string, limit int) ([]*models.Evaluation, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var runID string
	err = tx.QueryRow(`
		SELECT e.run_id FROM evaluations e
		JOIN runs r ON r.id = e.run_id
		WHERE e.state = ? AND r.status IN (?, ?, ?)
		ORDER BY r.sequence_number, e.sim_id
		LIMIT 1
	`, models.EvalStatePending, models.RunStatusPending, models.RunStatusQueued,
		models.RunStatusRunning).Scan(&runID)
	if err == sql.ErrNoRows {
		return nil, ErrEvalNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := tx.Query(`
		SELECT id, run_id, sim_id, batch, input FROM evaluations
		WHERE run_id = ? AND state = ?
		ORDER BY sim_id
		LIMIT ?
	`, runID, models.EvalStatePending, limit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var leased []*models.Evaluation
	for rows.Next() {
		var eval models.Evaluation
		var inputJSON string
		if err := rows.Scan(&eval.ID, &eval.RunID, &eval.SimID, &eval.Batch, &inputJSON); err != nil {
			rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(inputJSON), &eval.Input); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
		eval.State = models.EvalStateGiven
		eval.WorkerID = workerID
		eval.GivenAt = &now
		leased = append(leased, &eval)
	}
	rows.Close()

	if len(leased) == 0 {
		return nil, ErrEvalNotFound
	}

	for _, eval := range leased {
		_, err = tx.Exec(`UPDATE evaluations SET state = ?, worker_id = ?, given_at = ? WHERE id = ?`,
			models.EvalStateGiven, workerID, now, eval.ID)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(`
		UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?), last_activity_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, models.RunStatusRunning, now, now, runID, models.RunStatusPending, models.RunStatusQueued)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`UPDATE runs SET last_activity_at = ? WHERE id = ?`, now, runID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE workers SET status = 'busy', current_run_id = ? WHERE id = ?`,
		runID, workerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return leased, nil
}

// RecordOutputs records worker outputs into the results table
func (s *SQLiteStore) RecordOutputs(result *models.EvalResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var runStatus models.RunStatus
	err = tx.QueryRow(`SELECT status FROM runs WHERE id = ?`, result.RunID).Scan(&runStatus)
	if err == sql.ErrNoRows {
		return ErrRunNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	recorded := 0
	for _, out := range result.Outputs {
		var state models.EvalState
		err := tx.QueryRow(`SELECT state FROM evaluations WHERE id = ?`, out.EvalID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrEvalNotFound
		}
		if err != nil {
			return err
		}
		if state == models.EvalStateReturned || state == models.EvalStateFailed {
			continue // duplicate report
		}

		newState := models.EvalStateReturned
		if out.Error != "" {
			newState = models.EvalStateFailed
		}
		output, err := json.Marshal(out.Output)
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE evaluations SET output = ?, state = ?, returned_at = ?, error = ?
			WHERE id = ?
		`, string(output), newState, now, out.Error, out.EvalID)
		if err != nil {
			return err
		}
		recorded++
	}

	_, err = tx.Exec(`UPDATE runs SET evals_returned = evals_returned + ?, last_activity_at = ? WHERE id = ?`,
		recorded, now, result.RunID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE workers SET evals_done = evals_done + ?, status = 'available',
			current_run_id = '', last_heartbeat = ?
		WHERE id = ?
	`, recorded, now, result.WorkerID)
	if err != nil {
		return err
	}

	// Close out the run if everything issued has come back
	var failures int
	err = tx.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE run_id = ? AND state = ?`,
		result.RunID, models.EvalStateFailed).Scan(&failures)
	if err != nil {
		return err
	}

	finalStatus := models.RunStatusCompleted
	finalError := ""
	if failures > 0 {
		finalStatus = models.RunStatusFailed
		finalError = "one or more evaluations failed"
	}
	_, err = tx.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND evals_returned >= evals_issued AND status NOT IN (?, ?, ?)
	`, finalStatus, now, finalError, result.RunID,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCanceled)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetEvaluations returns the results table rows for a run in SimID order
func (s *SQLiteStore) GetEvaluations(runID string) ([]*models.Evaluation, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, run_id, sim_id, batch, input, output, worker_id, state,
		       created_at, given_at, returned_at, error
		FROM evaluations WHERE run_id = ? ORDER BY sim_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*models.Evaluation
	for rows.Next() {
		var eval models.Evaluation
		var inputJSON string
		var outputJSON, workerID, errMsg sql.NullString

		err := rows.Scan(&eval.ID, &eval.RunID, &eval.SimID, &eval.Batch, &inputJSON,
			&outputJSON, &workerID, &eval.State, &eval.CreatedAt, &eval.GivenAt,
			&eval.ReturnedAt, &errMsg)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(inputJSON), &eval.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
		if outputJSON.Valid && outputJSON.String != "" && outputJSON.String != "null" {
			if err := json.Unmarshal([]byte(outputJSON.String), &eval.Output); err != nil {
				return nil, fmt.Errorf("failed to unmarshal output: %w", err)
			}
		}
		eval.WorkerID = workerID.String
		eval.Error = errMsg.String
		evals = append(evals, &eval)
	}
	return evals, rows.Err()
}

// CountByState counts a run's evaluations in the given state
func (s *SQLiteStore) CountByState(runID string, state models.EvalState) (int, error) {
	if _, err := s.GetRun(runID); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE run_id = ? AND state = ?`,
		runID, state).Scan(&count)
	return count, err
}

// RequeueExpiredLeases returns stale leased evaluations to the pending queue
func (s *SQLiteStore) RequeueExpiredLeases(leaseTimeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-leaseTimeout)
	result, err := s.db.Exec(`
		UPDATE evaluations SET state = ?, worker_id = '', given_at = NULL
		WHERE state = ? AND given_at < ?
	`, models.EvalStatePending, models.EvalStateGiven, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Lifecycle

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection works
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims unused database space
func (s *SQLiteStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// GetRunMetrics aggregates history statistics without loading all rows
func (s *SQLiteStore) GetRunMetrics() (*RunMetrics, error) {
	metrics := &RunMetrics{
		RunsByStatus: make(map[models.RunStatus]int),
		EvalsByState: make(map[models.EvalState]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status models.RunStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.RunsByStatus[status] = count
		metrics.TotalRuns += count
		if models.IsActiveStatus(status) {
			metrics.ActiveRuns += count
		}
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT state, COUNT(*) FROM evaluations GROUP BY state`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state models.EvalState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.EvalsByState[state] = count
		metrics.TotalEvals += count
		if state == models.EvalStatePending {
			metrics.PendingEvals = count
		}
	}
	rows.Close()

	var avg sql.NullFloat64
	err = s.db.QueryRow(`
		SELECT AVG((julianday(returned_at) - julianday(given_at)) * 86400.0)
		FROM evaluations WHERE returned_at IS NOT NULL AND given_at IS NOT NULL
	`).Scan(&avg)
	if err != nil {
		return nil, err
	}
	metrics.AvgEvalDuration = avg.Float64

	return metrics, nil
}

func requireRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullableString(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
