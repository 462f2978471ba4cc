package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/psantana5/ensembled/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the history store,
// suitable for multi-manager deployments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL history store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}

	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := config.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		type TEXT NOT NULL,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT NOT NULL,
		ram_total_bytes BIGINT NOT NULL,
		labels JSONB,
		status TEXT NOT NULL,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL,
		current_run_id TEXT,
		evals_done INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		sequence_number BIGINT NOT NULL,
		generator TEXT NOT NULL,
		simulator TEXT NOT NULL,
		batch_size INTEGER NOT NULL,
		params JSONB NOT NULL,
		max_evals INTEGER NOT NULL,
		wall_clock_ns BIGINT NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		evals_issued INTEGER NOT NULL DEFAULT 0,
		evals_returned INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		last_activity_at TIMESTAMPTZ,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		sim_id INTEGER NOT NULL,
		batch INTEGER NOT NULL,
		input JSONB NOT NULL,
		output JSONB,
		worker_id TEXT,
		state TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		given_at TIMESTAMPTZ,
		returned_at TIMESTAMPTZ,
		error TEXT
	);

	CREATE SEQUENCE IF NOT EXISTS runs_sequence;

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_evaluations_run ON evaluations(run_id, sim_id);
	CREATE INDEX IF NOT EXISTS idx_evaluations_state ON evaluations(state, created_at);
	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Worker operations

func (s *PostgresStore) RegisterWorker(worker *models.Worker) error {
	labels, err := json.Marshal(worker.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO workers
		(id, name, address, type, cpu_threads, cpu_model, ram_total_bytes, labels,
		 status, last_heartbeat, registered_at, current_run_id, evals_done)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			type = EXCLUDED.type,
			cpu_threads = EXCLUDED.cpu_threads,
			cpu_model = EXCLUDED.cpu_model,
			ram_total_bytes = EXCLUDED.ram_total_bytes,
			labels = EXCLUDED.labels,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			current_run_id = EXCLUDED.current_run_id,
			evals_done = EXCLUDED.evals_done
	`, worker.ID, worker.Name, worker.Address, worker.Type, worker.CPUThreads,
		worker.CPUModel, worker.RAMTotalBytes, string(labels), worker.Status,
		worker.LastHeartbeat, worker.RegisteredAt, worker.CurrentRunID, worker.EvalsDone)

	return err
}

func (s *PostgresStore) GetWorker(id string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	worker, err := scanWorker(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

func (s *PostgresStore) GetWorkerByAddress(address string) (*models.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE address = $1`, address)
	worker, err := scanWorker(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrWorkerNotFound
	}
	return worker, err
}

func (s *PostgresStore) GetAllWorkers() []*models.Worker {
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

func (s *PostgresStore) UpdateWorkerStatus(id, status string) error {
	result, err := s.db.Exec(`UPDATE workers SET status = $1, last_heartbeat = $2 WHERE id = $3`,
		status, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrWorkerNotFound)
}

func (s *PostgresStore) UpdateWorkerHeartbeat(id string) error {
	result, err := s.db.Exec(`UPDATE workers SET last_heartbeat = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrWorkerNotFound)
}

func (s *PostgresStore) DeleteWorker(id string) error {
	result, err := s.db.Exec(`DELETE FROM workers WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrWorkerNotFound)
}

// Run operations

func (s *PostgresStore) CreateRun(run *models.Run) error {
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
		var seq int64
		if err := tx.QueryRow(`SELECT nextval('runs_sequence')`).Scan(&seq); err != nil {
			return err
		}
		run.SequenceNumber = int(seq)
	}

	_, err = tx.Exec(`
		INSERT INTO runs
		(id, sequence_number, generator, simulator, batch_size, params, max_evals,
		 wall_clock_ns, status, evals_issued, evals_returned, created_at, started_at,
		 completed_at, last_activity_at, retry_count, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, run.ID, run.SequenceNumber, run.Generator, run.Simulator, run.BatchSize,
		string(params), run.Exit.MaxEvals, int64(run.Exit.WallClock), run.Status,
		run.EvalsIssued, run.EvalsReturned, run.CreatedAt, run.StartedAt,
		run.CompletedAt, run.LastActivityAt, run.RetryCount, run.Error)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) GetRunBySequenceNumber(seqNum int) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE sequence_number = $1`, seqNum)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresStore) GetAllRuns() []*models.Run {
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

func (s *PostgresStore) UpdateRun(run *models.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE runs SET generator = $1, simulator = $2, batch_size = $3, params = $4,
			max_evals = $5, wall_clock_ns = $6, status = $7, evals_issued = $8,
			evals_returned = $9, started_at = $10, completed_at = $11,
			last_activity_at = $12, retry_count = $13, error = $14
		WHERE id = $15
	`, run.Generator, run.Simulator, run.BatchSize, string(params), run.Exit.MaxEvals,
		int64(run.Exit.WallClock), run.Status, run.EvalsIssued, run.EvalsReturned,
		run.StartedAt, run.CompletedAt, run.LastActivityAt, run.RetryCount, run.Error, run.ID)
	if err != nil {
		return err
	}
	return requireRow(result, ErrRunNotFound)
}

func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error {
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

func (s *PostgresStore) UpdateRunActivity(id string) error {
	result, err := s.db.Exec(`UPDATE runs SET last_activity_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRow(result, ErrRunNotFound)
}

func (s *PostgresStore) CancelRun(id string) error {
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
func (s *PostgresStore) RetryRun(id string) error {
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
		UPDATE evaluations SET state = $1, worker_id = '', output = NULL,
			error = '', given_at = NULL, returned_at = NULL
		WHERE run_id = $2 AND state IN ($3, $4)
	`, models.EvalStatePending, id, models.EvalStateFailed, models.EvalStateGiven)
	if err != nil {
		return err
	}

	var returned int
	err = tx.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE run_id = $1 AND state = $2`,
		id, models.EvalStateReturned).Scan(&returned)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE runs SET status = $1, retry_count = retry_count + 1, error = '',
			evals_returned = $2, started_at = NULL, completed_at = NULL,
			last_activity_at = NULL
		WHERE id = $3
	`, models.RunStatusPending, returned, id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM evaluations WHERE run_id = $1`, id); err != nil {
		return err
	}
	result, err := tx.Exec(`DELETE FROM runs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if err := requireRow(result, ErrRunNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// Results table operations

func (s *PostgresStore) AppendEvaluations(evals []*models.Evaluation) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO evaluations
		(id, run_id, sim_id, batch, input, output, worker_id, state, created_at,
		 given_at, returned_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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
// Rows are locked with FOR UPDATE SKIP LOCKED so concurrent managers
// never lease the same point twice.
func (s *PostgresStore) LeaseEvaluations(workerID string, limit int) ([]*models.Evaluation, error) {
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
		WHERE e.state = $1 AND r.status IN ($2, $3, $4)
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
		WHERE run_id = $1 AND state = $2
		ORDER BY sim_id
		LIMIT $3
		FOR UPDATE SKIP LOCKED
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
		_, err = tx.Exec(`UPDATE evaluations SET state = $1, worker_id = $2, given_at = $3 WHERE id = $4`,
			models.EvalStateGiven, workerID, now, eval.ID)
		if err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(`
		UPDATE runs SET status = $1, started_at = COALESCE(started_at, $2)
		WHERE id = $3 AND status IN ($4, $5)
	`, models.RunStatusRunning, now, runID, models.RunStatusPending, models.RunStatusQueued)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`UPDATE runs SET last_activity_at = $1 WHERE id = $2`, now, runID)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(`UPDATE workers SET status = 'busy', current_run_id = $1 WHERE id = $2`,
		runID, workerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return leased, nil
}

func (s *PostgresStore) RecordOutputs(result *models.EvalResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var runStatus models.RunStatus
	err = tx.QueryRow(`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, result.RunID).Scan(&runStatus)
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
		err := tx.QueryRow(`SELECT state FROM evaluations WHERE id = $1 FOR UPDATE`, out.EvalID).Scan(&state)
		if err == sql.ErrNoRows {
			return ErrEvalNotFound
		}
		if err != nil {
			return err
		}
		if state == models.EvalStateReturned || state == models.EvalStateFailed {
			continue
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
			UPDATE evaluations SET output = $1, state = $2, returned_at = $3, error = $4
			WHERE id = $5
		`, string(output), newState, now, out.Error, out.EvalID)
		if err != nil {
			return err
		}
		recorded++
	}

	_, err = tx.Exec(`UPDATE runs SET evals_returned = evals_returned + $1, last_activity_at = $2 WHERE id = $3`,
		recorded, now, result.RunID)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE workers SET evals_done = evals_done + $1, status = 'available',
			current_run_id = '', last_heartbeat = $2
		WHERE id = $3
	`, recorded, now, result.WorkerID)
	if err != nil {
		return err
	}

	var failures int
	err = tx.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE run_id = $1 AND state = $2`,
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
		UPDATE runs SET status = $1, completed_at = $2, error = $3
		WHERE id = $4 AND evals_returned >= evals_issued AND status NOT IN ($5, $6, $7)
	`, finalStatus, now, finalError, result.RunID,
		models.RunStatusCompleted, models.RunStatusFailed, models.RunStatusCanceled)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) GetEvaluations(runID string) ([]*models.Evaluation, error) {
	if _, err := s.GetRun(runID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT id, run_id, sim_id, batch, input, output, worker_id, state,
		       created_at, given_at, returned_at, error
		FROM evaluations WHERE run_id = $1 ORDER BY sim_id
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

func (s *PostgresStore) CountByState(runID string, state models.EvalState) (int, error) {
	if _, err := s.GetRun(runID); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM evaluations WHERE run_id = $1 AND state = $2`,
		runID, state).Scan(&count)
	return count, err
}

func (s *PostgresStore) RequeueExpiredLeases(leaseTimeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-leaseTimeout)
	result, err := s.db.Exec(`
		UPDATE evaluations SET state = $1, worker_id = '', given_at = NULL
		WHERE state = $2 AND given_at < $3
	`, models.EvalStatePending, models.EvalStateGiven, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Lifecycle

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// Vacuum reclaims unused database space
func (s *PostgresStore) Vacuum() error {
	_, err := s.db.Exec("VACUUM")
	return err
}

// GetRunMetrics aggregates history statistics without loading all rows
func (s *PostgresStore) GetRunMetrics() (*RunMetrics, error) {
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
		SELECT AVG(EXTRACT(EPOCH FROM (returned_at - given_at)))
		FROM evaluations WHERE returned_at IS NOT NULL AND given_at IS NOT NULL
	`).Scan(&avg)
	if err != nil {
		return nil, err
	}
	metrics.AvgEvalDuration = avg.Float64

	return metrics, nil
}
