package history

import (
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

// Store defines the interface for history persistence.
// The in-memory, SQLite, and PostgreSQL stores all implement this interface.
type Store interface {
	// Worker operations
	RegisterWorker(worker *models.Worker) error
	GetWorker(id string) (*models.Worker, error)
	GetWorkerByAddress(address string) (*models.Worker, error)
	GetAllWorkers() []*models.Worker
	UpdateWorkerStatus(id, status string) error
	UpdateWorkerHeartbeat(id string) error
	DeleteWorker(id string) error

	// Run operations
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	GetRunBySequenceNumber(seqNum int) (*models.Run, error)
	GetAllRuns() []*models.Run
	UpdateRun(run *models.Run) error
	UpdateRunStatus(id string, status models.RunStatus, errorMsg string) error
	UpdateRunActivity(id string) error
	CancelRun(id string) error
	RetryRun(id string) error
	DeleteRun(id string) error

	// Results table operations
	AppendEvaluations(evals []*models.Evaluation) error
	LeaseEvaluations(workerID string, limit int) ([]*models.Evaluation, error)
	RecordOutputs(result *models.EvalResult) error
	GetEvaluations(runID string) ([]*models.Evaluation, error)
	CountByState(runID string, state models.EvalState) (int, error)
	RequeueExpiredLeases(leaseTimeout time.Duration) (int, error)

	// Lifecycle
	Close() error
	HealthCheck() error
	Vacuum() error

	// Metrics operations (optimized for large histories)
	GetRunMetrics() (*RunMetrics, error)
}

// RunMetrics contains aggregated history statistics for metrics endpoints
type RunMetrics struct {
	RunsByStatus    map[models.RunStatus]int
	EvalsByState    map[models.EvalState]int
	ActiveRuns      int
	PendingEvals    int
	AvgEvalDuration float64
	TotalRuns       int
	TotalEvals      int
}

// Config holds history store configuration
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a history store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "ensembled.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
