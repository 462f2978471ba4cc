package ensemble

import (
	"errors"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
	"github.com/psantana5/ensembled/pkg/sampling"
)

var (
	ErrNoGenerator    = errors.New("generator function is required")
	ErrNoSimulator    = errors.New("simulator function is required")
	ErrNoExitCriteria = errors.New("exit criteria must set max_evals or wall_clock")
)

// GeneratorSpec describes the generator side of an ensemble: the callback
// that produces input points and the parameters handed to it.
type GeneratorSpec struct {
	// Func produces batches of input points. Required in local mode.
	Func sampling.GenFunc

	// Name is the registry name of the generator, used when the run is
	// submitted to a remote manager. Ignored when Func is set locally.
	Name string

	// Params are passed to the generator on every call.
	Params models.GenParams

	// BatchSize is how many points the generator is asked for at a time.
	// Defaults to 1.
	BatchSize int
}

// SimulatorSpec describes the simulator side of an ensemble.
type SimulatorSpec struct {
	// Func evaluates a single input point. Required in local mode.
	Func sampling.SimFunc

	// Name is the registry name of the simulator for remote submission.
	Name string
}

// Options controls how an ensemble executes.
type Options struct {
	// Workers is the number of concurrent simulator workers. Defaults to 4.
	Workers int

	// Seed overrides Params.Seed when non-zero.
	Seed int64
}

// Result is the outcome of a completed ensemble run: the full results
// table plus per-worker bookkeeping.
type Result struct {
	Table   []*models.Evaluation
	Workers []models.WorkerInfo
	Status  models.RunStatus
	Elapsed time.Duration
}

// Rows returns the input/output pairs of successfully returned
// evaluations in submission order.
func (r *Result) Rows() []*models.Evaluation {
	rows := make([]*models.Evaluation, 0, len(r.Table))
	for _, eval := range r.Table {
		if eval.State == models.EvalStateReturned {
			rows = append(rows, eval)
		}
	}
	return rows
}

func (g *GeneratorSpec) validate() error {
	if g.Func == nil && g.Name == "" {
		return ErrNoGenerator
	}
	return nil
}

func (s *SimulatorSpec) validate() error {
	if s.Func == nil && s.Name == "" {
		return ErrNoSimulator
	}
	return nil
}

func validateExit(exit models.ExitCriteria) error {
	if exit.MaxEvals <= 0 && exit.WallClock <= 0 {
		return ErrNoExitCriteria
	}
	return nil
}
