package agent

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
	"github.com/psantana5/ensembled/pkg/sampling"
)

// Runner polls the manager for leased evaluations and executes the
// run's named simulator on each of them.
type Runner struct {
	client       *Client
	pollInterval time.Duration
	leaseSize    int
	metrics      EvalMetrics
	busy         atomic.Bool

	// EvalsDone counts evaluations completed since startup
	EvalsDone uint64
}

// EvalMetrics receives per-evaluation timing from the runner
type EvalMetrics interface {
	SetActiveEvals(n int)
	RecordEvaluation(elapsed time.Duration, failed bool)
}

// NewRunner creates a runner that polls for work on the given client
func NewRunner(client *Client, pollInterval time.Duration, leaseSize int) *Runner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if leaseSize <= 0 {
		leaseSize = 1
	}
	return &Runner{
		client:       client,
		pollInterval: pollInterval,
		leaseSize:    leaseSize,
	}
}

// SetMetrics attaches an evaluation metrics sink, normally the worker's
// Prometheus exporter
func (r *Runner) SetMetrics(metrics EvalMetrics) {
	r.metrics = metrics
}

// Idle reports whether the runner currently has no leased batch in
// progress. Shutdown uses it to drain in-flight work before exiting.
func (r *Runner) Idle() bool {
	return !r.busy.Load()
}

// Run polls until the context is canceled
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.poll(); err != nil {
				log.Printf("⚠️  Work poll failed: %v", err)
			}
		}
	}
}

// poll leases one batch and reports its outputs. A nil lease is not an
// error; it just means the manager has nothing for us.
func (r *Runner) poll() error {
	lease, err := r.client.NextEvaluations(r.leaseSize)
	if err != nil {
		return err
	}
	if lease == nil {
		return nil
	}

	r.busy.Store(true)
	defer r.busy.Store(false)

	log.Printf("🔬 Evaluating %d points of run %s (%s)",
		lease.Count, lease.Run.ID, lease.Run.Simulator)

	sim, err := sampling.LookupSim(lease.Run.Simulator)
	if err != nil {
		// Report every point as failed so the run does not hang
		return r.reportFailure(lease, err.Error())
	}

	if r.metrics != nil {
		r.metrics.SetActiveEvals(lease.Count)
		defer r.metrics.SetActiveEvals(0)
	}

	outputs := make([]models.EvalOutput, 0, lease.Count)
	for _, eval := range lease.Evaluations {
		start := time.Now()
		output, simErr := sim(eval.Input)
		elapsed := time.Since(start)
		result := models.EvalOutput{
			EvalID:  eval.ID,
			Elapsed: elapsed.Seconds(),
		}
		if simErr != nil {
			result.Error = simErr.Error()
		} else {
			result.Output = output
			r.EvalsDone++
		}
		if r.metrics != nil {
			r.metrics.RecordEvaluation(elapsed, simErr != nil)
		}
		outputs = append(outputs, result)
	}

	return r.client.SendResults(&models.EvalResult{
		RunID:       lease.Run.ID,
		Outputs:     outputs,
		CompletedAt: time.Now(),
	})
}

func (r *Runner) reportFailure(lease *Lease, msg string) error {
	outputs := make([]models.EvalOutput, 0, lease.Count)
	for _, eval := range lease.Evaluations {
		outputs = append(outputs, models.EvalOutput{EvalID: eval.ID, Error: msg})
	}
	return r.client.SendResults(&models.EvalResult{
		RunID:       lease.Run.ID,
		Outputs:     outputs,
		CompletedAt: time.Now(),
	})
}
