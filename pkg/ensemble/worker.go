package ensemble

import (
	"context"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
	"github.com/psantana5/ensembled/pkg/sampling"
)

// workerReport is what a worker goroutine hands back to the manager for
// every evaluation it was given. interrupted marks work that was handed
// out but never run because the context ended first; such evaluations
// stay pending and are not simulator failures.
type workerReport struct {
	workerID    string
	eval        *models.Evaluation
	elapsed     time.Duration
	interrupted bool
}

// runWorker consumes evaluations from work until the channel closes,
// runs the simulator on each, and reports every one back. A report is
// sent even after cancellation so the manager's bookkeeping stays
// consistent with what was issued.
func runWorker(ctx context.Context, workerID string, sim sampling.SimFunc, work <-chan *models.Evaluation, results chan<- workerReport) {
	for eval := range work {
		start := time.Now()

		if ctx.Err() != nil {
			results <- workerReport{workerID: workerID, eval: eval, interrupted: true}
			continue
		}

		output, err := sim(eval.Input)
		now := time.Now()
		eval.WorkerID = workerID
		eval.ReturnedAt = &now
		if err != nil {
			eval.State = models.EvalStateFailed
			eval.Error = err.Error()
		} else {
			eval.State = models.EvalStateReturned
			eval.Output = output
		}

		results <- workerReport{
			workerID: workerID,
			eval:     eval,
			elapsed:  time.Since(start),
		}
	}
}
