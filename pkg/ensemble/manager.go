package ensemble

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/psantana5/ensembled/pkg/models"
	"github.com/psantana5/ensembled/pkg/sampling"
)

// Manager drives a local ensemble: it asks the generator for batches of
// input points, fans them out to worker goroutines running the simulator,
// and collects every output into the results table.
type Manager struct {
	gen  GeneratorSpec
	sim  SimulatorSpec
	exit models.ExitCriteria
	opts Options
}

// NewManager creates a manager for a local in-process ensemble.
// Callbacks referenced by name are resolved from the registry.
func NewManager(gen GeneratorSpec, sim SimulatorSpec, exit models.ExitCriteria, opts Options) (*Manager, error) {
	if err := gen.validate(); err != nil {
		return nil, err
	}
	if err := sim.validate(); err != nil {
		return nil, err
	}
	if err := validateExit(exit); err != nil {
		return nil, err
	}

	if gen.Func == nil {
		f, err := sampling.LookupGen(gen.Name)
		if err != nil {
			return nil, err
		}
		gen.Func = f
	}
	if sim.Func == nil {
		f, err := sampling.LookupSim(sim.Name)
		if err != nil {
			return nil, err
		}
		sim.Func = f
	}
	if gen.BatchSize <= 0 {
		gen.BatchSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Seed != 0 {
		gen.Params.Seed = opts.Seed
	}

	return &Manager{gen: gen, sim: sim, exit: exit, opts: opts}, nil
}

// Run executes the ensemble until the exit criteria are met or the
// context is canceled. The returned table contains one row per
// evaluation the simulator ran, in issue order. Hitting the wall-clock
// budget ends the run as completed, not failed.
func (m *Manager) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	runCtx := ctx
	if m.exit.WallClock > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, m.exit.WallClock)
		defer cancel()
	}

	rng := rand.New(rand.NewSource(seedOrNow(m.gen.Params.Seed)))

	work := make(chan *models.Evaluation)
	results := make(chan workerReport)

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			runWorker(runCtx, workerID, m.sim.Func, work, results)
		}(fmt.Sprintf("worker-%d", i+1))
	}

	table := make([]*models.Evaluation, 0, m.exit.MaxEvals)
	workerStats := make(map[string]*models.WorkerInfo)

	issued := 0
	returned := 0
	sawFailure := false
	canceled := false

	var pending []*models.Evaluation
	runID := uuid.New().String()

	handle := func(report workerReport) {
		returned++
		if report.interrupted {
			// Handed out but never run; not a simulator failure
			return
		}
		recordReport(report, workerStats)
		if report.eval.State == models.EvalStateFailed {
			sawFailure = true
		}
	}

	for {
		// Top up the pending batch from the generator
		if len(pending) == 0 && !canceled && belowBudget(issued, m.exit.MaxEvals) {
			batch, err := m.nextBatch(rng, runID, issued)
			if err != nil {
				close(work)
				wg.Wait()
				return nil, fmt.Errorf("generator failed: %w", err)
			}
			pending = batch
			table = append(table, batch...)
		}

		if canceled || len(pending) == 0 {
			// Nothing left to issue; wait out in-flight work
			if returned >= issued {
				break
			}
			handle(<-results)
			continue
		}

		// An expired context must win over issuing: the select below
		// picks randomly among ready cases, so check it first.
		select {
		case <-runCtx.Done():
			canceled = true
			pending = nil
			continue
		default:
		}

		select {
		case work <- pending[0]:
			pending = pending[1:]
			issued++
		case report := <-results:
			handle(report)
		case <-runCtx.Done():
			canceled = true
			pending = nil
		}
	}

	close(work)
	wg.Wait()

	// Drop rows that were never evaluated: generated-but-unissued ones
	// past the issued mark, plus any handed to a worker after the
	// context ended. Both are still pending.
	kept := table[:0]
	for _, eval := range table[:issued] {
		if eval.State != models.EvalStatePending {
			kept = append(kept, eval)
		}
	}
	table = kept

	status := models.RunStatusCompleted
	switch {
	case canceled && ctx.Err() != nil:
		status = models.RunStatusCanceled
	case sawFailure:
		status = models.RunStatusFailed
	}

	log.Printf("Ensemble finished: %d evaluations, status %s, elapsed %v",
		returned, status, time.Since(start).Round(time.Millisecond))

	return &Result{
		Table:   table,
		Workers: collectWorkerInfo(workerStats),
		Status:  status,
		Elapsed: time.Since(start),
	}, nil
}

// nextBatch asks the generator for one batch, capped at the remaining
// evaluation budget, and wraps the points as table rows.
func (m *Manager) nextBatch(rng *rand.Rand, runID string, issued int) ([]*models.Evaluation, error) {
	size := m.gen.BatchSize
	if m.exit.MaxEvals > 0 && issued+size > m.exit.MaxEvals {
		size = m.exit.MaxEvals - issued
	}

	points, err := m.gen.Func(rng, m.gen.Params, size)
	if err != nil {
		return nil, err
	}
	if len(points) > size {
		points = points[:size]
	}

	now := time.Now()
	batch := make([]*models.Evaluation, 0, len(points))
	for i, point := range points {
		batch = append(batch, &models.Evaluation{
			ID:        uuid.New().String(),
			RunID:     runID,
			SimID:     issued + i,
			Batch:     issued / m.gen.BatchSize,
			Input:     point,
			State:     models.EvalStatePending,
			CreatedAt: now,
		})
	}
	return batch, nil
}

func belowBudget(issued, maxEvals int) bool {
	return maxEvals <= 0 || issued < maxEvals
}

func seedOrNow(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	return time.Now().UnixNano()
}

func recordReport(report workerReport, stats map[string]*models.WorkerInfo) {
	info, ok := stats[report.workerID]
	if !ok {
		info = &models.WorkerInfo{WorkerID: report.workerID}
		stats[report.workerID] = info
	}
	info.EvalsDone++
	info.BusyTime += report.elapsed
}

func collectWorkerInfo(stats map[string]*models.WorkerInfo) []models.WorkerInfo {
	workers := make([]models.WorkerInfo, 0, len(stats))
	for _, info := range stats {
		workers = append(workers, *info)
	}
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].WorkerID < workers[j].WorkerID
	})
	return workers
}
