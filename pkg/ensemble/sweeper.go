package ensemble

import (
	"log"
	"time"

	"github.com/psantana5/ensembled/pkg/history"
	"github.com/psantana5/ensembled/pkg/models"
)

// Sweeper manages background housekeeping for a distributed manager:
// queuing runs with no workers, requeuing expired evaluation leases
// and failing runs that have gone idle.
type Sweeper struct {
	store         history.Store
	checkInterval time.Duration
	lease         models.LeaseTimeout
	retry         *models.RetryPolicy
	stopCh        chan struct{}
}

// NewSweeper creates a new Sweeper instance
func NewSweeper(st history.Store, checkInterval time.Duration, lease models.LeaseTimeout) *Sweeper {
	if checkInterval <= 0 {
		checkInterval = 5 * time.Second // default: check every 5 seconds
	}
	if lease.EvalLease <= 0 {
		lease = *models.DefaultLeaseTimeout()
	}
	return &Sweeper{
		store:         st,
		checkInterval: checkInterval,
		lease:         lease,
		retry:         models.DefaultRetryPolicy(),
		stopCh:        make(chan struct{}),
	}
}

// SetRetryPolicy overrides the default retry policy for failed runs
func (s *Sweeper) SetRetryPolicy(rp *models.RetryPolicy) {
	s.retry = rp
}

// Start begins the background housekeeping loop
func (s *Sweeper) Start() {
	log.Printf("📅 Sweeper started (check interval: %v)", s.checkInterval)
	go s.run()
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	log.Println("📅 Stopping sweeper...")
	close(s.stopCh)
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPendingRuns()
			s.requeueExpiredLeases()
			s.checkIdleRuns()
			s.retryFailedRuns()
		case <-s.stopCh:
			log.Println("📅 Sweeper stopped")
			return
		}
	}
}

// processPendingRuns queues pending runs when no workers are available
func (s *Sweeper) processPendingRuns() {
	allRuns := s.store.GetAllRuns()

	pendingRuns := []*models.Run{}
	for _, run := range allRuns {
		if run.Status == models.RunStatusPending {
			pendingRuns = append(pendingRuns, run)
		}
	}

	if len(pendingRuns) == 0 {
		return
	}

	available := 0
	for _, worker := range s.store.GetAllWorkers() {
		if worker.Status == "available" {
			available++
		}
	}

	if available == 0 {
		log.Printf("📋 Sweeper: No available workers - queuing %d pending runs", len(pendingRuns))
		for _, run := range pendingRuns {
			if err := s.store.UpdateRunStatus(run.ID, models.RunStatusQueued, ""); err != nil {
				log.Printf("❌ Sweeper: failed to queue run %s: %v", run.ID, err)
			}
		}
	}
}

// requeueExpiredLeases returns evaluations leased to unresponsive
// workers back to the pending queue
func (s *Sweeper) requeueExpiredLeases() {
	n, err := s.store.RequeueExpiredLeases(s.lease.EvalLease)
	if err != nil {
		log.Printf("❌ Sweeper: failed to requeue expired leases: %v", err)
		return
	}
	if n > 0 {
		log.Printf("⚠️  Sweeper: requeued %d expired evaluation leases", n)
	}
}

// checkIdleRuns fails running runs with no activity past the idle threshold
func (s *Sweeper) checkIdleRuns() {
	now := time.Now()

	for _, run := range s.store.GetAllRuns() {
		if run.Status != models.RunStatusRunning {
			continue
		}

		last := run.LastActivityAt
		if last == nil {
			last = run.StartedAt
		}
		if last == nil {
			continue
		}

		if last.Add(s.lease.RunIdle).Before(now) {
			log.Printf("⚠️  Sweeper: Run %s is idle (no activity for %v), marking as failed",
				run.ID, now.Sub(*last))

			if err := s.store.UpdateRunStatus(run.ID, models.RunStatusFailed,
				"run idle - exceeded activity timeout"); err != nil {
				log.Printf("❌ Sweeper: failed to fail idle run %s: %v", run.ID, err)
			}
		}
	}
}

// retryFailedRuns puts failed runs back into the queue once their
// backoff window has passed, up to the policy's retry budget
func (s *Sweeper) retryFailedRuns() {
	if s.retry == nil {
		return
	}
	now := time.Now()

	for _, run := range s.store.GetAllRuns() {
		if !s.retry.ShouldRetry(run) {
			continue
		}

		failedAt := run.CompletedAt
		if failedAt == nil {
			failedAt = &run.CreatedAt
		}
		backoff := s.retry.CalculateBackoff(run.RetryCount)
		if failedAt.Add(backoff).After(now) {
			continue // still backing off
		}

		if err := s.store.RetryRun(run.ID); err != nil {
			log.Printf("❌ Sweeper: failed to retry run %s: %v", run.ID, err)
			continue
		}
		log.Printf("🔁 Sweeper: retrying failed run %s (attempt %d/%d after %v backoff)",
			run.ID, run.RetryCount+1, s.retry.MaxRetries, backoff)
	}
}
