package api

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/psantana5/ensembled/pkg/auth"
	"github.com/psantana5/ensembled/pkg/history"
	"github.com/psantana5/ensembled/pkg/models"
	"github.com/psantana5/ensembled/pkg/sampling"
)

// MetricsRecorder is an interface for recording metrics
type MetricsRecorder interface {
	RecordLeaseAttempt(result string)
}

// workerTokenTTL is how long a worker's token stays valid; agents
// re-register on restart, which rotates the token.
const workerTokenTTL = 24 * time.Hour

// ManagerHandler handles manager API requests
type ManagerHandler struct {
	store           history.Store
	tokens          *auth.TokenManager
	metricsRecorder MetricsRecorder
	resultsWriter   *ResultsWriter
}

// NewManagerHandler creates a new manager handler
func NewManagerHandler(s history.Store) *ManagerHandler {
	return &ManagerHandler{
		store:         s,
		tokens:        auth.NewTokenManager(),
		resultsWriter: NewResultsWriter("./run_results"),
	}
}

// TokenManager exposes the per-worker token store so auth middleware
// can validate tokens issued at registration
func (h *ManagerHandler) TokenManager() *auth.TokenManager {
	return h.tokens
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *ManagerHandler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metricsRecorder = recorder
}

// SetResultsDir changes where completed run results are exported
func (h *ManagerHandler) SetResultsDir(dir string) {
	h.resultsWriter = NewResultsWriter(dir)
}

// getRunByIDOrSequence retrieves a run by ID (UUID) or sequence number.
// Only a string that is entirely a number is treated as a sequence number;
// UUIDs that happen to start with digits must not be misread as one.
func (h *ManagerHandler) getRunByIDOrSequence(idOrSeq string) (*models.Run, error) {
	if seqNum, parseErr := strconv.Atoi(idOrSeq); parseErr == nil && seqNum > 0 {
		return h.store.GetRunBySequenceNumber(seqNum)
	}
	return h.store.GetRun(idOrSeq)
}

// RegisterRoutes registers all API routes
func (h *ManagerHandler) RegisterRoutes(r *mux.Router) {
	// Worker routes
	r.HandleFunc("/workers/register", h.RegisterWorker).Methods("POST")
	r.HandleFunc("/workers/{id}", h.GetWorkerDetails).Methods("GET")
	r.HandleFunc("/workers/{id}", h.RemoveWorker).Methods("DELETE")
	r.HandleFunc("/workers", h.ListWorkers).Methods("GET")
	r.HandleFunc("/workers/{id}/heartbeat", h.WorkerHeartbeat).Methods("POST")

	// Run routes (register specific routes before parameterized routes)
	r.HandleFunc("/runs", h.CreateRun).Methods("POST")
	r.HandleFunc("/runs", h.ListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", h.GetRun).Methods("GET")
	r.HandleFunc("/runs/{id}/cancel", h.CancelRun).Methods("POST")
	r.HandleFunc("/runs/{id}/results", h.GetRunResults).Methods("GET")

	// Evaluation routes
	r.HandleFunc("/evals/next", h.LeaseEvaluations).Methods("GET")
	r.HandleFunc("/results", h.ReceiveResults).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// RegisterWorker handles worker registration
func (h *ManagerHandler) RegisterWorker(w http.ResponseWriter, r *http.Request) {
	var reg models.WorkerRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// A worker with this address may already exist if the agent
	// restarted or crashed without deregistering
	existing, err := h.store.GetWorkerByAddress(reg.Address)
	if err == nil && existing != nil {
		log.Printf("Worker with address %s already exists (ID: %s), handling re-registration...",
			reg.Address, existing.ID)

		existing.Type = reg.Type
		existing.CPUThreads = reg.CPUThreads
		existing.CPUModel = reg.CPUModel
		existing.RAMTotalBytes = reg.RAMTotalBytes
		existing.Labels = reg.Labels
		existing.Status = "available"
		existing.LastHeartbeat = time.Now()
		existing.CurrentRunID = ""

		if err := h.store.RegisterWorker(existing); err != nil {
			log.Printf("Warning: failed to update worker during re-registration: %v", err)
		}

		log.Printf("Worker re-registered: %s [%s] (%s, %d threads, %s)",
			existing.Name, existing.ID, existing.Type, existing.CPUThreads, existing.CPUModel)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK) // 200 OK for re-registration (not 201 Created)
		json.NewEncoder(w).Encode(models.RegisteredWorker{
			Worker: existing,
			Token:  h.issueWorkerToken(existing.ID),
		})
		return
	}

	worker := &models.Worker{
		ID:            uuid.New().String(),
		Name:          hostnameFromAddress(reg.Address),
		Address:       reg.Address,
		Type:          reg.Type,
		CPUThreads:    reg.CPUThreads,
		CPUModel:      reg.CPUModel,
		RAMTotalBytes: reg.RAMTotalBytes,
		Labels:        reg.Labels,
		Status:        "available",
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}

	if err := h.store.RegisterWorker(worker); err != nil {
		log.Printf("Error registering worker: %v", err)
		http.Error(w, "Failed to register worker", http.StatusInternalServerError)
		return
	}

	log.Printf("Worker registered: %s [%s] (%s, %d threads, %s)",
		worker.Name, worker.ID, worker.Type, worker.CPUThreads, worker.CPUModel)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(models.RegisteredWorker{
		Worker: worker,
		Token:  h.issueWorkerToken(worker.ID),
	})
}

// issueWorkerToken mints the bearer token a worker uses for requests
// after registration. Registration itself still carries the shared API
// key when auth is enabled.
func (h *ManagerHandler) issueWorkerToken(workerID string) string {
	token, err := h.tokens.GenerateToken(workerID, workerTokenTTL)
	if err != nil {
		log.Printf("Warning: failed to issue token for worker %s: %v", workerID, err)
		return ""
	}
	return token
}

// hostnameFromAddress extracts a display name from a worker address
// (e.g. "https://hostname:port" -> "hostname")
func hostnameFromAddress(address string) string {
	name := address
	if idx := len("https://"); len(name) > idx && name[:idx] == "https://" {
		name = name[idx:]
	} else if idx := len("http://"); len(name) > idx && name[:idx] == "http://" {
		name = name[idx:]
	}
	for i, ch := range name {
		if ch == ':' {
			name = name[:i]
			break
		}
	}
	return name
}

// ListWorkers returns all registered workers
func (h *ManagerHandler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers := h.store.GetAllWorkers()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// GetWorkerDetails retrieves a specific worker
func (h *ManagerHandler) GetWorkerDetails(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	worker, err := h.store.GetWorker(vars["id"])
	if err != nil {
		if err == history.ErrWorkerNotFound {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get worker", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(worker)
}

// RemoveWorker deregisters a worker
func (h *ManagerHandler) RemoveWorker(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workerID := vars["id"]

	if err := h.store.DeleteWorker(workerID); err != nil {
		if err == history.ErrWorkerNotFound {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to remove worker", http.StatusInternalServerError)
		return
	}

	h.tokens.RevokeToken(workerID)

	log.Printf("Worker removed: %s", workerID)
	w.WriteHeader(http.StatusNoContent)
}

// WorkerHeartbeat updates worker heartbeat
func (h *ManagerHandler) WorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workerID := vars["id"]

	if err := h.store.UpdateWorkerHeartbeat(workerID); err != nil {
		if err == history.ErrWorkerNotFound {
			http.Error(w, "Worker not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update heartbeat", http.StatusInternalServerError)
		return
	}

	// Keep the run's activity clock moving while a worker holds its work
	worker, err := h.store.GetWorker(workerID)
	if err == nil && worker.CurrentRunID != "" {
		if err := h.store.UpdateRunActivity(worker.CurrentRunID); err != nil {
			log.Printf("Warning: Failed to update run activity for run %s: %v", worker.CurrentRunID, err)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// CreateRun creates a new run and generates its evaluation points
func (h *ManagerHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Generator == "" {
		req.Generator = "uniform"
	}
	if req.Simulator == "" {
		req.Simulator = "sine"
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 1
	}
	if req.Exit.MaxEvals <= 0 {
		http.Error(w, "max_evals must be positive", http.StatusBadRequest)
		return
	}

	gen, err := sampling.LookupGen(req.Generator)
	if err != nil {
		http.Error(w, fmt.Sprintf("Unknown generator '%s'", req.Generator), http.StatusBadRequest)
		return
	}
	if _, err := sampling.LookupSim(req.Simulator); err != nil {
		http.Error(w, fmt.Sprintf("Unknown simulator '%s'", req.Simulator), http.StatusBadRequest)
		return
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		Generator: req.Generator,
		Simulator: req.Simulator,
		BatchSize: req.BatchSize,
		Params:    req.Params,
		Exit:      req.Exit,
		Status:    models.RunStatusPending,
		CreatedAt: time.Now(),
	}

	// Draw every input point up front so workers only ever see concrete
	// numbers. Named callbacks never cross the wire.
	evals, err := generatePoints(gen, run)
	if err != nil {
		http.Error(w, fmt.Sprintf("Generator failed: %v", err), http.StatusBadRequest)
		return
	}
	run.EvalsIssued = len(evals)

	if err := h.store.CreateRun(run); err != nil {
		log.Printf("Error creating run: %v", err)
		http.Error(w, "Failed to create run", http.StatusInternalServerError)
		return
	}
	if err := h.store.AppendEvaluations(evals); err != nil {
		log.Printf("Error appending evaluations: %v", err)
		http.Error(w, "Failed to create run", http.StatusInternalServerError)
		return
	}

	log.Printf("Run created: %s (%s/%s, %d evaluations)",
		run.ID, run.Generator, run.Simulator, run.EvalsIssued)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(run)
}

// generatePoints draws a run's full evaluation budget in batches
func generatePoints(gen sampling.GenFunc, run *models.Run) ([]*models.Evaluation, error) {
	seed := run.Params.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	now := time.Now()
	evals := make([]*models.Evaluation, 0, run.Exit.MaxEvals)
	for len(evals) < run.Exit.MaxEvals {
		size := run.BatchSize
		if len(evals)+size > run.Exit.MaxEvals {
			size = run.Exit.MaxEvals - len(evals)
		}

		points, err := gen(rng, run.Params, size)
		if err != nil {
			return nil, err
		}

		for _, point := range points {
			if len(evals) >= run.Exit.MaxEvals {
				break
			}
			evals = append(evals, &models.Evaluation{
				ID:        uuid.New().String(),
				RunID:     run.ID,
				SimID:     len(evals),
				Batch:     len(evals) / run.BatchSize,
				Input:     point,
				State:     models.EvalStatePending,
				CreatedAt: now,
			})
		}
	}
	return evals, nil
}

// ListRuns returns all runs
func (h *ManagerHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.store.GetAllRuns()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun retrieves a specific run by ID or sequence number
func (h *ManagerHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	run, err := h.getRunByIDOrSequence(vars["id"])
	if err != nil {
		if err == history.ErrRunNotFound {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		log.Printf("Error getting run: %v", err)
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// CancelRun cancels a run and drops its queued evaluations
func (h *ManagerHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	run, err := h.getRunByIDOrSequence(vars["id"])
	if err != nil {
		if err == history.ErrRunNotFound {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}

	if err := h.store.CancelRun(run.ID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to cancel run: %v", err), http.StatusConflict)
		return
	}

	log.Printf("Run canceled: %s", run.ID)

	run, _ = h.store.GetRun(run.ID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(run)
}

// GetRunResults returns the results table for a run
func (h *ManagerHandler) GetRunResults(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	run, err := h.getRunByIDOrSequence(vars["id"])
	if err != nil {
		if err == history.ErrRunNotFound {
			http.Error(w, "Run not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}

	evals, err := h.store.GetEvaluations(run.ID)
	if err != nil {
		log.Printf("Error getting evaluations: %v", err)
		http.Error(w, "Failed to get results", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run":     run,
		"results": evals,
		"count":   len(evals),
	})
}

// LeaseEvaluations hands the next batch of pending evaluations to a worker
func (h *ManagerHandler) LeaseEvaluations(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		http.Error(w, "worker_id parameter is required", http.StatusBadRequest)
		return
	}

	limit := 1
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	evals, err := h.store.LeaseEvaluations(workerID, limit)
	if err != nil {
		if err == history.ErrEvalNotFound {
			// No work available
			if h.metricsRecorder != nil {
				h.metricsRecorder.RecordLeaseAttempt("no_work")
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"evaluations": nil,
				"count":       0,
			})
			return
		}
		log.Printf("Error leasing evaluations: %v", err)
		http.Error(w, "Failed to lease evaluations", http.StatusInternalServerError)
		return
	}

	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordLeaseAttempt("success")
	}

	run, err := h.store.GetRun(evals[0].RunID)
	if err != nil {
		http.Error(w, "Failed to load run for lease", http.StatusInternalServerError)
		return
	}

	log.Printf("Leased %d evaluations of run %s to worker %s", len(evals), run.ID, workerID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run":         run,
		"evaluations": evals,
		"count":       len(evals),
	})
}

// ReceiveResults records simulator outputs reported by a worker
func (h *ManagerHandler) ReceiveResults(w http.ResponseWriter, r *http.Request) {
	var result models.EvalResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if result.RunID == "" || result.WorkerID == "" {
		http.Error(w, "run_id and worker_id are required", http.StatusBadRequest)
		return
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now()
	}

	if err := h.store.RecordOutputs(&result); err != nil {
		if err == history.ErrRunNotFound || err == history.ErrEvalNotFound {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		log.Printf("Error recording outputs: %v", err)
		http.Error(w, "Failed to record outputs", http.StatusInternalServerError)
		return
	}

	log.Printf("Received %d outputs for run %s from worker %s",
		len(result.Outputs), result.RunID, result.WorkerID)

	// Export the table once the run reaches a terminal state
	run, err := h.store.GetRun(result.RunID)
	if err == nil && models.IsTerminalStatus(run.Status) && h.resultsWriter != nil {
		evals, evErr := h.store.GetEvaluations(run.ID)
		if evErr == nil {
			if wErr := h.resultsWriter.WriteRunResults(run, evals); wErr != nil {
				log.Printf("Warning: failed to export results for run %s: %v", run.ID, wErr)
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// Health returns manager health status
func (h *ManagerHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}
