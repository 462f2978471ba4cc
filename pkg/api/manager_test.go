package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/psantana5/ensembled/pkg/api"
	"github.com/psantana5/ensembled/pkg/history"
	"github.com/psantana5/ensembled/pkg/models"
)

func newTestRouter(t *testing.T) (*mux.Router, history.Store) {
	t.Helper()
	st := history.NewMemoryStore()
	handler := api.NewManagerHandler(st)
	handler.SetResultsDir(t.TempDir())
	router := mux.NewRouter()
	handler.RegisterRoutes(router)
	return router, st
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func registerTestWorker(t *testing.T, router *mux.Router) *models.Worker {
	t.Helper()
	w := doJSON(t, router, "POST", "/workers/register", models.WorkerRegistration{
		Address:    "http://localhost:9090",
		Type:       models.WorkerTypeServer,
		CPUThreads: 8,
		CPUModel:   "test-cpu",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Response: %s", w.Code, w.Body.String())
	}
	var registered models.RegisteredWorker
	if err := json.Unmarshal(w.Body.Bytes(), &registered); err != nil {
		t.Fatalf("Failed to parse registration response: %v", err)
	}
	if registered.Worker == nil {
		t.Fatal("Registration response carried no worker")
	}
	return registered.Worker
}

// TestWorkerRegistration verifies registration and re-registration semantics
func TestWorkerRegistration(t *testing.T) {
	router, _ := newTestRouter(t)

	worker := registerTestWorker(t, router)
	if worker.ID == "" {
		t.Fatal("Expected worker ID to be assigned")
	}
	if worker.Name != "localhost" {
		t.Errorf("Expected hostname extracted from address, got %s", worker.Name)
	}

	// Re-registering the same address must return 200 with the same ID
	w := doJSON(t, router, "POST", "/workers/register", models.WorkerRegistration{
		Address:    "http://localhost:9090",
		Type:       models.WorkerTypeDesktop,
		CPUThreads: 16,
	})
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for re-registration, got %d", w.Code)
	}
	var again models.RegisteredWorker
	json.Unmarshal(w.Body.Bytes(), &again)
	if again.Worker == nil || again.Worker.ID != worker.ID {
		t.Errorf("Re-registration changed worker identity: %+v", again.Worker)
	}
	if again.Worker.CPUThreads != 16 {
		t.Errorf("Re-registration should update capabilities, got %d threads", again.Worker.CPUThreads)
	}
	if again.Token == "" {
		t.Error("Re-registration should rotate the worker token")
	}

	// Heartbeat, details, list, remove
	if w := doJSON(t, router, "POST", "/workers/"+worker.ID+"/heartbeat", nil); w.Code != http.StatusOK {
		t.Errorf("Heartbeat failed with %d", w.Code)
	}
	if w := doJSON(t, router, "GET", "/workers/"+worker.ID, nil); w.Code != http.StatusOK {
		t.Errorf("GetWorkerDetails failed with %d", w.Code)
	}
	if w := doJSON(t, router, "DELETE", "/workers/"+worker.ID, nil); w.Code != http.StatusNoContent {
		t.Errorf("RemoveWorker failed with %d", w.Code)
	}
	if w := doJSON(t, router, "GET", "/workers/"+worker.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after removal, got %d", w.Code)
	}
}

// TestRunLifecycle drives a run from creation through leased work to completion
func TestRunLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)
	worker := registerTestWorker(t, router)

	// Create a run: 10 points drawn up front from [-3, 3]
	w := doJSON(t, router, "POST", "/runs", models.RunRequest{
		Generator: "uniform",
		Simulator: "sine",
		BatchSize: 5,
		Params:    models.GenParams{Lower: []float64{-3}, Upper: []float64{3}, Seed: 42},
		Exit:      models.ExitCriteria{MaxEvals: 10},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d. Response: %s", w.Code, w.Body.String())
	}
	var run models.Run
	if err := json.Unmarshal(w.Body.Bytes(), &run); err != nil {
		t.Fatalf("Failed to parse run: %v", err)
	}
	if run.EvalsIssued != 10 {
		t.Errorf("Expected 10 evaluations generated up front, got %d", run.EvalsIssued)
	}

	// Lease and report until the run completes
	for {
		w = doJSON(t, router, "GET", fmt.Sprintf("/evals/next?worker_id=%s&limit=5", worker.ID), nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Lease failed with %d: %s", w.Code, w.Body.String())
		}

		var lease struct {
			Evaluations []*models.Evaluation `json:"evaluations"`
			Count       int                  `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &lease); err != nil {
			t.Fatalf("Failed to parse lease: %v", err)
		}
		if lease.Count == 0 {
			break
		}

		outputs := make([]models.EvalOutput, 0, lease.Count)
		for _, eval := range lease.Evaluations {
			if eval.Input[0] < -3 || eval.Input[0] > 3 {
				t.Errorf("Leased input %v outside bounds", eval.Input)
			}
			outputs = append(outputs, models.EvalOutput{
				EvalID: eval.ID,
				Output: []float64{eval.Input[0] / 2},
			})
		}

		w = doJSON(t, router, "POST", "/results", models.EvalResult{
			RunID:    run.ID,
			WorkerID: worker.ID,
			Outputs:  outputs,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ReceiveResults failed with %d: %s", w.Code, w.Body.String())
		}
	}

	// Run must now be completed with a full table
	w = doJSON(t, router, "GET", "/runs/"+run.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetRun failed with %d", w.Code)
	}
	var final models.Run
	json.Unmarshal(w.Body.Bytes(), &final)
	if final.Status != models.RunStatusCompleted {
		t.Errorf("Expected run completed, got %s", final.Status)
	}
	if final.EvalsReturned != 10 {
		t.Errorf("Expected 10 evals returned, got %d", final.EvalsReturned)
	}

	w = doJSON(t, router, "GET", "/runs/"+run.ID+"/results", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetRunResults failed with %d", w.Code)
	}
	var results struct {
		Results []*models.Evaluation `json:"results"`
		Count   int                  `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &results)
	if results.Count != 10 {
		t.Errorf("Expected 10 result rows, got %d", results.Count)
	}
	for i, eval := range results.Results {
		if eval.SimID != i {
			t.Errorf("Results out of order at row %d", i)
		}
		if eval.State != models.EvalStateReturned {
			t.Errorf("Row %d not returned: %s", i, eval.State)
		}
	}
}

// TestRouteOrdering verifies /evals/next is not swallowed by /runs/{id}
func TestRouteOrdering(t *testing.T) {
	router, _ := newTestRouter(t)
	worker := registerTestWorker(t, router)

	// No work yet: must return an empty lease, not a 404
	w := doJSON(t, router, "GET", "/evals/next?worker_id="+worker.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for empty lease, got %d", w.Code)
	}
	var lease map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &lease)
	if lease["count"].(float64) != 0 {
		t.Errorf("Expected empty lease, got %v", lease)
	}

	// Sequence number lookup on /runs/{id}
	doJSON(t, router, "POST", "/runs", models.RunRequest{
		Params: models.GenParams{Lower: []float64{0}, Upper: []float64{1}},
		Exit:   models.ExitCriteria{MaxEvals: 3},
	})
	w = doJSON(t, router, "GET", "/runs/1", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected sequence lookup to succeed, got %d", w.Code)
	}
	var run models.Run
	json.Unmarshal(w.Body.Bytes(), &run)
	if run.SequenceNumber != 1 {
		t.Errorf("Expected run with sequence 1, got %d", run.SequenceNumber)
	}
}

// TestRunLookupDigitPrefixedID verifies that a UUID starting with digits
// is looked up as an ID, not truncated into a sequence number
func TestRunLookupDigitPrefixedID(t *testing.T) {
	router, st := newTestRouter(t)

	run := &models.Run{
		ID:     "2f4af932-4a8f-4c55-afad-a7185a360f6f",
		Status: models.RunStatusPending,
		Exit:   models.ExitCriteria{MaxEvals: 3},
	}
	if err := st.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	w := doJSON(t, router, "GET", "/runs/"+run.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200 for digit-prefixed ID, got %d: %s", w.Code, w.Body.String())
	}
	var got models.Run
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.ID != run.ID {
		t.Errorf("Expected run %s, got %s", run.ID, got.ID)
	}

	if w := doJSON(t, router, "GET", "/runs/"+run.ID+"/results", nil); w.Code != http.StatusOK {
		t.Errorf("GetRunResults by digit-prefixed ID failed with %d", w.Code)
	}
	if w := doJSON(t, router, "POST", "/runs/"+run.ID+"/cancel", nil); w.Code != http.StatusOK {
		t.Errorf("CancelRun by digit-prefixed ID failed with %d", w.Code)
	}
}

// TestCreateRunValidation covers run request validation failures
func TestCreateRunValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	cases := []struct {
		name string
		req  models.RunRequest
	}{
		{"NoExitCriteria", models.RunRequest{
			Params: models.GenParams{Lower: []float64{0}, Upper: []float64{1}},
		}},
		{"UnknownGenerator", models.RunRequest{
			Generator: "no-such-gen",
			Params:    models.GenParams{Lower: []float64{0}, Upper: []float64{1}},
			Exit:      models.ExitCriteria{MaxEvals: 5},
		}},
		{"UnknownSimulator", models.RunRequest{
			Simulator: "no-such-sim",
			Params:    models.GenParams{Lower: []float64{0}, Upper: []float64{1}},
			Exit:      models.ExitCriteria{MaxEvals: 5},
		}},
		{"InvertedBounds", models.RunRequest{
			Params: models.GenParams{Lower: []float64{1}, Upper: []float64{0}},
			Exit:   models.ExitCriteria{MaxEvals: 5},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doJSON(t, router, "POST", "/runs", tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
		})
	}
}

// TestCancelRun verifies cancellation drops queued work
func TestCancelRun(t *testing.T) {
	router, _ := newTestRouter(t)
	worker := registerTestWorker(t, router)

	w := doJSON(t, router, "POST", "/runs", models.RunRequest{
		Params: models.GenParams{Lower: []float64{0}, Upper: []float64{1}},
		Exit:   models.ExitCriteria{MaxEvals: 5},
	})
	var run models.Run
	json.Unmarshal(w.Body.Bytes(), &run)

	w = doJSON(t, router, "POST", "/runs/"+run.ID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("CancelRun failed with %d: %s", w.Code, w.Body.String())
	}
	var canceled models.Run
	json.Unmarshal(w.Body.Bytes(), &canceled)
	if canceled.Status != models.RunStatusCanceled {
		t.Errorf("Expected run canceled, got %s", canceled.Status)
	}

	// Canceled work must not be leasable
	w = doJSON(t, router, "GET", "/evals/next?worker_id="+worker.ID, nil)
	var lease map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &lease)
	if lease["count"].(float64) != 0 {
		t.Errorf("Expected no leasable work after cancel, got %v", lease)
	}

	// Second cancel conflicts
	w = doJSON(t, router, "POST", "/runs/"+run.ID+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409 for double cancel, got %d", w.Code)
	}
}

// TestHealth verifies the health endpoint
func TestHealth(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	var health map[string]string
	json.Unmarshal(w.Body.Bytes(), &health)
	if health["status"] != "ok" {
		t.Errorf("Expected status ok, got %s", health["status"])
	}
}
