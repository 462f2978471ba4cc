package plot

import (
	"bytes"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

func returnedEval(simID int, x float64, workerID string) *models.Evaluation {
	now := time.Now()
	return &models.Evaluation{
		ID:         "eval-" + workerID,
		RunID:      "run-1",
		SimID:      simID,
		Input:      []float64{x},
		Output:     []float64{math.Sin(x)},
		WorkerID:   workerID,
		State:      models.EvalStateReturned,
		CreatedAt:  now,
		ReturnedAt: &now,
	}
}

func TestScatterAssignsGlyphPerWorker(t *testing.T) {
	evals := []*models.Evaluation{
		returnedEval(0, -3, "worker-0"),
		returnedEval(1, -1, "worker-1"),
		returnedEval(2, 1, "worker-0"),
		returnedEval(3, 3, "worker-1"),
	}

	out := Scatter(evals, 40, 10)

	if !strings.Contains(out, "* = worker-0") {
		t.Errorf("legend missing worker-0 glyph:\n%s", out)
	}
	if !strings.Contains(out, "+ = worker-1") {
		t.Errorf("legend missing worker-1 glyph:\n%s", out)
	}
	if !strings.Contains(out, "*") || !strings.Contains(out, "+") {
		t.Errorf("grid missing plotted glyphs:\n%s", out)
	}
}

func TestScatterSkipsIncompleteRows(t *testing.T) {
	pending := &models.Evaluation{
		SimID: 0,
		Input: []float64{1.0},
		State: models.EvalStatePending,
	}

	out := Scatter([]*models.Evaluation{pending}, 40, 10)

	if !strings.Contains(out, "no completed evaluations") {
		t.Errorf("expected empty-plot message, got:\n%s", out)
	}
}

func TestScatterDegenerateRange(t *testing.T) {
	// All points at the same coordinate should not divide by zero
	evals := []*models.Evaluation{
		returnedEval(0, 1.5, "worker-0"),
		returnedEval(1, 1.5, "worker-0"),
	}

	out := Scatter(evals, 40, 10)

	if !strings.Contains(out, "* = worker-0") {
		t.Errorf("expected single-worker legend, got:\n%s", out)
	}
}

func TestWorkerSummary(t *testing.T) {
	var buf bytes.Buffer
	WorkerSummary(&buf, []models.WorkerInfo{
		{WorkerID: "worker-0", EvalsDone: 42, BusyTime: 3 * time.Second},
		{WorkerID: "worker-1", EvalsDone: 38, BusyTime: 2 * time.Second},
	})

	out := buf.String()
	if !strings.Contains(out, "worker-0") || !strings.Contains(out, "42") {
		t.Errorf("summary missing worker-0 row:\n%s", out)
	}
	if !strings.Contains(out, "Total evaluations: 80") {
		t.Errorf("summary missing total:\n%s", out)
	}
}

func TestResultsTable(t *testing.T) {
	failed := returnedEval(1, 0.5, "worker-1")
	failed.State = models.EvalStateFailed
	failed.Output = nil
	failed.Error = "simulator exploded"

	var buf bytes.Buffer
	ResultsTable(&buf, []*models.Evaluation{
		returnedEval(0, -2, "worker-0"),
		failed,
	})

	out := buf.String()
	if !strings.Contains(out, "returned") {
		t.Errorf("table missing returned row:\n%s", out)
	}
	if !strings.Contains(out, "simulator exploded") {
		t.Errorf("table missing failure message:\n%s", out)
	}
}
