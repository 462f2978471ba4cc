package api

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

// ResultsWriter writes completed run tables to JSON files for exporters
type ResultsWriter struct {
	outputDir string
}

// NewResultsWriter creates a new results writer
func NewResultsWriter(outputDir string) *ResultsWriter {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		log.Printf("Warning: Failed to create results directory %s: %v", outputDir, err)
	}
	return &ResultsWriter{
		outputDir: outputDir,
	}
}

// WriteRunResults writes a terminal run and its results table to a JSON file
func (w *ResultsWriter) WriteRunResults(run *models.Run, evals []*models.Evaluation) error {
	if w.outputDir == "" {
		return nil // Skip if no output directory configured
	}

	summary := map[string]interface{}{
		"run_id":          run.ID,
		"sequence_number": run.SequenceNumber,
		"generator":       run.Generator,
		"simulator":       run.Simulator,
		"batch_size":      run.BatchSize,
		"status":          string(run.Status),
		"evals_issued":    run.EvalsIssued,
		"evals_returned":  run.EvalsReturned,
		"created_at":      run.CreatedAt.Unix(),
	}
	if run.CompletedAt != nil && run.StartedAt != nil {
		summary["duration"] = run.CompletedAt.Sub(*run.StartedAt).Seconds()
		summary["end_time"] = run.CompletedAt.Unix()
	}
	if run.Error != "" {
		summary["error"] = run.Error
	}

	// Per-worker tallies alongside the raw table
	perWorker := map[string]int{}
	for _, eval := range evals {
		if eval.WorkerID != "" {
			perWorker[eval.WorkerID]++
		}
	}

	payload := map[string]interface{}{
		"run":     summary,
		"workers": perWorker,
		"table":   evals,
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run results: %w", err)
	}

	filename := fmt.Sprintf("run_%04d_%s.json", run.SequenceNumber, time.Now().Format("20060102_150405"))
	path := filepath.Join(w.outputDir, filename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write run results: %w", err)
	}

	log.Printf("Run results written: %s", path)
	return nil
}
