package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psantana5/ensembled/pkg/models"
)

func writeTempRunFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("failed to write run file: %v", err)
	}
	return path
}

func TestLoadRunFile(t *testing.T) {
	path := writeTempRunFile(t, `
generator: uniform
simulator: sine
batch_size: 5
params:
  lower: [-3]
  upper: [3]
  seed: 42
exit:
  max_evals: 80
  wall_clock: 5m
`)

	req, err := LoadRunFile(path)
	if err != nil {
		t.Fatalf("LoadRunFile failed: %v", err)
	}

	if req.Generator != "uniform" || req.Simulator != "sine" {
		t.Errorf("unexpected callbacks: %s/%s", req.Generator, req.Simulator)
	}
	if req.BatchSize != 5 {
		t.Errorf("expected batch size 5, got %d", req.BatchSize)
	}
	if req.Params.Lower[0] != -3 || req.Params.Upper[0] != 3 {
		t.Errorf("unexpected bounds: %v / %v", req.Params.Lower, req.Params.Upper)
	}
	if req.Params.Seed != 42 {
		t.Errorf("expected seed 42, got %d", req.Params.Seed)
	}
	if req.Exit.MaxEvals != 80 {
		t.Errorf("expected max_evals 80, got %d", req.Exit.MaxEvals)
	}
	if req.Exit.WallClock != 5*time.Minute {
		t.Errorf("expected wall clock 5m, got %v", req.Exit.WallClock)
	}
}

func TestLoadRunFileDefaults(t *testing.T) {
	path := writeTempRunFile(t, `
params:
  lower: [0]
  upper: [1]
exit:
  max_evals: 10
`)

	req, err := LoadRunFile(path)
	if err != nil {
		t.Fatalf("LoadRunFile failed: %v", err)
	}

	if req.Generator != "uniform" || req.Simulator != "sine" || req.BatchSize != 1 {
		t.Errorf("defaults not applied: %+v", req)
	}
}

func TestLoadRunFileRejectsInvertedBounds(t *testing.T) {
	path := writeTempRunFile(t, `
params:
  lower: [3]
  upper: [-3]
exit:
  max_evals: 10
`)

	_, err := LoadRunFile(path)
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected inverted-bounds error, got %v", err)
	}
}

func TestLoadRunFileRequiresExitCriteria(t *testing.T) {
	path := writeTempRunFile(t, `
params:
  lower: [0]
  upper: [1]
`)

	_, err := LoadRunFile(path)
	if err == nil || !strings.Contains(err.Error(), "exit.max_evals") {
		t.Fatalf("expected missing-exit error, got %v", err)
	}
}

func TestLoadRunFileInvalidWallClock(t *testing.T) {
	path := writeTempRunFile(t, `
params:
  lower: [0]
  upper: [1]
exit:
  max_evals: 10
  wall_clock: not-a-duration
`)

	_, err := LoadRunFile(path)
	if err == nil || !strings.Contains(err.Error(), "wall_clock") {
		t.Fatalf("expected wall_clock parse error, got %v", err)
	}
}

func TestWriteRunFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	req := &models.RunRequest{
		Generator: "uniform",
		Simulator: "sine",
		BatchSize: 5,
		Params: models.GenParams{
			Lower: []float64{-3},
			Upper: []float64{3},
			Seed:  42,
		},
		Exit: models.ExitCriteria{MaxEvals: 80, WallClock: 2 * time.Minute},
	}

	if err := WriteRunFile(path, req); err != nil {
		t.Fatalf("WriteRunFile failed: %v", err)
	}

	loaded, err := LoadRunFile(path)
	if err != nil {
		t.Fatalf("LoadRunFile failed: %v", err)
	}
	if loaded.Exit.MaxEvals != 80 || loaded.Exit.WallClock != 2*time.Minute {
		t.Errorf("round trip lost exit criteria: %+v", loaded.Exit)
	}
	if loaded.Params.Seed != 42 {
		t.Errorf("round trip lost seed: %d", loaded.Params.Seed)
	}
}
