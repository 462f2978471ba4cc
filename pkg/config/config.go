package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/ensembled/pkg/models"
)

// RunFile is the on-disk YAML description of a run, submitted via
// `ensctl runs submit --file`.
//
//	generator: uniform
//	simulator: sine
//	batch_size: 5
//	params:
//	  lower: [-3]
//	  upper: [3]
//	  seed: 42
//	exit:
//	  max_evals: 80
//	  wall_clock: 5m
type RunFile struct {
	Generator string           `yaml:"generator"`
	Simulator string           `yaml:"simulator"`
	BatchSize int              `yaml:"batch_size"`
	Params    models.GenParams `yaml:"params"`
	Exit      exitFile         `yaml:"exit"`
}

// exitFile carries wall_clock as a duration string so run files can say
// "5m" instead of nanoseconds.
type exitFile struct {
	MaxEvals  int    `yaml:"max_evals"`
	WallClock string `yaml:"wall_clock"`
}

// LoadRunFile reads a YAML run description and converts it into a
// RunRequest with defaults applied.
func LoadRunFile(path string) (*models.RunRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}

	var file RunFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse run file: %w", err)
	}

	req := &models.RunRequest{
		Generator: file.Generator,
		Simulator: file.Simulator,
		BatchSize: file.BatchSize,
		Params:    file.Params,
		Exit: models.ExitCriteria{
			MaxEvals: file.Exit.MaxEvals,
		},
	}

	if file.Exit.WallClock != "" {
		wallClock, err := time.ParseDuration(file.Exit.WallClock)
		if err != nil {
			return nil, fmt.Errorf("invalid wall_clock %q: %w", file.Exit.WallClock, err)
		}
		req.Exit.WallClock = wallClock
	}

	ApplyDefaults(req)

	if err := Validate(req); err != nil {
		return nil, err
	}

	return req, nil
}

// ApplyDefaults fills in the fields a run request may omit
func ApplyDefaults(req *models.RunRequest) {
	if req.Generator == "" {
		req.Generator = "uniform"
	}
	if req.Simulator == "" {
		req.Simulator = "sine"
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 1
	}
}

// Validate rejects run requests that can never produce a result
func Validate(req *models.RunRequest) error {
	if req.Exit.MaxEvals <= 0 && req.Exit.WallClock <= 0 {
		return fmt.Errorf("run file must set exit.max_evals or exit.wall_clock")
	}
	if len(req.Params.Lower) != len(req.Params.Upper) {
		return fmt.Errorf("params.lower and params.upper must have the same dimension (%d vs %d)",
			len(req.Params.Lower), len(req.Params.Upper))
	}
	for i := range req.Params.Lower {
		if req.Params.Lower[i] > req.Params.Upper[i] {
			return fmt.Errorf("params.lower[%d] exceeds params.upper[%d]", i, i)
		}
	}
	return nil
}

// WriteRunFile renders a run request back to YAML, used by
// `ensctl runs show --format yaml` and for generating example files.
func WriteRunFile(path string, req *models.RunRequest) error {
	file := RunFile{
		Generator: req.Generator,
		Simulator: req.Simulator,
		BatchSize: req.BatchSize,
		Params:    req.Params,
		Exit: exitFile{
			MaxEvals: req.Exit.MaxEvals,
		},
	}
	if req.Exit.WallClock > 0 {
		file.Exit.WallClock = req.Exit.WallClock.String()
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal run file: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
