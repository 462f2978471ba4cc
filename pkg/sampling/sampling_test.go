package sampling

import (
	"math"
	"math/rand"
	"testing"

	"github.com/psantana5/ensembled/pkg/models"
)

// TestUniform_Bounds verifies every generated value stays within its bounds
func TestUniform_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	params := models.GenParams{
		Lower: []float64{-3},
		Upper: []float64{3},
	}

	for i := 0; i < 100; i++ {
		batch, err := Uniform(rng, params, 5)
		if err != nil {
			t.Fatalf("Uniform returned error: %v", err)
		}
		if len(batch) != 5 {
			t.Fatalf("Expected batch of 5 points, got %d", len(batch))
		}
		for _, point := range batch {
			if len(point) != 1 {
				t.Fatalf("Expected 1-dimensional point, got %d dims", len(point))
			}
			if point[0] < -3 || point[0] > 3 {
				t.Errorf("Point %.6f outside bounds [-3, 3]", point[0])
			}
		}
	}
}

// TestUniform_MultiDim verifies per-dimension bounds are respected
func TestUniform_MultiDim(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	params := models.GenParams{
		Lower: []float64{-1, 0, 100},
		Upper: []float64{1, 10, 200},
	}

	batch, err := Uniform(rng, params, 50)
	if err != nil {
		t.Fatalf("Uniform returned error: %v", err)
	}
	for _, point := range batch {
		for d := range point {
			if point[d] < params.Lower[d] || point[d] > params.Upper[d] {
				t.Errorf("Dimension %d value %.6f outside [%.1f, %.1f]",
					d, point[d], params.Lower[d], params.Upper[d])
			}
		}
	}
}

// TestUniform_InvalidBounds tests rejection of malformed bounds
func TestUniform_InvalidBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	cases := []struct {
		name   string
		params models.GenParams
		batch  int
	}{
		{"empty bounds", models.GenParams{}, 5},
		{"dimension mismatch", models.GenParams{Lower: []float64{0}, Upper: []float64{1, 2}}, 5},
		{"inverted bounds", models.GenParams{Lower: []float64{3}, Upper: []float64{-3}}, 5},
		{"zero batch", models.GenParams{Lower: []float64{0}, Upper: []float64{1}}, 0},
	}

	for _, tc := range cases {
		if _, err := Uniform(rng, tc.params, tc.batch); err == nil {
			t.Errorf("%s: expected error, got nil", tc.name)
		}
	}
}

// TestUniform_Deterministic verifies the same seed yields the same batch
func TestUniform_Deterministic(t *testing.T) {
	params := models.GenParams{Lower: []float64{-3}, Upper: []float64{3}}

	a, err := Uniform(rand.New(rand.NewSource(99)), params, 10)
	if err != nil {
		t.Fatalf("Uniform returned error: %v", err)
	}
	b, err := Uniform(rand.New(rand.NewSource(99)), params, 10)
	if err != nil {
		t.Fatalf("Uniform returned error: %v", err)
	}
	for i := range a {
		if a[i][0] != b[i][0] {
			t.Errorf("Point %d differs across seeded runs: %.9f vs %.9f", i, a[i][0], b[i][0])
		}
	}
}

// TestSine verifies the evaluator output equals sin(x) within tolerance
func TestSine(t *testing.T) {
	inputs := []float64{-3, -math.Pi / 2, -1, 0, 0.5, 1, math.Pi / 2, 3}
	for _, x := range inputs {
		out, err := Sine([]float64{x})
		if err != nil {
			t.Fatalf("Sine(%.4f) returned error: %v", x, err)
		}
		if len(out) != 1 {
			t.Fatalf("Expected 1 output, got %d", len(out))
		}
		if math.Abs(out[0]-math.Sin(x)) > 1e-12 {
			t.Errorf("Sine(%.4f) = %.12f, expected %.12f", x, out[0], math.Sin(x))
		}
	}
}

// TestSine_EmptyInput tests rejection of an empty point
func TestSine_EmptyInput(t *testing.T) {
	if _, err := Sine(nil); err == nil {
		t.Error("Expected error for empty input, got nil")
	}
}

// TestRegistry verifies the built-in callbacks resolve by name
func TestRegistry(t *testing.T) {
	if _, err := LookupGen("uniform"); err != nil {
		t.Errorf("Expected uniform generator to be registered: %v", err)
	}
	if _, err := LookupSim("sine"); err != nil {
		t.Errorf("Expected sine simulator to be registered: %v", err)
	}
	if _, err := LookupGen("nope"); err != ErrGeneratorNotFound {
		t.Errorf("Expected ErrGeneratorNotFound, got %v", err)
	}
	if _, err := LookupSim("nope"); err != ErrSimulatorNotFound {
		t.Errorf("Expected ErrSimulatorNotFound, got %v", err)
	}
}
