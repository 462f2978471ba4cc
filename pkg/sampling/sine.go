package sampling

import (
	"fmt"
	"math"
)

// Sine evaluates sin(x[0]) for a single input point
func Sine(x []float64) ([]float64, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("sine: empty input point")
	}
	return []float64{math.Sin(x[0])}, nil
}
