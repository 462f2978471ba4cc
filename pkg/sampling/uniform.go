package sampling

import (
	"fmt"
	"math/rand"

	"github.com/psantana5/ensembled/pkg/models"
)

// Uniform generates batchSize points sampled uniformly within the bounds
// given in params. Every value of dimension d lands in [Lower[d], Upper[d]].
func Uniform(rng *rand.Rand, params models.GenParams, batchSize int) ([][]float64, error) {
	if len(params.Lower) == 0 {
		return nil, fmt.Errorf("uniform: no sampling bounds configured")
	}
	if len(params.Lower) != len(params.Upper) {
		return nil, fmt.Errorf("uniform: bounds dimension mismatch (%d lower, %d upper)",
			len(params.Lower), len(params.Upper))
	}
	for d := range params.Lower {
		if params.Lower[d] > params.Upper[d] {
			return nil, fmt.Errorf("uniform: inverted bounds in dimension %d (%.4f > %.4f)",
				d, params.Lower[d], params.Upper[d])
		}
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("uniform: batch size must be positive, got %d", batchSize)
	}

	dims := params.Dims()
	batch := make([][]float64, batchSize)
	for i := 0; i < batchSize; i++ {
		point := make([]float64, dims)
		for d := 0; d < dims; d++ {
			width := params.Upper[d] - params.Lower[d]
			point[d] = params.Lower[d] + rng.Float64()*width
		}
		batch[i] = point
	}
	return batch, nil
}
