// Package sampling provides the generator and simulator callbacks an
// ensemble run is wired from, plus a name registry so distributed workers
// can resolve them without shipping function values over the wire.
package sampling

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/psantana5/ensembled/pkg/models"
)

var (
	ErrGeneratorNotFound = errors.New("generator not found")
	ErrSimulatorNotFound = errors.New("simulator not found")
)

// GenFunc produces a batch of candidate input points. The random stream is
// caller-supplied; the bounds come in through params.
type GenFunc func(rng *rand.Rand, params models.GenParams, batchSize int) ([][]float64, error)

// SimFunc evaluates a single input point and returns its outputs
type SimFunc func(x []float64) ([]float64, error)

var (
	registryMu sync.RWMutex
	generators = make(map[string]GenFunc)
	simulators = make(map[string]SimFunc)
)

// RegisterGen registers a generator under a name.
// Re-registering a name replaces the previous function.
func RegisterGen(name string, fn GenFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	generators[name] = fn
}

// RegisterSim registers a simulator under a name
func RegisterSim(name string, fn SimFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	simulators[name] = fn
}

// LookupGen resolves a registered generator by name
func LookupGen(name string) (GenFunc, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	fn, ok := generators[name]
	if !ok {
		return nil, ErrGeneratorNotFound
	}
	return fn, nil
}

// LookupSim resolves a registered simulator by name
func LookupSim(name string) (SimFunc, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	fn, ok := simulators[name]
	if !ok {
		return nil, ErrSimulatorNotFound
	}
	return fn, nil
}

func init() {
	RegisterGen("uniform", Uniform)
	RegisterSim("sine", Sine)
}
