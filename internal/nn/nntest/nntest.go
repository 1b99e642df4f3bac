// Package nntest builds small deterministic networks for tests.
package nntest

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/bloodgroup/internal/nn"
)

// SmallArchitecture keeps the production layer order at a size tests can run
// quickly: 3x16x16 input, conv 3->4, conv 4->6, fc 96->10, fc 10->8.
var SmallArchitecture = nn.Architecture{
	InputSize:     16,
	InputChannels: 3,
	Conv1Channels: 4,
	Conv2Channels: 6,
	Hidden:        10,
}

// RandomTensors returns parameters for arch drawn uniformly from [-0.5, 0.5)
// using seed.
func RandomTensors(arch nn.Architecture, seed int64) map[string]nn.WeightTensor {
	rng := rand.New(rand.NewSource(seed))
	tensors := make(map[string]nn.WeightTensor)
	for _, spec := range arch.TensorSpecs() {
		data := make([]float32, spec.Elements())
		for i := range data {
			data[i] = rng.Float32() - 0.5
		}
		tensors[spec.Name] = nn.WeightTensor{Shape: append([]int(nil), spec.Shape...), Data: data}
	}
	return tensors
}

// Classifier returns a classifier for arch with random weights.
func Classifier(tb testing.TB, arch nn.Architecture, seed int64) *nn.Classifier {
	tb.Helper()
	weights, err := nn.NewWeights(arch, RandomTensors(arch, seed))
	if err != nil {
		tb.Fatalf("build weights: %v", err)
	}
	c, err := nn.NewClassifier(arch, weights)
	if err != nil {
		tb.Fatalf("build classifier: %v", err)
	}
	return c
}

// WriteFile writes tensors to a weight file in a temporary directory and
// returns its path.
func WriteFile(tb testing.TB, tensors map[string]nn.WeightTensor) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "weights.safetensors")
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create weight file: %v", err)
	}
	defer f.Close()
	if err := nn.WriteWeights(f, tensors, map[string]string{"format": "pt"}); err != nil {
		tb.Fatalf("write weight file: %v", err)
	}
	return path
}
