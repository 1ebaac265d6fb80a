package embedding

import (
	"context"
	"math"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
)

type mockBackend struct {
	dim int
}

// NewMockBackend returns a backend that folds the feature matrix into a
// deterministic vector of the configured dimension. It stands in for the real
// model in development and tests.
func NewMockBackend(dim int) Backend {
	return &mockBackend{dim: dim}
}

func (m *mockBackend) Embed(_ context.Context, features audio.FeatureMatrix) ([]float32, error) {
	out := make([]float64, m.dim)
	for i, v := range features.Data {
		out[i%m.dim] += float64(v) * math.Cos(float64(i%97))
	}
	vec := make([]float32, m.dim)
	for i, v := range out {
		vec[i] = float32(v)
	}
	return vec, nil
}
