package embedding

import (
	"context"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
)

// Backend abstracts the speaker-embedding model. Implementations must be
// deterministic for identical input and must never mutate the feature matrix.
// The returned vector is freshly allocated and NOT unit-normalized; callers
// own normalization.
type Backend interface {
	Embed(ctx context.Context, features audio.FeatureMatrix) ([]float32, error)
}

// Loader is implemented by backends with a nontrivial startup step. The
// Manager invokes Load exactly once, before the warm-up inference.
type Loader interface {
	Load(ctx context.Context) error
}
