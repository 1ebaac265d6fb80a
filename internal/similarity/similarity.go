// Package similarity implements the accept/reject decision between a live
// embedding and a stored voiceprint. The engine uses one formulation only:
// cosine similarity between unit vectors against a calibrated threshold.
// Mixing in a distance-calibrated threshold would silently invert the
// decision, so no distance path exists here.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

// NormEpsilon is the smallest vector norm treated as a valid identity. A
// near-zero embedding indicates degenerate input and must be rejected
// upstream, never silently compared.
const NormEpsilon = 1e-6

var (
	ErrDimensionMismatch = errors.New("embedding vectors have different dimensions")
	ErrEmptyVector       = errors.New("embedding vector is empty")
	ErrNearZeroVector    = errors.New("embedding vector norm is near zero")
	ErrNonFinite         = errors.New("embedding vector contains non-finite values")
)

// Decision is the outcome of one comparison. Score is always populated for
// observability, even on reject.
type Decision struct {
	Accepted bool
	Score    float64
}

// Norm returns the L2 norm of the vector.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a fresh unit-length copy of v. It fails on empty,
// non-finite, or near-zero input.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, ErrEmptyVector
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return nil, ErrNonFinite
		}
	}
	norm := Norm(v)
	if norm < NormEpsilon {
		return nil, ErrNearZeroVector
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// Decide normalizes both vectors, computes their cosine similarity clipped to
// [-1, 1], and accepts iff the score meets the threshold. No failure mode
// resolves to an accept.
func Decide(a, b []float32, threshold float64) (Decision, error) {
	if len(a) != len(b) {
		return Decision{}, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	ua, err := Normalize(a)
	if err != nil {
		return Decision{}, err
	}
	ub, err := Normalize(b)
	if err != nil {
		return Decision{}, err
	}

	var dot float64
	for i := range ua {
		dot += float64(ua[i]) * float64(ub[i])
	}
	// Absorb floating-point drift.
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}

	return Decision{Accepted: dot >= threshold, Score: dot}, nil
}
