package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts a mono Sample to the target rate. The input is never
// mutated; when rates already match the sample is returned unchanged.
func Resample(s Sample, targetRate int) (Sample, error) {
	if targetRate <= 0 {
		return Sample{}, fmt.Errorf("invalid target rate %d", targetRate)
	}
	if s.Rate == targetRate {
		return s, nil
	}
	if s.Rate <= 0 {
		return Sample{}, fmt.Errorf("invalid source rate %d", s.Rate)
	}

	resampler, err := resampling.New(&resampling.Config{
		InputRate:  float64(s.Rate),
		OutputRate: float64(targetRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return Sample{}, fmt.Errorf("create resampler: %w", err)
	}

	out, err := resampler.Process(s.Data)
	if err != nil {
		return Sample{}, fmt.Errorf("resample %d -> %d: %w", s.Rate, targetRate, err)
	}
	return Sample{Data: out, Rate: targetRate}, nil
}
