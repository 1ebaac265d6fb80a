package audio

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/keyvox-labs/keyvox-core/internal/config"
)

// Rejection reasons for unusable input. The workflow surfaces these to the
// caller so the UI can prompt a re-record.
var (
	ErrTooShort = errors.New("audio shorter than one analysis window")
	ErrSilent   = errors.New("audio is silent after trimming")
	ErrNoFrames = errors.New("audio produced no spectrogram frames")
)

// IsRejection reports whether err marks the input audio as unusable, as
// opposed to an internal failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrTooShort) || errors.Is(err, ErrSilent) || errors.Is(err, ErrNoFrames)
}

// FeatureMatrix is the fixed-shape (Frames x Bands) log-power mel spectrogram
// the embedding backend consumes. Time is the leading axis. The shape is
// always exactly (max_frames, mel_bands) regardless of input length.
type FeatureMatrix struct {
	Frames int
	Bands  int
	Data   []float32 // row-major, len = Frames*Bands
}

// At returns the value for time frame t and mel band b.
func (m FeatureMatrix) At(t, b int) float32 {
	return m.Data[t*m.Bands+b]
}

// Zero returns an all-zero matrix of the configured shape, used for backend
// warm-up inference.
func Zero(frames, bands int) FeatureMatrix {
	return FeatureMatrix{
		Frames: frames,
		Bands:  bands,
		Data:   make([]float32, frames*bands),
	}
}

// Extractor turns raw audio into fixed-shape feature matrices. It is
// deterministic: identical audio and configuration yield identical output.
// Extractor is safe for concurrent use.
type Extractor struct {
	cfg     config.AudioConfig
	window  []float64
	melBank [][]float64 // MelBands rows of FFTSize/2+1 weights
}

func NewExtractor(cfg config.AudioConfig) *Extractor {
	return &Extractor{
		cfg:     cfg,
		window:  hannWindow(cfg.FFTSize),
		melBank: melFilterBank(cfg.MelBands, cfg.FFTSize, cfg.SampleRate),
	}
}

// Extract implements the feature pipeline: resample to the configured rate,
// trim leading/trailing silence, compute the log-power mel spectrogram, and
// normalize the time axis to exactly cfg.MaxFrames frames. The input sample is
// never mutated.
func (e *Extractor) Extract(s Sample) (FeatureMatrix, error) {
	resampled, err := Resample(s, e.cfg.SampleRate)
	if err != nil {
		return FeatureMatrix{}, err
	}

	if len(resampled.Data) < e.cfg.FFTSize {
		return FeatureMatrix{}, ErrTooShort
	}

	trimmed := trimSilence(resampled.Data, e.cfg.FFTSize, e.cfg.HopSize, e.cfg.TrimDB)
	if len(trimmed) < e.cfg.FFTSize {
		return FeatureMatrix{}, ErrSilent
	}

	mel := e.melSpectrogram(trimmed)
	if len(mel) == 0 {
		return FeatureMatrix{}, ErrNoFrames
	}

	logMel := powerToDB(mel)

	// Truncate or zero-pad the time axis to the fixed frame count.
	out := Zero(e.cfg.MaxFrames, e.cfg.MelBands)
	frames := len(logMel)
	if frames > e.cfg.MaxFrames {
		frames = e.cfg.MaxFrames
	}
	for t := 0; t < frames; t++ {
		for b := 0; b < e.cfg.MelBands; b++ {
			out.Data[t*e.cfg.MelBands+b] = float32(logMel[t][b])
		}
	}
	return out, nil
}

// melSpectrogram computes per-frame mel-band power, time-leading. Frames are
// centered: the signal is reflection-padded by half a window on both ends.
func (e *Extractor) melSpectrogram(signal []float64) [][]float64 {
	n := e.cfg.FFTSize
	hop := e.cfg.HopSize
	padded := reflectPad(signal, n/2)
	numFrames := 1 + len(signal)/hop
	if numFrames <= 0 {
		return nil
	}

	fft := fourier.NewFFT(n)
	frame := make([]float64, n)
	spectrum := make([]complex128, n/2+1)
	power := make([]float64, n/2+1)

	out := make([][]float64, numFrames)
	for t := 0; t < numFrames; t++ {
		start := t * hop
		for i := 0; i < n; i++ {
			frame[i] = padded[start+i] * e.window[i]
		}
		spectrum = fft.Coefficients(spectrum, frame)
		for k := range spectrum {
			re := real(spectrum[k])
			im := imag(spectrum[k])
			power[k] = re*re + im*im
		}

		bands := make([]float64, e.cfg.MelBands)
		for b, weights := range e.melBank {
			var sum float64
			for k, w := range weights {
				if w != 0 {
					sum += w * power[k]
				}
			}
			bands[b] = sum
		}
		out[t] = bands
	}
	return out
}

const (
	dbAmin  = 1e-10
	dbRange = 80.0
)

// powerToDB converts mel power to decibels relative to the peak value, with
// the floor clamped dbRange below the peak.
func powerToDB(mel [][]float64) [][]float64 {
	ref := dbAmin
	for _, row := range mel {
		for _, v := range row {
			if v > ref {
				ref = v
			}
		}
	}
	refDB := 10 * math.Log10(ref)

	out := make([][]float64, len(mel))
	for t, row := range mel {
		converted := make([]float64, len(row))
		for b, v := range row {
			if v < dbAmin {
				v = dbAmin
			}
			db := 10*math.Log10(v) - refDB
			if db < -dbRange {
				db = -dbRange
			}
			converted[b] = db
		}
		out[t] = converted
	}
	return out
}

// trimSilence drops leading and trailing regions whose frame energy falls more
// than thresholdDB below the loudest frame. Returns a subslice of signal; the
// caller must not mutate it.
func trimSilence(signal []float64, frameLen, hop int, thresholdDB float64) []float64 {
	numFrames := (len(signal)-frameLen)/hop + 1
	if numFrames <= 0 {
		return nil
	}

	energies := make([]float64, numFrames)
	peak := 0.0
	for i := 0; i < numFrames; i++ {
		start := i * hop
		var sum float64
		for _, v := range signal[start : start+frameLen] {
			sum += v * v
		}
		energies[i] = math.Sqrt(sum / float64(frameLen))
		if energies[i] > peak {
			peak = energies[i]
		}
	}
	if peak <= 0 {
		return nil
	}

	first, last := -1, -1
	for i, e := range energies {
		if 20*math.Log10(e/peak) > -thresholdDB {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return nil
	}

	start := first * hop
	end := last*hop + frameLen
	if end > len(signal) {
		end = len(signal)
	}
	return signal[start:end]
}

// reflectPad mirrors pad samples of the signal onto both ends.
func reflectPad(signal []float64, pad int) []float64 {
	out := make([]float64, 0, len(signal)+2*pad)
	for i := pad; i > 0; i-- {
		idx := i
		if idx >= len(signal) {
			idx = len(signal) - 1
		}
		out = append(out, signal[idx])
	}
	out = append(out, signal...)
	for i := 0; i < pad; i++ {
		idx := len(signal) - 2 - i
		if idx < 0 {
			idx = 0
		}
		out = append(out, signal[idx])
	}
	return out
}

// hannWindow returns a periodic Hann window of length n.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
	}
	return w
}

// melFilterBank builds triangular mel filters spanning 0 Hz to the Nyquist
// frequency, one row per band over the FFT bins.
func melFilterBank(bands, fftSize, sampleRate int) [][]float64 {
	bins := fftSize/2 + 1
	melLo := hzToMel(0)
	melHi := hzToMel(float64(sampleRate) / 2)

	points := make([]float64, bands+2)
	for i := range points {
		mel := melLo + (melHi-melLo)*float64(i)/float64(bands+1)
		points[i] = melToHz(mel)
	}

	bank := make([][]float64, bands)
	for b := 0; b < bands; b++ {
		row := make([]float64, bins)
		lo, center, hi := points[b], points[b+1], points[b+2]
		for k := 0; k < bins; k++ {
			freq := float64(k) * float64(sampleRate) / float64(fftSize)
			switch {
			case freq <= lo || freq >= hi:
				// outside the triangle
			case freq <= center:
				if center > lo {
					row[k] = (freq - lo) / (center - lo)
				}
			default:
				if hi > center {
					row[k] = (hi - freq) / (hi - center)
				}
			}
		}
		bank[b] = row
	}
	return bank
}

func hzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

func melToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}
