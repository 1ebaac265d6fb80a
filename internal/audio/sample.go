package audio

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// Sample is a mono waveform held entirely in memory. Samples are ephemeral:
// they live for the duration of one request and are never persisted beyond the
// optional enrollment archive copy.
type Sample struct {
	Data []float64
	Rate int
}

// DecodeWAV parses a WAV payload into a mono Sample, averaging channels if the
// recording is multi-channel. PCM values are scaled into [-1, 1].
func DecodeWAV(payload []byte) (Sample, error) {
	if len(payload) == 0 {
		return Sample{}, errors.New("empty audio payload")
	}
	decoder := wav.NewDecoder(bytes.NewReader(payload))
	if !decoder.IsValidFile() {
		return Sample{}, errors.New("not a valid WAV file")
	}
	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return Sample{}, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return Sample{}, errors.New("wav file contains no samples")
	}

	channels := buf.Format.NumChannels
	if channels <= 0 {
		return Sample{}, errors.New("wav file reports no channels")
	}
	bitDepth := int(decoder.BitDepth)
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float64(int64(1) << (bitDepth - 1))

	frames := len(buf.Data) / channels
	data := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += float64(buf.Data[i*channels+c])
		}
		data[i] = sum / float64(channels) / scale
	}

	return Sample{Data: data, Rate: buf.Format.SampleRate}, nil
}

// DecodeWAVFile decodes a staged recording from disk.
func DecodeWAVFile(path string) (Sample, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Sample{}, fmt.Errorf("read audio file: %w", err)
	}
	return DecodeWAV(payload)
}

// RMS returns the root-mean-square energy of the waveform. Used by the verify
// quality gate to reject silent recordings before any embedding work.
func RMS(s Sample) float64 {
	if len(s.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.Data {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(s.Data)))
}
