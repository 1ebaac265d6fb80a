package credstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

var ErrVoiceprintNotFound = errors.New("voiceprint file not found")

// VoiceprintRef returns the file name a username's voiceprint is stored
// under. One voiceprint per account; re-enrollment overwrites it.
func VoiceprintRef(username string) string {
	return Key(username) + ".vp"
}

// SaveVoiceprint writes the embedding as little-endian float32 values.
// Voiceprint writes hold the same writer lock as table mutations, and each
// write stages through a uniquely named temp file, so concurrent enrollments
// for one account can never publish a torn file.
func (s *Store) SaveVoiceprint(username string, vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", errors.New("refusing to store an empty voiceprint")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := VoiceprintRef(username)
	path := filepath.Join(s.cfg.VoiceprintDir, ref)

	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	tmp := fmt.Sprintf("%s.%s.tmp", path, s.timestamp())
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return "", fmt.Errorf("write voiceprint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("replace voiceprint: %w", err)
	}
	return ref, nil
}

// LoadVoiceprint reads a stored embedding by its reference. Only the base
// name of the reference is honored; voiceprints never resolve outside their
// directory.
func (s *Store) LoadVoiceprint(ref string) ([]float32, error) {
	if ref == "" {
		return nil, ErrVoiceprintNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	path := filepath.Join(s.cfg.VoiceprintDir, filepath.Base(ref))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrVoiceprintNotFound
		}
		return nil, fmt.Errorf("read voiceprint: %w", err)
	}
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("voiceprint %s has invalid length %d", ref, len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// HasVoiceprint reports whether the referenced file is actually present.
func (s *Store) HasVoiceprint(ref string) bool {
	if ref == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(filepath.Join(s.cfg.VoiceprintDir, filepath.Base(ref)))
	return err == nil
}
