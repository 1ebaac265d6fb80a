package credstore

import (
	"fmt"
	"os"
	"path/filepath"
)

// timestamp formats the store clock with nanosecond precision, which is what
// keeps concurrent requests for the same user from colliding on file names.
func (s *Store) timestamp() string {
	now := s.clock().UTC()
	return fmt.Sprintf("%s%09d", now.Format("20060102150405"), now.Nanosecond())
}

// TempAudioPath names a scratch file for one in-flight request, embedding the
// operation kind, username, and a high-resolution timestamp.
func (s *Store) TempAudioPath(kind, username string) string {
	name := fmt.Sprintf("%s_%s_%s.wav", kind, Key(username), s.timestamp())
	return filepath.Join(s.cfg.TempDir, name)
}

// ArchiveRecording keeps a permanent copy of an enrollment recording for
// audit. Callers treat failure as non-fatal.
func (s *Store) ArchiveRecording(username, kind string, payload []byte) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.wav", Key(username), kind, s.timestamp())
	path := filepath.Join(s.cfg.RecordingsDir, name)
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return "", fmt.Errorf("archive recording: %w", err)
	}
	return path, nil
}
