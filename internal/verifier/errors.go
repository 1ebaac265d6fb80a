package verifier

import "errors"

// Error taxonomy surfaced to the service layer. No failure mode before the
// similarity decision ever resolves to an accept.
var (
	ErrInvalidInput       = errors.New("invalid request")
	ErrConflict           = errors.New("username already exists")
	ErrNotFound           = errors.New("account or voiceprint not found")
	ErrUnprocessableAudio = errors.New("audio could not be processed")
	ErrTooQuiet           = errors.New("audio too quiet")
	ErrStorage            = errors.New("credential store failure")
)
