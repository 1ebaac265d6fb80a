// Package verifier orchestrates the enrollment and verification state machine
// per account: Unregistered -> Registered -> Enrolled, with verification as a
// per-attempt outcome rather than a stored state.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
	"github.com/keyvox-labs/keyvox-core/internal/config"
	"github.com/keyvox-labs/keyvox-core/internal/credstore"
	"github.com/keyvox-labs/keyvox-core/internal/similarity"
)

// Embedder is what the workflow needs from the embedding resource manager.
type Embedder interface {
	Embed(ctx context.Context, features audio.FeatureMatrix) ([]float32, error)
}

// Profile carries the optional account fields collected at registration.
type Profile struct {
	FullName string
	Email    string
}

// VerifyResult is one verification attempt's outcome. Score is reported even
// on reject so the caller can observe how close the attempt came.
type VerifyResult struct {
	Accepted bool
	Score    float64
}

// Usernames become storage keys and file names, so the accepted alphabet is
// deliberately narrow.
var usernamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

type Workflow struct {
	cfg       config.Config
	store     *credstore.Store
	extractor *audio.Extractor
	embedder  Embedder
	log       *slog.Logger
	archive   sync.WaitGroup
}

func NewWorkflow(cfg config.Config, store *credstore.Store, extractor *audio.Extractor, embedder Embedder, logger *slog.Logger) *Workflow {
	return &Workflow{
		cfg:       cfg,
		store:     store,
		extractor: extractor,
		embedder:  embedder,
		log:       logger.With(slog.String("component", "verifier")),
	}
}

// Close waits for in-flight archival copies to finish.
func (w *Workflow) Close() {
	w.archive.Wait()
}

// Register creates a new account with no voiceprint. Usernames are
// case-insensitive: "Alice" and "alice" are the same account.
func (w *Workflow) Register(ctx context.Context, username string, profile Profile, password string) error {
	key, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("%w: password must not be empty", ErrInvalidInput)
	}

	acct := credstore.Account{
		FullName:     profile.FullName,
		Email:        profile.Email,
		PasswordHash: credstore.HashPassword(password),
	}
	if err := w.store.Create(key, acct); err != nil {
		if errors.Is(err, credstore.ErrAccountExists) {
			return ErrConflict
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	w.log.Info("account registered", slog.String("username", key))
	return nil
}

// EnrollVoice turns a recording into the account's voiceprint. Enrollment is
// atomic from the caller's perspective: on any failure the account's previous
// voiceprint reference is left untouched.
func (w *Workflow) EnrollVoice(ctx context.Context, username string, audioBytes []byte) error {
	key, err := normalizeUsername(username)
	if err != nil {
		return err
	}
	if len(audioBytes) == 0 {
		return fmt.Errorf("%w: missing audio payload", ErrInvalidInput)
	}

	_, ok, err := w.store.Get(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok {
		return ErrNotFound
	}

	vec, err := w.embedRecording(ctx, "enroll", key, audioBytes)
	if err != nil {
		return err
	}

	unit, err := similarity.Normalize(vec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnprocessableAudio, err)
	}

	ref, err := w.store.SaveVoiceprint(key, unit)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := w.store.SetVoiceprintRef(key, ref); err != nil {
		if errors.Is(err, credstore.ErrAccountNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	// Best-effort archive of the raw recording; failure never affects the
	// caller's outcome.
	w.archive.Add(1)
	go func() {
		defer w.archive.Done()
		if _, err := w.store.ArchiveRecording(key, "enroll", audioBytes); err != nil {
			w.log.Warn("failed to archive enrollment recording",
				slog.String("username", key), slog.String("error", err.Error()))
		}
	}()

	w.log.Info("voice enrolled", slog.String("username", key))
	return nil
}

// CheckEnrollment reports whether a usable voiceprint exists. A missing
// account or a dangling voiceprint reference is a normal negative result.
func (w *Workflow) CheckEnrollment(ctx context.Context, username string) (bool, error) {
	key, err := normalizeUsername(username)
	if err != nil {
		return false, err
	}
	acct, ok, err := w.store.Get(key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok || acct.VoiceprintRef == "" {
		return false, nil
	}
	return w.store.HasVoiceprint(acct.VoiceprintRef), nil
}

// VerifyVoice compares a live recording against the stored voiceprint. It
// never mutates stored state.
func (w *Workflow) VerifyVoice(ctx context.Context, username string, audioBytes []byte) (VerifyResult, error) {
	key, err := normalizeUsername(username)
	if err != nil {
		return VerifyResult{}, err
	}
	if len(audioBytes) == 0 {
		return VerifyResult{}, fmt.Errorf("%w: missing audio payload", ErrInvalidInput)
	}

	acct, ok, err := w.store.Get(key)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if !ok || acct.VoiceprintRef == "" || !w.store.HasVoiceprint(acct.VoiceprintRef) {
		return VerifyResult{}, ErrNotFound
	}

	sample, cleanup, err := w.stageRecording("verify", key, audioBytes)
	if err != nil {
		return VerifyResult{}, err
	}
	defer cleanup()

	// Quality gate: an obviously silent recording is rejected before the
	// embedding resource is touched at all.
	rms := audio.RMS(sample)
	if rms < w.cfg.Audio.MinVerifyRMS {
		w.log.Info("verification rejected by energy gate",
			slog.String("username", key), slog.Float64("rms", rms))
		return VerifyResult{}, ErrTooQuiet
	}

	features, err := w.extractor.Extract(sample)
	if err != nil {
		if audio.IsRejection(err) {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnprocessableAudio, err)
		}
		return VerifyResult{}, fmt.Errorf("extract features: %w", err)
	}
	liveVec, err := w.embedder.Embed(ctx, features)
	if err != nil {
		return VerifyResult{}, err
	}
	live, err := similarity.Normalize(liveVec)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrUnprocessableAudio, err)
	}

	stored, err := w.store.LoadVoiceprint(acct.VoiceprintRef)
	if err != nil {
		if errors.Is(err, credstore.ErrVoiceprintNotFound) {
			return VerifyResult{}, ErrNotFound
		}
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	decision, err := similarity.Decide(stored, live, w.cfg.Verify.Threshold)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("compare embeddings: %w", err)
	}

	w.log.Info("verification decided",
		slog.String("username", key),
		slog.Bool("accepted", decision.Accepted),
		slog.Float64("score", decision.Score))
	return VerifyResult{Accepted: decision.Accepted, Score: decision.Score}, nil
}

// embedRecording stages the payload, runs the feature pipeline and the
// embedding backend, and returns the raw (unnormalized) embedding.
func (w *Workflow) embedRecording(ctx context.Context, kind, key string, audioBytes []byte) ([]float32, error) {
	sample, cleanup, err := w.stageRecording(kind, key, audioBytes)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	features, err := w.extractor.Extract(sample)
	if err != nil {
		if audio.IsRejection(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnprocessableAudio, err)
		}
		return nil, fmt.Errorf("extract features: %w", err)
	}
	vec, err := w.embedder.Embed(ctx, features)
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// stageRecording writes the payload to a per-request temp file and decodes it.
// The returned cleanup always removes the temp file, including on
// cancellation.
func (w *Workflow) stageRecording(kind, key string, audioBytes []byte) (audio.Sample, func(), error) {
	path := w.store.TempAudioPath(kind, key)
	if err := os.WriteFile(path, audioBytes, 0o600); err != nil {
		return audio.Sample{}, nil, fmt.Errorf("%w: stage recording: %v", ErrStorage, err)
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			w.log.Warn("failed to remove temp recording", slog.String("path", path), slog.String("error", err.Error()))
		}
	}

	sample, err := audio.DecodeWAVFile(path)
	if err != nil {
		cleanup()
		return audio.Sample{}, nil, fmt.Errorf("%w: %v", ErrUnprocessableAudio, err)
	}
	return sample, cleanup, nil
}

func normalizeUsername(username string) (string, error) {
	key := credstore.Key(username)
	if key == "" {
		return "", fmt.Errorf("%w: username must not be empty", ErrInvalidInput)
	}
	if !usernamePattern.MatchString(key) {
		return "", fmt.Errorf("%w: username contains unsupported characters", ErrInvalidInput)
	}
	return key, nil
}
