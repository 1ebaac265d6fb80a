package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
	"github.com/keyvox-labs/keyvox-core/internal/config"
)

// ErrBackendUnavailable is returned by every call after the backend failed to
// initialize. The condition is terminal for the process; an operator has to
// intervene.
var ErrBackendUnavailable = errors.New("embedding backend unavailable")

type state int

const (
	stateUninitialized state = iota
	stateLoading
	stateReady
	stateFailed
)

// Manager owns the embedding backend lifecycle. The backend is loaded and
// warmed up exactly once, on first use; concurrent callers block until the
// load completes. A failed load is terminal: subsequent calls fail fast
// instead of retrying a backend known to be broken.
type Manager struct {
	backend    Backend
	cfg        config.EmbeddingConfig
	warmFrames int
	warmBands  int
	log        *slog.Logger

	mu      sync.Mutex
	state   state
	done    chan struct{}
	loadErr error

	embedCalls metric.Int64Counter
}

func NewManager(cfg config.EmbeddingConfig, audioCfg config.AudioConfig, backend Backend, logger *slog.Logger) *Manager {
	meter := otel.Meter("keyvox.embedding")
	embedCalls, err := meter.Int64Counter("keyvox.embedding.calls")
	if err != nil {
		logger.Warn("failed to create embedding call counter", slog.String("error", err.Error()))
	}
	return &Manager{
		backend:    backend,
		cfg:        cfg,
		warmFrames: audioCfg.MaxFrames,
		warmBands:  audioCfg.MelBands,
		log:        logger.With(slog.String("component", "embedding-manager")),
		embedCalls: embedCalls,
	}
}

// EnsureReady blocks until the backend is loaded and warm. Exactly one caller
// performs the load; the rest wait. Safe for concurrent use.
func (m *Manager) EnsureReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		switch m.state {
		case stateReady:
			m.mu.Unlock()
			return nil
		case stateFailed:
			err := m.loadErr
			m.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		case stateLoading:
			done := m.done
			m.mu.Unlock()
			select {
			case <-done:
				// Re-check the outcome.
			case <-ctx.Done():
				return ctx.Err()
			}
		case stateUninitialized:
			m.state = stateLoading
			m.done = make(chan struct{})
			done := m.done
			m.mu.Unlock()

			err := m.load(ctx)

			m.mu.Lock()
			if err != nil {
				m.state = stateFailed
				m.loadErr = err
			} else {
				m.state = stateReady
			}
			m.mu.Unlock()
			close(done)

			if err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			return nil
		}
	}
}

// load performs the backend's startup step, then a warm-up inference on a
// zero-filled input so the first real request does not pay first-call latency.
// A cancelled load marks the manager failed rather than leaving other waiters
// hanging.
func (m *Manager) load(ctx context.Context) error {
	timeout := time.Duration(m.cfg.LoadTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	loadCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if loader, ok := m.backend.(Loader); ok {
		if err := loader.Load(loadCtx); err != nil {
			return fmt.Errorf("load backend: %w", err)
		}
	}
	if _, err := m.backend.Embed(loadCtx, audio.Zero(m.warmFrames, m.warmBands)); err != nil {
		return fmt.Errorf("warm-up inference: %w", err)
	}
	m.log.Info("embedding backend ready", slog.Duration("load_time", time.Since(start)))
	return nil
}

// Embed runs the backend on a feature matrix, loading it first if needed. The
// feature matrix is never mutated; the result is a fresh, unnormalized vector.
func (m *Manager) Embed(ctx context.Context, features audio.FeatureMatrix) ([]float32, error) {
	if err := m.EnsureReady(ctx); err != nil {
		return nil, err
	}
	if m.embedCalls != nil {
		m.embedCalls.Add(ctx, 1)
	}
	vec, err := m.backend.Embed(ctx, features)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vec, nil
}
