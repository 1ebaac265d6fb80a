// Package runtime assembles the daemon: telemetry, the message bus, the
// credential store, the embedding backend, and the verification service,
// plus the operational HTTP endpoints.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
	"github.com/keyvox-labs/keyvox-core/internal/auditstore"
	"github.com/keyvox-labs/keyvox-core/internal/bus"
	"github.com/keyvox-labs/keyvox-core/internal/config"
	"github.com/keyvox-labs/keyvox-core/internal/credstore"
	"github.com/keyvox-labs/keyvox-core/internal/embedding"
	"github.com/keyvox-labs/keyvox-core/internal/natsserver"
	"github.com/keyvox-labs/keyvox-core/internal/verifier"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	embedded    *natsserver.EmbeddedServer
	bus         *bus.Client
	audit       *auditstore.Store
	manager     *embedding.Manager
	service     *verifier.Service
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the daemon up and blocks until ctx is cancelled, then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.embedded = embedded
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := credstore.Open(r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}

	audit, err := auditstore.Open(ctx, r.cfg.Audit, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	}
	r.audit = audit

	backend, err := newBackend(r.cfg.Embedding)
	if err != nil {
		return fmt.Errorf("failed to configure embedding backend: %w", err)
	}
	r.manager = embedding.NewManager(r.cfg.Embedding, r.cfg.Audio, backend, r.logger)

	workflow := verifier.NewWorkflow(r.cfg, store, audio.NewExtractor(r.cfg.Audio), r.manager, r.logger)
	r.service = verifier.NewService(ctx, busClient, workflow, audit, r.logger)
	if err := r.service.Start(); err != nil {
		return fmt.Errorf("failed to start verifier service: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("embedding_mode", r.cfg.Embedding.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}

	r.service.Close()
	r.bus.Close()
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if err := r.audit.Close(); err != nil {
		r.logger.Error("audit store close error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func newBackend(cfg config.EmbeddingConfig) (embedding.Backend, error) {
	switch cfg.Mode {
	case "mock":
		return embedding.NewMockBackend(cfg.Dim), nil
	case "exec":
		return embedding.NewExecBackend(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus != nil && r.bus.Healthy() && r.service.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
