package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyvox-labs/keyvox-core/internal/audio"
	"github.com/keyvox-labs/keyvox-core/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingBackend records load and embed invocations.
type countingBackend struct {
	loads   atomic.Int64
	embeds  atomic.Int64
	loadErr error
	block   chan struct{}
}

func (b *countingBackend) Load(ctx context.Context) error {
	b.loads.Add(1)
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return b.loadErr
}

func (b *countingBackend) Embed(_ context.Context, features audio.FeatureMatrix) ([]float32, error) {
	b.embeds.Add(1)
	return make([]float32, 8), nil
}

func newTestManager(backend Backend) *Manager {
	cfg := config.Default()
	cfg.Embedding.Dim = 8
	return NewManager(cfg.Embedding, cfg.Audio, backend, testLogger())
}

func TestEnsureReadyLoadsExactlyOnce(t *testing.T) {
	backend := &countingBackend{}
	manager := newTestManager(backend)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = manager.EnsureReady(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := backend.loads.Load(); got != 1 {
		t.Fatalf("backend loaded %d times, want 1", got)
	}
	// One warm-up inference, no more.
	if got := backend.embeds.Load(); got != 1 {
		t.Fatalf("warm-up ran %d times, want 1", got)
	}
}

func TestFailedLoadIsTerminal(t *testing.T) {
	backend := &countingBackend{loadErr: errors.New("model file corrupt")}
	manager := newTestManager(backend)

	fm := audio.Zero(4, 4)
	for i := 0; i < 3; i++ {
		_, err := manager.Embed(context.Background(), fm)
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("attempt %d: expected ErrBackendUnavailable, got %v", i, err)
		}
	}
	if got := backend.loads.Load(); got != 1 {
		t.Fatalf("backend load retried %d times, want exactly 1 attempt", got)
	}
	if got := backend.embeds.Load(); got != 0 {
		t.Fatalf("embed ran %d times against a failed backend", got)
	}
}

func TestCancelledLoaderFailsWaiters(t *testing.T) {
	backend := &countingBackend{block: make(chan struct{})}
	manager := newTestManager(backend)

	ctx, cancel := context.WithCancel(context.Background())
	loaderDone := make(chan error, 1)
	go func() {
		loaderDone <- manager.EnsureReady(ctx)
	}()

	// Give the loader time to take ownership, then cancel it.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-loaderDone:
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Fatalf("loader error = %v, want ErrBackendUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loader did not return after cancellation")
	}

	// Waiters must observe the terminal failure, not hang.
	err := manager.EnsureReady(context.Background())
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("waiter error = %v, want ErrBackendUnavailable", err)
	}
}

func TestEmbedAfterReady(t *testing.T) {
	backend := &countingBackend{}
	manager := newTestManager(backend)

	fm := audio.Zero(4, 4)
	vec, err := manager.Embed(context.Background(), fm)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("vector length %d, want 8", len(vec))
	}
	// Warm-up plus one real call.
	if got := backend.embeds.Load(); got != 2 {
		t.Fatalf("embed call count %d, want 2", got)
	}
}

func TestMockBackendDeterministic(t *testing.T) {
	backend := NewMockBackend(16)
	fm := audio.Zero(4, 4)
	for i := range fm.Data {
		fm.Data[i] = float32(i) - 7.5
	}

	a, err := backend.Embed(context.Background(), fm)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := backend.Embed(context.Background(), fm)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("mock backend not deterministic at %d", i)
		}
	}
}
