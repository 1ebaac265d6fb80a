package auditstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyvox-labs/keyvox-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenDisabled(t *testing.T) {
	cfg := config.AuditConfig{Enabled: false}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Record(context.Background(), Attempt{Username: "a", Kind: "verify", Outcome: "ok"}); err != nil {
		t.Fatalf("record on disabled store: %v", err)
	}
}

func TestRecordAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Enabled: true, Path: filepath.Join(tmp, "audit.db")}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	if err := s.Record(ctx, Attempt{RequestID: "r1", Username: "alice", Kind: "enroll", Outcome: "ok"}); err != nil {
		t.Fatalf("record enroll: %v", err)
	}
	if err := s.Record(ctx, Attempt{RequestID: "r2", Username: "alice", Kind: "verify", Outcome: "rejected", Score: 0.42}); err != nil {
		t.Fatalf("record verify: %v", err)
	}
	if err := s.Record(ctx, Attempt{RequestID: "r3", Username: "bob", Kind: "register", Outcome: "ok"}); err != nil {
		t.Fatalf("record register: %v", err)
	}

	attempts, err := s.ListUserAttempts(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[1].Kind != "verify" || attempts[1].Score != 0.42 {
		t.Fatalf("unexpected attempt %+v", attempts[1])
	}
}

func TestPruneByDays(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.AuditConfig{Enabled: true, Path: filepath.Join(tmp, "audit.db"), RetentionDays: 1}
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.Record(ctx, Attempt{Username: "old", Kind: "verify", Outcome: "ok"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.Record(ctx, Attempt{Username: "new", Kind: "verify", Outcome: "ok"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := s.ListUserAttempts(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatal("expected old attempts pruned")
	}
	recent, err := s.ListUserAttempts(ctx, "new", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected recent attempt kept, got %d", len(recent))
	}
}
