package credstore

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keyvox-labs/keyvox-core/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.StoreConfig{
		UsersPath:     filepath.Join(dir, "users.json"),
		VoiceprintDir: filepath.Join(dir, "voiceprints"),
		RecordingsDir: filepath.Join(dir, "recordings"),
		TempDir:       filepath.Join(dir, "temp"),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := Open(cfg, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestMissingTableReadsEmpty(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.Get("nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ok {
		t.Fatal("expected no account in a fresh store")
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	acct := Account{FullName: "Alice Smith", Email: "alice@example.com", PasswordHash: HashPassword("hunter2")}
	if err := store.Create("Alice", acct); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, ok, err := store.Get("alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok {
		t.Fatal("expected account under lower-cased key")
	}
	if got.FullName != "Alice Smith" {
		t.Fatalf("unexpected account: %+v", got)
	}
	if got.VoiceprintRef != "" {
		t.Fatal("new accounts must not carry a voiceprint ref")
	}
}

func TestCreateRejectsCaseInsensitiveDuplicate(t *testing.T) {
	store := newTestStore(t)
	if err := store.Create("Alice", Account{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create("alice", Account{}); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
	if err := store.Create("ALICE", Account{}); !errors.Is(err, ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}
}

func TestSetVoiceprintRef(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetVoiceprintRef("ghost", "ghost.vp"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}

	if err := store.Create("bob", Account{PasswordHash: HashPassword("pw")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetVoiceprintRef("Bob", "bob.vp"); err != nil {
		t.Fatalf("set ref: %v", err)
	}
	acct, _, err := store.Get("bob")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acct.VoiceprintRef != "bob.vp" {
		t.Fatalf("ref = %q, want bob.vp", acct.VoiceprintRef)
	}
}

func TestVoiceprintRoundTrip(t *testing.T) {
	store := newTestStore(t)
	vec := []float32{0.25, -0.5, 0.75, 1}

	ref, err := store.SaveVoiceprint("Carol", vec)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ref != "carol.vp" {
		t.Fatalf("ref = %q, want carol.vp", ref)
	}
	if !store.HasVoiceprint(ref) {
		t.Fatal("expected voiceprint file present")
	}

	got, err := store.LoadVoiceprint(ref)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("got %d values, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Fatalf("value %d = %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestLoadVoiceprintMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.LoadVoiceprint("nope.vp"); !errors.Is(err, ErrVoiceprintNotFound) {
		t.Fatalf("expected ErrVoiceprintNotFound, got %v", err)
	}
	if store.HasVoiceprint("nope.vp") {
		t.Fatal("expected missing voiceprint")
	}
}

func TestReEnrollOverwrites(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.SaveVoiceprint("dave", []float32{1, 0}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	ref, err := store.SaveVoiceprint("dave", []float32{0, 1})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := store.LoadVoiceprint(ref)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got[0] != 0 || got[1] != 1 {
		t.Fatalf("expected overwritten voiceprint, got %v", got)
	}
}

func TestTempAudioPathsDoNotCollide(t *testing.T) {
	store := newTestStore(t)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p := store.TempAudioPath("verify", "Eve")
		if seen[p] {
			t.Fatalf("duplicate temp path %s", p)
		}
		seen[p] = true
	}
}

func TestArchiveRecording(t *testing.T) {
	store := newTestStore(t)
	path, err := store.ArchiveRecording("frank", "enroll", []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if string(data) != "RIFFdata" {
		t.Fatalf("unexpected archive contents %q", data)
	}
}

func TestHashPasswordIsStableHex(t *testing.T) {
	h := HashPassword("correct horse battery staple")
	if len(h) != 64 {
		t.Fatalf("digest length %d, want 64 hex chars", len(h))
	}
	if h != HashPassword("correct horse battery staple") {
		t.Fatal("digest must be deterministic")
	}
	if h == HashPassword("other") {
		t.Fatal("different passwords must not collide trivially")
	}
}

func TestConcurrentSaveVoiceprintNeverTearsFile(t *testing.T) {
	store := newTestStore(t)

	const writers = 16
	const dim = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			vec := make([]float32, dim)
			for j := range vec {
				vec[j] = float32(n)
			}
			if _, err := store.SaveVoiceprint("alice", vec); err != nil {
				t.Errorf("save voiceprint: %v", err)
			}
		}(i)
	}
	wg.Wait()

	vec, err := store.LoadVoiceprint(VoiceprintRef("alice"))
	if err != nil {
		t.Fatalf("load after concurrent saves: %v", err)
	}
	if len(vec) != dim {
		t.Fatalf("voiceprint has %d values, want %d", len(vec), dim)
	}
	// The surviving file must be exactly one writer's vector, never a blend.
	for _, v := range vec {
		if v != vec[0] {
			t.Fatalf("voiceprint mixes writers: %v", vec)
		}
	}

	entries, err := os.ReadDir(store.cfg.VoiceprintDir)
	if err != nil {
		t.Fatalf("read voiceprint dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("voiceprint dir has %d entries, want only the voiceprint", len(entries))
	}
}
