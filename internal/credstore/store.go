// Package credstore persists account records and voiceprints. The account
// table is one JSON document keyed by lower-cased username, read fully before
// any write and rewritten fully on any mutation. Voiceprints live one per
// file, independent of the table, so a missing voiceprint file and a missing
// table entry stay distinguishable.
package credstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/keyvox-labs/keyvox-core/internal/config"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrAccountNotFound = errors.New("account not found")
)

// Account is one user's stored record. VoiceprintRef is empty until the user
// enrolls; it names a file in the voiceprint directory, never a full path.
type Account struct {
	FullName      string `json:"full_name"`
	Email         string `json:"email"`
	PasswordHash  string `json:"password_hash"`
	VoiceprintRef string `json:"voiceprint_path,omitempty"`
}

// Store serializes all mutations behind one writer lock; reads may run
// concurrently when no mutation is in flight.
type Store struct {
	cfg   config.StoreConfig
	log   *slog.Logger
	mu    sync.RWMutex
	clock func() time.Time
}

func Open(cfg config.StoreConfig, log *slog.Logger) (*Store, error) {
	dirs := []string{
		filepath.Dir(cfg.UsersPath),
		cfg.VoiceprintDir,
		cfg.RecordingsDir,
		cfg.TempDir,
	}
	for _, dir := range dirs {
		if dir == "." || dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}
	return &Store{cfg: cfg, log: log, clock: time.Now}, nil
}

// Key normalizes a username into its storage key. All lookups and writes go
// through lower-cased keys, which is what makes registration case-insensitive.
func Key(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// Get returns the account for a username, reporting absence without error.
func (s *Store) Get(username string) (Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	table, err := s.readTable()
	if err != nil {
		return Account{}, false, err
	}
	acct, ok := table[Key(username)]
	return acct, ok, nil
}

// Create adds a new account, failing with ErrAccountExists on a duplicate key.
func (s *Store) Create(username string, acct Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.readTable()
	if err != nil {
		return err
	}
	key := Key(username)
	if _, ok := table[key]; ok {
		return ErrAccountExists
	}
	table[key] = acct
	return s.writeTable(table)
}

// SetVoiceprintRef updates only the voiceprint reference of an existing
// account.
func (s *Store) SetVoiceprintRef(username, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	table, err := s.readTable()
	if err != nil {
		return err
	}
	key := Key(username)
	acct, ok := table[key]
	if !ok {
		return ErrAccountNotFound
	}
	acct.VoiceprintRef = ref
	table[key] = acct
	return s.writeTable(table)
}

// readTable tolerates a missing or empty store as "no accounts yet".
func (s *Store) readTable() (map[string]Account, error) {
	data, err := os.ReadFile(s.cfg.UsersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Account{}, nil
		}
		return nil, fmt.Errorf("read account table: %w", err)
	}
	if len(data) == 0 {
		return map[string]Account{}, nil
	}
	var table map[string]Account
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("decode account table: %w", err)
	}
	if table == nil {
		table = map[string]Account{}
	}
	return table, nil
}

// writeTable rewrites the whole table atomically: a failed write leaves the
// previous table intact.
func (s *Store) writeTable(table map[string]Account) error {
	data, err := json.MarshalIndent(table, "", "    ")
	if err != nil {
		return fmt.Errorf("encode account table: %w", err)
	}
	tmp := s.cfg.UsersPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write account table: %w", err)
	}
	if err := os.Rename(tmp, s.cfg.UsersPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace account table: %w", err)
	}
	return nil
}

// HashPassword produces the fixed-length hex digest stored in the account
// table. The format is part of the persisted layout; do not change it without
// migrating existing tables.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
