package firewall

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/types"
)

// Store persists the full rule set.
type Store interface {
	Load() ([]types.Rule, error)
	Save(rules []types.Rule) error
}

// FileStore keeps rules as an ordered JSON array in one file. Writes go to a
// temporary file that is renamed over the old one.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns no rules and no error when the file does not exist yet.
func (s *FileStore) Load() ([]types.Rule, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file %s: %w", s.path, err)
	}
	var rules []types.Rule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", s.path, err)
	}
	return rules, nil
}

func (s *FileStore) Save(rules []types.Rule) error {
	if rules == nil {
		rules = []types.Rule{}
	}
	raw, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create rules directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp rules file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write rules: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace rules file: %w", err)
	}
	return nil
}

// MemoryStore keeps rules in process only. Used for offline replays.
type MemoryStore struct {
	mu    sync.Mutex
	rules []types.Rule
}

func NewMemoryStore(rules []types.Rule) *MemoryStore {
	return &MemoryStore{rules: append([]types.Rule(nil), rules...)}
}

func (s *MemoryStore) Load() ([]types.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Rule(nil), s.rules...), nil
}

func (s *MemoryStore) Save(rules []types.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append([]types.Rule(nil), rules...)
	return nil
}
