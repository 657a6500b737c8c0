package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mkalpine/codeassist-relay/internal/config"
)

// accountsFile is the on-disk shape of accounts.json.
type accountsFile struct {
	Accounts []*Account       `json:"accounts"`
	Settings *config.Settings `json:"settings,omitempty"`
}

// Store persists the account registry to a JSON file. Saves are serialized
// and written via temp-file + rename so concurrent readers never observe a
// torn file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store for the given path. An empty path uses the
// default config location.
func NewStore(path string) *Store {
	if path == "" {
		path = config.AccountConfigPath
	}
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the accounts file. A missing file is not an error; it yields an
// empty registry.
func (s *Store) Load() ([]*Account, *config.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Account{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read accounts file: %w", err)
	}

	var file accountsFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	if file.Accounts == nil {
		file.Accounts = []*Account{}
	}
	return file.Accounts, file.Settings, nil
}

// Save writes the registry atomically.
func (s *Store) Save(accounts []*Account, settings *config.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(accountsFile{Accounts: accounts, Settings: settings}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize accounts: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".accounts-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write accounts: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace accounts file: %w", err)
	}
	return nil
}
