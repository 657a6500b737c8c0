package auth

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mkalpine/codeassist-relay/internal/config"
	"github.com/mkalpine/codeassist-relay/internal/utils"

	_ "modernc.org/sqlite" // SQLite driver
)

// LocalAuthStatus is the login state the editor persists in its state db.
type LocalAuthStatus struct {
	APIKey string `json:"apiKey"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// ReadLocalAuthStatus reads the editor's auth status from its SQLite state
// database. The CLI uses this to import an initial account. The db is opened
// through modernc.org/sqlite so the relay builds without CGO on every
// platform.
func ReadLocalAuthStatus(dbPath string) (*LocalAuthStatus, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure the editor is installed and you are logged in", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query database: %w", err)
	}

	var status LocalAuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}
	if status.APIKey == "" {
		return nil, fmt.Errorf("auth data missing apiKey field")
	}
	return &status, nil
}

// IsLocalDatabaseAccessible checks whether the editor state db can be opened.
func IsLocalDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] Failed to open: %v", err)
		return false
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		utils.Debug("[Database] Failed to ping: %v", err)
		return false
	}
	return true
}
