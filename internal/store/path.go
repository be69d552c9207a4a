package store

import (
	"os"
	"path/filepath"
)

// DefaultDataRoot returns the root directory for driftsync data.
// Defaults to ~/.driftsync, falls back to ./.driftsync if the home
// directory is unavailable.
func DefaultDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".driftsync")
	}
	return filepath.Join(home, ".driftsync")
}

// DefaultDBPath returns the default path to the local ledger database.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataRoot(), "ledger.db")
}
