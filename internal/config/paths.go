package config

import (
	"os"
	"path/filepath"
)

const appDir = "capturer"

// XDGConfigHome returns the XDG config home or a default fallback.
func XDGConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".config")
}

// XDGDataHome returns the XDG data home or a default fallback.
func XDGDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".local", "share")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	if v := os.Getenv("CAPTURER_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(XDGConfigHome(), appDir, "config.yaml")
}

// DefaultReportsDir is where exported reports are written.
func DefaultReportsDir() string {
	return filepath.Join(XDGDataHome(), appDir, "reports")
}

// DefaultHistoryPath is the SQLite history database.
func DefaultHistoryPath() string {
	return filepath.Join(XDGDataHome(), appDir, "history.db")
}

// DefaultTokenPath is the stored Gmail OAuth token.
func DefaultTokenPath() string {
	return filepath.Join(XDGConfigHome(), appDir, "gmail_token.json")
}

// DefaultSaltPath holds the salt used to derive a key from a passphrase.
func DefaultSaltPath() string {
	return filepath.Join(XDGConfigHome(), appDir, "salt")
}
