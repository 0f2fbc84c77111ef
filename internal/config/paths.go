package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "mirror-to-onedrive"

// EnvConfigPath overrides the config file location when set.
const EnvConfigPath = "MIRROR_TO_ONEDRIVE_CONFIG"

// File names inside the config and data directories.
const (
	configFileName  = "config.toml"
	tokenFileName   = "token.json"
	catalogFileName = "catalog.db"
	lockFileName    = "service.lock"
)

// dataDirPerms is used when creating the data directory.
const dataDirPerms = 0o700

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/mirror-to-onedrive).
// On macOS, uses ~/Library/Application Support/mirror-to-onedrive per Apple
// guidelines. Other platforms fall back to ~/.config/mirror-to-onedrive.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxConfigDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// linuxConfigDir returns the XDG-compliant config directory for Linux.
func linuxConfigDir(home string) string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".config", appName)
}

// DefaultDataDir returns the platform-specific directory for application
// data (the catalog database, the token file, the service lock).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/mirror-to-onedrive).
// On macOS, uses ~/Library/Application Support/mirror-to-onedrive (macOS
// convention collapses config and data into one directory).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return linuxDataDir(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// linuxDataDir returns the XDG-compliant data directory for Linux.
func linuxDataDir(home string) string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return filepath.Join(home, ".local", "share", appName)
}

// ConfigPath resolves the config file location: the MIRROR_TO_ONEDRIVE_CONFIG
// environment variable wins, then the platform default.
func ConfigPath() string {
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}

	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// TokenPath returns the location of the saved OAuth2 token.
func TokenPath() string {
	return filepath.Join(DefaultDataDir(), tokenFileName)
}

// CatalogPath returns the location of the catalog database.
func CatalogPath() string {
	return filepath.Join(DefaultDataDir(), catalogFileName)
}

// LockPath returns the location of the single-instance service lock.
func LockPath() string {
	return filepath.Join(DefaultDataDir(), lockFileName)
}

// EnsureDataDir creates the data directory with owner-only permissions.
// The token file and the catalog both live there.
func EnsureDataDir() error {
	dir := DefaultDataDir()
	if dir == "" {
		return fmt.Errorf("config: cannot resolve data directory (no home directory?)")
	}

	if err := os.MkdirAll(dir, dataDirPerms); err != nil {
		return fmt.Errorf("config: creating data directory %s: %w", dir, err)
	}

	return nil
}
