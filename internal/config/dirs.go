package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// appDirName is the subdirectory every platform directory is namespaced
// under, e.g. "<state-dir>/mcp-hub".
const appDirName = "mcp-hub"

// StateDir returns the platform state directory for mcp-hub (workspace
// cache, logs), honoring XDG_STATE_HOME with a legacy ~/.mcp-hub fallback.
func StateDir() string {
	if legacy := legacyDir(); legacy != "" {
		return legacy
	}
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appDirName)
	}
	return filepath.Join(homeFallback(), ".local", "state", appDirName)
}

// DataDir returns the platform data directory for mcp-hub (OAuth token
// storage), honoring XDG_DATA_HOME with a legacy ~/.mcp-hub fallback.
func DataDir() string {
	if legacy := legacyDir(); legacy != "" {
		return legacy
	}
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appDirName)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(homeFallback(), "Library", "Application Support", appDirName)
	}
	return filepath.Join(homeFallback(), ".local", "share", appDirName)
}

// CacheDir returns the platform cache directory for mcp-hub (marketplace
// cache, maintained by an external collaborator), honoring XDG_CACHE_HOME
// with a legacy ~/.mcp-hub fallback.
func CacheDir() string {
	if legacy := legacyDir(); legacy != "" {
		return legacy
	}
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, appDirName)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(homeFallback(), "Library", "Caches", appDirName)
	}
	return filepath.Join(homeFallback(), ".cache", appDirName)
}

// legacyDir returns ~/.mcp-hub if it already exists, for backward
// compatibility with installs predating XDG support. Returns "" otherwise.
func legacyDir() string {
	home := homeFallback()
	if home == "" {
		return ""
	}
	legacy := filepath.Join(home, "."+appDirName)
	if info, err := os.Stat(legacy); err == nil && info.IsDir() {
		return legacy
	}
	return ""
}

func homeFallback() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
