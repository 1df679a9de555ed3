package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "xccmsync"

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/xccmsync/
//   - Linux:   ~/.local/share/xccmsync/
//   - Windows: %APPDATA%\xccmsync\
//
// Falls back to ~/.xccmsync if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDir("Application Support")
	case "linux":
		return xdgDir("XDG_DATA_HOME", ".local", "share")
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return fallbackDataDir()
	}
}

// PlatformConfigDir returns the platform-specific config directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/xccmsync/
//   - Linux:   ~/.config/xccmsync/
//   - Windows: %APPDATA%\xccmsync\
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDir("Application Support")
	case "linux":
		return xdgDir("XDG_CONFIG_HOME", ".config")
	case "windows":
		return windowsDir("APPDATA", "Roaming")
	default:
		return fallbackDataDir()
	}
}

// PlatformLogDir returns the platform-specific log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/xccmsync/
//   - Linux:   ~/.local/state/xccmsync/
//   - Windows: %LOCALAPPDATA%\xccmsync\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return macOSDir("Logs")
	case "linux":
		return xdgDir("XDG_STATE_HOME", ".local", "state")
	case "windows":
		return filepath.Join(windowsDir("LOCALAPPDATA", "Local"), "logs")
	default:
		return filepath.Join(fallbackDataDir(), "logs")
	}
}

func macOSDir(kind string) string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, "Library", kind, appName)
}

// xdgDir follows the XDG Base Directory Specification.
func xdgDir(env string, fallback ...string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(append(append([]string{home}, fallback...), appName)...)
}

func windowsDir(env, sub string) string {
	if base := os.Getenv(env); base != "" {
		return filepath.Join(base, appName)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "AppData", sub, appName)
}

func fallbackDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+appName)
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in standard locations.
// Returns the path to the first found config file, or empty string if none found.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
