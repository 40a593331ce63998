package infra

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	AppName = "papertrade"
)

// GetWorkspaceDir returns the root directory for all runtime data.
// A local "_workspace" directory takes priority (portable/dev mode);
// otherwise the OS-standard data directory is used.
func GetWorkspaceDir() string {
	localDir := "_workspace"
	if info, err := os.Stat(localDir); err == nil && info.IsDir() {
		abs, err := filepath.Abs(localDir)
		if err == nil {
			return abs
		}
	}

	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
	case "darwin":
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, "Library", "Application Support", AppName)
		}
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName)
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", AppName)
		}
	}

	return filepath.Join(".", "_workspace")
}

// ResolveConfigPath returns the config file path: PAPERTRADE_CONFIG if
// set, else config.yaml in the working directory.
func ResolveConfigPath() string {
	if p := os.Getenv("PAPERTRADE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}
