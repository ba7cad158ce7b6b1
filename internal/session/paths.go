package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.weft. WEFT_HOME overrides it.
func BaseDir() string {
	if dir := os.Getenv("WEFT_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".weft")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path of the control API.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "weftd.sock")
}

// DBPath returns the sqlite database holding the offline queue, its
// attachment blobs and thread preferences.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "weft.db")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "weftd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
