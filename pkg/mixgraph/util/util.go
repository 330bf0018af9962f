package util

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	return c
}

// ConfigHome returns $XDG_CONFIG_HOME, falling back to ~/.config
func ConfigHome() string {
	return xdgDir("XDG_CONFIG_HOME", ".config")
}

// StateHome returns $XDG_STATE_HOME, falling back to ~/.local/state
func StateHome() string {
	return xdgDir("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// DataHome returns $XDG_DATA_HOME, falling back to ~/.local/share
func DataHome() string {
	return xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); filepath.IsAbs(dir) {
		return dir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}
