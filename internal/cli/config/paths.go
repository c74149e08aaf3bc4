package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("FRIDACTL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".fridactl")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}
