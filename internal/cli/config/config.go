package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config controls which agent server is managed, where it lives on the
// device, and how the elevated shell and release feed are reached.
type Config struct {
	// Repo is the owner/name of the release feed repository.
	Repo string `yaml:"repo"`
	// APIBase is the base URL of the release feed API.
	APIBase string `yaml:"apiBase"`
	// AssetPrefix filters feed assets by name prefix.
	AssetPrefix string `yaml:"assetPrefix"`
	// BinaryName is the process name of the agent server.
	BinaryName string `yaml:"binaryName"`
	// ServerPath is the privileged install path of the binary.
	ServerPath string `yaml:"serverPath"`
	// VersionPath is the marker file holding the installed version string.
	VersionPath string `yaml:"versionPath"`
	// SuCommand launches the elevated shell ("su" unless overridden).
	SuCommand string   `yaml:"suCommand"`
	SuArgs    []string `yaml:"suArgs"`
	// UsePTY runs the elevated shell on a pseudo-terminal; some su
	// implementations refuse to run without one.
	UsePTY bool `yaml:"usePTY"`

	HTTPTimeoutSeconds    int `yaml:"httpTimeoutSeconds"`
	CommandTimeoutSeconds int `yaml:"commandTimeoutSeconds"`
	SettleMs              int `yaml:"settleMs"`

	// LogFile receives a structured copy of the log stream when set.
	LogFile string `yaml:"logFile"`
}

// Default returns the configuration for a stock frida-server deployment.
func Default() *Config {
	return &Config{
		Repo:                  "frida/frida",
		APIBase:               "https://api.github.com",
		AssetPrefix:           "frida-server",
		BinaryName:            "frida-server",
		ServerPath:            "/data/local/tmp/frida-server",
		VersionPath:           "/data/local/tmp/frida-server.version",
		SuCommand:             "su",
		HTTPTimeoutSeconds:    30,
		CommandTimeoutSeconds: 20,
		SettleMs:              800,
	}
}

// Load decodes the config file and fills unset fields with defaults.
// Missing files return the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.BinaryName) == "" {
		return fmt.Errorf("binaryName is required")
	}
	if !filepath.IsAbs(c.ServerPath) {
		return fmt.Errorf("serverPath must be absolute: %q", c.ServerPath)
	}
	if !filepath.IsAbs(c.VersionPath) {
		return fmt.Errorf("versionPath must be absolute: %q", c.VersionPath)
	}
	if !strings.Contains(c.Repo, "/") {
		return fmt.Errorf("repo must be owner/name: %q", c.Repo)
	}
	return nil
}

func (c *Config) HTTPTimeout() time.Duration {
	if c.HTTPTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	if c.CommandTimeoutSeconds <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

func (c *Config) Settle() time.Duration {
	if c.SettleMs <= 0 {
		return 800 * time.Millisecond
	}
	return time.Duration(c.SettleMs) * time.Millisecond
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
