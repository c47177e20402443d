package app

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	"sitesnap/internal/config"
)

// Environment variables that override the default locations.
const (
	EnvConfigPath = "SITESNAP_CONFIG_PATH"
	EnvHome       = "SITESNAP_HOME"
)

// Defaults holds the default locations for config and data.
type Defaults struct {
	ConfigPath string // default: ~/.config/sitesnap.toml
	BaseDir    string // default: ~/.local/share/sitesnap
}

// LogDir is where sitesnap.log is written unless log_dir is configured.
func (d Defaults) LogDir() string { return filepath.Join(d.BaseDir, "log") }

// GetDefaults returns application default paths, checking environment variables first.
func GetDefaults() (Defaults, error) {
	configPath, err := fromEnvOrHome(EnvConfigPath, ".config", "sitesnap.toml")
	if err != nil {
		return Defaults{}, err
	}
	baseDir, err := fromEnvOrHome(EnvHome, ".local", "share", "sitesnap")
	if err != nil {
		return Defaults{}, err
	}
	return Defaults{ConfigPath: configPath, BaseDir: baseDir}, nil
}

func fromEnvOrHome(env string, elem ...string) (string, error) {
	if p := os.Getenv(env); p != "" {
		return p, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}

// LoadConfig reads the config file at the default location.
func (d Defaults) LoadConfig() (*config.Config, error) {
	cfg, err := config.ReadFromFile(d.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.LogDir == "" {
		cfg.LogDir = d.LogDir()
	}
	return cfg, nil
}

// NewConfig returns a config with default paths. The author defaults to the
// current user's name.
func (d Defaults) NewConfig(author string) *config.Config {
	if author == "" {
		if u, err := user.Current(); err == nil {
			author = u.Username
		}
	}
	return config.NewConfig(author, d.BaseDir)
}
