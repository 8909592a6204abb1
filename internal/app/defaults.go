package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - CARDSHELF_CONFIG_PATH: config file location (default: ~/.config/cardshelf.toml)
//   - CARDSHELF_HOME: base directory for data (default: ~/.local/share/cardshelf)
func GetDefaults() (map[string]string, error) {
	configPath, err := envOrHome("CARDSHELF_CONFIG_PATH", ".config", "cardshelf.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := envOrHome("CARDSHELF_HOME", ".local", "share", "cardshelf")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func envOrHome(env string, elem ...string) (string, error) {
	if path := os.Getenv(env); path != "" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{homeDir}, elem...)...), nil
}
