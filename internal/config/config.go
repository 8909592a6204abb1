package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for cardshelf.
type Config struct {
	BaseDir    string          `toml:"base_dir"`
	LogDir     string          `toml:"log_dir"`
	Library    LibraryConfig   `toml:"library"`
	Database   DatabaseConfig  `toml:"database"`
	Scan       ScanConfig      `toml:"scan"`
	Watcher    WatcherConfig   `toml:"watcher"`
	Server     ServerConfig    `toml:"server"`
	Thumbnails ThumbnailConfig `toml:"thumbnails"`
	Snapshot   SnapshotConfig  `toml:"snapshot"`
	Log        LogConfig       `toml:"log"`
}

// LibraryConfig holds the user-chosen cards folder. Empty means none.
type LibraryConfig struct {
	CardsFolderPath string `toml:"cards_folder_path"`
}

// DatabaseConfig represents configuration for the card index.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ScanConfig tunes the scan worker pool.
type ScanConfig struct {
	Concurrency int      `toml:"concurrency"`
	Ignore      []string `toml:"ignore"`
}

// WatcherConfig tunes the filesystem watcher, in milliseconds.
type WatcherConfig struct {
	DebounceMS  int `toml:"debounce_ms"`
	StabilityMS int `toml:"stability_ms"`
}

// ServerConfig holds the HTTP listen address for `serve`.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// ThumbnailConfig controls avatar thumbnail output.
type ThumbnailConfig struct {
	Dir   string `toml:"dir"`
	Width int    `toml:"width"`
}

// SnapshotConfig represents configuration for the snapshot vault.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SnapshotConfig struct {
	Type string `toml:"type"` // "filesystem", "s3", "memory", or "" (disabled)
	Name string `toml:"name"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket          string `toml:"s3_bucket,omitempty"`
	S3Prefix          string `toml:"s3_prefix,omitempty"`
	S3Region          string `toml:"s3_region,omitempty"`
	S3Endpoint        string `toml:"s3_endpoint,omitempty"`
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`

	Encrypt        bool   `toml:"encrypt"`
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// LogConfig controls log verbosity and file rotation.
type LogConfig struct {
	Level      string `toml:"level"` // debug, info, warn or error
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// NewConfig creates a new Config rooted at baseDir with defaults filled in.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Database: DatabaseConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Scan: ScanConfig{Concurrency: 5},
		Watcher: WatcherConfig{
			DebounceMS:  2000,
			StabilityMS: 1500,
		},
		Server: ServerConfig{Addr: "127.0.0.1:6969"},
		Thumbnails: ThumbnailConfig{
			Dir:   filepath.Join(baseDir, "thumbnails"),
			Width: 300,
		},
		Snapshot: SnapshotConfig{
			Name:           "cardshelf",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "cardshelf.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "cardshelf.key"),
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 10, MaxBackups: 3},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile replaces the file at path atomically.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cardshelf-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer os.Remove(tmp.Name())

	m := &Manager{}
	if err := m.Write(tmp, cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// FileSettings serves the cards folder setting straight from the config file,
// so edits made by another process are seen on the next call.
type FileSettings struct {
	path string
	mu   sync.Mutex
}

// NewFileSettings returns settings backed by the config file at path.
func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path}
}

// CardsFolderPath returns the configured cards folder, or "" when unset.
func (s *FileSettings) CardsFolderPath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := ReadFromFile(s.path)
	if err != nil {
		return "", err
	}
	return cfg.Library.CardsFolderPath, nil
}

// SetCardsFolderPath persists folder as the cards folder. "" clears it.
func (s *FileSettings) SetCardsFolderPath(folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := ReadFromFile(s.path)
	if err != nil {
		return err
	}
	cfg.Library.CardsFolderPath = folder
	return writeToFile(s.path, cfg)
}
