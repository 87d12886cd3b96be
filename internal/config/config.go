// Package config handles configuration loading, validation, and management
// for encounterd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Identity configuration for the device secret and display name.
	Identity IdentityConfig `toml:"identity" json:"identity" yaml:"identity"`

	// Radio configuration for the discovery backend.
	Radio RadioConfig `toml:"radio" json:"radio" yaml:"radio"`

	// Discovery configuration for presence tracking.
	Discovery DiscoveryConfig `toml:"discovery" json:"discovery" yaml:"discovery"`

	// Storage configuration for the interaction ledger.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Sync configuration for the remote interaction store.
	Sync SyncConfig `toml:"sync" json:"sync" yaml:"sync"`

	// Retention configuration for data expiry.
	Retention RetentionConfig `toml:"retention" json:"retention" yaml:"retention"`

	// Report configuration for notification windows.
	Report ReportConfig `toml:"report" json:"report" yaml:"report"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// IPC configuration for inter-process communication.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`
}

// IdentityConfig holds device identity configuration.
type IdentityConfig struct {
	// KeyPath is the path to the device secret file.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// DisplayName is the human-readable name other devices see.
	DisplayName string `toml:"display_name" json:"display_name" yaml:"display_name"`
}

// RadioConfig holds discovery backend configuration.
type RadioConfig struct {
	// Backend selects the radio implementation: "mdns", "bluez", or "mock".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// MDNS configuration.
	MDNS MDNSConfig `toml:"mdns" json:"mdns" yaml:"mdns"`

	// BlueZ configuration (Linux only).
	BlueZ BlueZConfig `toml:"bluez" json:"bluez" yaml:"bluez"`
}

// MDNSConfig holds mDNS backend configuration.
type MDNSConfig struct {
	// Port announced in the mDNS service record.
	Port int `toml:"port" json:"port" yaml:"port"`
}

// BlueZConfig holds BlueZ backend configuration.
type BlueZConfig struct {
	// Adapter is the Bluetooth adapter name (e.g. "hci0").
	Adapter string `toml:"adapter" json:"adapter" yaml:"adapter"`
}

// DiscoveryConfig holds presence tracking configuration.
type DiscoveryConfig struct {
	// StaleAfterSec is how long a peer stays visible without a fresh
	// sighting, in seconds.
	StaleAfterSec int `toml:"stale_after_sec" json:"stale_after_sec" yaml:"stale_after_sec"`

	// EvictIntervalSec is how often stale peers are physically removed,
	// in seconds.
	EvictIntervalSec int `toml:"evict_interval_sec" json:"evict_interval_sec" yaml:"evict_interval_sec"`

	// ScanBuffer sizes the sighting channel between the radio and the
	// presence store.
	ScanBuffer int `toml:"scan_buffer" json:"scan_buffer" yaml:"scan_buffer"`
}

// StorageConfig holds interaction ledger configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// SyncConfig holds remote store configuration.
type SyncConfig struct {
	// Backend selects the remote store: "http", "dynamodb", or "memory".
	Backend string `toml:"backend" json:"backend" yaml:"backend"`

	// QueueSize bounds the opportunistic sync submission queue.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// RatePerMin budgets opportunistic pushes per minute.
	RatePerMin int `toml:"rate_per_min" json:"rate_per_min" yaml:"rate_per_min"`

	// Burst allows short bursts above the per-minute rate.
	Burst int `toml:"burst" json:"burst" yaml:"burst"`

	// HTTP backend configuration.
	HTTP HTTPSyncConfig `toml:"http" json:"http" yaml:"http"`

	// Dynamo backend configuration.
	Dynamo DynamoSyncConfig `toml:"dynamo" json:"dynamo" yaml:"dynamo"`

	// Breaker configuration for the circuit breaker around the backend.
	Breaker BreakerSyncConfig `toml:"breaker" json:"breaker" yaml:"breaker"`
}

// HTTPSyncConfig holds HTTP backend configuration.
type HTTPSyncConfig struct {
	// Endpoints to try in order. The first that accepts wins.
	Endpoints []string `toml:"endpoints" json:"endpoints" yaml:"endpoints"`

	// TimeoutSec is the per-request timeout in seconds.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`

	// APIKey authenticates pushes (use env var ENCOUNTERD_SYNC_API_KEY).
	APIKey string `toml:"api_key" json:"api_key" yaml:"api_key"`
}

// DynamoSyncConfig holds DynamoDB backend configuration.
type DynamoSyncConfig struct {
	// Table is the DynamoDB table name.
	Table string `toml:"table" json:"table" yaml:"table"`

	// Region overrides the ambient AWS region when set.
	Region string `toml:"region" json:"region" yaml:"region"`
}

// BreakerSyncConfig holds circuit breaker configuration.
type BreakerSyncConfig struct {
	// MaxFailures is the number of consecutive failures before the
	// circuit opens.
	MaxFailures int `toml:"max_failures" json:"max_failures" yaml:"max_failures"`

	// OpenForSec is how long the circuit stays open before a trial
	// request is allowed, in seconds.
	OpenForSec int `toml:"open_for_sec" json:"open_for_sec" yaml:"open_for_sec"`
}

// RetentionConfig holds data expiry configuration.
type RetentionConfig struct {
	// Days is how long interaction records are kept.
	Days int `toml:"days" json:"days" yaml:"days"`

	// SweepSchedule is the cron expression for the retention sweep.
	SweepSchedule string `toml:"sweep_schedule" json:"sweep_schedule" yaml:"sweep_schedule"`
}

// ReportConfig holds notification window configuration.
type ReportConfig struct {
	// DefaultDays is the incubation period assumed for conditions not in
	// the built-in table.
	DefaultDays int `toml:"default_days" json:"default_days" yaml:"default_days"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether the IPC server is started.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// SocketPath is the path to the Unix socket (or named pipe on Windows).
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the connection timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := EncounterdDir()

	return &Config{
		Version: Version,
		Identity: IdentityConfig{
			KeyPath:     filepath.Join(dir, "device.key"),
			DisplayName: defaultDisplayName(),
		},
		Radio: RadioConfig{
			Backend: defaultRadioBackend(),
			MDNS: MDNSConfig{
				Port: 5670,
			},
			BlueZ: BlueZConfig{
				Adapter: "hci0",
			},
		},
		Discovery: DiscoveryConfig{
			StaleAfterSec:    30,
			EvictIntervalSec: 5,
			ScanBuffer:       64,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(dir, "encounters.db"),
			BusyTimeoutMs: 5000,
		},
		Sync: SyncConfig{
			Backend:    "memory",
			QueueSize:  64,
			RatePerMin: 30,
			Burst:      5,
			HTTP: HTTPSyncConfig{
				Endpoints:  []string{},
				TimeoutSec: 30,
			},
			Dynamo: DynamoSyncConfig{
				Table: "encounter-interactions",
			},
			Breaker: BreakerSyncConfig{
				MaxFailures: 5,
				OpenForSec:  30,
			},
		},
		Retention: RetentionConfig{
			Days:          180,
			SweepSchedule: "0 3 * * *",
		},
		Report: ReportConfig{
			DefaultDays: 14,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "encounterd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     defaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 10,
			TimeoutSec:     30,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(EncounterdDir(), "config.toml")
}

// Load reads configuration from the specified path. If the file doesn't
// exist, returns default configuration. Supports TOML, JSON, and YAML
// formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Identity.KeyPath),
		filepath.Dir(c.Logging.FilePath),
	}
	if c.IPC.SocketPath != "" && runtime.GOOS != "windows" {
		dirs = append(dirs, filepath.Dir(c.IPC.SocketPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// EncounterdDir returns the base encounterd directory. Uses platform-specific
// paths or the ENCOUNTERD_DATA_DIR environment override.
func EncounterdDir() string {
	if envDir := os.Getenv("ENCOUNTERD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables are prefixed with ENCOUNTERD_.
func (c *Config) ApplyEnvOverrides() {
	// Identity overrides
	if v := os.Getenv("ENCOUNTERD_KEY_PATH"); v != "" {
		c.Identity.KeyPath = v
	}
	if v := os.Getenv("ENCOUNTERD_DISPLAY_NAME"); v != "" {
		c.Identity.DisplayName = v
	}

	// Radio overrides
	if v := os.Getenv("ENCOUNTERD_RADIO_BACKEND"); v != "" {
		c.Radio.Backend = v
	}

	// Storage overrides
	if v := os.Getenv("ENCOUNTERD_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Sync overrides (credentials come from env, never the config file)
	if v := os.Getenv("ENCOUNTERD_SYNC_API_KEY"); v != "" {
		c.Sync.HTTP.APIKey = v
	}
	if v := os.Getenv("ENCOUNTERD_DYNAMO_TABLE"); v != "" {
		c.Sync.Dynamo.Table = v
	}

	// Logging overrides
	if v := os.Getenv("ENCOUNTERD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ENCOUNTERD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// IPC overrides
	if v := os.Getenv("ENCOUNTERD_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c

	// Deep copy slices
	clone.Sync.HTTP.Endpoints = append([]string{}, c.Sync.HTTP.Endpoints...)

	return &clone
}

// Helper functions

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "encounter-device"
}

func defaultRadioBackend() string {
	// BlueZ only exists on Linux; mDNS works everywhere.
	if runtime.GOOS == "linux" {
		return "bluez"
	}
	return "mdns"
}

func defaultSocketPath() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(os.Getenv("HOME"), "Library", "Application Support", "encounterd", "encounterd.sock")
	case "linux":
		// Prefer XDG_RUNTIME_DIR
		if xdgRuntime := os.Getenv("XDG_RUNTIME_DIR"); xdgRuntime != "" {
			return filepath.Join(xdgRuntime, "encounterd.sock")
		}
		return "/tmp/encounterd.sock"
	case "windows":
		return `\\.\pipe\encounterd`
	default:
		return "/tmp/encounterd.sock"
	}
}
