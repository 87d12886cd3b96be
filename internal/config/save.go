// Package config handles configuration loading, validation, and management
// for encounterd.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveConfig saves the configuration to a file. The format follows the file
// extension; TOML is the default.
func SaveConfig(cfg *Config, path string) error {
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data = []byte(generateTOML(cfg))
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# encounterd configuration
# Version %d

version = %d

[identity]
key_path = "%s"
display_name = "%s"

[radio]
backend = "%s"

[radio.mdns]
port = %d

[radio.bluez]
adapter = "%s"

[discovery]
stale_after_sec = %d
evict_interval_sec = %d
scan_buffer = %d

[storage]
path = "%s"
busy_timeout_ms = %d

[sync]
backend = "%s"
queue_size = %d
rate_per_min = %d
burst = %d

[sync.http]
endpoints = %s
timeout_sec = %d
# api_key = "" # Use ENCOUNTERD_SYNC_API_KEY env var

[sync.dynamo]
table = "%s"
region = "%s"

[sync.breaker]
max_failures = %d
open_for_sec = %d

[retention]
days = %d
sweep_schedule = "%s"

[report]
default_days = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[ipc]
enabled = %t
socket_path = "%s"
permissions = "%s"
max_connections = %d
timeout_sec = %d
`,
		Version,
		cfg.Version,
		cfg.Identity.KeyPath,
		cfg.Identity.DisplayName,
		cfg.Radio.Backend,
		cfg.Radio.MDNS.Port,
		cfg.Radio.BlueZ.Adapter,
		cfg.Discovery.StaleAfterSec,
		cfg.Discovery.EvictIntervalSec,
		cfg.Discovery.ScanBuffer,
		cfg.Storage.Path,
		cfg.Storage.BusyTimeoutMs,
		cfg.Sync.Backend,
		cfg.Sync.QueueSize,
		cfg.Sync.RatePerMin,
		cfg.Sync.Burst,
		toTOMLArray(cfg.Sync.HTTP.Endpoints),
		cfg.Sync.HTTP.TimeoutSec,
		cfg.Sync.Dynamo.Table,
		cfg.Sync.Dynamo.Region,
		cfg.Sync.Breaker.MaxFailures,
		cfg.Sync.Breaker.OpenForSec,
		cfg.Retention.Days,
		cfg.Retention.SweepSchedule,
		cfg.Report.DefaultDays,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.IPC.Enabled,
		cfg.IPC.SocketPath,
		cfg.IPC.Permissions,
		cfg.IPC.MaxConnections,
		cfg.IPC.TimeoutSec,
	)
}

func toTOMLArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf("%q", item)
	}
	result += "]"
	return result
}
