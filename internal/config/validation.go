// Package config handles configuration loading, validation, and management
// for encounterd.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
)

// MaxDisplayNameLen bounds the advertised display name. Longer names do not
// fit the advertisement payload alongside the id hash.
const MaxDisplayNameLen = 64

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if identityErrs := validateIdentity(&c.Identity); len(identityErrs) > 0 {
		errs = append(errs, identityErrs...)
	}

	if radioErrs := validateRadio(&c.Radio); len(radioErrs) > 0 {
		errs = append(errs, radioErrs...)
	}

	if discoveryErrs := validateDiscovery(&c.Discovery); len(discoveryErrs) > 0 {
		errs = append(errs, discoveryErrs...)
	}

	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	if syncErrs := validateSync(&c.Sync); len(syncErrs) > 0 {
		errs = append(errs, syncErrs...)
	}

	if retentionErrs := validateRetention(&c.Retention); len(retentionErrs) > 0 {
		errs = append(errs, retentionErrs...)
	}

	if reportErrs := validateReport(&c.Report); len(reportErrs) > 0 {
		errs = append(errs, reportErrs...)
	}

	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	if ipcErrs := validateIPC(&c.IPC); len(ipcErrs) > 0 {
		errs = append(errs, ipcErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateIdentity(i *IdentityConfig) ValidationErrors {
	var errs ValidationErrors

	if i.KeyPath == "" {
		errs = append(errs, ValidationError{
			Field:   "identity.key_path",
			Message: "device key path is required",
		})
	}

	if utf8.RuneCountInString(i.DisplayName) > MaxDisplayNameLen {
		errs = append(errs, ValidationError{
			Field:   "identity.display_name",
			Message: fmt.Sprintf("display name cannot exceed %d characters", MaxDisplayNameLen),
		})
	}

	return errs
}

func validateRadio(r *RadioConfig) ValidationErrors {
	var errs ValidationErrors

	switch r.Backend {
	case "mdns", "bluez", "mock":
		// Valid backends
	default:
		errs = append(errs, ValidationError{
			Field:   "radio.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: mdns, bluez, mock)", r.Backend),
		})
	}

	if r.Backend == "mdns" {
		if r.MDNS.Port < 1 || r.MDNS.Port > 65535 {
			errs = append(errs, ValidationError{
				Field:   "radio.mdns.port",
				Message: fmt.Sprintf("port must be 1-65535, got %d", r.MDNS.Port),
			})
		}
	}

	return errs
}

func validateDiscovery(d *DiscoveryConfig) ValidationErrors {
	var errs ValidationErrors

	if d.StaleAfterSec < 5 {
		errs = append(errs, ValidationError{
			Field:   "discovery.stale_after_sec",
			Message: "staleness threshold must be at least 5 seconds",
		})
	}
	if d.StaleAfterSec > 3600 {
		errs = append(errs, ValidationError{
			Field:   "discovery.stale_after_sec",
			Message: "staleness threshold cannot exceed 3600 seconds",
		})
	}

	if d.EvictIntervalSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "discovery.evict_interval_sec",
			Message: "eviction interval must be at least 1 second",
		})
	}

	if d.ScanBuffer < 1 {
		errs = append(errs, ValidationError{
			Field:   "discovery.scan_buffer",
			Message: "scan buffer must be at least 1",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}

	// Check parent directory exists or can be created
	if s.Path != "" {
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateSync(s *SyncConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Backend {
	case "http", "dynamodb", "memory":
		// Valid backends
	default:
		errs = append(errs, ValidationError{
			Field:   "sync.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: http, dynamodb, memory)", s.Backend),
		})
	}

	if s.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if s.RatePerMin < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.rate_per_min",
			Message: "rate must be at least 1 push per minute",
		})
	}
	if s.Burst < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.burst",
			Message: "burst must be at least 1",
		})
	}

	// HTTP-specific validation
	if s.Backend == "http" {
		if len(s.HTTP.Endpoints) == 0 {
			errs = append(errs, ValidationError{
				Field:   "sync.http.endpoints",
				Message: "at least one endpoint is required for the http backend",
			})
		}
		for i, endpoint := range s.HTTP.Endpoints {
			if !isValidURL(endpoint) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("sync.http.endpoints[%d]", i),
					Message: fmt.Sprintf("invalid URL: %s", endpoint),
				})
			}
		}
		if s.HTTP.TimeoutSec < 1 {
			errs = append(errs, ValidationError{
				Field:   "sync.http.timeout_sec",
				Message: "timeout must be at least 1 second",
			})
		}
	}

	// DynamoDB-specific validation
	if s.Backend == "dynamodb" {
		if s.Dynamo.Table == "" {
			errs = append(errs, ValidationError{
				Field:   "sync.dynamo.table",
				Message: "table name is required for the dynamodb backend",
			})
		}
	}

	if s.Breaker.MaxFailures < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.breaker.max_failures",
			Message: "breaker failure threshold must be at least 1",
		})
	}
	if s.Breaker.OpenForSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "sync.breaker.open_for_sec",
			Message: "breaker open period must be at least 1 second",
		})
	}

	return errs
}

func validateRetention(r *RetentionConfig) ValidationErrors {
	var errs ValidationErrors

	if r.Days < 1 {
		errs = append(errs, ValidationError{
			Field:   "retention.days",
			Message: "retention must be at least 1 day",
		})
	}
	if r.Days > 3650 {
		errs = append(errs, ValidationError{
			Field:   "retention.days",
			Message: "retention cannot exceed 3650 days",
		})
	}

	if r.SweepSchedule == "" {
		errs = append(errs, ValidationError{
			Field:   "retention.sweep_schedule",
			Message: "sweep schedule is required",
		})
	} else if _, err := cron.ParseStandard(r.SweepSchedule); err != nil {
		errs = append(errs, ValidationError{
			Field:   "retention.sweep_schedule",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}

	return errs
}

func validateReport(r *ReportConfig) ValidationErrors {
	var errs ValidationErrors

	if r.DefaultDays < 1 {
		errs = append(errs, ValidationError{
			Field:   "report.default_days",
			Message: "default incubation period must be at least 1 day",
		})
	}
	if r.DefaultDays > 90 {
		errs = append(errs, ValidationError{
			Field:   "report.default_days",
			Message: "default incubation period cannot exceed 90 days",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
		if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output includes 'file'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	// Validate permissions format (Unix only)
	if i.Permissions != "" {
		if matched, _ := regexp.MatchString(`^0[0-7]{3}$`, i.Permissions); !matched {
			errs = append(errs, ValidationError{
				Field:   "ipc.permissions",
				Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
			})
		}
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")
