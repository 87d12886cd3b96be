// Package logging provides structured logging with slog for encounterd.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types. The audit trail records privacy-relevant operations:
// when discovery ran, when interactions were recorded or purged, and when
// the user erased data. Events carry counts, never partner identities.
const (
	AuditEventDiscoveryStart AuditEventType = "discovery_start"
	AuditEventDiscoveryStop  AuditEventType = "discovery_stop"
	AuditEventRecord         AuditEventType = "record"
	AuditEventSync           AuditEventType = "sync"
	AuditEventRetentionSweep AuditEventType = "retention_sweep"
	AuditEventErasure        AuditEventType = "erasure"
	AuditEventKeyGenerated   AuditEventType = "key_generated"
	AuditEventConfigChange   AuditEventType = "config_change"
	AuditEventPermission     AuditEventType = "permission"
	AuditEventError          AuditEventType = "error"
	AuditEventStartup        AuditEventType = "startup"
	AuditEventShutdown       AuditEventType = "shutdown"
)

// AuditEvent represents a privacy-relevant event.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "encounterd",
	}
}

// defaultAuditLogPath returns the platform-specific default audit log path.
func defaultAuditLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "encounterd", "audit.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "encounterd", "logs", "audit.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "encounterd", "audit.log")
	}
}

// AuditLogger handles privacy audit logging.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	logger  *slog.Logger
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			// Create a fallback that writes to stderr
			defaultAuditLogger = &AuditLogger{
				config: DefaultAuditConfig(),
				logger: slog.Default(),
			}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	// Create rotator config from audit config
	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level: LevelInfo,
	}

	handler := slog.NewJSONHandler(rotator, opts)
	logger := slog.New(handler)

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
		logger:  logger,
	}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Fill in defaults
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	// Get source location
	if event.SourceFile == "" {
		_, file, line, ok := runtime.Caller(1)
		if ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	// Convert to JSON and write directly
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

// LogDiscoveryStart logs the start of a discovery session.
func (a *AuditLogger) LogDiscoveryStart(ctx context.Context, backend string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDiscoveryStart,
		Action:    "discovery_started",
		Resource:  backend,
		Result:    "success",
	})
}

// LogDiscoveryStop logs the end of a discovery session.
func (a *AuditLogger) LogDiscoveryStop(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventDiscoveryStop,
		Action:    "discovery_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogRecord logs that interactions were recorded. Only the count is kept;
// the audit trail never names partners.
func (a *AuditLogger) LogRecord(ctx context.Context, count int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRecord,
		Action:    "interactions_recorded",
		Result:    "success",
		Details: map[string]interface{}{
			"count": count,
		},
	})
}

// LogSync logs a sync pass outcome.
func (a *AuditLogger) LogSync(ctx context.Context, store string, success, failure int) error {
	result := "success"
	if failure > 0 {
		result = "failure"
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSync,
		Action:    "sync_attempted",
		Resource:  store,
		Result:    result,
		Details: map[string]interface{}{
			"success_count": success,
			"failure_count": failure,
		},
	})
}

// LogRetentionSweep logs a retention sweep and how many records it removed.
func (a *AuditLogger) LogRetentionSweep(ctx context.Context, deleted int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventRetentionSweep,
		Action:    "retention_sweep",
		Result:    "success",
		Details: map[string]interface{}{
			"deleted": deleted,
		},
	})
}

// LogErasure logs a user-initiated erasure of all interaction data.
func (a *AuditLogger) LogErasure(ctx context.Context, deleted int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventErasure,
		Action:    "all_data_erased",
		Result:    "success",
		Details: map[string]interface{}{
			"deleted": deleted,
		},
	})
}

// LogKeyGenerated logs generation of a fresh device secret.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, path string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventKeyGenerated,
		Action:    "identity_key_generated",
		Resource:  path,
		Result:    "success",
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, source string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  source,
		Result:    "success",
	})
}

// LogPermissionDenied logs a start attempt blocked by missing permissions.
func (a *AuditLogger) LogPermissionDenied(ctx context.Context, missing []string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPermission,
		Action:    "discovery_start_denied",
		Result:    "denied",
		Details: map[string]interface{}{
			"missing": missing,
		},
	})
}

// LogError logs an error event.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     err.Error(),
		Details:   details,
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    "success",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}
