package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"encounterd/internal/config"
	"encounterd/internal/discovery"
	"encounterd/internal/health"
	"encounterd/internal/identity"
	"encounterd/internal/ipc"
	"encounterd/internal/ledger"
	"encounterd/internal/logging"
	"encounterd/internal/metrics"
	"encounterd/internal/presence"
	"encounterd/internal/radio"
	"encounterd/internal/remote"
	"encounterd/internal/sync"
	"encounterd/internal/window"
)

// daemon owns every long-lived component of a running encounterd. All of
// them are constructed up front in newDaemon and injected; nothing reaches
// for a global after that.
type daemon struct {
	cfg     *config.Config
	cfgPath string

	log     *logging.Logger
	audit   *logging.AuditLogger
	metrics *metrics.EncounterdMetrics

	ident    identity.Identity
	led      *ledger.Ledger
	store    *presence.Store
	platform radio.Platform
	ctrl     *discovery.Controller
	breaker  *remote.BreakerStore
	rec      *sync.Reconciler
	calc     *window.Calculator
	checker  *health.Checker
	cron     *cron.Cron
	sweepJob cron.EntryID
	server   *ipc.Server
	watcher  *config.ConfigWatcher
}

func cmdRun() {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(os.Args[2:])

	d, err := newDaemon(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := d.run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newDaemon(configPath string) (*daemon, error) {
	if configPath == "" {
		configPath = config.ConfigPath()
	}

	cfg, _, err := config.LoadOrCreate(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("create directories: %w", err)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	logging.SetDefault(log)
	logging.DefaultCrashHandler().SetVersion(Version)

	auditCfg := logging.DefaultAuditConfig()
	auditCfg.FilePath = filepath.Join(filepath.Dir(cfg.Logging.FilePath), "audit.log")
	audit, err := logging.NewAuditLogger(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("init audit log: %w", err)
	}
	logging.SetDefaultAuditLogger(audit)

	m := metrics.GetMetrics()

	d := &daemon{
		cfg:     cfg,
		cfgPath: configPath,
		log:     log,
		audit:   audit,
		metrics: m,
	}

	ctx := context.Background()

	// Identity before anything advertises.
	secret, keyCreated, err := identity.LoadOrCreate(cfg.Identity.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	d.ident, err = identity.Derive(secret, cfg.Identity.DisplayName)
	identity.Wipe(secret)
	if err != nil {
		return nil, fmt.Errorf("derive identity: %w", err)
	}
	if keyCreated {
		audit.LogKeyGenerated(ctx, cfg.Identity.KeyPath)
	}

	d.led, err = ledger.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	d.led.SetRetentionDays(cfg.Retention.Days)

	d.breaker, err = buildRemoteStore(ctx, cfg, log)
	if err != nil {
		d.led.Close()
		return nil, fmt.Errorf("init sync backend: %w", err)
	}

	d.rec = sync.New(d.led, d.breaker, sync.Config{
		QueueSize:  cfg.Sync.QueueSize,
		RatePerMin: cfg.Sync.RatePerMin,
		Burst:      cfg.Sync.Burst,
	}, log.Logger)

	// Every durable record queues itself for upload and counts itself.
	// The hook runs after commit and never affects the record call.
	d.led.OnRecord(func(ids []string) {
		d.rec.Enqueue(ids)
		for range ids {
			m.RecordInteraction()
		}
	})

	d.store = presence.NewStore(presence.Config{
		StaleAfter: time.Duration(cfg.Discovery.StaleAfterSec) * time.Second,
	})

	d.platform, err = newRadioPlatform(cfg, log)
	if err != nil {
		d.led.Close()
		return nil, fmt.Errorf("init radio backend: %w", err)
	}

	d.ctrl = discovery.NewController(d.platform, d.store, radio.Advertisement{
		IDHash:      d.ident.IDHash,
		DisplayName: d.ident.DisplayName,
	}, discovery.Config{
		EvictInterval: time.Duration(cfg.Discovery.EvictIntervalSec) * time.Second,
		ScanBuffer:    cfg.Discovery.ScanBuffer,
	}, log.Logger)

	d.calc = window.New(window.Config{DefaultDays: cfg.Report.DefaultDays})

	d.checker = health.NewChecker()
	d.checker.RegisterFunc("database", true, health.DatabaseCheck(d.led.Ping))
	d.checker.RegisterFunc("storage", true, health.StorageCheck(filepath.Dir(cfg.Storage.Path)))
	d.checker.RegisterFunc("adapter", false, health.AdapterCheck(func(ctx context.Context) (bool, error) {
		return d.platform.AdapterState() == radio.AdapterOn, nil
	}))
	d.checker.RegisterFunc("breaker", false, health.BreakerCheck(func() string {
		return d.breaker.State().String()
	}))
	d.checker.RegisterFunc("sync_queue", false, health.QueueCheck(d.rec.QueueDepth))

	d.cron = cron.New()
	d.sweepJob, err = d.cron.AddFunc(cfg.Retention.SweepSchedule, func() {
		d.sweep(context.Background())
	})
	if err != nil {
		d.led.Close()
		return nil, fmt.Errorf("schedule retention sweep %q: %w", cfg.Retention.SweepSchedule, err)
	}

	if cfg.IPC.Enabled {
		srv, handler, err := buildIPCServer(cfg, d, log)
		if err != nil {
			d.led.Close()
			return nil, fmt.Errorf("init control socket: %w", err)
		}
		d.server = srv
		handler.SetBroadcaster(srv.Broadcast)
	}

	// Config watch is best effort; a broken watch never stops the daemon.
	watcher, err := config.NewConfigWatcher(configPath)
	if err != nil {
		log.Warn("config watch unavailable", "error", err)
	} else {
		watcher.OnChange(d.applyConfigChange)
		d.watcher = watcher
	}

	return d, nil
}

func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}

	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "encounterd",
	})
}

// buildRemoteStore constructs the configured sync backend wrapped in a
// circuit breaker.
func buildRemoteStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*remote.BreakerStore, error) {
	var inner remote.Store
	var err error

	switch cfg.Sync.Backend {
	case "http":
		inner, err = remote.NewHTTPStore(remote.HTTPConfig{
			Endpoints: cfg.Sync.HTTP.Endpoints,
			Timeout:   time.Duration(cfg.Sync.HTTP.TimeoutSec) * time.Second,
			APIKey:    cfg.Sync.HTTP.APIKey,
		})
		if err != nil {
			return nil, err
		}

	case "dynamodb":
		client, cerr := remote.NewDynamoClient(ctx, cfg.Sync.Dynamo.Region)
		if cerr != nil {
			return nil, cerr
		}
		inner = remote.NewDynamoStore(client, cfg.Sync.Dynamo.Table)

	case "memory", "":
		inner = remote.NewMemoryStore()

	default:
		return nil, fmt.Errorf("unknown sync backend %q", cfg.Sync.Backend)
	}

	return remote.NewBreakerStore(inner, remote.BreakerConfig{
		MaxFailures: uint32(cfg.Sync.Breaker.MaxFailures),
		Timeout:     time.Duration(cfg.Sync.Breaker.OpenForSec) * time.Second,
	}, log.Logger), nil
}

func buildIPCServer(cfg *config.Config, d *daemon, log *logging.Logger) (*ipc.Server, *ipc.DaemonHandler, error) {
	srvCfg := ipc.DefaultServerConfig(cfg.IPC.SocketPath)
	srvCfg.Version = Version
	if cfg.IPC.MaxConnections > 0 {
		srvCfg.MaxConnections = cfg.IPC.MaxConnections
	}
	if cfg.IPC.TimeoutSec > 0 {
		srvCfg.ReadTimeout = time.Duration(cfg.IPC.TimeoutSec) * time.Second
	}
	if perm, err := strconv.ParseUint(cfg.IPC.Permissions, 8, 32); err == nil && perm != 0 {
		srvCfg.SocketPerm = os.FileMode(perm)
	}

	handler := ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Version:    Version,
		Config:     cfg,
		Identity:   d.ident,
		Controller: d.ctrl,
		Presence:   d.store,
		Ledger:     d.led,
		Reconciler: d.rec,
		Calculator: d.calc,
		Checker:    d.checker,
		Metrics:    d.metrics,
		Audit:      d.audit,
	})

	srv, err := ipc.NewServer(srvCfg, handler, log.Logger)
	if err != nil {
		return nil, nil, err
	}
	return srv, handler, nil
}

func (d *daemon) run() error {
	defer logging.RecoverPanic()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.audit.LogStartup(ctx, Version, map[string]interface{}{
		"pid":   os.Getpid(),
		"radio": d.cfg.Radio.Backend,
		"sync":  d.cfg.Sync.Backend,
	})
	d.log.Info("starting",
		"version", Version,
		"radio", d.cfg.Radio.Backend,
		"sync", d.cfg.Sync.Backend,
		"storage", d.cfg.Storage.Path)

	// Expired records go before anything else reads the ledger.
	d.sweep(ctx)

	d.rec.Start(ctx)
	d.cron.Start()

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start control socket: %w", err)
		}
		d.log.Info("control socket ready", "path", d.cfg.IPC.SocketPath)
	}

	// Fresh session: nothing from a previous run lingers in the visible
	// set. A failed start is not fatal; clients can start discovery over
	// the socket once the radio becomes usable.
	d.store.Clear()
	if err := d.ctrl.Start(ctx); err != nil {
		d.log.Warn("discovery not started", "error", err)
		var perr *discovery.PermissionError
		if errors.As(err, &perr) {
			d.audit.LogPermissionDenied(ctx, perr.Missing)
		}
	} else {
		d.metrics.DiscoveryStarted()
		d.audit.LogDiscoveryStart(ctx, d.cfg.Radio.Backend)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.log.Warn("config watch failed", "error", err)
		}
	}

	go d.statsLoop(ctx)

	d.checker.SetReady(true)
	d.log.Info("ready", "pid", os.Getpid())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	d.log.Info("shutting down", "signal", sig.String())
	d.shutdown(ctx, sig.String())
	return nil
}

// shutdown stops components in dependency order: producers first, then the
// drain paths, then the control surface, then storage.
func (d *daemon) shutdown(ctx context.Context, reason string) {
	d.checker.SetReady(false)

	if d.server != nil {
		d.server.Emit(ipc.EventDaemonShutdown, map[string]string{"reason": reason})
	}

	if d.ctrl.Phase() == discovery.PhaseActive {
		d.ctrl.Stop()
		d.metrics.DiscoveryStopped()
		d.audit.LogDiscoveryStop(ctx, reason)
	}
	d.rec.Stop()

	cronCtx := d.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(5 * time.Second):
		d.log.Warn("retention job did not finish before shutdown")
	}

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if d.server != nil {
		d.server.Stop()
	}

	d.audit.LogShutdown(ctx, reason)
	d.audit.Close()

	if err := d.led.Close(); err != nil {
		d.log.Error("close ledger", "error", err)
	}
	d.log.Info("stopped")
	d.log.Close()
}

// sweep deletes interaction records older than the retention horizon.
func (d *daemon) sweep(ctx context.Context) {
	start := time.Now()
	deleted, err := d.led.RetentionSweep(ctx, time.Now())
	if err != nil {
		d.metrics.RecordError()
		d.log.Error("retention sweep failed", "error", err)
		return
	}
	d.metrics.RecordRetentionSweep(int64(deleted), time.Since(start))
	d.audit.LogRetentionSweep(ctx, deleted)
	if deleted > 0 {
		d.log.Info("retention sweep", "deleted", deleted)
	}
}

// applyConfigChange applies the subset of settings that are safe to change
// on a running daemon. Radio, storage, and socket changes need a restart.
func (d *daemon) applyConfigChange(old, new *config.Config) {
	ctx := context.Background()
	d.audit.LogConfigChange(ctx, d.cfgPath)

	if new.Retention.Days != old.Retention.Days {
		d.led.SetRetentionDays(new.Retention.Days)
		d.log.Info("retention updated", "days", new.Retention.Days)
	}
	if new.Retention.SweepSchedule != old.Retention.SweepSchedule {
		if id, err := d.cron.AddFunc(new.Retention.SweepSchedule, func() {
			d.sweep(context.Background())
		}); err != nil {
			d.log.Warn("invalid sweep schedule, keeping old one",
				"schedule", new.Retention.SweepSchedule, "error", err)
		} else {
			d.cron.Remove(d.sweepJob)
			d.sweepJob = id
			d.log.Info("sweep schedule updated", "schedule", new.Retention.SweepSchedule)
		}
	}
	if new.Radio.Backend != old.Radio.Backend ||
		new.Storage.Path != old.Storage.Path ||
		new.IPC.SocketPath != old.IPC.SocketPath {
		d.log.Warn("radio, storage, and socket changes take effect on restart")
	}
}

// statsLoop refreshes gauge metrics on a fixed cadence.
func (d *daemon) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdateUptime()
			d.metrics.SetPresentPeers(int64(d.store.Count()))
			d.metrics.SetPendingInteractions(int64(d.rec.PendingCount(ctx)))
			depth, _ := d.rec.QueueDepth()
			d.metrics.SetSyncQueueDepth(int64(depth))
			if info, err := os.Stat(d.cfg.Storage.Path); err == nil {
				d.metrics.SetDatabaseSize(info.Size())
			}
		}
	}
}
