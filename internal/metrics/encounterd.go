// Package metrics provides Prometheus-compatible metrics for encounterd.
package metrics

import (
	"time"
)

// EncounterdMetrics holds all encounterd-specific metrics.
type EncounterdMetrics struct {
	registry *Registry

	// Counters
	SightingsTotal        *Counter
	EvictionsTotal        *Counter
	InteractionsTotal     *Counter
	SyncSuccessTotal      *Counter
	SyncFailureTotal      *Counter
	RetriesTotal          *Counter
	RetentionDeletedTotal *Counter
	ErasuresTotal         *Counter
	DiscoverySessionsTotal *Counter
	ErrorsTotal           *Counter

	// Gauges
	PresentPeers        *Gauge
	PendingInteractions *Gauge
	SyncQueueDepth      *Gauge
	DiscoveryActive     *Gauge
	DatabaseSizeBytes   *Gauge
	UptimeSeconds       *Gauge

	// Histograms
	SyncPushDuration      *Histogram
	DatabaseQueryDuration *Histogram
	SightingInterval      *Histogram
	SweepDuration         *Histogram
}

// startTime records when metrics were initialized.
var startTime = time.Now()

// NewEncounterdMetrics creates and registers all encounterd metrics.
func NewEncounterdMetrics(registry *Registry) *EncounterdMetrics {
	if registry == nil {
		registry = Default()
	}

	m := &EncounterdMetrics{
		registry: registry,

		// Counters
		SightingsTotal: registry.RegisterCounter(
			"sightings_total",
			"Total number of radio sightings processed",
			nil,
		),
		EvictionsTotal: registry.RegisterCounter(
			"presence_evictions_total",
			"Total number of stale peers evicted from the presence set",
			nil,
		),
		InteractionsTotal: registry.RegisterCounter(
			"interactions_recorded_total",
			"Total number of interactions recorded",
			nil,
		),
		SyncSuccessTotal: registry.RegisterCounter(
			"sync_push_success_total",
			"Total number of interactions pushed to the remote service",
			nil,
		),
		SyncFailureTotal: registry.RegisterCounter(
			"sync_push_failure_total",
			"Total number of failed push attempts",
			nil,
		),
		RetriesTotal: registry.RegisterCounter(
			"sync_retries_total",
			"Total number of retry passes over pending interactions",
			nil,
		),
		RetentionDeletedTotal: registry.RegisterCounter(
			"retention_deleted_total",
			"Total number of interactions deleted by retention sweeps",
			nil,
		),
		ErasuresTotal: registry.RegisterCounter(
			"erasures_total",
			"Total number of erase-all operations",
			nil,
		),
		DiscoverySessionsTotal: registry.RegisterCounter(
			"discovery_sessions_total",
			"Total number of discovery sessions started",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		// Gauges
		PresentPeers: registry.RegisterGauge(
			"present_peers",
			"Number of peers currently visible",
			nil,
		),
		PendingInteractions: registry.RegisterGauge(
			"pending_interactions",
			"Number of interactions awaiting sync",
			nil,
		),
		SyncQueueDepth: registry.RegisterGauge(
			"sync_queue_depth",
			"Number of interactions queued for push",
			nil,
		),
		DiscoveryActive: registry.RegisterGauge(
			"discovery_active",
			"Whether discovery is currently active (0 or 1)",
			nil,
		),
		DatabaseSizeBytes: registry.RegisterGauge(
			"database_size_bytes",
			"Size of the database in bytes",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),

		// Histograms
		SyncPushDuration: registry.RegisterHistogram(
			"sync_push_duration_seconds",
			"Duration of push attempts in seconds",
			nil,
			DurationBuckets,
		),
		DatabaseQueryDuration: registry.RegisterHistogram(
			"database_query_duration_seconds",
			"Duration of database queries in seconds",
			nil,
			DurationBuckets,
		),
		SightingInterval: registry.RegisterHistogram(
			"sighting_interval_seconds",
			"Time between radio sightings in seconds",
			nil,
			[]float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		),
		SweepDuration: registry.RegisterHistogram(
			"retention_sweep_duration_seconds",
			"Duration of retention sweeps in seconds",
			nil,
			DurationBuckets,
		),
	}

	return m
}

// RecordSighting records a processed radio sighting.
func (m *EncounterdMetrics) RecordSighting() {
	m.SightingsTotal.Inc()
}

// RecordSightingInterval records the interval between sightings.
func (m *EncounterdMetrics) RecordSightingInterval(d time.Duration) {
	m.SightingInterval.ObserveDuration(d)
}

// RecordEvictions records stale peers evicted in one pass.
func (m *EncounterdMetrics) RecordEvictions(count int) {
	if count > 0 {
		m.EvictionsTotal.Add(uint64(count))
	}
}

// RecordInteraction records a recorded interaction.
func (m *EncounterdMetrics) RecordInteraction() {
	m.InteractionsTotal.Inc()
}

// RecordSyncPush records the outcome of one push attempt.
func (m *EncounterdMetrics) RecordSyncPush(duration time.Duration, success bool) {
	m.SyncPushDuration.ObserveDuration(duration)
	if success {
		m.SyncSuccessTotal.Inc()
	} else {
		m.SyncFailureTotal.Inc()
	}
}

// StartSyncPushTimer returns a timer for push attempts.
func (m *EncounterdMetrics) StartSyncPushTimer() *HistogramTimer {
	return m.SyncPushDuration.Timer()
}

// RecordRetryPass records a retry pass over pending interactions.
func (m *EncounterdMetrics) RecordRetryPass() {
	m.RetriesTotal.Inc()
}

// RecordRetentionSweep records a retention sweep.
func (m *EncounterdMetrics) RecordRetentionSweep(deleted int64, duration time.Duration) {
	if deleted > 0 {
		m.RetentionDeletedTotal.Add(uint64(deleted))
	}
	m.SweepDuration.ObserveDuration(duration)
}

// RecordErasure records an erase-all operation.
func (m *EncounterdMetrics) RecordErasure() {
	m.ErasuresTotal.Inc()
}

// RecordDatabaseQuery records a database query.
func (m *EncounterdMetrics) RecordDatabaseQuery(duration time.Duration) {
	m.DatabaseQueryDuration.ObserveDuration(duration)
}

// StartDatabaseQueryTimer returns a timer for database queries.
func (m *EncounterdMetrics) StartDatabaseQueryTimer() *HistogramTimer {
	return m.DatabaseQueryDuration.Timer()
}

// RecordError records an error.
func (m *EncounterdMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// DiscoveryStarted records a discovery session start.
func (m *EncounterdMetrics) DiscoveryStarted() {
	m.DiscoverySessionsTotal.Inc()
	m.DiscoveryActive.Set(1)
}

// DiscoveryStopped records a discovery session stop.
func (m *EncounterdMetrics) DiscoveryStopped() {
	m.DiscoveryActive.Set(0)
}

// SetPresentPeers sets the number of currently visible peers.
func (m *EncounterdMetrics) SetPresentPeers(count int64) {
	m.PresentPeers.Set(count)
}

// SetPendingInteractions sets the number of interactions awaiting sync.
func (m *EncounterdMetrics) SetPendingInteractions(count int64) {
	m.PendingInteractions.Set(count)
}

// SetSyncQueueDepth sets the push queue depth.
func (m *EncounterdMetrics) SetSyncQueueDepth(depth int64) {
	m.SyncQueueDepth.Set(depth)
}

// SetDatabaseSize sets the database size.
func (m *EncounterdMetrics) SetDatabaseSize(bytes int64) {
	m.DatabaseSizeBytes.Set(bytes)
}

// UpdateUptime updates the uptime metric.
func (m *EncounterdMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *EncounterdMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"sightings_total":             m.SightingsTotal.Value(),
		"presence_evictions_total":    m.EvictionsTotal.Value(),
		"interactions_recorded_total": m.InteractionsTotal.Value(),
		"sync_push_success_total":     m.SyncSuccessTotal.Value(),
		"sync_push_failure_total":     m.SyncFailureTotal.Value(),
		"sync_retries_total":          m.RetriesTotal.Value(),
		"retention_deleted_total":     m.RetentionDeletedTotal.Value(),
		"erasures_total":              m.ErasuresTotal.Value(),
		"discovery_sessions_total":    m.DiscoverySessionsTotal.Value(),
		"errors_total":                m.ErrorsTotal.Value(),
		"present_peers":               m.PresentPeers.Value(),
		"pending_interactions":        m.PendingInteractions.Value(),
		"sync_queue_depth":            m.SyncQueueDepth.Value(),
		"discovery_active":            m.DiscoveryActive.Value(),
		"database_size_bytes":         m.DatabaseSizeBytes.Value(),
		"uptime_seconds":              m.UptimeSeconds.Value(),
		"sync_push_avg_seconds":       m.SyncPushDuration.Mean(),
	}
}

// Global encounterd metrics instance.
var defaultEncounterdMetrics *EncounterdMetrics

// GetMetrics returns the global encounterd metrics instance.
func GetMetrics() *EncounterdMetrics {
	if defaultEncounterdMetrics == nil {
		defaultEncounterdMetrics = NewEncounterdMetrics(Default())
	}
	return defaultEncounterdMetrics
}

// InitMetrics initializes the global encounterd metrics with a custom registry.
func InitMetrics(registry *Registry) *EncounterdMetrics {
	defaultEncounterdMetrics = NewEncounterdMetrics(registry)
	return defaultEncounterdMetrics
}
