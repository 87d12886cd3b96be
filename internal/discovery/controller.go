// Package discovery runs the peer discovery session: it beacons the local
// identity, consumes peer sightings into the presence store, and tracks the
// radio adapter so a disabled radio halts the session instead of failing
// the next call.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"encounterd/internal/presence"
	"encounterd/internal/radio"
)

// Phase is the controller's lifecycle state.
type Phase string

const (
	PhaseStopped  Phase = "stopped"
	PhaseStarting Phase = "starting"
	PhaseActive   Phase = "active"
	PhaseStopping Phase = "stopping"
)

// State is the externally visible discovery state. Discovering is true only
// while the advertise and scan loops are live.
type State struct {
	Adapter     radio.AdapterState `json:"adapter"`
	Discovering bool               `json:"discovering"`
}

// Start preflight failures. None of them transition the controller's phase.
var (
	// ErrNotSupported means the platform has no usable radio.
	ErrNotSupported = errors.New("discovery: radio not supported on this platform")

	// ErrRadioDisabled means the adapter is present but not powered on.
	ErrRadioDisabled = errors.New("discovery: radio adapter is not on")
)

// PermissionError reports the platform permissions still missing before
// discovery may start.
type PermissionError struct {
	Missing []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("discovery: missing permissions: %s", strings.Join(e.Missing, ", "))
}

// loopRestartDelay paces advertise/scan restarts after a transient platform
// failure.
const loopRestartDelay = time.Second

// Config controls session timing.
type Config struct {
	// EvictInterval is how often stale peers are physically removed from
	// the presence store.
	EvictInterval time.Duration `json:"evict_interval"`

	// ScanBuffer sizes the sighting channel between the platform scan and
	// the presence store.
	ScanBuffer int `json:"scan_buffer"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		EvictInterval: 5 * time.Second,
		ScanBuffer:    64,
	}
}

// Controller drives discovery over a platform radio. All methods are safe
// for concurrent use.
type Controller struct {
	platform radio.Platform
	store    *presence.Store
	ad       radio.Advertisement
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	phase   Phase
	adapter radio.AdapterState
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	subscribers map[uint64]chan State
	nextSubID   uint64
}

// NewController creates a stopped controller beaconing the given identity.
func NewController(p radio.Platform, store *presence.Store, ad radio.Advertisement, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.EvictInterval <= 0 {
		cfg.EvictInterval = def.EvictInterval
	}
	if cfg.ScanBuffer < 1 {
		cfg.ScanBuffer = def.ScanBuffer
	}

	return &Controller{
		platform:    p,
		store:       store,
		ad:          ad,
		logger:      logger,
		cfg:         cfg,
		phase:       PhaseStopped,
		adapter:     p.AdapterState(),
		subscribers: make(map[uint64]chan State),
	}
}

// Start validates the platform and launches the discovery session. Calling
// Start while Starting or Active is a no-op. Every Start validates from
// scratch; nothing is cached from a previous session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Only a stopped controller starts. Starting/Active makes this a
	// no-op; a concurrent Stop still owns the phase until it finishes.
	if c.phase != PhaseStopped {
		return nil
	}

	// Preflight before any phase transition: a rejected start leaves the
	// controller exactly where it was.
	if ok, reason := c.platform.Supported(); !ok {
		c.logger.Warn("radio unsupported", "reason", reason)
		return ErrNotSupported
	}
	st := c.platform.AdapterState()
	c.adapter = st
	if st != radio.AdapterOn {
		return ErrRadioDisabled
	}
	if missing := c.platform.MissingPermissions(); len(missing) > 0 {
		return &PermissionError{Missing: missing}
	}

	c.phase = PhaseStarting
	c.publishLocked()

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	wg := &sync.WaitGroup{}
	c.wg = wg

	sink := make(chan radio.Sighting, c.cfg.ScanBuffer)
	wg.Add(5)
	go c.advertiseLoop(runCtx, wg)
	go c.scanLoop(runCtx, wg, sink)
	go c.consumeLoop(runCtx, wg, sink)
	go c.adapterLoop(runCtx, wg)
	go c.evictLoop(runCtx, wg)

	c.phase = PhaseActive
	c.publishLocked()
	c.logger.Info("discovery started", "display_name", c.ad.DisplayName)
	return nil
}

// Stop halts the session and waits for the loops to exit. The presence
// store keeps its entries; clearing is the caller's decision.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.phase != PhaseActive {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseStopping
	c.publishLocked()
	cancel := c.cancel
	c.cancel = nil
	wg := c.wg
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}

	c.mu.Lock()
	c.phase = PhaseStopped
	c.publishLocked()
	c.mu.Unlock()
	c.logger.Info("discovery stopped")
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State returns the current discovery state. The adapter is read live from
// the platform so the answer stays accurate while stopped.
func (c *Controller) State() State {
	c.mu.Lock()
	discovering := c.phase == PhaseActive
	c.mu.Unlock()
	return State{Adapter: c.platform.AdapterState(), Discovering: discovering}
}

// Subscribe returns a channel of state changes and an unsubscribe function.
// The channel is closed on unsubscribe; calling unsubscribe more than once
// is safe.
func (c *Controller) Subscribe(buffer int) (<-chan State, func()) {
	if buffer < 1 {
		buffer = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	ch := make(chan State, buffer)
	c.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// publishLocked fans the current state out to subscribers. Sends happen
// under mu so unsubscribe can never race a close against an in-flight send.
func (c *Controller) publishLocked() {
	st := State{Adapter: c.adapter, Discovering: c.phase == PhaseActive}
	for _, ch := range c.subscribers {
		select {
		case ch <- st:
		default:
			// Skip slow subscribers
		}
	}
}

// advertiseLoop beacons the local identity, restarting after transient
// platform failures.
func (c *Controller) advertiseLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		err := c.platform.Advertise(ctx, c.ad)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("advertise interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(loopRestartDelay):
		}
	}
}

// scanLoop runs the platform scan, restarting after transient failures.
func (c *Controller) scanLoop(ctx context.Context, wg *sync.WaitGroup, sink chan radio.Sighting) {
	defer wg.Done()
	for {
		err := c.platform.Scan(ctx, sink)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.logger.Warn("scan interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(loopRestartDelay):
		}
	}
}

// consumeLoop feeds sightings into the presence store.
func (c *Controller) consumeLoop(ctx context.Context, wg *sync.WaitGroup, sink <-chan radio.Sighting) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sink:
			c.store.Upsert(s)
		}
	}
}

// adapterLoop watches adapter transitions for the session. An adapter that
// goes off or unavailable halts the whole session.
func (c *Controller) adapterLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	events := c.platform.AdapterEvents()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			// Re-read the platform: queued events may be stale by the
			// time this session consumes them.
			st := c.platform.AdapterState()
			if c.handleAdapterChange(st) {
				return
			}
		}
	}
}

// handleAdapterChange records the new adapter state and forces the session
// down when the radio is gone. Returns true when the session was torn down.
func (c *Controller) handleAdapterChange(st radio.AdapterState) bool {
	c.mu.Lock()
	c.adapter = st

	lost := st == radio.AdapterOff || st == radio.AdapterUnavailable
	if lost && (c.phase == PhaseActive || c.phase == PhaseStarting) {
		cancel := c.cancel
		c.cancel = nil
		c.phase = PhaseStopped
		c.publishLocked()
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		c.logger.Warn("adapter lost, discovery stopped", "adapter", string(st))
		return true
	}

	c.publishLocked()
	c.mu.Unlock()
	return false
}

// evictLoop periodically removes stale peers from the presence store.
func (c *Controller) evictLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.EvictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.store.EvictStale(time.Now()); n > 0 {
				c.logger.Debug("evicted stale peers", "count", n)
			}
		}
	}
}
