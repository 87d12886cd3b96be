package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"encounterd/internal/presence"
	"encounterd/internal/radio"
)

// Test helpers

func newTestController(t *testing.T, mock *radio.Mock, cfg Config) (*Controller, *presence.Store) {
	t.Helper()
	store := presence.NewStore(presence.DefaultConfig())
	ctl := NewController(mock, store, radio.Advertisement{IDHash: "self01", DisplayName: "Me"}, cfg, nil)
	t.Cleanup(ctl.Stop)
	return ctl, store
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =============================================================================
// Preflight Tests
// =============================================================================

func TestStartNotSupported(t *testing.T) {
	mock := radio.NewMock()
	mock.SetSupported(false, "no adapter present")
	ctl, _ := newTestController(t, mock, Config{})

	err := ctl.Start(context.Background())
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("Start() = %v, want ErrNotSupported", err)
	}
	if got := ctl.Phase(); got != PhaseStopped {
		t.Errorf("phase after rejected start = %q, want stopped", got)
	}
}

func TestStartAdapterOff(t *testing.T) {
	mock := radio.NewMock()
	mock.SetAdapterState(radio.AdapterOff)
	ctl, _ := newTestController(t, mock, Config{})

	err := ctl.Start(context.Background())
	if !errors.Is(err, ErrRadioDisabled) {
		t.Fatalf("Start() = %v, want ErrRadioDisabled", err)
	}
	if got := ctl.Phase(); got != PhaseStopped {
		t.Errorf("phase after rejected start = %q, want stopped", got)
	}
}

func TestStartMissingPermissions(t *testing.T) {
	mock := radio.NewMock()
	mock.SetPermissions([]string{"bluetooth", "location"}, []string{"location"})
	ctl, _ := newTestController(t, mock, Config{})

	err := ctl.Start(context.Background())
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("Start() = %v, want PermissionError", err)
	}
	if len(perr.Missing) != 1 || perr.Missing[0] != "location" {
		t.Errorf("Missing = %v, want [location]", perr.Missing)
	}
	if got := ctl.Phase(); got != PhaseStopped {
		t.Errorf("phase after rejected start = %q, want stopped", got)
	}
}

// =============================================================================
// Session Lifecycle Tests
// =============================================================================

func TestStartRunsLoops(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if got := ctl.Phase(); got != PhaseActive {
		t.Fatalf("phase = %q, want active", got)
	}

	waitUntil(t, mock.Advertising, "advertise loop never started")
	waitUntil(t, mock.Scanning, "scan loop never started")

	if ad := mock.LastAdvertisement(); ad.IDHash != "self01" || ad.DisplayName != "Me" {
		t.Errorf("advertisement = %+v, want local identity", ad)
	}
	st := ctl.State()
	if !st.Discovering || st.Adapter != radio.AdapterOn {
		t.Errorf("State() = %+v, want discovering on adapter on", st)
	}
}

func TestStartIdempotent(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	if got := ctl.Phase(); got != PhaseActive {
		t.Errorf("phase = %q, want active", got)
	}
}

func TestStopHaltsLoops(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitUntil(t, mock.Advertising, "advertise loop never started")

	ctl.Stop()

	if got := ctl.Phase(); got != PhaseStopped {
		t.Fatalf("phase after Stop = %q, want stopped", got)
	}
	waitUntil(t, func() bool { return !mock.Advertising() }, "advertise loop still running")
	waitUntil(t, func() bool { return !mock.Scanning() }, "scan loop still running")
	if st := ctl.State(); st.Discovering {
		t.Error("State().Discovering true after Stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	ctl.Stop()
	ctl.Stop()
	if got := ctl.Phase(); got != PhaseStopped {
		t.Errorf("phase = %q, want stopped", got)
	}
}

func TestStopKeepsPresence(t *testing.T) {
	mock := radio.NewMock()
	ctl, store := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	mock.EmitSighting(radio.Sighting{IDHash: "aa11", DisplayName: "Alice", SignalStrength: -40})
	waitUntil(t, func() bool { return store.Count() == 1 }, "sighting never reached the store")

	ctl.Stop()

	if got := store.Count(); got != 1 {
		t.Errorf("presence count after Stop = %d, want 1 (Stop must not clear)", got)
	}
}

// =============================================================================
// Sighting Flow Tests
// =============================================================================

func TestSightingsReachPresence(t *testing.T) {
	mock := radio.NewMock()
	ctl, store := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	waitUntil(t, mock.Scanning, "scan loop never started")

	mock.EmitSighting(radio.Sighting{IDHash: "aa11", DisplayName: "Alice", SignalStrength: -40})
	mock.EmitSighting(radio.Sighting{IDHash: "bb22", DisplayName: "Bob", SignalStrength: -70})
	mock.EmitSighting(radio.Sighting{IDHash: "aa11", DisplayName: "Alice", SignalStrength: -45})

	waitUntil(t, func() bool { return store.Count() == 2 }, "sightings never reached the store")

	peers := store.Snapshot()
	if peers[0].ID != "aa11" || peers[0].SignalStrength != -45 {
		t.Errorf("strongest peer = %+v, want refreshed aa11 at -45", peers[0])
	}
}

func TestEvictionTimer(t *testing.T) {
	mock := radio.NewMock()
	store := presence.NewStore(presence.Config{StaleAfter: 30 * time.Millisecond})
	ctl := NewController(mock, store, radio.Advertisement{IDHash: "self01"}, Config{EvictInterval: 20 * time.Millisecond}, nil)
	t.Cleanup(ctl.Stop)

	// Eviction broadcasts a fresh snapshot; an empty one proves the timer
	// physically removed the peer.
	snapshots, unsubscribe := store.Subscribe(16)
	defer unsubscribe()

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	mock.EmitSighting(radio.Sighting{IDHash: "aa11", DisplayName: "Alice", SignalStrength: -40})
	waitUntil(t, func() bool { return store.Count() == 1 }, "sighting never reached the store")

	deadline := time.After(2 * time.Second)
	for {
		select {
		case peers := <-snapshots:
			if len(peers) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("eviction timer never removed the stale peer")
		}
	}
}

// =============================================================================
// Adapter Event Tests
// =============================================================================

func TestAdapterOffForcesStop(t *testing.T) {
	mock := radio.NewMock()
	ctl, store := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	mock.EmitSighting(radio.Sighting{IDHash: "aa11", DisplayName: "Alice", SignalStrength: -40})
	waitUntil(t, func() bool { return store.Count() == 1 }, "sighting never reached the store")

	mock.SetAdapterState(radio.AdapterOff)

	waitUntil(t, func() bool { return ctl.Phase() == PhaseStopped }, "adapter off never forced a stop")
	waitUntil(t, func() bool { return !mock.Advertising() }, "advertise loop survived adapter off")
	waitUntil(t, func() bool { return !mock.Scanning() }, "scan loop survived adapter off")

	// The forced stop behaves like Stop: presence is untouched.
	if got := store.Count(); got != 1 {
		t.Errorf("presence count after forced stop = %d, want 1", got)
	}
}

func TestRestartAfterAdapterOffRevalidates(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	mock.SetAdapterState(radio.AdapterOff)
	waitUntil(t, func() bool { return ctl.Phase() == PhaseStopped }, "adapter off never forced a stop")

	// Still off: restart must fail the preflight, not reuse old results.
	if err := ctl.Start(context.Background()); !errors.Is(err, ErrRadioDisabled) {
		t.Fatalf("Start() with adapter off = %v, want ErrRadioDisabled", err)
	}

	// Permissions revoked while off: the next failure surfaces that.
	mock.SetAdapterState(radio.AdapterOn)
	mock.SetPermissions([]string{"bluetooth"}, []string{"bluetooth"})
	var perr *PermissionError
	if err := ctl.Start(context.Background()); !errors.As(err, &perr) {
		t.Fatalf("Start() with revoked permissions = %v, want PermissionError", err)
	}

	// Everything restored: discovery comes back.
	mock.SetPermissions(nil, nil)
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("restart error: %v", err)
	}
	if got := ctl.Phase(); got != PhaseActive {
		t.Errorf("phase after restart = %q, want active", got)
	}
}

// =============================================================================
// Subscription Tests
// =============================================================================

func TestSubscribeObservesLifecycle(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	states, unsubscribe := ctl.Subscribe(16)
	defer unsubscribe()

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	ctl.Stop()

	sawDiscovering := false
	sawStopped := false
	timeout := time.After(2 * time.Second)
	for !(sawDiscovering && sawStopped) {
		select {
		case st := <-states:
			if st.Discovering {
				sawDiscovering = true
			} else if sawDiscovering {
				sawStopped = true
			}
		case <-timeout:
			t.Fatalf("never observed full lifecycle: discovering=%v stopped=%v", sawDiscovering, sawStopped)
		}
	}
}

func TestSubscribeObservesAdapterLoss(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	states, unsubscribe := ctl.Subscribe(16)
	defer unsubscribe()

	mock.SetAdapterState(radio.AdapterOff)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-states:
			if st.Adapter == radio.AdapterOff && !st.Discovering {
				return
			}
		case <-timeout:
			t.Fatal("adapter loss never published")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mock := radio.NewMock()
	ctl, _ := newTestController(t, mock, Config{})

	states, unsubscribe := ctl.Subscribe(1)
	unsubscribe()
	unsubscribe() // safe to repeat

	if _, ok := <-states; ok {
		t.Error("channel still open after unsubscribe")
	}
}
