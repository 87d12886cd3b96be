package presence

import (
	"testing"
	"time"

	"encounterd/internal/radio"
)

func sighting(id, name string, signal int) radio.Sighting {
	return radio.Sighting{IDHash: id, DisplayName: name, SignalStrength: signal}
}

// frozenClock pins a store's clock to a controllable instant.
func frozenClock(s *Store, start time.Time) *time.Time {
	now := start
	s.clock = func() time.Time { return now }
	return &now
}

// =============================================================================
// Tests for DefaultConfig
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.StaleAfter != 30*time.Second {
		t.Errorf("StaleAfter = %v, want 30s", cfg.StaleAfter)
	}
}

// =============================================================================
// Tests for NewStore
// =============================================================================

func TestNewStore(t *testing.T) {
	s := NewStore(DefaultConfig())

	if s == nil {
		t.Fatal("NewStore returned nil")
	}
	if got := s.Snapshot(); len(got) != 0 {
		t.Errorf("new store should be empty, got %d peers", len(got))
	}
}

func TestNewStoreZeroConfig(t *testing.T) {
	s := NewStore(Config{})

	if s.staleAfter != DefaultConfig().StaleAfter {
		t.Errorf("staleAfter = %v, want default %v", s.staleAfter, DefaultConfig().StaleAfter)
	}
}

// =============================================================================
// Tests for Upsert
// =============================================================================

func TestUpsert(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Upsert(sighting("aa11", "Alice", -40))

	peers := s.Snapshot()
	if len(peers) != 1 {
		t.Fatalf("got %d peers, want 1", len(peers))
	}
	p := peers[0]
	if p.ID != "aa11" {
		t.Errorf("ID = %q, want aa11", p.ID)
	}
	if p.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want Alice", p.DisplayName)
	}
	if p.SignalStrength != -40 {
		t.Errorf("SignalStrength = %d, want -40", p.SignalStrength)
	}
	if p.LastSeen.IsZero() {
		t.Error("LastSeen should be set")
	}
}

func TestUpsertRefreshesInPlace(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Upsert(sighting("aa11", "Alice", -70))
	s.Upsert(sighting("aa11", "Alice's Phone", -45))

	peers := s.Snapshot()
	if len(peers) != 1 {
		t.Fatalf("got %d peers after refresh, want 1", len(peers))
	}
	if peers[0].DisplayName != "Alice's Phone" {
		t.Errorf("DisplayName = %q, want refreshed name", peers[0].DisplayName)
	}
	if peers[0].SignalStrength != -45 {
		t.Errorf("SignalStrength = %d, want -45", peers[0].SignalStrength)
	}
}

func TestUpsertIgnoresEmptyID(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Upsert(sighting("", "Nameless", -50))

	if got := s.Snapshot(); len(got) != 0 {
		t.Errorf("empty id hash should be dropped, got %d peers", len(got))
	}
}

// =============================================================================
// Tests for Snapshot
// =============================================================================

func TestSnapshotOrdering(t *testing.T) {
	s := NewStore(DefaultConfig())
	now := frozenClock(s, time.Now())

	s.Upsert(sighting("cc33", "Weak", -80))
	s.Upsert(sighting("aa11", "Strong", -30))
	*now = now.Add(time.Second)
	s.Upsert(sighting("bb22", "Medium", -55))

	peers := s.Snapshot()
	if len(peers) != 3 {
		t.Fatalf("got %d peers, want 3", len(peers))
	}
	wantOrder := []string{"aa11", "bb22", "cc33"}
	for i, want := range wantOrder {
		if peers[i].ID != want {
			t.Errorf("peers[%d].ID = %q, want %q", i, peers[i].ID, want)
		}
	}
}

func TestSnapshotTieBreakByLastSeen(t *testing.T) {
	s := NewStore(DefaultConfig())
	now := frozenClock(s, time.Now())

	s.Upsert(sighting("older", "Older", -50))
	*now = now.Add(2 * time.Second)
	s.Upsert(sighting("newer", "Newer", -50))

	peers := s.Snapshot()
	if len(peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(peers))
	}
	if peers[0].ID != "newer" {
		t.Errorf("equal signal should order by most recent sighting, got %q first", peers[0].ID)
	}
}

func TestSnapshotFiltersStaleBeforeEviction(t *testing.T) {
	s := NewStore(DefaultConfig())
	now := frozenClock(s, time.Now())

	s.Upsert(sighting("aa11", "Alice", -40))
	*now = now.Add(31 * time.Second)

	if got := s.Snapshot(); len(got) != 0 {
		t.Errorf("stale peer should be invisible, got %d peers", len(got))
	}
	// Still physically present until EvictStale runs.
	if len(s.peers) != 1 {
		t.Errorf("peer should not be physically evicted by Snapshot, have %d entries", len(s.peers))
	}
}

func TestSnapshotKeepsFreshPeers(t *testing.T) {
	s := NewStore(DefaultConfig())
	now := frozenClock(s, time.Now())

	s.Upsert(sighting("old", "Old", -40))
	*now = now.Add(29 * time.Second)
	s.Upsert(sighting("new", "New", -40))

	peers := s.Snapshot()
	if len(peers) != 2 {
		t.Fatalf("29s old peer should still be visible, got %d peers", len(peers))
	}
}

// =============================================================================
// Tests for EvictStale
// =============================================================================

func TestEvictStale(t *testing.T) {
	s := NewStore(DefaultConfig())
	now := frozenClock(s, time.Now())

	s.Upsert(sighting("old", "Old", -40))
	*now = now.Add(31 * time.Second)
	s.Upsert(sighting("new", "New", -40))

	evicted := s.EvictStale(*now)
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if len(s.peers) != 1 {
		t.Errorf("have %d physical entries after eviction, want 1", len(s.peers))
	}
	if _, ok := s.peers["new"]; !ok {
		t.Error("fresh peer should survive eviction")
	}
}

func TestEvictStaleEmpty(t *testing.T) {
	s := NewStore(DefaultConfig())

	if evicted := s.EvictStale(time.Now()); evicted != 0 {
		t.Errorf("evicted = %d on empty store, want 0", evicted)
	}
}

func TestEvictStaleIdempotent(t *testing.T) {
	s := NewStore(DefaultConfig())
	now := frozenClock(s, time.Now())

	s.Upsert(sighting("old", "Old", -40))
	*now = now.Add(31 * time.Second)

	s.EvictStale(*now)
	if evicted := s.EvictStale(*now); evicted != 0 {
		t.Errorf("second eviction removed %d entries, want 0", evicted)
	}
}

// =============================================================================
// Tests for Clear
// =============================================================================

func TestClear(t *testing.T) {
	s := NewStore(DefaultConfig())

	s.Upsert(sighting("aa11", "Alice", -40))
	s.Upsert(sighting("bb22", "Bob", -50))
	s.Clear()

	if got := s.Snapshot(); len(got) != 0 {
		t.Errorf("got %d peers after Clear, want 0", len(got))
	}
	if len(s.peers) != 0 {
		t.Errorf("Clear should drop physical entries, have %d", len(s.peers))
	}
}

// =============================================================================
// Tests for Subscribe
// =============================================================================

func TestSubscribeReceivesSnapshots(t *testing.T) {
	s := NewStore(DefaultConfig())

	ch, unsubscribe := s.Subscribe(4)
	defer unsubscribe()

	s.Upsert(sighting("aa11", "Alice", -40))

	select {
	case peers := <-ch:
		if len(peers) != 1 || peers[0].ID != "aa11" {
			t.Errorf("unexpected snapshot: %+v", peers)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published after Upsert")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := NewStore(DefaultConfig())

	ch, unsubscribe := s.Subscribe(4)
	unsubscribe()

	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}

	// Mutations after unsubscribe must not panic on the closed channel.
	s.Upsert(sighting("aa11", "Alice", -40))

	// Double unsubscribe is a no-op.
	unsubscribe()
}

func TestSubscribeSlowConsumerDoesNotBlock(t *testing.T) {
	s := NewStore(DefaultConfig())

	_, unsubscribe := s.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			s.Upsert(sighting("aa11", "Alice", -40-i))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on a slow subscriber")
	}
}

func TestSubscribeMultiple(t *testing.T) {
	s := NewStore(DefaultConfig())

	ch1, unsub1 := s.Subscribe(4)
	ch2, unsub2 := s.Subscribe(4)
	defer unsub1()
	defer unsub2()

	s.Upsert(sighting("aa11", "Alice", -40))

	for i, ch := range []<-chan []Peer{ch1, ch2} {
		select {
		case peers := <-ch:
			if len(peers) != 1 {
				t.Errorf("subscriber %d got %d peers, want 1", i, len(peers))
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got no snapshot", i)
		}
	}
}
