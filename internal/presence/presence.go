// Package presence tracks peers currently visible over the radio.
//
// The store is a small in-memory table keyed by anonymous id hash. It is
// deliberately forgetful:
// - Bounded: at most one entry per peer, refreshed in place
// - Ephemeral: entries fade after a staleness window and are never persisted
// - Live: display names track the most recent sighting, not history
//
// Durable interaction records live in the ledger, not here.
package presence

import (
	"sort"
	"sync"
	"time"

	"encounterd/internal/radio"
)

// Peer is a currently visible peer.
type Peer struct {
	ID             string    `json:"id_hash"`
	DisplayName    string    `json:"display_name"`
	SignalStrength int       `json:"signal_strength"` // dBm, typically -100..0
	LastSeen       time.Time `json:"last_seen"`
}

// Config controls staleness behavior.
type Config struct {
	// StaleAfter is how long a peer stays visible without a fresh sighting.
	StaleAfter time.Duration `json:"stale_after"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter: 30 * time.Second,
	}
}

// Store holds the visible-peer table. All operations are in-memory and
// infallible. Sightings funnel in from the radio goroutines; snapshots are
// read from the control surface.
type Store struct {
	mu          sync.RWMutex
	peers       map[string]Peer
	subscribers map[uint64]chan []Peer
	nextSubID   uint64

	staleAfter time.Duration
	clock      func() time.Time
}

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Store{
		peers:       make(map[string]Peer),
		subscribers: make(map[uint64]chan []Peer),
		staleAfter:  cfg.StaleAfter,
		clock:       time.Now,
	}
}

// Upsert records a sighting, inserting the peer or refreshing it in place.
// Signal strength, last-seen, and display name all take the sighting's
// values; a renamed peer shows its new name immediately.
func (s *Store) Upsert(sighting radio.Sighting) {
	if sighting.IDHash == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	s.peers[sighting.IDHash] = Peer{
		ID:             sighting.IDHash,
		DisplayName:    sighting.DisplayName,
		SignalStrength: sighting.SignalStrength,
		LastSeen:       now,
	}
	s.notifyLocked(now)
}

// Snapshot returns the visible peers, strongest signal first, ties broken by
// most recent sighting and then id hash. Entries past the staleness window
// are filtered out even if not yet evicted.
func (s *Store) Snapshot() []Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(s.clock())
}

// Count returns the number of visible peers.
func (s *Store) Count() int {
	return len(s.Snapshot())
}

// EvictStale removes entries past the staleness window and reports how many
// were dropped. The discovery controller drives this from its timer; readers
// never depend on it because Snapshot filters lazily.
func (s *Store) EvictStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.staleAfter)
	evicted := 0
	for id, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			delete(s.peers, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.notifyLocked(now)
	}
	return evicted
}

// Clear drops every peer. Called when a fresh discovery session starts and
// on erase requests.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.peers) == 0 {
		return
	}
	s.peers = make(map[string]Peer)
	s.notifyLocked(s.clock())
}

// Subscribe returns a channel that receives a fresh snapshot after every
// store mutation, plus an unsubscribe function that detaches the channel and
// closes it. Publishes never block; a subscriber that falls behind misses
// intermediate snapshots, not the final state.
func (s *Store) Subscribe(buffer int) (<-chan []Peer, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan []Peer, buffer)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// snapshotLocked builds the sorted, staleness-filtered view. Callers hold mu.
func (s *Store) snapshotLocked(now time.Time) []Peer {
	cutoff := now.Add(-s.staleAfter)

	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		if p.LastSeen.Before(cutoff) {
			continue
		}
		peers = append(peers, p)
	}

	sort.Slice(peers, func(i, j int) bool {
		if peers[i].SignalStrength != peers[j].SignalStrength {
			return peers[i].SignalStrength > peers[j].SignalStrength
		}
		if !peers[i].LastSeen.Equal(peers[j].LastSeen) {
			return peers[i].LastSeen.After(peers[j].LastSeen)
		}
		return peers[i].ID < peers[j].ID
	})
	return peers
}

// notifyLocked fans the current snapshot out to subscribers. Sends happen
// under mu so unsubscribe can never race a close against an in-flight send.
func (s *Store) notifyLocked(now time.Time) {
	if len(s.subscribers) == 0 {
		return
	}
	snapshot := s.snapshotLocked(now)
	for _, ch := range s.subscribers {
		select {
		case ch <- snapshot:
		default:
			// Skip slow subscribers
		}
	}
}
