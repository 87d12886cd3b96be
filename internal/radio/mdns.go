package radio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_encounterd._tcp"
	mdnsDomain      = "local."

	// mdnsBrowseCycle bounds one browse pass. Re-browsing refreshes
	// last-seen times for peers that stay in range.
	mdnsBrowseCycle = 10 * time.Second

	// mdnsSignalStrength substitutes for a real signal reading; mDNS
	// carries no RSSI.
	mdnsSignalStrength = -50
)

// MDNS is a Platform backed by mDNS/DNS-SD service discovery. It is the
// development backend for wired networks and hosts without Bluetooth; peer
// identity travels in TXT records.
type MDNS struct {
	port      int
	logger    *slog.Logger
	adapterCh chan AdapterState
}

// NewMDNS creates an mDNS platform advertising on the given port.
func NewMDNS(port int, logger *slog.Logger) *MDNS {
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNS{
		port:      port,
		logger:    logger,
		adapterCh: make(chan AdapterState, 1),
	}
}

// Supported probes for a usable multicast resolver.
func (m *MDNS) Supported() (bool, string) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return false, fmt.Sprintf("mdns resolver unavailable: %v", err)
	}
	_ = r
	return true, ""
}

// RequiredPermissions implements Platform. mDNS needs no runtime grants.
func (m *MDNS) RequiredPermissions() []string { return nil }

// MissingPermissions implements Platform.
func (m *MDNS) MissingPermissions() []string { return nil }

// AdapterState implements Platform. The network stack has no power state
// of its own, so a usable resolver reports as a powered adapter.
func (m *MDNS) AdapterState() AdapterState {
	if ok, _ := m.Supported(); !ok {
		return AdapterUnavailable
	}
	return AdapterOn
}

// AdapterEvents implements Platform. mDNS emits no transitions.
func (m *MDNS) AdapterEvents() <-chan AdapterState {
	return m.adapterCh
}

// Advertise registers this device as an encounterd service until ctx is
// cancelled. Identity travels in TXT records; the instance name is the
// display name so generic browsers show something meaningful.
func (m *MDNS) Advertise(ctx context.Context, ad Advertisement) error {
	txt := []string{
		"id=" + ad.IDHash,
		"name=" + ad.DisplayName,
	}

	instance := sanitizeInstance(ad.DisplayName)
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, m.port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	m.logger.Debug("mdns advertising", "instance", instance, "port", m.port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}

// Scan browses for encounterd peers in repeated cycles until ctx is
// cancelled, emitting one sighting per discovered entry per cycle.
func (m *MDNS) Scan(ctx context.Context, sink chan<- Sighting) error {
	for {
		if err := m.browseCycle(ctx, sink); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// browseCycle runs one bounded browse pass, draining entries into sink.
func (m *MDNS) browseCycle(ctx context.Context, sink chan<- Sighting) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("mdns resolver: %w", err)
	}

	cycleCtx, cancel := context.WithTimeout(ctx, mdnsBrowseCycle)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			s, ok := entryToSighting(entry)
			if !ok {
				continue
			}
			select {
			case sink <- s:
			case <-cycleCtx.Done():
			}
		}
	}()

	if err := resolver.Browse(cycleCtx, mdnsServiceType, mdnsDomain, entries); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("mdns browse: %w", err)
	}

	<-cycleCtx.Done()
	wg.Wait()
	return nil
}

// entryToSighting extracts peer identity from a service entry's TXT
// records. Entries without an id record are not encounterd peers.
func entryToSighting(entry *zeroconf.ServiceEntry) (Sighting, bool) {
	txt := parseTXT(entry.Text)

	idHash := txt["id"]
	if idHash == "" {
		return Sighting{}, false
	}

	name := txt["name"]
	if name == "" {
		name = entry.ServiceRecord.Instance
	}

	return Sighting{
		IDHash:         idHash,
		DisplayName:    name,
		SignalStrength: mdnsSignalStrength,
	}, true
}

func parseTXT(txt []string) map[string]string {
	m := make(map[string]string, len(txt))
	for _, t := range txt {
		parts := strings.SplitN(t, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

// sanitizeInstance strips characters that confuse DNS-SD instance names.
func sanitizeInstance(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '.', '\\':
			return '-'
		}
		return r
	}, name)
	if name == "" {
		name = "encounterd"
	}
	return name
}

var _ Platform = (*MDNS)(nil)
