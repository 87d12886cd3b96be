package radio

import (
	"context"
	"sync"
)

// Mock is a scriptable Platform used by tests and by the "mock" backend in
// development setups where no radio hardware is present. All knobs are safe
// for concurrent use.
type Mock struct {
	mu          sync.Mutex
	supported   bool
	reason      string
	required    []string
	missing     []string
	adapter     AdapterState
	advertising bool
	scanning    bool
	lastAd      Advertisement

	adapterCh chan AdapterState
	pending   chan Sighting
}

// NewMock returns a mock platform that reports a powered-on, fully
// permitted radio.
func NewMock() *Mock {
	return &Mock{
		supported: true,
		adapter:   AdapterOn,
		adapterCh: make(chan AdapterState, 16),
		pending:   make(chan Sighting, 64),
	}
}

// Supported implements Platform.
func (m *Mock) Supported() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.supported, m.reason
}

// RequiredPermissions implements Platform.
func (m *Mock) RequiredPermissions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.required...)
}

// MissingPermissions implements Platform.
func (m *Mock) MissingPermissions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.missing...)
}

// AdapterState implements Platform.
func (m *Mock) AdapterState() AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapter
}

// AdapterEvents implements Platform.
func (m *Mock) AdapterEvents() <-chan AdapterState {
	return m.adapterCh
}

// Advertise implements Platform. It records the advertisement and blocks
// until ctx is cancelled.
func (m *Mock) Advertise(ctx context.Context, ad Advertisement) error {
	m.mu.Lock()
	m.advertising = true
	m.lastAd = ad
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	m.advertising = false
	m.mu.Unlock()
	return nil
}

// Scan implements Platform. It forwards sightings queued via EmitSighting
// into sink until ctx is cancelled.
func (m *Mock) Scan(ctx context.Context, sink chan<- Sighting) error {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-m.pending:
			select {
			case sink <- s:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// SetSupported scripts the Supported response.
func (m *Mock) SetSupported(ok bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.supported = ok
	m.reason = reason
}

// SetPermissions scripts the required and missing permission lists.
func (m *Mock) SetPermissions(required, missing []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.required = required
	m.missing = missing
}

// SetAdapterState changes the adapter state and publishes the transition
// on AdapterEvents.
func (m *Mock) SetAdapterState(st AdapterState) {
	m.mu.Lock()
	m.adapter = st
	m.mu.Unlock()

	select {
	case m.adapterCh <- st:
	default:
	}
}

// EmitSighting queues a sighting for delivery to an active scan.
func (m *Mock) EmitSighting(s Sighting) {
	select {
	case m.pending <- s:
	default:
	}
}

// Advertising reports whether an advertise loop is currently running.
func (m *Mock) Advertising() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.advertising
}

// Scanning reports whether a scan loop is currently running.
func (m *Mock) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scanning
}

// LastAdvertisement returns the most recent advertisement passed to
// Advertise.
func (m *Mock) LastAdvertisement() Advertisement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAd
}

var _ Platform = (*Mock)(nil)
