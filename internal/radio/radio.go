// Package radio abstracts the short-range radio layer used for peer
// discovery and beaconing.
//
// The discovery controller treats a Platform purely as an event source and
// sink: it asks whether the radio is usable, runs the advertise and scan
// loops, and consumes adapter state changes. The underlying transport is an
// implementation detail; backends exist for BlueZ (Linux Bluetooth LE) and
// mDNS, plus a scriptable mock for tests and development.
package radio

import "context"

// AdapterState describes the power state of the radio adapter.
type AdapterState string

const (
	AdapterOn          AdapterState = "on"
	AdapterOff         AdapterState = "off"
	AdapterTurningOn   AdapterState = "turning_on"
	AdapterTurningOff  AdapterState = "turning_off"
	AdapterUnavailable AdapterState = "unavailable"
)

// Sighting is a single observation of a peer's advertisement.
type Sighting struct {
	// IDHash is the peer's stable anonymous identifier.
	IDHash string

	// DisplayName is the name the peer currently advertises.
	DisplayName string

	// SignalStrength is the received signal strength in dBm,
	// typically -100..0. Backends without a physical signal report
	// a fixed mid-range value.
	SignalStrength int
}

// Advertisement is the identity this device beacons to nearby peers.
type Advertisement struct {
	IDHash      string
	DisplayName string
}

// Platform is the boundary to the platform radio and permission layer.
//
// Advertise and Scan block until their context is cancelled; the caller
// runs each in its own goroutine. Scan delivers sightings into the caller's
// sink channel and never closes it.
type Platform interface {
	// Supported reports whether the radio is usable on this host. The
	// string carries a human-readable reason when it is not.
	Supported() (bool, string)

	// RequiredPermissions lists the platform permissions discovery needs.
	RequiredPermissions() []string

	// MissingPermissions lists required permissions not currently granted.
	// An empty result means discovery may start.
	MissingPermissions() []string

	// AdapterState returns the current adapter power state.
	AdapterState() AdapterState

	// AdapterEvents delivers adapter state transitions for the lifetime
	// of the platform.
	AdapterEvents() <-chan AdapterState

	// Advertise beacons the given identity until ctx is cancelled.
	Advertise(ctx context.Context, ad Advertisement) error

	// Scan emits peer sightings into sink until ctx is cancelled.
	Scan(ctx context.Context, sink chan<- Sighting) error
}
