//go:build linux

package radio

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const (
	bluezBus         = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	advManagerIface  = "org.bluez.LEAdvertisingManager1"
	advertIface      = "org.bluez.LEAdvertisement1"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"
	propertiesIface  = "org.freedesktop.DBus.Properties"
	advertPath       = dbus.ObjectPath("/com/encounterd/advertisement0")

	// serviceUUID is the 16-bit exposure notification service UUID in
	// 128-bit form. Peer advertisements carry the id hash as service
	// data under this UUID.
	serviceUUID = "0000fd6f-0000-1000-8000-00805f9b34fb"
)

// BlueZ is a Platform backed by the BlueZ Bluetooth stack over the system
// D-Bus. Sightings come from LE discovery with real RSSI readings; the
// beacon is an LE advertisement carrying the id hash as service data.
type BlueZ struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	logger      *slog.Logger

	adapterCh chan AdapterState
	closeOnce sync.Once
}

// NewBlueZ connects to the system bus and binds to the named adapter
// (usually "hci0"). The returned platform watches adapter power changes
// until Close is called.
func NewBlueZ(adapter string, logger *slog.Logger) (*BlueZ, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if adapter == "" {
		adapter = "hci0"
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	b := &BlueZ{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		logger:      logger,
		adapterCh:   make(chan AdapterState, 16),
	}

	go b.watchAdapter()

	return b, nil
}

// Close releases the bus connection and stops the adapter watcher.
func (b *BlueZ) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.conn.Close()
	})
	return err
}

// Supported reports whether the adapter is reachable over the bus.
func (b *BlueZ) Supported() (bool, string) {
	adapter := b.conn.Object(bluezBus, b.adapterPath)
	if _, err := adapter.GetProperty(adapterIface + ".Powered"); err != nil {
		return false, fmt.Sprintf("bluetooth adapter %s not available: %v", b.adapterPath, err)
	}
	return true, ""
}

// RequiredPermissions implements Platform. BlueZ access is governed by bus
// policy, not runtime grants.
func (b *BlueZ) RequiredPermissions() []string { return nil }

// MissingPermissions implements Platform.
func (b *BlueZ) MissingPermissions() []string { return nil }

// AdapterState implements Platform. Newer BlueZ exposes the transitional
// PowerState property; older stacks only report the Powered bool.
func (b *BlueZ) AdapterState() AdapterState {
	adapter := b.conn.Object(bluezBus, b.adapterPath)

	if v, err := adapter.GetProperty(adapterIface + ".PowerState"); err == nil {
		if s, ok := v.Value().(string); ok {
			return powerStateToAdapter(s)
		}
	}

	v, err := adapter.GetProperty(adapterIface + ".Powered")
	if err != nil {
		return AdapterUnavailable
	}
	if powered, ok := v.Value().(bool); ok && powered {
		return AdapterOn
	}
	return AdapterOff
}

// AdapterEvents implements Platform.
func (b *BlueZ) AdapterEvents() <-chan AdapterState {
	return b.adapterCh
}

// watchAdapter forwards adapter power transitions onto adapterCh. The loop
// ends when Close shuts the bus connection, which closes the signal channel.
func (b *BlueZ) watchAdapter() {
	opts := []dbus.MatchOption{
		dbus.WithMatchObjectPath(b.adapterPath),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
	if err := b.conn.AddMatchSignal(opts...); err != nil {
		b.logger.Warn("bluez adapter watch unavailable", "error", err)
		return
	}

	sigCh := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigCh)

	for sig := range sigCh {
		st, ok := adapterStateFromSignal(sig)
		if !ok {
			continue
		}
		select {
		case b.adapterCh <- st:
		default:
		}
	}
}

// adapterStateFromSignal extracts a power transition from a
// PropertiesChanged signal on the adapter, if it carries one.
func adapterStateFromSignal(sig *dbus.Signal) (AdapterState, bool) {
	if len(sig.Body) < 2 {
		return "", false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != adapterIface {
		return "", false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}

	if v, ok := changed["PowerState"]; ok {
		if s, ok := v.Value().(string); ok {
			return powerStateToAdapter(s), true
		}
	}
	if v, ok := changed["Powered"]; ok {
		if powered, ok := v.Value().(bool); ok {
			if powered {
				return AdapterOn, true
			}
			return AdapterOff, true
		}
	}
	return "", false
}

func powerStateToAdapter(s string) AdapterState {
	switch s {
	case "on":
		return AdapterOn
	case "off", "off-blocked":
		return AdapterOff
	case "off-enabling":
		return AdapterTurningOn
	case "on-disabling":
		return AdapterTurningOff
	default:
		return AdapterUnavailable
	}
}

// advertisement is the exported LEAdvertisement1 object. BlueZ calls
// Release when it tears the advertisement down on its side.
type advertisement struct{}

func (a *advertisement) Release() *dbus.Error { return nil }

// Advertise registers an LE advertisement carrying ad until ctx is
// cancelled.
func (b *BlueZ) Advertise(ctx context.Context, ad Advertisement) error {
	data, err := hex.DecodeString(ad.IDHash)
	if err != nil {
		// Not hex; beacon the raw identifier bytes.
		data = []byte(ad.IDHash)
	}

	propsSpec := map[string]map[string]*prop.Prop{
		advertIface: {
			"Type":         {Value: "peripheral", Emit: prop.EmitFalse},
			"ServiceUUIDs": {Value: []string{serviceUUID}, Emit: prop.EmitFalse},
			"ServiceData": {
				Value: map[string]dbus.Variant{serviceUUID: dbus.MakeVariant(data)},
				Emit:  prop.EmitFalse,
			},
			"LocalName": {Value: ad.DisplayName, Emit: prop.EmitFalse},
			"Includes":  {Value: []string{}, Emit: prop.EmitFalse},
		},
	}

	if err := b.conn.Export(&advertisement{}, advertPath, advertIface); err != nil {
		return fmt.Errorf("export advertisement: %w", err)
	}
	defer b.conn.Export(nil, advertPath, advertIface)

	if _, err := prop.Export(b.conn, advertPath, propsSpec); err != nil {
		return fmt.Errorf("export advertisement properties: %w", err)
	}

	manager := b.conn.Object(bluezBus, b.adapterPath)
	call := manager.Call(advManagerIface+".RegisterAdvertisement", 0,
		advertPath, map[string]dbus.Variant{})
	if call.Err != nil {
		return fmt.Errorf("register advertisement: %w", call.Err)
	}

	b.logger.Debug("bluez advertising", "adapter", b.adapterPath)
	<-ctx.Done()

	if call := manager.Call(advManagerIface+".UnregisterAdvertisement", 0, advertPath); call.Err != nil {
		b.logger.Warn("unregister advertisement", "error", call.Err)
	}
	return nil
}

// Scan runs LE discovery filtered to the service UUID until ctx is
// cancelled, emitting a sighting for every device report that carries our
// service data.
func (b *BlueZ) Scan(ctx context.Context, sink chan<- Sighting) error {
	adapter := b.conn.Object(bluezBus, b.adapterPath)

	filter := map[string]dbus.Variant{
		"UUIDs":         dbus.MakeVariant([]string{serviceUUID}),
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("set discovery filter: %w", call.Err)
	}

	matchOpts := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(objManagerIface),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
		},
	}
	for _, opts := range matchOpts {
		if err := b.conn.AddMatchSignal(opts...); err != nil {
			return fmt.Errorf("add signal match: %w", err)
		}
	}
	defer func() {
		for _, opts := range matchOpts {
			_ = b.conn.RemoveMatchSignal(opts...)
		}
	}()

	sigCh := make(chan *dbus.Signal, 64)
	b.conn.Signal(sigCh)
	defer b.conn.RemoveSignal(sigCh)

	if call := adapter.Call(adapterIface+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("start discovery: %w", call.Err)
	}
	defer func() {
		if call := adapter.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
			b.logger.Warn("stop discovery", "error", call.Err)
		}
	}()

	// Sweep devices BlueZ already knows about before relying on signals.
	b.sweepKnownDevices(ctx, sink)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-sigCh:
			if !ok {
				return nil
			}
			if s, ok := b.sightingFromSignal(sig); ok {
				select {
				case sink <- s:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// sweepKnownDevices emits sightings for devices already present in the
// BlueZ object tree.
func (b *BlueZ) sweepKnownDevices(ctx context.Context, sink chan<- Sighting) {
	var objs map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := b.conn.Object(bluezBus, "/")
	if err := root.Call(objManagerIface+".GetManagedObjects", 0).Store(&objs); err != nil {
		b.logger.Warn("get managed objects", "error", err)
		return
	}

	for _, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if s, ok := sightingFromDevice(props); ok {
			select {
			case sink <- s:
			case <-ctx.Done():
				return
			}
		}
	}
}

// sightingFromSignal turns a device signal into a sighting when it belongs
// to an encounterd peer.
func (b *BlueZ) sightingFromSignal(sig *dbus.Signal) (Sighting, bool) {
	switch sig.Name {
	case objManagerIface + ".InterfacesAdded":
		if len(sig.Body) < 2 {
			return Sighting{}, false
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return Sighting{}, false
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			return Sighting{}, false
		}
		return sightingFromDevice(props)

	case propertiesIface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return Sighting{}, false
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != deviceIface {
			return Sighting{}, false
		}
		// The change set rarely carries every property; re-read the
		// device for a complete picture.
		return b.readDevice(sig.Path)
	}
	return Sighting{}, false
}

// readDevice fetches the device properties needed for a sighting.
func (b *BlueZ) readDevice(path dbus.ObjectPath) (Sighting, bool) {
	dev := b.conn.Object(bluezBus, path)

	var props map[string]dbus.Variant
	call := dev.Call(propertiesIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return Sighting{}, false
	}
	if err := call.Store(&props); err != nil {
		return Sighting{}, false
	}
	return sightingFromDevice(props)
}

// sightingFromDevice extracts peer identity from Device1 properties.
// Devices without our service data are not encounterd peers.
func sightingFromDevice(props map[string]dbus.Variant) (Sighting, bool) {
	sd, ok := props["ServiceData"]
	if !ok {
		return Sighting{}, false
	}
	serviceData, ok := sd.Value().(map[string]dbus.Variant)
	if !ok {
		return Sighting{}, false
	}
	payload, ok := serviceData[serviceUUID]
	if !ok {
		return Sighting{}, false
	}
	raw, ok := payload.Value().([]byte)
	if !ok || len(raw) == 0 {
		return Sighting{}, false
	}

	s := Sighting{IDHash: hex.EncodeToString(raw)}

	if v, ok := props["Alias"]; ok {
		if name, ok := v.Value().(string); ok {
			s.DisplayName = name
		}
	}
	if s.DisplayName == "" {
		if v, ok := props["Name"]; ok {
			if name, ok := v.Value().(string); ok {
				s.DisplayName = name
			}
		}
	}

	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			s.SignalStrength = int(rssi)
		}
	}

	return s, true
}

var _ Platform = (*BlueZ)(nil)
