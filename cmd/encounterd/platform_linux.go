//go:build linux

package main

import (
	"fmt"

	"encounterd/internal/config"
	"encounterd/internal/logging"
	"encounterd/internal/radio"
)

// newRadioPlatform builds the configured radio backend. Linux supports
// BlueZ Bluetooth LE in addition to the portable backends.
func newRadioPlatform(cfg *config.Config, log *logging.Logger) (radio.Platform, error) {
	switch cfg.Radio.Backend {
	case "bluez":
		return radio.NewBlueZ(cfg.Radio.BlueZ.Adapter, log.Logger)
	case "mdns":
		return radio.NewMDNS(cfg.Radio.MDNS.Port, log.Logger), nil
	case "mock":
		return radio.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown radio backend %q", cfg.Radio.Backend)
	}
}
