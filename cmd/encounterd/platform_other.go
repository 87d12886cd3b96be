//go:build !linux

package main

import (
	"fmt"

	"encounterd/internal/config"
	"encounterd/internal/logging"
	"encounterd/internal/radio"
)

// newRadioPlatform builds the configured radio backend. BlueZ is a Linux
// D-Bus service; elsewhere only the portable backends exist.
func newRadioPlatform(cfg *config.Config, log *logging.Logger) (radio.Platform, error) {
	switch cfg.Radio.Backend {
	case "bluez":
		return nil, fmt.Errorf("radio backend %q is only available on linux", cfg.Radio.Backend)
	case "mdns":
		return radio.NewMDNS(cfg.Radio.MDNS.Port, log.Logger), nil
	case "mock":
		return radio.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown radio backend %q", cfg.Radio.Backend)
	}
}
