package main

import (
	"fmt"

	"github.com/chaz8081/bleperiph/internal/config"
	"github.com/chaz8081/bleperiph/internal/peripheral"
	"github.com/chaz8081/bleperiph/internal/peripheral/bluez"
	"github.com/chaz8081/bleperiph/internal/peripheral/tinyble"
)

// newAdapter maps the adapter setting to an implementation. On Linux the
// native adapter talks to BlueZ over D-Bus.
func newAdapter(cfg *config.Config) (peripheral.Adapter, error) {
	switch cfg.Adapter {
	case "native":
		a, err := bluez.New(bluez.Options{
			AdapterID:      cfg.BlueZ.Adapter,
			RequestTimeout: cfg.BlueZ.RequestTimeout,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "tinygo":
		return tinyble.New(), nil
	case "sim":
		return newSimAdapter(), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
}
