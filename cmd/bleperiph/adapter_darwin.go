package main

import (
	"errors"
	"fmt"

	"github.com/chaz8081/bleperiph/internal/config"
	"github.com/chaz8081/bleperiph/internal/peripheral"
	"github.com/chaz8081/bleperiph/internal/peripheral/corebluetooth"
)

// newAdapter maps the adapter setting to an implementation. On macOS the
// native adapter is a CBPeripheralManager; tinygo bluetooth has no
// peripheral role there.
func newAdapter(cfg *config.Config) (peripheral.Adapter, error) {
	switch cfg.Adapter {
	case "native":
		return corebluetooth.New(corebluetooth.DefaultWait), nil
	case "tinygo":
		return nil, errors.New("tinygo bluetooth does not support the peripheral role on macOS; use native")
	case "sim":
		return newSimAdapter(), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
}
