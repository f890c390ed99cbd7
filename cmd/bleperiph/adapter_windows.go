package main

import (
	"fmt"

	"github.com/chaz8081/bleperiph/internal/config"
	"github.com/chaz8081/bleperiph/internal/peripheral"
	"github.com/chaz8081/bleperiph/internal/peripheral/tinyble"
)

// newAdapter maps the adapter setting to an implementation. On Windows the
// native adapter is tinygo bluetooth over WinRT.
func newAdapter(cfg *config.Config) (peripheral.Adapter, error) {
	switch cfg.Adapter {
	case "native", "tinygo":
		return tinyble.New(), nil
	case "sim":
		return newSimAdapter(), nil
	}
	return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
}
