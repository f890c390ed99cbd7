//go:build !linux && !darwin && !windows

package main

import (
	"fmt"

	"github.com/chaz8081/bleperiph/internal/config"
	"github.com/chaz8081/bleperiph/internal/peripheral"
)

// newAdapter maps the adapter setting to an implementation. Only the
// simulated adapter exists on this platform.
func newAdapter(cfg *config.Config) (peripheral.Adapter, error) {
	if cfg.Adapter == "sim" {
		return newSimAdapter(), nil
	}
	return nil, fmt.Errorf("adapter %q is not supported on this platform", cfg.Adapter)
}
