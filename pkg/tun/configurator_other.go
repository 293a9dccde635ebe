//go:build !linux

package tun

import (
	"fmt"
	"runtime"
)

type unsupportedConfigurator struct{}

// NewSystemConfigurator returns a configurator that refuses to apply
// settings on platforms without a host integration.
func NewSystemConfigurator() Configurator { return unsupportedConfigurator{} }

func (unsupportedConfigurator) Apply(name string, s Settings) error {
	return fmt.Errorf("interface configuration not supported on %s", runtime.GOOS)
}

func (unsupportedConfigurator) Revert(name string, s Settings) error { return nil }
