//go:build !linux

package tun

import (
	"fmt"
	"runtime"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// OpenWater is only wired up on Linux.
func OpenWater(name string, mtu int) (core.InterfaceHandle, error) {
	return nil, fmt.Errorf("water driver not supported on %s", runtime.GOOS)
}
