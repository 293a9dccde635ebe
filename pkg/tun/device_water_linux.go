package tun

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/songgao/water"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

type waterDevice struct {
	ifce *water.Interface
	mtu  int

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// OpenWater creates an OS TUN device with songgao/water. The MTU is applied
// by the configurator.
func OpenWater(name string, mtu int) (core.InterfaceHandle, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", name, err)
	}
	return &waterDevice{ifce: ifce, mtu: mtu, closed: make(chan struct{})}, nil
}

func (d *waterDevice) Name() string { return d.ifce.Name() }
func (d *waterDevice) MTU() int     { return d.mtu }

func (d *waterDevice) ReadPacket(buf []byte) (int, error) {
	n, err := d.ifce.Read(buf)
	if err != nil {
		if d.isClosed() || errors.Is(err, os.ErrClosed) {
			return 0, core.ErrDeviceClosed
		}
		return 0, err
	}
	return n, nil
}

func (d *waterDevice) WritePacket(pkt []byte) (int, error) {
	if d.isClosed() {
		return 0, core.ErrDeviceClosed
	}
	n, err := d.ifce.Write(pkt)
	if err != nil && errors.Is(err, os.ErrClosed) {
		return 0, core.ErrDeviceClosed
	}
	return n, err
}

func (d *waterDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.closeErr = d.ifce.Close()
	})
	return d.closeErr
}

func (d *waterDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
