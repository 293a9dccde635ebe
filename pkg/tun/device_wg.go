package tun

import (
	"errors"
	"fmt"
	"os"
	"sync"

	wtun "golang.zx2c4.com/wireguard/tun"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// Headroom wireguard-go keeps in front of each packet; Linux needs it for the
// virtio header when offloads are on.
const wgOffset = 16

// wgDevice adapts a wireguard-go tun.Device to core.InterfaceHandle. Batched
// reads are split into single packets.
type wgDevice struct {
	dev  wtun.Device
	name string
	mtu  int

	rmu   sync.Mutex
	bufs  [][]byte
	sizes []int
	next  int
	count int

	wmu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// OpenWireGuard creates an OS TUN device with wireguard-go's tun package.
func OpenWireGuard(name string, mtu int) (core.InterfaceHandle, error) {
	dev, err := wtun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("create tun %s: %w", name, err)
	}
	return newWGDevice(dev, name, mtu), nil
}

func newWGDevice(dev wtun.Device, name string, mtu int) *wgDevice {
	if real, err := dev.Name(); err == nil && real != "" {
		name = real
	}
	if m, err := dev.MTU(); err == nil && m > 0 {
		mtu = m
	}
	batch := dev.BatchSize()
	if batch < 1 {
		batch = 1
	}
	d := &wgDevice{
		dev:    dev,
		name:   name,
		mtu:    mtu,
		bufs:   make([][]byte, batch),
		sizes:  make([]int, batch),
		closed: make(chan struct{}),
	}
	for i := range d.bufs {
		d.bufs[i] = make([]byte, wgOffset+core.MaxPacketSize)
	}
	go d.drainEvents()
	return d
}

func (d *wgDevice) drainEvents() {
	for e := range d.dev.Events() {
		switch e {
		case wtun.EventUp:
			log.Debugf("%s: link up", d.name)
		case wtun.EventDown:
			log.Debugf("%s: link down", d.name)
		case wtun.EventMTUUpdate:
			log.Debugf("%s: mtu changed", d.name)
		}
	}
}

func (d *wgDevice) Name() string { return d.name }
func (d *wgDevice) MTU() int     { return d.mtu }

func (d *wgDevice) ReadPacket(buf []byte) (int, error) {
	d.rmu.Lock()
	defer d.rmu.Unlock()

	for d.next >= d.count {
		if d.isClosed() {
			return 0, core.ErrDeviceClosed
		}
		n, err := d.dev.Read(d.bufs, d.sizes, wgOffset)
		if err != nil {
			if d.isClosed() || errors.Is(err, os.ErrClosed) {
				return 0, core.ErrDeviceClosed
			}
			if errors.Is(err, wtun.ErrTooManySegments) {
				log.Debugf("%s: dropped oversized segment batch", d.name)
				continue
			}
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		d.next, d.count = 0, n
	}

	size := d.sizes[d.next]
	pkt := d.bufs[d.next][wgOffset : wgOffset+size]
	d.next++
	return copy(buf, pkt), nil
}

func (d *wgDevice) WritePacket(pkt []byte) (int, error) {
	if d.isClosed() {
		return 0, core.ErrDeviceClosed
	}
	b := make([]byte, wgOffset+len(pkt))
	copy(b[wgOffset:], pkt)

	d.wmu.Lock()
	_, err := d.dev.Write([][]byte{b}, wgOffset)
	d.wmu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return 0, core.ErrDeviceClosed
		}
		return 0, err
	}
	return len(pkt), nil
}

func (d *wgDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		d.closeErr = d.dev.Close()
	})
	return d.closeErr
}

func (d *wgDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
