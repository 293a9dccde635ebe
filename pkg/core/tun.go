package core

import "errors"

// ErrDeviceClosed is returned by an InterfaceHandle once it has been closed.
var ErrDeviceClosed = errors.New("interface closed")

// InterfaceHandle is an established virtual network device.
type InterfaceHandle interface {
	// Name returns the OS name of the device.
	Name() string

	// MTU returns the device MTU.
	MTU() int

	// ReadPacket blocks until one packet is copied into buf and returns its
	// length. It returns ErrDeviceClosed after Close.
	ReadPacket(buf []byte) (int, error)

	// WritePacket writes one IP packet to the device.
	WritePacket(pkt []byte) (int, error)

	// Close releases the device. Calling it more than once is a no-op.
	Close() error
}
