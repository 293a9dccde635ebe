package core

import (
	"errors"
	"fmt"
	"net/netip"
)

const (
	// MaxPacketSize is the largest packet the loop reads from the interface.
	MaxPacketSize = 32767

	// MinIPv4HeaderLen is the size of an IPv4 header without options.
	MinIPv4HeaderLen = 20
)

// Packet errors. Packets failing to parse are dropped, never propagated.
var (
	ErrPacketTooShort     = errors.New("packet shorter than an IPv4 header")
	ErrUnsupportedVersion = errors.New("unsupported IP version")
)

// PacketError describes why a packet was rejected. It unwraps to
// ErrPacketTooShort or ErrUnsupportedVersion.
type PacketError struct {
	Err     error
	Len     int
	Version int
}

func (e *PacketError) Error() string {
	if errors.Is(e.Err, ErrUnsupportedVersion) {
		return fmt.Sprintf("%v %d (%d bytes)", e.Err, e.Version, e.Len)
	}
	return fmt.Sprintf("%v (%d bytes)", e.Err, e.Len)
}

func (e *PacketError) Unwrap() error { return e.Err }

// PacketHeader is the subset of an IPv4 header the data-plane routes on.
type PacketHeader struct {
	Version   int
	HeaderLen int
	TotalLen  int
	Protocol  uint8
	Src       netip.Addr
	Dst       netip.Addr
}

// ParseHeader decodes the IPv4 header at the start of b. It fails with a
// *PacketError wrapping ErrPacketTooShort for fewer than 20 bytes and
// ErrUnsupportedVersion for any version other than 4.
func ParseHeader(b []byte) (PacketHeader, error) {
	if len(b) < MinIPv4HeaderLen {
		return PacketHeader{}, &PacketError{Err: ErrPacketTooShort, Len: len(b)}
	}
	ver := int(b[0] >> 4)
	if ver != 4 {
		return PacketHeader{}, &PacketError{Err: ErrUnsupportedVersion, Len: len(b), Version: ver}
	}
	return PacketHeader{
		Version:   ver,
		HeaderLen: int(b[0]&0x0f) * 4,
		TotalLen:  int(b[2])<<8 | int(b[3]),
		Protocol:  b[9],
		Src:       netip.AddrFrom4([4]byte(b[12:16])),
		Dst:       netip.AddrFrom4([4]byte(b[16:20])),
	}, nil
}
