// Package direct sends packets to the host network outside the tunnel.
package direct

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/logging"
)

var log = logging.WithComponent("direct")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("direct sender closed")

// headerWriter is the part of *ipv4.RawConn the sender uses.
type headerWriter interface {
	WriteTo(h *ipv4.Header, p []byte, cm *ipv4.ControlMessage) error
	Close() error
}

// RawSender writes whole IPv4 packets, header included, through a raw
// socket. The host routing table picks the egress interface. Needs
// CAP_NET_RAW.
type RawSender struct {
	mu     sync.Mutex
	conn   headerWriter
	closed bool
}

// NewRawSender opens an ip4:255 raw socket in header-included mode.
func NewRawSender() (*RawSender, error) {
	c, err := net.ListenPacket("ip4:255", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	rc, err := ipv4.NewRawConn(c)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("raw conn: %w", err)
	}
	log.Debugf("raw sender ready on %s", c.LocalAddr())
	return newRawSender(rc), nil
}

func newRawSender(w headerWriter) *RawSender {
	return &RawSender{conn: w}
}

// Send writes one IPv4 packet unmodified.
func (s *RawSender) Send(pkt []byte) error {
	hdr, err := core.ParseHeader(pkt)
	if err != nil {
		return err
	}
	h, err := ipv4.ParseHeader(pkt)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	end := hdr.TotalLen
	if end < hdr.HeaderLen || end > len(pkt) {
		end = len(pkt)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.conn.WriteTo(h, pkt[hdr.HeaderLen:end], nil); err != nil {
		return fmt.Errorf("send to %s: %w", hdr.Dst, err)
	}
	return nil
}

// Close releases the socket; later calls are no-ops.
func (s *RawSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
