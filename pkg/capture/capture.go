// Package capture tees plaintext IPv4 packets into a pcap file (LINKTYPE_RAW)
// so a session can be inspected with Wireshark or tcpdump.
package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65535

// Writer appends packets to a pcap stream. A nil *Writer discards packets.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	now    func() time.Time
}

// Create truncates path and writes the pcap file header.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the pcap file header to out.
func NewWriter(out io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(out)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Writer{w: pw, now: time.Now}, nil
}

// WritePacket records one packet. Packets longer than the snap length are
// truncated in the capture.
func (c *Writer) WritePacket(pkt []byte) error {
	if c == nil || len(pkt) == 0 {
		return nil
	}
	data := pkt
	if len(data) > snapLen {
		data = data[:snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     c.now(),
		CaptureLength: len(data),
		Length:        len(pkt),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.w == nil {
		return nil
	}
	return c.w.WritePacket(ci, data)
}

// Close flushes and closes the underlying file, if any.
func (c *Writer) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w = nil
	if c.closer != nil {
		err := c.closer.Close()
		c.closer = nil
		return err
	}
	return nil
}
