// Package tunnel runs the packet loop between the virtual interface, the
// secure transport and the direct path, and the controller that owns a
// session's lifecycle.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/wgtunnel/pkg/capture"
	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/logging"
	"github.com/irctrakz/wgtunnel/pkg/routing"
	"github.com/irctrakz/wgtunnel/pkg/stats"
	"github.com/irctrakz/wgtunnel/pkg/transport"
)

var log = logging.WithComponent("tunnel")

// Backoff between consecutive failed interface reads.
const (
	readBackoffMin = 5 * time.Millisecond
	readBackoffMax = time.Second
)

// LoopConfig wires a Loop to its collaborators.
type LoopConfig struct {
	Handle    core.InterfaceHandle
	Tunnel    *core.TunnelConfig
	Transport core.SecureTransport

	// Direct may be nil; non-tunnel packets are then counted as direct
	// errors.
	Direct core.DirectSender

	Session *stats.Session

	// Capture may be nil.
	Capture *capture.Writer
}

// Loop moves packets for one interface handle. It is bound to that handle
// for its whole life and closes it on exit.
type Loop struct {
	h       core.InterfaceHandle
	cfg     *core.TunnelConfig
	tr      core.SecureTransport
	direct  core.DirectSender
	session *stats.Session
	capture *capture.Writer
}

// NewLoop builds a Loop; nothing runs until Run.
func NewLoop(c LoopConfig) *Loop {
	return &Loop{
		h:       c.Handle,
		cfg:     c.Tunnel,
		tr:      c.Transport,
		direct:  c.Direct,
		session: c.Session,
		capture: c.Capture,
	}
}

// Run forwards packets until ctx is cancelled, returning nil, or until the
// interface or transport goes away underneath it, returning that error.
func (l *Loop) Run(ctx context.Context) error {
	defer l.h.Close()

	g, gctx := errgroup.WithContext(ctx)

	// Closing the handle is what unblocks a pending read.
	stop := context.AfterFunc(gctx, func() { l.h.Close() })
	defer stop()

	g.Go(func() error { return l.outbound(gctx) })
	g.Go(func() error { return l.inbound(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (l *Loop) outbound(ctx context.Context) error {
	buf := make([]byte, core.MaxPacketSize)
	var backoff time.Duration
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := l.h.ReadPacket(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isDeviceClosed(err) {
				return fmt.Errorf("read from %s: %w", l.h.Name(), err)
			}
			backoff = nextBackoff(backoff)
			log.Debugf("read from %s: %v (retry in %s)", l.h.Name(), err, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		backoff = 0
		if n <= 0 {
			continue
		}
		if err := l.forward(buf[:n]); err != nil {
			return err
		}
	}
}

// forward routes one outbound packet. Only a closed transport is returned as
// an error; everything else is a per-packet drop.
func (l *Loop) forward(pkt []byte) error {
	hdr, err := core.ParseHeader(pkt)
	if err != nil {
		if errors.Is(err, core.ErrPacketTooShort) {
			l.session.DropMalformed()
		} else {
			l.session.DropUnsupported()
		}
		if logging.IsDebug() {
			log.Debugf("dropped %d byte packet: %v", len(pkt), err)
		}
		return nil
	}

	switch routing.Classify(hdr, l.cfg) {
	case routing.Tunnel:
		if err := l.tr.EncryptAndSend(pkt, l.cfg.Endpoint); err != nil {
			l.session.TransportError()
			if errors.Is(err, core.ErrTransportClosed) {
				return fmt.Errorf("send to peer: %w", err)
			}
			if transport.IsTransient(err) {
				log.Debugf("tunnel send to %s dropped: %v", hdr.Dst, err)
			} else {
				log.Warnf("tunnel send to %s failed: %v", hdr.Dst, err)
			}
			return nil
		}
		l.session.AddBytesOut(len(pkt))
	default:
		if l.direct == nil {
			l.session.DirectError()
			log.Debugf("no direct path for %s", hdr.Dst)
			return nil
		}
		if err := l.direct.Send(pkt); err != nil {
			l.session.DirectError()
			log.Debugf("direct send to %s failed: %v", hdr.Dst, err)
			return nil
		}
		l.session.AddBytesDirect(len(pkt))
	}
	l.tee(pkt)
	return nil
}

func (l *Loop) inbound(ctx context.Context) error {
	for {
		pkt, err := l.tr.ReceiveDecrypted(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, core.ErrTransportClosed) {
				return fmt.Errorf("receive from peer: %w", err)
			}
			log.Debugf("receive from peer: %v", err)
			continue
		}
		n, err := l.h.WritePacket(pkt)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isDeviceClosed(err) {
				return fmt.Errorf("write to %s: %w", l.h.Name(), err)
			}
			log.Debugf("write to %s: %v", l.h.Name(), err)
			continue
		}
		l.session.AddBytesIn(n)
		l.tee(pkt)
	}
}

func (l *Loop) tee(pkt []byte) {
	if err := l.capture.WritePacket(pkt); err != nil {
		log.Debugf("capture: %v", err)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d < readBackoffMin {
		return readBackoffMin
	}
	d *= 2
	if d > readBackoffMax {
		return readBackoffMax
	}
	return d
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func isDeviceClosed(err error) bool {
	return errors.Is(err, core.ErrDeviceClosed) || errors.Is(err, os.ErrClosed)
}
