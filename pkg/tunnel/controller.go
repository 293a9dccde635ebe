package tunnel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/irctrakz/wgtunnel/pkg/capture"
	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/stats"
	"github.com/irctrakz/wgtunnel/pkg/transport"
	"github.com/irctrakz/wgtunnel/pkg/wgconf"
)

// InterfaceManager establishes and releases the virtual interface;
// *tun.Manager implements it.
type InterfaceManager interface {
	Establish(cfg *core.TunnelConfig) (core.InterfaceHandle, error)
	Close(h core.InterfaceHandle) error
}

// TransportFactory starts a secure transport for cfg.
type TransportFactory func(ctx context.Context, cfg *core.TunnelConfig) (core.SecureTransport, error)

// DirectFactory opens the direct-send path.
type DirectFactory func() (core.DirectSender, error)

// Options wires a Controller.
type Options struct {
	Interfaces InterfaceManager
	Transport  TransportFactory

	// Direct is only used for split configurations. Nil leaves packets
	// outside the allowed ranges undeliverable.
	Direct DirectFactory

	// Capture, when set, receives every forwarded packet.
	Capture *capture.Writer
}

// Controller owns one tunnel session at a time. Start and Stop are
// serialised; Status may be called at any time.
type Controller struct {
	opts    Options
	session *stats.Session

	mu  sync.Mutex
	cur atomic.Pointer[run]
}

type run struct {
	cfg       *core.TunnelConfig
	handle    core.InterfaceHandle
	transport core.SecureTransport
	direct    core.DirectSender
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ core.Tunnel = (*Controller)(nil)

// queueMetrics is implemented by transports that count their own drops.
type queueMetrics interface {
	Metrics() transport.ChanTUNMetrics
}

// NewController returns an idle controller.
func NewController(opts Options) *Controller {
	return &Controller{opts: opts, session: stats.NewSession()}
}

// Session exposes the counters; mainly for tests.
func (c *Controller) Session() *stats.Session { return c.session }

// Start parses configText and brings the tunnel up. Starting while connected
// is a no-op. Any failure leaves nothing behind.
func (c *Controller) Start(configText string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r := c.cur.Load(); r != nil {
		select {
		case <-r.done:
		default:
			if c.session.Connected() {
				log.Warnf("start ignored: tunnel already connected (session %s)", c.session.Snapshot().SessionID)
				return nil
			}
			// The loop failed on its own and is finishing its teardown.
			<-r.done
		}
		c.cur.Store(nil)
	}

	cfg, err := wgconf.Parse(configText)
	if err != nil {
		return fmt.Errorf("parse tunnel config: %w", err)
	}
	return c.startLocked(cfg)
}

func (c *Controller) startLocked(cfg *core.TunnelConfig) (err error) {
	h, err := c.opts.Interfaces.Establish(cfg)
	if err != nil {
		return fmt.Errorf("establish interface: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cfg: cfg, handle: h, cancel: cancel, done: make(chan struct{})}
	defer func() {
		if err != nil {
			c.release(r)
			cancel()
		}
	}()

	tr, err := c.opts.Transport(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	r.transport = tr

	if !cfg.RouteAll() && c.opts.Direct != nil {
		ds, derr := c.opts.Direct()
		if derr != nil {
			return fmt.Errorf("open direct path: %w", derr)
		}
		r.direct = ds
	}

	loop := NewLoop(LoopConfig{
		Handle:    h,
		Tunnel:    cfg,
		Transport: r.transport,
		Direct:    r.direct,
		Session:   c.session,
		Capture:   c.opts.Capture,
	})

	c.session.Begin()
	c.cur.Store(r)
	go c.supervise(ctx, r, loop)

	log.Infof("tunnel up on %s: session=%s %s", h.Name(), c.session.Snapshot().SessionID, cfg)
	return nil
}

// supervise runs the loop and tears the session down however it ends.
func (c *Controller) supervise(ctx context.Context, r *run, loop *Loop) {
	err := loop.Run(ctx)
	if err != nil {
		log.Errorf("packet loop stopped: %v", err)
		c.session.SetLastError(err)
	}
	// Disconnected before release so a concurrent Start waits on done.
	c.session.End()
	c.release(r)
	close(r.done)
}

// release closes whatever r holds, transport first.
func (c *Controller) release(r *run) {
	if r.transport != nil {
		if err := r.transport.Close(); err != nil {
			log.Warnf("close transport: %v", err)
		}
	}
	if r.direct != nil {
		if err := r.direct.Close(); err != nil {
			log.Warnf("close direct path: %v", err)
		}
	}
	if err := c.opts.Interfaces.Close(r.handle); err != nil {
		log.Warnf("close interface: %v", err)
	}
}

// Stop cancels the loop, waits for it to exit and tears the session down.
// Stopping an idle controller is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.cur.Load()
	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done
	c.cur.Store(nil)
	log.Infof("tunnel down")
	return nil
}

// Status reports the session counters and the transport's health.
func (c *Controller) Status() core.Status {
	st := c.session.Snapshot()
	r := c.cur.Load()
	if r == nil || !st.Connected {
		return st
	}
	h := r.transport.Health()
	st.TransportHealthy = h.Healthy
	st.LastHandshake = h.LastHandshake
	if h.Err != nil && st.LastError == "" {
		st.LastError = h.Err.Error()
	}
	if m, ok := r.transport.(queueMetrics); ok {
		st.QueueDrops = m.Metrics().QueueDrops
	}
	return st
}

// Connect is the hosting shell's name for Start.
func (c *Controller) Connect(configText string) error { return c.Start(configText) }

// Disconnect is the hosting shell's name for Stop.
func (c *Controller) Disconnect() error { return c.Stop() }

// GetStatus returns Status as a flat map.
func (c *Controller) GetStatus() map[string]any { return c.Status().AsMap() }
