// Package transport implements core.SecureTransport on top of wireguard-go.
// The Noise handshake, cipher, keepalives and retries all stay inside
// wireguard-go; this package only feeds it plaintext through a channel TUN.
package transport

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"

	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/logging"
)

var log = logging.WithComponent("transport")

const (
	// DefaultQueueCap is the per-direction plaintext queue size.
	DefaultQueueCap = 1024

	// HandshakeTimeout is how long the peer may go without a completed
	// handshake before the transport reports itself unhealthy.
	HandshakeTimeout = 180 * time.Second

	monitorInterval = 30 * time.Second
)

// Options tunes a WireGuard transport.
type Options struct {
	// ListenPort is the local UDP port; 0 picks a random one.
	ListenPort int

	// QueueCap overrides DefaultQueueCap.
	QueueCap int

	// Bind overrides the UDP bind; defaults to conn.NewDefaultBind.
	Bind conn.Bind

	// Now overrides the clock used for health checks.
	Now func() time.Time
}

// WireGuard is a core.SecureTransport backed by a wireguard-go device.
type WireGuard struct {
	dev     *wgdev.Device
	tun     *ChanTUN
	peerKey string
	started time.Time
	now     func() time.Time

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewWireGuard starts a wireguard-go device configured for cfg's single peer.
// The endpoint host is resolved once here.
func NewWireGuard(ctx context.Context, cfg *core.TunnelConfig, opts Options) (*WireGuard, error) {
	endpoint, err := resolveEndpoint(ctx, cfg.Endpoint)
	if err != nil {
		return nil, &Error{Op: "start", Err: err}
	}
	uapi, err := buildUAPI(cfg, endpoint, opts.ListenPort)
	if err != nil {
		return nil, &Error{Op: "start", Err: err}
	}

	queueCap := opts.QueueCap
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	bind := opts.Bind
	if bind == nil {
		bind = conn.NewDefaultBind()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	tun := NewChanTUN("wg-transport", cfg.MTU, queueCap)
	dev := wgdev.NewDevice(tun, bind, newDeviceLogger())

	if logging.IsDebug() {
		log.Debugf("UAPI config:\n%s", redactUAPI(uapi))
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, &Error{Op: "start", Err: fmt.Errorf("IpcSet: %w", err)}
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, &Error{Op: "start", Err: fmt.Errorf("device up: %w", err)}
	}

	mctx, cancel := context.WithCancel(context.Background())
	w := &WireGuard{
		dev:     dev,
		tun:     tun,
		peerKey: cfg.PublicKey,
		started: now(),
		now:     now,
		cancel:  cancel,
	}
	log.Infof("wireguard device up: peer=%s endpoint=%s listen_port=%d", core.MaskKey(cfg.PublicKey), endpoint, opts.ListenPort)

	if logging.IsDebug() {
		go w.monitor(mctx)
	}
	return w, nil
}

// EncryptAndSend queues pkt for encryption. The peer endpoint is fixed when
// the device is configured, so endpoint is not consulted per packet.
func (w *WireGuard) EncryptAndSend(pkt []byte, endpoint string) error {
	if err := w.tun.Enqueue(pkt); err != nil {
		return &Error{Op: "send", Transient: err == ErrQueueFull, Err: err}
	}
	return nil
}

// ReceiveDecrypted blocks for the next decrypted packet.
func (w *WireGuard) ReceiveDecrypted(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.tun.Done():
		return nil, &Error{Op: "receive", Err: ErrClosed}
	case pkt := <-w.tun.Decrypted():
		return pkt, nil
	}
}

// Health reports unhealthy when no handshake completed within
// HandshakeTimeout of start, or the last one is older than that.
func (w *WireGuard) Health() core.TransportHealth {
	select {
	case <-w.tun.Done():
		return core.TransportHealth{Err: ErrClosed}
	default:
	}
	state, err := w.dev.IpcGet()
	if err != nil {
		return core.TransportHealth{Err: fmt.Errorf("read device state: %w", err)}
	}
	var last time.Time
	if p, ok := findPeer(parseDeviceState(state), w.peerKey); ok {
		last = p.LastHandshake
	}
	return evaluateHealth(w.started, last, w.now())
}

// Metrics returns the plaintext queue counters.
func (w *WireGuard) Metrics() ChanTUNMetrics { return w.tun.Metrics() }

// Close tears down the device; safe to call more than once.
func (w *WireGuard) Close() error {
	w.closeOnce.Do(func() {
		w.cancel()
		w.dev.Close()
		w.tun.Close()
		log.Infof("wireguard device closed")
	})
	return nil
}

func (w *WireGuard) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := w.dev.IpcGet()
			if err != nil {
				log.Warnf("handshake monitor: failed to get device state: %v", err)
				continue
			}
			for _, p := range parseDeviceState(state) {
				logPeerStatus(p, w.now())
			}
		}
	}
}

func evaluateHealth(started, last, now time.Time) core.TransportHealth {
	h := core.TransportHealth{Healthy: true, LastHandshake: last}
	switch {
	case last.IsZero() && now.Sub(started) > HandshakeTimeout:
		h.Healthy = false
		h.Err = fmt.Errorf("no handshake within %s", HandshakeTimeout)
	case !last.IsZero() && now.Sub(last) > HandshakeTimeout:
		h.Healthy = false
		h.Err = fmt.Errorf("last handshake %s ago", now.Sub(last).Truncate(time.Second))
	}
	return h
}

// resolveEndpoint turns host:port into ip:port; UAPI only accepts literals.
func resolveEndpoint(ctx context.Context, endpoint string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return net.JoinHostPort(addr.Unmap().String(), port), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("resolve %s: no IPv4 address", host)
	}
	return net.JoinHostPort(addrs[0].Unmap().String(), port), nil
}

// buildUAPI renders the device configuration in wireguard-go's UAPI text
// form. Keys are converted from base64 to hex.
func buildUAPI(cfg *core.TunnelConfig, endpoint string, listenPort int) (string, error) {
	priv, err := keyToHex(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("private key: %w", err)
	}
	pub, err := keyToHex(cfg.PublicKey)
	if err != nil {
		return "", fmt.Errorf("public key: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", priv)
	fmt.Fprintf(&b, "listen_port=%d\n", listenPort)
	b.WriteString("replace_peers=true\n")
	fmt.Fprintf(&b, "public_key=%s\n", pub)
	fmt.Fprintf(&b, "endpoint=%s\n", endpoint)
	if cfg.PersistentKeepalive > 0 {
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", cfg.PersistentKeepalive)
	}
	b.WriteString("replace_allowed_ips=true\n")
	if cfg.RouteAll() {
		fmt.Fprintf(&b, "allowed_ip=%s\n", core.CatchAllRoute)
	} else {
		for _, p := range cfg.Prefixes() {
			fmt.Fprintf(&b, "allowed_ip=%s\n", p)
		}
	}
	return b.String(), nil
}

// keyToHex accepts a base64 key as written by wg-quick, or one already in
// hex.
func keyToHex(k string) (string, error) {
	k = strings.TrimSpace(k)
	if raw, err := base64.StdEncoding.DecodeString(k); err == nil && len(raw) == 32 {
		return hex.EncodeToString(raw), nil
	}
	if raw, err := hex.DecodeString(k); err == nil && len(raw) == 32 {
		return strings.ToLower(k), nil
	}
	return "", fmt.Errorf("must be base64 or hex of 32 bytes")
}

func redactUAPI(uapi string) string {
	lines := strings.Split(uapi, "\n")
	for i, l := range lines {
		if v, ok := strings.CutPrefix(l, "private_key="); ok && len(v) > 6 {
			lines[i] = "private_key=" + strings.Repeat("*", len(v)-6) + v[len(v)-6:]
		}
	}
	return strings.Join(lines, "\n")
}

// newDeviceLogger routes wireguard-go's log lines into logrus. Verbose output
// is only produced at debug level.
func newDeviceLogger() *wgdev.Logger {
	entry := logging.WithComponent("wireguard-go")
	l := &wgdev.Logger{
		Verbosef: wgdev.DiscardLogf,
		Errorf:   entry.Errorf,
	}
	if logging.IsDebug() {
		l.Verbosef = entry.Debugf
	}
	return l
}
