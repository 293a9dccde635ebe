package transport

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/wgtunnel/pkg/core"
)

// PeerState is one peer as reported by the device's UAPI get operation.
type PeerState struct {
	PublicKey     string // hex, as UAPI reports it
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

func parseDeviceState(state string) []PeerState {
	var peers []PeerState
	var cur *PeerState
	var sec, nsec int64

	flush := func() {
		if cur == nil {
			return
		}
		if sec > 0 {
			cur.LastHandshake = time.Unix(sec, nsec)
		}
		peers = append(peers, *cur)
	}

	for _, line := range strings.Split(state, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			flush()
			cur = &PeerState{PublicKey: value}
			sec, nsec = 0, 0
		case "endpoint":
			if cur != nil {
				cur.Endpoint = value
			}
		case "last_handshake_time_sec", "latest_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "last_handshake_time_nsec":
			nsec, _ = strconv.ParseInt(value, 10, 64)
		case "rx_bytes":
			if cur != nil {
				cur.RxBytes, _ = strconv.ParseUint(value, 10, 64)
			}
		case "tx_bytes":
			if cur != nil {
				cur.TxBytes, _ = strconv.ParseUint(value, 10, 64)
			}
		}
	}
	flush()
	return peers
}

// findPeer matches a base64 or hex public key against parsed peers.
func findPeer(peers []PeerState, key string) (PeerState, bool) {
	want := strings.ToLower(strings.TrimSpace(key))
	if raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key)); err == nil && len(raw) == 32 {
		want = hex.EncodeToString(raw)
	}
	for _, p := range peers {
		if p.PublicKey == want {
			return p, true
		}
	}
	return PeerState{}, false
}

func logPeerStatus(p PeerState, now time.Time) {
	handshake := "never"
	if !p.LastHandshake.IsZero() {
		age := now.Sub(p.LastHandshake)
		switch {
		case age < time.Minute:
			handshake = fmt.Sprintf("%d seconds ago", int(age.Seconds()))
		case age < time.Hour:
			handshake = fmt.Sprintf("%d minutes ago", int(age.Minutes()))
		default:
			handshake = fmt.Sprintf("%d hours ago", int(age.Hours()))
		}
	}
	log.Infof("peer %s: handshake=%s endpoint=%s transfer=rx:%d/tx:%d bytes",
		core.MaskKey(p.PublicKey), handshake, p.Endpoint, p.RxBytes, p.TxBytes)
}
