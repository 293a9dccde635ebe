// Package wgconf parses wg-quick style tunnel configuration text into a
// core.TunnelConfig.
//
// Parsing degrades gracefully: malformed optional values fall back to their
// defaults and are logged, and unknown keys or sections are skipped. The only
// failure is a missing identity field (PrivateKey, PublicKey, Endpoint).
//
// A section header that appears twice resets that section: the last
// occurrence wins as a whole, never merged key by key with an earlier one.
package wgconf

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"github.com/irctrakz/wgtunnel/pkg/core"
	"github.com/irctrakz/wgtunnel/pkg/logging"
)

// ErrMissingRequiredField is matched by errors.Is on a ConfigError.
var ErrMissingRequiredField = errors.New("missing required field")

// ErrorKind classifies a ConfigError.
type ErrorKind int

const (
	// MissingRequiredField means an identity field was empty after parsing.
	MissingRequiredField ErrorKind = iota + 1
)

// ConfigError reports why a configuration was rejected.
type ConfigError struct {
	Kind   ErrorKind
	Fields []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("tunnel config: missing required field(s): %s", strings.Join(e.Fields, ", "))
}

// Is lets errors.Is match ErrMissingRequiredField.
func (e *ConfigError) Is(target error) bool {
	return target == ErrMissingRequiredField && e.Kind == MissingRequiredField
}

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
	sectionUnknown
)

var log = logging.WithComponent("wgconf")

// Parse turns configuration text into a tunnel descriptor.
func Parse(text string) (*core.TunnelConfig, error) {
	iface := defaultInterface()
	peer := defaultPeer()

	cur := sectionNone
	sc := bufio.NewScanner(strings.NewReader(text))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := stripComment(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			switch {
			case strings.EqualFold(name, "Interface"):
				cur = sectionInterface
				iface = defaultInterface()
			case strings.EqualFold(name, "Peer"):
				cur = sectionPeer
				peer = defaultPeer()
			default:
				cur = sectionUnknown
				log.Debugf("line %d: skipping unknown section [%s]", lineNo, name)
			}
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			log.Debugf("line %d: ignoring line without '='", lineNo)
			continue
		}
		switch cur {
		case sectionInterface:
			iface.set(lineNo, key, value)
		case sectionPeer:
			peer.set(lineNo, key, value)
		default:
			log.Debugf("line %d: ignoring %s outside a known section", lineNo, key)
		}
	}
	if err := sc.Err(); err != nil {
		// Scanner errors only come from overlong lines; everything read so far
		// is still usable.
		log.Warnf("stopped reading config at line %d: %v", lineNo, err)
	}

	cfg := &core.TunnelConfig{
		PrivateKey:          iface.privateKey,
		InterfaceAddresses:  iface.addresses,
		DNS:                 iface.dns,
		MTU:                 iface.mtu,
		PublicKey:           peer.publicKey,
		Endpoint:            peer.endpoint,
		AllowedIPs:          peer.allowedIPs,
		PersistentKeepalive: peer.keepalive,
	}
	cfg.Compile()

	var missing []string
	if cfg.PrivateKey == "" {
		missing = append(missing, "PrivateKey")
	}
	if cfg.PublicKey == "" {
		missing = append(missing, "PublicKey")
	}
	if cfg.Endpoint == "" {
		missing = append(missing, "Endpoint")
	}
	if len(missing) > 0 {
		return nil, &ConfigError{Kind: MissingRequiredField, Fields: missing}
	}
	return cfg, nil
}

// ParseFile reads and parses a configuration file.
func ParseFile(path string) (*core.TunnelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunnel config: %w", err)
	}
	return Parse(string(data))
}

// stripComment drops everything from the first '#', section headers included.
func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func splitKeyValue(line string) (string, string, bool) {
	k, v, ok := strings.Cut(line, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(k), strings.TrimSpace(v), true
}

type interfaceSection struct {
	privateKey string
	addresses  []netip.Prefix
	dns        []netip.Addr
	mtu        int
}

func defaultInterface() interfaceSection {
	return interfaceSection{dns: core.DefaultDNS(), mtu: core.DefaultMTU}
}

func (s *interfaceSection) set(lineNo int, key, value string) {
	switch strings.ToLower(key) {
	case "privatekey":
		s.privateKey = value
	case "address":
		s.addresses = nil
		for _, item := range splitList(value) {
			p, err := netip.ParsePrefix(item)
			if err != nil {
				log.Warnf("line %d: skipping malformed Address %q", lineNo, item)
				continue
			}
			s.addresses = append(s.addresses, p)
		}
	case "dns":
		var servers []netip.Addr
		for _, item := range splitList(value) {
			a, err := netip.ParseAddr(item)
			if err != nil {
				log.Warnf("line %d: skipping malformed DNS server %q", lineNo, item)
				continue
			}
			servers = append(servers, a)
		}
		if len(servers) == 0 {
			servers = core.DefaultDNS()
		}
		s.dns = servers
	case "mtu":
		s.mtu = parsePositive(lineNo, key, value, core.DefaultMTU, false)
	default:
		log.Debugf("line %d: ignoring unknown [Interface] key %s", lineNo, key)
	}
}

type peerSection struct {
	publicKey  string
	endpoint   string
	allowedIPs []string
	keepalive  int
}

func defaultPeer() peerSection {
	return peerSection{
		allowedIPs: []string{core.CatchAllRoute},
		keepalive:  core.DefaultPersistentKeepalive,
	}
}

func (s *peerSection) set(lineNo int, key, value string) {
	switch strings.ToLower(key) {
	case "publickey":
		s.publicKey = value
	case "endpoint":
		s.endpoint = value
	case "allowedips":
		seen := make(map[string]bool)
		var out []string
		for _, item := range splitList(value) {
			if seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
		if len(out) == 0 {
			log.Warnf("line %d: empty AllowedIPs, keeping %s", lineNo, core.CatchAllRoute)
			out = []string{core.CatchAllRoute}
		}
		s.allowedIPs = out
	case "persistentkeepalive":
		s.keepalive = parsePositive(lineNo, key, value, core.DefaultPersistentKeepalive, true)
	default:
		log.Debugf("line %d: ignoring unknown [Peer] key %s", lineNo, key)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parsePositive parses an integer field, falling back to def on any error.
func parsePositive(lineNo int, key, value string, def int, allowZero bool) int {
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		log.Warnf("line %d: invalid %s %q, using default %d", lineNo, key, value, def)
		return def
	}
	return n
}
