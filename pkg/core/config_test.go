package core

import (
	"net/netip"
	"strings"
	"testing"
)

// TestDefaultTunnelConfig tests the documented defaults.
func TestDefaultTunnelConfig(t *testing.T) {
	config := DefaultTunnelConfig()

	if config.MTU != 1500 {
		t.Errorf("Expected MTU to be 1500, got %d", config.MTU)
	}

	if config.PersistentKeepalive != 25 {
		t.Errorf("Expected PersistentKeepalive to be 25, got %d", config.PersistentKeepalive)
	}

	if len(config.AllowedIPs) != 1 || config.AllowedIPs[0] != "0.0.0.0/0" {
		t.Errorf("Expected AllowedIPs to be ['0.0.0.0/0'], got %v", config.AllowedIPs)
	}

	if !config.RouteAll() {
		t.Error("Expected default config to route everything")
	}

	if len(config.DNS) != 2 || config.DNS[0].String() != "1.1.1.1" || config.DNS[1].String() != "1.0.0.1" {
		t.Errorf("Expected DNS to be [1.1.1.1 1.0.0.1], got %v", config.DNS)
	}
}

// TestCompileSkipsMalformed tests that only well-formed IPv4 ranges become prefixes.
func TestCompileSkipsMalformed(t *testing.T) {
	config := &TunnelConfig{AllowedIPs: []string{"10.1.2.3/8", "garbage", "fd00::/8", "192.168.0.0/16"}}
	config.Compile()

	want := []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.168.0.0/16"),
	}
	got := config.Prefixes()
	if len(got) != len(want) {
		t.Fatalf("Expected %d prefixes, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected prefix %d to be %s, got %s", i, want[i], got[i])
		}
	}

	if config.RouteAll() {
		t.Error("Expected split config not to route everything")
	}

	// Recompiling after a change must not keep stale prefixes.
	config.AllowedIPs = []string{"0.0.0.0/0"}
	config.Compile()
	if !config.RouteAll() || len(config.Prefixes()) != 1 {
		t.Errorf("Expected a single catch-all prefix, got %v", config.Prefixes())
	}
}

// TestTunnelConfigStringMasksKeys tests that summaries never print key material.
func TestTunnelConfigStringMasksKeys(t *testing.T) {
	config := DefaultTunnelConfig()
	config.PrivateKey = "cHJpdmF0ZS1rZXktbWF0ZXJpYWwtbm90LWZvci1sb2dz"
	config.PublicKey = "cHVibGljLWtleS1tYXRlcmlhbC1hbHNvLWhpZGRlbg=="
	config.Endpoint = "1.2.3.4:51820"

	s := config.String()
	if strings.Contains(s, config.PrivateKey) || strings.Contains(s, config.PublicKey) {
		t.Errorf("Expected keys to be masked, got %q", s)
	}
	if !strings.Contains(s, "1.2.3.4:51820") {
		t.Errorf("Expected endpoint in summary, got %q", s)
	}
}
