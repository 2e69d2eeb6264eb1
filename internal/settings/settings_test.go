package settings

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManagerGetMissingReturnsDefaults(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), FileName))
	current, err := manager.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if bool(current.Firewall || current.Bypass) || current.AltDNS1 != "208.67.222.222" {
		t.Fatalf("unexpected defaults: %+v", current)
	}
	if current.FirewallMode() != 0 {
		t.Fatalf("expected firewall mode 0, got %d", current.FirewallMode())
	}
}

func TestManagerReadsFrontendFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	raw := `{
  "firewall": 1,
  "autoconnect": 0,
  "bypass": true,
  "ipv6_disable": 1,
  "alt_dns": 1,
  "alt_dns1": "9.9.9.9",
  "alt_dns2": "",
  "block_lan": 1,
  "preserve_rules": 0,
  "fw_gui_only": 0,
  "log_level": "Debug",
  "last_server": {"name": "se-sto-001", "ip": "10.0.0.1"}
}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	current, err := NewManager(path).Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !current.Firewall || !current.Bypass || !current.IPv6Disable || !current.BlockLAN || current.Autoconnect {
		t.Fatalf("unexpected flags: %+v", current)
	}
	if current.FirewallMode() != 1 {
		t.Fatalf("expected firewall mode 1, got %d", current.FirewallMode())
	}
	if servers := current.AltServers(); len(servers) != 1 || servers[0] != "9.9.9.9" {
		t.Fatalf("unexpected alt servers: %v", servers)
	}
	if current.LastServer["ip"] != "10.0.0.1" {
		t.Fatalf("unexpected last server: %v", current.LastServer)
	}
}

func TestManagerMalformedReturnsDefaultsWithError(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(`{"firewall": "maybe"`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	current, err := NewManager(path).Get()
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if current.AltDNS1 != Defaults().AltDNS1 || bool(current.Firewall) {
		t.Fatalf("expected defaults on error, got %+v", current)
	}
}

func TestManagerSaveReloadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	manager := NewManager(path)
	if err := manager.Update(func(s *Settings) {
		s.Firewall = true
		s.FwGUIOnly = true
		s.LastHop = map[string]string{"ip": "10.0.0.2"}
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !json0or1(string(data)) {
		t.Fatalf("expected numeric flags in %s", data)
	}
	reloaded, err := NewManager(path).Reload()
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reloaded.FirewallMode() != 2 || reloaded.LastHop["ip"] != "10.0.0.2" {
		t.Fatalf("unexpected reloaded settings: %+v", reloaded)
	}
}

func json0or1(text string) bool {
	return strings.Contains(text, `"firewall": 1`) && strings.Contains(text, `"bypass": 0`)
}

func TestFirewallModeFromFlags(t *testing.T) {
	cases := []struct {
		firewall, guiOnly Flag
		want              int
	}{
		{false, false, 0},
		{false, true, 0},
		{true, false, 1},
		{true, true, 2},
	}
	for _, tc := range cases {
		s := Settings{Firewall: tc.firewall, FwGUIOnly: tc.guiOnly}
		if got := s.FirewallMode(); got != tc.want {
			t.Fatalf("firewall=%v gui_only=%v: expected mode %d, got %d", tc.firewall, tc.guiOnly, tc.want, got)
		}
	}
}
