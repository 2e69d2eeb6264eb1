package dns

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"qomui/internal/runner"
)

const originalResolv = "# generated by NetworkManager\nsearch lan\nnameserver 192.168.1.1\n"

func newTestManager(t *testing.T, resolved bool) (*Manager, *runner.Mock, string, string) {
	t.Helper()
	dir := t.TempDir()
	resolv := filepath.Join(dir, "resolv.conf")
	backup := filepath.Join(dir, "resolv.conf.qomui.bak")
	if err := os.WriteFile(resolv, []byte(originalResolv), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	mock := &runner.Mock{}
	manager := NewManager(mock, resolv, backup, nil)
	manager.UseResolved(func() bool { return resolved })
	return manager, mock, resolv, backup
}

func TestSetAndRestoreRoundTrip(t *testing.T) {
	manager, _, resolv, _ := newTestManager(t, false)
	if err := manager.Backup(); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if err := manager.Set("tun0", "eth0", []string{"10.8.0.1", "10.8.0.2", "10.8.0.3"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	written, _ := os.ReadFile(resolv)
	want := Marker + "\nnameserver 10.8.0.1\nnameserver 10.8.0.2\n"
	if string(written) != want {
		t.Fatalf("expected %q, got %q", want, written)
	}
	servers, err := manager.Current()
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	if len(servers) != 2 || servers[0] != "10.8.0.1" {
		t.Fatalf("unexpected current servers %v", servers)
	}
	if err := manager.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	restored, _ := os.ReadFile(resolv)
	if !bytes.Equal(restored, []byte(originalResolv)) {
		t.Fatalf("expected byte-equal restore, got %q", restored)
	}
}

func TestBackupSkipsMarkedFile(t *testing.T) {
	manager, _, resolv, backup := newTestManager(t, false)
	if err := manager.Backup(); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if err := os.WriteFile(resolv, []byte(Marker+"\nnameserver 10.8.0.1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := manager.Backup(); err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	data, _ := os.ReadFile(backup)
	if string(data) != originalResolv {
		t.Fatalf("backup overwritten with marked file: %q", data)
	}
	// A stale marked file from a crashed run is still restored.
	if err := manager.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	restored, _ := os.ReadFile(resolv)
	if string(restored) != originalResolv {
		t.Fatalf("expected stale file restored, got %q", restored)
	}
}

func TestRestoreWithoutBackupIsTolerated(t *testing.T) {
	manager, _, _, _ := newTestManager(t, false)
	if err := manager.Set("tun0", "", []string{"10.8.0.1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := manager.Restore(); err != nil {
		t.Fatalf("expected missing backup to be tolerated, got %v", err)
	}
}

func TestSetUsesSystemdResolve(t *testing.T) {
	manager, mock, resolv, _ := newTestManager(t, true)
	if err := manager.Set("tun0", "eth0", []string{"10.8.0.1"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	calls := mock.Calls()
	for _, expected := range []string{
		"systemd-resolve --flush-caches",
		"systemd-resolve --interface=tun0 --set-dns=10.8.0.1",
		"systemd-resolve --interface=eth0 --set-dns=10.8.0.1",
	} {
		found := false
		for _, call := range calls {
			if call == expected {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected %q in %#v", expected, calls)
		}
	}
	data, _ := os.ReadFile(resolv)
	if string(data) != originalResolv {
		t.Fatalf("resolv.conf must not be touched with systemd-resolve, got %q", data)
	}
	mock.Reset()
	if err := manager.Restore(); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if !strings.Contains(strings.Join(mock.Calls(), "\n"), "systemd-resolve --revert --interface=tun0") {
		t.Fatalf("expected revert call, got %#v", mock.Calls())
	}
}

func TestSetRejectsEmpty(t *testing.T) {
	manager, _, _, _ := newTestManager(t, false)
	if err := manager.Set("tun0", "eth0", []string{" ", ""}); err == nil {
		t.Fatalf("expected error for empty server list")
	}
}

func TestParsePushedDNS(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{
			name: "two servers",
			line: "PUSH: Received control message: 'PUSH_REPLY,redirect-gateway def1,dhcp-option DNS 10.8.0.1,dhcp-option DNS 10.8.0.2,route-gateway 10.8.0.1'",
			want: []string{"10.8.0.1", "10.8.0.2"},
		},
		{
			name: "capped at two",
			line: "PUSH: Received control message: 'PUSH_REPLY,dhcp-option DNS 1.1.1.1,dhcp-option DNS 1.0.0.1,dhcp-option DNS 9.9.9.9'",
			want: []string{"1.1.1.1", "1.0.0.1"},
		},
		{
			name: "ipv6",
			line: "PUSH: Received control message: 'PUSH_REPLY,dhcp-option DNS6 fd00::1'",
			want: []string{"fd00::1"},
		},
		{
			name: "none",
			line: "PUSH: Received control message: 'PUSH_REPLY,ping 10'",
			want: nil,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ParsePushedDNS(tc.line)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("expected %v, got %v", tc.want, got)
				}
			}
		})
	}
}
