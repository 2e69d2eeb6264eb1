package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestInstallMovesAllowedFile(t *testing.T) {
	srcDir := t.TempDir()
	stateDir := t.TempDir()
	src := filepath.Join(srcDir, "config.json")
	if err := os.WriteFile(src, []byte(`{"firewall":1}`), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	dst, err := install(src, stateDir, false)
	if err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if dst != filepath.Join(stateDir, "config.json") {
		t.Fatalf("unexpected destination %q", dst)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("stat destination: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Fatalf("expected mode 0644, got %o", info.Mode().Perm())
	}
	data, _ := os.ReadFile(dst)
	if string(data) != `{"firewall":1}` {
		t.Fatalf("unexpected content %q", data)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source removed, got %v", err)
	}
	if _, err := os.Stat(dst + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind: %v", err)
	}
}

func TestInstallRejectsOtherNames(t *testing.T) {
	srcDir := t.TempDir()
	stateDir := t.TempDir()
	tests := []string{"passwd", "firewall_default.json", "config.json.bak"}
	for _, name := range tests {
		src := filepath.Join(srcDir, name)
		if err := os.WriteFile(src, []byte("x"), 0o600); err != nil {
			t.Fatalf("write source: %v", err)
		}
		if _, err := install(src, stateDir, false); !errors.Is(err, errNotAllowed) {
			t.Fatalf("%s: expected errNotAllowed, got %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(stateDir, name)); !os.IsNotExist(err) {
			t.Fatalf("%s: must not be copied", name)
		}
	}
}

func TestInstallRejectsSymlink(t *testing.T) {
	srcDir := t.TempDir()
	target := filepath.Join(srcDir, "secret")
	if err := os.WriteFile(target, []byte("x"), 0o600); err != nil {
		t.Fatalf("write target: %v", err)
	}
	link := filepath.Join(srcDir, "firewall.json")
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := install(link, t.TempDir(), false); err == nil {
		t.Fatalf("expected symlink source to be rejected")
	}
}
