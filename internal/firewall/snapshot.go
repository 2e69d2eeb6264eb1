package firewall

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	snapshotV4 = "iptables_before.rules"
	snapshotV6 = "ip6tables_before.rules"
)

func snapshotFile(dir string, family Family) string {
	if family == IPv6 {
		return filepath.Join(dir, snapshotV6)
	}
	return filepath.Join(dir, snapshotV4)
}

// SaveSnapshot dumps the host's rules per family into dir so they can be
// restored after the daemon is removed.
func (e *Engine) SaveSnapshot(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var errs []error
	for _, family := range []Family{IPv4, IPv6} {
		if family == IPv6 && !e.ipv6AvailableLocked() {
			continue
		}
		out, err := e.exec.Output(family.Tool() + "-save")
		if err != nil {
			errs = append(errs, fmt.Errorf("%s-save: %w", family.Tool(), err))
			continue
		}
		if err := os.WriteFile(snapshotFile(dir, family), out, 0o600); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HasSnapshot reports whether an IPv4 snapshot exists in dir.
func HasSnapshot(dir string) bool {
	_, err := os.Stat(snapshotFile(dir, IPv4))
	return err == nil
}

// RestoreSnapshot loads each family's snapshot from dir with its own
// restore tool.
func (e *Engine) RestoreSnapshot(dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, family := range []Family{IPv4, IPv6} {
		path := snapshotFile(dir, family)
		if _, err := os.Stat(path); err != nil {
			if family == IPv4 {
				errs = append(errs, fmt.Errorf("no snapshot at %s: %w", path, err))
			}
			continue
		}
		if err := e.exec.Run(family.Tool()+"-restore", path); err != nil {
			errs = append(errs, fmt.Errorf("%s-restore: %w", family.Tool(), err))
		}
	}
	e.mode = ModeOff
	e.applied = nil
	return errors.Join(errs...)
}
