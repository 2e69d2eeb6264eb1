// Package dns switches the system resolver to a tunnel's DNS servers and
// back.
package dns

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	mdns "github.com/miekg/dns"

	"qomui/internal/diaglog"
	"qomui/internal/runner"
)

// Marker opens every resolv.conf the daemon writes.
const Marker = "#modified by Qomui"

// MaxServers is the number of resolvers installed per connection.
const MaxServers = 2

// Manager owns /etc/resolv.conf and its backup.
type Manager struct {
	exec        runner.Executor
	log         *diaglog.Manager
	resolvPath  string
	backupPath  string
	hasResolved func() bool

	mu         sync.Mutex
	wroteFile  bool
	interfaces []string
}

// NewManager creates a manager for resolvPath with its backup at backupPath.
func NewManager(exec runner.Executor, resolvPath, backupPath string, log *diaglog.Manager) *Manager {
	if exec == nil {
		exec = runner.New(runner.DefaultTimeout)
	}
	return &Manager{
		exec:        exec,
		log:         log,
		resolvPath:  resolvPath,
		backupPath:  backupPath,
		hasResolved: func() bool { return runner.Available("systemd-resolve") },
	}
}

// UseResolved forces or disables the systemd-resolve path.
func (m *Manager) UseResolved(fn func() bool) {
	m.mu.Lock()
	m.hasResolved = fn
	m.mu.Unlock()
}

// Backup copies resolv.conf to the backup file. A resolv.conf still carrying
// the daemon's marker is left alone so a crash never overwrites the real
// backup with a rewritten file.
func (m *Manager) Backup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := os.ReadFile(m.resolvPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", m.resolvPath, err)
	}
	if bytes.HasPrefix(data, []byte(Marker)) {
		m.log.Warnf("%s carries the qomui marker, keeping existing backup", m.resolvPath)
		return nil
	}
	if err := writeFileAtomic(m.backupPath, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", m.backupPath, err)
	}
	m.log.Debugf("backed up %s to %s", m.resolvPath, m.backupPath)
	return nil
}

// Set points the system at servers. With systemd-resolve available the
// servers are set per link on the tunnel and physical interfaces; otherwise
// resolv.conf is rewritten.
func (m *Manager) Set(tunDev, physDev string, servers []string) error {
	servers = cleanServers(servers)
	if len(servers) == 0 {
		return errors.New("no dns servers to set")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasResolved != nil && m.hasResolved() {
		var errs []error
		_ = m.exec.Run("systemd-resolve", "--flush-caches")
		m.interfaces = m.interfaces[:0]
		for _, iface := range []string{tunDev, physDev} {
			if iface == "" {
				continue
			}
			args := []string{"--interface=" + iface}
			for _, server := range servers {
				args = append(args, "--set-dns="+server)
			}
			if err := m.exec.Run("systemd-resolve", args...); err != nil {
				errs = append(errs, err)
				continue
			}
			m.interfaces = append(m.interfaces, iface)
		}
		if len(errs) == 0 {
			m.log.Infof("dns set via systemd-resolve on %v: %v", m.interfaces, servers)
			return nil
		}
		m.log.Warnf("systemd-resolve failed, rewriting %s: %v", m.resolvPath, errors.Join(errs...))
	}

	var b strings.Builder
	b.WriteString(Marker + "\n")
	for _, server := range servers {
		b.WriteString("nameserver " + server + "\n")
	}
	if err := writeFileAtomic(m.resolvPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", m.resolvPath, err)
	}
	m.wroteFile = true
	m.log.Infof("dns set in %s: %v", m.resolvPath, servers)
	return nil
}

// Restore undoes Set. A missing backup is logged and tolerated.
func (m *Manager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, iface := range m.interfaces {
		if err := m.exec.Run("systemd-resolve", "--revert", "--interface="+iface); err != nil {
			m.log.Warnf("systemd-resolve revert on %s: %v", iface, err)
		}
	}
	if len(m.interfaces) > 0 {
		_ = m.exec.Run("systemd-resolve", "--flush-caches")
		m.interfaces = nil
	}

	current, _ := os.ReadFile(m.resolvPath)
	if !m.wroteFile && !bytes.HasPrefix(current, []byte(Marker)) {
		return nil
	}
	data, err := os.ReadFile(m.backupPath)
	if err != nil {
		m.log.Warnf("no resolv.conf backup at %s: %v", m.backupPath, err)
		return nil
	}
	if err := writeFileAtomic(m.resolvPath, data, 0o644); err != nil {
		return fmt.Errorf("restore %s: %w", m.resolvPath, err)
	}
	m.wroteFile = false
	m.log.Infof("restored %s from backup", m.resolvPath)
	return nil
}

// Current returns the nameservers presently listed in resolv.conf.
func (m *Manager) Current() ([]string, error) {
	cfg, err := mdns.ClientConfigFromFile(m.resolvPath)
	if err != nil {
		return nil, err
	}
	return cfg.Servers, nil
}

var pushedDNS = regexp.MustCompile(`dhcp-option DNS6? ([0-9A-Fa-f:.]+)`)

// ParsePushedDNS extracts up to two resolvers from an OpenVPN
// "PUSH: Received control message" line.
func ParsePushedDNS(line string) []string {
	matches := pushedDNS.FindAllStringSubmatch(line, -1)
	out := make([]string, 0, MaxServers)
	for _, match := range matches {
		out = append(out, match[1])
		if len(out) == MaxServers {
			break
		}
	}
	return out
}

func cleanServers(servers []string) []string {
	out := make([]string, 0, MaxServers)
	seen := make(map[string]struct{}, len(servers))
	for _, server := range servers {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if _, ok := seen[server]; ok {
			continue
		}
		seen[server] = struct{}{}
		out = append(out, server)
		if len(out) == MaxServers {
			break
		}
	}
	return out
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".qomui-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
