// Package systemd installs and drives the qomui service unit and its bus
// policy.
package systemd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"qomui/internal/ipc"
	"qomui/internal/runner"
)

// ServiceName is the unit the daemon runs as.
const ServiceName = "qomui.service"

// PolicyFile is the bus policy installed next to the system bus config.
const PolicyFile = ipc.BusName + ".conf"

var unitNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+\.service$`)

// ServiceManager defines systemd operations needed by other packages.
type ServiceManager interface {
	InstallService(binary string) error
	InstallPolicy(userName string) error
	Restart(unitName string) error
	Status(unitName string) (string, error)
}

// Manager manages the unit file, the bus policy and service operations.
type Manager struct {
	unitsDir   string
	systemdDir string
	policyDir  string
	exec       runner.Executor
}

// NewManager creates a manager using the stock Linux paths. Canonical unit
// files live under stateDir so a reinstall can relink them.
func NewManager(stateDir string, exec runner.Executor) *Manager {
	trimmed := strings.TrimSpace(stateDir)
	if trimmed == "" {
		trimmed = "/usr/share/qomui"
	}
	return NewManagerWithDeps(filepath.Join(trimmed, "units"), "/etc/systemd/system", "/etc/dbus-1/system.d", exec)
}

// NewManagerWithDeps creates a manager with custom paths and executor.
func NewManagerWithDeps(unitsDir, systemdDir, policyDir string, exec runner.Executor) *Manager {
	if exec == nil {
		exec = runner.New(0)
	}
	return &Manager{
		unitsDir:   unitsDir,
		systemdDir: systemdDir,
		policyDir:  policyDir,
		exec:       exec,
	}
}

// InstallService writes the daemon unit for binary, links it into the
// systemd directory, reloads and enables it.
func (m *Manager) InstallService(binary string) error {
	if !filepath.IsAbs(binary) {
		return fmt.Errorf("daemon binary path %q must be absolute", binary)
	}
	if err := m.WriteUnit(ServiceName, unitContent(binary)); err != nil {
		return err
	}
	return m.runSystemctl("enable", ServiceName)
}

// InstallPolicy writes the bus policy granting userName access to the
// service interface.
func (m *Manager) InstallPolicy(userName string) error {
	content, err := ipc.PolicyXML(userName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.policyDir, 0o755); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.policyDir, PolicyFile), []byte(content), 0o644)
}

// WriteUnit writes canonical unit content, ensures the symlink in the
// systemd directory, and reloads the daemon.
func (m *Manager) WriteUnit(unitName, content string) error {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return err
	}
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("unit content must not be empty")
	}
	if err := os.MkdirAll(m.unitsDir, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(m.systemdDir, 0o755); err != nil {
		return err
	}

	canonicalPath := filepath.Join(m.unitsDir, resolved)
	if err := writeFileAtomic(canonicalPath, []byte(content), 0o644); err != nil {
		return err
	}
	if err := ensureSymlink(canonicalPath, filepath.Join(m.systemdDir, resolved)); err != nil {
		return err
	}
	return m.daemonReload()
}

// Restart runs `systemctl restart <unit>`.
func (m *Manager) Restart(unitName string) error {
	return m.runSystemctl("restart", unitName)
}

// Status runs `systemctl is-active <unit>` and returns the resulting state string.
func (m *Manager) Status(unitName string) (string, error) {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return "", err
	}
	out, runErr := m.exec.Output("systemctl", "is-active", resolved)
	status := strings.TrimSpace(string(out))
	if runErr != nil {
		return status, fmt.Errorf("systemctl is-active %s: %w", resolved, runErr)
	}
	return status, nil
}

func (m *Manager) runSystemctl(action, unitName string) error {
	resolved, err := normalizeUnitName(unitName)
	if err != nil {
		return err
	}
	if err := m.exec.Run("systemctl", action, resolved); err != nil {
		return fmt.Errorf("systemctl %s %s: %w", action, resolved, err)
	}
	return nil
}

func (m *Manager) daemonReload() error {
	if err := m.exec.Run("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %w", err)
	}
	return nil
}

func normalizeUnitName(unitName string) (string, error) {
	trimmed := strings.TrimSpace(unitName)
	if trimmed == "" {
		return "", fmt.Errorf("unit name is required")
	}
	if !strings.HasSuffix(trimmed, ".service") {
		trimmed += ".service"
	}
	if filepath.Base(trimmed) != trimmed || strings.ContainsAny(trimmed, `/\\`) {
		return "", fmt.Errorf("invalid unit name %q", unitName)
	}
	if !unitNamePattern.MatchString(trimmed) {
		return "", fmt.Errorf("invalid unit name %q", unitName)
	}
	return trimmed, nil
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, content, mode); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func ensureSymlink(targetPath, linkPath string) error {
	if existingTarget, err := os.Readlink(linkPath); err == nil {
		if existingTarget == targetPath {
			return nil
		}
		if err := os.Remove(linkPath); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		if err := os.Remove(linkPath); err != nil {
			return err
		}
	}
	return os.Symlink(targetPath, linkPath)
}
