// Package settings reads the user preferences file the frontend publishes
// into the daemon's state directory.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ErrConfiguration marks a malformed preferences file. Callers receive the
// defaults alongside it.
var ErrConfiguration = errors.New("configuration error")

// FileName is the preferences file inside the state directory.
const FileName = "config.json"

// Flag is a boolean stored the way the frontend writes it: 0 or 1.
type Flag bool

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte("1"), nil
	}
	return []byte("0"), nil
}

func (f *Flag) UnmarshalJSON(data []byte) error {
	raw := string(bytes.TrimSpace(data))
	switch raw {
	case "1", "true", `"1"`, `"true"`:
		*f = true
		return nil
	case "0", "false", `"0"`, `"false"`, "null", `""`:
		*f = false
		return nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		*f = n != 0
		return nil
	}
	return fmt.Errorf("invalid flag value %s", raw)
}

// Settings are the persisted user preferences.
type Settings struct {
	Firewall      Flag              `json:"firewall"`
	Autoconnect   Flag              `json:"autoconnect"`
	Bypass        Flag              `json:"bypass"`
	IPv6Disable   Flag              `json:"ipv6_disable"`
	AltDNS        Flag              `json:"alt_dns"`
	AltDNS1       string            `json:"alt_dns1"`
	AltDNS2       string            `json:"alt_dns2"`
	BlockLAN      Flag              `json:"block_lan"`
	PreserveRules Flag              `json:"preserve_rules"`
	FwGUIOnly     Flag              `json:"fw_gui_only"`
	LogLevel      string            `json:"log_level"`
	LastServer    map[string]string `json:"last_server,omitempty"`
	LastHop       map[string]string `json:"last_hop,omitempty"`
}

// Defaults returns the preferences used when no file exists.
func Defaults() Settings {
	return Settings{
		AltDNS1:  "208.67.222.222",
		AltDNS2:  "208.67.220.220",
		LogLevel: "info",
	}
}

// FirewallMode maps the preferences onto the firewall engine's apply mode:
// 1 when the kill-switch is on, 2 when it only runs with the GUI, 0 otherwise.
func (s Settings) FirewallMode() int {
	switch {
	case bool(s.Firewall && s.FwGUIOnly):
		return 2
	case bool(s.Firewall):
		return 1
	default:
		return 0
	}
}

// AltServers returns the configured alternative resolvers, skipping blanks.
func (s Settings) AltServers() []string {
	servers := make([]string, 0, 2)
	for _, value := range []string{s.AltDNS1, s.AltDNS2} {
		if value != "" {
			servers = append(servers, value)
		}
	}
	return servers
}

// Manager caches the preferences file.
type Manager struct {
	path   string
	mu     sync.RWMutex
	cached Settings
	loaded bool
}

// NewManager creates a manager for the file at settingsPath.
func NewManager(settingsPath string) *Manager {
	return &Manager{path: settingsPath}
}

// Path returns the backing file.
func (m *Manager) Path() string {
	return m.path
}

// Get returns the cached settings, loading from disk if necessary.
func (m *Manager) Get() (Settings, error) {
	m.mu.RLock()
	if m.loaded {
		defer m.mu.RUnlock()
		return m.cached, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return m.cached, nil
	}
	return m.loadLocked()
}

// Reload discards the cache and reads the file again. The frontend replaces
// the file out of band, so operations that act on preferences reload first.
func (m *Manager) Reload() (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	return m.loadLocked()
}

func (m *Manager) loadLocked() (Settings, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.cached = Defaults()
			m.loaded = true
			return m.cached, nil
		}
		return Defaults(), err
	}

	settings := Defaults()
	if err := json.Unmarshal(data, &settings); err != nil {
		m.cached = Defaults()
		m.loaded = true
		return m.cached, fmt.Errorf("%w: %s: %v", ErrConfiguration, m.path, err)
	}
	m.cached = settings
	m.loaded = true
	return settings, nil
}

// Update loads the current settings, applies fn and persists the result.
func (m *Manager) Update(fn func(*Settings)) error {
	current, err := m.Get()
	if err != nil && !errors.Is(err, ErrConfiguration) {
		return err
	}
	fn(&current)
	return m.Save(current)
}

// Save persists the provided settings to disk.
func (m *Manager) Save(settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return err
	}
	m.cached = settings
	m.loaded = true
	return nil
}
