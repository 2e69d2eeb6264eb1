// Package netmon watches interface operstate and the default gateway.
package netmon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"qomui/internal/diaglog"
)

// ErrLinkLost is passed to the down handler when the uplink goes away.
var ErrLinkLost = errors.New("network link lost")

const (
	DefaultInterval = 2 * time.Second
	DefaultSysRoot  = "/sys/class/net"
)

var ignoredPrefixes = []string{"lo", "tun", "wg", "tap"}

// Monitor polls operstate and reports down→up and up→down transitions.
type Monitor struct {
	root     string
	interval time.Duration
	finder   Finder
	log      *diaglog.Manager

	mu      sync.Mutex
	states  map[string]bool
	online  bool
	primed  bool
	gateway Gateway
	onUp    func(Gateway)
	onDown  func(error)
}

func New(root string, interval time.Duration, finder Finder, log *diaglog.Manager) *Monitor {
	if root == "" {
		root = DefaultSysRoot
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{root: root, interval: interval, finder: finder, log: log, states: make(map[string]bool)}
}

// OnUp registers the handler for a link coming up. It receives the freshly
// read gateway.
func (m *Monitor) OnUp(fn func(Gateway)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUp = fn
}

// OnDown registers the handler for the uplink going down.
func (m *Monitor) OnDown(fn func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDown = fn
}

// Gateway returns the last known default gateway.
func (m *Monitor) Gateway() Gateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gateway
}

// Online reports whether any watched interface is up.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Refresh re-reads the default gateway.
func (m *Monitor) Refresh() (Gateway, error) {
	gw, err := m.finder.DefaultGateway()
	m.mu.Lock()
	m.gateway = gw
	m.mu.Unlock()
	if err != nil {
		m.log.Debugf("default gateway lookup: %v", err)
	}
	return gw, err
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.Poll()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Poll()
		}
	}
}

// Poll reads every interface once and fires handlers for transitions. The
// first poll only records the baseline.
func (m *Monitor) Poll() {
	current := m.readStates()

	m.mu.Lock()
	previous := m.states
	primed := m.primed
	uplink := m.gateway.Interface
	m.states = current
	m.primed = true
	wasOnline := m.online
	m.online = anyUp(current)
	onUp, onDown := m.onUp, m.onDown
	m.mu.Unlock()

	if !primed {
		if m.online {
			_, _ = m.Refresh()
		}
		return
	}

	cameUp := make([]string, 0)
	wentDown := make([]string, 0)
	for name, up := range current {
		if up && !previous[name] {
			cameUp = append(cameUp, name)
		}
		if !up && previous[name] {
			wentDown = append(wentDown, name)
		}
	}
	for name, up := range previous {
		if _, ok := current[name]; !ok && up {
			wentDown = append(wentDown, name)
		}
	}
	sort.Strings(cameUp)
	sort.Strings(wentDown)

	lost := false
	for _, name := range wentDown {
		m.log.Infof("interface %s went down", name)
		if name == uplink {
			lost = true
		}
	}
	if wasOnline && !m.online {
		lost = true
	}
	if lost {
		m.mu.Lock()
		m.gateway = Gateway{}
		m.mu.Unlock()
		if onDown != nil {
			onDown(ErrLinkLost)
		}
	}

	if len(cameUp) > 0 {
		m.log.Infof("interface %s came up", strings.Join(cameUp, ", "))
		gw, err := m.Refresh()
		if err == nil && onUp != nil {
			onUp(gw)
		}
	}
}

func (m *Monitor) readStates() map[string]bool {
	states := make(map[string]bool)
	entries, err := os.ReadDir(m.root)
	if err != nil {
		m.log.Warnf("read %s: %v", m.root, err)
		return states
	}
	for _, entry := range entries {
		name := entry.Name()
		if ignored(name) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, name, "operstate"))
		if err != nil {
			continue
		}
		states[name] = strings.TrimSpace(string(data)) == "up"
	}
	return states
}

func ignored(name string) bool {
	for _, prefix := range ignoredPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func anyUp(states map[string]bool) bool {
	for _, up := range states {
		if up {
			return true
		}
	}
	return false
}
