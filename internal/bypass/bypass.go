// Package bypass routes the traffic of processes in the bypass_qomui
// net_cls cgroup around the VPN through the physical gateway.
package bypass

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"qomui/internal/diaglog"
	"qomui/internal/firewall"
	"qomui/internal/runner"
	"qomui/internal/supervisor"
)

const (
	CgroupName   = "bypass_qomui"
	ClassID      = "0x00110011"
	Mark         = "11"
	TableID      = 11
	TableName    = "bypass_qomui"
	SplitDNSPort = "5354"

	// ResolverQueryPort is the source port of the split resolver's upstream
	// queries. The resolver runs outside the cgroup; this port is what gets
	// its queries marked into the bypass table.
	ResolverQueryPort = "5355"

	deleteLoopLimit = 64
)

// ErrNoGateway is returned when bypass is requested without a default route.
var ErrNoGateway = errors.New("no default gateway")

// Options describe the uplink the bypass table routes through.
type Options struct {
	Interface  string
	Gateway    string
	Interface6 string
	Gateway6   string
	DNS1       string
	DNS2       string
	// User and Group own the cgroup so the frontend can cgexec into it.
	User  string
	Group string
}

// Paths locate the host files the manager touches.
type Paths struct {
	CgroupRoot string
	RTTables   string
	ProcSys    string
	PidFile    string
}

// DefaultPaths returns the host locations.
func DefaultPaths(cgroupRoot, rtTables, stateDir string) Paths {
	return Paths{
		CgroupRoot: cgroupRoot,
		RTTables:   rtTables,
		ProcSys:    "/proc/sys",
		PidFile:    filepath.Join(stateDir, "dnsmasq_bypass.pid"),
	}
}

// RuleInstaller is the part of the firewall engine bypass needs.
type RuleInstaller interface {
	AddRule(rule firewall.Rule, family firewall.Family) error
	IPv6Available() bool
}

// Spawner starts and stops the split resolver.
type Spawner interface {
	Spawn(spec supervisor.Spec) (*supervisor.Handle, error)
	Kill(h *supervisor.Handle) error
}

// State is what the host currently has installed.
type State struct {
	Active   bool `json:"active"`
	Cgroup   bool `json:"cgroup"`
	IPRule   bool `json:"ipRule"`
	Resolver bool `json:"resolver"`
}

// Manager owns the cgroup, its routing table and the split resolver.
type Manager struct {
	exec  runner.Executor
	fw    RuleInstaller
	spawn Spawner
	paths Paths
	log   *diaglog.Manager

	mu        sync.Mutex
	active    bool
	opts      Options
	installed []namedRule
	resolver  *supervisor.Handle
	rpSaved   map[string]string
}

func NewManager(exec runner.Executor, fw RuleInstaller, spawn Spawner, paths Paths, log *diaglog.Manager) *Manager {
	if exec == nil {
		exec = runner.New(runner.DefaultTimeout)
	}
	return &Manager{exec: exec, fw: fw, spawn: spawn, paths: paths, log: log, rpSaved: make(map[string]string)}
}

func (m *Manager) cgroupDir() string {
	return filepath.Join(m.paths.CgroupRoot, CgroupName)
}

// Active reports whether bypass is enabled.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Options returns the uplink of the active bypass.
func (m *Manager) Options() Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

// Enable tears down any previous bypass and builds it again for opts. On
// failure everything already installed is removed again.
func (m *Manager) Enable(opts Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disableLocked(opts.Interface)
	if strings.TrimSpace(opts.Interface) == "" || strings.TrimSpace(opts.Gateway) == "" {
		return ErrNoGateway
	}
	if err := m.enableLocked(opts); err != nil {
		m.log.Errorf("bypass enable failed, rolling back: %v", err)
		m.disableLocked(opts.Interface)
		return err
	}
	m.active = true
	m.opts = opts
	m.log.Infof("bypass enabled via %s gateway %s", opts.Interface, opts.Gateway)
	return nil
}

func (m *Manager) enableLocked(opts Options) error {
	if err := m.ensureRouteTable(); err != nil {
		return err
	}
	if err := m.createCgroup(opts); err != nil {
		return err
	}

	ipv6 := opts.Gateway6 != "" && m.fw.IPv6Available()
	for _, named := range bypassRules(opts, ipv6, m.fw.IPv6Available()) {
		if err := m.fw.AddRule(named.rule, named.family); err != nil {
			return fmt.Errorf("bypass rule %s: %w", named.name, err)
		}
		m.installed = append(m.installed, named)
	}

	if err := m.installRouting(false, opts.Gateway, opts.Interface); err != nil {
		return err
	}
	if ipv6 {
		iface := opts.Interface6
		if iface == "" {
			iface = opts.Interface
		}
		if err := m.installRouting(true, opts.Gateway6, iface); err != nil {
			m.log.Warnf("bypass ipv6 routing: %v", err)
		}
	}

	m.relaxReversePath(opts.Interface)
	m.startResolver(opts)
	return nil
}

// Disable removes the cgroup, rules, routing and resolver. It is safe to
// call when nothing is installed.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableLocked(m.opts.Interface)
}

// Cleanup removes leftovers of a previous daemon run that used iface.
func (m *Manager) Cleanup(iface string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableLocked(iface)
}

func (m *Manager) disableLocked(iface string) {
	m.stopResolver()

	rules := m.installed
	if len(rules) == 0 && iface != "" {
		stale := Options{Interface: iface}
		v6 := m.fw.IPv6Available()
		rules = bypassRules(stale, v6, v6)
		if v6 {
			// The previous run may have routed or dropped IPv6.
			rules = append(rules, bypassRules(stale, false, true)[len(bypassRules(stale, false, false)):]...)
		}
	}
	for i := len(rules) - 1; i >= 0; i-- {
		_ = m.fw.AddRule(deleteForm(rules[i].rule), rules[i].family)
	}
	m.installed = nil

	for _, v6 := range []bool{false, true} {
		args := []string{"rule", "del", "fwmark", Mark, "table", TableName}
		flush := []string{"route", "flush", "table", TableName}
		if v6 {
			args = append([]string{"-6"}, args...)
			flush = append([]string{"-6"}, flush...)
		}
		for i := 0; i < deleteLoopLimit; i++ {
			if err := m.exec.Run("ip", args...); err != nil {
				break
			}
		}
		_ = m.exec.Run("ip", flush...)
	}

	m.removeCgroup()
	m.restoreReversePath()
	if m.active {
		m.log.Infof("bypass disabled")
	}
	m.active = false
	m.opts = Options{}
}

// RestoreRoute points the bypass table back at the physical gateway after a
// bypass tunnel replaced its default route.
func (m *Manager) RestoreRoute() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return nil
	}
	return m.exec.Run("ip", "route", "replace", "default", "via", m.opts.Gateway, "dev", m.opts.Interface, "table", TableName)
}

// State inspects the host for the cgroup and its ip rule.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := State{Active: m.active, Resolver: m.resolver != nil}
	if info, err := os.Stat(m.cgroupDir()); err == nil && info.IsDir() {
		state.Cgroup = true
	}
	state.IPRule = m.hasIPRule(false)
	return state
}

func (m *Manager) installRouting(v6 bool, gateway, iface string) error {
	prefix := func(args ...string) []string {
		if v6 {
			return append([]string{"-6"}, args...)
		}
		return args
	}
	if !m.hasIPRule(v6) {
		if err := m.exec.Run("ip", prefix("rule", "add", "fwmark", Mark, "table", TableName)...); err != nil {
			return fmt.Errorf("add bypass ip rule: %w", err)
		}
	}
	_ = m.exec.Run("ip", prefix("route", "flush", "table", TableName)...)
	if err := m.exec.Run("ip", prefix("route", "add", "default", "via", gateway, "dev", iface, "table", TableName)...); err != nil {
		return fmt.Errorf("add bypass default route: %w", err)
	}
	return nil
}

func (m *Manager) hasIPRule(v6 bool) bool {
	args := []string{"rule", "show"}
	if v6 {
		args = append([]string{"-6"}, args...)
	}
	out, err := m.exec.Output("ip", args...)
	if err != nil {
		return false
	}
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		mark, table, ok := parseIPRuleLine(scanner.Text())
		if !ok {
			continue
		}
		if mark == TableID && (table == TableName || table == strconv.Itoa(TableID)) {
			return true
		}
	}
	return false
}

// parseIPRuleLine extracts the fwmark and lookup table of an ip rule line.
func parseIPRuleLine(line string) (uint64, string, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	var mark uint64
	markFound := false
	table := ""
	for i := 0; i < len(fields)-1; i++ {
		switch fields[i] {
		case "fwmark":
			raw := strings.Split(fields[i+1], "/")[0]
			if n, err := strconv.ParseUint(raw, 0, 32); err == nil {
				mark = n
				markFound = true
			}
		case "lookup", "table":
			table = fields[i+1]
		}
	}
	if !markFound || table == "" {
		return 0, "", false
	}
	return mark, table, true
}

// ensureRouteTable registers "11 bypass_qomui" in rt_tables once.
func (m *Manager) ensureRouteTable() error {
	data, err := os.ReadFile(m.paths.RTTables)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", m.paths.RTTables, err)
	}
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == TableName {
			if fields[0] != strconv.Itoa(TableID) {
				m.log.Warnf("%s maps %s to table %s", m.paths.RTTables, TableName, fields[0])
			}
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(m.paths.RTTables), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(m.paths.RTTables, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", m.paths.RTTables, err)
	}
	defer f.Close()
	entry := fmt.Sprintf("%d\t%s\n", TableID, TableName)
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		entry = "\n" + entry
	}
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append %s: %w", m.paths.RTTables, err)
	}
	return nil
}

func (m *Manager) createCgroup(opts Options) error {
	if opts.User != "" {
		owner := opts.User
		if opts.Group != "" {
			owner += ":" + opts.Group
		}
		if err := m.exec.Run("cgcreate", "-t", owner, "-a", owner, "-g", "net_cls:"+CgroupName); err != nil {
			m.log.Warnf("cgcreate failed, creating %s directly: %v", m.cgroupDir(), err)
		}
	}
	if err := os.MkdirAll(m.cgroupDir(), 0o755); err != nil {
		return fmt.Errorf("create cgroup: %w", err)
	}
	classFile := filepath.Join(m.cgroupDir(), "net_cls.classid")
	if err := os.WriteFile(classFile, []byte(ClassID), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", classFile, err)
	}
	return nil
}

func (m *Manager) removeCgroup() {
	dir := m.cgroupDir()
	err := os.Remove(dir)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return
	}
	if errors.Is(err, unix.ENOTEMPTY) || errors.Is(err, unix.EEXIST) {
		// Not a cgroup filesystem; the directory holds ordinary files.
		err = os.RemoveAll(dir)
	}
	if err != nil {
		m.log.Warnf("remove cgroup %s: %v", dir, err)
	}
}

func (m *Manager) relaxReversePath(iface string) {
	for _, name := range []string{"all", iface} {
		path := filepath.Join(m.paths.ProcSys, "net", "ipv4", "conf", name, "rp_filter")
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		value := strings.TrimSpace(string(data))
		if value != "1" {
			continue
		}
		if err := os.WriteFile(path, []byte("2\n"), 0o644); err != nil {
			m.log.Warnf("set %s to loose mode: %v", path, err)
			continue
		}
		m.rpSaved[path] = value
	}
}

func (m *Manager) restoreReversePath() {
	for path, value := range m.rpSaved {
		if err := os.WriteFile(path, []byte(value+"\n"), 0o644); err != nil {
			m.log.Warnf("restore %s: %v", path, err)
		}
		delete(m.rpSaved, path)
	}
}

func (m *Manager) startResolver(opts Options) {
	if m.spawn == nil {
		return
	}
	servers := make([]string, 0, 2)
	for _, server := range []string{opts.DNS1, opts.DNS2} {
		if strings.TrimSpace(server) != "" {
			servers = append(servers, "--server="+strings.TrimSpace(server))
		}
	}
	if len(servers) == 0 {
		servers = append(servers, "--server="+opts.Gateway)
	}
	argv := []string{
		"dnsmasq",
		"--keep-in-foreground",
		"--no-resolv",
		"--port=" + SplitDNSPort,
		"--interface=" + opts.Interface,
		"--pid-file=" + m.paths.PidFile,
		"--query-port=" + ResolverQueryPort,
	}
	argv = append(argv, servers...)
	handle, err := m.spawn.Spawn(supervisor.Spec{Kind: supervisor.KindDnsmasq, Argv: argv})
	if err != nil {
		m.log.Errorf("split resolver: %v", err)
		return
	}
	go func() {
		for line := range handle.Lines() {
			m.log.Debugf("dnsmasq: %s", line)
		}
	}()
	m.resolver = handle
}

func (m *Manager) stopResolver() {
	if m.resolver != nil && m.spawn != nil {
		if err := m.spawn.Kill(m.resolver); err != nil {
			m.log.Warnf("stop split resolver: %v", err)
		}
		m.resolver = nil
	}
	m.killStaleResolver()
}

// killStaleResolver stops a dnsmasq left behind by a previous daemon run.
func (m *Manager) killStaleResolver() {
	if m.paths.PidFile == "" {
		return
	}
	data, err := os.ReadFile(m.paths.PidFile)
	if err != nil {
		return
	}
	defer os.Remove(m.paths.PidFile)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 1 {
		return
	}
	comm, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil || strings.TrimSpace(string(comm)) != "dnsmasq" {
		return
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		m.log.Warnf("kill stale dnsmasq %d: %v", pid, err)
	}
}
