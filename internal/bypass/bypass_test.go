package bypass

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"qomui/internal/firewall"
	"qomui/internal/runner"
	"qomui/internal/supervisor"
)

type fakeFirewall struct {
	mu    sync.Mutex
	ipv6  bool
	rules map[string]bool
	calls []string
	fail  string
}

func newFakeFirewall(ipv6 bool) *fakeFirewall {
	return &fakeFirewall{ipv6: ipv6, rules: make(map[string]bool)}
}

func (f *fakeFirewall) key(rule firewall.Rule, family firewall.Family) string {
	body := deleteForm(rule)
	return family.Tool() + " " + strings.Join(body, " ")
}

func (f *fakeFirewall) AddRule(rule firewall.Rule, family firewall.Family) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := family.Tool() + " " + strings.Join(rule, " ")
	f.calls = append(f.calls, line)
	if f.fail != "" && strings.Contains(line, f.fail) {
		return errors.New("exit status 1")
	}
	key := f.key(rule, family)
	for _, token := range rule {
		if token == "-D" {
			delete(f.rules, key)
			return nil
		}
	}
	f.rules[key] = true
	return nil
}

func (f *fakeFirewall) IPv6Available() bool {
	return f.ipv6
}

func (f *fakeFirewall) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rules)
}

type fakeSpawner struct {
	mu     sync.Mutex
	specs  []supervisor.Spec
	feeds  []*supervisor.Feed
	killed int
}

func (s *fakeSpawner) Spawn(spec supervisor.Spec) (*supervisor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, feed := supervisor.NewFeed(spec.Kind, 1000+len(s.specs))
	s.specs = append(s.specs, spec)
	s.feeds = append(s.feeds, feed)
	return h, nil
}

func (s *fakeSpawner) Kill(h *supervisor.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killed++
	for _, feed := range s.feeds {
		feed.Exit(nil)
	}
	return nil
}

// ipRules models "ip rule add/del/show" for the bypass mark.
type ipRules struct {
	mu      sync.Mutex
	present map[string]bool
}

func (r *ipRules) hook(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	family := "4"
	if strings.HasPrefix(key, "ip -6 ") {
		family = "6"
	}
	switch {
	case strings.Contains(key, " rule add fwmark "):
		r.present[family] = true
	case strings.Contains(key, " rule del fwmark "):
		if !r.present[family] {
			return errors.New("RTNETLINK answers: No such file or directory")
		}
		delete(r.present, family)
	}
	return nil
}

type fixture struct {
	manager *Manager
	mock    *runner.Mock
	fw      *fakeFirewall
	spawn   *fakeSpawner
	rules   *ipRules
	paths   Paths
}

func newFixture(t *testing.T, ipv6 bool) *fixture {
	t.Helper()
	root := t.TempDir()
	paths := Paths{
		CgroupRoot: filepath.Join(root, "net_cls"),
		RTTables:   filepath.Join(root, "iproute2", "rt_tables"),
		ProcSys:    filepath.Join(root, "sys"),
		PidFile:    filepath.Join(root, "dnsmasq.pid"),
	}
	if err := os.MkdirAll(filepath.Dir(paths.RTTables), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(paths.RTTables, []byte("255\tlocal\n254\tmain\n253\tdefault"), 0o644); err != nil {
		t.Fatalf("write rt_tables: %v", err)
	}
	for _, name := range []string{"all", "eth0"} {
		dir := filepath.Join(paths.ProcSys, "net", "ipv4", "conf", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "rp_filter"), []byte("1\n"), 0o644); err != nil {
			t.Fatalf("write rp_filter: %v", err)
		}
	}
	rules := &ipRules{present: make(map[string]bool)}
	mock := &runner.Mock{RunHook: rules.hook, Outputs: map[string][]byte{}}
	fw := newFakeFirewall(ipv6)
	spawn := &fakeSpawner{}
	return &fixture{
		manager: NewManager(mock, fw, spawn, paths, nil),
		mock:    mock,
		fw:      fw,
		spawn:   spawn,
		rules:   rules,
		paths:   paths,
	}
}

func joinCalls(calls [][]string) []string {
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, strings.Join(call, " "))
	}
	return out
}

func containsCall(calls []string, expected string) bool {
	for _, call := range calls {
		if call == expected {
			return true
		}
	}
	return false
}

func readTrim(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return strings.TrimSpace(string(data))
}

func TestEnableBuildsCgroupRoutingAndResolver(t *testing.T) {
	f := newFixture(t, false)
	opts := Options{Interface: "eth0", Gateway: "192.168.1.1", DNS1: "9.9.9.9", User: "alice", Group: "users"}
	if err := f.manager.Enable(opts); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	if got := readTrim(t, filepath.Join(f.paths.CgroupRoot, CgroupName, "net_cls.classid")); got != ClassID {
		t.Fatalf("unexpected classid %q", got)
	}
	table := readTrim(t, f.paths.RTTables)
	if !strings.HasSuffix(table, "253\tdefault\n11\tbypass_qomui") {
		t.Fatalf("rt_tables not extended correctly:\n%s", table)
	}

	calls := joinCalls(f.mock.RunCalls)
	for _, expected := range []string{
		"cgcreate -t alice:users -a alice:users -g net_cls:bypass_qomui",
		"ip rule add fwmark 11 table bypass_qomui",
		"ip route add default via 192.168.1.1 dev eth0 table bypass_qomui",
	} {
		if !containsCall(calls, expected) {
			t.Fatalf("expected call %q, got %v", expected, calls)
		}
	}

	fwCalls := f.fw.calls
	for _, expected := range []string{
		"iptables -t mangle -A OUTPUT -m cgroup --cgroup 0x00110011 -j MARK --set-mark 11",
		"iptables -t nat -A POSTROUTING -m cgroup --cgroup 0x00110011 -o eth0 -j MASQUERADE",
		"iptables -t nat -A OUTPUT -m cgroup --cgroup 0x00110011 -p udp --dport 53 -j REDIRECT --to-ports 5354",
		"iptables -I OUTPUT 1 -m cgroup --cgroup 0x00110011 -j ACCEPT",
	} {
		if !containsCall(fwCalls, expected) {
			t.Fatalf("expected firewall rule %q, got %v", expected, fwCalls)
		}
	}

	for _, name := range []string{"all", "eth0"} {
		if got := readTrim(t, filepath.Join(f.paths.ProcSys, "net", "ipv4", "conf", name, "rp_filter")); got != "2" {
			t.Fatalf("rp_filter %s = %q, want 2", name, got)
		}
	}

	if len(f.spawn.specs) != 1 {
		t.Fatalf("expected one resolver spawn, got %d", len(f.spawn.specs))
	}
	argv := strings.Join(f.spawn.specs[0].Argv, " ")
	for _, part := range []string{"dnsmasq", "--port=5354", "--interface=eth0", "--server=9.9.9.9", "--no-resolv"} {
		if !strings.Contains(argv, part) {
			t.Fatalf("resolver argv %q missing %q", argv, part)
		}
	}

	state := f.manager.State()
	if !state.Active || !state.Cgroup || !state.Resolver {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestResolverEscapesDNSRedirect(t *testing.T) {
	f := newFixture(t, false)
	opts := Options{Interface: "eth0", Gateway: "192.168.1.1", DNS1: "9.9.9.9"}
	if err := f.manager.Enable(opts); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if len(f.spawn.specs) != 1 {
		t.Fatalf("expected one resolver spawn, got %d", len(f.spawn.specs))
	}
	argv := f.spawn.specs[0].Argv
	if argv[0] != "dnsmasq" {
		t.Fatalf("resolver must not run inside the cgroup: %v", argv)
	}
	if !strings.Contains(strings.Join(argv, " "), "--query-port=5355") {
		t.Fatalf("resolver argv %v missing fixed query port", argv)
	}

	// Redirects only match cgroup members; the resolver's queries are
	// routed by their source port instead.
	for _, call := range f.fw.calls {
		if strings.Contains(call, "REDIRECT") && !strings.Contains(call, "--cgroup "+ClassID) {
			t.Fatalf("redirect without cgroup match: %q", call)
		}
	}
	for _, expected := range []string{
		"iptables -t mangle -A OUTPUT -p udp --sport 5355 -j MARK --set-mark 11",
		"iptables -t nat -A POSTROUTING -p udp --sport 5355 -o eth0 -j MASQUERADE",
		"iptables -I OUTPUT 1 -p udp --sport 5355 -j ACCEPT",
		"iptables -I INPUT 1 -p udp --dport 5355 -j ACCEPT",
	} {
		if !containsCall(f.fw.calls, expected) {
			t.Fatalf("expected resolver rule %q, got %v", expected, f.fw.calls)
		}
	}

	f.manager.Disable()
	if !containsCall(f.fw.calls, "iptables -t mangle -D OUTPUT -p udp --sport 5355 -j MARK --set-mark 11") {
		t.Fatalf("resolver mark not removed, got %v", f.fw.calls)
	}
}

func TestEnableTwiceKeepsSingleRegistration(t *testing.T) {
	f := newFixture(t, false)
	opts := Options{Interface: "eth0", Gateway: "192.168.1.1"}
	for i := 0; i < 2; i++ {
		if err := f.manager.Enable(opts); err != nil {
			t.Fatalf("Enable %d failed: %v", i, err)
		}
	}
	table := readTrim(t, f.paths.RTTables)
	if strings.Count(table, "bypass_qomui") != 1 {
		t.Fatalf("rt_tables registered more than once:\n%s", table)
	}
	if f.spawn.killed != 1 {
		t.Fatalf("expected previous resolver killed once, got %d", f.spawn.killed)
	}
	if got := f.fw.count(); got != 10 {
		t.Fatalf("expected 10 installed rules after re-enable, got %d", got)
	}
	if !f.rules.present["4"] {
		t.Fatalf("expected ip rule present")
	}
}

func TestDisableRemovesEverything(t *testing.T) {
	f := newFixture(t, false)
	if err := f.manager.Enable(Options{Interface: "eth0", Gateway: "192.168.1.1"}); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	f.manager.Disable()

	if _, err := os.Stat(filepath.Join(f.paths.CgroupRoot, CgroupName)); !os.IsNotExist(err) {
		t.Fatalf("expected cgroup removed, stat err=%v", err)
	}
	if f.fw.count() != 0 {
		t.Fatalf("expected all rules removed, %d remain", f.fw.count())
	}
	if f.rules.present["4"] {
		t.Fatalf("expected ip rule removed")
	}
	if !containsCall(joinCalls(f.mock.RunCalls), "ip route flush table bypass_qomui") {
		t.Fatalf("expected table flush")
	}
	if got := readTrim(t, filepath.Join(f.paths.ProcSys, "net", "ipv4", "conf", "eth0", "rp_filter")); got != "1" {
		t.Fatalf("rp_filter not restored: %q", got)
	}
	state := f.manager.State()
	if state.Active || state.Cgroup || state.IPRule || state.Resolver {
		t.Fatalf("unexpected state after disable %+v", state)
	}

	// A second disable is a no-op.
	f.manager.Disable()
}

func TestEnableWithoutGatewayFails(t *testing.T) {
	f := newFixture(t, false)
	if err := f.manager.Enable(Options{Interface: "eth0"}); !errors.Is(err, ErrNoGateway) {
		t.Fatalf("expected ErrNoGateway, got %v", err)
	}
	if f.manager.Active() {
		t.Fatalf("bypass must stay inactive")
	}
}

func TestEnableRollsBackOnRuleFailure(t *testing.T) {
	f := newFixture(t, false)
	f.fw.fail = "MASQUERADE"
	err := f.manager.Enable(Options{Interface: "eth0", Gateway: "192.168.1.1"})
	if err == nil {
		t.Fatalf("expected failure")
	}
	if f.manager.Active() || f.fw.count() != 0 {
		t.Fatalf("expected rollback, active=%v rules=%d", f.manager.Active(), f.fw.count())
	}
	if _, err := os.Stat(filepath.Join(f.paths.CgroupRoot, CgroupName)); !os.IsNotExist(err) {
		t.Fatalf("expected cgroup removed after rollback")
	}
}

func TestIPv6WithoutGatewayDropsCgroupTraffic(t *testing.T) {
	f := newFixture(t, true)
	if err := f.manager.Enable(Options{Interface: "eth0", Gateway: "192.168.1.1"}); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	if !containsCall(f.fw.calls, "ip6tables -I OUTPUT 1 -m cgroup --cgroup 0x00110011 -j DROP") {
		t.Fatalf("expected ipv6 drop rule, got %v", f.fw.calls)
	}
	if containsCall(joinCalls(f.mock.RunCalls), "ip -6 rule add fwmark 11 table bypass_qomui") {
		t.Fatalf("ipv6 routing must not be installed without a gateway")
	}
}

func TestIPv6GatewayRoutesCgroupTraffic(t *testing.T) {
	f := newFixture(t, true)
	opts := Options{Interface: "eth0", Gateway: "192.168.1.1", Gateway6: "fe80::1"}
	if err := f.manager.Enable(opts); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	calls := joinCalls(f.mock.RunCalls)
	if !containsCall(calls, "ip -6 route add default via fe80::1 dev eth0 table bypass_qomui") {
		t.Fatalf("expected ipv6 default route, got %v", calls)
	}
	if !containsCall(f.fw.calls, "ip6tables -t nat -A POSTROUTING -m cgroup --cgroup 0x00110011 -o eth0 -j MASQUERADE") {
		t.Fatalf("expected ipv6 masquerade")
	}
}

func TestCleanupRemovesStaleRules(t *testing.T) {
	f := newFixture(t, false)
	f.rules.present["4"] = true
	f.manager.Cleanup("eth0")
	if f.rules.present["4"] {
		t.Fatalf("stale ip rule not removed")
	}
	if !containsCall(f.fw.calls, "iptables -t nat -D POSTROUTING -m cgroup --cgroup 0x00110011 -o eth0 -j MASQUERADE") {
		t.Fatalf("expected stale masquerade delete, got %v", f.fw.calls)
	}
}

func TestRestoreRoutePointsTableAtGateway(t *testing.T) {
	f := newFixture(t, false)
	if err := f.manager.RestoreRoute(); err != nil {
		t.Fatalf("RestoreRoute while inactive: %v", err)
	}
	if err := f.manager.Enable(Options{Interface: "eth0", Gateway: "192.168.1.1"}); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	f.mock.Reset()
	if err := f.manager.RestoreRoute(); err != nil {
		t.Fatalf("RestoreRoute failed: %v", err)
	}
	if !containsCall(joinCalls(f.mock.RunCalls), "ip route replace default via 192.168.1.1 dev eth0 table bypass_qomui") {
		t.Fatalf("unexpected calls %v", f.mock.RunCalls)
	}
}

func TestParseIPRuleLine(t *testing.T) {
	cases := []struct {
		line  string
		mark  uint64
		table string
		ok    bool
	}{
		{"32765:\tfrom all fwmark 0xb lookup bypass_qomui", 11, "bypass_qomui", true},
		{"100: from all fwmark 0xb/0xffffffff lookup 11", 11, "11", true},
		{"0:\tfrom all lookup local", 0, "", false},
	}
	for _, tc := range cases {
		mark, table, ok := parseIPRuleLine(tc.line)
		if ok != tc.ok || mark != tc.mark || table != tc.table {
			t.Fatalf("parseIPRuleLine(%q) = %d %q %v", tc.line, mark, table, ok)
		}
	}
}

func TestDeleteForm(t *testing.T) {
	got := strings.Join(deleteForm(firewall.Rule{"-I", "OUTPUT", "1", "-j", "ACCEPT"}), " ")
	if got != "-D OUTPUT -j ACCEPT" {
		t.Fatalf("unexpected delete form %q", got)
	}
	got = strings.Join(deleteForm(firewall.Rule{"-t", "nat", "-A", "OUTPUT", "-j", "REDIRECT"}), " ")
	if got != "-t nat -D OUTPUT -j REDIRECT" {
		t.Fatalf("unexpected delete form %q", got)
	}
}
