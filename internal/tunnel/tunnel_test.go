package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"qomui/internal/firewall"
	"qomui/internal/runner"
	"qomui/internal/supervisor"
	"qomui/internal/vpn"
)

// journal records the order of side effects across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	for i, e := range j.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

type fakeFirewall struct {
	j         *journal
	mu        sync.Mutex
	refs      map[string]int
	reinstall int
}

func (f *fakeFirewall) AllowDestIP(ip string, action firewall.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ip == "bogus" {
		return errors.New("invalid address")
	}
	f.j.add("whitelist %s %s", action, ip)
	if action == firewall.Add {
		f.refs[ip]++
	} else if f.refs[ip] > 0 {
		f.refs[ip]--
		if f.refs[ip] == 0 {
			delete(f.refs, ip)
		}
	}
	return nil
}

func (f *fakeFirewall) ReinstallDestIP(ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reinstall++
	return nil
}

func (f *fakeFirewall) active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refs)
}

type fakeDNS struct {
	j *journal
}

func (d *fakeDNS) Set(tunDev, physDev string, servers []string) error {
	d.j.add("dns set %s %s %s", tunDev, physDev, strings.Join(servers, ","))
	return nil
}

func (d *fakeDNS) Restore() error {
	d.j.add("dns restore")
	return nil
}

type fakeSpawner struct {
	j     *journal
	mu    sync.Mutex
	feeds []*supervisor.Feed
	specs []supervisor.Spec
	fail  string
	// exitOnTerm makes children exit when signalled.
	exitOnTerm bool
	byHandle   map[*supervisor.Handle]*supervisor.Feed
}

func newFakeSpawner(j *journal) *fakeSpawner {
	return &fakeSpawner{j: j, exitOnTerm: true, byHandle: make(map[*supervisor.Handle]*supervisor.Feed)}
}

func (s *fakeSpawner) Spawn(spec supervisor.Spec) (*supervisor.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != "" && spec.Argv[0] == s.fail {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrSpawnFailed, s.fail)
	}
	h, feed := supervisor.NewFeed(spec.Kind, 100+len(s.feeds))
	s.feeds = append(s.feeds, feed)
	s.specs = append(s.specs, spec)
	s.byHandle[h] = feed
	s.j.add("spawn %s", spec.Kind)
	return h, nil
}

func (s *fakeSpawner) Signal(h *supervisor.Handle, sig unix.Signal) error {
	s.mu.Lock()
	feed := s.byHandle[h]
	s.mu.Unlock()
	if sig == unix.SIGTERM && s.exitOnTerm && feed != nil {
		feed.Exit(nil)
	}
	return nil
}

func (s *fakeSpawner) Kill(h *supervisor.Handle) error {
	s.mu.Lock()
	feed := s.byHandle[h]
	s.mu.Unlock()
	if feed != nil {
		feed.Exit(nil)
	}
	s.j.add("kill %s", h.Kind)
	return nil
}

func (s *fakeSpawner) feed(t *testing.T, idx int) *supervisor.Feed {
	t.Helper()
	waitFor(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.feeds) > idx
	})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feeds[idx]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.feeds)
}

type fakeRenderer struct {
	j   *journal
	err error
}

func (r *fakeRenderer) RenderOpenVPN(role vpn.Role, srv vpn.ServerRecord, peer string) (vpn.OpenVPNRender, error) {
	if r.err != nil {
		return vpn.OpenVPNRender{}, r.err
	}
	r.j.add("render %s %s %s", role.FileName(), srv.IP, peer)
	out := vpn.OpenVPNRender{Path: "/tmp/qomui/" + role.FileName(), Remote: srv.IP}
	if srv.Protocol == vpn.ProtoSSL {
		out.Helper = []string{"stunnel", "/tmp/qomui/stunnel.conf"}
	}
	return out, nil
}

func (r *fakeRenderer) RenderWireGuard(srv vpn.ServerRecord) (vpn.WireGuardRender, error) {
	r.j.add("render wg %s", srv.IP)
	return vpn.WireGuardRender{Path: "/tmp/qomui/wg_qomui.conf", Interface: vpn.WireGuardDevice, DNS: []string{"10.64.0.1"}}, nil
}

type fakeEmitter struct {
	replies chan string
	mu      sync.Mutex
	info    []string
}

func (e *fakeEmitter) Reply(code string) {
	e.replies <- code
}

func (e *fakeEmitter) ConnInfo(line string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info = append(e.info, line)
}

func (e *fakeEmitter) expect(t *testing.T, code string) {
	t.Helper()
	select {
	case got := <-e.replies:
		if got != code {
			t.Fatalf("expected reply %q, got %q", code, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reply %q", code)
	}
}

func (e *fakeEmitter) expectNone(t *testing.T) {
	t.Helper()
	select {
	case got := <-e.replies:
		t.Fatalf("unexpected reply %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

type harness struct {
	tunnel   *Tunnel
	j        *journal
	fw       *fakeFirewall
	spawner  *fakeSpawner
	renderer *fakeRenderer
	emitter  *fakeEmitter
	mock     *runner.Mock
	torn     chan struct{}
}

func newHarness(t *testing.T, scope Scope, mutate func(*Deps)) *harness {
	t.Helper()
	j := &journal{}
	h := &harness{
		j:        j,
		fw:       &fakeFirewall{j: j, refs: make(map[string]int)},
		spawner:  newFakeSpawner(j),
		renderer: &fakeRenderer{j: j},
		emitter:  &fakeEmitter{replies: make(chan string, 16)},
		mock:     &runner.Mock{},
		torn:     make(chan struct{}, 4),
	}
	deps := Deps{
		Firewall:      h.fw,
		DNS:           &fakeDNS{j: j},
		Spawner:       h.spawner,
		Renderer:      h.renderer,
		Exec:          h.mock,
		Emitter:       h.emitter,
		DialTimeout:   5 * time.Second,
		Uplink:        func() string { return "eth0" },
		AfterTeardown: func() { h.torn <- struct{}{} },
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.tunnel = New(scope, deps)
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func server(name, ip string) vpn.ServerRecord {
	return vpn.ServerRecord{Name: name, Provider: "BuiltIn", IP: ip, Port: "1194", Protocol: vpn.ProtoUDP, Tunnel: vpn.TunnelOpenVPN}
}

func TestConnectOpenVPNEstablishesAndDisconnects(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	req := vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}
	if err := h.tunnel.Connect(req, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	feed := h.spawner.feed(t, 0)
	if h.j.index("whitelist add 10.0.0.1") > h.j.index("spawn openvpn") {
		t.Fatalf("whitelist must precede spawn: %v", h.j.snapshot())
	}
	feed.Line("PUSH: Received control message: 'PUSH_REPLY,dhcp-option DNS 10.8.0.1,ping 10'")
	feed.Line("TUN/TAP device tun0 opened")
	feed.Line("Initialization Sequence Completed")
	h.emitter.expect(t, "connected")

	if h.tunnel.State() != StateEstablished {
		t.Fatalf("expected established, got %s", h.tunnel.State())
	}
	if h.j.index("dns set tun0 eth0 10.8.0.1") < 0 {
		t.Fatalf("expected pushed dns installed: %v", h.j.snapshot())
	}
	if got := h.tunnel.Device(false); got != "tun0" {
		t.Fatalf("unexpected device %q", got)
	}
	status := h.tunnel.Status()
	if status.Server != "test1" || status.State != "established" {
		t.Fatalf("unexpected status %+v", status)
	}

	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
	if h.tunnel.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.tunnel.State())
	}
	if h.fw.active() != 0 {
		t.Fatalf("whitelist left behind")
	}
	entries := h.j.snapshot()
	kill := h.j.index("kill openvpn")
	if kill < 0 || h.j.index("whitelist remove 10.0.0.1") < kill || h.j.index("dns restore") < kill {
		t.Fatalf("teardown order wrong: %v", entries)
	}
	h.emitter.mu.Lock()
	info := append([]string(nil), h.emitter.info...)
	h.emitter.mu.Unlock()
	want := []string{
		"PUSH: Received control message: 'PUSH_REPLY,dhcp-option DNS 10.8.0.1,ping 10'",
		"dns_pushed=10.8.0.1",
		"TUN/TAP device tun0 opened",
		"tunnel_device=tun0",
		"Initialization Sequence Completed",
	}
	if strings.Join(info, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected conn_info events:\n%s", strings.Join(info, "\n"))
	}
}

func TestAuthFailureReportsFailAuthWithoutDNS(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	feed := h.spawner.feed(t, 0)
	feed.Line("AUTH: Received control message: AUTH_FAILED")
	feed.Line("SIGTERM[soft,auth-failure] received, process exiting")
	h.emitter.expect(t, "fail_auth")

	if !feed.Exited() {
		t.Fatalf("expected child killed")
	}
	if h.fw.active() != 0 {
		t.Fatalf("whitelist left behind")
	}
	for _, entry := range h.j.snapshot() {
		if strings.HasPrefix(entry, "dns") {
			t.Fatalf("dns must not change on auth failure: %v", h.j.snapshot())
		}
	}
	if status := h.tunnel.Status(); !strings.Contains(status.LastError, "authentication") {
		t.Fatalf("expected last error recorded, got %+v", status)
	}
}

func TestHopStartsPrimaryAfterHopConnects(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	hop := server("test2", "10.0.0.2")
	req := vpn.ConnectionRequest{Server: server("test1", "10.0.0.1"), Hop: vpn.HopThenPrimary}
	if err := h.tunnel.Connect(req, &hop); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	hopFeed := h.spawner.feed(t, 0)
	first := h.j.index("spawn openvpn_hop")
	if first < 0 || h.j.index("whitelist add 10.0.0.1") > first || h.j.index("whitelist add 10.0.0.2") > first {
		t.Fatalf("both whitelists must precede the hop spawn: %v", h.j.snapshot())
	}
	if h.j.index("render hop.ovpn 10.0.0.2 10.0.0.1") < 0 {
		t.Fatalf("hop must be rendered with the primary as peer: %v", h.j.snapshot())
	}
	time.Sleep(20 * time.Millisecond)
	if h.spawner.count() != 1 {
		t.Fatalf("primary spawned before hop connected")
	}

	hopFeed.Line("TUN/TAP device tun_hop opened")
	hopFeed.Line("Initialization Sequence Completed")
	primary := h.spawner.feed(t, 1)
	h.emitter.expectNone(t)

	primary.Line("TUN/TAP device tun0 opened")
	primary.Line("Initialization Sequence Completed")
	h.emitter.expect(t, "connected")
	if got := h.tunnel.Device(true); got != "tun_hop" {
		t.Fatalf("unexpected hop device %q", got)
	}

	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
	if !hopFeed.Exited() || !primary.Exited() {
		t.Fatalf("expected both children gone")
	}
	if h.fw.active() != 0 {
		t.Fatalf("whitelist left behind")
	}
}

func TestDialTimeoutFails(t *testing.T) {
	h := newHarness(t, ScopeMain, func(d *Deps) { d.DialTimeout = 50 * time.Millisecond })
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.emitter.expect(t, "fail")
	if status := h.tunnel.Status(); status.LastError != ErrTunnelTimeout.Error() {
		t.Fatalf("unexpected last error %q", status.LastError)
	}
}

func TestDisconnectWhileDialingLeavesDNSAlone(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.spawner.feed(t, 0)
	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
	for _, entry := range h.j.snapshot() {
		if strings.HasPrefix(entry, "dns") {
			t.Fatalf("dns must not be touched: %v", h.j.snapshot())
		}
	}
	if h.fw.active() != 0 {
		t.Fatalf("whitelist left behind")
	}
}

func TestChildExitBeforeConnectedFails(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.spawner.feed(t, 0).Exit(errors.New("exit status 1"))
	h.emitter.expect(t, "fail")
}

func TestSpawnFailureFails(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	h.spawner.fail = "openvpn"
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.emitter.expect(t, "fail")
	if !strings.Contains(h.tunnel.Status().LastError, "spawn failed") {
		t.Fatalf("expected spawn error, got %q", h.tunnel.Status().LastError)
	}
	if h.fw.active() != 0 {
		t.Fatalf("whitelist left behind")
	}
}

func TestWriteUDPErrorReinstallsWhitelist(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	feed := h.spawner.feed(t, 0)
	feed.Line("write UDP: Operation not permitted (code=1)")
	waitFor(t, func() bool {
		h.fw.mu.Lock()
		defer h.fw.mu.Unlock()
		return h.fw.reinstall == 1
	})
	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
}

func TestSSLStartsHelperBeforeOpenVPN(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	srv := server("test1", "10.0.0.1")
	srv.Protocol = vpn.ProtoSSL
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: srv}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.spawner.feed(t, 1)
	if h.j.index("spawn stunnel") > h.j.index("spawn openvpn") {
		t.Fatalf("helper must start first: %v", h.j.snapshot())
	}
	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
	if h.j.index("kill openvpn") > h.j.index("kill stunnel") {
		t.Fatalf("openvpn must be stopped before its helper: %v", h.j.snapshot())
	}
}

func TestBypassScopeUsesWrapperAndSuffix(t *testing.T) {
	h := newHarness(t, ScopeBypass, func(d *Deps) {
		d.Wrapper = []string{"cgexec", "-g", "net_cls:bypass_qomui"}
	})
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1"), Bypass: true}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	feed := h.spawner.feed(t, 0)
	h.spawner.mu.Lock()
	argv := strings.Join(h.spawner.specs[0].Argv, " ")
	h.spawner.mu.Unlock()
	if argv != "cgexec -g net_cls:bypass_qomui openvpn --config /tmp/qomui/bypass.ovpn" {
		t.Fatalf("unexpected argv %q", argv)
	}
	feed.Line("PUSH: Received control message: 'PUSH_REPLY,dhcp-option DNS 10.8.0.1'")
	feed.Line("Initialization Sequence Completed")
	h.emitter.expect(t, "connected_bypass")
	if got := h.tunnel.Device(false); got != "tun_bypass" {
		t.Fatalf("unexpected bypass device %q", got)
	}
	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed_bypass")
	select {
	case <-h.torn:
	case <-time.After(time.Second):
		t.Fatalf("expected teardown hook")
	}
	for _, entry := range h.j.snapshot() {
		if strings.HasPrefix(entry, "dns") {
			t.Fatalf("bypass scope must not touch system dns: %v", h.j.snapshot())
		}
	}
}

func TestWireGuardUpAndDown(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	srv := vpn.ServerRecord{Name: "wg1", Provider: "Mullvad", IP: "10.0.0.5", Tunnel: vpn.TunnelWireGuard}
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: srv}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.emitter.expect(t, "connected")
	if h.j.index("dns set wg_qomui eth0 10.64.0.1") < 0 {
		t.Fatalf("expected wireguard dns: %v", h.j.snapshot())
	}
	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
	calls := strings.Join(h.mock.Calls(), "\n")
	if !strings.Contains(calls, "wg-quick up /tmp/qomui/wg_qomui.conf") || !strings.Contains(calls, "wg-quick down /tmp/qomui/wg_qomui.conf") {
		t.Fatalf("unexpected calls:\n%s", calls)
	}
}

func TestWireGuardUpFailure(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	h.mock.RunErrors = map[string]error{"wg-quick up /tmp/qomui/wg_qomui.conf": errors.New("exit status 1")}
	srv := vpn.ServerRecord{Name: "wg1", Provider: "Mullvad", IP: "10.0.0.5", Tunnel: vpn.TunnelWireGuard}
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: srv}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	h.emitter.expect(t, "fail")
	if h.fw.active() != 0 {
		t.Fatalf("whitelist left behind")
	}
}

func TestAltDNSOverridesPushedServers(t *testing.T) {
	h := newHarness(t, ScopeMain, func(d *Deps) {
		d.AltDNS = func() []string { return []string{"208.67.222.222"} }
	})
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	feed := h.spawner.feed(t, 0)
	feed.Line("PUSH: Received control message: 'PUSH_REPLY,dhcp-option DNS 10.8.0.1'")
	feed.Line("Initialization Sequence Completed")
	h.emitter.expect(t, "connected")
	if h.j.index("dns set tun0 eth0 208.67.222.222") < 0 {
		t.Fatalf("expected alternative dns: %v", h.j.snapshot())
	}
	if err := h.tunnel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	h.emitter.expect(t, "killed")
}

func TestConnectReplacesExistingConnection(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test1", "10.0.0.1")}, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := h.spawner.feed(t, 0)
	first.Line("Initialization Sequence Completed")
	h.emitter.expect(t, "connected")

	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("test3", "10.0.0.3")}, nil); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	h.emitter.expect(t, "killed")
	if !first.Exited() {
		t.Fatalf("previous child still running")
	}
	h.spawner.feed(t, 1)
	h.fw.mu.Lock()
	refs := len(h.fw.refs)
	_, stale := h.fw.refs["10.0.0.1"]
	h.fw.mu.Unlock()
	if refs != 1 || stale {
		t.Fatalf("expected only the new server whitelisted")
	}
	h.tunnel.Disconnect()
	h.emitter.expect(t, "killed")
}

func TestConnectRejectsInvalidServer(t *testing.T) {
	h := newHarness(t, ScopeMain, nil)
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("empty", "")}, nil); !errors.Is(err, ErrInvalidServer) {
		t.Fatalf("expected ErrInvalidServer, got %v", err)
	}
	if err := h.tunnel.Connect(vpn.ConnectionRequest{Server: server("bogus", "bogus")}, nil); !errors.Is(err, ErrInvalidServer) {
		t.Fatalf("expected ErrInvalidServer, got %v", err)
	}
	if h.tunnel.State() != StateIdle {
		t.Fatalf("expected idle")
	}
}
