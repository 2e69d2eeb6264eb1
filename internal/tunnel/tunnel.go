// Package tunnel brings a single VPN connection up and down and reports its
// lifecycle. The daemon runs one Tunnel for the main scope and one for the
// bypass scope.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"qomui/internal/diaglog"
	"qomui/internal/firewall"
	"qomui/internal/runner"
	"qomui/internal/supervisor"
	"qomui/internal/vpn"
)

var (
	ErrAuthFailure   = errors.New("authentication failed")
	ErrTunnelTimeout = errors.New("tunnel did not complete initialization in time")
	ErrBusy          = errors.New("previous connection is still tearing down")
	ErrInvalidServer = errors.New("invalid server record")
)

const DefaultDialTimeout = 60 * time.Second

// Scope separates the main tunnel from the tunnel used by bypass apps.
type Scope string

const (
	ScopeMain   Scope = "main"
	ScopeBypass Scope = "bypass"
)

// Code qualifies an outcome code for the scope: bypass codes carry a
// _bypass suffix.
func (s Scope) Code(base string) string {
	if s == ScopeBypass {
		return base + "_bypass"
	}
	return base
}

// ParseScope accepts "main", "bypass" and the empty string for main.
func ParseScope(raw string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "main", "tun":
		return ScopeMain, nil
	case "bypass", "tun_bypass":
		return ScopeBypass, nil
	}
	return "", fmt.Errorf("unknown scope %q", raw)
}

// Structured conn_info events emitted next to the raw OpenVPN lines.
const (
	EventTunnelDevice = "tunnel_device"
	EventDNSPushed    = "dns_pushed"
)

// Outcome codes carried by the reply signal.
const (
	CodeConnected = "connected"
	CodeFail      = "fail"
	CodeFailAuth  = "fail_auth"
	CodeKilled    = "killed"
)

type State int

const (
	StateIdle State = iota
	StateDialing
	StateEstablished
	StateFailing
	StateTearingDown
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateEstablished:
		return "established"
	case StateFailing:
		return "failing"
	case StateTearingDown:
		return "tearing_down"
	default:
		return "idle"
	}
}

// Firewall whitelists server addresses.
type Firewall interface {
	AllowDestIP(ip string, action firewall.Action) error
	ReinstallDestIP(ip string) error
}

// Resolver installs and removes tunnel DNS.
type Resolver interface {
	Set(tunDev, physDev string, servers []string) error
	Restore() error
}

// Spawner runs child processes.
type Spawner interface {
	Spawn(spec supervisor.Spec) (*supervisor.Handle, error)
	Signal(h *supervisor.Handle, sig unix.Signal) error
	Kill(h *supervisor.Handle) error
}

// Renderer materializes per-connection configs.
type Renderer interface {
	RenderOpenVPN(role vpn.Role, srv vpn.ServerRecord, peer string) (vpn.OpenVPNRender, error)
	RenderWireGuard(srv vpn.ServerRecord) (vpn.WireGuardRender, error)
}

// Emitter publishes lifecycle codes and raw child output.
type Emitter interface {
	Reply(code string)
	ConnInfo(line string)
}

// Deps are the collaborators a Tunnel drives.
type Deps struct {
	Firewall Firewall
	DNS      Resolver
	Spawner  Spawner
	Renderer Renderer
	Exec     runner.Executor
	Emitter  Emitter
	Log      *diaglog.Manager

	DialTimeout time.Duration
	// AltDNS returns the user's alternative resolvers when they replace the
	// pushed ones, nil otherwise.
	AltDNS func() []string
	// Uplink returns the physical interface carrying the default route.
	Uplink func() string
	// Wrapper prefixes bypass scope commands, e.g. cgexec into the cgroup.
	Wrapper []string
	// AfterTeardown runs once the scope is idle again.
	AfterTeardown func()
}

// Status is a snapshot of a tunnel for the status API and IPC.
type Status struct {
	Scope     Scope     `json:"scope"`
	State     string    `json:"state"`
	Server    string    `json:"server,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Address   string    `json:"address,omitempty"`
	Hop       string    `json:"hop,omitempty"`
	Device    string    `json:"device,omitempty"`
	HopDevice string    `json:"hopDevice,omitempty"`
	Since     time.Time `json:"since"`
	LastError string    `json:"lastError,omitempty"`
}

// Tunnel owns at most one connection for its scope.
type Tunnel struct {
	scope Scope
	deps  Deps
	log   *diaglog.Manager

	connectMu sync.Mutex

	mu        sync.Mutex
	state     State
	since     time.Time
	current   *session
	lastError string
}

func New(scope Scope, deps Deps) *Tunnel {
	if deps.DialTimeout <= 0 {
		deps.DialTimeout = DefaultDialTimeout
	}
	if deps.Exec == nil {
		deps.Exec = runner.New(runner.DefaultTimeout)
	}
	return &Tunnel{scope: scope, deps: deps, log: deps.Log, since: time.Now()}
}

func (t *Tunnel) Scope() Scope {
	return t.scope
}

func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns a snapshot of the tunnel.
func (t *Tunnel) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := Status{Scope: t.scope, State: t.state.String(), Since: t.since, LastError: t.lastError}
	if s := t.current; s != nil {
		status.Server = s.req.Server.Name
		status.Provider = s.req.Server.Provider
		status.Address = s.req.Server.IP
		if s.hop != nil {
			status.Hop = s.hop.Name
		}
		status.Device, status.HopDevice = s.devices()
	}
	return status
}

// Device returns the outer tun device, or the hop device when hop is true.
func (t *Tunnel) Device(hop bool) string {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return ""
	}
	device, hopDevice := s.devices()
	if hop {
		return hopDevice
	}
	return device
}

// Request returns the active connection request, if any.
func (t *Tunnel) Request() (vpn.ConnectionRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return vpn.ConnectionRequest{}, false
	}
	return t.current.req, true
}

func (t *Tunnel) setState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != state {
		t.log.Debugf("%s tunnel: %s -> %s", t.scope, t.state, state)
		t.state = state
		t.since = time.Now()
	}
}

// Connect tears down any connection of this scope and starts dialing req.
// hop, when set and req asks for a double hop, is brought up first and the
// primary tunnel is chained behind it. Connect returns once the server
// addresses are whitelisted; the outcome arrives as a reply code.
func (t *Tunnel) Connect(req vpn.ConnectionRequest, hop *vpn.ServerRecord) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if err := t.stopAndWait(t.deps.DialTimeout); err != nil {
		return err
	}
	if strings.TrimSpace(req.Server.IP) == "" {
		return fmt.Errorf("%w: %s has no address", ErrInvalidServer, req.Server.Name)
	}
	if req.Hop != vpn.HopThenPrimary || t.scope == ScopeBypass || req.Server.IsWireGuard() {
		hop = nil
	}
	if hop != nil && strings.TrimSpace(hop.IP) == "" {
		return fmt.Errorf("%w: hop %s has no address", ErrInvalidServer, hop.Name)
	}

	s := newSession(req, hop)
	addresses := []string{req.Server.IP}
	if hop != nil {
		addresses = append(addresses, hop.IP)
	}
	for _, ip := range addresses {
		err := t.deps.Firewall.AllowDestIP(ip, firewall.Add)
		switch {
		case err == nil:
			s.whitelisted = append(s.whitelisted, ip)
		case errors.Is(err, firewall.ErrRuleInstallFailed):
			// The reference is held even though iptables refused the rule.
			t.log.Warnf("%s tunnel: whitelist %s: %v", t.scope, ip, err)
			s.whitelisted = append(s.whitelisted, ip)
		default:
			t.removeWhitelist(s)
			return fmt.Errorf("%w: %v", ErrInvalidServer, err)
		}
	}

	t.mu.Lock()
	t.current = s
	t.lastError = ""
	t.mu.Unlock()
	t.setState(StateDialing)
	if hop != nil {
		t.log.Infof("%s tunnel: connecting %s via %s", t.scope, req.Server.Name, hop.Name)
	} else {
		t.log.Infof("%s tunnel: connecting %s (%s %s)", t.scope, req.Server.Name, req.Server.IP, req.Server.Protocol)
	}
	go t.run(s)
	return nil
}

// Disconnect asks the scope's children to terminate and returns without
// waiting. The killed reply follows once teardown has finished.
func (t *Tunnel) Disconnect() {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return
	}
	t.log.Infof("%s tunnel: disconnect requested", t.scope)
	s.requestStop(t.deps.Spawner)
}

// Wait blocks until the scope is idle or ctx ends.
func (t *Tunnel) Wait(ctx context.Context) error {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopping reports whether a disconnect is pending on the current session.
func (t *Tunnel) Stopping() bool {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	return s != nil && s.stopping()
}

// Shutdown disconnects and waits for teardown.
func (t *Tunnel) Shutdown(ctx context.Context) error {
	t.Disconnect()
	return t.Wait(ctx)
}

func (t *Tunnel) stopAndWait(timeout time.Duration) error {
	t.mu.Lock()
	s := t.current
	t.mu.Unlock()
	if s == nil {
		return nil
	}
	s.requestStop(t.deps.Spawner)
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return ErrBusy
	}
}

func (t *Tunnel) run(s *session) {
	defer close(s.done)
	code, err := t.dial(s)
	close(s.finished)

	if code == CodeKilled {
		t.setState(StateTearingDown)
	} else {
		t.setState(StateFailing)
		t.log.Errorf("%s tunnel: %s: %v", t.scope, s.req.Server.Name, err)
	}
	t.teardown(s)

	t.mu.Lock()
	if err != nil && code != CodeKilled {
		t.lastError = err.Error()
	}
	if t.current == s {
		t.current = nil
	}
	t.mu.Unlock()
	t.setState(StateIdle)

	if t.deps.AfterTeardown != nil {
		t.deps.AfterTeardown()
	}
	t.deps.Emitter.Reply(t.scope.Code(code))
}

func (t *Tunnel) dial(s *session) (string, error) {
	if s.req.Server.IsWireGuard() {
		return t.dialWireGuard(s)
	}

	role := vpn.RolePrimary
	if t.scope == ScopeBypass {
		role = vpn.RoleBypass
	}
	var hopRender vpn.OpenVPNRender
	if s.hop != nil {
		var err error
		hopRender, err = t.deps.Renderer.RenderOpenVPN(vpn.RoleHop, *s.hop, s.req.Server.IP)
		if err != nil {
			return CodeFail, err
		}
	}
	primary, err := t.deps.Renderer.RenderOpenVPN(role, s.req.Server, "")
	if err != nil {
		return CodeFail, err
	}
	if s.stopping() {
		return CodeKilled, nil
	}

	if s.hop != nil {
		if err := t.startOpenVPN(s, hopRender, supervisor.KindOpenVPNHop, sourceHop); err != nil {
			return CodeFail, err
		}
	} else if err := t.startOpenVPN(s, primary, supervisor.KindOpenVPN, sourcePrimary); err != nil {
		return CodeFail, err
	}

	timer := time.NewTimer(t.deps.DialTimeout)
	defer timer.Stop()
	deadline := timer.C
	classifiers := map[string]*Classifier{sourceHop: {}, sourcePrimary: {}}

	for {
		select {
		case <-s.stop:
			return CodeKilled, nil
		case <-deadline:
			if s.stopping() {
				return CodeKilled, nil
			}
			return CodeFail, ErrTunnelTimeout
		case ev := <-s.events:
			if s.stopping() {
				return CodeKilled, nil
			}
			if ev.exited {
				if ev.source == sourceHelper {
					t.log.Warnf("%s tunnel: %s helper exited: %v", t.scope, s.req.Server.Name, ev.err)
					continue
				}
				return CodeFail, fmt.Errorf("%s openvpn exited: %v", ev.source, ev.err)
			}
			if ev.source == sourceHelper {
				t.log.Debugf("%s helper: %s", t.scope, ev.line)
				continue
			}
			t.deps.Emitter.ConnInfo(ev.line)

			classifier := classifiers[ev.source]
			event := classifier.Feed(ev.line)
			switch event.Signal {
			case SignalConnected:
				if ev.source == sourceHop {
					s.setDevices("", deviceOr(event.Device, vpn.RoleHop.Device()))
					t.log.Infof("%s tunnel: hop %s established, starting %s", t.scope, s.hop.Name, s.req.Server.Name)
					if err := t.startOpenVPN(s, primary, supervisor.KindOpenVPN, sourcePrimary); err != nil {
						return CodeFail, err
					}
					timer.Reset(t.deps.DialTimeout)
					continue
				}
				deadline = nil
				t.established(s, deviceOr(event.Device, role.Device()), event.DNS)
			case SignalAuthFailure:
				return CodeFailAuth, ErrAuthFailure
			case SignalFailure:
				return CodeFail, fmt.Errorf("%s openvpn: %s", ev.source, strings.TrimSpace(ev.line))
			case SignalRewhitelist:
				for _, ip := range s.whitelisted {
					if err := t.deps.Firewall.ReinstallDestIP(ip); err != nil {
						t.log.Warnf("%s tunnel: reinstall whitelist %s: %v", t.scope, ip, err)
					}
				}
			case SignalDevice:
				if ev.source == sourceHop {
					s.setDevices("", event.Device)
				} else {
					s.setDevices(event.Device, "")
				}
				t.deps.Emitter.ConnInfo(EventTunnelDevice + "=" + event.Device)
			case SignalDNS:
				t.deps.Emitter.ConnInfo(EventDNSPushed + "=" + strings.Join(event.DNS, ","))
			}
		}
	}
}

func (t *Tunnel) dialWireGuard(s *session) (string, error) {
	if t.scope == ScopeBypass {
		return CodeFail, errors.New("wireguard is not supported for bypass connections")
	}
	render, err := t.deps.Renderer.RenderWireGuard(s.req.Server)
	if err != nil {
		return CodeFail, err
	}
	if s.stopping() {
		return CodeKilled, nil
	}
	s.mu.Lock()
	s.wireguard = &render
	s.mu.Unlock()
	if err := t.deps.Exec.Run("wg-quick", "up", render.Path); err != nil {
		return CodeFail, fmt.Errorf("wg-quick up: %w", err)
	}
	t.established(s, render.Interface, render.DNS)
	<-s.stop
	return CodeKilled, nil
}

func (t *Tunnel) established(s *session, device string, pushed []string) {
	s.setDevices(device, "")
	t.setState(StateEstablished)

	if t.scope == ScopeMain {
		servers := pushed
		if t.deps.AltDNS != nil {
			if alt := t.deps.AltDNS(); len(alt) > 0 {
				servers = alt
			}
		}
		uplink := ""
		if t.deps.Uplink != nil {
			uplink = t.deps.Uplink()
		}
		if len(servers) == 0 {
			t.log.Warnf("%s tunnel: no dns servers pushed or configured", t.scope)
		} else if err := t.deps.DNS.Set(device, uplink, servers); err != nil {
			t.log.Errorf("%s tunnel: set dns: %v", t.scope, err)
		} else {
			s.mu.Lock()
			s.dnsSet = true
			s.mu.Unlock()
		}
	}
	t.log.Infof("%s tunnel: %s established on %s", t.scope, s.req.Server.Name, device)
	t.deps.Emitter.Reply(t.scope.Code(CodeConnected))
}

func (t *Tunnel) startOpenVPN(s *session, render vpn.OpenVPNRender, kind supervisor.Kind, source string) error {
	if len(render.Helper) > 0 {
		helperKind := supervisor.KindStunnel
		if render.Helper[0] == "ssh" {
			helperKind = supervisor.KindSSH
		}
		if err := t.spawn(s, supervisor.Spec{Kind: helperKind, Argv: t.wrap(render.Helper)}, sourceHelper); err != nil {
			return err
		}
	}
	argv := t.wrap([]string{"openvpn", "--config", render.Path})
	return t.spawn(s, supervisor.Spec{Kind: kind, Argv: argv}, source)
}

func (t *Tunnel) wrap(argv []string) []string {
	if t.scope != ScopeBypass || len(t.deps.Wrapper) == 0 {
		return argv
	}
	return append(append([]string(nil), t.deps.Wrapper...), argv...)
}

func (t *Tunnel) spawn(s *session, spec supervisor.Spec, source string) error {
	h, err := t.deps.Spawner.Spawn(spec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.handles = append(s.handles, h)
	s.mu.Unlock()
	go s.forward(source, h)
	return nil
}

// teardown runs after every child of the session has been told to stop:
// children are reaped first, then the whitelist and DNS are undone.
func (t *Tunnel) teardown(s *session) {
	s.mu.Lock()
	handles := append([]*supervisor.Handle(nil), s.handles...)
	wg := s.wireguard
	dnsSet := s.dnsSet
	s.mu.Unlock()

	for i := len(handles) - 1; i >= 0; i-- {
		if err := t.deps.Spawner.Kill(handles[i]); err != nil {
			t.log.Errorf("%s tunnel: %v", t.scope, err)
		}
	}
	if wg != nil {
		if err := t.deps.Exec.Run("wg-quick", "down", wg.Path); err != nil {
			t.log.Warnf("%s tunnel: wg-quick down: %v", t.scope, err)
		}
	}
	t.removeWhitelist(s)
	if dnsSet {
		if err := t.deps.DNS.Restore(); err != nil {
			t.log.Errorf("%s tunnel: restore dns: %v", t.scope, err)
		}
	}
}

func (t *Tunnel) removeWhitelist(s *session) {
	for _, ip := range s.whitelisted {
		if err := t.deps.Firewall.AllowDestIP(ip, firewall.Remove); err != nil {
			t.log.Warnf("%s tunnel: remove whitelist %s: %v", t.scope, ip, err)
		}
	}
	s.whitelisted = nil
}

func deviceOr(device, fallback string) string {
	if device != "" {
		return device
	}
	if fallback != "" {
		return fallback
	}
	return "tun0"
}
