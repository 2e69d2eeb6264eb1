// Package daemon composes the privileged service: it owns every component
// once, wires them together and implements the bus operations.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"qomui/internal/bypass"
	"qomui/internal/config"
	"qomui/internal/database"
	"qomui/internal/diaglog"
	"qomui/internal/dns"
	"qomui/internal/firewall"
	"qomui/internal/ipc"
	"qomui/internal/netmon"
	"qomui/internal/runner"
	"qomui/internal/server"
	"qomui/internal/settings"
	"qomui/internal/supervisor"
	"qomui/internal/systemd"
	"qomui/internal/tunnel"
	"qomui/internal/version"
	"qomui/internal/vpn"
)

// shutdownTimeout bounds how long each scope may take to reach idle when the
// daemon stops.
const shutdownTimeout = 15 * time.Second

// Spawner is the process supervisor as the daemon uses it.
type Spawner interface {
	Spawn(spec supervisor.Spec) (*supervisor.Handle, error)
	Signal(h *supervisor.Handle, sig unix.Signal) error
	Kill(h *supervisor.Handle) error
	List() []supervisor.Record
	Shutdown()
}

// Deps override the host-facing collaborators. Zero values select the real
// implementations.
type Deps struct {
	Exec       runner.Executor
	Spawner    Spawner
	Finder     netmon.Finder
	Renderer   tunnel.Renderer
	Services   systemd.ServiceManager
	Authorizer ipc.Authorizer
	// UseResolved decides whether DNS goes through systemd-resolve.
	UseResolved func() bool
	SysNet      string
	IPv6Probe   string
	BypassPaths *bypass.Paths
}

// Daemon is the single owner of all OS-level state the service manages.
type Daemon struct {
	opts     config.Options
	log      *diaglog.Manager
	exec     runner.Executor
	settings *settings.Manager
	procs    Spawner
	firewall *firewall.Engine
	dns      *dns.Manager
	bypass   *bypass.Manager
	main     *tunnel.Tunnel
	split    *tunnel.Tunnel
	monitor  *netmon.Monitor
	services systemd.ServiceManager
	service  *ipc.Service
	status   *server.Server
	db       *sql.DB
	journal  *database.Journal
	chown    func(path string, uid, gid int) error

	mu          sync.Mutex
	hop         *vpn.ServerRecord
	requests    map[tunnel.Scope]vpn.ConnectionRequest
	providerIPs map[string][]string
}

// New builds the daemon from opts. Nothing on the host is touched until
// Start.
func New(opts config.Options, log *diaglog.Manager, deps Deps) (*Daemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = diaglog.NewWithMaxBytes(opts.LogPath(), opts.LogMaxBytes)
	}
	exec := deps.Exec
	if exec == nil {
		exec = runner.New(opts.CommandTimeout)
	}
	procs := deps.Spawner
	if procs == nil {
		procs = supervisor.New(opts.KillGrace, log)
	}

	d := &Daemon{
		opts:        opts,
		log:         log,
		exec:        exec,
		settings:    settings.NewManager(filepath.Join(opts.StateDir, settings.FileName)),
		procs:       procs,
		services:    deps.Services,
		chown:       os.Lchown,
		requests:    make(map[tunnel.Scope]vpn.ConnectionRequest),
		providerIPs: make(map[string][]string),
	}
	if d.services == nil {
		d.services = systemd.NewManager(opts.StateDir, exec)
	}

	rules, err := firewall.LoadRuleSet(opts.StateDir)
	if err != nil {
		log.Warnf("firewall rules: %v", err)
	}
	d.firewall = firewall.NewEngine(exec, rules, log)
	if deps.IPv6Probe != "" {
		d.firewall.SetIPv6Probe(deps.IPv6Probe)
	}

	d.dns = dns.NewManager(exec, opts.ResolvConf, opts.ResolvBackupPath(), log)
	if deps.UseResolved != nil {
		d.dns.UseResolved(deps.UseResolved)
	}

	paths := bypass.DefaultPaths(opts.CgroupRoot, opts.RouteTables, opts.StateDir)
	if deps.BypassPaths != nil {
		paths = *deps.BypassPaths
	}
	d.bypass = bypass.NewManager(exec, d.firewall, procs, paths, log)

	finder := deps.Finder
	if finder == nil {
		finder = netmon.NewRouteFinder(exec)
	}
	d.monitor = netmon.New(deps.SysNet, opts.PollInterval, finder, log)
	d.monitor.OnDown(d.linkDown)
	d.monitor.OnUp(d.linkUp)

	renderer := deps.Renderer
	if renderer == nil {
		renderer = vpn.NewRenderer(opts.StateDir, opts.TempDir)
	}
	tunnelDeps := func(scope tunnel.Scope) tunnel.Deps {
		return tunnel.Deps{
			Firewall:    d.firewall,
			DNS:         d.dns,
			Spawner:     procs,
			Renderer:    renderer,
			Exec:        exec,
			Emitter:     scopeEmitter{d: d, scope: scope},
			Log:         log,
			DialTimeout: opts.DialTimeout,
			AltDNS:      d.altDNS,
			Uplink:      func() string { return d.monitor.Gateway().Interface },
		}
	}
	d.main = tunnel.New(tunnel.ScopeMain, tunnelDeps(tunnel.ScopeMain))
	splitDeps := tunnelDeps(tunnel.ScopeBypass)
	splitDeps.Wrapper = []string{"cgexec", "-g", "net_cls:" + bypass.CgroupName}
	splitDeps.AfterTeardown = func() {
		if err := d.bypass.RestoreRoute(); err != nil {
			log.Warnf("restore bypass route: %v", err)
		}
	}
	d.split = tunnel.New(tunnel.ScopeBypass, splitDeps)

	db, err := database.Open(opts.JournalPath())
	if err != nil {
		log.Warnf("connection journal disabled: %v", err)
	} else {
		d.db = db
		d.journal = database.NewJournal(db)
	}

	d.service = ipc.NewService(d, deps.Authorizer, log)
	d.status = server.New(d, d.journalSource(), log)
	return d, nil
}

func (d *Daemon) journalSource() server.JournalSource {
	if d.journal == nil {
		return nil
	}
	return d.journal
}

// Service is the bus adapter; the caller exports it once connected.
func (d *Daemon) Service() *ipc.Service {
	return d.service
}

// Export publishes the service on conn.
func (d *Daemon) Export(conn *dbus.Conn) error {
	return d.service.Export(conn)
}

// Start brings the host into the state the preferences ask for: resolver
// backed up, stale bypass removed, firewall mode applied.
func (d *Daemon) Start() error {
	prefs, err := d.settings.Reload()
	if err != nil {
		d.log.Warnf("preferences: %v, using defaults", err)
	}
	if err := d.log.Configure(true, prefs.LogLevel); err != nil {
		d.log.Warnf("configure log: %v", err)
	}
	d.log.Infof("starting %s", version.Current())

	if err := os.MkdirAll(d.opts.TempDir, 0o700); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	if err := os.Chmod(d.opts.TempDir, 0o700); err != nil {
		return fmt.Errorf("chmod temp dir: %w", err)
	}

	if !firewall.HasSnapshot(d.opts.StateDir) {
		if err := d.firewall.SaveSnapshot(d.opts.StateDir); err != nil {
			d.log.Warnf("firewall snapshot: %v", err)
		}
	}
	if err := d.dns.Backup(); err != nil {
		d.log.Warnf("dns backup: %v", err)
	}

	gw, err := d.monitor.Refresh()
	if err != nil {
		d.log.Warnf("no default gateway at startup: %v", err)
	}
	d.bypass.Cleanup(gw.Interface)

	if err := d.LoadFirewall(prefs.FirewallMode()); err != nil {
		d.log.Errorf("apply firewall: %v", err)
	}
	if prefs.IPv6Disable {
		if err := d.DisableIPv6(1); err != nil {
			d.log.Warnf("disable ipv6: %v", err)
		}
	}
	if bool(prefs.Bypass) && gw.Present() {
		if err := d.enableBypass(prefs, bypass.Options{}); err != nil {
			d.log.Warnf("bypass: %v", err)
		}
	}
	return nil
}

// Run serves until ctx ends, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	scheduler, err := d.newScheduler()
	if err != nil {
		return err
	}
	scheduler.Start()

	logs, unsubscribe := d.log.Subscribe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.monitor.Run(gctx)
	})
	g.Go(func() error {
		defer unsubscribe()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-logs:
				if !ok {
					return nil
				}
				d.service.SendLog(line)
				d.status.Publish(ipc.SignalSendLog, line)
			}
		}
	})
	if d.opts.StatusAddr != "" {
		g.Go(func() error {
			return d.status.ListenAndServe(gctx, d.opts.StatusAddr)
		})
	}

	runErr := g.Wait()
	if err := scheduler.Shutdown(); err != nil {
		d.log.Warnf("scheduler shutdown: %v", err)
	}
	d.Shutdown()
	return runErr
}

// Shutdown disconnects both scopes, waits for them, and restores the host.
func (d *Daemon) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.stopTunnels(ctx); err != nil {
		d.log.Warnf("shutdown tunnels: %v", err)
	}
	d.bypass.Disable()
	if err := d.dns.Restore(); err != nil {
		d.log.Warnf("dns restore: %v", err)
	}
	prefs, _ := d.settings.Get()
	if prefs.FirewallMode() == int(firewall.ModeGUIOnly) {
		if err := d.firewall.ApplyRules(firewall.ModeGUIOnly, bool(prefs.BlockLAN), bool(prefs.PreserveRules)); err != nil {
			d.log.Warnf("firewall teardown: %v", err)
		}
	}
	d.procs.Shutdown()
	d.service.Release()
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.log.Warnf("close journal: %v", err)
		}
	}
	d.log.Infof("daemon stopped")
}

func (d *Daemon) stopTunnels(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range []*tunnel.Tunnel{d.main, d.split} {
		t := t
		g.Go(func() error {
			return t.Shutdown(gctx)
		})
	}
	return g.Wait()
}

func (d *Daemon) tunnelFor(scope tunnel.Scope) *tunnel.Tunnel {
	if scope == tunnel.ScopeBypass {
		return d.split
	}
	return d.main
}

func (d *Daemon) altDNS() []string {
	prefs, err := d.settings.Get()
	if err != nil && !errors.Is(err, settings.ErrConfiguration) {
		return nil
	}
	if !prefs.AltDNS {
		return nil
	}
	return prefs.AltServers()
}

// Status implements server.StatusSource.
func (d *Daemon) Status() server.Status {
	resolvers, err := d.dns.Current()
	if err != nil {
		d.log.Debugf("read resolvers: %v", err)
	}
	return server.Status{
		Version:     version.Current(),
		Tunnels:     []tunnel.Status{d.main.Status(), d.split.Status()},
		Gateway:     d.monitor.Gateway(),
		Online:      d.monitor.Online(),
		Firewall:    int(d.firewall.Mode()),
		Whitelisted: d.firewall.Whitelisted(),
		Resolvers:   resolvers,
		Bypass:      d.bypass.State(),
		Children:    d.procs.List(),
	}
}

// linkDown tears every scope down when the uplink disappears.
func (d *Daemon) linkDown(err error) {
	d.log.Warnf("network down (%v), disconnecting", err)
	d.main.Disconnect()
	d.split.Disconnect()
	d.bypass.Disable()
}

// linkUp rebuilds bypass for the new gateway and redials the last primary
// connection when autoconnect is on.
func (d *Daemon) linkUp(gw netmon.Gateway) {
	prefs, err := d.settings.Reload()
	if err != nil {
		d.log.Warnf("preferences: %v", err)
	}
	d.log.Infof("network up via %s gateway %s", gw.Interface, gw.Gateway)
	if prefs.Bypass {
		if err := d.enableBypass(prefs, bypass.Options{}); err != nil {
			d.log.Warnf("bypass: %v", err)
		}
	}
	if !prefs.Autoconnect {
		return
	}
	if d.main.Stopping() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err := d.main.Wait(ctx)
		cancel()
		if err != nil {
			d.log.Warnf("autoconnect: previous connection still tearing down: %v", err)
			return
		}
	}
	if d.main.State() != tunnel.StateIdle {
		return
	}
	d.mu.Lock()
	req, ok := d.requests[tunnel.ScopeMain]
	d.mu.Unlock()
	if !ok {
		if len(prefs.LastServer) == 0 {
			return
		}
		req = vpn.FromMap(prefs.LastServer)
	}
	d.log.Infof("autoconnect to %s", req.Server.Name)
	if err := d.connect(tunnel.ScopeMain, req); err != nil {
		d.log.Errorf("autoconnect: %v", err)
	}
}
