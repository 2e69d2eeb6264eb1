package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"qomui/internal/bypass"
	"qomui/internal/diaglog"
	"qomui/internal/firewall"
	"qomui/internal/ipc"
	"qomui/internal/settings"
	"qomui/internal/systemd"
	"qomui/internal/tunnel"
	"qomui/internal/version"
	"qomui/internal/vpn"
)

// providerIPsFile lists a provider's server addresses for the bootstrap
// whitelist.
const providerIPsFile = "ips.json"

var _ ipc.Backend = (*Daemon)(nil)

// ConnectToServer dials the server described by the frontend map in the
// scope its bypass flag selects.
func (d *Daemon) ConnectToServer(server map[string]string) error {
	req := vpn.FromMap(server)
	scope := tunnel.ScopeMain
	if req.Bypass {
		scope = tunnel.ScopeBypass
	}
	if req.Server.Name == "" {
		return fmt.Errorf("%w: server name is required", ipc.ErrInvalidArgument)
	}
	if _, err := d.settings.Reload(); err != nil {
		d.log.Warnf("preferences: %v", err)
	}
	if err := d.connect(scope, req); err != nil {
		return err
	}
	if scope == tunnel.ScopeMain {
		if err := d.settings.Update(func(s *settings.Settings) {
			s.LastServer = req.ToMap()
		}); err != nil {
			d.log.Warnf("remember last server: %v", err)
		}
	}
	return nil
}

func (d *Daemon) connect(scope tunnel.Scope, req vpn.ConnectionRequest) error {
	var hop *vpn.ServerRecord
	d.mu.Lock()
	if d.hop != nil && req.Hop == vpn.HopThenPrimary {
		copied := *d.hop
		hop = &copied
	}
	d.requests[scope] = req
	d.mu.Unlock()

	d.log.Infof("connect %s to %s (%s, %s %s)", scope, req.Server.Name, req.Server.Provider, req.Server.Tunnel, req.Server.Protocol)
	d.record(scope, "connect", "")
	if err := d.tunnelFor(scope).Connect(req, hop); err != nil {
		if errors.Is(err, tunnel.ErrInvalidServer) {
			return fmt.Errorf("%w: %v", ipc.ErrInvalidArgument, err)
		}
		return err
	}
	return nil
}

// SetHop registers the first hop for double-hop connections. An empty map
// clears it.
func (d *Daemon) SetHop(server map[string]string) error {
	if len(server) == 0 || strings.TrimSpace(server["ip"]) == "" {
		d.mu.Lock()
		d.hop = nil
		d.mu.Unlock()
		d.log.Infof("hop cleared")
		return nil
	}
	srv := vpn.FromMap(server).Server
	if net.ParseIP(srv.IP) == nil {
		return fmt.Errorf("%w: hop address %q", ipc.ErrInvalidArgument, srv.IP)
	}
	if srv.IsWireGuard() {
		return fmt.Errorf("%w: wireguard servers cannot be a hop", ipc.ErrInvalidArgument)
	}
	d.mu.Lock()
	d.hop = &srv
	d.mu.Unlock()
	if err := d.settings.Update(func(s *settings.Settings) {
		s.LastHop = server
	}); err != nil {
		d.log.Warnf("remember hop: %v", err)
	}
	d.log.Infof("hop set to %s (%s)", srv.Name, srv.IP)
	return nil
}

// Disconnect stops the given scope, or both for "all".
func (d *Daemon) Disconnect(scope string) error {
	if strings.EqualFold(strings.TrimSpace(scope), "all") {
		d.main.Disconnect()
		d.split.Disconnect()
		return nil
	}
	parsed, err := tunnel.ParseScope(scope)
	if err != nil {
		return fmt.Errorf("%w: %v", ipc.ErrInvalidArgument, err)
	}
	d.tunnelFor(parsed).Disconnect()
	return nil
}

// LoadFirewall applies mode with the current LAN and preserve preferences.
// Rules that fail to install are logged; the engine keeps converging.
func (d *Daemon) LoadFirewall(mode int) error {
	if mode < 0 || mode > 2 {
		return fmt.Errorf("%w: firewall mode %d", ipc.ErrInvalidArgument, mode)
	}
	prefs, err := d.settings.Reload()
	if err != nil {
		d.log.Warnf("preferences: %v", err)
	}
	err = d.firewall.ApplyRules(firewall.Mode(mode), bool(prefs.BlockLAN), bool(prefs.PreserveRules))
	if err != nil {
		if !errors.Is(err, firewall.ErrRuleInstallFailed) {
			return err
		}
		d.log.Warnf("firewall mode %d: %v", mode, err)
	}
	// A flush drops the bypass rules along with everything else.
	if d.bypass.Active() {
		if err := d.enableBypass(prefs, d.bypass.Options()); err != nil {
			d.log.Warnf("reinstall bypass: %v", err)
		}
	}
	return nil
}

// Bypass enables or disables the split-routing cgroup following the bypass
// preference. userGroup names the owner of the cgroup.
func (d *Daemon) Bypass(userGroup map[string]string) error {
	prefs, err := d.settings.Reload()
	if err != nil {
		d.log.Warnf("preferences: %v", err)
	}
	if !prefs.Bypass {
		d.split.Disconnect()
		d.bypass.Disable()
		d.log.Infof("bypass disabled")
		return nil
	}
	owner := bypass.Options{
		User:  strings.TrimSpace(userGroup["user"]),
		Group: strings.TrimSpace(userGroup["group"]),
	}
	return d.enableBypass(prefs, owner)
}

// enableBypass builds the cgroup against the current gateway. owner carries
// the cgroup user and group; empty fields keep the previous ones.
func (d *Daemon) enableBypass(prefs settings.Settings, owner bypass.Options) error {
	gw := d.monitor.Gateway()
	if !gw.Present() {
		refreshed, err := d.monitor.Refresh()
		if err != nil {
			return fmt.Errorf("%w: %v", bypass.ErrNoGateway, err)
		}
		gw = refreshed
	}
	previous := d.bypass.Options()
	opts := bypass.Options{
		Interface:  gw.Interface,
		Gateway:    gw.Gateway,
		Interface6: gw.Interface6,
		Gateway6:   gw.Gateway6,
		DNS1:       prefs.AltDNS1,
		DNS2:       prefs.AltDNS2,
		User:       firstNonEmpty(owner.User, previous.User),
		Group:      firstNonEmpty(owner.Group, previous.Group),
	}
	return d.bypass.Enable(opts)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// AllowProviderIP opens the firewall for a provider's servers so its
// configs can be fetched and tested under the kill-switch. Without a
// server list the alternative resolvers are opened instead.
func (d *Daemon) AllowProviderIP(provider string) error {
	plugin, err := vpn.PluginFor(provider)
	if err != nil {
		return err
	}
	ips, err := readProviderIPs(filepath.Join(plugin.Dir(d.opts.StateDir), providerIPsFile))
	if err != nil {
		return fmt.Errorf("%w: %v", settings.ErrConfiguration, err)
	}
	if len(ips) == 0 {
		prefs, _ := d.settings.Get()
		return d.firewall.DNSRequestException(firewall.Add, prefs.AltDNS1, prefs.AltDNS2, "53")
	}

	d.mu.Lock()
	_, done := d.providerIPs[plugin.Name]
	if !done {
		d.providerIPs[plugin.Name] = ips
	}
	d.mu.Unlock()
	if done {
		return nil
	}
	var errs []error
	for _, ip := range ips {
		if err := d.firewall.AllowDestIP(ip, firewall.Add); err != nil && !errors.Is(err, firewall.ErrRuleInstallFailed) {
			errs = append(errs, err)
		}
	}
	d.log.Infof("allowed %d addresses of %s", len(ips), plugin.Name)
	return errors.Join(errs...)
}

func readProviderIPs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	ips := make([]string, 0, len(raw))
	for _, ip := range raw {
		ip = strings.TrimSpace(ip)
		if net.ParseIP(ip) != nil {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// BlockDNS closes the bootstrap path again: the resolver exceptions and any
// provider addresses opened by AllowProviderIP.
func (d *Daemon) BlockDNS() error {
	prefs, _ := d.settings.Get()
	var errs []error
	if err := d.firewall.DNSRequestException(firewall.Remove, prefs.AltDNS1, prefs.AltDNS2, "53"); err != nil {
		errs = append(errs, err)
	}
	d.mu.Lock()
	opened := d.providerIPs
	d.providerIPs = make(map[string][]string)
	d.mu.Unlock()
	for _, ips := range opened {
		for _, ip := range ips {
			if err := d.firewall.AllowDestIP(ip, firewall.Remove); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.log.Warnf("block dns: %v", err)
	}
	return nil
}

func (d *Daemon) SaveDefaultDNS() error {
	return d.dns.Backup()
}

func (d *Daemon) RestoreDefaultDNS() error {
	return d.dns.Restore()
}

// ReturnTunDevice names the device of "tun", "tun_hop" or "bypass", empty
// when that tunnel is down.
func (d *Daemon) ReturnTunDevice(which string) string {
	switch strings.ToLower(strings.TrimSpace(which)) {
	case "tun_hop", "hop":
		return d.main.Device(true)
	case "bypass", "tun_bypass":
		return d.split.Device(false)
	default:
		return d.main.Device(false)
	}
}

func (d *Daemon) DefaultGatewayCheck() map[string]string {
	gw, err := d.monitor.Refresh()
	if err != nil {
		d.log.Warnf("default gateway: %v", err)
	}
	return gw.Map()
}

// DeleteProvider removes a provider's folder and certificates.
func (d *Daemon) DeleteProvider(provider string) error {
	plugin, err := vpn.PluginFor(provider)
	if err != nil {
		return err
	}
	var errs []error
	found := false
	for _, dir := range []string{plugin.Dir(d.opts.StateDir), plugin.CertDir(d.opts.StateDir)} {
		if _, err := os.Lstat(dir); err != nil {
			continue
		}
		found = true
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: provider %s has no files", ipc.ErrInvalidArgument, provider)
	}
	d.log.Infof("deleted provider %s", plugin.Name)
	return nil
}

// DisableIPv6 toggles IPv6 on every interface.
func (d *Daemon) DisableIPv6(flag int) error {
	if flag != 0 && flag != 1 {
		return fmt.Errorf("%w: disable_ipv6 flag %d", ipc.ErrInvalidArgument, flag)
	}
	if err := d.exec.Run("sysctl", "-w", "net.ipv6.conf.all.disable_ipv6="+strconv.Itoa(flag)); err != nil {
		return err
	}
	d.log.Infof("ipv6 disable_ipv6=%d", flag)
	return nil
}

func (d *Daemon) LogLevelChange(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log level %q", ipc.ErrInvalidArgument, level)
	}
	if err := d.log.Configure(true, level); err != nil {
		return err
	}
	d.log.Infof("log level set to %s", strings.ToLower(level))
	return nil
}

type frontendRecord struct {
	Level string `json:"level"`
	Msg   string `json:"msg"`
}

// ShareLog writes a frontend log record into the daemon log so both sides
// read as one stream.
func (d *Daemon) ShareLog(record string) error {
	var rec frontendRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil || rec.Msg == "" {
		rec = frontendRecord{Level: "info", Msg: strings.TrimSpace(record)}
	}
	if rec.Msg == "" {
		return nil
	}
	switch diaglog.ParseLevel(rec.Level) {
	case diaglog.LevelDebug:
		d.log.Debugf("gui: %s", rec.Msg)
	case diaglog.LevelWarn:
		d.log.Warnf("gui: %s", rec.Msg)
	case diaglog.LevelError:
		d.log.Errorf("gui: %s", rec.Msg)
	default:
		d.log.Infof("gui: %s", rec.Msg)
	}
	return nil
}

func (d *Daemon) GetVersion() string {
	return version.Installed(d.opts.StateDir)
}

// Restart disconnects every scope and asks systemd to restart the service.
func (d *Daemon) Restart() error {
	d.log.Infof("restart requested")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.stopTunnels(ctx); err != nil {
		d.log.Warnf("restart: tunnels still tearing down: %v", err)
	}
	return d.services.Restart(systemd.ServiceName)
}
