package vpn

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// ErrTemplate marks a config that could not be rendered.
var ErrTemplate = errors.New("template error")

// WireGuardDevice is the interface wg-quick creates for rendered configs.
const WireGuardDevice = "wg_qomui"

// Role selects which tunnel a rendered OpenVPN config belongs to.
type Role int

const (
	RolePrimary Role = iota
	RoleHop
	RoleBypass
)

// FileName is the stable name of the rendered config in the temp directory.
func (r Role) FileName() string {
	switch r {
	case RoleHop:
		return "hop.ovpn"
	case RoleBypass:
		return "bypass.ovpn"
	default:
		return "temp.ovpn"
	}
}

// Device is the tun device the role forces, empty to keep the template's.
func (r Role) Device() string {
	switch r {
	case RoleHop:
		return "tun_hop"
	case RoleBypass:
		return "tun_bypass"
	default:
		return ""
	}
}

// OpenVPNRender is the outcome of rendering an OpenVPN connection.
type OpenVPNRender struct {
	Path string
	// Helper is the stunnel or ssh command providing the local forward for
	// SSL and SSH transports.
	Helper []string
	// Remote is the address the firewall must allow.
	Remote string
}

// WireGuardRender is the outcome of rendering a WireGuard connection.
type WireGuardRender struct {
	Path      string
	Interface string
	DNS       []string
	Endpoint  string
	PublicKey string
}

// Renderer writes per-connection configs into the temp directory.
type Renderer struct {
	StateDir string
	TempDir  string
}

func NewRenderer(stateDir, tempDir string) *Renderer {
	return &Renderer{StateDir: stateDir, TempDir: tempDir}
}

// HopScript is invoked by the hop tunnel to pin the primary server's route
// through it.
func (r *Renderer) HopScript() string {
	return filepath.Join(r.StateDir, "hop.sh")
}

// HopDownScript removes the route HopScript pinned.
func (r *Renderer) HopDownScript() string {
	return filepath.Join(r.StateDir, "hop_down.sh")
}

// RenderOpenVPN renders srv for role. peer is the primary server address
// when rendering the hop of a double-hop connection.
func (r *Renderer) RenderOpenVPN(role Role, srv ServerRecord, peer string) (OpenVPNRender, error) {
	plugin, err := PluginFor(srv.Provider)
	if err != nil {
		return OpenVPNRender{}, err
	}
	if net.ParseIP(srv.IP) == nil {
		return OpenVPNRender{}, fmt.Errorf("%w: server %q has no valid ip", ErrTemplate, srv.Name)
	}
	basePath := plugin.BaseConfig(r.StateDir, srv)
	raw, err := os.ReadFile(basePath)
	if err != nil {
		return OpenVPNRender{}, fmt.Errorf("%w: read %s: %v", ErrTemplate, basePath, err)
	}
	base, err := ParseOpenVPN(string(raw))
	if err != nil {
		return OpenVPNRender{}, fmt.Errorf("%w: %s: %v", ErrTemplate, basePath, err)
	}

	port := srv.Port
	if port == "" {
		if _, basePort := base.Remote(); basePort != "" {
			port = basePort
		} else {
			port = "1194"
		}
	}
	tls := plugin.TLSDirective(r.StateDir, srv)

	remote := fmt.Sprintf("remote %s %s", srv.IP, port)
	proto := "udp"
	switch srv.Protocol {
	case ProtoTCP, ProtoSSL, ProtoSSH:
		proto = "tcp"
	}
	switch srv.Protocol {
	case ProtoSSL:
		remote = "remote 127.0.0.1 " + StunnelLocalPort
	case ProtoSSH:
		remote = "remote 127.0.0.1 " + SSHLocalPort
	default:
		if srv.IsIPv6() {
			proto += "6"
		}
	}

	replaced := map[string]bool{}
	drop := map[string]bool{"remote-random": true}
	if tls != "" {
		drop["tls-auth"] = true
		drop["tls-crypt"] = true
	}
	if role.Device() != "" {
		drop["dev"] = true
		drop["dev-type"] = true
	}
	if role == RoleBypass {
		drop["iproute"] = true
		drop["route-up"] = true
		drop["script-security"] = true
	}
	if role == RoleHop {
		drop["up"] = true
		drop["down"] = true
		drop["script-security"] = true
		drop["route-nopull"] = true
	}

	lines := []string{"cd " + plugin.WorkDir(r.StateDir, srv)}
	inBlock := ""
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if inBlock != "" {
			lines = append(lines, line)
			if strings.EqualFold(trimmed, "</"+inBlock+">") {
				inBlock = ""
			}
			continue
		}
		if strings.HasPrefix(trimmed, "<") && strings.HasSuffix(trimmed, ">") && !strings.HasPrefix(trimmed, "</") {
			inBlock = strings.ToLower(trimmed[1 : len(trimmed)-1])
			lines = append(lines, line)
			continue
		}
		key, _ := directive(trimmed)
		switch {
		case key == "remote":
			if !replaced["remote"] {
				lines = append(lines, remote)
				replaced["remote"] = true
			}
		case key == "proto":
			if !replaced["proto"] {
				lines = append(lines, "proto "+proto)
				replaced["proto"] = true
			}
		case key == "cd":
		case drop[key]:
		default:
			lines = append(lines, line)
		}
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if !replaced["remote"] {
		lines = append(lines, remote)
	}
	if !replaced["proto"] {
		lines = append(lines, "proto "+proto)
	}
	if tls != "" {
		lines = append(lines, tls)
	}
	if srv.Protocol.Tunneled() {
		lines = append(lines, fmt.Sprintf("route %s 255.255.255.255 net_gateway", srv.IP))
	}
	if dev := role.Device(); dev != "" {
		lines = append(lines, "dev "+dev, "dev-type tun")
	}
	switch role {
	case RoleBypass:
		lines = append(lines,
			"iproute "+filepath.Join(r.StateDir, "bypass_route.sh"),
			"script-security 2",
			"route-up "+filepath.Join(r.StateDir, "bypass_up.sh"),
		)
	case RoleHop:
		if peer == "" {
			return OpenVPNRender{}, fmt.Errorf("%w: hop config needs the primary server address", ErrTemplate)
		}
		lines = append(lines,
			"route-nopull",
			"script-security 2",
			fmt.Sprintf(`up "%s -f %s %s"`, r.HopScript(), srv.IP, peer),
			fmt.Sprintf(`down "%s -f %s %s"`, r.HopDownScript(), srv.IP, peer),
		)
	}

	if err := r.ensureTempDir(); err != nil {
		return OpenVPNRender{}, err
	}
	out := OpenVPNRender{Path: filepath.Join(r.TempDir, role.FileName()), Remote: srv.IP}
	if err := writeFileAtomic(out.Path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		return OpenVPNRender{}, fmt.Errorf("%w: write %s: %v", ErrTemplate, out.Path, err)
	}

	if srv.Protocol.Tunneled() {
		stunnelConf := filepath.Join(r.TempDir, "stunnel.conf")
		if srv.Protocol == ProtoSSL {
			conf := fmt.Sprintf("client = yes\nforeground = yes\ndebug = 6\n\n[openvpn]\naccept = 127.0.0.1:%s\nconnect = %s\nTIMEOUTclose = 0\n",
				StunnelLocalPort, net.JoinHostPort(srv.IP, srv.Port))
			if err := writeFileAtomic(stunnelConf, []byte(conf), 0o600); err != nil {
				return OpenVPNRender{}, fmt.Errorf("%w: write %s: %v", ErrTemplate, stunnelConf, err)
			}
		}
		out.Helper = plugin.HelperArgv(r.StateDir, stunnelConf, srv)
	}
	return out, nil
}

// RenderWireGuard renders srv into wg_qomui.conf. Mullvad templates get the
// server's public key and endpoint injected as lines 9 and 10.
func (r *Renderer) RenderWireGuard(srv ServerRecord) (WireGuardRender, error) {
	plugin, err := PluginFor(srv.Provider)
	if err != nil {
		return WireGuardRender{}, err
	}
	templatePath := plugin.WireGuardTemplate(r.StateDir, srv)
	raw, err := os.ReadFile(templatePath)
	if err != nil {
		return WireGuardRender{}, fmt.Errorf("%w: read %s: %v", ErrTemplate, templatePath, err)
	}
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")

	if plugin.InjectsPeer() {
		if srv.PublicKey == "" || srv.IP == "" {
			return WireGuardRender{}, fmt.Errorf("%w: %s server %q lacks public key or ip", ErrTemplate, plugin.Name, srv.Name)
		}
		port := srv.Port
		if port == "" {
			port = "51820"
		}
		text = injectLines(text, 8,
			"PublicKey = "+srv.PublicKey,
			"Endpoint = "+net.JoinHostPort(srv.IP, port),
		)
	}

	cfg, err := ParseWireGuard(text)
	if err != nil {
		return WireGuardRender{}, fmt.Errorf("%w: %s: %v", ErrTemplate, templatePath, err)
	}
	pub, err := PublicKeyFromPrivate(cfg.Interface.PrivateKey)
	if err != nil {
		return WireGuardRender{}, fmt.Errorf("%w: %s: %v", ErrTemplate, templatePath, err)
	}

	if err := r.ensureTempDir(); err != nil {
		return WireGuardRender{}, err
	}
	out := WireGuardRender{
		Path:      filepath.Join(r.TempDir, WireGuardDevice+".conf"),
		Interface: WireGuardDevice,
		DNS:       cfg.Interface.DNS,
		Endpoint:  cfg.EndpointHost(),
		PublicKey: pub,
	}
	if net.ParseIP(out.Endpoint) == nil {
		out.Endpoint = srv.IP
	}
	if err := writeFileAtomic(out.Path, []byte(text), 0o600); err != nil {
		return WireGuardRender{}, fmt.Errorf("%w: write %s: %v", ErrTemplate, out.Path, err)
	}
	return out, nil
}

func (r *Renderer) ensureTempDir() error {
	if err := os.MkdirAll(r.TempDir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrTemplate, err)
	}
	return os.Chmod(r.TempDir, 0o700)
}

// injectLines places extra at zero-based index idx, padding short templates
// with blank lines.
func injectLines(text string, idx int, extra ...string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for len(lines) < idx {
		lines = append(lines, "")
	}
	out := make([]string, 0, len(lines)+len(extra))
	out = append(out, lines[:idx]...)
	out = append(out, extra...)
	out = append(out, lines[idx:]...)
	return strings.Join(out, "\n") + "\n"
}

func writeFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpPath := path + ".tmp"
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
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
