package vpn

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownProvider is returned for provider names that cannot be used as
// a directory name under the state directory.
var ErrUnknownProvider = errors.New("unknown provider")

// ProviderKind enumerates the providers with built-in knowledge. Everything
// else is a user folder of plain OpenVPN or WireGuard files.
type ProviderKind int

const (
	UserFolder ProviderKind = iota
	Airvpn
	Mullvad
	PIA
	Windscribe
	ProtonVPN
)

var providerNames = map[ProviderKind]string{
	Airvpn:     "Airvpn",
	Mullvad:    "Mullvad",
	PIA:        "PIA",
	Windscribe: "Windscribe",
	ProtonVPN:  "ProtonVPN",
}

// Local forwarding ports for tunneled transports.
const (
	StunnelLocalPort = "1413"
	SSHLocalPort     = "1412"
)

// ProviderPlugin carries the provider-specific parts of config rendering.
type ProviderPlugin struct {
	Kind ProviderKind
	Name string
}

// strategy is what a built-in provider changes about rendering.
type strategy struct {
	// wireguard names a template that lacks the peer block; empty means
	// WireGuard configs are used as shipped.
	wireguard string
	tls       func(certs string, srv ServerRecord) string
}

func tlsAuth(certs string, _ ServerRecord) string {
	return fmt.Sprintf("tls-auth %s 1", filepath.Join(certs, "ta.key"))
}

// Airvpn's third and fourth entry addresses use tls-crypt.
func airvpnTLS(certs string, srv ServerRecord) string {
	if !srv.Protocol.Tunneled() && entryIndex(srv) >= 3 {
		return fmt.Sprintf("tls-crypt %s", filepath.Join(certs, "tls-crypt.key"))
	}
	return tlsAuth(certs, srv)
}

var strategies = map[ProviderKind]strategy{
	Airvpn:     {tls: airvpnTLS},
	Mullvad:    {wireguard: "mullvad_wg.conf"},
	PIA:        {},
	Windscribe: {tls: tlsAuth},
	ProtonVPN:  {tls: tlsAuth},
}

// PluginFor resolves a provider name. Unknown but well-formed names become
// user folders.
func PluginFor(name string) (ProviderPlugin, error) {
	name = strings.TrimSpace(name)
	if err := ValidateName(name); err != nil {
		return ProviderPlugin{}, fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	}
	for kind, known := range providerNames {
		if strings.EqualFold(known, name) {
			return ProviderPlugin{Kind: kind, Name: known}, nil
		}
	}
	return ProviderPlugin{Kind: UserFolder, Name: name}, nil
}

func (p ProviderPlugin) String() string {
	return p.Name
}

// Dir is the provider's folder under the state directory. An existing
// folder spelled with different case is preferred over the canonical name.
func (p ProviderPlugin) Dir(stateDir string) string {
	return lookupFold(stateDir, p.Name)
}

// CertDir holds keys shared by every server of a provider.
func (p ProviderPlugin) CertDir(stateDir string) string {
	return lookupFold(filepath.Join(stateDir, "certs"), p.Name)
}

// BaseConfig is the OpenVPN template a server is rendered from: the shared
// <Provider>_config, ssl_config for tunneled transports, or the user
// folder's own file.
func (p ProviderPlugin) BaseConfig(stateDir string, srv ServerRecord) string {
	if p.Kind == UserFolder {
		if filepath.IsAbs(srv.Path) {
			return srv.Path
		}
		return filepath.Join(p.Dir(stateDir), srv.Path)
	}
	if srv.Protocol.Tunneled() {
		return filepath.Join(stateDir, "ssl_config")
	}
	return filepath.Join(stateDir, p.Name+"_config")
}

// WorkDir is where relative paths inside the base config resolve.
func (p ProviderPlugin) WorkDir(stateDir string, srv ServerRecord) string {
	if p.Kind == UserFolder {
		return filepath.Dir(p.BaseConfig(stateDir, srv))
	}
	return p.CertDir(stateDir)
}

// WireGuardTemplate is the file a WireGuard config is rendered from.
func (p ProviderPlugin) WireGuardTemplate(stateDir string, srv ServerRecord) string {
	if name := strategies[p.Kind].wireguard; name != "" {
		return filepath.Join(stateDir, name)
	}
	if filepath.IsAbs(srv.Path) {
		return srv.Path
	}
	return filepath.Join(p.Dir(stateDir), srv.Path)
}

// InjectsPeer reports whether WireGuard templates need the server's peer
// fields added.
func (p ProviderPlugin) InjectsPeer() bool {
	return strategies[p.Kind].wireguard != ""
}

// TLSDirective returns the tls-auth or tls-crypt line for the provider, or
// an empty string when the base config already carries its keys inline.
func (p ProviderPlugin) TLSDirective(stateDir string, srv ServerRecord) string {
	tls := strategies[p.Kind].tls
	if tls == nil {
		return ""
	}
	return tls(p.CertDir(stateDir), srv)
}

// HelperArgv returns the command that provides the local forward for SSL
// and SSH transports. stunnelConf is the rendered stunnel config.
func (p ProviderPlugin) HelperArgv(stateDir, stunnelConf string, srv ServerRecord) []string {
	switch srv.Protocol {
	case ProtoSSL:
		return []string{"stunnel", stunnelConf}
	case ProtoSSH:
		return []string{
			"ssh",
			"-i", filepath.Join(p.CertDir(stateDir), "sshtunnel.key"),
			"-L", SSHLocalPort + ":127.0.0.1:2018",
			"sshtunnel@" + srv.IP,
			"-p", srv.Port,
			"-N", "-T",
			"-o", "StrictHostKeyChecking=no",
			"-o", "UserKnownHostsFile=/dev/null",
		}
	}
	return nil
}

// lookupFold returns parent/name, or the existing entry of parent whose
// name matches case-insensitively.
func lookupFold(parent, name string) string {
	exact := filepath.Join(parent, name)
	if _, err := os.Lstat(exact); err == nil {
		return exact
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		return exact
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), name) {
			return filepath.Join(parent, entry.Name())
		}
	}
	return exact
}

// entryIndex returns which ipN alias the record's address came from, 0 for
// the primary address.
func entryIndex(srv ServerRecord) int {
	for i, ip := range srv.AltIPs {
		if ip != "" && ip == srv.IP {
			return i + 1
		}
	}
	for i, ip := range srv.AltIPv6 {
		if ip != "" && ip == srv.IP {
			return i + 1
		}
	}
	return 0
}
