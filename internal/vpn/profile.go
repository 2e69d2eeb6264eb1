package vpn

import (
	"net/netip"
	"strconv"
	"strings"
)

// Tunnel types carried in ServerRecord.Tunnel.
const (
	TunnelOpenVPN   = "OpenVPN"
	TunnelWireGuard = "WireGuard"
)

// Protocol is the transport of an OpenVPN connection.
type Protocol string

const (
	ProtoUDP Protocol = "UDP"
	ProtoTCP Protocol = "TCP"
	ProtoSSL Protocol = "SSL"
	ProtoSSH Protocol = "SSH"
)

// ParseProtocol normalises a protocol label; unknown values mean UDP.
func ParseProtocol(raw string) Protocol {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TCP":
		return ProtoTCP
	case "SSL":
		return ProtoSSL
	case "SSH":
		return ProtoSSH
	default:
		return ProtoUDP
	}
}

// Tunneled reports whether the protocol rides inside a local stunnel or ssh
// forward.
func (p Protocol) Tunneled() bool {
	return p == ProtoSSL || p == ProtoSSH
}

// HopMode tells whether a connection request is part of a double hop.
type HopMode int

const (
	HopNone HopMode = iota
	// HopOnly connects the hop server by itself.
	HopOnly
	// HopThenPrimary brings up the registered hop first and chains the
	// primary behind it.
	HopThenPrimary
)

func parseHopMode(raw string) HopMode {
	switch strings.TrimSpace(raw) {
	case "1":
		return HopOnly
	case "2":
		return HopThenPrimary
	default:
		return HopNone
	}
}

func (h HopMode) String() string {
	return strconv.Itoa(int(h))
}

// ServerRecord is one server entry as the frontend sends it.
type ServerRecord struct {
	Name      string   `json:"name"`
	Provider  string   `json:"provider"`
	Country   string   `json:"country"`
	City      string   `json:"city"`
	IP        string   `json:"ip"`
	AltIPs    []string `json:"alt_ips,omitempty"`
	AltIPv6   []string `json:"alt_ips_6,omitempty"`
	Tunnel    string   `json:"tunnel"`
	Port      string   `json:"port"`
	Protocol  Protocol `json:"protocol"`
	PublicKey string   `json:"public_key,omitempty"`
	Path      string   `json:"path,omitempty"`
}

// IsIPv6 reports whether the server address is an IPv6 literal.
func (s ServerRecord) IsIPv6() bool {
	addr, err := netip.ParseAddr(s.IP)
	return err == nil && addr.Is6() && !addr.Is4In6()
}

// IsWireGuard reports whether the record selects a WireGuard tunnel.
func (s ServerRecord) IsWireGuard() bool {
	return strings.EqualFold(s.Tunnel, TunnelWireGuard)
}

// ProtocolChoice selects which entry address, port and transport a server is
// dialled with. Entry 0 is the primary address; 1 to 4 pick ip1..ip4.
type ProtocolChoice struct {
	Protocol Protocol
	Port     string
	Entry    int
	IPv6     bool
}

// Resolve stamps the choice onto a copy of the record.
func (c ProtocolChoice) Resolve(s ServerRecord) ServerRecord {
	out := s
	if c.Protocol != "" {
		out.Protocol = c.Protocol
	}
	if c.Port != "" {
		out.Port = c.Port
	}
	pool := s.AltIPs
	if c.IPv6 {
		pool = s.AltIPv6
	}
	if c.Entry > 0 && c.Entry <= len(pool) && pool[c.Entry-1] != "" {
		out.IP = pool[c.Entry-1]
	} else if c.IPv6 && len(pool) > 0 && pool[0] != "" {
		out.IP = pool[0]
	}
	return out
}

// ConnectionRequest is a server record plus the per-connection options the
// frontend attaches to connect_to_server.
type ConnectionRequest struct {
	Server ServerRecord
	Hop    HopMode
	Bypass bool
}

// FromMap decodes the string map the frontend sends over the bus.
func FromMap(m map[string]string) ConnectionRequest {
	get := func(key string) string { return strings.TrimSpace(m[key]) }
	srv := ServerRecord{
		Name:      get("name"),
		Provider:  get("provider"),
		Country:   get("country"),
		City:      get("city"),
		IP:        get("ip"),
		Tunnel:    get("tunnel"),
		Port:      get("port"),
		Protocol:  ParseProtocol(get("protocol")),
		PublicKey: get("public_key"),
		Path:      get("path"),
	}
	if srv.Tunnel == "" {
		srv.Tunnel = TunnelOpenVPN
	}
	for i := 1; i <= 4; i++ {
		n := strconv.Itoa(i)
		if v := get("ip" + n); v != "" {
			srv.AltIPs = setAt(srv.AltIPs, i-1, v)
		}
		if v := get("ip" + n + "_6"); v != "" {
			srv.AltIPv6 = setAt(srv.AltIPv6, i-1, v)
		}
	}
	if entry := get("entry"); entry != "" || get("ipv6") == "on" {
		n, _ := strconv.Atoi(entry)
		srv = ProtocolChoice{Entry: n, IPv6: get("ipv6") == "on"}.Resolve(srv)
	}
	return ConnectionRequest{
		Server: srv,
		Hop:    parseHopMode(get("hop")),
		Bypass: get("bypass") == "1",
	}
}

// ToMap is the inverse of FromMap for the fields the journal and the
// settings file keep.
func (r ConnectionRequest) ToMap() map[string]string {
	s := r.Server
	m := map[string]string{
		"name":     s.Name,
		"provider": s.Provider,
		"country":  s.Country,
		"city":     s.City,
		"ip":       s.IP,
		"tunnel":   s.Tunnel,
		"port":     s.Port,
		"protocol": string(s.Protocol),
		"hop":      r.Hop.String(),
	}
	if s.PublicKey != "" {
		m["public_key"] = s.PublicKey
	}
	if s.Path != "" {
		m["path"] = s.Path
	}
	if r.Bypass {
		m["bypass"] = "1"
	}
	for i, ip := range s.AltIPs {
		if ip != "" {
			m["ip"+strconv.Itoa(i+1)] = ip
		}
	}
	for i, ip := range s.AltIPv6 {
		if ip != "" {
			m["ip"+strconv.Itoa(i+1)+"_6"] = ip
		}
	}
	return m
}

func setAt(list []string, idx int, value string) []string {
	for len(list) <= idx {
		list = append(list, "")
	}
	list[idx] = value
	return list
}

// WireGuardConfig captures parsed fields from a WireGuard config.
type WireGuardConfig struct {
	Interface WireGuardInterface
	Peers     []WireGuardPeer
}

// WireGuardInterface holds [Interface] data.
type WireGuardInterface struct {
	PrivateKey string
	Addresses  []string
	DNS        []string
	Extras     map[string][]string
}

// WireGuardPeer holds [Peer] data.
type WireGuardPeer struct {
	PublicKey           string
	PresharedKey        string
	AllowedIPs          []string
	Endpoint            string
	PersistentKeepalive string
	Extras              map[string][]string
}

// OpenVPNConfig captures parsed OpenVPN directives and inline blocks.
type OpenVPNConfig struct {
	Directives   map[string][]string
	InlineBlocks map[string]string
}
