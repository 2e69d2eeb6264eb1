package vpn

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"unicode"

	"golang.org/x/crypto/curve25519"
)

// ParseWireGuard parses a wg-quick config.
func ParseWireGuard(raw string) (*WireGuardConfig, error) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	cfg := &WireGuardConfig{
		Interface: WireGuardInterface{
			Extras: make(map[string][]string),
		},
	}

	section := ""
	var currentPeer *WireGuardPeer
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			switch section {
			case "interface":
				currentPeer = nil
			case "peer":
				cfg.Peers = append(cfg.Peers, WireGuardPeer{Extras: make(map[string][]string)})
				currentPeer = &cfg.Peers[len(cfg.Peers)-1]
			default:
				return nil, fmt.Errorf("line %d: unsupported section [%s]", lineNum, section)
			}
			continue
		}

		key, value, ok := splitINIKeyValue(line)
		if !ok {
			return nil, fmt.Errorf("line %d: invalid key-value pair", lineNum)
		}
		value = stripInlineComment(value)
		lowerKey := strings.ToLower(key)

		switch section {
		case "interface":
			applyWireGuardInterfaceField(&cfg.Interface, lowerKey, value)
		case "peer":
			if currentPeer == nil {
				return nil, fmt.Errorf("line %d: key outside of [Peer] section", lineNum)
			}
			applyWireGuardPeerField(currentPeer, lowerKey, value)
		default:
			return nil, fmt.Errorf("line %d: key outside known section", lineNum)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if cfg.Interface.PrivateKey == "" {
		return nil, fmt.Errorf("[Interface] PrivateKey is required")
	}
	if len(cfg.Interface.Addresses) == 0 {
		return nil, fmt.Errorf("[Interface] Address is required")
	}
	if len(cfg.Peers) == 0 {
		return nil, fmt.Errorf("at least one [Peer] section is required")
	}
	for i, peer := range cfg.Peers {
		index := i + 1
		if peer.PublicKey == "" {
			return nil, fmt.Errorf("[Peer %d] PublicKey is required", index)
		}
		if len(peer.AllowedIPs) == 0 {
			return nil, fmt.Errorf("[Peer %d] AllowedIPs is required", index)
		}
		if peer.Endpoint == "" {
			return nil, fmt.Errorf("[Peer %d] Endpoint is required", index)
		}
	}
	return cfg, nil
}

// EndpointHost returns the first peer's endpoint address.
func (c *WireGuardConfig) EndpointHost() string {
	if c == nil || len(c.Peers) == 0 {
		return ""
	}
	return parseEndpointHost(c.Peers[0].Endpoint)
}

// PublicKeyFromPrivate derives the base64 public key for a base64 private
// key, rejecting anything that is not a 32-byte Curve25519 scalar.
func PublicKeyFromPrivate(private string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(private))
	if err != nil {
		return "", fmt.Errorf("private key is not base64: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key must be %d bytes, got %d", curve25519.ScalarSize, len(raw))
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

func applyWireGuardInterfaceField(target *WireGuardInterface, key, value string) {
	switch key {
	case "privatekey":
		target.PrivateKey = value
	case "address":
		target.Addresses = append(target.Addresses, parseCSVList(value)...)
	case "dns":
		target.DNS = append(target.DNS, parseCSVList(value)...)
	default:
		target.Extras[key] = append(target.Extras[key], value)
	}
}

func applyWireGuardPeerField(target *WireGuardPeer, key, value string) {
	switch key {
	case "publickey":
		target.PublicKey = value
	case "presharedkey":
		target.PresharedKey = value
	case "allowedips":
		target.AllowedIPs = append(target.AllowedIPs, parseCSVList(value)...)
	case "endpoint":
		target.Endpoint = value
	case "persistentkeepalive":
		target.PersistentKeepalive = value
	default:
		target.Extras[key] = append(target.Extras[key], value)
	}
}

func splitINIKeyValue(line string) (string, string, bool) {
	if idx := strings.Index(line, "="); idx >= 0 {
		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if key == "" {
			return "", "", false
		}
		return key, value, true
	}
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	key := fields[0]
	value := strings.TrimSpace(line[len(key):])
	return key, value, true
}

func parseCSVList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		items = append(items, trimmed)
	}
	return items
}

func stripInlineComment(value string) string {
	for _, marker := range []string{" #", " ;"} {
		if idx := strings.Index(value, marker); idx >= 0 {
			value = value[:idx]
		}
	}
	return strings.TrimSpace(value)
}

func parseEndpointHost(endpoint string) string {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		return strings.Trim(host, "[]")
	}
	if strings.HasPrefix(trimmed, "[") && strings.Contains(trimmed, "]") {
		closeIdx := strings.Index(trimmed, "]")
		if closeIdx > 1 {
			return strings.TrimSpace(trimmed[1:closeIdx])
		}
	}
	if idx := strings.LastIndex(trimmed, ":"); idx > 0 {
		port := strings.TrimSpace(trimmed[idx+1:])
		if port != "" && allDigits(port) {
			return strings.TrimSpace(trimmed[:idx])
		}
	}
	return trimmed
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
