package vpn

import (
	"strings"
	"testing"
)

const (
	testPrivateKey = "dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo="
	testPublicKey  = "hSDwCYkwp1R0i33ctD73Wg2/Og0mOBr066SpjqqbTmo="
)

func TestParseWireGuardValidConfig(t *testing.T) {
	raw := `[Interface]
PrivateKey = ` + testPrivateKey + `
Address = 10.64.1.2/32 ,fc00:bbbb:bbbb:bb01::1/128
DNS = 193.138.218.74

[Peer]
PublicKey = bbbaUHaEAPokg0IlEh2ShB35kIAosMo1pSlB3TduUTA=
AllowedIPs = 0.0.0.0/0, ::/0
Endpoint = 185.65.135.5:51820 # se-sto
PersistentKeepalive = 25
`
	cfg, err := ParseWireGuard(raw)
	if err != nil {
		t.Fatalf("ParseWireGuard failed: %v", err)
	}
	if got := cfg.Interface.Addresses; len(got) != 2 || got[1] != "fc00:bbbb:bbbb:bb01::1/128" {
		t.Fatalf("unexpected addresses: %#v", got)
	}
	if cfg.EndpointHost() != "185.65.135.5" {
		t.Fatalf("unexpected endpoint host %q", cfg.EndpointHost())
	}
	if len(cfg.Interface.DNS) != 1 || cfg.Interface.DNS[0] != "193.138.218.74" {
		t.Fatalf("unexpected dns %v", cfg.Interface.DNS)
	}
}

func TestParseWireGuardInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "missing private key",
			raw:  "[Interface]\nAddress = 10.0.0.2/32\n[Peer]\nPublicKey = key\nAllowedIPs = 0.0.0.0/0\nEndpoint = host:51820\n",
			want: "PrivateKey",
		},
		{
			name: "missing address",
			raw:  "[Interface]\nPrivateKey = key\n[Peer]\nPublicKey = key\nAllowedIPs = 0.0.0.0/0\nEndpoint = host:51820\n",
			want: "Address",
		},
		{
			name: "missing peer",
			raw:  "[Interface]\nPrivateKey = key\nAddress = 10.0.0.2/32\n",
			want: "Peer",
		},
		{
			name: "peer missing endpoint",
			raw:  "[Interface]\nPrivateKey = key\nAddress = 10.0.0.2/32\n[Peer]\nPublicKey = key\nAllowedIPs = 0.0.0.0/0\n",
			want: "Endpoint",
		},
		{
			name: "unknown section",
			raw:  "[Tunnel]\nPrivateKey = key\n",
			want: "unsupported section",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseWireGuard(tc.raw)
			if err == nil {
				t.Fatalf("expected validation error for %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error to contain %q, got %q", tc.want, err.Error())
			}
		})
	}
}

func TestPublicKeyFromPrivate(t *testing.T) {
	pub, err := PublicKeyFromPrivate(testPrivateKey)
	if err != nil {
		t.Fatalf("PublicKeyFromPrivate failed: %v", err)
	}
	if pub != testPublicKey {
		t.Fatalf("expected %s, got %s", testPublicKey, pub)
	}
	if _, err := PublicKeyFromPrivate("c2hvcnQ="); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := PublicKeyFromPrivate("not base64!"); err == nil {
		t.Fatalf("expected error for non-base64 key")
	}
}

func TestParseEndpointHost(t *testing.T) {
	tests := map[string]string{
		"185.65.135.5:51820":  "185.65.135.5",
		"[2a03:1b20::1]:51820": "2a03:1b20::1",
		"se-sto.example:51820": "se-sto.example",
		"10.0.0.1":             "10.0.0.1",
	}
	for input, want := range tests {
		if got := parseEndpointHost(input); got != want {
			t.Fatalf("parseEndpointHost(%q) = %q, want %q", input, got, want)
		}
	}
}
