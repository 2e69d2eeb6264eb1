package firewall

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"qomui/internal/settings"
)

const (
	RulesFile        = "firewall.json"
	DefaultRulesFile = "firewall_default.json"
)

// Rule is one iptables invocation without the binary name.
type Rule []string

// RuleSet is the kill-switch policy as stored in firewall.json.
type RuleSet struct {
	IPv4Rules  []Rule `json:"ipv4rules"`
	IPv6Rules  []Rule `json:"ipv6rules"`
	IPv4Local  []Rule `json:"ipv4local"`
	IPv6Local  []Rule `json:"ipv6local"`
	Flush      []Rule `json:"flush"`
	Defaults   []Rule `json:"defaults"`
	Unsecure   []Rule `json:"unsecure"`
	UnsecureV6 []Rule `json:"unsecurev6"`
}

func rules(lines ...[]string) []Rule {
	out := make([]Rule, 0, len(lines))
	for _, line := range lines {
		out = append(out, Rule(line))
	}
	return out
}

// DefaultRuleSet is the built-in policy used when neither rules file can be
// read: loopback, established traffic, DHCP and tunnel interfaces only.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		IPv4Rules: rules(
			[]string{"-A", "INPUT", "-i", "lo", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-o", "lo", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-i", "tun+", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-o", "tun+", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-i", "wg_qomui", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-o", "wg_qomui", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-p", "udp", "--sport", "68", "--dport", "67", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-p", "udp", "--sport", "67", "--dport", "68", "-j", "ACCEPT"},
		),
		IPv6Rules: rules(
			[]string{"-A", "INPUT", "-i", "lo", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-o", "lo", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-m", "conntrack", "--ctstate", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-p", "ipv6-icmp", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-p", "ipv6-icmp", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-i", "tun+", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-o", "tun+", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-i", "wg_qomui", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-o", "wg_qomui", "-j", "ACCEPT"},
		),
		IPv4Local: rules(
			[]string{"-A", "INPUT", "-s", "10.0.0.0/8", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-d", "10.0.0.0/8", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-s", "172.16.0.0/12", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-d", "172.16.0.0/12", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-s", "192.168.0.0/16", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-d", "192.168.0.0/16", "-j", "ACCEPT"},
		),
		IPv6Local: rules(
			[]string{"-A", "INPUT", "-s", "fe80::/10", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-d", "fe80::/10", "-j", "ACCEPT"},
			[]string{"-A", "INPUT", "-s", "fc00::/7", "-j", "ACCEPT"},
			[]string{"-A", "OUTPUT", "-d", "fc00::/7", "-j", "ACCEPT"},
		),
		Flush: rules(
			[]string{"-F"},
			[]string{"-X"},
		),
		Defaults: rules(
			[]string{"-P", "INPUT", "DROP"},
			[]string{"-P", "OUTPUT", "DROP"},
			[]string{"-P", "FORWARD", "DROP"},
		),
		Unsecure: rules(
			[]string{"-P", "INPUT", "ACCEPT"},
			[]string{"-P", "OUTPUT", "ACCEPT"},
			[]string{"-P", "FORWARD", "ACCEPT"},
			[]string{"-F"},
			[]string{"-X"},
		),
		UnsecureV6: rules(
			[]string{"-P", "INPUT", "ACCEPT"},
			[]string{"-P", "OUTPUT", "ACCEPT"},
			[]string{"-P", "FORWARD", "ACCEPT"},
			[]string{"-F"},
			[]string{"-X"},
		),
	}
}

// LoadRuleSet reads firewall.json from stateDir, falling back to
// firewall_default.json and then to the built-in policy. A malformed file
// yields the next fallback together with a configuration error.
func LoadRuleSet(stateDir string) (RuleSet, error) {
	var problems []error
	for _, name := range []string{RulesFile, DefaultRulesFile} {
		path := filepath.Join(stateDir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				problems = append(problems, err)
			}
			continue
		}
		var set RuleSet
		if err := json.Unmarshal(data, &set); err != nil {
			problems = append(problems, fmt.Errorf("%w: %s: %v", settings.ErrConfiguration, path, err))
			continue
		}
		return set, errors.Join(problems...)
	}
	return DefaultRuleSet(), errors.Join(problems...)
}

// WriteDefaultRuleSet seeds firewall_default.json in stateDir.
func WriteDefaultRuleSet(stateDir string) error {
	data, err := json.MarshalIndent(DefaultRuleSet(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, DefaultRulesFile), append(data, '\n'), 0o644)
}
