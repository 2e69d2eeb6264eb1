package bypass

import (
	"strconv"

	"qomui/internal/firewall"
)

type namedRule struct {
	name   string
	family firewall.Family
	rule   firewall.Rule
}

func cgroupMatch() []string {
	return []string{"-m", "cgroup", "--cgroup", ClassID}
}

func resolverMatch(flag string) []string {
	return []string{"-p", "udp", flag, ResolverQueryPort}
}

func compose(parts ...[]string) firewall.Rule {
	var out firewall.Rule
	for _, part := range parts {
		out = append(out, part...)
	}
	return out
}

// bypassRules lists the firewall rules that give the cgroup its own path.
// Without IPv6 routing the cgroup's IPv6 traffic is dropped so it cannot
// leak past the tunnel.
func bypassRules(opts Options, routeIPv6, haveIPv6 bool) []namedRule {
	match := cgroupMatch()
	rules := []namedRule{
		{"mark", firewall.IPv4, compose([]string{"-t", "mangle", "-A", "OUTPUT"}, match, []string{"-j", "MARK", "--set-mark", Mark})},
		{"masquerade", firewall.IPv4, compose([]string{"-t", "nat", "-A", "POSTROUTING"}, match, []string{"-o", opts.Interface, "-j", "MASQUERADE"})},
		{"accept-out", firewall.IPv4, compose([]string{"-I", "OUTPUT", "1"}, match, []string{"-j", "ACCEPT"})},
		{"accept-in", firewall.IPv4, compose([]string{"-I", "INPUT", "1"}, match, []string{"-j", "ACCEPT"})},
		{"dns-udp", firewall.IPv4, compose([]string{"-t", "nat", "-A", "OUTPUT"}, match, []string{"-p", "udp", "--dport", "53", "-j", "REDIRECT", "--to-ports", SplitDNSPort})},
		{"dns-tcp", firewall.IPv4, compose([]string{"-t", "nat", "-A", "OUTPUT"}, match, []string{"-p", "tcp", "--dport", "53", "-j", "REDIRECT", "--to-ports", SplitDNSPort})},
		{"resolver-mark", firewall.IPv4, compose([]string{"-t", "mangle", "-A", "OUTPUT"}, resolverMatch("--sport"), []string{"-j", "MARK", "--set-mark", Mark})},
		{"resolver-masquerade", firewall.IPv4, compose([]string{"-t", "nat", "-A", "POSTROUTING"}, resolverMatch("--sport"), []string{"-o", opts.Interface, "-j", "MASQUERADE"})},
		{"resolver-out", firewall.IPv4, compose([]string{"-I", "OUTPUT", "1"}, resolverMatch("--sport"), []string{"-j", "ACCEPT"})},
		{"resolver-in", firewall.IPv4, compose([]string{"-I", "INPUT", "1"}, resolverMatch("--dport"), []string{"-j", "ACCEPT"})},
	}
	if !haveIPv6 {
		return rules
	}
	if routeIPv6 {
		iface := opts.Interface6
		if iface == "" {
			iface = opts.Interface
		}
		return append(rules,
			namedRule{"mark6", firewall.IPv6, compose([]string{"-t", "mangle", "-A", "OUTPUT"}, match, []string{"-j", "MARK", "--set-mark", Mark})},
			namedRule{"masquerade6", firewall.IPv6, compose([]string{"-t", "nat", "-A", "POSTROUTING"}, match, []string{"-o", iface, "-j", "MASQUERADE"})},
			namedRule{"accept-out6", firewall.IPv6, compose([]string{"-I", "OUTPUT", "1"}, match, []string{"-j", "ACCEPT"})},
			namedRule{"accept-in6", firewall.IPv6, compose([]string{"-I", "INPUT", "1"}, match, []string{"-j", "ACCEPT"})},
		)
	}
	return append(rules,
		namedRule{"drop-out6", firewall.IPv6, compose([]string{"-I", "OUTPUT", "1"}, match, []string{"-j", "DROP"})},
		namedRule{"drop-in6", firewall.IPv6, compose([]string{"-I", "INPUT", "1"}, match, []string{"-j", "DROP"})},
	)
}

// deleteForm turns an append or insert into the matching delete.
func deleteForm(rule firewall.Rule) firewall.Rule {
	out := make(firewall.Rule, 0, len(rule))
	for i := 0; i < len(rule); i++ {
		switch rule[i] {
		case "-A":
			out = append(out, "-D")
		case "-I":
			out = append(out, "-D")
			if i+2 < len(rule) {
				if _, err := strconv.Atoi(rule[i+2]); err == nil {
					out = append(out, rule[i+1])
					i += 2
				}
			}
		default:
			out = append(out, rule[i])
		}
	}
	return out
}
