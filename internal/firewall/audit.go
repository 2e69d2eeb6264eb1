package firewall

import (
	"bufio"
	"bytes"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// AuditReport summarises one drift check.
type AuditReport struct {
	Restored int `json:"restored"`
	Removed  int `json:"removed"`
}

var lanRanges = mustIPSet(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"fc00::/7",
	"fe80::/10",
)

func mustIPSet(prefixes ...string) *netipx.IPSet {
	var b netipx.IPSetBuilder
	for _, raw := range prefixes {
		b.AddPrefix(netip.MustParsePrefix(raw))
	}
	set, err := b.IPSet()
	if err != nil {
		panic(err)
	}
	return set
}

// Audit re-checks the kill-switch while mode 1 is active. Rules removed
// behind the daemon's back are reinstalled and, when LAN access is blocked,
// LAN accepts added by someone else are deleted.
func (e *Engine) Audit() AuditReport {
	e.mu.Lock()
	defer e.mu.Unlock()

	var report AuditReport
	if e.mode != ModeOn {
		return report
	}
	for _, entry := range e.applied {
		if entry.family == IPv6 && !e.ipv6AvailableLocked() {
			continue
		}
		op, idx := operation(entry.rule)
		if op != "-A" && op != "-I" {
			continue
		}
		if e.run(entry.family, checkForm(entry.rule, idx)) == nil {
			continue
		}
		if err := e.run(entry.family, entry.rule); err != nil {
			e.log.Warnf("audit: reinstall %s %s failed: %v", entry.family.Tool(), strings.Join(entry.rule, " "), err)
			continue
		}
		report.Restored++
	}

	if !e.blockLAN {
		return report
	}
	var exempt netipx.IPSetBuilder
	for ip := range e.whitelist {
		if addr, err := netip.ParseAddr(ip); err == nil {
			exempt.Add(addr)
		}
	}
	exemptSet, _ := exempt.IPSet()
	for _, family := range []Family{IPv4, IPv6} {
		if family == IPv6 && !e.ipv6AvailableLocked() {
			continue
		}
		out, err := e.exec.Output(family.Tool(), "--wait", "-S", "OUTPUT")
		if err != nil {
			e.log.Warnf("audit: %s -S OUTPUT failed: %v", family.Tool(), err)
			continue
		}
		for _, rule := range LANAccepts(out, exemptSet) {
			if err := e.run(family, rule); err == nil {
				report.Removed++
			}
		}
	}
	if report.Restored > 0 || report.Removed > 0 {
		e.log.Warnf("firewall audit: restored %d rules, removed %d LAN accepts", report.Restored, report.Removed)
	}
	return report
}

// LANAccepts scans iptables -S output for ACCEPT rules whose destination
// lies in a private range and returns the matching delete commands.
// Destinations inside exempt are skipped.
func LANAccepts(output []byte, exempt *netipx.IPSet) []Rule {
	var out []Rule
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		fields := splitRuleLine(scanner.Text())
		if len(fields) < 2 || fields[0] != "-A" {
			continue
		}
		dest := ""
		accept := false
		for i := 0; i < len(fields)-1; i++ {
			switch fields[i] {
			case "-d":
				dest = fields[i+1]
			case "-j":
				accept = fields[i+1] == "ACCEPT"
			}
		}
		if dest == "" || !accept {
			continue
		}
		prefix, err := parsePrefix(dest)
		if err != nil || !lanRanges.ContainsPrefix(prefix) {
			continue
		}
		if exempt != nil && exempt.ContainsPrefix(prefix) {
			continue
		}
		rule := append(Rule{"-D"}, fields[1:]...)
		out = append(out, rule)
	}
	return out
}

func parsePrefix(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		return netip.ParsePrefix(raw)
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
