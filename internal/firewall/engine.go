// Package firewall drives iptables and ip6tables to enforce the kill-switch
// policy and the per-connection exceptions layered on top of it.
package firewall

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"qomui/internal/diaglog"
	"qomui/internal/runner"
)

// ErrRuleInstallFailed marks an iptables invocation that exited non-zero.
var ErrRuleInstallFailed = errors.New("rule install failed")

// DefaultIPv6Probe lists configured IPv6 addresses; an empty file means the
// host has IPv6 disabled.
const DefaultIPv6Probe = "/proc/net/if_inet6"

// Family selects iptables or ip6tables.
type Family int

const (
	IPv4 Family = iota
	IPv6
)

func (f Family) Tool() string {
	if f == IPv6 {
		return "ip6tables"
	}
	return "iptables"
}

func (f Family) String() string {
	if f == IPv6 {
		return "ipv6"
	}
	return "ipv4"
}

// FamilyOf classifies an address literal.
func FamilyOf(ip string) (Family, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return IPv4, fmt.Errorf("invalid address %q: %w", ip, err)
	}
	if addr.Is4() || addr.Is4In6() {
		return IPv4, nil
	}
	return IPv6, nil
}

// Mode is the apply_rules selector.
type Mode int

const (
	ModeOff     Mode = 0
	ModeOn      Mode = 1
	ModeGUIOnly Mode = 2
)

// Action adds or removes an exception.
type Action int

const (
	Add Action = iota
	Remove
)

func (a Action) String() string {
	if a == Remove {
		return "remove"
	}
	return "add"
}

// RuleError describes one failed invocation.
type RuleError struct {
	Family Family
	Rule   Rule
	Output string
	Err    error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Family.Tool(), strings.Join(e.Rule, " "), e.Err)
}

func (e *RuleError) Unwrap() []error {
	return []error{ErrRuleInstallFailed, e.Err}
}

type appliedRule struct {
	family Family
	rule   Rule
}

// Engine serializes every firewall mutation behind one lock.
type Engine struct {
	exec      runner.Executor
	log       *diaglog.Manager
	ipv6Probe string

	mu            sync.Mutex
	rules         RuleSet
	mode          Mode
	blockLAN      bool
	applied       []appliedRule
	preserved     map[Family][]Rule
	whitelist     map[string]int
	dnsExceptions map[string]string
}

// NewEngine returns an engine using the given rule set.
func NewEngine(exec runner.Executor, rules RuleSet, log *diaglog.Manager) *Engine {
	if exec == nil {
		exec = runner.New(runner.DefaultTimeout)
	}
	return &Engine{
		exec:          exec,
		log:           log,
		ipv6Probe:     DefaultIPv6Probe,
		rules:         rules,
		preserved:     make(map[Family][]Rule),
		whitelist:     make(map[string]int),
		dnsExceptions: make(map[string]string),
	}
}

// SetIPv6Probe overrides the file consulted to decide whether IPv6 is live.
func (e *Engine) SetIPv6Probe(path string) {
	e.mu.Lock()
	e.ipv6Probe = path
	e.mu.Unlock()
}

// SetRuleSet replaces the policy used by subsequent ApplyRules calls.
func (e *Engine) SetRuleSet(rules RuleSet) {
	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// Mode returns the mode of the last ApplyRules call.
func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// IPv6Available reports whether ip6tables invocations will be issued.
func (e *Engine) IPv6Available() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ipv6AvailableLocked()
}

func (e *Engine) ipv6AvailableLocked() bool {
	info, err := os.Stat(e.ipv6Probe)
	if err != nil {
		return false
	}
	if info.Size() > 0 {
		return true
	}
	// procfs reports size 0 for everything; read to be sure.
	data, err := os.ReadFile(e.ipv6Probe)
	return err == nil && len(bytes.TrimSpace(data)) > 0
}

// AddRule installs, deletes or applies a single rule. Appends and inserts
// are skipped when an identical rule already exists; a missing rule on
// delete is not an error.
func (e *Engine) AddRule(rule Rule, family Family) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addRuleLocked(rule, family)
}

func (e *Engine) addRuleLocked(rule Rule, family Family) error {
	if len(rule) == 0 {
		return nil
	}
	if family == IPv6 && !e.ipv6AvailableLocked() {
		return nil
	}
	op, idx := operation(rule)
	switch op {
	case "-A", "-I":
		if e.run(family, checkForm(rule, idx)) == nil {
			return nil
		}
	case "-D":
		if err := e.run(family, rule); err != nil {
			e.log.Debugf("%s: rule already absent: %s", family.Tool(), strings.Join(rule, " "))
		}
		return nil
	}
	if err := e.run(family, rule); err != nil {
		ruleErr := &RuleError{Family: family, Rule: rule, Output: err.Error(), Err: err}
		e.log.Warnf("%v", ruleErr)
		return ruleErr
	}
	return nil
}

func (e *Engine) run(family Family, rule Rule) error {
	args := append([]string{"--wait"}, rule...)
	return e.exec.Run(family.Tool(), args...)
}

func (e *Engine) applyBatchLocked(batch []Rule, family Family) []error {
	var errs []error
	for _, rule := range batch {
		if err := e.addRuleLocked(rule, family); err != nil {
			errs = append(errs, err)
			continue
		}
		if op, _ := operation(rule); op == "-A" || op == "-I" {
			e.applied = append(e.applied, appliedRule{family: family, rule: rule})
		}
	}
	return errs
}

// ApplyRules switches the kill-switch mode. Mode 1 installs the policy,
// mode 0 opens the firewall and mode 2 opens it and reinstates only the
// rules captured from the host before the last mode 1 activation. Failed
// rules are logged and skipped; the joined failures are returned.
func (e *Engine) ApplyRules(mode Mode, blockLAN, preserve bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	families := []Family{IPv4}
	if e.ipv6AvailableLocked() {
		families = append(families, IPv6)
	}
	var errs []error
	e.applied = nil

	switch mode {
	case ModeOn:
		if preserve {
			for _, family := range families {
				e.preserved[family] = e.captureForeignRulesLocked(family)
			}
		} else {
			e.preserved = make(map[Family][]Rule)
		}
		for _, family := range families {
			errs = append(errs, e.applyBatchLocked(e.rules.Flush, family)...)
			errs = append(errs, e.applyBatchLocked(e.rules.Defaults, family)...)
		}
		errs = append(errs, e.applyBatchLocked(e.rules.IPv4Rules, IPv4)...)
		if !blockLAN {
			errs = append(errs, e.applyBatchLocked(e.rules.IPv4Local, IPv4)...)
		}
		errs = append(errs, e.applyBatchLocked(e.rules.IPv6Rules, IPv6)...)
		if !blockLAN {
			errs = append(errs, e.applyBatchLocked(e.rules.IPv6Local, IPv6)...)
		}
		for _, family := range families {
			errs = append(errs, e.applyBatchLocked(e.preserved[family], family)...)
		}
		errs = append(errs, e.reinstallExceptionsLocked()...)
	case ModeOff:
		errs = append(errs, e.applyBatchLocked(e.rules.Unsecure, IPv4)...)
		errs = append(errs, e.applyBatchLocked(e.rules.UnsecureV6, IPv6)...)
		if preserve {
			for _, family := range families {
				errs = append(errs, e.applyBatchLocked(e.preserved[family], family)...)
			}
		}
	case ModeGUIOnly:
		for _, family := range families {
			errs = append(errs, e.applyBatchLocked(e.rules.Flush, family)...)
		}
		errs = append(errs, e.applyBatchLocked(e.rules.Unsecure, IPv4)...)
		errs = append(errs, e.applyBatchLocked(e.rules.UnsecureV6, IPv6)...)
		for _, family := range families {
			errs = append(errs, e.applyBatchLocked(e.preserved[family], family)...)
		}
	default:
		return fmt.Errorf("unknown firewall mode %d", mode)
	}

	e.mode = mode
	e.blockLAN = blockLAN
	e.log.Infof("firewall mode %d applied (block_lan=%t preserve=%t, %d failures)", mode, blockLAN, preserve, len(errs))
	return errors.Join(errs...)
}

// reinstallExceptionsLocked restores whitelisted servers and DNS exceptions
// after a flush so live tunnels keep their path out.
func (e *Engine) reinstallExceptionsLocked() []error {
	var errs []error
	ips := make([]string, 0, len(e.whitelist))
	for ip := range e.whitelist {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		family, err := FamilyOf(ip)
		if err != nil {
			continue
		}
		if err := e.addRuleLocked(allowRule(Add, ip), family); err != nil {
			errs = append(errs, err)
		}
	}
	servers := make([]string, 0, len(e.dnsExceptions))
	for server := range e.dnsExceptions {
		servers = append(servers, server)
	}
	sort.Strings(servers)
	for _, server := range servers {
		errs = append(errs, e.dnsRulesLocked(Add, server, e.dnsExceptions[server])...)
	}
	return errs
}

// AllowDestIP adds or removes the OUTPUT accept for a server address. Adds
// and removes are reference counted so two scopes can share an endpoint.
func (e *Engine) AllowDestIP(ip string, action Action) error {
	family, err := FamilyOf(ip)
	if err != nil {
		return err
	}
	ip = strings.TrimSpace(ip)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch action {
	case Add:
		e.whitelist[ip]++
		if err := e.addRuleLocked(allowRule(Add, ip), family); err != nil {
			return err
		}
	case Remove:
		if count := e.whitelist[ip]; count > 1 {
			e.whitelist[ip] = count - 1
			return nil
		}
		delete(e.whitelist, ip)
		return e.addRuleLocked(allowRule(Remove, ip), family)
	}
	return nil
}

// ReinstallDestIP re-adds the accept for an address that is already
// whitelisted, leaving its reference count alone.
func (e *Engine) ReinstallDestIP(ip string) error {
	family, err := FamilyOf(ip)
	if err != nil {
		return err
	}
	ip = strings.TrimSpace(ip)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.whitelist[ip] == 0 {
		return nil
	}
	return e.addRuleLocked(allowRule(Add, ip), family)
}

// Whitelisted returns the addresses currently allowed through AllowDestIP.
func (e *Engine) Whitelisted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.whitelist))
	for ip := range e.whitelist {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

func allowRule(action Action, ip string) Rule {
	if action == Remove {
		return Rule{"-D", "OUTPUT", "-d", ip, "-j", "ACCEPT"}
	}
	return Rule{"-I", "OUTPUT", "1", "-d", ip, "-j", "ACCEPT"}
}

// DNSRequestException opens or closes DNS traffic to the given resolvers on
// port, in both directions over UDP and TCP.
func (e *Engine) DNSRequestException(action Action, dns1, dns2, port string) error {
	if port == "" {
		port = "53"
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for _, server := range []string{dns1, dns2} {
		server = strings.TrimSpace(server)
		if server == "" {
			continue
		}
		if action == Add {
			e.dnsExceptions[server] = port
		} else {
			delete(e.dnsExceptions, server)
		}
		errs = append(errs, e.dnsRulesLocked(action, server, port)...)
	}
	return errors.Join(errs...)
}

func (e *Engine) dnsRulesLocked(action Action, server, port string) []error {
	family, err := FamilyOf(server)
	if err != nil {
		return []error{err}
	}
	op := "-I"
	if action == Remove {
		op = "-D"
	}
	var errs []error
	for _, proto := range []string{"udp", "tcp"} {
		for _, rule := range []Rule{
			{op, "OUTPUT", "-d", server, "-p", proto, "--dport", port, "-j", "ACCEPT"},
			{op, "INPUT", "-s", server, "-p", proto, "--sport", port, "-j", "ACCEPT"},
		} {
			if err := e.addRuleLocked(rule, family); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// captureForeignRulesLocked lists the host's filter rules that the managed
// rule set does not own, in iptables -S form.
func (e *Engine) captureForeignRulesLocked(family Family) []Rule {
	out, err := e.exec.Output(family.Tool(), "--wait", "-S")
	if err != nil {
		e.log.Warnf("%s -S failed, nothing preserved: %v", family.Tool(), err)
		return nil
	}
	managed := make(map[string]struct{})
	for _, group := range [][]Rule{e.rules.IPv4Rules, e.rules.IPv4Local, e.rules.IPv6Rules, e.rules.IPv6Local} {
		for _, rule := range group {
			managed[normalizeRule(rule)] = struct{}{}
		}
	}
	for ip := range e.whitelist {
		managed[normalizeRule(allowRule(Add, ip))] = struct{}{}
	}

	var chains, appends []Rule
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := splitRuleLine(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "-N":
			chains = append(chains, Rule(fields))
		case "-A":
			if _, ok := managed[normalizeRule(fields)]; ok {
				continue
			}
			appends = append(appends, Rule(fields))
		}
	}
	return append(chains, appends...)
}

// operation locates the command flag, skipping a leading "-t table".
func operation(rule Rule) (string, int) {
	for i := 0; i < len(rule); i++ {
		switch rule[i] {
		case "-t", "--table":
			i++
		case "-A", "-I", "-D", "-C", "-N", "-X", "-F", "-P", "-Z":
			return rule[i], i
		}
	}
	return "", -1
}

// checkForm rewrites an append or insert into the equivalent -C query.
func checkForm(rule Rule, idx int) Rule {
	out := make(Rule, 0, len(rule))
	out = append(out, rule[:idx]...)
	out = append(out, "-C")
	rest := rule[idx+1:]
	if rule[idx] == "-I" && len(rest) >= 2 {
		if _, err := strconv.Atoi(rest[1]); err == nil {
			out = append(out, rest[0])
			out = append(out, rest[2:]...)
			return out
		}
	}
	return append(out, rest...)
}

// normalizeRule renders a rule the way iptables -S prints it so managed
// rules can be told apart from foreign ones.
func normalizeRule(rule []string) string {
	fields := append([]string(nil), rule...)
	if op, idx := operation(fields); op == "-I" {
		fields = checkForm(fields, idx)
		fields[idx] = "-A"
	}
	for i := 0; i < len(fields)-1; i++ {
		if fields[i] != "-d" && fields[i] != "-s" {
			continue
		}
		value := fields[i+1]
		if strings.Contains(value, "/") {
			continue
		}
		if addr, err := netip.ParseAddr(value); err == nil {
			fields[i+1] = netip.PrefixFrom(addr, addr.BitLen()).String()
		}
	}
	return strings.Join(fields, " ")
}

// splitRuleLine splits an iptables -S line, honouring double quotes.
func splitRuleLine(line string) []string {
	var fields []string
	var current strings.Builder
	inQuote := false
	hasToken := false
	for _, r := range strings.TrimSpace(line) {
		switch {
		case r == '"':
			inQuote = !inQuote
			hasToken = true
		case (r == ' ' || r == '\t') && !inQuote:
			if hasToken {
				fields = append(fields, current.String())
				current.Reset()
				hasToken = false
			}
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if hasToken {
		fields = append(fields, current.String())
	}
	return fields
}
