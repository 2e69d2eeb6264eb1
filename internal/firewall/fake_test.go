package firewall

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"qomui/internal/runner"
)

// fakeTables models enough of iptables for -C/-A/-I/-D/-F round trips.
type fakeTables struct {
	mu    sync.Mutex
	rules map[string]bool
}

func newFakeTables() *fakeTables {
	return &fakeTables{rules: make(map[string]bool)}
}

func (f *fakeTables) hook(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fields := strings.Fields(key)
	if len(fields) < 2 || !strings.HasSuffix(fields[0], "tables") {
		return nil
	}
	tool := fields[0]
	rest := fields[1:]
	if len(rest) > 0 && rest[0] == "--wait" {
		rest = rest[1:]
	}
	op, idx := operation(rest)
	if idx < 0 {
		return nil
	}
	table := strings.Join(rest[:idx], " ")
	body := append([]string(nil), rest[idx+1:]...)
	if op == "-I" && len(body) >= 2 {
		if _, err := strconv.Atoi(body[1]); err == nil {
			body = append([]string{body[0]}, body[2:]...)
		}
	}
	canonical := tool + "|" + table + "|" + strings.Join(body, " ")
	switch op {
	case "-C":
		if f.rules[canonical] {
			return nil
		}
		return errors.New("exit status 1: Bad rule")
	case "-A", "-I":
		f.rules[canonical] = true
	case "-D":
		if !f.rules[canonical] {
			return errors.New("exit status 1: Bad rule")
		}
		delete(f.rules, canonical)
	case "-F":
		prefix := tool + "|" + table + "|"
		for existing := range f.rules {
			if strings.HasPrefix(existing, prefix) {
				delete(f.rules, existing)
			}
		}
	}
	return nil
}

func (f *fakeTables) has(tool string, rule ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules[tool+"||"+strings.Join(rule, " ")]
}

func (f *fakeTables) drop(tool string, rule ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, tool+"||"+strings.Join(rule, " "))
}

func newTestEngine(t *testing.T, ipv6 bool) (*Engine, *runner.Mock, *fakeTables) {
	t.Helper()
	fake := newFakeTables()
	mock := &runner.Mock{RunHook: fake.hook, Outputs: map[string][]byte{}}
	engine := NewEngine(mock, DefaultRuleSet(), nil)
	probe := filepath.Join(t.TempDir(), "if_inet6")
	content := ""
	if ipv6 {
		content = "00000000000000000000000000000001 01 80 10 80       lo\n"
	}
	if err := os.WriteFile(probe, []byte(content), 0o644); err != nil {
		t.Fatalf("write probe: %v", err)
	}
	engine.SetIPv6Probe(probe)
	return engine, mock, fake
}

func joinCalls(calls [][]string) []string {
	out := make([]string, 0, len(calls))
	for _, call := range calls {
		out = append(out, strings.Join(call, " "))
	}
	return out
}

func containsCall(calls []string, expected string) bool {
	for _, call := range calls {
		if call == expected {
			return true
		}
	}
	return false
}

func countCalls(calls []string, expected string) int {
	n := 0
	for _, call := range calls {
		if call == expected {
			n++
		}
	}
	return n
}
