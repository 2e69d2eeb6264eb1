package runner

import (
	"errors"
	"strings"
	"sync"
)

// Mock is a deterministic executor used by unit tests. Calls are keyed by
// their space-joined command line.
type Mock struct {
	mu sync.Mutex

	RunCalls    [][]string
	OutputCalls [][]string

	RunErrors    map[string]error
	OutputErrors map[string]error
	Outputs      map[string][]byte

	// RunHook, when set, decides the result of Run for keys without a
	// configured error. It lets tests model stateful tools like iptables -C.
	RunHook func(key string) error
}

func (m *Mock) Run(name string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := append([]string{name}, args...)
	m.RunCalls = append(m.RunCalls, call)
	key := strings.Join(call, " ")
	if err, ok := m.RunErrors[key]; ok {
		return err
	}
	if m.RunHook != nil {
		return m.RunHook(key)
	}
	return nil
}

func (m *Mock) Output(name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := append([]string{name}, args...)
	m.OutputCalls = append(m.OutputCalls, call)
	key := strings.Join(call, " ")
	out := m.Outputs[key]
	if err, ok := m.OutputErrors[key]; ok {
		return out, err
	}
	if out == nil {
		return nil, errors.New("mock output not configured")
	}
	return out, nil
}

// Calls returns every Run and Output invocation as joined strings, in order
// of recording per kind (Run first).
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.RunCalls)+len(m.OutputCalls))
	for _, call := range m.RunCalls {
		out = append(out, strings.Join(call, " "))
	}
	for _, call := range m.OutputCalls {
		out = append(out, strings.Join(call, " "))
	}
	return out
}

// Reset clears recorded calls but keeps configured outputs and errors.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunCalls = nil
	m.OutputCalls = nil
}
