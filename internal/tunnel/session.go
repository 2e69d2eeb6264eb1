package tunnel

import (
	"sync"

	"golang.org/x/sys/unix"

	"qomui/internal/supervisor"
	"qomui/internal/vpn"
)

const (
	sourcePrimary = "primary"
	sourceHop     = "hop"
	sourceHelper  = "helper"
)

type childEvent struct {
	source string
	line   string
	exited bool
	err    error
}

// session is one connection attempt. Its event loop runs on the worker
// goroutine; forwarders feed it child output.
type session struct {
	req vpn.ConnectionRequest
	hop *vpn.ServerRecord

	events   chan childEvent
	stop     chan struct{}
	stopOnce sync.Once
	// finished is closed when the event loop stops reading events.
	finished chan struct{}
	done     chan struct{}

	// whitelisted is only touched by Connect before the worker starts and
	// by the worker afterwards.
	whitelisted []string

	mu        sync.Mutex
	handles   []*supervisor.Handle
	wireguard *vpn.WireGuardRender
	device    string
	hopDevice string
	dnsSet    bool
}

func newSession(req vpn.ConnectionRequest, hop *vpn.ServerRecord) *session {
	return &session{
		req:      req,
		hop:      hop,
		events:   make(chan childEvent, 64),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *session) requestStop(spawner Spawner) {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		handles := append([]*supervisor.Handle(nil), s.handles...)
		s.mu.Unlock()
		for _, h := range handles {
			_ = spawner.Signal(h, unix.SIGTERM)
		}
	})
}

func (s *session) stopping() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *session) setDevices(device, hopDevice string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if device != "" {
		s.device = device
	}
	if hopDevice != "" {
		s.hopDevice = hopDevice
	}
}

func (s *session) devices() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device, s.hopDevice
}

// forward relays a child's output into the event loop in production order.
func (s *session) forward(source string, h *supervisor.Handle) {
	for line := range h.Lines() {
		select {
		case s.events <- childEvent{source: source, line: line}:
		case <-s.finished:
			h.Discard()
			for range h.Lines() {
			}
			return
		}
	}
	<-h.Done()
	select {
	case s.events <- childEvent{source: source, exited: true, err: h.Err()}:
	case <-s.finished:
	}
}
