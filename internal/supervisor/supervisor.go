// Package supervisor spawns and tracks the daemon's long-running children
// (OpenVPN, stunnel, ssh, wg-quick, dnsmasq) and delivers their merged output
// line by line.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"qomui/internal/diaglog"
)

// ErrSpawnFailed is returned when a child binary is missing or cannot start.
var ErrSpawnFailed = errors.New("spawn failed")

// DefaultGrace is how long a child gets between SIGTERM and SIGKILL.
const DefaultGrace = 3 * time.Second

// Kind names the role of a tracked child.
type Kind string

const (
	KindOpenVPN    Kind = "openvpn"
	KindOpenVPNHop Kind = "openvpn_hop"
	KindStunnel    Kind = "stunnel"
	KindSSH        Kind = "ssh"
	KindWireGuard  Kind = "wg"
	KindDnsmasq    Kind = "dnsmasq"
)

// Spec describes a child to start.
type Spec struct {
	Kind Kind
	Argv []string
	Dir  string
	Env  []string
}

// Record is a snapshot entry of a live child.
type Record struct {
	PID     int       `json:"pid"`
	Kind    Kind      `json:"kind"`
	Started time.Time `json:"started"`
}

// Handle is a running child. Its output is consumed through Lines by a
// single reader.
type Handle struct {
	Kind    Kind
	PID     int
	Started time.Time

	cmd     *exec.Cmd
	lines   chan string
	discard chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error
}

// Lines delivers merged stdout/stderr in production order. It is closed
// once the child's output ends.
func (h *Handle) Lines() <-chan string {
	return h.lines
}

// Done is closed after the child has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the exit error once Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Discard stops delivery on Lines; remaining output is dropped so the child
// never blocks on a full pipe.
func (h *Handle) Discard() {
	h.once.Do(func() { close(h.discard) })
}

// Supervisor tracks every child it starts until that child exits.
type Supervisor struct {
	grace time.Duration
	log   *diaglog.Manager

	mu    sync.Mutex
	procs map[int]*Handle
}

// New creates a supervisor. grace bounds the SIGTERM→SIGKILL escalation.
func New(grace time.Duration, log *diaglog.Manager) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Supervisor{grace: grace, log: log, procs: make(map[int]*Handle)}
}

// Spawn starts a child in its own session with stdout and stderr merged.
func (s *Supervisor) Spawn(spec Spec) (*Handle, error) {
	if len(spec.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrSpawnFailed)
	}
	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Argv[0], err)
	}

	reader, writer, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: pipe: %v", ErrSpawnFailed, err)
	}
	cmd := exec.Command(path, spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdin = nil
	cmd.Stdout = writer
	cmd.Stderr = writer
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = reader.Close()
		_ = writer.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, spec.Argv[0], err)
	}
	_ = writer.Close()

	h := &Handle{
		Kind:    spec.Kind,
		PID:     cmd.Process.Pid,
		Started: time.Now(),
		cmd:     cmd,
		lines:   make(chan string, 64),
		discard: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.mu.Lock()
	s.procs[h.PID] = h
	s.mu.Unlock()
	s.log.Debugf("spawned %s pid=%d: %v", spec.Kind, h.PID, spec.Argv)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer close(h.lines)
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 4096), 1024*1024)
		for scanner.Scan() {
			select {
			case h.lines <- scanner.Text():
			case <-h.discard:
			}
		}
	}()
	go func() {
		h.err = cmd.Wait()
		// Grandchildren may still hold the pipe; give the reader a bounded
		// window before forcing EOF.
		select {
		case <-readerDone:
		case <-time.After(time.Second):
			_ = reader.Close()
			<-readerDone
		}
		_ = reader.Close()
		s.mu.Lock()
		delete(s.procs, h.PID)
		s.mu.Unlock()
		s.log.Debugf("%s pid=%d exited: %v", h.Kind, h.PID, h.err)
		close(h.done)
	}()
	return h, nil
}

// Signal delivers sig to the child's process group without waiting.
func (s *Supervisor) Signal(h *Handle, sig unix.Signal) error {
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	if err := unix.Kill(-h.PID, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s pid=%d: %w", h.Kind, h.PID, err)
	}
	return nil
}

// Kill sends SIGTERM, escalates to SIGKILL after the grace period and waits
// for the child to be reaped.
func (s *Supervisor) Kill(h *Handle) error {
	if h == nil {
		return nil
	}
	if err := s.Signal(h, unix.SIGTERM); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(s.grace):
	}
	s.log.Warnf("%s pid=%d ignored SIGTERM, sending SIGKILL", h.Kind, h.PID)
	if err := s.Signal(h, unix.SIGKILL); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-time.After(s.grace):
		return fmt.Errorf("%s pid=%d did not exit after SIGKILL", h.Kind, h.PID)
	}
}

// List returns a snapshot of live children ordered by PID.
func (s *Supervisor) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]Record, 0, len(s.procs))
	for _, h := range s.procs {
		records = append(records, Record{PID: h.PID, Kind: h.Kind, Started: h.Started})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].PID < records[j].PID })
	return records
}

// Shutdown kills every tracked child concurrently and waits for all of them.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.procs))
	for _, h := range s.procs {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		h.Discard()
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := s.Kill(h); err != nil {
				s.log.Errorf("shutdown: %v", err)
			}
		}(h)
	}
	wg.Wait()
}
