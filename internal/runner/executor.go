// Package runner executes the system tools the daemon drives (iptables, ip,
// systemd-resolve, sysctl, dnsmasq, wg-quick) with a bounded runtime.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds every command started through OS.
const DefaultTimeout = 10 * time.Second

// ErrTimeout is returned when a command is killed for exceeding its budget.
var ErrTimeout = errors.New("command timed out")

// Executor abstracts command execution for firewall/routing/dns operations.
type Executor interface {
	Run(name string, args ...string) error
	Output(name string, args ...string) ([]byte, error)
}

// OS runs commands on the host. Children that outlive Timeout are killed.
type OS struct {
	Timeout time.Duration
}

// New returns an OS executor with the given timeout, or DefaultTimeout when zero.
func New(timeout time.Duration) OS {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return OS{Timeout: timeout}
}

func (o OS) Run(name string, args ...string) error {
	_, err := o.Output(name, args...)
	return err
}

func (o OS) Output(name string, args ...string) ([]byte, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), ErrTimeout)
	}
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Available reports whether a binary can be resolved in PATH.
func Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
