package tunnel

import (
	"regexp"
	"strings"

	"qomui/internal/dns"
)

// Signal is what a single OpenVPN log line means for the tunnel.
type Signal int

const (
	SignalNone Signal = iota
	SignalConnected
	SignalAuthFailure
	SignalFailure
	SignalDevice
	SignalDNS
	// SignalRewhitelist reports that OpenVPN could not send to its peer,
	// typically because a firewall reload evicted the server's accept rule.
	SignalRewhitelist
)

func (s Signal) String() string {
	switch s {
	case SignalConnected:
		return "connected"
	case SignalAuthFailure:
		return "auth_failure"
	case SignalFailure:
		return "failure"
	case SignalDevice:
		return "device"
	case SignalDNS:
		return "dns"
	case SignalRewhitelist:
		return "rewhitelist"
	default:
		return "none"
	}
}

// Event is the classification of one line.
type Event struct {
	Signal Signal
	Device string
	DNS    []string
}

var deviceLine = regexp.MustCompile(`TUN/TAP device (\S+) opened`)

// Classifier turns the output of one OpenVPN process into lifecycle events.
// It remembers the device and pushed resolvers seen so far.
type Classifier struct {
	established bool
	device      string
	dns         []string
}

// Feed classifies line and updates the classifier's view of the tunnel.
// A second "Initialization Sequence Completed" after a reconnect inside
// OpenVPN is reported as SignalNone.
func (c *Classifier) Feed(line string) Event {
	switch {
	case strings.Contains(line, "Initialization Sequence Completed"):
		if c.established {
			return Event{}
		}
		c.established = true
		return Event{Signal: SignalConnected, Device: c.device, DNS: c.DNS()}
	case strings.Contains(line, "SIGTERM[soft,auth-failure]"):
		return Event{Signal: SignalAuthFailure}
	case strings.Contains(line, "Restart pause, 10 second(s)"),
		strings.Contains(line, "Exiting due to fatal error"):
		return Event{Signal: SignalFailure}
	case strings.Contains(line, "write UDP: Operation not permitted"):
		return Event{Signal: SignalRewhitelist}
	}
	if match := deviceLine.FindStringSubmatch(line); match != nil {
		c.device = match[1]
		return Event{Signal: SignalDevice, Device: c.device}
	}
	if strings.Contains(line, "PUSH: Received control message") {
		servers := dns.ParsePushedDNS(line)
		if len(servers) == 0 {
			return Event{}
		}
		c.dns = servers
		return Event{Signal: SignalDNS, DNS: c.DNS()}
	}
	return Event{}
}

// Established reports whether the process has completed initialization.
func (c *Classifier) Established() bool {
	return c.established
}

// Device is the tun device OpenVPN opened, if seen.
func (c *Classifier) Device() string {
	return c.device
}

// DNS returns the resolvers pushed by the server.
func (c *Classifier) DNS() []string {
	return append([]string(nil), c.dns...)
}
