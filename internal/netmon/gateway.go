package netmon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"

	"qomui/internal/runner"
)

// None is reported for a missing gateway or interface.
const None = "None"

// Gateway is the host's default route per family.
type Gateway struct {
	Gateway    string `json:"gateway"`
	Interface  string `json:"interface"`
	Gateway6   string `json:"gateway_6"`
	Interface6 string `json:"interface_6"`
}

// Present reports whether an IPv4 default route exists.
func (g Gateway) Present() bool {
	return g.Gateway != "" && g.Interface != ""
}

// Map renders the gateway the way the frontend expects it.
func (g Gateway) Map() map[string]string {
	orNone := func(v string) string {
		if v == "" {
			return None
		}
		return v
	}
	return map[string]string{
		"gateway":     orNone(g.Gateway),
		"interface":   orNone(g.Interface),
		"gateway_6":   orNone(g.Gateway6),
		"interface_6": orNone(g.Interface6),
	}
}

// Finder looks up the default gateway.
type Finder interface {
	DefaultGateway() (Gateway, error)
}

// RouteFinder queries the kernel over netlink and falls back to parsing
// "ip -json route" when netlink is unavailable.
type RouteFinder struct {
	exec runner.Executor
}

func NewRouteFinder(exec runner.Executor) *RouteFinder {
	if exec == nil {
		exec = runner.New(runner.DefaultTimeout)
	}
	return &RouteFinder{exec: exec}
}

func (f *RouteFinder) DefaultGateway() (Gateway, error) {
	var gw Gateway
	var errs []error
	for _, family := range []int{netlink.FAMILY_V4, netlink.FAMILY_V6} {
		via, dev, err := netlinkDefault(family)
		if err != nil {
			via, dev, err = f.ipDefault(family)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if family == netlink.FAMILY_V4 {
			gw.Gateway, gw.Interface = via, dev
		} else {
			gw.Gateway6, gw.Interface6 = via, dev
		}
	}
	if !gw.Present() {
		return gw, fmt.Errorf("no ipv4 default route: %w", errors.Join(errs...))
	}
	return gw, nil
}

func netlinkDefault(family int) (string, string, error) {
	routes, err := netlink.RouteList(nil, family)
	if err != nil {
		return "", "", err
	}
	var best *netlink.Route
	for i := range routes {
		route := &routes[i]
		if route.Gw == nil || !isDefaultDst(route.Dst) {
			continue
		}
		if best == nil || route.Priority < best.Priority {
			best = route
		}
	}
	if best == nil {
		return "", "", errors.New("default route not found")
	}
	link, err := netlink.LinkByIndex(best.LinkIndex)
	if err != nil {
		return "", "", fmt.Errorf("link %d: %w", best.LinkIndex, err)
	}
	return best.Gw.String(), link.Attrs().Name, nil
}

func isDefaultDst(dst *net.IPNet) bool {
	if dst == nil {
		return true
	}
	ones, _ := dst.Mask.Size()
	return ones == 0 && dst.IP.IsUnspecified()
}

func (f *RouteFinder) ipDefault(family int) (string, string, error) {
	args := []string{"-json", "route", "show", "default"}
	if family == netlink.FAMILY_V6 {
		args = append([]string{"-6"}, args...)
	}
	out, err := f.exec.Output("ip", args...)
	if err != nil {
		return "", "", err
	}
	return parseRouteJSON(out)
}

type jsonRoute struct {
	Dst     string `json:"dst"`
	Gateway string `json:"gateway"`
	Dev     string `json:"dev"`
	Metric  int    `json:"metric"`
}

// parseRouteJSON picks the lowest-metric default route with a gateway.
func parseRouteJSON(data []byte) (string, string, error) {
	var routes []jsonRoute
	if err := json.Unmarshal(data, &routes); err != nil {
		return "", "", fmt.Errorf("parse ip route output: %w", err)
	}
	candidates := routes[:0]
	for _, route := range routes {
		if route.Dst != "default" || strings.TrimSpace(route.Gateway) == "" || route.Dev == "" {
			continue
		}
		candidates = append(candidates, route)
	}
	if len(candidates) == 0 {
		return "", "", errors.New("default route not found")
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Metric < candidates[j].Metric })
	return candidates[0].Gateway, candidates[0].Dev, nil
}
