package ipc

import (
	"fmt"
	"os/user"
	"regexp"
	"strconv"

	"github.com/godbus/dbus/v5"
)

// UIDAuthorizer admits root and the configured frontend users.
type UIDAuthorizer struct {
	lookup  func(sender dbus.Sender) (uint32, error)
	allowed map[uint32]bool
}

// NewUIDAuthorizer resolves senders through the bus daemon on conn.
func NewUIDAuthorizer(conn *dbus.Conn, allowed ...uint32) *UIDAuthorizer {
	lookup := func(sender dbus.Sender) (uint32, error) {
		var uid uint32
		err := conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, string(sender)).Store(&uid)
		return uid, err
	}
	return newUIDAuthorizer(lookup, allowed...)
}

func newUIDAuthorizer(lookup func(dbus.Sender) (uint32, error), allowed ...uint32) *UIDAuthorizer {
	set := make(map[uint32]bool, len(allowed)+1)
	set[0] = true
	for _, uid := range allowed {
		set[uid] = true
	}
	return &UIDAuthorizer{lookup: lookup, allowed: set}
}

// Authorize rejects senders whose uid is not admitted.
func (a *UIDAuthorizer) Authorize(sender dbus.Sender) error {
	if sender == "" {
		return fmt.Errorf("%w: anonymous sender", ErrPermissionDenied)
	}
	uid, err := a.lookup(sender)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrPermissionDenied, sender, err)
	}
	if !a.allowed[uid] {
		return fmt.Errorf("%w: uid %d", ErrPermissionDenied, uid)
	}
	return nil
}

// LookupUIDs resolves user names to uids, skipping unknown names.
func LookupUIDs(names ...string) []uint32 {
	out := make([]uint32, 0, len(names))
	for _, name := range names {
		u, err := user.Lookup(name)
		if err != nil {
			continue
		}
		uid, err := strconv.ParseUint(u.Uid, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(uid))
	}
	return out
}

var userNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{0,31}$`)

// PolicyXML renders the bus policy: root owns the name, user may talk to it.
func PolicyXML(userName string) (string, error) {
	if !userNamePattern.MatchString(userName) {
		return "", fmt.Errorf("%w: user name %q", ErrInvalidArgument, userName)
	}
	return fmt.Sprintf(`<!DOCTYPE busconfig PUBLIC "-//freedesktop//DTD D-BUS Bus Configuration 1.0//EN"
 "http://www.freedesktop.org/standards/dbus/1.0/busconfig.dtd">
<busconfig>
  <policy user="root">
    <allow own="%[1]s"/>
    <allow send_destination="%[1]s"/>
    <allow receive_sender="%[1]s"/>
  </policy>
  <policy user="%[2]s">
    <allow send_destination="%[1]s" send_interface="%[1]s"/>
    <allow send_destination="%[1]s" send_interface="org.freedesktop.DBus.Introspectable"/>
    <allow receive_sender="%[1]s"/>
  </policy>
  <policy context="default">
    <deny send_destination="%[1]s"/>
  </policy>
</busconfig>
`, BusName, userName), nil
}

// Introspection describes the exported interface.
const Introspection = `<node>
  <interface name="org.qomui.service">
    <method name="connect_to_server"><arg name="server" type="a{ss}" direction="in"/></method>
    <method name="set_hop"><arg name="server" type="a{ss}" direction="in"/></method>
    <method name="disconnect"><arg name="scope" type="s" direction="in"/></method>
    <method name="load_firewall"><arg name="mode" type="i" direction="in"/></method>
    <method name="bypass"><arg name="ug" type="a{ss}" direction="in"/></method>
    <method name="allow_provider_ip"><arg name="provider" type="s" direction="in"/></method>
    <method name="block_dns"></method>
    <method name="save_default_dns"></method>
    <method name="restore_default_dns"></method>
    <method name="return_tun_device"><arg name="which" type="s" direction="in"/><arg type="s" direction="out"/></method>
    <method name="default_gateway_check"><arg type="a{ss}" direction="out"/></method>
    <method name="delete_provider"><arg name="provider" type="s" direction="in"/></method>
    <method name="copy_rootdir"><arg name="provider" type="s" direction="in"/><arg name="path" type="s" direction="in"/><arg type="s" direction="out"/></method>
    <method name="disable_ipv6"><arg name="flag" type="i" direction="in"/></method>
    <method name="log_level_change"><arg name="level" type="s" direction="in"/></method>
    <method name="share_log"><arg name="record" type="s" direction="in"/></method>
    <method name="get_version"><arg type="s" direction="out"/></method>
    <method name="restart"></method>
    <signal name="reply"><arg type="s"/></signal>
    <signal name="conn_info"><arg type="s"/></signal>
    <signal name="send_log"><arg type="s"/></signal>
    <signal name="updated"><arg type="s"/></signal>
  </interface>
  <interface name="org.freedesktop.DBus.Introspectable">
    <method name="Introspect"><arg name="out" type="s" direction="out"/></method>
  </interface>
</node>`
