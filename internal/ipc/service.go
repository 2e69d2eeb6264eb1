// Package ipc exposes the daemon on the system bus as org.qomui.service.
package ipc

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"qomui/internal/diaglog"
	"qomui/internal/settings"
	"qomui/internal/supervisor"
	"qomui/internal/vpn"
)

const (
	BusName    = "org.qomui.service"
	ObjectPath = dbus.ObjectPath("/org/qomui/service")
	Interface  = "org.qomui.service"
	errorName  = Interface + ".Error."
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNameTaken        = errors.New("bus name already owned")
)

// Signal names.
const (
	SignalReply    = "reply"
	SignalConnInfo = "conn_info"
	SignalSendLog  = "send_log"
	SignalUpdated  = "updated"
)

// Backend carries out the bus methods.
type Backend interface {
	ConnectToServer(server map[string]string) error
	SetHop(server map[string]string) error
	Disconnect(scope string) error
	LoadFirewall(mode int) error
	Bypass(userGroup map[string]string) error
	AllowProviderIP(provider string) error
	BlockDNS() error
	SaveDefaultDNS() error
	RestoreDefaultDNS() error
	ReturnTunDevice(which string) string
	DefaultGatewayCheck() map[string]string
	DeleteProvider(provider string) error
	CopyRootdir(provider, path string) (string, error)
	DisableIPv6(flag int) error
	LogLevelChange(level string) error
	ShareLog(record string) error
	GetVersion() string
	Restart() error
}

// Authorizer decides whether sender may call a state-changing method.
type Authorizer interface {
	Authorize(sender dbus.Sender) error
}

// methodNames maps Go method names onto the bus names the frontend calls.
var methodNames = map[string]string{
	"ConnectToServer":     "connect_to_server",
	"SetHop":              "set_hop",
	"Disconnect":          "disconnect",
	"LoadFirewall":        "load_firewall",
	"Bypass":              "bypass",
	"AllowProviderIP":     "allow_provider_ip",
	"BlockDNS":            "block_dns",
	"SaveDefaultDNS":      "save_default_dns",
	"RestoreDefaultDNS":   "restore_default_dns",
	"ReturnTunDevice":     "return_tun_device",
	"DefaultGatewayCheck": "default_gateway_check",
	"DeleteProvider":      "delete_provider",
	"CopyRootdir":         "copy_rootdir",
	"DisableIPv6":         "disable_ipv6",
	"LogLevelChange":      "log_level_change",
	"ShareLog":            "share_log",
	"GetVersion":          "get_version",
	"Restart":             "restart",
}

// Service owns the exported object and emits the daemon's signals.
type Service struct {
	object *object
	log    *diaglog.Manager

	mu   sync.Mutex
	conn *dbus.Conn
	// emit replaces conn.Emit when set; it lets callers observe signals
	// without a bus.
	emit func(name string, values ...any) error
}

func NewService(backend Backend, auth Authorizer, log *diaglog.Manager) *Service {
	return &Service{object: &object{backend: backend, auth: auth, log: log}, log: log}
}

// SetEmitter routes signals to fn instead of the bus.
func (s *Service) SetEmitter(fn func(name string, values ...any) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit = fn
}

// Export publishes the object on conn and claims the bus name.
func (s *Service) Export(conn *dbus.Conn) error {
	if err := conn.ExportWithMap(s.object, methodNames, ObjectPath, Interface); err != nil {
		return fmt.Errorf("export %s: %w", ObjectPath, err)
	}
	if err := conn.Export(introspect.Introspectable(Introspection), ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}
	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%w: %s", ErrNameTaken, BusName)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.log.Infof("exported %s on the system bus", BusName)
	return nil
}

// Release gives the bus name back.
func (s *Service) Release() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.ReleaseName(BusName); err != nil {
		s.log.Warnf("release %s: %v", BusName, err)
	}
}

func (s *Service) signal(name string, value string) {
	s.mu.Lock()
	conn, emit := s.conn, s.emit
	s.mu.Unlock()
	var err error
	switch {
	case emit != nil:
		err = emit(name, value)
	case conn != nil:
		err = conn.Emit(ObjectPath, Interface+"."+name, value)
	default:
		return
	}
	if err != nil && name != SignalSendLog {
		s.log.Warnf("emit %s: %v", name, err)
	}
}

// Reply broadcasts a lifecycle outcome code.
func (s *Service) Reply(code string) {
	s.signal(SignalReply, code)
}

// ConnInfo broadcasts a raw tunnel log line.
func (s *Service) ConnInfo(line string) {
	s.signal(SignalConnInfo, line)
}

// SendLog broadcasts a daemon log line.
func (s *Service) SendLog(line string) {
	s.signal(SignalSendLog, line)
}

// Updated reports a finished self-update.
func (s *Service) Updated(version string) {
	s.signal(SignalUpdated, version)
}

// ToError converts err into a bus error named after its kind.
func ToError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	kind := "Failed"
	switch {
	case errors.Is(err, ErrPermissionDenied):
		kind = "PermissionDenied"
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, vpn.ErrUnknownProvider):
		kind = "InvalidArgument"
	case errors.Is(err, settings.ErrConfiguration):
		kind = "Configuration"
	case errors.Is(err, supervisor.ErrSpawnFailed):
		kind = "SpawnFailed"
	}
	return dbus.NewError(errorName+kind, []any{err.Error()})
}

// object is what gets exported. Only methods returning *dbus.Error are
// visible on the bus.
type object struct {
	backend Backend
	auth    Authorizer
	log     *diaglog.Manager
}

func (o *object) authorize(sender dbus.Sender, method string) *dbus.Error {
	if o.auth == nil {
		return nil
	}
	if err := o.auth.Authorize(sender); err != nil {
		o.log.Warnf("rejected %s from %s: %v", method, sender, err)
		return ToError(err)
	}
	return nil
}

func (o *object) ConnectToServer(sender dbus.Sender, server map[string]string) *dbus.Error {
	if err := o.authorize(sender, "connect_to_server"); err != nil {
		return err
	}
	return ToError(o.backend.ConnectToServer(server))
}

func (o *object) SetHop(sender dbus.Sender, server map[string]string) *dbus.Error {
	if err := o.authorize(sender, "set_hop"); err != nil {
		return err
	}
	return ToError(o.backend.SetHop(server))
}

func (o *object) Disconnect(sender dbus.Sender, scope string) *dbus.Error {
	if err := o.authorize(sender, "disconnect"); err != nil {
		return err
	}
	return ToError(o.backend.Disconnect(scope))
}

func (o *object) LoadFirewall(sender dbus.Sender, mode int32) *dbus.Error {
	if err := o.authorize(sender, "load_firewall"); err != nil {
		return err
	}
	if mode < 0 || mode > 2 {
		return ToError(fmt.Errorf("%w: firewall mode %d", ErrInvalidArgument, mode))
	}
	return ToError(o.backend.LoadFirewall(int(mode)))
}

func (o *object) Bypass(sender dbus.Sender, userGroup map[string]string) *dbus.Error {
	if err := o.authorize(sender, "bypass"); err != nil {
		return err
	}
	return ToError(o.backend.Bypass(userGroup))
}

func (o *object) AllowProviderIP(sender dbus.Sender, provider string) *dbus.Error {
	if err := o.authorize(sender, "allow_provider_ip"); err != nil {
		return err
	}
	return ToError(o.backend.AllowProviderIP(provider))
}

func (o *object) BlockDNS(sender dbus.Sender) *dbus.Error {
	if err := o.authorize(sender, "block_dns"); err != nil {
		return err
	}
	return ToError(o.backend.BlockDNS())
}

func (o *object) SaveDefaultDNS(sender dbus.Sender) *dbus.Error {
	if err := o.authorize(sender, "save_default_dns"); err != nil {
		return err
	}
	return ToError(o.backend.SaveDefaultDNS())
}

func (o *object) RestoreDefaultDNS(sender dbus.Sender) *dbus.Error {
	if err := o.authorize(sender, "restore_default_dns"); err != nil {
		return err
	}
	return ToError(o.backend.RestoreDefaultDNS())
}

func (o *object) ReturnTunDevice(which string) (string, *dbus.Error) {
	return o.backend.ReturnTunDevice(which), nil
}

func (o *object) DefaultGatewayCheck() (map[string]string, *dbus.Error) {
	return o.backend.DefaultGatewayCheck(), nil
}

func (o *object) DeleteProvider(sender dbus.Sender, provider string) *dbus.Error {
	if err := o.authorize(sender, "delete_provider"); err != nil {
		return err
	}
	return ToError(o.backend.DeleteProvider(provider))
}

func (o *object) CopyRootdir(sender dbus.Sender, provider, path string) (string, *dbus.Error) {
	if err := o.authorize(sender, "copy_rootdir"); err != nil {
		return "", err
	}
	result, err := o.backend.CopyRootdir(provider, path)
	if err != nil {
		// The frontend shows the text, so failures travel as the result.
		return err.Error(), nil
	}
	return result, nil
}

func (o *object) DisableIPv6(sender dbus.Sender, flag int32) *dbus.Error {
	if err := o.authorize(sender, "disable_ipv6"); err != nil {
		return err
	}
	return ToError(o.backend.DisableIPv6(int(flag)))
}

func (o *object) LogLevelChange(sender dbus.Sender, level string) *dbus.Error {
	if err := o.authorize(sender, "log_level_change"); err != nil {
		return err
	}
	return ToError(o.backend.LogLevelChange(strings.TrimSpace(level)))
}

func (o *object) ShareLog(record string) *dbus.Error {
	return ToError(o.backend.ShareLog(record))
}

func (o *object) GetVersion() (string, *dbus.Error) {
	return o.backend.GetVersion(), nil
}

func (o *object) Restart(sender dbus.Sender) *dbus.Error {
	if err := o.authorize(sender, "restart"); err != nil {
		return err
	}
	return ToError(o.backend.Restart())
}
