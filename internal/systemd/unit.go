package systemd

import "fmt"

func unitContent(binary string) string {
	return fmt.Sprintf(`[Unit]
Description=qomui VPN connection manager
After=network-online.target dbus.service
Wants=network-online.target
Requires=dbus.service

[Service]
Type=dbus
BusName=org.qomui.service
ExecStart=%q serve
ExecStopPost=%q firewall restore
Restart=on-failure
RestartSec=2
KillMode=mixed
TimeoutStopSec=15

[Install]
WantedBy=multi-user.target
`, binary, binary)
}
