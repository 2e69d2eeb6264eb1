package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"qomui/internal/daemon"
	"qomui/internal/diaglog"
	"qomui/internal/ipc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("allow-user", nil, "additional users allowed to call state-changing methods (repeatable)")
	cmd.Flags().String("status-addr", "", "loopback address for the read-only status API, e.g. 127.0.0.1:9090")
	cmd.Flags().String("log-level", "", "initial log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if os.Geteuid() != 0 {
		log.Printf("warning: qomuid is not running as root; most operations will fail")
	}
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("status-addr"); addr != "" {
		opts.StatusAddr = addr
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		opts.LogLevel = level
	}
	users, _ := cmd.Flags().GetStringSlice("allow-user")
	for _, user := range users {
		opts.AddUser(user)
	}

	if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	logger := diaglog.NewWithMaxBytes(opts.LogPath(), opts.LogMaxBytes)
	if err := logger.Configure(true, opts.LogLevel); err != nil {
		log.Printf("warning: diagnostics log unavailable: %v", err)
	}
	defer logger.Close()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	d, err := daemon.New(opts, logger, daemon.Deps{
		Authorizer: ipc.NewUIDAuthorizer(conn, ipc.LookupUIDs(opts.Users...)...),
	})
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Shutdown()
		return err
	}
	if err := d.Export(conn); err != nil {
		d.Shutdown()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Printf("qomuid running, state in %s", opts.StateDir)
	return d.Run(ctx)
}
