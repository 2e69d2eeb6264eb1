package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"qomui/internal/config"
	"qomui/internal/firewall"
	"qomui/internal/runner"
	"qomui/internal/systemd"
	"qomui/internal/version"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the systemd unit and bus policy",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		binary, _ := cmd.Flags().GetString("binary")
		if binary == "" {
			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate binary: %w", err)
			}
			binary = exe
		}
		binary, err := filepath.Abs(binary)
		if err != nil {
			return err
		}

		opts, err := loadOptions()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(opts.StateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		if err := version.WriteInstalled(opts.StateDir); err != nil {
			return fmt.Errorf("record version: %w", err)
		}
		if err := firewall.WriteDefaultRuleSet(opts.StateDir); err != nil {
			return fmt.Errorf("seed firewall rules: %w", err)
		}

		opts.AddUser(user)
		if err := config.Write(configPath, opts); err != nil {
			return fmt.Errorf("write %s: %w", configPath, err)
		}

		manager := systemd.NewManager(opts.StateDir, runner.New(opts.CommandTimeout))
		if err := manager.InstallPolicy(user); err != nil {
			return fmt.Errorf("install bus policy: %w", err)
		}
		if err := manager.InstallService(binary); err != nil {
			return fmt.Errorf("install service: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s for %s (frontend user %s)\n", systemd.ServiceName, binary, user)
		return nil
	},
}

func init() {
	installCmd.Flags().String("user", "", "frontend user allowed on the bus")
	installCmd.Flags().String("binary", "", "path of the qomuid binary (default: this executable)")
	_ = installCmd.MarkFlagRequired("user")
}
