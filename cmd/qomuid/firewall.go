package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"qomui/internal/diaglog"
	"qomui/internal/firewall"
	"qomui/internal/runner"
)

var firewallCmd = &cobra.Command{
	Use:   "firewall",
	Short: "Firewall maintenance",
}

var firewallRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the rules saved before qomuid first started",
	Long: `restore loads the iptables snapshot taken at first start. Without a
snapshot the firewall is opened instead so a stopped daemon never leaves the
host without connectivity.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		logger := diaglog.NewWithMaxBytes(opts.LogPath(), opts.LogMaxBytes)
		if err := logger.Configure(true, opts.LogLevel); err != nil {
			log.Printf("warning: diagnostics log unavailable: %v", err)
		}
		defer logger.Close()

		rules, err := firewall.LoadRuleSet(opts.StateDir)
		if err != nil {
			logger.Warnf("firewall rules: %v", err)
		}
		engine := firewall.NewEngine(runner.New(opts.CommandTimeout), rules, logger)
		if firewall.HasSnapshot(opts.StateDir) {
			if err := engine.RestoreSnapshot(opts.StateDir); err != nil {
				return fmt.Errorf("restore snapshot: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "firewall snapshot restored")
			return nil
		}
		if err := engine.ApplyRules(firewall.ModeOff, false, false); err != nil {
			return fmt.Errorf("open firewall: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "no snapshot found, firewall opened")
		return nil
	},
}

func init() {
	firewallCmd.AddCommand(firewallRestoreCmd)
}
