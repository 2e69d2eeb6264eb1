// Command qomuid is the privileged half of qomui. It owns tunnels, the
// firewall and resolver state, and serves the frontend over the system bus.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"qomui/internal/config"
	"qomui/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "qomuid",
	Short: "qomui connection manager daemon",
	Long: `qomuid manages OpenVPN and WireGuard tunnels, the kill-switch firewall
and DNS on behalf of the qomui frontend. It runs as root and is reached over
the D-Bus system bus as ` + "org.qomui.service" + `.`,
	Version:       version.Current().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, err := version.Current().JSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), version.Current().String())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "daemon options file")
	addServeFlags(rootCmd)

	versionCmd.Flags().Bool("json", false, "print as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(firewallCmd)
	rootCmd.AddCommand(installCmd)
}

func loadOptions() (config.Options, error) {
	opts, err := config.Load(configPath)
	if err != nil {
		return opts, fmt.Errorf("load %s: %w", configPath, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qomuid:", err)
		os.Exit(1)
	}
}
