// Command qomui-copy is installed setuid root. It lets the frontend user
// replace the preference documents in the root-owned state directory and
// nothing else.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"qomui/internal/config"
	"qomui/internal/firewall"
	"qomui/internal/settings"
)

var errNotAllowed = errors.New("file name not allowed")

var allowed = map[string]bool{
	settings.FileName:  true,
	firewall.RulesFile: true,
}

var rootCmd = &cobra.Command{
	Use:           "qomui-copy SOURCE",
	Short:         "Move a qomui preference file into the state directory",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		stateDir, _ := cmd.Flags().GetString("state-dir")
		dst, err := install(args[0], stateDir, os.Geteuid() == 0)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dst)
		return nil
	},
}

func init() {
	rootCmd.Flags().String("state-dir", config.Defaults().StateDir, "qomui state directory")
}

// install moves src to <stateDir>/<basename>. The source must be a regular
// file readable by the real (invoking) user.
func install(src, stateDir string, asRoot bool) (string, error) {
	name := filepath.Base(src)
	if !allowed[name] {
		return "", fmt.Errorf("%w: %s", errNotAllowed, name)
	}
	info, err := os.Lstat(src)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", src)
	}
	if err := unix.Access(src, unix.R_OK); err != nil {
		return "", fmt.Errorf("%s: %w", src, err)
	}

	dst := filepath.Join(stateDir, name)
	tmp := dst + ".tmp"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if asRoot {
		if err := os.Chown(tmp, 0, 0); err != nil {
			_ = os.Remove(tmp)
			return "", err
		}
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Remove(src); err != nil && !errors.Is(err, os.ErrNotExist) {
		return dst, fmt.Errorf("remove %s: %w", src, err)
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qomui-copy:", err)
		os.Exit(1)
	}
}
