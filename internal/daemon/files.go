package daemon

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"qomui/internal/ipc"
	"qomui/internal/vpn"
)

// CopyRootdir copies a provider directory staged by the frontend into the
// state directory. Files become root-owned 0600 and directories 0700; a
// "certs" subdirectory goes to the provider's certificate folder.
func (d *Daemon) CopyRootdir(provider, path string) (string, error) {
	plugin, err := vpn.PluginFor(provider)
	if err != nil {
		return "", err
	}
	src := filepath.Clean(strings.TrimSpace(path))
	if !filepath.IsAbs(src) {
		return "", fmt.Errorf("%w: source %q must be absolute", ipc.ErrInvalidArgument, path)
	}
	info, err := os.Lstat(src)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: source %q is not a directory", ipc.ErrInvalidArgument, path)
	}

	dst := plugin.Dir(d.opts.StateDir)
	certs := plugin.CertDir(d.opts.StateDir)
	if err := d.mkdirOwned(filepath.Dir(certs)); err != nil {
		return "", err
	}
	err = filepath.WalkDir(src, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, current)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if rel == "certs" || strings.HasPrefix(rel, "certs"+string(filepath.Separator)) {
			target = filepath.Join(certs, strings.TrimPrefix(strings.TrimPrefix(rel, "certs"), string(filepath.Separator)))
		}
		switch {
		case entry.IsDir():
			return d.mkdirOwned(target)
		case entry.Type().IsRegular():
			return d.copyOwned(current, target)
		default:
			d.log.Warnf("copy %s: skipping non-regular file %s", plugin.Name, rel)
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("copy %s: %w", plugin.Name, err)
	}
	d.log.Infof("copied %s into %s", src, dst)
	return "copied", nil
}

func (d *Daemon) mkdirOwned(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return err
	}
	return d.own(dir)
}

func (d *Daemon) copyOwned(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := d.own(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// own hands path to root. Unprivileged runs (tests) keep their own uid.
func (d *Daemon) own(path string) error {
	if os.Geteuid() != 0 {
		return nil
	}
	return d.chown(path, 0, 0)
}
