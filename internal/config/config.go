// Package config loads the daemon's own runtime options. These are operator
// settings for the privileged process, distinct from the user-facing
// config.json handled by package settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where packaging installs the optional options file.
const DefaultPath = "/etc/qomui/qomuid.yaml"

// Options are the daemon's filesystem layout, timeouts and log controls.
type Options struct {
	StateDir       string        `yaml:"state_dir"`
	TempDir        string        `yaml:"temp_dir"`
	ResolvConf     string        `yaml:"resolv_conf"`
	CgroupRoot     string        `yaml:"cgroup_root"`
	RouteTables    string        `yaml:"rt_tables"`
	StatusAddr     string        `yaml:"status_addr"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	KillGrace      time.Duration `yaml:"kill_grace"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LogLevel       string        `yaml:"log_level"`
	LogMaxBytes    int64         `yaml:"log_max_bytes"`
	// Users may call state-changing bus methods besides root.
	Users []string `yaml:"users,omitempty"`
}

// Defaults returns the stock layout under /usr/share/qomui.
func Defaults() Options {
	return Options{
		StateDir:       "/usr/share/qomui",
		TempDir:        "/usr/share/qomui/temp",
		ResolvConf:     "/etc/resolv.conf",
		CgroupRoot:     "/sys/fs/cgroup/net_cls",
		RouteTables:    "/etc/iproute2/rt_tables",
		DialTimeout:    60 * time.Second,
		CommandTimeout: 10 * time.Second,
		KillGrace:      3 * time.Second,
		PollInterval:   2 * time.Second,
		LogLevel:       "info",
		LogMaxBytes:    1 << 20,
	}
}

// Load reads options from path, layering them over Defaults. A missing file
// is not an error.
func Load(path string) (Options, error) {
	opts := Defaults()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return opts, nil
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return opts, nil
		}
		return opts, err
	}
	var loaded Options
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return opts, fmt.Errorf("parse %s: %w", trimmed, err)
	}
	opts.merge(loaded)
	if err := opts.Validate(); err != nil {
		return Defaults(), fmt.Errorf("%s: %w", trimmed, err)
	}
	return opts, nil
}

func (o *Options) merge(in Options) {
	setString := func(dst *string, value string) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, value time.Duration) {
		if value > 0 {
			*dst = value
		}
	}
	setString(&o.StateDir, in.StateDir)
	setString(&o.TempDir, in.TempDir)
	setString(&o.ResolvConf, in.ResolvConf)
	setString(&o.CgroupRoot, in.CgroupRoot)
	setString(&o.RouteTables, in.RouteTables)
	setString(&o.StatusAddr, in.StatusAddr)
	setString(&o.LogLevel, in.LogLevel)
	setDuration(&o.DialTimeout, in.DialTimeout)
	setDuration(&o.CommandTimeout, in.CommandTimeout)
	setDuration(&o.KillGrace, in.KillGrace)
	setDuration(&o.PollInterval, in.PollInterval)
	if in.LogMaxBytes > 0 {
		o.LogMaxBytes = in.LogMaxBytes
	}
	for _, user := range in.Users {
		o.AddUser(user)
	}
}

// AddUser admits name on the bus, ignoring blanks and duplicates.
func (o *Options) AddUser(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	for _, existing := range o.Users {
		if existing == name {
			return
		}
	}
	o.Users = append(o.Users, name)
}

// Write stores opts at path for the next Load.
func Write(path string, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Validate rejects relative paths; the daemon runs as root and must not
// resolve state against its working directory.
func (o Options) Validate() error {
	for name, value := range map[string]string{
		"state_dir":   o.StateDir,
		"temp_dir":    o.TempDir,
		"resolv_conf": o.ResolvConf,
		"cgroup_root": o.CgroupRoot,
		"rt_tables":   o.RouteTables,
	} {
		if !filepath.IsAbs(value) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, value)
		}
	}
	return nil
}

// LogPath is the rotating diagnostics log location.
func (o Options) LogPath() string {
	return filepath.Join(o.StateDir, "qomui.log")
}

// JournalPath is the connection journal database location.
func (o Options) JournalPath() string {
	return filepath.Join(o.StateDir, "journal.db")
}

// ResolvBackupPath is where the original resolver configuration is kept.
func (o Options) ResolvBackupPath() string {
	return o.ResolvConf + ".qomui.bak"
}
