package version

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Build-time metadata injected via -ldflags.
// Defaults are used for local/dev builds.
var (
	AppVersion = "dev"
	GitCommit  = "unknown"
	BuildTime  = "unknown"
)

// FileName is the installed version marker inside the state directory.
const FileName = "VERSION"

// Info describes the running binary build metadata.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// Current returns the build metadata for this binary.
func Current() Info {
	return Info{
		Version:   strings.TrimSpace(AppVersion),
		Commit:    strings.TrimSpace(GitCommit),
		BuildTime: strings.TrimSpace(BuildTime),
	}
}

// Installed returns the version recorded by the installer in stateDir,
// falling back to the build version when the marker is absent or empty.
func Installed(stateDir string) string {
	data, err := os.ReadFile(filepath.Join(stateDir, FileName))
	if err == nil {
		if value := strings.TrimSpace(string(data)); value != "" {
			return value
		}
	}
	if value := strings.TrimSpace(AppVersion); value != "" {
		return value
	}
	return "dev"
}

// WriteInstalled records the running build version in stateDir.
func WriteInstalled(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, FileName), []byte(Current().Version+"\n"), 0o644)
}

// String returns a human-readable version string.
func (i Info) String() string {
	version := strings.TrimSpace(i.Version)
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(i.Commit)
	if commit == "" {
		commit = "unknown"
	}
	buildTime := strings.TrimSpace(i.BuildTime)
	if buildTime == "" {
		buildTime = "unknown"
	}
	return fmt.Sprintf("qomuid %s (commit %s, built %s)", version, commit, buildTime)
}

// JSON returns the metadata encoded as JSON.
func (i Info) JSON() ([]byte, error) {
	return json.Marshal(i)
}
