// Package config loads the optional TOML configuration file of the sftpd
// command. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gonzalop/sftpd/internal/hostkey"
)

// File represents the configuration file structure.
// Zero values mean "not set"; the command applies its own defaults.
type File struct {
	// Port is the TCP port to listen on. Default: 2222
	Port int `toml:"port"`

	// RootDir is the directory served as "/". Default: working directory
	RootDir string `toml:"root_dir"`

	// ListenHost is the interface to bind. Default: all interfaces
	ListenHost string `toml:"listen_host"`

	// HostKeyPath is the host key store. Default: hostkey<port>.pem
	HostKeyPath string `toml:"host_key_path"`

	// HostKeyAlgorithm is one of rsa, ecdsa, ed25519. Default: rsa
	HostKeyAlgorithm string `toml:"host_key_algorithm"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// ReadOnly rejects every modifying request.
	ReadOnly bool `toml:"read_only"`

	// MaxSessions caps simultaneous sessions. Default: 0 (unlimited)
	MaxSessions int `toml:"max_sessions"`

	// DrainTimeout bounds the wait for in-flight operations on stop,
	// e.g. "5s".
	DrainTimeout time.Duration `toml:"drain_timeout"`

	// AuthTimeout bounds each authentication decision, e.g. "10s".
	AuthTimeout time.Duration `toml:"auth_timeout"`

	// BandwidthLimit is the server-wide transfer limit in bytes per second.
	BandwidthLimit int64 `toml:"bandwidth_limit"`

	// BandwidthLimitPerSession is the per-session limit in bytes per second.
	BandwidthLimitPerSession int64 `toml:"bandwidth_limit_per_session"`

	// MetricsAddr enables the Prometheus endpoint on host:port.
	MetricsAddr string `toml:"metrics_addr"`
}

// Load reads the TOML file at path.
//
// An empty path returns an empty File. A missing file, a parse error, an
// unknown key or an invalid value is an error.
func Load(path string) (*File, error) {
	f := &File{}
	if path == "" {
		return f, nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	md, err := toml.DecodeFile(path, f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return f, nil
}

// Validate checks value ranges of the set fields.
func (f *File) Validate() error {
	if f.Port < 0 || f.Port > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", f.Port)
	}
	if f.HostKeyAlgorithm != "" {
		if _, err := hostkey.ParseAlgorithm(f.HostKeyAlgorithm); err != nil {
			return err
		}
	}
	if f.LogLevel != "" {
		if _, err := ParseLogLevel(f.LogLevel); err != nil {
			return err
		}
	}
	if f.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	if f.DrainTimeout < 0 || f.AuthTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if f.BandwidthLimit < 0 || f.BandwidthLimitPerSession < 0 {
		return fmt.Errorf("bandwidth limits must not be negative")
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to a slog level.
// The empty string is info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
