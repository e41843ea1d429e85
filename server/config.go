package server

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// DefaultPort is the port used when none is configured.
const DefaultPort = 2222

// Config is the immutable listening configuration of a Server.
// It is validated once by NewServer and never changed afterwards.
type Config struct {
	// Host is the interface to listen on. Empty means all interfaces.
	Host string

	// Port is the TCP port to listen on (1-65535).
	Port int

	// RootDir is the directory exposed to clients as "/".
	RootDir string
}

// Validate checks the port range and that RootDir is an existing directory.
func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("sftpd: port %d out of range 1-65535", c.Port)
	}
	if c.RootDir == "" {
		return fmt.Errorf("sftpd: root directory is required")
	}
	info, err := os.Stat(c.RootDir)
	if err != nil {
		return fmt.Errorf("sftpd: root directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sftpd: root path is not a directory: %s", c.RootDir)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
