package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gonzalop/sftpd/internal/hostkey"
)

// Option is a functional option for configuring an SFTP server.
type Option func(*Server) error

// WithAuthPolicy sets the policy that decides every authentication attempt.
// This option is required and can only be set once; there is no implicit
// default policy.
//
// Example (accept everyone, as a deliberate choice):
//
//	s, _ := server.NewServer(cfg, server.WithAuthPolicy(server.AllowAnonymous()))
func WithAuthPolicy(policy AuthPolicy) Option {
	return func(s *Server) error {
		if policy == nil {
			return fmt.Errorf("auth policy must not be nil")
		}
		if s.policy != nil {
			return fmt.Errorf("auth policy already set")
		}
		s.policy = policy
		return nil
	}
}

// WithLogger sets a custom logger for the server.
// If not specified, slog.Default() is used.
//
// Example with debug logging:
//
//	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	s, _ := server.NewServer(cfg,
//	    server.WithAuthPolicy(policy),
//	    server.WithLogger(logger),
//	)
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			return fmt.Errorf("logger must not be nil")
		}
		s.logger = logger
		return nil
	}
}

// WithHostKeyFile sets the key store file for the host key.
// Defaults to hostkey<port>.pem in the working directory.
func WithHostKeyFile(path string) Option {
	return func(s *Server) error {
		if path == "" {
			return fmt.Errorf("host key path must not be empty")
		}
		s.hostKeyPath = path
		return nil
	}
}

// WithHostKeyAlgorithm sets the algorithm of the host key.
// Defaults to RSA. Loading a key store written with another algorithm
// fails with ErrKeyStoreCorrupt.
func WithHostKeyAlgorithm(alg HostKeyAlgorithm) Option {
	return func(s *Server) error {
		if _, err := hostkey.ParseAlgorithm(string(alg)); err != nil {
			return err
		}
		s.hostKeyAlgorithm = alg
		return nil
	}
}

// WithAuthTimeout bounds how long a single AuthPolicy evaluation may take.
// Attempts that exceed it are rejected with reason "auth timeout".
// Defaults to 10 seconds.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("auth timeout must be positive")
		}
		s.authTimeout = d
		return nil
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight operations
// before terminating sessions forcibly. Defaults to 5 seconds.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d < 0 {
			return fmt.Errorf("drain timeout must not be negative")
		}
		s.drainTimeout = d
		return nil
	}
}

// WithHandshakeTimeout bounds the SSH handshake, authentication included.
// Defaults to 30 seconds.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("handshake timeout must be positive")
		}
		s.handshakeTimeout = d
		return nil
	}
}

// WithMaxSessions sets the maximum number of simultaneous sessions.
// If 0, there is no limit. This is the default.
//
// Connections beyond the limit are closed before the handshake.
func WithMaxSessions(max int) Option {
	return func(s *Server) error {
		if max < 0 {
			return fmt.Errorf("max sessions must not be negative")
		}
		s.maxSessions = max
		return nil
	}
}

// WithMaxAuthTries sets how many authentication attempts a client may make
// on one connection. Defaults to 6.
func WithMaxAuthTries(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("max auth tries must be positive")
		}
		s.maxAuthTries = n
		return nil
	}
}

// WithReadOnly rejects every request that would modify the filesystem.
func WithReadOnly(readOnly bool) Option {
	return func(s *Server) error {
		s.readOnly = readOnly
		return nil
	}
}

// WithBandwidthLimit throttles file transfers, in bytes per second.
// global caps the whole server, perSession caps each session; 0 disables
// a limit. When both are set the most restrictive applies.
//
// Example:
//
//	s, _ := server.NewServer(cfg,
//	    server.WithAuthPolicy(policy),
//	    server.WithBandwidthLimit(10<<20, 1<<20), // 10 MiB/s total, 1 MiB/s per client
//	)
func WithBandwidthLimit(global, perSession int64) Option {
	return func(s *Server) error {
		if global < 0 || perSession < 0 {
			return fmt.Errorf("bandwidth limits must not be negative")
		}
		s.bandwidthLimit = global
		s.bandwidthLimitPerSession = perSession
		return nil
	}
}

// WithMetricsCollector sets a collector for connection, authentication,
// request and transfer metrics.
func WithMetricsCollector(collector MetricsCollector) Option {
	return func(s *Server) error {
		s.metrics = collector
		return nil
	}
}

// WithServerVersion sets the SSH identification string sent to clients.
// It must start with "SSH-2.0-". Defaults to "SSH-2.0-sftpd".
func WithServerVersion(version string) Option {
	return func(s *Server) error {
		if !strings.HasPrefix(version, "SSH-2.0-") {
			return fmt.Errorf("server version must start with SSH-2.0-")
		}
		s.serverVersion = version
		return nil
	}
}
