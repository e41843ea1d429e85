package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gonzalop/sftpd/internal/hostkey"
	"github.com/gonzalop/sftpd/internal/ratelimit"
	"golang.org/x/crypto/ssh"
)

const (
	// acceptBackoff is the pause after a failed Accept, so persistent
	// errors such as EMFILE do not spin the accept loop.
	acceptBackoff = 10 * time.Millisecond

	// forceCloseGrace bounds the wait for session goroutines after their
	// connections have been closed forcibly.
	forceCloseGrace = time.Second
)

// State is the lifecycle state of a Server.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Server is the SFTP server.
//
// It owns the listening socket and the host key, accepts SSH connections,
// and runs one session per connection in its own goroutine. Every file
// operation of every session is confined to Config.RootDir.
//
// Lifecycle:
//  1. Create server with NewServer()
//  2. Start() loads or generates the host key, binds the port and begins
//     accepting connections
//  3. Stop() (or Shutdown(ctx)) stops accepting, lets in-flight operations
//     finish within the drain bound, closes every session and releases the
//     port
//  4. The server may be started again after it has stopped
//
// Basic example:
//
//	s, err := server.NewServer(server.Config{Port: 2222, RootDir: "/srv/data"},
//	    server.WithAuthPolicy(server.AllowAnonymous()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop()
type Server struct {
	// cfg is the validated listening configuration.
	cfg Config

	// policy decides every authentication attempt.
	policy AuthPolicy

	// logger is the logger instance.
	logger *slog.Logger

	// metrics is the optional metrics collector.
	metrics MetricsCollector

	// hostKeyPath is the key store file of the host key.
	// Defaults to hostkey<port>.pem in the working directory.
	hostKeyPath string

	// hostKeyAlgorithm is the algorithm of the host key. Defaults to RSA.
	hostKeyAlgorithm hostkey.Algorithm

	// authTimeout bounds each AuthPolicy evaluation.
	authTimeout time.Duration

	// drainTimeout bounds the wait for in-flight operations in Stop.
	drainTimeout time.Duration

	// handshakeTimeout bounds the SSH handshake including authentication.
	handshakeTimeout time.Duration

	// maxSessions is the maximum number of simultaneous sessions.
	// If 0, there is no limit.
	maxSessions int

	// maxAuthTries is the number of authentication attempts per connection.
	maxAuthTries int

	// readOnly rejects all mutating requests.
	readOnly bool

	// Bandwidth limits in bytes per second (0 = unlimited).
	bandwidthLimit           int64
	bandwidthLimitPerSession int64
	globalLimiter            *ratelimit.Limiter

	// serverVersion is the SSH identification string.
	serverVersion string

	// lifecycleMu serializes Start and Shutdown.
	lifecycleMu sync.Mutex

	// mu protects the lifecycle state and the active session set.
	mu         sync.Mutex
	state      State
	listener   net.Listener
	root       *Root
	hostKey    *hostkey.Record
	sessions   map[string]*session
	sessionWG  *sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	acceptDone chan struct{}
}

// NewServer creates a new SFTP server for cfg.
// The configuration is validated here; the auth policy must be provided
// via the WithAuthPolicy option.
//
// Default values:
//   - Logger: slog.Default()
//   - Host key: RSA, stored in hostkey<port>.pem
//   - AuthTimeout: 10 seconds
//   - DrainTimeout: 5 seconds
//   - HandshakeTimeout: 30 seconds
//   - MaxSessions: 0 (unlimited)
//   - MaxAuthTries: 6
func NewServer(cfg Config, options ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	done := make(chan struct{})
	close(done)

	s := &Server{
		cfg:              cfg,
		logger:           slog.Default(),
		hostKeyAlgorithm: hostkey.RSA,
		authTimeout:      10 * time.Second,
		drainTimeout:     5 * time.Second,
		handshakeTimeout: 30 * time.Second,
		maxAuthTries:     6,
		serverVersion:    "SSH-2.0-sftpd",
		sessions:         make(map[string]*session),
		done:             done,
	}

	// Apply options
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// Validate required fields
	if s.policy == nil {
		return nil, fmt.Errorf("auth policy is required (use WithAuthPolicy option)")
	}
	if s.hostKeyPath == "" {
		s.hostKeyPath = hostkey.DefaultPath(cfg.Port)
	}
	s.globalLimiter = ratelimit.New(s.bandwidthLimit)

	return s, nil
}

// Config returns the listening configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Start loads or generates the host key, binds the configured port and
// begins accepting connections in the background.
//
// It returns a *BindError when the port cannot be bound, an error wrapping
// ErrKeyStoreCorrupt or ErrKeyStoreUnwritable for host key failures, and
// ErrServerRunning when the server is not stopped. Nothing is retried.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.state = StateStarting
	s.mu.Unlock()

	key, root, ln, err := s.prepare()
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		s.logger.Error("server_start_failed", "addr", s.cfg.Addr(), "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	acceptDone := make(chan struct{})

	s.mu.Lock()
	s.hostKey = key
	s.root = root
	s.listener = ln
	s.sessionWG = &sync.WaitGroup{}
	s.ctx, s.cancel = ctx, cancel
	s.done = make(chan struct{})
	s.acceptDone = acceptDone
	s.state = StateRunning
	s.mu.Unlock()

	go s.acceptLoop(ln, acceptDone)

	s.logger.Info("server_started",
		"addr", ln.Addr().String(),
		"root", root.Dir(),
		"host_key", key.Path,
		"host_key_algorithm", string(key.Algorithm),
		"host_key_generated", key.Generated,
		"fingerprint", key.Fingerprint(),
	)
	return nil
}

// prepare installs the host identity and the root, then binds the port.
func (s *Server) prepare() (*hostkey.Record, *Root, net.Listener, error) {
	key, err := hostkey.LoadOrGenerate(s.hostKeyPath, s.hostKeyAlgorithm)
	if err != nil {
		return nil, nil, nil, err
	}

	root, err := NewRoot(s.cfg.RootDir)
	if err != nil {
		return nil, nil, nil, err
	}

	addr := s.cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		root.Close()
		return nil, nil, nil, &BindError{Addr: addr, Err: err}
	}
	return key, root, ln, nil
}

// Stop shuts the server down, waiting at most the drain timeout for
// in-flight operations. Calling Stop on a stopped server is a no-op.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the server.
//
// It closes the listener, signals every session to start closing, waits
// until in-flight operations finish or ctx is done, then closes the
// remaining connections. When Shutdown returns the active session set is
// empty and the server is stopped. Calling Shutdown on a stopped server is
// a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	ln := s.listener
	s.listener = nil
	acceptDone := s.acceptDone
	wg := s.sessionWG
	root := s.root
	sessions := slices.Collect(maps.Values(s.sessions))
	s.mu.Unlock()

	s.logger.Info("server_stopping", "active_sessions", len(sessions))

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	<-acceptDone
	s.cancel()

	var closing sync.WaitGroup
	for _, sess := range sessions {
		closing.Add(1)
		go func() {
			defer closing.Done()
			sess.shutdown(ctx)
		}()
	}
	closing.Wait()

	exited := make(chan struct{})
	go func() {
		wg.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(forceCloseGrace):
		s.logger.Warn("sessions still running after forced close")
	}
	if cerr := root.Close(); cerr != nil && err == nil {
		err = cerr
	}

	s.mu.Lock()
	clear(s.sessions)
	s.state = StateStopped
	close(s.done)
	s.mu.Unlock()

	s.logger.Info("server_stopped", "addr", s.cfg.Addr())
	return err
}

// ListenAndServe starts the server and blocks until it is stopped by
// another goroutine. It returns the Start error, or ErrServerClosed.
func (s *Server) ListenAndServe() error {
	if err := s.Start(); err != nil {
		return err
	}
	<-s.Done()
	return ErrServerClosed
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Done returns a channel that is closed once the server is stopped.
// A server that was never started is already done.
func (s *Server) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Addr returns the listening address, or nil when not running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HostKey returns the host key installed by the last successful Start.
func (s *Server) HostKey() *HostKeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hostKey
}

// Sessions returns a snapshot of the active sessions, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	sessions := slices.Collect(maps.Values(s.sessions))
	s.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return infos
}

// acceptLoop accepts connections until the listener is closed.
func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.State() != StateRunning {
				return
			}
			s.logger.Error("accept error", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		sess, reason := s.admit(conn)
		if sess == nil {
			s.reject(conn, reason)
			continue
		}
		go sess.serve()
	}
}

// admit registers a new session for conn, or returns the rejection reason.
func (s *Server) admit(conn net.Conn) (*session, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return nil, "server_stopping"
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return nil, "session_limit_reached"
	}

	sess := newSession(s.ctx, s, conn, s.root, s.hostKey.Signer)
	s.sessions[sess.id] = sess
	s.sessionWG.Add(1)
	sess.release = s.sessionWG.Done

	if s.metrics != nil {
		s.metrics.RecordConnection(true, "accepted")
	}
	return sess, ""
}

func (s *Server) reject(conn net.Conn, reason string) {
	// Security audit: connection refused before the handshake
	s.logger.Warn("connection_rejected",
		"remote_ip", remoteIP(conn),
		"reason", reason,
		"limit", s.maxSessions,
	)
	if s.metrics != nil {
		s.metrics.RecordConnection(false, reason)
	}
	conn.Close()
}

// removeSession drops sess from the active set.
func (s *Server) removeSession(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()
}

// sshConfig builds the per-connection SSH configuration. Every
// authentication method is routed through the session so the policy sees
// each attempt.
func (s *Server) sshConfig(sess *session) *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		NoClientAuth: true,
		NoClientAuthCallback: func(md ssh.ConnMetadata) (*ssh.Permissions, error) {
			return sess.authenticate(md, AuthNone, nil, nil)
		},
		PasswordCallback: func(md ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return sess.authenticate(md, AuthPassword, password, nil)
		},
		PublicKeyCallback: func(md ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return sess.authenticate(md, AuthPublicKey, nil, key)
		},
		MaxAuthTries:  s.maxAuthTries,
		ServerVersion: s.serverVersion,
	}
	cfg.AddHostKey(sess.hostKey)
	return cfg
}

// remoteIP extracts the IP address of the peer.
func remoteIP(conn net.Conn) string {
	remoteAddr := conn.RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return ip
}
