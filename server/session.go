package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gonzalop/sftpd/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SessionState is the state of one client session.
type SessionState int32

const (
	SessionConnecting SessionState = iota
	SessionAuthenticating
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionConnecting:
		return "connecting"
	case SessionAuthenticating:
		return "authenticating"
	case SessionActive:
		return "active"
	case SessionClosing:
		return "closing"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int32(s))
}

// SessionInfo is a snapshot of an active session.
type SessionInfo struct {
	ID            string
	User          string
	RemoteAddr    string
	State         SessionState
	Authenticated bool
	HomeRoot      string
	StartedAt     time.Time
}

// session is one client connection.
type session struct {
	id        string
	server    *Server
	conn      net.Conn
	root      *Root
	hostKey   ssh.Signer
	remoteIP  string
	startedAt time.Time
	logger    *slog.Logger
	limiter   *ratelimit.Limiter

	// release marks the session as finished for Shutdown.
	release func()

	// ctx is cancelled when the session starts closing.
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	state         SessionState
	authenticated bool
	user          string
	closing       bool
	sshConn       *ssh.ServerConn

	// ops counts in-flight operations.
	ops sync.WaitGroup
}

func newSession(parent context.Context, s *Server, conn net.Conn, root *Root, hostKey ssh.Signer) *session {
	id := uuid.NewString()
	ip := remoteIP(conn)
	ctx, cancel := context.WithCancel(parent)
	return &session{
		id:        id,
		server:    s,
		conn:      conn,
		root:      root,
		hostKey:   hostKey,
		remoteIP:  ip,
		startedAt: time.Now(),
		logger:    s.logger.With("session_id", id, "remote_ip", ip),
		limiter:   ratelimit.New(s.bandwidthLimitPerSession),
		release:   func() {},
		ctx:       ctx,
		cancel:    cancel,
		state:     SessionConnecting,
	}
}

func (sess *session) info() SessionInfo {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return SessionInfo{
		ID:            sess.id,
		User:          sess.user,
		RemoteAddr:    sess.conn.RemoteAddr().String(),
		State:         sess.state,
		Authenticated: sess.authenticated,
		HomeRoot:      sess.root.Dir(),
		StartedAt:     sess.startedAt,
	}
}

// serve runs the session until the connection ends.
func (sess *session) serve() {
	defer sess.finish()

	sess.logger.Debug("connection_accepted")

	if d := sess.server.handshakeTimeout; d > 0 {
		_ = sess.conn.SetDeadline(time.Now().Add(d))
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(sess.conn, sess.server.sshConfig(sess))
	if err != nil {
		sess.logger.Info("handshake_failed", "error", err)
		return
	}
	_ = sess.conn.SetDeadline(time.Time{})

	// A public key passes the policy on its unsigned query; success is
	// only known once the handshake verified the signature.
	method := AuthMethod(sshConn.Permissions.Extensions["auth-method"])
	if m := sess.server.metrics; m != nil {
		m.RecordAuthentication(true, sshConn.User(), method)
	}
	sess.logger.Info("authentication_success", "user", sshConn.User(), "method", string(method))

	if !sess.activate(sshConn) {
		sshConn.Close()
		return
	}
	if m := sess.server.metrics; m != nil {
		m.RecordSessionActive(1)
		defer m.RecordSessionActive(-1)
	}
	sess.logger.Info("session_started",
		"user", sshConn.User(),
		"client_version", string(sshConn.ClientVersion()),
		"method", string(method),
	)

	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		if sess.isClosing() {
			_ = nc.Reject(ssh.ResourceShortage, "server shutting down")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			sess.logger.Warn("channel accept failed", "error", err)
			continue
		}
		channels.Add(1)
		go func() {
			defer channels.Done()
			sess.handleChannel(ch, chReqs)
		}()
	}

	sess.beginClosing()
	channels.Wait()
}

// activate moves an authenticated connection to the active state. It
// returns false when the session started closing during the handshake.
func (sess *session) activate(sshConn *ssh.ServerConn) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closing {
		return false
	}
	sess.sshConn = sshConn
	sess.authenticated = true
	sess.user = sshConn.User()
	sess.state = SessionActive
	return true
}

// authenticate evaluates one attempt against the server policy.
func (sess *session) authenticate(md ssh.ConnMetadata, method AuthMethod, password []byte, key ssh.PublicKey) (*ssh.Permissions, error) {
	sess.mu.Lock()
	if sess.closing {
		sess.mu.Unlock()
		return nil, errSessionClosing
	}
	sess.state = SessionAuthenticating
	sess.user = md.User()
	sess.mu.Unlock()

	a := Attempt{
		SessionID:     sess.id,
		User:          md.User(),
		RemoteAddr:    md.RemoteAddr(),
		ClientVersion: string(md.ClientVersion()),
		Method:        method,
		Password:      password,
		PublicKey:     key,
	}
	err := sess.server.evaluate(sess.ctx, a)
	if err != nil {
		if m := sess.server.metrics; m != nil {
			m.RecordAuthentication(false, a.User, method)
		}
		reason := err.Error()
		var rej *RejectError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		level := slog.LevelWarn
		if method == AuthNone {
			// Clients probe "none" before offering real credentials.
			level = slog.LevelDebug
		}
		sess.logger.Log(sess.ctx, level, "authentication_failed",
			"user", a.User,
			"method", string(method),
			"reason", reason,
		)
		return nil, err
	}

	return &ssh.Permissions{
		Extensions: map[string]string{"auth-method": string(method)},
	}, nil
}

// handleChannel serves one session channel. Only the "sftp" subsystem is
// supported; shell, exec and pty requests are refused.
func (sess *session) handleChannel(ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer ch.Close()

	for req := range reqs {
		if req.Type != "subsystem" || subsystemName(req.Payload) != "sftp" {
			sess.logger.Debug("channel_request_rejected", "type", req.Type)
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		if req.WantReply {
			_ = req.Reply(true, nil)
		}
		go ssh.DiscardRequests(reqs)
		sess.serveSFTP(ch)
		return
	}
}

func subsystemName(payload []byte) string {
	var msg struct {
		Name string
	}
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return ""
	}
	return msg.Name
}

func (sess *session) serveSFTP(ch ssh.Channel) {
	h := &fsHandler{sess: sess}
	rs := sftp.NewRequestServer(ch, sftp.Handlers{
		FileGet:  h,
		FilePut:  h,
		FileCmd:  h,
		FileList: h,
	})

	sess.logger.Debug("subsystem_started", "subsystem", "sftp")
	if err := rs.Serve(); err != nil && !errors.Is(err, io.EOF) {
		sess.logger.Debug("subsystem_ended", "error", err)
	}
	_ = rs.Close()
}

// beginOp registers an in-flight operation. It fails once the session is
// closing, so no new operation starts during a drain.
func (sess *session) beginOp() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.authenticated {
		return fs.ErrPermission
	}
	if sess.closing {
		return errSessionClosing
	}
	sess.ops.Add(1)
	return nil
}

func (sess *session) endOp() {
	sess.ops.Done()
}

func (sess *session) isClosing() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.closing
}

// beginClosing stops admitting operations and cancels pending work such as
// an auth evaluation or a throttled transfer wait.
func (sess *session) beginClosing() {
	sess.mu.Lock()
	sess.closing = true
	if sess.state != SessionClosed {
		sess.state = SessionClosing
	}
	sess.mu.Unlock()
	sess.cancel()
}

// waitOps waits for in-flight operations until ctx is done.
func (sess *session) waitOps(ctx context.Context) bool {
	drained := make(chan struct{})
	go func() {
		sess.ops.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return true
	case <-ctx.Done():
		return false
	}
}

// shutdown closes the session on behalf of the server: it drains
// in-flight operations within ctx, then closes the connection.
func (sess *session) shutdown(ctx context.Context) {
	sess.beginClosing()
	if !sess.waitOps(ctx) {
		sess.logger.Warn("session_drain_timeout")
	}
	sess.closeConn()
}

func (sess *session) closeConn() {
	sess.mu.Lock()
	sshConn := sess.sshConn
	sess.mu.Unlock()
	if sshConn != nil {
		_ = sshConn.Close()
	}
	_ = sess.conn.Close()
}

// finish runs when serve returns, whichever side ended the connection.
func (sess *session) finish() {
	sess.beginClosing()

	ctx, cancel := context.WithTimeout(context.Background(), sess.server.drainTimeout)
	if !sess.waitOps(ctx) {
		sess.logger.Warn("session_drain_timeout")
	}
	cancel()
	sess.closeConn()

	sess.mu.Lock()
	sess.state = SessionClosed
	user := sess.user
	sess.mu.Unlock()

	sess.server.removeSession(sess)
	sess.logger.Info("session_closed",
		"user", user,
		"duration", time.Since(sess.startedAt).Round(time.Millisecond).String(),
	)
	sess.release()
}
