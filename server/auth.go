package server

import (
	"context"
	"errors"
	"net"

	"golang.org/x/crypto/ssh"
)

// AuthMethod is the SSH user authentication method of an attempt.
type AuthMethod string

const (
	AuthNone      AuthMethod = "none"
	AuthPassword  AuthMethod = "password"
	AuthPublicKey AuthMethod = "publickey"
)

// Attempt describes one authentication attempt on a connection.
// A client may make several attempts (one per method it tries) before the
// connection is either accepted or closed.
type Attempt struct {
	// SessionID identifies the server-side session of the connection.
	SessionID string

	// User is the user name presented by the client.
	User string

	// RemoteAddr is the client network address.
	RemoteAddr net.Addr

	// ClientVersion is the SSH version banner of the client.
	ClientVersion string

	// Method is the authentication method being attempted.
	Method AuthMethod

	// Password is set for AuthPassword attempts.
	Password []byte

	// PublicKey is set for AuthPublicKey attempts. The policy sees each key
	// once, usually on the client's unsigned query; the transport caches
	// the decision and later only checks the signature, so accepting a key
	// here does not mean the client holds it.
	PublicKey ssh.PublicKey
}

// AuthPolicy decides whether a connection attempt may proceed.
//
// Evaluate returns nil to accept and a non-nil error to reject; the error
// text is recorded as the rejection reason. Policies are called
// concurrently for simultaneous connections and must be stateless or
// internally synchronized. Evaluate should return promptly once ctx is
// done; the server rejects attempts that outlive the auth timeout.
//
// To implement password or public key checks, implement this interface
// (or use PolicyFunc) and pass it with WithAuthPolicy:
//
//	policy := server.PolicyFunc(func(ctx context.Context, a server.Attempt) error {
//	    if a.Method == server.AuthPassword && checkPassword(a.User, a.Password) {
//	        return nil
//	    }
//	    return errors.New("invalid credentials")
//	})
type AuthPolicy interface {
	Evaluate(ctx context.Context, a Attempt) error
}

// PolicyFunc adapts an ordinary function to the AuthPolicy interface.
type PolicyFunc func(ctx context.Context, a Attempt) error

// Evaluate calls f(ctx, a).
func (f PolicyFunc) Evaluate(ctx context.Context, a Attempt) error {
	return f(ctx, a)
}

// AllowAnonymous returns a policy that accepts every attempt, including
// ones that present no credentials at all.
//
// WARNING: any client that can reach the port gets full access to the
// root directory. Use it only on trusted networks, or combine it with
// WithReadOnly.
func AllowAnonymous() AuthPolicy {
	return PolicyFunc(func(context.Context, Attempt) error {
		return nil
	})
}

// evaluate runs the policy for a under the auth timeout.
func (s *Server) evaluate(parent context.Context, a Attempt) error {
	ctx, cancel := context.WithTimeout(parent, s.authTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- s.policy.Evaluate(ctx, a)
	}()

	select {
	case err := <-result:
		if err != nil {
			return &RejectError{Reason: err.Error(), Err: err}
		}
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &RejectError{Reason: "auth timeout", Err: ctx.Err()}
		}
		return &RejectError{Reason: "server shutting down", Err: ctx.Err()}
	}
}
