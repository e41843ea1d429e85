package server

import (
	"errors"
	"fmt"

	"github.com/gonzalop/sftpd/internal/hostkey"
)

var (
	// ErrServerClosed is returned by ListenAndServe after Stop or Shutdown.
	ErrServerClosed = errors.New("sftpd: server closed")

	// ErrServerRunning is returned by Start when the server is not stopped.
	ErrServerRunning = errors.New("sftpd: server already started")

	// ErrPathEscape is returned by Root.Resolve for any client path that
	// would resolve outside the configured root directory.
	ErrPathEscape = errors.New("sftpd: path escapes root")

	// ErrKeyStoreCorrupt is returned by Start when the host key file exists
	// but cannot be used.
	ErrKeyStoreCorrupt = hostkey.ErrKeyStoreCorrupt

	// ErrKeyStoreUnwritable is returned by Start when a generated host key
	// cannot be persisted.
	ErrKeyStoreUnwritable = hostkey.ErrKeyStoreUnwritable

	// errSessionClosing refuses new operations on a session that is shutting down.
	errSessionClosing = errors.New("sftpd: session closing")

	// errUnsupported marks SFTP requests the server does not implement.
	errUnsupported = errors.New("sftpd: operation not supported")
)

// BindError reports that the listening socket could not be opened.
// Start does not retry; the usual causes (port in use, missing privilege)
// are persistent.
type BindError struct {
	// Addr is the address Start tried to listen on.
	Addr string

	// Err is the underlying listen error.
	Err error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("sftpd: bind %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying listen error.
func (e *BindError) Unwrap() error {
	return e.Err
}

// RejectError is the outcome of an authentication attempt refused by the
// AuthPolicy. It never escapes the session that produced it.
type RejectError struct {
	// Reason is a short, loggable explanation.
	Reason string

	// Err is the policy error, if any.
	Err error
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	return "sftpd: authentication rejected: " + e.Reason
}

// Unwrap returns the policy error.
func (e *RejectError) Unwrap() error {
	return e.Err
}
