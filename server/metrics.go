package server

import "time"

// MetricsCollector is an optional interface for collecting server metrics.
// Implementations can send metrics to monitoring systems like Prometheus,
// StatsD, DataDog, etc.
//
// All methods are called from session goroutines and should be
// non-blocking. If a method takes significant time, it should dispatch the
// work asynchronously.
//
// The server checks for a nil collector before calling methods, so
// implementations don't need to handle nil receivers.
type MetricsCollector interface {
	// RecordConnection records a connection attempt at the listener.
	// accepted indicates whether a session was created for it.
	// reason provides context ("accepted", "session_limit_reached",
	// "server_stopping").
	RecordConnection(accepted bool, reason string)

	// RecordAuthentication records a rejected authentication attempt, or
	// the accepted one once the SSH handshake has completed.
	RecordAuthentication(success bool, user string, method AuthMethod)

	// RecordSessionActive is called with +1 when a session becomes active
	// and -1 when an active session closes.
	RecordSessionActive(delta int)

	// RecordRequest records an SFTP request.
	// method is the SFTP request method ("Get", "Put", "List", "Rename", ...).
	RecordRequest(method string, success bool, duration time.Duration)

	// RecordTransfer records a finished file transfer.
	// direction is "download" or "upload".
	RecordTransfer(direction string, bytes int64, duration time.Duration)
}
