// Package server implements an embeddable SFTP server.
//
// # Overview
//
// The server speaks SSH-2 with the "sftp" subsystem and serves exactly one
// local directory. It allows you to:
//   - Embed an SFTP server into your Go application
//   - Decide every authentication attempt with your own AuthPolicy
//   - Keep a stable host key across restarts (generated on first start)
//   - Stop gracefully: in-flight operations finish within a bounded drain
//
// # Getting Started
//
//	package main
//
//	import (
//	    "log"
//	    "github.com/gonzalop/sftpd/server"
//	)
//
//	func main() {
//	    s, err := server.NewServer(server.Config{Port: 2222, RootDir: "/srv/data"},
//	        server.WithAuthPolicy(server.AllowAnonymous()),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//
//	    log.Println("Starting SFTP server on :2222")
//	    if err := s.ListenAndServe(); err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Authentication
//
// There is no implicit policy; WithAuthPolicy is required. A policy sees
// each attempt (user, method, password or public key, remote address) and
// returns nil to accept:
//
//	policy := server.PolicyFunc(func(ctx context.Context, a server.Attempt) error {
//	    if a.Method == server.AuthPublicKey && isAuthorized(a.User, a.PublicKey) {
//	        return nil
//	    }
//	    return errors.New("not authorized")
//	})
//
// Evaluations are bounded by WithAuthTimeout. AllowAnonymous accepts every
// client and should only be used on trusted networks.
//
// # Root Confinement
//
// Client paths are virtual: "/" is the root directory. A path is rejected
// with a permission error when lexical ".." climbs above "/" or when a
// symbolic link along it resolves outside the root. File operations then
// run through an os.Root handle on the root directory, so the kernel keeps
// them inside even if the tree changes after the check. Clients cannot
// create links and cannot read link targets.
//
// # Host Key
//
// The host key is stored in an OpenSSH private key file (by default
// hostkey<port>.pem in the working directory). It is created atomically with
// mode 0600 when missing and loaded on every later start. A file that
// exists but cannot be parsed makes Start fail with ErrKeyStoreCorrupt; it
// is never overwritten.
//
// # Server Configuration
//
//	s, _ := server.NewServer(cfg,
//	    server.WithAuthPolicy(policy),
//	    server.WithMaxSessions(100),                 // Limit concurrent sessions
//	    server.WithDrainTimeout(10*time.Second),     // Bound Stop
//	    server.WithBandwidthLimit(0, 1<<20),         // 1 MiB/s per session
//	    server.WithReadOnly(true),                   // Downloads only
//	)
//
// # Troubleshooting
//
// Problem: clients warn that the host key changed
//   - Solution: keep the key store file between restarts; deleting it
//     generates a new identity
//
// Problem: Start fails with a BindError
//   - Solution: another process owns the port, or the port is privileged
//     (below 1024) and the server lacks the right to bind it
package server
