package server

import (
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// freePort returns a TCP port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "listen")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// testConfig returns a loopback configuration serving rootDir.
func testConfig(t *testing.T, rootDir string) Config {
	t.Helper()
	return Config{Host: "127.0.0.1", Port: freePort(t), RootDir: rootDir}
}

// testOptions uses a fast Ed25519 key in a per-test key store and a
// silent logger.
func testOptions(t *testing.T) []Option {
	t.Helper()
	return []Option{
		WithHostKeyFile(filepath.Join(t.TempDir(), "hostkey.pem")),
		WithHostKeyAlgorithm(HostKeyEd25519),
		WithLogger(slog.New(slog.DiscardHandler)),
	}
}

// startTestServer starts a server over rootDir and stops it at cleanup.
func startTestServer(t *testing.T, rootDir string, opts ...Option) *Server {
	t.Helper()
	s, err := NewServer(testConfig(t, rootDir), append(testOptions(t), opts...)...)
	fatalIfErr(t, err, "NewServer")
	fatalIfErr(t, s.Start(), "Start")
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// dialSSH opens an SSH connection to s as user, pinning its host key.
func dialSSH(s *Server, user string, auth ...ssh.AuthMethod) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.FixedHostKey(s.HostKey().Signer.PublicKey()),
		Timeout:         5 * time.Second,
	}
	return ssh.Dial("tcp", s.Addr().String(), cfg)
}

// dialSFTP opens an SFTP client on s and closes it at cleanup.
func dialSFTP(t *testing.T, s *Server, auth ...ssh.AuthMethod) *sftp.Client {
	t.Helper()
	conn, err := dialSSH(s, "tester", auth...)
	fatalIfErr(t, err, "ssh dial")
	c, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		t.Fatalf("sftp client: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		conn.Close()
	})
	return c
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
