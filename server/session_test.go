package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

func TestSessionFileOperations(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "hello.txt"), []byte("hello world"), 0o644), "write")

	s := startTestServer(t, rootDir, WithAuthPolicy(AllowAnonymous()))
	c := dialSFTP(t, s)

	// Download
	f, err := c.Open("/hello.txt")
	fatalIfErr(t, err, "Open")
	data, err := io.ReadAll(f)
	f.Close()
	fatalIfErr(t, err, "read")
	if string(data) != "hello world" {
		t.Errorf("downloaded %q", data)
	}

	// Upload
	payload := bytes.Repeat([]byte("0123456789"), 10000)
	w, err := c.Create("/upload.bin")
	fatalIfErr(t, err, "Create")
	_, err = w.Write(payload)
	fatalIfErr(t, err, "write")
	fatalIfErr(t, w.Close(), "close")

	got, err := os.ReadFile(filepath.Join(rootDir, "upload.bin"))
	fatalIfErr(t, err, "ReadFile")
	if !bytes.Equal(got, payload) {
		t.Errorf("uploaded %d bytes, stored %d", len(payload), len(got))
	}

	// Directories
	fatalIfErr(t, c.Mkdir("/sub"), "Mkdir")
	fatalIfErr(t, c.Rename("/upload.bin", "/sub/moved.bin"), "Rename")

	entries, err := c.ReadDir("/")
	fatalIfErr(t, err, "ReadDir")
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	if want := []string{"hello.txt", "sub"}; !slices.Equal(names, want) {
		t.Errorf("ReadDir(/) = %v, want %v", names, want)
	}

	info, err := c.Stat("/sub/moved.bin")
	fatalIfErr(t, err, "Stat")
	if info.Size() != int64(len(payload)) {
		t.Errorf("Stat size = %d", info.Size())
	}

	fatalIfErr(t, c.Chmod("/hello.txt", 0o600), "Chmod")
	local, err := os.Stat(filepath.Join(rootDir, "hello.txt"))
	fatalIfErr(t, err, "os.Stat")
	if local.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", local.Mode().Perm())
	}

	// Rename never overwrites; PosixRename does
	if err := c.Rename("/hello.txt", "/sub/moved.bin"); err == nil {
		t.Error("Rename onto existing file succeeded")
	}
	fatalIfErr(t, c.PosixRename("/hello.txt", "/sub/moved.bin"), "PosixRename")
	got, err = os.ReadFile(filepath.Join(rootDir, "sub", "moved.bin"))
	fatalIfErr(t, err, "ReadFile")
	if string(got) != "hello world" {
		t.Errorf("after PosixRename target holds %d bytes, want the renamed file", len(got))
	}
	if _, err := os.Stat(filepath.Join(rootDir, "hello.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("PosixRename left the source behind: %v", err)
	}

	fatalIfErr(t, c.Truncate("/sub/moved.bin", 5), "Truncate")
	if info, err := os.Stat(filepath.Join(rootDir, "sub", "moved.bin")); err != nil || info.Size() != 5 {
		t.Errorf("after Truncate: %v, %v", info, err)
	}

	fatalIfErr(t, c.Remove("/sub/moved.bin"), "Remove")
	fatalIfErr(t, c.RemoveDirectory("/sub"), "RemoveDirectory")

	if _, err := c.Stat("/sub"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat removed dir = %v, want not exist", err)
	}

	if err := c.RemoveDirectory("/"); err == nil {
		t.Error("removing the root succeeded")
	}
}

func TestSessionPathEscape(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	outside := t.TempDir()
	fatalIfErr(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("secret"), 0o644), "write")
	fatalIfErr(t, os.Symlink(outside, filepath.Join(rootDir, "link")), "symlink")

	s := startTestServer(t, rootDir, WithAuthPolicy(AllowAnonymous()))
	c := dialSFTP(t, s)

	if _, err := c.Open("/link/secret"); err == nil {
		t.Error("read through escaping symlink succeeded")
	}
	if _, err := c.ReadDir("/link"); err == nil {
		t.Error("listing through escaping symlink succeeded")
	}
	if _, err := c.Create("/link/planted"); err == nil {
		t.Error("create through escaping symlink succeeded")
	}
	if _, err := os.Stat(filepath.Join(outside, "planted")); err == nil {
		t.Error("file was created outside the root")
	}
	if err := c.Symlink("/etc/passwd", "/passwd"); err == nil {
		t.Error("Symlink succeeded")
	}

	// Rename checks both endpoints
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "f"), []byte("inside"), 0o644), "write")
	if err := c.Rename("/f", "/link/planted"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Rename into escaping symlink = %v, want permission denied", err)
	}
	if err := c.PosixRename("/f", "/link/planted"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("PosixRename into escaping symlink = %v, want permission denied", err)
	}
	if _, err := os.Stat(filepath.Join(rootDir, "f")); err != nil {
		t.Errorf("source moved: %v", err)
	}
	if err := c.Rename("/link/secret", "/stolen"); !errors.Is(err, os.ErrPermission) {
		t.Errorf("Rename out of escaping symlink = %v, want permission denied", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "secret")); err != nil {
		t.Errorf("outside file moved: %v", err)
	}
	if _, err := os.Lstat(filepath.Join(rootDir, "stolen")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("outside file appeared in the root: %v", err)
	}

	// "/.." is the root for the client; nothing above it is reachable
	entries, err := c.ReadDir("/../..")
	if err == nil {
		for _, e := range entries {
			if e.Name() == filepath.Base(outside) {
				t.Error("listing escaped the root")
			}
		}
	}
}

func TestSessionReadOnly(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "file.txt"), []byte("data"), 0o644), "write")

	s := startTestServer(t, rootDir, WithAuthPolicy(AllowAnonymous()), WithReadOnly(true))
	c := dialSFTP(t, s)

	if _, err := c.Create("/new.txt"); err == nil {
		t.Error("Create succeeded on read-only server")
	}
	if err := c.Mkdir("/dir"); err == nil {
		t.Error("Mkdir succeeded on read-only server")
	}
	if err := c.Remove("/file.txt"); err == nil {
		t.Error("Remove succeeded on read-only server")
	}

	f, err := c.Open("/file.txt")
	fatalIfErr(t, err, "Open")
	defer f.Close()
	data, err := io.ReadAll(f)
	fatalIfErr(t, err, "read")
	if string(data) != "data" {
		t.Errorf("read %q", data)
	}
}

func TestSessionAuthRejected(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()

	var evaluated atomic.Int32
	policy := PolicyFunc(func(_ context.Context, a Attempt) error {
		evaluated.Add(1)
		return errors.New("denied")
	})
	s := startTestServer(t, rootDir, WithAuthPolicy(policy))

	_, err := dialSSH(s, "mallory", ssh.Password("guess"))
	if err == nil {
		t.Fatal("ssh dial succeeded with rejecting policy")
	}
	if evaluated.Load() == 0 {
		t.Error("policy was never consulted")
	}

	if !waitFor(t, 2*time.Second, func() bool { return len(s.Sessions()) == 0 }) {
		t.Errorf("rejected session still active: %+v", s.Sessions())
	}
	entries, err := os.ReadDir(rootDir)
	fatalIfErr(t, err, "ReadDir")
	if len(entries) != 0 {
		t.Errorf("root changed by rejected client: %v", entries)
	}
}

// failingSigner offers a public key but cannot prove possession of it.
type failingSigner struct {
	ssh.Signer
}

func (failingSigner) Sign(io.Reader, []byte) (*ssh.Signature, error) {
	return nil, errors.New("no private key")
}

func TestSessionPublicKeyWithoutSignature(t *testing.T) {
	t.Parallel()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	fatalIfErr(t, err, "GenerateKey")
	signer, err := ssh.NewSignerFromKey(priv)
	fatalIfErr(t, err, "NewSignerFromKey")

	var queried atomic.Int32
	policy := PolicyFunc(func(_ context.Context, a Attempt) error {
		if a.Method == AuthPublicKey {
			queried.Add(1)
			return nil
		}
		return errors.New("public key required")
	})
	mock := newMockMetricsCollector()
	s := startTestServer(t, t.TempDir(), WithAuthPolicy(policy), WithMetricsCollector(mock))

	if conn, err := dialSSH(s, "tester", ssh.PublicKeys(failingSigner{signer})); err == nil {
		conn.Close()
		t.Fatal("handshake succeeded without a signature")
	}
	if queried.Load() == 0 {
		t.Error("policy never saw the offered key")
	}

	mock.mu.Lock()
	successes := mock.authentications
	mock.mu.Unlock()
	if successes != 0 {
		t.Errorf("recorded %d successful authentications for an unproven key", successes)
	}

	// The same key with a working signer authenticates
	c := dialSFTP(t, s, ssh.PublicKeys(signer))
	if _, err := c.Getwd(); err != nil {
		t.Errorf("Getwd: %v", err)
	}
	mock.mu.Lock()
	successes = mock.authentications
	mock.mu.Unlock()
	if successes != 1 {
		t.Errorf("successful authentications = %d, want 1", successes)
	}
}

func TestSessionPasswordPolicy(t *testing.T) {
	t.Parallel()
	policy := PolicyFunc(func(_ context.Context, a Attempt) error {
		if a.Method == AuthPassword && a.User == "tester" && string(a.Password) == "secret" {
			return nil
		}
		return errors.New("invalid credentials")
	})
	s := startTestServer(t, t.TempDir(), WithAuthPolicy(policy))

	if _, err := dialSSH(s, "tester", ssh.Password("wrong")); err == nil {
		t.Error("wrong password accepted")
	}

	c := dialSFTP(t, s, ssh.Password("secret"))
	if _, err := c.Getwd(); err != nil {
		t.Errorf("Getwd: %v", err)
	}

	// The rejected connection may still be winding down
	var sessions []SessionInfo
	waitFor(t, 2*time.Second, func() bool {
		sessions = s.Sessions()
		return len(sessions) == 1
	})
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %d entries", len(sessions))
	}
	info := sessions[0]
	if info.User != "tester" || !info.Authenticated || info.State != SessionActive {
		t.Errorf("session info = %+v", info)
	}
	if info.HomeRoot != s.root.Dir() {
		t.Errorf("HomeRoot = %q", info.HomeRoot)
	}
}

func TestSessionAuthTimeout(t *testing.T) {
	t.Parallel()
	policy := PolicyFunc(func(ctx context.Context, _ Attempt) error {
		<-ctx.Done()
		time.Sleep(time.Second)
		return nil
	})
	s := startTestServer(t, t.TempDir(),
		WithAuthPolicy(policy),
		WithAuthTimeout(100*time.Millisecond),
		WithMaxAuthTries(1),
	)

	start := time.Now()
	if _, err := dialSSH(s, "slow"); err == nil {
		t.Fatal("dial succeeded although the policy never answered")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("auth timeout took %v", elapsed)
	}
}

func TestSessionUnsupportedChannelRequests(t *testing.T) {
	t.Parallel()
	s := startTestServer(t, t.TempDir(), WithAuthPolicy(AllowAnonymous()))

	conn, err := dialSSH(s, "tester")
	fatalIfErr(t, err, "dial")
	defer conn.Close()

	sess, err := conn.NewSession()
	fatalIfErr(t, err, "NewSession")
	defer sess.Close()
	if err := sess.Run("id"); err == nil {
		t.Error("exec request succeeded")
	}

	if _, _, err := conn.OpenChannel("direct-tcpip", nil); err == nil {
		t.Error("direct-tcpip channel accepted")
	}
}

func TestSessionLimit(t *testing.T) {
	t.Parallel()
	s := startTestServer(t, t.TempDir(), WithAuthPolicy(AllowAnonymous()), WithMaxSessions(1))

	c := dialSFTP(t, s)
	if _, err := c.Getwd(); err != nil {
		t.Fatalf("Getwd: %v", err)
	}

	if conn, err := dialSSH(s, "second"); err == nil {
		conn.Close()
		t.Error("second session accepted beyond the limit")
	}
}

func TestShutdownWithActiveSession(t *testing.T) {
	t.Parallel()
	rootDir := t.TempDir()
	fatalIfErr(t, os.WriteFile(filepath.Join(rootDir, "f"), []byte("x"), 0o644), "write")

	s, err := NewServer(testConfig(t, rootDir), append(testOptions(t),
		WithAuthPolicy(AllowAnonymous()),
		WithDrainTimeout(500*time.Millisecond),
	)...)
	fatalIfErr(t, err, "NewServer")
	fatalIfErr(t, s.Start(), "Start")
	addr := s.Addr().String()

	c := dialSFTP(t, s)
	f, err := c.Open("/f")
	fatalIfErr(t, err, "Open")
	defer f.Close()

	start := time.Now()
	fatalIfErr(t, s.Stop(), "Stop")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop took %v", elapsed)
	}

	if s.IsRunning() {
		t.Error("server still running after Stop")
	}
	if n := len(s.Sessions()); n != 0 {
		t.Errorf("%d sessions left after Stop", n)
	}
	if _, err := c.Stat("/f"); err == nil {
		t.Error("client operation succeeded after Stop")
	}
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("port still accepting after Stop")
	}
}

func TestSessionDrainGate(t *testing.T) {
	t.Parallel()
	s, err := NewServer(testConfig(t, t.TempDir()), append(testOptions(t), WithAuthPolicy(AllowAnonymous()))...)
	fatalIfErr(t, err, "NewServer")
	root, err := NewRoot(s.cfg.RootDir)
	fatalIfErr(t, err, "NewRoot")
	defer root.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	sess := newSession(context.Background(), s, local, root, nil)

	if err := sess.beginOp(); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("beginOp before auth = %v, want permission error", err)
	}
	sess.authenticated = true
	fatalIfErr(t, sess.beginOp(), "beginOp")

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.shutdown(ctx)
		close(done)
	}()

	if !waitFor(t, time.Second, sess.isClosing) {
		t.Fatal("session did not start closing")
	}
	if err := sess.beginOp(); !errors.Is(err, errSessionClosing) {
		t.Errorf("beginOp while closing = %v", err)
	}
	select {
	case <-done:
		t.Fatal("shutdown returned with an operation in flight")
	case <-time.After(50 * time.Millisecond):
	}

	sess.endOp()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not finish after the operation ended")
	}

	// The connection is closed
	if _, err := remote.Read(make([]byte, 1)); err == nil {
		t.Error("connection still open after shutdown")
	}
}

func TestSessionDrainTimeout(t *testing.T) {
	t.Parallel()
	s, err := NewServer(testConfig(t, t.TempDir()), append(testOptions(t), WithAuthPolicy(AllowAnonymous()))...)
	fatalIfErr(t, err, "NewServer")
	root, err := NewRoot(s.cfg.RootDir)
	fatalIfErr(t, err, "NewRoot")
	defer root.Close()

	local, remote := net.Pipe()
	defer remote.Close()
	sess := newSession(context.Background(), s, local, root, nil)
	sess.authenticated = true
	fatalIfErr(t, sess.beginOp(), "beginOp")
	defer sess.endOp()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	sess.shutdown(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("shutdown ignored drain bound: %v", elapsed)
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want error
	}{
		{nil, nil},
		{io.EOF, io.EOF},
		{ErrPathEscape, sftp.ErrSSHFxPermissionDenied},
		{os.ErrPermission, sftp.ErrSSHFxPermissionDenied},
		{&os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}, sftp.ErrSSHFxNoSuchFile},
		{errUnsupported, sftp.ErrSSHFxOpUnsupported},
		{errSessionClosing, sftp.ErrSSHFxConnectionLost},
		{os.ErrExist, sftp.ErrSSHFxFailure},
		{errors.New("disk on fire"), sftp.ErrSSHFxFailure},
	}
	for _, tt := range tests {
		if got := statusError(tt.err); got != tt.want {
			t.Errorf("statusError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestListerAt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var l listerAt
	for _, name := range []string{"a", "b", "c"} {
		p := filepath.Join(dir, name)
		fatalIfErr(t, os.WriteFile(p, nil, 0o644), "write")
		info, err := os.Stat(p)
		fatalIfErr(t, err, "stat")
		l = append(l, info)
	}

	out := make([]os.FileInfo, 2)
	n, err := l.ListAt(out, 0)
	if n != 2 || err != nil {
		t.Errorf("ListAt(0) = %d, %v", n, err)
	}
	n, err = l.ListAt(out, 2)
	if n != 1 || err != io.EOF {
		t.Errorf("ListAt(2) = %d, %v", n, err)
	}
	n, err = l.ListAt(out, 3)
	if n != 0 || err != io.EOF {
		t.Errorf("ListAt(3) = %d, %v", n, err)
	}
}

func TestSessionStateString(t *testing.T) {
	t.Parallel()
	if got := SessionActive.String(); got != "active" {
		t.Errorf("SessionActive.String() = %q", got)
	}
	if got := SessionState(9).String(); got != "SessionState(9)" {
		t.Errorf("unknown state = %q", got)
	}
}
