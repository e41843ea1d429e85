// Package hostkey manages the server's persistent SSH host key.
//
// A key store is a single file holding one OpenSSH-encoded private key.
// The file is generated on first use and loaded on every later start, so a
// given file always yields the same key pair until it is deleted. The key
// algorithm is recovered from the stored key and checked against the
// algorithm the caller expects; a mismatch is reported as corruption rather
// than silently replaced.
package hostkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrKeyStoreCorrupt is returned when a key store file exists but does not
	// hold a usable key of the expected algorithm.
	ErrKeyStoreCorrupt = errors.New("hostkey: key store corrupt")

	// ErrKeyStoreUnwritable is returned when a freshly generated key could not
	// be persisted.
	ErrKeyStoreUnwritable = errors.New("hostkey: key store unwritable")
)

// Algorithm identifies the asymmetric signature scheme of a host key.
type Algorithm string

const (
	RSA     Algorithm = "rsa"
	ECDSA   Algorithm = "ecdsa"
	Ed25519 Algorithm = "ed25519"
)

// DefaultRSABits is the modulus size used for generated RSA keys.
const DefaultRSABits = 3072

// ParseAlgorithm converts a configuration value into an Algorithm.
// The empty string selects RSA.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch Algorithm(s) {
	case "", RSA:
		return RSA, nil
	case ECDSA, Ed25519:
		return Algorithm(s), nil
	}
	return "", fmt.Errorf("hostkey: unknown algorithm %q", s)
}

// DefaultPath returns the key store file name used for a listening port.
// The name is relative, so it resolves against the working directory.
func DefaultPath(port int) string {
	return fmt.Sprintf("hostkey%d.pem", port)
}

// Record is a loaded or generated host key.
type Record struct {
	// Path is the key store file the key lives in.
	Path string

	// Algorithm is the signature scheme of the key.
	Algorithm Algorithm

	// Signer proves the server identity during the SSH handshake.
	Signer ssh.Signer

	// Generated is true when the key was created by this call.
	Generated bool
}

// Fingerprint returns the SHA256 fingerprint of the public key in the
// format printed by ssh-keygen.
func (r *Record) Fingerprint() string {
	return ssh.FingerprintSHA256(r.Signer.PublicKey())
}

type options struct {
	rsaBits int
	comment string
}

// Option customizes key generation.
type Option func(*options)

// WithRSABits sets the modulus size for generated RSA keys.
func WithRSABits(bits int) Option {
	return func(o *options) {
		o.rsaBits = bits
	}
}

// WithComment sets the comment embedded in generated keys.
func WithComment(comment string) Option {
	return func(o *options) {
		o.comment = comment
	}
}

// LoadOrGenerate returns the host key stored at path, generating and
// persisting a new key of the given algorithm when the file does not exist.
//
// Errors wrap ErrKeyStoreCorrupt when an existing file cannot be used and
// ErrKeyStoreUnwritable when a generated key cannot be saved.
func LoadOrGenerate(path string, alg Algorithm, opts ...Option) (*Record, error) {
	if path == "" {
		return nil, fmt.Errorf("hostkey: empty key store path")
	}
	o := options{rsaBits: DefaultRSABits, comment: "sftpd host key"}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return load(path, data, alg)
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
		// Nothing stored yet; a blocked parent surfaces as unwritable.
		return generate(path, alg, o)
	default:
		return nil, fmt.Errorf("%w: read %s: %v", ErrKeyStoreCorrupt, path, err)
	}
}

func load(path string, data []byte, want Algorithm) (*Record, error) {
	raw, err := ssh.ParseRawPrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrKeyStoreCorrupt, path, err)
	}

	got, err := algorithmOf(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyStoreCorrupt, path, err)
	}
	if got != want {
		return nil, fmt.Errorf("%w: %s holds a %s key, expected %s", ErrKeyStoreCorrupt, path, got, want)
	}

	signer, err := ssh.NewSignerFromKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrKeyStoreCorrupt, path, err)
	}

	return &Record{Path: path, Algorithm: got, Signer: signer}, nil
}

func algorithmOf(key any) (Algorithm, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return RSA, nil
	case *ecdsa.PrivateKey:
		return ECDSA, nil
	case ed25519.PrivateKey, *ed25519.PrivateKey:
		return Ed25519, nil
	}
	return "", fmt.Errorf("unsupported key type %T", key)
}

func generate(path string, alg Algorithm, o options) (*Record, error) {
	var key crypto.Signer
	var err error
	switch alg {
	case RSA:
		key, err = rsa.GenerateKey(rand.Reader, o.rsaBits)
	case ECDSA:
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case Ed25519:
		_, key, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, fmt.Errorf("hostkey: unknown algorithm %q", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("hostkey: generate %s key: %w", alg, err)
	}

	block, err := ssh.MarshalPrivateKey(key, o.comment)
	if err != nil {
		return nil, fmt.Errorf("hostkey: encode %s key: %w", alg, err)
	}
	if err := writeFileAtomic(path, pem.EncodeToMemory(block)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyStoreUnwritable, err)
	}

	signer, err := ssh.NewSignerFromSigner(key)
	if err != nil {
		return nil, fmt.Errorf("hostkey: signer: %w", err)
	}

	return &Record{Path: path, Algorithm: alg, Signer: signer, Generated: true}, nil
}

// writeFileAtomic writes data next to path and renames it into place, so a
// crash never leaves a partially written key store behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	committed = true
	return nil
}
