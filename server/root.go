package server

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxSymlinkHops bounds symlink expansion while canonicalizing a path.
const maxSymlinkHops = 255

// Root confines client-visible paths to one local directory.
//
// Security Model:
//   - Client paths are virtual: "/" is the root directory itself
//   - Lexical ".." that climbs above "/" is rejected, never clamped
//   - The joined path is canonicalized with symlink resolution and must
//     still lie under the canonical root, so links pointing outside the
//     root are rejected, including dangling ones used as creation targets
//   - File operations run through an *os.Root handle, so a link swapped in
//     after the check still cannot lead the kernel out of the root
//
// Root holds no mutable state and is safe for concurrent use. Close
// releases the directory handle.
type Root struct {
	dir    string   // canonical absolute path
	handle *os.Root // jail for every file operation
}

// NewRoot returns a Root for dir. The directory must exist.
func NewRoot(dir string) (*Root, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, fmt.Errorf("root path validation failed: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path is not a directory: %s", dir)
	}

	// Open the root directory safely
	handle, err := os.OpenRoot(canon)
	if err != nil {
		return nil, fmt.Errorf("failed to open root: %w", err)
	}
	return &Root{dir: canon, handle: handle}, nil
}

// Close closes the underlying root directory handle.
func (r *Root) Close() error {
	return r.handle.Close()
}

// Dir returns the canonical root directory.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve maps a client path to a local path under the root.
//
// It returns ErrPathEscape when the path, after lexical cleaning and after
// resolving every symbolic link along it, would point outside the root.
// The returned path is the lexical join of the root and the cleaned client
// path; its canonical form has been verified to stay inside the root.
func (r *Root) Resolve(clientPath string) (string, error) {
	rel, err := r.rel(clientPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.dir, rel), nil
}

// rel applies the Resolve checks and returns the path relative to the root
// directory, in the form r.handle expects ("." for the root itself).
func (r *Root) rel(clientPath string) (string, error) {
	rel, err := relativePath(clientPath)
	if err != nil {
		return "", err
	}

	canon, err := canonicalize(filepath.Join(r.dir, rel))
	if err != nil {
		return "", err
	}
	if !within(r.dir, canon) {
		return "", ErrPathEscape
	}
	return rel, nil
}

// relativePath cleans a client path into a local relative path.
func relativePath(clientPath string) (string, error) {
	if strings.IndexByte(clientPath, 0) >= 0 {
		return "", ErrPathEscape
	}

	p := strings.TrimLeft(clientPath, "/")
	if p == "" {
		return ".", nil
	}
	p = path.Clean(p)
	if escapes(p, "/") {
		return "", ErrPathEscape
	}

	rel := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" || escapes(rel, string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return rel, nil
}

func escapes(rel, sep string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+sep)
}

// within reports whether p is dir or lies below it.
func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && !escapes(rel, string(filepath.Separator))
}

// canonicalize resolves every symbolic link in the absolute path p.
// Unlike filepath.EvalSymlinks it tolerates missing trailing components,
// which are appended lexically since nothing below them exists.
func canonicalize(p string) (string, error) {
	sep := string(filepath.Separator)
	vol := filepath.VolumeName(p)
	resolved := vol + sep
	pending := strings.Split(p[len(vol):], sep)

	hops := 0
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]

		switch name {
		case "", ".":
			continue
		case "..":
			resolved = filepath.Dir(resolved)
			continue
		}

		next := filepath.Join(resolved, name)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			return filepath.Join(append([]string{next}, pending...)...), nil
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("%w: too many levels of symbolic links", ErrPathEscape)
		}
		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if filepath.IsAbs(target) {
			tvol := filepath.VolumeName(target)
			resolved = tvol + sep
			target = target[len(tvol):]
		}
		pending = append(strings.Split(target, sep), pending...)
	}
	return resolved, nil
}
