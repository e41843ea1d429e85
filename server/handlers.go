package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gonzalop/sftpd/internal/ratelimit"
	"github.com/pkg/sftp"
)

// Transfer directions reported to MetricsCollector.RecordTransfer.
const (
	directionDownload = "download"
	directionUpload   = "upload"
)

var (
	errIsDirectory  = errors.New("is a directory")
	errNotDirectory = errors.New("not a directory")
)

// fsHandler serves the SFTP requests of one session against its root.
// Every client path goes through the Root checks, and every file operation
// runs through the root handle.
type fsHandler struct {
	sess *session
}

var (
	_ sftp.OpenFileWriter       = (*fsHandler)(nil)
	_ sftp.PosixRenameFileCmder = (*fsHandler)(nil)
)

// run executes one request under the session operation gate and maps the
// outcome to an SFTP status.
func (h *fsHandler) run(r *sftp.Request, fn func() error) error {
	if err := h.sess.beginOp(); err != nil {
		return statusError(err)
	}
	defer h.sess.endOp()

	start := time.Now()
	err := fn()
	h.record(r, err, time.Since(start))
	return statusError(err)
}

func (h *fsHandler) record(r *sftp.Request, err error, d time.Duration) {
	if m := h.sess.server.metrics; m != nil {
		m.RecordRequest(r.Method, err == nil, d)
	}
	if err == nil {
		return
	}

	if errors.Is(err, ErrPathEscape) {
		// Security audit: client tried to leave the root
		h.sess.logger.Warn("path_escape_rejected",
			"method", r.Method,
			"path", r.Filepath,
			"target", r.Target,
		)
		return
	}
	h.sess.logger.Debug("request_failed",
		"method", r.Method,
		"path", r.Filepath,
		"error", err,
	)
}

// mutable fails for sessions of a read-only server.
func (h *fsHandler) mutable() error {
	if h.sess.server.readOnly {
		return fs.ErrPermission
	}
	return nil
}

// Fileread opens a file for download.
func (h *fsHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	var tf *transferFile
	err := h.run(r, func() error {
		rel, err := h.sess.root.rel(r.Filepath)
		if err != nil {
			return err
		}
		file, err := h.sess.root.handle.Open(rel)
		if err != nil {
			return err
		}
		if info, err := file.Stat(); err == nil && info.IsDir() {
			file.Close()
			return errIsDirectory
		}
		tf = h.sess.newTransfer(file, r.Filepath, directionDownload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// Filewrite opens a file for upload.
func (h *fsHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	tf, err := h.open(r, false)
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// OpenFile opens a file for reading and writing.
func (h *fsHandler) OpenFile(r *sftp.Request) (sftp.WriterAtReaderAt, error) {
	tf, err := h.open(r, true)
	if err != nil {
		return nil, err
	}
	return tf, nil
}

func (h *fsHandler) open(r *sftp.Request, read bool) (*transferFile, error) {
	var tf *transferFile
	err := h.run(r, func() error {
		if err := h.mutable(); err != nil {
			return err
		}
		rel, err := h.sess.root.rel(r.Filepath)
		if err != nil {
			return err
		}

		pflags := r.Pflags()
		flag := os.O_WRONLY
		if read || pflags.Read {
			flag = os.O_RDWR
		}
		if pflags.Creat {
			flag |= os.O_CREATE
		}
		if pflags.Trunc {
			flag |= os.O_TRUNC
		}
		if pflags.Excl {
			flag |= os.O_EXCL
		}

		file, err := h.sess.root.handle.OpenFile(rel, flag, 0o644)
		if err != nil {
			return err
		}
		tf = h.sess.newTransfer(file, r.Filepath, directionUpload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tf, nil
}

// Filecmd handles requests that do not transfer data.
func (h *fsHandler) Filecmd(r *sftp.Request) error {
	return h.run(r, func() error {
		switch r.Method {
		case "Setstat":
			return h.setstat(r)
		case "Rename":
			return h.rename(r, false)
		case "Rmdir":
			return h.remove(r, true)
		case "Remove":
			return h.remove(r, false)
		case "Mkdir":
			return h.mkdir(r)
		default:
			// Link and Symlink would let clients plant paths out of the root.
			return errUnsupported
		}
	})
}

// PosixRename handles the posix-rename extension, which replaces an
// existing target.
func (h *fsHandler) PosixRename(r *sftp.Request) error {
	return h.run(r, func() error {
		return h.rename(r, true)
	})
}

func (h *fsHandler) setstat(r *sftp.Request) error {
	if err := h.mutable(); err != nil {
		return err
	}
	rel, err := h.sess.root.rel(r.Filepath)
	if err != nil {
		return err
	}
	root := h.sess.root.handle

	flags := r.AttrFlags()
	attrs := r.Attributes()
	if flags.Size {
		if err := truncate(root, rel, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.Permissions {
		if err := root.Chmod(rel, fs.FileMode(attrs.Mode).Perm()); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		if err := root.Chtimes(rel, time.Unix(int64(attrs.Atime), 0), time.Unix(int64(attrs.Mtime), 0)); err != nil {
			return err
		}
	}
	// Ownership changes are ignored; files stay owned by the server user.
	return nil
}

// truncate changes the size of the file at rel; os.Root has no Truncate.
func truncate(root *os.Root, rel string, size int64) error {
	f, err := root.OpenFile(rel, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (h *fsHandler) rename(r *sftp.Request, overwrite bool) error {
	if err := h.mutable(); err != nil {
		return err
	}
	src, err := h.sess.root.rel(r.Filepath)
	if err != nil {
		return err
	}
	dst, err := h.sess.root.rel(r.Target)
	if err != nil {
		return err
	}
	if isRoot(src) || isRoot(dst) {
		return fs.ErrPermission
	}
	root := h.sess.root.handle
	if !overwrite {
		if _, err := root.Lstat(dst); err == nil {
			return fs.ErrExist
		}
	}
	return root.Rename(src, dst)
}

func (h *fsHandler) remove(r *sftp.Request, dir bool) error {
	if err := h.mutable(); err != nil {
		return err
	}
	rel, err := h.sess.root.rel(r.Filepath)
	if err != nil {
		return err
	}
	if isRoot(rel) {
		return fs.ErrPermission
	}

	root := h.sess.root.handle
	info, err := root.Lstat(rel)
	if err != nil {
		return err
	}
	switch {
	case dir && !info.IsDir():
		return errNotDirectory
	case !dir && info.IsDir():
		return errIsDirectory
	}
	return root.Remove(rel)
}

func (h *fsHandler) mkdir(r *sftp.Request) error {
	if err := h.mutable(); err != nil {
		return err
	}
	rel, err := h.sess.root.rel(r.Filepath)
	if err != nil {
		return err
	}
	return h.sess.root.handle.Mkdir(rel, 0o755)
}

// isRoot reports whether rel names the root directory itself.
func isRoot(rel string) bool {
	return rel == "."
}

// Filelist handles directory listings and stat requests.
func (h *fsHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	var l listerAt
	err := h.run(r, func() error {
		rel, err := h.sess.root.rel(r.Filepath)
		if err != nil {
			return err
		}
		root := h.sess.root.handle

		switch r.Method {
		case "List":
			l, err = readDir(root, rel)
			if err != nil {
				return err
			}
		case "Stat":
			info, err := root.Stat(rel)
			if err != nil {
				return err
			}
			l = listerAt{info}
		case "Lstat":
			info, err := root.Lstat(rel)
			if err != nil {
				return err
			}
			l = listerAt{info}
		default:
			// Readlink would disclose link targets outside the root.
			return errUnsupported
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

// readDir lists the directory rel of root.
func readDir(root *os.Root, rel string) (listerAt, error) {
	dir, err := root.Open(rel)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	entries, err := dir.ReadDir(-1)
	if err != nil {
		return nil, err
	}
	l := make(listerAt, 0, len(entries))
	for _, e := range entries {
		// Entries removed since ReadDir are skipped.
		if info, err := root.Lstat(filepath.Join(rel, e.Name())); err == nil {
			l = append(l, info)
		}
	}
	return l, nil
}

// listerAt serves a fixed slice of file infos.
type listerAt []fs.FileInfo

// ListAt copies entries starting at offset into out. It returns io.EOF
// once the listing is exhausted.
func (l listerAt) ListAt(out []fs.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(out, l[offset:])
	if n < len(out) {
		return n, io.EOF
	}
	return n, nil
}

// statusError maps a local error to the SFTP status sent to the client.
// Local paths and OS error text never reach the wire.
func statusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return io.EOF
	case errors.Is(err, ErrPathEscape), errors.Is(err, fs.ErrPermission):
		return sftp.ErrSSHFxPermissionDenied
	case errors.Is(err, fs.ErrNotExist):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, errUnsupported):
		return sftp.ErrSSHFxOpUnsupported
	case errors.Is(err, errSessionClosing), errors.Is(err, context.Canceled):
		return sftp.ErrSSHFxConnectionLost
	default:
		return sftp.ErrSSHFxFailure
	}
}

// transferFile is an open file handle of a session. Each read and write
// passes the session operation gate and the bandwidth limiters. Bytes read
// count as a download and bytes written as an upload.
type transferFile struct {
	sess      *session
	file      *os.File
	r         io.ReaderAt
	w         io.WriterAt
	path      string
	direction string // reported when nothing was transferred
	start     time.Time
	read      atomic.Int64
	written   atomic.Int64
	closeOnce sync.Once
	closeErr  error
}

func (sess *session) newTransfer(file *os.File, path, direction string) *transferFile {
	limiters := []*ratelimit.Limiter{sess.server.globalLimiter, sess.limiter}
	return &transferFile{
		sess:      sess,
		file:      file,
		r:         ratelimit.NewReaderAt(sess.ctx, file, limiters...),
		w:         ratelimit.NewWriterAt(sess.ctx, file, limiters...),
		path:      path,
		direction: direction,
		start:     time.Now(),
	}
}

func (t *transferFile) ReadAt(p []byte, off int64) (int, error) {
	if err := t.sess.beginOp(); err != nil {
		return 0, statusError(err)
	}
	defer t.sess.endOp()

	n, err := t.r.ReadAt(p, off)
	t.read.Add(int64(n))
	if err != nil && err != io.EOF {
		err = statusError(err)
	}
	return n, err
}

func (t *transferFile) WriteAt(p []byte, off int64) (int, error) {
	if err := t.sess.beginOp(); err != nil {
		return 0, statusError(err)
	}
	defer t.sess.endOp()

	n, err := t.w.WriteAt(p, off)
	t.written.Add(int64(n))
	if err != nil {
		err = statusError(err)
	}
	return n, err
}

// Close closes the file and records the transfer.
func (t *transferFile) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.file.Close()

		duration := time.Since(t.start)
		read, written := t.read.Load(), t.written.Load()
		if read > 0 {
			t.report(directionDownload, read, duration)
		}
		if written > 0 {
			t.report(directionUpload, written, duration)
		}
		if read == 0 && written == 0 {
			t.report(t.direction, 0, duration)
		}
	})
	return t.closeErr
}

func (t *transferFile) report(direction string, bytes int64, duration time.Duration) {
	if m := t.sess.server.metrics; m != nil {
		m.RecordTransfer(direction, bytes, duration)
	}
	t.sess.logger.Info("transfer_complete",
		"direction", direction,
		"path", t.path,
		"bytes", bytes,
		"duration_ms", duration.Milliseconds(),
	)
}
