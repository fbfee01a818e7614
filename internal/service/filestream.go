package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/timmy/exchange1c/internal/filelock"
)

// CompleteMarker is written into a session directory once its import cycle finished.
const CompleteMarker = ".exchange_complete"

var sessionKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// FileStreamConfig configures upload storage.
type FileStreamConfig struct {
	BaseDir   string
	FileLimit int64
	Lock      filelock.Options
}

// FileStreamService stores the chunked uploads of one exchange session:
// one directory per session key, one append-only file per uploaded name.
type FileStreamService struct {
	cfg        FileStreamConfig
	sessionKey string
	dir        string
}

// NewFileStreamService binds upload storage to sessionKey.
func NewFileStreamService(cfg FileStreamConfig, sessionKey string) (*FileStreamService, error) {
	if sessionKey == "" {
		return nil, fmt.Errorf("%w: empty session key", ErrInvalidArgument)
	}
	if !sessionKeyPattern.MatchString(sessionKey) || strings.Trim(sessionKey, ".") == "" {
		return nil, fmt.Errorf("%w: session key %q", ErrInvalidArgument, sessionKey)
	}
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("%w: empty upload directory", ErrInvalidArgument)
	}
	return &FileStreamService{
		cfg:        cfg,
		sessionKey: sessionKey,
		dir:        filepath.Join(cfg.BaseDir, sessionKey),
	}, nil
}

// SessionKey returns the session the service is bound to.
func (s *FileStreamService) SessionKey() string {
	return s.sessionKey
}

// Dir returns the session directory.
func (s *FileStreamService) Dir() string {
	return s.dir
}

// FileLimit returns the per-file byte limit, 0 meaning unlimited.
func (s *FileStreamService) FileLimit() int64 {
	return s.cfg.FileLimit
}

// SanitizeFilename reduces an uploaded name to its base name. Names with
// traversal segments, control characters or reserved suffixes are rejected.
func SanitizeFilename(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeFilename)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
		}
	}
	if strings.ContainsAny(name, "\x00\r\n") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}

	base := path.Base(name)
	if base == "." || base == "/" || strings.HasPrefix(base, ".") || strings.HasSuffix(base, filelock.Suffix) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeFilename, name)
	}
	return base, nil
}

func (s *FileStreamService) resolve(filename string) (string, string, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return "", "", err
	}
	return name, filepath.Join(s.dir, name), nil
}

// AppendChunk appends data to filename under the file lock and returns the
// number of bytes written. A chunk that would push the file past the limit is
// rejected whole.
func (s *FileStreamService) AppendChunk(ctx context.Context, filename string, data []byte) (int64, error) {
	w, err := s.OpenForWrite(ctx, filename)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.BytesWritten(), nil
}

// OpenForWrite takes the file lock and opens filename for appending. All writes
// through the returned writer share that one lock acquisition; Close commits
// and Abort rolls the file back to its size at open time. Both release the lock.
func (s *FileStreamService) OpenForWrite(ctx context.Context, filename string) (*UploadWriter, error) {
	name, full, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	lock, err := filelock.Acquire(ctx, full, s.cfg.Lock)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		_ = lock.Release()
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	return &UploadWriter{
		name:    name,
		path:    full,
		file:    f,
		lock:    lock,
		initial: info.Size(),
		limit:   s.cfg.FileLimit,
	}, nil
}

// UploadWriter appends to one upload slot while holding its lock.
type UploadWriter struct {
	name    string
	path    string
	file    *os.File
	lock    *filelock.Lock
	initial int64
	written int64
	limit   int64
	closed  bool
}

// Name is the sanitized file name.
func (w *UploadWriter) Name() string {
	return w.name
}

// Write appends p. It fails with ErrPayloadTooLarge, writing nothing of p, when
// the file would exceed the configured limit.
func (w *UploadWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, os.ErrClosed
	}
	if w.limit > 0 && w.initial+w.written+int64(len(p)) > w.limit {
		return 0, fmt.Errorf("%w: %s exceeds %d bytes", ErrPayloadTooLarge, w.name, w.limit)
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
}

// BytesWritten reports bytes appended through this writer.
func (w *UploadWriter) BytesWritten() int64 {
	return w.written
}

// Close syncs the file and releases the lock.
func (w *UploadWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if rerr := w.lock.Release(); err == nil {
		err = rerr
	}
	return err
}

// Abort truncates the file back to its size at open time and releases the lock.
func (w *UploadWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true

	err := w.file.Truncate(w.initial)
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if w.initial == 0 {
		if rerr := os.Remove(w.path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) && err == nil {
			err = rerr
		}
	}
	if rerr := w.lock.Release(); err == nil {
		err = rerr
	}
	w.written = 0
	return err
}

// FileSize returns the size of filename, 0 if it does not exist.
func (s *FileStreamService) FileSize(filename string) (int64, error) {
	_, full, err := s.resolve(filename)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// FileExists reports whether filename was uploaded in this session.
func (s *FileStreamService) FileExists(filename string) bool {
	_, full, err := s.resolve(filename)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Open opens an uploaded file for reading.
func (s *FileStreamService) Open(filename string) (*os.File, error) {
	_, full, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	return os.Open(full)
}

// ReadAll reads a whole upload. Only for files already checked against the limit.
func (s *FileStreamService) ReadAll(filename string) ([]byte, error) {
	f, err := s.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// WithReadLock runs fn on filename opened for reading while holding its file
// lock, so a concurrent append cannot be observed half-written.
func (s *FileStreamService) WithReadLock(ctx context.Context, filename string, fn func(f *os.File, size int64) error) error {
	_, full, err := s.resolve(filename)
	if err != nil {
		return err
	}
	return filelock.With(ctx, full, s.cfg.Lock, func() error {
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return fn(f, info.Size())
	})
}

// ListFiles returns uploaded file names sorted, without lock or cycle markers.
func (s *FileStreamService) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || isMarker(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// MarkComplete flags the session's cycle as finished; the next init wipes it.
func (s *FileStreamService) MarkComplete() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, CompleteMarker), nil, 0o644)
}

// IsComplete reports whether MarkComplete ran since the last cleanup.
func (s *FileStreamService) IsComplete() bool {
	_, err := os.Stat(filepath.Join(s.dir, CompleteMarker))
	return err == nil
}

// CleanupSession deletes the session's uploads and returns how many files were
// removed. Without force, files with a live lock marker are kept and the
// directory survives. A missing directory yields 0.
func (s *FileStreamService) CleanupSession(force bool) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	locked := make(map[string]bool)
	if !force {
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), filelock.Suffix) {
				locked[strings.TrimSuffix(e.Name(), filelock.Suffix)] = true
			}
		}
	}

	removed := 0
	var firstErr error
	for _, e := range entries {
		name := e.Name()
		if isMarker(name) || locked[name] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, name)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}

	if force {
		if err := os.RemoveAll(s.dir); err != nil && firstErr == nil {
			firstErr = err
		}
	} else if len(locked) == 0 {
		_ = os.Remove(filepath.Join(s.dir, CompleteMarker))
	}
	return removed, firstErr
}

func isMarker(name string) bool {
	return name == CompleteMarker || strings.HasSuffix(name, filelock.Suffix)
}
