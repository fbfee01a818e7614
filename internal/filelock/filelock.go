// Package filelock implements advisory, timeout-bounded locks backed by marker files.
//
// A lock for path P is the file P+".lock" created with O_CREATE|O_EXCL. Any process
// sharing the filesystem observes the same marker, so the lock also serializes
// writers running in different API replicas.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"
)

// Suffix is appended to the guarded path to name the marker file.
const Suffix = ".lock"

const (
	defaultTimeout      = 10 * time.Second
	defaultPollInterval = 20 * time.Millisecond
	maxPollInterval     = 500 * time.Millisecond
)

// ErrLockTimeout is returned when the lock could not be acquired before the timeout.
var ErrLockTimeout = errors.New("lock timeout")

// Options tunes acquisition.
type Options struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	return o
}

// Lock is a held lock. Release must be called exactly once; extra calls are no-ops.
type Lock struct {
	path string
	once sync.Once
	err  error
}

// MarkerPath returns the marker file guarding path.
func MarkerPath(path string) string {
	return path + Suffix
}

// Acquire takes the lock for path, polling with backoff until opts.Timeout elapses.
func Acquire(ctx context.Context, path string, opts Options) (*Lock, error) {
	opts = opts.withDefaults()
	marker := MarkerPath(path)
	deadline := time.Now().Add(opts.Timeout)
	wait := opts.PollInterval

	for {
		f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()) + " " + time.Now().UTC().Format(time.RFC3339Nano))
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(marker)
				return nil, fmt.Errorf("close lock marker %s: %w", marker, cerr)
			}
			return &Lock{path: marker}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create lock marker %s: %w", marker, err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w: %s held for more than %s", ErrLockTimeout, path, opts.Timeout)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		wait *= 2
		if wait > maxPollInterval {
			wait = maxPollInterval
		}
	}
}

// Path returns the marker file path.
func (l *Lock) Path() string {
	return l.path
}

// Release removes the marker file. A marker already removed by a forced cleanup
// is not an error.
func (l *Lock) Release() error {
	l.once.Do(func() {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			l.err = fmt.Errorf("remove lock marker %s: %w", l.path, err)
		}
	})
	return l.err
}

// With runs fn while holding the lock for path. The lock is released on every
// return path, including a panic inside fn.
func With(ctx context.Context, path string, opts Options, fn func() error) (err error) {
	lock, err := Acquire(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}
