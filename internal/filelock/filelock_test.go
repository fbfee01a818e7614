package filelock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.xml")

	lock, err := Acquire(context.Background(), path, Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.FileExists(t, path+Suffix)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, path+Suffix)

	// second release is a no-op
	require.NoError(t, lock.Release())
}

func TestAcquire_TimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.xml")

	held, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), path, Options{Timeout: 60 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.xml")

	held, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = held.Release()
	}()

	lock, err := Acquire(context.Background(), path, Options{Timeout: 2 * time.Second, PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestAcquire_ContextCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.xml")

	held, err := Acquire(context.Background(), path, Options{})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Acquire(ctx, path, Options{Timeout: time.Second})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquire_MissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "import.xml")

	_, err := Acquire(context.Background(), path, Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLockTimeout))
}

func TestWith_ReleasesOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "import.xml")
	boom := errors.New("boom")

	err := With(context.Background(), path, Options{}, func() error {
		assert.FileExists(t, path+Suffix)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoFileExists(t, path+Suffix)
}

func TestWith_MutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := With(context.Background(), path, Options{Timeout: 5 * time.Second, PollInterval: time.Millisecond}, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
