package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// DefaultLockTimeout bounds how long Write waits for another build to release
// the output directory.
const DefaultLockTimeout = 30 * time.Second

type writeOptions struct {
	lockTimeout time.Duration
	backOff     backoff.BackOff
}

// WriteOption configures Write.
type WriteOption func(*writeOptions)

// WithLockTimeout overrides DefaultLockTimeout.
func WithLockTimeout(d time.Duration) WriteOption {
	return func(o *writeOptions) {
		if d > 0 {
			o.lockTimeout = d
		}
	}
}

// WithBackOff overrides the backoff used while waiting for the lock.
func WithBackOff(b backoff.BackOff) WriteOption {
	return func(o *writeOptions) {
		o.backOff = b
	}
}

// LockPath returns the lock file guarding manifest emission in dir.
func LockPath(dir, name string) string {
	return filepath.Join(dir, "."+name+".lock")
}

// Write emits the manifest to dir/name.
//
// The output directory is held exclusively for the duration of the write and
// the manifest only becomes visible through an atomic rename, so readers never
// observe a partial file. Every failure is reported as a *WriteError.
func Write(ctx context.Context, dir, name string, m *Manifest, opts ...WriteOption) error {
	target := filepath.Join(dir, name)

	if m == nil {
		return &WriteError{Path: target, Err: errors.New("manifest is nil")}
	}

	o := newWriteOptions(opts)

	data, err := m.Encode()
	if err != nil {
		return &WriteError{Path: target, Err: fmt.Errorf("failed to encode manifest: %w", err)}
	}

	release, err := acquireLock(ctx, LockPath(dir, name), o)
	if err != nil {
		return &WriteError{Path: target, Err: err}
	}
	defer release()

	if err := writeAtomic(target, data); err != nil {
		return &WriteError{Path: target, Err: err}
	}

	zerolog.Ctx(ctx).Info().Str("path", target).Int("entries", m.Len()).Msg("Wrote manifest")
	return nil
}

// Remove deletes dir/name under the same lock Write takes, so a build that
// does not emit a manifest never leaves one describing an earlier build. A
// missing manifest is not an error. Every failure is reported as a *WriteError.
func Remove(ctx context.Context, dir, name string, opts ...WriteOption) error {
	target := filepath.Join(dir, name)

	if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	release, err := acquireLock(ctx, LockPath(dir, name), newWriteOptions(opts))
	if err != nil {
		return &WriteError{Path: target, Err: err}
	}
	defer release()

	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &WriteError{Path: target, Err: fmt.Errorf("failed to remove stale manifest: %w", err)}
	}

	zerolog.Ctx(ctx).Info().Str("path", target).Msg("Removed stale manifest")
	return nil
}

func newWriteOptions(opts []WriteOption) *writeOptions {
	o := &writeOptions{lockTimeout: DefaultLockTimeout}
	for _, opt := range opts {
		opt(o)
	}
	if o.backOff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 50 * time.Millisecond
		eb.MaxInterval = time.Second
		o.backOff = eb
	}
	return o
}

func acquireLock(ctx context.Context, lockPath string, o *writeOptions) (func(), error) {
	log := zerolog.Ctx(ctx)

	lock, err := backoff.Retry(ctx, func() (*os.File, error) {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, fs.ErrExist) {
			log.Debug().Str("lock", lockPath).Msg("Output directory locked, waiting")
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(o.backOff),
		backoff.WithMaxElapsedTime(o.lockTimeout),
	)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("output directory is locked by another build (%s): %w", lockPath, err)
		}
		return nil, fmt.Errorf("failed to lock output directory: %w", err)
	}

	if _, err := lock.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		log.Warn().Err(err).Str("lock", lockPath).Msg("Failed to record pid in lock file")
	}

	return func() {
		if err := lock.Close(); err != nil {
			log.Warn().Err(err).Str("lock", lockPath).Msg("Failed to close lock file")
		}
		if err := os.Remove(lockPath); err != nil {
			log.Warn().Err(err).Str("lock", lockPath).Msg("Failed to remove lock file")
		}
	}, nil
}

// writeAtomic writes data next to target and renames it into place.
func writeAtomic(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename manifest into place: %w", err)
	}

	return nil
}
