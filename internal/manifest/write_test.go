package manifest

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := Resolve(AssetGraph{
		Entry:   "src/index.ts",
		Outputs: []Output{{Path: "index-a1b2c3.js", Entry: "src/index.ts"}},
	}, true)
	require.NoError(t, err)
	return m
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("writes manifest and leaves no temp or lock files", func(t *testing.T) {
		dir := t.TempDir()
		err := Write(ctx, dir, DefaultName, testManifest(t))
		require.NoError(t, err)

		data, err := os.ReadFile(filepath.Join(dir, DefaultName))
		require.NoError(t, err)
		assert.JSONEq(t, `{"src/index.ts":"index-a1b2c3.js"}`, string(data))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, DefaultName, entries[0].Name())

		info, err := os.Stat(filepath.Join(dir, DefaultName))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
	})

	t.Run("rewriting produces identical bytes", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Write(ctx, dir, DefaultName, testManifest(t)))
		first, err := os.ReadFile(filepath.Join(dir, DefaultName))
		require.NoError(t, err)

		require.NoError(t, Write(ctx, dir, DefaultName, testManifest(t)))
		second, err := os.ReadFile(filepath.Join(dir, DefaultName))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("missing directory is a write error", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "missing")
		err := Write(ctx, dir, DefaultName, testManifest(t))
		require.ErrorIs(t, err, ErrWrite)

		var writeErr *WriteError
		require.ErrorAs(t, err, &writeErr)
		assert.Equal(t, filepath.Join(dir, DefaultName), writeErr.Path)
	})

	t.Run("nil manifest", func(t *testing.T) {
		err := Write(ctx, t.TempDir(), DefaultName, nil)
		require.ErrorIs(t, err, ErrWrite)
	})

	t.Run("read only directory leaves previous manifest intact", func(t *testing.T) {
		if runtime.GOOS == "windows" || os.Geteuid() == 0 {
			t.Skip("permission checks are not enforced")
		}

		dir := t.TempDir()
		previous := []byte(`{"src/index.ts":"index-old.js"}`)
		require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultName), previous, 0644))
		require.NoError(t, os.Chmod(dir, 0500))
		t.Cleanup(func() { _ = os.Chmod(dir, 0700) })

		err := Write(ctx, dir, DefaultName, testManifest(t))
		require.ErrorIs(t, err, ErrWrite)

		data, err := os.ReadFile(filepath.Join(dir, DefaultName))
		require.NoError(t, err)
		assert.Equal(t, previous, data)
	})
}

func TestWrite_Lock(t *testing.T) {
	ctx := context.Background()

	t.Run("fails when the lock is held past the timeout", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(LockPath(dir, DefaultName), []byte("1"), 0600))

		err := Write(ctx, dir, DefaultName, testManifest(t),
			WithLockTimeout(200*time.Millisecond),
			WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)),
		)
		require.ErrorIs(t, err, ErrWrite)
		assert.Contains(t, err.Error(), "locked")

		_, err = os.Stat(filepath.Join(dir, DefaultName))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("waits for the lock to be released", func(t *testing.T) {
		dir := t.TempDir()
		lockPath := LockPath(dir, DefaultName)
		require.NoError(t, os.WriteFile(lockPath, []byte("1"), 0600))

		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = os.Remove(lockPath)
		}()

		err := Write(ctx, dir, DefaultName, testManifest(t),
			WithLockTimeout(5*time.Second),
			WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)),
		)
		require.NoError(t, err)

		_, err = os.Stat(filepath.Join(dir, DefaultName))
		require.NoError(t, err)
		_, err = os.Stat(lockPath)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("removes an existing manifest", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Write(ctx, dir, DefaultName, testManifest(t)))

		require.NoError(t, Remove(ctx, dir, DefaultName))

		_, err := os.Stat(filepath.Join(dir, DefaultName))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(LockPath(dir, DefaultName))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing manifest is a no-op", func(t *testing.T) {
		require.NoError(t, Remove(ctx, t.TempDir(), DefaultName))
	})

	t.Run("waits for the lock and fails past the timeout", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, Write(ctx, dir, DefaultName, testManifest(t)))
		require.NoError(t, os.WriteFile(LockPath(dir, DefaultName), []byte("1"), 0600))

		err := Remove(ctx, dir, DefaultName,
			WithLockTimeout(100*time.Millisecond),
			WithBackOff(backoff.NewConstantBackOff(20*time.Millisecond)),
		)
		require.ErrorIs(t, err, ErrWrite)

		_, err = os.Stat(filepath.Join(dir, DefaultName))
		require.NoError(t, err)
	})
}
