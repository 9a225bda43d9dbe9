package startup

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrefix = "remux-"

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mkdirAged creates dir with a file inside and backdates the dir mtime.
func mkdirAged(t *testing.T, dir string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "source"), []byte("partial"), 0o644))

	// Creating the file updates the dir mtime, so backdate afterwards.
	ts := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, ts, ts))
}

func TestCleanupOrphanedWorkDirs(t *testing.T) {
	t.Run("removes old work directories", func(t *testing.T) {
		baseDir := t.TempDir()
		oldDir := filepath.Join(baseDir, testPrefix+"123456")
		mkdirAged(t, oldDir, 2*time.Hour)

		count, err := CleanupOrphanedWorkDirs(newTestLogger(), baseDir, testPrefix, time.Hour)
		require.NoError(t, err)

		assert.Equal(t, 1, count)
		assert.NoDirExists(t, oldDir)
	})

	t.Run("preserves recent work directories", func(t *testing.T) {
		baseDir := t.TempDir()
		recentDir := filepath.Join(baseDir, testPrefix+"654321")
		mkdirAged(t, recentDir, 30*time.Minute)

		count, err := CleanupOrphanedWorkDirs(newTestLogger(), baseDir, testPrefix, time.Hour)
		require.NoError(t, err)

		assert.Zero(t, count)
		assert.DirExists(t, recentDir)
	})

	t.Run("zero max age removes every match", func(t *testing.T) {
		baseDir := t.TempDir()
		fresh := filepath.Join(baseDir, testPrefix+"fresh")
		mkdirAged(t, fresh, 0)

		count, err := CleanupOrphanedWorkDirs(newTestLogger(), baseDir, testPrefix, 0)
		require.NoError(t, err)

		assert.Equal(t, 1, count)
		assert.NoDirExists(t, fresh)
	})

	t.Run("ignores other entries", func(t *testing.T) {
		baseDir := t.TempDir()
		other := filepath.Join(baseDir, "keep-me")
		mkdirAged(t, other, 2*time.Hour)
		file := filepath.Join(baseDir, testPrefix+"file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

		count, err := CleanupOrphanedWorkDirs(newTestLogger(), baseDir, testPrefix, time.Hour)
		require.NoError(t, err)

		assert.Zero(t, count)
		assert.DirExists(t, other)
		assert.FileExists(t, file)
	})

	t.Run("missing base directory", func(t *testing.T) {
		count, err := CleanupOrphanedWorkDirs(newTestLogger(), filepath.Join(t.TempDir(), "absent"), testPrefix, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}
