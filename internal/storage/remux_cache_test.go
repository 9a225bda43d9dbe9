package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidrelay/internal/models"
)

var baseTime = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, maxBytes int64) *RemuxCache {
	t.Helper()

	c, err := NewRemuxCache(t.TempDir(), maxBytes, 0.8)
	require.NoError(t, err)
	return c
}

// putArtifact publishes size bytes for url with the given access time.
func putArtifact(t *testing.T, c *RemuxCache, url string, size int, access time.Time) string {
	t.Helper()

	src := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, os.WriteFile(src, []byte(strings.Repeat("x", size)), 0o640))

	path, err := c.Publish(src, url)
	require.NoError(t, err)
	require.NoError(t, os.Chtimes(path, access, access))
	return path
}

func TestNewRemuxCache_Validation(t *testing.T) {
	_, err := NewRemuxCache(t.TempDir(), 0, 0.8)
	assert.Error(t, err)

	_, err = NewRemuxCache(t.TempDir(), 100, 0)
	assert.Error(t, err)

	_, err = NewRemuxCache(t.TempDir(), 100, 1.2)
	assert.Error(t, err)
}

func TestRemuxCache_PathFor(t *testing.T) {
	dir := t.TempDir()
	c1, err := NewRemuxCache(dir, 100, 0.8)
	require.NoError(t, err)
	c2, err := NewRemuxCache(dir, 100, 0.8)
	require.NoError(t, err)

	url := "http://example.com/video.mkv"

	t.Run("stable across calls and instances", func(t *testing.T) {
		assert.Equal(t, c1.PathFor(url), c1.PathFor(url))
		assert.Equal(t, c1.PathFor(url), c2.PathFor(url))
	})

	t.Run("digest named with mp4 extension", func(t *testing.T) {
		p := c1.PathFor(url)
		assert.Equal(t, c1.Dir(), filepath.Dir(p))
		assert.Equal(t, Key(url)+".mp4", filepath.Base(p))
		assert.Len(t, Key(url), 64)
	})

	t.Run("different urls differ", func(t *testing.T) {
		assert.NotEqual(t, c1.PathFor(url), c1.PathFor(url+"?x=1"))
	})
}

func TestRemuxCache_IsCached(t *testing.T) {
	c := newTestCache(t, 1000)
	url := "http://example.com/a.mkv"

	assert.False(t, c.IsCached(url))

	t.Run("zero byte file is not cached", func(t *testing.T) {
		require.NoError(t, os.WriteFile(c.PathFor(url), nil, 0o640))
		assert.False(t, c.IsCached(url))
		require.NoError(t, os.Remove(c.PathFor(url)))
	})

	putArtifact(t, c, url, 10, baseTime)
	assert.True(t, c.IsCached(url))
}

func TestRemuxCache_Open(t *testing.T) {
	now := baseTime.Add(time.Hour)
	c := newTestCache(t, 1000).WithClock(func() time.Time { return now })
	url := "http://example.com/a.mkv"

	t.Run("missing artifact is a miss", func(t *testing.T) {
		_, _, err := c.Open(url)
		assert.ErrorIs(t, err, models.ErrCacheMiss)
	})

	path := putArtifact(t, c, url, 25, baseTime)

	f, info, err := c.Open(url)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int64(25), info.Size())
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Len(t, data, 25)

	t.Run("open refreshes access time", func(t *testing.T) {
		st, err := os.Stat(path)
		require.NoError(t, err)
		assert.True(t, st.ModTime().Equal(now))
	})
}

func TestRemuxCache_Publish_RejectsEmpty(t *testing.T) {
	c := newTestCache(t, 1000)
	src := filepath.Join(t.TempDir(), "empty.mp4")
	require.NoError(t, os.WriteFile(src, nil, 0o640))

	_, err := c.Publish(src, "http://example.com/a.mkv")
	assert.Error(t, err)
	assert.False(t, c.IsCached("http://example.com/a.mkv"))
}

func TestRemuxCache_EvictIfOverBudget(t *testing.T) {
	t.Run("under budget evicts nothing", func(t *testing.T) {
		c := newTestCache(t, 100)
		putArtifact(t, c, "http://e/1.mkv", 40, baseTime)
		putArtifact(t, c, "http://e/2.mkv", 60, baseTime.Add(time.Minute))

		res, err := c.EvictIfOverBudget(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Evicted)
		assert.Equal(t, int64(100), res.BytesAfter)
	})

	t.Run("evicts least recently accessed down to low water", func(t *testing.T) {
		c := newTestCache(t, 100)
		// Access order oldest to newest: 3, 1, 4, 2.
		putArtifact(t, c, "http://e/1.mkv", 30, baseTime.Add(1*time.Minute))
		putArtifact(t, c, "http://e/2.mkv", 30, baseTime.Add(3*time.Minute))
		putArtifact(t, c, "http://e/3.mkv", 30, baseTime)
		putArtifact(t, c, "http://e/4.mkv", 30, baseTime.Add(2*time.Minute))

		res, err := c.EvictIfOverBudget(context.Background())
		require.NoError(t, err)

		require.Len(t, res.Evicted, 2)
		assert.Equal(t, Key("http://e/3.mkv"), res.Evicted[0].Key)
		assert.Equal(t, Key("http://e/1.mkv"), res.Evicted[1].Key)
		assert.Equal(t, int64(120), res.BytesBefore)
		assert.Equal(t, int64(60), res.BytesAfter)
		assert.Equal(t, int64(60), res.FreedBytes)

		assert.False(t, c.IsCached("http://e/3.mkv"))
		assert.False(t, c.IsCached("http://e/1.mkv"))
		assert.True(t, c.IsCached("http://e/4.mkv"))
		assert.True(t, c.IsCached("http://e/2.mkv"))
	})

	t.Run("reading an entry protects it from the next pass", func(t *testing.T) {
		now := baseTime.Add(time.Hour)
		c := newTestCache(t, 100).WithClock(func() time.Time { return now })
		putArtifact(t, c, "http://e/old.mkv", 60, baseTime)
		putArtifact(t, c, "http://e/new.mkv", 60, baseTime.Add(time.Minute))

		f, _, err := c.Open("http://e/old.mkv")
		require.NoError(t, err)
		f.Close()

		res, err := c.EvictIfOverBudget(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Evicted, 1)
		assert.Equal(t, Key("http://e/new.mkv"), res.Evicted[0].Key)
		assert.True(t, c.IsCached("http://e/old.mkv"))
	})

	t.Run("total never exceeds ceiling for any sequence", func(t *testing.T) {
		for _, ceiling := range []int64{50, 101, 333, 1000} {
			t.Run(fmt.Sprintf("ceiling_%d", ceiling), func(t *testing.T) {
				c := newTestCache(t, ceiling)
				for i := 0; i < 20; i++ {
					putArtifact(t, c, fmt.Sprintf("http://e/%d.mkv", i), 10+i*3, baseTime.Add(time.Duration(i)*time.Second))
					_, err := c.EvictIfOverBudget(context.Background())
					require.NoError(t, err)

					stats, err := c.Stats()
					require.NoError(t, err)
					assert.LessOrEqual(t, stats.TotalBytes, ceiling)
				}
			})
		}
	})

	t.Run("work directory is never scanned", func(t *testing.T) {
		c := newTestCache(t, 10)
		work, err := c.WorkDir("job")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(work, "partial.mp4"), []byte(strings.Repeat("x", 100)), 0o640))

		res, err := c.EvictIfOverBudget(context.Background())
		require.NoError(t, err)
		assert.Empty(t, res.Evicted)

		_, err = os.Stat(filepath.Join(work, "partial.mp4"))
		assert.NoError(t, err)
	})

	t.Run("cancelled context stops eviction", func(t *testing.T) {
		c := newTestCache(t, 10)
		putArtifact(t, c, "http://e/1.mkv", 30, baseTime)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.EvictIfOverBudget(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRemuxCache_StatsAndClear(t *testing.T) {
	c := newTestCache(t, 1000)
	putArtifact(t, c, "http://e/1.mkv", 10, baseTime)
	putArtifact(t, c, "http://e/2.mkv", 20, baseTime.Add(time.Minute))
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir(), "notes.txt"), []byte("ignored"), 0o640))

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, int64(30), stats.TotalBytes)
	assert.Equal(t, int64(1000), stats.MaxBytes)
	require.NotNil(t, stats.Oldest)
	assert.True(t, stats.Oldest.Equal(baseTime))

	removed, err := c.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats, err = c.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)
	assert.Nil(t, stats.Oldest)
}

func TestRemuxCache_Remove(t *testing.T) {
	c := newTestCache(t, 1000)
	putArtifact(t, c, "http://e/1.mkv", 10, baseTime)

	require.NoError(t, c.Remove("http://e/1.mkv"))
	assert.False(t, c.IsCached("http://e/1.mkv"))
	assert.NoError(t, c.Remove("http://e/1.mkv"), "removing a missing entry is not an error")
}
