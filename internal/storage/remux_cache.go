package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/vidrelay/internal/metrics"
	"github.com/jmylchreest/vidrelay/internal/models"
)

const (
	// ArtifactExt is the extension of every cached remux.
	ArtifactExt = ".mp4"

	// workDirName holds private per-job directories. It is hidden so cache
	// scans never see files that are still being written.
	workDirName = ".work"
)

// RemuxCache stores remuxed artifacts keyed by the SHA-256 digest of the
// source URL. Files are published by atomic rename and never modified after.
// Last access is tracked in the file mtime.
type RemuxCache struct {
	sandbox  *Sandbox
	maxBytes int64
	lowWater int64
	logger   *slog.Logger
	now      func() time.Time

	// evictMu serializes eviction passes; readers never take it.
	evictMu sync.Mutex
}

// NewRemuxCache creates a cache in dir bounded by maxBytes. Eviction drains
// the cache to lowWaterRatio of maxBytes.
func NewRemuxCache(dir string, maxBytes int64, lowWaterRatio float64) (*RemuxCache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("cache size must be positive, got %d", maxBytes)
	}
	if lowWaterRatio <= 0 || lowWaterRatio > 1 {
		return nil, fmt.Errorf("low water ratio must be in (0, 1], got %v", lowWaterRatio)
	}

	sandbox, err := NewSandbox(dir)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	return &RemuxCache{
		sandbox:  sandbox,
		maxBytes: maxBytes,
		lowWater: int64(float64(maxBytes) * lowWaterRatio),
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

// WithLogger sets the logger for the cache.
func (c *RemuxCache) WithLogger(logger *slog.Logger) *RemuxCache {
	c.logger = logger
	return c
}

// WithClock sets the time source used to stamp access times.
func (c *RemuxCache) WithClock(now func() time.Time) *RemuxCache {
	c.now = now
	return c
}

// Dir returns the absolute cache directory.
func (c *RemuxCache) Dir() string {
	return c.sandbox.BaseDir()
}

// MaxBytes returns the configured ceiling.
func (c *RemuxCache) MaxBytes() int64 {
	return c.maxBytes
}

// Key returns the digest that names the artifact for sourceURL.
func Key(sourceURL string) string {
	sum := sha256.Sum256([]byte(sourceURL))
	return hex.EncodeToString(sum[:])
}

func artifactName(sourceURL string) string {
	return Key(sourceURL) + ArtifactExt
}

// PathFor returns the absolute artifact path for sourceURL. It depends only
// on the URL and the cache directory, so it is stable across restarts.
func (c *RemuxCache) PathFor(sourceURL string) string {
	return filepath.Join(c.sandbox.BaseDir(), artifactName(sourceURL))
}

// IsCached reports whether a non-empty artifact exists for sourceURL.
func (c *RemuxCache) IsCached(sourceURL string) bool {
	info, err := c.sandbox.Stat(artifactName(sourceURL))
	return err == nil && info.Mode().IsRegular() && info.Size() > 0
}

// Open opens the artifact for sourceURL and records the access.
// A missing or empty artifact returns models.ErrCacheMiss.
func (c *RemuxCache) Open(sourceURL string) (*os.File, os.FileInfo, error) {
	name := artifactName(sourceURL)

	f, err := c.sandbox.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, models.ErrCacheMiss
		}
		return nil, nil, fmt.Errorf("opening cached artifact: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat cached artifact: %w", err)
	}
	if info.Size() == 0 {
		f.Close()
		return nil, nil, models.ErrCacheMiss
	}

	// The handle stays valid even if eviction unlinks the file now.
	if err := c.sandbox.Touch(name, c.now()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Debug("failed to record cache access",
			slog.String("path", f.Name()),
			slog.String("error", err.Error()),
		)
	}

	return f, info, nil
}

// WorkDir creates a private directory for an in-progress remux. It lives
// inside the cache volume so publishing is a same-filesystem rename.
func (c *RemuxCache) WorkDir(prefix string) (string, error) {
	return c.sandbox.MkdirTemp(workDirName, prefix+"-*")
}

// WorkRoot returns the absolute parent of all work directories.
func (c *RemuxCache) WorkRoot() string {
	return filepath.Join(c.sandbox.BaseDir(), workDirName)
}

// Publish atomically moves a finished file into the cache for sourceURL and
// returns the artifact path. Empty files are rejected.
func (c *RemuxCache) Publish(srcAbsPath, sourceURL string) (string, error) {
	info, err := os.Stat(srcAbsPath)
	if err != nil {
		return "", fmt.Errorf("stat remux output: %w", err)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("refusing to publish empty file %s", srcAbsPath)
	}

	if err := c.sandbox.AtomicPublish(srcAbsPath, artifactName(sourceURL)); err != nil {
		return "", fmt.Errorf("publishing artifact: %w", err)
	}
	return c.PathFor(sourceURL), nil
}

// Remove deletes the artifact for sourceURL if present.
func (c *RemuxCache) Remove(sourceURL string) error {
	err := c.sandbox.Remove(artifactName(sourceURL))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Entries lists every published artifact, least recently accessed first.
func (c *RemuxCache) Entries() ([]models.CacheEntry, error) {
	dirEntries, err := c.sandbox.List(".")
	if err != nil {
		return nil, err
	}

	entries := make([]models.CacheEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ArtifactExt {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed since the listing.
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}
		entries = append(entries, models.CacheEntry{
			Key:        strings.TrimSuffix(name, ArtifactExt),
			Path:       filepath.Join(c.sandbox.BaseDir(), name),
			Size:       info.Size(),
			LastAccess: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].LastAccess.Equal(entries[j].LastAccess) {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].LastAccess.Before(entries[j].LastAccess)
	})

	return entries, nil
}

// EvictIfOverBudget deletes least recently accessed artifacts when the total
// size exceeds the ceiling, until the total is at or below the low-water mark.
func (c *RemuxCache) EvictIfOverBudget(ctx context.Context) (models.EvictionResult, error) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	var result models.EvictionResult

	entries, err := c.Entries()
	if err != nil {
		return result, fmt.Errorf("scanning cache: %w", err)
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}
	result.BytesBefore = total
	result.BytesAfter = total

	if total <= c.maxBytes {
		return result, nil
	}

	for _, e := range entries {
		if total <= c.lowWater {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := c.sandbox.Remove(filepath.Base(e.Path)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn("failed to evict cache entry",
					slog.String("path", e.Path),
					slog.String("error", err.Error()),
				)
				continue
			}
		}

		total -= e.Size
		result.FreedBytes += e.Size
		result.Evicted = append(result.Evicted, e)
	}
	result.BytesAfter = total

	metrics.CacheEvictionsTotal.Add(float64(len(result.Evicted)))
	metrics.CacheEvictedBytesTotal.Add(float64(result.FreedBytes))
	metrics.CacheSizeBytes.Set(float64(total))

	c.logger.Info("cache eviction completed",
		slog.Int("evicted", len(result.Evicted)),
		slog.Int64("freed_bytes", result.FreedBytes),
		slog.Int64("bytes_after", result.BytesAfter),
		slog.Int64("max_bytes", c.maxBytes),
	)

	return result, nil
}

// Stats summarizes the current cache contents.
func (c *RemuxCache) Stats() (models.CacheStats, error) {
	entries, err := c.Entries()
	if err != nil {
		return models.CacheStats{}, err
	}

	stats := models.CacheStats{Entries: len(entries), MaxBytes: c.maxBytes}
	for _, e := range entries {
		stats.TotalBytes += e.Size
	}
	if len(entries) > 0 {
		oldest := entries[0].LastAccess
		newest := entries[len(entries)-1].LastAccess
		stats.Oldest = &oldest
		stats.Newest = &newest
	}

	metrics.CacheEntries.Set(float64(stats.Entries))
	metrics.CacheSizeBytes.Set(float64(stats.TotalBytes))
	return stats, nil
}

// Clear deletes every published artifact and returns how many were removed.
// Work directories are left alone.
func (c *RemuxCache) Clear() (int, error) {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()

	entries, err := c.Entries()
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if err := c.sandbox.Remove(filepath.Base(e.Path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}
