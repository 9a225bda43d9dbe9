package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/vidrelay/internal/models"
)

// CacheAdmin inspects and trims the remux cache.
type CacheAdmin interface {
	Stats() (models.CacheStats, error)
	EvictIfOverBudget(ctx context.Context) (models.EvictionResult, error)
	Clear() (int, error)
}

// CacheHandler handles cache API endpoints.
type CacheHandler struct {
	cache CacheAdmin
}

// NewCacheHandler creates a new cache handler.
func NewCacheHandler(cache CacheAdmin) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// Register registers the cache routes with the API.
func (h *CacheHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getCacheStats",
		Method:      "GET",
		Path:        "/api/v1/cache",
		Summary:     "Get cache statistics",
		Description: "Returns the number and total size of cached remuxes",
		Tags:        []string{"Cache"},
	}, h.GetStats)

	huma.Register(api, huma.Operation{
		OperationID: "evictCache",
		Method:      "POST",
		Path:        "/api/v1/cache/evict",
		Summary:     "Run cache eviction",
		Description: "Evicts least recently used remuxes if the cache is over its size limit",
		Tags:        []string{"Cache"},
	}, h.Evict)

	huma.Register(api, huma.Operation{
		OperationID: "clearCache",
		Method:      "DELETE",
		Path:        "/api/v1/cache",
		Summary:     "Clear cache",
		Description: "Deletes every cached remux",
		Tags:        []string{"Cache"},
	}, h.Clear)
}

// CacheStatsResponse is the cache summary.
type CacheStatsResponse struct {
	models.CacheStats
	TotalSize    string  `json:"total_size"`
	MaxSize      string  `json:"max_size"`
	UsagePercent float64 `json:"usage_percent"`
}

// GetCacheStatsInput is the input for cache statistics.
type GetCacheStatsInput struct{}

// GetCacheStatsOutput is the output for cache statistics.
type GetCacheStatsOutput struct {
	Body CacheStatsResponse
}

// GetStats returns cache statistics.
func (h *CacheHandler) GetStats(ctx context.Context, input *GetCacheStatsInput) (*GetCacheStatsOutput, error) {
	stats, err := h.cache.Stats()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to read cache", err)
	}

	resp := CacheStatsResponse{
		CacheStats: stats,
		TotalSize:  humanize.IBytes(uint64(stats.TotalBytes)),
		MaxSize:    humanize.IBytes(uint64(stats.MaxBytes)),
	}
	if stats.MaxBytes > 0 {
		resp.UsagePercent = float64(stats.TotalBytes) / float64(stats.MaxBytes) * 100
	}
	return &GetCacheStatsOutput{Body: resp}, nil
}

// EvictCacheInput is the input for eviction.
type EvictCacheInput struct{}

// EvictCacheOutput is the output for eviction.
type EvictCacheOutput struct {
	Body struct {
		Evicted     int    `json:"evicted"`
		FreedBytes  int64  `json:"freed_bytes"`
		Freed       string `json:"freed"`
		BytesBefore int64  `json:"bytes_before"`
		BytesAfter  int64  `json:"bytes_after"`
	}
}

// Evict runs one eviction pass.
func (h *CacheHandler) Evict(ctx context.Context, input *EvictCacheInput) (*EvictCacheOutput, error) {
	result, err := h.cache.EvictIfOverBudget(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("eviction failed", err)
	}

	resp := &EvictCacheOutput{}
	resp.Body.Evicted = len(result.Evicted)
	resp.Body.FreedBytes = result.FreedBytes
	resp.Body.Freed = humanize.IBytes(uint64(result.FreedBytes))
	resp.Body.BytesBefore = result.BytesBefore
	resp.Body.BytesAfter = result.BytesAfter
	return resp, nil
}

// ClearCacheInput is the input for clearing the cache.
type ClearCacheInput struct{}

// ClearCacheOutput is the output for clearing the cache.
type ClearCacheOutput struct {
	Body struct {
		Removed int `json:"removed"`
	}
}

// Clear deletes every cached artifact.
func (h *CacheHandler) Clear(ctx context.Context, input *ClearCacheInput) (*ClearCacheOutput, error) {
	removed, err := h.cache.Clear()
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to clear cache", err)
	}

	resp := &ClearCacheOutput{}
	resp.Body.Removed = removed
	return resp, nil
}
