package models

import "time"

// CacheEntry describes one remuxed artifact on disk.
type CacheEntry struct {
	Key        string    `json:"key"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}

// CacheStats summarizes the remux cache.
type CacheStats struct {
	Entries    int        `json:"entries"`
	TotalBytes int64      `json:"total_bytes"`
	MaxBytes   int64      `json:"max_bytes"`
	Oldest     *time.Time `json:"oldest_access,omitempty"`
	Newest     *time.Time `json:"newest_access,omitempty"`
}

// EvictionResult reports the outcome of an eviction pass.
type EvictionResult struct {
	Evicted     []CacheEntry `json:"evicted"`
	FreedBytes  int64        `json:"freed_bytes"`
	BytesBefore int64        `json:"bytes_before"`
	BytesAfter  int64        `json:"bytes_after"`
}
