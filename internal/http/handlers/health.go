package handlers

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/vidrelay/internal/ffmpeg"
)

// FFmpegDetector reports the ffmpeg installation.
type FFmpegDetector interface {
	Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	ffmpeg    FFmpegDetector
	cacheDir  string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithFFmpeg sets the detector used to report ffmpeg availability.
func (h *HealthHandler) WithFFmpeg(detector FFmpegDetector) *HealthHandler {
	h.ffmpeg = detector
	return h
}

// WithCacheDir sets the directory whose volume usage is reported.
func (h *HealthHandler) WithCacheDir(dir string) *HealthHandler {
	h.cacheDir = dir
	return h
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Disk          *DiskInfo         `json:"disk,omitempty"`
	FFmpeg        FFmpegHealth      `json:"ffmpeg"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo contains CPU load information.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo contains system and process memory information.
type MemoryInfo struct {
	TotalMemoryMB     float64 `json:"total_memory_mb"`
	UsedMemoryMB      float64 `json:"used_memory_mb"`
	AvailableMemoryMB float64 `json:"available_memory_mb"`
	ProcessMemoryMB   float64 `json:"process_memory_mb"`
	ChildProcesses    int     `json:"child_processes"`
}

// DiskInfo describes the volume holding the cache.
type DiskInfo struct {
	Path        string  `json:"path"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// FFmpegHealth reports whether ffmpeg can be run.
type FFmpegHealth struct {
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint.
type HealthOutput struct {
	Body HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health with ffmpeg availability, cache disk usage and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      "GET",
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      "GET",
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Ready when ffmpeg is available and the cache directory is readable",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	ff := h.getFFmpegHealth(ctx)
	diskInfo := h.getDiskInfo(ctx)

	checks := map[string]string{"ffmpeg": "ok", "cache_dir": "ok"}
	status := "healthy"
	if !ff.Available {
		checks["ffmpeg"] = "unavailable"
		status = "degraded"
	}
	if h.cacheDir != "" && diskInfo == nil {
		checks["cache_dir"] = "unavailable"
		status = "degraded"
	}

	return &HealthOutput{
		Body: HealthResponse{
			Status:        status,
			Timestamp:     now.UTC().Format(time.RFC3339),
			Version:       h.version,
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			CPUInfo:       h.getCPUInfo(ctx),
			Memory:        h.getMemoryInfo(ctx),
			Disk:          diskInfo,
			FFmpeg:        ff,
			Checks:        checks,
		},
	}, nil
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(ctx context.Context, input *LivezInput) (*LivezOutput, error) {
	resp := &LivezOutput{}
	resp.Body.Status = "ok"
	return resp, nil
}

// GetReadyz reports whether remuxes can run.
func (h *HealthHandler) GetReadyz(ctx context.Context, input *ReadyzInput) (*ReadyzOutput, error) {
	components := map[string]string{"ffmpeg": "ok", "cache_dir": "ok"}
	ready := true

	if !h.getFFmpegHealth(ctx).Available {
		components["ffmpeg"] = "unavailable"
		ready = false
	}
	if h.cacheDir == "" {
		components["cache_dir"] = "not_configured"
		ready = false
	} else if _, err := os.Stat(h.cacheDir); err != nil {
		components["cache_dir"] = "unavailable"
		ready = false
	}

	resp := &ReadyzOutput{}
	resp.Body.Status = "ready"
	if !ready {
		resp.Body.Status = "not_ready"
	}
	resp.Body.Components = components
	return resp, nil
}

func (h *HealthHandler) getFFmpegHealth(ctx context.Context) FFmpegHealth {
	if h.ffmpeg == nil {
		return FFmpegHealth{Error: "not configured"}
	}
	info, err := h.ffmpeg.Detect(ctx)
	if err != nil {
		return FFmpegHealth{Error: err.Error()}
	}
	return FFmpegHealth{Available: true, Path: info.FFmpegPath, Version: info.Version}
}

// getDiskInfo returns usage of the cache volume, or nil when unknown.
func (h *HealthHandler) getDiskInfo(ctx context.Context) *DiskInfo {
	if h.cacheDir == "" {
		return nil
	}
	usage, err := disk.UsageWithContext(ctx, h.cacheDir)
	if err != nil || usage == nil {
		return nil
	}
	return &DiskInfo{
		Path:        h.cacheDir,
		TotalBytes:  usage.Total,
		FreeBytes:   usage.Free,
		UsedBytes:   usage.Used,
		UsedPercent: usage.UsedPercent,
	}
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo(ctx context.Context) CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.AvgWithContext(ctx)
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns system memory and the memory of this process and
// its ffmpeg children.
func (h *HealthHandler) getMemoryInfo(ctx context.Context) MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemoryWithContext(ctx)
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = float64(vmStat.Total) / 1024 / 1024
		info.UsedMemoryMB = float64(vmStat.Used) / 1024 / 1024
		info.AvailableMemoryMB = float64(vmStat.Available) / 1024 / 1024
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return info
	}
	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
		info.ProcessMemoryMB = float64(memInfo.RSS) / 1024 / 1024
	}
	if children, err := proc.ChildrenWithContext(ctx); err == nil {
		info.ChildProcesses = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfoWithContext(ctx); err == nil && childMem != nil {
				info.ProcessMemoryMB += float64(childMem.RSS) / 1024 / 1024
			}
		}
	}
	return info
}
