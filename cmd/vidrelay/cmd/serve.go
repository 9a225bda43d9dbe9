package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/vidrelay/internal/config"
	"github.com/jmylchreest/vidrelay/internal/ffmpeg"
	internalhttp "github.com/jmylchreest/vidrelay/internal/http"
	"github.com/jmylchreest/vidrelay/internal/http/handlers"
	"github.com/jmylchreest/vidrelay/internal/observability"
	"github.com/jmylchreest/vidrelay/internal/relay"
	"github.com/jmylchreest/vidrelay/internal/remux"
	"github.com/jmylchreest/vidrelay/internal/scheduler"
	"github.com/jmylchreest/vidrelay/internal/service"
	"github.com/jmylchreest/vidrelay/internal/startup"
	"github.com/jmylchreest/vidrelay/internal/storage"
	"github.com/jmylchreest/vidrelay/internal/version"
	"github.com/jmylchreest/vidrelay/pkg/httpclient"
)

// relayStatusCodes are origin answers that do not count against the
// circuit breaker when relaying: a missing file or an unsatisfiable range
// is the client's problem, not the origin's.
const relayStatusCodes = "200-299,404,416"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vidrelay server",
	Long: `Start the vidrelay HTTP server.

The server provides:
- /stream for range-aware playback of direct and remuxed sources
- /transcode and /status/{job_id} for remux jobs
- Job and cache administration under /api/v1
- Health probes, Prometheus metrics at /metrics and OpenAPI docs at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("data-dir", "./data", "Base directory for the cache and work files")
	serveCmd.Flags().String("cache-max-size", "10GiB", "Maximum total size of cached remuxes")
	serveCmd.Flags().Int("workers", 2, "Number of concurrent remux workers")
	serveCmd.Flags().String("ffmpeg", "", "Path to the ffmpeg binary (default: auto-detect)")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.base_dir", serveCmd.Flags().Lookup("data-dir"))
	mustBindPFlag("cache.max_size", serveCmd.Flags().Lookup("cache-max-size"))
	mustBindPFlag("remux.workers", serveCmd.Flags().Lookup("workers"))
	mustBindPFlag("ffmpeg.binary_path", serveCmd.Flags().Lookup("ffmpeg"))
}

// newUpstreamClient builds an origin client from the upstream settings.
func newUpstreamClient(cfg config.UpstreamConfig, logger *slog.Logger) httpclient.Config {
	hc := httpclient.DefaultConfig()
	hc.HeaderTimeout = cfg.FetchTimeout
	hc.IdleTimeout = cfg.IdleTimeout
	hc.RetryAttempts = cfg.RetryAttempts
	hc.RetryDelay = cfg.RetryDelay
	hc.CircuitThreshold = cfg.CircuitThreshold
	hc.CircuitTimeout = cfg.CircuitTimeout
	hc.UserAgent = cfg.UserAgent
	if hc.UserAgent == "" {
		hc.UserAgent = version.UserAgent()
	}
	hc.Logger = logger
	return hc
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache, err := storage.NewRemuxCache(cfg.Storage.CachePath(), cfg.Cache.MaxSize.Bytes(), cfg.Cache.LowWaterRatio)
	if err != nil {
		return fmt.Errorf("initializing cache: %w", err)
	}

	// Nothing is running yet, so every work directory is an orphan.
	if removed, err := startup.CleanupOrphanedWorkDirs(logger, cache.WorkRoot(), remux.WorkDirPrefix, 0); err != nil {
		logger.Warn("failed to clean orphaned work directories", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("cleaned orphaned work directories on startup", slog.Int("removed_count", removed))
	}

	upstreamLogger := observability.WithComponent(logger, "upstream")

	// Relayed bytes must reach the client exactly as the origin sent them.
	relayCfg := newUpstreamClient(cfg.Upstream, upstreamLogger)
	relayCfg.AcceptableStatusCodes = httpclient.MustParseStatusCodes(relayStatusCodes)
	relayClient := httpclient.New(relayCfg)

	downloadCfg := newUpstreamClient(cfg.Upstream, upstreamLogger)
	downloadCfg.EnableDecompression = true
	downloadClient := httpclient.New(downloadCfg)

	prober := relay.NewFormatProber(relayClient, cfg.Upstream.ProbeTimeout, cfg.Upstream.ProbeCacheTTL).
		WithLogger(observability.WithComponent(logger, "prober"))

	detector := ffmpeg.NewBinaryDetector(cfg.FFmpeg.BinaryPath)
	if cfg.FFmpeg.DetectTTL > 0 {
		detector = detector.WithCacheTTL(cfg.FFmpeg.DetectTTL)
	}
	if info, err := detector.Detect(ctx); err != nil {
		logger.Warn("ffmpeg not available, remux jobs will fail until it is installed",
			slog.String("error", err.Error()),
		)
	} else {
		logger.Info("ffmpeg detected",
			slog.String("path", info.FFmpegPath),
			slog.String("version", info.Version),
		)
	}

	remuxLogger := observability.WithComponent(logger, "remux")
	remuxer := remux.New(downloadClient, remux.NewFFmpegRunner(detector).WithLogger(remuxLogger), cache).
		WithLogger(remuxLogger).
		WithChunkSize(cfg.Remux.ChunkSize.Int()).
		WithMinFreeSpace(uint64(cfg.Remux.MinFreeSpace.Bytes())).
		WithTimeout(cfg.Remux.Timeout)

	transcodeService := service.NewTranscodeService(remuxer, cache, service.TranscodeConfig{
		Workers:   cfg.Remux.Workers,
		QueueSize: cfg.Remux.QueueSize,
		Retention: cfg.Jobs.Retention,
	}).WithLogger(observability.WithComponent(logger, "transcode"))
	if err := transcodeService.Start(ctx); err != nil {
		return fmt.Errorf("starting transcode service: %w", err)
	}
	defer transcodeService.Stop()

	proxy := relay.NewProxy(prober, cache, transcodeService, relayClient).
		WithLogger(observability.WithComponent(logger, "relay")).
		WithChunkSize(cfg.Relay.ChunkSize.Int()).
		WithLegacyPartialStatus(cfg.Relay.LegacyPartialStatus)

	sched := scheduler.NewScheduler().WithLogger(observability.WithComponent(logger, "scheduler"))
	tasks := []struct {
		name     string
		schedule string
		fn       scheduler.TaskFunc
	}{
		{scheduler.TaskCacheEviction, cfg.Cache.EvictSchedule, scheduler.CacheEvictionTask(cache)},
		{scheduler.TaskJobSweep, cfg.Jobs.SweepSchedule, scheduler.JobSweepTask(logger, transcodeService, prober)},
		{scheduler.TaskWorkDirCleanup, cfg.Jobs.CleanupSchedule,
			scheduler.WorkDirCleanupTask(logger, cache.WorkRoot(), remux.WorkDirPrefix, cfg.Jobs.OrphanMaxAge)},
	}
	for _, t := range tasks {
		if err := sched.Register(t.name, t.schedule, t.fn); err != nil {
			return fmt.Errorf("registering %s: %w", t.name, err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	serverConfig := internalhttp.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = cfg.Server.ReadTimeout
	serverConfig.ShutdownTimeout = cfg.Server.ShutdownTimeout
	serverConfig.CORSOrigins = cfg.Server.CORSOrigins

	server := internalhttp.NewServer(serverConfig, logger, version.Version)

	handlers.NewStreamHandler(proxy).Register(server.Router())
	handlers.NewTranscodeHandler(transcodeService).Register(server.Router())
	handlers.NewJobHandler(transcodeService).Register(server.API())
	handlers.NewCacheHandler(cache).Register(server.API())
	handlers.NewMaintenanceHandler(sched).Register(server.API())
	handlers.NewHealthHandler(version.Version).
		WithFFmpeg(detector).
		WithCacheDir(cfg.Storage.CachePath()).
		Register(server.API())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("starting vidrelay server",
		slog.String("address", serverConfig.Address()),
		slog.String("cache_dir", cfg.Storage.CachePath()),
		slog.String("cache_max_size", cfg.Cache.MaxSize.String()),
		slog.Int("workers", cfg.Remux.Workers),
		slog.String("version", version.Version),
	)

	start := time.Now()
	err = server.ListenAndServe(ctx)
	logger.Info("vidrelay server stopped", slog.Duration("uptime", time.Since(start)))
	return err
}
