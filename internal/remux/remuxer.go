// Package remux turns a remote Matroska/WebM source into a cached MP4 by
// downloading it and rewriting the container with ffmpeg stream copy.
package remux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/abema/go-mp4"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/jmylchreest/vidrelay/internal/ffmpeg"
	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/observability"
)

// Defaults used when options are left zero.
const (
	DefaultChunkSize    = 1 << 20
	DefaultMinFreeSpace = 1 << 30
)

// WorkDirPrefix starts the name of every remux work directory.
const WorkDirPrefix = workPrefix + "-"

const (
	workPrefix     = "remux"
	sourceFileName = "source"
	outputFileName = "output.mp4"
)

// StageFunc is told when the remux enters a new stage.
type StageFunc func(status models.JobStatus)

// Fetcher downloads a source.
type Fetcher interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// Runner rewrites the container of input into an MP4 at output.
type Runner interface {
	Run(ctx context.Context, input, output string) error
}

// Workspace provides private work directories and publishes finished
// artifacts into the cache.
type Workspace interface {
	WorkDir(prefix string) (string, error)
	Publish(srcAbsPath, sourceURL string) (string, error)
}

// FreeSpaceFunc reports free bytes on the volume holding path.
type FreeSpaceFunc func(ctx context.Context, path string) (uint64, error)

// DiskFreeSpace reads free space with gopsutil.
func DiskFreeSpace(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// FFmpegRunner runs the stream-copy remux with the detected ffmpeg binary.
type FFmpegRunner struct {
	detector *ffmpeg.BinaryDetector
	logger   *slog.Logger
}

// NewFFmpegRunner creates a runner backed by detector.
func NewFFmpegRunner(detector *ffmpeg.BinaryDetector) *FFmpegRunner {
	return &FFmpegRunner{detector: detector, logger: slog.Default()}
}

// WithLogger sets the logger for the runner.
func (r *FFmpegRunner) WithLogger(logger *slog.Logger) *FFmpegRunner {
	r.logger = logger
	return r
}

// Run implements Runner.
func (r *FFmpegRunner) Run(ctx context.Context, input, output string) error {
	info, err := r.detector.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detecting ffmpeg: %w", err)
	}

	cmd := ffmpeg.NewRemuxCommand(info.FFmpegPath, input, output)
	r.logger.Debug("running ffmpeg", slog.String("command", cmd.String()))

	if err := cmd.Run(ctx); err != nil {
		return err
	}

	r.logger.Debug("ffmpeg finished", slog.Duration("duration", cmd.Duration()))
	return nil
}

// Remuxer runs one remux end to end.
type Remuxer struct {
	fetcher   Fetcher
	runner    Runner
	workspace Workspace
	freeSpace FreeSpaceFunc
	chunkSize int
	minFree   uint64
	timeout   time.Duration
	logger    *slog.Logger
}

// New creates a remuxer with default chunk size and free-space floor.
func New(fetcher Fetcher, runner Runner, workspace Workspace) *Remuxer {
	return &Remuxer{
		fetcher:   fetcher,
		runner:    runner,
		workspace: workspace,
		freeSpace: DiskFreeSpace,
		chunkSize: DefaultChunkSize,
		minFree:   DefaultMinFreeSpace,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the remuxer.
func (r *Remuxer) WithLogger(logger *slog.Logger) *Remuxer {
	r.logger = logger
	return r
}

// WithChunkSize sets the download chunk size.
func (r *Remuxer) WithChunkSize(n int) *Remuxer {
	if n > 0 {
		r.chunkSize = n
	}
	return r
}

// WithMinFreeSpace sets the free space required before a download starts.
func (r *Remuxer) WithMinFreeSpace(n uint64) *Remuxer {
	r.minFree = n
	return r
}

// WithTimeout bounds a whole remux. Zero means no bound.
func (r *Remuxer) WithTimeout(d time.Duration) *Remuxer {
	r.timeout = d
	return r
}

// WithFreeSpaceFunc overrides the free space probe.
func (r *Remuxer) WithFreeSpaceFunc(fn FreeSpaceFunc) *Remuxer {
	r.freeSpace = fn
	return r
}

// Remux downloads sourceURL, remuxes it to MP4 and publishes it into the
// cache, returning the artifact path. The work directory is removed on
// every exit path, so a failed remux leaves nothing behind.
func (r *Remuxer) Remux(ctx context.Context, sourceURL string, onStage StageFunc) (path string, err error) {
	if onStage == nil {
		onStage = func(models.JobStatus) {}
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	done := observability.TimedOperationWithError(ctx, r.logger.With(slog.String("url", sourceURL)), "remux", &err)
	defer done()

	workDir, err := r.workspace.WorkDir(workPrefix)
	if err != nil {
		return "", fmt.Errorf("creating work directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			r.logger.Warn("failed to remove work directory",
				slog.String("path", workDir),
				slog.String("error", err.Error()),
			)
		}
	}()

	if err := r.checkFreeSpace(ctx, workDir); err != nil {
		return "", err
	}

	onStage(models.JobStatusDownloading)
	source := filepath.Join(workDir, sourceFileName)
	n, err := r.download(ctx, sourceURL, source)
	if err != nil {
		return "", err
	}
	r.logger.Debug("source downloaded",
		slog.String("url", sourceURL),
		slog.String("size", humanize.IBytes(uint64(n))),
	)

	onStage(models.JobStatusTranscoding)
	output := filepath.Join(workDir, outputFileName)
	if err := r.runner.Run(ctx, source, output); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrRemuxFailed, err)
	}

	if err := VerifyMP4(output); err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrRemuxFailed, err)
	}

	path, err = r.workspace.Publish(output, sourceURL)
	if err != nil {
		return "", fmt.Errorf("publishing remux output: %w", err)
	}
	return path, nil
}

func (r *Remuxer) checkFreeSpace(ctx context.Context, dir string) error {
	if r.minFree == 0 || r.freeSpace == nil {
		return nil
	}

	free, err := r.freeSpace(ctx, dir)
	if err != nil {
		r.logger.Warn("could not determine free disk space, continuing",
			slog.String("path", dir),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if free < r.minFree {
		return fmt.Errorf("%w: %s free, %s required",
			models.ErrInsufficientSpace, humanize.IBytes(free), humanize.IBytes(r.minFree))
	}
	return nil
}

// download writes the full body of sourceURL to dest in chunkSize pieces
// and returns the byte count.
func (r *Remuxer) download(ctx context.Context, sourceURL, dest string) (int64, error) {
	resp, err := r.fetcher.Get(ctx, sourceURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("%w: source returned status %d", models.ErrUpstream, resp.StatusCode)
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return 0, fmt.Errorf("creating download file: %w", err)
	}
	defer f.Close()

	var written int64
	buf := make([]byte, r.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("writing download: %w", err)
			}
			written += int64(n)
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return written, fmt.Errorf("%w: reading source: %w", models.ErrUpstream, readErr)
		}
	}

	if written == 0 {
		return 0, fmt.Errorf("%w: source body is empty", models.ErrUpstream)
	}
	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("syncing download: %w", err)
	}
	return written, nil
}

// VerifyMP4 checks that path is a non-empty MP4 with top-level ftyp and
// moov boxes.
func VerifyMP4(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening remux output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat remux output: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("remux output is empty")
	}

	var hasFtyp, hasMoov bool
	_, err = mp4.ReadBoxStructure(f, func(h *mp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case mp4.BoxTypeFtyp():
			hasFtyp = true
		case mp4.BoxTypeMoov():
			hasMoov = true
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("parsing remux output: %w", err)
	}
	if !hasFtyp || !hasMoov {
		return fmt.Errorf("remux output is not a playable mp4 (ftyp=%t moov=%t)", hasFtyp, hasMoov)
	}
	return nil
}
