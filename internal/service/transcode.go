// Package service coordinates remux jobs for the relay.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/jmylchreest/vidrelay/internal/metrics"
	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/remux"
	"github.com/jmylchreest/vidrelay/internal/storage"
	"github.com/jmylchreest/vidrelay/internal/urlutil"
)

// Defaults applied when TranscodeConfig fields are zero.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 32
	DefaultRetention = 24 * time.Hour

	releaseTimeout = 30 * time.Second
)

// Submission outcomes recorded in metrics.
const (
	outcomeCached    = "cached"
	outcomeCoalesced = "coalesced"
	outcomeQueued    = "queued"
	outcomeRejected  = "rejected"
)

// Remuxer produces the cached MP4 for a source URL.
type Remuxer interface {
	Remux(ctx context.Context, sourceURL string, onStage remux.StageFunc) (string, error)
}

// ArtifactCache is the part of the remux cache the service needs.
type ArtifactCache interface {
	IsCached(sourceURL string) bool
	PathFor(sourceURL string) string
	EvictIfOverBudget(ctx context.Context) (models.EvictionResult, error)
}

// TranscodeConfig sizes the worker pool and job retention.
type TranscodeConfig struct {
	Workers   int
	QueueSize int
	Retention time.Duration
}

// JobStats summarizes the registry.
type JobStats struct {
	Total      int                      `json:"total"`
	InFlight   int                      `json:"in_flight"`
	QueueDepth int                      `json:"queue_depth"`
	ByStatus   map[models.JobStatus]int `json:"by_status"`
}

// TranscodeService owns the job registry and the remux worker pool.
// Every job mutation happens under mu.
type TranscodeService struct {
	remuxer Remuxer
	cache   ArtifactCache
	cfg     TranscodeConfig
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	jobs     map[string]*models.TranscodeJob
	inflight map[string]string // url key -> job id
	stopped  bool

	queue   chan string
	pool    *ants.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	loop    sync.WaitGroup
}

// NewTranscodeService creates a service. Call Start before jobs can run.
func NewTranscodeService(remuxer Remuxer, cache ArtifactCache, cfg TranscodeConfig) *TranscodeService {
	if cfg.Workers < 1 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}

	return &TranscodeService{
		remuxer:  remuxer,
		cache:    cache,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default(),
		jobs:     make(map[string]*models.TranscodeJob),
		inflight: make(map[string]string),
		queue:    make(chan string, cfg.QueueSize),
	}
}

// WithLogger sets a custom logger.
func (s *TranscodeService) WithLogger(logger *slog.Logger) *TranscodeService {
	s.logger = logger
	return s
}

// WithClock overrides the time source.
func (s *TranscodeService) WithClock(now func() time.Time) *TranscodeService {
	s.now = now
	return s
}

// Start creates the worker pool and begins dispatching queued jobs.
func (s *TranscodeService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return errors.New("transcode service already started")
	}
	if s.stopped {
		return models.ErrServiceStopped
	}

	pool, err := ants.NewPool(s.cfg.Workers, ants.WithLogger(antsLogger{s.logger}))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}

	s.pool = pool
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.loop.Add(1)
	go s.dispatch()

	s.logger.Info("transcode service started",
		slog.Int("workers", s.cfg.Workers),
		slog.Int("queue_size", s.cfg.QueueSize),
	)
	return nil
}

// Stop refuses new work, cancels in-flight remuxes and waits for workers.
// Jobs still queued are failed.
func (s *TranscodeService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.loop.Wait()
	s.running.Wait()

	if s.pool != nil {
		if err := s.pool.ReleaseTimeout(releaseTimeout); err != nil {
			s.logger.Warn("worker pool did not release cleanly", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case id := <-s.queue:
			s.finish(id, "", models.ErrServiceStopped)
		default:
			s.logger.Info("transcode service stopped")
			return
		}
	}
}

// Submit returns the job for url, creating and queueing one when the
// artifact is not cached and no job for the same url is in flight.
func (s *TranscodeService) Submit(ctx context.Context, url string) (models.TranscodeJob, error) {
	if err := urlutil.ValidateSourceURL(url); err != nil {
		return models.TranscodeJob{}, err
	}
	if err := ctx.Err(); err != nil {
		return models.TranscodeJob{}, err
	}

	key := storage.Key(url)
	cached := s.cache.IsCached(url)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return models.TranscodeJob{}, models.ErrServiceStopped
	}

	now := s.now()

	if cached {
		job := models.NewTranscodeJob(url, key, now)
		job.MarkCompleted(s.cache.PathFor(url), now)
		s.jobs[job.ID] = job
		metrics.JobsSubmittedTotal.WithLabelValues(outcomeCached).Inc()
		return job.Clone(), nil
	}

	if id, ok := s.inflight[key]; ok {
		if job, ok := s.jobs[id]; ok && !job.Status.IsTerminal() {
			metrics.JobsSubmittedTotal.WithLabelValues(outcomeCoalesced).Inc()
			return job.Clone(), nil
		}
		delete(s.inflight, key)
	}

	job := models.NewTranscodeJob(url, key, now)
	s.jobs[job.ID] = job

	select {
	case s.queue <- job.ID:
	default:
		job.MarkFailed(models.ErrQueueFull, now)
		metrics.JobsSubmittedTotal.WithLabelValues(outcomeRejected).Inc()
		s.logger.Warn("remux queue full, rejecting job",
			slog.String("job_id", job.ID),
			slog.String("url", url),
		)
		return job.Clone(), models.ErrQueueFull
	}

	s.inflight[key] = job.ID
	metrics.JobsSubmittedTotal.WithLabelValues(outcomeQueued).Inc()
	metrics.JobsInFlight.Inc()

	s.logger.Info("remux job queued",
		slog.String("job_id", job.ID),
		slog.String("url", url),
	)
	return job.Clone(), nil
}

// Status returns a copy of the job with id.
func (s *TranscodeService) Status(id string) (models.TranscodeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return models.TranscodeJob{}, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
	}
	return job.Clone(), nil
}

// List returns every job, newest first.
func (s *TranscodeService) List() []models.TranscodeJob {
	s.mu.Lock()
	out := make([]models.TranscodeJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Stats returns job counts per status.
func (s *TranscodeService) Stats() JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := JobStats{
		Total:      len(s.jobs),
		InFlight:   len(s.inflight),
		QueueDepth: len(s.queue),
		ByStatus:   make(map[models.JobStatus]int),
	}
	for _, job := range s.jobs {
		stats.ByStatus[job.Status]++
	}
	return stats
}

// Sweep removes terminal jobs that finished more than the retention period
// before now and returns how many were removed.
func (s *TranscodeService) Sweep(now time.Time) int {
	cutoff := now.Add(-s.cfg.Retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Expired(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("swept expired jobs", slog.Int("removed", removed))
	}
	return removed
}

func (s *TranscodeService) dispatch() {
	defer s.loop.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case id := <-s.queue:
			s.running.Add(1)
			if err := s.pool.Submit(func() { s.run(id) }); err != nil {
				s.running.Done()
				s.finish(id, "", fmt.Errorf("scheduling remux: %w", err))
			}
		}
	}
}

// run executes one job on a pool worker.
func (s *TranscodeService) run(id string) {
	defer s.running.Done()

	var (
		path string
		err  error
	)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("remux worker panicked",
				slog.String("job_id", id),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("remux worker panic: %v", r)
		}
		s.finish(id, path, err)
	}()

	s.mu.Lock()
	job, ok := s.jobs[id]
	var url string
	if ok {
		url = job.URL
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.logger.Info("remux job started", slog.String("job_id", id), slog.String("url", url))

	path, err = s.remuxer.Remux(s.ctx, url, func(status models.JobStatus) {
		s.advance(id, status)
	})
	if err != nil {
		return
	}

	if _, evictErr := s.cache.EvictIfOverBudget(s.ctx); evictErr != nil {
		s.logger.Warn("post-remux eviction failed",
			slog.String("job_id", id),
			slog.String("error", evictErr.Error()),
		)
	}
}

// advance records a stage transition reported by the remuxer.
func (s *TranscodeService) advance(id string, status models.JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}
	if job.Advance(status, stageProgress(status), s.now()) {
		s.logger.Debug("remux job advanced",
			slog.String("job_id", id),
			slog.String("status", string(status)),
			slog.Int("progress", job.Progress),
		)
	}
}

// finish moves a job to its terminal state and releases its in-flight slot.
func (s *TranscodeService) finish(id, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return
	}

	now := s.now()
	var changed bool
	if err == nil {
		changed = job.MarkCompleted(path, now)
	} else {
		changed = job.MarkFailed(err, now)
	}
	if !changed {
		return
	}

	if s.inflight[job.URLKey] == id {
		delete(s.inflight, job.URLKey)
	}
	metrics.JobsInFlight.Dec()
	metrics.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	metrics.JobDuration.Observe(job.Duration(now).Seconds())

	if err != nil {
		s.logger.Warn("remux job failed",
			slog.String("job_id", id),
			slog.String("url", job.URL),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("remux job completed",
		slog.String("job_id", id),
		slog.String("cache_path", path),
		slog.Duration("duration", job.Duration(now)),
	)
}

func stageProgress(status models.JobStatus) int {
	switch status {
	case models.JobStatusDownloading:
		return models.ProgressDownloading
	case models.JobStatusTranscoding:
		return models.ProgressTranscoding
	case models.JobStatusCompleted:
		return models.ProgressCompleted
	default:
		return models.ProgressQueued
	}
}

// antsLogger routes pool diagnostics to slog.
type antsLogger struct {
	logger *slog.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "worker_pool"))
}
