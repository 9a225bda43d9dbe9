package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/startup"
)

// Task names.
const (
	TaskCacheEviction  = "cache_eviction"
	TaskJobSweep       = "job_sweep"
	TaskWorkDirCleanup = "workdir_cleanup"
)

// Evictor trims the remux cache to its budget.
type Evictor interface {
	EvictIfOverBudget(ctx context.Context) (models.EvictionResult, error)
}

// JobSweeper drops expired job records.
type JobSweeper interface {
	Sweep(now time.Time) int
}

// ProbePurger drops expired probe verdicts.
type ProbePurger interface {
	PurgeExpired() int
}

// CacheEvictionTask evicts least recently used artifacts when over budget.
func CacheEvictionTask(cache Evictor) TaskFunc {
	return func(ctx context.Context) error {
		_, err := cache.EvictIfOverBudget(ctx)
		return err
	}
}

// JobSweepTask drops expired job records and stale probe verdicts.
func JobSweepTask(logger *slog.Logger, jobs JobSweeper, probes ProbePurger) TaskFunc {
	return func(context.Context) error {
		swept := jobs.Sweep(time.Now())
		purged := 0
		if probes != nil {
			purged = probes.PurgeExpired()
		}
		if swept > 0 || purged > 0 {
			logger.Info("swept expired records",
				slog.Int("jobs", swept),
				slog.Int("probes", purged),
			)
		}
		return nil
	}
}

// WorkDirCleanupTask removes remux work directories abandoned for longer
// than maxAge.
func WorkDirCleanupTask(logger *slog.Logger, workRoot, prefix string, maxAge time.Duration) TaskFunc {
	return func(context.Context) error {
		_, err := startup.CleanupOrphanedWorkDirs(logger, workRoot, prefix, maxAge)
		return err
	}
}
