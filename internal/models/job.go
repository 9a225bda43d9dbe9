// Package models defines the domain records shared by vidrelay services.
package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus represents the current status of a transcode job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusDownloading indicates the source is being fetched.
	JobStatusDownloading JobStatus = "downloading"
	// JobStatusTranscoding indicates the container is being rewritten.
	JobStatusTranscoding JobStatus = "transcoding"
	// JobStatusCompleted indicates the artifact is in the cache.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
)

// Progress checkpoints reported for each stage.
const (
	ProgressQueued      = 0
	ProgressDownloading = 10
	ProgressTranscoding = 40
	ProgressCompleted   = 100
)

// IsTerminal returns true for completed and failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// TranscodeJob is the state of one remux request.
type TranscodeJob struct {
	ID          string     `json:"job_id"`
	URL         string     `json:"url"`
	URLKey      string     `json:"-"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Error       string     `json:"error,omitempty"`
	CachePath   string     `json:"cache_path,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTranscodeJob creates a queued job for url submitted at now.
func NewTranscodeJob(url, urlKey string, now time.Time) *TranscodeJob {
	return &TranscodeJob{
		ID:        NewJobID(url, now),
		URL:       url,
		URLKey:    urlKey,
		Status:    JobStatusQueued,
		Progress:  ProgressQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewJobID derives a ULID from the submission time and the source URL.
// Resubmitting the same URL later yields a different id.
func NewJobID(url string, now time.Time) string {
	h := sha256.New()
	h.Write([]byte(url))
	_ = binary.Write(h, binary.BigEndian, now.UnixNano())
	return ulid.MustNew(ulid.Timestamp(now), bytes.NewReader(h.Sum(nil))).String()
}

// Advance moves the job to status with progress, never lowering progress.
// It returns false when the job is already terminal.
func (j *TranscodeJob) Advance(status JobStatus, progress int, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	if j.StartedAt == nil && status != JobStatusQueued {
		started := now
		j.StartedAt = &started
	}
	j.Status = status
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = now
	return true
}

// MarkCompleted marks the job as completed with the artifact path.
func (j *TranscodeJob) MarkCompleted(cachePath string, now time.Time) bool {
	if !j.Advance(JobStatusCompleted, ProgressCompleted, now) {
		return false
	}
	j.CachePath = cachePath
	j.Error = ""
	j.CompletedAt = &now
	return true
}

// MarkFailed marks the job as failed with an error message.
func (j *TranscodeJob) MarkFailed(err error, now time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = JobStatusFailed
	j.Error = "unknown error"
	if err != nil && err.Error() != "" {
		j.Error = err.Error()
	}
	j.UpdatedAt = now
	j.CompletedAt = &now
	return true
}

// Expired reports whether a terminal job finished before cutoff.
func (j *TranscodeJob) Expired(cutoff time.Time) bool {
	return j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
}

// Duration returns how long the job has run, or ran.
func (j *TranscodeJob) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

// Clone returns a copy that shares no pointers with j.
func (j *TranscodeJob) Clone() TranscodeJob {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return c
}
