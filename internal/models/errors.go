package models

import "errors"

var (
	// ErrURLRequired indicates a required URL parameter is empty.
	ErrURLRequired = errors.New("url is required")

	// ErrInvalidURL indicates a malformed or unsupported URL.
	ErrInvalidURL = errors.New("invalid URL format")

	// ErrJobNotFound indicates no job exists with the requested id.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueFull indicates the remux queue cannot take more work.
	ErrQueueFull = errors.New("remux queue is full")

	// ErrServiceStopped indicates the transcode service is not accepting work.
	ErrServiceStopped = errors.New("transcode service stopped")

	// ErrCacheMiss indicates a cached artifact disappeared between check and open.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUpstream indicates the origin could not be fetched.
	ErrUpstream = errors.New("upstream fetch failed")

	// ErrRemuxFailed indicates the remux tool failed or produced unusable output.
	ErrRemuxFailed = errors.New("remux failed")

	// ErrInsufficientSpace indicates the cache volume lacks free space for a remux.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)
