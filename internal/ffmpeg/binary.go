// Package ffmpeg locates the ffmpeg binary and runs stream-copy remuxes.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// BinaryEnvVar overrides binary discovery when set.
const BinaryEnvVar = "VIDRELAY_FFMPEG_BINARY"

// ErrBinaryNotFound is returned when no ffmpeg executable can be located.
var ErrBinaryNotFound = errors.New("ffmpeg binary not found")

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// BinaryInfo contains information about the ffmpeg installation.
type BinaryInfo struct {
	FFmpegPath    string `json:"ffmpeg_path"`
	Version       string `json:"version"`
	MajorVersion  int    `json:"major_version"`
	MinorVersion  int    `json:"minor_version"`
	BuildDate     string `json:"build_date,omitempty"`
	Configuration string `json:"configuration,omitempty"`
}

// BinaryDetector handles detection and caching of the ffmpeg binary.
type BinaryDetector struct {
	configuredPath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. A non-empty configuredPath wins over
// the environment and $PATH.
func NewBinaryDetector(configuredPath string) *BinaryDetector {
	return &BinaryDetector{
		configuredPath: configuredPath,
		cacheTTL:       5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect locates ffmpeg and reads its version.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	path, err := FindBinary(d.configuredPath, "ffmpeg", BinaryEnvVar)
	if err != nil {
		return nil, err
	}

	output, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("running %s -version: %w", path, err)
	}

	info, err := parseVersionOutput(string(output))
	if err != nil {
		return nil, err
	}
	info.FFmpegPath = path

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear clears the cached binary information.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

// parseVersionOutput extracts version details from `ffmpeg -version`.
func parseVersionOutput(output string) (*BinaryInfo, error) {
	info := &BinaryInfo{}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ffmpeg version"):
			// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
			parts := strings.Fields(line)
			if len(parts) >= 3 {
				info.Version = parts[2]
				if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
					info.MajorVersion, _ = strconv.Atoi(m[1])
					info.MinorVersion, _ = strconv.Atoi(m[2])
				}
			}
		case strings.HasPrefix(line, "built with"):
			info.BuildDate = strings.TrimPrefix(line, "built with ")
		case strings.HasPrefix(line, "configuration:"):
			info.Configuration = strings.TrimSpace(strings.TrimPrefix(line, "configuration:"))
		}
	}

	if info.Version == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// FindBinary searches for an executable.
// Search order:
//  1. configured (if non-empty)
//  2. Environment variable envVar (if set)
//  3. ./name
//  4. name on PATH
func FindBinary(configured, name, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured path %s is not executable", ErrBinaryNotFound, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, name)
}

// isExecutable checks if a file exists and is executable by the current user.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
