package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/jmylchreest/vidrelay/internal/metrics"
	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/urlutil"
)

// Containers browsers cannot play natively.
var remuxExtensions = map[string]struct{}{
	".mkv":  {},
	".webm": {},
}

var remuxContentTypeMarkers = []string{"matroska", "webm"}

// HeadClient issues HEAD requests against origin servers.
type HeadClient interface {
	Head(ctx context.Context, url string) (*http.Response, error)
}

// ProbeResult is what a HEAD probe learned about a source.
type ProbeResult struct {
	ContentType   string
	ContentLength int64 // -1 when unknown
	AcceptRanges  bool
	NeedsRemux    bool
	ProbedAt      time.Time
}

// FormatProber decides whether a source must be remuxed before browsers can
// play it. Successful probes are memoized per URL.
type FormatProber struct {
	client  HeadClient
	timeout time.Duration
	ttl     time.Duration
	memo    *xsync.MapOf[string, ProbeResult]
	logger  *slog.Logger
	now     func() time.Time
}

// NewFormatProber creates a prober. A ttl of zero disables memoization.
func NewFormatProber(client HeadClient, timeout, ttl time.Duration) *FormatProber {
	return &FormatProber{
		client:  client,
		timeout: timeout,
		ttl:     ttl,
		memo:    xsync.NewMapOf[string, ProbeResult](),
		logger:  slog.Default(),
		now:     time.Now,
	}
}

// WithLogger sets the logger for the prober.
func (p *FormatProber) WithLogger(logger *slog.Logger) *FormatProber {
	p.logger = logger
	return p
}

// WithClock overrides the time source.
func (p *FormatProber) WithClock(now func() time.Time) *FormatProber {
	p.now = now
	return p
}

// HasRemuxExtension reports whether the URL path names a Matroska or WebM file.
func HasRemuxExtension(rawURL string) bool {
	_, ok := remuxExtensions[urlutil.PathExtension(rawURL)]
	return ok
}

// IsRemuxContentType reports whether a Content-Type names Matroska or WebM.
func IsRemuxContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, marker := range remuxContentTypeMarkers {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// NeedsRemux reports whether rawURL must be remuxed. The extension check
// needs no network call. Probe failures count as "no".
func (p *FormatProber) NeedsRemux(ctx context.Context, rawURL string) bool {
	if HasRemuxExtension(rawURL) {
		metrics.ProbeTotal.WithLabelValues("extension").Inc()
		return true
	}

	result, err := p.Probe(ctx, rawURL)
	if err != nil {
		p.logger.Debug("format probe failed, assuming direct playback",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return false
	}
	return result.NeedsRemux
}

// Probe issues a bounded HEAD request for rawURL, or returns a memoized
// result younger than the TTL.
func (p *FormatProber) Probe(ctx context.Context, rawURL string) (ProbeResult, error) {
	now := p.now()
	if cached, ok := p.memo.Load(rawURL); ok && now.Sub(cached.ProbedAt) < p.ttl {
		metrics.ProbeTotal.WithLabelValues("memo").Inc()
		return cached, nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	resp, err := p.client.Head(ctx, rawURL)
	if err != nil {
		metrics.ProbeTotal.WithLabelValues("error").Inc()
		return ProbeResult{}, fmt.Errorf("%w: probing source: %w", models.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.ProbeTotal.WithLabelValues("error").Inc()
		return ProbeResult{}, fmt.Errorf("%w: probe returned status %d", models.ErrUpstream, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	result := ProbeResult{
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		AcceptRanges:  strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes"),
		NeedsRemux:    IsRemuxContentType(contentType),
		ProbedAt:      now,
	}

	if result.NeedsRemux {
		metrics.ProbeTotal.WithLabelValues("remux").Inc()
	} else {
		metrics.ProbeTotal.WithLabelValues("direct").Inc()
	}

	if p.ttl > 0 {
		p.memo.Store(rawURL, result)
	}

	p.logger.Debug("probed source format",
		slog.String("url", rawURL),
		slog.String("content_type", contentType),
		slog.Int64("content_length", result.ContentLength),
		slog.Bool("needs_remux", result.NeedsRemux),
	)

	return result, nil
}

// PurgeExpired drops memoized probes older than the TTL and returns how
// many were removed.
func (p *FormatProber) PurgeExpired() int {
	now := p.now()
	removed := 0
	p.memo.Range(func(key string, value ProbeResult) bool {
		if now.Sub(value.ProbedAt) >= p.ttl {
			p.memo.Delete(key)
			removed++
		}
		return true
	})
	return removed
}

// MemoSize returns the number of memoized probes.
func (p *FormatProber) MemoSize() int {
	return p.memo.Size()
}
