// Package relay serves video bytes to clients, either from the remux cache
// or straight from the origin, with HTTP byte-range semantics preserved.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"

	"github.com/jmylchreest/vidrelay/internal/metrics"
	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/urlutil"
)

// DefaultContentType is sent when the origin does not report one.
const DefaultContentType = "video/mp4"

// DefaultChunkSize is the read size used when none is configured.
const DefaultChunkSize = 1 << 20

// Source labels for stream metrics.
const (
	SourceCache            = "cache"
	SourceDirect           = "direct"
	SourceNeedsTranscoding = "needs_transcoding"
	SourcePending          = "pending"
	SourceFailed           = "failed"
	SourceNotFound         = "not_found"
)

// ArtifactOpener opens remuxed artifacts. A missing artifact must return
// models.ErrCacheMiss.
type ArtifactOpener interface {
	Open(sourceURL string) (*os.File, os.FileInfo, error)
}

// JobLookup returns the state of a transcode job.
type JobLookup interface {
	Status(id string) (models.TranscodeJob, error)
}

// UpstreamFetcher issues GET requests with extra headers against an origin.
type UpstreamFetcher interface {
	GetWithHeaders(ctx context.Context, url string, header http.Header) (*http.Response, error)
}

// Prober decides whether a source needs a remux and reports its metadata.
type Prober interface {
	NeedsRemux(ctx context.Context, rawURL string) bool
	Probe(ctx context.Context, rawURL string) (ProbeResult, error)
}

// StreamRequest is one inbound /stream call.
type StreamRequest struct {
	Method string
	URL    string
	Range  string
	JobID  string
}

// IsHead reports whether only headers were requested.
func (r StreamRequest) IsHead() bool {
	return r.Method == http.MethodHead
}

// TranscodeNotice tells the client to request a remux first.
type TranscodeNotice struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	TranscodeURL string `json:"transcode_url"`
}

// PendingNotice reports a job that has not finished yet.
type PendingNotice struct {
	JobID    string           `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress"`
}

// StatusNotice reports a missing or failed job.
type StatusNotice struct {
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Message      string `json:"message,omitempty"`
	TranscodeURL string `json:"transcode_url,omitempty"`
}

// StreamResponse is the outcome of a stream request. Exactly one of Body
// and Notice is set for GET; HEAD responses carry neither.
type StreamResponse struct {
	Status int
	Header http.Header
	// Body yields the payload lazily. Each chunk is only valid until the
	// next iteration.
	Body iter.Seq2[[]byte, error]
	// Notice is a JSON-encodable reply for non-media outcomes.
	Notice any
	// Source labels how the request was served.
	Source string

	closeOnce sync.Once
	closer    io.Closer
}

// Close releases the file or upstream body behind Body. It is safe to call
// more than once and after Body has been drained.
func (r *StreamResponse) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.closer != nil {
			err = r.closer.Close()
		}
	})
	return err
}

// Proxy computes stream responses.
type Proxy struct {
	prober        Prober
	cache         ArtifactOpener
	jobs          JobLookup
	upstream      UpstreamFetcher
	chunkSize     int
	legacyPartial bool
	logger        *slog.Logger
}

// NewProxy creates a proxy over its collaborators.
func NewProxy(prober Prober, cache ArtifactOpener, jobs JobLookup, upstream UpstreamFetcher) *Proxy {
	return &Proxy{
		prober:        prober,
		cache:         cache,
		jobs:          jobs,
		upstream:      upstream,
		chunkSize:     DefaultChunkSize,
		legacyPartial: true,
		logger:        slog.Default(),
	}
}

// WithLogger sets the logger for the proxy.
func (p *Proxy) WithLogger(logger *slog.Logger) *Proxy {
	p.logger = logger
	return p
}

// WithChunkSize sets the read size used for bodies.
func (p *Proxy) WithChunkSize(n int) *Proxy {
	if n > 0 {
		p.chunkSize = n
	}
	return p
}

// WithLegacyPartialStatus controls whether an origin 200 answering a ranged
// request is reported to the client as 206.
func (p *Proxy) WithLegacyPartialStatus(enabled bool) *Proxy {
	p.legacyPartial = enabled
	return p
}

// TranscodeURL returns the relative URL that starts a remux for rawURL.
func TranscodeURL(rawURL string) string {
	return "/transcode?url=" + url.QueryEscape(rawURL)
}

// Open resolves a stream request. Invalid URLs return an error wrapping
// models.ErrURLRequired or models.ErrInvalidURL. Origin failures return an
// error wrapping models.ErrUpstream. Every other outcome is a response.
func (p *Proxy) Open(ctx context.Context, req StreamRequest) (*StreamResponse, error) {
	if err := urlutil.ValidateSourceURL(req.URL); err != nil {
		return nil, err
	}

	resp, err := p.serveCached(req)
	if err == nil {
		return p.record(resp), nil
	}
	if !errors.Is(err, models.ErrCacheMiss) {
		return nil, err
	}

	if !p.prober.NeedsRemux(ctx, req.URL) {
		resp, err := p.serveDirect(ctx, req)
		if err != nil {
			return nil, err
		}
		return p.record(resp), nil
	}

	return p.record(p.remuxRequired(req)), nil
}

func (p *Proxy) record(resp *StreamResponse) *StreamResponse {
	metrics.StreamsTotal.WithLabelValues(resp.Source).Inc()
	return resp
}

// remuxRequired answers a request for a source that is not cached yet.
func (p *Proxy) remuxRequired(req StreamRequest) *StreamResponse {
	if req.JobID == "" {
		return noticeResponse(http.StatusBadRequest, SourceNeedsTranscoding, TranscodeNotice{
			Error:        "needs_transcoding",
			Message:      "This video must be transcoded before it can be streamed",
			TranscodeURL: TranscodeURL(req.URL),
		})
	}

	job, err := p.jobs.Status(req.JobID)
	if err != nil || job.URL != req.URL {
		return noticeResponse(http.StatusNotFound, SourceNotFound, StatusNotice{Status: "not_found"})
	}

	switch job.Status {
	case models.JobStatusFailed:
		return noticeResponse(http.StatusInternalServerError, SourceFailed, StatusNotice{
			Status: string(models.JobStatusFailed),
			Error:  job.Error,
		})
	case models.JobStatusCompleted:
		// Completed but not in the cache: it was evicted after the job ran.
		return noticeResponse(http.StatusNotFound, SourceNotFound, StatusNotice{
			Status:       "not_found",
			Message:      "The transcoded file is no longer cached, request a new transcode",
			TranscodeURL: TranscodeURL(req.URL),
		})
	default:
		return noticeResponse(http.StatusAccepted, SourcePending, PendingNotice{
			JobID:    job.ID,
			Status:   job.Status,
			Progress: job.Progress,
		})
	}
}

func noticeResponse(status int, source string, notice any) *StreamResponse {
	return &StreamResponse{
		Status: status,
		Header: http.Header{},
		Notice: notice,
		Source: source,
	}
}

// serveCached serves the cached artifact for the request URL, honoring Range.
func (p *Proxy) serveCached(req StreamRequest) (*StreamResponse, error) {
	f, info, err := p.cache.Open(req.URL)
	if err != nil {
		return nil, err
	}

	size := info.Size()
	header := http.Header{}
	header.Set("Content-Type", DefaultContentType)
	header.Set("Accept-Ranges", "bytes")

	window := ByteRange{Start: 0, End: size - 1}
	status := http.StatusOK

	if req.Range != "" {
		spec, err := ParseRange(req.Range)
		switch {
		case err != nil:
			p.logger.Debug("ignoring malformed range header",
				slog.String("range", req.Range),
				slog.String("error", err.Error()),
			)
		default:
			br, err := spec.Resolve(size)
			if err != nil {
				f.Close()
				header.Set("Content-Range", UnsatisfiedContentRange(size))
				header.Set("Content-Length", "0")
				return &StreamResponse{
					Status: http.StatusRequestedRangeNotSatisfiable,
					Header: header,
					Source: SourceCache,
				}, nil
			}
			window = br
			status = http.StatusPartialContent
			header.Set("Content-Range", br.ContentRange(size))
		}
	}

	header.Set("Content-Length", strconv.FormatInt(window.Length(), 10))

	resp := &StreamResponse{
		Status: status,
		Header: header,
		Source: SourceCache,
		closer: f,
	}

	if req.IsHead() {
		resp.Close()
		return resp, nil
	}

	if window.Start > 0 {
		if _, err := f.Seek(window.Start, io.SeekStart); err != nil {
			resp.Close()
			return nil, fmt.Errorf("seeking cached artifact: %w", err)
		}
	}
	resp.Body = p.chunks(io.LimitReader(f, window.Length()), resp)
	return resp, nil
}

// serveDirect relays the origin, forwarding the client's Range unchanged.
func (p *Proxy) serveDirect(ctx context.Context, req StreamRequest) (*StreamResponse, error) {
	if req.IsHead() {
		probe, err := p.prober.Probe(ctx, req.URL)
		if err != nil {
			return nil, err
		}
		header := http.Header{}
		header.Set("Content-Type", contentTypeOr(probe.ContentType))
		header.Set("Accept-Ranges", "bytes")
		if probe.ContentLength >= 0 {
			header.Set("Content-Length", strconv.FormatInt(probe.ContentLength, 10))
		}
		return &StreamResponse{Status: http.StatusOK, Header: header, Source: SourceDirect}, nil
	}

	outbound := http.Header{}
	if req.Range != "" {
		outbound.Set("Range", req.Range)
	}

	upstream, err := p.upstream.GetWithHeaders(ctx, req.URL, outbound)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrUpstream, err)
	}

	header := http.Header{}
	header.Set("Accept-Ranges", "bytes")

	switch {
	case upstream.StatusCode == http.StatusNotFound || upstream.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		upstream.Body.Close()
		if cr := upstream.Header.Get("Content-Range"); cr != "" {
			header.Set("Content-Range", cr)
		}
		return &StreamResponse{Status: upstream.StatusCode, Header: header, Source: SourceDirect}, nil

	case upstream.StatusCode < 200 || upstream.StatusCode >= 300:
		upstream.Body.Close()
		return nil, fmt.Errorf("%w: origin returned status %d", models.ErrUpstream, upstream.StatusCode)
	}

	contentType := upstream.Header.Get("Content-Type")
	if contentType == "" {
		if probe, err := p.prober.Probe(ctx, req.URL); err == nil {
			contentType = probe.ContentType
		}
	}
	header.Set("Content-Type", contentTypeOr(contentType))

	if upstream.ContentLength >= 0 {
		header.Set("Content-Length", strconv.FormatInt(upstream.ContentLength, 10))
	}
	if cr := upstream.Header.Get("Content-Range"); cr != "" {
		header.Set("Content-Range", cr)
	}

	status := upstream.StatusCode
	if status == http.StatusOK && req.Range != "" && p.legacyPartial {
		// The origin ignored the range and sent the whole body.
		status = http.StatusPartialContent
		if header.Get("Content-Range") == "" && upstream.ContentLength > 0 {
			full := ByteRange{Start: 0, End: upstream.ContentLength - 1}
			header.Set("Content-Range", full.ContentRange(upstream.ContentLength))
		}
	}

	p.logger.Debug("relaying origin response",
		slog.String("url", req.URL),
		slog.Int("upstream_status", upstream.StatusCode),
		slog.Int("status", status),
		slog.String("range", req.Range),
	)

	resp := &StreamResponse{
		Status: status,
		Header: header,
		Source: SourceDirect,
		closer: upstream.Body,
	}
	resp.Body = p.chunks(upstream.Body, resp)
	return resp, nil
}

// chunks reads r in chunkSize pieces until EOF and closes resp afterwards.
// Reads happen only as fast as the consumer pulls.
func (p *Proxy) chunks(r io.Reader, resp *StreamResponse) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer resp.Close()

		buf := make([]byte, p.chunkSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				metrics.StreamBytesTotal.WithLabelValues(resp.Source).Add(float64(n))
				if !yield(buf[:n], nil) {
					return
				}
			}
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
		}
	}
}

func contentTypeOr(contentType string) string {
	if contentType == "" {
		return DefaultContentType
	}
	return contentType
}
