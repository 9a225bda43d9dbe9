package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vidrelay/internal/observability"
	"github.com/jmylchreest/vidrelay/internal/relay"
)

// StreamOpener resolves stream requests.
type StreamOpener interface {
	Open(ctx context.Context, req relay.StreamRequest) (*relay.StreamResponse, error)
}

// StreamHandler serves /stream. It is registered on the raw router because
// the body is a byte stream, not a JSON document.
type StreamHandler struct {
	proxy StreamOpener
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(proxy StreamOpener) *StreamHandler {
	return &StreamHandler{proxy: proxy}
}

// Register registers the stream routes with the router. OPTIONS preflight
// is answered by the CORS middleware.
func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/stream", h.ServeStream)
	r.Head("/stream", h.ServeStream)
}

// ServeStream handles GET and HEAD /stream?url=<url>[&job_id=<id>].
func (h *StreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context())
	query := r.URL.Query()

	req := relay.StreamRequest{
		Method: r.Method,
		URL:    query.Get("url"),
		Range:  r.Header.Get("Range"),
		JobID:  query.Get("job_id"),
	}

	resp, err := h.proxy.Open(r.Context(), req)
	if err != nil {
		logger.Warn("stream request failed",
			slog.String("url", req.URL),
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		w.Header().Set("Accept-Ranges", "bytes")
		writeError(w, err)
		return
	}
	defer resp.Close()

	header := w.Header()
	for key, values := range resp.Header {
		header[key] = values
	}
	header.Set("Accept-Ranges", "bytes")

	if resp.Notice != nil && r.Method != http.MethodHead {
		writeJSON(w, resp.Status, resp.Notice)
		return
	}

	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead || resp.Body == nil {
		return
	}

	flusher, _ := w.(http.Flusher)
	var written int64
	for chunk, err := range resp.Body {
		if err != nil {
			// Headers are gone; the only signal left is a short body.
			logger.Warn("stream ended early",
				slog.String("url", req.URL),
				slog.String("source", resp.Source),
				slog.Int64("bytes_written", written),
				slog.String("error", err.Error()),
			)
			return
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			logger.Debug("client disconnected",
				slog.String("url", req.URL),
				slog.Int64("bytes_written", written),
			)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
