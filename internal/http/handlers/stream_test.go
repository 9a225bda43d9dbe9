package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidrelay/internal/models"
	"github.com/jmylchreest/vidrelay/internal/relay"
)

// fakeOpener returns a fixed response or error and records the request.
type fakeOpener struct {
	resp *relay.StreamResponse
	err  error
	got  relay.StreamRequest
}

func (f *fakeOpener) Open(_ context.Context, req relay.StreamRequest) (*relay.StreamResponse, error) {
	f.got = req
	return f.resp, f.err
}

func chunksOf(parts ...string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for _, p := range parts {
			if !yield([]byte(p), nil) {
				return
			}
		}
	}
}

func serveStream(t *testing.T, opener *fakeOpener, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	NewStreamHandler(opener).Register(r)

	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestStreamHandler_PassesRequestThrough(t *testing.T) {
	opener := &fakeOpener{resp: &relay.StreamResponse{Status: http.StatusOK, Header: http.Header{}, Body: chunksOf("x")}}

	serveStream(t, opener, http.MethodGet,
		"/stream?url=https%3A%2F%2Fmedia.example.com%2Fa.mkv%3Ftoken%3D1&job_id=01ABC",
		http.Header{"Range": {"bytes=0-9"}})

	assert.Equal(t, relay.StreamRequest{
		Method: http.MethodGet,
		URL:    "https://media.example.com/a.mkv?token=1",
		Range:  "bytes=0-9",
		JobID:  "01ABC",
	}, opener.got)
}

func TestStreamHandler_Body(t *testing.T) {
	opener := &fakeOpener{resp: &relay.StreamResponse{
		Status: http.StatusPartialContent,
		Header: http.Header{
			"Content-Type":   {"video/mp4"},
			"Content-Range":  {"bytes 200-209/1000"},
			"Content-Length": {"10"},
		},
		Body: chunksOf("01234", "56789"),
	}}

	rec := serveStream(t, opener, http.MethodGet, "/stream?url=https://media.example.com/a.mp4", nil)

	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "0123456789", rec.Body.String())
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, "bytes 200-209/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "10", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
}

func TestStreamHandler_HeadWritesNoBody(t *testing.T) {
	opener := &fakeOpener{resp: &relay.StreamResponse{
		Status: http.StatusOK,
		Header: http.Header{"Content-Length": {"1000"}},
		Body:   chunksOf("should not be sent"),
	}}

	rec := serveStream(t, opener, http.MethodHead, "/stream?url=https://media.example.com/a.mp4", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "1000", rec.Header().Get("Content-Length"))
}

func TestStreamHandler_Notices(t *testing.T) {
	tests := []struct {
		name   string
		status int
		notice any
		want   string
	}{
		{
			name:   "needs transcoding",
			status: http.StatusBadRequest,
			notice: relay.TranscodeNotice{Error: "needs_transcoding", Message: "m", TranscodeURL: "/transcode?url=x"},
			want:   `{"error":"needs_transcoding","message":"m","transcode_url":"/transcode?url=x"}`,
		},
		{
			name:   "pending",
			status: http.StatusAccepted,
			notice: relay.PendingNotice{JobID: "01ABC", Status: models.JobStatusDownloading, Progress: 10},
			want:   `{"job_id":"01ABC","status":"downloading","progress":10}`,
		},
		{
			name:   "failed",
			status: http.StatusInternalServerError,
			notice: relay.StatusNotice{Status: "failed", Error: "remux failed"},
			want:   `{"status":"failed","error":"remux failed"}`,
		},
		{
			name:   "not found",
			status: http.StatusNotFound,
			notice: relay.StatusNotice{Status: "not_found"},
			want:   `{"status":"not_found"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener := &fakeOpener{resp: &relay.StreamResponse{Status: tt.status, Header: http.Header{}, Notice: tt.notice}}

			rec := serveStream(t, opener, http.MethodGet, "/stream?url=https://media.example.com/a.mkv", nil)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.JSONEq(t, tt.want, rec.Body.String())
		})
	}
}

func TestStreamHandler_Errors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		wantDetails bool
	}{
		{"missing url", models.ErrURLRequired, http.StatusBadRequest, errCodeInvalidURL, true},
		{"invalid url", fmt.Errorf("%w: unsupported scheme", models.ErrInvalidURL), http.StatusBadRequest, errCodeInvalidURL, true},
		{"upstream", fmt.Errorf("%w: origin returned status 503", models.ErrUpstream), http.StatusBadGateway, errCodeUpstream, true},
		{"internal", errors.New("disk exploded"), http.StatusInternalServerError, errCodeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveStream(t, &fakeOpener{err: tt.err}, http.MethodGet, "/stream?url=x", nil)

			assert.Equal(t, tt.wantStatus, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Error)
			if tt.wantDetails {
				assert.Equal(t, tt.err.Error(), body.Details)
			} else {
				assert.Empty(t, body.Details)
			}
		})
	}
}

func TestStreamHandler_ErrorMidStreamEndsBody(t *testing.T) {
	body := func(yield func([]byte, error) bool) {
		if !yield([]byte("first"), nil) {
			return
		}
		yield(nil, errors.New("connection reset"))
	}
	opener := &fakeOpener{resp: &relay.StreamResponse{Status: http.StatusOK, Header: http.Header{}, Body: body}}

	rec := serveStream(t, opener, http.MethodGet, "/stream?url=https://media.example.com/a.mp4", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "first", rec.Body.String(), "nothing is appended after the failure")
}
