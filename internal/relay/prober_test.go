package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/vidrelay/internal/models"
)

// fakeHeadClient answers HEAD probes from a canned response.
type fakeHeadClient struct {
	calls       atomic.Int32
	status      int
	contentType string
	length      int64
	err         error
}

func (f *fakeHeadClient) Head(ctx context.Context, url string) (*http.Response, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	header := http.Header{}
	if f.contentType != "" {
		header.Set("Content-Type", f.contentType)
	}
	header.Set("Accept-Ranges", "bytes")
	return &http.Response{
		StatusCode:    f.status,
		Header:        header,
		ContentLength: f.length,
		Body:          io.NopCloser(strings.NewReader("")),
	}, nil
}

func TestHasRemuxExtension(t *testing.T) {
	assert.True(t, HasRemuxExtension("http://example.com/film.mkv"))
	assert.True(t, HasRemuxExtension("http://example.com/film.MKV?token=abc"))
	assert.True(t, HasRemuxExtension("https://example.com/a/b/clip.webm"))
	assert.False(t, HasRemuxExtension("http://example.com/film.mp4"))
	assert.False(t, HasRemuxExtension("http://example.com/watch?file=film.mkv"))
}

func TestIsRemuxContentType(t *testing.T) {
	assert.True(t, IsRemuxContentType("video/x-matroska"))
	assert.True(t, IsRemuxContentType("VIDEO/WEBM; codecs=vp9"))
	assert.False(t, IsRemuxContentType("video/mp4"))
	assert.False(t, IsRemuxContentType(""))
}

func TestFormatProber_NeedsRemux(t *testing.T) {
	ctx := context.Background()

	t.Run("mkv extension makes no network call", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/mp4"}
		p := NewFormatProber(client, time.Second, time.Minute)

		assert.True(t, p.NeedsRemux(ctx, "http://example.com/movie.mkv"))
		assert.Zero(t, client.calls.Load())
	})

	t.Run("mp4 with video/mp4 is not flagged", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/mp4", length: 1000}
		p := NewFormatProber(client, time.Second, time.Minute)

		assert.False(t, p.NeedsRemux(ctx, "http://example.com/movie.mp4"))
		assert.Equal(t, int32(1), client.calls.Load())
	})

	t.Run("matroska content type is flagged", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/x-matroska"}
		p := NewFormatProber(client, time.Second, time.Minute)

		assert.True(t, p.NeedsRemux(ctx, "http://example.com/stream?id=7"))
	})

	t.Run("probe error counts as no", func(t *testing.T) {
		client := &fakeHeadClient{err: errors.New("connection refused")}
		p := NewFormatProber(client, time.Second, time.Minute)

		assert.False(t, p.NeedsRemux(ctx, "http://example.com/stream"))
	})

	t.Run("non-2xx counts as no", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusForbidden, contentType: "video/webm"}
		p := NewFormatProber(client, time.Second, time.Minute)

		assert.False(t, p.NeedsRemux(ctx, "http://example.com/stream"))
	})
}

func TestFormatProber_Probe(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("reports metadata", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/mp4", length: 4096}
		p := NewFormatProber(client, time.Second, time.Minute).WithClock(clock)

		res, err := p.Probe(ctx, "http://example.com/a.mp4")
		require.NoError(t, err)
		assert.Equal(t, "video/mp4", res.ContentType)
		assert.Equal(t, int64(4096), res.ContentLength)
		assert.True(t, res.AcceptRanges)
		assert.False(t, res.NeedsRemux)
	})

	t.Run("memoizes within ttl", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/mp4"}
		p := NewFormatProber(client, time.Second, time.Minute).WithClock(func() time.Time { return now })

		_, err := p.Probe(ctx, "http://example.com/a.mp4")
		require.NoError(t, err)
		_, err = p.Probe(ctx, "http://example.com/a.mp4")
		require.NoError(t, err)
		assert.Equal(t, int32(1), client.calls.Load())
		assert.Equal(t, 1, p.MemoSize())
	})

	t.Run("re-probes after ttl", func(t *testing.T) {
		current := now
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/mp4"}
		p := NewFormatProber(client, time.Second, time.Minute).WithClock(func() time.Time { return current })

		_, err := p.Probe(ctx, "http://example.com/a.mp4")
		require.NoError(t, err)

		current = current.Add(2 * time.Minute)
		_, err = p.Probe(ctx, "http://example.com/a.mp4")
		require.NoError(t, err)
		assert.Equal(t, int32(2), client.calls.Load())
	})

	t.Run("failures are not memoized", func(t *testing.T) {
		client := &fakeHeadClient{status: http.StatusServiceUnavailable}
		p := NewFormatProber(client, time.Second, time.Minute).WithClock(clock)

		_, err := p.Probe(ctx, "http://example.com/a.mp4")
		assert.ErrorIs(t, err, models.ErrUpstream)
		_, err = p.Probe(ctx, "http://example.com/a.mp4")
		assert.ErrorIs(t, err, models.ErrUpstream)
		assert.Equal(t, int32(2), client.calls.Load())
		assert.Zero(t, p.MemoSize())
	})

	t.Run("purge drops expired entries", func(t *testing.T) {
		current := now
		client := &fakeHeadClient{status: http.StatusOK, contentType: "video/mp4"}
		p := NewFormatProber(client, time.Second, time.Minute).WithClock(func() time.Time { return current })

		_, err := p.Probe(ctx, "http://example.com/a.mp4")
		require.NoError(t, err)
		assert.Zero(t, p.PurgeExpired())

		current = current.Add(time.Hour)
		assert.Equal(t, 1, p.PurgeExpired())
		assert.Zero(t, p.MemoSize())
	})
}
