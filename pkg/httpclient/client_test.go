package httpclient

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hostOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Host
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 20 * time.Millisecond
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("with default config", func(t *testing.T) {
		client := NewWithDefaults()
		assert.NotNil(t, client.client)
		assert.NotNil(t, client.breakers)
		assert.NotNil(t, client.logger)
	})

	t.Run("with custom base client", func(t *testing.T) {
		baseClient := &http.Client{Timeout: 5 * time.Second}
		cfg := DefaultConfig()
		cfg.BaseClient = baseClient
		client := New(cfg)
		assert.Equal(t, baseClient, client.client)
	})

	t.Run("transport never negotiates compression itself", func(t *testing.T) {
		tr := newTransport(time.Second)
		assert.True(t, tr.DisableCompression)
		assert.Equal(t, time.Second, tr.ResponseHeaderTimeout)
	})
}

func TestClient_Get(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			w.Write([]byte("movie bytes"))
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "movie bytes", string(body))
	})

	t.Run("sets user agent header", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "vidrelay-test/1.0", r.Header.Get(HeaderUserAgent))
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.UserAgent = "vidrelay-test/1.0"
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})

	t.Run("forwards range header verbatim", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "bytes=200-499", r.Header.Get("Range"))
			assert.Empty(t, r.Header.Get(HeaderAcceptEncoding))
			w.Header().Set("Content-Range", "bytes 200-499/1000")
			w.WriteHeader(http.StatusPartialContent)
			w.Write(bytes.Repeat([]byte("r"), 300))
		}))
		defer server.Close()

		header := http.Header{}
		header.Set("Range", "bytes=200-499")
		resp, err := NewWithDefaults().GetWithHeaders(context.Background(), server.URL, header)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
		assert.Equal(t, "bytes 200-499/1000", resp.Header.Get("Content-Range"))
		assert.Equal(t, int64(300), resp.ContentLength)
	})
}

func TestClient_Head(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Length", "1000")
		w.Header().Set("Accept-Ranges", "bytes")
	}))
	defer server.Close()

	resp, err := NewWithDefaults().Head(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.Equal(t, int64(1000), resp.ContentLength)
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
}

func TestClient_Retries(t *testing.T) {
	t.Run("retries on 503 then succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte("success"))
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 3
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	})

	t.Run("returns error after max retries", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 2
		_, err := New(cfg).Get(context.Background(), server.URL)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMaxRetries)
		assert.Equal(t, int32(3), atomic.LoadInt32(&attempts)) // initial + 2 retries
	})

	t.Run("does not retry on 404", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.RetryAttempts = 3
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		_, err := New(fastConfig()).Get(ctx, server.URL)
		require.Error(t, err)
	})
}

func TestClient_Decompression(t *testing.T) {
	payload := strings.Repeat("hello compressed world ", 64)

	t.Run("decodes gzip when enabled", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, DefaultAcceptEncodingHeader, r.Header.Get(HeaderAcceptEncoding))
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			gw := gzip.NewWriter(w)
			gw.Write([]byte(payload))
			gw.Close()
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.EnableDecompression = true
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
		assert.Empty(t, resp.Header.Get(HeaderContentEncoding))
		assert.Equal(t, int64(-1), resp.ContentLength)
	})

	t.Run("decodes brotli when enabled", func(t *testing.T) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, err := bw.Write([]byte(payload))
		require.NoError(t, err)
		require.NoError(t, bw.Close())

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingBrotli)
			w.Write(buf.Bytes())
		}))
		defer server.Close()

		cfg := DefaultConfig()
		cfg.EnableDecompression = true
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
	})

	t.Run("passes encoded bytes through when disabled", func(t *testing.T) {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		gw.Write([]byte(payload))
		gw.Close()

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set(HeaderContentEncoding, EncodingGzip)
			w.Write(buf.Bytes())
		}))
		defer server.Close()

		resp, err := NewWithDefaults().Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, buf.Bytes(), body)
		assert.Equal(t, EncodingGzip, resp.Header.Get(HeaderContentEncoding))
	})
}

func TestClient_IdleTimeout(t *testing.T) {
	t.Run("stalled body is aborted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("first"))
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.IdleTimeout = 50 * time.Millisecond
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		_, err = io.ReadAll(resp.Body)
		assert.ErrorIs(t, err, ErrIdleTimeout)
	})

	t.Run("slow consumer is not penalised", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("abcdef"))
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.IdleTimeout = 30 * time.Millisecond
		resp, err := New(cfg).Get(context.Background(), server.URL)
		require.NoError(t, err)
		defer resp.Body.Close()

		var got []byte
		buf := make([]byte, 2)
		for {
			n, err := resp.Body.Read(buf)
			got = append(got, buf[:n]...)
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			time.Sleep(60 * time.Millisecond)
		}
		assert.Equal(t, "abcdef", string(got))
	})
}

func TestClient_MaxResponseSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.MaxResponseSize = 10
	resp, err := New(cfg).Get(context.Background(), server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	_, err = io.ReadAll(resp.Body)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("opens after threshold failures", func(t *testing.T) {
		cb := NewCircuitBreaker(3, 100*time.Millisecond, 1)
		assert.Equal(t, CircuitClosed, cb.State())

		cb.RecordFailure()
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())

		cb.RecordFailure()
		assert.Equal(t, CircuitOpen, cb.State())
		assert.False(t, cb.Allow())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(2, time.Minute, 1)
		cb.RecordFailure()
		cb.RecordSuccess()
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("half-open after timeout then closes on success", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(1, 10*time.Second, 1)
		cb.now = func() time.Time { return now }

		cb.RecordFailure()
		assert.False(t, cb.Allow())

		now = now.Add(11 * time.Second)
		assert.True(t, cb.Allow())
		assert.Equal(t, CircuitHalfOpen, cb.State())
		assert.False(t, cb.Allow(), "only one probe in half-open")

		cb.RecordSuccess()
		assert.Equal(t, CircuitClosed, cb.State())
	})

	t.Run("returns to open on failure in half-open", func(t *testing.T) {
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		cb := NewCircuitBreaker(1, time.Second, 1)
		cb.now = func() time.Time { return now }

		cb.RecordFailure()
		now = now.Add(2 * time.Second)
		require.True(t, cb.Allow())

		cb.RecordFailure()
		assert.Equal(t, CircuitOpen, cb.State())
	})

	t.Run("reset returns to closed", func(t *testing.T) {
		cb := NewCircuitBreaker(1, time.Minute, 1)
		cb.RecordFailure()
		cb.Reset()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.Allow())
	})
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestClient_PerHostCircuitBreakers(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer good.Close()

	cfg := fastConfig()
	cfg.RetryAttempts = 0
	cfg.CircuitThreshold = 2
	cfg.CircuitTimeout = time.Minute
	client := New(cfg)

	for range 2 {
		resp, err := client.Get(context.Background(), bad.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, CircuitOpen, client.CircuitState(hostOf(t, bad.URL)))

	_, err := client.Get(context.Background(), bad.URL)
	assert.ErrorIs(t, err, ErrMaxRetries)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	resp, err := client.Get(context.Background(), good.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, CircuitClosed, client.CircuitState(hostOf(t, good.URL)))
}

func TestClient_AcceptableStatusCodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer server.Close()

	t.Run("416 trips the breaker by default", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryAttempts = 0
		cfg.CircuitThreshold = 3
		client := New(cfg)

		for range 3 {
			resp, err := client.Get(context.Background(), server.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		assert.Equal(t, CircuitOpen, client.CircuitState(hostOf(t, server.URL)))
	})

	t.Run("416 is tolerated when configured", func(t *testing.T) {
		cfg := fastConfig()
		cfg.RetryAttempts = 0
		cfg.CircuitThreshold = 3
		cfg.AcceptableStatusCodes = MustParseStatusCodes("200-299,404,416")
		client := New(cfg)

		for range 5 {
			resp, err := client.Get(context.Background(), server.URL)
			require.NoError(t, err)
			resp.Body.Close()
		}
		assert.Equal(t, CircuitClosed, client.CircuitState(hostOf(t, server.URL)))
	})
}

func TestIsRetryableStatus(t *testing.T) {
	for _, code := range []int{429, 502, 503, 504} {
		assert.True(t, isRetryableStatus(code), "%d", code)
	}
	for _, code := range []int{200, 206, 400, 404, 416, 500} {
		assert.False(t, isRetryableStatus(code), "%d", code)
	}
}
