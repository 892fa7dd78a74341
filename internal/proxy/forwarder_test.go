package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/llmtap/llmtap/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureRecorder struct {
	mu        sync.Mutex
	exchanges []*database.Exchange
}

func (c *captureRecorder) Record(ex *database.Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, ex)
}

func (c *captureRecorder) recorded() []*database.Exchange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*database.Exchange(nil), c.exchanges...)
}

func newTestForwarder(t *testing.T, upstreamURL string, timeout time.Duration, maxBody int) (*Forwarder, *captureRecorder) {
	t.Helper()
	rec := &captureRecorder{}
	f := NewForwarder(ForwarderConfig{
		UpstreamBaseURL:    upstreamURL,
		UpstreamTimeout:    timeout,
		MaxStoredBodyBytes: maxBody,
	}, rec, zap.NewNop())
	return f, rec
}

func TestForwardNonStreaming(t *testing.T) {
	var upstreamSawPath, upstreamSawBody, upstreamSawAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		upstreamSawPath = r.URL.RequestURI()
		upstreamSawBody = string(body)
		upstreamSawAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Anthropic-Version", "2023-06-01")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":25}}`))
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("POST", "/v1/messages?beta=true", strings.NewReader(`{"model":"claude-x"}`))
	req.Header.Set("Authorization", "Bearer sk-test")
	req.Header.Set("Connection", "keep-alive")
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":25}}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "2023-06-01", w.Header().Get("Anthropic-Version"))

	assert.Equal(t, "/v1/messages?beta=true", upstreamSawPath)
	assert.Equal(t, `{"model":"claude-x"}`, upstreamSawBody)
	assert.Equal(t, "Bearer sk-test", upstreamSawAuth)

	exchanges := rec.recorded()
	require.Len(t, exchanges, 1)
	ex := exchanges[0]
	assert.Equal(t, "POST", ex.Method)
	assert.Equal(t, "/v1/messages?beta=true", ex.Path)
	assert.Equal(t, 200, ex.ResponseStatus)
	require.NotNil(t, ex.RequestBody)
	assert.Equal(t, `{"model":"claude-x"}`, *ex.RequestBody)
	require.NotNil(t, ex.ResponseBody)
	assert.Equal(t, `{"id":"msg_1","usage":{"input_tokens":10,"output_tokens":25}}`, *ex.ResponseBody)
	assert.GreaterOrEqual(t, ex.DurationMs, int64(0))
	assert.Contains(t, ex.RequestHeaders, "Authorization")
}

func TestForwardEmptyBodiesRecordedAsNil(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(204)
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Equal(t, 204, w.Code)
	exchanges := rec.recorded()
	require.Len(t, exchanges, 1)
	assert.Nil(t, exchanges[0].RequestBody)
	assert.Nil(t, exchanges[0].ResponseBody)
}

func TestForwardGzipPassthrough(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	_, err := zw.Write([]byte(`{"id":"msg_1"}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	wireBytes := gz.Bytes()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write(wireBytes)
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("GET", "/v1/messages/msg_1", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	// Wire bytes stay compressed; the recording is decoded.
	assert.Equal(t, wireBytes, w.Body.Bytes())
	assert.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	exchanges := rec.recorded()
	require.Len(t, exchanges, 1)
	require.NotNil(t, exchanges[0].ResponseBody)
	assert.Equal(t, `{"id":"msg_1"}`, *exchanges[0].ResponseBody)
}

func TestForwardStreaming(t *testing.T) {
	events := "event: message_start\n" +
		"data: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-x\",\"usage\":{\"input_tokens\":3}}}\n\n" +
		"event: message_delta\n" +
		"data: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":176}}\n\n" +
		"event: message_stop\n" +
		"data: {\"type\":\"message_stop\"}\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		w.WriteHeader(200)
		flusher := w.(http.Flusher)
		for _, chunk := range strings.SplitAfter(events, "\n\n") {
			_, _ = w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(`{"stream":true}`))
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
	assert.Equal(t, events, w.Body.String())
	assert.True(t, w.Flushed)

	exchanges := rec.recorded()
	require.Len(t, exchanges, 1)
	require.NotNil(t, exchanges[0].ResponseBody)
	assert.Equal(t, events, *exchanges[0].ResponseBody)
	assert.Contains(t, exchanges[0].ResponseHeaders, "text/event-stream")
}

func TestForwardUpstreamRefused(t *testing.T) {
	// Grab a port that is certainly closed.
	closed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	f, rec := newTestForwarder(t, closedURL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "Bad Gateway: could not connect to upstream.", w.Body.String())
	assert.Empty(t, rec.recorded())
}

func TestForwardUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	f, rec := newTestForwarder(t, upstream.URL, 100*time.Millisecond, 1<<20)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "Gateway Timeout: upstream did not respond in time.", w.Body.String())
	assert.Empty(t, rec.recorded())
}

func TestForwardTruncatesStoredBody(t *testing.T) {
	body := strings.Repeat("X", 200)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 50)

	req := httptest.NewRequest("GET", "/big", nil)
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	// The client gets the full body; only storage is capped.
	assert.Equal(t, body, w.Body.String())

	exchanges := rec.recorded()
	require.Len(t, exchanges, 1)
	require.NotNil(t, exchanges[0].ResponseBody)
	stored := *exchanges[0].ResponseBody
	assert.True(t, strings.HasPrefix(stored, strings.Repeat("X", 50)))
	assert.Contains(t, stored, fmt.Sprintf("[TRUNCATED: original size was %d bytes, stored first %d bytes]", 200, 50))
}

func TestForwardHopByHopStripped(t *testing.T) {
	var sawConnection, sawProxyAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawConnection = r.Header.Get("Proxy-Connection")
		sawProxyAuth = r.Header.Get("Proxy-Authorization")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("Proxy-Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Empty(t, sawConnection)
	assert.Empty(t, sawProxyAuth)
	assert.Empty(t, w.Header().Get("Keep-Alive"))
}

func TestForwardPreservesUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error"}}`))
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	f.ServeHTTP(w, req)

	assert.Equal(t, 429, w.Code)
	exchanges := rec.recorded()
	require.Len(t, exchanges, 1)
	assert.Equal(t, 429, exchanges[0].ResponseStatus)
}

func TestForwardClientCancelBeforeHeadersNotRecorded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("{}")).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		<-entered
		cancel()
	}()
	f.ServeHTTP(w, req)

	// The client went away: nothing written, nothing recorded.
	assert.Zero(t, w.Body.Len())
	assert.Empty(t, rec.recorded())
}

func TestForwardClientCancelMidStreamNotRecorded(t *testing.T) {
	firstChunk := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(200)
		_, _ = w.Write([]byte("data: {\"type\":\"message_start\"}\n\n"))
		w.(http.Flusher).Flush()
		close(firstChunk)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest("POST", "/v1/messages", strings.NewReader("{}")).WithContext(ctx)
	w := httptest.NewRecorder()

	go func() {
		<-firstChunk
		cancel()
	}()
	f.ServeHTTP(w, req)

	// A partially delivered stream is abandoned, not recorded.
	assert.Empty(t, rec.recorded())
}

// brokenWriter simulates a client that disconnected before the buffered
// response could be written back.
type brokenWriter struct {
	header http.Header
	code   int
}

func (b *brokenWriter) Header() http.Header       { return b.header }
func (b *brokenWriter) WriteHeader(code int)      { b.code = code }
func (b *brokenWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestForwardClientDisconnectDuringWriteNotRecorded(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer upstream.Close()

	f, rec := newTestForwarder(t, upstream.URL, 5*time.Second, 1<<20)

	req := httptest.NewRequest("GET", "/v1/models", nil)
	w := &brokenWriter{header: http.Header{}}
	f.ServeHTTP(w, req)

	assert.Equal(t, 200, w.code)
	assert.Empty(t, rec.recorded())
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, isEventStream("text/event-stream"))
	assert.True(t, isEventStream("text/event-stream; charset=utf-8"))
	assert.False(t, isEventStream("application/json"))
	assert.False(t, isEventStream(""))
}
