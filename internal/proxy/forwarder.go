// Package proxy implements the transparent recording forwarder. Every
// request not claimed by a local route is replayed against the configured
// upstream; the response is returned byte-exact and a decoded copy of the
// exchange is handed to the recorder.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/llmtap/llmtap/internal/database"
	"github.com/llmtap/llmtap/internal/recorder"
	"go.uber.org/zap"
)

const (
	badGatewayBody     = "Bad Gateway: could not connect to upstream."
	gatewayTimeoutBody = "Gateway Timeout: upstream did not respond in time."

	// streamChunkSize bounds each SSE read/write/flush cycle.
	streamChunkSize = 8 * 1024
)

// ExchangeRecorder receives ownership of a fully materialized exchange.
type ExchangeRecorder interface {
	Record(ex *database.Exchange)
}

// ForwarderConfig carries the forwarder's slice of the process
// configuration.
type ForwarderConfig struct {
	UpstreamBaseURL    string
	UpstreamTimeout    time.Duration
	MaxStoredBodyBytes int
}

// Forwarder is the terminal handler for all proxied paths. One instance is
// shared across all requests; it owns the single upstream client and its
// connection pool.
type Forwarder struct {
	upstreamBase string
	maxBodyBytes int
	client       *http.Client
	recorder     ExchangeRecorder
	logger       *zap.Logger
}

// NewForwarder creates the forwarder and its shared upstream client.
func NewForwarder(cfg ForwarderConfig, rec ExchangeRecorder, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		upstreamBase: strings.TrimRight(cfg.UpstreamBaseURL, "/"),
		maxBodyBytes: cfg.MaxStoredBodyBytes,
		client:       newUpstreamClient(cfg.UpstreamTimeout),
		recorder:     rec,
		logger:       logger,
	}
}

// newUpstreamClient builds the process-wide upstream HTTP client. Redirects
// are not followed and responses are never auto-decompressed: compressed
// bodies must reach the client byte-exact.
func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			DisableCompression:    true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// ServeHTTP runs the per-request pipeline: buffer the request, dispatch
// upstream, copy status and headers, stream or buffer the body back, then
// hand the captured exchange to the recorder. Client cancellation at any
// phase aborts silently with nothing recorded.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	start := time.Now()
	arrivedAt := start.UTC()

	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		f.logger.Debug("client aborted while sending request body",
			zap.String("request_id", requestID), zap.Error(err))
		return
	}
	reqHeaderJSON := encodeHeaders(r.Header)

	f.logger.Debug("proxying request",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.RequestURI()))

	var body io.Reader
	if len(reqBody) > 0 {
		body = bytes.NewReader(reqBody)
	}
	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, f.upstreamBase+r.URL.RequestURI(), body)
	if err != nil {
		f.logger.Error("failed to build upstream request",
			zap.String("request_id", requestID), zap.Error(err))
		writeGatewayError(w, http.StatusBadGateway, badGatewayBody)
		return
	}
	copyRequestHeaders(upReq.Header, r.Header)

	resp, err := f.client.Do(upReq)
	if err != nil {
		if r.Context().Err() != nil {
			f.logger.Debug("client cancelled before upstream responded",
				zap.String("request_id", requestID))
			return
		}
		if isTimeoutError(err) {
			f.logger.Warn("upstream timeout",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.RequestURI()),
				zap.Error(err))
			writeGatewayError(w, http.StatusGatewayTimeout, gatewayTimeoutBody)
			return
		}
		f.logger.Error("upstream unreachable",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.RequestURI()),
			zap.Error(err))
		writeGatewayError(w, http.StatusBadGateway, badGatewayBody)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	contentEncoding := resp.Header.Get("Content-Encoding")

	var captured []byte
	if isEventStream(resp.Header.Get("Content-Type")) {
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		captured, err = f.streamBody(w, r, resp)
		if err != nil {
			// Body was not fully delivered; nothing is recorded.
			return
		}
	} else {
		captured, err = io.ReadAll(resp.Body)
		if err != nil {
			if r.Context().Err() != nil {
				f.logger.Debug("client cancelled mid-body",
					zap.String("request_id", requestID))
				return
			}
			f.logger.Error("upstream body read failed",
				zap.String("request_id", requestID), zap.Error(err))
			writeGatewayError(w, http.StatusBadGateway, badGatewayBody)
			return
		}
		copyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		if _, err := w.Write(captured); err != nil {
			f.logger.Debug("client disconnected during response write",
				zap.String("request_id", requestID), zap.Error(err))
			return
		}
	}

	durationMs := time.Since(start).Milliseconds()
	respHeaderJSON := encodeHeaders(w.Header())

	ex := &database.Exchange{
		Timestamp:       arrivedAt,
		Method:          r.Method,
		Path:            r.URL.RequestURI(),
		RequestHeaders:  reqHeaderJSON,
		RequestBody:     f.storedBody(reqBody, ""),
		ResponseStatus:  resp.StatusCode,
		ResponseHeaders: respHeaderJSON,
		ResponseBody:    f.storedBody(captured, contentEncoding),
		DurationMs:      durationMs,
	}
	f.recorder.Record(ex)

	f.logger.Info("request completed",
		zap.String("request_id", requestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.RequestURI()),
		zap.Int("status", resp.StatusCode),
		zap.Int64("duration_ms", durationMs))
}

// streamBody tees the upstream SSE body to the client chunk by chunk,
// flushing after every write, while accumulating a copy for recording.
// Returns an error when the body was not delivered in full.
func (f *Forwarder) streamBody(w http.ResponseWriter, r *http.Request, resp *http.Response) ([]byte, error) {
	flusher, _ := w.(http.Flusher)
	var accumulator bytes.Buffer
	buf := make([]byte, streamChunkSize)

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				f.logger.Debug("client disconnected mid-stream", zap.Error(werr))
				return nil, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			accumulator.Write(buf[:n])
		}
		if rerr == io.EOF {
			return accumulator.Bytes(), nil
		}
		if rerr != nil {
			if r.Context().Err() != nil {
				f.logger.Debug("client cancelled mid-stream", zap.Error(rerr))
				return nil, rerr
			}
			f.logger.Warn("upstream stream aborted", zap.Error(rerr))
			return nil, rerr
		}
	}
}

// storedBody prepares wire bytes for recording: decode to text, apply the
// storage cap, and collapse empty bodies to absent.
func (f *Forwarder) storedBody(raw []byte, contentEncoding string) *string {
	if len(raw) == 0 {
		return nil
	}
	text := recorder.Truncate(recorder.DecodeBody(raw, contentEncoding), f.maxBodyBytes)
	return &text
}

// isEventStream reports whether the media type (parameters ignored) is
// text/event-stream.
func isEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "text/event-stream")
	}
	return mediaType == "text/event-stream"
}

// isTimeoutError classifies a dispatch failure as a timeout (504) rather
// than a transport error (502).
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func writeGatewayError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
